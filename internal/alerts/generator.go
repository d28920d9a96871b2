package alerts

import (
	"time"

	"github.com/churnshield/churnshield/internal/idgen"
	"github.com/churnshield/churnshield/internal/merchant"
	"github.com/churnshield/churnshield/internal/risk"
)

// Candidate pairs a merchant with its assessment from the same pass.
type Candidate struct {
	Merchant   *merchant.Snapshot
	Assessment *risk.Assessment
}

// Suppression reasons reported by Suppressed.
const (
	SuppressOpenAlert = "open_alert"
	SuppressWatchlist = "watchlist"
	SuppressChurned   = "churned"
)

// TriggerFor builds the evidence for a merchant under an assessment.
func TriggerFor(m *merchant.Snapshot, a *risk.Assessment, now time.Time) Trigger {
	return Trigger{
		Classification:       a.Classification,
		Score:                a.Score,
		GTVDropPercent:       risk.GTVDropPercent(m),
		TransactionFrequency: m.TransactionFrequency,
		DaysSinceActivity:    risk.DaysSinceActivity(m, now),
		LastActivity:         cloneTime(m.LastActivity),
	}
}

// SeverityFor maps a classification to alert severity.
func SeverityFor(c risk.Classification) Severity {
	if c == risk.ClassStopTransacting {
		return SeverityCritical
	}
	return SeverityWarning
}

// GenerateAlerts builds one new alert per VIP or High candidate. Medium
// merchants never alert. Message and AlertReason are left empty for the
// formatter; suppression is the caller's concern.
func GenerateAlerts(candidates []Candidate, now time.Time) []*Alert {
	var out []*Alert
	for _, c := range candidates {
		if c.Merchant == nil || c.Assessment == nil {
			continue
		}
		if !c.Merchant.MerchantType.HighValue() {
			continue
		}
		out = append(out, &Alert{
			ID:             idgen.WithPrefix("alt_"),
			MerchantID:     c.Merchant.ID,
			MerchantName:   c.Merchant.Name,
			MerchantType:   c.Merchant.MerchantType,
			Type:           SeverityFor(c.Assessment.Classification),
			Timestamp:      now,
			Status:         StatusYetToBeCalled,
			AssignedTo:     c.Merchant.AssignedSalesPerson,
			AccountManager: c.Merchant.AssignedSalesPerson,
			Tags:           []string{},
			Trigger:        TriggerFor(c.Merchant, c.Assessment, now),
		})
	}
	return out
}

// Suppressed reports whether a merchant with the given alert history
// should not get a new alert at now, and why.
func Suppressed(history []*Alert, cfg ActionConfig, now time.Time) (string, bool) {
	for _, a := range history {
		if a.Open() {
			return SuppressOpenAlert, true
		}
	}
	for _, a := range history {
		if a.WatchlistUntil != nil && now.Before(*a.WatchlistUntil) {
			return SuppressWatchlist, true
		}
		if a.Resolution == ResolutionChurned && a.ClosedAt != nil &&
			now.Before(a.ClosedAt.Add(days(cfg.NotInterestedCooldownDays))) {
			return SuppressChurned, true
		}
	}
	return "", false
}
