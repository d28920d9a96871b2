// Package reports computes the executive dashboard aggregates over the
// alert history.
package reports

import (
	"math"
	"sort"
	"time"

	"github.com/churnshield/churnshield/internal/alerts"
)

// Overview is the queue-wide summary.
type Overview struct {
	TotalAlerts       int                     `json:"totalAlerts"`
	ActiveAlerts      int                     `json:"activeAlerts"`
	DueAlerts         int                     `json:"dueAlerts"`
	ResolvedThisMonth int                     `json:"resolvedThisMonth"`
	SuccessRate       float64                 `json:"successRate"`
	ByStatus          map[alerts.Status]int   `json:"byStatus"`
	BySeverity        map[alerts.Severity]int `json:"bySeverity"`
	ChurnReasons      map[string]int          `json:"churnReasons"`
	GeneratedAt       time.Time               `json:"generatedAt"`
}

// ManagerPerformance is one account manager's scorecard.
type ManagerPerformance struct {
	Name              string  `json:"name"`
	ActiveAlerts      int     `json:"activeAlerts"`
	ResolvedThisMonth int     `json:"resolvedThisMonth"`
	SuccessRate       float64 `json:"successRate"`
	AvgResolutionTime float64 `json:"avgResolutionTime"` // days
	TotalAssigned     int     `json:"totalAssigned"`
}

// BuildOverview aggregates every alert as of now. SuccessRate is the
// percentage of alerts that ended re-engaged.
func BuildOverview(list []*alerts.Alert, now time.Time) Overview {
	o := Overview{
		TotalAlerts:  len(list),
		ByStatus:     make(map[alerts.Status]int, len(alerts.Statuses)),
		BySeverity:   make(map[alerts.Severity]int),
		ChurnReasons: make(map[string]int),
		GeneratedAt:  now,
	}
	for _, s := range alerts.Statuses {
		o.ByStatus[s] = 0
	}
	for _, reason := range alerts.ChurnReasons {
		o.ChurnReasons[reason] = 0
	}

	reEngaged := 0
	for _, a := range list {
		o.ByStatus[a.Status]++
		o.BySeverity[a.Type]++
		if a.Open() {
			o.ActiveAlerts++
			if a.NextActionDate != nil && !a.NextActionDate.After(now) {
				o.DueAlerts++
			}
		}
		if a.Status == alerts.StatusReEngaged {
			reEngaged++
		}
		if a.ChurnReason != "" {
			o.ChurnReasons[a.ChurnReason]++
		}
		if closedInMonth(a, now) {
			o.ResolvedThisMonth++
		}
	}
	o.SuccessRate = percent(reEngaged, len(list))
	return o
}

// BuildManagerReport scores each account manager over the alerts they own.
// Ownership follows the merchant's account manager, so alerts handed to
// support still count for the manager who owns the relationship.
func BuildManagerReport(list []*alerts.Alert, now time.Time) []ManagerPerformance {
	type acc struct {
		ManagerPerformance
		reEngaged     int
		resolved      int
		resolutionSum time.Duration
	}
	byName := make(map[string]*acc)

	for _, a := range list {
		name := owner(a)
		if name == "" {
			continue
		}
		m, ok := byName[name]
		if !ok {
			m = &acc{ManagerPerformance: ManagerPerformance{Name: name}}
			byName[name] = m
		}
		m.TotalAssigned++
		if a.Open() {
			m.ActiveAlerts++
		}
		if a.Status == alerts.StatusReEngaged {
			m.reEngaged++
		}
		if a.ClosedAt != nil {
			m.resolved++
			m.resolutionSum += a.ClosedAt.Sub(a.Timestamp)
		}
		if closedInMonth(a, now) {
			m.ResolvedThisMonth++
		}
	}

	out := make([]ManagerPerformance, 0, len(byName))
	for _, m := range byName {
		m.SuccessRate = percent(m.reEngaged, m.TotalAssigned)
		if m.resolved > 0 {
			days := m.resolutionSum.Hours() / 24 / float64(m.resolved)
			m.AvgResolutionTime = math.Round(days*10) / 10
		}
		out = append(out, m.ManagerPerformance)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SuccessRate != out[j].SuccessRate {
			return out[i].SuccessRate > out[j].SuccessRate
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func owner(a *alerts.Alert) string {
	if a.AccountManager != "" {
		return a.AccountManager
	}
	return a.AssignedTo
}

func closedInMonth(a *alerts.Alert, now time.Time) bool {
	if a.ClosedAt == nil {
		return false
	}
	c, n := a.ClosedAt.UTC(), now.UTC()
	return c.Year() == n.Year() && c.Month() == n.Month()
}

func percent(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return math.Round(float64(num)/float64(den)*1000) / 10
}
