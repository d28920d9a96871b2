package alerts

import (
	"fmt"
	"strings"

	"github.com/churnshield/churnshield/internal/risk"
)

// ReasonFormatter renders the human-readable text of an alert from its
// Trigger. It is the only place alert copy is written.
type ReasonFormatter struct {
	// DateLayout formats lastActivity in stop-transacting reasons.
	DateLayout string
}

// NewReasonFormatter returns a formatter with ISO dates.
func NewReasonFormatter() *ReasonFormatter {
	return &ReasonFormatter{DateLayout: "2006-01-02"}
}

// Message is the one-line summary shown in the queue.
func (f *ReasonFormatter) Message(a *Alert) string {
	return fmt.Sprintf("%s (%s) has %s risk with score %.1f",
		a.MerchantName, a.MerchantType,
		strings.ReplaceAll(string(a.Trigger.Classification), "-", " "),
		a.Trigger.Score)
}

// Reason explains the driving metric for the classification.
func (f *ReasonFormatter) Reason(t Trigger) string {
	switch t.Classification {
	case risk.ClassGTVDrop:
		return fmt.Sprintf("Merchant payment value dropped by %.1f%% compared to the previous period.", t.GTVDropPercent)
	case risk.ClassPaymentDrop:
		return fmt.Sprintf("Payment frequency has significantly decreased to %d transactions per month, indicating potential business issues.", t.TransactionFrequency)
	case risk.ClassStopTransacting:
		last := "unknown"
		if t.LastActivity != nil {
			last = t.LastActivity.UTC().Format(f.DateLayout)
		}
		return fmt.Sprintf("Merchant has stopped transacting or shows no recent activity. Last activity was %s.", last)
	}
	return "Merchant shows elevated churn risk."
}

// Render fills Message and AlertReason in place.
func (f *ReasonFormatter) Render(a *Alert) {
	a.Message = f.Message(a)
	a.AlertReason = f.Reason(a.Trigger)
}
