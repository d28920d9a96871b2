// Package alerts generates churn alerts for high-value merchants and drives
// the account-manager workflow that resolves them.
//
// The workflow is split into pure functions and the machinery around them:
//
//   - GenerateAlerts turns risk assessments into new alerts.
//   - ApplyAction computes the field updates for an operator action.
//   - Expire computes the updates when an alert's nextActionDate comes due.
//
// None of them touch storage. Service persists their results through a
// Store with per-alert optimistic concurrency, and Timer and Worker run
// the scheduled parts.
package alerts

import (
	"time"

	"github.com/churnshield/churnshield/internal/merchant"
	"github.com/churnshield/churnshield/internal/risk"
)

// Severity is the alert's urgency. Serialized as the alert "type".
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Status is the workflow position of an alert.
type Status string

const (
	StatusYetToBeCalled   Status = "yet-to-be-called"
	StatusReEngaged       Status = "re-engaged"
	StatusNotInterested   Status = "not-interested"
	StatusNoAnswer        Status = "no-answer"
	StatusNeedsSupport    Status = "needs-support"
	StatusWillReturnLater Status = "will-return-later"
)

// Statuses lists every status, initial first.
var Statuses = []Status{
	StatusYetToBeCalled,
	StatusReEngaged,
	StatusNotInterested,
	StatusNoAnswer,
	StatusNeedsSupport,
	StatusWillReturnLater,
}

// Action is an operator outcome recorded against an alert.
type Action string

const (
	ActionReEngaged       Action = "re-engaged"
	ActionNotInterested   Action = "not-interested"
	ActionNoAnswer        Action = "no-answer"
	ActionNeedsSupport    Action = "needs-support"
	ActionWillReturnLater Action = "will-return-later"
)

// Actions is the closed set of operator actions.
var Actions = []Action{
	ActionReEngaged,
	ActionNotInterested,
	ActionNoAnswer,
	ActionNeedsSupport,
	ActionWillReturnLater,
}

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	for _, known := range Actions {
		if a == known {
			return true
		}
	}
	return false
}

// Resolution records how a closed alert ended.
type Resolution string

const (
	ResolutionReEngaged       Resolution = "re-engaged"
	ResolutionReturned        Resolution = "returned"
	ResolutionSupportResolved Resolution = "support-resolved"
	ResolutionChurned         Resolution = "churned"
)

// SupportTeam is the assignee while an alert needs support.
const SupportTeam = "Support Team"

// ChurnReasons is the closed list accepted with not-interested.
var ChurnReasons = []string{
	"No need for service",
	"Too expensive",
	"Switched to cards",
	"Found better alternative",
	"Business closing",
	"Seasonal business ended",
	"Other",
}

// KnownTags are the triage labels offered to executives.
var KnownTags = []string{
	"High Priority",
	"Pricing Issue",
	"Technical Problem",
	"Seasonal",
	"Competitor",
	"Support Needed",
	"Follow-up Required",
}

// Trigger is the structured evidence behind an alert. Message text is
// rendered from it separately.
type Trigger struct {
	Classification       risk.Classification `json:"classification"`
	Score                float64             `json:"score"`
	GTVDropPercent       float64             `json:"gtvDropPercent"`
	TransactionFrequency int                 `json:"transactionFrequency"`
	DaysSinceActivity    int                 `json:"daysSinceActivity"`
	LastActivity         *time.Time          `json:"lastActivity,omitempty"`
}

// Alert is the mutable workflow entity. Alerts are never deleted.
type Alert struct {
	ID             string        `json:"id"`
	MerchantID     string        `json:"merchantId"`
	MerchantName   string        `json:"merchantName"`
	MerchantType   merchant.Type `json:"merchantType"`
	Type           Severity      `json:"type"`
	Message        string        `json:"message"`
	AlertReason    string        `json:"alertReason"`
	Timestamp      time.Time     `json:"timestamp"`
	Acknowledged   bool          `json:"acknowledged"`
	Status         Status        `json:"status"`
	AssignedTo     string        `json:"assignedTo"`
	NextActionDate *time.Time    `json:"nextActionDate,omitempty"`
	RetryCount     int           `json:"retryCount"`
	Tags           []string      `json:"tags"`
	Notes          string        `json:"notes"`
	ChurnReason    string        `json:"churnReason,omitempty"`

	CxoComments     string     `json:"cxoComments,omitempty"`
	AccountManager  string     `json:"accountManager,omitempty"`
	Trigger         Trigger    `json:"trigger"`
	Version         int64      `json:"version"`
	LastActionAt    *time.Time `json:"lastActionAt,omitempty"`
	RetryWindowDays int        `json:"retryWindowDays,omitempty"`
	WindowAttempts  int        `json:"windowAttempts,omitempty"`
	PausedUntil     *time.Time `json:"pausedUntil,omitempty"`
	ReturnAt        *time.Time `json:"returnAt,omitempty"`
	SweptAt         *time.Time `json:"sweptAt,omitempty"`
	ClosedAt        *time.Time `json:"closedAt,omitempty"`
	Resolution      Resolution `json:"resolution,omitempty"`
	WatchlistUntil  *time.Time `json:"watchlistUntil,omitempty"`
}

// Open reports whether the alert is still in the active queue.
func (a *Alert) Open() bool {
	return !a.Acknowledged
}

// Scheduled reports whether the status has a time-driven follow-up.
func (s Status) Scheduled() bool {
	switch s {
	case StatusReEngaged, StatusNoAnswer, StatusNeedsSupport, StatusWillReturnLater:
		return true
	}
	return false
}

// ActivityCheckInterval is how often a paused retry cycle is checked for
// merchant activity before the pause ends.
const ActivityCheckInterval = 24 * time.Hour

// Due reports whether the scheduler should look at the alert at now.
// An alert is due once per nextActionDate, and a paused retry cycle is
// also due once per ActivityCheckInterval.
func (a *Alert) Due(now time.Time) bool {
	if !a.Open() || !a.Status.Scheduled() || a.NextActionDate == nil {
		return false
	}
	if a.NextActionDate.After(now) {
		return a.pauseCheckDue(now)
	}
	return a.SweptAt == nil || a.SweptAt.Before(*a.NextActionDate)
}

func (a *Alert) pauseCheckDue(now time.Time) bool {
	if !a.inRetryCycle() || a.PausedUntil == nil || !now.Before(*a.PausedUntil) {
		return false
	}
	return a.SweptAt == nil || !a.SweptAt.After(now.Add(-ActivityCheckInterval))
}

// inRetryCycle reports whether the alert follows the no-answer retry
// window: no-answer, and will-return-later without a date.
func (a *Alert) inRetryCycle() bool {
	return a.Status == StatusNoAnswer || (a.Status == StatusWillReturnLater && a.ReturnAt == nil)
}

// Clone returns a deep copy.
func (a *Alert) Clone() *Alert {
	cp := *a
	if a.Tags != nil {
		cp.Tags = make([]string, len(a.Tags))
		copy(cp.Tags, a.Tags)
	}
	cp.NextActionDate = cloneTime(a.NextActionDate)
	cp.LastActionAt = cloneTime(a.LastActionAt)
	cp.PausedUntil = cloneTime(a.PausedUntil)
	cp.ReturnAt = cloneTime(a.ReturnAt)
	cp.SweptAt = cloneTime(a.SweptAt)
	cp.ClosedAt = cloneTime(a.ClosedAt)
	cp.WatchlistUntil = cloneTime(a.WatchlistUntil)
	cp.Trigger.LastActivity = cloneTime(a.Trigger.LastActivity)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func ptr[T any](v T) *T { return &v }

func days(n int) time.Duration { return time.Duration(n) * 24 * time.Hour }
