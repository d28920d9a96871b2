package alerts

import (
	"context"
	"time"
)

// Event types published on alert changes.
const (
	EventAlertCreated     = "alert.created"
	EventActionRecorded   = "alert.action_recorded"
	EventAlertReopened    = "alert.reopened"
	EventAlertClosed      = "alert.closed"
	EventAlertPaused      = "alert.paused"
	EventAlertFollowupDue = "alert.followup_due"
)

// EventTypes lists every event a subscriber may ask for.
var EventTypes = []string{
	EventAlertCreated,
	EventActionRecorded,
	EventAlertReopened,
	EventAlertClosed,
	EventAlertPaused,
	EventAlertFollowupDue,
}

// Event is one alert change, after it has been persisted.
type Event struct {
	Type      string        `json:"type"`
	Alert     *Alert        `json:"alert"`
	Action    *ActionRecord `json:"action,omitempty"`
	Outcome   Outcome       `json:"outcome,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// EventEmitter receives alert events. Implementations must not block the
// caller on slow sinks.
type EventEmitter interface {
	Emit(ctx context.Context, ev Event)
}

// eventForOutcome maps a sweep outcome to the event it publishes, if any.
func eventForOutcome(o Outcome) (string, bool) {
	switch o {
	case OutcomeClosed:
		return EventAlertClosed, true
	case OutcomeReopened:
		return EventAlertReopened, true
	case OutcomePaused:
		return EventAlertPaused, true
	case OutcomeReminded, OutcomeReset, OutcomeResumed:
		return EventAlertFollowupDue, true
	}
	return "", false
}
