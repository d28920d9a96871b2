package alerts

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrUnknownAction       = errors.New("unknown alert action")
	ErrAlertNotFound       = errors.New("alert not found")
	ErrAlertClosed         = errors.New("alert is closed")
	ErrVersionConflict     = errors.New("alert was modified concurrently")
	ErrDuplicateOpenAlert  = errors.New("merchant already has an open alert")
	ErrDuplicateSubmission = errors.New("action submission already recorded")
)

// ActionParams carries the operator input that accompanies an action.
// Validation of required params happens before ApplyAction is called.
type ActionParams struct {
	Notes       string
	ChurnReason string
	ReturnAt    *time.Time
}

// AlertUpdate is a sparse set of field changes. A nil pointer leaves the
// field alone; the Clear flags null out optional timestamps.
type AlertUpdate struct {
	Status          *Status
	Acknowledged    *bool
	AssignedTo      *string
	NextActionDate  *time.Time
	RetryCount      *int
	RetryWindowDays *int
	WindowAttempts  *int
	Notes           *string
	ChurnReason     *string
	LastActionAt    *time.Time
	PausedUntil     *time.Time
	ReturnAt        *time.Time
	SweptAt         *time.Time
	ClosedAt        *time.Time
	Resolution      *Resolution
	WatchlistUntil  *time.Time
	Trigger         *Trigger

	ClearNextActionDate bool
	ClearPausedUntil    bool
	ClearReturnAt       bool
}

// Merge returns a copy of a with u applied. a is not modified.
func (a *Alert) Merge(u AlertUpdate) *Alert {
	out := a.Clone()
	if u.Status != nil {
		out.Status = *u.Status
	}
	if u.Acknowledged != nil {
		out.Acknowledged = *u.Acknowledged
	}
	if u.AssignedTo != nil {
		out.AssignedTo = *u.AssignedTo
	}
	if u.ClearNextActionDate {
		out.NextActionDate = nil
	} else if u.NextActionDate != nil {
		out.NextActionDate = cloneTime(u.NextActionDate)
	}
	if u.RetryCount != nil {
		out.RetryCount = *u.RetryCount
	}
	if u.RetryWindowDays != nil {
		out.RetryWindowDays = *u.RetryWindowDays
	}
	if u.WindowAttempts != nil {
		out.WindowAttempts = *u.WindowAttempts
	}
	if u.Notes != nil {
		out.Notes = *u.Notes
	}
	if u.ChurnReason != nil {
		out.ChurnReason = *u.ChurnReason
	}
	if u.LastActionAt != nil {
		out.LastActionAt = cloneTime(u.LastActionAt)
	}
	if u.ClearPausedUntil {
		out.PausedUntil = nil
	} else if u.PausedUntil != nil {
		out.PausedUntil = cloneTime(u.PausedUntil)
	}
	if u.ClearReturnAt {
		out.ReturnAt = nil
	} else if u.ReturnAt != nil {
		out.ReturnAt = cloneTime(u.ReturnAt)
	}
	if u.SweptAt != nil {
		out.SweptAt = cloneTime(u.SweptAt)
	}
	if u.ClosedAt != nil {
		out.ClosedAt = cloneTime(u.ClosedAt)
	}
	if u.Resolution != nil {
		out.Resolution = *u.Resolution
	}
	if u.WatchlistUntil != nil {
		out.WatchlistUntil = cloneTime(u.WatchlistUntil)
	}
	if u.Trigger != nil {
		out.Trigger = *u.Trigger
		out.Trigger.LastActivity = cloneTime(u.Trigger.LastActivity)
	}
	return out
}

// ApplyAction computes the update for an operator action recorded at now.
// The alert is not modified. Unknown actions return ErrUnknownAction and
// an empty update.
//
// Applying the same action with the same params and now to the same alert
// always yields the same update, so replaying a submission against the
// pre-action alert is harmless.
func ApplyAction(a *Alert, action Action, p ActionParams, cfg ActionConfig, now time.Time) (AlertUpdate, error) {
	if !action.Valid() {
		return AlertUpdate{}, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}

	u := AlertUpdate{
		Notes:         ptr(p.Notes),
		LastActionAt:  ptr(now),
		ClearReturnAt: true,
	}

	switch action {
	case ActionReEngaged:
		u.Status = ptr(StatusReEngaged)
		u.NextActionDate = ptr(now.Add(days(cfg.ReEngagedWatchlistDays)))
		clearCycle(&u)

	case ActionNotInterested:
		u.Status = ptr(StatusNotInterested)
		u.Acknowledged = ptr(true)
		u.ChurnReason = ptr(p.ChurnReason)
		u.ClearNextActionDate = true
		u.ClosedAt = ptr(now)
		u.Resolution = ptr(ResolutionChurned)
		clearCycle(&u)

	case ActionNoAnswer:
		u.Status = ptr(StatusNoAnswer)
		retry(&u, a, cfg.NoAnswerRetryDays, now)

	case ActionNeedsSupport:
		u.Status = ptr(StatusNeedsSupport)
		u.NextActionDate = ptr(now.Add(24 * time.Hour))
		u.AssignedTo = ptr(SupportTeam)
		clearCycle(&u)

	case ActionWillReturnLater:
		u.Status = ptr(StatusWillReturnLater)
		if p.ReturnAt != nil {
			u.NextActionDate = ptr(*p.ReturnAt)
			u.ReturnAt = ptr(*p.ReturnAt)
			u.ClearReturnAt = false
			clearCycle(&u)
		} else {
			retry(&u, a, cfg.WillReturnDefaultPauseDays, now)
		}
	}
	return u, nil
}

// retry applies the no-answer policy: one more attempt tomorrow, counted
// against a window of the given size. An attempt recorded during a pause
// opens a new window.
func retry(u *AlertUpdate, a *Alert, window int, now time.Time) {
	attempts := a.WindowAttempts
	if a.PausedUntil != nil {
		attempts = 0
	}
	u.RetryCount = ptr(a.RetryCount + 1)
	u.RetryWindowDays = ptr(window)
	u.WindowAttempts = ptr(attempts + 1)
	u.NextActionDate = ptr(now.Add(24 * time.Hour))
	u.ClearPausedUntil = true
}

func clearCycle(u *AlertUpdate) {
	u.RetryCount = ptr(0)
	u.RetryWindowDays = ptr(0)
	u.WindowAttempts = ptr(0)
	u.ClearPausedUntil = true
}
