package alerts

import (
	"time"
)

// Outcome is what the scheduler did with a due alert.
type Outcome string

const (
	OutcomeNone     Outcome = "none"
	OutcomeClosed   Outcome = "closed"
	OutcomeReopened Outcome = "reopened"
	OutcomePaused   Outcome = "paused"
	OutcomeResumed  Outcome = "resumed"
	OutcomeReset    Outcome = "reset"
	OutcomeReminded Outcome = "reminded"
	OutcomeChecked  Outcome = "checked"
)

// Observation is the merchant's state at sweep time.
type Observation struct {
	Active       bool
	LastActivity *time.Time
	// Trigger is fresh evidence, used when the alert reopens.
	Trigger Trigger
}

// Expire computes the update for an alert whose nextActionDate has come
// due. Like ApplyAction it is pure; the caller persists the result.
// Every outcome other than OutcomeNone stamps SweptAt so the same due date
// is not processed twice.
func Expire(a *Alert, obs Observation, cfg ActionConfig, now time.Time) (AlertUpdate, Outcome) {
	if !a.Due(now) {
		return AlertUpdate{}, OutcomeNone
	}

	var (
		u       AlertUpdate
		outcome Outcome
	)
	switch a.Status {
	case StatusReEngaged:
		if obs.Active {
			u, outcome = closeAlert(ResolutionReEngaged, cfg, now), OutcomeClosed
		} else {
			u, outcome = reopen(a, obs), OutcomeReopened
		}

	case StatusWillReturnLater:
		if a.ReturnAt == nil {
			u, outcome = cycle(a, obs, cfg, now)
			break
		}
		if obs.Active {
			u, outcome = closeAlert(ResolutionReturned, cfg, now), OutcomeClosed
		} else {
			u, outcome = reopen(a, obs), OutcomeReopened
		}

	case StatusNoAnswer:
		u, outcome = cycle(a, obs, cfg, now)

	case StatusNeedsSupport:
		u, outcome = supportFollowup(a, obs, cfg, now)

	default:
		return AlertUpdate{}, OutcomeNone
	}

	u.SweptAt = ptr(now)
	return u, outcome
}

// cycle runs the retry window for no-answer and undated will-return-later.
// Attempts count per window; a full window pauses the cycle, and the pause
// ending opens the next window.
func cycle(a *Alert, obs Observation, cfg ActionConfig, now time.Time) (AlertUpdate, Outcome) {
	if activitySince(a, obs) {
		return AlertUpdate{
			RetryCount:       ptr(0),
			WindowAttempts:   ptr(0),
			ClearPausedUntil: true,
			NextActionDate:   ptr(now.Add(24 * time.Hour)),
		}, OutcomeReset
	}

	if a.PausedUntil != nil {
		if now.Before(*a.PausedUntil) {
			return AlertUpdate{}, OutcomeChecked
		}
		return AlertUpdate{
			ClearPausedUntil: true,
			WindowAttempts:   ptr(0),
			NextActionDate:   ptr(now.Add(24 * time.Hour)),
		}, OutcomeResumed
	}

	window := a.RetryWindowDays
	if window <= 0 {
		window = cfg.NoAnswerRetryDays
	}
	if a.WindowAttempts >= window {
		resume := now.Add(days(cfg.NoAnswerPauseDays))
		return AlertUpdate{
			PausedUntil:    ptr(resume),
			NextActionDate: ptr(resume),
			WindowAttempts: ptr(0),
		}, OutcomePaused
	}
	return AlertUpdate{}, OutcomeReminded
}

func supportFollowup(a *Alert, obs Observation, cfg ActionConfig, now time.Time) (AlertUpdate, Outcome) {
	start := a.Timestamp
	if a.LastActionAt != nil {
		start = *a.LastActionAt
	}
	end := start.Add(days(cfg.NeedsSupportFollowupDays))
	if now.Before(end) {
		next := now.Add(24 * time.Hour)
		if next.After(end) {
			next = end
		}
		return AlertUpdate{NextActionDate: ptr(next)}, OutcomeReminded
	}
	if obs.Active {
		return closeAlert(ResolutionSupportResolved, cfg, now), OutcomeClosed
	}
	return reopen(a, obs), OutcomeReopened
}

// activitySince reports whether the merchant transacted after the last
// time anyone looked at the alert.
func activitySince(a *Alert, obs Observation) bool {
	if obs.LastActivity == nil {
		return false
	}
	mark := a.Timestamp
	if a.LastActionAt != nil && a.LastActionAt.After(mark) {
		mark = *a.LastActionAt
	}
	if a.SweptAt != nil && a.SweptAt.After(mark) {
		mark = *a.SweptAt
	}
	return obs.LastActivity.After(mark)
}

func closeAlert(res Resolution, cfg ActionConfig, now time.Time) AlertUpdate {
	return AlertUpdate{
		Acknowledged:        ptr(true),
		ClosedAt:            ptr(now),
		Resolution:          ptr(res),
		WatchlistUntil:      ptr(now.Add(days(cfg.ClosedGraceDays))),
		ClearNextActionDate: true,
		ClearPausedUntil:    true,
	}
}

// reopen puts the alert back at the top of the queue with fresh evidence.
func reopen(a *Alert, obs Observation) AlertUpdate {
	u := AlertUpdate{
		Status:              ptr(StatusYetToBeCalled),
		Acknowledged:        ptr(false),
		RetryCount:          ptr(0),
		RetryWindowDays:     ptr(0),
		WindowAttempts:      ptr(0),
		Trigger:             ptr(obs.Trigger),
		ClearNextActionDate: true,
		ClearPausedUntil:    true,
		ClearReturnAt:       true,
	}
	if a.AccountManager != "" {
		u.AssignedTo = ptr(a.AccountManager)
	}
	return u
}
