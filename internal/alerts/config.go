package alerts

import (
	"errors"
	"fmt"
)

var ErrInvalidActionConfig = errors.New("invalid alert action config")

// ActionConfig holds the lifecycle intervals, all in days.
type ActionConfig struct {
	// ReEngagedWatchlistDays is the quiet period after a merchant re-engages.
	ReEngagedWatchlistDays int `json:"reEngagedWatchlistDays" yaml:"reEngagedWatchlistDays"`
	// NoAnswerRetryDays is the number of consecutive daily retries before a pause.
	NoAnswerRetryDays int `json:"noAnswerRetryDays" yaml:"noAnswerRetryDays"`
	// NoAnswerPauseDays is the pause between retry windows.
	NoAnswerPauseDays int `json:"noAnswerPauseDays" yaml:"noAnswerPauseDays"`
	// NeedsSupportFollowupDays bounds the support window with daily prompts.
	NeedsSupportFollowupDays int `json:"needsSupportFollowupDays" yaml:"needsSupportFollowupDays"`
	// WillReturnDefaultPauseDays is the retry window used when will-return-later has no date.
	WillReturnDefaultPauseDays int `json:"willReturnDefaultPauseDays" yaml:"willReturnDefaultPauseDays"`
	// ClosedGraceDays suppresses new alerts after an alert closes with the merchant active.
	ClosedGraceDays int `json:"closedGraceDays" yaml:"closedGraceDays"`
	// NotInterestedCooldownDays suppresses new alerts after a merchant declines.
	NotInterestedCooldownDays int `json:"notInterestedCooldownDays" yaml:"notInterestedCooldownDays"`
}

// DefaultActionConfig returns the stock intervals.
func DefaultActionConfig() ActionConfig {
	return ActionConfig{
		ReEngagedWatchlistDays:     7,
		NoAnswerRetryDays:          2,
		NoAnswerPauseDays:          5,
		NeedsSupportFollowupDays:   7,
		WillReturnDefaultPauseDays: 1,
		ClosedGraceDays:            7,
		NotInterestedCooldownDays:  30,
	}
}

// Validate requires every interval to be at least one day, except the
// cooldown which may be zero.
func (c ActionConfig) Validate() error {
	checks := []struct {
		name  string
		value int
		min   int
	}{
		{"reEngagedWatchlistDays", c.ReEngagedWatchlistDays, 1},
		{"noAnswerRetryDays", c.NoAnswerRetryDays, 1},
		{"noAnswerPauseDays", c.NoAnswerPauseDays, 1},
		{"needsSupportFollowupDays", c.NeedsSupportFollowupDays, 1},
		{"willReturnDefaultPauseDays", c.WillReturnDefaultPauseDays, 1},
		{"closedGraceDays", c.ClosedGraceDays, 0},
		{"notInterestedCooldownDays", c.NotInterestedCooldownDays, 0},
	}
	for _, ch := range checks {
		if ch.value < ch.min {
			return fmt.Errorf("%w: %s must be >= %d", ErrInvalidActionConfig, ch.name, ch.min)
		}
	}
	return nil
}
