package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func fast(attempts int) Policy {
	return Policy{Attempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond}
}

func TestDo_SuccessOnFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fast(3), func(int) error {
		calls++
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_SuccessOnRetry(t *testing.T) {
	var seen []int
	err := Do(context.Background(), fast(3), func(attempt int) error {
		seen = append(seen, attempt)
		if attempt < 2 {
			return errors.New("broker unavailable")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, seen)
}

func TestDo_AllAttemptsExhausted(t *testing.T) {
	sentinel := errors.New("always fails")
	calls := 0
	err := Do(context.Background(), fast(3), func(int) error {
		calls++
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 3, calls)
}

func TestDo_PermanentErrorStopsRetry(t *testing.T) {
	sentinel := errors.New("410 gone")
	calls := 0
	err := Do(context.Background(), fast(5), func(int) error {
		calls++
		return Permanent(sentinel)
	})
	assert.Equal(t, sentinel, err, "permanent errors are unwrapped")
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, Policy{Attempts: 5, BaseDelay: time.Hour}, func(int) error {
		calls++
		cancel()
		return errors.New("transient")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDo_ZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	_ = Do(context.Background(), Policy{}, func(int) error {
		calls++
		return errors.New("x")
	})
	assert.Equal(t, 1, calls)
}

func TestJitterWithinBounds(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := jitter(100 * time.Millisecond)
		assert.GreaterOrEqual(t, d, 75*time.Millisecond)
		assert.LessOrEqual(t, d, 125*time.Millisecond)
	}
}

func TestPermanent(t *testing.T) {
	inner := errors.New("bad request")
	err := Permanent(inner)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, inner)
	assert.False(t, IsPermanent(inner))
	assert.Nil(t, Permanent(nil))
}
