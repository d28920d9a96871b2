package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(threshold int) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	return New(threshold, time.Minute).WithClock(clock.now), clock
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3)
	assert.True(t, b.Allow("kafka"))

	b.RecordFailure("kafka")
	b.RecordFailure("kafka")
	assert.True(t, b.Allow("kafka"), "should still allow before threshold")

	b.RecordFailure("kafka")
	assert.False(t, b.Allow("kafka"))
	assert.Equal(t, StateOpen, b.State("kafka"))
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b, clock := newTestBreaker(2)
	b.RecordFailure("wh_1")
	b.RecordFailure("wh_1")
	require.False(t, b.Allow("wh_1"))

	clock.advance(time.Minute)
	assert.True(t, b.Allow("wh_1"), "cooldown elapsed admits a probe")
	assert.Equal(t, StateHalfOpen, b.State("wh_1"))
	assert.False(t, b.Allow("wh_1"), "only one probe at a time")

	b.RecordSuccess("wh_1")
	assert.Equal(t, StateClosed, b.State("wh_1"))
	assert.True(t, b.Allow("wh_1"))
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(2)
	b.RecordFailure("wh_1")
	b.RecordFailure("wh_1")
	clock.advance(time.Minute)
	require.True(t, b.Allow("wh_1"))

	b.RecordFailure("wh_1")
	assert.Equal(t, StateOpen, b.State("wh_1"))

	clock.advance(30 * time.Second)
	assert.False(t, b.Allow("wh_1"), "cooldown restarts from the failed probe")
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b, _ := newTestBreaker(3)
	b.RecordFailure("wh_1")
	b.RecordFailure("wh_1")
	b.RecordSuccess("wh_1")
	b.RecordFailure("wh_1")
	assert.True(t, b.Allow("wh_1"))
}

func TestBreaker_IndependentKeys(t *testing.T) {
	b, _ := newTestBreaker(1)
	b.RecordFailure("wh_1")
	assert.False(t, b.Allow("wh_1"))
	assert.True(t, b.Allow("wh_2"))
	assert.Equal(t, StateClosed, b.State("unknown"))
}

func TestBreaker_Execute(t *testing.T) {
	b, _ := newTestBreaker(1)
	boom := errors.New("boom")

	assert.NoError(t, b.Execute("kafka", func() error { return nil }))
	assert.ErrorIs(t, b.Execute("kafka", func() error { return boom }), boom)

	called := false
	err := b.Execute("kafka", func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestBreaker_Forget(t *testing.T) {
	b, _ := newTestBreaker(1)
	b.RecordFailure("wh_1")
	b.Forget("wh_1")
	assert.Equal(t, StateClosed, b.State("wh_1"))
}

func TestBreaker_OnTransition(t *testing.T) {
	b, clock := newTestBreaker(1)
	var got []string
	b.OnTransition(func(key string, from, to State) {
		got = append(got, from.String()+">"+to.String())
	})

	b.RecordFailure("wh_1")
	clock.advance(time.Minute)
	b.Allow("wh_1")
	b.RecordSuccess("wh_1")

	assert.Equal(t, []string{"closed>open", "open>half_open", "half_open>closed"}, got)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(99).String())
}
