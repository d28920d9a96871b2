package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/churnshield/churnshield/internal/alerts"
	"github.com/churnshield/churnshield/internal/circuitbreaker"
	"github.com/churnshield/churnshield/internal/metrics"
	"github.com/churnshield/churnshield/internal/retry"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	mu       sync.Mutex
	msgs     []kafka.Message
	failures int
	calls    int
	closed   bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.failures > 0 {
		w.failures--
		return errors.New("broker unavailable")
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *fakeWriter) snapshot() ([]kafka.Message, int, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.msgs...), w.calls, w.closed
}

var fastRetry = WithRetryPolicy(retry.Policy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})

func testEvent(merchantID string) alerts.Event {
	return alerts.Event{
		Type:      alerts.EventAlertCreated,
		Timestamp: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		Alert:     &alerts.Alert{ID: "alr_1", MerchantID: merchantID, Status: alerts.StatusYetToBeCalled},
	}
}

func TestMessage(t *testing.T) {
	msg, err := Message(testEvent("m_42"))
	require.NoError(t, err)

	assert.Equal(t, "m_42", string(msg.Key))
	assert.Equal(t, "event-type", msg.Headers[0].Key)
	assert.Equal(t, alerts.EventAlertCreated, string(msg.Headers[0].Value))

	var env Envelope
	require.NoError(t, json.Unmarshal(msg.Value, &env))
	assert.Equal(t, alerts.EventAlertCreated, env.Type)
	assert.Contains(t, env.ID, "evt_")
	require.NotNil(t, env.Alert)
	assert.Equal(t, "alr_1", env.Alert.ID)
}

func TestPublish_RetriesTransientFailure(t *testing.T) {
	w := &fakeWriter{failures: 2}
	p := NewPublisher(w, "churnshield.alerts", nil, fastRetry)

	before := metrics.CounterValue(metrics.EventsPublishedTotal, sinkName, "published")
	require.NoError(t, p.Publish(context.Background(), testEvent("m_1")))

	msgs, calls, _ := w.snapshot()
	assert.Len(t, msgs, 1)
	assert.Equal(t, 3, calls)
	assert.Equal(t, before+1, metrics.CounterValue(metrics.EventsPublishedTotal, sinkName, "published"))
}

func TestPublish_GivesUp(t *testing.T) {
	w := &fakeWriter{failures: 10}
	p := NewPublisher(w, "churnshield.alerts", nil, fastRetry,
		WithBreaker(circuitbreaker.New(100, time.Minute)))

	err := p.Publish(context.Background(), testEvent("m_1"))
	require.Error(t, err)
	_, calls, _ := w.snapshot()
	assert.Equal(t, 3, calls)
}

func TestPublish_BreakerStopsWrites(t *testing.T) {
	w := &fakeWriter{failures: 100}
	p := NewPublisher(w, "churnshield.alerts", nil,
		WithRetryPolicy(retry.Policy{Attempts: 1}),
		WithBreaker(circuitbreaker.New(2, time.Hour)))

	for i := 0; i < 2; i++ {
		require.Error(t, p.Publish(context.Background(), testEvent("m_1")))
	}
	err := p.Publish(context.Background(), testEvent("m_1"))
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)

	_, calls, _ := w.snapshot()
	assert.Equal(t, 2, calls, "open circuit must not reach the broker")
}

func TestRun_DeliversQueuedEventsAndDrainsOnStop(t *testing.T) {
	w := &fakeWriter{}
	p := NewPublisher(w, "churnshield.alerts", nil, fastRetry)

	p.Emit(context.Background(), testEvent("m_1"))
	p.Emit(context.Background(), testEvent("m_2"))

	ctx, cancel := context.WithCancel(context.Background())
	go p.Run(ctx)
	require.Eventually(t, func() bool {
		msgs, _, _ := w.snapshot()
		return len(msgs) == 2
	}, time.Second, 5*time.Millisecond)

	p.Emit(context.Background(), testEvent("m_3"))
	cancel()
	<-p.Done()

	msgs, _, closed := w.snapshot()
	assert.True(t, closed)
	assert.GreaterOrEqual(t, len(msgs), 2)
}

func TestEmit_DropsWhenQueueFull(t *testing.T) {
	w := &fakeWriter{}
	p := NewPublisher(w, "churnshield.alerts", nil, WithQueueSize(1))

	before := metrics.CounterValue(metrics.EventsPublishedTotal, sinkName, "dropped")
	p.Emit(context.Background(), testEvent("m_1"))
	p.Emit(context.Background(), testEvent("m_2"))

	assert.Len(t, p.queue, 1)
	assert.Equal(t, before+1, metrics.CounterValue(metrics.EventsPublishedTotal, sinkName, "dropped"))
}

func TestHealthCheck_NoBrokers(t *testing.T) {
	st := HealthCheck(nil)(context.Background())
	assert.False(t, st.Healthy)
	assert.Equal(t, "no brokers configured", st.Detail)
}

func TestNewWriter(t *testing.T) {
	w := NewWriter([]string{"localhost:9092"}, "churnshield.alerts")
	assert.Equal(t, "churnshield.alerts", w.Topic)
	assert.Equal(t, kafka.RequireAll, w.RequiredAcks)
}
