// Package kafka publishes alert lifecycle events to a Kafka topic so
// downstream systems (CRM sync, analytics) can consume them.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/churnshield/churnshield/internal/alerts"
	"github.com/churnshield/churnshield/internal/circuitbreaker"
	"github.com/churnshield/churnshield/internal/health"
	"github.com/churnshield/churnshield/internal/idgen"
	"github.com/churnshield/churnshield/internal/metrics"
	"github.com/churnshield/churnshield/internal/retry"
	"github.com/segmentio/kafka-go"
)

const (
	sinkName         = "kafka"
	defaultQueueSize = 1024
	drainTimeout     = 5 * time.Second
)

// Writer is the subset of *kafka.Writer the publisher needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Envelope is the message value written for each event.
type Envelope struct {
	ID        string               `json:"id"`
	Type      string               `json:"type"`
	Timestamp time.Time            `json:"timestamp"`
	Alert     *alerts.Alert        `json:"alert"`
	Action    *alerts.ActionRecord `json:"action,omitempty"`
	Outcome   alerts.Outcome       `json:"outcome,omitempty"`
}

// Publisher writes alert events to Kafka from a background loop. Messages
// are keyed by merchant ID so one merchant's events stay ordered within a
// partition.
type Publisher struct {
	w       Writer
	topic   string
	breaker *circuitbreaker.Breaker
	policy  retry.Policy
	queue   chan kafka.Message
	logger  *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithRetryPolicy overrides the per-message retry policy.
func WithRetryPolicy(p retry.Policy) Option {
	return func(pub *Publisher) { pub.policy = p }
}

// WithBreaker overrides the circuit breaker guarding the brokers.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(pub *Publisher) { pub.breaker = b }
}

// WithQueueSize sets how many events may wait for the background loop.
func WithQueueSize(n int) Option {
	return func(pub *Publisher) {
		if n > 0 {
			pub.queue = make(chan kafka.Message, n)
		}
	}
}

// NewWriter returns a kafka-go writer tuned for small keyed JSON events.
func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           50 * time.Millisecond,
		WriteTimeout:           10 * time.Second,
		AllowAutoTopicCreation: false,
	}
}

// NewPublisher creates a publisher around w. Call Run to start delivery.
func NewPublisher(w Writer, topic string, logger *slog.Logger, opts ...Option) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Publisher{
		w:       w,
		topic:   topic,
		breaker: circuitbreaker.New(5, 30*time.Second),
		policy:  retry.Policy{Attempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second},
		queue:   make(chan kafka.Message, defaultQueueSize),
		logger:  logger.With("component", "kafka_publisher", "topic", topic),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Message builds the Kafka message for ev.
func Message(ev alerts.Event) (kafka.Message, error) {
	env := Envelope{
		ID:        idgen.WithPrefix("evt_"),
		Type:      ev.Type,
		Timestamp: ev.Timestamp,
		Alert:     ev.Alert,
		Action:    ev.Action,
		Outcome:   ev.Outcome,
	}
	value, err := json.Marshal(env)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to encode event: %w", err)
	}
	var key []byte
	if ev.Alert != nil {
		key = []byte(ev.Alert.MerchantID)
	}
	return kafka.Message{
		Key:   key,
		Value: value,
		Time:  ev.Timestamp,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(ev.Type)},
			{Key: "event-id", Value: []byte(env.ID)},
		},
	}, nil
}

// Emit queues ev without blocking. Events are dropped when the queue is full.
func (p *Publisher) Emit(_ context.Context, ev alerts.Event) {
	msg, err := Message(ev)
	if err != nil {
		p.logger.Error("failed to build event message", "type", ev.Type, "error", err)
		return
	}
	select {
	case p.queue <- msg:
	default:
		metrics.EventsPublishedTotal.WithLabelValues(sinkName, "dropped").Inc()
		p.logger.Warn("event queue full, dropping event", "type", ev.Type)
	}
}

var _ alerts.EventEmitter = (*Publisher)(nil)

// Run delivers queued events until ctx is cancelled, then drains what is
// left with a short deadline and closes the writer.
func (p *Publisher) Run(ctx context.Context) {
	defer close(p.done)
	p.logger.Info("kafka publisher started")

	for {
		select {
		case msg := <-p.queue:
			p.publish(ctx, msg)
		case <-ctx.Done():
			p.drain()
			if err := p.w.Close(); err != nil {
				p.logger.Warn("failed to close kafka writer", "error", err)
			}
			p.logger.Info("kafka publisher stopped")
			return
		}
	}
}

// Done is closed once Run has returned.
func (p *Publisher) Done() <-chan struct{} { return p.done }

func (p *Publisher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case msg := <-p.queue:
			p.publish(ctx, msg)
		default:
			return
		}
	}
}

// Publish writes ev synchronously, with retries.
func (p *Publisher) Publish(ctx context.Context, ev alerts.Event) error {
	msg, err := Message(ev)
	if err != nil {
		return err
	}
	return p.publish(ctx, msg)
}

func (p *Publisher) publish(ctx context.Context, msg kafka.Message) error {
	err := retry.Do(ctx, p.policy, func(int) error {
		err := p.breaker.Execute(p.topic, func() error {
			return p.w.WriteMessages(ctx, msg)
		})
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return retry.Permanent(err)
		}
		return err
	})

	switch {
	case err == nil:
		metrics.EventsPublishedTotal.WithLabelValues(sinkName, "published").Inc()
	case errors.Is(err, circuitbreaker.ErrOpen):
		metrics.EventsPublishedTotal.WithLabelValues(sinkName, "circuit_open").Inc()
		p.logger.Warn("kafka circuit open, event not published", "key", string(msg.Key))
	default:
		metrics.EventsPublishedTotal.WithLabelValues(sinkName, "failed").Inc()
		p.logger.Error("failed to publish event", "key", string(msg.Key), "error", err)
	}
	return err
}

// HealthCheck dials the first reachable broker.
func HealthCheck(brokers []string) health.Checker {
	return func(ctx context.Context) health.Status {
		var lastErr error
		for _, b := range brokers {
			conn, err := kafka.DialContext(ctx, "tcp", b)
			if err != nil {
				lastErr = err
				continue
			}
			_ = conn.Close()
			return health.Status{Name: sinkName, Healthy: true}
		}
		detail := "no brokers configured"
		if lastErr != nil {
			detail = lastErr.Error()
		}
		return health.Status{Name: sinkName, Detail: detail}
	}
}
