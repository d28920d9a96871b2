package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/churnshield/churnshield/internal/circuitbreaker"
	"github.com/churnshield/churnshield/internal/metrics"
	"github.com/churnshield/churnshield/internal/retry"
)

// Delivery headers.
const (
	SignatureHeader = "X-Churnshield-Signature"
	TimestampHeader = "X-Churnshield-Timestamp"
	EventHeader     = "X-Churnshield-Event"
	DeliveryHeader  = "X-Churnshield-Delivery"
)

const (
	// DisableAfter deactivates a subscription after this many failed
	// deliveries in a row.
	DisableAfter = 10

	deliveryTimeout = 30 * time.Second
)

// Dispatcher signs and POSTs payloads to subscribers.
type Dispatcher struct {
	store         Store
	client        *http.Client
	breaker       *circuitbreaker.Breaker
	policy        retry.Policy
	defaultSecret string
	logger        *slog.Logger
	now           func() time.Time

	sem chan struct{}
	wg  sync.WaitGroup
}

// NewDispatcher creates a dispatcher with a 10s HTTP timeout, the default
// retry policy and a breaker that opens after 5 failures for a minute.
func NewDispatcher(store Store, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:   store,
		client:  &http.Client{Timeout: 10 * time.Second},
		breaker: circuitbreaker.New(5, time.Minute),
		policy:  retry.DefaultPolicy,
		logger:  logger,
		now:     time.Now,
		sem:     make(chan struct{}, 16),
	}
}

// WithHTTPClient overrides the HTTP client.
func (d *Dispatcher) WithHTTPClient(c *http.Client) *Dispatcher {
	d.client = c
	return d
}

// WithRetryPolicy overrides the per-delivery retry policy.
func (d *Dispatcher) WithRetryPolicy(p retry.Policy) *Dispatcher {
	d.policy = p
	return d
}

// WithBreaker overrides the per-subscription circuit breaker.
func (d *Dispatcher) WithBreaker(b *circuitbreaker.Breaker) *Dispatcher {
	d.breaker = b
	return d
}

// WithConcurrency bounds the number of in-flight background deliveries.
func (d *Dispatcher) WithConcurrency(n int) *Dispatcher {
	if n > 0 {
		d.sem = make(chan struct{}, n)
	}
	return d
}

// WithDefaultSecret signs deliveries for subscriptions that have no secret.
func (d *Dispatcher) WithDefaultSecret(secret string) *Dispatcher {
	d.defaultSecret = secret
	return d
}

// Dispatch fans p out to every active subscriber of p.Type. Deliveries run
// in the background, bounded by the dispatcher's concurrency: Dispatch
// blocks while every slot is busy, and gives up on the remaining
// subscribers when ctx ends.
func (d *Dispatcher) Dispatch(ctx context.Context, p *Payload) error {
	subs, err := d.store.ListByEvent(ctx, p.Type)
	if err != nil {
		return fmt.Errorf("failed to list subscribers: %w", err)
	}
	if len(subs) == 0 {
		return nil
	}

	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	for i, sub := range subs {
		select {
		case d.sem <- struct{}{}:
		case <-ctx.Done():
			dropped := len(subs) - i
			metrics.WebhookDeliveriesTotal.WithLabelValues("dropped").Add(float64(dropped))
			return fmt.Errorf("dispatch %s: %d deliveries dropped: %w", p.Type, dropped, ctx.Err())
		}
		d.wg.Add(1)
		go func(sub *Subscription) {
			defer d.wg.Done()
			defer func() { <-d.sem }()

			dctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
			defer cancel()
			_ = d.deliver(dctx, sub, p, body)
		}(sub)
	}
	return nil
}

// Deliver sends p to one subscriber synchronously, regardless of the
// event types it subscribed to.
func (d *Dispatcher) Deliver(ctx context.Context, sub *Subscription, p *Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	return d.deliver(ctx, sub, p, body)
}

// Wait blocks until background deliveries finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Forget drops breaker state for a deleted subscription.
func (d *Dispatcher) Forget(id string) {
	d.breaker.Forget(id)
}

func (d *Dispatcher) deliver(ctx context.Context, sub *Subscription, p *Payload, body []byte) error {
	secret := sub.Secret
	if secret == "" {
		secret = d.defaultSecret
	}

	err := retry.Do(ctx, d.policy, func(int) error {
		err := d.breaker.Execute(sub.ID, func() error {
			return d.post(ctx, sub.URL, secret, p, body)
		})
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return retry.Permanent(err)
		}
		return err
	})

	result, detail := "success", ""
	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		result, detail = "circuit_open", err.Error()
	case err != nil:
		result, detail = "failed", err.Error()
	}
	metrics.WebhookDeliveriesTotal.WithLabelValues(result).Inc()

	if rerr := d.store.RecordResult(ctx, sub.ID, d.now(), detail, DisableAfter); rerr != nil && !errors.Is(rerr, ErrNotFound) {
		d.logger.Warn("failed to record webhook result", "webhook", sub.ID, "error", rerr)
	}
	if err != nil {
		d.logger.Warn("webhook delivery failed",
			"webhook", sub.ID, "event", p.Type, "delivery", p.ID, "error", err)
	}
	return err
}

func (d *Dispatcher) post(ctx context.Context, url, secret string, p *Payload, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(fmt.Errorf("bad request: %w", err))
	}

	ts := d.now().Unix()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, p.Type)
	req.Header.Set(DeliveryHeader, p.ID)
	req.Header.Set(TimestampHeader, strconv.FormatInt(ts, 10))
	if secret != "" {
		req.Header.Set(SignatureHeader, Sign(body, secret, ts))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("status %d", resp.StatusCode)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	default:
		return fmt.Errorf("status %d", resp.StatusCode)
	}
}

// Sign returns the signature header value: "sha256=" followed by the hex
// HMAC-SHA256 of "<timestamp>.<body>".
func Sign(body []byte, secret string, timestamp int64) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(strconv.FormatInt(timestamp, 10)))
	h.Write([]byte("."))
	h.Write(body)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

// Verify checks a signature produced by Sign in constant time.
func Verify(body []byte, secret string, timestamp int64, signature string) bool {
	return hmac.Equal([]byte(Sign(body, secret, timestamp)), []byte(signature))
}
