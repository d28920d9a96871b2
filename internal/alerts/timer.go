package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/churnshield/churnshield/internal/lease"
)

// sweepBatch bounds how many due alerts one tick processes.
const sweepBatch = 200

// Timer periodically processes alerts whose nextActionDate has come due.
type Timer struct {
	service  *Service
	lease    lease.Lease
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a lifecycle sweep timer. l may be nil in single-replica mode.
func NewTimer(service *Service, l lease.Lease, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Timer{
		service:  service,
		lease:    l,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in alert lifecycle timer", "panic", fmt.Sprint(r))
		}
	}()
	t.sweep(ctx)
}

func (t *Timer) sweep(ctx context.Context) {
	if t.lease != nil {
		ok, err := t.lease.Acquire(ctx, t.interval)
		if err != nil {
			t.logger.Warn("failed to acquire sweep lease", "error", err)
			return
		}
		if !ok {
			return
		}
	}

	res, err := t.service.Sweep(ctx, sweepBatch)
	if err != nil {
		t.logger.Warn("alert sweep failed", "error", err)
		return
	}
	if res.Processed > 0 {
		t.logger.Info("alert sweep completed", "processed", res.Processed, "outcomes", res.Outcomes)
	}
}
