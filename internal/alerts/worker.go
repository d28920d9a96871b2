package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/churnshield/churnshield/internal/lease"
)

// Worker periodically runs the evaluation pass that generates alerts.
type Worker struct {
	service  *Service
	lease    lease.Lease
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewWorker creates an evaluation worker.
// interval is typically 1 hour in production, 30 seconds in demo mode.
func NewWorker(service *Service, l lease.Lease, interval time.Duration, logger *slog.Logger) *Worker {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Worker{
		service:  service,
		lease:    l,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the evaluation loop is active.
func (w *Worker) Running() bool {
	return w.running.Load()
}

// Start begins the evaluation loop. Call in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.running.Store(true)
	defer w.running.Store(false)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Run once immediately on start
	w.safeEvaluate(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.safeEvaluate(ctx)
		}
	}
}

// Stop signals the worker to stop.
func (w *Worker) Stop() {
	select {
	case w.stop <- struct{}{}:
	default:
	}
}

func (w *Worker) safeEvaluate(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in alert evaluation worker", "panic", fmt.Sprint(r))
		}
	}()

	if w.lease != nil {
		ok, err := w.lease.Acquire(ctx, w.interval)
		if err != nil {
			w.logger.Warn("failed to acquire evaluation lease", "error", err)
			return
		}
		if !ok {
			return
		}
	}

	if _, err := w.service.Evaluate(ctx); err != nil {
		w.logger.Warn("alert evaluation failed", "error", err)
	}
}
