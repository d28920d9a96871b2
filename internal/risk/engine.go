package risk

import (
	"context"
	"log/slog"
	"math"
	"runtime"
	"sync"
	"time"

	"github.com/churnshield/churnshield/internal/idgen"
	"github.com/churnshield/churnshield/internal/merchant"
	"github.com/churnshield/churnshield/internal/metrics"
	"github.com/churnshield/churnshield/internal/traces"
	"go.opentelemetry.io/otel/attribute"
)

// Score is the weighted average of enabled sub-scores, in [0, 10].
// Returns 0 when no factor is enabled or enabled weights sum to zero.
func Score(m *merchant.Snapshot, cfg Config, now time.Time) float64 {
	var total, weight float64
	for _, f := range Factors {
		fc := cfg.Get(f)
		if !fc.Enabled {
			continue
		}
		total += SubScore(f, m, now) * fc.Weight
		weight += fc.Weight
	}
	if weight <= 0 {
		return 0
	}
	return total / weight
}

// Breakdown returns the sub-score of each enabled factor.
func Breakdown(m *merchant.Snapshot, cfg Config, now time.Time) map[string]float64 {
	out := make(map[string]float64, len(Factors))
	for _, f := range Factors {
		if cfg.Get(f).Enabled {
			out[string(f)] = SubScore(f, m, now)
		}
	}
	return out
}

// Classify assigns exactly one classification, in strict precedence.
func Classify(m *merchant.Snapshot, now time.Time) Classification {
	if m.LastActivity == nil || now.Sub(*m.LastActivity) > InactivityWindow || m.TransactionFrequency == 0 {
		return ClassStopTransacting
	}
	if m.TransactionFrequency < PaymentDropFrequency {
		return ClassPaymentDrop
	}
	return ClassGTVDrop
}

// IsActive reports whether the merchant is still transacting.
func IsActive(m *merchant.Snapshot, now time.Time) bool {
	return Classify(m, now) != ClassStopTransacting
}

// DaysSinceActivity is whole days since last activity, or -1 if unknown.
func DaysSinceActivity(m *merchant.Snapshot, now time.Time) int {
	if m.LastActivity == nil {
		return -1
	}
	return int(now.Sub(*m.LastActivity).Hours() / 24)
}

// Engine evaluates merchants against the active config and records
// assessments for audit.
type Engine struct {
	configs ConfigStore
	store   Store
	now     func() time.Time
	workers int
	logger  *slog.Logger
}

// NewEngine creates a scoring engine. store may be nil to skip the audit trail.
func NewEngine(configs ConfigStore, store Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		configs: configs,
		store:   store,
		now:     time.Now,
		workers: runtime.GOMAXPROCS(0),
		logger:  logger,
	}
}

// WithClock overrides the time source.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// WithWorkers bounds EvaluateAll concurrency.
func (e *Engine) WithWorkers(n int) *Engine {
	if n > 0 {
		e.workers = n
	}
	return e
}

// Config returns the active config, falling back to defaults on store errors.
func (e *Engine) Config(ctx context.Context) Config {
	if e.configs == nil {
		return DefaultConfig()
	}
	cfg, err := e.configs.Current(ctx)
	if err != nil {
		e.logger.Warn("scoring config unavailable, using defaults", "error", err)
		return DefaultConfig()
	}
	return cfg
}

// Now returns the engine clock.
func (e *Engine) Now() time.Time { return e.now() }

// Evaluate scores and classifies one merchant under cfg. No side effects.
func (e *Engine) Evaluate(m *merchant.Snapshot, cfg Config) *Assessment {
	now := e.now()
	return &Assessment{
		ID:             idgen.WithPrefix("ras_"),
		MerchantID:     m.ID,
		Score:          math.Round(Score(m, cfg, now)*100) / 100,
		Classification: Classify(m, now),
		Factors:        Breakdown(m, cfg, now),
		EvaluatedAt:    now,
	}
}

// EvaluateAll scores every merchant in parallel under one config snapshot.
// Results are index-aligned with merchants. Assessments are recorded to the
// audit store when one is configured; record failures are logged only.
func (e *Engine) EvaluateAll(ctx context.Context, merchants []*merchant.Snapshot) []*Assessment {
	ctx, span := traces.StartSpan(ctx, "risk.EvaluateAll", attribute.Int("merchants", len(merchants)))
	defer span.End()

	cfg := e.Config(ctx)
	out := make([]*Assessment, len(merchants))

	jobs := make(chan int)
	var wg sync.WaitGroup
	workers := e.workers
	if workers > len(merchants) {
		workers = len(merchants)
	}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				out[i] = e.Evaluate(merchants[i], cfg)
			}
		}()
	}
	for i := range merchants {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	for _, a := range out {
		metrics.RiskEvaluationsTotal.WithLabelValues(string(a.Classification)).Inc()
		if e.store == nil {
			continue
		}
		if err := e.store.Record(ctx, a); err != nil {
			e.logger.Warn("failed to record assessment", "merchantId", a.MerchantID, "error", err)
		}
	}
	return out
}

// Assess implements merchant.Assessor for on-demand API reads.
func (e *Engine) Assess(ctx context.Context, m *merchant.Snapshot) merchant.RiskView {
	a := e.Evaluate(m, e.Config(ctx))
	return merchant.RiskView{
		Score:     a.Score,
		RiskLevel: string(a.Classification),
		Factors:   a.Factors,
	}
}

var _ merchant.Assessor = (*Engine)(nil)
