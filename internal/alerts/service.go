package alerts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/churnshield/churnshield/internal/idgen"
	"github.com/churnshield/churnshield/internal/merchant"
	"github.com/churnshield/churnshield/internal/metrics"
	"github.com/churnshield/churnshield/internal/risk"
	"github.com/churnshield/churnshield/internal/syncutil"
	"github.com/churnshield/churnshield/internal/traces"
	"github.com/churnshield/churnshield/internal/validation"
	"go.opentelemetry.io/otel/attribute"
)

// maxUpdateAttempts bounds re-reads when a write races another writer and
// the caller did not pin a version.
const maxUpdateAttempts = 3

// Scorer evaluates merchants. Implemented by *risk.Engine.
type Scorer interface {
	Config(ctx context.Context) risk.Config
	Evaluate(m *merchant.Snapshot, cfg risk.Config) *risk.Assessment
	EvaluateAll(ctx context.Context, merchants []*merchant.Snapshot) []*risk.Assessment
}

// ActionRequest is an operator's submission from the action dialog.
type ActionRequest struct {
	Action        Action     `json:"action"`
	Notes         string     `json:"notes"`
	ChurnReason   string     `json:"churnReason,omitempty"`
	ScheduledDate *time.Time `json:"scheduledDate,omitempty"`
	PerformedBy   string     `json:"performedBy"`
	// SubmissionID makes retries of the same submission idempotent.
	SubmissionID string `json:"submissionId,omitempty"`
	// ExpectedVersion, when set, fails the write if the alert moved on.
	ExpectedVersion *int64 `json:"expectedVersion,omitempty"`
}

// Validate checks the request at now. Required params are enforced here,
// not in ApplyAction.
func (r *ActionRequest) Validate(now time.Time) validation.ValidationErrors {
	actions := make([]string, len(Actions))
	for i, a := range Actions {
		actions[i] = string(a)
	}
	checks := []func() *validation.ValidationError{
		validation.Required("action", string(r.Action)),
		validation.OneOf("action", string(r.Action), actions),
		validation.Required("performedBy", r.PerformedBy),
		validation.MaxLength("performedBy", r.PerformedBy, 256),
		validation.MaxLength("notes", r.Notes, validation.MaxNotesLength),
		validation.ValidID("submissionId", r.SubmissionID),
		validation.After("scheduledDate", r.ScheduledDate, now),
	}
	if r.Action == ActionNotInterested {
		checks = append(checks,
			validation.Required("churnReason", r.ChurnReason),
			validation.OneOf("churnReason", r.ChurnReason, ChurnReasons))
	}
	return validation.Validate(checks...)
}

// TriageRequest is an executive's reassignment of an alert.
type TriageRequest struct {
	AssignedTo  *string  `json:"assignedTo,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	CxoComments *string  `json:"cxoComments,omitempty"`
}

// Validate checks tags against KnownTags.
func (r *TriageRequest) Validate() validation.ValidationErrors {
	checks := []func() *validation.ValidationError{
		validation.EachOneOf("tags", r.Tags, KnownTags),
	}
	if r.AssignedTo != nil {
		checks = append(checks,
			validation.Required("assignedTo", *r.AssignedTo),
			validation.MaxLength("assignedTo", *r.AssignedTo, 256))
	}
	if r.CxoComments != nil {
		checks = append(checks, validation.MaxLength("cxoComments", *r.CxoComments, validation.MaxNotesLength))
	}
	return validation.Validate(checks...)
}

// ActionResult is what SubmitAction returns, including on replay.
// On replay Alert is the current state, which later actions or sweeps may
// have moved on. Status is always the status this submission produced.
type ActionResult struct {
	Alert    *Alert        `json:"alert"`
	Action   *ActionRecord `json:"action"`
	Status   Status        `json:"resultStatus"`
	Replayed bool          `json:"replayed,omitempty"`
}

// EvaluationResult summarizes one evaluation pass.
type EvaluationResult struct {
	Evaluated  int            `json:"evaluated"`
	Created    []*Alert       `json:"created"`
	Suppressed map[string]int `json:"suppressed"`
}

// SweepResult summarizes one pass over due alerts.
type SweepResult struct {
	Processed int             `json:"processed"`
	Outcomes  map[Outcome]int `json:"outcomes"`
}

// Service orchestrates alert generation and the lifecycle around a Store.
type Service struct {
	store     Store
	merchants merchant.Store
	scorer    Scorer
	cfg       ActionConfig
	formatter *ReasonFormatter
	emitter   EventEmitter
	locks     *syncutil.KeyedMutex
	now       func() time.Time
	logger    *slog.Logger
}

// NewService creates an alert service.
func NewService(store Store, merchants merchant.Store, scorer Scorer, cfg ActionConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     store,
		merchants: merchants,
		scorer:    scorer,
		cfg:       cfg,
		formatter: NewReasonFormatter(),
		locks:     syncutil.NewKeyedMutex(),
		now:       time.Now,
		logger:    logger,
	}
}

// WithEmitter adds an event sink for alert changes.
func (s *Service) WithEmitter(e EventEmitter) *Service {
	s.emitter = e
	return s
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithFormatter overrides the reason formatter.
func (s *Service) WithFormatter(f *ReasonFormatter) *Service {
	s.formatter = f
	return s
}

// ActionConfig returns the lifecycle intervals in effect.
func (s *Service) ActionConfig() ActionConfig { return s.cfg }

// Get returns one alert.
func (s *Service) Get(ctx context.Context, id string) (*Alert, error) {
	return s.store.Get(ctx, id)
}

// List returns alerts matching f.
func (s *Service) List(ctx context.Context, f Filter) ([]*Alert, error) {
	if f.DueOnly && f.DueAt.IsZero() {
		f.DueAt = s.now()
	}
	return s.store.List(ctx, f)
}

// ListByMerchant returns a merchant's alert history, newest first.
func (s *Service) ListByMerchant(ctx context.Context, merchantID string) ([]*Alert, error) {
	return s.store.ListByMerchant(ctx, merchantID)
}

// ListActions returns the audit trail for an alert, oldest first.
func (s *Service) ListActions(ctx context.Context, alertID string) ([]*ActionRecord, error) {
	if _, err := s.store.Get(ctx, alertID); err != nil {
		return nil, err
	}
	return s.store.ListActions(ctx, alertID)
}

// Evaluate runs one generation pass: score every merchant, build alerts
// for high-value ones, drop suppressed merchants, and persist the rest.
func (s *Service) Evaluate(ctx context.Context) (*EvaluationResult, error) {
	ctx, span := traces.StartSpan(ctx, "alerts.Evaluate")
	defer span.End()

	start := time.Now()
	defer func() { metrics.EvaluationPassDuration.Observe(time.Since(start).Seconds()) }()

	snaps, err := s.merchants.List(ctx, merchant.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list merchants: %w", err)
	}
	assessments := s.scorer.EvaluateAll(ctx, snaps)

	candidates := make([]Candidate, len(snaps))
	for i := range snaps {
		candidates[i] = Candidate{Merchant: snaps[i], Assessment: assessments[i]}
	}

	now := s.now()
	result := &EvaluationResult{
		Evaluated:  len(snaps),
		Created:    []*Alert{},
		Suppressed: make(map[string]int),
	}
	for _, a := range GenerateAlerts(candidates, now) {
		reason, err := s.createUnlessSuppressed(ctx, a, now)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			s.logger.Error("failed to create alert", "merchantId", a.MerchantID, "error", err)
			continue
		}
		if reason != "" {
			result.Suppressed[reason]++
			metrics.AlertsSuppressedTotal.WithLabelValues(reason).Inc()
			continue
		}

		result.Created = append(result.Created, a)
		metrics.AlertsGeneratedTotal.WithLabelValues(string(a.Type)).Inc()
		s.emit(ctx, Event{Type: EventAlertCreated, Alert: a, Timestamp: now})
	}

	s.refreshOpenGauge(ctx)
	span.SetAttributes(
		attribute.Int("merchants", len(snaps)),
		attribute.Int("created", len(result.Created)),
	)
	s.logger.Info("alert evaluation completed",
		"merchants", len(snaps), "created", len(result.Created), "suppressed", result.Suppressed)
	return result, nil
}

// createUnlessSuppressed persists a unless the merchant's history suppresses
// it, returning the suppression reason. The merchant lock keeps the history
// check and the insert atomic with respect to the sweep.
func (s *Service) createUnlessSuppressed(ctx context.Context, a *Alert, now time.Time) (string, error) {
	unlock, err := s.locks.Lock(ctx, a.MerchantID)
	if err != nil {
		return "", err
	}
	defer unlock()

	history, err := s.store.ListByMerchant(ctx, a.MerchantID)
	if err != nil {
		return "", fmt.Errorf("failed to load alert history: %w", err)
	}
	if reason, ok := Suppressed(history, s.cfg, now); ok {
		return reason, nil
	}

	s.formatter.Render(a)
	if err := s.store.Create(ctx, a); err != nil {
		if errors.Is(err, ErrDuplicateOpenAlert) {
			return SuppressOpenAlert, nil
		}
		return "", err
	}
	return "", nil
}

// SubmitAction records an operator action against an alert.
//
// Resubmitting the same SubmissionID returns the originally stored result
// without applying the action again.
func (s *Service) SubmitAction(ctx context.Context, alertID string, req ActionRequest) (*ActionResult, error) {
	ctx, span := traces.StartSpan(ctx, "alerts.SubmitAction",
		traces.AlertID(alertID), traces.Action(string(req.Action)))
	defer span.End()

	now := s.now()
	req.Notes = validation.SanitizeString(req.Notes, validation.MaxNotesLength)
	req.PerformedBy = strings.TrimSpace(req.PerformedBy)
	if errs := req.Validate(now); len(errs) > 0 {
		return nil, errs
	}

	if req.SubmissionID != "" {
		if res, ok := s.replay(ctx, alertID, req.SubmissionID); ok {
			return res, nil
		}
	}

	for attempt := 1; ; attempt++ {
		current, err := s.store.Get(ctx, alertID)
		if err != nil {
			return nil, err
		}
		if !current.Open() {
			return nil, ErrAlertClosed
		}
		if req.ExpectedVersion != nil && current.Version != *req.ExpectedVersion {
			metrics.AlertVersionConflictsTotal.Inc()
			return nil, ErrVersionConflict
		}

		update, err := ApplyAction(current, req.Action, ActionParams{
			Notes:       req.Notes,
			ChurnReason: req.ChurnReason,
			ReturnAt:    req.ScheduledDate,
		}, s.cfg, now)
		if err != nil {
			return nil, err
		}
		next := current.Merge(update)

		rec := &ActionRecord{
			ID:            idgen.WithPrefix("act_"),
			AlertID:       alertID,
			Action:        req.Action,
			Timestamp:     now,
			PerformedBy:   req.PerformedBy,
			Notes:         req.Notes,
			ScheduledDate: cloneTime(next.NextActionDate),
			ChurnReason:   req.ChurnReason,
			SubmissionID:  req.SubmissionID,
			FromStatus:    current.Status,
			ToStatus:      next.Status,
		}

		err = s.store.Update(ctx, next, current.Version, rec)
		switch {
		case err == nil:
			metrics.AlertActionsTotal.WithLabelValues(string(req.Action)).Inc()
			s.logger.Info("alert action recorded",
				"alertId", alertID, "action", req.Action, "from", current.Status, "to", next.Status,
				"performedBy", req.PerformedBy)
			s.emit(ctx, Event{Type: EventActionRecorded, Alert: next, Action: rec, Timestamp: now})
			if !next.Open() {
				s.emit(ctx, Event{Type: EventAlertClosed, Alert: next, Action: rec, Timestamp: now})
				s.refreshOpenGauge(ctx)
			}
			return &ActionResult{Alert: next, Action: rec, Status: rec.ToStatus}, nil

		case errors.Is(err, ErrDuplicateSubmission):
			if res, ok := s.replay(ctx, alertID, req.SubmissionID); ok {
				return res, nil
			}
			return nil, err

		case errors.Is(err, ErrVersionConflict):
			metrics.AlertVersionConflictsTotal.Inc()
			if req.ExpectedVersion != nil || attempt >= maxUpdateAttempts {
				return nil, err
			}
			s.logger.Debug("alert version moved, retrying action", "alertId", alertID, "attempt", attempt)

		default:
			return nil, err
		}
	}
}

func (s *Service) replay(ctx context.Context, alertID, submissionID string) (*ActionResult, bool) {
	rec, err := s.store.GetActionBySubmission(ctx, alertID, submissionID)
	if err != nil {
		return nil, false
	}
	a, err := s.store.Get(ctx, alertID)
	if err != nil {
		return nil, false
	}
	return &ActionResult{Alert: a, Action: rec, Status: rec.ToStatus, Replayed: true}, true
}

// Triage applies an executive's reassignment, tags and comments.
func (s *Service) Triage(ctx context.Context, alertID string, req TriageRequest) (*Alert, error) {
	if errs := req.Validate(); len(errs) > 0 {
		return nil, errs
	}

	for attempt := 1; ; attempt++ {
		current, err := s.store.Get(ctx, alertID)
		if err != nil {
			return nil, err
		}
		next := current.Clone()
		if req.AssignedTo != nil {
			next.AssignedTo = strings.TrimSpace(*req.AssignedTo)
		}
		if req.Tags != nil {
			next.Tags = dedupe(req.Tags)
		}
		if req.CxoComments != nil {
			next.CxoComments = validation.SanitizeString(*req.CxoComments, validation.MaxNotesLength)
		}

		err = s.store.Update(ctx, next, current.Version, nil)
		if err == nil {
			s.logger.Info("alert triaged", "alertId", alertID, "assignedTo", next.AssignedTo, "tags", next.Tags)
			return next, nil
		}
		if !errors.Is(err, ErrVersionConflict) || attempt >= maxUpdateAttempts {
			return nil, err
		}
		metrics.AlertVersionConflictsTotal.Inc()
	}
}

// Sweep processes every alert whose nextActionDate has come due.
func (s *Service) Sweep(ctx context.Context, limit int) (*SweepResult, error) {
	ctx, span := traces.StartSpan(ctx, "alerts.Sweep")
	defer span.End()

	now := s.now()
	due, err := s.store.ListDue(ctx, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due alerts: %w", err)
	}

	result := &SweepResult{Outcomes: make(map[Outcome]int)}
	if len(due) == 0 {
		return result, nil
	}
	cfg := s.scorer.Config(ctx)

	for _, a := range due {
		outcome, err := s.expireOne(ctx, a, cfg, now)
		if err != nil {
			if errors.Is(err, ErrVersionConflict) {
				metrics.AlertVersionConflictsTotal.Inc()
				s.logger.Debug("due alert changed during sweep, skipping", "alertId", a.ID)
				continue
			}
			s.logger.Warn("failed to process due alert", "alertId", a.ID, "error", err)
			continue
		}
		result.Processed++
		result.Outcomes[outcome]++
	}

	if result.Outcomes[OutcomeClosed] > 0 || result.Outcomes[OutcomeReopened] > 0 {
		s.refreshOpenGauge(ctx)
	}
	span.SetAttributes(attribute.Int("due", len(due)), attribute.Int("processed", result.Processed))
	return result, nil
}

func (s *Service) expireOne(ctx context.Context, a *Alert, cfg risk.Config, now time.Time) (Outcome, error) {
	unlock, err := s.locks.Lock(ctx, a.MerchantID)
	if err != nil {
		return OutcomeNone, err
	}
	defer unlock()

	snap, err := s.merchants.Get(ctx, a.MerchantID)
	if err != nil {
		return OutcomeNone, fmt.Errorf("failed to load merchant %s: %w", a.MerchantID, err)
	}
	assessment := s.scorer.Evaluate(snap, cfg)
	obs := Observation{
		Active:       risk.IsActive(snap, now),
		LastActivity: snap.LastActivity,
		Trigger:      TriggerFor(snap, assessment, now),
	}

	update, outcome := Expire(a, obs, s.cfg, now)
	if outcome == OutcomeNone {
		return outcome, nil
	}
	next := a.Merge(update)
	if outcome == OutcomeReopened {
		next.MerchantName = snap.Name
		next.Type = SeverityFor(next.Trigger.Classification)
		s.formatter.Render(next)
	}

	if err := s.store.Update(ctx, next, a.Version, nil); err != nil {
		return OutcomeNone, err
	}

	metrics.LifecycleSweepsTotal.WithLabelValues(string(outcome)).Inc()
	s.logger.Info("due alert processed",
		"alertId", a.ID, "merchantId", a.MerchantID, "status", a.Status, "outcome", outcome)
	if evType, ok := eventForOutcome(outcome); ok {
		s.emit(ctx, Event{Type: evType, Alert: next, Outcome: outcome, Timestamp: now})
	}
	return outcome, nil
}

func (s *Service) refreshOpenGauge(ctx context.Context) {
	open, err := s.store.List(ctx, Filter{OpenOnly: true})
	if err != nil {
		return
	}
	metrics.OpenAlerts.Set(float64(len(open)))
}

func (s *Service) emit(ctx context.Context, ev Event) {
	if s.emitter == nil {
		return
	}
	s.emitter.Emit(ctx, ev)
}

func dedupe(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
