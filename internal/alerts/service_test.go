package alerts

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/churnshield/churnshield/internal/merchant"
	"github.com/churnshield/churnshield/internal/risk"
	"github.com/churnshield/churnshield/internal/validation"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingEmitter) Emit(ctx context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingEmitter) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

type serviceFixture struct {
	svc       *Service
	store     *MemoryStore
	merchants *merchant.MemoryStore
	clock     *testClock
	events    *recordingEmitter
}

func setupService(t *testing.T) *serviceFixture {
	t.Helper()
	ctx := context.Background()

	clock := &testClock{now: evalTime}
	merchants := merchant.NewMemoryStore()
	require.NoError(t, merchants.Upsert(ctx, testMerchant("m1", nil)))
	require.NoError(t, merchants.Upsert(ctx, testMerchant("m2", func(m *merchant.Snapshot) {
		m.MerchantType = merchant.TypeHigh
		m.TransactionFrequency = 0
		m.AssignedSalesPerson = "Tomás Ruiz"
	})))
	require.NoError(t, merchants.Upsert(ctx, testMerchant("m3", func(m *merchant.Snapshot) {
		m.MerchantType = merchant.TypeMedium
	})))

	engine := risk.NewEngine(risk.NewMemoryConfigStore(risk.DefaultConfig()), risk.NewMemoryStore(), nil).
		WithClock(clock.Now)
	store := NewMemoryStore()
	events := &recordingEmitter{}
	svc := NewService(store, merchants, engine, DefaultActionConfig(), nil).
		WithClock(clock.Now).
		WithEmitter(events)

	return &serviceFixture{svc: svc, store: store, merchants: merchants, clock: clock, events: events}
}

func (f *serviceFixture) alertFor(t *testing.T, merchantID string) *Alert {
	t.Helper()
	alerts, err := f.store.ListByMerchant(context.Background(), merchantID)
	require.NoError(t, err)
	require.NotEmpty(t, alerts)
	return alerts[0]
}

func TestService_EvaluateCreatesAlerts(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	res, err := f.svc.Evaluate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Evaluated)
	require.Len(t, res.Created, 2)

	m1 := f.alertFor(t, "m1")
	assert.Equal(t, SeverityWarning, m1.Type)
	assert.Contains(t, m1.Message, "Acme m1 (VIP) has gtv drop risk")
	assert.Equal(t, "Merchant payment value dropped by 40.0% compared to the previous period.", m1.AlertReason)

	m2 := f.alertFor(t, "m2")
	assert.Equal(t, SeverityCritical, m2.Type)
	assert.Equal(t, "Tomás Ruiz", m2.AssignedTo)

	m3, err := f.store.ListByMerchant(ctx, "m3")
	require.NoError(t, err)
	assert.Empty(t, m3)

	assert.Equal(t, []string{EventAlertCreated, EventAlertCreated}, f.events.types())

	res, err = f.svc.Evaluate(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Created)
	assert.Equal(t, 2, res.Suppressed[SuppressOpenAlert])
}

func TestService_SubmitActionNotInterested(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()
	_, err := f.svc.Evaluate(ctx)
	require.NoError(t, err)
	a := f.alertFor(t, "m1")

	res, err := f.svc.SubmitAction(ctx, a.ID, ActionRequest{
		Action:      ActionNotInterested,
		Notes:       "Moved to a competitor",
		ChurnReason: "Found better alternative",
		PerformedBy: "priya@example.com",
	})
	require.NoError(t, err)
	assert.True(t, res.Alert.Acknowledged)
	assert.Equal(t, StatusNotInterested, res.Alert.Status)
	assert.Equal(t, "Found better alternative", res.Alert.ChurnReason)
	assert.Nil(t, res.Alert.NextActionDate)
	assert.Equal(t, int64(2), res.Alert.Version)

	recs, err := f.svc.ListActions(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, StatusYetToBeCalled, recs[0].FromStatus)
	assert.Equal(t, StatusNotInterested, recs[0].ToStatus)
	assert.Equal(t, "priya@example.com", recs[0].PerformedBy)

	_, err = f.svc.SubmitAction(ctx, a.ID, ActionRequest{Action: ActionNoAnswer, PerformedBy: "priya@example.com"})
	assert.ErrorIs(t, err, ErrAlertClosed)

	assert.Contains(t, f.events.types(), EventActionRecorded)
	assert.Contains(t, f.events.types(), EventAlertClosed)
}

func TestService_SubmitActionValidation(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()
	_, err := f.svc.Evaluate(ctx)
	require.NoError(t, err)
	a := f.alertFor(t, "m1")

	past := evalTime.Add(-time.Hour)
	cases := []ActionRequest{
		{Action: ActionNotInterested, PerformedBy: "op"},
		{Action: ActionNotInterested, ChurnReason: "Aliens", PerformedBy: "op"},
		{Action: ActionWillReturnLater, ScheduledDate: &past, PerformedBy: "op"},
		{Action: Action("escalate"), PerformedBy: "op"},
		{Action: ActionNoAnswer},
	}
	for _, req := range cases {
		_, err := f.svc.SubmitAction(ctx, a.ID, req)
		var verrs validation.ValidationErrors
		assert.ErrorAs(t, err, &verrs, "%+v", req)
	}

	unchanged, err := f.store.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), unchanged.Version)
	assert.Equal(t, StatusYetToBeCalled, unchanged.Status)
}

func TestService_SubmitActionReplay(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()
	_, err := f.svc.Evaluate(ctx)
	require.NoError(t, err)
	a := f.alertFor(t, "m1")

	req := ActionRequest{Action: ActionNoAnswer, PerformedBy: "op", SubmissionID: "sub-123"}
	first, err := f.svc.SubmitAction(ctx, a.ID, req)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	f.clock.Advance(time.Minute)
	second, err := f.svc.SubmitAction(ctx, a.ID, req)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, 1, second.Alert.RetryCount)
	assert.Equal(t, first.Action.ID, second.Action.ID)

	recs, err := f.svc.ListActions(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestService_ReplayAfterLaterActionKeepsResultStatus(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()
	_, err := f.svc.Evaluate(ctx)
	require.NoError(t, err)
	a := f.alertFor(t, "m1")

	req := ActionRequest{Action: ActionNoAnswer, PerformedBy: "op", SubmissionID: "sub-9"}
	first, err := f.svc.SubmitAction(ctx, a.ID, req)
	require.NoError(t, err)
	assert.Equal(t, StatusNoAnswer, first.Status)

	_, err = f.svc.SubmitAction(ctx, a.ID, ActionRequest{Action: ActionReEngaged, PerformedBy: "op"})
	require.NoError(t, err)

	replayed, err := f.svc.SubmitAction(ctx, a.ID, req)
	require.NoError(t, err)
	assert.True(t, replayed.Replayed)
	assert.Equal(t, StatusNoAnswer, replayed.Status)
	assert.Equal(t, StatusReEngaged, replayed.Alert.Status)
}

func TestService_SubmitActionExpectedVersion(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()
	_, err := f.svc.Evaluate(ctx)
	require.NoError(t, err)
	a := f.alertFor(t, "m1")

	stale := int64(7)
	_, err = f.svc.SubmitAction(ctx, a.ID, ActionRequest{
		Action: ActionNoAnswer, PerformedBy: "op", ExpectedVersion: &stale,
	})
	assert.ErrorIs(t, err, ErrVersionConflict)

	current := a.Version
	res, err := f.svc.SubmitAction(ctx, a.ID, ActionRequest{
		Action: ActionNoAnswer, PerformedBy: "op", ExpectedVersion: &current,
	})
	require.NoError(t, err)
	assert.Equal(t, current+1, res.Alert.Version)
}

func TestService_SubmitActionNotFound(t *testing.T) {
	f := setupService(t)
	_, err := f.svc.SubmitAction(context.Background(), "alt_missing", ActionRequest{Action: ActionNoAnswer, PerformedBy: "op"})
	assert.ErrorIs(t, err, ErrAlertNotFound)
}

func TestService_ConcurrentActionsSerialize(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()
	_, err := f.svc.Evaluate(ctx)
	require.NoError(t, err)
	a := f.alertFor(t, "m1")

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.svc.SubmitAction(ctx, a.ID, ActionRequest{Action: ActionNoAnswer, PerformedBy: "op"})
		}()
	}
	wg.Wait()

	got, err := f.store.Get(ctx, a.ID)
	require.NoError(t, err)
	recs, err := f.store.ListActions(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, len(recs), got.RetryCount)
	assert.Equal(t, int64(1+len(recs)), got.Version)
}

func TestService_SweepClosesAfterWatchlist(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()
	_, err := f.svc.Evaluate(ctx)
	require.NoError(t, err)
	a := f.alertFor(t, "m1")

	_, err = f.svc.SubmitAction(ctx, a.ID, ActionRequest{Action: ActionReEngaged, PerformedBy: "op"})
	require.NoError(t, err)

	f.clock.Advance(7 * 24 * time.Hour)
	recent := f.clock.Now().Add(-time.Hour)
	require.NoError(t, f.merchants.Upsert(ctx, testMerchant("m1", func(m *merchant.Snapshot) {
		m.LastActivity = &recent
	})))

	res, err := f.svc.Sweep(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Outcomes[OutcomeClosed])

	closed, err := f.store.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, closed.Acknowledged)
	assert.Equal(t, ResolutionReEngaged, closed.Resolution)

	eval, err := f.svc.Evaluate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, eval.Suppressed[SuppressWatchlist])
}

func TestService_SweepNoticesActivityDuringPause(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()
	_, err := f.svc.Evaluate(ctx)
	require.NoError(t, err)
	a := f.alertFor(t, "m1")

	for i := 0; i < 2; i++ {
		_, err = f.svc.SubmitAction(ctx, a.ID, ActionRequest{Action: ActionNoAnswer, PerformedBy: "op"})
		require.NoError(t, err)
		f.clock.Advance(time.Hour)
	}

	f.clock.Advance(24 * time.Hour)
	res, err := f.svc.Sweep(ctx, 100)
	require.NoError(t, err)
	require.Equal(t, 1, res.Outcomes[OutcomePaused])

	f.clock.Advance(23 * time.Hour)
	recent := f.clock.Now()
	require.NoError(t, f.merchants.Upsert(ctx, testMerchant("m1", func(m *merchant.Snapshot) {
		m.LastActivity = &recent
	})))
	f.clock.Advance(time.Hour)

	res, err = f.svc.Sweep(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Outcomes[OutcomeReset])

	got, err := f.store.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Nil(t, got.PausedUntil)
	assert.Zero(t, got.RetryCount)
	require.NotNil(t, got.NextActionDate)
	assert.Equal(t, f.clock.Now().Add(24*time.Hour), *got.NextActionDate)
}

func TestService_SweepReopensInactiveMerchant(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()
	_, err := f.svc.Evaluate(ctx)
	require.NoError(t, err)
	a := f.alertFor(t, "m1")

	_, err = f.svc.SubmitAction(ctx, a.ID, ActionRequest{Action: ActionNeedsSupport, PerformedBy: "op"})
	require.NoError(t, err)
	_, err = f.svc.SubmitAction(ctx, a.ID, ActionRequest{Action: ActionReEngaged, PerformedBy: "op"})
	require.NoError(t, err)

	f.clock.Advance(7 * 24 * time.Hour)
	res, err := f.svc.Sweep(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Outcomes[OutcomeReopened])

	reopened, err := f.store.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusYetToBeCalled, reopened.Status)
	assert.Equal(t, "Priya Nair", reopened.AssignedTo)
	assert.Equal(t, SeverityCritical, reopened.Type)
	assert.Contains(t, reopened.AlertReason, "stopped transacting")
	assert.Contains(t, f.events.types(), EventAlertReopened)

	res, err = f.svc.Sweep(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Processed)
}

func TestService_Triage(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()
	_, err := f.svc.Evaluate(ctx)
	require.NoError(t, err)
	a := f.alertFor(t, "m1")

	assignee := "Dana Whitfield"
	comments := "Call before the quarterly review"
	got, err := f.svc.Triage(ctx, a.ID, TriageRequest{
		AssignedTo:  &assignee,
		Tags:        []string{"High Priority", "Pricing Issue", "High Priority"},
		CxoComments: &comments,
	})
	require.NoError(t, err)
	assert.Equal(t, assignee, got.AssignedTo)
	assert.Equal(t, []string{"High Priority", "Pricing Issue"}, got.Tags)
	assert.Equal(t, comments, got.CxoComments)
	assert.Equal(t, StatusYetToBeCalled, got.Status)

	_, err = f.svc.Triage(ctx, a.ID, TriageRequest{Tags: []string{"Unknown Tag"}})
	var verrs validation.ValidationErrors
	assert.ErrorAs(t, err, &verrs)
}
