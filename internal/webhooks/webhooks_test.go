package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/churnshield/churnshield/internal/alerts"
	"github.com/churnshield/churnshield/internal/circuitbreaker"
	"github.com/churnshield/churnshield/internal/idgen"
	"github.com/churnshield/churnshield/internal/retry"
)

var fastRetry = retry.Policy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type received struct {
	mu      sync.Mutex
	headers []http.Header
	bodies  [][]byte
}

func (r *received) add(h http.Header, b []byte) {
	r.mu.Lock()
	r.headers = append(r.headers, h.Clone())
	r.bodies = append(r.bodies, b)
	r.mu.Unlock()
}

func (r *received) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bodies)
}

func receiver(t *testing.T, status int) (*httptest.Server, *received) {
	t.Helper()
	got := &received{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got.add(r.Header, body)
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

func subscribe(t *testing.T, store Store, url string, events ...string) *Subscription {
	t.Helper()
	sub := &Subscription{
		ID:        idgen.WithPrefix("wh_"),
		Name:      "crm-sync",
		URL:       url,
		Secret:    "s3cret",
		Events:    events,
		Active:    true,
		CreatedAt: time.Now(),
	}
	require.NoError(t, store.Create(context.Background(), sub))
	return sub
}

func TestMemoryStore_CRUD(t *testing.T) {
	testStoreCRUD(t, NewMemoryStore())
}

func TestMemoryStore_RecordResultDisables(t *testing.T) {
	testStoreRecordResult(t, NewMemoryStore())
}

func testStoreCRUD(t *testing.T, store Store) {
	ctx := context.Background()
	sub := subscribe(t, store, "https://example.com/hook", alerts.EventAlertCreated)

	got, err := store.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, "crm-sync", got.Name)

	got.Events = append(got.Events, alerts.EventAlertClosed)
	again, _ := store.Get(ctx, sub.ID)
	assert.Len(t, again.Events, 1, "returned subscriptions are copies")

	got.Active = false
	require.NoError(t, store.Update(ctx, got))
	subs, _ := store.ListByEvent(ctx, alerts.EventAlertCreated)
	assert.Empty(t, subs, "inactive subscriptions are not listed by event")

	require.NoError(t, store.Delete(ctx, sub.ID))
	_, err = store.Get(ctx, sub.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.Delete(ctx, sub.ID), ErrNotFound)
}

func testStoreRecordResult(t *testing.T, store Store) {
	ctx := context.Background()
	sub := subscribe(t, store, "https://example.com/hook", alerts.EventAlertCreated)
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.RecordResult(ctx, sub.ID, at, "status 500", 2))
	got, _ := store.Get(ctx, sub.ID)
	assert.True(t, got.Active)
	assert.Equal(t, 1, got.ConsecutiveFailures)

	require.NoError(t, store.RecordResult(ctx, sub.ID, at, "status 500", 2))
	got, _ = store.Get(ctx, sub.ID)
	assert.False(t, got.Active)

	require.NoError(t, store.RecordResult(ctx, sub.ID, at, "", 2))
	got, _ = store.Get(ctx, sub.ID)
	assert.Equal(t, 0, got.ConsecutiveFailures)
	assert.Empty(t, got.LastError)
	require.NotNil(t, got.LastSuccess)
}

func TestSignAndVerify(t *testing.T) {
	body := []byte(`{"type":"alert.created"}`)
	sig := Sign(body, "secret", 1700000000)

	assert.Contains(t, sig, "sha256=")
	assert.Len(t, sig, len("sha256=")+64)
	assert.True(t, Verify(body, "secret", 1700000000, sig))
	assert.False(t, Verify(body, "other", 1700000000, sig))
	assert.False(t, Verify(body, "secret", 1700000001, sig), "timestamp is part of the signed content")
}

func TestDispatch_SignedDeliveryToSubscribers(t *testing.T) {
	srv, got := receiver(t, http.StatusOK)
	store := NewMemoryStore()
	sub := subscribe(t, store, srv.URL, alerts.EventAlertCreated)
	subscribe(t, store, srv.URL, alerts.EventAlertClosed)

	d := NewDispatcher(store, testLogger()).WithRetryPolicy(fastRetry)
	p := &Payload{ID: "evt_1", Type: alerts.EventAlertCreated, Timestamp: time.Now(), Data: map[string]string{"alertId": "alt_1"}}
	require.NoError(t, d.Dispatch(context.Background(), p))
	d.Wait()

	require.Equal(t, 1, got.count(), "only subscribers of the event type receive it")
	h := got.headers[0]
	assert.Equal(t, alerts.EventAlertCreated, h.Get(EventHeader))
	assert.Equal(t, "evt_1", h.Get(DeliveryHeader))
	ts, err := strconv.ParseInt(h.Get(TimestampHeader), 10, 64)
	require.NoError(t, err)
	assert.True(t, Verify(got.bodies[0], "s3cret", ts, h.Get(SignatureHeader)))

	var decoded Payload
	require.NoError(t, json.Unmarshal(got.bodies[0], &decoded))
	assert.Equal(t, alerts.EventAlertCreated, decoded.Type)

	stored, _ := store.Get(context.Background(), sub.ID)
	assert.NotNil(t, stored.LastSuccess)
}

func TestDispatch_BoundsInFlightDeliveries(t *testing.T) {
	release := make(chan struct{})
	var inFlight, peak int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		<-release
		atomic.AddInt32(&inFlight, -1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	for i := 0; i < 3; i++ {
		subscribe(t, store, srv.URL, alerts.EventAlertCreated)
	}
	d := NewDispatcher(store, testLogger()).WithRetryPolicy(fastRetry).WithConcurrency(1)
	p := &Payload{ID: "evt_5", Type: alerts.EventAlertCreated}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := d.Dispatch(ctx, p)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "the second delivery waits for a free slot")

	close(release)
	d.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&peak))

	require.NoError(t, d.Dispatch(context.Background(), p))
	d.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&peak))
}

func TestDispatch_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	sub := subscribe(t, store, srv.URL, alerts.EventAlertReopened)
	d := NewDispatcher(store, testLogger()).WithRetryPolicy(fastRetry)

	err := d.Deliver(context.Background(), sub, &Payload{ID: "evt_2", Type: alerts.EventAlertReopened})
	assert.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestDispatch_ClientErrorIsNotRetried(t *testing.T) {
	srv, got := receiver(t, http.StatusGone)
	store := NewMemoryStore()
	sub := subscribe(t, store, srv.URL, alerts.EventAlertClosed)
	d := NewDispatcher(store, testLogger()).WithRetryPolicy(fastRetry)

	err := d.Deliver(context.Background(), sub, &Payload{ID: "evt_3", Type: alerts.EventAlertClosed})
	assert.Error(t, err)
	assert.Equal(t, 1, got.count())

	stored, _ := store.Get(context.Background(), sub.ID)
	assert.Equal(t, "status 410", stored.LastError)
	assert.Equal(t, 1, stored.ConsecutiveFailures)
}

func TestDispatch_BreakerStopsHammering(t *testing.T) {
	srv, got := receiver(t, http.StatusInternalServerError)
	store := NewMemoryStore()
	sub := subscribe(t, store, srv.URL, alerts.EventAlertPaused)
	d := NewDispatcher(store, testLogger()).
		WithRetryPolicy(retry.Policy{Attempts: 1}).
		WithBreaker(circuitbreaker.New(2, time.Hour))

	p := &Payload{ID: "evt_4", Type: alerts.EventAlertPaused}
	_ = d.Deliver(context.Background(), sub, p)
	_ = d.Deliver(context.Background(), sub, p)
	err := d.Deliver(context.Background(), sub, p)

	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, 2, got.count())
}

func TestEmitter_WrapsAlertEvent(t *testing.T) {
	srv, got := receiver(t, http.StatusOK)
	store := NewMemoryStore()
	subscribe(t, store, srv.URL, alerts.EventActionRecorded)
	d := NewDispatcher(store, testLogger()).WithRetryPolicy(fastRetry)

	NewEmitter(d, testLogger()).Emit(context.Background(), alerts.Event{
		Type:      alerts.EventActionRecorded,
		Alert:     &alerts.Alert{ID: "alt_9", MerchantID: "m1"},
		Action:    &alerts.ActionRecord{ID: "act_1", AlertID: "alt_9", Action: alerts.ActionNoAnswer},
		Timestamp: time.Now(),
	})
	d.Wait()

	require.Equal(t, 1, got.count())
	var body struct {
		Type string `json:"type"`
		Data struct {
			Alert  alerts.Alert        `json:"alert"`
			Action alerts.ActionRecord `json:"action"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(got.bodies[0], &body))
	assert.Equal(t, alerts.EventActionRecorded, body.Type)
	assert.Equal(t, "alt_9", body.Data.Alert.ID)
	assert.Equal(t, alerts.ActionNoAnswer, body.Data.Action.Action)
}

func setupHandler(t *testing.T) (*gin.Engine, *MemoryStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store := NewMemoryStore()
	d := NewDispatcher(store, testLogger()).WithRetryPolicy(fastRetry)
	h := NewHandler(store, d)
	h.validateURL = func(string) error { return nil }
	r := gin.New()
	h.RegisterProtectedRoutes(r.Group("/v1"))
	return r, store
}

func doJSON(r *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_CreateListDelete(t *testing.T) {
	r, _ := setupHandler(t)

	w := doJSON(r, http.MethodPost, "/v1/webhooks", map[string]interface{}{
		"name": "slack-bridge", "url": "https://hooks.example.com/x",
		"events": []string{alerts.EventAlertCreated, alerts.EventAlertReopened},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		Webhook Subscription `json:"webhook"`
		Secret  string       `json:"secret"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Len(t, created.Secret, 64)
	assert.NotContains(t, w.Body.String(), `"Secret"`)

	w = doJSON(r, http.MethodGet, "/v1/webhooks", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)
	assert.NotContains(t, w.Body.String(), created.Secret)

	w = doJSON(r, http.MethodDelete, "/v1/webhooks/"+created.Webhook.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = doJSON(r, http.MethodDelete, "/v1/webhooks/"+created.Webhook.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_CreateValidation(t *testing.T) {
	r, _ := setupHandler(t)

	w := doJSON(r, http.MethodPost, "/v1/webhooks", map[string]interface{}{
		"name": "x", "url": "https://hooks.example.com/x", "events": []string{"payment.received"},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "validation_error")

	w = doJSON(r, http.MethodPost, "/v1/webhooks", map[string]interface{}{
		"name": "x", "url": "https://hooks.example.com/x",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_RejectsUnsafeURL(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := NewMemoryStore()
	h := NewHandler(store, NewDispatcher(store, testLogger()))
	r := gin.New()
	h.RegisterProtectedRoutes(r.Group("/v1"))

	w := doJSON(r, http.MethodPost, "/v1/webhooks", map[string]interface{}{
		"name": "x", "url": "http://127.0.0.1:8080/internal", "events": []string{alerts.EventAlertCreated},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_url")
}

func TestHandler_ReactivateAndTest(t *testing.T) {
	r, store := setupHandler(t)
	srv, got := receiver(t, http.StatusOK)
	sub := subscribe(t, store, srv.URL, alerts.EventAlertCreated)
	sub.Active = false
	sub.ConsecutiveFailures = DisableAfter
	require.NoError(t, store.Update(context.Background(), sub))

	w := doJSON(r, http.MethodPatch, "/v1/webhooks/"+sub.ID, map[string]interface{}{"active": true})
	require.Equal(t, http.StatusOK, w.Code)
	stored, _ := store.Get(context.Background(), sub.ID)
	assert.True(t, stored.Active)
	assert.Equal(t, 0, stored.ConsecutiveFailures)

	w = doJSON(r, http.MethodPost, "/v1/webhooks/"+sub.ID+"/test", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, 1, got.count())
	assert.Equal(t, EventTest, got.headers[0].Get(EventHeader))
}
