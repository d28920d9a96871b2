package mcpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/churnshield/churnshield/internal/alerts"
	"github.com/churnshield/churnshield/internal/merchant"
	"github.com/churnshield/churnshield/internal/reports"
)

func newTestSetup(t *testing.T, handler http.Handler) *Handlers {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return NewHandlers(NewClient(Config{APIURL: ts.URL, APIKey: "k-test", Operator: "assistant"}))
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

var testDue = time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)

func sampleAlert() *alerts.Alert {
	return &alerts.Alert{
		ID:             "alr_1",
		MerchantID:     "m_1",
		MerchantName:   "Kopi Corner",
		Type:           alerts.SeverityCritical,
		AlertReason:    "No transactions in 9 days",
		Status:         alerts.StatusNoAnswer,
		AssignedTo:     "alice",
		NextActionDate: &testDue,
	}
}

// --- client ---

func TestClient_SendsAuthAndOperator(t *testing.T) {
	var gotKey, gotOperator string
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-Key")
		gotOperator = r.Header.Get("X-Operator")
		writeJSON(w, http.StatusOK, map[string]any{"alerts": []any{}})
	}))

	_, err := h.client.ListAlerts(context.Background(), AlertQuery{})
	require.NoError(t, err)
	assert.Equal(t, "k-test", gotKey)
	assert.Equal(t, "assistant", gotOperator)
}

func TestClient_APIErrorMessage(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusConflict, map[string]any{"error": "alert_closed", "message": "Alert is already closed"})
	}))

	_, err := h.client.SubmitAction(context.Background(), "alr_1", alerts.ActionRequest{Action: alerts.ActionNoAnswer})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409")
	assert.Contains(t, err.Error(), "Alert is already closed")
}

func TestClient_NonJSONError(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream timeout"))
	}))

	_, err := h.client.Overview(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream timeout")
}

func TestClient_ConnectionRefused(t *testing.T) {
	c := NewClient(Config{APIURL: "http://127.0.0.1:1"})
	_, err := c.Overview(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed")
}

// --- list_alerts ---

func TestHandleListAlerts(t *testing.T) {
	var gotQuery string
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/alerts", r.URL.Path)
		gotQuery = r.URL.RawQuery
		writeJSON(w, http.StatusOK, AlertPage{Alerts: []*alerts.Alert{sampleAlert()}, Count: 1, HasMore: true})
	}))

	res, err := h.HandleListAlerts(context.Background(), makeRequest(map[string]any{
		"assigned_to": "alice",
		"due":         true,
		"limit":       float64(5),
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	text := resultText(t, res)
	assert.Contains(t, text, "alr_1 [critical] Kopi Corner (no-answer)")
	assert.Contains(t, text, "next action 2026-03-04")
	assert.Contains(t, text, "More alerts available")
	assert.Contains(t, gotQuery, "assignedTo=alice")
	assert.Contains(t, gotQuery, "due=true")
	assert.Contains(t, gotQuery, "limit=5")
}

func TestHandleListAlerts_Empty(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, AlertPage{Alerts: []*alerts.Alert{}})
	}))
	res, err := h.HandleListAlerts(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, "No alerts match.", resultText(t, res))
}

// --- get_merchant_risk ---

func TestHandleGetMerchantRisk(t *testing.T) {
	last := time.Date(2026, 2, 20, 0, 0, 0, 0, time.UTC)
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/merchants/m_1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"merchant": MerchantRisk{
			Snapshot: merchant.Snapshot{
				ID: "m_1", Name: "Kopi Corner", Tier: 1, MerchantType: merchant.TypeVIP,
				CurrentGTV: 400000, PreviousGTV: 1000000, LastActivity: &last,
			},
			RiskView: merchant.RiskView{Score: 71.25, RiskLevel: "stop-transacting", Factors: map[string]float64{"gtvDropRate": 6}},
		}})
	})
	mux.HandleFunc("/v1/merchants/m_1/alerts", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"alerts": []*alerts.Alert{sampleAlert()}})
	})
	h := newTestSetup(t, mux)

	res, err := h.HandleGetMerchantRisk(context.Background(), makeRequest(map[string]any{"merchant_id": "m_1"}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	text := resultText(t, res)
	assert.Contains(t, text, "Kopi Corner (m_1), VIP merchant, tier 1")
	assert.Contains(t, text, "Risk score: 71.25 (stop-transacting)")
	assert.Contains(t, text, "gtvDropRate: 6.00")
	assert.Contains(t, text, "Last activity: 2026-02-20")
	assert.Contains(t, text, "Alert history (1)")
}

func TestHandleGetMerchantRisk_Validation(t *testing.T) {
	h := newTestSetup(t, http.NotFoundHandler())
	res, err := h.HandleGetMerchantRisk(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "merchant_id is required")
}

func TestHandleGetMerchantRisk_NotFound(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not_found", "message": "Merchant not found"})
	}))
	res, err := h.HandleGetMerchantRisk(context.Background(), makeRequest(map[string]any{"merchant_id": "nope"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "Merchant not found")
}

// --- record_alert_action ---

func TestHandleRecordAlertAction(t *testing.T) {
	var (
		body       alerts.ActionRequest
		idempotent string
	)
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/alerts/alr_1/actions", r.URL.Path)
		idempotent = r.Header.Get("Idempotency-Key")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		a := sampleAlert()
		a.Status = alerts.StatusWillReturnLater
		writeJSON(w, http.StatusCreated, alerts.ActionResult{
			Alert:  a,
			Action: &alerts.ActionRecord{FromStatus: alerts.StatusNoAnswer, ToStatus: alerts.StatusWillReturnLater},
		})
	}))

	res, err := h.HandleRecordAlertAction(context.Background(), makeRequest(map[string]any{
		"alert_id":       "alr_1",
		"action":         "will-return-later",
		"notes":          "back after Ramadan",
		"scheduled_date": "2026-04-01",
		"submission_id":  "sub-123",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(t, res))

	assert.Equal(t, alerts.ActionWillReturnLater, body.Action)
	assert.Equal(t, "assistant", body.PerformedBy)
	require.NotNil(t, body.ScheduledDate)
	assert.Equal(t, "2026-04-01", body.ScheduledDate.Format(dateLayout))
	assert.Equal(t, "sub-123", idempotent)

	text := resultText(t, res)
	assert.Contains(t, text, "Action recorded.")
	assert.Contains(t, text, "no-answer -> will-return-later")
	assert.Contains(t, text, "Alert remains open.")
}

func TestHandleRecordAlertAction_Replayed(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a := sampleAlert()
		a.Acknowledged = true
		writeJSON(w, http.StatusOK, alerts.ActionResult{Alert: a, Replayed: true})
	}))
	res, err := h.HandleRecordAlertAction(context.Background(), makeRequest(map[string]any{
		"alert_id": "alr_1", "action": "re-engaged",
	}))
	require.NoError(t, err)
	text := resultText(t, res)
	assert.Contains(t, text, "already recorded")
	assert.Contains(t, text, "Alert is now closed.")
}

func TestHandleRecordAlertAction_Validation(t *testing.T) {
	h := newTestSetup(t, http.NotFoundHandler())

	tests := []struct {
		args map[string]any
		want string
	}{
		{map[string]any{"action": "re-engaged"}, "alert_id is required"},
		{map[string]any{"alert_id": "alr_1"}, "action is required"},
		{map[string]any{"alert_id": "alr_1", "action": "will-return-later", "scheduled_date": "next week"}, "scheduled_date must be"},
	}
	for _, tt := range tests {
		res, err := h.HandleRecordAlertAction(context.Background(), makeRequest(tt.args))
		require.NoError(t, err)
		assert.True(t, res.IsError)
		assert.Contains(t, resultText(t, res), tt.want)
	}
}

// --- churn_overview ---

func TestHandleChurnOverview(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/reports/overview", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"overview": reports.Overview{
			TotalAlerts: 10, ActiveAlerts: 4, DueAlerts: 2, ResolvedThisMonth: 3, SuccessRate: 50,
			ByStatus:     map[alerts.Status]int{alerts.StatusNoAnswer: 4, alerts.StatusReEngaged: 6},
			ChurnReasons: map[string]int{"Too expensive": 2, "Switched to cards": 1},
		}})
	})
	mux.HandleFunc("/v1/reports/managers", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"managers": []reports.ManagerPerformance{
			{Name: "alice", ActiveAlerts: 2, TotalAssigned: 6, SuccessRate: 66.7, AvgResolutionTime: 3.5},
		}})
	})
	h := newTestSetup(t, mux)

	res, err := h.HandleChurnOverview(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	require.False(t, res.IsError)

	text := resultText(t, res)
	assert.Contains(t, text, "Alerts: 10 total, 4 active, 2 due for follow-up")
	assert.Contains(t, text, "Success rate: 50.0%")
	assert.Contains(t, text, "re-engaged: 6")
	assert.Contains(t, text, "Too expensive: 2")
	assert.Contains(t, text, "alice: 2 active, 6 assigned, 66.7% success, 3.5 days avg resolution")
}

func TestNewMCPServer(t *testing.T) {
	assert.NotNil(t, NewMCPServer(Config{APIURL: "http://localhost:8080"}))
}

func TestToolEnums(t *testing.T) {
	assert.Equal(t, []string{"re-engaged", "not-interested", "no-answer", "needs-support", "will-return-later"}, actionNames())
	assert.Contains(t, statusNames(), "yet-to-be-called")
}
