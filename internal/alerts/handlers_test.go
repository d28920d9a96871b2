package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestHandler(t *testing.T) (*gin.Engine, *serviceFixture) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := setupService(t)
	_, err := f.svc.Evaluate(context.Background())
	require.NoError(t, err)

	r := gin.New()
	v1 := r.Group("/v1")
	h := NewHandler(f.svc)
	h.RegisterRoutes(v1)
	h.RegisterProtectedRoutes(v1)
	return r, f
}

type listResponse struct {
	Alerts     []*Alert `json:"alerts"`
	Count      int      `json:"count"`
	HasMore    bool     `json:"hasMore"`
	NextCursor string   `json:"nextCursor"`
}

func doJSON(r *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_ListAlerts(t *testing.T) {
	r, _ := setupTestHandler(t)

	w := doJSON(r, http.MethodGet, "/v1/alerts?active=true", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp listResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
	assert.False(t, resp.HasMore)
	assert.Contains(t, w.Body.String(), `"merchantId"`)
	assert.Contains(t, w.Body.String(), `"alertReason"`)
}

func TestHandler_ListAlertsPaginates(t *testing.T) {
	r, _ := setupTestHandler(t)

	w := doJSON(r, http.MethodGet, "/v1/alerts?limit=1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var first listResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))
	require.Len(t, first.Alerts, 1)
	assert.True(t, first.HasMore)
	require.NotEmpty(t, first.NextCursor)

	w = doJSON(r, http.MethodGet, "/v1/alerts?limit=1&cursor="+first.NextCursor, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var second listResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &second))
	require.Len(t, second.Alerts, 1)
	assert.False(t, second.HasMore)
	assert.NotEqual(t, first.Alerts[0].ID, second.Alerts[0].ID)
}

func TestHandler_ListAlertsBadParams(t *testing.T) {
	r, _ := setupTestHandler(t)

	w := doJSON(r, http.MethodGet, "/v1/alerts?status=bogus", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(r, http.MethodGet, "/v1/alerts?cursor=!!!", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_cursor")
}

func TestHandler_GetAlertNotFound(t *testing.T) {
	r, _ := setupTestHandler(t)

	w := doJSON(r, http.MethodGet, "/v1/alerts/alt_missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(r, http.MethodGet, "/v1/alerts/bad%20id", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_SubmitActionAndReplay(t *testing.T) {
	r, f := setupTestHandler(t)
	a := f.alertFor(t, "m1")
	headers := map[string]string{OperatorHeader: "priya@example.com", "Idempotency-Key": "dialog-42"}

	w := doJSON(r, http.MethodPost, "/v1/alerts/"+a.ID+"/actions",
		map[string]string{"action": "no-answer", "notes": "rang twice"}, headers)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var res ActionResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, StatusNoAnswer, res.Alert.Status)
	assert.Equal(t, 1, res.Alert.RetryCount)
	assert.Equal(t, "priya@example.com", res.Action.PerformedBy)

	w = doJSON(r, http.MethodPost, "/v1/alerts/"+a.ID+"/actions",
		map[string]string{"action": "no-answer", "notes": "rang twice"}, headers)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.True(t, res.Replayed)
	assert.Equal(t, 1, res.Alert.RetryCount)

	w = doJSON(r, http.MethodGet, "/v1/alerts/"+a.ID+"/actions", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)
}

func TestHandler_SubmitActionValidation(t *testing.T) {
	r, f := setupTestHandler(t)
	a := f.alertFor(t, "m1")

	w := doJSON(r, http.MethodPost, "/v1/alerts/"+a.ID+"/actions",
		map[string]string{"action": "not-interested", "performedBy": "op"}, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "validation_error")
	assert.Contains(t, w.Body.String(), "churnReason")

	w = doJSON(r, http.MethodPost, "/v1/alerts/"+a.ID+"/actions", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_SubmitActionClosedAlert(t *testing.T) {
	r, f := setupTestHandler(t)
	a := f.alertFor(t, "m1")

	body := map[string]string{"action": "not-interested", "churnReason": "Too expensive", "performedBy": "op"}
	w := doJSON(r, http.MethodPost, "/v1/alerts/"+a.ID+"/actions", body, nil)
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(r, http.MethodPost, "/v1/alerts/"+a.ID+"/actions", body, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "alert_closed")
}

func TestHandler_Triage(t *testing.T) {
	r, f := setupTestHandler(t)
	a := f.alertFor(t, "m2")

	w := doJSON(r, http.MethodPatch, "/v1/alerts/"+a.ID+"/triage",
		map[string]interface{}{"assignedTo": "Dana Whitfield", "tags": []string{"Competitor"}}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"assignedTo":"Dana Whitfield"`)

	w = doJSON(r, http.MethodPatch, "/v1/alerts/"+a.ID+"/triage",
		map[string]interface{}{"tags": []string{"Nope"}}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_MerchantAlertsAndReasons(t *testing.T) {
	r, _ := setupTestHandler(t)

	w := doJSON(r, http.MethodGet, "/v1/merchants/m1/alerts", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)

	w = doJSON(r, http.MethodGet, "/v1/alerts/churn-reasons", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Switched to cards")
	assert.Contains(t, w.Body.String(), "Support Needed")
}

func TestHandler_EvaluateAndSweep(t *testing.T) {
	r, _ := setupTestHandler(t)

	w := doJSON(r, http.MethodPost, "/v1/alerts/evaluate", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"open_alert":2`)

	w = doJSON(r, http.MethodPost, "/v1/alerts/sweep", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"processed":0`)
}
