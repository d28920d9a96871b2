package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/churnshield/churnshield/internal/alerts"
	"github.com/churnshield/churnshield/internal/merchant"
	"github.com/churnshield/churnshield/internal/reports"
)

// Config holds the configuration for connecting to the churnshield API.
type Config struct {
	APIURL   string // Base URL, e.g. "http://localhost:8080"
	APIKey   string
	Operator string // recorded as performedBy on actions
}

// Client is a thin HTTP client for the churnshield API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new API client.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// AlertQuery narrows list_alerts.
type AlertQuery struct {
	Status     string
	AssignedTo string
	MerchantID string
	ActiveOnly bool
	DueOnly    bool
	Limit      int
}

// AlertPage is one page of GET /v1/alerts.
type AlertPage struct {
	Alerts     []*alerts.Alert `json:"alerts"`
	Count      int             `json:"count"`
	HasMore    bool            `json:"hasMore"`
	NextCursor string          `json:"nextCursor,omitempty"`
}

// MerchantRisk is a merchant snapshot with its live score.
type MerchantRisk struct {
	merchant.Snapshot
	merchant.RiskView
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, headers map[string]string, out any) error {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", c.cfg.APIKey)
	}
	if c.cfg.Operator != "" {
		req.Header.Set("X-Operator", c.cfg.Operator)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// ListAlerts calls GET /v1/alerts.
func (c *Client) ListAlerts(ctx context.Context, q AlertQuery) (*AlertPage, error) {
	v := url.Values{}
	if q.Status != "" {
		v.Set("status", q.Status)
	}
	if q.AssignedTo != "" {
		v.Set("assignedTo", q.AssignedTo)
	}
	if q.MerchantID != "" {
		v.Set("merchantId", q.MerchantID)
	}
	if q.ActiveOnly {
		v.Set("active", "true")
	}
	if q.DueOnly {
		v.Set("due", "true")
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	var page AlertPage
	if err := c.do(ctx, http.MethodGet, "/v1/alerts", v, nil, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// GetMerchant calls GET /v1/merchants/:id.
func (c *Client) GetMerchant(ctx context.Context, id string) (*MerchantRisk, error) {
	var out struct {
		Merchant MerchantRisk `json:"merchant"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/merchants/"+url.PathEscape(id), nil, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out.Merchant, nil
}

// MerchantAlerts calls GET /v1/merchants/:id/alerts.
func (c *Client) MerchantAlerts(ctx context.Context, id string) ([]*alerts.Alert, error) {
	var out struct {
		Alerts []*alerts.Alert `json:"alerts"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/merchants/"+url.PathEscape(id)+"/alerts", nil, nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Alerts, nil
}

// SubmitAction calls POST /v1/alerts/:id/actions. The submission ID is sent
// as the Idempotency-Key so a retried tool call is applied once.
func (c *Client) SubmitAction(ctx context.Context, alertID string, req alerts.ActionRequest) (*alerts.ActionResult, error) {
	if req.PerformedBy == "" {
		req.PerformedBy = c.cfg.Operator
	}
	headers := map[string]string{}
	if req.SubmissionID != "" {
		headers["Idempotency-Key"] = req.SubmissionID
	}
	var res alerts.ActionResult
	if err := c.do(ctx, http.MethodPost, "/v1/alerts/"+url.PathEscape(alertID)+"/actions", nil, req, headers, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Overview calls GET /v1/reports/overview.
func (c *Client) Overview(ctx context.Context) (*reports.Overview, error) {
	var out struct {
		Overview reports.Overview `json:"overview"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/reports/overview", nil, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out.Overview, nil
}

// Managers calls GET /v1/reports/managers.
func (c *Client) Managers(ctx context.Context) ([]reports.ManagerPerformance, error) {
	var out struct {
		Managers []reports.ManagerPerformance `json:"managers"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/reports/managers", nil, nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Managers, nil
}
