package mcpserver

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/churnshield/churnshield/internal/alerts"
	"github.com/mark3labs/mcp-go/mcp"
)

const dateLayout = "2006-01-02"

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleListAlerts lists alerts matching the filters.
func (h *Handlers) HandleListAlerts(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 20)
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	page, err := h.client.ListAlerts(ctx, AlertQuery{
		Status:     req.GetString("status", ""),
		AssignedTo: req.GetString("assigned_to", ""),
		MerchantID: req.GetString("merchant_id", ""),
		ActiveOnly: req.GetBool("active", false),
		DueOnly:    req.GetBool("due", false),
		Limit:      limit,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list alerts: %v", err)), nil
	}
	return mcp.NewToolResultText(formatAlertList(page)), nil
}

// HandleGetMerchantRisk returns a merchant's score and alert history.
func (h *Handlers) HandleGetMerchantRisk(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("merchant_id", "")
	if id == "" {
		return mcp.NewToolResultError("merchant_id is required"), nil
	}

	m, err := h.client.GetMerchant(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get merchant: %v", err)), nil
	}
	history, err := h.client.MerchantAlerts(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get alert history: %v", err)), nil
	}
	return mcp.NewToolResultText(formatMerchantRisk(m, history)), nil
}

// HandleRecordAlertAction records a call outcome against an alert.
func (h *Handlers) HandleRecordAlertAction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	alertID := req.GetString("alert_id", "")
	if alertID == "" {
		return mcp.NewToolResultError("alert_id is required"), nil
	}
	action := req.GetString("action", "")
	if action == "" {
		return mcp.NewToolResultError("action is required"), nil
	}

	ar := alerts.ActionRequest{
		Action:       alerts.Action(action),
		Notes:        req.GetString("notes", ""),
		ChurnReason:  req.GetString("churn_reason", ""),
		SubmissionID: req.GetString("submission_id", ""),
	}
	if raw := req.GetString("scheduled_date", ""); raw != "" {
		at, err := parseDate(raw)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		ar.ScheduledDate = &at
	}

	res, err := h.client.SubmitAction(ctx, alertID, ar)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to record action: %v", err)), nil
	}
	return mcp.NewToolResultText(formatActionResult(res)), nil
}

// HandleChurnOverview summarizes the program and manager performance.
func (h *Handlers) HandleChurnOverview(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	o, err := h.client.Overview(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to load overview: %v", err)), nil
	}
	managers, err := h.client.Managers(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to load manager report: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Alerts: %d total, %d active, %d due for follow-up\n", o.TotalAlerts, o.ActiveAlerts, o.DueAlerts)
	fmt.Fprintf(&sb, "Resolved this month: %d\n", o.ResolvedThisMonth)
	fmt.Fprintf(&sb, "Success rate: %.1f%%\n", o.SuccessRate)

	sb.WriteString("\nBy status:\n")
	for _, s := range alerts.Statuses {
		if n := o.ByStatus[s]; n > 0 {
			fmt.Fprintf(&sb, "  %s: %d\n", s, n)
		}
	}
	if len(o.ChurnReasons) > 0 {
		sb.WriteString("\nChurn reasons:\n")
		for _, kv := range sortedCounts(o.ChurnReasons) {
			fmt.Fprintf(&sb, "  %s: %d\n", kv.key, kv.n)
		}
	}
	if len(managers) > 0 {
		sb.WriteString("\nAccount managers:\n")
		for _, m := range managers {
			fmt.Fprintf(&sb, "  %s: %d active, %d assigned, %.1f%% success, %.1f days avg resolution\n",
				m.Name, m.ActiveAlerts, m.TotalAssigned, m.SuccessRate, m.AvgResolutionTime)
		}
	}
	return mcp.NewToolResultText(sb.String()), nil
}

func parseDate(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	if t, err := time.Parse(dateLayout, raw); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("scheduled_date must be YYYY-MM-DD or RFC 3339, got %q", raw)
}

func formatAlertList(page *AlertPage) string {
	if len(page.Alerts) == 0 {
		return "No alerts match."
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d alert(s):\n\n", len(page.Alerts))
	for _, a := range page.Alerts {
		writeAlertLine(&sb, a)
	}
	if page.HasMore {
		sb.WriteString("\nMore alerts available; narrow the filters or raise the limit.")
	}
	return sb.String()
}

func writeAlertLine(sb *strings.Builder, a *alerts.Alert) {
	state := string(a.Status)
	if !a.Open() {
		state += ", closed"
	}
	fmt.Fprintf(sb, "- %s [%s] %s (%s): %s\n", a.ID, a.Type, a.MerchantName, state, a.AlertReason)
	if a.AssignedTo != "" {
		fmt.Fprintf(sb, "    assigned to %s", a.AssignedTo)
		if a.NextActionDate != nil {
			fmt.Fprintf(sb, ", next action %s", a.NextActionDate.Format(dateLayout))
		}
		sb.WriteString("\n")
	}
}

func formatMerchantRisk(m *MerchantRisk, history []*alerts.Alert) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s (%s), %s merchant, tier %d\n", m.Name, m.ID, m.MerchantType, m.Tier)
	fmt.Fprintf(&sb, "Risk score: %.2f (%s)\n", m.Score, m.RiskLevel)
	fmt.Fprintf(&sb, "GTV: current %.2f, previous %.2f\n", m.CurrentGTV, m.PreviousGTV)
	fmt.Fprintf(&sb, "Transactions: %d this period, %d reverted\n", m.TransactionFrequency, m.RevertedTransactions)
	if m.LastActivity != nil {
		fmt.Fprintf(&sb, "Last activity: %s\n", m.LastActivity.Format(dateLayout))
	} else {
		sb.WriteString("Last activity: unknown\n")
	}

	if len(m.Factors) > 0 {
		sb.WriteString("\nFactor sub-scores:\n")
		for _, kv := range sortedFactors(m.Factors) {
			fmt.Fprintf(&sb, "  %s: %.2f\n", kv.key, kv.v)
		}
	}

	if len(history) == 0 {
		sb.WriteString("\nNo alerts on record.")
		return sb.String()
	}
	fmt.Fprintf(&sb, "\nAlert history (%d):\n", len(history))
	for _, a := range history {
		writeAlertLine(&sb, a)
	}
	return sb.String()
}

func formatActionResult(res *alerts.ActionResult) string {
	var sb strings.Builder
	if res.Replayed {
		sb.WriteString("Action was already recorded; returning the original result.\n")
	} else {
		sb.WriteString("Action recorded.\n")
	}
	if res.Action != nil {
		fmt.Fprintf(&sb, "Transition: %s -> %s\n", res.Action.FromStatus, res.Action.ToStatus)
	}
	if a := res.Alert; a != nil {
		if a.Open() {
			sb.WriteString("Alert remains open.\n")
		} else {
			sb.WriteString("Alert is now closed.\n")
		}
		if a.NextActionDate != nil {
			fmt.Fprintf(&sb, "Next action: %s\n", a.NextActionDate.Format(time.RFC3339))
		}
	}
	return sb.String()
}

type countKV struct {
	key string
	n   int
}

func sortedCounts(m map[string]int) []countKV {
	out := make([]countKV, 0, len(m))
	for k, n := range m {
		out = append(out, countKV{k, n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].n == out[j].n {
			return out[i].key < out[j].key
		}
		return out[i].n > out[j].n
	})
	return out
}

type factorKV struct {
	key string
	v   float64
}

func sortedFactors(m map[string]float64) []factorKV {
	out := make([]factorKV, 0, len(m))
	for k, v := range m {
		out = append(out, factorKV{k, v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out
}
