package mcpserver

import (
	"github.com/churnshield/churnshield/internal/alerts"
	"github.com/mark3labs/mcp-go/mcp"
)

// Tool descriptions are what the model reads to decide which tool to call.

var ToolListAlerts = mcp.NewTool("list_alerts",
	mcp.WithDescription(
		"List merchant churn alerts, newest first. "+
			"Use active=true for the open follow-up queue and due=true for alerts whose next action date has passed."),
	mcp.WithString("status",
		mcp.Description("Filter by workflow status"),
		mcp.Enum(statusNames()...)),
	mcp.WithString("assigned_to",
		mcp.Description("Only alerts assigned to this account manager")),
	mcp.WithString("merchant_id",
		mcp.Description("Only alerts for this merchant")),
	mcp.WithBoolean("active",
		mcp.Description("Only open alerts")),
	mcp.WithBoolean("due",
		mcp.Description("Only open alerts that are due for follow-up")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of alerts to return (default 20, max 200)")),
)

var ToolGetMerchantRisk = mcp.NewTool("get_merchant_risk",
	mcp.WithDescription(
		"Get a merchant's live churn risk score (0-100), risk level, per-factor breakdown, "+
			"key payment metrics and alert history."),
	mcp.WithString("merchant_id",
		mcp.Required(),
		mcp.Description("The merchant ID")),
)

var ToolRecordAlertAction = mcp.NewTool("record_alert_action",
	mcp.WithDescription(
		"Record the outcome of a follow-up call on an open alert. "+
			"not-interested requires churn_reason and closes the alert into a 30-day watchlist; "+
			"will-return-later requires scheduled_date."),
	mcp.WithString("alert_id",
		mcp.Required(),
		mcp.Description("The alert ID")),
	mcp.WithString("action",
		mcp.Required(),
		mcp.Description("Call outcome"),
		mcp.Enum(actionNames()...)),
	mcp.WithString("notes",
		mcp.Description("Free-text notes from the call")),
	mcp.WithString("churn_reason",
		mcp.Description("Why the merchant is leaving (required for not-interested)"),
		mcp.Enum(alerts.ChurnReasons...)),
	mcp.WithString("scheduled_date",
		mcp.Description("When the merchant said they will return, as YYYY-MM-DD or RFC 3339")),
	mcp.WithString("submission_id",
		mcp.Description("Client-chosen ID; resubmitting the same ID does not record the action twice")),
)

var ToolChurnOverview = mcp.NewTool("churn_overview",
	mcp.WithDescription(
		"Executive summary of the churn program: alert counts by status and severity, "+
			"success rate, churn reasons, and per-account-manager performance."),
)

func statusNames() []string {
	out := make([]string, len(alerts.Statuses))
	for i, s := range alerts.Statuses {
		out[i] = string(s)
	}
	return out
}

func actionNames() []string {
	out := make([]string, len(alerts.Actions))
	for i, a := range alerts.Actions {
		out[i] = string(a)
	}
	return out
}
