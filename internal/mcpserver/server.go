// Package mcpserver exposes the churn queue to LLM assistants over the Model
// Context Protocol. Tools call the HTTP API, so the assistant sees the same
// validation and audit trail as the console.
package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// Version is reported to MCP clients.
const Version = "1.0.0"

// NewMCPServer creates an MCP server with every churnshield tool registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("churnshield", Version)
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolListAlerts, h.HandleListAlerts)
	s.AddTool(ToolGetMerchantRisk, h.HandleGetMerchantRisk)
	s.AddTool(ToolRecordAlertAction, h.HandleRecordAlertAction)
	s.AddTool(ToolChurnOverview, h.HandleChurnOverview)
	return s
}
