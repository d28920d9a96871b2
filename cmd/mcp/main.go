// Command mcp serves the churnshield MCP tools over stdio.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/churnshield/churnshield/internal/mcpserver"
)

func main() {
	_ = godotenv.Load()

	cfg := mcpserver.Config{
		APIURL:   envOrDefault("CHURNSHIELD_API_URL", "http://localhost:8080"),
		APIKey:   os.Getenv("CHURNSHIELD_API_KEY"),
		Operator: envOrDefault("CHURNSHIELD_OPERATOR", "assistant"),
	}

	s := mcpserver.NewMCPServer(cfg)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
