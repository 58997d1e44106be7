// Command keymux-mcp exposes the key pool to LLM agents over MCP stdio.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/keymux/internal/mcpserver"
)

func main() {
	apiURL := flag.String("api", envOr("KEYMUX_API_URL", "http://localhost:8080"), "base URL of the keymux HTTP API")
	flag.Parse()

	// An empty token is allowed: an engine without KEYMUX_ADMIN_TOKEN
	// set runs open, and the client then sends no Authorization header.
	cfg := mcpserver.Config{
		APIURL:     *apiURL,
		AdminToken: os.Getenv("KEYMUX_ADMIN_TOKEN"),
	}

	if err := server.ServeStdio(mcpserver.NewMCPServer(cfg)); err != nil {
		fmt.Fprintln(os.Stderr, "mcp server:", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
