package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all keymux tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("keymux", "1.0.0")
	client := NewKeymuxClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolGetKey, h.HandleGetKey)
	s.AddTool(ToolReportOutcome, h.HandleReportOutcome)
	s.AddTool(ToolAcquireLease, h.HandleAcquireLease)
	s.AddTool(ToolReleaseLease, h.HandleReleaseLease)
	s.AddTool(ToolListKeys, h.HandleListKeys)
	s.AddTool(ToolAddKey, h.HandleAddKey)
	s.AddTool(ToolPoolStatus, h.HandlePoolStatus)
	s.AddTool(ToolUpdateSetting, h.HandleUpdateSetting)

	return s
}
