// Package mcpserver exposes the admin console as MCP tools over the tradehold HTTP API.
package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with the admin tools registered.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("tradehold-admin", version)
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolGetOrder, h.HandleGetOrder)
	s.AddTool(ToolListReleaseReady, h.HandleListReleaseReady)
	s.AddTool(ToolAdminRelease, h.HandleAdminRelease)
	s.AddTool(ToolAdminRefund, h.HandleAdminRefund)
	s.AddTool(ToolListOpenDisputes, h.HandleListOpenDisputes)
	s.AddTool(ToolResolveDispute, h.HandleResolveDispute)
	s.AddTool(ToolGetNegotiation, h.HandleGetNegotiation)

	return s
}
