package mcp

import (
	"context"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/dshills/depcontext/internal/service"
)

const (
	// ServerName is the MCP server name
	ServerName = "idx"
)

// Server exposes one project's dependency index over MCP
type Server struct {
	mcp     *server.MCPServer
	service *service.Service
}

// NewServer creates a server answering from svc; the caller keeps
// ownership of svc and closes it after Serve returns
func NewServer(svc *service.Service, version string) *Server {
	s := &Server{
		mcp:     server.NewMCPServer(ServerName, version, server.WithToolCapabilities(false)),
		service: svc,
	}
	s.registerTools()
	return s
}

// Serve answers MCP requests on stdio until stdin closes or ctx is done
func (s *Server) Serve(ctx context.Context) error {
	return server.NewStdioServer(s.mcp).Listen(ctx, os.Stdin, os.Stdout)
}

// registerTools registers all MCP tools
func (s *Server) registerTools() {
	s.mcp.AddTool(searchDependenciesTool(), s.handleSearch)
	s.mcp.AddTool(updateIndexTool(), s.handleUpdate)
	s.mcp.AddTool(getStatusTool(), s.handleStatus)
	s.mcp.AddTool(listPackagesTool(), s.handleList)
	s.mcp.AddTool(getStatsTool(), s.handleStats)
}
