// Package mcpserver exposes the lookup tools over MCP stdio so a CLI model
// can call them mid-step. Each server process is bound to one step; every
// call is audited against it.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mpataki/paflow/internal/tools"
)

const serverName = "paflow"

type Server struct {
	mcpServer *server.MCPServer
	registry  *tools.Registry
	ec        tools.ExecContext
	logger    *slog.Logger
}

func New(registry *tools.Registry, ec tools.ExecContext, version string, logger *slog.Logger) *Server {
	if version == "" {
		version = "dev"
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		mcpServer: server.NewMCPServer(serverName, version, server.WithToolCapabilities(false)),
		registry:  registry,
		ec:        ec,
		logger:    logger,
	}
	for _, t := range registry.List() {
		s.mcpServer.AddTool(toolSchema(t), s.handle(t.Name()))
	}
	return s
}

func toolSchema(t tools.Tool) mcp.Tool {
	props := make(map[string]any)
	var required []string
	for _, p := range t.Params() {
		props[p.Name] = map[string]any{
			"type":        "string",
			"description": p.Description,
		}
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return mcp.Tool{
		Name:        t.Name(),
		Description: t.Description(),
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: props,
			Required:   required,
		},
	}
}

func (s *Server) handle(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res, err := s.registry.Invoke(ctx, s.ec, name, request.GetArguments())
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		data, err := json.Marshal(res)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to encode result: %v", err)), nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{mcp.NewTextContent(string(data))},
		}, nil
	}
}

// ServeStdio blocks serving requests on stdin/stdout.
func (s *Server) ServeStdio() error {
	s.logger.Debug("serving tools over MCP stdio",
		slog.String("step", s.ec.Step),
		slog.Int64("run_id", s.ec.RunID),
	)
	if err := server.ServeStdio(s.mcpServer); err != nil {
		return fmt.Errorf("MCP server error: %w", err)
	}
	return nil
}
