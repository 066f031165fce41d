package tools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

func (r *Registry) registerAdmin(s *server.MCPServer) {
	r.addTool(s, serverTool{"health_check", mcp.NewTool("health_check",
		mcp.WithDescription("Server health: catalog reachability, cached repo handles, call counters."),
	)}, func(ctx context.Context, args map[string]any) (any, error) {
		projects, err := r.catalog.ListProjects(ctx)
		if err != nil {
			return nil, err
		}
		calls, errs := r.metrics.Totals()
		return map[string]any{
			"status":         "ok",
			"projects":       len(projects),
			"cached_repos":   r.archive.CachedHandles(),
			"tool_calls":     calls,
			"tool_errors":    errs,
			"filter_profile": r.settings.ToolsFilterProfile,
		}, nil
	})

	r.addTool(s, serverTool{"list_projects", mcp.NewTool("list_projects",
		mcp.WithDescription("List every registered project."),
	)}, func(ctx context.Context, args map[string]any) (any, error) {
		projects, err := r.catalog.ListProjects(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"projects": projects}, nil
	})
}
