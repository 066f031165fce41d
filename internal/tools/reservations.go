package tools

import (
	"context"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jaakkos/mailroom/internal/domain"
)

func (r *Registry) registerReservations(s *server.MCPServer) {
	r.addTool(s, serverTool{"file_reservation_paths", mcp.NewTool("file_reservation_paths",
		mcp.WithDescription("Declare advisory reservations over path patterns. Always grants; overlapping exclusive holds by others are reported as conflicts."),
		mcp.WithString("project_key", mcp.Required(), mcp.Description("Project slug or path")),
		mcp.WithString("agent_name", mcp.Required(), mcp.Description("Reserving agent")),
		mcp.WithArray("paths", mcp.Required(), mcp.Description("Gitignore-style path patterns")),
		mcp.WithNumber("ttl_seconds", mcp.Description("Reservation lifetime; server default when absent")),
		mcp.WithBoolean("exclusive", mcp.Description("Exclusive hold (default: true)")),
		mcp.WithString("reason", mcp.Description("Why the paths are reserved")),
	)}, func(ctx context.Context, args map[string]any) (any, error) {
		project, agent, err := r.resolveAgent(ctx, args)
		if err != nil {
			return nil, err
		}
		paths, err := requireStringSlice(args, "paths")
		if err != nil {
			return nil, err
		}
		ttl := time.Duration(optionalInt(args, "ttl_seconds", 0)) * time.Second
		res, err := r.reservations.Grant(ctx, project, agent, paths, ttl,
			optionalBool(args, "exclusive", true), optionalString(args, "reason"))
		if err != nil {
			return nil, err
		}
		r.logger.Printf("tools: file_reservation_paths %d pattern(s) by %s", len(paths), agent.Name)
		return res, nil
	})

	r.addTool(s, serverTool{"release_file_reservations", mcp.NewTool("release_file_reservations",
		mcp.WithDescription("Release the agent's active reservations matching the given patterns."),
		mcp.WithString("project_key", mcp.Required(), mcp.Description("Project slug or path")),
		mcp.WithString("agent_name", mcp.Required(), mcp.Description("Holding agent")),
		mcp.WithArray("paths", mcp.Required(), mcp.Description("Patterns to release")),
	)}, func(ctx context.Context, args map[string]any) (any, error) {
		project, agent, err := r.resolveAgent(ctx, args)
		if err != nil {
			return nil, err
		}
		paths, err := requireStringSlice(args, "paths")
		if err != nil {
			return nil, err
		}
		n, err := r.reservations.Release(ctx, project, agent, paths)
		if err != nil {
			return nil, err
		}
		return map[string]any{"released": n}, nil
	})

	r.addTool(s, serverTool{"renew_file_reservations", mcp.NewTool("renew_file_reservations",
		mcp.WithDescription("Extend the agent's active reservations matching the given patterns."),
		mcp.WithString("project_key", mcp.Required(), mcp.Description("Project slug or path")),
		mcp.WithString("agent_name", mcp.Required(), mcp.Description("Holding agent")),
		mcp.WithArray("paths", mcp.Required(), mcp.Description("Patterns to renew")),
		mcp.WithNumber("extend_seconds", mcp.Required(), mcp.Description("Extension from now; never shortens")),
	)}, func(ctx context.Context, args map[string]any) (any, error) {
		project, agent, err := r.resolveAgent(ctx, args)
		if err != nil {
			return nil, err
		}
		paths, err := requireStringSlice(args, "paths")
		if err != nil {
			return nil, err
		}
		extend, err := requireInt64(args, "extend_seconds")
		if err != nil {
			return nil, err
		}
		n, err := r.reservations.Renew(ctx, project, agent, paths, time.Duration(extend)*time.Second)
		if err != nil {
			return nil, err
		}
		return map[string]any{"renewed": n}, nil
	})

	r.addTool(s, serverTool{"force_release_file_reservation", mcp.NewTool("force_release_file_reservation",
		mcp.WithDescription("Release another agent's reservation when the holder is inactive and its sidecar is quiet. The holder is notified."),
		mcp.WithString("project_key", mcp.Required(), mcp.Description("Project slug or path")),
		mcp.WithString("agent_name", mcp.Required(), mcp.Description("Requesting agent")),
		mcp.WithNumber("reservation_id", mcp.Required(), mcp.Description("Reservation to release")),
	)}, func(ctx context.Context, args map[string]any) (any, error) {
		project, agent, err := r.resolveAgent(ctx, args)
		if err != nil {
			return nil, err
		}
		id, err := requireInt64(args, "reservation_id")
		if err != nil {
			return nil, err
		}
		if err := r.reservations.ForceRelease(ctx, project, agent, id); err != nil {
			return nil, err
		}
		r.logger.Printf("tools: force_release_file_reservation #%d by %s", id, agent.Name)
		return map[string]any{"reservation_id": id, "released": true}, nil
	})

	r.addTool(s, serverTool{"list_file_reservations", mcp.NewTool("list_file_reservations",
		mcp.WithDescription("List a project's reservations."),
		mcp.WithString("project_key", mcp.Required(), mcp.Description("Project slug or path")),
		mcp.WithBoolean("active_only", mcp.Description("Only unexpired, unreleased reservations (default: true)")),
	)}, func(ctx context.Context, args map[string]any) (any, error) {
		projectKey, err := requireString(args, "project_key")
		if err != nil {
			return nil, err
		}
		project, err := r.identity.ResolveProject(ctx, projectKey)
		if err != nil {
			return nil, err
		}
		rs, err := r.reservations.List(ctx, project.ID, optionalBool(args, "active_only", true))
		if err != nil {
			return nil, err
		}
		return map[string]any{"reservations": rs}, nil
	})
}

// resolveAgent resolves the shared (project_key, agent_name) argument pair
// and touches the agent's activity.
func (r *Registry) resolveAgent(ctx context.Context, args map[string]any) (*domain.Project, *domain.Agent, error) {
	projectKey, err := requireString(args, "project_key")
	if err != nil {
		return nil, nil, err
	}
	agentName, err := requireString(args, "agent_name")
	if err != nil {
		return nil, nil, err
	}
	project, err := r.identity.ResolveProject(ctx, projectKey)
	if err != nil {
		return nil, nil, err
	}
	agent, err := r.catalog.AgentByName(ctx, project.ID, agentName)
	if err != nil {
		return nil, nil, err
	}
	if terr := r.catalog.TouchAgentActive(ctx, agent.ID); terr != nil {
		r.logger.Printf("tools: touch activity for %s: %v", agent.Name, terr)
	}
	return project, agent, nil
}
