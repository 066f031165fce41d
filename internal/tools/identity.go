package tools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jaakkos/mailroom/internal/domain"
	"github.com/jaakkos/mailroom/internal/identity"
)

func (r *Registry) registerIdentity(s *server.MCPServer) {
	r.addTool(s, serverTool{"ensure_project", mcp.NewTool("ensure_project",
		mcp.WithDescription("Create or look up the project for a working-copy path. Returns the project slug used by every other tool."),
		mcp.WithString("human_key", mcp.Required(), mcp.Description("Project path or name (e.g. '/home/user/backend')")),
	)}, func(ctx context.Context, args map[string]any) (any, error) {
		key, err := requireString(args, "human_key")
		if err != nil {
			return nil, err
		}
		project, err := r.identity.EnsureProject(ctx, key)
		if err != nil {
			return nil, err
		}
		r.logger.Printf("tools: ensure_project %s -> %s", key, project.Slug)
		return project, nil
	})

	r.addTool(s, serverTool{"register_agent", mcp.NewTool("register_agent",
		mcp.WithDescription("Register an agent identity in a project. Omit name to have one coined."),
		mcp.WithString("project_key", mcp.Required(), mcp.Description("Project slug or path")),
		mcp.WithString("program", mcp.Required(), mcp.Description("Agent program (e.g. 'codex', 'claude-code')")),
		mcp.WithString("model", mcp.Description("Model identifier")),
		mcp.WithString("name", mcp.Description("Agent name; coined when absent")),
		mcp.WithString("task_description", mcp.Description("What this agent is working on")),
		mcp.WithString("attachments_policy", mcp.Description("auto|inline|file|drop")),
		mcp.WithString("contact_policy", mcp.Description("open|auto|contacts_only|block_all")),
	)}, func(ctx context.Context, args map[string]any) (any, error) {
		projectKey, err := requireString(args, "project_key")
		if err != nil {
			return nil, err
		}
		program, err := requireString(args, "program")
		if err != nil {
			return nil, err
		}
		agent, err := r.identity.RegisterAgent(ctx, identity.RegisterParams{
			ProjectKey:        projectKey,
			Name:              optionalString(args, "name"),
			Program:           program,
			Model:             optionalString(args, "model"),
			TaskDescription:   optionalString(args, "task_description"),
			AttachmentsPolicy: optionalString(args, "attachments_policy"),
			ContactPolicy:     optionalString(args, "contact_policy"),
		})
		if err != nil {
			return nil, err
		}
		r.logger.Printf("tools: register_agent %s in %s", agent.Name, projectKey)
		return agent, nil
	})

	r.addTool(s, serverTool{"create_agent_identity", mcp.NewTool("create_agent_identity",
		mcp.WithDescription("Coin a fresh agent identity with an adjective-noun name, optionally seeded by a hint."),
		mcp.WithString("project_key", mcp.Required(), mcp.Description("Project slug or path")),
		mcp.WithString("program", mcp.Required(), mcp.Description("Agent program")),
		mcp.WithString("model", mcp.Description("Model identifier")),
		mcp.WithString("name_hint", mcp.Description("Preferred name; normalized to CamelCase")),
		mcp.WithString("task_description", mcp.Description("What this agent is working on")),
	)}, func(ctx context.Context, args map[string]any) (any, error) {
		projectKey, err := requireString(args, "project_key")
		if err != nil {
			return nil, err
		}
		program, err := requireString(args, "program")
		if err != nil {
			return nil, err
		}
		return r.identity.CreateAgentIdentity(ctx, identity.RegisterParams{
			ProjectKey:      projectKey,
			Name:            optionalString(args, "name_hint"),
			Program:         program,
			Model:           optionalString(args, "model"),
			TaskDescription: optionalString(args, "task_description"),
		})
	})

	r.addTool(s, serverTool{"whois", mcp.NewTool("whois",
		mcp.WithDescription("Look up an agent's profile, optionally with its recent archive commits."),
		mcp.WithString("project_key", mcp.Required(), mcp.Description("Project slug or path")),
		mcp.WithString("agent_name", mcp.Required(), mcp.Description("Agent name")),
		mcp.WithBoolean("include_recent_commits", mcp.Description("Include the last archive commit subjects (default: false)")),
	)}, func(ctx context.Context, args map[string]any) (any, error) {
		projectKey, err := requireString(args, "project_key")
		if err != nil {
			return nil, err
		}
		agentName, err := requireString(args, "agent_name")
		if err != nil {
			return nil, err
		}
		return r.identity.Whois(ctx, projectKey, agentName, optionalBool(args, "include_recent_commits", false))
	})

	r.addTool(s, serverTool{"set_contact_policy", mcp.NewTool("set_contact_policy",
		mcp.WithDescription("Change who may message this agent from other projects."),
		mcp.WithString("project_key", mcp.Required(), mcp.Description("Project slug or path")),
		mcp.WithString("agent_name", mcp.Required(), mcp.Description("Agent name")),
		mcp.WithString("policy", mcp.Required(), mcp.Description("open|auto|contacts_only|block_all")),
	)}, func(ctx context.Context, args map[string]any) (any, error) {
		projectKey, err := requireString(args, "project_key")
		if err != nil {
			return nil, err
		}
		agentName, err := requireString(args, "agent_name")
		if err != nil {
			return nil, err
		}
		policy, err := requireString(args, "policy")
		if err != nil {
			return nil, err
		}
		if !domain.ValidContactPolicy(policy) {
			return nil, domain.Invalid("unknown contact policy %q", policy)
		}
		return r.identity.SetContactPolicy(ctx, projectKey, agentName, policy)
	})

	r.addTool(s, serverTool{"bind_window", mcp.NewTool("bind_window",
		mcp.WithDescription("Bind a terminal window to a persistent agent identity. The same window_uuid reclaims the same name across restarts."),
		mcp.WithString("project_key", mcp.Required(), mcp.Description("Project slug or path")),
		mcp.WithString("window_uuid", mcp.Description("Window UUID; minted when absent")),
		mcp.WithString("program", mcp.Required(), mcp.Description("Agent program")),
		mcp.WithString("model", mcp.Description("Model identifier")),
		mcp.WithString("name", mcp.Description("Preferred name for a fresh binding")),
	)}, func(ctx context.Context, args map[string]any) (any, error) {
		projectKey, err := requireString(args, "project_key")
		if err != nil {
			return nil, err
		}
		program, err := requireString(args, "program")
		if err != nil {
			return nil, err
		}
		agent, windowUUID, err := r.identity.BindWindow(ctx, projectKey, optionalString(args, "window_uuid"),
			identity.RegisterParams{
				ProjectKey: projectKey,
				Name:       optionalString(args, "name"),
				Program:    program,
				Model:      optionalString(args, "model"),
			})
		if err != nil {
			return nil, err
		}
		return map[string]any{"agent": agent, "window_uuid": windowUUID}, nil
	})
}
