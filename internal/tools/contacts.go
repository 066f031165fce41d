package tools

import (
	"context"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jaakkos/mailroom/internal/domain"
)

func (r *Registry) registerContacts(s *server.MCPServer) {
	r.addTool(s, serverTool{"request_contact", mcp.NewTool("request_contact",
		mcp.WithDescription("Ask another project's agent for permission to message them. The target gets a system message."),
		mcp.WithString("project_key", mcp.Required(), mcp.Description("Requester's project slug or path")),
		mcp.WithString("agent_name", mcp.Required(), mcp.Description("Requesting agent")),
		mcp.WithString("to_project", mcp.Required(), mcp.Description("Target project slug or path")),
		mcp.WithString("to_agent", mcp.Required(), mcp.Description("Target agent name")),
		mcp.WithString("reason", mcp.Description("Why contact is needed")),
	)}, func(ctx context.Context, args map[string]any) (any, error) {
		fromProject, fromAgent, err := r.resolveAgent(ctx, args)
		if err != nil {
			return nil, err
		}
		toProjectKey, err := requireString(args, "to_project")
		if err != nil {
			return nil, err
		}
		toAgentName, err := requireString(args, "to_agent")
		if err != nil {
			return nil, err
		}
		toProject, err := r.identity.ResolveProject(ctx, toProjectKey)
		if err != nil {
			return nil, err
		}
		toAgent, err := r.catalog.AgentByName(ctx, toProject.ID, toAgentName)
		if err != nil {
			return nil, err
		}
		link, err := r.contacts.Request(ctx, fromProject, fromAgent, toProject, toAgent, optionalString(args, "reason"))
		if err != nil {
			return nil, err
		}
		r.logger.Printf("tools: request_contact %s@%s -> %s@%s", fromAgent.Name, fromProject.Slug, toAgent.Name, toProject.Slug)
		return link, nil
	})

	r.addTool(s, serverTool{"respond_contact", mcp.NewTool("respond_contact",
		mcp.WithDescription("Accept or block a pending contact request addressed to this agent."),
		mcp.WithString("project_key", mcp.Required(), mcp.Description("Responder's project slug or path")),
		mcp.WithString("agent_name", mcp.Required(), mcp.Description("Responding agent")),
		mcp.WithString("from_project", mcp.Required(), mcp.Description("Requester's project slug or path")),
		mcp.WithString("from_agent", mcp.Required(), mcp.Description("Requesting agent name")),
		mcp.WithBoolean("accept", mcp.Required(), mcp.Description("true approves, false blocks")),
		mcp.WithNumber("ttl_seconds", mcp.Description("Approval lifetime; 0 means no expiry")),
	)}, func(ctx context.Context, args map[string]any) (any, error) {
		_, responder, err := r.resolveAgent(ctx, args)
		if err != nil {
			return nil, err
		}
		fromProjectKey, err := requireString(args, "from_project")
		if err != nil {
			return nil, err
		}
		fromAgentName, err := requireString(args, "from_agent")
		if err != nil {
			return nil, err
		}
		fromProject, err := r.identity.ResolveProject(ctx, fromProjectKey)
		if err != nil {
			return nil, err
		}
		requester, err := r.catalog.AgentByName(ctx, fromProject.ID, fromAgentName)
		if err != nil {
			return nil, err
		}
		accept, ok := args["accept"].(bool)
		if !ok {
			return nil, domain.Invalid("accept is required")
		}
		ttl := time.Duration(optionalInt(args, "ttl_seconds", 0)) * time.Second
		return r.contacts.Respond(ctx, responder, requester, accept, ttl)
	})

	r.addTool(s, serverTool{"list_contacts", mcp.NewTool("list_contacts",
		mcp.WithDescription("List this agent's outbound contact links."),
		mcp.WithString("project_key", mcp.Required(), mcp.Description("Project slug or path")),
		mcp.WithString("agent_name", mcp.Required(), mcp.Description("Agent name")),
	)}, func(ctx context.Context, args map[string]any) (any, error) {
		_, agent, err := r.resolveAgent(ctx, args)
		if err != nil {
			return nil, err
		}
		entries, err := r.contacts.List(ctx, agent)
		if err != nil {
			return nil, err
		}
		return map[string]any{"contacts": entries}, nil
	})
}
