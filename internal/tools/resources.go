package tools

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jaakkos/mailroom/internal/catalog"
	"github.com/jaakkos/mailroom/internal/domain"
)

// registerResources adds the read-only URI surface. Every payload is JSON.
func (r *Registry) registerResources(s *server.MCPServer) {
	r.addResourceTemplate(s, "mailroom://project/{slug}", "Project profile",
		"Project row plus its registered agents.",
		func(ctx context.Context, u *url.URL) (any, error) {
			project, err := r.identity.ResolveProject(ctx, resourceKey(u))
			if err != nil {
				return nil, err
			}
			agents, err := r.catalog.ListAgents(ctx, project.ID)
			if err != nil {
				return nil, err
			}
			return map[string]any{"project": project, "agents": agents}, nil
		})

	r.addResourceTemplate(s, "mailroom://message/{id}{?project}", "Message",
		"One message with its recipient rows.",
		func(ctx context.Context, u *url.URL) (any, error) {
			project, err := r.identity.ResolveProject(ctx, u.Query().Get("project"))
			if err != nil {
				return nil, err
			}
			id, err := strconv.ParseInt(resourceKey(u), 10, 64)
			if err != nil {
				return nil, domain.Invalid("message id must be a number, got %q", resourceKey(u))
			}
			msg, err := r.catalog.MessageByID(ctx, project.ID, id)
			if err != nil {
				return nil, err
			}
			recipients, err := r.catalog.Recipients(ctx, msg.ID)
			if err != nil {
				return nil, err
			}
			return map[string]any{"message": msg, "recipients": recipients}, nil
		})

	r.addResourceTemplate(s, "mailroom://mailbox/{agent}{?project,limit}", "Mailbox",
		"An agent's inbox, newest first.",
		func(ctx context.Context, u *url.URL) (any, error) {
			items, err := r.messaging.Inbox(ctx, u.Query().Get("project"), resourceKey(u),
				catalog.InboxQuery{Limit: queryLimit(u), IncludeBodies: true})
			if err != nil {
				return nil, err
			}
			return map[string]any{"messages": items}, nil
		})

	r.addResourceTemplate(s, "mailroom://outbox/{agent}{?project,limit}", "Outbox",
		"An agent's sent messages, newest first.",
		func(ctx context.Context, u *url.URL) (any, error) {
			items, err := r.messaging.Outbox(ctx, u.Query().Get("project"), resourceKey(u),
				catalog.InboxQuery{Limit: queryLimit(u), IncludeBodies: true})
			if err != nil {
				return nil, err
			}
			return map[string]any{"messages": items}, nil
		})

	r.addResourceTemplate(s, "mailroom://file_reservations/{slug}{?active_only}", "File reservations",
		"A project's reservations.",
		func(ctx context.Context, u *url.URL) (any, error) {
			project, err := r.identity.ResolveProject(ctx, resourceKey(u))
			if err != nil {
				return nil, err
			}
			activeOnly := u.Query().Get("active_only") != "false"
			rs, err := r.reservations.List(ctx, project.ID, activeOnly)
			if err != nil {
				return nil, err
			}
			return map[string]any{"reservations": rs}, nil
		})
}

// addResourceTemplate registers one templated JSON resource.
func (r *Registry) addResourceTemplate(s *server.MCPServer, uriTemplate, name, description string,
	fn func(ctx context.Context, u *url.URL) (any, error)) {
	s.AddResourceTemplate(
		mcp.NewResourceTemplate(uriTemplate, name,
			mcp.WithTemplateDescription(description),
			mcp.WithTemplateMIMEType("application/json"),
		),
		func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
			u, err := url.Parse(req.Params.URI)
			if err != nil {
				return nil, domain.Invalid("malformed resource uri %q", req.Params.URI)
			}
			payload, err := fn(ctx, u)
			if err != nil {
				return nil, err
			}
			body, err := json.Marshal(payload)
			if err != nil {
				return nil, err
			}
			r.logger.Printf("tools: resource read %s", req.Params.URI)
			return []mcp.ResourceContents{
				mcp.TextResourceContents{
					URI:      req.Params.URI,
					MIMEType: "application/json",
					Text:     string(body),
				},
			}, nil
		},
	)
}

// resourceKey returns the path segment after the resource kind, e.g. the
// slug in mailroom://project/backend.
func resourceKey(u *url.URL) string {
	return strings.TrimPrefix(u.Path, "/")
}

func queryLimit(u *url.URL) int {
	if n, err := strconv.Atoi(u.Query().Get("limit")); err == nil && n > 0 {
		return n
	}
	return 20
}
