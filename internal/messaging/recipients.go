// Package messaging implements send/reply/inbox/outbox/read/ack, search,
// thread summarization, attachments, and the notification signals that make
// deliveries observable without polling.
package messaging

import (
	"context"
	"strings"

	"github.com/jaakkos/mailroom/internal/domain"
)

// recipientRef is one parsed recipient: an agent name plus an optional
// project reference. Grammar: `Name`, `Name@<project-slug-or-key>`,
// `project:<slug>#Name`.
type recipientRef struct {
	raw        string
	projectRef string // "" means the sender's project
	agentName  string
}

func parseRecipient(raw string) (recipientRef, error) {
	r := recipientRef{raw: raw}
	s := strings.TrimSpace(raw)
	if s == "" {
		return r, domain.Invalid("empty recipient")
	}
	if rest, ok := strings.CutPrefix(s, "project:"); ok {
		slug, name, found := strings.Cut(rest, "#")
		if !found || slug == "" || name == "" {
			return r, domain.Invalid("malformed recipient %q, want project:<slug>#Name", raw)
		}
		r.projectRef, r.agentName = slug, name
		return r, nil
	}
	if name, ref, found := strings.Cut(s, "@"); found {
		if name == "" || ref == "" {
			return r, domain.Invalid("malformed recipient %q, want Name@<project>", raw)
		}
		r.projectRef, r.agentName = ref, name
		return r, nil
	}
	r.agentName = s
	return r, nil
}

// resolved is one recipient after resolution: the concrete agent and its
// project plus the delivery kind.
type resolved struct {
	project *domain.Project
	agent   *domain.Agent
	kind    string
}

// resolveRecipients parses and resolves to/cc/bcc lists in order. A
// recipient listed twice keeps its first (strongest) kind.
func (e *Engine) resolveRecipients(ctx context.Context, senderProject *domain.Project,
	sender *domain.Agent, to, cc, bcc []string) ([]resolved, error) {
	var out []resolved
	seen := map[int64]bool{}
	for _, group := range []struct {
		kind  string
		names []string
	}{
		{domain.KindTo, to},
		{domain.KindCC, cc},
		{domain.KindBCC, bcc},
	} {
		for _, raw := range group.names {
			ref, err := parseRecipient(raw)
			if err != nil {
				return nil, err
			}
			r, err := e.resolveOne(ctx, senderProject, sender, ref, group.kind)
			if err != nil {
				return nil, err
			}
			if seen[r.agent.ID] {
				continue
			}
			seen[r.agent.ID] = true
			out = append(out, *r)
		}
	}
	if len(out) == 0 {
		return nil, domain.Invalid("at least one recipient is required")
	}
	return out, nil
}

func (e *Engine) resolveOne(ctx context.Context, senderProject *domain.Project,
	sender *domain.Agent, ref recipientRef, kind string) (*resolved, error) {
	project := senderProject
	if ref.projectRef != "" {
		p, err := e.identity.ResolveProject(ctx, ref.projectRef)
		if err != nil {
			return nil, domain.E(domain.ErrRecipientProjectNotFound,
				"recipient project %q not found for %q", ref.projectRef, ref.raw)
		}
		project = p
	}

	agent, err := e.catalog.AgentByName(ctx, project.ID, ref.agentName)
	if err != nil {
		if domain.Kind(err) != domain.ErrAgentNotFound {
			return nil, err
		}
		if !e.settings.AutoRegisterRecipients {
			return nil, domain.E(domain.ErrRecipientNotFound,
				"recipient %q not found in project %s", ref.agentName, project.Slug)
		}
		agent, err = e.catalog.UpsertAgent(ctx, &domain.Agent{
			ProjectID:         project.ID,
			Name:              ref.agentName,
			Program:           "unknown",
			AttachmentsPolicy: domain.AttachAuto,
			ContactPolicy:     domain.ContactAuto,
		})
		if err != nil {
			return nil, err
		}
	}

	if err := e.contacts.Gate(ctx, senderProject, sender, project, agent); err != nil {
		return nil, err
	}
	return &resolved{project: project, agent: agent, kind: kind}, nil
}
