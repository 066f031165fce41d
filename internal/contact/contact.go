// Package contact manages cross-project contact links and the delivery gate
// built on them: request, respond, list, and the policy check every
// cross-project send runs through.
package contact

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jaakkos/mailroom/internal/catalog"
	"github.com/jaakkos/mailroom/internal/config"
	"github.com/jaakkos/mailroom/internal/domain"
)

// Notifier delivers a system message to one agent. The messaging engine
// satisfies this after construction.
type Notifier interface {
	NotifyAgent(ctx context.Context, projectID, agentID int64, subject, body string) error
}

// Engine implements the contact operations and the send gate.
type Engine struct {
	catalog  *catalog.Catalog
	settings config.Settings
	logger   *log.Logger
	notifier Notifier
}

// NewEngine wires the contact engine.
func NewEngine(c *catalog.Catalog, s config.Settings, logger *log.Logger) *Engine {
	return &Engine{catalog: c, settings: s, logger: logger}
}

// SetNotifier installs the system-message sender used by Request.
func (e *Engine) SetNotifier(n Notifier) {
	e.notifier = n
}

// Request opens (or re-opens) a pending link from one agent to another and
// notifies the target. Requesting an already-approved link keeps it approved.
func (e *Engine) Request(ctx context.Context, fromProject *domain.Project, from *domain.Agent,
	toProject *domain.Project, to *domain.Agent, reason string) (*domain.AgentLink, error) {
	existing, err := e.catalog.LinkBetween(ctx, from.ID, to.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Status == domain.LinkApproved && existing.Usable(time.Now()) {
		return existing, nil
	}
	link, err := e.catalog.UpsertLink(ctx, &domain.AgentLink{
		AProjectID: fromProject.ID,
		AAgentID:   from.ID,
		BProjectID: toProject.ID,
		BAgentID:   to.ID,
		Status:     domain.LinkPending,
		Reason:     reason,
	})
	if err != nil {
		return nil, err
	}
	if e.notifier != nil {
		subject := fmt.Sprintf("Contact request from %s@%s", from.Name, fromProject.Slug)
		body := fmt.Sprintf("%s@%s asks to message you.\n\nReason: %s\n\nUse respond_contact to accept or block.",
			from.Name, fromProject.Slug, orDash(reason))
		if nerr := e.notifier.NotifyAgent(ctx, toProject.ID, to.ID, subject, body); nerr != nil {
			e.logger.Printf("contact: request notification to %s: %v", to.Name, nerr)
		}
	}
	return link, nil
}

// Respond decides a pending request addressed to the responder. accept=true
// approves with the configured TTL (0 means no expiry); accept=false blocks.
func (e *Engine) Respond(ctx context.Context, responder *domain.Agent, requester *domain.Agent,
	accept bool, ttl time.Duration) (*domain.AgentLink, error) {
	status := domain.LinkBlocked
	var expires *time.Time
	if accept {
		status = domain.LinkApproved
		if ttl > 0 {
			t := time.Now().Add(ttl)
			expires = &t
		}
	}
	return e.catalog.DecideLink(ctx, requester.ID, responder.ID, status, expires)
}

// ContactEntry is one row of list_contacts.
type ContactEntry struct {
	Agent     string     `json:"agent"`
	Project   string     `json:"project"`
	Status    string     `json:"status"`
	ExpiresTS *time.Time `json:"expires_ts,omitempty"`
}

// List returns the agent's outbound links with target names resolved.
func (e *Engine) List(ctx context.Context, agent *domain.Agent) ([]ContactEntry, error) {
	links, err := e.catalog.LinksFrom(ctx, agent.ID)
	if err != nil {
		return nil, err
	}
	out := make([]ContactEntry, 0, len(links))
	for _, l := range links {
		entry := ContactEntry{Status: l.Status, ExpiresTS: l.ExpiresTS}
		if a, err := e.catalog.AgentByID(ctx, l.BAgentID); err == nil {
			entry.Agent = a.Name
		}
		if p, err := e.catalog.ProjectByID(ctx, l.BProjectID); err == nil {
			entry.Project = p.Slug
		}
		out = append(out, entry)
	}
	return out, nil
}

// Gate decides whether sender may deliver to recipient. Same-project sends
// always pass. Cross-project requires the recipient's policy to be open, or
// an approved unexpired link sender→recipient. With auto-handshake enabled a
// missing link opens a pending request and surfaces CONTACT_PENDING.
func (e *Engine) Gate(ctx context.Context, senderProject *domain.Project, sender *domain.Agent,
	recipientProject *domain.Project, recipient *domain.Agent) error {
	if senderProject.ID == recipientProject.ID {
		return nil
	}
	if !e.settings.ContactEnforcement {
		return nil
	}
	if recipient.ContactPolicy == domain.ContactOpen {
		return nil
	}
	if recipient.ContactPolicy == domain.ContactBlockAll {
		return contactRequired(sender, recipient, recipientProject)
	}

	link, err := e.catalog.LinkBetween(ctx, sender.ID, recipient.ID)
	if err != nil {
		return err
	}
	now := time.Now()
	switch {
	case link != nil && link.Status == domain.LinkApproved && link.Usable(now):
		return nil
	case link != nil && link.Status == domain.LinkPending:
		return contactPending(sender, recipient, recipientProject)
	}

	if e.settings.AutoHandshakeOnBlock && (link == nil || link.Status != domain.LinkBlocked) {
		if _, rerr := e.Request(ctx, senderProject, sender, recipientProject, recipient,
			"auto-handshake on blocked send"); rerr != nil {
			return rerr
		}
		return contactPending(sender, recipient, recipientProject)
	}
	return contactRequired(sender, recipient, recipientProject)
}

func contactRequired(sender, recipient *domain.Agent, rp *domain.Project) error {
	return domain.E(domain.ErrContactRequired,
		"%s requires an approved contact link to message %s@%s", sender.Name, recipient.Name, rp.Slug).
		WithData(map[string]any{"recipient": recipient.Name, "project": rp.Slug})
}

func contactPending(sender, recipient *domain.Agent, rp *domain.Project) error {
	return domain.E(domain.ErrContactPending,
		"contact request from %s to %s@%s is awaiting a response", sender.Name, recipient.Name, rp.Slug).
		WithData(map[string]any{"recipient": recipient.Name, "project": rp.Slug})
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
