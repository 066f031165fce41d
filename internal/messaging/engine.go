package messaging

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jaakkos/mailroom/internal/archive"
	"github.com/jaakkos/mailroom/internal/catalog"
	"github.com/jaakkos/mailroom/internal/config"
	"github.com/jaakkos/mailroom/internal/contact"
	"github.com/jaakkos/mailroom/internal/domain"
	"github.com/jaakkos/mailroom/internal/identity"
	"github.com/jaakkos/mailroom/internal/reservation"
)

// Engine implements the messaging operations.
type Engine struct {
	catalog      *catalog.Catalog
	archive      *archive.Store
	identity     *identity.Service
	contacts     *contact.Engine
	reservations *reservation.Engine
	settings     config.Settings
	logger       *log.Logger
	signals      *signaler
	refiner      Refiner
}

// NewEngine wires the messaging engine.
func NewEngine(c *catalog.Catalog, a *archive.Store, id *identity.Service,
	ce *contact.Engine, re *reservation.Engine, s config.Settings, logger *log.Logger) *Engine {
	return &Engine{
		catalog:      c,
		archive:      a,
		identity:     id,
		contacts:     ce,
		reservations: re,
		settings:     s,
		logger:       logger,
		signals:      newSignaler(s.SignalDir(), s.NotificationsDebounce),
	}
}

// SetRefiner installs the optional summary refinement step.
func (e *Engine) SetRefiner(r Refiner) {
	e.refiner = r
}

// SendParams carries send_message arguments after project/sender resolution
// is still pending: ProjectKey and SenderName are resolved inside Send.
type SendParams struct {
	ProjectKey      string
	SenderName      string
	To, CC, BCC     []string
	Subject         string
	BodyMD          string
	ThreadID        string
	Topic           string
	Importance      string
	AckRequired     bool
	AttachmentPaths []string
	ConvertImages   bool
}

// SendResult is the send_message payload: one delivery per recipient project.
type SendResult struct {
	Deliveries []domain.Delivery `json:"deliveries"`
}

// Send performs the full send pipeline: resolve sender and recipients, gate
// on contacts, check reservation conflicts against the concrete paths the
// write will touch, insert the catalog rows, journal the archive commit,
// then fire signals and touch the sender's activity.
func (e *Engine) Send(ctx context.Context, p SendParams) (*SendResult, error) {
	if p.Subject == "" {
		return nil, domain.Invalid("subject is required")
	}
	if p.Importance == "" {
		p.Importance = domain.ImportanceNormal
	}
	if !domain.ValidImportance(p.Importance) {
		return nil, domain.Invalid("unknown importance %q", p.Importance)
	}

	project, err := e.identity.ResolveProject(ctx, p.ProjectKey)
	if err != nil {
		return nil, err
	}
	sender, err := e.catalog.AgentByName(ctx, project.ID, p.SenderName)
	if err != nil {
		return nil, err
	}
	recipients, err := e.resolveRecipients(ctx, project, sender, p.To, p.CC, p.BCC)
	if err != nil {
		return nil, err
	}

	bundle, err := e.loadAttachments(p.AttachmentPaths, sender.AttachmentsPolicy, p.ConvertImages)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	// The send gate runs against the concrete paths this write will touch.
	// The message id is not assigned yet; patterns match on the directory
	// shape, so a placeholder id is fine.
	targets := []string{archive.MessageRel(now, 0, p.Subject)}
	for _, r := range recipients {
		if r.project.ID == project.ID {
			targets = append(targets, archive.InboxRel(r.agent.Name, now, 0, p.Subject))
		}
	}
	conflicts, err := e.reservations.CheckPaths(ctx, project.ID, sender.ID, targets)
	if err != nil {
		return nil, err
	}
	if len(conflicts) > 0 {
		return nil, domain.E(domain.ErrReservationConflict,
			"send blocked by %d active reservation(s)", len(conflicts)).
			WithData(map[string]any{"conflicts": conflicts})
	}

	// One message row per recipient project: cross-project sends deliver a
	// copy into each target project's catalog and archive.
	byProject := map[int64][]resolved{}
	order := []int64{}
	for _, r := range recipients {
		if _, ok := byProject[r.project.ID]; !ok {
			order = append(order, r.project.ID)
		}
		byProject[r.project.ID] = append(byProject[r.project.ID], r)
	}

	result := &SendResult{}
	for _, projectID := range order {
		group := byProject[projectID]
		target := group[0].project

		specs := make([]catalog.RecipientSpec, 0, len(group))
		for _, r := range group {
			specs = append(specs, catalog.RecipientSpec{AgentID: r.agent.ID, Kind: r.kind})
		}
		msg, err := e.catalog.InsertMessage(ctx, &domain.Message{
			ProjectID:   target.ID,
			SenderID:    sender.ID,
			ThreadID:    p.ThreadID,
			Topic:       p.Topic,
			Subject:     p.Subject,
			BodyMD:      p.BodyMD,
			Importance:  p.Importance,
			AckRequired: p.AckRequired,
			CreatedTS:   now,
			Attachments: bundle.attachments,
		}, specs)
		if err != nil {
			return nil, err
		}

		e.archiveMessage(ctx, target, msg, sender.Name, group, bundle.files)
		e.fireSignals(target.Slug, group)

		result.Deliveries = append(result.Deliveries, domain.Delivery{
			Project: target.Slug,
			Payload: msg,
		})
	}

	if err := e.catalog.TouchAgentActive(ctx, sender.ID); err != nil {
		e.logger.Printf("messaging: touch sender activity: %v", err)
	}
	return result, nil
}

// archiveMessage journals the catalog row. Failures leave the row archive
// pending; the reconciler retries it (the catalog is never rolled back).
func (e *Engine) archiveMessage(ctx context.Context, project *domain.Project,
	msg *domain.Message, from string, group []resolved, files map[string][]byte) {
	var to, cc, bcc []string
	for _, r := range group {
		switch r.kind {
		case domain.KindCC:
			cc = append(cc, r.agent.Name)
		case domain.KindBCC:
			bcc = append(bcc, r.agent.Name)
		default:
			to = append(to, r.agent.Name)
		}
	}
	err := e.archive.WriteMessage(ctx, project.Slug, archive.MessageWrite{
		Message:     msg,
		From:        from,
		To:          to,
		CC:          cc,
		BCC:         bcc,
		Attachments: files,
	})
	if err != nil {
		e.logger.Printf("messaging: archive write for message #%d in %s (reconciler will retry): %v",
			msg.ID, project.Slug, err)
		return
	}
	if err := e.catalog.MarkArchived(ctx, msg.ID); err != nil {
		e.logger.Printf("messaging: mark archived #%d: %v", msg.ID, err)
	}
}

func (e *Engine) fireSignals(slug string, group []resolved) {
	if !e.settings.NotificationsEnabled {
		return
	}
	for _, r := range group {
		if err := e.signals.Touch(slug, r.agent.Name); err != nil {
			e.logger.Printf("messaging: signal for %s/%s: %v", slug, r.agent.Name, err)
		}
	}
}

// Reply sends into an existing message's thread. Absent recipients default
// to the original sender; the original subject gets a Re: prefix once.
func (e *Engine) Reply(ctx context.Context, projectKey string, messageID int64,
	senderName, bodyMD string, to, cc, bcc []string) (*SendResult, error) {
	project, err := e.identity.ResolveProject(ctx, projectKey)
	if err != nil {
		return nil, err
	}
	orig, err := e.catalog.MessageByID(ctx, project.ID, messageID)
	if err != nil {
		return nil, err
	}
	if len(to) == 0 {
		origSender, err := e.catalog.AgentByID(ctx, orig.SenderID)
		if err != nil {
			return nil, err
		}
		to = []string{origSender.Name}
	}
	subject := orig.Subject
	if len(subject) < 4 || subject[:4] != "Re: " {
		subject = "Re: " + subject
	}
	return e.Send(ctx, SendParams{
		ProjectKey: project.Slug,
		SenderName: senderName,
		To:         to,
		CC:         cc,
		BCC:        bcc,
		Subject:    subject,
		BodyMD:     bodyMD,
		ThreadID:   orig.ThreadKey(),
		Topic:      orig.Topic,
		Importance: orig.Importance,
	})
}

// NotifyAgent delivers a system message from the server to one agent. The
// reservation and contact engines use this for stale-release and handshake
// notices.
func (e *Engine) NotifyAgent(ctx context.Context, projectID, agentID int64, subject, body string) error {
	project, err := e.catalog.ProjectByID(ctx, projectID)
	if err != nil {
		return err
	}
	agent, err := e.catalog.AgentByID(ctx, agentID)
	if err != nil {
		return err
	}
	system, err := e.systemAgent(ctx, project)
	if err != nil {
		return err
	}
	msg, err := e.catalog.InsertMessage(ctx, &domain.Message{
		ProjectID:  project.ID,
		SenderID:   system.ID,
		Subject:    subject,
		BodyMD:     body,
		Importance: domain.ImportanceHigh,
		CreatedTS:  time.Now(),
	}, []catalog.RecipientSpec{{AgentID: agent.ID, Kind: domain.KindTo}})
	if err != nil {
		return err
	}
	e.archiveMessage(ctx, project, msg, system.Name,
		[]resolved{{project: project, agent: agent, kind: domain.KindTo}}, nil)
	e.fireSignals(project.Slug, []resolved{{project: project, agent: agent}})
	return nil
}

// systemAgent returns the per-project server identity, creating it on first
// use.
func (e *Engine) systemAgent(ctx context.Context, project *domain.Project) (*domain.Agent, error) {
	if a, err := e.catalog.AgentByName(ctx, project.ID, "Mailroom"); err == nil {
		return a, nil
	} else if domain.Kind(err) != domain.ErrAgentNotFound {
		return nil, err
	}
	return e.catalog.UpsertAgent(ctx, &domain.Agent{
		ProjectID:     project.ID,
		Name:          "Mailroom",
		Program:       "mailroom",
		ContactPolicy: domain.ContactOpen,
	})
}

// Inbox returns the agent's inbox page.
func (e *Engine) Inbox(ctx context.Context, projectKey, agentName string, q catalog.InboxQuery) ([]domain.InboxItem, error) {
	_, agent, err := e.resolveAgent(ctx, projectKey, agentName)
	if err != nil {
		return nil, err
	}
	items, err := e.catalog.FetchInbox(ctx, agent.ID, q)
	if err != nil {
		return nil, err
	}
	if err := e.catalog.TouchAgentActive(ctx, agent.ID); err != nil {
		e.logger.Printf("messaging: touch activity: %v", err)
	}
	return items, nil
}

// Outbox returns the agent's sent page.
func (e *Engine) Outbox(ctx context.Context, projectKey, agentName string, q catalog.InboxQuery) ([]domain.InboxItem, error) {
	_, agent, err := e.resolveAgent(ctx, projectKey, agentName)
	if err != nil {
		return nil, err
	}
	return e.catalog.ListOutbox(ctx, agent.ID, q)
}

// MarkRead stamps read_ts for the agent's delivery of a message.
func (e *Engine) MarkRead(ctx context.Context, projectKey, agentName string, messageID int64) error {
	_, agent, err := e.resolveAgent(ctx, projectKey, agentName)
	if err != nil {
		return err
	}
	return e.catalog.MarkRead(ctx, messageID, agent.ID)
}

// Acknowledge stamps ack_ts (and read_ts) for the agent's delivery.
func (e *Engine) Acknowledge(ctx context.Context, projectKey, agentName string, messageID int64) error {
	_, agent, err := e.resolveAgent(ctx, projectKey, agentName)
	if err != nil {
		return err
	}
	return e.catalog.Acknowledge(ctx, messageID, agent.ID)
}

// Search runs the message search across one project, or across all projects
// of a product when productWide is requested.
func (e *Engine) Search(ctx context.Context, projectKey, query string, limit int, product string) ([]catalog.SearchHit, error) {
	var projectIDs []int64
	if product != "" {
		prod, err := e.catalog.ProductByName(ctx, product)
		if err != nil {
			return nil, err
		}
		projects, err := e.catalog.ProductProjects(ctx, prod.ID)
		if err != nil {
			return nil, err
		}
		for _, p := range projects {
			projectIDs = append(projectIDs, p.ID)
		}
	} else {
		project, err := e.identity.ResolveProject(ctx, projectKey)
		if err != nil {
			return nil, err
		}
		projectIDs = []int64{project.ID}
	}
	return e.catalog.SearchMessages(ctx, projectIDs, query, limit)
}

// SummarizeThread builds the structural summary for a thread. The singleton
// form msg:<id> summarizes one message.
func (e *Engine) SummarizeThread(ctx context.Context, projectKey, threadID string) (*domain.ThreadSummary, error) {
	project, err := e.identity.ResolveProject(ctx, projectKey)
	if err != nil {
		return nil, err
	}
	msgs, err := e.catalog.ThreadMessages(ctx, project.ID, threadID)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, domain.Invalid("thread %q has no messages in project %s", threadID, project.Slug)
	}
	return e.summarize(ctx, threadID, msgs)
}

// ReconcileArchives re-emits archive writes for catalog rows whose commit
// never landed. Returns the number reconciled.
func (e *Engine) ReconcileArchives(ctx context.Context, batch int) (int, error) {
	projects, err := e.catalog.ListProjects(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, project := range projects {
		pending, err := e.catalog.UnarchivedMessages(ctx, project.ID, batch)
		if err != nil {
			return total, err
		}
		for _, msg := range pending {
			recipients, err := e.catalog.Recipients(ctx, msg.ID)
			if err != nil {
				return total, err
			}
			group := make([]resolved, 0, len(recipients))
			for _, r := range recipients {
				if a, err := e.catalog.AgentByID(ctx, r.AgentID); err == nil {
					group = append(group, resolved{project: &project, agent: a, kind: r.Kind})
				}
			}
			from := ""
			if a, err := e.catalog.AgentByID(ctx, msg.SenderID); err == nil {
				from = a.Name
			}
			m := msg
			e.archiveMessage(ctx, &project, &m, from, group, nil)
			total++
		}
	}
	return total, nil
}

func (e *Engine) resolveAgent(ctx context.Context, projectKey, agentName string) (*domain.Project, *domain.Agent, error) {
	project, err := e.identity.ResolveProject(ctx, projectKey)
	if err != nil {
		return nil, nil, err
	}
	agent, err := e.catalog.AgentByName(ctx, project.ID, agentName)
	if err != nil {
		return nil, nil, err
	}
	return project, agent, nil
}

// ThreadKeyFor exposes the singleton thread form for callers that only hold
// a message id.
func ThreadKeyFor(messageID int64) string {
	return fmt.Sprintf("msg:%d", messageID)
}
