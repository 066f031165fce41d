package workers

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jaakkos/mailroom/internal/catalog"
	"github.com/jaakkos/mailroom/internal/domain"
	"github.com/jaakkos/mailroom/internal/reservation"
)

// Notifier delivers a system message to one agent.
type Notifier interface {
	NotifyAgent(ctx context.Context, projectID, agentID int64, subject, body string) error
}

// AckMonitor warns recipients about ack-required messages left unacknowledged
// past the TTL. With escalation enabled it additionally places a shared
// system reservation on the recipient's inbox surface so the overdue ack
// shows up in reservation listings.
type AckMonitor struct {
	catalog      *catalog.Catalog
	reservations *reservation.Engine
	notifier     Notifier
	logger       *log.Logger

	interval   time.Duration
	ackTTL     time.Duration
	escalation bool

	stopCh chan struct{}
	doneCh chan struct{}

	// alerted dedupes warnings per delivery so a slow ack is flagged once.
	alerted map[ackKey]bool
}

type ackKey struct {
	messageID int64
	agentID   int64
}

// NewAckMonitor creates the monitor.
func NewAckMonitor(c *catalog.Catalog, re *reservation.Engine, n Notifier,
	interval, ackTTL time.Duration, escalation bool, logger *log.Logger) *AckMonitor {
	return &AckMonitor{
		catalog:      c,
		reservations: re,
		notifier:     n,
		logger:       logger,
		interval:     interval,
		ackTTL:       ackTTL,
		escalation:   escalation,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
		alerted:      make(map[ackKey]bool),
	}
}

func (m *AckMonitor) Name() string { return "ack-monitor" }

// Start runs the check loop until ctx is cancelled or Stop is called.
func (m *AckMonitor) Start(ctx context.Context) {
	defer close(m.doneCh)
	m.logger.Printf("ack-monitor: started (interval=%s, ttl=%s, escalation=%v)",
		m.interval, m.ackTTL, m.escalation)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.RunOnce(ctx)
		}
	}
}

// Stop signals the loop and waits for it to exit.
func (m *AckMonitor) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

// RunOnce performs one overdue-ack scan.
func (m *AckMonitor) RunOnce(ctx context.Context) {
	overdue, err := m.catalog.OverdueAcks(ctx, time.Now().Add(-m.ackTTL))
	if err != nil {
		m.logger.Printf("ack-monitor: %v", err)
		return
	}
	for _, o := range overdue {
		key := ackKey{messageID: o.MessageID, agentID: o.AgentID}
		if m.alerted[key] {
			continue
		}
		m.alerted[key] = true

		agent, err := m.catalog.AgentByID(ctx, o.AgentID)
		if err != nil {
			m.logger.Printf("ack-monitor: resolve agent %d: %v", o.AgentID, err)
			continue
		}
		subject := fmt.Sprintf("Acknowledgement overdue for message #%d", o.MessageID)
		body := fmt.Sprintf("Message #%d (%s) required an acknowledgement and has waited %s.\n\nUse acknowledge_message to clear it.",
			o.MessageID, o.Subject, time.Since(o.CreatedTS).Round(time.Second))
		if err := m.notifier.NotifyAgent(ctx, agent.ProjectID, agent.ID, subject, body); err != nil {
			m.logger.Printf("ack-monitor: warn %s about #%d: %v", agent.Name, o.MessageID, err)
		}
		m.logger.Printf("ack-monitor: message #%d unacked by %s past TTL", o.MessageID, agent.Name)

		if m.escalation {
			m.escalate(ctx, agent, o)
		}
	}
}

// escalate places a shared system reservation over the recipient's inbox so
// the overdue ack is visible in reservation listings.
func (m *AckMonitor) escalate(ctx context.Context, agent *domain.Agent, o catalog.OverdueAck) {
	project, err := m.catalog.ProjectByID(ctx, agent.ProjectID)
	if err != nil {
		m.logger.Printf("ack-monitor: escalate project %d: %v", agent.ProjectID, err)
		return
	}
	system, err := m.catalog.UpsertAgent(ctx, &domain.Agent{
		ProjectID:     project.ID,
		Name:          "Mailroom",
		Program:       "mailroom",
		ContactPolicy: domain.ContactOpen,
	})
	if err != nil {
		m.logger.Printf("ack-monitor: escalate system agent: %v", err)
		return
	}
	pattern := fmt.Sprintf("agents/%s/inbox/**", agent.Name)
	reason := fmt.Sprintf("ack overdue for message #%d", o.MessageID)
	if _, err := m.reservations.Grant(ctx, project, system, []string{pattern}, m.ackTTL, false, reason); err != nil {
		m.logger.Printf("ack-monitor: escalate reservation for %s: %v", agent.Name, err)
	}
}
