package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jaakkos/mailroom/internal/domain"
)

const agentColumns = `id, project_id, name, program, model, task_description,
	inception_ts, last_active_ts, attachments_policy, contact_policy, registration_token`

// UpsertAgent inserts an agent by (project, name) or refreshes its mutable
// fields. Name matching is case-insensitive (NOCASE collation).
func (c *Catalog) UpsertAgent(ctx context.Context, a *domain.Agent) (*domain.Agent, error) {
	var out *domain.Agent
	err := c.withRetry(ctx, func() error {
		now := time.Now()
		if a.InceptionTS.IsZero() {
			a.InceptionTS = now
		}
		if a.LastActiveTS.IsZero() {
			a.LastActiveTS = now
		}
		_, err := c.db.ExecContext(ctx, `
			INSERT INTO agents (project_id, name, program, model, task_description,
				inception_ts, last_active_ts, attachments_policy, contact_policy, registration_token)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(project_id, name) DO UPDATE SET
				program = excluded.program,
				model = excluded.model,
				task_description = CASE WHEN excluded.task_description != '' THEN excluded.task_description ELSE agents.task_description END,
				last_active_ts = excluded.last_active_ts`,
			a.ProjectID, a.Name, a.Program, a.Model, a.TaskDescription,
			fmtTime(a.InceptionTS), fmtTime(a.LastActiveTS),
			a.AttachmentsPolicy, a.ContactPolicy, a.RegistrationToken)
		if err != nil {
			return err
		}
		out, err = c.AgentByName(ctx, a.ProjectID, a.Name)
		return err
	})
	return out, err
}

// AgentByName loads an agent by case-insensitive name within a project.
// Returns AGENT_NOT_FOUND when absent.
func (c *Catalog) AgentByName(ctx context.Context, projectID int64, name string) (*domain.Agent, error) {
	row := c.db.QueryRowContext(ctx,
		"SELECT "+agentColumns+" FROM agents WHERE project_id = ? AND name = ?",
		projectID, name)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.E(domain.ErrAgentNotFound, "agent %q not found in project #%d", name, projectID)
	}
	return a, err
}

// AgentByID loads an agent by id.
func (c *Catalog) AgentByID(ctx context.Context, id int64) (*domain.Agent, error) {
	row := c.db.QueryRowContext(ctx,
		"SELECT "+agentColumns+" FROM agents WHERE id = ?", id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.E(domain.ErrAgentNotFound, "agent #%d not found", id)
	}
	return a, err
}

// ListAgents returns the agents of a project ordered by name.
func (c *Catalog) ListAgents(ctx context.Context, projectID int64) ([]domain.Agent, error) {
	rows, err := c.db.QueryContext(ctx,
		"SELECT "+agentColumns+" FROM agents WHERE project_id = ? ORDER BY name", projectID)
	if err != nil {
		return nil, fmt.Errorf("agents: %w", err)
	}
	defer rows.Close()

	var out []domain.Agent
	for rows.Next() {
		a, err := scanAgentRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// TouchAgentActive sets last_active_ts to now. Called on every successful
// tool call by the agent.
func (c *Catalog) TouchAgentActive(ctx context.Context, agentID int64) error {
	return c.withRetry(ctx, func() error {
		_, err := c.db.ExecContext(ctx,
			"UPDATE agents SET last_active_ts = ? WHERE id = ?", fmtTime(time.Now()), agentID)
		return err
	})
}

// SetAgentActiveAt overrides last_active_ts. Used by tests and admin tooling
// to age an agent for stale-reservation checks.
func (c *Catalog) SetAgentActiveAt(ctx context.Context, agentID int64, t time.Time) error {
	return c.withRetry(ctx, func() error {
		_, err := c.db.ExecContext(ctx,
			"UPDATE agents SET last_active_ts = ? WHERE id = ?", fmtTime(t), agentID)
		return err
	})
}

// SetContactPolicy updates the per-agent contact gate.
func (c *Catalog) SetContactPolicy(ctx context.Context, agentID int64, policy string) error {
	if !domain.ValidContactPolicy(policy) {
		return domain.Invalid("unknown contact policy %q", policy)
	}
	return c.withRetry(ctx, func() error {
		_, err := c.db.ExecContext(ctx,
			"UPDATE agents SET contact_policy = ? WHERE id = ?", policy, agentID)
		return err
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row *sql.Row) (*domain.Agent, error) {
	return scanAgentFrom(row)
}

func scanAgentRows(rows *sql.Rows) (*domain.Agent, error) {
	return scanAgentFrom(rows)
}

func scanAgentFrom(r rowScanner) (*domain.Agent, error) {
	var a domain.Agent
	var inception, lastActive string
	if err := r.Scan(&a.ID, &a.ProjectID, &a.Name, &a.Program, &a.Model, &a.TaskDescription,
		&inception, &lastActive, &a.AttachmentsPolicy, &a.ContactPolicy, &a.RegistrationToken); err != nil {
		return nil, err
	}
	var err error
	if a.InceptionTS, err = parseTime(inception, "agents inception_ts"); err != nil {
		return nil, err
	}
	if a.LastActiveTS, err = parseTime(lastActive, "agents last_active_ts"); err != nil {
		return nil, err
	}
	return &a, nil
}
