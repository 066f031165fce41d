package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jaakkos/mailroom/internal/domain"
)

const linkColumns = `id, a_project_id, a_agent_id, b_project_id, b_agent_id,
	status, reason, created_ts, updated_ts, expires_ts`

// UpsertLink records or refreshes a directed contact edge from A to B.
// A repeated request keeps the original created_ts; a request after denial
// reopens the edge with the new status.
func (c *Catalog) UpsertLink(ctx context.Context, l *domain.AgentLink) (*domain.AgentLink, error) {
	var out *domain.AgentLink
	err := c.withRetry(ctx, func() error {
		now := time.Now()
		if l.CreatedTS.IsZero() {
			l.CreatedTS = now
		}
		var expires any
		if l.ExpiresTS != nil {
			expires = fmtTime(*l.ExpiresTS)
		}
		_, err := c.db.ExecContext(ctx, `
			INSERT INTO agent_links (a_project_id, a_agent_id, b_project_id, b_agent_id,
				status, reason, created_ts, updated_ts, expires_ts)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(a_agent_id, b_agent_id) DO UPDATE SET
				status = excluded.status,
				reason = CASE WHEN excluded.reason != '' THEN excluded.reason ELSE agent_links.reason END,
				updated_ts = excluded.updated_ts,
				expires_ts = excluded.expires_ts`,
			l.AProjectID, l.AAgentID, l.BProjectID, l.BAgentID,
			l.Status, l.Reason, fmtTime(l.CreatedTS), fmtTime(now), expires)
		if err != nil {
			return err
		}
		out, err = c.LinkBetween(ctx, l.AAgentID, l.BAgentID)
		return err
	})
	return out, err
}

// LinkBetween loads the directed edge from A to B, or nil when none exists.
func (c *Catalog) LinkBetween(ctx context.Context, aID, bID int64) (*domain.AgentLink, error) {
	row := c.db.QueryRowContext(ctx,
		"SELECT "+linkColumns+" FROM agent_links WHERE a_agent_id = ? AND b_agent_id = ?",
		aID, bID)
	l, err := scanLink(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return l, err
}

// DecideLink flips an edge to approved or denied and stamps updated_ts.
// An approval may carry an expiry.
func (c *Catalog) DecideLink(ctx context.Context, aID, bID int64, status string, expires *time.Time) (*domain.AgentLink, error) {
	var out *domain.AgentLink
	err := c.withRetry(ctx, func() error {
		var exp any
		if expires != nil {
			exp = fmtTime(*expires)
		}
		res, err := c.db.ExecContext(ctx, `
			UPDATE agent_links SET status = ?, updated_ts = ?, expires_ts = ?
			WHERE a_agent_id = ? AND b_agent_id = ?`,
			status, fmtTime(time.Now()), exp, aID, bID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return domain.Invalid("no contact request from agent #%d to agent #%d", aID, bID)
		}
		out, err = c.LinkBetween(ctx, aID, bID)
		return err
	})
	return out, err
}

// LinksFrom lists edges originating at the agent, newest first.
func (c *Catalog) LinksFrom(ctx context.Context, aID int64) ([]domain.AgentLink, error) {
	return c.listLinks(ctx, "a_agent_id", aID)
}

// LinksTo lists edges pointing at the agent, newest first. Used to surface
// pending inbound requests.
func (c *Catalog) LinksTo(ctx context.Context, bID int64) ([]domain.AgentLink, error) {
	return c.listLinks(ctx, "b_agent_id", bID)
}

func (c *Catalog) listLinks(ctx context.Context, col string, id int64) ([]domain.AgentLink, error) {
	rows, err := c.db.QueryContext(ctx,
		"SELECT "+linkColumns+" FROM agent_links WHERE "+col+" = ? ORDER BY created_ts DESC, id DESC", id)
	if err != nil {
		return nil, fmt.Errorf("agent links: %w", err)
	}
	defer rows.Close()

	var out []domain.AgentLink
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

func scanLink(r rowScanner) (*domain.AgentLink, error) {
	var l domain.AgentLink
	var created, updated string
	var expires sql.NullString
	if err := r.Scan(&l.ID, &l.AProjectID, &l.AAgentID, &l.BProjectID, &l.BAgentID,
		&l.Status, &l.Reason, &created, &updated, &expires); err != nil {
		return nil, err
	}
	var err error
	if l.CreatedTS, err = parseTime(created, "agent_links created_ts"); err != nil {
		return nil, err
	}
	if l.UpdatedTS, err = parseTime(updated, "agent_links updated_ts"); err != nil {
		return nil, err
	}
	if l.ExpiresTS, err = scanNullTime(expires, "agent_links expires_ts"); err != nil {
		return nil, err
	}
	return &l, nil
}
