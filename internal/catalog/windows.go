package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jaakkos/mailroom/internal/domain"
)

// BindWindow records or refreshes a window-to-agent-name binding so a fresh
// process in the same terminal window reclaims its identity.
func (c *Catalog) BindWindow(ctx context.Context, w *domain.WindowIdentity) error {
	return c.withRetry(ctx, func() error {
		if w.LastActiveTS.IsZero() {
			w.LastActiveTS = time.Now()
		}
		var expires any
		if w.ExpiresTS != nil {
			expires = fmtTime(*w.ExpiresTS)
		}
		_, err := c.db.ExecContext(ctx, `
			INSERT INTO window_identities (project_id, window_uuid, display_name, last_active_ts, expires_ts)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(project_id, window_uuid) DO UPDATE SET
				display_name = excluded.display_name,
				last_active_ts = excluded.last_active_ts,
				expires_ts = excluded.expires_ts`,
			w.ProjectID, w.WindowUUID, w.DisplayName, fmtTime(w.LastActiveTS), expires)
		return err
	})
}

// WindowByUUID loads a binding, or nil when the window has no identity yet
// or the binding has expired.
func (c *Catalog) WindowByUUID(ctx context.Context, projectID int64, uuid string) (*domain.WindowIdentity, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT project_id, window_uuid, display_name, last_active_ts, expires_ts
		FROM window_identities WHERE project_id = ? AND window_uuid = ?`,
		projectID, uuid)
	var w domain.WindowIdentity
	var lastActive string
	var expires sql.NullString
	if err := row.Scan(&w.ProjectID, &w.WindowUUID, &w.DisplayName, &lastActive, &expires); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("window identity: %w", err)
	}
	var err error
	if w.LastActiveTS, err = parseTime(lastActive, "window_identities last_active_ts"); err != nil {
		return nil, err
	}
	if w.ExpiresTS, err = scanNullTime(expires, "window_identities expires_ts"); err != nil {
		return nil, err
	}
	if w.ExpiresTS != nil && !w.ExpiresTS.After(time.Now()) {
		return nil, nil
	}
	return &w, nil
}

// PruneWindows drops expired bindings. Returns the number removed.
func (c *Catalog) PruneWindows(ctx context.Context, now time.Time) (int, error) {
	var n int64
	err := c.withRetry(ctx, func() error {
		res, err := c.db.ExecContext(ctx,
			"DELETE FROM window_identities WHERE expires_ts IS NOT NULL AND expires_ts <= ?",
			fmtTime(now))
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return int(n), err
}
