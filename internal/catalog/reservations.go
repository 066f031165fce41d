package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jaakkos/mailroom/internal/domain"
)

const reservationColumns = `id, project_id, agent_id, path_pattern, exclusive,
	reason, created_ts, expires_ts, released_ts`

// InsertReservations inserts a batch of reservations in one transaction so a
// multi-pattern grant is observed atomically. Returns the stored rows.
func (c *Catalog) InsertReservations(ctx context.Context, rs []domain.FileReservation) ([]domain.FileReservation, error) {
	var out []domain.FileReservation
	err := c.withRetry(ctx, func() error {
		tx, err := c.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		out = out[:0]
		for _, r := range rs {
			res, err := tx.ExecContext(ctx, `
				INSERT INTO file_reservations (project_id, agent_id, path_pattern, exclusive,
					reason, created_ts, expires_ts)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				r.ProjectID, r.AgentID, r.PathPattern, boolInt(r.Exclusive),
				r.Reason, fmtTime(r.CreatedTS), fmtTime(r.ExpiresTS))
			if err != nil {
				return err
			}
			r.ID, err = res.LastInsertId()
			if err != nil {
				return err
			}
			out = append(out, r)
		}
		return tx.Commit()
	})
	return out, err
}

// ActiveReservations returns live reservations for a project: not released
// and not expired at the given instant.
func (c *Catalog) ActiveReservations(ctx context.Context, projectID int64, now time.Time) ([]domain.FileReservation, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT `+reservationColumns+` FROM file_reservations
		WHERE project_id = ? AND released_ts IS NULL AND expires_ts > ?
		ORDER BY id`, projectID, fmtTime(now))
	if err != nil {
		return nil, fmt.Errorf("active reservations: %w", err)
	}
	return collectReservations(rows)
}

// ListReservations returns all reservations for a project, optionally only
// the active ones.
func (c *Catalog) ListReservations(ctx context.Context, projectID int64, activeOnly bool) ([]domain.FileReservation, error) {
	if activeOnly {
		return c.ActiveReservations(ctx, projectID, time.Now())
	}
	rows, err := c.db.QueryContext(ctx, `
		SELECT `+reservationColumns+` FROM file_reservations
		WHERE project_id = ? ORDER BY id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("reservations: %w", err)
	}
	return collectReservations(rows)
}

// ReservationByID loads a single reservation.
func (c *Catalog) ReservationByID(ctx context.Context, projectID, id int64) (*domain.FileReservation, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT `+reservationColumns+` FROM file_reservations
		WHERE project_id = ? AND id = ?`, projectID, id)
	r, err := scanReservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.Invalid("reservation #%d not found in project #%d", id, projectID)
	}
	return r, err
}

// ReleaseReservations marks the given reservation ids released now.
// Returns the count of rows actually transitioned (already-released rows are
// left untouched so history stays consistent).
func (c *Catalog) ReleaseReservations(ctx context.Context, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var n int64
	err := c.withRetry(ctx, func() error {
		now := fmtTime(time.Now())
		args := make([]any, 0, len(ids)+1)
		args = append(args, now)
		for _, id := range ids {
			args = append(args, id)
		}
		res, err := c.db.ExecContext(ctx, `
			UPDATE file_reservations SET released_ts = ?
			WHERE id IN (`+placeholders(len(ids))+`) AND released_ts IS NULL`, args...)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return int(n), err
}

// RenewReservations extends expires_ts to max(expires_ts, now+extend) for the
// given ids. Never shortens a reservation.
func (c *Catalog) RenewReservations(ctx context.Context, ids []int64, extend time.Duration) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var n int64
	err := c.withRetry(ctx, func() error {
		target := fmtTime(time.Now().Add(extend))
		args := make([]any, 0, len(ids)+1)
		args = append(args, target)
		for _, id := range ids {
			args = append(args, id)
		}
		res, err := c.db.ExecContext(ctx, `
			UPDATE file_reservations SET expires_ts = MAX(expires_ts, ?)
			WHERE id IN (`+placeholders(len(ids))+`) AND released_ts IS NULL`, args...)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return int(n), err
}

// ExpiredUnreleased returns reservations past expiry that were never marked
// released, across all projects. The sweep worker flips these.
func (c *Catalog) ExpiredUnreleased(ctx context.Context, now time.Time) ([]domain.FileReservation, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT `+reservationColumns+` FROM file_reservations
		WHERE released_ts IS NULL AND expires_ts <= ?
		ORDER BY project_id, id`, fmtTime(now))
	if err != nil {
		return nil, fmt.Errorf("expired reservations: %w", err)
	}
	return collectReservations(rows)
}

func collectReservations(rows *sql.Rows) ([]domain.FileReservation, error) {
	defer rows.Close()
	var out []domain.FileReservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func scanReservation(r rowScanner) (*domain.FileReservation, error) {
	var fr domain.FileReservation
	var created, expires string
	var released sql.NullString
	var exclusive int
	if err := r.Scan(&fr.ID, &fr.ProjectID, &fr.AgentID, &fr.PathPattern, &exclusive,
		&fr.Reason, &created, &expires, &released); err != nil {
		return nil, err
	}
	fr.Exclusive = exclusive != 0
	var err error
	if fr.CreatedTS, err = parseTime(created, "reservations created_ts"); err != nil {
		return nil, err
	}
	if fr.ExpiresTS, err = parseTime(expires, "reservations expires_ts"); err != nil {
		return nil, err
	}
	if fr.ReleasedTS, err = scanNullTime(released, "reservations released_ts"); err != nil {
		return nil, err
	}
	return &fr, nil
}
