package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jaakkos/mailroom/internal/domain"
)

// UpsertProject inserts a project by slug or refreshes its human key.
// Returns the stored row either way; repeated calls with the same slug are
// idempotent and never create duplicates.
func (c *Catalog) UpsertProject(ctx context.Context, slug, humanKey string) (*domain.Project, error) {
	var p *domain.Project
	err := c.withRetry(ctx, func() error {
		now := fmtTime(time.Now())
		_, err := c.db.ExecContext(ctx, `
			INSERT INTO projects (slug, human_key, created_at) VALUES (?, ?, ?)
			ON CONFLICT(slug) DO UPDATE SET human_key = excluded.human_key`,
			slug, humanKey, now)
		if err != nil {
			return err
		}
		p, err = c.ProjectBySlug(ctx, slug)
		return err
	})
	return p, err
}

// ProjectBySlug loads a project by slug. Returns PROJECT_NOT_FOUND when absent.
func (c *Catalog) ProjectBySlug(ctx context.Context, slug string) (*domain.Project, error) {
	row := c.db.QueryRowContext(ctx,
		"SELECT id, slug, human_key, created_at FROM projects WHERE slug = ?", slug)
	return scanProject(row, slug)
}

// ProjectByID loads a project by id.
func (c *Catalog) ProjectByID(ctx context.Context, id int64) (*domain.Project, error) {
	row := c.db.QueryRowContext(ctx,
		"SELECT id, slug, human_key, created_at FROM projects WHERE id = ?", id)
	return scanProject(row, fmt.Sprintf("#%d", id))
}

// ProjectByHumanKey loads a project by its canonical human key.
func (c *Catalog) ProjectByHumanKey(ctx context.Context, humanKey string) (*domain.Project, error) {
	row := c.db.QueryRowContext(ctx,
		"SELECT id, slug, human_key, created_at FROM projects WHERE human_key = ?", humanKey)
	return scanProject(row, humanKey)
}

// ListProjects returns all projects ordered by slug.
func (c *Catalog) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := c.db.QueryContext(ctx,
		"SELECT id, slug, human_key, created_at FROM projects ORDER BY slug")
	if err != nil {
		return nil, fmt.Errorf("projects: %w", err)
	}
	defer rows.Close()

	var out []domain.Project
	for rows.Next() {
		var p domain.Project
		var created string
		if err := rows.Scan(&p.ID, &p.Slug, &p.HumanKey, &created); err != nil {
			return nil, err
		}
		if p.CreatedAt, err = parseTime(created, "projects"); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanProject(row *sql.Row, key string) (*domain.Project, error) {
	var p domain.Project
	var created string
	if err := row.Scan(&p.ID, &p.Slug, &p.HumanKey, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.E(domain.ErrProjectNotFound, "project %s not found", key)
		}
		return nil, fmt.Errorf("project %s: %w", key, err)
	}
	var err error
	if p.CreatedAt, err = parseTime(created, "projects"); err != nil {
		return nil, err
	}
	return &p, nil
}
