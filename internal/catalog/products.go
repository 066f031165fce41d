package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jaakkos/mailroom/internal/domain"
)

// UpsertProduct inserts a product grouping by name or returns the existing
// row.
func (c *Catalog) UpsertProduct(ctx context.Context, name string) (*domain.Product, error) {
	var p *domain.Product
	err := c.withRetry(ctx, func() error {
		_, err := c.db.ExecContext(ctx, `
			INSERT INTO products (name, created_at) VALUES (?, ?)
			ON CONFLICT(name) DO NOTHING`,
			name, fmtTime(time.Now()))
		if err != nil {
			return err
		}
		p, err = c.ProductByName(ctx, name)
		return err
	})
	return p, err
}

// ProductByName loads a product by name.
func (c *Catalog) ProductByName(ctx context.Context, name string) (*domain.Product, error) {
	row := c.db.QueryRowContext(ctx,
		"SELECT id, name, created_at FROM products WHERE name = ?", name)
	var p domain.Product
	var created string
	if err := row.Scan(&p.ID, &p.Name, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.Invalid("product %q not found", name)
		}
		return nil, fmt.Errorf("product %q: %w", name, err)
	}
	var err error
	if p.CreatedAt, err = parseTime(created, "products"); err != nil {
		return nil, err
	}
	return &p, nil
}

// LinkProductProject ties a project into a product. Idempotent.
func (c *Catalog) LinkProductProject(ctx context.Context, productID, projectID int64) error {
	return c.withRetry(ctx, func() error {
		_, err := c.db.ExecContext(ctx, `
			INSERT INTO product_projects (product_id, project_id) VALUES (?, ?)
			ON CONFLICT DO NOTHING`, productID, projectID)
		return err
	})
}

// UnlinkProductProject removes a project from a product.
func (c *Catalog) UnlinkProductProject(ctx context.Context, productID, projectID int64) error {
	return c.withRetry(ctx, func() error {
		_, err := c.db.ExecContext(ctx,
			"DELETE FROM product_projects WHERE product_id = ? AND project_id = ?",
			productID, projectID)
		return err
	})
}

// ProductProjects returns the projects linked to a product, ordered by slug.
func (c *Catalog) ProductProjects(ctx context.Context, productID int64) ([]domain.Project, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT p.id, p.slug, p.human_key, p.created_at
		FROM product_projects pp JOIN projects p ON p.id = pp.project_id
		WHERE pp.product_id = ? ORDER BY p.slug`, productID)
	if err != nil {
		return nil, fmt.Errorf("product projects: %w", err)
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

// ProductsForProject returns the products a project belongs to.
func (c *Catalog) ProductsForProject(ctx context.Context, projectID int64) ([]domain.Product, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT pr.id, pr.name, pr.created_at
		FROM product_projects pp JOIN products pr ON pr.id = pp.product_id
		WHERE pp.project_id = ? ORDER BY pr.name`, projectID)
	if err != nil {
		return nil, fmt.Errorf("products for project: %w", err)
	}
	defer rows.Close()

	var out []domain.Product
	for rows.Next() {
		var p domain.Product
		var created string
		if err := rows.Scan(&p.ID, &p.Name, &created); err != nil {
			return nil, err
		}
		if p.CreatedAt, err = parseTime(created, "products"); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
