// Package catalog implements the SQL store of projects, agents, messages,
// recipients, reservations, contact links, and product groupings. It is the
// source of truth for queries; the archive journals the same mutations as
// git commits.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS projects (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	slug TEXT NOT NULL UNIQUE,
	human_key TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS agents (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id INTEGER NOT NULL REFERENCES projects(id),
	name TEXT NOT NULL COLLATE NOCASE,
	program TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	task_description TEXT NOT NULL DEFAULT '',
	inception_ts TEXT NOT NULL,
	last_active_ts TEXT NOT NULL,
	attachments_policy TEXT NOT NULL DEFAULT 'auto',
	contact_policy TEXT NOT NULL DEFAULT 'auto',
	registration_token TEXT NOT NULL DEFAULT '',
	UNIQUE(project_id, name)
);
CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id INTEGER NOT NULL REFERENCES projects(id),
	sender_id INTEGER NOT NULL REFERENCES agents(id),
	thread_id TEXT NOT NULL DEFAULT '',
	topic TEXT NOT NULL DEFAULT '',
	subject TEXT NOT NULL,
	body_md TEXT NOT NULL,
	importance TEXT NOT NULL DEFAULT 'normal',
	ack_required INTEGER NOT NULL DEFAULT 0,
	created_ts TEXT NOT NULL,
	archived_ts TEXT,
	attachments TEXT NOT NULL DEFAULT '[]'
);
CREATE TABLE IF NOT EXISTS message_recipients (
	message_id INTEGER NOT NULL REFERENCES messages(id),
	agent_id INTEGER NOT NULL REFERENCES agents(id),
	kind TEXT NOT NULL DEFAULT 'to',
	read_ts TEXT,
	ack_ts TEXT,
	PRIMARY KEY (message_id, agent_id)
);
CREATE TABLE IF NOT EXISTS file_reservations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id INTEGER NOT NULL REFERENCES projects(id),
	agent_id INTEGER NOT NULL REFERENCES agents(id),
	path_pattern TEXT NOT NULL,
	exclusive INTEGER NOT NULL DEFAULT 0,
	reason TEXT NOT NULL DEFAULT '',
	created_ts TEXT NOT NULL,
	expires_ts TEXT NOT NULL,
	released_ts TEXT
);
CREATE TABLE IF NOT EXISTS agent_links (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	a_project_id INTEGER NOT NULL REFERENCES projects(id),
	a_agent_id INTEGER NOT NULL REFERENCES agents(id),
	b_project_id INTEGER NOT NULL REFERENCES projects(id),
	b_agent_id INTEGER NOT NULL REFERENCES agents(id),
	status TEXT NOT NULL DEFAULT 'pending',
	reason TEXT NOT NULL DEFAULT '',
	created_ts TEXT NOT NULL,
	updated_ts TEXT NOT NULL,
	expires_ts TEXT,
	UNIQUE(a_agent_id, b_agent_id)
);
CREATE TABLE IF NOT EXISTS products (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS product_projects (
	product_id INTEGER NOT NULL REFERENCES products(id),
	project_id INTEGER NOT NULL REFERENCES projects(id),
	PRIMARY KEY (product_id, project_id)
);
CREATE TABLE IF NOT EXISTS window_identities (
	project_id INTEGER NOT NULL REFERENCES projects(id),
	window_uuid TEXT NOT NULL,
	display_name TEXT NOT NULL,
	last_active_ts TEXT NOT NULL,
	expires_ts TEXT,
	PRIMARY KEY (project_id, window_uuid)
);
`

const indexes = `
CREATE INDEX IF NOT EXISTS idx_messages_project_created ON messages(project_id, created_ts DESC);
CREATE INDEX IF NOT EXISTS idx_recipients_agent_message ON message_recipients(agent_id, message_id);
CREATE INDEX IF NOT EXISTS idx_reservations_project_state ON file_reservations(project_id, released_ts, expires_ts);
CREATE INDEX IF NOT EXISTS idx_links_a_project ON agent_links(a_project_id);
CREATE INDEX IF NOT EXISTS idx_links_b ON agent_links(b_project_id, b_agent_id);
`

// ftsSchema is the full-text index over message subject and body. Triggers
// keep it coherent with the content table. Messages are immutable once
// created, but the delete trigger guards admin-level cleanup.
const ftsSchema = `
CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
	subject,
	body_md,
	content='messages',
	content_rowid='id',
	tokenize='porter unicode61'
);
CREATE TRIGGER IF NOT EXISTS messages_fts_ai AFTER INSERT ON messages BEGIN
	INSERT INTO messages_fts(rowid, subject, body_md) VALUES (new.id, new.subject, new.body_md);
END;
CREATE TRIGGER IF NOT EXISTS messages_fts_ad AFTER DELETE ON messages BEGIN
	INSERT INTO messages_fts(messages_fts, rowid, subject, body_md) VALUES ('delete', old.id, old.subject, old.body_md);
END;
`

// Catalog wraps the SQLite database with per-entity repositories.
type Catalog struct {
	db      *sql.DB
	logger  *log.Logger
	breaker *breaker
	ftsOK   bool
}

// Open opens the catalog database at path, creating parent directories and
// the schema. WAL mode and a 60s busy wait cover the single-writer model;
// connections are recycled every 30 minutes.
func Open(path string, logger *log.Logger) (*Catalog, error) {
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("catalog mkdir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=60000")
	if err != nil {
		return nil, fmt.Errorf("catalog open: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("catalog schema: %w", err)
	}
	if _, err := db.Exec(indexes); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("catalog indexes: %w", err)
	}

	c := &Catalog{db: db, logger: logger, breaker: newBreaker()}

	// FTS5 may be unavailable in trimmed builds; search falls back to LIKE.
	if _, err := db.Exec(ftsSchema); err != nil {
		logger.Printf("Warning: FTS5 unavailable, search falls back to LIKE scan: %v", err)
	} else {
		c.ftsOK = true
	}
	return c, nil
}

// Close releases the database pool. Call on shutdown for a clean exit.
func (c *Catalog) Close() error {
	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	return err
}

// Checkpoint runs a passive WAL checkpoint. Background workers call this
// periodically so the WAL does not grow without bound between restarts.
func (c *Catalog) Checkpoint(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, "PRAGMA wal_checkpoint(PASSIVE)")
	return err
}

// timeLayout is fixed-width so stored TEXT timestamps sort lexicographically
// in instant order. RFC3339Nano would trim trailing fractional zeros, making
// "10:00:00Z" sort after "10:00:00.5Z" in SQL comparisons and MAX().
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// fmtTime renders t the way every column stores timestamps.
func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTime parses a stored timestamp with context for error messages.
func parseTime(s, context string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: parse timestamp %q: %w", context, s, err)
	}
	return t, nil
}

// nullTime renders an optional timestamp for storage.
func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

// scanNullTime converts a nullable TEXT column into *time.Time.
func scanNullTime(s sql.NullString, context string) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String, context)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
