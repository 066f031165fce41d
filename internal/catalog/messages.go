package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jaakkos/mailroom/internal/domain"
)

// RecipientSpec names one recipient for an insert.
type RecipientSpec struct {
	AgentID int64
	Kind    string
}

// InsertMessage inserts a message row plus its recipient rows in one
// transaction and returns the stored message. Every message has at least one
// recipient; callers enforce that before the insert.
func (c *Catalog) InsertMessage(ctx context.Context, m *domain.Message, recipients []RecipientSpec) (*domain.Message, error) {
	if len(recipients) == 0 {
		return nil, domain.Invalid("message requires at least one recipient")
	}
	var out *domain.Message
	err := c.withRetry(ctx, func() error {
		tx, err := c.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if m.CreatedTS.IsZero() {
			m.CreatedTS = time.Now()
		}
		attachments, err := json.Marshal(m.Attachments)
		if err != nil {
			return fmt.Errorf("marshal attachments: %w", err)
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO messages (project_id, sender_id, thread_id, topic, subject, body_md,
				importance, ack_required, created_ts, attachments)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ProjectID, m.SenderID, m.ThreadID, m.Topic, m.Subject, m.BodyMD,
			m.Importance, boolInt(m.AckRequired), fmtTime(m.CreatedTS), string(attachments))
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		for _, r := range recipients {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO message_recipients (message_id, agent_id, kind) VALUES (?, ?, ?)
				ON CONFLICT(message_id, agent_id) DO NOTHING`,
				id, r.AgentID, r.Kind); err != nil {
				return err
			}
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		stored := *m
		stored.ID = id
		out = &stored
		return nil
	})
	return out, err
}

// MessageByID loads a message within a project.
func (c *Catalog) MessageByID(ctx context.Context, projectID, id int64) (*domain.Message, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT id, project_id, sender_id, thread_id, topic, subject, body_md,
			importance, ack_required, created_ts, archived_ts, attachments
		FROM messages WHERE project_id = ? AND id = ?`, projectID, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.Invalid("message #%d not found in project #%d", id, projectID)
	}
	return m, err
}

// Recipients returns the recipient rows of a message.
func (c *Catalog) Recipients(ctx context.Context, messageID int64) ([]domain.MessageRecipient, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT message_id, agent_id, kind, read_ts, ack_ts
		FROM message_recipients WHERE message_id = ?`, messageID)
	if err != nil {
		return nil, fmt.Errorf("recipients: %w", err)
	}
	defer rows.Close()

	var out []domain.MessageRecipient
	for rows.Next() {
		var r domain.MessageRecipient
		var readTS, ackTS sql.NullString
		if err := rows.Scan(&r.MessageID, &r.AgentID, &r.Kind, &readTS, &ackTS); err != nil {
			return nil, err
		}
		if r.ReadTS, err = scanNullTime(readTS, "recipients read_ts"); err != nil {
			return nil, err
		}
		if r.AckTS, err = scanNullTime(ackTS, "recipients ack_ts"); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// InboxQuery filters fetch_inbox and list_outbox.
type InboxQuery struct {
	Limit         int
	IncludeBodies bool
	UrgentOnly    bool
	SinceTS       *time.Time
	Topic         string
	ThreadID      string
}

// FetchInbox returns recipient rows joined with messages for one agent,
// newest first, ties broken by id. One round trip; the covering index on
// (agent_id, message_id) keeps the join flat.
func (c *Catalog) FetchInbox(ctx context.Context, agentID int64, q InboxQuery) ([]domain.InboxItem, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	sb := strings.Builder{}
	sb.WriteString(`
		SELECT m.id, s.name, m.subject, m.thread_id, m.topic, m.importance, m.ack_required,
			r.kind, m.created_ts, r.read_ts, r.ack_ts, m.body_md
		FROM message_recipients r
		JOIN messages m ON m.id = r.message_id
		JOIN agents s ON s.id = m.sender_id
		WHERE r.agent_id = ?`)
	args := []any{agentID}
	appendInboxFilters(&sb, &args, q)
	sb.WriteString(" ORDER BY m.created_ts DESC, m.id DESC LIMIT ?")
	args = append(args, limit)

	return c.queryInboxItems(ctx, sb.String(), args, q.IncludeBodies)
}

// ListOutbox is FetchInbox's mirror by sender. Kind is reported per message
// as "to" since the sender addresses all recipients.
func (c *Catalog) ListOutbox(ctx context.Context, senderID int64, q InboxQuery) ([]domain.InboxItem, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	sb := strings.Builder{}
	sb.WriteString(`
		SELECT m.id, s.name, m.subject, m.thread_id, m.topic, m.importance, m.ack_required,
			'to', m.created_ts, NULL, NULL, m.body_md
		FROM messages m
		JOIN agents s ON s.id = m.sender_id
		WHERE m.sender_id = ?`)
	args := []any{senderID}
	appendInboxFilters(&sb, &args, q)
	sb.WriteString(" ORDER BY m.created_ts DESC, m.id DESC LIMIT ?")
	args = append(args, limit)

	return c.queryInboxItems(ctx, sb.String(), args, q.IncludeBodies)
}

func appendInboxFilters(sb *strings.Builder, args *[]any, q InboxQuery) {
	if q.UrgentOnly {
		sb.WriteString(" AND m.importance IN ('high', 'urgent')")
	}
	if q.SinceTS != nil {
		sb.WriteString(" AND m.created_ts > ?")
		*args = append(*args, fmtTime(*q.SinceTS))
	}
	if q.Topic != "" {
		sb.WriteString(" AND m.topic = ?")
		*args = append(*args, q.Topic)
	}
	if q.ThreadID != "" {
		sb.WriteString(" AND m.thread_id = ?")
		*args = append(*args, q.ThreadID)
	}
}

func (c *Catalog) queryInboxItems(ctx context.Context, query string, args []any, includeBodies bool) ([]domain.InboxItem, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("inbox query: %w", err)
	}
	defer rows.Close()

	var out []domain.InboxItem
	for rows.Next() {
		var it domain.InboxItem
		var created string
		var readTS, ackTS sql.NullString
		var ackRequired int
		var body string
		if err := rows.Scan(&it.MessageID, &it.From, &it.Subject, &it.ThreadID, &it.Topic,
			&it.Importance, &ackRequired, &it.Kind, &created, &readTS, &ackTS, &body); err != nil {
			return nil, err
		}
		it.AckRequired = ackRequired != 0
		if it.CreatedTS, err = parseTime(created, "inbox created_ts"); err != nil {
			return nil, err
		}
		if it.ReadTS, err = scanNullTime(readTS, "inbox read_ts"); err != nil {
			return nil, err
		}
		if it.AckTS, err = scanNullTime(ackTS, "inbox ack_ts"); err != nil {
			return nil, err
		}
		if includeBodies {
			it.BodyMD = body
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// MarkRead sets read_ts for one (message, agent) row if not already set.
func (c *Catalog) MarkRead(ctx context.Context, messageID, agentID int64) error {
	return c.withRetry(ctx, func() error {
		res, err := c.db.ExecContext(ctx, `
			UPDATE message_recipients SET read_ts = COALESCE(read_ts, ?)
			WHERE message_id = ? AND agent_id = ?`,
			fmtTime(time.Now()), messageID, agentID)
		if err != nil {
			return err
		}
		return requireRow(res, messageID, agentID)
	})
}

// Acknowledge sets ack_ts, and read_ts too when the message was never marked
// read: an acknowledgment implies the recipient saw it.
func (c *Catalog) Acknowledge(ctx context.Context, messageID, agentID int64) error {
	return c.withRetry(ctx, func() error {
		now := fmtTime(time.Now())
		res, err := c.db.ExecContext(ctx, `
			UPDATE message_recipients SET
				read_ts = COALESCE(read_ts, ?),
				ack_ts = COALESCE(ack_ts, ?)
			WHERE message_id = ? AND agent_id = ?`,
			now, now, messageID, agentID)
		if err != nil {
			return err
		}
		return requireRow(res, messageID, agentID)
	})
}

func requireRow(res sql.Result, messageID, agentID int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.Invalid("agent #%d is not a recipient of message #%d", agentID, messageID)
	}
	return nil
}

// ThreadMessages returns all messages of a thread in a project, oldest first.
// The singleton form "msg:<id>" resolves to that single message.
func (c *Catalog) ThreadMessages(ctx context.Context, projectID int64, threadID string) ([]domain.Message, error) {
	var rows *sql.Rows
	var err error
	if id, ok := strings.CutPrefix(threadID, "msg:"); ok {
		rows, err = c.db.QueryContext(ctx, `
			SELECT id, project_id, sender_id, thread_id, topic, subject, body_md,
				importance, ack_required, created_ts, archived_ts, attachments
			FROM messages WHERE project_id = ? AND id = ?`, projectID, id)
	} else {
		rows, err = c.db.QueryContext(ctx, `
			SELECT id, project_id, sender_id, thread_id, topic, subject, body_md,
				importance, ack_required, created_ts, archived_ts, attachments
			FROM messages WHERE project_id = ? AND thread_id = ?
			ORDER BY created_ts, id`, projectID, threadID)
	}
	if err != nil {
		return nil, fmt.Errorf("thread: %w", err)
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// OverdueAcks returns recipient rows with ack_required still unacknowledged
// past the TTL. The ACK monitor worker drives warnings off this.
type OverdueAck struct {
	MessageID int64
	AgentID   int64
	Subject   string
	CreatedTS time.Time
}

// OverdueAcks lists unacknowledged ack-required deliveries older than cutoff.
func (c *Catalog) OverdueAcks(ctx context.Context, cutoff time.Time) ([]OverdueAck, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT r.message_id, r.agent_id, m.subject, m.created_ts
		FROM message_recipients r
		JOIN messages m ON m.id = r.message_id
		WHERE m.ack_required = 1 AND r.ack_ts IS NULL AND m.created_ts <= ?`,
		fmtTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("overdue acks: %w", err)
	}
	defer rows.Close()

	var out []OverdueAck
	for rows.Next() {
		var o OverdueAck
		var created string
		if err := rows.Scan(&o.MessageID, &o.AgentID, &o.Subject, &created); err != nil {
			return nil, err
		}
		if o.CreatedTS, err = parseTime(created, "overdue created_ts"); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// UnarchivedMessages returns committed catalog rows whose archive write has
// not completed. The reconciler re-emits those writes (catalog precedes
// archive; the row is never rolled back).
func (c *Catalog) UnarchivedMessages(ctx context.Context, projectID int64, limit int) ([]domain.Message, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, project_id, sender_id, thread_id, topic, subject, body_md,
			importance, ack_required, created_ts, archived_ts, attachments
		FROM messages WHERE project_id = ? AND archived_ts IS NULL
		ORDER BY id LIMIT ?`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("unarchived: %w", err)
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// MarkArchived records that the archive commit for a message landed.
func (c *Catalog) MarkArchived(ctx context.Context, messageID int64) error {
	return c.withRetry(ctx, func() error {
		_, err := c.db.ExecContext(ctx,
			"UPDATE messages SET archived_ts = ? WHERE id = ?", fmtTime(time.Now()), messageID)
		return err
	})
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func scanMessage(r rowScanner) (*domain.Message, error) {
	var m domain.Message
	var created string
	var archived sql.NullString
	var ackRequired int
	var attachments string
	if err := r.Scan(&m.ID, &m.ProjectID, &m.SenderID, &m.ThreadID, &m.Topic, &m.Subject,
		&m.BodyMD, &m.Importance, &ackRequired, &created, &archived, &attachments); err != nil {
		return nil, err
	}
	m.AckRequired = ackRequired != 0
	var err error
	if m.CreatedTS, err = parseTime(created, "messages created_ts"); err != nil {
		return nil, err
	}
	if m.ArchivedTS, err = scanNullTime(archived, "messages archived_ts"); err != nil {
		return nil, err
	}
	if attachments != "" && attachments != "[]" {
		if err := json.Unmarshal([]byte(attachments), &m.Attachments); err != nil {
			return nil, fmt.Errorf("messages attachments: %w", err)
		}
	}
	return &m, nil
}
