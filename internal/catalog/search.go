package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jaakkos/mailroom/internal/domain"
)

// SearchHit is one ranked search result.
type SearchHit struct {
	Message domain.Message `json:"message"`
	From    string         `json:"from"`
	Rank    float64        `json:"rank"`
}

// SearchMessages searches subject and body across the given projects.
// FTS5 ranked match first; implementations without FTS fall back to a
// case-insensitive LIKE scan ordered newest first. Empty or unparseable
// queries return no hits rather than erroring.
func (c *Catalog) SearchMessages(ctx context.Context, projectIDs []int64, query string, limit int) ([]SearchHit, error) {
	if limit <= 0 {
		limit = 20
	}
	if len(projectIDs) == 0 || strings.TrimSpace(query) == "" {
		return nil, nil
	}
	if c.ftsOK {
		hits, err := c.searchFTS(ctx, projectIDs, query, limit)
		if err == nil {
			return hits, nil
		}
		// Malformed MATCH syntax or FTS trouble: degrade to the scan.
		c.logger.Printf("search: fts failed, falling back to LIKE: %v", err)
	}
	return c.searchLike(ctx, projectIDs, query, limit)
}

func (c *Catalog) searchFTS(ctx context.Context, projectIDs []int64, query string, limit int) ([]SearchHit, error) {
	fts := buildFTSQuery(query)
	if fts == "" {
		return nil, nil
	}
	args := []any{fts}
	q := `
		SELECT m.id, m.project_id, m.sender_id, m.thread_id, m.topic, m.subject, m.body_md,
			m.importance, m.ack_required, m.created_ts, m.archived_ts, m.attachments,
			s.name, f.rank
		FROM messages_fts f
		JOIN messages m ON m.id = f.rowid
		JOIN agents s ON s.id = m.sender_id
		WHERE messages_fts MATCH ? AND m.project_id IN (` + placeholders(len(projectIDs)) + `)
		ORDER BY f.rank LIMIT ?`
	for _, id := range projectIDs {
		args = append(args, id)
	}
	args = append(args, limit)

	rows, err := c.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("fts query: %w", err)
	}
	defer rows.Close()

	var out []SearchHit
	for rows.Next() {
		m, name, rank, err := scanSearchRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, SearchHit{Message: *m, From: name, Rank: rank})
	}
	return out, rows.Err()
}

func (c *Catalog) searchLike(ctx context.Context, projectIDs []int64, query string, limit int) ([]SearchHit, error) {
	terms := parseQuery(query)
	if len(terms) == 0 {
		return nil, nil
	}
	sb := strings.Builder{}
	sb.WriteString(`
		SELECT m.id, m.project_id, m.sender_id, m.thread_id, m.topic, m.subject, m.body_md,
			m.importance, m.ack_required, m.created_ts, m.archived_ts, m.attachments,
			s.name, 0.0
		FROM messages m
		JOIN agents s ON s.id = m.sender_id
		WHERE m.project_id IN (` + placeholders(len(projectIDs)) + `)`)
	var args []any
	for _, id := range projectIDs {
		args = append(args, id)
	}
	for _, t := range terms {
		like := "%" + t.text + "%"
		switch t.field {
		case "subject":
			sb.WriteString(" AND m.subject LIKE ?")
			args = append(args, like)
		case "body":
			sb.WriteString(" AND m.body_md LIKE ?")
			args = append(args, like)
		default:
			sb.WriteString(" AND (m.subject LIKE ? OR m.body_md LIKE ?)")
			args = append(args, like, like)
		}
	}
	sb.WriteString(" ORDER BY m.created_ts DESC, m.id DESC LIMIT ?")
	args = append(args, limit)

	rows, err := c.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("like scan: %w", err)
	}
	defer rows.Close()

	var out []SearchHit
	for rows.Next() {
		m, name, rank, err := scanSearchRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, SearchHit{Message: *m, From: name, Rank: rank})
	}
	return out, rows.Err()
}

func scanSearchRow(rows rowScanner) (*domain.Message, string, float64, error) {
	var m domain.Message
	var created, attachments, name string
	var archived sql.NullString
	var ackRequired int
	var rank float64
	if err := rows.Scan(&m.ID, &m.ProjectID, &m.SenderID, &m.ThreadID, &m.Topic, &m.Subject,
		&m.BodyMD, &m.Importance, &ackRequired, &created, &archived, &attachments,
		&name, &rank); err != nil {
		return nil, "", 0, err
	}
	m.AckRequired = ackRequired != 0
	var err error
	if m.CreatedTS, err = parseTime(created, "search created_ts"); err != nil {
		return nil, "", 0, err
	}
	if m.ArchivedTS, err = scanNullTime(archived, "search archived_ts"); err != nil {
		return nil, "", 0, err
	}
	return &m, name, rank, nil
}

// queryTerm is one parsed token of the search query language: bare tokens,
// subject:X, body:X, and quoted phrases.
type queryTerm struct {
	field string // "", "subject", "body"
	text  string
}

func parseQuery(q string) []queryTerm {
	var terms []queryTerm
	for _, tok := range tokenize(q) {
		field := ""
		if rest, ok := strings.CutPrefix(tok, "subject:"); ok {
			field, tok = "subject", rest
		} else if rest, ok := strings.CutPrefix(tok, "body:"); ok {
			field, tok = "body", rest
		}
		tok = strings.Trim(tok, `"`)
		if tok == "" {
			continue
		}
		terms = append(terms, queryTerm{field: field, text: tok})
	}
	return terms
}

// tokenize splits on whitespace but keeps quoted phrases together.
func tokenize(q string) []string {
	var toks []string
	var cur strings.Builder
	inQuote := false
	for _, r := range q {
		switch {
		case r == '"':
			inQuote = !inQuote
			cur.WriteRune(r)
		case !inQuote && (r == ' ' || r == '\t' || r == '\n'):
			if cur.Len() > 0 {
				toks = append(toks, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		toks = append(toks, cur.String())
	}
	return toks
}

// buildFTSQuery renders the parsed terms as an FTS5 MATCH expression with
// column filters for subject:/body: terms and quoted phrases preserved.
func buildFTSQuery(q string) string {
	var parts []string
	for _, t := range parseQuery(q) {
		text := sanitizeFTSToken(t.text)
		if text == "" {
			continue
		}
		quoted := `"` + text + `"`
		switch t.field {
		case "subject":
			parts = append(parts, "subject:"+quoted)
		case "body":
			parts = append(parts, "body_md:"+quoted)
		default:
			parts = append(parts, quoted)
		}
	}
	return strings.Join(parts, " ")
}

// sanitizeFTSToken strips FTS5 operator characters that would break MATCH.
func sanitizeFTSToken(s string) string {
	replacer := strings.NewReplacer(`"`, "", "'", "", "(", "", ")", "", "*", "", ":", "", "^", "", "{", "", "}", "")
	return strings.TrimSpace(replacer.Replace(s))
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
