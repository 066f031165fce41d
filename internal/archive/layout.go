// Package archive maintains the per-project git working trees that journal
// every coordination change: canonical message bodies, per-recipient inbox
// copies, agent profiles, reservation sidecars, and content-addressed
// attachments. The catalog answers queries; the archive is the audit trail.
package archive

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"gopkg.in/yaml.v3"

	"github.com/jaakkos/mailroom/internal/domain"
)

// Blob is one file staged into a commit, path relative to the archive root.
type Blob struct {
	Rel  string
	Data []byte
}

// ProjectProfileRel is the project metadata sidecar.
const ProjectProfileRel = "profile.json"

// AgentProfileRel returns agents/<name>/profile.json.
func AgentProfileRel(agent string) string {
	return filepath.Join("agents", agent, "profile.json")
}

// MessageRel returns the canonical copy path,
// messages/<YYYY>/<MM>/<id>-<subject-slug>.md.
func MessageRel(ts time.Time, id int64, subject string) string {
	return filepath.Join("messages", monthDir(ts), fileStem(id, subject)+".md")
}

// InboxRel returns the per-recipient copy path,
// agents/<name>/inbox/<YYYY>/<MM>/<id>-<subject-slug>.md.
func InboxRel(agent string, ts time.Time, id int64, subject string) string {
	return filepath.Join("agents", agent, "inbox", monthDir(ts), fileStem(id, subject)+".md")
}

// AttachmentRel returns the content-addressed path,
// attachments/<sha[:2]>/<sha>.<ext>.
func AttachmentRel(sha256hex, ext string) string {
	ext = strings.TrimPrefix(ext, ".")
	name := sha256hex
	if ext != "" {
		name += "." + ext
	}
	return filepath.Join("attachments", sha256hex[:2], name)
}

// ReservationRel returns file_reservations/<id>.json.
func ReservationRel(id int64) string {
	return filepath.Join("file_reservations", fmt.Sprintf("%d.json", id))
}

func monthDir(ts time.Time) string {
	ts = ts.UTC()
	return filepath.Join(fmt.Sprintf("%04d", ts.Year()), fmt.Sprintf("%02d", ts.Month()))
}

func fileStem(id int64, subject string) string {
	slug := Slugify(subject)
	if slug == "" {
		slug = "message"
	}
	return fmt.Sprintf("%d-%s", id, slug)
}

// Slugify lowercases and collapses a subject into a filesystem-safe slug,
// capped at 60 runes.
func Slugify(s string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastDash = false
		case !lastDash:
			b.WriteByte('-')
			lastDash = true
		}
		if b.Len() >= 60 {
			break
		}
	}
	return strings.Trim(b.String(), "-")
}

// messageFrontMatter is the YAML header of a stored message file.
type messageFrontMatter struct {
	ID         int64    `yaml:"id"`
	ThreadID   string   `yaml:"thread_id,omitempty"`
	Topic      string   `yaml:"topic,omitempty"`
	From       string   `yaml:"from"`
	To         []string `yaml:"to,omitempty"`
	CC         []string `yaml:"cc,omitempty"`
	BCC        []string `yaml:"bcc,omitempty"`
	Subject    string   `yaml:"subject"`
	Importance string   `yaml:"importance"`
	AckRequired bool    `yaml:"ack_required"`
	CreatedTS  string   `yaml:"created_ts"`
	Attachments []domain.Attachment `yaml:"attachments,omitempty"`
}

// RenderMessage produces the canonical markdown file: YAML front matter
// between --- fences followed by the body. The same bytes are written to the
// canonical path and every recipient inbox copy.
func RenderMessage(m *domain.Message, from string, to, cc, bcc []string) ([]byte, error) {
	fm := messageFrontMatter{
		ID:          m.ID,
		ThreadID:    m.ThreadID,
		Topic:       m.Topic,
		From:        from,
		To:          to,
		CC:          cc,
		BCC:         bcc,
		Subject:     m.Subject,
		Importance:  m.Importance,
		AckRequired: m.AckRequired,
		CreatedTS:   m.CreatedTS.UTC().Format(time.RFC3339Nano),
		Attachments: m.Attachments,
	}
	head, err := yaml.Marshal(&fm)
	if err != nil {
		return nil, fmt.Errorf("render front matter: %w", err)
	}
	var b strings.Builder
	b.WriteString("---\n")
	b.Write(head)
	b.WriteString("---\n\n")
	b.WriteString(m.BodyMD)
	if !strings.HasSuffix(m.BodyMD, "\n") {
		b.WriteByte('\n')
	}
	return []byte(b.String()), nil
}
