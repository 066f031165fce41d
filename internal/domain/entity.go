// Package domain holds coordination-bus entities and the structured error
// taxonomy. It has no dependencies on other packages.
package domain

import (
	"fmt"
	"time"
)

// Importance levels for messages.
const (
	ImportanceLow    = "low"
	ImportanceNormal = "normal"
	ImportanceHigh   = "high"
	ImportanceUrgent = "urgent"
)

// ValidImportance reports whether s is a recognized importance level.
func ValidImportance(s string) bool {
	switch s {
	case ImportanceLow, ImportanceNormal, ImportanceHigh, ImportanceUrgent:
		return true
	}
	return false
}

// AttachmentsPolicy controls how an agent's inbound attachments are stored.
// The inline and file values double as attachment entry types; missing marks
// an entry whose source path could not be read.
const (
	AttachAuto    = "auto"
	AttachInline  = "inline"
	AttachFile    = "file"
	AttachDrop    = "drop"
	AttachMissing = "missing"
)

// ContactPolicy controls who may message an agent across projects.
const (
	ContactOpen         = "open"
	ContactAuto         = "auto"
	ContactContactsOnly = "contacts_only"
	ContactBlockAll     = "block_all"
)

// ValidContactPolicy reports whether s is a recognized contact policy.
func ValidContactPolicy(s string) bool {
	switch s {
	case ContactOpen, ContactAuto, ContactContactsOnly, ContactBlockAll:
		return true
	}
	return false
}

// Link statuses for cross-project contact edges.
const (
	LinkPending  = "pending"
	LinkApproved = "approved"
	LinkBlocked  = "blocked"
)

// Recipient kinds.
const (
	KindTo  = "to"
	KindCC  = "cc"
	KindBCC = "bcc"
)

// Project is a coordination namespace tied to a working copy.
type Project struct {
	ID        int64     `json:"id"`
	Slug      string    `json:"slug"`
	HumanKey  string    `json:"human_key"`
	CreatedAt time.Time `json:"created_at"`
}

// Agent is a tool-using identity registered within a project.
// (ProjectID, Name) is unique; names are matched case-insensitively.
type Agent struct {
	ID                int64     `json:"id"`
	ProjectID         int64     `json:"project_id"`
	Name              string    `json:"name"`
	Program           string    `json:"program"`
	Model             string    `json:"model"`
	TaskDescription   string    `json:"task_description,omitempty"`
	InceptionTS       time.Time `json:"inception_ts"`
	LastActiveTS      time.Time `json:"last_active_ts"`
	AttachmentsPolicy string    `json:"attachments_policy"`
	ContactPolicy     string    `json:"contact_policy"`
	RegistrationToken string    `json:"registration_token,omitempty"`
}

// Attachment is one tagged entry in a message's attachment list.
// Type is "inline" (data URI embedded), "file" (content-addressed copy under
// the archive), or "missing" (the source path could not be read).
type Attachment struct {
	Type         string `json:"type"`
	MediaType    string `json:"media_type,omitempty"`
	Bytes        int64  `json:"bytes,omitempty"`
	SHA256       string `json:"sha256,omitempty"`
	DataURI      string `json:"data_uri,omitempty"`
	Path         string `json:"path,omitempty"`
	OriginalPath string `json:"original_path,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Message is an immutable message between agents. ThreadID groups messages;
// an absent thread behaves as the singleton thread "msg:<id>".
type Message struct {
	ID          int64        `json:"id"`
	ProjectID   int64        `json:"project_id"`
	SenderID    int64        `json:"sender_id"`
	ThreadID    string       `json:"thread_id,omitempty"`
	Topic       string       `json:"topic,omitempty"`
	Subject     string       `json:"subject"`
	BodyMD      string       `json:"body_md"`
	Importance  string       `json:"importance"`
	AckRequired bool         `json:"ack_required"`
	CreatedTS   time.Time    `json:"created_ts"`
	ArchivedTS  *time.Time   `json:"archived_ts,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// ThreadKey returns the effective thread id: ThreadID when set, otherwise the
// singleton thread "msg:<id>".
func (m *Message) ThreadKey() string {
	if m.ThreadID != "" {
		return m.ThreadID
	}
	return fmt.Sprintf("msg:%d", m.ID)
}

// MessageRecipient is one (message, agent) delivery row.
type MessageRecipient struct {
	MessageID int64      `json:"message_id"`
	AgentID   int64      `json:"agent_id"`
	Kind      string     `json:"kind"`
	ReadTS    *time.Time `json:"read_ts,omitempty"`
	AckTS     *time.Time `json:"ack_ts,omitempty"`
}

// FileReservation is an advisory declaration over a path pattern.
// Active iff ReleasedTS is nil and ExpiresTS is in the future.
type FileReservation struct {
	ID          int64      `json:"id"`
	ProjectID   int64      `json:"project_id"`
	AgentID     int64      `json:"agent_id"`
	PathPattern string     `json:"path_pattern"`
	Exclusive   bool       `json:"exclusive"`
	Reason      string     `json:"reason,omitempty"`
	CreatedTS   time.Time  `json:"created_ts"`
	ExpiresTS   time.Time  `json:"expires_ts"`
	ReleasedTS  *time.Time `json:"released_ts,omitempty"`
}

// Active reports whether the reservation is live at the given instant.
func (r *FileReservation) Active(now time.Time) bool {
	return r.ReleasedTS == nil && r.ExpiresTS.After(now)
}

// AgentLink is a directed cross-project contact edge.
type AgentLink struct {
	ID         int64      `json:"id"`
	AProjectID int64      `json:"a_project_id"`
	AAgentID   int64      `json:"a_agent_id"`
	BProjectID int64      `json:"b_project_id"`
	BAgentID   int64      `json:"b_agent_id"`
	Status     string     `json:"status"`
	Reason     string     `json:"reason,omitempty"`
	CreatedTS  time.Time  `json:"created_ts"`
	UpdatedTS  time.Time  `json:"updated_ts"`
	ExpiresTS  *time.Time `json:"expires_ts,omitempty"`
}

// Usable reports whether the link authorizes delivery at the given instant.
func (l *AgentLink) Usable(now time.Time) bool {
	if l.Status != LinkApproved {
		return false
	}
	return l.ExpiresTS == nil || l.ExpiresTS.After(now)
}

// Product is a named set of projects for cross-project inbox and search.
type Product struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// ProductProjectLink ties a project into a product grouping.
type ProductProjectLink struct {
	ProductID int64 `json:"product_id"`
	ProjectID int64 `json:"project_id"`
}

// WindowIdentity is a persistent per-terminal-window agent binding, so an
// agent restarted in the same window keeps its identity.
type WindowIdentity struct {
	ProjectID    int64      `json:"project_id"`
	WindowUUID   string     `json:"window_uuid"`
	DisplayName  string     `json:"display_name"`
	LastActiveTS time.Time  `json:"last_active_ts"`
	ExpiresTS    *time.Time `json:"expires_ts,omitempty"`
}

// Delivery is one entry of a send result: the target project slug plus the
// message as delivered there.
type Delivery struct {
	Project string   `json:"project"`
	Payload *Message `json:"payload"`
}

// InboxItem is a recipient row joined with its message, as returned by
// inbox/outbox queries.
type InboxItem struct {
	MessageID   int64      `json:"id"`
	From        string     `json:"from"`
	Subject     string     `json:"subject"`
	ThreadID    string     `json:"thread_id,omitempty"`
	Topic       string     `json:"topic,omitempty"`
	Importance  string     `json:"importance"`
	AckRequired bool       `json:"ack_required"`
	Kind        string     `json:"kind"`
	CreatedTS   time.Time  `json:"created_ts"`
	ReadTS      *time.Time `json:"read_ts,omitempty"`
	AckTS       *time.Time `json:"ack_ts,omitempty"`
	BodyMD      string     `json:"body_md,omitempty"`
}

// ReservationConflict reports one overlapping active exclusive reservation
// held by another agent.
type ReservationConflict struct {
	Pattern string              `json:"pattern"`
	Holders []ReservationHolder `json:"holders"`
}

// ReservationHolder identifies the owner of a conflicting reservation.
type ReservationHolder struct {
	ID        int64     `json:"id"`
	Agent     string    `json:"agent"`
	Pattern   string    `json:"pattern"`
	ExpiresTS time.Time `json:"expires_ts"`
}

// ThreadSummary is the structural summary of a message thread.
type ThreadSummary struct {
	ThreadID     string    `json:"thread_id"`
	Participants []string  `json:"participants"`
	MessageCount int       `json:"message_count"`
	FirstTS      time.Time `json:"first_ts"`
	LastTS       time.Time `json:"last_ts"`
	KeyPoints    []string  `json:"key_points,omitempty"`
	ActionItems  []string  `json:"action_items,omitempty"`
}
