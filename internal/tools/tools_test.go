package tools

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jaakkos/mailroom/internal/config"
	"github.com/jaakkos/mailroom/internal/domain"
)

func registerTestAgent(t *testing.T, f *fixture, projectKey, name string) {
	t.Helper()
	result := mustCall(t, f.server, "register_agent", map[string]any{
		"project_key": projectKey,
		"program":     "codex",
		"model":       "gpt-5",
		"name":        name,
	})
	if result.IsError {
		t.Fatalf("register_agent %s: %s", name, resultText(t, result))
	}
}

func TestBasicSendRoundTrip(t *testing.T) {
	f := newFixture(t, nil)

	var project domain.Project
	resultJSON(t, mustCall(t, f.server, "ensure_project", map[string]any{
		"human_key": "/backend",
	}), &project)
	if project.Slug != "backend" {
		t.Fatalf("slug = %q", project.Slug)
	}

	registerTestAgent(t, f, "/backend", "BlueLake")

	var sent struct {
		Deliveries []domain.Delivery `json:"deliveries"`
	}
	resultJSON(t, mustCall(t, f.server, "send_message", map[string]any{
		"project_key": "/backend",
		"sender_name": "BlueLake",
		"to":          []any{"BlueLake"},
		"subject":     "Test",
		"body_md":     "hello",
	}), &sent)
	if len(sent.Deliveries) != 1 || sent.Deliveries[0].Payload.Subject != "Test" {
		t.Fatalf("deliveries = %+v", sent.Deliveries)
	}

	var inbox struct {
		Messages []domain.InboxItem `json:"messages"`
	}
	resultJSON(t, mustCall(t, f.server, "fetch_inbox", map[string]any{
		"project_key": "/backend",
		"agent_name":  "BlueLake",
	}), &inbox)
	if len(inbox.Messages) != 1 || inbox.Messages[0].Subject != "Test" {
		t.Fatalf("inbox = %+v", inbox.Messages)
	}
}

func TestStructuredErrorPayload(t *testing.T) {
	f := newFixture(t, nil)
	registerTestAgentProject(t, f)

	result := mustCall(t, f.server, "send_message", map[string]any{
		"project_key": "backend",
		"sender_name": "BlueLake",
		"to":          []any{"Ghost"},
		"subject":     "x",
		"body_md":     "y",
	})
	if kind := errorKind(t, result); kind != domain.ErrRecipientNotFound {
		t.Fatalf("kind = %q, want RECIPIENT_NOT_FOUND", kind)
	}

	result = mustCall(t, f.server, "send_message", map[string]any{
		"project_key": "backend",
		"sender_name": "BlueLake",
		"subject":     "x",
		"body_md":     "y",
	})
	if kind := errorKind(t, result); kind != domain.ErrInvalidArgument {
		t.Fatalf("kind = %q, want INVALID_ARGUMENT", kind)
	}
}

func registerTestAgentProject(t *testing.T, f *fixture) {
	t.Helper()
	mustCall(t, f.server, "ensure_project", map[string]any{"human_key": "/backend"})
	registerTestAgent(t, f, "backend", "BlueLake")
}

func TestReservationBlocksSendThroughTools(t *testing.T) {
	f := newFixture(t, nil)
	registerTestAgentProject(t, f)
	registerTestAgent(t, f, "backend", "GreenCastle")

	var grant struct {
		Granted []domain.FileReservation `json:"granted"`
	}
	resultJSON(t, mustCall(t, f.server, "file_reservation_paths", map[string]any{
		"project_key": "backend",
		"agent_name":  "BlueLake",
		"paths":       []any{"agents/GreenCastle/inbox/*/*/*.md"},
		"exclusive":   true,
		"ttl_seconds": float64(1800),
	}), &grant)
	if len(grant.Granted) != 1 {
		t.Fatalf("granted = %+v", grant.Granted)
	}

	result := mustCall(t, f.server, "send_message", map[string]any{
		"project_key": "backend",
		"sender_name": "GreenCastle",
		"to":          []any{"GreenCastle"},
		"subject":     "Blocked",
		"body_md":     "hi",
	})
	if kind := errorKind(t, result); kind != domain.ErrReservationConflict {
		t.Fatalf("kind = %q, want FILE_RESERVATION_CONFLICT", kind)
	}
	if !strings.Contains(resultText(t, result), "BlueLake") {
		t.Errorf("conflict payload does not name the holder: %s", resultText(t, result))
	}

	var released struct {
		Released int `json:"released"`
	}
	resultJSON(t, mustCall(t, f.server, "release_file_reservations", map[string]any{
		"project_key": "backend",
		"agent_name":  "BlueLake",
		"paths":       []any{"agents/GreenCastle/inbox/*/*/*.md"},
	}), &released)
	if released.Released != 1 {
		t.Fatalf("released = %d", released.Released)
	}

	result = mustCall(t, f.server, "send_message", map[string]any{
		"project_key": "backend",
		"sender_name": "GreenCastle",
		"to":          []any{"GreenCastle"},
		"subject":     "AllowedAfterRelease",
		"body_md":     "hi",
	})
	if result.IsError {
		t.Fatalf("send after release: %s", resultText(t, result))
	}
}

func TestForceReleaseGating(t *testing.T) {
	f := newFixture(t, nil)
	registerTestAgentProject(t, f)
	registerTestAgent(t, f, "backend", "GreenLake")

	var grant struct {
		Granted []domain.FileReservation `json:"granted"`
	}
	resultJSON(t, mustCall(t, f.server, "file_reservation_paths", map[string]any{
		"project_key": "backend",
		"agent_name":  "BlueLake",
		"paths":       []any{"src/app.py"},
		"exclusive":   true,
	}), &grant)
	id := grant.Granted[0].ID

	// Active holder: release refused.
	result := mustCall(t, f.server, "force_release_file_reservation", map[string]any{
		"project_key":    "backend",
		"agent_name":     "GreenLake",
		"reservation_id": float64(id),
	})
	if kind := errorKind(t, result); kind != domain.ErrReservationNotStale {
		t.Fatalf("kind = %q, want FILE_RESERVATION_NOT_STALE", kind)
	}

	// Age the holder past the inactivity threshold.
	ctx := context.Background()
	project, err := f.identity.ResolveProject(ctx, "backend")
	if err != nil {
		t.Fatalf("ResolveProject: %v", err)
	}
	holder, err := f.catalog.AgentByName(ctx, project.ID, "BlueLake")
	if err != nil {
		t.Fatalf("AgentByName: %v", err)
	}
	if err := f.catalog.SetAgentActiveAt(ctx, holder.ID, time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("SetAgentActiveAt: %v", err)
	}

	result = mustCall(t, f.server, "force_release_file_reservation", map[string]any{
		"project_key":    "backend",
		"agent_name":     "GreenLake",
		"reservation_id": float64(id),
	})
	if result.IsError {
		t.Fatalf("force release after aging: %s", resultText(t, result))
	}

	var inbox struct {
		Messages []domain.InboxItem `json:"messages"`
	}
	resultJSON(t, mustCall(t, f.server, "fetch_inbox", map[string]any{
		"project_key": "backend",
		"agent_name":  "BlueLake",
	}), &inbox)
	found := false
	for _, m := range inbox.Messages {
		if strings.HasPrefix(m.Subject, "Released stale lock") {
			found = true
		}
	}
	if !found {
		t.Fatalf("no stale-lock notification in inbox: %+v", inbox.Messages)
	}
}

func TestMarkReadAndAcknowledge(t *testing.T) {
	f := newFixture(t, nil)
	registerTestAgentProject(t, f)

	var sent struct {
		Deliveries []domain.Delivery `json:"deliveries"`
	}
	resultJSON(t, mustCall(t, f.server, "send_message", map[string]any{
		"project_key":  "backend",
		"sender_name":  "BlueLake",
		"to":           []any{"BlueLake"},
		"subject":      "Ack me",
		"body_md":      "x",
		"ack_required": true,
	}), &sent)
	id := sent.Deliveries[0].Payload.ID

	result := mustCall(t, f.server, "acknowledge_message", map[string]any{
		"project_key": "backend",
		"agent_name":  "BlueLake",
		"message_id":  float64(id),
	})
	if result.IsError {
		t.Fatalf("acknowledge: %s", resultText(t, result))
	}

	var inbox struct {
		Messages []domain.InboxItem `json:"messages"`
	}
	resultJSON(t, mustCall(t, f.server, "fetch_inbox", map[string]any{
		"project_key": "backend",
		"agent_name":  "BlueLake",
	}), &inbox)
	item := inbox.Messages[0]
	if item.AckTS == nil || item.ReadTS == nil {
		t.Fatalf("ack did not stamp both timestamps: %+v", item)
	}
	if item.ReadTS.After(*item.AckTS) {
		t.Errorf("read_ts %v after ack_ts %v", item.ReadTS, item.AckTS)
	}
}

func TestMinimalProfileHidesReservations(t *testing.T) {
	f := newFixture(t, func(s *config.Settings) { s.ToolsFilterProfile = config.ProfileMinimal })
	registerTestAgentProject(t, f)

	result, err := callTool(t, f.server, "file_reservation_paths", map[string]any{
		"project_key": "backend",
		"agent_name":  "BlueLake",
		"paths":       []any{"src/**"},
	})
	if err == nil && !result.IsError {
		t.Fatal("minimal profile still exposes file_reservation_paths")
	}

	// The minimal surface itself still works.
	sent := mustCall(t, f.server, "send_message", map[string]any{
		"project_key": "backend",
		"sender_name": "BlueLake",
		"to":          []any{"BlueLake"},
		"subject":     "ok",
		"body_md":     "x",
	})
	if sent.IsError {
		t.Fatalf("send under minimal profile: %s", resultText(t, sent))
	}
}

func TestCustomProfile(t *testing.T) {
	f := newFixture(t, func(s *config.Settings) {
		s.ToolsFilterProfile = config.ProfileCustom
		s.ToolsFilterCustom = []string{"ensure_project", "health_check"}
	})

	if r := mustCall(t, f.server, "ensure_project", map[string]any{"human_key": "/x"}); r.IsError {
		t.Fatalf("ensure_project: %s", resultText(t, r))
	}
	if _, err := callTool(t, f.server, "list_projects", nil); err == nil {
		t.Fatal("custom profile still exposes list_projects")
	}
}

func TestHealthCheckAndMetrics(t *testing.T) {
	f := newFixture(t, nil)
	registerTestAgentProject(t, f)

	var health struct {
		Status     string `json:"status"`
		Projects   int    `json:"projects"`
		ToolCalls  int64  `json:"tool_calls"`
		ToolErrors int64  `json:"tool_errors"`
	}
	resultJSON(t, mustCall(t, f.server, "health_check", nil), &health)
	if health.Status != "ok" || health.Projects != 1 {
		t.Fatalf("health = %+v", health)
	}
	if health.ToolCalls == 0 {
		t.Error("health_check reports zero tool calls after registration traffic")
	}

	stats := f.registry.metrics.SnapshotStats()
	if len(stats) == 0 {
		t.Fatal("no metrics accumulated")
	}
	foundEnsure := false
	for _, s := range stats {
		if s.Tool == "ensure_project" && s.Count > 0 {
			foundEnsure = true
		}
	}
	if !foundEnsure {
		t.Fatalf("ensure_project missing from stats: %+v", stats)
	}
	if again := f.registry.metrics.SnapshotStats(); len(again) != 0 {
		t.Fatalf("snapshot did not reset: %+v", again)
	}
}

func TestProjectResource(t *testing.T) {
	f := newFixture(t, nil)
	registerTestAgentProject(t, f)

	body, err := readResource(t, f.server, "mailroom://project/backend")
	if err != nil {
		t.Fatalf("readResource: %v", err)
	}
	if !strings.Contains(body, `"slug":"backend"`) || !strings.Contains(body, "BlueLake") {
		t.Fatalf("resource body = %s", body)
	}
}

func TestMailboxResource(t *testing.T) {
	f := newFixture(t, nil)
	registerTestAgentProject(t, f)

	mustCall(t, f.server, "send_message", map[string]any{
		"project_key": "backend",
		"sender_name": "BlueLake",
		"to":          []any{"BlueLake"},
		"subject":     "ResourceVisible",
		"body_md":     "x",
	})
	body, err := readResource(t, f.server, "mailroom://mailbox/BlueLake?project=backend&limit=5")
	if err != nil {
		t.Fatalf("readResource: %v", err)
	}
	if !strings.Contains(body, "ResourceVisible") {
		t.Fatalf("mailbox body = %s", body)
	}
}

func TestSearchThroughTools(t *testing.T) {
	f := newFixture(t, nil)
	registerTestAgentProject(t, f)

	mustCall(t, f.server, "send_message", map[string]any{
		"project_key": "backend",
		"sender_name": "BlueLake",
		"to":          []any{"BlueLake"},
		"subject":     "Deployment checklist",
		"body_md":     "canary first, then fleet",
	})

	var res struct {
		Hits []struct {
			Message domain.Message `json:"message"`
		} `json:"hits"`
	}
	resultJSON(t, mustCall(t, f.server, "search_messages", map[string]any{
		"project_key": "backend",
		"query":       "canary",
	}), &res)
	if len(res.Hits) != 1 || res.Hits[0].Message.Subject != "Deployment checklist" {
		t.Fatalf("hits = %+v", res.Hits)
	}
}
