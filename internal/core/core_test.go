package core

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/jaakkos/mailroom/internal/config"
)

func newTestCore(t *testing.T) *Core {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	settings := config.Settings{
		StorageRoot:                dir,
		DatabaseURL:                filepath.Join(dir, "catalog.sqlite"),
		InlineImageMaxBytes:        64,
		ContactEnforcement:         true,
		ReservationDefaultTTL:      time.Hour,
		ReservationInactivity:      30 * time.Minute,
		ReservationCleanupInterval: time.Hour,
		AckTTL:                     30 * time.Minute,
		AckCheckInterval:           time.Hour,
		RetentionInterval:          time.Hour,
		MetricsInterval:            time.Hour,
		RepoCacheCapacity:          4,
		RepoCacheGrace:             time.Second,
		ToolsFilterProfile:         config.ProfileFull,
		NotificationsEnabled:       true,
		NotificationsDebounce:      time.Millisecond,
	}
	c, err := New(settings, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("core.New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCoreServesTools(t *testing.T) {
	c := newTestCore(t)
	s := server.NewMCPServer("test", "1.0.0")
	c.Register(s)

	reqJSON, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params": map[string]any{
			"name":      "ensure_project",
			"arguments": map[string]any{"human_key": "/workspace/backend"},
		},
	})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	respJSON := s.HandleMessage(context.Background(), reqJSON)
	out, err := json.Marshal(respJSON)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	var resp struct {
		Result struct {
			Content []struct {
				Text string `json:"text"`
			} `json:"content"`
			IsError bool `json:"isError"`
		} `json:"result"`
	}
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Result.IsError || len(resp.Result.Content) == 0 {
		t.Fatalf("ensure_project failed: %s", out)
	}
	if !strings.Contains(resp.Result.Content[0].Text, `"slug":"backend"`) {
		t.Fatalf("ensure_project payload missing slug: %s", resp.Result.Content[0].Text)
	}
}

func TestCoreWorkersStartStop(t *testing.T) {
	c := newTestCore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c.Workers.StartAll(ctx)
	cancel()
	// Close in t.Cleanup calls StopAll again; the second call is a no-op.
	c.Workers.StopAll()
}
