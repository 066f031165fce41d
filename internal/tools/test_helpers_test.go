package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jaakkos/mailroom/internal/archive"
	"github.com/jaakkos/mailroom/internal/catalog"
	"github.com/jaakkos/mailroom/internal/config"
	"github.com/jaakkos/mailroom/internal/contact"
	"github.com/jaakkos/mailroom/internal/identity"
	"github.com/jaakkos/mailroom/internal/messaging"
	"github.com/jaakkos/mailroom/internal/reservation"
)

type fixture struct {
	server   *server.MCPServer
	registry *Registry
	catalog  *catalog.Catalog
	identity *identity.Service
}

// newFixture builds the full stack behind a test MCP server.
func newFixture(t *testing.T, mutate func(*config.Settings)) *fixture {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	logger := log.New(io.Discard, "", 0)
	cat, err := catalog.Open(filepath.Join(dir, "catalog.sqlite"), logger)
	if err != nil {
		t.Fatalf("catalog.Open: %v", err)
	}
	t.Cleanup(func() { _ = cat.Close() })
	store := archive.NewStore(filepath.Join(dir, "projects"), 4, time.Second, logger)
	t.Cleanup(store.Close)

	settings := config.Settings{
		StorageRoot:              dir,
		InlineImageMaxBytes:      64,
		ContactEnforcement:       true,
		ReservationDefaultTTL:    time.Hour,
		ReservationInactivity:    30 * time.Minute,
		ReservationActivityGrace: 0,
		ToolsFilterProfile:       config.ProfileFull,
		NotificationsEnabled:     true,
		NotificationsDebounce:    time.Millisecond,
	}
	if mutate != nil {
		mutate(&settings)
	}

	id := identity.NewService(cat, store, settings, logger)
	contacts := contact.NewEngine(cat, settings, logger)
	reservations := reservation.NewEngine(cat, store, settings, logger)
	engine := messaging.NewEngine(cat, store, id, contacts, reservations, settings, logger)
	contacts.SetNotifier(engine)
	reservations.SetNotifier(engine)

	registry := NewRegistry(id, engine, contacts, reservations, cat, store, settings, NewMetrics(), logger)
	s := server.NewMCPServer("test", "1.0.0")
	registry.Register(s)

	return &fixture{server: s, registry: registry, catalog: cat, identity: id}
}

// callTool calls a registered tool via the MCPServer's HandleMessage.
func callTool(t *testing.T, s *server.MCPServer, name string, args map[string]any) (*mcp.CallToolResult, error) {
	t.Helper()

	reqJSON, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params": map[string]any{
			"name":      name,
			"arguments": args,
		},
	})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}

	respJSON := s.HandleMessage(context.Background(), reqJSON)

	respBytes, marshalErr := json.Marshal(respJSON)
	if marshalErr != nil {
		t.Fatalf("marshal response: %v", marshalErr)
	}

	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBytes, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}

	if resp.Error != nil {
		return nil, fmt.Errorf("RPC error %d: %s", resp.Error.Code, resp.Error.Message)
	}

	var result mcp.CallToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}

	return &result, nil
}

// resultText extracts the first text content from a CallToolResult.
func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if result == nil {
		t.Fatal("result is nil")
	}
	for _, c := range result.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no text content in result")
	return ""
}

// resultJSON unmarshals a successful tool result body into out.
func resultJSON(t *testing.T, result *mcp.CallToolResult, out any) {
	t.Helper()
	if result.IsError {
		t.Fatalf("tool errored: %s", resultText(t, result))
	}
	if err := json.Unmarshal([]byte(resultText(t, result)), out); err != nil {
		t.Fatalf("unmarshal tool payload: %v", err)
	}
}

// errorKind extracts the structured error kind from a failed tool result.
func errorKind(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if !result.IsError {
		t.Fatalf("expected error result, got %s", resultText(t, result))
	}
	var payload struct {
		Error struct {
			Kind string `json:"kind"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(resultText(t, result)), &payload); err != nil {
		t.Fatalf("unmarshal error payload %q: %v", resultText(t, result), err)
	}
	return payload.Error.Kind
}

// mustCall fails the test on transport-level errors and returns the result.
func mustCall(t *testing.T, s *server.MCPServer, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	result, err := callTool(t, s, name, args)
	if err != nil {
		t.Fatalf("call %s: %v", name, err)
	}
	return result
}

// readResource reads a URI through the resources/read endpoint.
func readResource(t *testing.T, s *server.MCPServer, uri string) (string, error) {
	t.Helper()
	reqJSON, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      2,
		"method":  "resources/read",
		"params":  map[string]any{"uri": uri},
	})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	respJSON := s.HandleMessage(context.Background(), reqJSON)
	respBytes, err := json.Marshal(respJSON)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	var resp struct {
		Result *struct {
			Contents []struct {
				Text string `json:"text"`
			} `json:"contents"`
		} `json:"result"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBytes, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Error != nil {
		return "", fmt.Errorf("RPC error %d: %s", resp.Error.Code, resp.Error.Message)
	}
	if resp.Result == nil || len(resp.Result.Contents) == 0 {
		t.Fatal("resource read returned no contents")
	}
	return resp.Result.Contents[0].Text, nil
}
