package contact

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jaakkos/mailroom/internal/catalog"
	"github.com/jaakkos/mailroom/internal/config"
	"github.com/jaakkos/mailroom/internal/domain"
)

type captureNotifier struct {
	mu       sync.Mutex
	subjects []string
}

func (n *captureNotifier) NotifyAgent(ctx context.Context, projectID, agentID int64, subject, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subjects = append(n.subjects, subject)
	return nil
}

type fixture struct {
	engine   *Engine
	catalog  *catalog.Catalog
	notifier *captureNotifier

	alpha, beta *domain.Project
	blue, bear  *domain.Agent
}

func newFixture(t *testing.T, mutate func(*config.Settings)) *fixture {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	cat, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.sqlite"), logger)
	if err != nil {
		t.Fatalf("catalog.Open: %v", err)
	}
	t.Cleanup(func() { _ = cat.Close() })

	settings := config.Settings{ContactEnforcement: true}
	if mutate != nil {
		mutate(&settings)
	}
	engine := NewEngine(cat, settings, logger)
	notifier := &captureNotifier{}
	engine.SetNotifier(notifier)

	f := &fixture{engine: engine, catalog: cat, notifier: notifier}
	f.alpha = mustProject(t, cat, "alpha", "/repos/alpha")
	f.beta = mustProject(t, cat, "beta", "/repos/beta")
	f.blue = mustAgent(t, cat, f.alpha.ID, "BlueLake", domain.ContactContactsOnly)
	f.bear = mustAgent(t, cat, f.beta.ID, "PurpleBear", domain.ContactContactsOnly)
	return f
}

func mustProject(t *testing.T, c *catalog.Catalog, slug, humanKey string) *domain.Project {
	t.Helper()
	p, err := c.UpsertProject(context.Background(), slug, humanKey)
	if err != nil {
		t.Fatalf("UpsertProject(%s): %v", slug, err)
	}
	return p
}

func mustAgent(t *testing.T, c *catalog.Catalog, projectID int64, name, policy string) *domain.Agent {
	t.Helper()
	a, err := c.UpsertAgent(context.Background(), &domain.Agent{
		ProjectID:     projectID,
		Name:          name,
		Program:       "codex",
		ContactPolicy: policy,
	})
	if err != nil {
		t.Fatalf("UpsertAgent(%s): %v", name, err)
	}
	return a
}

func TestGateSameProjectAlwaysPasses(t *testing.T) {
	f := newFixture(t, nil)
	other := mustAgent(t, f.catalog, f.alpha.ID, "GreenCastle", domain.ContactBlockAll)
	if err := f.engine.Gate(context.Background(), f.alpha, f.blue, f.alpha, other); err != nil {
		t.Fatalf("same-project gate: %v", err)
	}
}

func TestGateOpenPolicyPasses(t *testing.T) {
	f := newFixture(t, nil)
	open := mustAgent(t, f.catalog, f.beta.ID, "JadePond", domain.ContactOpen)
	if err := f.engine.Gate(context.Background(), f.alpha, f.blue, f.beta, open); err != nil {
		t.Fatalf("open-policy gate: %v", err)
	}
}

func TestGateEnforcementDisabledPasses(t *testing.T) {
	f := newFixture(t, func(s *config.Settings) { s.ContactEnforcement = false })
	if err := f.engine.Gate(context.Background(), f.alpha, f.blue, f.beta, f.bear); err != nil {
		t.Fatalf("gate with enforcement off: %v", err)
	}
}

func TestGateLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	err := f.engine.Gate(ctx, f.alpha, f.blue, f.beta, f.bear)
	if domain.Kind(err) != domain.ErrContactRequired {
		t.Fatalf("no link: err = %v, want CONTACT_REQUIRED", err)
	}

	if _, err := f.engine.Request(ctx, f.alpha, f.blue, f.beta, f.bear, "shared API"); err != nil {
		t.Fatalf("Request: %v", err)
	}
	err = f.engine.Gate(ctx, f.alpha, f.blue, f.beta, f.bear)
	if domain.Kind(err) != domain.ErrContactPending {
		t.Fatalf("pending link: err = %v, want CONTACT_PENDING", err)
	}

	if _, err := f.engine.Respond(ctx, f.bear, f.blue, true, 0); err != nil {
		t.Fatalf("Respond accept: %v", err)
	}
	if err := f.engine.Gate(ctx, f.alpha, f.blue, f.beta, f.bear); err != nil {
		t.Fatalf("approved link: %v", err)
	}

	// Approval runs one way: bear still may not message blue.
	err = f.engine.Gate(ctx, f.beta, f.bear, f.alpha, f.blue)
	if domain.Kind(err) != domain.ErrContactRequired {
		t.Fatalf("reverse direction: err = %v, want CONTACT_REQUIRED", err)
	}
}

func TestGateApprovalExpires(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if _, err := f.engine.Request(ctx, f.alpha, f.blue, f.beta, f.bear, ""); err != nil {
		t.Fatalf("Request: %v", err)
	}
	if _, err := f.engine.Respond(ctx, f.bear, f.blue, true, time.Millisecond); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	err := f.engine.Gate(ctx, f.alpha, f.blue, f.beta, f.bear)
	if domain.Kind(err) != domain.ErrContactRequired {
		t.Fatalf("expired approval: err = %v, want CONTACT_REQUIRED", err)
	}
}

func TestGateBlockAllAndDenied(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	wall := mustAgent(t, f.catalog, f.beta.ID, "StoneWall", domain.ContactBlockAll)
	err := f.engine.Gate(ctx, f.alpha, f.blue, f.beta, wall)
	if domain.Kind(err) != domain.ErrContactRequired {
		t.Fatalf("block_all: err = %v, want CONTACT_REQUIRED", err)
	}

	if _, err := f.engine.Request(ctx, f.alpha, f.blue, f.beta, f.bear, ""); err != nil {
		t.Fatalf("Request: %v", err)
	}
	if _, err := f.engine.Respond(ctx, f.bear, f.blue, false, 0); err != nil {
		t.Fatalf("Respond deny: %v", err)
	}
	err = f.engine.Gate(ctx, f.alpha, f.blue, f.beta, f.bear)
	if domain.Kind(err) != domain.ErrContactRequired {
		t.Fatalf("blocked link: err = %v, want CONTACT_REQUIRED", err)
	}
}

func TestAutoHandshakeOpensPending(t *testing.T) {
	f := newFixture(t, func(s *config.Settings) { s.AutoHandshakeOnBlock = true })
	ctx := context.Background()

	err := f.engine.Gate(ctx, f.alpha, f.blue, f.beta, f.bear)
	if domain.Kind(err) != domain.ErrContactPending {
		t.Fatalf("auto-handshake: err = %v, want CONTACT_PENDING", err)
	}
	link, lerr := f.catalog.LinkBetween(ctx, f.blue.ID, f.bear.ID)
	if lerr != nil || link == nil || link.Status != domain.LinkPending {
		t.Fatalf("link after handshake = %+v, err %v", link, lerr)
	}

	// A blocked link suppresses the handshake.
	if _, err := f.engine.Respond(ctx, f.bear, f.blue, false, 0); err != nil {
		t.Fatalf("Respond deny: %v", err)
	}
	err = f.engine.Gate(ctx, f.alpha, f.blue, f.beta, f.bear)
	if domain.Kind(err) != domain.ErrContactRequired {
		t.Fatalf("blocked + handshake: err = %v, want CONTACT_REQUIRED", err)
	}
}

func TestRequestNotifiesTarget(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.engine.Request(context.Background(), f.alpha, f.blue, f.beta, f.bear, "review"); err != nil {
		t.Fatalf("Request: %v", err)
	}
	f.notifier.mu.Lock()
	defer f.notifier.mu.Unlock()
	if len(f.notifier.subjects) != 1 || !strings.Contains(f.notifier.subjects[0], "BlueLake@alpha") {
		t.Fatalf("notifications = %v", f.notifier.subjects)
	}
}

func TestRequestKeepsApprovedLink(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if _, err := f.engine.Request(ctx, f.alpha, f.blue, f.beta, f.bear, ""); err != nil {
		t.Fatalf("Request: %v", err)
	}
	if _, err := f.engine.Respond(ctx, f.bear, f.blue, true, time.Hour); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	link, err := f.engine.Request(ctx, f.alpha, f.blue, f.beta, f.bear, "again")
	if err != nil {
		t.Fatalf("second Request: %v", err)
	}
	if link.Status != domain.LinkApproved {
		t.Fatalf("status = %q, re-request must not downgrade approval", link.Status)
	}
}

func TestListResolvesNames(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if _, err := f.engine.Request(ctx, f.alpha, f.blue, f.beta, f.bear, ""); err != nil {
		t.Fatalf("Request: %v", err)
	}
	entries, err := f.engine.List(ctx, f.blue)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %+v", entries)
	}
	e := entries[0]
	if e.Agent != "PurpleBear" || e.Project != "beta" || e.Status != domain.LinkPending {
		t.Errorf("entry = %+v", e)
	}
}
