package reservation

import (
	"context"
	"io"
	"log"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/jaakkos/mailroom/internal/archive"
	"github.com/jaakkos/mailroom/internal/catalog"
	"github.com/jaakkos/mailroom/internal/config"
	"github.com/jaakkos/mailroom/internal/domain"
)

type fixture struct {
	engine  *Engine
	catalog *catalog.Catalog
	project *domain.Project
	blue    *domain.Agent
	green   *domain.Agent
}

func newFixture(t *testing.T) *fixture {
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

	ctx := context.Background()
	project, err := cat.UpsertProject(ctx, "backend-api", "/work/backend-api")
	if err != nil {
		t.Fatalf("UpsertProject: %v", err)
	}
	blue, err := cat.UpsertAgent(ctx, &domain.Agent{ProjectID: project.ID, Name: "BlueLake", Program: "codex"})
	if err != nil {
		t.Fatalf("UpsertAgent: %v", err)
	}
	green, err := cat.UpsertAgent(ctx, &domain.Agent{ProjectID: project.ID, Name: "GreenCastle", Program: "codex"})
	if err != nil {
		t.Fatalf("UpsertAgent: %v", err)
	}

	settings := config.Settings{
		ReservationDefaultTTL:    time.Hour,
		ReservationInactivity:    30 * time.Minute,
		ReservationActivityGrace: 0,
	}
	return &fixture{
		engine:  NewEngine(cat, store, settings, logger),
		catalog: cat,
		project: project,
		blue:    blue,
		green:   green,
	}
}

func TestMatchPath(t *testing.T) {
	cases := []struct {
		pattern, path string
		want          bool
	}{
		{"src/**", "src/db/schema.sql", true},
		{"src/**", "docs/readme.md", false},
		{"/src/app.py", "src/app.py", true},
		{"*.go", "internal/catalog/catalog.go", true},
		{"main.go", "cmd/server/main.go", true},
		{"docs/*.md", "docs/guide.md", true},
		{"docs/*.md", "docs/sub/guide.md", false},
		{"src/?pp.py", "src/app.py", true},
		{"[", "anything", false},
	}
	for _, c := range cases {
		if got := MatchPath(c.pattern, c.path); got != c.want {
			t.Errorf("MatchPath(%q, %q) = %v, want %v", c.pattern, c.path, got, c.want)
		}
	}
}

func TestOverlaps(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"src/**", "src/db/schema.sql", true},
		{"src/db/**", "src/**", true},
		{"src/app.py", "src/app.py", true},
		{"src/*.py", "src/app.py", true},
		{"src/**", "docs/**", false},
		{"docs/a.md", "docs/b.md", false},
	}
	for _, c := range cases {
		if got := Overlaps(c.a, c.b); got != c.want {
			t.Errorf("Overlaps(%q, %q) = %v, want %v", c.a, c.b, got, c.want)
		}
		if got := Overlaps(c.b, c.a); got != c.want {
			t.Errorf("Overlaps(%q, %q) = %v, want %v", c.b, c.a, got, c.want)
		}
	}
}

func TestGrantAlwaysGrantsAndReportsConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.engine.Grant(ctx, f.project, f.blue, []string{"src/**"}, time.Hour, true, "refactor")
	if err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if len(first.Granted) != 1 || len(first.Conflicts) != 0 {
		t.Fatalf("first grant = %+v", first)
	}

	second, err := f.engine.Grant(ctx, f.project, f.green, []string{"src/db/schema.sql", "docs/**"}, time.Hour, true, "migration")
	if err != nil {
		t.Fatalf("overlapping Grant: %v", err)
	}
	if len(second.Granted) != 2 {
		t.Errorf("overlapping grant still grants: got %d rows", len(second.Granted))
	}
	if len(second.Conflicts) != 1 {
		t.Fatalf("conflicts = %+v, want one on src/db/schema.sql", second.Conflicts)
	}
	c := second.Conflicts[0]
	if c.Pattern != "src/db/schema.sql" || len(c.Holders) != 1 || c.Holders[0].Agent != "BlueLake" {
		t.Errorf("conflict = %+v", c)
	}
}

func TestGrantSharedDoesNotConflictWithShared(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.engine.Grant(ctx, f.project, f.blue, []string{"docs/**"}, time.Hour, false, ""); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	res, err := f.engine.Grant(ctx, f.project, f.green, []string{"docs/guide.md"}, time.Hour, false, "")
	if err != nil {
		t.Fatalf("Grant shared: %v", err)
	}
	if len(res.Conflicts) != 0 {
		t.Errorf("shared-vs-shared reported conflicts: %+v", res.Conflicts)
	}
}

func TestCheckPathsIgnoresOwnHolds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.engine.Grant(ctx, f.project, f.blue, []string{"agents/GreenCastle/inbox/**"}, time.Hour, true, ""); err != nil {
		t.Fatalf("Grant: %v", err)
	}

	conflicts, err := f.engine.CheckPaths(ctx, f.project.ID, f.green.ID,
		[]string{"agents/GreenCastle/inbox/2026/08/1-x.md"})
	if err != nil {
		t.Fatalf("CheckPaths: %v", err)
	}
	if len(conflicts) != 1 || conflicts[0].Holders[0].Agent != "BlueLake" {
		t.Fatalf("conflicts = %+v, want BlueLake's hold", conflicts)
	}

	own, err := f.engine.CheckPaths(ctx, f.project.ID, f.blue.ID,
		[]string{"agents/GreenCastle/inbox/2026/08/1-x.md"})
	if err != nil {
		t.Fatalf("CheckPaths own: %v", err)
	}
	if len(own) != 0 {
		t.Errorf("own hold reported as conflict: %+v", own)
	}
}

func TestReleaseAndExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.engine.Grant(ctx, f.project, f.blue, []string{"src/**", "docs/**"}, time.Hour, true, ""); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	n, err := f.engine.Release(ctx, f.project, f.blue, []string{"src/**"})
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if n != 1 {
		t.Errorf("released %d, want 1", n)
	}

	active, err := f.engine.List(ctx, f.project.ID, true)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(active) != 1 || active[0].PathPattern != "docs/**" {
		t.Fatalf("active = %+v", active)
	}

	// Another agent's paths are not releasable by name match.
	n, err = f.engine.Release(ctx, f.project, f.green, []string{"docs/**"})
	if err != nil {
		t.Fatalf("Release other: %v", err)
	}
	if n != 0 {
		t.Errorf("green released blue's hold: %d", n)
	}
}

func TestSweepExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.engine.Grant(ctx, f.project, f.blue, []string{"src/**"}, time.Second, true, ""); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	time.Sleep(1200 * time.Millisecond)

	n, err := f.engine.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if n != 1 {
		t.Errorf("swept %d, want 1", n)
	}
	active, _ := f.engine.List(ctx, f.project.ID, true)
	if len(active) != 0 {
		t.Errorf("active after sweep = %+v", active)
	}
	// History survives the sweep.
	all, _ := f.engine.List(ctx, f.project.ID, false)
	if len(all) != 1 || all[0].ReleasedTS == nil {
		t.Errorf("history = %+v, want one released row", all)
	}
}

type captureNotifier struct {
	subject string
	body    string
}

func (n *captureNotifier) NotifyAgent(ctx context.Context, projectID, agentID int64, subject, body string) error {
	n.subject, n.body = subject, body
	return nil
}

func TestForceReleaseDualGate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	notifier := &captureNotifier{}
	f.engine.SetNotifier(notifier)

	res, err := f.engine.Grant(ctx, f.project, f.blue, []string{"src/app.py"}, time.Hour, true, "")
	if err != nil {
		t.Fatalf("Grant: %v", err)
	}
	id := res.Granted[0].ID

	// Holder still active: not stale.
	err = f.engine.ForceRelease(ctx, f.project, f.green, id)
	if domain.Kind(err) != domain.ErrReservationNotStale {
		t.Fatalf("err = %v, want FILE_RESERVATION_NOT_STALE", err)
	}

	// Age the holder beyond the inactivity threshold.
	old := time.Now().Add(-time.Hour)
	if err := f.catalog.SetAgentActiveAt(ctx, f.blue.ID, old); err != nil {
		t.Fatalf("SetAgentActiveAt: %v", err)
	}
	if err := f.engine.ForceRelease(ctx, f.project, f.green, id); err != nil {
		t.Fatalf("ForceRelease after aging: %v", err)
	}

	active, _ := f.engine.List(ctx, f.project.ID, true)
	if len(active) != 0 {
		t.Errorf("reservation survived force-release: %+v", active)
	}
	if want := "Released stale lock"; len(notifier.subject) < len(want) || notifier.subject[:len(want)] != want {
		t.Errorf("notification subject = %q", notifier.subject)
	}
}
