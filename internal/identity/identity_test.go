package identity

import (
	"context"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/jaakkos/mailroom/internal/archive"
	"github.com/jaakkos/mailroom/internal/catalog"
	"github.com/jaakkos/mailroom/internal/config"
	"github.com/jaakkos/mailroom/internal/domain"
)

func testService(t *testing.T) *Service {
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
	return NewService(cat, store, config.Settings{}, logger)
}

func TestEnsureProjectIdempotent(t *testing.T) {
	s := testService(t)
	ctx := context.Background()

	p1, err := s.EnsureProject(ctx, "/work/backend")
	if err != nil {
		t.Fatalf("EnsureProject: %v", err)
	}
	if p1.Slug != "backend" {
		t.Errorf("Slug = %q, want backend", p1.Slug)
	}
	p2, err := s.EnsureProject(ctx, "/work/backend")
	if err != nil {
		t.Fatalf("EnsureProject again: %v", err)
	}
	if p2.ID != p1.ID {
		t.Errorf("repeat created a new project: %d vs %d", p2.ID, p1.ID)
	}
}

func TestEnsureProjectSymlinkCanonical(t *testing.T) {
	s := testService(t)
	ctx := context.Background()

	real := filepath.Join(t.TempDir(), "backend")
	if err := os.MkdirAll(real, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	link := filepath.Join(t.TempDir(), "backend-link")
	if err := os.Symlink(real, link); err != nil {
		t.Skipf("symlink: %v", err)
	}

	p1, err := s.EnsureProject(ctx, real)
	if err != nil {
		t.Fatalf("EnsureProject real: %v", err)
	}
	p2, err := s.EnsureProject(ctx, link)
	if err != nil {
		t.Fatalf("EnsureProject link: %v", err)
	}
	if p1.ID != p2.ID {
		t.Errorf("symlink resolved to a different project: %d vs %d", p1.ID, p2.ID)
	}
}

func TestEnsureProjectSlugCollision(t *testing.T) {
	s := testService(t)
	ctx := context.Background()

	p1, err := s.EnsureProject(ctx, "/alpha/api")
	if err != nil {
		t.Fatalf("EnsureProject: %v", err)
	}
	p2, err := s.EnsureProject(ctx, "/beta/api")
	if err != nil {
		t.Fatalf("EnsureProject collision: %v", err)
	}
	if p1.Slug == p2.Slug {
		t.Errorf("distinct trees share slug %q", p1.Slug)
	}
	if p2.Slug != "api-2" {
		t.Errorf("Slug = %q, want api-2", p2.Slug)
	}
}

func TestRegisterAgentRoundtrip(t *testing.T) {
	s := testService(t)
	ctx := context.Background()
	if _, err := s.EnsureProject(ctx, "/work/backend"); err != nil {
		t.Fatalf("EnsureProject: %v", err)
	}

	a, err := s.RegisterAgent(ctx, RegisterParams{
		ProjectKey: "/work/backend", Name: "BlueLake",
		Program: "codex", Model: "gpt-5", TaskDescription: "API work",
	})
	if err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	if a.RegistrationToken == "" {
		t.Error("no registration token minted")
	}

	w, err := s.Whois(ctx, "backend", "bluelake", false)
	if err != nil {
		t.Fatalf("Whois: %v", err)
	}
	got := w.Agent
	if got.Program != "codex" || got.Model != "gpt-5" || got.TaskDescription != "API work" {
		t.Errorf("whois mismatch: %+v", got)
	}
}

func TestRegisterAgentRequiresProgram(t *testing.T) {
	s := testService(t)
	ctx := context.Background()
	if _, err := s.EnsureProject(ctx, "/work/backend"); err != nil {
		t.Fatalf("EnsureProject: %v", err)
	}
	_, err := s.RegisterAgent(ctx, RegisterParams{ProjectKey: "backend", Name: "X"})
	if domain.Kind(err) != domain.ErrInvalidArgument {
		t.Fatalf("err = %v, want INVALID_ARGUMENT", err)
	}
}

func TestCreateAgentIdentityCoinsName(t *testing.T) {
	s := testService(t)
	ctx := context.Background()
	if _, err := s.EnsureProject(ctx, "/work/backend"); err != nil {
		t.Fatalf("EnsureProject: %v", err)
	}

	a, err := s.CreateAgentIdentity(ctx, RegisterParams{
		ProjectKey: "backend", Program: "claude-code", Model: "opus",
	})
	if err != nil {
		t.Fatalf("CreateAgentIdentity: %v", err)
	}
	if a.Name == "" {
		t.Fatal("no name coined")
	}

	b, err := s.CreateAgentIdentity(ctx, RegisterParams{
		ProjectKey: "backend", Program: "claude-code", Model: "opus",
	})
	if err != nil {
		t.Fatalf("second CreateAgentIdentity: %v", err)
	}
	if b.Name == a.Name {
		t.Errorf("coined the same name twice: %q", a.Name)
	}
}

func TestCreateAgentIdentityHint(t *testing.T) {
	s := testService(t)
	ctx := context.Background()
	if _, err := s.EnsureProject(ctx, "/work/backend"); err != nil {
		t.Fatalf("EnsureProject: %v", err)
	}
	a, err := s.CreateAgentIdentity(ctx, RegisterParams{
		ProjectKey: "backend", Program: "codex", Name: "blue lake",
	})
	if err != nil {
		t.Fatalf("CreateAgentIdentity: %v", err)
	}
	if a.Name != "BlueLake" {
		t.Errorf("Name = %q, want BlueLake from hint", a.Name)
	}
}

func TestResolveProjectUnknown(t *testing.T) {
	s := testService(t)
	_, err := s.ResolveProject(context.Background(), "ghost")
	if domain.Kind(err) != domain.ErrProjectNotFound {
		t.Fatalf("err = %v, want PROJECT_NOT_FOUND", err)
	}
}

func TestBindWindowReclaimsIdentity(t *testing.T) {
	s := testService(t)
	ctx := context.Background()
	if _, err := s.EnsureProject(ctx, "/work/backend"); err != nil {
		t.Fatalf("EnsureProject: %v", err)
	}

	a, uid, err := s.BindWindow(ctx, "backend", "", RegisterParams{
		Program: "claude-code", Model: "opus",
	})
	if err != nil {
		t.Fatalf("BindWindow: %v", err)
	}
	if uid == "" {
		t.Fatal("no window uuid minted")
	}

	// Same window, new process, no name: the binding wins.
	b, _, err := s.BindWindow(ctx, "backend", uid, RegisterParams{
		Program: "claude-code", Model: "opus",
	})
	if err != nil {
		t.Fatalf("BindWindow rebind: %v", err)
	}
	if b.Name != a.Name {
		t.Errorf("window identity changed: %q vs %q", b.Name, a.Name)
	}

	_, _, err = s.BindWindow(ctx, "backend", "not-a-uuid", RegisterParams{Program: "codex"})
	if domain.Kind(err) != domain.ErrInvalidArgument {
		t.Fatalf("err = %v, want INVALID_ARGUMENT for malformed uuid", err)
	}
}

func TestNormalizeNameHint(t *testing.T) {
	cases := []struct{ in, want string }{
		{"blue lake", "BlueLake"},
		{"BLUE-lake", "BLUELake"},
		{"  ", ""},
		{"x9 bot", "X9Bot"},
	}
	for _, c := range cases {
		if got := normalizeNameHint(c.in); got != c.want {
			t.Errorf("normalizeNameHint(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
