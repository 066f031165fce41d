package archive

import (
	"context"
	"fmt"
	"io"
	"log"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jaakkos/mailroom/internal/domain"
)

func discard() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

func TestSlugify(t *testing.T) {
	cases := []struct{ in, want string }{
		{"Refactor plan", "refactor-plan"},
		{"  Weird -- punctuation!!  ", "weird-punctuation"},
		{"", ""},
		{"CamelCase123", "camelcase123"},
		{strings.Repeat("long ", 30), "long-long-long-long-long-long-long-long-long-long-long-long"},
	}
	for _, c := range cases {
		if got := Slugify(c.in); got != c.want {
			t.Errorf("Slugify(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestLayoutPaths(t *testing.T) {
	ts := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	if got, want := MessageRel(ts, 123, "Refactor plan"), "messages/2026/08/123-refactor-plan.md"; got != want {
		t.Errorf("MessageRel = %q, want %q", got, want)
	}
	if got, want := InboxRel("BlueLake", ts, 123, "Refactor plan"),
		"agents/BlueLake/inbox/2026/08/123-refactor-plan.md"; got != want {
		t.Errorf("InboxRel = %q, want %q", got, want)
	}
	sha := "ab54d286f7e4e9b0a1c2d3e4f5a6b7c8d9e0f1a2b3c4d5e6f7a8b9c0d1e2f3a4"
	if got, want := AttachmentRel(sha, "png"), "attachments/ab/"+sha+".png"; got != want {
		t.Errorf("AttachmentRel = %q, want %q", got, want)
	}
	if got, want := ReservationRel(77), "file_reservations/77.json"; got != want {
		t.Errorf("ReservationRel = %q, want %q", got, want)
	}
}

func TestRenderMessage(t *testing.T) {
	m := &domain.Message{
		ID: 42, Subject: "Schema change", BodyMD: "See the diff.",
		Importance: domain.ImportanceNormal,
		CreatedTS:  time.Date(2026, 8, 24, 9, 30, 0, 0, time.UTC),
	}
	data, err := RenderMessage(m, "BlueLake", []string{"GreenCastle"}, nil, nil)
	if err != nil {
		t.Fatalf("RenderMessage: %v", err)
	}
	text := string(data)
	if !strings.HasPrefix(text, "---\n") {
		t.Error("missing front matter fence")
	}
	for _, want := range []string{"id: 42", "from: BlueLake", "- GreenCastle", "See the diff.\n"} {
		if !strings.Contains(text, want) {
			t.Errorf("rendered message missing %q:\n%s", want, text)
		}
	}
}

func TestRepoCommitAndHead(t *testing.T) {
	requireGit(t)
	ctx := context.Background()
	repo, err := OpenRepo(ctx, t.TempDir(), discard())
	if err != nil {
		t.Fatalf("OpenRepo: %v", err)
	}

	blobs := []Blob{
		{Rel: "messages/2026/08/1-hello.md", Data: []byte("hello")},
		{Rel: "agents/GreenCastle/inbox/2026/08/1-hello.md", Data: []byte("hello")},
	}
	if err := repo.Commit(ctx, "send #1: hello", blobs); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	subject, err := repo.HeadSubject(ctx)
	if err != nil {
		t.Fatalf("HeadSubject: %v", err)
	}
	if subject != "send #1: hello" {
		t.Errorf("HeadSubject = %q", subject)
	}

	files, err := repo.HeadFiles(ctx)
	if err != nil {
		t.Fatalf("HeadFiles: %v", err)
	}
	if len(files) != 2 {
		t.Errorf("head commit touched %d files, want 2: %v", len(files), files)
	}

	// Re-committing identical content is a no-op, not an error.
	if err := repo.Commit(ctx, "send #1: hello again", blobs); err != nil {
		t.Fatalf("idempotent Commit: %v", err)
	}
	if subject, _ := repo.HeadSubject(ctx); subject != "send #1: hello" {
		t.Errorf("empty commit advanced head to %q", subject)
	}
}

func TestRepoEmptyHead(t *testing.T) {
	requireGit(t)
	ctx := context.Background()
	repo, err := OpenRepo(ctx, t.TempDir(), discard())
	if err != nil {
		t.Fatalf("OpenRepo: %v", err)
	}
	subject, err := repo.HeadSubject(ctx)
	if err != nil {
		t.Fatalf("HeadSubject on empty repo: %v", err)
	}
	if subject != "" {
		t.Errorf("HeadSubject = %q, want empty", subject)
	}
}

func TestWriteMessageSingleCommit(t *testing.T) {
	requireGit(t)
	ctx := context.Background()
	store := NewStore(t.TempDir(), 4, time.Second, discard())
	defer store.Close()

	m := &domain.Message{
		ID: 7, Subject: "Deploy", BodyMD: "Rolling at noon.",
		Importance: domain.ImportanceHigh, CreatedTS: time.Now(),
	}
	err := store.WriteMessage(ctx, "backend-api", MessageWrite{
		Message: m, From: "BlueLake",
		To: []string{"GreenCastle", "RedFox"}, BCC: []string{"GreenCastle"},
	})
	if err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	repo, err := store.Project(ctx, "backend-api")
	if err != nil {
		t.Fatalf("Project: %v", err)
	}
	subject, _ := repo.HeadSubject(ctx)
	if subject != "send #7: Deploy" {
		t.Errorf("HeadSubject = %q", subject)
	}
	files, _ := repo.HeadFiles(ctx)
	// Canonical copy plus one inbox copy per unique recipient.
	if len(files) != 3 {
		t.Errorf("head commit touched %d files, want 3: %v", len(files), files)
	}
}

func TestWriteReservationsBatch(t *testing.T) {
	requireGit(t)
	ctx := context.Background()
	store := NewStore(t.TempDir(), 4, time.Second, discard())
	defer store.Close()

	now := time.Now()
	rs := []domain.FileReservation{
		{ID: 10, ProjectID: 1, AgentID: 1, PathPattern: "src/**", CreatedTS: now, ExpiresTS: now.Add(time.Hour)},
		{ID: 11, ProjectID: 1, AgentID: 1, PathPattern: "docs/*.md", CreatedTS: now, ExpiresTS: now.Add(time.Hour)},
	}
	if err := store.WriteReservations(ctx, "backend-api", "reserve", "BlueLake", rs); err != nil {
		t.Fatalf("WriteReservations: %v", err)
	}
	repo, _ := store.Project(ctx, "backend-api")
	subject, _ := repo.HeadSubject(ctx)
	if subject != "reserve #10: 2 patterns by BlueLake" {
		t.Errorf("HeadSubject = %q", subject)
	}
	files, _ := repo.HeadFiles(ctx)
	if len(files) != 2 {
		t.Errorf("batch produced %d files in one commit, want 2", len(files))
	}

	if age := store.ReservationSidecarAge("backend-api", 10, time.Now()); age > time.Minute {
		t.Errorf("fresh sidecar age = %v", age)
	}
	if age := store.ReservationSidecarAge("backend-api", 999, time.Now()); age < 100*365*24*time.Hour {
		t.Errorf("missing sidecar should be ancient, got %v", age)
	}
}

func TestRepoCacheEviction(t *testing.T) {
	opened := map[string]int{}
	cache := newRepoCache(2, 0, discard(), func(ctx context.Context, slug string) (*Repo, error) {
		opened[slug]++
		return &Repo{dir: slug}, nil
	})
	ctx := context.Background()

	for _, slug := range []string{"a", "b", "a", "c"} {
		if _, err := cache.get(ctx, slug); err != nil {
			t.Fatalf("get %s: %v", slug, err)
		}
	}
	// "b" was least recently used and should have been evicted by "c".
	if cache.size() != 2 {
		t.Errorf("size = %d, want 2", cache.size())
	}
	if _, err := cache.get(ctx, "b"); err != nil {
		t.Fatalf("reopen b: %v", err)
	}
	if opened["b"] != 2 {
		t.Errorf("b opened %d times, want 2 (evicted then reopened)", opened["b"])
	}
	if opened["a"] != 1 {
		t.Errorf("a opened %d times, want 1 (kept hot)", opened["a"])
	}

	cache.clear()
	if cache.size() != 0 {
		t.Errorf("size after clear = %d", cache.size())
	}
}

func TestRepoCacheShrink(t *testing.T) {
	cache := newRepoCache(8, time.Minute, discard(), func(ctx context.Context, slug string) (*Repo, error) {
		return &Repo{dir: slug}, nil
	})
	ctx := context.Background()
	for _, slug := range []string{"a", "b", "c", "d"} {
		cache.get(ctx, slug)
	}
	if n := cache.shrink(); n != 2 {
		t.Errorf("shrink released %d, want 2", n)
	}
	if cache.size() != 2 {
		t.Errorf("size after shrink = %d, want 2", cache.size())
	}
}

func TestWriteLockBlocksSecondHolder(t *testing.T) {
	dir := t.TempDir()
	l1 := newWriteLock(dir, discard())
	l2 := newWriteLock(dir, discard())

	ctx := context.Background()
	if err := l1.acquire(ctx); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	short, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()
	if err := l2.acquire(short); err == nil {
		t.Fatal("second acquire succeeded while held")
	}

	l1.release()
	if err := l2.acquire(ctx); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	l2.release()
}

func TestWriteLockSameInstanceSerializes(t *testing.T) {
	dir := t.TempDir()
	l := newWriteLock(dir, discard())

	ctx := context.Background()
	if err := l.acquire(ctx); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	// Goroutines share one lock instance per cached repo; a second acquire
	// must wait for release, not ride the flock the process already holds.
	short, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()
	if err := l.acquire(short); err == nil {
		t.Fatal("re-acquire on a held lock succeeded")
	}

	l.release()
	if err := l.acquire(ctx); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	l.release()
}

func TestRepoConcurrentCommits(t *testing.T) {
	requireGit(t)
	ctx := context.Background()
	repo, err := OpenRepo(ctx, t.TempDir(), discard())
	if err != nil {
		t.Fatalf("OpenRepo: %v", err)
	}

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			blobs := []Blob{{
				Rel:  fmt.Sprintf("messages/2026/08/%d-note.md", i),
				Data: []byte(fmt.Sprintf("note %d", i)),
			}}
			errs <- repo.Commit(ctx, fmt.Sprintf("send #%d: note", i), blobs)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent Commit: %v", err)
		}
	}

	subjects, err := repo.RecentSubjects(ctx, writers+1)
	if err != nil {
		t.Fatalf("RecentSubjects: %v", err)
	}
	// One commit per writer: interleaved working-tree writes would have
	// collapsed batches or failed git entirely.
	if len(subjects) != writers {
		t.Errorf("got %d commits, want %d: %v", len(subjects), writers, subjects)
	}
}
