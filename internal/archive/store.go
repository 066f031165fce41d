package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/jaakkos/mailroom/internal/domain"
)

// Store fronts all project archives below one root. Handles are cached; all
// mutations batch into single commits per operation.
type Store struct {
	root   string
	cache  *repoCache
	logger *log.Logger
}

// NewStore creates the archive store rooted at projectsRoot.
func NewStore(projectsRoot string, capacity int, grace time.Duration, logger *log.Logger) *Store {
	s := &Store{root: projectsRoot, logger: logger}
	s.cache = newRepoCache(capacity, grace, logger, func(ctx context.Context, slug string) (*Repo, error) {
		return OpenRepo(ctx, filepath.Join(projectsRoot, slug), logger)
	})
	return s
}

// Project returns the open archive for a project slug.
func (s *Store) Project(ctx context.Context, slug string) (*Repo, error) {
	return s.cache.get(ctx, slug)
}

// EvictProject pushes a cached handle toward close. Used under FD pressure.
func (s *Store) EvictProject(slug string) {
	s.cache.evict(slug)
}

// Shrink halves the handle cache. Returns the number of handles released.
func (s *Store) Shrink() int {
	return s.cache.shrink()
}

// CachedHandles reports the live handle count.
func (s *Store) CachedHandles() int {
	return s.cache.size()
}

// Close force-closes every cached handle.
func (s *Store) Close() {
	s.cache.clear()
}

// WriteProjectProfile journals profile.json for a new or updated project.
func (s *Store) WriteProjectProfile(ctx context.Context, p *domain.Project) error {
	repo, err := s.Project(ctx, p.Slug)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal project profile: %w", err)
	}
	subject := fmt.Sprintf("project #%d: %s", p.ID, p.Slug)
	return repo.Commit(ctx, subject, []Blob{{Rel: ProjectProfileRel, Data: data}})
}

// WriteAgentProfile journals agents/<name>/profile.json.
func (s *Store) WriteAgentProfile(ctx context.Context, slug string, a *domain.Agent) error {
	repo, err := s.Project(ctx, slug)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal agent profile: %w", err)
	}
	subject := fmt.Sprintf("agent #%d: %s", a.ID, a.Name)
	return repo.Commit(ctx, subject, []Blob{{Rel: AgentProfileRel(a.Name), Data: data}})
}

// MessageWrite is the precomputed payload of one message commit: the
// canonical copy, every recipient inbox copy, and any attachment files not
// yet present by hash.
type MessageWrite struct {
	Message     *domain.Message
	From        string
	To, CC, BCC []string
	// Attachments maps archive-relative paths to raw bytes for file-class
	// attachments. Paths already in the tree are skipped (dedup by sha).
	Attachments map[string][]byte
}

// WriteMessage journals one send as a single commit touching the canonical
// path, each inbox copy, and new attachment files.
func (s *Store) WriteMessage(ctx context.Context, slug string, w MessageWrite) error {
	repo, err := s.Project(ctx, slug)
	if err != nil {
		return err
	}
	body, err := RenderMessage(w.Message, w.From, w.To, w.CC, w.BCC)
	if err != nil {
		return err
	}
	m := w.Message
	blobs := []Blob{{Rel: MessageRel(m.CreatedTS, m.ID, m.Subject), Data: body}}
	seen := map[string]bool{}
	for _, group := range [][]string{w.To, w.CC, w.BCC} {
		for _, name := range group {
			if seen[name] {
				continue
			}
			seen[name] = true
			blobs = append(blobs, Blob{Rel: InboxRel(name, m.CreatedTS, m.ID, m.Subject), Data: body})
		}
	}
	for rel, data := range w.Attachments {
		if repo.HasFile(rel) {
			continue
		}
		blobs = append(blobs, Blob{Rel: rel, Data: data})
	}
	subject := fmt.Sprintf("send #%d: %s", m.ID, m.Subject)
	return repo.Commit(ctx, subject, blobs)
}

// WriteReservations journals reservation sidecars as one commit per call,
// whatever the batch size. kind is "reserve", "release", or "force-release".
func (s *Store) WriteReservations(ctx context.Context, slug, kind, agentName string, rs []domain.FileReservation) error {
	if len(rs) == 0 {
		return nil
	}
	repo, err := s.Project(ctx, slug)
	if err != nil {
		return err
	}
	blobs := make([]Blob, 0, len(rs))
	for _, r := range rs {
		data, err := json.MarshalIndent(&r, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal reservation sidecar: %w", err)
		}
		blobs = append(blobs, Blob{Rel: ReservationRel(r.ID), Data: data})
	}
	subject := fmt.Sprintf("%s #%d: %s by %s", kind, rs[0].ID, rs[0].PathPattern, agentName)
	if len(rs) > 1 {
		subject = fmt.Sprintf("%s #%d: %d patterns by %s", kind, rs[0].ID, len(rs), agentName)
	}
	return repo.Commit(ctx, subject, blobs)
}

// ReservationSidecarAge returns how long ago the reservation sidecar was
// last written. Force-release requires the sidecar to be quiet beyond the
// activity grace. Missing sidecars count as infinitely old.
func (s *Store) ReservationSidecarAge(slug string, id int64, now time.Time) time.Duration {
	info, err := os.Stat(filepath.Join(s.root, slug, ReservationRel(id)))
	if err != nil {
		return time.Duration(1<<62 - 1)
	}
	return now.Sub(info.ModTime())
}

// ProjectUsage is one row of the retention report.
type ProjectUsage struct {
	Slug  string
	Files int
	Bytes int64
}

// Usage walks a project archive and totals file count and bytes, skipping
// the .git directory.
func (s *Store) Usage(slug string) (ProjectUsage, error) {
	u := ProjectUsage{Slug: slug}
	root := filepath.Join(s.root, slug)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		u.Files++
		u.Bytes += info.Size()
		return nil
	})
	if err != nil {
		return u, fmt.Errorf("archive usage %s: %w", slug, err)
	}
	return u, nil
}
