package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Repo is one project's archive working tree. All writes go through Commit,
// which serializes on the archive write lock and journals the batch as a
// single git commit.
type Repo struct {
	dir    string
	lock   *writeLock
	logger *log.Logger
}

// OpenRepo opens or initializes the archive working tree at dir.
func OpenRepo(ctx context.Context, dir string, logger *log.Logger) (*Repo, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("archive dir %s: %w", dir, err)
	}
	r := &Repo{dir: dir, lock: newWriteLock(dir, logger), logger: logger}
	if _, err := os.Stat(filepath.Join(dir, ".git")); os.IsNotExist(err) {
		if _, err := r.git(ctx, "init", "--quiet"); err != nil {
			return nil, err
		}
		if _, err := r.git(ctx, "config", "user.name", "mailroom"); err != nil {
			return nil, err
		}
		if _, err := r.git(ctx, "config", "user.email", "mailroom@localhost"); err != nil {
			return nil, err
		}
		if err := writeGitignore(dir); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Dir returns the working tree root.
func (r *Repo) Dir() string {
	return r.dir
}

// Close releases lock resources. The working tree itself needs no teardown.
func (r *Repo) Close() error {
	return nil
}

// Commit writes the blobs and journals them as one commit with the given
// subject ({kind} #{id}: {subject-or-pattern}). Blobs whose content already
// matches on disk are still staged; git skips no-op paths. Payloads must be
// computed before the call so time under the lock stays short.
func (r *Repo) Commit(ctx context.Context, subject string, blobs []Blob) error {
	if len(blobs) == 0 {
		return nil
	}
	if err := r.lock.acquire(ctx); err != nil {
		return err
	}
	defer r.lock.release()

	if healed := r.lock.takeHealed(); healed != nil {
		if b, err := recoveryBlob(healed); err == nil {
			blobs = append(blobs, b)
		}
	}

	rels := make([]string, 0, len(blobs))
	for _, b := range blobs {
		path := filepath.Join(r.dir, b.Rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("archive mkdir: %w", err)
		}
		if err := os.WriteFile(path, b.Data, 0o644); err != nil {
			return fmt.Errorf("archive write %s: %w", b.Rel, err)
		}
		rels = append(rels, b.Rel)
	}

	if _, err := r.git(ctx, append([]string{"add", "--"}, rels...)...); err != nil {
		return err
	}
	out, err := r.git(ctx, "commit", "--quiet", "-m", subject)
	if err != nil {
		// Identical content produces an empty index; that is not a failure.
		if strings.Contains(out, "nothing to commit") || strings.Contains(out, "nothing added") {
			return nil
		}
		return err
	}
	return nil
}

// HeadSubject returns the subject line of the head commit, or "" for an
// empty repository.
func (r *Repo) HeadSubject(ctx context.Context) (string, error) {
	out, err := r.git(ctx, "log", "-1", "--format=%s")
	if err != nil {
		if strings.Contains(out, "does not have any commits") {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// RecentSubjects returns the subjects of the newest n commits, newest first.
func (r *Repo) RecentSubjects(ctx context.Context, n int) ([]string, error) {
	out, err := r.git(ctx, "log", fmt.Sprintf("-%d", n), "--format=%s")
	if err != nil {
		if strings.Contains(out, "does not have any commits") {
			return nil, nil
		}
		return nil, err
	}
	var subjects []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			subjects = append(subjects, line)
		}
	}
	return subjects, nil
}

// HeadFiles returns the relative paths touched by the head commit.
func (r *Repo) HeadFiles(ctx context.Context) ([]string, error) {
	out, err := r.git(ctx, "show", "--name-only", "--format=", "HEAD")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// ReadFile reads one file from the working tree.
func (r *Repo) ReadFile(rel string) ([]byte, error) {
	return os.ReadFile(filepath.Join(r.dir, rel))
}

// HasFile reports whether the working tree contains rel. Attachment dedup
// checks this before copying bytes.
func (r *Repo) HasFile(rel string) bool {
	_, err := os.Stat(filepath.Join(r.dir, rel))
	return err == nil
}

func (r *Repo) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.dir
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if err := cmd.Run(); err != nil {
		return buf.String(), fmt.Errorf("git %s in %s: %w: %s",
			args[0], r.dir, err, strings.TrimSpace(buf.String()))
	}
	return buf.String(), nil
}

// recoveryBlob journals a stale-lock heal alongside the commit that follows it.
func recoveryBlob(o *lockOwner) (Blob, error) {
	data, err := json.MarshalIndent(map[string]any{
		"recovered_at":   time.Now().UTC().Format(time.RFC3339Nano),
		"dead_pid":       o.PID,
		"dead_host":      o.Host,
		"last_heartbeat": o.Heartbeat,
	}, "", "  ")
	if err != nil {
		return Blob{}, err
	}
	rel := filepath.Join("locks", "recovery",
		time.Now().UTC().Format("20060102T150405.000000000")+".json")
	return Blob{Rel: rel, Data: data}, nil
}

func writeGitignore(dir string) error {
	content := lockFileName + "\n" + ownerSidecarName + "\n"
	return os.WriteFile(filepath.Join(dir, ".gitignore"), []byte(content), 0o644)
}
