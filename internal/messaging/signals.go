package messaging

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// signaler touches per-recipient signal files so local watchers (fsnotify
// consumers, shell prompts) learn about new mail without polling the server.
// Touches within the debounce window coalesce.
type signaler struct {
	dir      string
	debounce time.Duration

	mu   sync.Mutex
	last map[string]time.Time
}

func newSignaler(dir string, debounce time.Duration) *signaler {
	return &signaler{dir: dir, debounce: debounce, last: make(map[string]time.Time)}
}

// Touch writes a monotonic revision into the recipient's signal file.
func (s *signaler) Touch(projectSlug, agentName string) error {
	key := projectSlug + "/" + agentName
	now := time.Now()

	s.mu.Lock()
	if prev, ok := s.last[key]; ok && now.Sub(prev) < s.debounce {
		s.mu.Unlock()
		return nil
	}
	s.last[key] = now
	s.mu.Unlock()

	path := filepath.Join(s.dir, projectSlug, agentName+".signal")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("signal dir: %w", err)
	}
	rev := strconv.FormatInt(now.UnixNano(), 10)
	return os.WriteFile(path, []byte(rev), 0o644)
}
