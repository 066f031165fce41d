package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"
)

const (
	lockFileName      = ".mailroom.lock"
	ownerSidecarName  = ".mailroom.lock.owner.json"
	lockPollInterval  = 100 * time.Millisecond
	heartbeatInterval = 2 * time.Second
	staleOwnerAfter   = 30 * time.Second
)

// lockOwner is the sidecar written next to the lockfile so other processes
// can tell a live holder from a crashed one.
type lockOwner struct {
	PID       int    `json:"pid"`
	Host      string `json:"host"`
	Heartbeat string `json:"heartbeat"`
}

// writeLock is the per-archive exclusive write lock: an in-process mutex
// plus an OS flock plus an owner sidecar with a heartbeat. The mutex
// serializes goroutines sharing this instance (flock grants re-entry to the
// holding process); the flock excludes other processes. A holder that stops
// heartbeating beyond staleOwnerAfter is healed away by the next acquirer.
type writeLock struct {
	dir    string
	fl     *flock.Flock
	logger *log.Logger

	mu     sync.Mutex
	stopHB chan struct{}
	hbDone chan struct{}

	// healed records a recovery performed during the last acquire so the
	// next commit can journal it.
	healed *lockOwner
}

func newWriteLock(dir string, logger *log.Logger) *writeLock {
	return &writeLock{
		dir:    dir,
		fl:     flock.New(filepath.Join(dir, lockFileName)),
		logger: logger,
	}
}

// acquire blocks until the lock is held or the context ends. The mutex is
// taken first so only one goroutine per instance contends for the flock.
// Between flock tries it waits on filesystem events for the lock directory
// so a release wakes it immediately, with a polling tick as the fallback.
func (l *writeLock) acquire(ctx context.Context) error {
	if err := l.lockInProcess(ctx); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		if werr := watcher.Add(l.dir); werr != nil {
			watcher.Close()
			watcher = nil
		}
	} else {
		watcher = nil
	}
	if watcher != nil {
		defer watcher.Close()
	}

	for {
		ok, err := l.fl.TryLock()
		if err != nil {
			l.mu.Unlock()
			return fmt.Errorf("archive lock %s: %w", l.dir, err)
		}
		if ok {
			l.healed = l.healStaleOwner()
			if err := l.writeOwner(); err != nil {
				l.fl.Unlock()
				l.mu.Unlock()
				return err
			}
			l.startHeartbeat()
			return nil
		}
		if owner := l.staleOwner(); owner != nil {
			// Holder stopped heartbeating. Remove the sidecar so the
			// flock release (crashed process) lets the next try succeed.
			l.logger.Printf("archive: healing stale lock in %s (pid %d, last heartbeat %s)",
				l.dir, owner.PID, owner.Heartbeat)
			os.Remove(filepath.Join(l.dir, ownerSidecarName))
			os.Remove(filepath.Join(l.dir, lockFileName))
			continue
		}

		select {
		case <-ctx.Done():
			l.mu.Unlock()
			return fmt.Errorf("archive lock %s: %w", l.dir, ctx.Err())
		case <-time.After(lockPollInterval):
		case <-watchEvents(watcher):
		}
	}
}

// lockInProcess takes the mutex, honoring context cancellation while waiting.
func (l *writeLock) lockInProcess(ctx context.Context) error {
	acquired := make(chan struct{})
	go func() {
		l.mu.Lock()
		close(acquired)
	}()
	select {
	case <-acquired:
		return nil
	case <-ctx.Done():
		// The goroutine will still get the mutex eventually; hand it back.
		go func() {
			<-acquired
			l.mu.Unlock()
		}()
		return fmt.Errorf("archive lock %s: %w", l.dir, ctx.Err())
	}
}

// watchEvents adapts the optional watcher to a receivable channel. A nil
// watcher yields a nil channel, which never fires.
func watchEvents(w *fsnotify.Watcher) <-chan fsnotify.Event {
	if w == nil {
		return nil
	}
	return w.Events
}

// release undoes acquire. The mutex unlocks last so heartbeat and sidecar
// state are never touched by two goroutines at once.
func (l *writeLock) release() {
	if l.stopHB != nil {
		close(l.stopHB)
		<-l.hbDone
		l.stopHB = nil
	}
	os.Remove(filepath.Join(l.dir, ownerSidecarName))
	l.fl.Unlock()
	l.mu.Unlock()
}

// takeHealed returns and clears the recovery record from the last acquire.
func (l *writeLock) takeHealed() *lockOwner {
	h := l.healed
	l.healed = nil
	return h
}

func (l *writeLock) writeOwner() error {
	host, _ := os.Hostname()
	data, err := json.Marshal(lockOwner{
		PID:       os.Getpid(),
		Host:      host,
		Heartbeat: time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return err
	}
	path := filepath.Join(l.dir, ownerSidecarName)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write lock owner %s: %w", path, err)
	}
	return nil
}

func (l *writeLock) startHeartbeat() {
	l.stopHB = make(chan struct{})
	l.hbDone = make(chan struct{})
	go func() {
		defer close(l.hbDone)
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-l.stopHB:
				return
			case <-ticker.C:
				if err := l.writeOwner(); err != nil {
					l.logger.Printf("archive: heartbeat: %v", err)
				}
			}
		}
	}()
}

// staleOwner returns the owner record when the sidecar exists and its
// heartbeat is older than the stale threshold.
func (l *writeLock) staleOwner() *lockOwner {
	data, err := os.ReadFile(filepath.Join(l.dir, ownerSidecarName))
	if err != nil {
		return nil
	}
	var o lockOwner
	if err := json.Unmarshal(data, &o); err != nil {
		return nil
	}
	hb, err := time.Parse(time.RFC3339Nano, o.Heartbeat)
	if err != nil {
		return nil
	}
	if time.Since(hb) > staleOwnerAfter {
		return &o
	}
	return nil
}

// healStaleOwner runs after a successful TryLock: a leftover sidecar from a
// crashed holder is recorded so the next commit journals the recovery.
func (l *writeLock) healStaleOwner() *lockOwner {
	o := l.staleOwner()
	if o != nil {
		l.logger.Printf("archive: recovered lock in %s from dead holder pid %d", l.dir, o.PID)
	}
	return o
}
