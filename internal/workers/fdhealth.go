package workers

import (
	"context"
	"log"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/jaakkos/mailroom/internal/archive"
)

// FD headroom thresholds as a fraction of the process rlimit.
const (
	fdWarnHeadroom       = 0.30
	fdEvictHeadroom      = 0.20
	fdAggressiveHeadroom = 0.15

	// maxShrinkRounds bounds the aggressive-close loop.
	maxShrinkRounds = 8
)

// FDHealth monitors file-descriptor usage against the process rlimit and
// sheds repo-cache handles before an EMFILE cascade makes the server
// unreachable.
type FDHealth struct {
	store    *archive.Store
	logger   *log.Logger
	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}

	// countFDs and limitFDs are swappable for tests.
	countFDs func() (int, error)
	limitFDs func() (uint64, error)
}

// NewFDHealth creates the monitor. The conventional interval is 30s.
func NewFDHealth(store *archive.Store, interval time.Duration, logger *log.Logger) *FDHealth {
	return &FDHealth{
		store:    store,
		logger:   logger,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		countFDs: countOpenFDs,
		limitFDs: fdLimit,
	}
}

func (f *FDHealth) Name() string { return "fd-health" }

// Start runs the check loop until ctx is cancelled or Stop is called.
func (f *FDHealth) Start(ctx context.Context) {
	defer close(f.doneCh)
	f.logger.Printf("fd-health: started (interval=%s)", f.interval)

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-f.stopCh:
			return
		case <-ticker.C:
			f.RunOnce(ctx)
		}
	}
}

// Stop signals the loop and waits for it to exit.
func (f *FDHealth) Stop() {
	close(f.stopCh)
	<-f.doneCh
}

// RunOnce performs one headroom check.
func (f *FDHealth) RunOnce(ctx context.Context) {
	_ = ctx
	limit, err := f.limitFDs()
	if err != nil || limit == 0 {
		f.logger.Printf("fd-health: rlimit: %v", err)
		return
	}
	used, err := f.countFDs()
	if err != nil {
		f.logger.Printf("fd-health: count fds: %v", err)
		return
	}
	headroom := 1 - float64(used)/float64(limit)

	switch {
	case headroom < fdAggressiveHeadroom:
		f.logger.Printf("fd-health: ERROR headroom %.0f%% (%d/%d fds), closing cached repo handles",
			headroom*100, used, limit)
		for i := 0; i < maxShrinkRounds && f.store.CachedHandles() > 0; i++ {
			f.store.Shrink()
		}
	case headroom < fdEvictHeadroom:
		closed := f.store.Shrink()
		f.logger.Printf("fd-health: headroom %.0f%% (%d/%d fds), evicted %d aged handle(s)",
			headroom*100, used, limit, closed)
	case headroom < fdWarnHeadroom:
		f.logger.Printf("fd-health: WARNING headroom %.0f%% (%d/%d fds)", headroom*100, used, limit)
	}
}

func countOpenFDs() (int, error) {
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

func fdLimit() (uint64, error) {
	var rl unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rl); err != nil {
		return 0, err
	}
	return rl.Cur, nil
}
