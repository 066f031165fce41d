package workers

import (
	"context"
	"log"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/jaakkos/mailroom/internal/archive"
	"github.com/jaakkos/mailroom/internal/catalog"
)

// RetentionReporter periodically totals per-project archive usage and warns
// when a project exceeds the configured quota. It never deletes anything.
type RetentionReporter struct {
	catalog  *catalog.Catalog
	store    *archive.Store
	logger   *log.Logger
	interval time.Duration
	quota    int64
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewRetentionReporter creates the reporter. quota <= 0 disables the warning.
func NewRetentionReporter(c *catalog.Catalog, store *archive.Store,
	interval time.Duration, quota int64, logger *log.Logger) *RetentionReporter {
	return &RetentionReporter{
		catalog:  c,
		store:    store,
		logger:   logger,
		interval: interval,
		quota:    quota,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func (r *RetentionReporter) Name() string { return "retention-reporter" }

// Start runs the report loop until ctx is cancelled or Stop is called.
func (r *RetentionReporter) Start(ctx context.Context) {
	defer close(r.doneCh)
	r.logger.Printf("retention: started (interval=%s, quota=%s)",
		r.interval, humanize.IBytes(uint64(max(r.quota, 0))))

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// Stop signals the loop and waits for it to exit.
func (r *RetentionReporter) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

// RunOnce scans every project archive and logs the usage report.
func (r *RetentionReporter) RunOnce(ctx context.Context) {
	projects, err := r.catalog.ListProjects(ctx)
	if err != nil {
		r.logger.Printf("retention: list projects: %v", err)
		return
	}
	var totalFiles int
	var totalBytes int64
	for _, p := range projects {
		u, err := r.store.Usage(p.Slug)
		if err != nil {
			r.logger.Printf("retention: usage %s: %v", p.Slug, err)
			continue
		}
		totalFiles += u.Files
		totalBytes += u.Bytes
		if r.quota > 0 && u.Bytes > r.quota {
			r.logger.Printf("retention: WARNING project %s uses %s, over the %s quota",
				p.Slug, humanize.IBytes(uint64(u.Bytes)), humanize.IBytes(uint64(r.quota)))
		}
	}
	r.logger.Printf("retention: %d project(s), %d file(s), %s total",
		len(projects), totalFiles, humanize.IBytes(uint64(totalBytes)))
}
