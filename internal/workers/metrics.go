package workers

import (
	"context"
	"log"
	"time"
)

// ToolStat is one tool's aggregate counters for a snapshot window.
type ToolStat struct {
	Tool   string
	Count  int64
	Errors int64
	P50    time.Duration
	P95    time.Duration
}

// StatSource yields per-tool stats accumulated since the previous snapshot.
type StatSource interface {
	SnapshotStats() []ToolStat
}

// MetricsSnapshot periodically logs per-tool call counts, latency
// percentiles, and error counts.
type MetricsSnapshot struct {
	source   StatSource
	logger   *log.Logger
	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewMetricsSnapshot creates the snapshot worker.
func NewMetricsSnapshot(source StatSource, interval time.Duration, logger *log.Logger) *MetricsSnapshot {
	return &MetricsSnapshot{
		source:   source,
		logger:   logger,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func (m *MetricsSnapshot) Name() string { return "metrics-snapshot" }

// Start runs the snapshot loop until ctx is cancelled or Stop is called.
func (m *MetricsSnapshot) Start(ctx context.Context) {
	defer close(m.doneCh)
	m.logger.Printf("metrics: started (interval=%s)", m.interval)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.RunOnce(ctx)
		}
	}
}

// Stop signals the loop and waits for it to exit.
func (m *MetricsSnapshot) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

// RunOnce logs one snapshot.
func (m *MetricsSnapshot) RunOnce(ctx context.Context) {
	_ = ctx
	stats := m.source.SnapshotStats()
	if len(stats) == 0 {
		return
	}
	for _, s := range stats {
		m.logger.Printf("metrics: %s calls=%d errors=%d p50=%s p95=%s",
			s.Tool, s.Count, s.Errors, s.P50, s.P95)
	}
}
