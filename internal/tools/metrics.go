package tools

import (
	"sort"
	"sync"
	"time"

	"github.com/jaakkos/mailroom/internal/workers"
)

// maxLatencySamples bounds the per-tool sample buffer between snapshots.
const maxLatencySamples = 1024

// Metrics accumulates per-tool call counts and latencies. The snapshot
// worker drains it periodically.
type Metrics struct {
	mu     sync.Mutex
	series map[string]*toolSeries
}

type toolSeries struct {
	count     int64
	errors    int64
	latencies []time.Duration
}

// NewMetrics creates an empty registry.
func NewMetrics() *Metrics {
	return &Metrics{series: make(map[string]*toolSeries)}
}

// Observe records one tool call.
func (m *Metrics) Observe(tool string, d time.Duration, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.series[tool]
	if s == nil {
		s = &toolSeries{}
		m.series[tool] = s
	}
	s.count++
	if failed {
		s.errors++
	}
	if len(s.latencies) < maxLatencySamples {
		s.latencies = append(s.latencies, d)
	}
}

// SnapshotStats returns the accumulated stats sorted by tool name and resets
// the window.
func (m *Metrics) SnapshotStats() []workers.ToolStat {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]workers.ToolStat, 0, len(m.series))
	for tool, s := range m.series {
		out = append(out, workers.ToolStat{
			Tool:   tool,
			Count:  s.count,
			Errors: s.errors,
			P50:    percentile(s.latencies, 50),
			P95:    percentile(s.latencies, 95),
		})
	}
	m.series = make(map[string]*toolSeries)
	sort.Slice(out, func(i, j int) bool { return out[i].Tool < out[j].Tool })
	return out
}

// Totals returns cumulative call and error counts for the current window.
func (m *Metrics) Totals() (calls, errs int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.series {
		calls += s.count
		errs += s.errors
	}
	return calls, errs
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := (len(sorted)*p + 99) / 100
	if idx > 0 {
		idx--
	}
	return sorted[idx]
}
