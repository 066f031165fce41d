// Package workers holds the long-running background tasks: reservation
// sweep, ACK TTL monitoring, FD-budget health, retention reporting, archive
// reconciliation, and tool metrics snapshots. Each worker runs a steady tick
// loop and stops cleanly on shutdown.
package workers

import (
	"context"
	"log"
	"sync"
)

// Worker is one background loop. Start blocks until ctx is cancelled or
// Stop is called; Stop waits for the loop to exit.
type Worker interface {
	Name() string
	Start(ctx context.Context)
	Stop()
}

// Manager owns the worker set and their goroutines.
type Manager struct {
	workers  []Worker
	logger   *log.Logger
	wg       sync.WaitGroup
	started  bool
	stopOnce sync.Once
}

// NewManager creates an empty manager.
func NewManager(logger *log.Logger) *Manager {
	return &Manager{logger: logger}
}

// Add registers a worker. Must happen before StartAll.
func (m *Manager) Add(w Worker) {
	m.workers = append(m.workers, w)
}

// StartAll launches every worker on its own goroutine.
func (m *Manager) StartAll(ctx context.Context) {
	m.started = true
	for _, w := range m.workers {
		m.wg.Add(1)
		go func(w Worker) {
			defer m.wg.Done()
			w.Start(ctx)
		}(w)
	}
	m.logger.Printf("workers: started %d worker(s)", len(m.workers))
}

// StopAll stops every worker and waits for the goroutines to drain. A no-op
// when StartAll never ran, and safe to call more than once.
func (m *Manager) StopAll() {
	m.stopOnce.Do(func() {
		if !m.started {
			return
		}
		for _, w := range m.workers {
			w.Stop()
		}
		m.wg.Wait()
		m.logger.Println("workers: all stopped")
	})
}
