package workers

import (
	"context"
	"log"
	"time"
)

// defaultReconcileBatch caps how many pending rows one cycle re-emits per
// project.
const defaultReconcileBatch = 50

// Reconciler re-emits archive writes for catalog rows whose commit never
// landed. The messaging engine implements it.
type Reconciler interface {
	ReconcileArchives(ctx context.Context, batch int) (int, error)
}

// ArchiveReconciler drives the dual-write repair loop: catalog rows with a
// null archived_ts get their archive commit retried until it lands.
type ArchiveReconciler struct {
	reconciler Reconciler
	logger     *log.Logger
	interval   time.Duration
	batch      int
	stopCh     chan struct{}
	doneCh     chan struct{}
}

// NewArchiveReconciler creates the reconciler worker.
func NewArchiveReconciler(r Reconciler, interval time.Duration, logger *log.Logger) *ArchiveReconciler {
	return &ArchiveReconciler{
		reconciler: r,
		logger:     logger,
		interval:   interval,
		batch:      defaultReconcileBatch,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

func (a *ArchiveReconciler) Name() string { return "archive-reconciler" }

// Start runs the repair loop until ctx is cancelled or Stop is called.
func (a *ArchiveReconciler) Start(ctx context.Context) {
	defer close(a.doneCh)
	a.logger.Printf("reconciler: started (interval=%s, batch=%d)", a.interval, a.batch)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.RunOnce(ctx)
		}
	}
}

// Stop signals the loop and waits for it to exit.
func (a *ArchiveReconciler) Stop() {
	close(a.stopCh)
	<-a.doneCh
}

// RunOnce performs one reconciliation pass.
func (a *ArchiveReconciler) RunOnce(ctx context.Context) {
	n, err := a.reconciler.ReconcileArchives(ctx, a.batch)
	if err != nil {
		a.logger.Printf("reconciler: %v", err)
		return
	}
	if n > 0 {
		a.logger.Printf("reconciler: re-emitted %d archive write(s)", n)
	}
}
