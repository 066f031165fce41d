package workers

import (
	"context"
	"log"
	"time"

	"github.com/jaakkos/mailroom/internal/reservation"
)

// ReservationSweeper releases expired reservations on a steady interval.
// History is retained; only the released_ts transition and the archive
// sidecar update happen.
type ReservationSweeper struct {
	engine   *reservation.Engine
	logger   *log.Logger
	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewReservationSweeper creates the sweeper.
func NewReservationSweeper(engine *reservation.Engine, interval time.Duration, logger *log.Logger) *ReservationSweeper {
	return &ReservationSweeper{
		engine:   engine,
		logger:   logger,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func (s *ReservationSweeper) Name() string { return "reservation-sweeper" }

// Start runs the sweep loop until ctx is cancelled or Stop is called.
func (s *ReservationSweeper) Start(ctx context.Context) {
	defer close(s.doneCh)
	s.logger.Printf("sweeper: started (interval=%s)", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// Stop signals the loop and waits for it to exit.
func (s *ReservationSweeper) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

// RunOnce performs one sweep cycle.
func (s *ReservationSweeper) RunOnce(ctx context.Context) {
	n, err := s.engine.SweepExpired(ctx)
	if err != nil {
		s.logger.Printf("sweeper: %v", err)
		return
	}
	if n > 0 {
		s.logger.Printf("sweeper: released %d expired reservation(s)", n)
	}
}
