package catalog

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/jaakkos/mailroom/internal/domain"
)

const (
	retryAttempts    = 5
	retryBaseDelay   = 20 * time.Millisecond
	breakerThreshold = 8
	breakerCooldown  = 30 * time.Second
)

// isLockErr reports whether err is a transient SQLite lock error worth
// retrying (SQLITE_BUSY / SQLITE_LOCKED from modernc).
func isLockErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED") ||
		strings.Contains(msg, "database table is locked")
}

// breaker opens after a run of sustained lock errors so callers fail fast
// instead of piling more writers onto a wedged database.
type breaker struct {
	mu          sync.Mutex
	consecutive int
	openedAt    time.Time
}

func newBreaker() *breaker {
	return &breaker{}
}

// allow reports whether a write may proceed. The breaker resets after the
// cooldown elapses.
func (b *breaker) allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.consecutive < breakerThreshold {
		return true
	}
	if now.Sub(b.openedAt) >= breakerCooldown {
		b.consecutive = 0
		return true
	}
	return false
}

func (b *breaker) recordSuccess() {
	b.mu.Lock()
	b.consecutive = 0
	b.mu.Unlock()
}

func (b *breaker) recordLockErr(now time.Time) {
	b.mu.Lock()
	b.consecutive++
	if b.consecutive == breakerThreshold {
		b.openedAt = now
	}
	b.mu.Unlock()
}

// withRetry runs fn, retrying transient lock errors with exponential backoff
// and ±25% jitter up to retryAttempts. Exhausted retries surface as a
// recoverable RESOURCE_BUSY; an open breaker surfaces as CIRCUIT_OPEN.
func (c *Catalog) withRetry(ctx context.Context, fn func() error) error {
	if !c.breaker.allow(time.Now()) {
		return domain.E(domain.ErrCircuitOpen, "catalog circuit breaker is open; retry after cooldown")
	}
	var err error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			delay := retryBaseDelay << (attempt - 1)
			// ±25% jitter so herds of agents do not collide in lockstep
			jitter := time.Duration(rand.Int63n(int64(delay)/2+1)) - delay/4
			select {
			case <-time.After(delay + jitter):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		err = fn()
		if err == nil {
			c.breaker.recordSuccess()
			return nil
		}
		if !isLockErr(err) {
			return err
		}
		c.breaker.recordLockErr(time.Now())
	}
	c.logger.Printf("catalog: retries exhausted: %v", err)
	return domain.Busy("database busy after %d attempts: %v", retryAttempts, err)
}
