package archive

import (
	"container/list"
	"context"
	"log"
	"sync"
	"time"
)

const cacheSweepEvery = 8

// repoCache is an LRU of open archive handles keyed by project slug.
// Eviction defers the close: the handle moves to a pending list with a grace
// deadline so in-flight operations holding a reference finish first. Every
// Nth get sweeps pending handles past their grace.
type repoCache struct {
	mu       sync.Mutex
	capacity int
	grace    time.Duration
	logger   *log.Logger

	entries map[string]*list.Element
	order   *list.List // front = most recent
	pending []pendingClose
	gets    int

	open func(ctx context.Context, slug string) (*Repo, error)
}

type cacheEntry struct {
	slug string
	repo *Repo
}

type pendingClose struct {
	repo     *Repo
	deadline time.Time
}

func newRepoCache(capacity int, grace time.Duration, logger *log.Logger,
	open func(ctx context.Context, slug string) (*Repo, error)) *repoCache {
	return &repoCache{
		capacity: capacity,
		grace:    grace,
		logger:   logger,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
		open:     open,
	}
}

// get returns the cached handle for slug, opening it on miss.
func (c *repoCache) get(ctx context.Context, slug string) (*Repo, error) {
	c.mu.Lock()
	c.gets++
	if c.gets%cacheSweepEvery == 0 {
		c.sweepLocked(time.Now())
	}
	if el, ok := c.entries[slug]; ok {
		c.order.MoveToFront(el)
		repo := el.Value.(*cacheEntry).repo
		c.mu.Unlock()
		return repo, nil
	}
	c.mu.Unlock()

	repo, err := c.open(ctx, slug)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Another caller may have raced the open; keep the first one.
	if el, ok := c.entries[slug]; ok {
		c.order.MoveToFront(el)
		c.pending = append(c.pending, pendingClose{repo: repo, deadline: time.Now().Add(c.grace)})
		return el.Value.(*cacheEntry).repo, nil
	}
	c.entries[slug] = c.order.PushFront(&cacheEntry{slug: slug, repo: repo})
	for c.order.Len() > c.capacity {
		c.evictLocked()
	}
	return repo, nil
}

func (c *repoCache) evictLocked() {
	el := c.order.Back()
	if el == nil {
		return
	}
	entry := el.Value.(*cacheEntry)
	c.order.Remove(el)
	delete(c.entries, entry.slug)
	c.pending = append(c.pending, pendingClose{repo: entry.repo, deadline: time.Now().Add(c.grace)})
}

func (c *repoCache) sweepLocked(now time.Time) {
	kept := c.pending[:0]
	for _, p := range c.pending {
		if now.After(p.deadline) {
			if err := p.repo.Close(); err != nil {
				c.logger.Printf("archive: deferred close %s: %v", p.repo.Dir(), err)
			}
		} else {
			kept = append(kept, p)
		}
	}
	c.pending = kept
}

// evict drops one slug immediately into the pending list. The FD-health
// worker calls this under descriptor pressure.
func (c *repoCache) evict(slug string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[slug]; ok {
		entry := el.Value.(*cacheEntry)
		c.order.Remove(el)
		delete(c.entries, entry.slug)
		c.pending = append(c.pending, pendingClose{repo: entry.repo, deadline: time.Now()})
	}
}

// shrink halves the cached handle count, oldest first. Returns how many were
// moved to pending.
func (c *repoCache) shrink() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	target := c.order.Len() / 2
	n := 0
	for c.order.Len() > target {
		c.evictLocked()
		n++
	}
	c.sweepLocked(time.Now().Add(c.grace + time.Second))
	return n
}

// size returns the count of live cached handles.
func (c *repoCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// clear closes every handle immediately, cached and pending.
func (c *repoCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for el := c.order.Front(); el != nil; el = el.Next() {
		entry := el.Value.(*cacheEntry)
		if err := entry.repo.Close(); err != nil {
			c.logger.Printf("archive: close %s: %v", entry.repo.Dir(), err)
		}
	}
	c.order.Init()
	c.entries = make(map[string]*list.Element)
	for _, p := range c.pending {
		_ = p.repo.Close()
	}
	c.pending = nil
}
