// Package cache provides a small read-through TTL cache with computation
// coalescing: a second concurrent request for a key already being computed
// awaits the in-flight result instead of duplicating the work.
package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type entry struct {
	value     any
	expiresAt time.Time
}

// Cache is a process-wide keyed cache with explicit invalidation.
type Cache struct {
	ttl   time.Duration
	now   func() time.Time
	group singleflight.Group

	mu      sync.RWMutex
	entries map[string]entry
	// gens counts invalidations per key and epoch counts Clear calls. A
	// compute started before an Invalidate or Clear must not store its
	// result afterwards; comparing both at miss time against store time
	// catches that window.
	gens  map[string]uint64
	epoch uint64
}

// Option configures Cache behavior.
type Option func(*Cache)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(c *Cache) {
		if fn != nil {
			c.now = fn
		}
	}
}

// New constructs a cache whose entries live for ttl after being computed.
func New(ttl time.Duration, opts ...Option) *Cache {
	c := &Cache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]entry),
		gens:    make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached value for key, computing it at most once across
// concurrent callers when absent or expired.
func (c *Cache) Get(ctx context.Context, key string, compute func(context.Context) (any, error)) (any, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && c.now().Before(e.expiresAt) {
		return e.value, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		// Re-check under the flight: an earlier caller may have stored a
		// fresh value between our miss and this closure running.
		c.mu.RLock()
		e, ok := c.entries[key]
		gen, epoch := c.gens[key], c.epoch
		c.mu.RUnlock()
		if ok && c.now().Before(e.expiresAt) {
			return e.value, nil
		}
		value, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		// An Invalidate or Clear while we were computing bumped a counter;
		// the result went to this caller but is already stale, so do not
		// store it.
		if c.gens[key] == gen && c.epoch == epoch {
			c.entries[key] = entry{value: value, expiresAt: c.now().Add(c.ttl)}
		}
		c.mu.Unlock()
		return value, nil
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Invalidate drops a single key, including any result still being computed
// for it.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.gens[key]++
	c.mu.Unlock()
	c.group.Forget(key)
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]entry)
	c.epoch++
	c.mu.Unlock()
}

// Len reports the number of stored entries, expired or not. For tests and
// metrics.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
