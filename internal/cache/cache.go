// Package cache implements the keyed, TTL-bounded memoization used by the
// Sampler (HostSampler's CPU identity lookup); no command handler goes
// through it. It guarantees at-most-one
// concurrent execution of a factory per key — the same contract as
// golang.org/x/sync/singleflight, extended with TTL-based expiry that
// package has no concept of (see DESIGN.md for why this isn't a thin
// wrapper around it).
package cache

import (
	"sync"

	"github.com/neonlink/neonlinkd/internal/clock"
)

type entry struct {
	value     any
	expiresAt int64 // unix ms; zero means "being computed"
	err       error
	done      chan struct{}
}

// Cache is a process-global keyed cache. The zero value is not usable; use New.
type Cache struct {
	mu    sync.Mutex
	clock clock.Clock
	items map[string]*entry
}

// New builds an empty Cache driven by c.
func New(c clock.Clock) *Cache {
	return &Cache{clock: c, items: make(map[string]*entry)}
}

// Factory computes the value for a cache miss.
type Factory func() (any, error)

// Get returns the cached value for key if present and unexpired, otherwise
// invokes factory exactly once even under concurrent callers; every waiter
// for that key receives the same value or the same error.
func (c *Cache) Get(key string, ttl int64, factory Factory) (any, error) {
	now := clock.NowMs(c.clock)

	c.mu.Lock()
	if e, ok := c.items[key]; ok {
		if e.expiresAt == 0 {
			// computation in flight; wait outside the lock
			c.mu.Unlock()
			<-e.done
			return e.value, e.err
		}
		if e.expiresAt > now {
			c.mu.Unlock()
			return e.value, nil
		}
		delete(c.items, key) // expired: treated as absent
	}
	e := &entry{done: make(chan struct{})}
	c.items[key] = e
	c.mu.Unlock()

	value, err := factory()

	c.mu.Lock()
	if err != nil {
		// factory errors propagate to waiters only; nothing is stored.
		delete(c.items, key)
	} else {
		e.value = value
		e.expiresAt = now + ttl
	}
	e.err = err
	c.mu.Unlock()
	close(e.done)

	return value, err
}

// Invalidate removes key immediately, regardless of TTL.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}
