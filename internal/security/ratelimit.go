package security

import (
	"sync"

	"github.com/neonlink/neonlinkd/internal/clock"
)

// TokenBucket is a per-session command rate limiter. Unlike
// golang.org/x/time/rate, it exposes its literal token count so tests can
// assert the exact refill formula rather than timing behavior.
type TokenBucket struct {
	mu sync.Mutex

	clock clock.Clock

	capacity        float64
	refillPerMinute float64

	tokens       float64
	lastRefillMs int64
}

// NewTokenBucket builds a bucket starting full, refilling at
// refillPerMinute tokens/minute up to capacity.
func NewTokenBucket(c clock.Clock, capacity, refillPerMinute float64) *TokenBucket {
	return &TokenBucket{
		clock:           c,
		capacity:        capacity,
		refillPerMinute: refillPerMinute,
		tokens:          capacity,
		lastRefillMs:    clock.NowMs(c),
	}
}

// Allow attempts to spend one token. It returns true and debits the bucket
// on success, or false without debiting if no token is available.
func (b *TokenBucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Tokens returns the current token count after applying any pending refill,
// for tests and diagnostics.
func (b *TokenBucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	return b.tokens
}

// refillLocked applies tokens = min(capacity, tokens + elapsedMinutes*refillPerMinute).
func (b *TokenBucket) refillLocked() {
	now := clock.NowMs(b.clock)
	elapsedMs := now - b.lastRefillMs
	if elapsedMs <= 0 {
		return
	}
	elapsedMinutes := float64(elapsedMs) / 60000.0
	b.tokens += elapsedMinutes * b.refillPerMinute
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefillMs = now
}
