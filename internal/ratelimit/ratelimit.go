// Package ratelimit implements the global and per-token token buckets that
// gate every request before dispatch.
package ratelimit

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/valetd/valet/internal/core"
)

// Refill rates are per second; bursts are bucket capacities.
const (
	GlobalRate  = 20.0
	GlobalBurst = 40.0
	TokenRate   = 10.0
	TokenBurst  = 20.0
)

// bucket is a refill-on-inspect token bucket. The critical section is a
// handful of arithmetic operations and never suspends.
type bucket struct {
	mu       sync.Mutex
	capacity float64
	rate     float64
	tokens   float64
	last     time.Time
}

func newBucket(rate, capacity float64, now time.Time) *bucket {
	return &bucket{capacity: capacity, rate: rate, tokens: capacity, last: now}
}

func (b *bucket) allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.rate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.last = now
	}
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Limiter holds one global bucket plus lazily created per-identity buckets.
// Buckets are never deleted during a process lifetime.
type Limiter struct {
	clock    clockwork.Clock
	global   *bucket
	perToken *xsync.MapOf[string, *bucket]
}

func New() *Limiter {
	return NewWithClock(clockwork.NewRealClock())
}

func NewWithClock(clock clockwork.Clock) *Limiter {
	return &Limiter{
		clock:    clock,
		global:   newBucket(GlobalRate, GlobalBurst, clock.Now()),
		perToken: xsync.NewMapOf[string, *bucket](),
	}
}

// Allow deducts one token from the global bucket and from the bucket for
// the given identity (the token hash). If either refuses, the request fails
// RateLimited before dispatch.
func (l *Limiter) Allow(identity string) error {
	now := l.clock.Now()

	if !l.global.allow(now) {
		return core.E(core.KindRateLimited, "global rate limit exceeded")
	}

	b, _ := l.perToken.LoadOrCompute(identity, func() *bucket {
		return newBucket(TokenRate, TokenBurst, now)
	})
	if !b.allow(now) {
		return core.E(core.KindRateLimited, "rate limit exceeded")
	}
	return nil
}
