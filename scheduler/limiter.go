package scheduler

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter governs how often a lost task may trigger a scaling action,
// one token bucket per application id. Grounded on the teacher's
// TokenBucketLimiter (golang.org/x/time/rate per key), narrowed to the
// setPermits/tryAcquire contract spec.md §4.3 defines.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRateLimiter returns an empty limiter registry.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{limiters: make(map[string]*rate.Limiter)}
}

// SetPermits establishes (or replaces) the bucket for appID at
// ratePerSecond tokens/second, with a burst of one token.
func (r *RateLimiter) SetPermits(appID string, ratePerSecond float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ratePerSecond <= 0 {
		delete(r.limiters, appID)
		return
	}
	r.limiters[appID] = rate.NewLimiter(rate.Limit(ratePerSecond), 1)
}

// TryAcquire returns true and consumes a token iff one is available for
// appID. An app with no configured bucket is always permitted — setPermits
// is opt-in throttling, not a default deny.
func (r *RateLimiter) TryAcquire(appID string) bool {
	r.mu.Lock()
	l, ok := r.limiters[appID]
	r.mu.Unlock()
	if !ok {
		return true
	}
	return l.Allow()
}
