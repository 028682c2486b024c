package orchestrator

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter defines the interface for rate limiting.
type RateLimiter interface {
	Allow(key string) bool
}

// TokenBucketLimiter implements RateLimiter using token buckets.
type TokenBucketLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	r        rate.Limit
	b        int
}

// NewTokenBucketLimiter creates a new limiter with rate r tokens per second and burst b.
// Using generic rate.Limit for flexibility.
func NewTokenBucketLimiter(r float64, b int) *TokenBucketLimiter {
	return &TokenBucketLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Limit(r),
		b:        b,
	}
}

// Allow checks if the key is allowed to proceed.
func (l *TokenBucketLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, exists := l.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(l.r, l.b)
		l.limiters[key] = limiter
	}

	return limiter.Allow()
}

// Reserve checks permission and returns a delay if limit is exceeded.
func (l *TokenBucketLimiter) Reserve(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, exists := l.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(l.r, l.b)
		l.limiters[key] = limiter
	}

	r := limiter.Reserve()
	delay := r.Delay()
	if delay > 0 {
		r.Cancel() // We are just checking, so cancel the reservation
		return false, delay
	}
	return true, 0
}

// EnsureLimiter guarantees a limiter exists for the key (used for health init)
func (l *TokenBucketLimiter) EnsureLimiter(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.limiters[key]; !exists {
		l.limiters[key] = rate.NewLimiter(l.r, l.b)
	}
}

// DynamicLimiter enforces a progressively stricter concurrency ceiling for
// a sandbox failure domain (pool shard / az) the more it has recently
// failed judging runs — a domain that just lost a node should accept
// fewer in-flight submissions than one that hasn't failed at all, rather
// than every domain sharing one fixed cap regardless of recent health.
type DynamicLimiter struct {
	mu            sync.Mutex
	healthyLimit  int
	degradedLimit int
	failureTrip   int // failures beyond which the degraded limit applies
}

// NewDynamicLimiter creates a limiter that allows healthyLimit concurrent
// submissions per failure domain, dropping to degradedLimit once that
// domain has recorded more than failureTrip recent judging failures.
func NewDynamicLimiter(healthyLimit, degradedLimit, failureTrip int) *DynamicLimiter {
	return &DynamicLimiter{
		healthyLimit:  healthyLimit,
		degradedLimit: degradedLimit,
		failureTrip:   failureTrip,
	}
}

// Admit reports whether another submission may enter the given failure
// domain given its current in-flight count and recent failure count.
func (d *DynamicLimiter) Admit(active, failures int) bool {
	d.mu.Lock()
	limit := d.healthyLimit
	if failures > d.failureTrip {
		limit = d.degradedLimit
	}
	d.mu.Unlock()
	return active < limit
}
