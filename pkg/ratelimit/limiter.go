package ratelimit

import (
	"sync"
	"time"
)

// Decision is the outcome of one fixed-window check.
type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

type Limiter interface {
	Allow(key string, limit int) Decision
}

var limiterNow = func() time.Time { return time.Now().UTC() }

type bucket struct {
	count   int
	resetAt time.Time
}

func (b bucket) expired(now time.Time) bool {
	return now.After(b.resetAt)
}

// InMemoryLimiter is a per-process fixed-window counter. It backs a
// single gateway instance and takes over when redis is unreachable.
type InMemoryLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	buckets map[string]bucket
}

func NewInMemory(window time.Duration) *InMemoryLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &InMemoryLimiter{
		window:  window,
		buckets: make(map[string]bucket),
	}
}

func (l *InMemoryLimiter) Allow(key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	now := limiterNow()

	l.mu.Lock()
	for k, b := range l.buckets {
		if b.expired(now) {
			delete(l.buckets, k)
		}
	}
	b, ok := l.buckets[key]
	if !ok || b.expired(now) {
		b = bucket{resetAt: now.Add(l.window)}
	}
	b.count++
	l.buckets[key] = b
	l.mu.Unlock()

	return decisionFor(b.count, limit, b.resetAt)
}

func decisionFor(count, limit int, resetAt time.Time) Decision {
	return Decision{
		Allowed:   count <= limit,
		Count:     count,
		Limit:     limit,
		Remaining: max(limit-count, 0),
		ResetAt:   resetAt,
	}
}
