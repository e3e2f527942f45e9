// Package ratelimit provides fixed-window request limiting for the decision
// endpoint, backed by Redis with an in-memory fallback.
package ratelimit

import (
	"sync"
	"time"
)

// Result reports the outcome of one Allow call.
type Result struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

type Limiter interface {
	Allow(key string, limit int) Result
}

// InMemoryLimiter counts per-key hits within a fixed window. Windows are not
// shared across processes; use the Redis limiter when running replicas.
type InMemoryLimiter struct {
	mu     sync.Mutex
	window time.Duration
	counts map[string]windowCount
}

type windowCount struct {
	hits    int
	resetAt time.Time
}

func NewInMemory(window time.Duration) *InMemoryLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &InMemoryLimiter{
		window: window,
		counts: make(map[string]windowCount),
	}
}

func (l *InMemoryLimiter) Allow(key string, limit int) Result {
	if limit <= 0 {
		limit = 1
	}
	now := time.Now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, c := range l.counts {
		if now.After(c.resetAt) {
			delete(l.counts, k)
		}
	}
	c, ok := l.counts[key]
	if !ok || now.After(c.resetAt) {
		c = windowCount{resetAt: now.Add(l.window)}
	}
	c.hits++
	l.counts[key] = c
	return tally(c.hits, limit, c.resetAt)
}

func tally(count, limit int, resetAt time.Time) Result {
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   count <= limit,
		Count:     count,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}
