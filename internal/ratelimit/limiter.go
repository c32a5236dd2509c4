// Package ratelimit counts requests per key in fixed windows, in process
// or in Redis.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter is how long the caller should wait before the window resets.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if d.Allowed {
		return 0
	}
	wait := d.ResetAt.Sub(now)
	if wait < time.Second {
		wait = time.Second
	}
	return wait
}

// Limiter counts a hit against key and reports whether it is within limit
// for window.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) Decision
}

type counter struct {
	count   int
	resetAt time.Time
}

// InMemory is a per-process fixed-window limiter.
type InMemory struct {
	mu    sync.Mutex
	now   func() time.Time
	items map[string]counter
	// sweeps expired entries once this many calls have passed.
	calls int
}

func NewInMemory() *InMemory {
	return &InMemory{
		now:   time.Now,
		items: make(map[string]counter),
	}
}

func (l *InMemory) Allow(_ context.Context, key string, limit int, window time.Duration) Decision {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	now := l.now().UTC()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.calls++
	if l.calls%256 == 0 {
		l.sweep(now)
	}

	curr, ok := l.items[key]
	if !ok || !now.Before(curr.resetAt) {
		curr = counter{resetAt: now.Add(window)}
	}
	curr.count++
	l.items[key] = curr

	return decide(curr.count, limit, curr.resetAt)
}

func (l *InMemory) sweep(now time.Time) {
	for k, v := range l.items {
		if !now.Before(v.resetAt) {
			delete(l.items, k)
		}
	}
}

// Len reports how many keys are tracked.
func (l *InMemory) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

func decide(count, limit int, resetAt time.Time) Decision {
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= limit,
		Count:     count,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}
