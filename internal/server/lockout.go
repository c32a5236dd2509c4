// lockout.go - Login lockout after repeated failures from one client.
package server

import (
	"sync"
	"time"
)

type loginAttempt struct {
	count       int
	lastAttempt time.Time
	lockedUntil time.Time
}

// loginLockout locks a client out after maxAttempts failures inside window.
// Entries are pruned lazily on write, so no background goroutine is needed.
type loginLockout struct {
	mu              sync.Mutex
	attempts        map[string]*loginAttempt
	maxAttempts     int
	window          time.Duration
	lockoutDuration time.Duration
}

func newLoginLockout(maxAttempts int, window, lockoutDuration time.Duration) *loginLockout {
	return &loginLockout{
		attempts:        make(map[string]*loginAttempt),
		maxAttempts:     maxAttempts,
		window:          window,
		lockoutDuration: lockoutDuration,
	}
}

func (l *loginLockout) locked(key string, now time.Time) (bool, time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	a, ok := l.attempts[key]
	if !ok || !now.Before(a.lockedUntil) {
		return false, time.Time{}
	}
	return true, a.lockedUntil
}

// recordFailure counts a failed attempt and reports whether key is now
// locked.
func (l *loginLockout) recordFailure(key string, now time.Time) (bool, time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.prune(now)

	a, ok := l.attempts[key]
	if !ok {
		a = &loginAttempt{}
		l.attempts[key] = a
	}
	if now.Sub(a.lastAttempt) > l.window {
		a.count = 0
	}
	a.count++
	a.lastAttempt = now

	if a.count >= l.maxAttempts {
		a.lockedUntil = now.Add(l.lockoutDuration)
		a.count = 0
		return true, a.lockedUntil
	}
	return false, time.Time{}
}

func (l *loginLockout) reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.attempts, key)
}

func (l *loginLockout) prune(now time.Time) {
	for k, a := range l.attempts {
		if !now.Before(a.lockedUntil) && now.Sub(a.lastAttempt) > 2*l.window {
			delete(l.attempts, k)
		}
	}
}
