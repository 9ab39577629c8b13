package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a sliding-window rate limiter keyed by an arbitrary string
// (member id or origin address). It keeps the raw event timestamps inside
// the trailing window rather than a counter, so a burst up to the limit is
// allowed instantly and then throttled until the oldest event ages out.
type Limiter struct {
	mu      sync.Mutex
	history map[string][]time.Time
	limit   int
	window  time.Duration
}

// NewLimiter creates a limiter allowing limit events per window per key.
func NewLimiter(limit int, window time.Duration) *Limiter {
	return &Limiter{
		history: make(map[string][]time.Time),
		limit:   limit,
		window:  window,
	}
}

// Allow reports whether an event at now is within the key's budget. Entries
// older than the window are purged first; a rejected event is not recorded.
func (l *Limiter) Allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	windowStart := now.Add(-l.window)

	attempts := l.history[key]
	fresh := attempts[:0]
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}

	if len(fresh) >= l.limit {
		l.history[key] = fresh
		return false
	}

	l.history[key] = append(fresh, now)
	return true
}

// Cleanup removes keys whose every recorded event has aged out of the
// window. Call periodically to keep idle keys from lingering.
func (l *Limiter) Cleanup(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	windowStart := now.Add(-l.window)
	for key, attempts := range l.history {
		stale := true
		for _, t := range attempts {
			if t.After(windowStart) {
				stale = false
				break
			}
		}
		if stale {
			delete(l.history, key)
		}
	}
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.history)
}
