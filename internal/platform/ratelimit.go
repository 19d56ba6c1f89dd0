package platform

import (
	"sync"
	"time"
)

// RateLimiter is a per-key sliding-window limiter. Keys are
// provider-qualified user ids so the same person on two platforms gets
// two budgets. Scheduled runs never pass through it; only inbound user
// messages are gated.
type RateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	history map[string][]time.Time
	now     func() time.Time
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = 20
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		limit:   limit,
		window:  window,
		history: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// Allow records an attempt and reports whether it is within budget. When
// denied, retryAfter says how long until the oldest counted attempt ages
// out of the window.
func (r *RateLimiter) Allow(key string) (ok bool, retryAfter time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-r.window)

	kept := r.history[key][:0]
	for _, t := range r.history[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= r.limit {
		r.history[key] = kept
		return false, kept[0].Sub(cutoff)
	}
	r.history[key] = append(kept, now)
	return true, 0
}
