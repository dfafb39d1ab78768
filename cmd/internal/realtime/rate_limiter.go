package realtime

import (
	"sync"
	"time"
)

// RateLimiter caps how many inbound frames one connection may dispatch within a
// sliding window. The engine owns one per read loop, consults it before decoding,
// and drops a rejected frame with the "rate_limited" reason on
// bwave_realtime_frames_dropped_total. The connection stays open.
type RateLimiter struct {
	mu     sync.Mutex
	events []time.Time
	limit  int
	window time.Duration
}

// NewRateLimiter constructs a RateLimiter with safe defaults when inputs are invalid.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{
		events: make([]time.Time, 0, limit+8),
		limit:  limit,
		window: window,
	}
}

// Allow reports whether a frame read at time "now" should be dispatched.
func (r *RateLimiter) Allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cut := now.Add(-r.window)
	dst := r.events[:0]
	for _, t := range r.events {
		if t.After(cut) {
			dst = append(dst, t)
		}
	}
	r.events = dst

	if len(r.events) >= r.limit {
		return false
	}
	r.events = append(r.events, now)
	return true
}
