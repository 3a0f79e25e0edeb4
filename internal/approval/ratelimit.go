package approval

import (
	"sync"
	"time"
)

type rateWindow struct {
	count int
	start time.Time
}

// WindowState is a read-only view of one operation kind's counter.
type WindowState struct {
	Count int
	Start time.Time
}

// RateLimiter keeps one fixed window per operation kind. It is global per
// kind, not per caller.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[OperationType]*rateWindow
	now     func() time.Time
}

func NewRateLimiter(now func() time.Time) *RateLimiter {
	if now == nil {
		now = time.Now
	}
	return &RateLimiter{
		windows: make(map[OperationType]*rateWindow),
		now:     now,
	}
}

// Allow consumes one unit of quota for op. A missing or expired window is
// replaced with a fresh one counting this request. A full window denies
// without counting the denied attempt.
func (r *RateLimiter) Allow(op OperationType, max int, window time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	w, ok := r.windows[op]
	if !ok || now.Sub(w.start) > window {
		r.windows[op] = &rateWindow{count: 1, start: now}
		return true
	}
	if w.count >= max {
		return false
	}
	w.count++
	return true
}

// Reset clears every counter.
func (r *RateLimiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.windows)
}

func (r *RateLimiter) Snapshot() map[OperationType]WindowState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[OperationType]WindowState, len(r.windows))
	for op, w := range r.windows {
		out[op] = WindowState{Count: w.count, Start: w.start}
	}
	return out
}
