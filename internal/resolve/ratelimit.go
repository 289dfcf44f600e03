package resolve

import (
	"sync"
	"time"
)

// RateLimiter tracks the process-wide "resume at" window imposed by the
// upstream source. The window is set out-of-band (by a rate-limited
// fetch result or the external notifier) and clears itself once the
// deadline passes. This is not a request budget; for token-bucket
// budgeting see the resilience package.
type RateLimiter struct {
	mu       sync.Mutex
	resumeAt time.Time
	now      func() time.Time
}

// NewRateLimiter creates an unblocked rate-limit window.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{now: time.Now}
}

// SetResumeAt blocks dispatch until t. A zero or past t clears the window.
func (rl *RateLimiter) SetResumeAt(t time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.resumeAt = t
}

// Clear removes the window.
func (rl *RateLimiter) Clear() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.resumeAt = time.Time{}
}

// Blocked reports whether dispatch is currently suspended. An elapsed
// window is cleared on observation.
func (rl *RateLimiter) Blocked() bool {
	blocked, _ := rl.state()
	return blocked
}

// Remaining returns how long the current window still holds. Zero when
// unblocked.
func (rl *RateLimiter) Remaining() time.Duration {
	_, remaining := rl.state()
	return remaining
}

func (rl *RateLimiter) state() (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.resumeAt.IsZero() {
		return false, 0
	}

	remaining := rl.resumeAt.Sub(rl.now())
	if remaining <= 0 {
		rl.resumeAt = time.Time{}
		return false, 0
	}

	return true, remaining
}
