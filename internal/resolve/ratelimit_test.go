package resolve

import (
	"testing"
	"time"
)

func TestRateLimiter_Unblocked(t *testing.T) {
	rl := NewRateLimiter()

	if rl.Blocked() {
		t.Error("Expected new limiter to be unblocked")
	}
	if rl.Remaining() != 0 {
		t.Errorf("Expected zero remaining, got %v", rl.Remaining())
	}
}

func TestRateLimiter_BlocksUntilResumeAt(t *testing.T) {
	now := time.Now()
	rl := NewRateLimiter()
	rl.now = func() time.Time { return now }

	rl.SetResumeAt(now.Add(120 * time.Second))

	if !rl.Blocked() {
		t.Fatal("Expected blocked inside window")
	}
	if got := rl.Remaining(); got != 120*time.Second {
		t.Errorf("Expected 120s remaining, got %v", got)
	}

	// Advance past the deadline; the window clears on observation.
	now = now.Add(121 * time.Second)

	if rl.Blocked() {
		t.Error("Expected unblocked after resumeAt elapsed")
	}
	if rl.Remaining() != 0 {
		t.Errorf("Expected zero remaining after clear, got %v", rl.Remaining())
	}
}

func TestRateLimiter_Clear(t *testing.T) {
	rl := NewRateLimiter()
	rl.SetResumeAt(time.Now().Add(time.Hour))

	if !rl.Blocked() {
		t.Fatal("Expected blocked")
	}

	rl.Clear()

	if rl.Blocked() {
		t.Error("Expected unblocked after Clear")
	}
}

func TestRateLimiter_PastResumeAtIsNoop(t *testing.T) {
	rl := NewRateLimiter()
	rl.SetResumeAt(time.Now().Add(-time.Minute))

	if rl.Blocked() {
		t.Error("Expected past resumeAt to leave limiter unblocked")
	}
}
