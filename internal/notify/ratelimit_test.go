package notify

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/wherefrom/wherefrom/internal/resolve"
)

func newTestNotifier(t *testing.T) (*WindowNotifier, *miniredis.Miniredis, *resolve.RateLimiter) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	limiter := resolve.NewRateLimiter()
	n := NewWindowNotifier(WindowNotifierConfig{
		Client:  client,
		Channel: "test:ratelimit",
		Limiter: limiter,
	})

	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { n.Close() })

	return n, mr, limiter
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestWindowNotifier_SetsWindow(t *testing.T) {
	_, mr, limiter := newTestNotifier(t)

	resumeAt := time.Now().Add(10 * time.Minute).Unix()
	mr.Publish("test:ratelimit", fmt.Sprintf(`{"resume_at": %d}`, resumeAt))

	waitFor(t, limiter.Blocked, "Expected notification to set the window")
}

func TestWindowNotifier_ClearsWindow(t *testing.T) {
	_, mr, limiter := newTestNotifier(t)

	limiter.SetResumeAt(time.Now().Add(time.Hour))
	mr.Publish("test:ratelimit", `{"resume_at": 0}`)

	waitFor(t, func() bool { return !limiter.Blocked() }, "Expected notification to clear the window")
}

func TestWindowNotifier_DropsMalformedMessages(t *testing.T) {
	_, mr, limiter := newTestNotifier(t)

	mr.Publish("test:ratelimit", `not json`)

	resumeAt := time.Now().Add(10 * time.Minute).Unix()
	mr.Publish("test:ratelimit", fmt.Sprintf(`{"resume_at": %d}`, resumeAt))

	// The bad message must not kill the consumer.
	waitFor(t, limiter.Blocked, "Expected consumer to survive a malformed message")
}

func TestWindowNotifier_Announce(t *testing.T) {
	n, _, limiter := newTestNotifier(t)

	// Announcing loops back through the subscription.
	n.Announce(context.Background(), time.Now().Add(10*time.Minute))

	waitFor(t, limiter.Blocked, "Expected announced window to arrive via the channel")
}
