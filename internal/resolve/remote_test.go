package resolve

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeTransport answers /check and /add from in-memory state and
// records every call.
type fakeTransport struct {
	mu     sync.Mutex
	checks int
	adds   []addRequest

	// value returned by /check; nil means absent
	value *string
	// fail makes every call a connection-level failure
	fail bool
	// delay applied before answering, to hold calls in flight
	delay time.Duration
	// onCheck, when set, runs under the lock with the 1-based call number
	// before the /check response is built; it may mutate value directly.
	onCheck func(n int)
}

func (t *fakeTransport) Call(ctx context.Context, method, path string, body any) Response {
	t.mu.Lock()
	delay := t.delay
	t.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.fail {
		return Response{}
	}

	switch {
	case strings.HasPrefix(path, "/check"):
		t.checks++
		if t.onCheck != nil {
			t.onCheck(t.checks)
		}
		now := time.Now().UTC()
		data, _ := json.Marshal(checkResponse{
			Value:       t.value,
			Cached:      t.value != nil,
			LastChecked: now,
			ExpiresAt:   now.Add(7 * 24 * time.Hour),
		})
		return Response{OK: true, Status: 200, Data: data}

	case path == "/add":
		t.adds = append(t.adds, body.(addRequest))
		return Response{OK: true, Status: 201}

	default:
		return Response{Status: 404}
	}
}

func (t *fakeTransport) checkCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.checks
}

func (t *fakeTransport) addCalls() []addRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]addRequest(nil), t.adds...)
}

func (t *fakeTransport) setValue(v string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.value = &v
}

func strptr(s string) *string { return &s }

func TestRemoteClient_LookupHit(t *testing.T) {
	tr := &fakeTransport{value: strptr("France")}
	c := NewRemoteClient(RemoteClientConfig{Transport: tr})

	got, ok := c.Lookup(context.Background(), "alice", false)
	if !ok || got != "France" {
		t.Fatalf("Expected France, got %q (ok=%v)", got, ok)
	}
}

func TestRemoteClient_MemoServesSecondLookup(t *testing.T) {
	tr := &fakeTransport{value: strptr("France")}
	c := NewRemoteClient(RemoteClientConfig{Transport: tr})

	c.Lookup(context.Background(), "alice", false)
	c.Lookup(context.Background(), "alice", false)

	if got := tr.checkCalls(); got != 1 {
		t.Errorf("Expected 1 network read, got %d", got)
	}
}

func TestRemoteClient_AbsentIsMemoizedForTTLOnly(t *testing.T) {
	now := time.Now()
	tr := &fakeTransport{} // absent
	c := NewRemoteClient(RemoteClientConfig{Transport: tr, MemoTTL: 15 * time.Minute})
	c.now = func() time.Time { return now }

	if _, ok := c.Lookup(context.Background(), "alice", false); ok {
		t.Fatal("Expected absent")
	}
	if _, ok := c.Lookup(context.Background(), "alice", false); ok {
		t.Fatal("Expected memoized absent")
	}
	if got := tr.checkCalls(); got != 1 {
		t.Fatalf("Expected absent memo to suppress the second read, got %d", got)
	}

	// Past the TTL the memo no longer answers.
	now = now.Add(16 * time.Minute)

	c.Lookup(context.Background(), "alice", false)
	if got := tr.checkCalls(); got != 2 {
		t.Errorf("Expected a fresh read after memo expiry, got %d", got)
	}
}

func TestRemoteClient_ForceBypassesMemo(t *testing.T) {
	tr := &fakeTransport{}
	c := NewRemoteClient(RemoteClientConfig{Transport: tr})

	c.Lookup(context.Background(), "alice", false)

	tr.setValue("Japan")

	got, ok := c.Lookup(context.Background(), "alice", true)
	if !ok || got != "Japan" {
		t.Fatalf("Expected forced refresh to return Japan, got %q (ok=%v)", got, ok)
	}
	if tr.checkCalls() != 2 {
		t.Errorf("Expected 2 network reads, got %d", tr.checkCalls())
	}
}

func TestRemoteClient_ConcurrentLookupsShareOneRead(t *testing.T) {
	tr := &fakeTransport{value: strptr("France"), delay: 50 * time.Millisecond}
	c := NewRemoteClient(RemoteClientConfig{Transport: tr})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, ok := c.Lookup(context.Background(), "alice", false)
			if !ok || got != "France" {
				t.Errorf("Expected France, got %q (ok=%v)", got, ok)
			}
		}()
	}
	wg.Wait()

	if got := tr.checkCalls(); got != 1 {
		t.Errorf("Expected exactly 1 network read for 5 concurrent lookups, got %d", got)
	}
}

func TestRemoteClient_NetworkFailureNotMemoized(t *testing.T) {
	tr := &fakeTransport{fail: true}
	c := NewRemoteClient(RemoteClientConfig{Transport: tr})

	if _, ok := c.Lookup(context.Background(), "alice", false); ok {
		t.Fatal("Expected absent on network failure")
	}

	// Once the transport recovers the next lookup must retry, not serve
	// a memoized failure.
	tr.mu.Lock()
	tr.fail = false
	tr.value = strptr("France")
	tr.mu.Unlock()

	got, ok := c.Lookup(context.Background(), "alice", false)
	if !ok || got != "France" {
		t.Errorf("Expected retry to succeed, got %q (ok=%v)", got, ok)
	}
}

func TestRemoteClient_OnValueBackfills(t *testing.T) {
	tr := &fakeTransport{value: strptr("France")}

	var mu sync.Mutex
	backfilled := map[string]string{}

	c := NewRemoteClient(RemoteClientConfig{
		Transport: tr,
		OnValue: func(key, value string) {
			mu.Lock()
			backfilled[key] = value
			mu.Unlock()
		},
	})

	c.Lookup(context.Background(), "alice", false)

	mu.Lock()
	defer mu.Unlock()
	if backfilled["alice"] != "France" {
		t.Errorf("Expected backfill hook to fire, got %v", backfilled)
	}
}

func TestRemoteClient_UpsertSkipsUnrecognizedValue(t *testing.T) {
	tr := &fakeTransport{}
	c := NewRemoteClient(RemoteClientConfig{Transport: tr})

	c.Upsert(context.Background(), "alice", "Planet Mars")

	if got := len(tr.addCalls()); got != 0 {
		t.Errorf("Expected no network call for a value outside the vocabulary, got %d", got)
	}
}

func TestRemoteClient_EnsureUpsertThrottles(t *testing.T) {
	now := time.Now()
	tr := &fakeTransport{}
	c := NewRemoteClient(RemoteClientConfig{Transport: tr, UpsertInterval: 3 * time.Minute})
	c.now = func() time.Time { return now }

	c.EnsureUpsert(context.Background(), "bob", "France")
	c.EnsureUpsert(context.Background(), "bob", "France")

	if got := len(tr.addCalls()); got != 1 {
		t.Fatalf("Expected exactly 1 POST /add within the throttle window, got %d", got)
	}

	// Past the interval the write-back goes out again.
	now = now.Add(4 * time.Minute)

	c.EnsureUpsert(context.Background(), "bob", "France")
	if got := len(tr.addCalls()); got != 2 {
		t.Errorf("Expected a second POST /add after the interval, got %d", got)
	}

	adds := tr.addCalls()
	if adds[0].Key != "bob" || adds[0].Value != "France" {
		t.Errorf("Unexpected upsert payload: %+v", adds[0])
	}
}

func TestRemoteClient_UpsertFailureSwallowed(t *testing.T) {
	tr := &fakeTransport{fail: true}
	c := NewRemoteClient(RemoteClientConfig{Transport: tr})

	// Must not panic or propagate anything.
	c.Upsert(context.Background(), "bob", "France")
}
