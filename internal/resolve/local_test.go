package resolve

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/wherefrom/wherefrom/internal/platform/store"
)

// fakeStore is an in-memory store.Store recording save counts.
type fakeStore struct {
	mu      sync.Mutex
	data    map[string]store.Entry
	saves   int
	loadErr error
	saveErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: make(map[string]store.Entry)}
}

func (s *fakeStore) Load(ctx context.Context) (map[string]store.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loadErr != nil {
		return nil, s.loadErr
	}

	out := make(map[string]store.Entry, len(s.data))
	for k, e := range s.data {
		out[k] = e
	}
	return out, nil
}

func (s *fakeStore) Save(ctx context.Context, entries map[string]store.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.saves++
	if s.saveErr != nil {
		return s.saveErr
	}

	s.data = make(map[string]store.Entry, len(entries))
	for k, e := range entries {
		s.data[k] = e
	}
	return nil
}

func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func TestLocalCache_PutGet(t *testing.T) {
	c := NewLocalCache(LocalCacheConfig{})

	c.Put("alice", "France")

	got, ok := c.Get("alice")
	if !ok || got != "France" {
		t.Fatalf("Expected France, got %q (ok=%v)", got, ok)
	}
}

func TestLocalCache_GetMiss(t *testing.T) {
	c := NewLocalCache(LocalCacheConfig{})

	if _, ok := c.Get("nobody"); ok {
		t.Error("Expected miss for unknown key")
	}
}

func TestLocalCache_EmptyValueRejected(t *testing.T) {
	c := NewLocalCache(LocalCacheConfig{})

	c.Put("alice", "")

	if c.Len() != 0 {
		t.Error("Expected empty value to be rejected")
	}
}

func TestLocalCache_LazyEviction(t *testing.T) {
	now := time.Now()
	c := NewLocalCache(LocalCacheConfig{Retention: time.Hour})
	c.now = func() time.Time { return now }

	c.Put("alice", "France")

	now = now.Add(2 * time.Hour)

	if _, ok := c.Get("alice"); ok {
		t.Fatal("Expected expired entry to be evicted at read time")
	}
	if c.Len() != 0 {
		t.Error("Expected expired entry removed from the map")
	}
}

func TestLocalCache_RetentionWindow(t *testing.T) {
	now := time.Now()
	c := NewLocalCache(LocalCacheConfig{})
	c.now = func() time.Time { return now }

	c.Put("bob", "France")

	c.mu.Lock()
	e := c.entries["bob"]
	c.mu.Unlock()

	want := now.Add(30 * 24 * time.Hour)
	if !e.ExpiresAt.Equal(want) {
		t.Errorf("Expected default 30-day expiry %v, got %v", want, e.ExpiresAt)
	}
}

func TestLocalCache_DebouncedFlush(t *testing.T) {
	fs := newFakeStore()
	c := NewLocalCache(LocalCacheConfig{Store: fs, FlushDebounce: 30 * time.Millisecond})

	for i := 0; i < 5; i++ {
		c.Put("alice", "France")
	}

	time.Sleep(100 * time.Millisecond)

	if got := fs.saveCount(); got != 1 {
		t.Errorf("Expected 5 puts to coalesce into 1 flush, got %d", got)
	}

	// A put after the flush opens a new window.
	c.Put("bob", "Japan")
	time.Sleep(100 * time.Millisecond)

	if got := fs.saveCount(); got != 2 {
		t.Errorf("Expected a second flush, got %d", got)
	}
}

func TestLocalCache_CloseFlushes(t *testing.T) {
	fs := newFakeStore()
	c := NewLocalCache(LocalCacheConfig{Store: fs, FlushDebounce: time.Hour})

	c.Put("alice", "France")
	c.Close(context.Background())

	if got := fs.saveCount(); got != 1 {
		t.Fatalf("Expected final flush on close, got %d saves", got)
	}
	if fs.data["alice"].Value != "France" {
		t.Error("Expected flushed entry in store")
	}
}

func TestLocalCache_LoadDiscardsExpiredAndEmpty(t *testing.T) {
	now := time.Now()
	fs := newFakeStore()
	fs.data = map[string]store.Entry{
		"fresh":   {Value: "France", CachedAt: now, ExpiresAt: now.Add(time.Hour)},
		"expired": {Value: "Japan", CachedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour)},
		"empty":   {Value: "", CachedAt: now, ExpiresAt: now.Add(time.Hour)},
	}

	c := NewLocalCache(LocalCacheConfig{Store: fs})
	c.Load(context.Background())

	if c.Len() != 1 {
		t.Fatalf("Expected 1 surviving entry, got %d", c.Len())
	}
	if got, ok := c.Get("fresh"); !ok || got != "France" {
		t.Errorf("Expected fresh entry to survive, got %q (ok=%v)", got, ok)
	}
}

func TestLocalCache_StoreFailuresDegradeToNoop(t *testing.T) {
	fs := newFakeStore()
	fs.loadErr = errors.New("disk gone")
	fs.saveErr = errors.New("disk gone")

	c := NewLocalCache(LocalCacheConfig{Store: fs, FlushDebounce: 10 * time.Millisecond})

	c.Load(context.Background())
	c.Put("alice", "France")

	time.Sleep(50 * time.Millisecond)

	// The cache keeps serving from memory despite the dead store.
	if got, ok := c.Get("alice"); !ok || got != "France" {
		t.Errorf("Expected in-memory value to survive store failure, got %q (ok=%v)", got, ok)
	}
}
