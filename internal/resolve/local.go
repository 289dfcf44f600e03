package resolve

import (
	"context"
	"sync"
	"time"

	"github.com/wherefrom/wherefrom/internal/platform/observability"
	"github.com/wherefrom/wherefrom/internal/platform/store"
)

// LocalCache is the first lookup tier: an in-memory map of present
// values mirrored to a durable store. Absent results are never stored,
// so a key with no known location stays retryable. Expired entries are
// discarded lazily at read time.
type LocalCache struct {
	store     store.Store
	retention time.Duration
	debounce  time.Duration

	mu      sync.Mutex
	entries map[string]store.Entry
	dirty   bool
	pending *time.Timer
	closed  bool

	now     func() time.Time
	logger  *observability.Logger
	metrics *observability.Metrics
}

// LocalCacheConfig holds LocalCache configuration.
type LocalCacheConfig struct {
	// Store is the durable backing store. Nil disables persistence.
	Store store.Store

	// Retention bounds entry lifetime (default 30 days).
	Retention time.Duration

	// FlushDebounce coalesces Put bursts into one store write
	// (default 5s).
	FlushDebounce time.Duration

	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// NewLocalCache creates a LocalCache. Call Load to import persisted
// entries and Close to guarantee the final flush.
func NewLocalCache(cfg LocalCacheConfig) *LocalCache {
	if cfg.Retention <= 0 {
		cfg.Retention = 30 * 24 * time.Hour
	}
	if cfg.FlushDebounce <= 0 {
		cfg.FlushDebounce = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}

	return &LocalCache{
		store:     cfg.Store,
		retention: cfg.Retention,
		debounce:  cfg.FlushDebounce,
		entries:   make(map[string]store.Entry),
		now:       time.Now,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
	}
}

// Get returns the cached value for key. ok is false when there is no
// entry or the entry expired; expired entries are removed on the spot.
func (c *LocalCache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return "", false
	}

	// Defensive: the Put invariant forbids empty values, but a backing
	// store populated by an older build may still carry them.
	if e.Value == "" || !e.ExpiresAt.After(c.now()) {
		delete(c.entries, key)
		return "", false
	}

	return e.Value, true
}

// Put stores a present value for key, overwriting any prior entry and
// restarting the retention window. Empty values are rejected so absent
// lookups remain retryable.
func (c *LocalCache) Put(key, value string) {
	if key == "" || value == "" {
		return
	}

	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	c.entries[key] = store.Entry{
		Value:     value,
		CachedAt:  now,
		ExpiresAt: now.Add(c.retention),
	}
	c.markDirty()
}

// markDirty schedules a debounced flush (caller must hold lock).
// Repeated Puts within the window coalesce into the one pending flush.
func (c *LocalCache) markDirty() {
	c.dirty = true

	if c.store == nil || c.pending != nil {
		return
	}

	c.pending = time.AfterFunc(c.debounce, func() {
		c.Flush(context.Background())
	})
}

// Load imports persisted entries, dropping anything expired or empty.
// Store failures degrade to an empty cache.
func (c *LocalCache) Load(ctx context.Context) {
	if c.store == nil {
		return
	}

	loaded, err := c.store.Load(ctx)
	if err != nil {
		c.logger.LogWarn(ctx, "local cache load degraded to empty", "error", err)
		if c.metrics != nil {
			c.metrics.RecordError(ctx, "storage_unavailable")
		}
		return
	}

	now := c.now()
	kept := 0

	c.mu.Lock()
	defer c.mu.Unlock()

	for key, e := range loaded {
		if e.Value == "" || !e.ExpiresAt.After(now) {
			continue
		}
		c.entries[key] = e
		kept++
	}

	c.logger.LogInfo(ctx, "local cache loaded", "entries", kept, "discarded", len(loaded)-kept)
}

// Flush writes the current mapping to the store if anything changed
// since the last flush. Failures are logged and swallowed.
func (c *LocalCache) Flush(ctx context.Context) {
	if c.store == nil {
		return
	}

	c.mu.Lock()
	if c.pending != nil {
		c.pending.Stop()
		c.pending = nil
	}
	if !c.dirty {
		c.mu.Unlock()
		return
	}
	c.dirty = false

	snapshot := make(map[string]store.Entry, len(c.entries))
	for k, e := range c.entries {
		snapshot[k] = e
	}
	c.mu.Unlock()

	if err := c.store.Save(ctx, snapshot); err != nil {
		c.logger.LogWarn(ctx, "local cache flush failed", "error", err, "entries", len(snapshot))
		if c.metrics != nil {
			c.metrics.RecordStoreFlush(ctx, false)
			c.metrics.RecordError(ctx, "storage_unavailable")
		}
		return
	}

	if c.metrics != nil {
		c.metrics.RecordStoreFlush(ctx, true)
	}
}

// Close performs the final flush so no update is silently lost.
func (c *LocalCache) Close(ctx context.Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.Flush(ctx)
}

// Len returns the number of live entries.
func (c *LocalCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
