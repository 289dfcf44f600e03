package resolve

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/wherefrom/wherefrom/internal/countries"
	"github.com/wherefrom/wherefrom/internal/platform/observability"
)

// checkResponse is the wire shape of GET /check.
type checkResponse struct {
	Value       *string   `json:"value"`
	Cached      bool      `json:"cached"`
	LastChecked time.Time `json:"last_checked"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// addRequest is the wire shape of POST /add.
type addRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// lookupMemo is a short-lived record of the last remote answer for a
// key. Unlike the local tier, absent answers are memoized here — but
// only for the TTL window, never persisted.
type lookupMemo struct {
	value     string
	found     bool
	checkedAt time.Time
}

// RemoteClient is the second lookup tier: a client of the shared remote
// cache with short-TTL memoization, in-flight deduplication per key,
// and throttled best-effort write-back.
type RemoteClient struct {
	transport      Transport
	memoTTL        time.Duration
	upsertInterval time.Duration
	onValue        func(key, value string)

	mu         sync.Mutex
	memos      map[string]lookupMemo
	lastUpsert map[string]time.Time

	lookups singleflight.Group
	upserts singleflight.Group

	now     func() time.Time
	logger  *observability.Logger
	metrics *observability.Metrics
}

// RemoteClientConfig holds RemoteClient configuration.
type RemoteClientConfig struct {
	Transport Transport

	// MemoTTL bounds memoized answers, present or absent (default 15m).
	MemoTTL time.Duration

	// UpsertInterval is the minimum spacing between write-back attempts
	// per key (default 3m).
	UpsertInterval time.Duration

	// OnValue is invoked with every present value read from the remote
	// cache; the resolver uses it to backfill the local tier.
	OnValue func(key, value string)

	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// NewRemoteClient creates a RemoteClient.
func NewRemoteClient(cfg RemoteClientConfig) *RemoteClient {
	if cfg.MemoTTL <= 0 {
		cfg.MemoTTL = 15 * time.Minute
	}
	if cfg.UpsertInterval <= 0 {
		cfg.UpsertInterval = 3 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}

	return &RemoteClient{
		transport:      cfg.Transport,
		memoTTL:        cfg.MemoTTL,
		upsertInterval: cfg.UpsertInterval,
		onValue:        cfg.OnValue,
		memos:          make(map[string]lookupMemo),
		lastUpsert:     make(map[string]time.Time),
		now:            time.Now,
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
	}
}

// Lookup consults the shared remote cache for key. Concurrent lookups
// for one key share a single network read; callers arriving while one
// is in flight join it regardless of force. When force is false a memo
// younger than the TTL answers without a network call. Network failure
// reads as absent and is not memoized, so the next caller retries.
func (c *RemoteClient) Lookup(ctx context.Context, key string, force bool) (string, bool) {
	if !force {
		c.mu.Lock()
		memo, ok := c.memos[key]
		fresh := ok && c.now().Sub(memo.checkedAt) < c.memoTTL
		c.mu.Unlock()

		if fresh {
			if c.metrics != nil {
				c.metrics.RecordTierHit(ctx, "memo")
			}
			return memo.value, memo.found
		}
	}

	v, _, _ := c.lookups.Do(key, func() (any, error) {
		return c.check(ctx, key), nil
	})

	memo := v.(lookupMemo)
	return memo.value, memo.found
}

// check performs the remote read and updates the memo on a definitive
// answer.
func (c *RemoteClient) check(ctx context.Context, key string) lookupMemo {
	resp := c.transport.Call(ctx, http.MethodGet, "/check?a="+url.QueryEscape(key), nil)
	if !resp.OK {
		c.logger.LogDebug(ctx, "remote cache check failed", "key", key, "status", resp.Status)
		if c.metrics != nil {
			c.metrics.RecordRemoteLookup(ctx, "network_error")
		}
		return lookupMemo{checkedAt: c.now()}
	}

	var body checkResponse
	if err := json.Unmarshal(resp.Data, &body); err != nil {
		c.logger.LogWarn(ctx, "remote cache check undecodable", "key", key, "error", err)
		if c.metrics != nil {
			c.metrics.RecordRemoteLookup(ctx, "network_error")
		}
		return lookupMemo{checkedAt: c.now()}
	}

	memo := lookupMemo{checkedAt: c.now()}
	if body.Value != nil && *body.Value != "" {
		memo.value = *body.Value
		memo.found = true
	}

	c.mu.Lock()
	c.memos[key] = memo
	c.mu.Unlock()

	if c.metrics != nil {
		if memo.found {
			c.metrics.RecordRemoteLookup(ctx, "hit")
		} else {
			c.metrics.RecordRemoteLookup(ctx, "miss")
		}
	}

	if memo.found && c.onValue != nil {
		c.onValue(key, memo.value)
	}

	return memo
}

// Upsert writes a value back to the shared remote cache. Values outside
// the country vocabulary are skipped without a network call. All
// failures are logged and swallowed.
func (c *RemoteClient) Upsert(ctx context.Context, key, value string) {
	if !countries.Valid(value) {
		c.logger.LogDebug(ctx, "upsert skipped, value outside vocabulary", "key", key, "value", value)
		if c.metrics != nil {
			c.metrics.RecordRemoteUpsert(ctx, "skipped")
		}
		return
	}

	resp := c.transport.Call(ctx, http.MethodPost, "/add", addRequest{Key: key, Value: value})
	if !resp.OK {
		c.logger.LogWarn(ctx, "upsert failed", "key", key, "status", resp.Status)
		if c.metrics != nil {
			c.metrics.RecordRemoteUpsert(ctx, "failed")
		}
		return
	}

	if c.metrics != nil {
		c.metrics.RecordRemoteUpsert(ctx, "success")
	}
}

// EnsureUpsert performs a write-back at most once per key per
// interval. A caller arriving while an upsert for the key is in flight
// joins it; one arriving inside the throttle window returns immediately
// with no call.
func (c *RemoteClient) EnsureUpsert(ctx context.Context, key, value string) {
	c.mu.Lock()
	if last, ok := c.lastUpsert[key]; ok && c.now().Sub(last) < c.upsertInterval {
		c.mu.Unlock()
		if c.metrics != nil {
			c.metrics.RecordRemoteUpsert(ctx, "throttled")
		}
		return
	}
	c.lastUpsert[key] = c.now()
	c.mu.Unlock()

	c.upserts.Do(key, func() (any, error) {
		c.Upsert(ctx, key, value)
		return nil, nil
	})
}
