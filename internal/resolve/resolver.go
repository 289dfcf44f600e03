package resolve

import (
	"context"
	"strings"
	"time"

	"github.com/wherefrom/wherefrom/internal/platform/observability"
)

// Resolver composes the three tiers into the single operation exposed
// to callers. It owns no lookup state of its own.
type Resolver struct {
	local  *LocalCache
	remote *RemoteClient
	queue  *Queue

	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// ResolverConfig holds Resolver configuration.
type ResolverConfig struct {
	Local  *LocalCache
	Remote *RemoteClient
	Queue  *Queue

	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// NewResolver creates a Resolver over already constructed tiers.
func NewResolver(cfg ResolverConfig) *Resolver {
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}

	return &Resolver{
		local:   cfg.Local,
		remote:  cfg.Remote,
		queue:   cfg.Queue,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		now:     time.Now,
	}
}

// Resolve walks local cache → remote cache → upstream queue and returns
// the location for key, backfilling colder tiers as values flow up.
// It never returns an error: the worst outcome is ok=false, and the
// queue's per-item timeout bounds the total wait. A rate-limited or
// timed-out upstream result falls back to a forced remote refresh.
func (r *Resolver) Resolve(ctx context.Context, key string) (string, bool) {
	start := r.now()

	key = NormalizeKey(key)
	if key == "" {
		return "", false
	}

	if value, ok := r.local.Get(key); ok {
		r.remote.EnsureUpsert(ctx, key, value)
		r.record(ctx, "local", true, start)
		return value, true
	}
	if r.metrics != nil {
		r.metrics.RecordTierMiss(ctx, "local")
	}

	if value, ok := r.remote.Lookup(ctx, key, false); ok {
		r.remote.EnsureUpsert(ctx, key, value)
		r.record(ctx, "remote", true, start)
		return value, true
	}
	if r.metrics != nil {
		r.metrics.RecordTierMiss(ctx, "remote")
	}

	res := r.queue.Do(ctx, key)
	if !res.RateLimited && !res.TimedOut {
		if res.Found {
			r.local.Put(key, res.Value)
			r.remote.EnsureUpsert(ctx, key, res.Value)
			r.record(ctx, "upstream", true, start)
			return res.Value, true
		}
		r.record(ctx, "upstream", false, start)
		return "", false
	}

	// Degraded path: the upstream was rate limited or slow. Another
	// client may have populated the shared cache in the meantime, so
	// force a remote read past the memo. A present value reaches the
	// local tier through the lookup's backfill hook.
	r.logger.LogDebug(ctx, "upstream degraded, forcing remote refresh",
		"key", key, "rate_limited", res.RateLimited, "timed_out", res.TimedOut)

	if value, ok := r.remote.Lookup(ctx, key, true); ok {
		r.record(ctx, "refresh", true, start)
		return value, true
	}

	r.record(ctx, "refresh", false, start)
	return "", false
}

// Close flushes the local tier and stops the queue.
func (r *Resolver) Close(ctx context.Context) {
	r.queue.Close()
	r.local.Close(ctx)
}

func (r *Resolver) record(ctx context.Context, tier string, found bool, start time.Time) {
	if r.metrics == nil {
		return
	}
	if found {
		r.metrics.RecordTierHit(ctx, tier)
	}
	r.metrics.RecordResolve(ctx, tier, found, r.now().Sub(start))
}

// NormalizeKey canonicalizes a username so all tiers key on the same
// form: trimmed, lowercased, with any leading @ removed.
func NormalizeKey(key string) string {
	key = strings.TrimSpace(key)
	key = strings.TrimPrefix(key, "@")
	return strings.ToLower(key)
}
