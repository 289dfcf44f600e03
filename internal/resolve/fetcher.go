// Package resolve implements the three-tier username→location
// resolution engine: a durable local cache, a shared remote cache
// client, and a rate-limit-aware dispatch queue in front of the
// authoritative upstream source.
package resolve

import (
	"context"
	"time"
)

// FetchResult is the outcome of one upstream fetch. A fetch never
// fails with an error; transport problems collapse into an absent,
// retryable result.
type FetchResult struct {
	// Value is the location for the key; meaningful only when Found.
	Value string

	// Found reports whether the upstream knows a location for the key.
	Found bool

	// RateLimited is set when the upstream explicitly refused the call.
	// Rate-limited results are never cached at any tier.
	RateLimited bool

	// RetryAfter is the upstream-suggested backoff accompanying a
	// rate-limited result. Zero when the upstream gave none.
	RetryAfter time.Duration

	// TimedOut is set when the local deadline elapsed before the fetch
	// settled. The underlying fetch is not cancelled (soft-cancel).
	TimedOut bool
}

// Fetcher performs the authoritative upstream lookup for one key.
// Implementations live at the system boundary (see internal/upstream);
// the queue invokes Fetch exactly once per dispatch.
type Fetcher interface {
	Fetch(ctx context.Context, key string) FetchResult
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, key string) FetchResult

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, key string) FetchResult {
	return f(ctx, key)
}
