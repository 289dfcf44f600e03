// Package store provides durable backing stores for the local cache
// tier. A store holds the full key→entry mapping; callers load it once
// at startup and save coalesced snapshots back.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable wraps any backend failure. Callers treat it as a
// degraded no-op, never as a fatal condition.
var ErrUnavailable = errors.New("store: unavailable")

// Entry is one cached key→value record with its freshness bounds.
type Entry struct {
	Value     string    `json:"value"`
	CachedAt  time.Time `json:"cached_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Store is a bulk durable key→entry store.
type Store interface {
	// Load returns the full stored mapping.
	Load(ctx context.Context) (map[string]Entry, error)

	// Save persists the full mapping, replacing prior state for the
	// given keys.
	Save(ctx context.Context, entries map[string]Entry) error

	// Close releases backend resources.
	Close() error
}
