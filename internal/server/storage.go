// Package server implements the shared remote cache service: the HTTP
// surface the resolver's RemoteClient talks to, backed by redis.
package server

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Record is one stored location answer. An empty Value is a stored
// absent answer: the key was checked and had no usable location, which
// is different from the key never having been seen.
type Record struct {
	Value     string
	FetchedAt time.Time
}

// Storage persists location records for the cache server.
type Storage interface {
	Get(ctx context.Context, key string) (Record, bool, error)
	Put(ctx context.Context, key string, rec Record) error
	Ping(ctx context.Context) error
	Close() error
}

const keyPrefix = "loc:"

// RedisStorage implements Storage on a redis hash per key.
type RedisStorage struct {
	client *redis.Client
}

// NewRedisStorage creates redis-backed storage and verifies the
// connection.
func NewRedisStorage(addr, password string, db int) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 5,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStorage{client: client}, nil
}

// NewRedisStorageFromClient wraps an existing client. Used by tests.
func NewRedisStorageFromClient(client *redis.Client) *RedisStorage {
	return &RedisStorage{client: client}
}

// Get loads the record for key. Records have no redis TTL; freshness is
// the server's concern, computed from FetchedAt.
func (s *RedisStorage) Get(ctx context.Context, key string) (Record, bool, error) {
	fields, err := s.client.HGetAll(ctx, keyPrefix+key).Result()
	if err != nil {
		return Record{}, false, fmt.Errorf("redis hgetall error: %w", err)
	}
	if len(fields) == 0 {
		return Record{}, false, nil
	}

	fetchedAt, err := time.Parse(time.RFC3339Nano, fields["fetched_at"])
	if err != nil {
		return Record{}, false, fmt.Errorf("corrupt fetched_at for %q: %w", key, err)
	}

	return Record{Value: fields["value"], FetchedAt: fetchedAt}, true, nil
}

// Put stores or overwrites the record for key.
func (s *RedisStorage) Put(ctx context.Context, key string, rec Record) error {
	err := s.client.HSet(ctx, keyPrefix+key,
		"value", rec.Value,
		"fetched_at", rec.FetchedAt.UTC().Format(time.RFC3339Nano),
	).Err()
	if err != nil {
		return fmt.Errorf("redis hset error: %w", err)
	}
	return nil
}

// Ping checks if redis is reachable.
func (s *RedisStorage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the redis connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
