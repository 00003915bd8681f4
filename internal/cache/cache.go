// Package cache provides the Redis-backed key/value store used for RPC
// result caching and rate limiting. Values are opaque bytes; encoding is the
// caller's concern.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// ErrMiss is returned by Get when the key does not exist.
var ErrMiss = fmt.Errorf("cache miss")

// Store wraps a Redis client with the operations the gateway needs.
type Store struct {
	client *redis.Client
}

// Open connects to the Redis-compatible server at url and verifies
// connectivity before returning.
func Open(ctx context.Context, url string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Info().Str("addr", opts.Addr).Msg("cache connected")
	return &Store{client: client}, nil
}

// NewWithClient wraps an existing client (used by tests with miniredis).
func NewWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

// Get returns the value stored under key, or ErrMiss.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Set stores value under key with the given TTL. A zero TTL means no expiry.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

// Delete removes a single key.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

// scanChunk bounds how many keys a single SCAN iteration may return so that
// pattern deletes never block the server for long.
const scanChunk = 256

// DeletePattern removes every key matching the glob pattern and returns the
// number of keys deleted. Uses chunked SCAN rather than KEYS so concurrent
// Get/Set calls are not starved.
func (s *Store) DeletePattern(ctx context.Context, pattern string) (int, error) {
	var cursor uint64
	deleted := 0

	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, scanChunk).Result()
		if err != nil {
			return deleted, fmt.Errorf("scan %q: %w", pattern, err)
		}

		if len(keys) > 0 {
			n, err := s.client.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, fmt.Errorf("delete %q batch: %w", pattern, err)
			}
			deleted += int(n)
		}

		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}

// Exists reports whether key is present.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Increment adds n to the integer stored at key (creating it at n if
// absent) and returns the new value.
func (s *Store) Increment(ctx context.Context, key string, n int64) (int64, error) {
	return s.client.IncrBy(ctx, key, n).Result()
}

// Expire sets the TTL on an existing key.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.client.Expire(ctx, key, ttl).Err()
}
