package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/claude-router/internal/anthropic"
)

const redisOpTimeout = 500 * time.Millisecond

// RedisStore is the shared Store for multi-replica deployments. Entries are
// stored as JSON envelopes carrying the binding coordinates; a read whose
// envelope no longer matches the key (routing table changed between
// deployments) is a miss and the stale entry is dropped.
//
// Every operation degrades gracefully: Redis being down means misses and
// skipped writes, never a failed request.
type RedisStore struct {
	client    *redis.Client
	opTimeout time.Duration
}

// NewRedisStoreFromClient wraps an existing client. The caller owns the
// client lifecycle.
func NewRedisStoreFromClient(cli *redis.Client) *RedisStore {
	return &RedisStore{client: cli, opTimeout: redisOpTimeout}
}

// NewRedisStoreFromURL parses redisURL, verifies the connection with a PING,
// and returns a RedisStore that owns the client.
func NewRedisStoreFromURL(ctx context.Context, redisURL string) (*RedisStore, error) {
	if ctx == nil {
		return nil, fmt.Errorf("cache: context must not be nil")
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("cache: parse url: %w", err)
	}

	cli := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("cache: ping: %w", err)
	}

	return &RedisStore{client: cli, opTimeout: redisOpTimeout}, nil
}

// Fetch implements Store.
func (s *RedisStore) Fetch(ctx context.Context, key Key) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	raw, err := s.client.Get(ctx, key.String()).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.WarnContext(ctx, "cache_fetch_error",
				slog.String("route", key.Route),
				slog.String("error", err.Error()),
			)
		}
		return nil, false
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || !env.matches(key) {
		// Stale or foreign entry under this digest — drop it, best effort.
		_ = s.client.Del(ctx, key.String()).Err()
		return nil, false
	}
	return env.Body, true
}

// Save implements Store. Uncacheable responses are dropped; Redis errors are
// logged and swallowed so the response path never blocks on the cache.
func (s *RedisStore) Save(ctx context.Context, key Key, resp *anthropic.Response, body []byte, ttl time.Duration) error {
	if !Cacheable(resp) || len(body) == 0 {
		return nil
	}
	if ttl <= 0 {
		ttl = time.Hour
	}

	raw, err := json.Marshal(envelope{
		Provider: key.Provider,
		Model:    key.Model,
		StoredAt: time.Now().UTC(),
		Body:     body,
	})
	if err != nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	if err := s.client.Set(ctx, key.String(), raw, ttl).Err(); err != nil {
		slog.WarnContext(ctx, "cache_save_error",
			slog.String("route", key.Route),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// Close releases the Redis connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
