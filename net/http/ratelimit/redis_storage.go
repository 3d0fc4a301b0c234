package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	libRedis "github.com/mona-chen/microbun/redis"
)

const (
	keyPrefix     = "ratelimit:"
	scanBatchSize = 100
)

// RedisStorage implements the fiber.Storage interface on top of the shared
// Redis client. A nil storage or client behaves as an empty store so the
// limiter degrades to per-instance counting instead of failing requests.
type RedisStorage struct {
	client *libRedis.Client
}

// NewRedisStorage creates a Redis-backed storage for fiber's limiter
// middleware. Returns nil when client is nil.
func NewRedisStorage(client *libRedis.Client) *RedisStorage {
	if client == nil {
		return nil
	}

	return &RedisStorage{client: client}
}

// Get retrieves the value for key, or nil, nil when the key does not exist.
func (s *RedisStorage) Get(key string) ([]byte, error) {
	if s == nil || s.client == nil {
		return nil, nil
	}

	ctx := context.Background()

	conn, err := s.client.GetClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("get redis client: %w", err)
	}

	val, err := conn.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	return val, nil
}

// Set stores val under key with an expiration. Zero exp means no expiration;
// empty keys or values are ignored.
func (s *RedisStorage) Set(key string, val []byte, exp time.Duration) error {
	if s == nil || s.client == nil {
		return nil
	}

	if key == "" || len(val) == 0 {
		return nil
	}

	ctx := context.Background()

	conn, err := s.client.GetClient(ctx)
	if err != nil {
		return fmt.Errorf("get redis client: %w", err)
	}

	if err := conn.Set(ctx, keyPrefix+key, val, exp).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}

	return nil
}

// Delete removes the value for key. Unknown keys are not an error.
func (s *RedisStorage) Delete(key string) error {
	if s == nil || s.client == nil {
		return nil
	}

	ctx := context.Background()

	conn, err := s.client.GetClient(ctx)
	if err != nil {
		return fmt.Errorf("get redis client: %w", err)
	}

	if err := conn.Del(ctx, keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}

	return nil
}

// Reset removes every rate limit key, scanning in batches to avoid blocking
// Redis on large keyspaces.
func (s *RedisStorage) Reset() error {
	if s == nil || s.client == nil {
		return nil
	}

	ctx := context.Background()

	conn, err := s.client.GetClient(ctx)
	if err != nil {
		return fmt.Errorf("get redis client: %w", err)
	}

	var cursor uint64

	for {
		keys, nextCursor, err := conn.Scan(ctx, cursor, keyPrefix+"*", scanBatchSize).Result()
		if err != nil {
			return fmt.Errorf("redis scan: %w", err)
		}

		if len(keys) > 0 {
			if err := conn.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("redis batch delete: %w", err)
			}
		}

		cursor = nextCursor
		if cursor == 0 {
			break
		}
	}

	return nil
}

// Close is a no-op: the Redis client is owned by the application lifecycle.
func (*RedisStorage) Close() error {
	return nil
}
