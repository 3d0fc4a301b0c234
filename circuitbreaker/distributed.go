package circuitbreaker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	libRedis "github.com/mona-chen/microbun/redis"
)

const stateKeyPrefix = "circuitbreaker:state:"

// RedisStateStore persists breaker state snapshots in Redis so cooperating
// processes can observe each other's breakers. Entries expire so a crashed
// process's last state does not linger forever.
type RedisStateStore struct {
	client *libRedis.Client
	ttl    time.Duration
}

// NewRedisStateStore builds a store over an existing Redis connection.
// A non-positive ttl defaults to one hour.
func NewRedisStateStore(client *libRedis.Client, ttl time.Duration) *RedisStateStore {
	if ttl <= 0 {
		ttl = time.Hour
	}

	return &RedisStateStore{client: client, ttl: ttl}
}

func stateKey(name string) string {
	return stateKeyPrefix + name
}

// SaveState writes the snapshot for the named breaker.
func (s *RedisStateStore) SaveState(ctx context.Context, name string, snapshot StateSnapshot) error {
	rdb, err := s.client.GetClient(ctx)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal state snapshot: %w", err)
	}

	if err := rdb.Set(ctx, stateKey(name), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save circuit breaker state: %w", err)
	}

	return nil
}

// LoadState reads the snapshot for the named breaker. Returns ErrNoState
// when no snapshot exists or it has expired.
func (s *RedisStateStore) LoadState(ctx context.Context, name string) (StateSnapshot, error) {
	rdb, err := s.client.GetClient(ctx)
	if err != nil {
		return StateSnapshot{}, err
	}

	payload, err := rdb.Get(ctx, stateKey(name)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return StateSnapshot{}, ErrNoState
		}

		return StateSnapshot{}, fmt.Errorf("failed to load circuit breaker state: %w", err)
	}

	var snapshot StateSnapshot
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		return StateSnapshot{}, fmt.Errorf("failed to unmarshal state snapshot: %w", err)
	}

	return snapshot, nil
}
