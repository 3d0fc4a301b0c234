package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	libRedis "github.com/mona-chen/microbun/redis"
	goredis "github.com/redis/go-redis/v9"
)

const (
	instanceKeyPrefix = "registry:instance:"
	nameKeyPrefix     = "registry:name:"
)

// RedisStore persists instance records in Redis so multiple registry
// replicas can share state. Records are JSON-encoded under
// registry:instance:{id}; the name index is a set under registry:name:{name}.
type RedisStore struct {
	conn *libRedis.Client
}

// NewRedisStore creates a store backed by the given Redis connection.
func NewRedisStore(conn *libRedis.Client) *RedisStore {
	return &RedisStore{conn: conn}
}

func instanceKey(id string) string { return instanceKeyPrefix + id }

func nameKey(name string) string { return nameKeyPrefix + name }

// Save inserts or overwrites the record for instance.ID.
func (s *RedisStore) Save(ctx context.Context, instance *ServiceInstance) error {
	if instance == nil || instance.ID == "" {
		return fmt.Errorf("%w: instance id is required", ErrValidation)
	}

	client, err := s.conn.GetClient(ctx)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(instance)
	if err != nil {
		return fmt.Errorf("marshal instance: %w", err)
	}

	pipe := client.TxPipeline()
	pipe.Set(ctx, instanceKey(instance.ID), payload, 0)
	pipe.SAdd(ctx, nameKey(instance.Name), instance.ID)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save instance %s: %w", instance.ID, err)
	}

	return nil
}

// Get returns the record for id, or ErrNotFound.
func (s *RedisStore) Get(ctx context.Context, id string) (*ServiceInstance, error) {
	client, err := s.conn.GetClient(ctx)
	if err != nil {
		return nil, err
	}

	payload, err := client.Get(ctx, instanceKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, fmt.Errorf("instance %s: %w", id, ErrNotFound)
		}

		return nil, fmt.Errorf("get instance %s: %w", id, err)
	}

	var instance ServiceInstance
	if err := json.Unmarshal(payload, &instance); err != nil {
		return nil, fmt.Errorf("unmarshal instance %s: %w", id, err)
	}

	return &instance, nil
}

// Delete removes the record and its name index entry, or ErrNotFound.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	instance, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	client, err := s.conn.GetClient(ctx)
	if err != nil {
		return err
	}

	pipe := client.TxPipeline()
	pipe.Del(ctx, instanceKey(id))
	pipe.SRem(ctx, nameKey(instance.Name), id)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete instance %s: %w", id, err)
	}

	return nil
}

// ListByName returns all records registered under name. Index entries whose
// record has already been deleted are skipped.
func (s *RedisStore) ListByName(ctx context.Context, name string) ([]*ServiceInstance, error) {
	client, err := s.conn.GetClient(ctx)
	if err != nil {
		return nil, err
	}

	ids, err := client.SMembers(ctx, nameKey(name)).Result()
	if err != nil {
		return nil, fmt.Errorf("list instances for %s: %w", name, err)
	}

	return s.fetchAll(ctx, ids)
}

// ListAll returns every stored record.
func (s *RedisStore) ListAll(ctx context.Context) ([]*ServiceInstance, error) {
	client, err := s.conn.GetClient(ctx)
	if err != nil {
		return nil, err
	}

	var (
		cursor uint64
		ids    []string
	)

	for {
		keys, next, err := client.Scan(ctx, cursor, instanceKeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan instances: %w", err)
		}

		for _, key := range keys {
			ids = append(ids, key[len(instanceKeyPrefix):])
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	return s.fetchAll(ctx, ids)
}

func (s *RedisStore) fetchAll(ctx context.Context, ids []string) ([]*ServiceInstance, error) {
	instances := make([]*ServiceInstance, 0, len(ids))

	for _, id := range ids {
		instance, err := s.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}

			return nil, err
		}

		instances = append(instances, instance)
	}

	return instances, nil
}
