package registry

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	libRedis "github.com/mona-chen/microbun/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T) *RedisStore {
	t.Helper()

	srv := miniredis.RunT(t)

	conn, err := libRedis.New(libRedis.Config{Addr: srv.Addr()})
	require.NoError(t, err)

	t.Cleanup(func() { _ = conn.Close() })

	return NewRedisStore(conn)
}

func TestRedisStoreSaveAndGet(t *testing.T) {
	store := newRedisStore(t)
	ctx := context.Background()

	instance := newTestInstance("id-1", "auth")
	require.NoError(t, store.Save(ctx, instance))

	got, err := store.Get(ctx, "id-1")
	require.NoError(t, err)
	assert.Equal(t, "auth", got.Name)
	assert.Equal(t, StatusUp, got.Status)
	assert.True(t, instance.LastHeartbeat.Equal(got.LastHeartbeat))
}

func TestRedisStoreGetUnknown(t *testing.T) {
	store := newRedisStore(t)

	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStoreDelete(t *testing.T) {
	store := newRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, newTestInstance("id-1", "auth")))
	require.NoError(t, store.Delete(ctx, "id-1"))

	_, err := store.Get(ctx, "id-1")
	assert.ErrorIs(t, err, ErrNotFound)

	byName, err := store.ListByName(ctx, "auth")
	require.NoError(t, err)
	assert.Empty(t, byName)
}

func TestRedisStoreDeleteUnknown(t *testing.T) {
	store := newRedisStore(t)

	assert.ErrorIs(t, store.Delete(context.Background(), "missing"), ErrNotFound)
}

func TestRedisStoreListByName(t *testing.T) {
	store := newRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, newTestInstance("id-1", "auth")))
	require.NoError(t, store.Save(ctx, newTestInstance("id-2", "auth")))
	require.NoError(t, store.Save(ctx, newTestInstance("id-3", "payment")))

	auth, err := store.ListByName(ctx, "auth")
	require.NoError(t, err)
	assert.Len(t, auth, 2)
}

func TestRedisStoreListAll(t *testing.T) {
	store := newRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, newTestInstance("id-1", "auth")))
	require.NoError(t, store.Save(ctx, newTestInstance("id-2", "payment")))

	all, err := store.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
