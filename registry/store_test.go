package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestInstance(id, name string) *ServiceInstance {
	now := time.Now().UTC()

	return &ServiceInstance{
		ID:             id,
		Name:           name,
		Host:           "10.0.0.5",
		Port:           3001,
		URL:            "http://10.0.0.5:3001",
		HealthEndpoint: DefaultHealthEndpoint,
		Status:         StatusUp,
		RegisteredAt:   now,
		LastHeartbeat:  now,
	}
}

func TestMemoryStoreSaveAndGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	instance := newTestInstance("id-1", "auth")
	require.NoError(t, store.Save(ctx, instance))

	got, err := store.Get(ctx, "id-1")
	require.NoError(t, err)
	assert.Equal(t, instance.Name, got.Name)
	assert.Equal(t, instance.URL, got.URL)
}

func TestMemoryStoreGetUnknown(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreSaveRejectsEmptyID(t *testing.T) {
	store := NewMemoryStore()

	err := store.Save(context.Background(), &ServiceInstance{Name: "auth"})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, newTestInstance("id-1", "auth")))

	got, err := store.Get(ctx, "id-1")
	require.NoError(t, err)

	// Mutating the returned record must not affect stored state.
	got.Status = StatusDown

	again, err := store.Get(ctx, "id-1")
	require.NoError(t, err)
	assert.Equal(t, StatusUp, again.Status)
}

func TestMemoryStoreDelete(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, newTestInstance("id-1", "auth")))
	require.NoError(t, store.Delete(ctx, "id-1"))

	_, err := store.Get(ctx, "id-1")
	assert.ErrorIs(t, err, ErrNotFound)

	byName, err := store.ListByName(ctx, "auth")
	require.NoError(t, err)
	assert.Empty(t, byName)
}

func TestMemoryStoreDeleteUnknown(t *testing.T) {
	store := NewMemoryStore()

	assert.ErrorIs(t, store.Delete(context.Background(), "missing"), ErrNotFound)
}

func TestMemoryStoreListByName(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, newTestInstance("id-1", "auth")))
	require.NoError(t, store.Save(ctx, newTestInstance("id-2", "auth")))
	require.NoError(t, store.Save(ctx, newTestInstance("id-3", "payment")))

	auth, err := store.ListByName(ctx, "auth")
	require.NoError(t, err)
	assert.Len(t, auth, 2)

	all, err := store.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestMemoryStoreManyInstancesShareName(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	// Registration has no upsert-by-name: instances of one service coexist.
	require.NoError(t, store.Save(ctx, newTestInstance("id-1", "auth")))
	require.NoError(t, store.Save(ctx, newTestInstance("id-2", "auth")))

	instances, err := store.ListByName(ctx, "auth")
	require.NoError(t, err)
	require.Len(t, instances, 2)
}
