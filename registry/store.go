package registry

import (
	"context"
	"fmt"
	"sync"
)

// Store persists service instance records indexed by id and by name.
// Implementations must be safe for concurrent use.
type Store interface {
	// Save inserts or overwrites the record for instance.ID.
	Save(ctx context.Context, instance *ServiceInstance) error

	// Get returns the record for id, or ErrNotFound.
	Get(ctx context.Context, id string) (*ServiceInstance, error)

	// Delete removes the record and its name index entry, or ErrNotFound.
	Delete(ctx context.Context, id string) error

	// ListByName returns all records registered under name.
	ListByName(ctx context.Context, name string) ([]*ServiceInstance, error)

	// ListAll returns every stored record.
	ListAll(ctx context.Context) ([]*ServiceInstance, error)
}

// MemoryStore is the default in-process Store backed by mutex-guarded maps.
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[string]*ServiceInstance
	byName    map[string]map[string]struct{}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances: make(map[string]*ServiceInstance),
		byName:    make(map[string]map[string]struct{}),
	}
}

// Save inserts or overwrites the record for instance.ID.
func (s *MemoryStore) Save(_ context.Context, instance *ServiceInstance) error {
	if instance == nil || instance.ID == "" {
		return fmt.Errorf("%w: instance id is required", ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Copy so callers cannot mutate stored state through their pointer.
	stored := *instance
	s.instances[instance.ID] = &stored

	ids, ok := s.byName[instance.Name]
	if !ok {
		ids = make(map[string]struct{})
		s.byName[instance.Name] = ids
	}

	ids[instance.ID] = struct{}{}

	return nil
}

// Get returns a copy of the record for id, or ErrNotFound.
func (s *MemoryStore) Get(_ context.Context, id string) (*ServiceInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.instances[id]
	if !ok {
		return nil, fmt.Errorf("instance %s: %w", id, ErrNotFound)
	}

	instance := *stored

	return &instance, nil
}

// Delete removes the record and its name index entry, or ErrNotFound.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.instances[id]
	if !ok {
		return fmt.Errorf("instance %s: %w", id, ErrNotFound)
	}

	delete(s.instances, id)

	if ids, ok := s.byName[stored.Name]; ok {
		delete(ids, id)

		if len(ids) == 0 {
			delete(s.byName, stored.Name)
		}
	}

	return nil
}

// ListByName returns all records registered under name.
func (s *MemoryStore) ListByName(_ context.Context, name string) ([]*ServiceInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byName[name]
	instances := make([]*ServiceInstance, 0, len(ids))

	for id := range ids {
		if stored, ok := s.instances[id]; ok {
			instance := *stored
			instances = append(instances, &instance)
		}
	}

	return instances, nil
}

// ListAll returns every stored record.
func (s *MemoryStore) ListAll(_ context.Context) ([]*ServiceInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	instances := make([]*ServiceInstance, 0, len(s.instances))

	for _, stored := range s.instances {
		instance := *stored
		instances = append(instances, &instance)
	}

	return instances, nil
}
