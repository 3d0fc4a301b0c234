package circuitbreaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mona-chen/microbun/log"
)

// Manager holds one breaker per operation key and fans state transitions out
// to listeners and the optional distributed state store.
type Manager struct {
	mu        sync.RWMutex
	breakers  map[string]*Breaker
	configs   map[string]Config
	listeners []StateChangeListener

	stateStore StateStore
	logger     log.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithStateStore mirrors state transitions into the given store and lets
// cooperating processes observe each other's breaker state. Persistence is
// best effort; store failures never affect breaker behavior.
func WithStateStore(store StateStore) Option {
	return func(m *Manager) {
		m.stateStore = store
	}
}

// NewManager creates an empty manager.
func NewManager(logger log.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = &log.NopLogger{}
	}

	m := &Manager{
		breakers: make(map[string]*Breaker),
		configs:  make(map[string]Config),
		logger:   logger,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Register creates a breaker for the given operation key. Registering an
// existing key replaces the breaker and discards its accumulated state.
func (m *Manager) Register(name string, cfg Config) *Breaker {
	cfg = cfg.normalize()

	m.mu.Lock()
	defer m.mu.Unlock()

	breaker := newBreaker(name, cfg, m.logger, m.handleStateChange)
	m.breakers[name] = breaker
	m.configs[name] = cfg

	m.logger.Log(context.Background(), log.LevelInfo, "circuit breaker registered",
		log.String("operation", name),
	)

	return breaker
}

// Get returns the breaker for the given key, or nil when none is registered.
func (m *Manager) Get(name string) *Breaker {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.breakers[name]
}

// Execute runs the operation through the named breaker. The breaker must
// have been registered first.
func (m *Manager) Execute(ctx context.Context, name string, op Operation) (any, error) {
	breaker := m.Get(name)
	if breaker == nil {
		return nil, fmt.Errorf("%s: %w", name, ErrNotRegistered)
	}

	return breaker.Execute(ctx, op)
}

// GetState returns the named breaker's state, StateUnknown when it does not
// exist.
func (m *Manager) GetState(name string) State {
	breaker := m.Get(name)
	if breaker == nil {
		return StateUnknown
	}

	return breaker.State()
}

// Metrics returns the named breaker's metrics snapshot.
func (m *Manager) Metrics(name string) Metrics {
	breaker := m.Get(name)
	if breaker == nil {
		return Metrics{}
	}

	return breaker.Metrics()
}

// AggregateMetrics returns every registered breaker's metrics keyed by
// operation name.
func (m *Manager) AggregateMetrics() map[string]Metrics {
	m.mu.RLock()
	breakers := make([]*Breaker, 0, len(m.breakers))

	for _, breaker := range m.breakers {
		breakers = append(breakers, breaker)
	}
	m.mu.RUnlock()

	out := make(map[string]Metrics, len(breakers))
	for _, breaker := range breakers {
		out[breaker.Name()] = breaker.Metrics()
	}

	return out
}

// Reset recreates the named breaker with its stored config, forcing it back
// to closed and clearing counters and metrics. Listeners and the state store
// are notified when the breaker was not already closed.
func (m *Manager) Reset(name string) {
	m.mu.Lock()

	cfg, exists := m.configs[name]
	if !exists {
		m.mu.Unlock()

		return
	}

	previous := m.breakers[name].State()
	m.breakers[name] = newBreaker(name, cfg, m.logger, m.handleStateChange)
	m.mu.Unlock()

	m.logger.Log(context.Background(), log.LevelInfo, "circuit breaker reset",
		log.String("operation", name),
	)

	if previous != StateClosed {
		m.handleStateChange(name, previous, StateClosed)
	}
}

// RegisterStateChangeListener adds a listener invoked on every breaker state
// transition. Listeners run in their own goroutines and panics are contained.
func (m *Manager) RegisterStateChangeListener(listener StateChangeListener) {
	if listener == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.listeners = append(m.listeners, listener)
}

func (m *Manager) handleStateChange(name string, from, to State) {
	ctx := context.Background()

	m.logger.Log(ctx, log.LevelWarn, "circuit breaker state changed",
		log.String("operation", name),
		log.String("from", string(from)),
		log.String("to", string(to)),
	)

	m.mu.RLock()
	cfg, known := m.configs[name]
	m.mu.RUnlock()

	// Persisted asynchronously: the state machine's lock is held while this
	// callback runs and a slow store must not block breaker calls.
	if m.stateStore != nil && known && cfg.DistributedTracking {
		snapshot := StateSnapshot{State: to, Timestamp: time.Now()}

		go m.persistState(ctx, name, snapshot)
	}

	m.mu.RLock()
	listeners := make([]StateChangeListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.RUnlock()

	for _, listener := range listeners {
		go func(l StateChangeListener) {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Log(ctx, log.LevelError, "state change listener panic",
						log.String("operation", name),
						log.Any("panic", r),
					)
				}
			}()

			l.OnStateChange(name, from, to)
		}(listener)
	}
}

func (m *Manager) persistState(ctx context.Context, name string, snapshot StateSnapshot) {
	if err := m.stateStore.SaveState(ctx, name, snapshot); err != nil {
		m.logger.Log(ctx, log.LevelWarn, "failed to persist circuit breaker state",
			log.String("operation", name),
			log.Err(err),
		)
	}
}

// PeerState reads another process's persisted state for the named breaker.
// Returns ErrNoState when nothing has been stored.
func (m *Manager) PeerState(ctx context.Context, name string) (StateSnapshot, error) {
	if m.stateStore == nil {
		return StateSnapshot{}, ErrNoState
	}

	return m.stateStore.LoadState(ctx, name)
}
