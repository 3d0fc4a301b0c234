package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mona-chen/microbun/log"
	libOpentelemetry "github.com/mona-chen/microbun/opentelemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// Config tunes heartbeat expiry. MaxHeartbeatAge is derived as
// TTL + RetryDelay*MaxRetries so a client that exhausts its heartbeat retry
// budget is evicted, and the sweep runs every min(60s, MaxHeartbeatAge/2).
type Config struct {
	TTL        time.Duration
	RetryDelay time.Duration
	MaxRetries int

	// MaxInstances caps the number of stored records. Zero means unlimited.
	MaxInstances int
}

// DefaultConfig mirrors the registry client defaults.
func DefaultConfig() Config {
	return Config{
		TTL:          30 * time.Second,
		RetryDelay:   10 * time.Second,
		MaxRetries:   5,
		MaxInstances: 50,
	}
}

// MaxHeartbeatAge is the oldest a heartbeat may be before the instance is
// considered dead.
func (c Config) MaxHeartbeatAge() time.Duration {
	return c.TTL + c.RetryDelay*time.Duration(c.MaxRetries)
}

// CleanupInterval is how often the expiry sweep runs.
func (c Config) CleanupInterval() time.Duration {
	interval := c.MaxHeartbeatAge() / 2
	if interval > time.Minute {
		return time.Minute
	}

	return interval
}

// Service exposes the registry operations over a Store and runs the expiry
// sweep that evicts instances whose heartbeat has aged out.
type Service struct {
	store  Store
	cfg    Config
	logger log.Logger
	now    func() time.Time

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
	sweepOnce   sync.Once
}

// NewService creates a registry service. A nil logger falls back to NopLogger.
func NewService(store Store, cfg Config, logger log.Logger) *Service {
	if logger == nil {
		logger = &log.NopLogger{}
	}

	return &Service{
		store:  store,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Register creates a new instance record. Registration never upserts by
// name: every call yields a fresh instance with a generated id.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*ServiceInstance, error) {
	tracer := otel.Tracer("registry")

	ctx, span := tracer.Start(ctx, "registry.register")
	defer span.End()

	span.SetAttributes(attribute.String("service.name", in.Name))

	if err := in.Validate(); err != nil {
		libOpentelemetry.HandleSpanError(span, "Invalid registration", err)

		return nil, err
	}

	if s.cfg.MaxInstances > 0 {
		existing, err := s.store.ListAll(ctx)
		if err != nil {
			libOpentelemetry.HandleSpanError(span, "Failed to count instances", err)

			return nil, err
		}

		if len(existing) >= s.cfg.MaxInstances {
			err := fmt.Errorf("%w: limit is %d instances", ErrCapacity, s.cfg.MaxInstances)
			libOpentelemetry.HandleSpanError(span, "Registry at capacity", err)

			return nil, err
		}
	}

	healthEndpoint := in.HealthEndpoint
	if healthEndpoint == "" {
		healthEndpoint = DefaultHealthEndpoint
	}

	now := s.now()
	instance := &ServiceInstance{
		ID:             uuid.New().String(),
		Name:           in.Name,
		Host:           in.Host,
		Port:           in.Port,
		URL:            fmt.Sprintf("http://%s:%d", in.Host, in.Port),
		HealthEndpoint: healthEndpoint,
		Version:        in.Version,
		Description:    in.Description,
		Status:         StatusUp,
		RegisteredAt:   now,
		LastHeartbeat:  now,
	}

	if err := s.store.Save(ctx, instance); err != nil {
		libOpentelemetry.HandleSpanError(span, "Failed to save instance", err)

		return nil, err
	}

	s.logger.Log(ctx, log.LevelInfo, "service registered",
		log.String("service", instance.Name),
		log.String("service_id", instance.ID),
		log.String("url", instance.URL),
	)

	return instance, nil
}

// Heartbeat refreshes the instance's LastHeartbeat and, when status is
// non-empty, overwrites its self-reported status. Returns ErrNotFound when
// the id is unknown (e.g. already evicted by the sweep).
func (s *Service) Heartbeat(ctx context.Context, id string, status Status) error {
	instance, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}

	if status != "" {
		if !status.Valid() {
			return fmt.Errorf("%w: unknown status %q", ErrValidation, status)
		}

		instance.Status = status
	}

	instance.LastHeartbeat = s.now()

	return s.store.Save(ctx, instance)
}

// Discover returns all instances with status UP, scoped to name when given.
// Order is unspecified.
func (s *Service) Discover(ctx context.Context, name string) ([]*ServiceInstance, error) {
	var (
		instances []*ServiceInstance
		err       error
	)

	if name != "" {
		instances, err = s.store.ListByName(ctx, name)
	} else {
		instances, err = s.store.ListAll(ctx)
	}

	if err != nil {
		return nil, err
	}

	up := make([]*ServiceInstance, 0, len(instances))

	for _, instance := range instances {
		if instance.Status == StatusUp {
			up = append(up, instance)
		}
	}

	return up, nil
}

// Deregister removes the instance record, or returns ErrNotFound.
func (s *Service) Deregister(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}

	s.logger.Log(ctx, log.LevelInfo, "service deregistered", log.String("service_id", id))

	return nil
}

// StartSweep launches the background expiry sweep. It runs until StopSweep
// is called or ctx is cancelled. Calling StartSweep more than once is a no-op.
func (s *Service) StartSweep(ctx context.Context) {
	s.sweepOnce.Do(func() {
		sweepCtx, cancel := context.WithCancel(ctx)
		s.sweepCancel = cancel
		s.sweepDone = make(chan struct{})

		go s.sweepLoop(sweepCtx)

		s.logger.Log(ctx, log.LevelInfo, "expiry sweep started",
			log.Any("interval", s.cfg.CleanupInterval()),
			log.Any("max_heartbeat_age", s.cfg.MaxHeartbeatAge()),
		)
	})
}

// StopSweep stops the background sweep and waits for it to exit.
func (s *Service) StopSweep() {
	if s.sweepCancel == nil {
		return
	}

	s.sweepCancel()
	<-s.sweepDone
}

func (s *Service) sweepLoop(ctx context.Context) {
	defer close(s.sweepDone)

	ticker := time.NewTicker(s.cfg.CleanupInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.SweepExpired(ctx); err != nil {
				// Sweep failures must not stop the loop; deletions are
				// independently idempotent, so the next tick retries.
				s.logger.Log(ctx, log.LevelWarn, "expiry sweep failed", log.Err(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// SweepExpired removes every instance whose heartbeat is older than
// MaxHeartbeatAge. Individual deletion failures are logged and skipped.
func (s *Service) SweepExpired(ctx context.Context) error {
	instances, err := s.store.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("list instances for sweep: %w", err)
	}

	now := s.now()
	maxAge := s.cfg.MaxHeartbeatAge()

	for _, instance := range instances {
		if instance.IsLive(now, maxAge) {
			continue
		}

		if err := s.store.Delete(ctx, instance.ID); err != nil {
			s.logger.Log(ctx, log.LevelWarn, "failed to evict expired instance",
				log.String("service_id", instance.ID),
				log.Err(err),
			)

			continue
		}

		s.logger.Log(ctx, log.LevelInfo, "evicted expired instance",
			log.String("service", instance.Name),
			log.String("service_id", instance.ID),
			log.Any("heartbeat_age", now.Sub(instance.LastHeartbeat)),
		)
	}

	return nil
}
