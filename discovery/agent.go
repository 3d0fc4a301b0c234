package discovery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/mona-chen/microbun/backoff"
	"github.com/mona-chen/microbun/log"
	"github.com/mona-chen/microbun/registry"
)

// ErrRegistrationExhausted is returned when every registration attempt failed.
// The agent is degraded but the process keeps running.
var ErrRegistrationExhausted = errors.New("service registration retries exhausted")

// AgentState is the registration lifecycle state.
type AgentState string

const (
	StateUnregistered AgentState = "UNREGISTERED"
	StateRegistering  AgentState = "REGISTERING"
	StateRegistered   AgentState = "REGISTERED"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultRetryDelay        = 10 * time.Second
	defaultMaxRetries        = 5
	shutdownDeregisterBudget = 5 * time.Second
)

// AgentConfig configures the registration agent.
type AgentConfig struct {
	// Input describes this process to the registry.
	Input registry.RegisterInput

	// HeartbeatInterval is the cadence of liveness beats once registered.
	HeartbeatInterval time.Duration

	// RetryDelay is the base delay between registration attempts; attempt n
	// waits RetryDelay * 2^n.
	RetryDelay time.Duration

	// MaxRetries is the number of additional registration attempts after the
	// first failure.
	MaxRetries int

	Logger log.Logger
}

func (c AgentConfig) normalize() AgentConfig {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}

	if c.RetryDelay <= 0 {
		c.RetryDelay = defaultRetryDelay
	}

	if c.MaxRetries < 0 {
		c.MaxRetries = defaultMaxRetries
	}

	if c.Logger == nil {
		c.Logger = &log.NopLogger{}
	}

	return c
}

// Agent keeps one process registered with the registry. Register retries with
// exponential backoff and collapses concurrent calls; once registered a
// heartbeat loop keeps the registration fresh, re-registering if the registry
// has forgotten the instance.
type Agent struct {
	client *Client
	cfg    AgentConfig
	logger log.Logger

	mu          sync.Mutex
	state       AgentState
	serviceID   string
	degraded    bool
	registering bool

	beatCancel context.CancelFunc
	beatDone   chan struct{}

	hookOnce      sync.Once
	hookInstalled bool

	sleep func(ctx context.Context, d time.Duration) error
}

// NewAgent builds an agent in the unregistered state.
func NewAgent(client *Client, cfg AgentConfig) *Agent {
	cfg = cfg.normalize()

	return &Agent{
		client: client,
		cfg:    cfg,
		logger: cfg.Logger,
		state:  StateUnregistered,
		sleep:  backoff.SleepWithContext,
	}
}

// State returns the current registration state.
func (a *Agent) State() AgentState {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.state
}

// ServiceID returns the registry-assigned instance id, empty while
// unregistered.
func (a *Agent) ServiceID() string {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.serviceID
}

// Degraded reports whether registration retries were exhausted. A degraded
// agent keeps serving but is invisible to service discovery; a health
// endpoint should surface this.
func (a *Agent) Degraded() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.degraded
}

// Register registers this process with the registry, retrying with
// exponential backoff. Concurrent calls while a registration is in flight
// return immediately. Success installs the shutdown hook (once) and starts
// the heartbeat loop. On exhaustion the agent flips to degraded and returns
// ErrRegistrationExhausted.
func (a *Agent) Register(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	a.mu.Lock()
	if a.registering || a.state == StateRegistered {
		a.mu.Unlock()

		return nil
	}

	a.registering = true
	a.state = StateRegistering
	a.mu.Unlock()

	err := a.register(ctx)

	a.mu.Lock()
	a.registering = false
	a.mu.Unlock()

	return err
}

func (a *Agent) register(ctx context.Context) error {
	var lastErr error

	for attempt := 0; attempt <= a.cfg.MaxRetries; attempt++ {
		instance, err := a.client.Register(ctx, a.cfg.Input)
		if err == nil {
			a.mu.Lock()
			a.serviceID = instance.ID
			a.state = StateRegistered
			a.degraded = false
			a.mu.Unlock()

			a.logger.Log(ctx, log.LevelInfo, "service registered",
				log.String("serviceId", instance.ID),
				log.String("name", a.cfg.Input.Name),
			)

			a.InstallShutdownHook()
			a.startHeartbeats()

			return nil
		}

		lastErr = err

		a.logger.Log(ctx, log.LevelWarn, "registration attempt failed",
			log.Int("attempt", attempt+1),
			log.Err(err),
		)

		if attempt < a.cfg.MaxRetries {
			if sleepErr := a.sleep(ctx, backoff.Exponential(a.cfg.RetryDelay, attempt)); sleepErr != nil {
				lastErr = sleepErr

				break
			}
		}
	}

	a.mu.Lock()
	a.state = StateUnregistered
	a.degraded = true
	a.mu.Unlock()

	a.logger.Log(ctx, log.LevelError, "registration retries exhausted, running degraded", log.Err(lastErr))

	return fmt.Errorf("%w: %v", ErrRegistrationExhausted, lastErr)
}

// startHeartbeats launches the heartbeat loop, replacing any previous one.
func (a *Agent) startHeartbeats() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	a.mu.Lock()
	prevCancel := a.beatCancel
	a.beatCancel = cancel
	a.beatDone = done
	a.mu.Unlock()

	if prevCancel != nil {
		prevCancel()
	}

	go a.heartbeatLoop(ctx, done)
}

// heartbeatLoop beats immediately, then on every tick. Beats are strictly
// serialized: the loop is a single goroutine and the ticker cannot
// overlap-fire.
func (a *Agent) heartbeatLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	if !a.beat(ctx) {
		return
	}

	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !a.beat(ctx) {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// beat sends one heartbeat. Returns false when the loop should stop: the
// registration disappeared (re-registration takes over) or the loop was
// cancelled. Transient errors are logged and retried on the next tick.
func (a *Agent) beat(ctx context.Context) bool {
	a.mu.Lock()
	serviceID := a.serviceID
	a.mu.Unlock()

	if serviceID == "" {
		return false
	}

	err := a.client.Heartbeat(ctx, serviceID)
	if err == nil {
		return true
	}

	if errors.Is(err, registry.ErrNotFound) {
		a.logger.Log(ctx, log.LevelWarn, "registration lost, re-registering",
			log.String("serviceId", serviceID),
		)

		a.mu.Lock()
		a.serviceID = ""
		a.state = StateUnregistered
		a.mu.Unlock()

		go func() {
			if regErr := a.Register(context.Background()); regErr != nil {
				a.logger.Log(context.Background(), log.LevelError, "re-registration failed", log.Err(regErr))
			}
		}()

		return false
	}

	if ctx.Err() != nil {
		return false
	}

	a.logger.Log(ctx, log.LevelWarn, "heartbeat failed, will retry on next tick", log.Err(err))

	return true
}

// Deregister stops the heartbeat loop and removes the registration.
func (a *Agent) Deregister(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	a.mu.Lock()
	cancel := a.beatCancel
	done := a.beatDone
	serviceID := a.serviceID
	a.beatCancel = nil
	a.beatDone = nil
	a.serviceID = ""
	a.state = StateUnregistered
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
		}
	}

	if serviceID == "" {
		return nil
	}

	if err := a.client.Deregister(ctx, serviceID); err != nil && !errors.Is(err, registry.ErrNotFound) {
		return fmt.Errorf("failed to deregister %s: %w", serviceID, err)
	}

	a.logger.Log(ctx, log.LevelInfo, "service deregistered", log.String("serviceId", serviceID))

	return nil
}

// DiscoverServices resolves live instances of the named service. Transport
// failures degrade to an empty result instead of an error so callers can
// treat "registry down" and "no instances" the same way.
func (a *Agent) DiscoverServices(ctx context.Context, name string) []registry.ServiceInstance {
	instances, err := a.client.Discover(ctx, name)
	if err != nil {
		a.logger.Log(ctx, log.LevelWarn, "service discovery failed",
			log.String("name", name),
			log.Err(err),
		)

		return []registry.ServiceInstance{}
	}

	if instances == nil {
		return []registry.ServiceInstance{}
	}

	return instances
}

// InstallShutdownHook deregisters on SIGINT/SIGTERM. Installing more than
// once is a no-op.
func (a *Agent) InstallShutdownHook() {
	a.hookOnce.Do(func() {
		a.mu.Lock()
		a.hookInstalled = true
		a.mu.Unlock()

		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

		go func() {
			<-sigs

			ctx, cancel := context.WithTimeout(context.Background(), shutdownDeregisterBudget)
			defer cancel()

			if err := a.Deregister(ctx); err != nil {
				a.logger.Log(ctx, log.LevelWarn, "shutdown deregistration failed", log.Err(err))
			}
		}()
	})
}
