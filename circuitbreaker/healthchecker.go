package circuitbreaker

import (
	"context"
	"errors"
	"maps"
	"sync"
	"time"

	"github.com/mona-chen/microbun/log"
)

var (
	// ErrInvalidHealthCheckInterval indicates the probe interval must be positive.
	ErrInvalidHealthCheckInterval = errors.New("circuitbreaker: health check interval must be positive")
	// ErrInvalidHealthCheckTimeout indicates the probe timeout must be positive.
	ErrInvalidHealthCheckTimeout = errors.New("circuitbreaker: health check timeout must be positive")
)

// HealthCheckFunc probes a guarded dependency directly, bypassing the breaker.
type HealthCheckFunc func(ctx context.Context) error

// HealthChecker actively probes dependencies whose breakers are not closed
// and resets the breaker once a probe succeeds, instead of waiting for live
// traffic to test the half-open state. It also implements StateChangeListener
// so a breaker opening triggers an immediate probe.
type HealthChecker struct {
	manager      *Manager
	probes       map[string]HealthCheckFunc
	interval     time.Duration
	checkTimeout time.Duration
	logger       log.Logger

	stopChan       chan struct{}
	immediateCheck chan string
	wg             sync.WaitGroup
	mu             sync.RWMutex
}

// NewHealthChecker builds a health checker. interval is the periodic probe
// cadence; checkTimeout bounds each individual probe.
func NewHealthChecker(manager *Manager, interval, checkTimeout time.Duration, logger log.Logger) (*HealthChecker, error) {
	if interval <= 0 {
		return nil, ErrInvalidHealthCheckInterval
	}

	if checkTimeout <= 0 {
		return nil, ErrInvalidHealthCheckTimeout
	}

	if logger == nil {
		logger = &log.NopLogger{}
	}

	return &HealthChecker{
		manager:        manager,
		probes:         make(map[string]HealthCheckFunc),
		interval:       interval,
		checkTimeout:   checkTimeout,
		logger:         logger,
		stopChan:       make(chan struct{}),
		immediateCheck: make(chan string, 10),
	}, nil
}

// Register adds a probe for the named breaker.
func (hc *HealthChecker) Register(name string, probe HealthCheckFunc) {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	hc.probes[name] = probe
}

// Start begins the probe loop.
func (hc *HealthChecker) Start() {
	hc.wg.Add(1)

	go hc.loop()

	hc.logger.Log(context.Background(), log.LevelInfo, "health checker started",
		log.Any("interval", hc.interval),
	)
}

// Stop terminates the probe loop and waits for it to exit.
func (hc *HealthChecker) Stop() {
	close(hc.stopChan)
	hc.wg.Wait()
}

func (hc *HealthChecker) loop() {
	defer hc.wg.Done()

	ticker := time.NewTicker(hc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			hc.probeAll()
		case name := <-hc.immediateCheck:
			hc.probeOne(name)
		case <-hc.stopChan:
			return
		}
	}
}

func (hc *HealthChecker) probeAll() {
	hc.mu.RLock()
	probes := make(map[string]HealthCheckFunc, len(hc.probes))
	maps.Copy(probes, hc.probes)
	hc.mu.RUnlock()

	for name, probe := range probes {
		hc.heal(name, probe)
	}
}

func (hc *HealthChecker) probeOne(name string) {
	hc.mu.RLock()
	probe, exists := hc.probes[name]
	hc.mu.RUnlock()

	if !exists {
		return
	}

	hc.heal(name, probe)
}

// heal probes a dependency whose breaker is open or half-open and resets the
// breaker on success. Closed breakers are left alone.
func (hc *HealthChecker) heal(name string, probe HealthCheckFunc) {
	if hc.manager.GetState(name) == StateClosed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), hc.checkTimeout)
	err := probe(ctx)

	cancel()

	if err != nil {
		hc.logger.Log(context.Background(), log.LevelWarn, "dependency still unhealthy",
			log.String("operation", name),
			log.Err(err),
		)

		return
	}

	hc.logger.Log(context.Background(), log.LevelInfo, "dependency recovered, resetting circuit breaker",
		log.String("operation", name),
	)
	hc.manager.Reset(name)
}

// HealthStatus returns the breaker state for every registered probe.
func (hc *HealthChecker) HealthStatus() map[string]State {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	status := make(map[string]State, len(hc.probes))
	for name := range hc.probes {
		status[name] = hc.manager.GetState(name)
	}

	return status
}

// OnStateChange schedules an immediate probe when a breaker opens.
func (hc *HealthChecker) OnStateChange(name string, _ State, to State) {
	if to != StateOpen {
		return
	}

	select {
	case hc.immediateCheck <- name:
	default:
		// Channel full, the periodic sweep will pick it up.
	}
}
