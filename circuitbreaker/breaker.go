package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mona-chen/microbun/backoff"
	"github.com/mona-chen/microbun/log"
	"github.com/sony/gobreaker"
)

// Breaker wraps a single named operation with the state machine, per-attempt
// timeout, retry with backoff, and metrics accounting.
type Breaker struct {
	name string
	cfg  Config

	breaker *gobreaker.CircuitBreaker

	mu      sync.Mutex
	metrics Metrics

	logger log.Logger

	// sleep is injectable so retry delay behavior is testable without waiting.
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// newBreaker builds a breaker. notify receives state transitions and is how
// the Manager fans out to listeners and the distributed store.
func newBreaker(name string, cfg Config, logger log.Logger, notify func(name string, from, to State)) *Breaker {
	cfg = cfg.normalize()

	if logger == nil {
		logger = &log.NopLogger{}
	}

	b := &Breaker{
		name:   name,
		cfg:    cfg,
		logger: logger,
		sleep:  backoff.SleepWithContext,
		now:    time.Now,
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.SuccessThreshold,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
	}

	if notify != nil {
		settings.OnStateChange = func(_ string, from, to gobreaker.State) {
			notify(name, convertState(from), convertState(to))
		}
	}

	b.breaker = gobreaker.NewCircuitBreaker(settings)

	return b
}

// Name returns the operation key this breaker guards.
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	return convertState(b.breaker.State())
}

// Counts returns the underlying consecutive/total counters. They reset on
// every state transition.
func (b *Breaker) Counts() gobreaker.Counts {
	return b.breaker.Counts()
}

// Execute runs the operation through the breaker. In the open state the call
// is rejected with ErrCircuitOpen without invoking the operation. In closed
// and half-open states the operation is attempted with a per-attempt timeout
// and retried up to MaxRetries additional times; only the final outcome is
// reported to the state machine.
func (b *Breaker) Execute(ctx context.Context, op Operation) (any, error) {
	result, err := b.breaker.Execute(func() (any, error) {
		return b.runWithRetries(ctx, op)
	})

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%s: %w", b.name, ErrCircuitOpen)
		}

		return nil, err
	}

	return result, nil
}

// runWithRetries executes one logical call: first attempt plus up to
// MaxRetries retries, waiting the configured backoff delay between attempts.
// A success on any attempt short-circuits the loop.
func (b *Breaker) runWithRetries(ctx context.Context, op Operation) (any, error) {
	operationID := uuid.New().String()

	var lastErr error

	maxRetries := b.cfg.maxRetries()

	for attempt := 0; attempt <= maxRetries; attempt++ {
		result, err := b.attempt(ctx, op)

		b.recordAttempt()

		if err == nil {
			b.recordOutcome(true)

			return result, nil
		}

		lastErr = err
		b.recordFailureContext(err, operationID)

		b.logger.Log(ctx, log.LevelWarn, "operation attempt failed",
			log.String("operation", b.name),
			log.Int("attempt", attempt+1),
			log.Err(err),
		)

		if attempt < maxRetries {
			if sleepErr := b.sleep(ctx, b.retryDelay(attempt+1)); sleepErr != nil {
				// Context cancelled while waiting: stop retrying.
				break
			}
		}
	}

	b.recordOutcome(false)

	return nil, lastErr
}

// attempt races the operation against the per-attempt timeout. On timeout
// the result is abandoned; the downstream call is not aborted at the
// transport level, so wrapped operations should be idempotent.
func (b *Breaker) attempt(ctx context.Context, op Operation) (any, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}

	done := make(chan outcome, 1)

	go func() {
		result, err := op(attemptCtx)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s: %w", b.name, ctx.Err())
		}

		return nil, fmt.Errorf("%s after %s: %w", b.name, b.cfg.Timeout, ErrTimeout)
	}
}

func (b *Breaker) retryDelay(attempt int) time.Duration {
	if b.cfg.RetryBackoff == BackoffLinear {
		return backoff.Linear(b.cfg.RetryBase, attempt)
	}

	return backoff.Exponential(b.cfg.RetryBase, attempt)
}

func (b *Breaker) recordAttempt() {
	if !b.cfg.metricsEnabled() {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.metrics.TotalCalls++
}

func (b *Breaker) recordOutcome(success bool) {
	if !b.cfg.metricsEnabled() {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		b.metrics.SuccessCalls++
	} else {
		b.metrics.FailureCalls++
	}
}

func (b *Breaker) recordFailureContext(err error, operationID string) {
	if !b.cfg.metricsEnabled() {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.metrics.LastFailures = append(b.metrics.LastFailures, FailureContext{
		Error:       err.Error(),
		Timestamp:   b.now(),
		OperationID: operationID,
	})

	if len(b.metrics.LastFailures) > maxLastFailures {
		b.metrics.LastFailures = b.metrics.LastFailures[len(b.metrics.LastFailures)-maxLastFailures:]
	}
}

// Metrics returns a snapshot of the breaker's call accounting.
func (b *Breaker) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()

	snapshot := b.metrics
	snapshot.LastFailures = make([]FailureContext, len(b.metrics.LastFailures))
	copy(snapshot.LastFailures, b.metrics.LastFailures)

	return snapshot
}

// resetMetrics zeroes all counters and the failure ring.
func (b *Breaker) resetMetrics() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.metrics = Metrics{}
}
