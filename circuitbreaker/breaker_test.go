package circuitbreaker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func retries(n int) *int {
	return &n
}

func immediateSleep(delays *[]time.Duration) func(ctx context.Context, d time.Duration) error {
	return func(_ context.Context, d time.Duration) error {
		if delays != nil {
			*delays = append(*delays, d)
		}

		return nil
	}
}

func newTestBreaker(t *testing.T, cfg Config) *Breaker {
	t.Helper()

	b := newBreaker("test-op", cfg, nil, nil)
	b.sleep = immediateSleep(nil)

	return b
}

func failingOp(calls *atomic.Int32) Operation {
	return func(context.Context) (any, error) {
		if calls != nil {
			calls.Add(1)
		}

		return nil, errBoom
	}
}

func succeedingOp(result any) Operation {
	return func(context.Context) (any, error) {
		return result, nil
	}
}

func TestBreakerSuccessPassesThrough(t *testing.T) {
	b := newTestBreaker(t, Config{MaxRetries: retries(0)})

	result, err := b.Execute(context.Background(), succeedingOp("ok"))

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerTripsAfterFailureThreshold(t *testing.T) {
	b := newTestBreaker(t, Config{
		FailureThreshold: 3,
		ResetTimeout:     time.Minute,
		MaxRetries:       retries(0),
	})

	var calls atomic.Int32

	for i := 0; i < 3; i++ {
		_, err := b.Execute(context.Background(), failingOp(&calls))
		require.ErrorIs(t, err, errBoom)
	}

	require.Equal(t, StateOpen, b.State())

	// The next call is rejected without invoking the operation.
	before := calls.Load()
	_, err := b.Execute(context.Background(), failingOp(&calls))

	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, before, calls.Load())
}

func TestBreakerSuccessResetsConsecutiveFailures(t *testing.T) {
	b := newTestBreaker(t, Config{
		FailureThreshold: 3,
		ResetTimeout:     time.Minute,
		MaxRetries:       retries(0),
	})

	for i := 0; i < 2; i++ {
		_, err := b.Execute(context.Background(), failingOp(nil))
		require.ErrorIs(t, err, errBoom)
	}

	_, err := b.Execute(context.Background(), succeedingOp(nil))
	require.NoError(t, err)

	// Two more failures are not enough to trip after the success.
	for i := 0; i < 2; i++ {
		_, err = b.Execute(context.Background(), failingOp(nil))
		require.ErrorIs(t, err, errBoom)
	}

	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	b := newTestBreaker(t, Config{
		FailureThreshold: 1,
		ResetTimeout:     30 * time.Millisecond,
		SuccessThreshold: 2,
		MaxRetries:       retries(0),
	})

	_, err := b.Execute(context.Background(), failingOp(nil))
	require.ErrorIs(t, err, errBoom)
	require.Equal(t, StateOpen, b.State())

	time.Sleep(50 * time.Millisecond)

	require.Equal(t, StateHalfOpen, b.State())

	_, err = b.Execute(context.Background(), succeedingOp(nil))
	require.NoError(t, err)
	assert.Equal(t, StateHalfOpen, b.State())

	_, err = b.Execute(context.Background(), succeedingOp(nil))
	require.NoError(t, err)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := newTestBreaker(t, Config{
		FailureThreshold: 1,
		ResetTimeout:     30 * time.Millisecond,
		SuccessThreshold: 2,
		MaxRetries:       retries(0),
	})

	_, err := b.Execute(context.Background(), failingOp(nil))
	require.ErrorIs(t, err, errBoom)

	time.Sleep(50 * time.Millisecond)

	_, err = b.Execute(context.Background(), failingOp(nil))
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerRetriesUntilSuccess(t *testing.T) {
	var delays []time.Duration

	b := newBreaker("test-op", Config{
		FailureThreshold: 5,
		MaxRetries:       retries(3),
		RetryBackoff:     BackoffLinear,
		RetryBase:        time.Second,
	}, nil, nil)
	b.sleep = immediateSleep(&delays)

	var calls atomic.Int32

	op := func(context.Context) (any, error) {
		if calls.Add(1) < 3 {
			return nil, errBoom
		}

		return "recovered", nil
	}

	result, err := b.Execute(context.Background(), op)

	require.NoError(t, err)
	assert.Equal(t, "recovered", result)
	assert.Equal(t, int32(3), calls.Load())

	// Linear backoff: attempt*base.
	assert.Equal(t, []time.Duration{1 * time.Second, 2 * time.Second}, delays)

	// A retried-then-successful call does not count as a failure.
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, uint32(0), b.Counts().ConsecutiveFailures)
}

func TestBreakerExponentialRetryDelays(t *testing.T) {
	var delays []time.Duration

	b := newBreaker("test-op", Config{
		FailureThreshold: 5,
		MaxRetries:       retries(3),
		RetryBackoff:     BackoffExponential,
		RetryBase:        time.Second,
	}, nil, nil)
	b.sleep = immediateSleep(&delays)

	_, err := b.Execute(context.Background(), failingOp(nil))

	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}, delays)
}

func TestBreakerExhaustedRetriesCountAsSingleFailure(t *testing.T) {
	b := newTestBreaker(t, Config{
		FailureThreshold: 3,
		MaxRetries:       retries(2),
	})

	var calls atomic.Int32

	_, err := b.Execute(context.Background(), failingOp(&calls))

	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, uint32(1), b.Counts().ConsecutiveFailures)
}

func TestBreakerAttemptTimeout(t *testing.T) {
	b := newTestBreaker(t, Config{
		FailureThreshold: 5,
		Timeout:          20 * time.Millisecond,
		MaxRetries:       retries(0),
	})

	op := func(ctx context.Context) (any, error) {
		<-ctx.Done()

		return nil, ctx.Err()
	}

	_, err := b.Execute(context.Background(), op)

	require.ErrorIs(t, err, ErrTimeout)
}

func TestBreakerContextCancelStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	b := newBreaker("test-op", Config{
		FailureThreshold: 5,
		MaxRetries:       retries(5),
	}, nil, nil)
	b.sleep = func(sleepCtx context.Context, _ time.Duration) error {
		cancel()

		return sleepCtx.Err()
	}

	var calls atomic.Int32

	_, err := b.Execute(ctx, failingOp(&calls))

	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, int32(1), calls.Load())
}

func TestBreakerMetricsAccounting(t *testing.T) {
	b := newTestBreaker(t, Config{
		FailureThreshold: 100,
		MaxRetries:       retries(1),
	})

	_, err := b.Execute(context.Background(), succeedingOp(nil))
	require.NoError(t, err)

	_, err = b.Execute(context.Background(), failingOp(nil))
	require.ErrorIs(t, err, errBoom)

	metrics := b.Metrics()

	// 1 successful attempt + 2 attempts of the failed call.
	assert.Equal(t, uint64(3), metrics.TotalCalls)
	assert.Equal(t, uint64(1), metrics.SuccessCalls)
	assert.Equal(t, uint64(1), metrics.FailureCalls)
	require.Len(t, metrics.LastFailures, 2)
	assert.Equal(t, errBoom.Error(), metrics.LastFailures[0].Error)

	// Both attempts of the same logical call share an operation id.
	assert.Equal(t, metrics.LastFailures[0].OperationID, metrics.LastFailures[1].OperationID)
	assert.False(t, metrics.LastFailures[0].Timestamp.IsZero())
}

func TestBreakerFailureRingIsBounded(t *testing.T) {
	b := newTestBreaker(t, Config{
		FailureThreshold: 100,
		MaxRetries:       retries(0),
	})

	for i := 0; i < maxLastFailures+5; i++ {
		_, err := b.Execute(context.Background(), failingOp(nil))
		require.ErrorIs(t, err, errBoom)
	}

	metrics := b.Metrics()

	assert.Len(t, metrics.LastFailures, maxLastFailures)
	assert.Equal(t, uint64(maxLastFailures+5), metrics.FailureCalls)
}

func TestBreakerMetricsDisabled(t *testing.T) {
	disabled := false

	b := newTestBreaker(t, Config{
		FailureThreshold: 100,
		MaxRetries:       retries(0),
		MetricsTracking:  &disabled,
	})

	_, err := b.Execute(context.Background(), failingOp(nil))
	require.ErrorIs(t, err, errBoom)

	metrics := b.Metrics()

	assert.Zero(t, metrics.TotalCalls)
	assert.Zero(t, metrics.FailureCalls)
	assert.Empty(t, metrics.LastFailures)
}

func TestBreakerMetricsSnapshotIsCopy(t *testing.T) {
	b := newTestBreaker(t, Config{FailureThreshold: 100, MaxRetries: retries(0)})

	_, err := b.Execute(context.Background(), failingOp(nil))
	require.ErrorIs(t, err, errBoom)

	first := b.Metrics()
	first.LastFailures[0].Error = "mutated"

	second := b.Metrics()
	assert.Equal(t, errBoom.Error(), second.LastFailures[0].Error)
}

func TestConfigNormalizeDefaults(t *testing.T) {
	cfg := Config{}.normalize()

	assert.Equal(t, uint32(5), cfg.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.ResetTimeout)
	assert.Equal(t, 10*time.Second, cfg.Timeout)
	assert.Equal(t, uint32(3), cfg.SuccessThreshold)
	assert.Equal(t, BackoffExponential, cfg.RetryBackoff)
	assert.Equal(t, time.Second, cfg.RetryBase)
	assert.Equal(t, 3, cfg.maxRetries())
	assert.True(t, cfg.metricsEnabled())
}

func TestConfigPartialKeepsDefaultRetries(t *testing.T) {
	cfg := Config{FailureThreshold: 3}.normalize()

	assert.Equal(t, 3, cfg.maxRetries())
}

func TestConfigExplicitZeroRetries(t *testing.T) {
	cfg := Config{MaxRetries: retries(0)}.normalize()
	assert.Equal(t, 0, cfg.maxRetries())

	cfg = Config{MaxRetries: retries(-2)}.normalize()
	assert.Equal(t, 0, cfg.maxRetries())
}

func TestDefaultConfigRetries(t *testing.T) {
	assert.Equal(t, 3, *DefaultConfig().MaxRetries)
}
