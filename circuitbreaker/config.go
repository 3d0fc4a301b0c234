package circuitbreaker

import "time"

// BackoffStrategy selects how retry delays grow between attempts.
type BackoffStrategy string

const (
	// BackoffLinear waits attempt * RetryBase between attempts.
	BackoffLinear BackoffStrategy = "linear"
	// BackoffExponential waits 2^attempt * RetryBase between attempts.
	BackoffExponential BackoffStrategy = "exponential"
)

// Config holds circuit breaker configuration. The zero value is usable:
// missing fields are filled from DefaultConfig by normalize.
type Config struct {
	// FailureThreshold is the number of consecutive final-outcome failures
	// in the closed state that trips the breaker open.
	FailureThreshold uint32

	// ResetTimeout is how long the breaker stays open before the next call
	// moves it to half-open.
	ResetTimeout time.Duration

	// Timeout bounds each individual attempt.
	Timeout time.Duration

	// SuccessThreshold is the number of consecutive half-open successes
	// required to close the breaker.
	SuccessThreshold uint32

	// RetryBackoff selects the delay growth strategy between retries.
	RetryBackoff BackoffStrategy

	// RetryBase is the base delay unit for retry backoff.
	RetryBase time.Duration

	// MaxRetries is the number of additional attempts after the first
	// failure. Nil means the default; an explicit zero disables retries.
	MaxRetries *int

	// MetricsTracking enables call accounting and the recent-failure ring.
	MetricsTracking *bool

	// DistributedTracking mirrors state transitions to the Manager's
	// StateStore when one is configured.
	DistributedTracking bool
}

// DefaultConfig provides the standard breaker settings.
func DefaultConfig() Config {
	enabled := true
	retries := 3

	return Config{
		FailureThreshold:    5,
		ResetTimeout:        30 * time.Second,
		Timeout:             10 * time.Second,
		SuccessThreshold:    3,
		RetryBackoff:        BackoffExponential,
		RetryBase:           time.Second,
		MaxRetries:          &retries,
		MetricsTracking:     &enabled,
		DistributedTracking: false,
	}
}

func (c Config) normalize() Config {
	defaults := DefaultConfig()

	if c.FailureThreshold == 0 {
		c.FailureThreshold = defaults.FailureThreshold
	}

	if c.ResetTimeout <= 0 {
		c.ResetTimeout = defaults.ResetTimeout
	}

	if c.Timeout <= 0 {
		c.Timeout = defaults.Timeout
	}

	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = defaults.SuccessThreshold
	}

	if c.RetryBackoff != BackoffLinear && c.RetryBackoff != BackoffExponential {
		c.RetryBackoff = defaults.RetryBackoff
	}

	if c.RetryBase <= 0 {
		c.RetryBase = defaults.RetryBase
	}

	if c.MaxRetries == nil {
		c.MaxRetries = defaults.MaxRetries
	} else if *c.MaxRetries < 0 {
		zero := 0
		c.MaxRetries = &zero
	}

	if c.MetricsTracking == nil {
		c.MetricsTracking = defaults.MetricsTracking
	}

	return c
}

func (c Config) metricsEnabled() bool {
	return c.MetricsTracking != nil && *c.MetricsTracking
}

func (c Config) maxRetries() int {
	if c.MaxRetries == nil {
		return 0
	}

	return *c.MaxRetries
}
