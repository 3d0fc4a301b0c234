// Package circuitbreaker guards calls to unreliable operations with a
// Closed/Open/Half-Open state machine, per-attempt timeouts, retry with
// backoff, and bounded failure metrics. A process-wide Manager keeps one
// breaker per named operation and can mirror state transitions to a shared
// store for observability.
package circuitbreaker

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned when a call is rejected without invoking the
// wrapped operation because the breaker is open (or half-open and saturated).
// It is distinct from genuine operation failures so callers can apply
// different fallback logic.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// ErrTimeout is returned when a single attempt exceeds the configured
// per-attempt timeout. The in-flight call is abandoned, not aborted.
var ErrTimeout = errors.New("operation timed out")

// ErrNotRegistered is returned by Manager.Execute for an unknown operation key.
var ErrNotRegistered = errors.New("circuit breaker not registered")

// State represents the breaker state.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
	StateUnknown  State = "UNKNOWN"
)

// Operation is an arbitrary asynchronous call wrapped by a breaker.
type Operation func(ctx context.Context) (any, error)

// FailureContext is one entry in the bounded ring of recent failures.
type FailureContext struct {
	Error       string    `json:"error"`
	Timestamp   time.Time `json:"timestamp"`
	OperationID string    `json:"operationId"`
}

// Metrics is a snapshot of a breaker's call accounting. TotalCalls counts
// every attempt; SuccessCalls and FailureCalls count final outcomes only.
type Metrics struct {
	TotalCalls   uint64           `json:"totalCalls"`
	SuccessCalls uint64           `json:"successCalls"`
	FailureCalls uint64           `json:"failureCalls"`
	LastFailures []FailureContext `json:"lastFailures"`
}

// maxLastFailures bounds the recent-failure ring; oldest entries are evicted.
const maxLastFailures = 10

// StateChangeListener is notified when a breaker changes state.
type StateChangeListener interface {
	OnStateChange(name string, from State, to State)
}

// StateSnapshot is the distributed mirror of a breaker's state. It is an
// eventually-consistent observability artifact, never authoritative for the
// local state machine.
type StateSnapshot struct {
	State     State     `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

// StateStore persists state snapshots keyed by breaker name.
type StateStore interface {
	SaveState(ctx context.Context, name string, snapshot StateSnapshot) error
	LoadState(ctx context.Context, name string) (StateSnapshot, error)
}

// ErrNoState is returned by StateStore.LoadState when no snapshot exists.
var ErrNoState = errors.New("no distributed state recorded")

// convertState converts a gobreaker.State to our State type.
func convertState(state gobreaker.State) State {
	switch state {
	case gobreaker.StateClosed:
		return StateClosed
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateUnknown
	}
}
