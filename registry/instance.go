// Package registry implements the service registry: instance records, the
// pluggable store, the register/heartbeat/discover/deregister operations, the
// expiry sweep, and the HTTP API exposing them.
package registry

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when no instance matches the given id.
	ErrNotFound = errors.New("service instance not found")
	// ErrValidation is returned when required registration fields are missing.
	ErrValidation = errors.New("validation failed")
	// ErrCapacity is returned when the registry holds MaxInstances records.
	ErrCapacity = errors.New("registry capacity exceeded")
)

// Status is the self-reported state of a service instance. Liveness is
// derived from heartbeat age, not from Status: an instance may report
// StatusStopping and still be considered live until its heartbeat expires.
type Status string

const (
	StatusUp       Status = "UP"
	StatusDown     Status = "DOWN"
	StatusStarting Status = "STARTING"
	StatusStopping Status = "STOPPING"
)

// Valid reports whether s is one of the recognized status values.
func (s Status) Valid() bool {
	switch s {
	case StatusUp, StatusDown, StatusStarting, StatusStopping:
		return true
	default:
		return false
	}
}

// ServiceInstance is one registered process of a logical service. Instances
// are created and destroyed exclusively by the registry; the registering
// process owns only its local copy of the id.
type ServiceInstance struct {
	ID             string    `json:"serviceId"`
	Name           string    `json:"name"`
	Host           string    `json:"host"`
	Port           int       `json:"port"`
	URL            string    `json:"url"`
	HealthEndpoint string    `json:"healthEndpoint"`
	Version        string    `json:"version,omitempty"`
	Description    string    `json:"description,omitempty"`
	Status         Status    `json:"status"`
	RegisteredAt   time.Time `json:"registeredAt"`
	LastHeartbeat  time.Time `json:"lastHeartbeat"`
}

// IsLive reports whether the instance's heartbeat is younger than maxAge at
// the given reference time.
func (si *ServiceInstance) IsLive(now time.Time, maxAge time.Duration) bool {
	return now.Sub(si.LastHeartbeat) <= maxAge
}

// RegisterInput carries the caller-supplied fields for a new registration.
type RegisterInput struct {
	Name           string `json:"name"`
	Host           string `json:"host"`
	Port           int    `json:"port"`
	HealthEndpoint string `json:"healthEndpoint,omitempty"`
	Version        string `json:"version,omitempty"`
	Description    string `json:"description,omitempty"`
}

// Validate checks the required registration fields.
func (in RegisterInput) Validate() error {
	if in.Name == "" {
		return fmt.Errorf("%w: name is required", ErrValidation)
	}

	if in.Host == "" {
		return fmt.Errorf("%w: host is required", ErrValidation)
	}

	if in.Port == 0 {
		return fmt.Errorf("%w: port is required", ErrValidation)
	}

	return nil
}

// DefaultHealthEndpoint is used when a registration omits its health path.
const DefaultHealthEndpoint = "/health"
