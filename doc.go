// Package microbun provides the shared infrastructure core for microbun
// services: service registration and discovery, circuit-breaker-guarded
// calls, and resilient message-bus communication.
//
// The root package is intentionally dependency-light and holds environment
// helpers and small utilities shared by the subpackages. The actual
// machinery lives in subpackages:
//
//   - registry: the service registry (store, operations, expiry sweep, HTTP API)
//   - discovery: the client-side agent (register, heartbeat, discover)
//   - circuitbreaker: per-operation breakers with retry, metrics, and a manager
//   - rabbitmq: reconnecting message-bus client with dead-lettering
//   - log, zap: structured logging interface and its zap implementation
//   - backoff: retry delay calculations
//   - config: environment-driven configuration
//   - server: HTTP server lifecycle with graceful shutdown
package microbun
