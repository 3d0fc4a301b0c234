// Package discovery is the client side of the service registry: it registers
// the running process, keeps its registration alive with serialized
// heartbeats, re-registers when the registry forgets it, and resolves live
// instances of other services. Registration failures back off exponentially;
// when retries are exhausted the agent degrades instead of crashing.
package discovery
