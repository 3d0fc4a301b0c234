// Package server starts the HTTP surface and owns graceful shutdown: it
// blocks until a termination signal, an injected shutdown channel, or a
// startup error, then stops the fiber app and runs registered shutdown hooks
// (deregistration, bus and store close) within a bounded timeout.
package server
