// Package ratelimit provides a Redis-backed fiber.Storage so rate limits are
// shared across registry replicas.
package ratelimit
