// Package rabbitmq provides a reconnecting message-bus client on top of
// amqp091-go. It declares exchange/queue topology idempotently on every
// (re)connect, publishes JSON envelopes with generated event metadata, and
// consumes with explicit ack/nack where rejected messages flow to a shared
// dead-letter queue. Subscriptions are tracked and replayed after reconnect so
// handlers resume without caller intervention.
package rabbitmq
