package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mona-chen/microbun/log"
	libOpentelemetry "github.com/mona-chen/microbun/opentelemetry"
)

// PublishOption configures a single publish.
type PublishOption func(*publishOptions)

type publishOptions struct {
	metadata map[string]any
	headers  amqp.Table
}

// WithMetadata merges caller metadata into the envelope's metadata object.
// The generated timestamp and eventId always win on key collision.
func WithMetadata(metadata map[string]any) PublishOption {
	return func(o *publishOptions) {
		o.metadata = metadata
	}
}

// WithHeaders sets AMQP headers on the published message.
func WithHeaders(headers amqp.Table) PublishOption {
	return func(o *publishOptions) {
		o.headers = headers
	}
}

// Publish serializes message as a JSON envelope with injected
// metadata.timestamp and metadata.eventId and publishes it to the exchange.
// The returned boolean reports whether the broker accepted the frame; it is
// not an end-to-end delivery confirmation.
func (c *Client) Publish(ctx context.Context, exchange, routingKey string, message any, opts ...PublishOption) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	tracer := otel.Tracer("rabbitmq")

	ctx, span := tracer.Start(ctx, "rabbitmq.publish")
	defer span.End()

	span.SetAttributes(
		attribute.String("messaging.destination.name", exchange),
		attribute.String("messaging.rabbitmq.routing_key", routingKey),
	)

	options := publishOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	ch, err := c.liveChannel()
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "No live rabbitmq channel", err)

		return false, err
	}

	now := time.Now().UTC()

	body, eventID, err := buildEnvelope(message, options.metadata, now)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "Failed to build message envelope", err)

		return false, err
	}

	publishing := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    eventID,
		Timestamp:    now,
		Headers:      options.headers,
		Body:         body,
	}

	if err := ch.PublishWithContext(ctx, exchange, routingKey, false, false, publishing); err != nil {
		libOpentelemetry.HandleSpanError(span, "Failed to publish message", err)

		return false, fmt.Errorf("failed to publish to %s: %w", exchange, err)
	}

	c.logger.Log(ctx, log.LevelDebug, "published message",
		log.String("exchange", exchange),
		log.String("routingKey", routingKey),
		log.String("eventId", eventID),
	)

	return true, nil
}

// PublishBroadcast publishes to the fanout notification exchange; every bound
// queue receives the message and the routing key is ignored.
func (c *Client) PublishBroadcast(ctx context.Context, message any, opts ...PublishOption) (bool, error) {
	return c.Publish(ctx, BroadcastExchange, "", message, opts...)
}

// PublishDirect publishes to the direct notification exchange; only queues
// bound with the exact target key receive the message.
func (c *Client) PublishDirect(ctx context.Context, target string, message any, opts ...PublishOption) (bool, error) {
	return c.Publish(ctx, DirectExchange, target, message, opts...)
}

// buildEnvelope produces the wire JSON: the message's own fields at the top
// level plus a metadata object carrying the generated timestamp and eventId
// merged over any caller metadata. Non-object messages are wrapped under a
// payload field so the envelope shape stays uniform.
func buildEnvelope(message any, callerMetadata map[string]any, now time.Time) ([]byte, string, error) {
	raw, err := json.Marshal(message)
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal message: %w", err)
	}

	envelope := make(map[string]any)
	if err := json.Unmarshal(raw, &envelope); err != nil {
		envelope = map[string]any{"payload": json.RawMessage(raw)}
	}

	eventID := uuid.New().String()

	metadata := make(map[string]any, len(callerMetadata)+2)
	for key, value := range callerMetadata {
		metadata[key] = value
	}

	// Caller metadata may carry anything except the generated fields.
	metadata["timestamp"] = now.Format(time.RFC3339Nano)
	metadata["eventId"] = eventID

	envelope["metadata"] = metadata

	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal envelope: %w", err)
	}

	return body, eventID, nil
}

// Envelope is the decoded wire form of a published message.
type Envelope struct {
	Metadata EnvelopeMetadata `json:"metadata"`
}

// EnvelopeMetadata is the generated portion of an envelope.
type EnvelopeMetadata struct {
	Timestamp time.Time `json:"timestamp"`
	EventID   string    `json:"eventId"`
}

// DecodeEnvelope extracts the metadata object from a message body.
func DecodeEnvelope(body []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("failed to decode envelope: %w", err)
	}

	return envelope, nil
}
