package rabbitmq

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/mona-chen/microbun/log"
)

// Message is a delivered message handed to a Handler.
type Message struct {
	Exchange   string
	RoutingKey string
	Headers    amqp.Table
	Body       []byte
}

// Handler processes one delivery. A nil return acks the message; an error
// nacks it without requeue so it flows to the dead-letter exchange.
type Handler func(ctx context.Context, msg Message) error

// SubscribeOption configures a subscription.
type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	consumerTag string
	prefetch    int
	queueTTL    time.Duration
	dlx         string
}

// WithConsumerTag sets the consumer tag reported to the broker.
func WithConsumerTag(tag string) SubscribeOption {
	return func(o *subscribeOptions) {
		o.consumerTag = tag
	}
}

// WithPrefetch limits unacked deliveries in flight for this subscription.
func WithPrefetch(count int) SubscribeOption {
	return func(o *subscribeOptions) {
		if count > 0 {
			o.prefetch = count
		}
	}
}

// WithQueueTTL overrides the default message TTL for the subscription's queue.
func WithQueueTTL(ttl time.Duration) SubscribeOption {
	return func(o *subscribeOptions) {
		if ttl > 0 {
			o.queueTTL = ttl
		}
	}
}

// WithDeadLetter overrides the shared dead-letter exchange for this queue.
func WithDeadLetter(exchange string) SubscribeOption {
	return func(o *subscribeOptions) {
		if exchange != "" {
			o.dlx = exchange
		}
	}
}

// subscription is the tracked record replayed after every reconnect.
type subscription struct {
	queue    string
	exchange string
	pattern  string
	handler  Handler
	opts     subscribeOptions
}

// Subscribe declares and binds a durable queue, then consumes it with
// explicit acks. The subscription is tracked and transparently re-established
// after a reconnect.
func (c *Client) Subscribe(ctx context.Context, queue, exchange, pattern string, handler Handler, opts ...SubscribeOption) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if handler == nil {
		return fmt.Errorf("subscribe %s: handler is nil", queue)
	}

	options := subscribeOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	sub := &subscription{
		queue:    queue,
		exchange: exchange,
		pattern:  pattern,
		handler:  handler,
		opts:     options,
	}

	ch, err := c.liveChannel()
	if err != nil {
		return err
	}

	// Tracked before the consumer starts so a reconnect in this window
	// replays the subscription instead of losing it.
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()

	if err := c.startConsumer(ctx, ch, sub); err != nil {
		c.removeSubscription(sub)

		return err
	}

	return nil
}

func (c *Client) removeSubscription(sub *subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, s := range c.subs {
		if s == sub {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)

			break
		}
	}
}

// SubscribeBroadcast consumes fanout notifications on a service-private queue.
func (c *Client) SubscribeBroadcast(ctx context.Context, queue string, handler Handler, opts ...SubscribeOption) error {
	return c.Subscribe(ctx, queue, BroadcastExchange, "", handler, opts...)
}

// SubscribeDirect consumes messages addressed to the given target key.
func (c *Client) SubscribeDirect(ctx context.Context, queue, target string, handler Handler, opts ...SubscribeOption) error {
	return c.Subscribe(ctx, queue, DirectExchange, target, handler, opts...)
}

// startConsumer declares the subscription's queue, binds it, and launches the
// delivery loop. The loop exits when the broker channel closes; the reconnect
// path starts a fresh one.
func (c *Client) startConsumer(ctx context.Context, ch Channel, sub *subscription) error {
	queueCfg := QueueConfig{
		Name:               sub.queue,
		Exchange:           sub.exchange,
		RoutingPattern:     sub.pattern,
		MessageTTL:         sub.opts.queueTTL,
		DeadLetterExchange: sub.opts.dlx,
	}

	if err := c.declareQueue(ch, queueCfg); err != nil {
		return err
	}

	if sub.opts.prefetch > 0 {
		if err := ch.Qos(sub.opts.prefetch, 0, false); err != nil {
			return fmt.Errorf("set qos for %s: %w", sub.queue, err)
		}
	}

	deliveries, err := ch.Consume(
		sub.queue,
		sub.opts.consumerTag,
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("consume %s: %w", sub.queue, err)
	}

	go c.consumeLoop(sub, deliveries)

	c.logger.Log(ctx, log.LevelInfo, "subscribed",
		log.String("queue", sub.queue),
		log.String("exchange", sub.exchange),
		log.String("pattern", sub.pattern),
	)

	return nil
}

func (c *Client) consumeLoop(sub *subscription, deliveries <-chan amqp.Delivery) {
	for delivery := range deliveries {
		c.handleDelivery(sub, delivery)
	}
}

// handleDelivery runs the handler and settles the message: ack on success,
// nack without requeue on error or panic so the message dead-letters instead
// of looping back.
func (c *Client) handleDelivery(sub *subscription, delivery amqp.Delivery) {
	ctx := context.Background()

	err := c.invokeHandler(ctx, sub, delivery)
	if err == nil {
		if ackErr := delivery.Ack(false); ackErr != nil {
			c.logger.Log(ctx, log.LevelWarn, "failed to ack message",
				log.String("queue", sub.queue),
				log.Err(ackErr),
			)
		}

		return
	}

	c.logger.Log(ctx, log.LevelWarn, "handler failed, dead-lettering message",
		log.String("queue", sub.queue),
		log.String("routingKey", delivery.RoutingKey),
		log.Err(err),
	)

	if nackErr := delivery.Nack(false, false); nackErr != nil {
		c.logger.Log(ctx, log.LevelWarn, "failed to nack message",
			log.String("queue", sub.queue),
			log.Err(nackErr),
		)
	}
}

func (c *Client) invokeHandler(ctx context.Context, sub *subscription, delivery amqp.Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	return sub.handler(ctx, Message{
		Exchange:   delivery.Exchange,
		RoutingKey: delivery.RoutingKey,
		Headers:    delivery.Headers,
		Body:       delivery.Body,
	})
}
