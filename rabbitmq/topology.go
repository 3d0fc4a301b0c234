package rabbitmq

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ExchangeKind is the AMQP routing kind of an exchange.
type ExchangeKind string

const (
	ExchangeTopic  ExchangeKind = "topic"
	ExchangeDirect ExchangeKind = "direct"
	ExchangeFanout ExchangeKind = "fanout"
)

// Built-in notification exchanges. Broadcast is fanout (every bound queue
// receives each message), direct routes on exact key match.
const (
	BroadcastExchange = "notification.broadcast"
	DirectExchange    = "notification.direct"
)

// Shared dead-letter pair. The queue is bound with a catch-all pattern so
// every rejected or expired message lands there regardless of its original
// routing key; origin attribution survives in the broker's x-death header and
// the envelope metadata.
const (
	DeadLetterExchange = "events.dlx"
	DeadLetterQueue    = "events.dlq"
	deadLetterBinding  = "#"
)

const defaultQueueTTL = 24 * time.Hour

// ExchangeConfig describes an exchange declared on every (re)connect. Kind is
// fixed per exchange; changing it requires deleting the exchange on the broker.
type ExchangeConfig struct {
	Name string
	Kind ExchangeKind
}

// QueueConfig describes a durable queue declared and bound on every
// (re)connect. Each queue binds to exactly one exchange with one routing
// pattern; rebinding requires redeclaration.
type QueueConfig struct {
	Name           string
	Exchange       string
	RoutingPattern string

	// MessageTTL overrides the client default (24h). Zero means default.
	MessageTTL time.Duration

	// DeadLetterExchange overrides the shared DLX for this queue.
	DeadLetterExchange string
}

func (q QueueConfig) args(defaultTTL time.Duration) amqp.Table {
	ttl := q.MessageTTL
	if ttl <= 0 {
		ttl = defaultTTL
	}

	dlx := q.DeadLetterExchange
	if dlx == "" {
		dlx = DeadLetterExchange
	}

	return amqp.Table{
		"x-message-ttl":          ttl.Milliseconds(),
		"x-dead-letter-exchange": dlx,
	}
}

// declareTopology declares the dead-letter pair, the built-in notification
// exchanges, and all configured exchanges and queues. Declarations are
// idempotent as long as parameters do not change.
func (c *Client) declareTopology(ch Channel) error {
	if err := declareDeadLetterTopology(ch); err != nil {
		return err
	}

	builtins := []ExchangeConfig{
		{Name: BroadcastExchange, Kind: ExchangeFanout},
		{Name: DirectExchange, Kind: ExchangeDirect},
	}

	for _, exchange := range append(builtins, c.cfg.Exchanges...) {
		if err := declareExchange(ch, exchange); err != nil {
			return err
		}
	}

	for _, queue := range c.cfg.Queues {
		if err := c.declareQueue(ch, queue); err != nil {
			return err
		}
	}

	return nil
}

func declareExchange(ch Channel, exchange ExchangeConfig) error {
	kind := exchange.Kind
	if kind == "" {
		kind = ExchangeTopic
	}

	if err := ch.ExchangeDeclare(
		exchange.Name,
		string(kind),
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		return fmt.Errorf("declare exchange %s: %w", exchange.Name, err)
	}

	return nil
}

func (c *Client) declareQueue(ch Channel, queue QueueConfig) error {
	if _, err := ch.QueueDeclare(
		queue.Name,
		true,
		false,
		false,
		false,
		queue.args(c.cfg.QueueTTL),
	); err != nil {
		return fmt.Errorf("declare queue %s: %w", queue.Name, err)
	}

	if queue.Exchange == "" {
		return nil
	}

	if err := ch.QueueBind(
		queue.Name,
		queue.RoutingPattern,
		queue.Exchange,
		false,
		nil,
	); err != nil {
		return fmt.Errorf("bind queue %s to %s: %w", queue.Name, queue.Exchange, err)
	}

	return nil
}

func declareDeadLetterTopology(ch Channel) error {
	if err := ch.ExchangeDeclare(
		DeadLetterExchange,
		string(ExchangeTopic),
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		return fmt.Errorf("declare dlx exchange: %w", err)
	}

	if _, err := ch.QueueDeclare(
		DeadLetterQueue,
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		return fmt.Errorf("declare dlq queue: %w", err)
	}

	if err := ch.QueueBind(
		DeadLetterQueue,
		deadLetterBinding,
		DeadLetterExchange,
		false,
		nil,
	); err != nil {
		return fmt.Errorf("bind dlq to dlx: %w", err)
	}

	return nil
}
