package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"

	"github.com/mona-chen/microbun/backoff"
	"github.com/mona-chen/microbun/log"
	libOpentelemetry "github.com/mona-chen/microbun/opentelemetry"
)

// ConnectionState is the bus client connection lifecycle state.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "DISCONNECTED"
	StateConnecting   ConnectionState = "CONNECTING"
	StateConnected    ConnectionState = "CONNECTED"
)

var (
	// ErrNotConnected is returned by operations that need a live channel while
	// the client is disconnected or connecting.
	ErrNotConnected = errors.New("rabbitmq client is not connected")

	// ErrMaxReconnectsExceeded is the terminal reconnect failure. The client
	// stays disconnected; an external restart is required.
	ErrMaxReconnectsExceeded = errors.New("rabbitmq reconnect attempts exhausted")

	// ErrClientClosed is returned after Close has been called.
	ErrClientClosed = errors.New("rabbitmq client is closed")

	// ErrInvalidURI is returned when the configured broker URI is unusable.
	ErrInvalidURI = errors.New("invalid rabbitmq uri")
)

const (
	defaultReconnectBase = time.Second
	defaultReconnectCap  = 30 * time.Second
	defaultMaxReconnects = 10
	reconnectFactor      = 1.5
)

// Channel is the subset of amqp.Channel the client uses. It exists so tests
// can substitute a fake without a running broker.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Config holds bus client configuration. URI is required; everything else has
// working defaults.
type Config struct {
	URI string

	// Exchanges declared on every (re)connect, in addition to the built-in
	// broadcast/direct notification exchanges and the dead-letter pair.
	Exchanges []ExchangeConfig

	// Queues declared and bound on every (re)connect.
	Queues []QueueConfig

	// ReconnectBase is the first reconnect delay; subsequent delays grow by
	// a factor of 1.5 and are capped at ReconnectCap.
	ReconnectBase time.Duration
	ReconnectCap  time.Duration

	// MaxReconnects bounds consecutive failed reconnect attempts before the
	// client gives up for good.
	MaxReconnects int

	// QueueTTL is the default x-message-ttl applied to declared queues.
	QueueTTL time.Duration

	// OnFatal is invoked once when reconnection is exhausted.
	OnFatal func(error)

	Logger log.Logger
}

func (c Config) validate() error {
	uri := strings.TrimSpace(c.URI)
	if uri == "" {
		return fmt.Errorf("%w: uri is empty", ErrInvalidURI)
	}

	parsed, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidURI, sanitizeURI(uri))
	}

	if parsed.Scheme != "amqp" && parsed.Scheme != "amqps" {
		return fmt.Errorf("%w: scheme must be amqp or amqps", ErrInvalidURI)
	}

	return nil
}

func (c Config) normalize() Config {
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = defaultReconnectBase
	}

	if c.ReconnectCap <= 0 {
		c.ReconnectCap = defaultReconnectCap
	}

	if c.MaxReconnects <= 0 {
		c.MaxReconnects = defaultMaxReconnects
	}

	if c.QueueTTL <= 0 {
		c.QueueTTL = defaultQueueTTL
	}

	if c.Logger == nil {
		c.Logger = &log.NopLogger{}
	}

	return c
}

// Client is a self-healing AMQP client. A lost connection triggers background
// reconnection with geometric backoff; on success the full topology is
// re-declared and every tracked subscription is replayed.
type Client struct {
	cfg    Config
	logger log.Logger

	mu       sync.Mutex
	conn     *amqp.Connection
	channel  Channel
	state    ConnectionState
	subs     []*subscription
	closed   bool
	fatalErr error

	// connEpoch increments on every successful connect so stale close
	// notifications from a replaced connection are ignored.
	connEpoch uint64

	dialer         func(string) (*amqp.Connection, error)
	channelFactory func(*amqp.Connection) (Channel, error)
	connCloser     func(*amqp.Connection) error
	sleep          func(ctx context.Context, d time.Duration) error
}

// New builds a client in the disconnected state. Call Connect to establish
// the first connection.
func New(cfg Config) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	cfg = cfg.normalize()

	return &Client{
		cfg:    cfg,
		logger: cfg.Logger,
		state:  StateDisconnected,
		dialer: amqp.Dial,
		channelFactory: func(conn *amqp.Connection) (Channel, error) {
			if conn == nil {
				return nil, errors.New("cannot open channel: connection is nil")
			}

			return conn.Channel()
		},
		connCloser: func(conn *amqp.Connection) error {
			if conn == nil {
				return nil
			}

			return conn.Close()
		},
		sleep: backoff.SleepWithContext,
	}, nil
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// FatalError returns the terminal reconnect error, nil while the client is
// still viable.
func (c *Client) FatalError() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.fatalErr
}

// Connect dials the broker, declares the topology, and replays any tracked
// subscriptions. It is safe to call on an already-connected client.
func (c *Client) Connect(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	tracer := otel.Tracer("rabbitmq")

	ctx, span := tracer.Start(ctx, "rabbitmq.connect")
	defer span.End()

	if err := c.connect(ctx); err != nil {
		libOpentelemetry.HandleSpanError(span, "Failed to connect to rabbitmq", err)

		return err
	}

	return nil
}

func (c *Client) connect(ctx context.Context) error {
	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()

		return ErrClientClosed
	}

	if c.state == StateConnected {
		c.mu.Unlock()

		return nil
	}

	c.state = StateConnecting
	dialer := c.dialer
	channelFactory := c.channelFactory
	connCloser := c.connCloser
	uri := c.cfg.URI
	c.mu.Unlock()

	c.logger.Log(ctx, log.LevelInfo, "connecting to rabbitmq")

	conn, err := dialer(uri)
	if err != nil {
		c.setDisconnected()

		return fmt.Errorf("failed to connect to rabbitmq: %s", sanitizeAMQPErr(err, uri))
	}

	ch, err := channelFactory(conn)
	if err != nil {
		c.closeConnectionWith(conn, connCloser)
		c.setDisconnected()

		return fmt.Errorf("failed to open channel on rabbitmq: %w", err)
	}

	if err := c.declareTopology(ch); err != nil {
		_ = ch.Close()
		c.closeConnectionWith(conn, connCloser)
		c.setDisconnected()

		return fmt.Errorf("failed to declare rabbitmq topology: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.channel = ch
	c.state = StateConnected
	c.connEpoch++
	epoch := c.connEpoch
	subs := make([]*subscription, len(c.subs))
	copy(subs, c.subs)
	c.mu.Unlock()

	c.logger.Log(ctx, log.LevelInfo, "connected to rabbitmq")

	c.watchClose(ch, epoch)

	for _, sub := range subs {
		if err := c.startConsumer(ctx, ch, sub); err != nil {
			c.logger.Log(ctx, log.LevelError, "failed to replay subscription",
				log.String("queue", sub.queue),
				log.Err(err),
			)
		}
	}

	return nil
}

func (c *Client) setDisconnected() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateConnected {
		c.state = StateDisconnected
	}
}

// watchClose arms a goroutine on the channel's close notification. A broker
// initiated close starts the reconnect loop; notifications from a connection
// that has already been replaced are dropped.
func (c *Client) watchClose(ch Channel, epoch uint64) {
	closeNotify := ch.NotifyClose(make(chan *amqp.Error, 1))

	go func() {
		amqpErr := <-closeNotify

		c.mu.Lock()
		stale := c.closed || epoch != c.connEpoch
		c.mu.Unlock()

		if stale {
			return
		}

		if amqpErr != nil {
			c.logger.Log(context.Background(), log.LevelWarn, "rabbitmq connection lost",
				log.String("reason", amqpErr.Error()),
			)
		}

		c.reconnect(context.Background())
	}()
}

// reconnect retries the connect sequence with geometric backoff. Exhausting
// MaxReconnects is terminal: the client records the fatal error and stays
// disconnected.
func (c *Client) reconnect(ctx context.Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()

		return
	}

	c.state = StateConnecting
	c.conn = nil
	c.channel = nil
	c.mu.Unlock()

	var lastErr error

	for attempt := 1; attempt <= c.cfg.MaxReconnects; attempt++ {
		delay := backoff.Geometric(c.cfg.ReconnectBase, reconnectFactor, attempt-1, c.cfg.ReconnectCap)

		c.logger.Log(ctx, log.LevelInfo, "scheduling rabbitmq reconnect",
			log.Int("attempt", attempt),
			log.Any("delay", delay),
		)

		if err := c.sleep(ctx, delay); err != nil {
			lastErr = err

			break
		}

		// Connect requires the client to look disconnected.
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()

			return
		}

		c.state = StateDisconnected
		c.mu.Unlock()

		if err := c.connect(ctx); err != nil {
			lastErr = err

			c.logger.Log(ctx, log.LevelWarn, "rabbitmq reconnect attempt failed",
				log.Int("attempt", attempt),
				log.Err(err),
			)

			continue
		}

		return
	}

	fatal := fmt.Errorf("%w after %d attempts: %v", ErrMaxReconnectsExceeded, c.cfg.MaxReconnects, lastErr)

	c.mu.Lock()
	c.state = StateDisconnected
	c.fatalErr = fatal
	onFatal := c.cfg.OnFatal
	c.mu.Unlock()

	c.logger.Log(ctx, log.LevelError, "rabbitmq reconnect exhausted, giving up", log.Err(fatal))

	if onFatal != nil {
		onFatal(fatal)
	}
}

// liveChannel returns the current channel or ErrNotConnected.
func (c *Client) liveChannel() (Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClientClosed
	}

	if c.state != StateConnected || c.channel == nil {
		return nil, ErrNotConnected
	}

	return c.channel, nil
}

// Close shuts the client down permanently. Tracked subscriptions are
// discarded and reconnection stops.
func (c *Client) Close() error {
	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()

		return nil
	}

	c.closed = true
	c.state = StateDisconnected
	channel := c.channel
	conn := c.conn
	connCloser := c.connCloser
	c.channel = nil
	c.conn = nil
	c.subs = nil
	c.mu.Unlock()

	var closeErr error

	if channel != nil {
		if err := channel.Close(); err != nil {
			closeErr = fmt.Errorf("failed to close rabbitmq channel: %w", err)
		}
	}

	if conn != nil {
		if err := connCloser(conn); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("failed to close rabbitmq connection: %w", err))
		}
	}

	return closeErr
}

func (c *Client) closeConnectionWith(conn *amqp.Connection, closer func(*amqp.Connection) error) {
	if closer == nil {
		return
	}

	if err := closer(conn); err != nil {
		c.logger.Log(context.Background(), log.LevelWarn, "failed to close rabbitmq connection during cleanup", log.Err(err))
	}
}

// sanitizeURI redacts credentials from a broker URI for logs and errors.
func sanitizeURI(uri string) string {
	parsed, err := url.Parse(uri)
	if err != nil {
		return "<unparseable uri>"
	}

	return parsed.Redacted()
}

func sanitizeAMQPErr(err error, uri string) string {
	if err == nil {
		return ""
	}

	msg := err.Error()
	if uri == "" {
		return msg
	}

	parsed, parseErr := url.Parse(uri)
	if parseErr != nil {
		return msg
	}

	msg = strings.ReplaceAll(msg, uri, parsed.Redacted())

	if parsed.User != nil {
		if pass, ok := parsed.User.Password(); ok && pass != "" {
			msg = strings.ReplaceAll(msg, pass, "xxxxx")
		}
	}

	return msg
}
