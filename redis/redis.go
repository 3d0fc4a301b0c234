// Package redis wraps a go-redis client with lazy connection, health
// checking, and nil-safe logging. It backs the Redis-based registry store and
// the circuit breaker's distributed state mirror.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mona-chen/microbun/log"
	libOpentelemetry "github.com/mona-chen/microbun/opentelemetry"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var (
	// ErrNilClient is returned when a method is called on a nil client receiver.
	ErrNilClient = errors.New("redis client is nil")
	// ErrInvalidConfig indicates the provided redis configuration is invalid.
	ErrInvalidConfig = errors.New("invalid redis config")
)

// Config holds connection settings for the Redis client.
type Config struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Logger       log.Logger
}

func (cfg Config) validate() error {
	if cfg.Addr == "" {
		return fmt.Errorf("%w: addr is required", ErrInvalidConfig)
	}

	return nil
}

// Client wraps a redis.UniversalClient with lazy connection handling.
type Client struct {
	mu        sync.RWMutex
	cfg       Config
	logger    log.Logger
	client    redis.UniversalClient
	connected bool
}

// New validates config and returns a client. The underlying connection is
// established lazily on first use or eagerly via Connect.
func New(cfg Config) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = &log.NopLogger{}
	}

	return &Client{cfg: cfg, logger: logger}, nil
}

// Connect establishes the Redis connection and verifies it with a ping.
func (c *Client) Connect(ctx context.Context) error {
	if c == nil {
		return ErrNilClient
	}

	tracer := otel.Tracer("redis")

	ctx, span := tracer.Start(ctx, "redis.connect")
	defer span.End()

	span.SetAttributes(attribute.String("db.system", "redis"))

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connectLocked(ctx); err != nil {
		libOpentelemetry.HandleSpanError(span, "Failed to connect to redis", err)

		return err
	}

	return nil
}

func (c *Client) connectLocked(ctx context.Context) error {
	if c.client != nil && c.connected {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:         c.cfg.Addr,
		Password:     c.cfg.Password,
		DB:           c.cfg.DB,
		PoolSize:     c.cfg.PoolSize,
		DialTimeout:  c.cfg.DialTimeout,
		ReadTimeout:  c.cfg.ReadTimeout,
		WriteTimeout: c.cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		closeErr := client.Close()
		if closeErr != nil {
			c.logger.Log(ctx, log.LevelWarn, "failed to close redis client after ping failure", log.Err(closeErr))
		}

		return fmt.Errorf("redis ping: %w", err)
	}

	c.client = client
	c.connected = true

	c.logger.Log(ctx, log.LevelInfo, "connected to redis", log.String("addr", c.cfg.Addr))

	return nil
}

// GetClient returns a connected redis client, connecting on demand if needed.
func (c *Client) GetClient(ctx context.Context) (redis.UniversalClient, error) {
	if c == nil {
		return nil, ErrNilClient
	}

	c.mu.RLock()

	if c.client != nil && c.connected {
		client := c.client
		c.mu.RUnlock()

		return client, nil
	}

	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil && c.connected {
		return c.client, nil
	}

	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}

	return c.client, nil
}

// HealthCheck pings the server and reports reachability.
func (c *Client) HealthCheck(ctx context.Context) (bool, error) {
	if c == nil {
		return false, ErrNilClient
	}

	client, err := c.GetClient(ctx)
	if err != nil {
		return false, err
	}

	if err := client.Ping(ctx).Err(); err != nil {
		return false, fmt.Errorf("redis health check: %w", err)
	}

	return true, nil
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	if c == nil {
		return ErrNilClient
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}

	err := c.client.Close()
	c.client = nil
	c.connected = false

	if err != nil {
		return fmt.Errorf("redis close: %w", err)
	}

	return nil
}
