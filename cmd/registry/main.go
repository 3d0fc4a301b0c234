// Command registry runs the service registry server: HTTP API, heartbeat
// expiry sweep, and graceful shutdown. Configuration comes from the
// environment; when REDIS_ADDR is set the instance store is Redis-backed so
// multiple registry replicas share state, otherwise records live in memory.
package main

import (
	"context"
	stdlog "log"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/mona-chen/microbun/config"
	"github.com/mona-chen/microbun/log"
	libHTTP "github.com/mona-chen/microbun/net/http"
	"github.com/mona-chen/microbun/net/http/ratelimit"
	libRedis "github.com/mona-chen/microbun/redis"
	"github.com/mona-chen/microbun/registry"
	"github.com/mona-chen/microbun/server"
	"github.com/mona-chen/microbun/zap"
)

const (
	rateLimitMax    = 100
	rateLimitWindow = time.Minute
)

func main() {
	if err := run(); err != nil {
		stdlog.Fatalf("registry: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := zap.New(zap.Config{
		Environment: zap.Environment(cfg.Log.Environment),
		Level:       cfg.Log.Level,
	})
	if err != nil {
		return err
	}

	ctx := context.Background()

	store, redisClient, closeStore, err := buildStore(ctx, cfg, logger)
	if err != nil {
		return err
	}

	svc := registry.NewService(store, registry.Config{
		TTL:          cfg.Registry.TTL(),
		RetryDelay:   cfg.Registry.RetryDelay(),
		MaxRetries:   cfg.Registry.MaxRetries,
		MaxInstances: cfg.Registry.MaxInstances,
	}, logger)
	svc.StartSweep(ctx)

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Use(libHTTP.WithTelemetry("registry"))
	app.Use(libHTTP.WithLogging(logger))
	app.Use(libHTTP.WithCORS())
	app.Use(limiter.New(limiter.Config{
		Max:        rateLimitMax,
		Expiration: rateLimitWindow,
		Storage:    limiterStorage(redisClient),
	}))
	registry.NewHandler(svc, logger).RegisterRoutes(app)

	manager := server.NewServerManager(logger).
		WithHTTPServer(app, cfg.Server.Address).
		WithShutdownHook("stop-sweep", func(context.Context) {
			svc.StopSweep()
		}).
		WithShutdownHook("close-store", func(context.Context) {
			closeStore()
		})

	logger.Log(ctx, log.LevelInfo, "registry listening",
		log.String("address", cfg.Server.Address),
	)

	return manager.StartWithGracefulShutdown()
}

// buildStore selects the instance store backend. The returned func releases
// backend resources and is safe to call for the memory store too. The Redis
// client is nil when the memory store is in use.
func buildStore(ctx context.Context, cfg *config.Config, logger log.Logger) (registry.Store, *libRedis.Client, func(), error) {
	if cfg.Redis.Addr == "" {
		return registry.NewMemoryStore(), nil, func() {}, nil
	}

	client, err := libRedis.New(libRedis.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Logger:   logger,
	})
	if err != nil {
		return nil, nil, nil, err
	}

	if err := client.Connect(ctx); err != nil {
		return nil, nil, nil, err
	}

	closeStore := func() {
		if err := client.Close(); err != nil {
			logger.Log(ctx, log.LevelWarn, "closing redis client", log.Err(err))
		}
	}

	return registry.NewRedisStore(client), client, closeStore, nil
}

// limiterStorage shares rate limit counters through Redis when available.
// Returning nil keeps fiber's in-memory storage for single-instance runs.
func limiterStorage(client *libRedis.Client) fiber.Storage {
	if client == nil {
		return nil
	}

	return ratelimit.NewRedisStorage(client)
}
