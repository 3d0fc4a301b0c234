package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/mona-chen/microbun/log"
)

// ErrNoServerConfigured indicates Start was called without an HTTP server.
var ErrNoServerConfigured = errors.New("no server configured: use WithHTTPServer")

const defaultShutdownTimeout = 30 * time.Second

// ShutdownHook releases one resource during shutdown. Hooks run in
// registration order after the HTTP server has stopped accepting traffic.
type ShutdownHook struct {
	Name string
	Fn   func(ctx context.Context)
}

// ServerManager runs a fiber app and coordinates graceful shutdown.
type ServerManager struct {
	app     *fiber.App
	address string
	logger  log.Logger

	hooks []ShutdownHook

	serversStarted     chan struct{}
	serversStartedOnce sync.Once
	shutdownChan       <-chan struct{}
	shutdownOnce       sync.Once
	shutdownTimeout    time.Duration
	startupErrors      chan error
}

// NewServerManager creates a manager. A nil logger is replaced with a no-op.
func NewServerManager(logger log.Logger) *ServerManager {
	if logger == nil {
		logger = &log.NopLogger{}
	}

	return &ServerManager{
		logger:          logger,
		serversStarted:  make(chan struct{}),
		shutdownTimeout: defaultShutdownTimeout,
		startupErrors:   make(chan error, 1),
	}
}

// WithHTTPServer configures the fiber app and listen address.
func (sm *ServerManager) WithHTTPServer(app *fiber.App, address string) *ServerManager {
	sm.app = app
	sm.address = address

	return sm
}

// WithShutdownChannel replaces OS signals with a custom trigger. Tests use
// this to drive shutdown deterministically.
func (sm *ServerManager) WithShutdownChannel(ch <-chan struct{}) *ServerManager {
	sm.shutdownChan = ch

	return sm
}

// WithShutdownTimeout bounds the time spent running shutdown hooks.
func (sm *ServerManager) WithShutdownTimeout(d time.Duration) *ServerManager {
	if d > 0 {
		sm.shutdownTimeout = d
	}

	return sm
}

// WithShutdownHook registers a hook executed after the HTTP server stops.
func (sm *ServerManager) WithShutdownHook(name string, fn func(ctx context.Context)) *ServerManager {
	if fn != nil {
		sm.hooks = append(sm.hooks, ShutdownHook{Name: name, Fn: fn})
	}

	return sm
}

// ServersStarted is closed once the server goroutine has been launched. It
// signals launch, not that the socket is bound.
func (sm *ServerManager) ServersStarted() <-chan struct{} {
	return sm.serversStarted
}

// StartWithGracefulShutdown starts the server and blocks until a shutdown
// trigger or a startup error, then runs the shutdown sequence.
func (sm *ServerManager) StartWithGracefulShutdown() error {
	if sm.app == nil {
		return ErrNoServerConfigured
	}

	sm.startServer()
	sm.awaitShutdownTrigger()
	sm.executeShutdown()

	return nil
}

func (sm *ServerManager) startServer() {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				sm.logger.Log(context.Background(), log.LevelError, "http server panic", log.Any("panic", r))

				select {
				case sm.startupErrors <- fmt.Errorf("http server panic: %v", r):
				default:
				}
			}
		}()

		sm.logger.Log(context.Background(), log.LevelInfo, "starting http server",
			log.String("address", sm.address),
		)

		if err := sm.app.Listen(sm.address); err != nil {
			sm.logger.Log(context.Background(), log.LevelError, "http server error", log.Err(err))

			select {
			case sm.startupErrors <- fmt.Errorf("http server: %w", err):
			default:
			}
		}
	}()

	sm.serversStartedOnce.Do(func() {
		close(sm.serversStarted)
	})
}

func (sm *ServerManager) awaitShutdownTrigger() {
	if sm.shutdownChan != nil {
		select {
		case <-sm.shutdownChan:
		case err := <-sm.startupErrors:
			sm.logger.Log(context.Background(), log.LevelError, "server startup failed", log.Err(err))
		}

		return
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigs:
		signal.Stop(sigs)
	case err := <-sm.startupErrors:
		sm.logger.Log(context.Background(), log.LevelError, "server startup failed", log.Err(err))
	}
}

// executeShutdown stops the HTTP server, runs hooks, and syncs the logger.
// It is idempotent.
func (sm *ServerManager) executeShutdown() {
	sm.shutdownOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), sm.shutdownTimeout)
		defer cancel()

		sm.logger.Log(ctx, log.LevelInfo, "gracefully shutting down")

		if sm.app != nil {
			if err := sm.app.Shutdown(); err != nil {
				sm.logger.Log(ctx, log.LevelError, "error during http server shutdown", log.Err(err))
			}
		}

		for _, hook := range sm.hooks {
			if ctx.Err() != nil {
				sm.logger.Log(context.Background(), log.LevelWarn, "shutdown timeout reached, skipping remaining hooks",
					log.String("next", hook.Name),
				)

				break
			}

			sm.logger.Log(ctx, log.LevelInfo, "running shutdown hook", log.String("hook", hook.Name))
			hook.Fn(ctx)
		}

		if err := sm.logger.Sync(ctx); err != nil {
			sm.logger.Log(context.Background(), log.LevelWarn, "failed to sync logger", log.Err(err))
		}

		sm.logger.Log(context.Background(), log.LevelInfo, "graceful shutdown completed")
	})
}
