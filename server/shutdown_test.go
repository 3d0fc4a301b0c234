package server

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartRequiresServer(t *testing.T) {
	sm := NewServerManager(nil)

	err := sm.StartWithGracefulShutdown()

	assert.ErrorIs(t, err, ErrNoServerConfigured)
}

func TestGracefulShutdownViaChannel(t *testing.T) {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})

	shutdown := make(chan struct{})

	sm := NewServerManager(nil).
		WithHTTPServer(app, "127.0.0.1:0").
		WithShutdownChannel(shutdown).
		WithShutdownTimeout(2 * time.Second)

	done := make(chan error, 1)

	go func() {
		done <- sm.StartWithGracefulShutdown()
	}()

	<-sm.ServersStarted()
	close(shutdown)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestShutdownHooksRunInOrder(t *testing.T) {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})

	var (
		mu    sync.Mutex
		order []string
	)

	record := func(name string) func(context.Context) {
		return func(context.Context) {
			mu.Lock()
			defer mu.Unlock()

			order = append(order, name)
		}
	}

	shutdown := make(chan struct{})

	sm := NewServerManager(nil).
		WithHTTPServer(app, "127.0.0.1:0").
		WithShutdownChannel(shutdown).
		WithShutdownHook("deregister", record("deregister")).
		WithShutdownHook("close-bus", record("close-bus")).
		WithShutdownHook("close-store", record("close-store"))

	done := make(chan error, 1)

	go func() {
		done <- sm.StartWithGracefulShutdown()
	}()

	<-sm.ServersStarted()
	close(shutdown)

	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"deregister", "close-bus", "close-store"}, order)
}

func TestStartupErrorTriggersShutdown(t *testing.T) {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})

	// An unparseable address fails Listen immediately.
	sm := NewServerManager(nil).WithHTTPServer(app, "not-an-address:xyz:0")

	done := make(chan error, 1)

	go func() {
		done <- sm.StartWithGracefulShutdown()
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("startup error did not trigger shutdown")
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})

	calls := 0

	shutdown := make(chan struct{})

	sm := NewServerManager(nil).
		WithHTTPServer(app, "127.0.0.1:0").
		WithShutdownChannel(shutdown).
		WithShutdownHook("count", func(context.Context) { calls++ })

	done := make(chan error, 1)

	go func() {
		done <- sm.StartWithGracefulShutdown()
	}()

	<-sm.ServersStarted()
	close(shutdown)
	require.NoError(t, <-done)

	sm.executeShutdown()
	sm.executeShutdown()

	assert.Equal(t, 1, calls)
}
