package http

import (
	nethttp "net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mona-chen/microbun"
	"github.com/mona-chen/microbun/log"
	libOpentelemetry "github.com/mona-chen/microbun/opentelemetry"
)

const (
	defaultAccessControlAllowOrigin  = "*"
	defaultAccessControlAllowMethods = "POST, GET, OPTIONS, PUT, DELETE, PATCH"
	defaultAccessControlAllowHeaders = "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization"
)

// RequestInfo holds the fields of one access log line.
type RequestInfo struct {
	Method        string
	Path          string
	RemoteAddress string
	Status        int
	Duration      time.Duration
	UserAgent     string
}

// WithLogging writes one access log line per completed request. A nil logger
// falls back to NopLogger.
func WithLogging(logger log.Logger) fiber.Handler {
	if logger == nil {
		logger = &log.NopLogger{}
	}

	return func(c *fiber.Ctx) error {
		start := time.Now()

		err := c.Next()

		info := RequestInfo{
			Method:        c.Method(),
			Path:          c.Path(),
			RemoteAddress: c.IP(),
			Status:        c.Response().StatusCode(),
			Duration:      time.Since(start),
			UserAgent:     c.Get(fiber.HeaderUserAgent),
		}

		logger.Log(c.UserContext(), log.LevelInfo, "http request",
			log.String("method", info.Method),
			log.String("path", info.Path),
			log.Int("status", info.Status),
			log.String("remote", info.RemoteAddress),
			log.String("duration", info.Duration.String()),
		)

		return err
	}
}

// WithCORS enables CORS with permissive defaults overridable through the
// ACCESS_CONTROL_* environment variables.
func WithCORS() fiber.Handler {
	return cors.New(cors.Config{
		AllowOrigins: microbun.GetenvOrDefault("ACCESS_CONTROL_ALLOW_ORIGIN", defaultAccessControlAllowOrigin),
		AllowMethods: microbun.GetenvOrDefault("ACCESS_CONTROL_ALLOW_METHODS", defaultAccessControlAllowMethods),
		AllowHeaders: microbun.GetenvOrDefault("ACCESS_CONTROL_ALLOW_HEADERS", defaultAccessControlAllowHeaders),
	})
}

// WithTelemetry opens a server span per request, continuing any trace the
// caller propagated through standard headers.
func WithTelemetry(tracerName string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx := libOpentelemetry.ExtractHTTPContext(c.UserContext(), requestHeaders(c))

		tracer := otel.Tracer(tracerName)
		ctx, span := tracer.Start(ctx, c.Method()+" "+c.Path(),
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", c.Method()),
				attribute.String("http.target", c.Path()),
			),
		)
		defer span.End()

		c.SetUserContext(ctx)

		if err := c.Next(); err != nil {
			libOpentelemetry.HandleSpanError(span, "request failed", err)

			return err
		}

		span.SetAttributes(attribute.Int("http.status_code", c.Response().StatusCode()))

		return nil
	}
}

func requestHeaders(c *fiber.Ctx) nethttp.Header {
	headers := make(nethttp.Header)
	c.Request().Header.VisitAll(func(key, value []byte) {
		headers.Add(string(key), string(value))
	})

	return headers
}
