package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/mona-chen/microbun/log"
	libOpentelemetry "github.com/mona-chen/microbun/opentelemetry"
	"github.com/mona-chen/microbun/registry"
)

var (
	// ErrInvalidRegistryURL is returned when the registry base URL is unusable.
	ErrInvalidRegistryURL = errors.New("invalid registry url")

	// ErrRegistryUnavailable wraps transport-level failures talking to the
	// registry.
	ErrRegistryUnavailable = errors.New("registry unavailable")
)

const defaultRequestTimeout = 10 * time.Second

// Client is an HTTP client for the registry API. Outgoing requests carry the
// active trace context so registry calls stitch into distributed traces.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     log.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithClientLogger sets a structured logger.
func WithClientLogger(logger log.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient validates the base URL and builds a client.
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("%w: url is empty", ErrInvalidRegistryURL)
	}

	parsed, err := url.Parse(trimmed)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRegistryURL, trimmed)
	}

	client := &Client{
		baseURL:    trimmed,
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
		logger:     &log.NopLogger{},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}

	return client, nil
}

// Register creates a new registration and returns the assigned instance.
func (c *Client) Register(ctx context.Context, input registry.RegisterInput) (*registry.ServiceInstance, error) {
	tracer := otel.Tracer("discovery")

	ctx, span := tracer.Start(ctx, "discovery.register", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	var instance registry.ServiceInstance

	err := c.do(ctx, http.MethodPost, "/register", input, http.StatusCreated, &instance)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "Failed to register service", err)

		return nil, err
	}

	return &instance, nil
}

// Heartbeat refreshes the instance's liveness. A 404 maps to
// registry.ErrNotFound so callers can trigger re-registration.
func (c *Client) Heartbeat(ctx context.Context, serviceID string) error {
	return c.do(ctx, http.MethodPut, "/heartbeat/"+url.PathEscape(serviceID), nil, http.StatusOK, nil)
}

// Discover returns the live instances of the named service. An empty name
// returns all live instances.
func (c *Client) Discover(ctx context.Context, name string) ([]registry.ServiceInstance, error) {
	path := "/services"
	if name != "" {
		path += "?name=" + url.QueryEscape(name)
	}

	var instances []registry.ServiceInstance
	if err := c.do(ctx, http.MethodGet, path, nil, http.StatusOK, &instances); err != nil {
		return nil, err
	}

	return instances, nil
}

// Deregister removes the instance's registration.
func (c *Client) Deregister(ctx context.Context, serviceID string) error {
	return c.do(ctx, http.MethodDelete, "/services/"+url.PathEscape(serviceID), nil, http.StatusOK, nil)
}

func (c *Client) do(ctx context.Context, method, path string, payload any, wantStatus int, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var body io.Reader

	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}

		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build registry request: %w", err)
	}

	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	libOpentelemetry.InjectHTTPContext(&req.Header, ctx)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s %s: %w", method, path, registry.ErrNotFound)
	}

	if resp.StatusCode != wantStatus {
		return fmt.Errorf("registry returned %s for %s %s", resp.Status, method, path)
	}

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
		return fmt.Errorf("failed to decode registry response: %w", err)
	}

	return nil
}
