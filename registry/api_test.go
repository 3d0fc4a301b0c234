package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestApp(t *testing.T) (*fiber.App, *Service) {
	t.Helper()

	svc := NewService(NewMemoryStore(), DefaultConfig(), nil)
	app := fiber.New()
	NewHandler(svc, nil).RegisterRoutes(app)

	return app, svc
}

func doJSON(t *testing.T, app *fiber.App, method, target string, body any) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)

	resp, err := app.Test(req, -1)
	require.NoError(t, err)

	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()

	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NoError(t, resp.Body.Close())

	return out
}

func TestRegisterEndpoint(t *testing.T) {
	app, _ := newTestApp(t)

	resp := doJSON(t, app, http.MethodPost, "/register", RegisterInput{
		Name: "Auth",
		Host: "10.0.0.5",
		Port: 3001,
	})
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)

	instance := decodeBody[ServiceInstance](t, resp)
	assert.NotEmpty(t, instance.ID)
	assert.Equal(t, "Auth", instance.Name)
	assert.Equal(t, StatusUp, instance.Status)

	// The new instance is immediately discoverable under its name.
	listResp := doJSON(t, app, http.MethodGet, "/services?name=Auth", nil)
	require.Equal(t, fiber.StatusOK, listResp.StatusCode)

	instances := decodeBody[[]ServiceInstance](t, listResp)
	require.Len(t, instances, 1)
	assert.Equal(t, instance.ID, instances[0].ID)
}

func TestRegisterEndpointValidation(t *testing.T) {
	app, _ := newTestApp(t)

	resp := doJSON(t, app, http.MethodPost, "/register", RegisterInput{Name: "Auth"})
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestRegisterEndpointAtCapacity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxInstances = 1
	svc := NewService(NewMemoryStore(), cfg, nil)
	app := fiber.New()
	NewHandler(svc, nil).RegisterRoutes(app)

	resp := doJSON(t, app, http.MethodPost, "/register", RegisterInput{Name: "Auth", Host: "h", Port: 80})
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	require.NoError(t, resp.Body.Close())

	resp = doJSON(t, app, http.MethodPost, "/register", RegisterInput{Name: "Billing", Host: "h", Port: 81})
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
	require.NoError(t, resp.Body.Close())
}

func TestHeartbeatEndpoint(t *testing.T) {
	app, svc := newTestApp(t)

	instance, err := svc.Register(context.Background(), RegisterInput{Name: "Auth", Host: "h", Port: 80})
	require.NoError(t, err)

	resp := doJSON(t, app, http.MethodPut, "/heartbeat/"+instance.ID, heartbeatRequest{Status: StatusStopping})
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	body := decodeBody[map[string]string](t, resp)
	assert.Equal(t, instance.ID, body["serviceId"])
}

func TestHeartbeatEndpointUnknownID(t *testing.T) {
	app, _ := newTestApp(t)

	resp := doJSON(t, app, http.MethodPut, "/heartbeat/unknown-id", nil)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestDeregisterEndpoint(t *testing.T) {
	app, svc := newTestApp(t)

	instance, err := svc.Register(context.Background(), RegisterInput{Name: "Auth", Host: "h", Port: 80})
	require.NoError(t, err)

	resp := doJSON(t, app, http.MethodDelete, "/services/"+instance.ID, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	again := doJSON(t, app, http.MethodDelete, "/services/"+instance.ID, nil)
	assert.Equal(t, fiber.StatusNotFound, again.StatusCode)
}

func TestDiscoverEndpointFiltersByName(t *testing.T) {
	app, _ := newTestApp(t)

	for i, name := range []string{"Auth", "Auth", "Payment"} {
		resp := doJSON(t, app, http.MethodPost, "/register", RegisterInput{
			Name: name,
			Host: "10.0.0.5",
			Port: 3000 + i,
		})
		require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	}

	resp := doJSON(t, app, http.MethodGet, "/services?name=Auth", nil)
	instances := decodeBody[[]ServiceInstance](t, resp)
	assert.Len(t, instances, 2)

	resp = doJSON(t, app, http.MethodGet, "/services", nil)
	instances = decodeBody[[]ServiceInstance](t, resp)
	assert.Len(t, instances, 3)
}

func TestHealthEndpoint(t *testing.T) {
	app, _ := newTestApp(t)

	resp := doJSON(t, app, http.MethodGet, "/health", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	body := decodeBody[map[string]string](t, resp)
	assert.Equal(t, "ok", body["status"])
}

func TestFullLifecycleOverHTTP(t *testing.T) {
	app, _ := newTestApp(t)

	resp := doJSON(t, app, http.MethodPost, "/register", RegisterInput{Name: "Auth", Host: "h", Port: 80})
	instance := decodeBody[ServiceInstance](t, resp)

	heartbeat := doJSON(t, app, http.MethodPut, fmt.Sprintf("/heartbeat/%s", instance.ID), nil)
	require.Equal(t, fiber.StatusOK, heartbeat.StatusCode)

	deregister := doJSON(t, app, http.MethodDelete, "/services/"+instance.ID, nil)
	require.Equal(t, fiber.StatusOK, deregister.StatusCode)

	list := doJSON(t, app, http.MethodGet, "/services?name=Auth", nil)
	instances := decodeBody[[]ServiceInstance](t, list)
	assert.Empty(t, instances)
}
