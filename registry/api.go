package registry

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/mona-chen/microbun/log"
)

// Handler exposes the registry operations over HTTP.
type Handler struct {
	service *Service
	logger  log.Logger
}

// NewHandler creates a handler for the given registry service.
func NewHandler(service *Service, logger log.Logger) *Handler {
	if logger == nil {
		logger = &log.NopLogger{}
	}

	return &Handler{service: service, logger: logger}
}

// RegisterRoutes mounts the registry API on the given fiber app:
//
//	POST   /register              register a new instance
//	PUT    /heartbeat/:serviceId  refresh heartbeat / status
//	GET    /services              discover instances (?name= optional)
//	DELETE /services/:serviceId   deregister an instance
//	GET    /health                registry liveness
func (h *Handler) RegisterRoutes(app *fiber.App) {
	app.Post("/register", h.Register)
	app.Put("/heartbeat/:serviceId", h.Heartbeat)
	app.Get("/services", h.Discover)
	app.Delete("/services/:serviceId", h.Deregister)
	app.Get("/health", h.Health)
}

// Register handles POST /register.
func (h *Handler) Register(c *fiber.Ctx) error {
	var in RegisterInput
	if err := c.BodyParser(&in); err != nil {
		return writeError(c, fiber.StatusBadRequest, "Invalid Request Body", err.Error())
	}

	instance, err := h.service.Register(c.UserContext(), in)
	if err != nil {
		if errors.Is(err, ErrValidation) {
			return writeError(c, fiber.StatusBadRequest, "Validation Error", err.Error())
		}

		if errors.Is(err, ErrCapacity) {
			return writeError(c, fiber.StatusServiceUnavailable, "Capacity Exceeded", err.Error())
		}

		h.logger.Log(c.UserContext(), log.LevelError, "registration failed", log.Err(err))

		return writeError(c, fiber.StatusInternalServerError, "Internal Server Error", "failed to register service")
	}

	return c.Status(fiber.StatusCreated).JSON(instance)
}

type heartbeatRequest struct {
	Status Status `json:"status,omitempty"`
}

// Heartbeat handles PUT /heartbeat/:serviceId.
func (h *Handler) Heartbeat(c *fiber.Ctx) error {
	serviceID := c.Params("serviceId")

	var req heartbeatRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return writeError(c, fiber.StatusBadRequest, "Invalid Request Body", err.Error())
		}
	}

	err := h.service.Heartbeat(c.UserContext(), serviceID, req.Status)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return writeError(c, fiber.StatusNotFound, "Not Found", "service instance not found")
		}

		if errors.Is(err, ErrValidation) {
			return writeError(c, fiber.StatusBadRequest, "Validation Error", err.Error())
		}

		h.logger.Log(c.UserContext(), log.LevelError, "heartbeat failed", log.Err(err))

		return writeError(c, fiber.StatusInternalServerError, "Internal Server Error", "failed to record heartbeat")
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"message":   "heartbeat recorded",
		"serviceId": serviceID,
	})
}

// Discover handles GET /services.
func (h *Handler) Discover(c *fiber.Ctx) error {
	instances, err := h.service.Discover(c.UserContext(), c.Query("name"))
	if err != nil {
		h.logger.Log(c.UserContext(), log.LevelError, "discovery failed", log.Err(err))

		return writeError(c, fiber.StatusInternalServerError, "Internal Server Error", "failed to list services")
	}

	return c.Status(fiber.StatusOK).JSON(instances)
}

// Deregister handles DELETE /services/:serviceId.
func (h *Handler) Deregister(c *fiber.Ctx) error {
	serviceID := c.Params("serviceId")

	err := h.service.Deregister(c.UserContext(), serviceID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return writeError(c, fiber.StatusNotFound, "Not Found", "service instance not found")
		}

		h.logger.Log(c.UserContext(), log.LevelError, "deregistration failed", log.Err(err))

		return writeError(c, fiber.StatusInternalServerError, "Internal Server Error", "failed to deregister service")
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"message":   "service deregistered",
		"serviceId": serviceID,
	})
}

// Health handles GET /health for the registry process itself.
func (h *Handler) Health(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ok"})
}

// errorResponse is the canonical error body for the registry API.
type errorResponse struct {
	Code    int    `json:"code"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

func writeError(c *fiber.Ctx, status int, title, message string) error {
	return c.Status(status).JSON(errorResponse{
		Code:    status,
		Title:   title,
		Message: message,
	})
}
