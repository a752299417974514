// Package v1 provides HTTP handlers for the orchestrator API.
package v1

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/screenfleet/orchestrator/internal/domain"
	"github.com/screenfleet/orchestrator/internal/service"
)

// Handler handles HTTP requests.
type Handler struct {
	service *service.Service
}

// NewHandler creates a new handler.
func NewHandler(service *service.Service) *Handler {
	return &Handler{
		service: service,
	}
}

// RegisterRoutes registers the API routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/v1/agents", h.AddAgent)
	e.GET("/v1/agents", h.ListAgents)
	e.GET("/v1/agents/:agent_id", h.GetAgent)
	e.DELETE("/v1/agents/:agent_id", h.RemoveAgent)
	e.POST("/v1/agents/:agent_id/refresh", h.RefreshAgent)
	e.POST("/v1/agents/:agent_id/exec", h.ExecAction)
	e.GET("/v1/agents/:agent_id/screenshot", h.GetScreenshot)
	e.POST("/v1/agents/:agent_id/update", h.TriggerUpdate)

	e.POST("/v1/discovery/scan", h.DiscoverAgents)
	e.GET("/v1/audit", h.RecentAudit)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}

// errorJSON maps a typed failure onto a transport status and the shared
// {"error": {"kind", "message"}} shape. Internal detail never leaks: the
// message is whatever the typed error deemed caller-safe.
func errorJSON(c echo.Context, err error) error {
	kind := domain.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case domain.KindNotFound:
		status = http.StatusNotFound
	case domain.KindInvalidInput:
		status = http.StatusBadRequest
	case domain.KindUnauthorized:
		status = http.StatusForbidden
	case domain.KindUnreachable:
		status = http.StatusBadGateway
	case domain.KindRateLimited:
		status = http.StatusServiceUnavailable
	}

	message := "internal error"
	var de *domain.Error
	if errors.As(err, &de) {
		message = de.Message
	}
	return c.JSON(status, map[string]interface{}{
		"error": map[string]string{
			"kind":    string(kind),
			"message": message,
		},
	})
}
