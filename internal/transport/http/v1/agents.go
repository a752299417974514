package v1

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/screenfleet/orchestrator/internal/domain"
)

// AgentAddRequest is the request to add an agent.
type AgentAddRequest struct {
	URL   string `json:"url"`
	Token string `json:"token,omitempty"`
	Name  string `json:"name,omitempty"`
}

// AddAgent registers a new agent and performs one synchronous probe.
// POST /v1/agents
func (h *Handler) AddAgent(c echo.Context) error {
	ctx := c.Request().Context()

	var req AgentAddRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, domain.E(domain.KindInvalidInput, "invalid request body"))
	}
	if req.URL == "" {
		return errorJSON(c, domain.E(domain.KindInvalidInput, "url is required"))
	}

	snap, err := h.service.AddAgent(ctx, req.URL, req.Token, req.Name)
	if err != nil {
		return errorJSON(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"ok":    true,
		"agent": snap,
	})
}

// ListAgents lists the whole fleet.
// GET /v1/agents
func (h *Handler) ListAgents(c echo.Context) error {
	ctx := c.Request().Context()
	agents := h.service.ListAgents(ctx)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"agents": agents,
	})
}

// GetAgent gets a specific agent by ID.
// GET /v1/agents/:agent_id
func (h *Handler) GetAgent(c echo.Context) error {
	ctx := c.Request().Context()
	agentID := c.Param("agent_id")

	snap, err := h.service.GetAgent(ctx, agentID)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, snap)
}

// RemoveAgent removes an agent and releases its resources.
// DELETE /v1/agents/:agent_id
func (h *Handler) RemoveAgent(c echo.Context) error {
	ctx := c.Request().Context()
	agentID := c.Param("agent_id")

	if err := h.service.RemoveAgent(ctx, agentID); err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"ok": true})
}

// RefreshAgent polls an agent synchronously.
// POST /v1/agents/:agent_id/refresh
func (h *Handler) RefreshAgent(c echo.Context) error {
	ctx := c.Request().Context()
	agentID := c.Param("agent_id")

	snap, err := h.service.RefreshAgent(ctx, agentID)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"ok":    true,
		"agent": snap,
	})
}

// ExecAction relays an input-injection action to an agent.
// POST /v1/agents/:agent_id/exec
func (h *Handler) ExecAction(c echo.Context) error {
	ctx := c.Request().Context()
	agentID := c.Param("agent_id")

	var action domain.Action
	if err := c.Bind(&action); err != nil {
		return errorJSON(c, domain.E(domain.KindInvalidInput, "invalid request body"))
	}

	result, err := h.service.ExecAction(ctx, agentID, &action)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// GetScreenshot serves an agent screen's latest frame, fetching one
// synchronously when the cache is stale.
// GET /v1/agents/:agent_id/screenshot?screen=n
func (h *Handler) GetScreenshot(c echo.Context) error {
	ctx := c.Request().Context()
	agentID := c.Param("agent_id")

	screen := 0
	if v := c.QueryParam("screen"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return errorJSON(c, domain.E(domain.KindInvalidInput, "invalid screen index"))
		}
		screen = n
	}

	shot, err := h.service.Screenshot(ctx, agentID, screen)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"image":       shot.Image,
		"screen":      shot.Screen,
		"fingerprint": shot.Fingerprint,
		"captured_at": shot.CapturedAt,
	})
}

// TriggerUpdate relays a fire-and-forget update check to an agent.
// POST /v1/agents/:agent_id/update
func (h *Handler) TriggerUpdate(c echo.Context) error {
	ctx := c.Request().Context()
	agentID := c.Param("agent_id")

	if err := h.service.TriggerUpdate(ctx, agentID); err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"ok": true})
}
