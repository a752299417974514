package v1

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/screenfleet/orchestrator/internal/domain"
)

// DiscoveryScanRequest is the request to scan for agents.
type DiscoveryScanRequest struct {
	Host     string `json:"host"`
	FromPort int    `json:"from_port"`
	ToPort   int    `json:"to_port"`
}

// DiscoverAgents scans a bounded port range for answering agents. Found
// candidates are returned; none of them is registered.
// POST /v1/discovery/scan
func (h *Handler) DiscoverAgents(c echo.Context) error {
	ctx := c.Request().Context()

	req := DiscoveryScanRequest{Host: "127.0.0.1", FromPort: 8000, ToPort: 8010}
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, domain.E(domain.KindInvalidInput, "invalid request body"))
	}

	candidates, err := h.service.Discover(ctx, req.Host, req.FromPort, req.ToPort)
	if err != nil {
		return errorJSON(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"message": "Found " + strconv.Itoa(len(candidates)) + " agents",
		"agents":  candidates,
	})
}

// RecentAudit returns the newest audit log entries.
// GET /v1/audit?limit=n
func (h *Handler) RecentAudit(c echo.Context) error {
	ctx := c.Request().Context()

	limit := 50
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return errorJSON(c, domain.E(domain.KindInvalidInput, "invalid limit"))
		}
		limit = n
	}

	entries, err := h.service.AuditRecent(ctx, limit)
	if err != nil {
		return errorJSON(c, domain.E(domain.KindInternal, "failed to read audit log"))
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"entries": entries})
}
