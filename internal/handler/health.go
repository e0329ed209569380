package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"intercept-relay/internal/service"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	service *service.InterceptService
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(svc *service.InterceptService, v Version) *HealthHandler {
	return &HealthHandler{service: svc, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status reports the scheme mapping and how much work is in flight.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        string(h.version),
		"virtual_scheme": h.service.VirtualScheme(),
		"real_scheme":    h.service.RealScheme(),
		"live_relays":    h.service.Relays(),
		"cached_entries": len(h.service.CachedAddresses()),
	})
}

// Cache lists the virtual addresses answered from the static cache.
func (h *HealthHandler) Cache(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string][]string{
		"addresses": h.service.CachedAddresses(),
	})
}
