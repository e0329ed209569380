package handler

import (
	"github.com/labstack/echo/v4"

	"intercept-relay/internal/config"
	"intercept-relay/internal/metrics"
	"intercept-relay/internal/middleware"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, m *metrics.Metrics, intercept *InterceptHandler, health *HealthHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/relay/status", health.Status)
	e.GET("/relay/cache", health.Cache)

	e.Any(middleware.InterceptPath, intercept.Handle)

	if cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(m.Handler()))
	}
}
