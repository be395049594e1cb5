package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// Pinger is anything the health check can probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

type PingerFunc func(ctx context.Context) error

func (f PingerFunc) Ping(ctx context.Context) error { return f(ctx) }

// HealthHandler reports liveness plus the state of each registered dependency.
type HealthHandler struct {
	checks      map[string]Pinger
	connections func() int
}

func NewHealthHandler(checks map[string]Pinger, connections func() int) *HealthHandler {
	return &HealthHandler{checks: checks, connections: connections}
}

func (h *HealthHandler) HealthCheck(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	status := "healthy"
	code := http.StatusOK
	deps := make(map[string]string, len(h.checks))
	for name, p := range h.checks {
		if err := p.Ping(ctx); err != nil {
			deps[name] = err.Error()
			status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		deps[name] = "ok"
	}

	body := echo.Map{
		"status":       status,
		"service":      "nano-social",
		"dependencies": deps,
	}
	if h.connections != nil {
		body["websocket_connections"] = h.connections()
	}
	return c.JSON(code, body)
}
