// Package handlers contains the HTTP surface: the visitor chat API, the
// admin inbox, mailbox account management, the WhatsApp webhook, and
// attachment retrieval.
package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// PingHandler answers liveness probes.
type PingHandler struct {
	logger  *slog.Logger
	started time.Time
}

func NewPingHandler(log *slog.Logger) *PingHandler {
	if log == nil {
		log = slog.Default()
	}
	return &PingHandler{
		logger:  log.With(slog.String("handler", "ping")),
		started: time.Now().UTC(),
	}
}

func (h *PingHandler) Register(e *echo.Echo) {
	e.GET("/ping", h.Ping)
	e.HEAD("/health", h.Health)
}

// Ping reports liveness plus coarse process info for dashboards.
func (h *PingHandler) Ping(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "minicrisp",
		"uptime":  time.Since(h.started).Round(time.Second).String(),
	})
}

// Health answers HEAD probes with an empty 200.
func (h *PingHandler) Health(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}
