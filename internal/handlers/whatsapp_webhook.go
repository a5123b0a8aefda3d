package handlers

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/samikshajagne/minicrisp/internal/config"
	"github.com/samikshajagne/minicrisp/internal/customer"
	"github.com/samikshajagne/minicrisp/internal/ingest"
	"github.com/samikshajagne/minicrisp/internal/message"
	"github.com/samikshajagne/minicrisp/internal/whatsapp"
)

// WhatsAppHandler receives Cloud API webhook deliveries.
type WhatsAppHandler struct {
	cfg      config.WhatsAppConfig
	pipeline Ingestor
	logger   *slog.Logger
}

// NewWhatsAppHandler creates a WhatsAppHandler.
func NewWhatsAppHandler(log *slog.Logger, cfg config.WhatsAppConfig, pipeline Ingestor) *WhatsAppHandler {
	if log == nil {
		log = slog.Default()
	}
	return &WhatsAppHandler{
		cfg:      cfg,
		pipeline: pipeline,
		logger:   log.With(slog.String("handler", "whatsapp")),
	}
}

func (h *WhatsAppHandler) Register(e *echo.Echo) {
	e.GET("/api/whatsapp/webhook", h.Verify)
	e.POST("/api/whatsapp/webhook", h.Receive)
}

// Verify answers the Cloud API subscription handshake.
func (h *WhatsAppHandler) Verify(c echo.Context) error {
	challenge, ok := whatsapp.VerifyWebhook(
		c.QueryParam("hub.mode"),
		c.QueryParam("hub.verify_token"),
		c.QueryParam("hub.challenge"),
		h.cfg.VerifyToken,
	)
	if !ok {
		return echo.NewHTTPError(http.StatusForbidden, "verification failed")
	}
	return c.String(http.StatusOK, challenge)
}

// Receive ingests one webhook delivery. It always answers 200 once the
// payload is readable: a non-2xx would make Meta redeliver, and keyed dedup
// already absorbs redeliveries we did process.
func (h *WhatsAppHandler) Receive(c echo.Context) error {
	var payload whatsapp.WebhookPayload
	if err := c.Bind(&payload); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	inbound, err := whatsapp.Parse(payload)
	if err != nil {
		h.logger.Warn("unparseable whatsapp payload", slog.Any("error", err))
		return c.JSON(http.StatusOK, map[string]string{"status": "ignored"})
	}
	if inbound == nil {
		// Status update, not a message.
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	}

	_, err = h.pipeline.Ingest(c.Request().Context(), ingest.Input{
		Identity: customer.Identity{
			Phone: inbound.VisitorPhone,
			Name:  inbound.VisitorName,
		},
		Direction:  message.DirectionVisitor,
		Channel:    message.ChannelWhatsApp,
		MessageKey: inbound.MessageID,
		BodyText:   inbound.Text,
		Account:    inbound.BusinessNumberID,
		Timestamp:  inbound.Timestamp,
	})
	if err != nil {
		h.logger.Error("whatsapp ingest failed",
			slog.String("message_id", inbound.MessageID),
			slog.Any("error", err),
		)
		return echo.NewHTTPError(http.StatusInternalServerError, "could not store message")
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
