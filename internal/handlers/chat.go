package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/samikshajagne/minicrisp/internal/customer"
	"github.com/samikshajagne/minicrisp/internal/event"
	"github.com/samikshajagne/minicrisp/internal/ingest"
	"github.com/samikshajagne/minicrisp/internal/message"
)

// Ingestor is the pipeline entry point handlers feed messages through.
type Ingestor interface {
	Ingest(ctx context.Context, in ingest.Input) (ingest.Result, error)
}

// Notifier sends the out-of-band email notifications for widget messages.
type Notifier interface {
	NotifyNewConversation(ctx context.Context, cust customer.Customer, text string) (string, error)
}

// ChatHandler serves the visitor-facing widget API.
type ChatHandler struct {
	pipeline Ingestor
	resolver *customer.Resolver
	messages message.Store
	notifier Notifier
	hub      *event.Hub
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewChatHandler creates a ChatHandler. notifier may be nil when email
// notifications are not configured.
func NewChatHandler(log *slog.Logger, pipeline Ingestor, resolver *customer.Resolver, messages message.Store, notifier Notifier, hub *event.Hub) *ChatHandler {
	if log == nil {
		log = slog.Default()
	}
	return &ChatHandler{
		pipeline: pipeline,
		resolver: resolver,
		messages: messages,
		notifier: notifier,
		hub:      hub,
		upgrader: websocket.Upgrader{
			// The widget is embedded on customer sites; origin checks happen
			// at the deployment edge.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: log.With(slog.String("handler", "chat")),
	}
}

func (h *ChatHandler) Register(e *echo.Echo) {
	g := e.Group("/api/chat")
	g.POST("/message", h.Send)
	g.GET("/sync", h.Sync)
	g.GET("/ws", h.Live)
}

type chatMessageRequest struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	Text  string `json:"text"`
}

// Send ingests a widget message and notifies the admin by email.
func (h *ChatHandler) Send(c echo.Context) error {
	var req chatMessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Text) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "text is required")
	}

	res, err := h.pipeline.Ingest(c.Request().Context(), ingest.Input{
		Identity:  customer.Identity{Email: req.Email, Name: req.Name},
		Direction: message.DirectionVisitor,
		Channel:   message.ChannelChat,
		BodyText:  req.Text,
	})
	if errors.Is(err, customer.ErrInvalidIdentity) {
		return echo.NewHTTPError(http.StatusBadRequest, "email is required")
	}
	if err != nil {
		h.logger.Error("chat ingest failed", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "could not store message")
	}

	if h.notifier != nil {
		if _, err := h.notifier.NotifyNewConversation(c.Request().Context(), res.Customer, req.Text); err != nil {
			// The widget message is already in the timeline; notification
			// delivery is best-effort.
			h.logger.Warn("admin notification failed",
				slog.String("visitor", res.Customer.Email),
				slog.Any("error", err),
			)
		}
	}

	return c.JSON(http.StatusOK, map[string]any{
		"status":      "ok",
		"customer_id": res.Customer.ID,
		"message_id":  res.Message.ID,
	})
}

// Sync returns the visitor's chat timeline.
func (h *ChatHandler) Sync(c echo.Context) error {
	identity := customer.Identity{
		Email: c.QueryParam("email"),
		Phone: c.QueryParam("phone"),
	}
	if !identity.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "email or phone is required")
	}

	cust, found, err := h.resolver.Lookup(c.Request().Context(), identity)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !found {
		return c.JSON(http.StatusOK, map[string]any{"messages": []message.Message{}})
	}

	msgs, err := h.messages.ListByCustomerChannel(c.Request().Context(), cust.ID, message.ChannelChat)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if msgs == nil {
		msgs = []message.Message{}
	}
	return c.JSON(http.StatusOK, map[string]any{"messages": msgs})
}

// Live upgrades to a WebSocket and streams timeline notifications for the
// visitor's identity key until the client disconnects. guest_id lets the
// widget hold a socket open before the visitor has supplied an email.
func (h *ChatHandler) Live(c echo.Context) error {
	key := customer.Identity{
		Email: c.QueryParam("email"),
		Phone: c.QueryParam("phone"),
	}.Key()
	if key == "" {
		key = strings.TrimSpace(c.QueryParam("guest_id"))
	}
	if key == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "email, phone, or guest_id is required")
	}

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	sub := h.hub.Subscribe(key)
	defer h.hub.Unsubscribe(sub)

	// Reader goroutine: its only job is to notice the peer going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return nil
		case note, ok := <-sub.C():
			if !ok {
				// Dropped as a slow subscriber.
				return nil
			}
			if err := conn.WriteJSON(note); err != nil {
				return nil
			}
		}
	}
}
