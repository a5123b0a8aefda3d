package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/samikshajagne/minicrisp/internal/conversation"
	"github.com/samikshajagne/minicrisp/internal/customer"
	"github.com/samikshajagne/minicrisp/internal/ingest"
	"github.com/samikshajagne/minicrisp/internal/mailbox"
	"github.com/samikshajagne/minicrisp/internal/message"
	"github.com/samikshajagne/minicrisp/internal/outbound"
)

// Replier sends threaded email replies.
type Replier interface {
	ReplyToCustomer(ctx context.Context, cust customer.Customer, in outbound.ReplyInput) (string, error)
}

// WhatsAppSender delivers text through the Cloud API.
type WhatsAppSender interface {
	SendText(ctx context.Context, businessNumberID, toPhone, text string) (string, error)
}

// ConversationLister runs the inbox query.
type ConversationLister interface {
	List(ctx context.Context, filter conversation.Filter) ([]conversation.Summary, error)
}

// AccountLookup resolves monitored accounts for per-account send credentials.
type AccountLookup interface {
	List(ctx context.Context) ([]mailbox.Account, error)
}

// AdminHandler serves the agent-facing inbox API.
type AdminHandler struct {
	resolver      *customer.Resolver
	messages      message.Store
	conversations ConversationLister
	pipeline      Ingestor
	mailer        Replier
	wa            WhatsAppSender
	accounts      AccountLookup
	logger        *slog.Logger
}

// NewAdminHandler creates an AdminHandler. mailer, wa, and accounts may be
// nil when the corresponding transport is not configured.
func NewAdminHandler(
	log *slog.Logger,
	resolver *customer.Resolver,
	messages message.Store,
	conversations ConversationLister,
	pipeline Ingestor,
	mailer Replier,
	wa WhatsAppSender,
	accounts AccountLookup,
) *AdminHandler {
	if log == nil {
		log = slog.Default()
	}
	return &AdminHandler{
		resolver:      resolver,
		messages:      messages,
		conversations: conversations,
		pipeline:      pipeline,
		mailer:        mailer,
		wa:            wa,
		accounts:      accounts,
		logger:        log.With(slog.String("handler", "admin")),
	}
}

func (h *AdminHandler) Register(e *echo.Echo) {
	g := e.Group("/api/admin")
	g.GET("/conversations", h.ListConversations)
	g.GET("/messages", h.ListMessages)
	g.POST("/reply", h.Reply)
	g.POST("/read", h.MarkRead)
}

// ListConversations returns the inbox, newest activity first.
func (h *AdminHandler) ListConversations(c echo.Context) error {
	filter := conversation.Filter{
		Channel: message.Channel(strings.TrimSpace(c.QueryParam("channel"))),
		Account: c.QueryParam("account"),
		Query:   c.QueryParam("q"),
	}
	if raw := c.QueryParam("since"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "since must be RFC 3339")
		}
		filter.Since = ts
	}
	if raw := c.QueryParam("until"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "until must be RFC 3339")
		}
		filter.Until = ts
	}
	if raw := c.QueryParam("has_attachments"); raw != "" {
		filter.HasAttachments = raw == "true" || raw == "1"
	}

	summaries, err := h.conversations.List(c.Request().Context(), filter)
	if err != nil {
		h.logger.Error("list conversations failed", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "could not list conversations")
	}
	if summaries == nil {
		summaries = []conversation.Summary{}
	}
	return c.JSON(http.StatusOK, map[string]any{"conversations": summaries})
}

// ListMessages returns one customer's full timeline plus the unread count.
func (h *AdminHandler) ListMessages(c echo.Context) error {
	cust, err := h.requireCustomer(c)
	if err != nil {
		return err
	}

	msgs, err := h.messages.ListByCustomer(c.Request().Context(), cust.ID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if msgs == nil {
		msgs = []message.Message{}
	}
	unread, err := h.resolver.UnreadCount(c.Request().Context(), cust.ID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{
		"customer": cust,
		"messages": msgs,
		"unread":   unread,
	})
}

type replyRequest struct {
	Email       string   `json:"email"`
	Phone       string   `json:"phone"`
	Text        string   `json:"text"`
	HTML        string   `json:"html"`
	Subject     string   `json:"subject"`
	CC          []string `json:"cc"`
	BCC         []string `json:"bcc"`
	FromAccount string   `json:"from_account"`
	Channel     string   `json:"channel"`
}

// Reply delivers an admin reply over the chosen channel and records it in
// the timeline. The transport's message id becomes the timeline entry's key,
// so the mailbox poller finding our own sent copy merges instead of
// duplicating.
func (h *AdminHandler) Reply(c echo.Context) error {
	var req replyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Text) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "text is required")
	}
	ctx := c.Request().Context()

	cust, err := h.resolver.Resolve(ctx, customer.Identity{Email: req.Email, Phone: req.Phone})
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	channel := message.Channel(req.Channel)
	if channel == "" {
		if cust.Email != "" {
			channel = message.ChannelMail
		} else {
			channel = message.ChannelWhatsApp
		}
	}

	var (
		messageKey string
		account    string
	)
	switch channel {
	case message.ChannelMail:
		if h.mailer == nil {
			return echo.NewHTTPError(http.StatusBadRequest, "email delivery is not configured")
		}
		in := outbound.ReplyInput{
			Text:    req.Text,
			HTML:    req.HTML,
			Subject: req.Subject,
			CC:      req.CC,
			BCC:     req.BCC,
		}
		if req.FromAccount != "" {
			acc, err := h.findAccount(ctx, req.FromAccount)
			if err != nil {
				return err
			}
			in.FromAddress = acc.Address
			in.FromPassword = acc.Password
			account = acc.Address
		}
		messageKey, err = h.mailer.ReplyToCustomer(ctx, cust, in)
		if err != nil {
			h.logger.Error("email reply failed", slog.Any("error", err))
			return echo.NewHTTPError(http.StatusBadGateway, "could not send reply email")
		}
	case message.ChannelWhatsApp:
		if h.wa == nil {
			return echo.NewHTTPError(http.StatusBadRequest, "whatsapp delivery is not configured")
		}
		if cust.Phone == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "customer has no phone number")
		}
		messageKey, err = h.wa.SendText(ctx, "", cust.Phone, req.Text)
		if err != nil {
			h.logger.Error("whatsapp reply failed", slog.Any("error", err))
			return echo.NewHTTPError(http.StatusBadGateway, "could not send whatsapp message")
		}
	case message.ChannelChat:
		// Timeline plus live push only; no external transport.
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "unknown channel")
	}

	res, err := h.pipeline.Ingest(ctx, ingest.Input{
		Identity:   customer.Identity{Email: cust.Email, Phone: cust.Phone},
		Direction:  message.DirectionAdmin,
		Channel:    channel,
		MessageKey: messageKey,
		BodyText:   req.Text,
		BodyHTML:   req.HTML,
		Subject:    req.Subject,
		Account:    account,
	})
	if err != nil {
		h.logger.Error("reply ingest failed", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "reply sent but not recorded")
	}

	return c.JSON(http.StatusOK, map[string]any{
		"status":  "ok",
		"message": res.Message,
	})
}

type markReadRequest struct {
	CustomerID int64  `json:"customer_id"`
	Email      string `json:"email"`
	Phone      string `json:"phone"`
}

// MarkRead moves the customer's read watermark to now.
func (h *AdminHandler) MarkRead(c echo.Context) error {
	var req markReadRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()

	id := req.CustomerID
	if id == 0 {
		cust, found, err := h.resolver.Lookup(ctx, customer.Identity{Email: req.Email, Phone: req.Phone})
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		if !found {
			return echo.NewHTTPError(http.StatusNotFound, "customer not found")
		}
		id = cust.ID
	}

	if err := h.resolver.MarkRead(ctx, id); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"status": "ok", "unread": 0})
}

func (h *AdminHandler) requireCustomer(c echo.Context) (customer.Customer, error) {
	ctx := c.Request().Context()
	if raw := c.QueryParam("customer_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return customer.Customer{}, echo.NewHTTPError(http.StatusBadRequest, "customer_id must be numeric")
		}
		cust, found, err := h.resolver.Get(ctx, id)
		if err != nil {
			return customer.Customer{}, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		if !found {
			return customer.Customer{}, echo.NewHTTPError(http.StatusNotFound, "customer not found")
		}
		return cust, nil
	}

	identity := customer.Identity{Email: c.QueryParam("email"), Phone: c.QueryParam("phone")}
	if !identity.Valid() {
		return customer.Customer{}, echo.NewHTTPError(http.StatusBadRequest, "customer_id, email, or phone is required")
	}
	cust, found, err := h.resolver.Lookup(ctx, identity)
	if err != nil {
		return customer.Customer{}, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !found {
		return customer.Customer{}, echo.NewHTTPError(http.StatusNotFound, "customer not found")
	}
	return cust, nil
}

func (h *AdminHandler) findAccount(ctx context.Context, address string) (mailbox.Account, error) {
	if h.accounts == nil {
		return mailbox.Account{}, echo.NewHTTPError(http.StatusBadRequest, "no mailbox accounts configured")
	}
	address = strings.ToLower(strings.TrimSpace(address))
	accounts, err := h.accounts.List(ctx)
	if err != nil {
		return mailbox.Account{}, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	for _, acc := range accounts {
		if acc.Address == address {
			return acc, nil
		}
	}
	return mailbox.Account{}, echo.NewHTTPError(http.StatusBadRequest, "unknown sending account: "+address)
}
