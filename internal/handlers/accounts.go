package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/samikshajagne/minicrisp/internal/mailbox"
)

// AccountPoller triggers an immediate scan of a newly registered account.
// The scan runs detached, tied to the poller's own lifecycle.
type AccountPoller interface {
	ScanAccount(account mailbox.Account)
}

// AccountsHandler manages monitored mailbox accounts.
type AccountsHandler struct {
	store    mailbox.Store
	poller   AccountPoller
	validate *validator.Validate
	logger   *slog.Logger
}

// NewAccountsHandler creates an AccountsHandler. poller may be nil.
func NewAccountsHandler(log *slog.Logger, store mailbox.Store, poller AccountPoller) *AccountsHandler {
	if log == nil {
		log = slog.Default()
	}
	return &AccountsHandler{
		store:    store,
		poller:   poller,
		validate: validator.New(),
		logger:   log.With(slog.String("handler", "accounts")),
	}
}

func (h *AccountsHandler) Register(e *echo.Echo) {
	g := e.Group("/api/admin/accounts")
	g.GET("", h.List)
	g.POST("", h.Create)
	g.DELETE("/:id", h.Delete)
	g.POST("/:id/active", h.SetActive)
}

// List returns every account with credentials redacted.
func (h *AccountsHandler) List(c echo.Context) error {
	accounts, err := h.store.List(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	redacted := make([]mailbox.Account, 0, len(accounts))
	for _, acc := range accounts {
		redacted = append(redacted, acc.Redacted())
	}
	return c.JSON(http.StatusOK, map[string]any{"accounts": redacted})
}

// Create registers a new account and kicks off its backfill scan.
func (h *AccountsHandler) Create(c echo.Context) error {
	var req mailbox.CreateInput
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.IMAPPort == 0 {
		req.IMAPPort = 993
	}
	if req.Username == "" {
		req.Username = req.Address
	}
	if err := h.validate.Struct(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	account, err := h.store.Create(c.Request().Context(), req)
	if errors.Is(err, mailbox.ErrDuplicateAddress) {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	if err != nil {
		h.logger.Error("create account failed", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "could not create account")
	}

	if h.poller != nil {
		// Backfill runs detached; the admin sees results arrive as they land.
		h.poller.ScanAccount(account)
	}

	return c.JSON(http.StatusCreated, account.Redacted())
}

// Delete removes an account. Its already-ingested messages stay.
func (h *AccountsHandler) Delete(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	if err := h.store.Delete(c.Request().Context(), id); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type setActiveRequest struct {
	Active bool `json:"active"`
}

// SetActive pauses or resumes polling for an account.
func (h *AccountsHandler) SetActive(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req setActiveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.store.SetActive(c.Request().Context(), id, req.Active); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"status": "ok", "active": req.Active})
}

func pathID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "id must be numeric")
	}
	return id, nil
}
