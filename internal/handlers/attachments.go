package handlers

import (
	"context"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path"

	"github.com/labstack/echo/v4"
)

// BlobOpener reads stored attachment blobs.
type BlobOpener interface {
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// AttachmentsHandler serves stored attachments back to the inbox UI and to
// rewritten inline references in message bodies.
type AttachmentsHandler struct {
	blobs  BlobOpener
	logger *slog.Logger
}

// NewAttachmentsHandler creates an AttachmentsHandler.
func NewAttachmentsHandler(log *slog.Logger, blobs BlobOpener) *AttachmentsHandler {
	if log == nil {
		log = slog.Default()
	}
	return &AttachmentsHandler{
		blobs:  blobs,
		logger: log.With(slog.String("handler", "attachments")),
	}
}

func (h *AttachmentsHandler) Register(e *echo.Echo) {
	e.GET("/api/attachments/*", h.Serve)
}

// Serve streams one blob by storage key.
func (h *AttachmentsHandler) Serve(c echo.Context) error {
	key := c.Param("*")
	if key == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "attachment key is required")
	}

	blob, err := h.blobs.Open(c.Request().Context(), key)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "attachment not found")
	}
	defer blob.Close()

	contentType := mime.TypeByExtension(path.Ext(key))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return c.Stream(http.StatusOK, contentType, blob)
}
