package attachment

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/samikshajagne/minicrisp/internal/message"
)

// RetrievalPathPrefix is the HTTP path attachments are served under. Inline
// content-id references in HTML bodies are rewritten to it.
const RetrievalPathPrefix = "/api/attachments/"

// Part is one binary part extracted from an inbound message.
type Part struct {
	Filename    string
	ContentType string
	ContentID   string
	Data        []byte
}

// Failure records one part that could not be persisted.
type Failure struct {
	Filename string
	Err      error
}

// Report aggregates per-part outcomes for one message so contained failures
// stay observable.
type Report struct {
	Stored []message.Attachment
	Failed []Failure
}

// Correlator persists binary parts to the blob store and rewrites inline
// references.
type Correlator struct {
	provider Provider
	logger   *slog.Logger
}

// NewCorrelator creates a Correlator.
func NewCorrelator(log *slog.Logger, provider Provider) *Correlator {
	if log == nil {
		log = slog.Default()
	}
	return &Correlator{
		provider: provider,
		logger:   log.With(slog.String("service", "attachment")),
	}
}

// Correlate persists every part and returns the attachment records plus the
// HTML body with inline cid: references rewritten to retrieval addresses.
// A failing part is recorded in the report and skipped; it never aborts the
// remaining parts or the message itself.
func (c *Correlator) Correlate(ctx context.Context, parts []Part, bodyHTML string) (Report, string) {
	report := Report{}
	for _, part := range parts {
		att, err := c.persist(ctx, part)
		if err != nil {
			c.logger.Warn("attachment persist failed",
				slog.String("filename", part.Filename),
				slog.Any("error", err),
			)
			report.Failed = append(report.Failed, Failure{Filename: part.Filename, Err: err})
			continue
		}
		report.Stored = append(report.Stored, att)
		if att.ContentID != "" && bodyHTML != "" {
			bodyHTML = rewriteInlineRef(bodyHTML, att.ContentID, att.StorageKey)
		}
	}
	return report, bodyHTML
}

func (c *Correlator) persist(ctx context.Context, part Part) (message.Attachment, error) {
	if len(part.Data) == 0 {
		return message.Attachment{}, fmt.Errorf("empty attachment part")
	}
	key := storageKey(part.Filename)
	if err := c.provider.Put(ctx, key, bytes.NewReader(part.Data)); err != nil {
		return message.Attachment{}, fmt.Errorf("store blob: %w", err)
	}
	contentType := strings.TrimSpace(part.ContentType)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	filename := strings.TrimSpace(part.Filename)
	if filename == "" {
		filename = "unnamed"
	}
	return message.Attachment{
		Filename:    filename,
		ContentType: contentType,
		SizeBytes:   int64(len(part.Data)),
		StorageKey:  key,
		ContentID:   normalizeContentID(part.ContentID),
	}, nil
}

// Open reads a stored attachment back by storage key.
func (c *Correlator) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	return c.provider.Open(ctx, key)
}

func storageKey(filename string) string {
	ext := strings.ToLower(path.Ext(filename))
	return fmt.Sprintf("%s/%s%s", time.Now().UTC().Format("2006/01"), uuid.NewString(), ext)
}

// rewriteInlineRef replaces cid:<contentID> references with the blob
// retrieval address.
func rewriteInlineRef(html, contentID, storageKey string) string {
	target := RetrievalPathPrefix + storageKey
	html = strings.ReplaceAll(html, "cid:"+contentID, target)
	// Some senders angle-bracket the content id inside the reference too.
	return strings.ReplaceAll(html, "cid:<"+contentID+">", target)
}

func normalizeContentID(cid string) string {
	return strings.Trim(strings.TrimSpace(cid), "<>")
}
