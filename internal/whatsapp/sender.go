package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/samikshajagne/minicrisp/internal/config"
)

// Sender delivers text messages through the WhatsApp Cloud API.
type Sender struct {
	cfg    config.WhatsAppConfig
	client *http.Client
	logger *slog.Logger
}

// NewSender creates a Sender.
func NewSender(log *slog.Logger, cfg config.WhatsAppConfig) *Sender {
	if log == nil {
		log = slog.Default()
	}
	return &Sender{
		cfg:    cfg,
		client: &http.Client{Timeout: 15 * time.Second},
		logger: log.With(slog.String("service", "whatsapp")),
	}
}

type textPayload struct {
	MessagingProduct string   `json:"messaging_product"`
	RecipientType    string   `json:"recipient_type"`
	To               string   `json:"to"`
	Type             string   `json:"type"`
	Text             textBody `json:"text"`
}

type textBody struct {
	Body string `json:"body"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// SendText sends a plain text message to a phone number. businessNumberID
// picks the sending business number; empty falls back to the configured one.
// Returns the Cloud API message id.
func (s *Sender) SendText(ctx context.Context, businessNumberID, toPhone, text string) (string, error) {
	if businessNumberID == "" {
		businessNumberID = s.cfg.PhoneNumberID
	}
	if businessNumberID == "" {
		return "", fmt.Errorf("no business phone number id configured")
	}

	body, err := json.Marshal(textPayload{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               toPhone,
		Type:             "text",
		Text:             textBody{Body: text},
	})
	if err != nil {
		return "", fmt.Errorf("marshal whatsapp payload: %w", err)
	}

	url := fmt.Sprintf("%s/%s/messages", s.cfg.GraphBaseURL, businessNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build whatsapp request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("whatsapp send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("whatsapp api status %d: %s", resp.StatusCode, detail)
	}

	var parsed sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil || len(parsed.Messages) == 0 {
		// The send succeeded; a missing id only weakens dedup for our own
		// outbound copy.
		s.logger.Warn("whatsapp response had no message id", slog.String("to", toPhone))
		return "", nil
	}
	return parsed.Messages[0].ID, nil
}
