// Package whatsapp handles the WhatsApp Cloud API webhook: payload parsing,
// subscription verification, and outbound text delivery through the Graph
// API.
package whatsapp

import (
	"fmt"
	"strconv"
	"time"
)

// WebhookPayload mirrors the Cloud API webhook envelope down to the fields
// ingestion needs.
type WebhookPayload struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Metadata struct {
					PhoneNumberID      string `json:"phone_number_id"`
					DisplayPhoneNumber string `json:"display_phone_number"`
				} `json:"metadata"`
				Contacts []struct {
					Profile struct {
						Name string `json:"name"`
					} `json:"profile"`
				} `json:"contacts"`
				Messages []struct {
					From      string `json:"from"`
					ID        string `json:"id"`
					Timestamp string `json:"timestamp"`
					Type      string `json:"type"`
					Text      struct {
						Body string `json:"body"`
					} `json:"text"`
					Button struct {
						Text string `json:"text"`
					} `json:"button"`
					Interactive struct {
						Type        string `json:"type"`
						ButtonReply struct {
							Title string `json:"title"`
						} `json:"button_reply"`
						ListReply struct {
							Title string `json:"title"`
						} `json:"list_reply"`
					} `json:"interactive"`
				} `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// Inbound is one parsed visitor message.
type Inbound struct {
	BusinessNumberID   string
	DisplayPhoneNumber string
	VisitorPhone       string
	VisitorName        string
	MessageID          string
	Timestamp          time.Time
	Text               string
}

// Parse drills into a webhook payload and returns the visitor message, or
// (nil, nil) for envelopes that carry no message, such as delivery status
// updates.
func Parse(payload WebhookPayload) (*Inbound, error) {
	if len(payload.Entry) == 0 {
		return nil, nil
	}
	changes := payload.Entry[0].Changes
	if len(changes) == 0 {
		return nil, nil
	}
	value := changes[0].Value
	if len(value.Messages) == 0 {
		// Status update (sent/delivered/read), not a message.
		return nil, nil
	}

	msg := value.Messages[0]
	inbound := &Inbound{
		BusinessNumberID:   value.Metadata.PhoneNumberID,
		DisplayPhoneNumber: value.Metadata.DisplayPhoneNumber,
		VisitorPhone:       msg.From,
		VisitorName:        msg.From,
		MessageID:          msg.ID,
		Timestamp:          time.Now().UTC(),
	}
	if len(value.Contacts) > 0 && value.Contacts[0].Profile.Name != "" {
		inbound.VisitorName = value.Contacts[0].Profile.Name
	}
	if msg.Timestamp != "" {
		if unix, err := strconv.ParseInt(msg.Timestamp, 10, 64); err == nil {
			inbound.Timestamp = time.Unix(unix, 0).UTC()
		}
	}

	msgType := msg.Type
	if msgType == "" {
		msgType = "text"
	}
	switch msgType {
	case "text":
		inbound.Text = msg.Text.Body
	case "button":
		inbound.Text = msg.Button.Text
		if inbound.Text == "" {
			inbound.Text = "[Button Click]"
		}
	case "interactive":
		switch msg.Interactive.Type {
		case "button_reply":
			inbound.Text = msg.Interactive.ButtonReply.Title
		case "list_reply":
			inbound.Text = msg.Interactive.ListReply.Title
		}
	default:
		inbound.Text = fmt.Sprintf("[Media/System Message: %s]", msgType)
	}

	if inbound.VisitorPhone == "" {
		return nil, fmt.Errorf("message %s has no sender phone", inbound.MessageID)
	}
	return inbound, nil
}

// VerifyWebhook implements the Cloud API subscription handshake: the
// challenge is echoed back only for a subscribe request with the right
// token.
func VerifyWebhook(mode, token, challenge, verifyToken string) (string, bool) {
	if mode == "subscribe" && token != "" && token == verifyToken {
		return challenge, true
	}
	return "", false
}
