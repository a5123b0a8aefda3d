package message

import (
	"context"
	"errors"
	"time"
)

// ErrDuplicateKey is returned by Create when another writer already persisted
// a message with the same (channel, message_key) pair.
var ErrDuplicateKey = errors.New("message key already exists for channel")

// Direction distinguishes who authored a message.
type Direction string

const (
	DirectionAdmin   Direction = "admin"
	DirectionVisitor Direction = "visitor"
)

// Channel identifies the transport a message arrived through.
type Channel string

const (
	ChannelChat     Channel = "chat"
	ChannelMail     Channel = "mail"
	ChannelWhatsApp Channel = "whatsapp"
)

func (c Channel) String() string { return string(c) }

// Attachment is stored metadata for one binary part of a message.
type Attachment struct {
	ID          int64  `json:"id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
	StorageKey  string `json:"storage_key"`
	ContentID   string `json:"content_id,omitempty"`
}

// Message is one entry in a customer's timeline.
type Message struct {
	ID          int64        `json:"id"`
	CustomerID  int64        `json:"customer_id"`
	Direction   Direction    `json:"direction"`
	Channel     Channel      `json:"channel"`
	MessageKey  string       `json:"message_key,omitempty"`
	BodyText    string       `json:"body_text"`
	BodyHTML    string       `json:"body_html,omitempty"`
	Subject     string       `json:"subject,omitempty"`
	Account     string       `json:"account,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
	SeenAt      time.Time    `json:"seen_at,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// CreateInput is the input for persisting a new message.
type CreateInput struct {
	CustomerID int64
	Direction  Direction
	Channel    Channel
	MessageKey string
	BodyText   string
	BodyHTML   string
	Subject    string
	Account    string
	Timestamp  time.Time
}

// MergeInput carries fields observed on a later sighting of an already
// persisted external message.
type MergeInput struct {
	BodyHTML    string
	Attachments []Attachment
}

// Store defines message persistence behavior needed by the ingestion
// pipeline and the admin surface.
type Store interface {
	Create(ctx context.Context, input CreateInput) (Message, error)
	FindByChannelKey(ctx context.Context, channel Channel, messageKey string) (Message, bool, error)
	Merge(ctx context.Context, messageID int64, input MergeInput) (Message, error)
	AddAttachments(ctx context.Context, messageID int64, attachments []Attachment) error
	ListByCustomer(ctx context.Context, customerID int64) ([]Message, error)
	ListByCustomerChannel(ctx context.Context, customerID int64, channel Channel) ([]Message, error)
}
