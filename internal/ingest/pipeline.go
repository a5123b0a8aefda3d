// Package ingest is the single entry point every channel adapter feeds
// messages through: identity resolution, keyed deduplication, persistence,
// and live notification fan-out.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/samikshajagne/minicrisp/internal/customer"
	"github.com/samikshajagne/minicrisp/internal/event"
	"github.com/samikshajagne/minicrisp/internal/message"
)

// Outcome says what the pipeline did with an input.
type Outcome string

const (
	// OutcomeCreated means a new timeline entry was persisted.
	OutcomeCreated Outcome = "created"
	// OutcomeMerged means the message key was already known and late fields
	// were folded into the existing entry.
	OutcomeMerged Outcome = "merged"
)

// Resolver maps an identity to its canonical customer record.
type Resolver interface {
	Resolve(ctx context.Context, identity customer.Identity) (customer.Customer, error)
}

// Publisher delivers live notifications. Delivery is best-effort.
type Publisher interface {
	Publish(note event.Notification, keys ...string)
}

// Input is one inbound or outbound message as seen by a channel adapter.
// BodyHTML is expected to already carry rewritten attachment references.
type Input struct {
	Identity    customer.Identity
	Direction   message.Direction
	Channel     message.Channel
	MessageKey  string
	BodyText    string
	BodyHTML    string
	Subject     string
	Account     string
	Timestamp   time.Time
	Attachments []message.Attachment
}

// Result reports the persisted message and what happened to it.
type Result struct {
	Customer customer.Customer
	Message  message.Message
	Outcome  Outcome
}

// Pipeline runs ingestion for all channels.
type Pipeline struct {
	resolver Resolver
	messages message.Store
	hub      Publisher
	logger   *slog.Logger
	now      func() time.Time
}

// NewPipeline creates the ingestion pipeline. hub may be nil when no live
// delivery is wanted.
func NewPipeline(log *slog.Logger, resolver Resolver, messages message.Store, hub Publisher) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		resolver: resolver,
		messages: messages,
		hub:      hub,
		logger:   log.With(slog.String("service", "ingest")),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Ingest persists one message. Re-ingesting an input with a known
// (channel, message key) pair merges late fields instead of duplicating the
// timeline entry, so pollers may overlap their scans freely.
func (p *Pipeline) Ingest(ctx context.Context, in Input) (Result, error) {
	identity := in.Identity.Normalize()
	if !identity.Valid() {
		return Result{}, fmt.Errorf("ingest %s message: %w", in.Channel, customer.ErrInvalidIdentity)
	}

	cust, err := p.resolver.Resolve(ctx, identity)
	if err != nil {
		return Result{}, fmt.Errorf("resolve customer: %w", err)
	}

	key := normalizeKey(in.MessageKey)
	if key != "" {
		existing, found, err := p.messages.FindByChannelKey(ctx, in.Channel, key)
		if err != nil {
			return Result{}, fmt.Errorf("dedup lookup: %w", err)
		}
		if found {
			return p.merge(ctx, cust, existing, in)
		}
	}

	ts := in.Timestamp
	if ts.IsZero() {
		ts = p.now()
	}
	msg, err := p.messages.Create(ctx, message.CreateInput{
		CustomerID: cust.ID,
		Direction:  in.Direction,
		Channel:    in.Channel,
		MessageKey: key,
		BodyText:   in.BodyText,
		BodyHTML:   in.BodyHTML,
		Subject:    in.Subject,
		Account:    in.Account,
		Timestamp:  ts,
	})
	if errors.Is(err, message.ErrDuplicateKey) {
		// Another poller won the insert between our lookup and now. Fold into
		// its row, same as a found duplicate.
		existing, found, ferr := p.messages.FindByChannelKey(ctx, in.Channel, key)
		if ferr != nil || !found {
			return Result{}, fmt.Errorf("dedup re-fetch after lost insert race: %w", ferr)
		}
		return p.merge(ctx, cust, existing, in)
	}
	if err != nil {
		return Result{}, fmt.Errorf("persist message: %w", err)
	}

	if len(in.Attachments) > 0 {
		if err := p.messages.AddAttachments(ctx, msg.ID, in.Attachments); err != nil {
			return Result{}, fmt.Errorf("persist attachments: %w", err)
		}
		msg.Attachments = in.Attachments
	}

	p.publish(cust, msg)
	return Result{Customer: cust, Message: msg, Outcome: OutcomeCreated}, nil
}

func (p *Pipeline) merge(ctx context.Context, cust customer.Customer, existing message.Message, in Input) (Result, error) {
	merged, err := p.messages.Merge(ctx, existing.ID, message.MergeInput{
		BodyHTML:    in.BodyHTML,
		Attachments: in.Attachments,
	})
	if err != nil {
		return Result{}, fmt.Errorf("merge duplicate message: %w", err)
	}
	p.logger.Debug("merged duplicate message",
		slog.String("channel", string(in.Channel)),
		slog.String("message_key", merged.MessageKey),
	)
	return Result{Customer: cust, Message: merged, Outcome: OutcomeMerged}, nil
}

// publish notifies live subscribers. It never fails ingestion.
func (p *Pipeline) publish(cust customer.Customer, msg message.Message) {
	if p.hub == nil {
		return
	}
	p.hub.Publish(event.Notification{CustomerID: cust.ID, Message: msg}, cust.Keys()...)
}

func normalizeKey(key string) string {
	return strings.Trim(strings.TrimSpace(key), "<>")
}
