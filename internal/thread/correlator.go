// Package thread correlates inbound mailbox replies with the visitor they
// belong to, using the last outbound admin message identifier per customer.
package thread

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/samikshajagne/minicrisp/internal/customer"
)

// ErrCorrelationAmbiguous means every inference fallback was exhausted, or
// the inferred identity pointed back at the monitored account itself. The
// message must be dropped rather than misfiled.
var ErrCorrelationAmbiguous = errors.New("could not correlate message with a visitor")

// subjectPattern extracts the visitor address from notification subjects of
// the form "Re: Conversation with user@example.com".
var subjectPattern = regexp.MustCompile(`(?i)Conversation with\s+([a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,})`)

// Store persists the per-customer correlation row.
type Store interface {
	// RecordOutbound overwrites the correlation row for the customer.
	RecordOutbound(ctx context.Context, customerID int64, messageKey string) error
	// FindByMessageKey maps an outbound message key back to its customer.
	FindByMessageKey(ctx context.Context, messageKey string) (int64, bool, error)
	// LastOutboundKey returns the current correlation key for a customer.
	LastOutboundKey(ctx context.Context, customerID int64) (string, bool, error)
}

// CustomerGetter resolves a customer id to its canonical record.
type CustomerGetter interface {
	Get(ctx context.Context, id int64) (customer.Customer, bool, error)
}

// InferInput carries the header fields inference runs on. FromSelf is true
// when the message was authored by the monitored account (found in its Sent
// folder or sent through it).
type InferInput struct {
	InReplyTo   string
	Subject     string
	From        string
	To          string
	SelfAddress string
	FromSelf    bool
}

// Correlator implements outbound recording and inbound identity inference.
type Correlator struct {
	store     Store
	customers CustomerGetter
	blocklist []string
	logger    *slog.Logger
}

// NewCorrelator creates a Correlator. blocklist entries are matched as
// substrings of candidate addresses (system/no-reply senders).
func NewCorrelator(log *slog.Logger, store Store, customers CustomerGetter, blocklist []string) *Correlator {
	if log == nil {
		log = slog.Default()
	}
	normalized := make([]string, 0, len(blocklist))
	for _, entry := range blocklist {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry != "" {
			normalized = append(normalized, entry)
		}
	}
	return &Correlator{
		store:     store,
		customers: customers,
		blocklist: normalized,
		logger:    log.With(slog.String("service", "thread")),
	}
}

// RecordOutbound stores messageKey as the customer's latest outbound admin
// message identifier, replacing any previous one.
func (c *Correlator) RecordOutbound(ctx context.Context, customerID int64, messageKey string) error {
	key := normalizeMessageKey(messageKey)
	if key == "" {
		return fmt.Errorf("message key is required")
	}
	if err := c.store.RecordOutbound(ctx, customerID, key); err != nil {
		return fmt.Errorf("record outbound: %w", err)
	}
	return nil
}

// LastOutboundKey returns the current correlation key for a customer, if any.
func (c *Correlator) LastOutboundKey(ctx context.Context, customerID int64) (string, bool, error) {
	return c.store.LastOutboundKey(ctx, customerID)
}

// InferIdentity determines the visitor a mailbox message belongs to.
//
// Fallback order, each tried when the previous yields nothing:
//  1. in-reply-to match against recorded outbound message keys
//  2. "Conversation with <email>" subject extraction
//  3. the To address, when the monitored account authored the message
//  4. the From address, when someone else authored it
//
// The subject and to-header fallbacks are heuristic and can misattribute a
// message whose subject was hand-edited; the order is deliberate and
// matches long-standing behavior.
//
// An identity equal to the monitored account, or matching the blocklist,
// yields ErrCorrelationAmbiguous: ingesting it would corrupt a customer's
// own conversation.
func (c *Correlator) InferIdentity(ctx context.Context, in InferInput) (customer.Identity, error) {
	self := strings.ToLower(strings.TrimSpace(in.SelfAddress))

	identity, err := c.infer(ctx, in, self)
	if err != nil {
		return customer.Identity{}, err
	}

	email := identity.Normalize().Email
	if email == "" && identity.Normalize().Phone == "" {
		return customer.Identity{}, ErrCorrelationAmbiguous
	}
	if email != "" && email == self {
		c.logger.Warn("dropping self-loop message", slog.String("address", email))
		return customer.Identity{}, ErrCorrelationAmbiguous
	}
	if c.blocked(email) {
		c.logger.Warn("dropping blocklisted sender", slog.String("address", email))
		return customer.Identity{}, ErrCorrelationAmbiguous
	}
	return identity, nil
}

func (c *Correlator) infer(ctx context.Context, in InferInput, self string) (customer.Identity, error) {
	if key := normalizeMessageKey(in.InReplyTo); key != "" {
		customerID, found, err := c.store.FindByMessageKey(ctx, key)
		if err != nil {
			return customer.Identity{}, fmt.Errorf("lookup correlation key: %w", err)
		}
		if found {
			cust, ok, err := c.customers.Get(ctx, customerID)
			if err != nil {
				return customer.Identity{}, fmt.Errorf("load correlated customer: %w", err)
			}
			if ok {
				return customer.Identity{Email: cust.Email, Phone: cust.Phone}, nil
			}
		}
	}

	if match := subjectPattern.FindStringSubmatch(in.Subject); match != nil {
		return customer.Identity{Email: match[1]}, nil
	}

	if in.FromSelf {
		// Outbound-looking message: the recipient is the visitor, unless it
		// loops back to the account itself.
		to := ExtractAddress(in.To)
		if to != "" && to != self {
			return customer.Identity{Email: to}, nil
		}
		return customer.Identity{}, ErrCorrelationAmbiguous
	}

	if from := ExtractAddress(in.From); from != "" {
		return customer.Identity{Email: from}, nil
	}
	return customer.Identity{}, ErrCorrelationAmbiguous
}

func (c *Correlator) blocked(email string) bool {
	if email == "" {
		return false
	}
	for _, entry := range c.blocklist {
		if strings.Contains(email, entry) {
			return true
		}
	}
	return false
}

// ExtractAddress pulls the bare address out of a "Display Name <a@b>"
// header value, lowercased.
func ExtractAddress(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if open := strings.LastIndex(raw, "<"); open >= 0 {
		if close := strings.Index(raw[open:], ">"); close > 0 {
			raw = raw[open+1 : open+close]
		}
	}
	return strings.ToLower(strings.TrimSpace(raw))
}

func normalizeMessageKey(key string) string {
	return strings.Trim(strings.TrimSpace(key), "<>")
}
