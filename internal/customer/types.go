package customer

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrInvalidIdentity is returned when a caller supplies neither an email
// address nor a phone number.
var ErrInvalidIdentity = errors.New("identity requires an email or a phone number")

// ErrDuplicate is returned by Store.Insert when another writer created the
// same identity first. The resolver re-fetches instead of failing.
var ErrDuplicate = errors.New("customer already exists")

// Identity is a raw identity token arriving from a channel adapter.
type Identity struct {
	Email string
	Phone string
	Name  string
}

// Normalize trims and lowercases the identity fields.
func (i Identity) Normalize() Identity {
	return Identity{
		Email: strings.ToLower(strings.TrimSpace(i.Email)),
		Phone: strings.TrimSpace(i.Phone),
		Name:  strings.TrimSpace(i.Name),
	}
}

// Valid reports whether the identity carries at least one usable token.
func (i Identity) Valid() bool {
	n := i.Normalize()
	return n.Email != "" || n.Phone != ""
}

// Key returns the canonical hub/subscription key for this identity.
func (i Identity) Key() string {
	n := i.Normalize()
	if n.Email != "" {
		return n.Email
	}
	return n.Phone
}

// IsUnread reports whether a visitor message at ts counts against the read
// watermark. A zero watermark means the customer was never marked read. The
// Postgres stores express the same predicate in SQL as
// `last_read_at IS NULL OR ts > last_read_at`; keep the two in step.
func IsUnread(ts, lastReadAt time.Time) bool {
	return lastReadAt.IsZero() || ts.After(lastReadAt)
}

// Customer is the canonical per-customer record.
type Customer struct {
	ID          int64     `json:"id"`
	Email       string    `json:"email,omitempty"`
	Phone       string    `json:"phone,omitempty"`
	DisplayName string    `json:"display_name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	LastReadAt  time.Time `json:"last_read_at,omitempty"`
}

// Keys returns every identity key the customer can be notified under.
func (c Customer) Keys() []string {
	keys := make([]string, 0, 2)
	if c.Email != "" {
		keys = append(keys, c.Email)
	}
	if c.Phone != "" {
		keys = append(keys, c.Phone)
	}
	return keys
}

// Store defines canonical customer persistence.
type Store interface {
	FindByEmail(ctx context.Context, email string) (Customer, bool, error)
	FindByPhone(ctx context.Context, phone string) (Customer, bool, error)
	Get(ctx context.Context, id int64) (Customer, bool, error)
	// Insert creates a new customer record, allocating the next id.
	// Returns ErrDuplicate when the identity was created concurrently.
	Insert(ctx context.Context, identity Identity) (Customer, error)
	TouchLastSeen(ctx context.Context, id int64, at time.Time) error
	MarkRead(ctx context.Context, id int64, at time.Time) error
	UnreadCount(ctx context.Context, id int64) (int, error)
}
