package customer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Resolver maps raw identity tokens to canonical customer records, creating
// them on first contact.
type Resolver struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewResolver creates a Resolver.
func NewResolver(log *slog.Logger, store Store) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{
		store:  store,
		logger: log.With(slog.String("service", "customer")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Resolve returns the canonical customer for the identity, creating the
// record on first contact and touching last_seen_at on every call.
//
// Resolution is idempotent under concurrent first contact: when the insert
// loses a race on the uniqueness constraint the existing record is
// re-fetched instead of surfacing an error.
func (r *Resolver) Resolve(ctx context.Context, identity Identity) (Customer, error) {
	cust, found, err := r.lookup(ctx, identity)
	if err != nil {
		return Customer{}, err
	}
	if found {
		now := r.now()
		if err := r.store.TouchLastSeen(ctx, cust.ID, now); err != nil {
			return Customer{}, fmt.Errorf("touch last seen: %w", err)
		}
		cust.LastSeenAt = now
		return cust, nil
	}

	cust, err = r.store.Insert(ctx, identity.Normalize())
	if err == nil {
		r.logger.Info("customer created",
			slog.Int64("customer_id", cust.ID),
			slog.String("key", identity.Key()),
		)
		return cust, nil
	}
	if !errors.Is(err, ErrDuplicate) {
		return Customer{}, fmt.Errorf("insert customer: %w", err)
	}

	// Lost the first-contact race; the winner's record is canonical.
	cust, found, err = r.lookup(ctx, identity)
	if err != nil {
		return Customer{}, err
	}
	if !found {
		return Customer{}, fmt.Errorf("customer vanished after duplicate insert: %s", identity.Key())
	}
	return cust, nil
}

// Lookup finds the customer without touching last_seen_at. Listing paths use
// it to avoid write amplification.
func (r *Resolver) Lookup(ctx context.Context, identity Identity) (Customer, bool, error) {
	return r.lookup(ctx, identity)
}

func (r *Resolver) lookup(ctx context.Context, identity Identity) (Customer, bool, error) {
	n := identity.Normalize()
	if !n.Valid() {
		return Customer{}, false, ErrInvalidIdentity
	}
	if n.Email != "" {
		cust, found, err := r.store.FindByEmail(ctx, n.Email)
		if err != nil {
			return Customer{}, false, fmt.Errorf("find by email: %w", err)
		}
		if found {
			return cust, true, nil
		}
	}
	if n.Phone != "" {
		cust, found, err := r.store.FindByPhone(ctx, n.Phone)
		if err != nil {
			return Customer{}, false, fmt.Errorf("find by phone: %w", err)
		}
		if found {
			return cust, true, nil
		}
	}
	return Customer{}, false, nil
}

// Get fetches a customer by id.
func (r *Resolver) Get(ctx context.Context, id int64) (Customer, bool, error) {
	return r.store.Get(ctx, id)
}

// MarkRead moves the customer's read watermark to now.
func (r *Resolver) MarkRead(ctx context.Context, id int64) error {
	if err := r.store.MarkRead(ctx, id, r.now()); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

// UnreadCount derives the number of visitor messages newer than the read
// watermark. No counter is maintained; the message log is the one source of
// truth.
func (r *Resolver) UnreadCount(ctx context.Context, id int64) (int, error) {
	return r.store.UnreadCount(ctx, id)
}
