package thread

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore persists correlation rows in the threads table.
type PGStore struct {
	logger *slog.Logger
	pool   *pgxpool.Pool
}

// NewStore creates a Postgres-backed thread store.
func NewStore(log *slog.Logger, pool *pgxpool.Pool) *PGStore {
	if log == nil {
		log = slog.Default()
	}
	return &PGStore{
		logger: log.With(slog.String("service", "thread.store")),
		pool:   pool,
	}
}

// RecordOutbound upserts the customer's correlation row. The latest outbound
// key always wins.
func (s *PGStore) RecordOutbound(ctx context.Context, customerID int64, messageKey string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO threads (customer_id, last_outbound_message_key, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (customer_id)
		DO UPDATE SET last_outbound_message_key = EXCLUDED.last_outbound_message_key, updated_at = now()
	`, customerID, messageKey)
	if err != nil {
		return fmt.Errorf("upsert thread: %w", err)
	}
	return nil
}

// FindByMessageKey returns the customer whose last outbound message carries
// the given key.
func (s *PGStore) FindByMessageKey(ctx context.Context, messageKey string) (int64, bool, error) {
	var customerID int64
	err := s.pool.QueryRow(ctx,
		`SELECT customer_id FROM threads WHERE last_outbound_message_key = $1`,
		messageKey,
	).Scan(&customerID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("find thread by key: %w", err)
	}
	return customerID, true, nil
}

// LastOutboundKey returns the current correlation key for a customer.
func (s *PGStore) LastOutboundKey(ctx context.Context, customerID int64) (string, bool, error) {
	var key string
	err := s.pool.QueryRow(ctx,
		`SELECT last_outbound_message_key FROM threads WHERE customer_id = $1`,
		customerID,
	).Scan(&key)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("load thread: %w", err)
	}
	return key, true, nil
}
