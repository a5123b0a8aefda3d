package customer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	dbpkg "github.com/samikshajagne/minicrisp/internal/db"
)

// pgUniqueViolation is the Postgres error code for unique constraint hits.
const pgUniqueViolation = "23505"

// PGStore is the Postgres-backed customer store. Customer ids come from the
// table's sequence, which is the strictly monotonic shared counter.
type PGStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStore creates a Postgres customer store.
func NewStore(log *slog.Logger, pool *pgxpool.Pool) *PGStore {
	if log == nil {
		log = slog.Default()
	}
	return &PGStore{
		pool:   pool,
		logger: log.With(slog.String("service", "customer_store")),
	}
}

const customerColumns = `id, email, phone, display_name, created_at, last_seen_at, last_read_at`

func (s *PGStore) FindByEmail(ctx context.Context, email string) (Customer, bool, error) {
	return s.findOne(ctx, `SELECT `+customerColumns+` FROM customers WHERE email = $1`, email)
}

func (s *PGStore) FindByPhone(ctx context.Context, phone string) (Customer, bool, error) {
	return s.findOne(ctx, `SELECT `+customerColumns+` FROM customers WHERE phone = $1`, phone)
}

func (s *PGStore) Get(ctx context.Context, id int64) (Customer, bool, error) {
	return s.findOne(ctx, `SELECT `+customerColumns+` FROM customers WHERE id = $1`, id)
}

func (s *PGStore) findOne(ctx context.Context, query string, arg any) (Customer, bool, error) {
	row := s.pool.QueryRow(ctx, query, arg)
	cust, err := scanCustomer(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Customer{}, false, nil
		}
		return Customer{}, false, err
	}
	return cust, true, nil
}

func (s *PGStore) Insert(ctx context.Context, identity Identity) (Customer, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO customers (email, phone, display_name)
		VALUES ($1, $2, $3)
		RETURNING `+customerColumns,
		dbpkg.ToText(identity.Email),
		dbpkg.ToText(identity.Phone),
		identity.Name,
	)
	cust, err := scanCustomer(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return Customer{}, ErrDuplicate
		}
		return Customer{}, err
	}
	return cust, nil
}

func (s *PGStore) TouchLastSeen(ctx context.Context, id int64, at time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE customers SET last_seen_at = $2 WHERE id = $1`, id, at)
	return err
}

func (s *PGStore) MarkRead(ctx context.Context, id int64, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE customers SET last_read_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("customer not found: %d", id)
	}
	return nil
}

// UnreadCount counts visitor messages newer than the read watermark. A NULL
// watermark counts every visitor message. The WHERE predicate is the SQL
// form of IsUnread.
func (s *PGStore) UnreadCount(ctx context.Context, id int64) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*)
		FROM messages m
		JOIN customers c ON c.id = m.customer_id
		WHERE m.customer_id = $1
		  AND m.direction = 'visitor'
		  AND (c.last_read_at IS NULL OR m.ts > c.last_read_at)`,
		id,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("unread count: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCustomer(row rowScanner) (Customer, error) {
	var (
		cust       Customer
		email      pgtype.Text
		phone      pgtype.Text
		lastReadAt pgtype.Timestamptz
	)
	if err := row.Scan(
		&cust.ID,
		&email,
		&phone,
		&cust.DisplayName,
		&cust.CreatedAt,
		&cust.LastSeenAt,
		&lastReadAt,
	); err != nil {
		return Customer{}, err
	}
	cust.Email = dbpkg.TextToString(email)
	cust.Phone = dbpkg.TextToString(phone)
	cust.LastReadAt = dbpkg.TimeOrZero(lastReadAt)
	return cust, nil
}
