package mailbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgUniqueViolation = "23505"

// PGStore persists monitored accounts in the mailbox_accounts table.
type PGStore struct {
	logger *slog.Logger
	pool   *pgxpool.Pool
}

// NewStore creates a Postgres-backed account store.
func NewStore(log *slog.Logger, pool *pgxpool.Pool) *PGStore {
	if log == nil {
		log = slog.Default()
	}
	return &PGStore{
		logger: log.With(slog.String("service", "mailbox.store")),
		pool:   pool,
	}
}

const accountColumns = `id, address, imap_host, imap_port, username, password, active, created_at`

func (s *PGStore) Create(ctx context.Context, input CreateInput) (Account, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO mailbox_accounts (address, imap_host, imap_port, username, password, active)
		VALUES ($1, $2, $3, $4, $5, TRUE)
		RETURNING `+accountColumns,
		strings.ToLower(strings.TrimSpace(input.Address)),
		input.IMAPHost,
		input.IMAPPort,
		input.Username,
		input.Password,
	)
	account, err := scanAccount(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return Account{}, ErrDuplicateAddress
		}
		return Account{}, fmt.Errorf("insert mailbox account: %w", err)
	}
	return account, nil
}

func (s *PGStore) List(ctx context.Context) ([]Account, error) {
	return s.list(ctx, `SELECT `+accountColumns+` FROM mailbox_accounts ORDER BY id ASC`)
}

func (s *PGStore) ListActive(ctx context.Context) ([]Account, error) {
	return s.list(ctx, `SELECT `+accountColumns+` FROM mailbox_accounts WHERE active ORDER BY id ASC`)
}

func (s *PGStore) Get(ctx context.Context, id int64) (Account, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM mailbox_accounts WHERE id = $1`, id)
	account, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{}, false, nil
	}
	if err != nil {
		return Account{}, false, fmt.Errorf("load mailbox account: %w", err)
	}
	return account, true, nil
}

func (s *PGStore) SetActive(ctx context.Context, id int64, active bool) error {
	tag, err := s.pool.Exec(ctx, `UPDATE mailbox_accounts SET active = $2 WHERE id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("update mailbox account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mailbox account %d not found", id)
	}
	return nil
}

func (s *PGStore) Delete(ctx context.Context, id int64) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM mailbox_accounts WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete mailbox account: %w", err)
	}
	return nil
}

func (s *PGStore) list(ctx context.Context, query string) ([]Account, error) {
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list mailbox accounts: %w", err)
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan mailbox account: %w", err)
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.Address, &a.IMAPHost, &a.IMAPPort, &a.Username, &a.Password, &a.Active, &a.CreatedAt)
	return a, err
}
