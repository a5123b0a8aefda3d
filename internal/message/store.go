package message

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	dbpkg "github.com/samikshajagne/minicrisp/internal/db"
)

// PGStore is the Postgres-backed message store.
type PGStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStore creates a Postgres message store.
func NewStore(log *slog.Logger, pool *pgxpool.Pool) *PGStore {
	if log == nil {
		log = slog.Default()
	}
	return &PGStore{
		pool:   pool,
		logger: log.With(slog.String("service", "message_store")),
	}
}

// pgUniqueViolation is the Postgres error code for unique constraint hits,
// raised by the partial index on (channel, message_key).
const pgUniqueViolation = "23505"

const messageColumns = `id, customer_id, direction, channel, message_key, body_text, body_html, subject, account, ts, seen_at, created_at`

func (s *PGStore) Create(ctx context.Context, input CreateInput) (Message, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO messages (customer_id, direction, channel, message_key, body_text, body_html, subject, account, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+messageColumns,
		input.CustomerID,
		string(input.Direction),
		string(input.Channel),
		dbpkg.ToText(input.MessageKey),
		input.BodyText,
		dbpkg.ToText(input.BodyHTML),
		input.Subject,
		input.Account,
		input.Timestamp,
	)
	msg, err := scanMessage(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return Message{}, ErrDuplicateKey
		}
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

func (s *PGStore) FindByChannelKey(ctx context.Context, channel Channel, messageKey string) (Message, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE channel = $1 AND message_key = $2`,
		string(channel), messageKey,
	)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Message{}, false, nil
		}
		return Message{}, false, fmt.Errorf("find message by key: %w", err)
	}
	s.enrichAttachments(ctx, []*Message{&msg})
	return msg, true, nil
}

// Merge attaches fields observed on a later sighting of the same external
// message. Only missing fields are filled; existing content is never
// overwritten.
func (s *PGStore) Merge(ctx context.Context, messageID int64, input MergeInput) (Message, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE messages
		SET body_html = COALESCE(body_html, $2)
		WHERE id = $1
		RETURNING `+messageColumns,
		messageID, dbpkg.ToText(input.BodyHTML),
	)
	msg, err := scanMessage(row)
	if err != nil {
		return Message{}, fmt.Errorf("merge message: %w", err)
	}
	if len(input.Attachments) > 0 {
		if err := s.AddAttachments(ctx, messageID, input.Attachments); err != nil {
			return Message{}, err
		}
	}
	s.enrichAttachments(ctx, []*Message{&msg})
	return msg, nil
}

func (s *PGStore) AddAttachments(ctx context.Context, messageID int64, attachments []Attachment) error {
	for _, a := range attachments {
		// Same storage key twice means the same part observed again; skip it.
		_, err := s.pool.Exec(ctx, `
			INSERT INTO attachments (message_id, filename, content_type, size_bytes, storage_key, content_id)
			SELECT $1, $2, $3, $4, $5, $6
			WHERE NOT EXISTS (
				SELECT 1 FROM attachments WHERE message_id = $1 AND storage_key = $5
			)`,
			messageID, a.Filename, a.ContentType, a.SizeBytes, a.StorageKey, dbpkg.ToText(a.ContentID),
		)
		if err != nil {
			return fmt.Errorf("insert attachment: %w", err)
		}
	}
	return nil
}

func (s *PGStore) ListByCustomer(ctx context.Context, customerID int64) ([]Message, error) {
	return s.list(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE customer_id = $1
		ORDER BY ts ASC, id ASC`, customerID)
}

func (s *PGStore) ListByCustomerChannel(ctx context.Context, customerID int64, channel Channel) ([]Message, error) {
	return s.list(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE customer_id = $1 AND channel = $2
		ORDER BY ts ASC, id ASC`, customerID, string(channel))
}

func (s *PGStore) list(ctx context.Context, query string, args ...any) ([]Message, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	refs := make([]*Message, len(messages))
	for i := range messages {
		refs[i] = &messages[i]
	}
	s.enrichAttachments(ctx, refs)
	return messages, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (Message, error) {
	var (
		msg       Message
		direction string
		channel   string
		key       pgtype.Text
		html      pgtype.Text
		seenAt    pgtype.Timestamptz
	)
	if err := row.Scan(
		&msg.ID,
		&msg.CustomerID,
		&direction,
		&channel,
		&key,
		&msg.BodyText,
		&html,
		&msg.Subject,
		&msg.Account,
		&msg.Timestamp,
		&seenAt,
		&msg.CreatedAt,
	); err != nil {
		return Message{}, err
	}
	msg.Direction = Direction(direction)
	msg.Channel = Channel(channel)
	msg.MessageKey = dbpkg.TextToString(key)
	msg.BodyHTML = dbpkg.TextToString(html)
	msg.SeenAt = dbpkg.TimeOrZero(seenAt)
	return msg, nil
}

// enrichAttachments batch-loads attachment rows for a list of messages.
func (s *PGStore) enrichAttachments(ctx context.Context, messages []*Message) {
	if len(messages) == 0 {
		return
	}
	ids := make([]int64, 0, len(messages))
	byID := make(map[int64]*Message, len(messages))
	for _, m := range messages {
		ids = append(ids, m.ID)
		byID[m.ID] = m
	}

	rows, err := s.pool.Query(ctx, `
		SELECT message_id, id, filename, content_type, size_bytes, storage_key, content_id
		FROM attachments
		WHERE message_id = ANY($1)
		ORDER BY id ASC`, ids)
	if err != nil {
		s.logger.Warn("enrich attachments failed", slog.Any("error", err))
		return
	}
	defer rows.Close()

	for rows.Next() {
		var (
			messageID int64
			a         Attachment
			contentID pgtype.Text
		)
		if err := rows.Scan(&messageID, &a.ID, &a.Filename, &a.ContentType, &a.SizeBytes, &a.StorageKey, &contentID); err != nil {
			s.logger.Warn("scan attachment failed", slog.Any("error", err))
			return
		}
		a.ContentID = dbpkg.TextToString(contentID)
		if msg, ok := byID[messageID]; ok {
			msg.Attachments = append(msg.Attachments, a)
		}
	}
}
