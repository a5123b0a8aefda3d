// Package conversation builds the admin inbox view: one row per customer
// with the latest message, message count, and unread watermark count.
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/samikshajagne/minicrisp/internal/customer"
	dbpkg "github.com/samikshajagne/minicrisp/internal/db"
	"github.com/samikshajagne/minicrisp/internal/message"
)

// Filter narrows the conversation list. A conversation is included when at
// least one of its messages matches every set field; the newest matching
// message becomes the row's preview.
type Filter struct {
	Since          time.Time
	Until          time.Time
	Channel        message.Channel
	Account        string
	HasAttachments bool
	Query          string
}

// Summary is one row of the admin inbox.
type Summary struct {
	Customer     customer.Customer `json:"customer"`
	LastMessage  message.Message   `json:"last_message"`
	MessageCount int               `json:"message_count"`
	Unread       int               `json:"unread"`
}

// Service runs inbox queries.
type Service struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewService creates a conversation Service.
func NewService(log *slog.Logger, pool *pgxpool.Pool) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		pool:   pool,
		logger: log.With(slog.String("service", "conversation")),
	}
}

// List returns every conversation matching the filter, newest activity
// first. Unread counts only visitor messages past the customer's read
// watermark.
func (s *Service) List(ctx context.Context, filter Filter) ([]Summary, error) {
	where, args := buildFilter(filter)

	query := fmt.Sprintf(`
		SELECT
			c.id, c.email, c.phone, c.display_name, c.created_at, c.last_seen_at, c.last_read_at,
			m.id, m.direction, m.channel, m.message_key, m.body_text, m.subject, m.account, m.ts,
			stats.total, stats.unread
		FROM customers c
		JOIN LATERAL (
			SELECT * FROM messages m
			WHERE m.customer_id = c.id%[1]s
			ORDER BY m.ts DESC, m.id DESC
			LIMIT 1
		) m ON TRUE
		JOIN LATERAL (
			SELECT
				COUNT(*) AS total,
				COUNT(*) FILTER (
					WHERE m.direction = 'visitor'
					AND (c.last_read_at IS NULL OR m.ts > c.last_read_at)
				) AS unread
			FROM messages m
			WHERE m.customer_id = c.id%[1]s
		) stats ON TRUE
		ORDER BY m.ts DESC, m.id DESC`, where)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var summaries []Summary
	for rows.Next() {
		var (
			sum        Summary
			email      pgtype.Text
			phone      pgtype.Text
			name       pgtype.Text
			lastReadAt pgtype.Timestamptz
			direction  string
			channel    string
			key        pgtype.Text
		)
		if err := rows.Scan(
			&sum.Customer.ID,
			&email,
			&phone,
			&name,
			&sum.Customer.CreatedAt,
			&sum.Customer.LastSeenAt,
			&lastReadAt,
			&sum.LastMessage.ID,
			&direction,
			&channel,
			&key,
			&sum.LastMessage.BodyText,
			&sum.LastMessage.Subject,
			&sum.LastMessage.Account,
			&sum.LastMessage.Timestamp,
			&sum.MessageCount,
			&sum.Unread,
		); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		sum.Customer.Email = dbpkg.TextToString(email)
		sum.Customer.Phone = dbpkg.TextToString(phone)
		sum.Customer.DisplayName = dbpkg.TextToString(name)
		sum.Customer.LastReadAt = dbpkg.TimeOrZero(lastReadAt)
		sum.LastMessage.CustomerID = sum.Customer.ID
		sum.LastMessage.Direction = message.Direction(direction)
		sum.LastMessage.Channel = message.Channel(channel)
		sum.LastMessage.MessageKey = dbpkg.TextToString(key)
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}

// buildFilter renders the shared message predicate. The fragment starts with
// " AND" so it slots into both lateral subqueries. Free-text queries match
// message body and subject plus the participant's email, phone, and display
// name.
func buildFilter(filter Filter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if !filter.Since.IsZero() {
		clauses = append(clauses, "m.ts >= "+arg(filter.Since))
	}
	if !filter.Until.IsZero() {
		clauses = append(clauses, "m.ts <= "+arg(filter.Until))
	}
	if filter.Channel != "" {
		clauses = append(clauses, "m.channel = "+arg(string(filter.Channel)))
	}
	if filter.Account != "" {
		clauses = append(clauses, "m.account = "+arg(strings.ToLower(strings.TrimSpace(filter.Account))))
	}
	if filter.HasAttachments {
		clauses = append(clauses, "EXISTS (SELECT 1 FROM attachments a WHERE a.message_id = m.id)")
	}
	if q := strings.TrimSpace(filter.Query); q != "" {
		// Participant columns come from the outer customers row, which is in
		// scope inside both lateral subqueries.
		pattern := arg("%" + q + "%")
		clauses = append(clauses, fmt.Sprintf(
			"(m.body_text ILIKE %[1]s OR m.subject ILIKE %[1]s"+
				" OR c.email ILIKE %[1]s OR c.phone ILIKE %[1]s OR c.display_name ILIKE %[1]s)",
			pattern,
		))
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " AND " + strings.Join(clauses, " AND "), args
}
