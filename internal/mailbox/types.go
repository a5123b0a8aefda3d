// Package mailbox manages monitored IMAP accounts and turns their folders
// into ingestion input.
package mailbox

import (
	"context"
	"errors"
	"time"
)

// ErrDuplicateAddress is returned when an account address is already
// registered.
var ErrDuplicateAddress = errors.New("mailbox address already registered")

// Account is one monitored IMAP mailbox.
type Account struct {
	ID        int64     `json:"id"`
	Address   string    `json:"address"`
	IMAPHost  string    `json:"imap_host"`
	IMAPPort  int       `json:"imap_port"`
	Username  string    `json:"username"`
	Password  string    `json:"-"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// Redacted returns a copy safe to return from the API.
func (a Account) Redacted() Account {
	a.Password = ""
	return a
}

// CreateInput registers a new monitored account.
type CreateInput struct {
	Address  string `json:"address" validate:"required,email"`
	IMAPHost string `json:"imap_host" validate:"required"`
	IMAPPort int    `json:"imap_port" validate:"required,min=1,max=65535"`
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// Store defines monitored account persistence.
type Store interface {
	Create(ctx context.Context, input CreateInput) (Account, error)
	List(ctx context.Context) ([]Account, error)
	ListActive(ctx context.Context) ([]Account, error)
	Get(ctx context.Context, id int64) (Account, bool, error)
	SetActive(ctx context.Context, id int64, active bool) error
	Delete(ctx context.Context, id int64) error
}
