// Package persona holds the customer context read at connect time and
// folded into the assistant's session instructions.
package persona

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("persona not found")

type Transaction struct {
	Date        string  `json:"date"`
	Amount      float64 `json:"amount"`
	Description string  `json:"description"`
}

// Context describes one customer. It is read-only once handed to a session.
type Context struct {
	ID                 string        `json:"id"`
	Name               string        `json:"name"`
	Balance            float64       `json:"balance"`
	CardLast4          string        `json:"card_last4"`
	AccountType        string        `json:"account_type"`
	RecentTransactions []Transaction `json:"recent_transactions"`
	UpdatedAt          time.Time     `json:"updated_at,omitempty"`
}

// Store persists and retrieves personas.
type Store interface {
	List(ctx context.Context) ([]Context, error)
	Get(ctx context.Context, id string) (Context, error)
	Save(ctx context.Context, p Context) error
	Close() error
}
