package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

var (
	ErrAccountNotFound      = errors.New("account_not_found")
	ErrInvalidAccount       = errors.New("invalid_account")
	ErrInvalidAmount        = errors.New("invalid_amount")
	ErrInsufficientCredits  = errors.New("insufficient_credits")
	ErrConcurrencyConflict  = errors.New("concurrency_conflict")
)

// Account is the authoritative credit-balance row for one user.
// Credits never goes negative; Version bumps on every balance write and is
// the optimistic-concurrency token for Debit.
type Account struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	Email     string       `gorm:"type:text;not null"`
	Credits   int64        `gorm:"not null;default:0"`
	Version   int64        `gorm:"not null;default:0"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Account) TableName() string { return "accounts" }

// Balance is a point-in-time snapshot used as the expected value for a
// later CAS debit.
type Balance struct {
	AccountID snowflake.ID
	Credits   int64
	Version   int64
}

// Service is the ledger store: atomic credit/debit over account balances.
type Service interface {
	// EnsureAccount creates the account row on first registration; it is a
	// no-op when the row already exists.
	EnsureAccount(ctx context.Context, id snowflake.ID, email string) error

	// GetBalance returns the current balance snapshot.
	GetBalance(ctx context.Context, accountID snowflake.ID) (Balance, error)

	// Credit unconditionally increases the balance and returns the new value.
	Credit(ctx context.Context, accountID snowflake.ID, amount int64) (int64, error)

	// CreditInTx applies Credit inside the caller's transaction so the
	// balance write commits or rolls back together with the caller's own
	// writes.
	CreditInTx(ctx context.Context, tx *gorm.DB, accountID snowflake.ID, amount int64) (int64, error)

	// Debit decreases the balance only if it still matches the expected
	// snapshot. A stale snapshot yields ErrConcurrencyConflict; the caller
	// re-reads and re-decides, the balance is never clamped.
	Debit(ctx context.Context, accountID snowflake.ID, amount int64, expected Balance) (int64, error)
}
