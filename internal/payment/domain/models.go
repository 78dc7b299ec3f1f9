package domain

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

var (
	ErrInvalidSignature      = errors.New("invalid_signature")
	ErrInvalidPayload        = errors.New("invalid_payload")
	ErrInvalidEvent          = errors.New("invalid_event")
	ErrEventIgnored          = errors.New("event_ignored")
	ErrEventAlreadyProcessed = errors.New("event_already_processed")
)

// PaymentStatus is the closed set of payment record states.
type PaymentStatus string

const (
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
)

const (
	EventTypeCheckoutCompleted = "checkout.session.completed"
	EventTypePaymentSucceeded  = "payment_intent.succeeded"
	EventTypePaymentFailed     = "payment_intent.payment_failed"
)

// PaymentRecord is written exactly once per external session id; the
// unique index on SessionID is the idempotency barrier that closes the
// race between a duplicate-check read and a concurrent insert.
// CreditedAt stays NULL until the ledger credit lands, which makes a
// recorded-but-uncredited payment discoverable by the reconciliation sweep.
type PaymentRecord struct {
	ID              snowflake.ID   `gorm:"primaryKey"`
	SessionID       string         `gorm:"type:text;not null;uniqueIndex:ux_payment_records_session"`
	PaymentIntentID string         `gorm:"type:text"`
	AccountID       *snowflake.ID  `gorm:"index"`
	CustomerEmail   string         `gorm:"type:text"`
	Amount          int64          `gorm:"not null"`
	Currency        string         `gorm:"type:text;not null"`
	CreditsGranted  int64          `gorm:"not null"`
	PackageName     string         `gorm:"type:text"`
	Status          PaymentStatus  `gorm:"type:text;not null"`
	RawPayload      datatypes.JSON `gorm:"type:jsonb"`
	CreditedAt      *time.Time
	CreatedAt       time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (PaymentRecord) TableName() string { return "payment_records" }

// Event is a parsed provider webhook event.
type Event struct {
	Type            string
	SessionID       string
	PaymentIntentID string
	AccountID       *snowflake.ID
	CustomerEmail   string
	Amount          int64
	Currency        string
	Credits         int64
	PackageName     string
}

// Service consumes at-least-once provider events and credits the ledger
// exactly once per unique session id.
type Service interface {
	// HandleEvent verifies the payload signature, records the event
	// idempotently and applies the ledger credit.
	HandleEvent(ctx context.Context, payload []byte, headers http.Header) error

	// ReconcileUncredited retries the credit step for completed records
	// whose ledger credit never landed.
	ReconcileUncredited(ctx context.Context) (int, error)

	// History lists an account's payment records, newest first.
	History(ctx context.Context, accountID snowflake.ID) ([]PaymentRecord, error)
}
