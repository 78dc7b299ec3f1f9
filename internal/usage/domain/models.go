package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrInvalidUsage = errors.New("invalid_usage_event")
)

const OperationSketchGeneration = "sketch_generation"

// UsageEvent is an append-only record of confirmed credit consumption.
// It is written only after a sketch reaches completed and is the sole
// input to budget aggregation. Rows are never mutated or deleted.
type UsageEvent struct {
	ID            snowflake.ID `gorm:"primaryKey"`
	AccountID     snowflake.ID `gorm:"not null;index"`
	CreditsUsed   int64        `gorm:"not null"`
	OperationType string       `gorm:"type:text;not null"`
	SketchID      snowflake.ID `gorm:"not null;index"`
	CreatedAt     time.Time    `gorm:"not null;index;default:CURRENT_TIMESTAMP"`
}

func (UsageEvent) TableName() string { return "usage_events" }

type Service interface {
	// Record appends a usage event after confirmed credit consumption.
	Record(ctx context.Context, accountID snowflake.ID, creditsUsed int64, operationType string, sketchID snowflake.ID) error

	// SumRange totals credits used inside [start, end).
	SumRange(ctx context.Context, start, end time.Time) (int64, error)
}
