package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrInsufficientBudget = errors.New("insufficient_budget")
	ErrInvalidPeriod      = errors.New("invalid_budget_period")
	ErrPeriodNotFound     = errors.New("budget_period_not_found")
	ErrNoActivePeriod     = errors.New("no_active_budget_period")
)

// BudgetPeriod is the time-boxed spend ceiling. UsageEvents inside
// [PeriodStart, PeriodEnd) are summed against TotalLimit. Administered
// externally; read-only to the job pipeline.
type BudgetPeriod struct {
	ID               snowflake.ID `gorm:"primaryKey"`
	Name             string       `gorm:"type:text;not null"`
	TotalLimit       int64        `gorm:"not null"`
	PeriodStart      time.Time    `gorm:"not null;index"`
	PeriodEnd        time.Time    `gorm:"not null;index"`
	AlertThreshold   float64      `gorm:"not null;default:0.8"`
	HardLimitEnabled bool         `gorm:"not null;default:false"`
	CreatedAt        time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt        time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (BudgetPeriod) TableName() string { return "budget_periods" }

// Decision is the admission verdict for one requested spend.
type Decision struct {
	Allowed          bool    `json:"allowed"`
	Remaining        int64   `json:"remaining"`
	UsedPercentage   float64 `json:"used_percentage"`
	ApproachingLimit bool    `json:"approaching_limit"`
}

// Stats is the admin-facing view of the active period.
type Stats struct {
	Period         *BudgetPeriod `json:"period"`
	UsedCredits    int64         `json:"used_credits"`
	Remaining      int64         `json:"remaining"`
	UsedPercentage float64       `json:"used_percentage"`
}

type CreatePeriodRequest struct {
	Name             string    `json:"name"`
	TotalLimit       int64     `json:"total_limit"`
	PeriodStart      time.Time `json:"period_start"`
	PeriodEnd        time.Time `json:"period_end"`
	AlertThreshold   float64   `json:"alert_threshold"`
	HardLimitEnabled bool      `json:"hard_limit_enabled"`
}

type UpdatePeriodRequest struct {
	TotalLimit       *int64   `json:"total_limit"`
	AlertThreshold   *float64 `json:"alert_threshold"`
	HardLimitEnabled *bool    `json:"hard_limit_enabled"`
}

// Service gates job admission against the aggregate ceiling.
type Service interface {
	// Allow decides whether requested credits fit inside the active
	// period. Storage failures FAIL OPEN: a budgeting outage must not
	// block paid users.
	Allow(ctx context.Context, requestedCredits int64) (Decision, error)

	CreatePeriod(ctx context.Context, req CreatePeriodRequest) (*BudgetPeriod, error)
	UpdatePeriod(ctx context.Context, id snowflake.ID, req UpdatePeriodRequest) error
	Stats(ctx context.Context) (Stats, error)
}
