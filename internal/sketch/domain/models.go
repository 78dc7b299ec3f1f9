package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrSketchNotFound     = errors.New("sketch_not_found")
	ErrInvalidSketch      = errors.New("invalid_sketch")
	ErrInvalidTransition  = errors.New("invalid_status_transition")
	ErrNotOwner           = errors.New("not_sketch_owner")
	ErrTransitionLost     = errors.New("status_transition_lost")
)

// Status is the closed set of sketch job states.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// CanTransition is the single gate for status changes: processing may
// become completed or failed; failed returns to processing only through
// an explicit retry; completed is terminal.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed
	case StatusFailed:
		return to == StatusProcessing
	default:
		return false
	}
}

// Sketch is one paid transformation job. Rows are updated by the
// orchestrator and the reaper through conditional transitions and never
// deleted by the pipeline.
type Sketch struct {
	ID               snowflake.ID `gorm:"primaryKey"`
	AccountID        snowflake.ID `gorm:"not null;index"`
	OriginalImageURL string       `gorm:"type:text;not null"`
	AnimatedImageURL *string      `gorm:"type:text"`
	Preset           string       `gorm:"type:text;not null"`
	Status           Status       `gorm:"type:text;not null;index"`
	Unseen           bool         `gorm:"not null;default:true"`
	CreatedAt        time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt        time.Time    `gorm:"not null;index;default:CURRENT_TIMESTAMP"`
}

func (Sketch) TableName() string { return "sketches" }
