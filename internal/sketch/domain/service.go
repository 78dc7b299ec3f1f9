package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

type SubmitRequest struct {
	AccountID        snowflake.ID
	ImageData        string
	OriginalImageURL string
	Preset           string
}

// Service runs the paid transformation state machine.
type Service interface {
	// Submit admits and starts a new job. Admission (rate limit, budget,
	// balance) happens before the job row exists; admission errors carry
	// no side effects.
	Submit(ctx context.Context, req SubmitRequest) (*Sketch, error)

	// Retry resets a failed job to processing and re-enters admission and
	// execution from the top.
	Retry(ctx context.Context, sketchID, accountID snowflake.ID) (*Sketch, error)

	// List returns the owner's sketches, newest first, plus the unseen count.
	List(ctx context.Context, accountID snowflake.ID) ([]Sketch, int64, error)

	// MarkSeen clears the unseen flag on all of the owner's sketches.
	MarkSeen(ctx context.Context, accountID snowflake.ID) error

	// Get loads one sketch, enforcing ownership.
	Get(ctx context.Context, sketchID, accountID snowflake.ID) (*Sketch, error)
}
