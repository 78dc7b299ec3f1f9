package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/pixiesketch/platform/internal/clock"
)

type windowState struct {
	count   int
	resetAt time.Time
}

// MemoryLimiter keeps per-actor fixed windows in a process-local map.
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string]*windowState
	limit   int
	window  time.Duration
	clock   clock.Clock
}

func NewMemoryLimiter(limit int, window time.Duration, clk clock.Clock) *MemoryLimiter {
	return &MemoryLimiter{
		windows: make(map[string]*windowState),
		limit:   limit,
		window:  window,
		clock:   clk,
	}
}

func (l *MemoryLimiter) Allow(_ context.Context, actor string) (Result, error) {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	state := l.windows[actor]
	if state == nil || now.After(state.resetAt) {
		state = &windowState{resetAt: now.Add(l.window)}
		l.windows[actor] = state
	}

	if state.count >= l.limit {
		return Result{
			Allowed:    false,
			Limit:      l.limit,
			Remaining:  0,
			RetryAfter: state.resetAt.Sub(now),
		}, nil
	}

	state.count++
	return Result{
		Allowed:   true,
		Limit:     l.limit,
		Remaining: l.limit - state.count,
	}, nil
}
