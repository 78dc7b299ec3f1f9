package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/pixiesketch/platform/internal/clock"
	"github.com/pixiesketch/platform/internal/config"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrRateLimited = errors.New("rate_limited")

// LimitError wraps the sentinel with the window remainder so callers can
// surface a Retry-After hint.
type LimitError struct {
	RetryAfter time.Duration
}

func (e *LimitError) Error() string { return ErrRateLimited.Error() }

func (e *LimitError) Is(target error) bool { return target == ErrRateLimited }

// Result describes one admission decision.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limiter is a per-actor fixed-window counter guarding job admission.
type Limiter interface {
	Allow(ctx context.Context, actor string) (Result, error)
}

// NewLimiter picks the shared redis window when an address is configured.
// The in-memory counters are only correct for a single-instance
// deployment; horizontal scaling requires the shared store.
func NewLimiter(cfg config.Config, clk clock.Clock, log *zap.Logger) Limiter {
	limit := cfg.RateLimit.Limit
	window := cfg.RateLimit.Window

	if cfg.RedisAddr == "" {
		log.Named("ratelimit").Info("rate limiter running in-process, single-instance only")
		return NewMemoryLimiter(limit, window, clk)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewRedisLimiter(client, limit, window)
}

// Module provides the admission rate limiter.
var Module = fx.Module("ratelimit",
	fx.Provide(NewLimiter),
)
