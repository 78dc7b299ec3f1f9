package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const fixedWindowKey = "ratelimit:window:%s"

// The script increments the actor's counter, stamping the window TTL on
// first touch so the counter and its expiry move together.
// Returns: count, remaining window in milliseconds.
const fixedWindowScript = `
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {count, ttl}
`

// RedisLimiter is the shared fixed-window counter used when the service
// runs more than one instance.
type RedisLimiter struct {
	client *redis.Client
	script *redis.Script
	limit  int
	window time.Duration
}

func NewRedisLimiter(client *redis.Client, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		script: redis.NewScript(fixedWindowScript),
		limit:  limit,
		window: window,
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, actor string) (Result, error) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return Result{}, errors.New("rate limiter actor is empty")
	}

	res, err := l.script.Run(
		ctx,
		l.client,
		[]string{fmt.Sprintf(fixedWindowKey, actor)},
		l.window.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Result{}, err
	}
	if len(res) < 2 {
		return Result{}, errors.New("invalid rate limit script response")
	}

	count := int(res[0])
	windowLeft := time.Duration(res[1]) * time.Millisecond

	if count > l.limit {
		return Result{
			Allowed:    false,
			Limit:      l.limit,
			Remaining:  0,
			RetryAfter: windowLeft,
		}, nil
	}
	return Result{
		Allowed:   true,
		Limit:     l.limit,
		Remaining: l.limit - count,
	}, nil
}
