package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/pixiesketch/platform/internal/config"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const resultKeyPrefix = "transform:result:"

// ResultCache stores transform outputs keyed by a request fingerprint so a
// resubmitted identical drawing skips the expensive external call.
type ResultCache interface {
	Get(ctx context.Context, fingerprint string) (string, bool)
	Set(ctx context.Context, fingerprint string, outputURL string)
}

// Fingerprint derives the cache key from the request content.
func Fingerprint(imageData, preset string) string {
	sum := sha256.Sum256([]byte(preset + "|" + imageData))
	return hex.EncodeToString(sum[:])
}

// NewResultCache picks the shared redis cache when an address is
// configured, otherwise the in-process fallback. The in-process form is
// only correct for a single-instance deployment.
func NewResultCache(cfg config.Config, log *zap.Logger) ResultCache {
	ttl := cfg.Pipeline.ResultCacheTTL
	if cfg.RedisAddr == "" {
		log.Named("cache").Info("result cache running in-process, single-instance only")
		return &memoryResultCache{
			cache: NewTTLCache[string, string](),
			ttl:   ttl,
		}
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return &redisResultCache{
		client: client,
		ttl:    ttl,
		log:    log.Named("cache.redis"),
	}
}

type memoryResultCache struct {
	cache Cache[string, string]
	ttl   time.Duration
}

func (c *memoryResultCache) Get(_ context.Context, fingerprint string) (string, bool) {
	return c.cache.Get(fingerprint)
}

func (c *memoryResultCache) Set(_ context.Context, fingerprint string, outputURL string) {
	c.cache.Set(fingerprint, outputURL, c.ttl)
}

type redisResultCache struct {
	client *redis.Client
	ttl    time.Duration
	log    *zap.Logger
}

func (c *redisResultCache) Get(ctx context.Context, fingerprint string) (string, bool) {
	value, err := c.client.Get(ctx, resultKeyPrefix+fingerprint).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn("result cache read failed", zap.Error(err))
		}
		return "", false
	}
	return value, true
}

func (c *redisResultCache) Set(ctx context.Context, fingerprint string, outputURL string) {
	if err := c.client.Set(ctx, resultKeyPrefix+fingerprint, outputURL, c.ttl).Err(); err != nil {
		c.log.Warn("result cache write failed", zap.Error(err))
	}
}

// Module provides the transform result cache.
var Module = fx.Module("cache",
	fx.Provide(NewResultCache),
)
