package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	LogLevel    string

	// AuthStaticTokens configures the development token verifier:
	// "token:accountID:email[:admin]" entries, comma separated.
	AuthStaticTokens string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int

	// RedisAddr empty means single-instance mode: rate limiting and the
	// transform result cache fall back to in-process implementations.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	Webhook   WebhookConfig
	Pipeline  PipelineConfig
	RateLimit RateLimitConfig
	Transform TransformConfig
}

// WebhookConfig covers payment provider event ingestion.
type WebhookConfig struct {
	SigningSecret string
	Tolerance     time.Duration
}

// PipelineConfig tunes the job pipeline and its background sweeps.
type PipelineConfig struct {
	SweepInterval    time.Duration
	StuckJobTimeout  time.Duration
	StatusRetries    int
	ResultCacheTTL   time.Duration
	ShutdownTimeout  time.Duration
	CreditsPerSketch int64
}

// RateLimitConfig is the per-actor fixed window applied at job admission.
type RateLimitConfig struct {
	Limit  int
	Window time.Duration
}

// TransformConfig points at the external AI transformation service.
type TransformConfig struct {
	BaseURL     string
	APIKey      string
	CallTimeout time.Duration
	Model       string
	ImageModel  string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "pixied"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),
		LogLevel:    getenv("LOG_LEVEL", "info"),

		AuthStaticTokens: getenv("AUTH_STATIC_TOKENS", ""),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "pixiesketch"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 3600),

		RedisAddr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		RedisDB:       getenvInt("REDIS_DB", 0),

		Webhook: WebhookConfig{
			SigningSecret: strings.TrimSpace(getenv("STRIPE_WEBHOOK_SECRET", "")),
			Tolerance:     getenvDuration("STRIPE_WEBHOOK_TOLERANCE", 5*time.Minute),
		},
		Pipeline: PipelineConfig{
			SweepInterval:    getenvDuration("PIPELINE_SWEEP_INTERVAL", time.Minute),
			StuckJobTimeout:  getenvDuration("PIPELINE_STUCK_JOB_TIMEOUT", 10*time.Minute),
			StatusRetries:    getenvInt("PIPELINE_STATUS_RETRIES", 3),
			ResultCacheTTL:   getenvDuration("PIPELINE_RESULT_CACHE_TTL", time.Hour),
			ShutdownTimeout:  getenvDuration("PIPELINE_SHUTDOWN_TIMEOUT", 10*time.Second),
			CreditsPerSketch: int64(getenvInt("PIPELINE_CREDITS_PER_SKETCH", 1)),
		},
		RateLimit: RateLimitConfig{
			Limit:  getenvInt("RATE_LIMIT_REQUESTS", 5),
			Window: getenvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		Transform: TransformConfig{
			BaseURL:     getenv("TRANSFORM_BASE_URL", "https://api.openai.com/v1"),
			APIKey:      strings.TrimSpace(getenv("TRANSFORM_API_KEY", "")),
			CallTimeout: getenvDuration("TRANSFORM_CALL_TIMEOUT", 120*time.Second),
			Model:       getenv("TRANSFORM_VISION_MODEL", "gpt-4o-mini"),
			ImageModel:  getenv("TRANSFORM_IMAGE_MODEL", "dall-e-3"),
		},
	}
}

// Module provides Config to the fx graph.
var Module = fx.Module("config",
	fx.Provide(Load),
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}
