package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Env  string
	Port int

	// Postgres
	DatabaseURL    string
	MigrateOnStart bool

	// RabbitMQ
	RabbitURL      string
	Prefetch       int
	ConfirmTimeout time.Duration

	// Roles
	EnableWorkerConsumer  bool
	EnableOutboxPublisher bool

	// Auth / token manager
	AuthAPIURL         string
	AuthUsername       string
	AuthPassword       string
	AuthTimeout        time.Duration
	TokenRenewalWindow time.Duration

	// Email provider
	EmailAPIURL       string
	EmailTimeout      time.Duration
	EmailSubject      string
	EmailBodyTemplate string

	// Rate limiter
	RatePerMinute int
	Concurrency   int

	// Retry policy
	MaxRetries    int
	RetryBase     time.Duration
	RetryMax      time.Duration
	JitterPercent int

	// Worker
	CheckpointInterval int
	CSVBatchSize       int
	FailureThreshold   float64
	StaleLockThreshold time.Duration
	EnableMXCheck         bool
	EnableDisposableCheck bool

	// Outbox publisher
	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int

	// Recovery / shutdown
	StaleSendingThreshold time.Duration
	ShutdownTimeout       time.Duration
	ForceShutdownTimeout  time.Duration

	// Storage
	StorageBackend string // "local" or "s3"
	StorageDir     string
	S3Endpoint     string
	S3Region       string
	S3Bucket       string
	S3AccessKey    string
	S3SecretKey    string
	S3UsePathStyle bool

	// Redis status cache
	RedisEnabled   bool
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	StatusCacheTTL time.Duration

	// HTTP intake guard
	IntakeRateLimit  int
	IntakeRateWindow time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}

	cfg.Env = getEnv("APP_ENV", "dev")
	cfg.Port = getInt("PORT", 8080)

	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("missing required env var: DATABASE_URL")
	}
	cfg.MigrateOnStart = getBool("MIGRATE_ON_START", true)

	cfg.RabbitURL = strings.TrimSpace(os.Getenv("RABBITMQ_URL"))
	if cfg.RabbitURL == "" {
		return nil, fmt.Errorf("missing required env var: RABBITMQ_URL")
	}
	cfg.Prefetch = getInt("RABBITMQ_PREFETCH", 1)
	cfg.ConfirmTimeout = getMillis("OUTBOX_CONFIRM_TIMEOUT_MS", 5*time.Second)

	cfg.EnableWorkerConsumer = getBool("ENABLE_WORKER_CONSUMER", true)
	cfg.EnableOutboxPublisher = getBool("ENABLE_OUTBOX_PUBLISHER", true)

	cfg.AuthAPIURL = strings.TrimRight(getEnv("AUTH_API_URL", ""), "/")
	cfg.AuthUsername = getEnv("AUTH_USERNAME", "")
	cfg.AuthPassword = getEnv("AUTH_PASSWORD", "")
	cfg.AuthTimeout = getMillis("AUTH_TIMEOUT_MS", 10*time.Second)
	cfg.TokenRenewalWindow = getMillis("TOKEN_RENEWAL_WINDOW_MS", 5*time.Minute)

	cfg.EmailAPIURL = strings.TrimRight(getEnv("EMAIL_API_URL", ""), "/")
	cfg.EmailTimeout = getMillis("EMAIL_TIMEOUT_MS", 30*time.Second)
	cfg.EmailSubject = getEnv("EMAIL_SUBJECT", "Your verification code")
	cfg.EmailBodyTemplate = getEnv("EMAIL_BODY_TEMPLATE", "Your verification code is %s")

	if cfg.EnableWorkerConsumer {
		if cfg.EmailAPIURL == "" {
			return nil, fmt.Errorf("worker consumer enabled but missing EMAIL_API_URL")
		}
		if cfg.AuthAPIURL == "" {
			return nil, fmt.Errorf("worker consumer enabled but missing AUTH_API_URL")
		}
	}

	cfg.RatePerMinute = getInt("RATE_LIMIT_PER_MINUTE", 60)
	cfg.Concurrency = getInt("WORKER_CONCURRENCY", 1)

	cfg.MaxRetries = getIntFirst([]string{"MAX_RETRIES", "MAX_RETRY_ATTEMPTS"}, 3)
	cfg.RetryBase = getMillis("RETRY_BASE_DELAY_MS", time.Second)
	cfg.RetryMax = getMillis("RETRY_MAX_DELAY_MS", 5*time.Minute)
	cfg.JitterPercent = getInt("RETRY_JITTER_PERCENT", 20)

	cfg.CheckpointInterval = getIntFirst([]string{"CSV_CHECKPOINT_INTERVAL", "CHECKPOINT_INTERVAL"}, 100)
	cfg.CSVBatchSize = getInt("CSV_BATCH_SIZE", 500)
	cfg.FailureThreshold = getFloat("FAILURE_THRESHOLD", 0.2)
	cfg.StaleLockThreshold = getMillis("STALE_LOCK_THRESHOLD_MS", 30*time.Second)
	cfg.EnableMXCheck = getBool("ENABLE_MX_CHECK", false)
	cfg.EnableDisposableCheck = getBool("ENABLE_DISPOSABLE_CHECK", true)

	cfg.OutboxPollInterval = getMillis("OUTBOX_POLL_INTERVAL_MS", 5*time.Second)
	cfg.OutboxBatchSize = getInt("OUTBOX_BATCH_SIZE", 10)
	cfg.OutboxMaxAttempts = getInt("OUTBOX_MAX_ATTEMPTS", 5)

	cfg.StaleSendingThreshold = getMillis("STALE_SENDING_THRESHOLD_MS", 5*time.Minute)
	cfg.ShutdownTimeout = getMillis("SHUTDOWN_TIMEOUT_MS", 30*time.Second)
	cfg.ForceShutdownTimeout = getMillis("FORCE_SHUTDOWN_TIMEOUT_MS", 60*time.Second)

	cfg.StorageBackend = strings.ToLower(getEnv("STORAGE_BACKEND", "local"))
	cfg.StorageDir = getEnv("STORAGE_DIR", "./data/uploads")
	cfg.S3Endpoint = getEnv("S3_ENDPOINT", "")
	cfg.S3Region = getEnv("S3_REGION", "us-east-1")
	cfg.S3Bucket = getEnv("S3_BUCKET", "mailings")
	cfg.S3AccessKey = getEnv("S3_ACCESS_KEY", "")
	cfg.S3SecretKey = getEnv("S3_SECRET_KEY", "")
	cfg.S3UsePathStyle = getBool("S3_USE_PATH_STYLE", true)
	if cfg.StorageBackend != "local" && cfg.StorageBackend != "s3" {
		return nil, fmt.Errorf("bad STORAGE_BACKEND %q (want local or s3)", cfg.StorageBackend)
	}

	cfg.RedisEnabled = getBool("REDIS_ENABLED", false)
	cfg.RedisAddr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", "")
	cfg.RedisDB = getInt("REDIS_DB", 0)
	cfg.StatusCacheTTL = getMillis("STATUS_CACHE_TTL_MS", 5*time.Second)
	if strings.Contains(cfg.RedisAddr, " ") {
		return nil, fmt.Errorf("bad REDIS_ADDR (contains spaces): %q", cfg.RedisAddr)
	}

	cfg.IntakeRateLimit = getInt("INTAKE_RATE_LIMIT", 30)
	cfg.IntakeRateWindow = getDuration("INTAKE_RATE_WINDOW", time.Minute)

	if cfg.RatePerMinute < 1 {
		return nil, fmt.Errorf("RATE_LIMIT_PER_MINUTE must be >= 1")
	}
	if cfg.Concurrency < 1 {
		return nil, fmt.Errorf("WORKER_CONCURRENCY must be >= 1")
	}
	if cfg.FailureThreshold < 0 || cfg.FailureThreshold > 1 {
		return nil, fmt.Errorf("FAILURE_THRESHOLD must be within [0,1]")
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getIntFirst(keys []string, def int) int {
	for _, k := range keys {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				return n
			}
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// getMillis reads an integer millisecond value (the *_MS convention).
func getMillis(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return time.Duration(n) * time.Millisecond
}

func getDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func getBool(key string, def bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if v == "" {
		return def
	}
	switch v {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}
