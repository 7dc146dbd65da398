package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// Telegram transport
	TelegramBotToken string
	TelegramAPIURL   string
	TelegramTimeout  time.Duration

	// AWS services
	AWSRegion   string
	AWSEndpoint string // localstack or other compatible endpoint
	SQSQueueURL string // dispatch trigger queue
	SNSTopicARN string // broadcast lifecycle events
	MediaBucket string
	MediaURLTTL time.Duration

	// Dispatch loop tuning
	DispatchPaceDelay        time.Duration
	DispatchGlobalRate       float64 // messages per second across all runs
	DispatchCancelCheckEvery int
	DispatchFlushEvery       int
	DispatchThrottleMin      time.Duration
	DispatchThrottleMax      time.Duration
	DispatchStaleAfter       time.Duration
	SystemRecipientIDs       []int64

	// Retry queue
	RetryBaseDelay   time.Duration
	RetryMultiplier  float64
	RetryMaxAttempts int
	RetryMaxDelay    time.Duration
	RetryBatchSize   int

	// Frequency cap, disabled when FreqCapLimit is 0
	FreqCapLimit  int
	FreqCapWindow time.Duration

	// Worker cadences (cron specs)
	WorkerDueSchedule   string
	WorkerRetrySchedule string
	WorkerDueBatch      int
	WorkerMaxRunning    int // concurrent dispatch runs per process

	// Admin API rate limit per admin per minute
	APIRateLimit int
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is loaded first when present.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		DBHost:    "localhost",
		DBPort:    5432,
		DBUser:    "herald",
		DBName:    "herald",
		DBSSLMode: "disable",

		RedisHost: "localhost",
		RedisPort: 6379,

		TelegramAPIURL:  "https://api.telegram.org",
		TelegramTimeout: 15 * time.Second,

		AWSRegion:   "us-east-1",
		MediaURLTTL: time.Hour,

		DispatchPaceDelay:        50 * time.Millisecond,
		DispatchGlobalRate:       25,
		DispatchCancelCheckEvery: 10,
		DispatchFlushEvery:       10,
		DispatchThrottleMin:      time.Second,
		DispatchThrottleMax:      60 * time.Second,
		DispatchStaleAfter:       10 * time.Minute,
		// GroupAnonymousBot, Telegram service notifications, channel bot
		SystemRecipientIDs: []int64{1087968824, 777000, 136817688},

		RetryBaseDelay:   time.Minute,
		RetryMultiplier:  2,
		RetryMaxAttempts: 5,
		RetryMaxDelay:    6 * time.Hour,
		RetryBatchSize:   100,

		FreqCapLimit:  3,
		FreqCapWindow: 24 * time.Hour,

		WorkerDueSchedule:   "@every 30s",
		WorkerRetrySchedule: "@every 1m",
		WorkerDueBatch:      20,
		WorkerMaxRunning:    8,

		APIRateLimit: 120,
	}

	var err error

	if cfg.Port, err = envInt("PORT", cfg.Port); err != nil {
		return nil, err
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}
	if cfg.DBPort, err = envInt("DB_PORT", cfg.DBPort); err != nil {
		return nil, err
	}
	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}
	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}
	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}
	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}
	if cfg.RedisPort, err = envInt("REDIS_PORT", cfg.RedisPort); err != nil {
		return nil, err
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}
	if cfg.RedisDB, err = envInt("REDIS_DB", cfg.RedisDB); err != nil {
		return nil, err
	}

	// Telegram
	cfg.TelegramBotToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	if url := os.Getenv("TELEGRAM_API_URL"); url != "" {
		cfg.TelegramAPIURL = url
	}
	if cfg.TelegramTimeout, err = envDuration("TELEGRAM_TIMEOUT", cfg.TelegramTimeout); err != nil {
		return nil, err
	}

	// AWS
	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}
	cfg.AWSEndpoint = os.Getenv("AWS_ENDPOINT")
	cfg.SQSQueueURL = os.Getenv("SQS_QUEUE_URL")
	cfg.SNSTopicARN = os.Getenv("SNS_TOPIC_ARN")
	cfg.MediaBucket = os.Getenv("MEDIA_BUCKET")
	if cfg.MediaURLTTL, err = envDuration("MEDIA_URL_TTL", cfg.MediaURLTTL); err != nil {
		return nil, err
	}

	// Dispatch
	if cfg.DispatchPaceDelay, err = envDuration("DISPATCH_PACE_DELAY", cfg.DispatchPaceDelay); err != nil {
		return nil, err
	}
	if cfg.DispatchGlobalRate, err = envFloat("DISPATCH_GLOBAL_RATE", cfg.DispatchGlobalRate); err != nil {
		return nil, err
	}
	if cfg.DispatchCancelCheckEvery, err = envInt("DISPATCH_CANCEL_CHECK_EVERY", cfg.DispatchCancelCheckEvery); err != nil {
		return nil, err
	}
	if cfg.DispatchFlushEvery, err = envInt("DISPATCH_FLUSH_EVERY", cfg.DispatchFlushEvery); err != nil {
		return nil, err
	}
	if cfg.DispatchThrottleMin, err = envDuration("DISPATCH_THROTTLE_MIN", cfg.DispatchThrottleMin); err != nil {
		return nil, err
	}
	if cfg.DispatchThrottleMax, err = envDuration("DISPATCH_THROTTLE_MAX", cfg.DispatchThrottleMax); err != nil {
		return nil, err
	}
	if cfg.DispatchStaleAfter, err = envDuration("DISPATCH_STALE_AFTER", cfg.DispatchStaleAfter); err != nil {
		return nil, err
	}
	if cfg.SystemRecipientIDs, err = envInt64List("DISPATCH_SYSTEM_IDS", cfg.SystemRecipientIDs); err != nil {
		return nil, err
	}

	// Retry queue
	if cfg.RetryBaseDelay, err = envDuration("RETRY_BASE_DELAY", cfg.RetryBaseDelay); err != nil {
		return nil, err
	}
	if cfg.RetryMultiplier, err = envFloat("RETRY_MULTIPLIER", cfg.RetryMultiplier); err != nil {
		return nil, err
	}
	if cfg.RetryMultiplier < 1 {
		return nil, fmt.Errorf("invalid RETRY_MULTIPLIER: must be >= 1, got %v", cfg.RetryMultiplier)
	}
	if cfg.RetryMaxAttempts, err = envInt("RETRY_MAX_ATTEMPTS", cfg.RetryMaxAttempts); err != nil {
		return nil, err
	}
	if cfg.RetryMaxDelay, err = envDuration("RETRY_MAX_DELAY", cfg.RetryMaxDelay); err != nil {
		return nil, err
	}
	if cfg.RetryBatchSize, err = envInt("RETRY_BATCH_SIZE", cfg.RetryBatchSize); err != nil {
		return nil, err
	}

	// Frequency cap
	if cfg.FreqCapLimit, err = envInt("FREQ_CAP_LIMIT", cfg.FreqCapLimit); err != nil {
		return nil, err
	}
	if cfg.FreqCapWindow, err = envDuration("FREQ_CAP_WINDOW", cfg.FreqCapWindow); err != nil {
		return nil, err
	}

	// Worker
	if spec := os.Getenv("WORKER_DUE_SCHEDULE"); spec != "" {
		cfg.WorkerDueSchedule = spec
	}
	if spec := os.Getenv("WORKER_RETRY_SCHEDULE"); spec != "" {
		cfg.WorkerRetrySchedule = spec
	}
	if cfg.WorkerDueBatch, err = envInt("WORKER_DUE_BATCH", cfg.WorkerDueBatch); err != nil {
		return nil, err
	}
	if cfg.WorkerMaxRunning, err = envInt("WORKER_MAX_RUNNING", cfg.WorkerMaxRunning); err != nil {
		return nil, err
	}

	if cfg.APIRateLimit, err = envInt("API_RATE_LIMIT", cfg.APIRateLimit); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DatabaseURL builds the postgres connection string.
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func envFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

// envInt64List parses a comma separated list of ids. An explicitly empty
// value is not distinguishable from unset, so the default is kept.
func envInt64List(key string, def []int64) ([]int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	parts := strings.Split(v, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", key, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
