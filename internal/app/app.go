// Package app assembles the broadcast engine from configuration. The
// gateway and heraldctl share it so both run the same send path.
package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pnptv/herald/internal/abtest"
	"github.com/pnptv/herald/internal/analytics"
	"github.com/pnptv/herald/internal/api"
	"github.com/pnptv/herald/internal/audience"
	"github.com/pnptv/herald/internal/circuitbreaker"
	"github.com/pnptv/herald/internal/classify"
	"github.com/pnptv/herald/internal/config"
	"github.com/pnptv/herald/internal/db"
	"github.com/pnptv/herald/internal/delivery"
	"github.com/pnptv/herald/internal/dispatch"
	"github.com/pnptv/herald/internal/media"
	"github.com/pnptv/herald/internal/metrics"
	"github.com/pnptv/herald/internal/redis"
	"github.com/pnptv/herald/internal/retry"
	"github.com/pnptv/herald/internal/sns"
	"github.com/pnptv/herald/internal/sqs"
	"github.com/pnptv/herald/internal/transport"
	"github.com/pnptv/herald/internal/worker"
)

// App is the wired component graph. Optional parts are nil interfaces
// when their backing service is not configured.
type App struct {
	DB          *db.DB
	Repo        *db.Repository
	Engine      *dispatch.Engine
	Retries     *retry.Processor
	Analytics   *analytics.Aggregator
	Coordinator *abtest.Coordinator
	Breaker     *circuitbreaker.CircuitBreaker

	// Producer enqueues dispatch triggers, Consumer reads them. Both are
	// nil without SQS_QUEUE_URL.
	Producer api.TriggerQueue
	Consumer worker.TriggerQueue

	Idempotency api.Idempotency
	Limiter     api.Limiter

	redis  *redis.Client
	logger *zap.Logger
}

// Build connects to Postgres (required) and Redis (optional) and wires
// every component. name is reported as the Postgres application name.
func Build(ctx context.Context, cfg *config.Config, name string, logger *zap.Logger) (*App, error) {
	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
		MaxConns: int32(cfg.WorkerMaxRunning + 10),
		AppName:  name,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	a := &App{
		DB:     database,
		Repo:   db.NewRepository(database, logger),
		logger: logger,
	}

	if err := a.wire(ctx, cfg); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context, cfg *config.Config) error {
	logger := a.logger
	repo := a.Repo

	// Redis backs the frequency cap, dispatch leases, idempotency and rate
	// limiting. Without it those features are off and the job status in
	// Postgres still guards against double dispatch.
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, leases, frequency cap and idempotency disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
		redisClient = nil
	}

	var (
		opts        dispatch.Options
		resolverCap audience.FrequencyCap
		retryLeases retry.Leases
		retryCap    retry.FrequencyRecorder
	)
	if redisClient != nil {
		a.redis = redisClient

		leases := redis.NewLeases(redisClient, logger)
		opts.Leases = leases
		retryLeases = leases

		if cfg.FreqCapLimit > 0 {
			freqCap := redis.NewFrequencyCap(redisClient, logger, cfg.FreqCapLimit, cfg.FreqCapWindow)
			opts.FreqCap = freqCap
			resolverCap = freqCap
			retryCap = freqCap
		}

		a.Idempotency = redis.NewIdempotency(redisClient, logger)
		a.Limiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.APIRateLimit,
			Window: time.Minute,
		})
	}

	awsCfg, err := cfg.AWS(ctx)
	if err != nil {
		return err
	}

	base, err := newTransport(cfg, logger)
	if err != nil {
		return err
	}

	breakerCfg := circuitbreaker.DefaultConfig("telegram")
	breakerCfg.OnStateChange = func(name string, from, to circuitbreaker.State) {
		metrics.SetCircuitState(name, int(to))
	}
	a.Breaker = circuitbreaker.New(breakerCfg, logger)

	a.Coordinator = abtest.NewCoordinator(repo, logger)
	opts.Tests = a.Coordinator
	deliverer := delivery.New(
		transport.NewProtected(base, a.Breaker, logger),
		classify.New(),
		media.NewResolver(awsCfg, cfg.AWSEndpoint, cfg.MediaURLTTL, logger),
		a.Coordinator,
		delivery.Config{
			Rate:        cfg.DispatchGlobalRate,
			ThrottleMin: cfg.DispatchThrottleMin,
			ThrottleMax: cfg.DispatchThrottleMax,
		},
		logger,
	)

	policy := retry.Policy{
		BaseDelay:   cfg.RetryBaseDelay,
		Multiplier:  cfg.RetryMultiplier,
		MaxAttempts: cfg.RetryMaxAttempts,
		MaxDelay:    cfg.RetryMaxDelay,
	}
	if err := policy.Validate(); err != nil {
		return fmt.Errorf("invalid retry policy: %w", err)
	}

	if cfg.SNSTopicARN != "" {
		opts.Events = sns.NewPublisher(sns.NewClient(awsCfg, cfg.AWSEndpoint), cfg.SNSTopicARN, logger)
	}

	engineCfg := dispatch.DefaultConfig()
	engineCfg.PaceDelay = cfg.DispatchPaceDelay
	engineCfg.CancelCheckEvery = cfg.DispatchCancelCheckEvery
	engineCfg.FlushEvery = cfg.DispatchFlushEvery
	engineCfg.StaleAfter = cfg.DispatchStaleAfter
	engineCfg.Retry = policy

	resolver := audience.NewResolver(repo, repo, resolverCap, cfg.SystemRecipientIDs, logger)
	a.Engine = dispatch.NewEngine(repo, resolver, deliverer, opts, engineCfg, logger)
	a.Retries = retry.NewProcessor(repo, deliverer, policy, cfg.RetryBatchSize, retryLeases, retryCap, logger)
	a.Analytics = analytics.NewAggregator(repo, logger)

	if cfg.SQSQueueURL != "" {
		client := sqs.NewClient(awsCfg, cfg.AWSEndpoint)
		sqsCfg := sqs.Config{
			QueueURL:          cfg.SQSQueueURL,
			Endpoint:          cfg.AWSEndpoint,
			WaitSeconds:       20,
			VisibilitySeconds: 60,
		}
		a.Producer = sqs.NewProducer(client, sqsCfg, logger)
		a.Consumer = sqs.NewConsumer(client, sqsCfg, logger)
		logger.Info("dispatch triggers go through sqs", zap.String("queue_url", cfg.SQSQueueURL))
	}

	return nil
}

func newTransport(cfg *config.Config, logger *zap.Logger) (transport.Transport, error) {
	if cfg.TelegramBotToken == "" {
		logger.Warn("TELEGRAM_BOT_TOKEN not set, messages are only logged")
		return transport.NewLogTransport(logger), nil
	}
	tg, err := transport.NewTelegram(transport.TelegramConfig{
		Token:   cfg.TelegramBotToken,
		APIURL:  cfg.TelegramAPIURL,
		Timeout: cfg.TelegramTimeout,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram transport: %w", err)
	}
	return tg, nil
}

// Worker builds the background worker over the app's engine and queue.
func (a *App) Worker(cfg *config.Config) *worker.Worker {
	return worker.New(a.Engine, a.Retries, a.Consumer, worker.Config{
		DueSchedule:   cfg.WorkerDueSchedule,
		RetrySchedule: cfg.WorkerRetrySchedule,
		DueBatch:      cfg.WorkerDueBatch,
		MaxRunning:    cfg.WorkerMaxRunning,
	}, a.logger)
}

// Health pings Postgres and exports the pool size.
func (a *App) Health(ctx context.Context) error {
	metrics.SetDBConnections(int(a.DB.Pool().Stat().AcquiredConns()))
	return a.DB.Health(ctx)
}

func (a *App) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("failed to close redis", zap.Error(err))
		}
	}
	a.DB.Close()
}
