// Package worker starts dispatch runs: on demand, on a schedule for due
// and stale jobs, and from the SQS trigger queue. It also drives the
// periodic retry pass.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/pnptv/herald/internal/db"
	"github.com/pnptv/herald/internal/metrics"
	"github.com/pnptv/herald/internal/retry"
	"github.com/pnptv/herald/internal/sqs"
)

var (
	ErrAlreadyRunning = errors.New("broadcast already running in this process")
	ErrAtCapacity     = errors.New("worker at capacity")
)

type Dispatcher interface {
	Dispatch(ctx context.Context, id uuid.UUID) (db.Progress, error)
	DueJobs(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
}

type RetryProcessor interface {
	ProcessDue(ctx context.Context) (retry.Result, error)
}

// TriggerQueue is the consuming side of the dispatch trigger queue.
type TriggerQueue interface {
	Receive(ctx context.Context, max int32) ([]sqs.Trigger, error)
	Delete(ctx context.Context, receiptHandle string) error
	Release(ctx context.Context, receiptHandle string) error
}

type Config struct {
	DueSchedule   string
	RetrySchedule string
	DueBatch      int
	MaxRunning    int
}

// Worker runs jobs in their own goroutines. The running set only stops
// this process from starting a job twice; the job's persisted status
// decides whether a run actually happens.
type Worker struct {
	dispatcher Dispatcher
	retries    RetryProcessor
	queue      TriggerQueue
	config     Config
	logger     *zap.Logger

	mu      sync.Mutex
	running map[uuid.UUID]struct{}
	wg      sync.WaitGroup

	// runs outlive the request that triggered them
	runCtx    context.Context
	cancelRun context.CancelFunc

	cron *cron.Cron
}

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// New creates a worker. retries and queue may be nil.
func New(dispatcher Dispatcher, retries RetryProcessor, queue TriggerQueue, cfg Config, logger *zap.Logger) *Worker {
	if cfg.DueSchedule == "" {
		cfg.DueSchedule = "@every 30s"
	}
	if cfg.RetrySchedule == "" {
		cfg.RetrySchedule = "@every 1m"
	}
	if cfg.DueBatch <= 0 {
		cfg.DueBatch = 20
	}
	if cfg.MaxRunning <= 0 {
		cfg.MaxRunning = 8
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		dispatcher: dispatcher,
		retries:    retries,
		queue:      queue,
		config:     cfg,
		logger:     logger,
		running:    make(map[uuid.UUID]struct{}),
		runCtx:     ctx,
		cancelRun:  cancel,
	}
}

// Trigger starts a dispatch run for the job in the background.
func (w *Worker) Trigger(id uuid.UUID, source string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.running[id]; ok {
		return ErrAlreadyRunning
	}
	if len(w.running) >= w.config.MaxRunning {
		return ErrAtCapacity
	}
	if w.runCtx.Err() != nil {
		return fmt.Errorf("worker stopped: %w", w.runCtx.Err())
	}

	w.running[id] = struct{}{}
	w.wg.Add(1)
	metrics.RecordTrigger(source)

	go func() {
		defer w.wg.Done()
		defer func() {
			w.mu.Lock()
			delete(w.running, id)
			w.mu.Unlock()
		}()

		prog, err := w.dispatcher.Dispatch(w.runCtx, id)
		if err != nil {
			w.logger.Error("dispatch run ended with error",
				zap.Error(err),
				zap.String("job_id", id.String()),
				zap.String("source", source),
			)
			return
		}
		w.logger.Info("dispatch run returned",
			zap.String("job_id", id.String()),
			zap.String("source", source),
			zap.String("status", prog.Status),
			zap.String("summary", prog.Summary),
		)
	}()

	return nil
}

// Running lists the jobs this process is running.
func (w *Worker) Running() []uuid.UUID {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(w.running))
	for id := range w.running {
		ids = append(ids, id)
	}
	return ids
}

// PollDue triggers scheduled jobs whose time has come and sending jobs
// whose run died.
func (w *Worker) PollDue(ctx context.Context) {
	ids, err := w.dispatcher.DueJobs(ctx, time.Now(), w.config.DueBatch)
	if err != nil {
		w.logger.Error("failed to list due broadcasts", zap.Error(err))
		return
	}

	for _, id := range ids {
		err := w.Trigger(id, "schedule")
		switch {
		case errors.Is(err, ErrAlreadyRunning):
		case errors.Is(err, ErrAtCapacity):
			w.logger.Info("worker at capacity, due broadcasts wait for the next poll",
				zap.Int("running", w.config.MaxRunning),
			)
			return
		case err != nil:
			w.logger.Warn("failed to trigger due broadcast", zap.Error(err), zap.String("job_id", id.String()))
		}
	}
}

// RunRetries runs one retry pass.
func (w *Worker) RunRetries(ctx context.Context) {
	if w.retries == nil {
		return
	}
	res, err := w.retries.ProcessDue(ctx)
	if err != nil {
		w.logger.Error("retry pass failed", zap.Error(err))
		return
	}
	if res.Claimed > 0 {
		w.logger.Info("retry pass finished",
			zap.Int("claimed", res.Claimed),
			zap.Int("sent", res.Sent),
			zap.Int("failed", res.Failed),
			zap.Int("rescheduled", res.Rescheduled),
			zap.Int("dead_lettered", res.DeadLettered),
			zap.Int("skipped", res.Skipped),
			zap.Int("dropped", res.Dropped),
			zap.Int("errors", res.Errors),
		)
	}
}

// ConsumeTriggers reads the trigger queue until ctx ends. Triggers this
// process cannot take are released back to the queue.
func (w *Worker) ConsumeTriggers(ctx context.Context) {
	if w.queue == nil {
		return
	}
	w.logger.Info("consuming dispatch triggers")

	for ctx.Err() == nil {
		triggers, err := w.queue.Receive(ctx, 10)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("failed to receive triggers", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}

		for _, t := range triggers {
			w.handleTrigger(ctx, t)
		}
	}
}

func (w *Worker) handleTrigger(ctx context.Context, t sqs.Trigger) {
	err := w.Trigger(t.JobID, "sqs")
	if errors.Is(err, ErrAtCapacity) {
		if err := w.queue.Release(ctx, t.ReceiptHandle); err != nil {
			w.logger.Warn("failed to release trigger", zap.Error(err), zap.String("job_id", t.JobID.String()))
		}
		return
	}
	if err != nil && !errors.Is(err, ErrAlreadyRunning) {
		w.logger.Warn("failed to start triggered broadcast", zap.Error(err), zap.String("job_id", t.JobID.String()))
	}

	if err := w.queue.Delete(ctx, t.ReceiptHandle); err != nil {
		w.logger.Warn("failed to delete trigger", zap.Error(err), zap.String("job_id", t.JobID.String()))
	}
}

// Start registers the cron cadences and starts the trigger consumer.
func (w *Worker) Start(ctx context.Context) error {
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithChain(
			cron.Recover(cron.PrintfLogger(zap.NewStdLog(w.logger))),
			cron.SkipIfStillRunning(cron.DiscardLogger),
		),
	)

	if _, err := c.AddFunc(w.config.DueSchedule, func() { w.PollDue(ctx) }); err != nil {
		return fmt.Errorf("invalid due schedule %q: %w", w.config.DueSchedule, err)
	}
	if w.retries != nil {
		if _, err := c.AddFunc(w.config.RetrySchedule, func() { w.RunRetries(ctx) }); err != nil {
			return fmt.Errorf("invalid retry schedule %q: %w", w.config.RetrySchedule, err)
		}
	}

	w.cron = c
	c.Start()

	if w.queue != nil {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.ConsumeTriggers(ctx)
		}()
	}

	w.logger.Info("worker started",
		zap.String("due_schedule", w.config.DueSchedule),
		zap.String("retry_schedule", w.config.RetrySchedule),
		zap.Int("max_running", w.config.MaxRunning),
	)
	return nil
}

// Stop halts the cadences and interrupts running jobs. Interrupted jobs
// flush their counters and are resumed later by another process.
func (w *Worker) Stop(ctx context.Context) error {
	if w.cron != nil {
		<-w.cron.Stop().Done()
	}
	w.cancelRun()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("worker stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker stop: %w", ctx.Err())
	}
}
