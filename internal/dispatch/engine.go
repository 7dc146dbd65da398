// Package dispatch owns the broadcast job lifecycle and runs the delivery
// loop for a job: draft or scheduled, then sending, then completed, failed
// or cancelled.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pnptv/herald/internal/abtest"
	"github.com/pnptv/herald/internal/db"
	"github.com/pnptv/herald/internal/delivery"
	"github.com/pnptv/herald/internal/redis"
	"github.com/pnptv/herald/internal/retry"
)

var (
	ErrJobNotFound    = errors.New("broadcast not found")
	ErrNotCancellable = errors.New("broadcast can no longer be cancelled")
	ErrInvalidJob     = errors.New("invalid broadcast")
)

// Store is the job and delivery record store.
type Store interface {
	CreateJob(ctx context.Context, job *db.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*db.Job, error)
	GetJobStatus(ctx context.Context, id uuid.UUID) (string, error)
	ClaimJob(ctx context.Context, id uuid.UUID, staleBefore time.Time) (*db.Job, bool, error)
	UpdateProgress(ctx context.Context, id uuid.UUID, c db.Counters) error
	FinishJob(ctx context.Context, id uuid.UUID, status string, lastError *string) (bool, error)
	CancelJob(ctx context.Context, id uuid.UUID, by int64, reason string) (bool, error)
	DueJobs(ctx context.Context, now, staleBefore time.Time, limit int) ([]uuid.UUID, error)

	DeliveredRecipients(ctx context.Context, jobID uuid.UUID) (map[int64]struct{}, error)
	CountDeliveries(ctx context.Context, jobID uuid.UUID) (db.Counters, error)
	UpsertDelivery(ctx context.Context, rec *db.DeliveryRecord) error
	EnqueueRetry(ctx context.Context, e *db.RetryEntry) error
}

type Resolver interface {
	Resolve(ctx context.Context, job *db.Job) ([]db.Recipient, error)
}

// Sender is the shared send path.
type Sender interface {
	Prepare(ctx context.Context, job *db.Job) (*delivery.Plan, error)
	Deliver(ctx context.Context, plan *delivery.Plan, rc db.Recipient) delivery.Attempt
}

// Leases keeps two processes from running the same job at once.
type Leases interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (string, error)
	Extend(ctx context.Context, name, token string, ttl time.Duration) error
	Release(ctx context.Context, name, token string) error
}

type FrequencyRecorder interface {
	Record(ctx context.Context, recipientID int64, jobID string) error
}

// TestLoader reads the A/B test a new job refers to.
type TestLoader interface {
	Load(ctx context.Context, testID uuid.UUID) (*abtest.Test, error)
}

// EventPublisher announces lifecycle transitions.
type EventPublisher interface {
	PublishJobEvent(ctx context.Context, evt db.JobEvent) error
}

// Config tunes the run loop.
type Config struct {
	// PaceDelay is slept between recipients.
	PaceDelay time.Duration
	// CancelCheckEvery re-reads the job status every N recipients,
	// starting with the first.
	CancelCheckEvery int
	// FlushEvery writes counters every N recipients and after the last.
	FlushEvery int
	// HeartbeatEvery forces a flush when this much time passed since the
	// last one, so slow runs are not mistaken for dead ones.
	HeartbeatEvery time.Duration
	// StaleAfter is how long a sending job may go without a heartbeat
	// before another trigger may take it over.
	StaleAfter time.Duration
	// LeaseTTL bounds the dispatch lease; it is extended on every flush.
	LeaseTTL time.Duration
	Retry    retry.Policy
}

// DefaultConfig matches the service defaults.
func DefaultConfig() Config {
	return Config{
		PaceDelay:        50 * time.Millisecond,
		CancelCheckEvery: 10,
		FlushEvery:       10,
		HeartbeatEvery:   time.Minute,
		StaleAfter:       10 * time.Minute,
		LeaseTTL:         5 * time.Minute,
		Retry:            retry.DefaultPolicy(),
	}
}

// Engine creates, dispatches and cancels broadcast jobs.
type Engine struct {
	store    Store
	resolver Resolver
	sender   Sender
	leases   Leases
	freqCap  FrequencyRecorder
	events   EventPublisher
	tests    TestLoader
	cfg      Config
	logger   *zap.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Options carries the optional collaborators.
type Options struct {
	Leases  Leases
	FreqCap FrequencyRecorder
	Events  EventPublisher
	Tests   TestLoader
}

func NewEngine(store Store, resolver Resolver, sender Sender, opts Options, cfg Config, logger *zap.Logger) *Engine {
	if cfg.CancelCheckEvery <= 0 {
		cfg.CancelCheckEvery = 10
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = 10
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	if cfg.HeartbeatEvery <= 0 || cfg.HeartbeatEvery > cfg.StaleAfter/2 {
		cfg.HeartbeatEvery = cfg.StaleAfter / 2
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 5 * time.Minute
	}

	return &Engine{
		store:    store,
		resolver: resolver,
		sender:   sender,
		leases:   opts.Leases,
		freqCap:  opts.FreqCap,
		events:   opts.Events,
		tests:    opts.Tests,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (e *Engine) staleBefore() time.Time {
	return e.now().Add(-e.cfg.StaleAfter)
}

func (e *Engine) getJob(ctx context.Context, id uuid.UUID) (*db.Job, error) {
	job, err := e.store.GetJob(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// dispatchable reports whether a run may start: the job is waiting, or its
// previous run stopped heartbeating.
func dispatchable(job *db.Job, staleBefore time.Time) bool {
	switch job.Status {
	case db.JobDraft, db.JobScheduled:
		return true
	case db.JobSending:
		return job.HeartbeatAt == nil || job.HeartbeatAt.Before(staleBefore)
	default:
		return false
	}
}

// Dispatch runs the job to completion in the calling goroutine. Calling it
// for a job that is already running or finished returns the current
// progress without doing anything, so every trigger is safe to repeat.
func (e *Engine) Dispatch(ctx context.Context, id uuid.UUID) (db.Progress, error) {
	job, err := e.getJob(ctx, id)
	if err != nil {
		return db.Progress{}, err
	}

	staleBefore := e.staleBefore()
	if !dispatchable(job, staleBefore) {
		e.logger.Debug("broadcast not dispatchable",
			zap.String("job_id", id.String()),
			zap.String("status", job.Status),
		)
		return job.Progress(), nil
	}

	lease, ok := e.acquireLease(ctx, id)
	if !ok {
		return job.Progress(), nil
	}
	defer lease.release(ctx)

	recipients, err := e.resolver.Resolve(ctx, job)
	if err != nil {
		e.logger.Error("recipient resolution failed, broadcast left unchanged",
			zap.Error(err),
			zap.String("job_id", id.String()),
		)
		return job.Progress(), fmt.Errorf("resolve recipients: %w", err)
	}

	claimed, ok, err := e.store.ClaimJob(ctx, id, staleBefore)
	if err != nil {
		return job.Progress(), fmt.Errorf("claim broadcast: %w", err)
	}
	if !ok {
		e.logger.Info("broadcast claimed by another trigger", zap.String("job_id", id.String()))
		current, err := e.getJob(ctx, id)
		if err != nil {
			return job.Progress(), nil
		}
		return current.Progress(), nil
	}

	resumed := job.Status == db.JobSending
	e.logger.Info("broadcast dispatch started",
		zap.String("job_id", id.String()),
		zap.Int("recipients", len(recipients)),
		zap.Bool("resumed", resumed),
	)

	r := &run{
		engine: e,
		job:    claimed,
		lease:  lease,
	}
	return r.execute(ctx, recipients)
}

// Cancel stops a job that has not reached a terminal status. A running
// loop notices at its next status check; Cancel does not wait for it.
func (e *Engine) Cancel(ctx context.Context, id uuid.UUID, by int64, reason string) error {
	ok, err := e.store.CancelJob(ctx, id, by, reason)
	if err != nil {
		return fmt.Errorf("cancel broadcast: %w", err)
	}
	if !ok {
		job, err := e.getJob(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: status is %s", ErrNotCancellable, job.Status)
	}

	e.logger.Info("broadcast cancelled",
		zap.String("job_id", id.String()),
		zap.Int64("cancelled_by", by),
		zap.String("reason", reason),
	)

	if job, err := e.store.GetJob(ctx, id); err == nil {
		e.publish(ctx, db.EventCancelled, job, job.Counters, "")
	}
	return nil
}

// Progress reads the job's persisted counters.
func (e *Engine) Progress(ctx context.Context, id uuid.UUID) (db.Progress, error) {
	job, err := e.getJob(ctx, id)
	if err != nil {
		return db.Progress{}, err
	}
	return job.Progress(), nil
}

// DueJobs lists scheduled jobs that are due and sending jobs whose run
// stopped heartbeating.
func (e *Engine) DueJobs(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	ids, err := e.store.DueJobs(ctx, now, now.Add(-e.cfg.StaleAfter), limit)
	if err != nil {
		return nil, fmt.Errorf("list due broadcasts: %w", err)
	}
	return ids, nil
}

func (e *Engine) publish(ctx context.Context, typ string, job *db.Job, c db.Counters, errMsg string) {
	if e.events == nil {
		return
	}
	evt := db.JobEvent{
		Type:     typ,
		JobID:    job.ID,
		Title:    job.Title,
		Status:   job.Status,
		Counters: c,
		Error:    errMsg,
		At:       e.now(),
	}
	if err := e.events.PublishJobEvent(context.WithoutCancel(ctx), evt); err != nil {
		e.logger.Warn("failed to publish broadcast event",
			zap.Error(err),
			zap.String("job_id", job.ID.String()),
			zap.String("event", typ),
		)
	}
}

// heldLease is a dispatch lease; the zero value means none is held.
type heldLease struct {
	e     *Engine
	name  string
	token string
}

func (e *Engine) acquireLease(ctx context.Context, id uuid.UUID) (*heldLease, bool) {
	if e.leases == nil {
		return &heldLease{}, true
	}

	name := "dispatch:" + id.String()
	token, err := e.leases.Acquire(ctx, name, e.cfg.LeaseTTL)
	if errors.Is(err, redis.ErrLeaseHeld) {
		e.logger.Info("broadcast lease held elsewhere", zap.String("job_id", id.String()))
		return nil, false
	}
	if err != nil {
		// the guarded claim still prevents a second run
		e.logger.Warn("dispatch lease unavailable, continuing without it",
			zap.Error(err),
			zap.String("job_id", id.String()),
		)
		return &heldLease{}, true
	}
	return &heldLease{e: e, name: name, token: token}, true
}

func (l *heldLease) extend(ctx context.Context) {
	if l.token == "" {
		return
	}
	if err := l.e.leases.Extend(ctx, l.name, l.token, l.e.cfg.LeaseTTL); err != nil {
		l.e.logger.Warn("failed to extend dispatch lease", zap.Error(err), zap.String("lease", l.name))
	}
}

func (l *heldLease) release(ctx context.Context) {
	if l.token == "" {
		return
	}
	if err := l.e.leases.Release(context.WithoutCancel(ctx), l.name, l.token); err != nil {
		l.e.logger.Warn("failed to release dispatch lease", zap.Error(err), zap.String("lease", l.name))
	}
}
