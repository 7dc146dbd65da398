package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pnptv/herald/internal/db"
	"github.com/pnptv/herald/internal/delivery"
	"github.com/pnptv/herald/internal/metrics"
)

// errInterrupted stops the loop when the caller's context ends. The job
// stays in sending and is resumed once its heartbeat goes stale.
var errInterrupted = errors.New("dispatch interrupted")

// run is one execution of the delivery loop for a claimed job.
type run struct {
	engine    *Engine
	job       *db.Job
	lease     *heldLease
	counters  db.Counters
	lastFlush time.Time
}

func (r *run) log() *zap.Logger {
	return r.engine.logger.With(zap.String("job_id", r.job.ID.String()))
}

func (r *run) execute(ctx context.Context, recipients []db.Recipient) (prog db.Progress, err error) {
	e := r.engine
	metrics.JobStarted()
	defer metrics.JobStopped()

	e.publish(ctx, db.EventStarted, r.job, r.job.Counters, "")

	defer func() {
		if p := recover(); p != nil {
			r.log().Error("dispatch run panicked", zap.Any("panic", p), zap.Stack("stack"))
			prog, err = r.fail(ctx, fmt.Errorf("panic: %v", p))
		}
	}()

	status, err := r.loop(ctx, recipients)
	switch {
	case errors.Is(err, errInterrupted):
		r.flushDetached(ctx)
		r.log().Warn("dispatch interrupted, job left in sending", zap.Error(ctx.Err()))
		return r.progress(db.JobSending), ctx.Err()
	case err != nil:
		return r.fail(ctx, err)
	case status == db.JobCancelled:
		r.flushDetached(ctx)
		metrics.RecordJobFinished(db.JobCancelled)
		r.log().Info("dispatch stopped on cancellation", zap.String("summary", r.counters.Summary()))
		return r.progress(db.JobCancelled), nil
	}

	return r.complete(ctx)
}

// loop delivers to every recipient without a record yet. It returns the
// cancelled status when the job was cancelled underneath it.
func (r *run) loop(ctx context.Context, recipients []db.Recipient) (string, error) {
	e := r.engine
	store := e.store
	id := r.job.ID

	plan, err := e.sender.Prepare(ctx, r.job)
	if err != nil {
		return "", fmt.Errorf("prepare broadcast: %w", err)
	}

	delivered, err := store.DeliveredRecipients(ctx, id)
	if err != nil {
		return "", fmt.Errorf("load delivered recipients: %w", err)
	}
	pending := make([]db.Recipient, 0, len(recipients))
	for _, rc := range recipients {
		if _, done := delivered[rc.ID]; !done {
			pending = append(pending, rc)
		}
	}

	r.counters, err = store.CountDeliveries(ctx, id)
	if err != nil {
		return "", fmt.Errorf("count deliveries: %w", err)
	}
	r.counters.Total = r.counters.Attempted() + len(pending)
	if len(delivered) > 0 {
		r.log().Info("resuming broadcast",
			zap.Int("already_delivered", len(delivered)),
			zap.Int("pending", len(pending)),
		)
	}
	if err := r.flush(ctx); err != nil {
		return "", err
	}

	for i, rc := range pending {
		if i%e.cfg.CancelCheckEvery == 0 {
			status, err := store.GetJobStatus(ctx, id)
			if err != nil {
				if ctx.Err() != nil {
					return "", errInterrupted
				}
				return "", fmt.Errorf("check broadcast status: %w", err)
			}
			if status != db.JobSending {
				return db.JobCancelled, nil
			}
		}
		if ctx.Err() != nil {
			return "", errInterrupted
		}

		att := e.sender.Deliver(ctx, plan, rc)
		if att.Err != nil && ctx.Err() != nil {
			// not recorded, so the resumed run sends it again
			return "", errInterrupted
		}

		if err := r.record(ctx, rc, att); err != nil {
			return "", err
		}

		last := i == len(pending)-1
		if last || (i+1)%e.cfg.FlushEvery == 0 || e.now().Sub(r.lastFlush) >= e.cfg.HeartbeatEvery {
			if err := r.flush(ctx); err != nil {
				return "", err
			}
		}

		if !last {
			if err := e.sleep(ctx, e.cfg.PaceDelay); err != nil {
				return "", errInterrupted
			}
		}
	}
	return db.JobSending, nil
}

// record persists one attempt and accounts it.
func (r *run) record(ctx context.Context, rc db.Recipient, att delivery.Attempt) error {
	e := r.engine
	// a send that went out is recorded even if the caller is leaving
	wctx := context.WithoutCancel(ctx)

	if err := e.store.UpsertDelivery(wctx, delivery.Record(r.job.ID, rc.ID, att)); err != nil {
		return fmt.Errorf("record delivery for %d: %w", rc.ID, err)
	}

	if att.Outcome.Kind.Retryable() {
		lastErr := att.Status()
		if att.Err != nil {
			lastErr = att.Err.Error()
		}
		entry := e.cfg.Retry.NewEntry(r.job.ID, rc.ID, lastErr, e.now())
		if err := e.store.EnqueueRetry(wctx, entry); err != nil {
			return fmt.Errorf("enqueue retry for %d: %w", rc.ID, err)
		}
	}

	status := att.Status()
	if status == db.DeliverySent && e.freqCap != nil {
		if err := e.freqCap.Record(wctx, rc.ID, r.job.ID.String()); err != nil {
			r.log().Warn("failed to record frequency cap", zap.Error(err), zap.Int64("recipient_id", rc.ID))
		}
	}

	r.counters.Record(status)
	metrics.RecordDelivery(status, "live")
	return nil
}

// flush persists the counters, which also refreshes the heartbeat.
func (r *run) flush(ctx context.Context) error {
	if err := r.engine.store.UpdateProgress(ctx, r.job.ID, r.counters); err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	r.lastFlush = r.engine.now()
	r.lease.extend(ctx)
	return nil
}

func (r *run) flushDetached(ctx context.Context) {
	if err := r.flush(context.WithoutCancel(ctx)); err != nil {
		r.log().Error("failed to flush counters", zap.Error(err))
	}
}

func (r *run) complete(ctx context.Context) (db.Progress, error) {
	e := r.engine
	ok, err := e.store.FinishJob(ctx, r.job.ID, db.JobCompleted, nil)
	if err != nil {
		return r.fail(ctx, fmt.Errorf("finish broadcast: %w", err))
	}
	if !ok {
		// cancelled between the last status check and the finish
		metrics.RecordJobFinished(db.JobCancelled)
		return r.progress(db.JobCancelled), nil
	}

	metrics.RecordJobFinished(db.JobCompleted)
	r.job.Status = db.JobCompleted
	e.publish(ctx, db.EventCompleted, r.job, r.counters, "")

	r.log().Info("broadcast completed",
		zap.Int("total", r.counters.Total),
		zap.String("summary", r.counters.Summary()),
	)
	return r.progress(db.JobCompleted), nil
}

// fail records a loop-level error. The job keeps the counters it reached.
func (r *run) fail(ctx context.Context, cause error) (db.Progress, error) {
	e := r.engine
	wctx := context.WithoutCancel(ctx)
	msg := cause.Error()

	r.log().Error("broadcast failed", zap.Error(cause), zap.String("summary", r.counters.Summary()))

	if err := e.store.UpdateProgress(wctx, r.job.ID, r.counters); err != nil {
		r.log().Warn("failed to flush counters after failure", zap.Error(err))
	}
	ok, err := e.store.FinishJob(wctx, r.job.ID, db.JobFailed, &msg)
	if err != nil {
		r.log().Error("failed to mark broadcast failed", zap.Error(err))
		return r.progress(db.JobSending), cause
	}
	if !ok {
		return r.progress(db.JobCancelled), cause
	}

	metrics.RecordJobFinished(db.JobFailed)
	r.job.Status = db.JobFailed
	e.publish(ctx, db.EventFailed, r.job, r.counters, msg)
	return r.progress(db.JobFailed), cause
}

func (r *run) progress(status string) db.Progress {
	return db.Progress{
		JobID:      r.job.ID,
		Counters:   r.counters,
		Percentage: r.counters.Percentage(),
		Status:     status,
		Summary:    r.counters.Summary(),
	}
}
