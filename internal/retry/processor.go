package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pnptv/herald/internal/db"
	"github.com/pnptv/herald/internal/delivery"
	"github.com/pnptv/herald/internal/metrics"
	"github.com/pnptv/herald/internal/redis"
)

// LeaseName guards the retry pass across replicas.
const LeaseName = "retry-pass"

type Store interface {
	GetJob(ctx context.Context, id uuid.UUID) (*db.Job, error)
	DueRetries(ctx context.Context, now time.Time, limit int) ([]*db.RetryEntry, error)
	SettleRetry(ctx context.Context, o db.RetryOutcome) error
}

// Sender is the shared send path.
type Sender interface {
	Prepare(ctx context.Context, job *db.Job) (*delivery.Plan, error)
	Deliver(ctx context.Context, plan *delivery.Plan, rc db.Recipient) delivery.Attempt
}

type Leases interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (string, error)
	Release(ctx context.Context, name, token string) error
}

// FrequencyRecorder notes a successful delivery against the recipient's cap.
type FrequencyRecorder interface {
	Record(ctx context.Context, recipientID int64, jobID string) error
}

// Result summarizes one pass.
type Result struct {
	Claimed      int `json:"claimed"`
	Sent         int `json:"sent"`
	Failed       int `json:"failed"`
	Rescheduled  int `json:"rescheduled"`
	DeadLettered int `json:"dead_lettered"`
	Skipped      int `json:"skipped"`
	Dropped      int `json:"dropped"`
	Errors       int `json:"errors"`
}

// Processor re-sends due retry entries through the same send path and
// classifier as the live loop.
type Processor struct {
	store     Store
	sender    Sender
	policy    Policy
	batchSize int
	leases    Leases
	freqCap   FrequencyRecorder
	logger    *zap.Logger
	now       func() time.Time
}

// NewProcessor builds a processor. leases and freqCap may be nil.
func NewProcessor(store Store, sender Sender, policy Policy, batchSize int, leases Leases, freqCap FrequencyRecorder, logger *zap.Logger) *Processor {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Processor{
		store:     store,
		sender:    sender,
		policy:    policy,
		batchSize: batchSize,
		leases:    leases,
		freqCap:   freqCap,
		logger:    logger,
		now:       time.Now,
	}
}

type jobPlan struct {
	plan *delivery.Plan
	err  error
}

// ProcessDue runs one pass over the due entries. A pass that finds the
// lease held elsewhere does nothing.
func (p *Processor) ProcessDue(ctx context.Context) (Result, error) {
	var res Result

	if p.leases != nil {
		token, err := p.leases.Acquire(ctx, LeaseName, 10*time.Minute)
		if errors.Is(err, redis.ErrLeaseHeld) {
			p.logger.Debug("retry pass already running elsewhere")
			return res, nil
		}
		if err != nil {
			// the claim query still keeps passes apart
			p.logger.Warn("retry lease unavailable, continuing without it", zap.Error(err))
		} else {
			defer func() {
				if err := p.leases.Release(context.WithoutCancel(ctx), LeaseName, token); err != nil {
					p.logger.Warn("failed to release retry lease", zap.Error(err))
				}
			}()
		}
	}

	entries, err := p.store.DueRetries(ctx, p.now(), p.batchSize)
	if err != nil {
		return res, fmt.Errorf("load due retries: %w", err)
	}
	res.Claimed = len(entries)

	plans := make(map[uuid.UUID]jobPlan)

	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}

		switch e.JobStatus {
		case db.JobSending:
			// the live run still owns this job's counters
			res.Skipped++
			continue
		case db.JobCancelled:
			if err := p.store.SettleRetry(ctx, abandon(e)); err != nil {
				p.logger.Error("failed to drop retry of cancelled job",
					zap.Error(err),
					zap.String("job_id", e.JobID.String()),
					zap.Int64("recipient_id", e.RecipientID),
				)
				res.Errors++
				continue
			}
			metrics.RecordRetryResult("dropped")
			res.Dropped++
			continue
		}

		jp, ok := plans[e.JobID]
		if !ok {
			jp = p.prepare(ctx, e.JobID)
			plans[e.JobID] = jp
		}
		if jp.err != nil {
			res.Errors++
			continue
		}

		att := p.sender.Deliver(ctx, jp.plan, db.Recipient{ID: e.RecipientID, Language: e.Language, Segment: e.Segment})
		if ctx.Err() != nil {
			break
		}

		outcome, result := p.settle(e, att)
		if err := p.store.SettleRetry(ctx, outcome); err != nil {
			p.logger.Error("failed to settle retry",
				zap.Error(err),
				zap.String("job_id", e.JobID.String()),
				zap.Int64("recipient_id", e.RecipientID),
			)
			res.Errors++
			continue
		}

		metrics.RecordDelivery(att.Status(), "retry")
		metrics.RecordRetryResult(result)

		switch result {
		case "sent":
			res.Sent++
			if p.freqCap != nil {
				if err := p.freqCap.Record(ctx, e.RecipientID, e.JobID.String()); err != nil {
					p.logger.Warn("failed to record frequency hit", zap.Error(err))
				}
			}
		case "failed":
			res.Failed++
		case "rescheduled":
			res.Rescheduled++
		case "dead_letter":
			res.DeadLettered++
		}
	}

	if res.Claimed > 0 {
		p.logger.Info("retry pass finished",
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

	return res, nil
}

func (p *Processor) prepare(ctx context.Context, jobID uuid.UUID) jobPlan {
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		p.logger.Error("failed to load job for retry", zap.Error(err), zap.String("job_id", jobID.String()))
		return jobPlan{err: err}
	}
	plan, err := p.sender.Prepare(ctx, job)
	if err != nil {
		p.logger.Error("failed to prepare job for retry", zap.Error(err), zap.String("job_id", jobID.String()))
		return jobPlan{err: err}
	}
	return jobPlan{plan: plan}
}

// settle decides what happens to an entry after its attempt.
func (p *Processor) settle(e *db.RetryEntry, att delivery.Attempt) (db.RetryOutcome, string) {
	rec := delivery.Record(e.JobID, e.RecipientID, att)
	out := db.RetryOutcome{
		Entry:        e,
		Status:       rec.Status,
		MessageID:    rec.MessageID,
		ErrorCode:    rec.ErrorCode,
		ErrorMessage: rec.ErrorMessage,
	}

	switch {
	case att.Err == nil:
		return out, "sent"
	case !att.Outcome.Kind.Retryable():
		return out, "failed"
	case !p.policy.Exhausted(e.Attempt):
		next := p.now().Add(p.policy.Delay(e.Attempt))
		out.Reschedule = &next
		return out, "rescheduled"
	default:
		out.Status = db.DeliveryFailed
		out.DeadLetter = true
		return out, "dead_letter"
	}
}

// cancelledReason is recorded on records whose retry was dropped because
// the job was cancelled.
const cancelledReason = "broadcast cancelled before retry"

// abandon closes an entry of a cancelled job: the record becomes failed and
// a dead letter keeps the audit trail.
func abandon(e *db.RetryEntry) db.RetryOutcome {
	reason := cancelledReason
	return db.RetryOutcome{
		Entry:        e,
		Status:       db.DeliveryFailed,
		ErrorMessage: &reason,
		DeadLetter:   true,
		Abandoned:    true,
	}
}
