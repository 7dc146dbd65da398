package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// EnqueueRetry adds a retryable delivery to the queue. Re-enqueueing the same
// pair (a resumed run) replaces the schedule.
func (r *Repository) EnqueueRetry(ctx context.Context, e *RetryEntry) error {
	query := `
		INSERT INTO broadcast_retries (
			job_id, recipient_id, attempt, next_eligible_at, multiplier, last_error
		) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (job_id, recipient_id) DO UPDATE SET
			attempt = EXCLUDED.attempt,
			next_eligible_at = EXCLUDED.next_eligible_at,
			multiplier = EXCLUDED.multiplier,
			last_error = EXCLUDED.last_error,
			updated_at = NOW()
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		e.JobID, e.RecipientID, e.Attempt, e.NextEligibleAt, e.Multiplier, e.LastError,
	).Scan(&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		r.logger.Error("failed to enqueue retry",
			zap.Error(err),
			zap.String("job_id", e.JobID.String()),
			zap.Int64("recipient_id", e.RecipientID),
		)
		return fmt.Errorf("insert retry entry: %w", err)
	}

	return nil
}

// retryClaimWindow hides claimed entries from other passes until the
// claiming pass settles them or the window runs out.
const retryClaimWindow = 5 * time.Minute

// DueRetries claims entries whose next attempt time has passed, oldest
// first, together with the recipient snapshot and the job status. Claimed
// entries are pushed out by retryClaimWindow so concurrent passes skip them.
func (r *Repository) DueRetries(ctx context.Context, now time.Time, limit int) ([]*RetryEntry, error) {
	query := `
		WITH due AS (
			SELECT job_id, recipient_id
			FROM broadcast_retries
			WHERE next_eligible_at <= $1
			ORDER BY next_eligible_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		), claimed AS (
			UPDATE broadcast_retries rt
			SET next_eligible_at = $3
			FROM due
			WHERE rt.job_id = due.job_id AND rt.recipient_id = due.recipient_id
			RETURNING rt.job_id, rt.recipient_id, rt.attempt, rt.multiplier, rt.last_error,
				rt.created_at, rt.updated_at
		)
		SELECT
			c.job_id, c.recipient_id, c.attempt, c.multiplier, c.last_error,
			c.created_at, c.updated_at,
			d.language, d.segment, b.status
		FROM claimed c
		JOIN broadcast_deliveries d ON d.job_id = c.job_id AND d.recipient_id = c.recipient_id
		JOIN broadcasts b ON b.id = c.job_id
		ORDER BY c.created_at ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, now, limit, now.Add(retryClaimWindow))
	if err != nil {
		return nil, fmt.Errorf("query due retries: %w", err)
	}
	defer rows.Close()

	var entries []*RetryEntry
	for rows.Next() {
		e := RetryEntry{NextEligibleAt: now}
		err := rows.Scan(
			&e.JobID, &e.RecipientID, &e.Attempt, &e.Multiplier, &e.LastError,
			&e.CreatedAt, &e.UpdatedAt,
			&e.Language, &e.Segment, &e.JobStatus,
		)
		if err != nil {
			return nil, fmt.Errorf("scan retry entry: %w", err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate retry entries: %w", err)
	}

	return entries, nil
}

// SettleRetry applies the outcome of a retry attempt in one transaction:
// the delivery record takes the new status, the entry is rescheduled or
// removed, exhausted entries get a dead letter row and the job counters
// move between buckets when the status changed bucket.
func (r *Repository) SettleRetry(ctx context.Context, o RetryOutcome) error {
	e := o.Entry
	attempts := e.Attempt + 1
	if o.Abandoned {
		attempts = e.Attempt
	}

	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var previous string
	err = tx.QueryRow(ctx, `
		SELECT status FROM broadcast_deliveries
		WHERE job_id = $1 AND recipient_id = $2
		FOR UPDATE
	`, e.JobID, e.RecipientID).Scan(&previous)
	if isNoRows(err) {
		return fmt.Errorf("delivery %s/%d: %w", e.JobID, e.RecipientID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("lock delivery: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE broadcast_deliveries
		SET status = $3,
			message_id = COALESCE($4, message_id),
			error_code = $5,
			error_message = $6,
			attempts = GREATEST(attempts, $7),
			updated_at = NOW()
		WHERE job_id = $1 AND recipient_id = $2
	`, e.JobID, e.RecipientID, o.Status, o.MessageID, o.ErrorCode, o.ErrorMessage, attempts)
	if err != nil {
		return fmt.Errorf("update delivery: %w", err)
	}

	if o.Reschedule != nil {
		lastError := ""
		if o.ErrorMessage != nil {
			lastError = *o.ErrorMessage
		}
		_, err = tx.Exec(ctx, `
			UPDATE broadcast_retries
			SET attempt = attempt + 1,
				next_eligible_at = $3,
				last_error = $4,
				updated_at = NOW()
			WHERE job_id = $1 AND recipient_id = $2
		`, e.JobID, e.RecipientID, *o.Reschedule, lastError)
		if err != nil {
			return fmt.Errorf("reschedule retry entry: %w", err)
		}
	} else {
		_, err = tx.Exec(ctx,
			`DELETE FROM broadcast_retries WHERE job_id = $1 AND recipient_id = $2`, e.JobID, e.RecipientID)
		if err != nil {
			return fmt.Errorf("delete retry entry: %w", err)
		}
	}

	if o.DeadLetter {
		lastError := e.LastError
		if o.ErrorMessage != nil {
			lastError = *o.ErrorMessage
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO broadcast_dead_letters (id, job_id, recipient_id, attempts, last_status, last_error)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, uuid.New(), e.JobID, e.RecipientID, attempts, previous, lastError)
		if err != nil {
			return fmt.Errorf("insert dead letter: %w", err)
		}
	}

	if delta := CounterDelta(previous, o.Status); !delta.IsZero() {
		_, err = tx.Exec(ctx, `
			UPDATE broadcasts
			SET sent_count = sent_count + $2,
				failed_count = failed_count + $3,
				blocked_count = blocked_count + $4,
				deactivated_count = deactivated_count + $5,
				error_count = error_count + $6,
				updated_at = NOW()
			WHERE id = $1
		`, e.JobID, delta.Sent, delta.Failed, delta.Blocked, delta.Deactivated, delta.Error)
		if err != nil {
			return fmt.Errorf("adjust broadcast counters: %w", err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	if o.DeadLetter {
		r.logger.Info("retry entry dead-lettered",
			zap.String("job_id", e.JobID.String()),
			zap.Int64("recipient_id", e.RecipientID),
			zap.Int("attempts", attempts),
			zap.Bool("abandoned", o.Abandoned),
		)
	}

	return nil
}

// ListDeadLetters retrieves exhausted retries for a job, newest first.
func (r *Repository) ListDeadLetters(ctx context.Context, jobID uuid.UUID, limit, offset int) ([]*DeadLetter, error) {
	query := `
		SELECT id, job_id, recipient_id, attempts, last_status, last_error, created_at
		FROM broadcast_dead_letters
		WHERE job_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, jobID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var items []*DeadLetter
	for rows.Next() {
		var dl DeadLetter
		if err := rows.Scan(&dl.ID, &dl.JobID, &dl.RecipientID, &dl.Attempts, &dl.LastStatus, &dl.LastError, &dl.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		items = append(items, &dl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}

	return items, nil
}
