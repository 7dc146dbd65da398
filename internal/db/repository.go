package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Repository handles database operations for broadcast jobs, their
// delivery records, retry queue, A/B tests and analytics.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new broadcast repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

const jobColumns = `
	id, title, created_by, created_by_name,
	messages, parse_mode, buttons, media,
	target_type, include_filters, exclude_user_ids, segment_prefix, segment_suffix,
	ab_test_id, scheduled_at, status,
	total_recipients, sent_count, failed_count, blocked_count, deactivated_count, error_count,
	progress_percentage, last_error,
	started_at, completed_at, cancelled_at, cancelled_by, cancellation_reason, heartbeat_at,
	created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*Job, error) {
	var job Job
	var messages, buttons, media, filters, prefix, suffix []byte
	err := row.Scan(
		&job.ID, &job.Title, &job.CreatedBy, &job.CreatedByName,
		&messages, &job.ParseMode, &buttons, &media,
		&job.TargetType, &filters, &job.ExcludeUserIDs, &prefix, &suffix,
		&job.ABTestID, &job.ScheduledAt, &job.Status,
		&job.Counters.Total, &job.Counters.Sent, &job.Counters.Failed,
		&job.Counters.Blocked, &job.Counters.Deactivated, &job.Counters.Error,
		&job.ProgressPercentage, &job.LastError,
		&job.StartedAt, &job.CompletedAt, &job.CancelledAt, &job.CancelledBy, &job.CancellationReason, &job.HeartbeatAt,
		&job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	for _, f := range []struct {
		raw  []byte
		dest any
	}{
		{messages, &job.Messages},
		{buttons, &job.Buttons},
		{media, &job.Media},
		{filters, &job.IncludeFilters},
		{prefix, &job.SegmentPrefix},
		{suffix, &job.SegmentSuffix},
	} {
		if len(f.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(f.raw, f.dest); err != nil {
			return nil, fmt.Errorf("decode job %s: %w", job.ID, err)
		}
	}

	return &job, nil
}

// jsonOrNil marshals v, mapping empty values to SQL NULL.
func jsonOrNil(v any, empty bool) ([]byte, error) {
	if empty {
		return nil, nil
	}
	return json.Marshal(v)
}

// CreateJob inserts a new broadcast job
func (r *Repository) CreateJob(ctx context.Context, job *Job) error {
	messages, err := json.Marshal(job.Messages)
	if err != nil {
		return fmt.Errorf("encode messages: %w", err)
	}
	buttons, err := jsonOrNil(job.Buttons, len(job.Buttons) == 0)
	if err != nil {
		return fmt.Errorf("encode buttons: %w", err)
	}
	media, err := jsonOrNil(job.Media, job.Media == nil)
	if err != nil {
		return fmt.Errorf("encode media: %w", err)
	}
	filters := job.IncludeFilters
	if filters == nil {
		filters = map[string]string{}
	}
	filtersJSON, err := json.Marshal(filters)
	if err != nil {
		return fmt.Errorf("encode include filters: %w", err)
	}
	prefix, err := jsonOrNil(job.SegmentPrefix, len(job.SegmentPrefix) == 0)
	if err != nil {
		return fmt.Errorf("encode segment prefix: %w", err)
	}
	suffix, err := jsonOrNil(job.SegmentSuffix, len(job.SegmentSuffix) == 0)
	if err != nil {
		return fmt.Errorf("encode segment suffix: %w", err)
	}
	exclude := job.ExcludeUserIDs
	if exclude == nil {
		exclude = []int64{}
	}

	query := `
		INSERT INTO broadcasts (
			id, title, created_by, created_by_name,
			messages, parse_mode, buttons, media,
			target_type, include_filters, exclude_user_ids, segment_prefix, segment_suffix,
			ab_test_id, scheduled_at, status
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16
		)
		RETURNING created_at, updated_at
	`

	err = r.db.Pool().QueryRow(ctx, query,
		job.ID, job.Title, job.CreatedBy, job.CreatedByName,
		messages, job.ParseMode, buttons, media,
		job.TargetType, filtersJSON, exclude, prefix, suffix,
		job.ABTestID, job.ScheduledAt, job.Status,
	).Scan(&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		r.logger.Error("failed to create broadcast",
			zap.Error(err),
			zap.String("job_id", job.ID.String()),
		)
		return fmt.Errorf("insert broadcast: %w", err)
	}

	r.logger.Info("broadcast created",
		zap.String("job_id", job.ID.String()),
		zap.String("target_type", job.TargetType),
		zap.String("status", job.Status),
	)

	return nil
}

// GetJob retrieves a broadcast job by ID
func (r *Repository) GetJob(ctx context.Context, id uuid.UUID) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM broadcasts WHERE id = $1`

	job, err := scanJob(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("broadcast %s: %w", id, ErrNotFound)
	}
	if err != nil {
		r.logger.Error("failed to get broadcast",
			zap.Error(err),
			zap.String("job_id", id.String()),
		)
		return nil, fmt.Errorf("query broadcast: %w", err)
	}

	return job, nil
}

// GetJobStatus reads only the persisted status, used for cancellation checks.
func (r *Repository) GetJobStatus(ctx context.Context, id uuid.UUID) (string, error) {
	var status string
	err := r.db.Pool().QueryRow(ctx, `SELECT status FROM broadcasts WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("broadcast %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("query broadcast status: %w", err)
	}
	return status, nil
}

// ClaimJob moves a job into sending. Only draft and scheduled jobs, or a
// sending job whose heartbeat is older than staleBefore, can be claimed.
// Returns false when another caller already owns the run.
func (r *Repository) ClaimJob(ctx context.Context, id uuid.UUID, staleBefore time.Time) (*Job, bool, error) {
	query := `
		UPDATE broadcasts
		SET status = 'sending',
			started_at = COALESCE(started_at, NOW()),
			heartbeat_at = NOW(),
			last_error = NULL,
			updated_at = NOW()
		WHERE id = $1
			AND (status IN ('draft', 'scheduled')
				OR (status = 'sending' AND (heartbeat_at IS NULL OR heartbeat_at < $2)))
		RETURNING ` + jobColumns

	job, err := scanJob(r.db.Pool().QueryRow(ctx, query, id, staleBefore))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("claim broadcast: %w", err)
	}

	return job, true, nil
}

// UpdateProgress flushes the run's counters and refreshes the heartbeat.
// Status is never touched, so a concurrent cancellation survives.
func (r *Repository) UpdateProgress(ctx context.Context, id uuid.UUID, c Counters) error {
	query := `
		UPDATE broadcasts
		SET total_recipients = $2,
			sent_count = $3,
			failed_count = $4,
			blocked_count = $5,
			deactivated_count = $6,
			error_count = $7,
			progress_percentage = $8,
			heartbeat_at = NOW(),
			updated_at = NOW()
		WHERE id = $1
	`

	_, err := r.db.Pool().Exec(ctx, query, id,
		c.Total, c.Sent, c.Failed, c.Blocked, c.Deactivated, c.Error, c.Percentage())
	if err != nil {
		return fmt.Errorf("update broadcast progress: %w", err)
	}
	return nil
}

// FinishJob moves a sending job to a terminal status. A job that left
// sending in the meantime (cancelled) is left alone and false is returned.
func (r *Repository) FinishJob(ctx context.Context, id uuid.UUID, status string, lastError *string) (bool, error) {
	query := `
		UPDATE broadcasts
		SET status = $2,
			last_error = $3,
			completed_at = NOW(),
			updated_at = NOW()
		WHERE id = $1 AND status = 'sending'
	`

	result, err := r.db.Pool().Exec(ctx, query, id, status, lastError)
	if err != nil {
		return false, fmt.Errorf("finish broadcast: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// CancelJob marks a job cancelled if it has not reached a terminal status.
func (r *Repository) CancelJob(ctx context.Context, id uuid.UUID, by int64, reason string) (bool, error) {
	query := `
		UPDATE broadcasts
		SET status = 'cancelled',
			cancelled_at = NOW(),
			cancelled_by = $2,
			cancellation_reason = NULLIF($3, ''),
			updated_at = NOW()
		WHERE id = $1 AND status IN ('draft', 'scheduled', 'sending')
	`

	result, err := r.db.Pool().Exec(ctx, query, id, by, reason)
	if err != nil {
		return false, fmt.Errorf("cancel broadcast: %w", err)
	}

	if result.RowsAffected() == 0 {
		return false, nil
	}

	r.logger.Info("broadcast cancelled",
		zap.String("job_id", id.String()),
		zap.Int64("cancelled_by", by),
	)
	return true, nil
}

// DueJobs lists scheduled jobs whose time has come and sending jobs whose
// run stopped heartbeating.
func (r *Repository) DueJobs(ctx context.Context, now, staleBefore time.Time, limit int) ([]uuid.UUID, error) {
	query := `
		SELECT id
		FROM broadcasts
		WHERE (status = 'scheduled' AND scheduled_at <= $1)
			OR (status = 'sending' AND (heartbeat_at IS NULL OR heartbeat_at < $2))
		ORDER BY COALESCE(scheduled_at, created_at) ASC
		LIMIT $3
	`

	rows, err := r.db.Pool().Query(ctx, query, now, staleBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("query due broadcasts: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan due broadcast: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate due broadcasts: %w", err)
	}

	return ids, nil
}

// ListJobs returns the most recent jobs, optionally filtered by status.
func (r *Repository) ListJobs(ctx context.Context, status string, limit, offset int) ([]*Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM broadcasts
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query broadcasts: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan broadcast: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate broadcasts: %w", err)
	}

	return jobs, nil
}
