package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// UpsertDelivery writes the outcome for one (job, recipient) pair. A second
// write for the same pair replaces the outcome and bumps attempts; the
// language and segment snapshot of the first write is kept.
func (r *Repository) UpsertDelivery(ctx context.Context, rec *DeliveryRecord) error {
	query := `
		INSERT INTO broadcast_deliveries (
			job_id, recipient_id, status, message_id, error_code, error_message,
			language, segment, variant_key, attempts
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1)
		ON CONFLICT (job_id, recipient_id) DO UPDATE SET
			status = EXCLUDED.status,
			message_id = EXCLUDED.message_id,
			error_code = EXCLUDED.error_code,
			error_message = EXCLUDED.error_message,
			variant_key = COALESCE(EXCLUDED.variant_key, broadcast_deliveries.variant_key),
			attempts = broadcast_deliveries.attempts + 1,
			updated_at = NOW()
		RETURNING attempts, created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		rec.JobID, rec.RecipientID, rec.Status, rec.MessageID, rec.ErrorCode, rec.ErrorMessage,
		rec.Language, rec.Segment, rec.VariantKey,
	).Scan(&rec.Attempts, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		r.logger.Error("failed to upsert delivery",
			zap.Error(err),
			zap.String("job_id", rec.JobID.String()),
			zap.Int64("recipient_id", rec.RecipientID),
		)
		return fmt.Errorf("upsert delivery: %w", err)
	}

	return nil
}

// DeliveredRecipients returns the recipients that already have a record for
// the job, used to skip them when a run resumes.
func (r *Repository) DeliveredRecipients(ctx context.Context, jobID uuid.UUID) (map[int64]struct{}, error) {
	rows, err := r.db.Pool().Query(ctx,
		`SELECT recipient_id FROM broadcast_deliveries WHERE job_id = $1`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query delivered recipients: %w", err)
	}
	defer rows.Close()

	done := make(map[int64]struct{})
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan delivered recipient: %w", err)
		}
		done[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate delivered recipients: %w", err)
	}

	return done, nil
}

// CountDeliveries rebuilds the job counters from its delivery records.
// Total is left at zero for the caller to fill in.
func (r *Repository) CountDeliveries(ctx context.Context, jobID uuid.UUID) (Counters, error) {
	rows, err := r.db.Pool().Query(ctx,
		`SELECT status, COUNT(*) FROM broadcast_deliveries WHERE job_id = $1 GROUP BY status`, jobID)
	if err != nil {
		return Counters{}, fmt.Errorf("count deliveries: %w", err)
	}
	defer rows.Close()

	var c Counters
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return Counters{}, fmt.Errorf("scan delivery count: %w", err)
		}
		c.RecordN(status, n)
	}
	if err := rows.Err(); err != nil {
		return Counters{}, fmt.Errorf("iterate delivery counts: %w", err)
	}

	return c, nil
}

// GetDelivery retrieves the record for one (job, recipient) pair.
func (r *Repository) GetDelivery(ctx context.Context, jobID uuid.UUID, recipientID int64) (*DeliveryRecord, error) {
	query := `
		SELECT job_id, recipient_id, status, message_id, error_code, error_message,
			language, segment, variant_key, attempts, created_at, updated_at
		FROM broadcast_deliveries
		WHERE job_id = $1 AND recipient_id = $2
	`

	var rec DeliveryRecord
	err := r.db.Pool().QueryRow(ctx, query, jobID, recipientID).Scan(
		&rec.JobID, &rec.RecipientID, &rec.Status, &rec.MessageID, &rec.ErrorCode, &rec.ErrorMessage,
		&rec.Language, &rec.Segment, &rec.VariantKey, &rec.Attempts, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("delivery %s/%d: %w", jobID, recipientID, ErrNotFound)
		}
		return nil, fmt.Errorf("query delivery: %w", err)
	}

	return &rec, nil
}
