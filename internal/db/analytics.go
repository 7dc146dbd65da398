package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DeliveryBreakdown groups a job's delivery records by status, language,
// segment and variant.
func (r *Repository) DeliveryBreakdown(ctx context.Context, jobID uuid.UUID) ([]DeliveryBucket, error) {
	query := `
		SELECT status, language, segment, COALESCE(variant_key, ''), COUNT(*)
		FROM broadcast_deliveries
		WHERE job_id = $1
		GROUP BY 1, 2, 3, 4
	`

	rows, err := r.db.Pool().Query(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("query delivery breakdown: %w", err)
	}
	defer rows.Close()

	var buckets []DeliveryBucket
	for rows.Next() {
		var b DeliveryBucket
		if err := rows.Scan(&b.Status, &b.Language, &b.Segment, &b.VariantKey, &b.Count); err != nil {
			return nil, fmt.Errorf("scan delivery bucket: %w", err)
		}
		buckets = append(buckets, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate delivery breakdown: %w", err)
	}

	return buckets, nil
}

// EngagementBreakdown groups a job's engagement events by variant and type.
func (r *Repository) EngagementBreakdown(ctx context.Context, jobID uuid.UUID) ([]EngagementBucket, error) {
	query := `
		SELECT COALESCE(variant_key, ''), type, COUNT(*), COUNT(DISTINCT recipient_id)
		FROM broadcast_engagements
		WHERE job_id = $1
		GROUP BY 1, 2
	`

	rows, err := r.db.Pool().Query(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("query engagement breakdown: %w", err)
	}
	defer rows.Close()

	var buckets []EngagementBucket
	for rows.Next() {
		var b EngagementBucket
		if err := rows.Scan(&b.VariantKey, &b.Type, &b.Count, &b.UniqueUsers); err != nil {
			return nil, fmt.Errorf("scan engagement bucket: %w", err)
		}
		buckets = append(buckets, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate engagement breakdown: %w", err)
	}

	return buckets, nil
}

// UniqueEngagers counts distinct engaging recipients per variant. Jobs
// without a test report under the empty key.
func (r *Repository) UniqueEngagers(ctx context.Context, jobID uuid.UUID) (map[string]int, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT COALESCE(variant_key, ''), COUNT(DISTINCT recipient_id)
		FROM broadcast_engagements
		WHERE job_id = $1
		GROUP BY 1
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query unique engagers: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return nil, fmt.Errorf("scan unique engagers: %w", err)
		}
		out[key] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate unique engagers: %w", err)
	}

	return out, nil
}

// InsertEngagement records an engagement event. When no variant is given it
// is taken from the recipient's delivery record.
func (r *Repository) InsertEngagement(ctx context.Context, e *Engagement) error {
	query := `
		INSERT INTO broadcast_engagements (id, job_id, recipient_id, type, variant_key)
		VALUES ($1, $2, $3, $4, COALESCE($5, (
			SELECT variant_key FROM broadcast_deliveries WHERE job_id = $2 AND recipient_id = $3
		)))
		RETURNING variant_key, created_at
	`

	err := r.db.Pool().QueryRow(ctx, query, e.ID, e.JobID, e.RecipientID, e.Type, e.VariantKey).
		Scan(&e.VariantKey, &e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert engagement: %w", err)
	}
	return nil
}

// EngagedJobs returns completed jobs since the given time that sent at least
// one message, best engagement rate first.
func (r *Repository) EngagedJobs(ctx context.Context, since time.Time, limit int) ([]JobEngagement, error) {
	query := `
		SELECT b.id, b.title, b.sent_count, b.completed_at,
			COUNT(e.id), COUNT(DISTINCT e.recipient_id)
		FROM broadcasts b
		LEFT JOIN broadcast_engagements e ON e.job_id = b.id
		WHERE b.status = 'completed' AND b.sent_count > 0 AND b.completed_at >= $1
		GROUP BY b.id
		ORDER BY COUNT(DISTINCT e.recipient_id)::float8 / b.sent_count DESC,
			COUNT(e.id) DESC,
			b.completed_at DESC
		LIMIT $2
	`

	rows, err := r.db.Pool().Query(ctx, query, since, limit)
	if err != nil {
		return nil, fmt.Errorf("query engaged jobs: %w", err)
	}
	defer rows.Close()

	var jobs []JobEngagement
	for rows.Next() {
		var j JobEngagement
		if err := rows.Scan(&j.JobID, &j.Title, &j.Sent, &j.CompletedAt, &j.Engagements, &j.UniqueEngagers); err != nil {
			return nil, fmt.Errorf("scan engaged job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate engaged jobs: %w", err)
	}

	return jobs, nil
}
