package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CreateABTest inserts a test and its variant definitions.
func (r *Repository) CreateABTest(ctx context.Context, t *ABTest) error {
	variants, err := json.Marshal(t.Variants)
	if err != nil {
		return fmt.Errorf("encode variants: %w", err)
	}

	err = r.db.Pool().QueryRow(ctx, `
		INSERT INTO ab_tests (id, job_id, name, variants)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`, t.ID, t.JobID, t.Name, variants).Scan(&t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert ab test: %w", err)
	}

	r.logger.Info("ab test created",
		zap.String("test_id", t.ID.String()),
		zap.Int("variants", len(t.Variants)),
	)
	return nil
}

// GetABTest retrieves a test by ID.
func (r *Repository) GetABTest(ctx context.Context, id uuid.UUID) (*ABTest, error) {
	var (
		t        ABTest
		variants []byte
	)
	err := r.db.Pool().QueryRow(ctx,
		`SELECT id, job_id, name, variants, created_at FROM ab_tests WHERE id = $1`, id,
	).Scan(&t.ID, &t.JobID, &t.Name, &variants, &t.CreatedAt)
	if isNoRows(err) {
		return nil, fmt.Errorf("ab test %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query ab test: %w", err)
	}

	if err := json.Unmarshal(variants, &t.Variants); err != nil {
		return nil, fmt.Errorf("decode ab test %s: %w", id, err)
	}
	return &t, nil
}

// AssignVariant persists variantKey for the recipient unless an assignment
// already exists, and returns whichever key is stored.
func (r *Repository) AssignVariant(ctx context.Context, testID uuid.UUID, recipientID int64, variantKey string) (string, error) {
	query := `
		WITH ins AS (
			INSERT INTO ab_assignments (test_id, recipient_id, variant_key)
			VALUES ($1, $2, $3)
			ON CONFLICT (test_id, recipient_id) DO NOTHING
			RETURNING variant_key
		)
		SELECT variant_key FROM ins
		UNION ALL
		SELECT variant_key FROM ab_assignments WHERE test_id = $1 AND recipient_id = $2
		LIMIT 1
	`

	var stored string
	if err := r.db.Pool().QueryRow(ctx, query, testID, recipientID, variantKey).Scan(&stored); err != nil {
		return "", fmt.Errorf("assign variant: %w", err)
	}
	return stored, nil
}

// AssignmentCounts returns how many recipients each variant was assigned.
func (r *Repository) AssignmentCounts(ctx context.Context, testID uuid.UUID) (map[string]int, error) {
	rows, err := r.db.Pool().Query(ctx,
		`SELECT variant_key, COUNT(*) FROM ab_assignments WHERE test_id = $1 GROUP BY variant_key`, testID)
	if err != nil {
		return nil, fmt.Errorf("count assignments: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return nil, fmt.Errorf("scan assignment count: %w", err)
		}
		counts[key] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assignment counts: %w", err)
	}

	return counts, nil
}
