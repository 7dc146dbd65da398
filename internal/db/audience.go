package db

import (
	"context"
	"fmt"
	"strings"
)

// ListRecipients runs the audience predicate over the user store. Results
// are ordered by recipient id so repeated resolutions agree.
func (r *Repository) ListRecipients(ctx context.Context, q AudienceQuery) ([]Recipient, error) {
	var (
		sb   strings.Builder
		args []any
		cond []string
	)

	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	switch q.TargetType {
	case TargetSegment:
		sb.WriteString(`
			SELECT u.id, COALESCE(NULLIF(u.language, ''), 'en'), s.segment
			FROM users u
			JOIN user_segments s ON s.user_id = u.id`)
		cond = append(cond, "s.segment = "+arg(q.Segment))
	case TargetAll, TargetTier:
		sb.WriteString(`
			SELECT u.id, COALESCE(NULLIF(u.language, ''), 'en'), COALESCE(NULLIF(u.subscription_tier, ''), 'free')
			FROM users u`)
	default:
		return nil, fmt.Errorf("unknown target type %q", q.TargetType)
	}

	if q.Tier != "" {
		if q.Tier == TierFree {
			cond = append(cond, "(u.subscription_tier IS NULL OR u.subscription_tier IN ('', "+arg(TierFree)+"))")
		} else {
			cond = append(cond, "u.subscription_tier = "+arg(q.Tier))
		}
	}
	if q.Language != "" {
		cond = append(cond, "COALESCE(NULLIF(u.language, ''), 'en') = "+arg(q.Language))
	}

	if len(cond) > 0 {
		sb.WriteString("\n\t\t\tWHERE ")
		sb.WriteString(strings.Join(cond, " AND "))
	}
	sb.WriteString("\n\t\t\tORDER BY u.id ASC")

	rows, err := r.db.Pool().Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query recipients: %w", err)
	}
	defer rows.Close()

	var recipients []Recipient
	for rows.Next() {
		var rc Recipient
		if err := rows.Scan(&rc.ID, &rc.Language, &rc.Segment); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		recipients = append(recipients, rc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recipients: %w", err)
	}

	return recipients, nil
}

// OptedOut returns which of the given recipients opted out of broadcasts.
func (r *Repository) OptedOut(ctx context.Context, ids []int64) (map[int64]bool, error) {
	out := make(map[int64]bool)
	if len(ids) == 0 {
		return out, nil
	}

	rows, err := r.db.Pool().Query(ctx,
		`SELECT user_id FROM broadcast_opt_outs WHERE user_id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("query opt-outs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan opt-out: %w", err)
		}
		out[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate opt-outs: %w", err)
	}

	return out, nil
}
