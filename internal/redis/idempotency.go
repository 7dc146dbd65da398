package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// IdempotencyTTL is how long a created job is remembered for a key.
	IdempotencyTTL = 24 * time.Hour

	// pendingTTL bounds how long a key stays reserved if the creating
	// request dies before storing its result.
	pendingTTL = 2 * time.Minute

	pendingMarker = "pending"
)

// ErrRequestInFlight means another request with the same key is still
// creating its job.
var ErrRequestInFlight = errors.New("request with this idempotency key is in flight")

// CreatedJob is what a replayed create request answers with.
type CreatedJob struct {
	JobID     string `json:"job_id"`
	CreatedAt int64  `json:"created_at"`
}

// Idempotency remembers which job an admin's Idempotency-Key created, so a
// retried POST does not create a second broadcast.
type Idempotency struct {
	client *Client
	logger *zap.Logger
}

func NewIdempotency(client *Client, logger *zap.Logger) *Idempotency {
	return &Idempotency{client: client, logger: logger}
}

func idempotencyKey(adminID, key string) string {
	return keyPrefix + "idem:" + adminID + ":" + key
}

// Begin returns the job a previous request created, or reserves the key
// and returns nil. A reserved but unfinished key yields ErrRequestInFlight.
func (s *Idempotency) Begin(ctx context.Context, adminID, key string) (*CreatedJob, error) {
	k := idempotencyKey(adminID, key)

	reserved, err := s.client.rdb.SetNX(ctx, k, pendingMarker, pendingTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("redis setnx failed: %w", err)
	}
	if reserved {
		return nil, nil
	}

	val, err := s.client.rdb.Get(ctx, k).Result()
	if err == redis.Nil {
		// expired between the two calls; let the caller proceed
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	if val == pendingMarker {
		return nil, ErrRequestInFlight
	}

	var prev CreatedJob
	if err := json.Unmarshal([]byte(val), &prev); err != nil {
		return nil, fmt.Errorf("invalid cached result: %w", err)
	}

	s.logger.Debug("idempotent replay",
		zap.String("admin_id", adminID),
		zap.String("job_id", prev.JobID),
	)
	return &prev, nil
}

// Complete stores the created job under the key.
func (s *Idempotency) Complete(ctx context.Context, adminID, key, jobID string) error {
	data, err := json.Marshal(CreatedJob{JobID: jobID, CreatedAt: time.Now().Unix()})
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if err := s.client.rdb.Set(ctx, idempotencyKey(adminID, key), data, IdempotencyTTL).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Abandon frees a reserved key after a failed create so the client can retry.
func (s *Idempotency) Abandon(ctx context.Context, adminID, key string) error {
	if err := s.client.rdb.Del(ctx, idempotencyKey(adminID, key)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}
