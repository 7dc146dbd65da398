package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// FrequencyCap limits how many broadcasts one recipient receives inside a
// rolling window. Each recipient has a sorted set of job ids scored by send
// time, so re-sending the same job never counts twice.
type FrequencyCap struct {
	client *Client
	logger *zap.Logger
	limit  int
	window time.Duration
}

// NewFrequencyCap allows at most limit broadcasts per window.
func NewFrequencyCap(client *Client, logger *zap.Logger, limit int, window time.Duration) *FrequencyCap {
	return &FrequencyCap{
		client: client,
		logger: logger,
		limit:  limit,
		window: window,
	}
}

const freqCapBatch = 1000

func freqKey(recipientID int64) string {
	return keyPrefix + "freq:" + strconv.FormatInt(recipientID, 10)
}

// Exceeded returns the recipients that already reached the cap, one
// pipelined round trip per batch of freqCapBatch ids.
func (f *FrequencyCap) Exceeded(ctx context.Context, recipientIDs []int64) (map[int64]bool, error) {
	over := make(map[int64]bool)
	if len(recipientIDs) == 0 || f.limit <= 0 {
		return over, nil
	}

	since := strconv.FormatInt(time.Now().Add(-f.window).UnixNano(), 10)

	for start := 0; start < len(recipientIDs); start += freqCapBatch {
		batch := recipientIDs[start:min(start+freqCapBatch, len(recipientIDs))]

		pipe := f.client.rdb.Pipeline()
		cmds := make([]*redis.IntCmd, len(batch))
		for i, id := range batch {
			cmds[i] = pipe.ZCount(ctx, freqKey(id), since, "+inf")
		}
		if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
			return nil, fmt.Errorf("redis pipeline failed: %w", err)
		}

		for i, cmd := range cmds {
			if int(cmd.Val()) >= f.limit {
				over[batch[i]] = true
			}
		}
	}

	if len(over) > 0 {
		f.logger.Debug("recipients over frequency cap",
			zap.Int("count", len(over)),
			zap.Int("limit", f.limit),
		)
	}
	return over, nil
}

// Record notes that jobID reached the recipient now and trims hits that
// left the window.
func (f *FrequencyCap) Record(ctx context.Context, recipientID int64, jobID string) error {
	now := time.Now()
	key := freqKey(recipientID)

	pipe := f.client.rdb.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: jobID})
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(now.Add(-f.window).UnixNano(), 10))
	pipe.Expire(ctx, key, f.window+time.Minute)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record frequency hit: %w", err)
	}
	return nil
}
