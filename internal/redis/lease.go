package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrLeaseHeld is returned when another holder owns the lease.
var ErrLeaseHeld = errors.New("lease held by another owner")

// ErrLeaseLost is returned when extending or releasing a lease that expired
// or was taken over.
var ErrLeaseLost = errors.New("lease no longer owned")

// Only the holder's token may delete or extend the key.
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)
	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)
)

// Leases hands out short-lived named locks. A dispatch run holds one per
// job and the retry pass holds a single shared one, so two replicas never
// work the same thing at once. The persisted job status stays authoritative;
// a lease only avoids wasted work.
type Leases struct {
	client *Client
	logger *zap.Logger
}

func NewLeases(client *Client, logger *zap.Logger) *Leases {
	return &Leases{client: client, logger: logger}
}

func leaseKey(name string) string {
	return keyPrefix + "lease:" + name
}

// Acquire takes the lease for ttl and returns the token that proves
// ownership.
func (l *Leases) Acquire(ctx context.Context, name string, ttl time.Duration) (string, error) {
	token := uuid.NewString()

	ok, err := l.client.rdb.SetNX(ctx, leaseKey(name), token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("redis setnx failed: %w", err)
	}
	if !ok {
		return "", ErrLeaseHeld
	}

	l.logger.Debug("lease acquired",
		zap.String("lease", name),
		zap.Duration("ttl", ttl),
	)
	return token, nil
}

// Extend pushes the expiry of an owned lease out to ttl from now.
func (l *Leases) Extend(ctx context.Context, name, token string, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, l.client.rdb, []string{leaseKey(name)}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Release drops an owned lease. Releasing a lease that already expired is
// not an error.
func (l *Leases) Release(ctx context.Context, name, token string) error {
	if _, err := releaseScript.Run(ctx, l.client.rdb, []string{leaseKey(name)}, token).Int(); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}
