package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		rdb.Close()
		mr.Close()
	})

	return &Client{rdb: rdb, logger: zap.NewNop()}, mr
}

func TestLeases_AcquireIsExclusive(t *testing.T) {
	client, _ := setupTestRedis(t)
	leases := NewLeases(client, zap.NewNop())
	ctx := context.Background()

	token, err := leases.Acquire(ctx, "dispatch:job-1", time.Minute)
	if err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	if token == "" {
		t.Fatal("expected a token")
	}

	if _, err := leases.Acquire(ctx, "dispatch:job-1", time.Minute); !errors.Is(err, ErrLeaseHeld) {
		t.Fatalf("expected ErrLeaseHeld, got %v", err)
	}

	// other names are independent
	if _, err := leases.Acquire(ctx, "dispatch:job-2", time.Minute); err != nil {
		t.Fatalf("acquire of another lease failed: %v", err)
	}
}

func TestLeases_ReleaseRequiresToken(t *testing.T) {
	client, _ := setupTestRedis(t)
	leases := NewLeases(client, zap.NewNop())
	ctx := context.Background()

	token, err := leases.Acquire(ctx, "retry-pass", time.Minute)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	if err := leases.Release(ctx, "retry-pass", "someone-else"); err != nil {
		t.Fatalf("release with wrong token errored: %v", err)
	}
	if _, err := leases.Acquire(ctx, "retry-pass", time.Minute); !errors.Is(err, ErrLeaseHeld) {
		t.Fatalf("lease should survive a foreign release, got %v", err)
	}

	if err := leases.Release(ctx, "retry-pass", token); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if _, err := leases.Acquire(ctx, "retry-pass", time.Minute); err != nil {
		t.Fatalf("acquire after release failed: %v", err)
	}
}

func TestLeases_ExpiryAndExtend(t *testing.T) {
	client, mr := setupTestRedis(t)
	leases := NewLeases(client, zap.NewNop())
	ctx := context.Background()

	token, err := leases.Acquire(ctx, "dispatch:job-1", 10*time.Second)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	mr.FastForward(8 * time.Second)
	if err := leases.Extend(ctx, "dispatch:job-1", token, 10*time.Second); err != nil {
		t.Fatalf("extend failed: %v", err)
	}

	mr.FastForward(8 * time.Second)
	if _, err := leases.Acquire(ctx, "dispatch:job-1", time.Minute); !errors.Is(err, ErrLeaseHeld) {
		t.Fatalf("extended lease should still be held, got %v", err)
	}

	mr.FastForward(5 * time.Second)
	if err := leases.Extend(ctx, "dispatch:job-1", token, 10*time.Second); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost after expiry, got %v", err)
	}
	if _, err := leases.Acquire(ctx, "dispatch:job-1", time.Minute); err != nil {
		t.Fatalf("acquire after expiry failed: %v", err)
	}
}

func TestFrequencyCap_ExceededAfterLimit(t *testing.T) {
	client, _ := setupTestRedis(t)
	fc := NewFrequencyCap(client, zap.NewNop(), 2, time.Hour)
	ctx := context.Background()

	for _, job := range []string{"job-a", "job-b"} {
		if err := fc.Record(ctx, 100, job); err != nil {
			t.Fatalf("record failed: %v", err)
		}
	}
	if err := fc.Record(ctx, 200, "job-a"); err != nil {
		t.Fatalf("record failed: %v", err)
	}

	over, err := fc.Exceeded(ctx, []int64{100, 200, 300})
	if err != nil {
		t.Fatalf("exceeded failed: %v", err)
	}
	if !over[100] {
		t.Error("recipient 100 should be over the cap")
	}
	if over[200] || over[300] {
		t.Errorf("only recipient 100 should be over the cap, got %v", over)
	}
}

func TestFrequencyCap_SameJobCountsOnce(t *testing.T) {
	client, _ := setupTestRedis(t)
	fc := NewFrequencyCap(client, zap.NewNop(), 2, time.Hour)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := fc.Record(ctx, 100, "job-a"); err != nil {
			t.Fatalf("record failed: %v", err)
		}
	}

	over, err := fc.Exceeded(ctx, []int64{100})
	if err != nil {
		t.Fatalf("exceeded failed: %v", err)
	}
	if over[100] {
		t.Error("re-recording one job must not reach the cap")
	}
}

func TestFrequencyCap_WindowSlides(t *testing.T) {
	client, _ := setupTestRedis(t)
	fc := NewFrequencyCap(client, zap.NewNop(), 1, 50*time.Millisecond)
	ctx := context.Background()

	if err := fc.Record(ctx, 100, "job-a"); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	over, _ := fc.Exceeded(ctx, []int64{100})
	if !over[100] {
		t.Fatal("expected recipient over the cap inside the window")
	}

	time.Sleep(80 * time.Millisecond)

	over, err := fc.Exceeded(ctx, []int64{100})
	if err != nil {
		t.Fatalf("exceeded failed: %v", err)
	}
	if over[100] {
		t.Error("hit should have left the window")
	}
}

func TestFrequencyCap_DisabledWithZeroLimit(t *testing.T) {
	client, _ := setupTestRedis(t)
	fc := NewFrequencyCap(client, zap.NewNop(), 0, time.Hour)

	over, err := fc.Exceeded(context.Background(), []int64{1, 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(over) != 0 {
		t.Errorf("expected no exclusions, got %v", over)
	}
}

func TestRateLimiter(t *testing.T) {
	client, _ := setupTestRedis(t)
	limiter := NewRateLimiter(client, zap.NewNop(), RateLimitConfig{Limit: 3, Window: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		result, err := limiter.Allow(ctx, "admin-1")
		if err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
		if !result.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
		if result.Remaining != 2-i {
			t.Errorf("request %d: expected remaining %d, got %d", i, 2-i, result.Remaining)
		}
	}

	result, err := limiter.Allow(ctx, "admin-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Allowed {
		t.Fatal("fourth request should be blocked")
	}

	result, _ = limiter.Allow(ctx, "admin-2")
	if !result.Allowed {
		t.Fatal("separate key should be allowed")
	}
}

func TestIdempotency_ReplayReturnsJob(t *testing.T) {
	client, _ := setupTestRedis(t)
	idem := NewIdempotency(client, zap.NewNop())
	ctx := context.Background()

	prev, err := idem.Begin(ctx, "42", "create-1")
	if err != nil || prev != nil {
		t.Fatalf("expected fresh reservation, got %+v, %v", prev, err)
	}

	if _, err := idem.Begin(ctx, "42", "create-1"); !errors.Is(err, ErrRequestInFlight) {
		t.Fatalf("expected ErrRequestInFlight, got %v", err)
	}

	if err := idem.Complete(ctx, "42", "create-1", "job-123"); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	prev, err = idem.Begin(ctx, "42", "create-1")
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if prev == nil || prev.JobID != "job-123" {
		t.Fatalf("expected job-123, got %+v", prev)
	}
}

func TestIdempotency_AdminIsolationAndAbandon(t *testing.T) {
	client, _ := setupTestRedis(t)
	idem := NewIdempotency(client, zap.NewNop())
	ctx := context.Background()

	if _, err := idem.Begin(ctx, "1", "same"); err != nil {
		t.Fatalf("admin 1 failed: %v", err)
	}
	if prev, err := idem.Begin(ctx, "2", "same"); err != nil || prev != nil {
		t.Fatalf("admin 2 should get a fresh reservation, got %+v, %v", prev, err)
	}

	if err := idem.Abandon(ctx, "1", "same"); err != nil {
		t.Fatalf("abandon failed: %v", err)
	}
	if prev, err := idem.Begin(ctx, "1", "same"); err != nil || prev != nil {
		t.Fatalf("expected reservation after abandon, got %+v, %v", prev, err)
	}
}
