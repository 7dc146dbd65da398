// Package retry drains the retry queue: retryable deliveries are re-sent
// with exponential backoff until they succeed, fail permanently or run out
// of attempts.
package retry

import (
	"errors"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/pnptv/herald/internal/db"
)

// Policy is the backoff schedule. Delay(n) = BaseDelay * Multiplier^n,
// capped at MaxDelay.
type Policy struct {
	BaseDelay   time.Duration
	Multiplier  float64
	MaxAttempts int
	MaxDelay    time.Duration
}

// DefaultPolicy waits 1m, 2m, 4m, 8m between five attempts.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   time.Minute,
		Multiplier:  2,
		MaxAttempts: 5,
		MaxDelay:    6 * time.Hour,
	}
}

func (p Policy) Validate() error {
	switch {
	case p.BaseDelay <= 0:
		return errors.New("retry base delay must be positive")
	case p.Multiplier < 1:
		return errors.New("retry multiplier must be at least 1")
	case p.MaxAttempts < 1:
		return errors.New("retry max attempts must be at least 1")
	case p.MaxDelay < p.BaseDelay:
		return errors.New("retry max delay must not be below the base delay")
	}
	return nil
}

// Delay is the wait before attempt n+1. It never decreases as n grows.
func (p Policy) Delay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(n))
	if d >= float64(p.MaxDelay) || math.IsInf(d, 1) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Exhausted reports whether an entry that just failed its attempt-th try
// may not be tried again.
func (p Policy) Exhausted(attempt int) bool {
	return attempt+1 >= p.MaxAttempts
}

// NewEntry is the first queue entry for a retryable live delivery.
func (p Policy) NewEntry(jobID uuid.UUID, recipientID int64, lastError string, now time.Time) *db.RetryEntry {
	return &db.RetryEntry{
		JobID:          jobID,
		RecipientID:    recipientID,
		Attempt:        1,
		NextEligibleAt: now.Add(p.Delay(0)),
		Multiplier:     p.Multiplier,
		LastError:      lastError,
	}
}
