// Package abtest assigns recipients to weighted content variants.
package abtest

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pnptv/herald/internal/db"
	"github.com/pnptv/herald/internal/transport"
)

// ErrInvalidTest is returned by CreateTest for a malformed definition.
var ErrInvalidTest = errors.New("invalid ab test")

type Store interface {
	CreateABTest(ctx context.Context, t *db.ABTest) error
	GetABTest(ctx context.Context, id uuid.UUID) (*db.ABTest, error)
	AssignVariant(ctx context.Context, testID uuid.UUID, recipientID int64, variantKey string) (string, error)
}

// Test is a loaded A/B test ready for assignment.
type Test struct {
	*db.ABTest
	totalWeight uint64
	byKey       map[string]db.ABVariant
}

// NewTest validates t and prepares it for assignment.
func NewTest(t *db.ABTest) (*Test, error) {
	if err := Validate(t.Variants); err != nil {
		return nil, err
	}

	loaded := &Test{ABTest: t, byKey: make(map[string]db.ABVariant, len(t.Variants))}
	for _, v := range t.Variants {
		loaded.totalWeight += uint64(v.Weight)
		loaded.byKey[v.Key] = v
	}
	return loaded, nil
}

// Pick deterministically maps a recipient to a variant key. The same test
// and recipient always land on the same variant.
func (t *Test) Pick(recipientID int64) string {
	h := fnv.New64a()
	h.Write([]byte(t.ID.String() + ":" + strconv.FormatInt(recipientID, 10)))
	point := h.Sum64() % t.totalWeight

	var acc uint64
	for _, v := range t.Variants {
		acc += uint64(v.Weight)
		if point < acc {
			return v.Key
		}
	}
	return t.Variants[len(t.Variants)-1].Key
}

// Content returns the per-language bodies of a variant.
func (t *Test) Content(key string) (map[string]string, bool) {
	v, ok := t.byKey[key]
	if !ok {
		return nil, false
	}
	return v.Messages, true
}

// Coordinator loads tests and persists assignments.
type Coordinator struct {
	store  Store
	logger *zap.Logger
}

func NewCoordinator(store Store, logger *zap.Logger) *Coordinator {
	return &Coordinator{store: store, logger: logger}
}

// Load reads a test for a dispatch run.
func (c *Coordinator) Load(ctx context.Context, testID uuid.UUID) (*Test, error) {
	t, err := c.store.GetABTest(ctx, testID)
	if err != nil {
		return nil, fmt.Errorf("load ab test: %w", err)
	}
	return NewTest(t)
}

// Assign returns the recipient's variant, persisting the pick on first use.
// An assignment stored earlier always wins over a fresh pick.
func (c *Coordinator) Assign(ctx context.Context, t *Test, recipientID int64) (string, error) {
	picked := t.Pick(recipientID)

	stored, err := c.store.AssignVariant(ctx, t.ID, recipientID, picked)
	if err != nil {
		return "", fmt.Errorf("assign variant: %w", err)
	}

	if _, ok := t.byKey[stored]; !ok {
		c.logger.Warn("stored variant no longer exists, using fresh pick",
			zap.String("test_id", t.ID.String()),
			zap.Int64("recipient_id", recipientID),
			zap.String("stored", stored),
		)
		return picked, nil
	}
	return stored, nil
}

// CreateTest validates and stores a new test.
func (c *Coordinator) CreateTest(ctx context.Context, name string, jobID *uuid.UUID, variants []db.ABVariant) (*db.ABTest, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidTest)
	}
	if err := Validate(variants); err != nil {
		return nil, err
	}

	t := &db.ABTest{
		ID:       uuid.New(),
		JobID:    jobID,
		Name:     name,
		Variants: variants,
	}
	if err := c.store.CreateABTest(ctx, t); err != nil {
		return nil, fmt.Errorf("create ab test: %w", err)
	}
	return t, nil
}

// Validate checks a variant list: at least two variants, unique non-empty
// keys, positive weights and at least one body each, none over the text
// limit. Captions and segment personalization are checked with the job.
func Validate(variants []db.ABVariant) error {
	if len(variants) < 2 {
		return fmt.Errorf("%w: at least two variants are required", ErrInvalidTest)
	}

	keys := make(map[string]struct{}, len(variants))
	for i, v := range variants {
		if v.Key == "" {
			return fmt.Errorf("%w: variant %d has no key", ErrInvalidTest, i)
		}
		if _, dup := keys[v.Key]; dup {
			return fmt.Errorf("%w: duplicate variant key %q", ErrInvalidTest, v.Key)
		}
		keys[v.Key] = struct{}{}

		if v.Weight <= 0 {
			return fmt.Errorf("%w: variant %q needs a positive weight", ErrInvalidTest, v.Key)
		}

		hasBody := false
		for lang, body := range v.Messages {
			if body == "" {
				continue
			}
			hasBody = true
			if n := utf8.RuneCountInString(body); n > transport.MaxTextLength {
				return fmt.Errorf("%w: variant %q message for %q is %d characters, limit is %d",
					ErrInvalidTest, v.Key, lang, n, transport.MaxTextLength)
			}
		}
		if !hasBody {
			return fmt.Errorf("%w: variant %q has no message", ErrInvalidTest, v.Key)
		}
	}
	return nil
}
