// Package analytics reports delivery and engagement results for jobs and
// A/B tests.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pnptv/herald/internal/db"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidEngagement = errors.New("invalid engagement")
)

var engagementTypes = map[string]bool{
	db.EngagementLike:    true,
	db.EngagementShare:   true,
	db.EngagementView:    true,
	db.EngagementComment: true,
	db.EngagementClick:   true,
}

type Store interface {
	GetJob(ctx context.Context, id uuid.UUID) (*db.Job, error)
	DeliveryBreakdown(ctx context.Context, jobID uuid.UUID) ([]db.DeliveryBucket, error)
	EngagementBreakdown(ctx context.Context, jobID uuid.UUID) ([]db.EngagementBucket, error)
	UniqueEngagers(ctx context.Context, jobID uuid.UUID) (map[string]int, error)
	InsertEngagement(ctx context.Context, e *db.Engagement) error
	GetABTest(ctx context.Context, id uuid.UUID) (*db.ABTest, error)
	AssignmentCounts(ctx context.Context, testID uuid.UUID) (map[string]int, error)
	EngagedJobs(ctx context.Context, since time.Time, limit int) ([]db.JobEngagement, error)
}

// Summary is the per-job report.
type Summary struct {
	Progress       db.Progress    `json:"progress"`
	ByStatus       map[string]int `json:"by_status"`
	ByLanguage     map[string]int `json:"by_language"`
	BySegment      map[string]int `json:"by_segment"`
	Engagements    map[string]int `json:"engagements"`
	UniqueEngagers int            `json:"unique_engagers"`
	// EngagementRate is unique engagers per sent message, in percent.
	EngagementRate float64 `json:"engagement_rate"`
}

// VariantResult is one arm of an A/B test.
type VariantResult struct {
	Key            string         `json:"key"`
	Weight         int            `json:"weight"`
	Assigned       int            `json:"assigned"`
	Sent           int            `json:"sent"`
	Failed         int            `json:"failed"`
	Engagements    map[string]int `json:"engagements"`
	UniqueEngagers int            `json:"unique_engagers"`
	EngagementRate float64        `json:"engagement_rate"`
}

// TestResults compares the variants of a test. Winner is empty while no
// variant leads.
type TestResults struct {
	TestID             uuid.UUID       `json:"test_id"`
	JobID              *uuid.UUID      `json:"job_id,omitempty"`
	Name               string          `json:"name"`
	Variants           []VariantResult `json:"variants"`
	Winner             string          `json:"winner,omitempty"`
	ImprovementPercent float64         `json:"improvement_percent"`
}

// RankedJob is one entry of the top broadcasts report.
type RankedJob struct {
	JobID          uuid.UUID  `json:"job_id"`
	Title          string     `json:"title"`
	Sent           int        `json:"sent"`
	Engagements    int        `json:"engagements"`
	UniqueEngagers int        `json:"unique_engagers"`
	EngagementRate float64    `json:"engagement_rate"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// DefaultTopLimit is used when TopJobs gets no limit.
const DefaultTopLimit = 10

type Aggregator struct {
	store  Store
	logger *zap.Logger
}

func NewAggregator(store Store, logger *zap.Logger) *Aggregator {
	return &Aggregator{store: store, logger: logger}
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}

// rate is engaged/sent as a percentage.
func rate(engaged, sent int) float64 {
	if sent == 0 {
		return 0
	}
	return round2(float64(engaged) / float64(sent) * 100)
}

func notFound(err error, what string, id uuid.UUID) error {
	if errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("%w: %s %s", ErrNotFound, what, id)
	}
	return fmt.Errorf("load %s: %w", what, err)
}

// JobSummary reports a job's delivery breakdown and engagement.
func (a *Aggregator) JobSummary(ctx context.Context, jobID uuid.UUID) (*Summary, error) {
	job, err := a.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, notFound(err, "broadcast", jobID)
	}

	deliveries, err := a.store.DeliveryBreakdown(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("load delivery breakdown: %w", err)
	}
	engagements, err := a.store.EngagementBreakdown(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("load engagement breakdown: %w", err)
	}
	engagers, err := a.store.UniqueEngagers(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("load unique engagers: %w", err)
	}

	s := &Summary{
		Progress:    job.Progress(),
		ByStatus:    make(map[string]int),
		ByLanguage:  make(map[string]int),
		BySegment:   make(map[string]int),
		Engagements: make(map[string]int),
	}
	sent := 0
	for _, b := range deliveries {
		s.ByStatus[b.Status] += b.Count
		s.ByLanguage[b.Language] += b.Count
		s.BySegment[b.Segment] += b.Count
		if b.Status == db.DeliverySent {
			sent += b.Count
		}
	}
	for _, b := range engagements {
		s.Engagements[b.Type] += b.Count
	}
	// assignments are stable, so a recipient engages under one variant only
	for _, n := range engagers {
		s.UniqueEngagers += n
	}
	s.EngagementRate = rate(s.UniqueEngagers, sent)

	return s, nil
}

// TestResults reports each variant and picks the one with the highest
// engagement rate.
func (a *Aggregator) TestResults(ctx context.Context, testID uuid.UUID) (*TestResults, error) {
	test, err := a.store.GetABTest(ctx, testID)
	if err != nil {
		return nil, notFound(err, "ab test", testID)
	}

	assigned, err := a.store.AssignmentCounts(ctx, testID)
	if err != nil {
		return nil, fmt.Errorf("load assignments: %w", err)
	}

	byKey := make(map[string]*VariantResult, len(test.Variants))
	res := &TestResults{
		TestID:   test.ID,
		JobID:    test.JobID,
		Name:     test.Name,
		Variants: make([]VariantResult, len(test.Variants)),
	}
	for i, v := range test.Variants {
		res.Variants[i] = VariantResult{
			Key:         v.Key,
			Weight:      v.Weight,
			Assigned:    assigned[v.Key],
			Engagements: make(map[string]int),
		}
		byKey[v.Key] = &res.Variants[i]
	}

	if test.JobID != nil {
		if err := a.fillFromJob(ctx, *test.JobID, byKey); err != nil {
			return nil, err
		}
	}

	for i := range res.Variants {
		v := &res.Variants[i]
		v.EngagementRate = rate(v.UniqueEngagers, v.Sent)
	}
	res.Winner, res.ImprovementPercent = pickWinner(res.Variants)

	a.logger.Debug("ab test results computed",
		zap.String("test_id", testID.String()),
		zap.String("winner", res.Winner),
	)
	return res, nil
}

func (a *Aggregator) fillFromJob(ctx context.Context, jobID uuid.UUID, byKey map[string]*VariantResult) error {
	deliveries, err := a.store.DeliveryBreakdown(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load delivery breakdown: %w", err)
	}
	for _, b := range deliveries {
		v, ok := byKey[b.VariantKey]
		if !ok {
			continue
		}
		if b.Status == db.DeliverySent {
			v.Sent += b.Count
		} else {
			v.Failed += b.Count
		}
	}

	engagements, err := a.store.EngagementBreakdown(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load engagement breakdown: %w", err)
	}
	for _, b := range engagements {
		if v, ok := byKey[b.VariantKey]; ok {
			v.Engagements[b.Type] += b.Count
		}
	}

	engagers, err := a.store.UniqueEngagers(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load unique engagers: %w", err)
	}
	for key, n := range engagers {
		if v, ok := byKey[key]; ok {
			v.UniqueEngagers = n
		}
	}
	return nil
}

// pickWinner returns the variant with the highest rate and how far the
// runner-up trails it, relative to the winner's rate.
func pickWinner(variants []VariantResult) (string, float64) {
	if len(variants) < 2 {
		return "", 0
	}
	ranked := slices.Clone(variants)
	slices.SortStableFunc(ranked, func(a, b VariantResult) int {
		switch {
		case a.EngagementRate > b.EngagementRate:
			return -1
		case a.EngagementRate < b.EngagementRate:
			return 1
		}
		return 0
	})

	best, runnerUp := ranked[0].EngagementRate, ranked[1].EngagementRate
	if best == 0 || best == runnerUp {
		return "", 0
	}
	return ranked[0].Key, round2((best - runnerUp) / best * 100)
}

// TrackEngagement stores one engagement event.
func (a *Aggregator) TrackEngagement(ctx context.Context, e *db.Engagement) error {
	if !engagementTypes[e.Type] {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEngagement, e.Type)
	}
	if e.RecipientID == 0 {
		return fmt.Errorf("%w: recipient is required", ErrInvalidEngagement)
	}
	if _, err := a.store.GetJob(ctx, e.JobID); err != nil {
		return notFound(err, "broadcast", e.JobID)
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}

	if err := a.store.InsertEngagement(ctx, e); err != nil {
		return fmt.Errorf("track engagement: %w", err)
	}

	a.logger.Debug("engagement tracked",
		zap.String("job_id", e.JobID.String()),
		zap.Int64("recipient_id", e.RecipientID),
		zap.String("type", e.Type),
	)
	return nil
}

// TopJobs ranks the broadcasts completed since the given time by engagement
// rate, then by total engagements.
func (a *Aggregator) TopJobs(ctx context.Context, since time.Time, limit int) ([]RankedJob, error) {
	if limit <= 0 {
		limit = DefaultTopLimit
	}

	jobs, err := a.store.EngagedJobs(ctx, since, limit)
	if err != nil {
		return nil, fmt.Errorf("load engaged jobs: %w", err)
	}

	ranked := make([]RankedJob, 0, len(jobs))
	for _, j := range jobs {
		ranked = append(ranked, RankedJob{
			JobID:          j.JobID,
			Title:          j.Title,
			Sent:           j.Sent,
			Engagements:    j.Engagements,
			UniqueEngagers: j.UniqueEngagers,
			EngagementRate: rate(j.UniqueEngagers, j.Sent),
			CompletedAt:    j.CompletedAt,
		})
	}
	slices.SortStableFunc(ranked, func(x, y RankedJob) int {
		switch {
		case x.EngagementRate != y.EngagementRate:
			if x.EngagementRate > y.EngagementRate {
				return -1
			}
			return 1
		case x.Engagements != y.Engagements:
			return y.Engagements - x.Engagements
		}
		return 0
	})
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked, nil
}
