// Package audience turns a job's targeting into the ordered list of
// recipients a dispatch run will message.
package audience

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/pnptv/herald/internal/db"
	"github.com/pnptv/herald/internal/metrics"
)

// ErrResolution wraps every failure to build an audience. The job is left
// untouched when it is returned.
var ErrResolution = errors.New("recipient resolution failed")

// Exclusion reasons, in the order they are applied.
const (
	ReasonExcluded = "excluded"
	ReasonSystem   = "system"
	ReasonOptedOut = "opted_out"
	ReasonFreqCap  = "frequency_cap"
)

// DefaultSystemIDs are Telegram service accounts that can never receive a
// broadcast: GroupAnonymousBot, service notifications and the channel bot.
var DefaultSystemIDs = []int64{1087968824, 777000, 136817688}

type RecipientStore interface {
	ListRecipients(ctx context.Context, q db.AudienceQuery) ([]db.Recipient, error)
}

type OptOutStore interface {
	OptedOut(ctx context.Context, ids []int64) (map[int64]bool, error)
}

// FrequencyCap reports recipients that already received too many
// broadcasts recently.
type FrequencyCap interface {
	Exceeded(ctx context.Context, ids []int64) (map[int64]bool, error)
}

// Resolver applies a job's target and exclusions. It only reads, so it is
// safe to call again for the same job.
type Resolver struct {
	recipients RecipientStore
	optOuts    OptOutStore
	freqCap    FrequencyCap
	systemIDs  map[int64]struct{}
	logger     *zap.Logger
}

// NewResolver builds a resolver. freqCap may be nil to disable capping; a
// nil systemIDs uses DefaultSystemIDs.
func NewResolver(recipients RecipientStore, optOuts OptOutStore, freqCap FrequencyCap, systemIDs []int64, logger *zap.Logger) *Resolver {
	if systemIDs == nil {
		systemIDs = DefaultSystemIDs
	}
	sys := make(map[int64]struct{}, len(systemIDs))
	for _, id := range systemIDs {
		sys[id] = struct{}{}
	}

	return &Resolver{
		recipients: recipients,
		optOuts:    optOuts,
		freqCap:    freqCap,
		systemIDs:  sys,
		logger:     logger,
	}
}

// Query translates a job's targeting into a store query.
func Query(job *db.Job) (db.AudienceQuery, error) {
	q := db.AudienceQuery{
		TargetType: job.TargetType,
		Language:   job.IncludeFilters["language"],
	}

	switch job.TargetType {
	case db.TargetAll:
	case db.TargetTier:
		q.Tier = job.IncludeFilters["tier"]
		switch q.Tier {
		case db.TierPremium, db.TierFree, db.TierChurned:
		default:
			return q, fmt.Errorf("invalid tier filter %q", q.Tier)
		}
	case db.TargetSegment:
		q.Segment = job.IncludeFilters["segment"]
		if q.Segment == "" {
			return q, errors.New("segment target requires a segment filter")
		}
	default:
		return q, fmt.Errorf("unknown target type %q", job.TargetType)
	}

	return q, nil
}

// Resolve returns the job's recipients ordered by id, deduplicated, with
// explicit exclusions, system accounts, opted-out users and capped users
// removed.
func (r *Resolver) Resolve(ctx context.Context, job *db.Job) ([]db.Recipient, error) {
	q, err := Query(job)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrResolution, err)
	}

	listed, err := r.recipients.ListRecipients(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("%w: list recipients: %v", ErrResolution, err)
	}

	excluded := make(map[string]int)

	explicit := make(map[int64]struct{}, len(job.ExcludeUserIDs))
	for _, id := range job.ExcludeUserIDs {
		explicit[id] = struct{}{}
	}

	seen := make(map[int64]struct{}, len(listed))
	candidates := make([]db.Recipient, 0, len(listed))
	for _, rc := range listed {
		if _, dup := seen[rc.ID]; dup {
			continue
		}
		seen[rc.ID] = struct{}{}

		if _, ok := explicit[rc.ID]; ok {
			excluded[ReasonExcluded]++
			continue
		}
		if _, ok := r.systemIDs[rc.ID]; ok {
			excluded[ReasonSystem]++
			continue
		}
		candidates = append(candidates, rc)
	}

	candidates, err = r.drop(ctx, candidates, r.optOuts.OptedOut, ReasonOptedOut, excluded)
	if err != nil {
		return nil, err
	}
	if r.freqCap != nil {
		candidates, err = r.drop(ctx, candidates, r.freqCap.Exceeded, ReasonFreqCap, excluded)
		if err != nil {
			return nil, err
		}
	}

	slices.SortFunc(candidates, func(a, b db.Recipient) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})

	metrics.RecordResolution(len(candidates), excluded)

	r.logger.Info("audience resolved",
		zap.String("job_id", job.ID.String()),
		zap.String("target_type", job.TargetType),
		zap.Int("listed", len(listed)),
		zap.Int("recipients", len(candidates)),
		zap.Int("excluded", excluded[ReasonExcluded]),
		zap.Int("system", excluded[ReasonSystem]),
		zap.Int("opted_out", excluded[ReasonOptedOut]),
		zap.Int("frequency_capped", excluded[ReasonFreqCap]),
	)

	return candidates, nil
}

// drop removes every candidate the batch lookup flags.
func (r *Resolver) drop(ctx context.Context, candidates []db.Recipient, flag func(context.Context, []int64) (map[int64]bool, error), reason string, excluded map[string]int) ([]db.Recipient, error) {
	if len(candidates) == 0 {
		return candidates, nil
	}

	ids := make([]int64, len(candidates))
	for i, rc := range candidates {
		ids[i] = rc.ID
	}

	flagged, err := flag(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("%w: %s lookup: %v", ErrResolution, reason, err)
	}
	if len(flagged) == 0 {
		return candidates, nil
	}

	kept := candidates[:0]
	for _, rc := range candidates {
		if flagged[rc.ID] {
			excluded[reason]++
			continue
		}
		kept = append(kept, rc)
	}
	return kept, nil
}
