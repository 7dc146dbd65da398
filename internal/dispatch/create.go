package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pnptv/herald/internal/abtest"
	"github.com/pnptv/herald/internal/audience"
	"github.com/pnptv/herald/internal/db"
	"github.com/pnptv/herald/internal/transport"
)

const maxTitleLength = 200

// DefaultParseMode is used when a job does not name one.
const DefaultParseMode = "Markdown"

var parseModes = map[string]bool{
	"Markdown":   true,
	"MarkdownV2": true,
	"HTML":       true,
}

var mediaTypes = map[string]bool{
	db.MediaPhoto:    true,
	db.MediaVideo:    true,
	db.MediaDocument: true,
	db.MediaAudio:    true,
	db.MediaVoice:    true,
}

// JobSpec is what an admin submits to create a broadcast.
type JobSpec struct {
	Title         string            `json:"title"`
	CreatedBy     int64             `json:"created_by"`
	CreatedByName string            `json:"created_by_name,omitempty"`
	Messages      map[string]string `json:"messages"`
	ParseMode     string            `json:"parse_mode,omitempty"`
	Buttons       [][]db.Button     `json:"buttons,omitempty"`
	Media         *db.Media         `json:"media,omitempty"`

	TargetType     string            `json:"target_type"`
	IncludeFilters map[string]string `json:"include_filters,omitempty"`
	ExcludeUserIDs []int64           `json:"exclude_user_ids,omitempty"`
	SegmentPrefix  map[string]string `json:"segment_prefix,omitempty"`
	SegmentSuffix  map[string]string `json:"segment_suffix,omitempty"`

	ABTestID    *uuid.UUID `json:"ab_test_id,omitempty"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidJob, fmt.Sprintf(format, args...))
}

// Validate checks a spec against the platform limits. now is the reference
// for the schedule.
func (s JobSpec) Validate(now time.Time) error {
	if strings.TrimSpace(s.Title) == "" {
		return invalid("title is required")
	}
	if utf8.RuneCountInString(s.Title) > maxTitleLength {
		return invalid("title exceeds %d characters", maxTitleLength)
	}

	hasBody := false
	for _, body := range s.Messages {
		if strings.TrimSpace(body) != "" {
			hasBody = true
			break
		}
	}
	if !hasBody {
		return invalid("at least one message body is required")
	}
	if err := s.checkLengths("", s.Messages); err != nil {
		return err
	}

	if s.ParseMode != "" && !parseModes[s.ParseMode] {
		return invalid("unknown parse mode %q", s.ParseMode)
	}

	if m := s.Media; m != nil {
		if !mediaTypes[m.Type] {
			return invalid("unknown media type %q", m.Type)
		}
		sources := 0
		if m.URL != "" {
			sources++
		}
		if m.FileID != "" {
			sources++
		}
		if m.S3Bucket != "" || m.S3Key != "" {
			if m.S3Bucket == "" || m.S3Key == "" {
				return invalid("media needs both s3_bucket and s3_key")
			}
			sources++
		}
		if sources != 1 {
			return invalid("media needs exactly one of url, file_id or s3 location")
		}
	}

	for i, row := range s.Buttons {
		for j, b := range row {
			if strings.TrimSpace(b.Text) == "" {
				return invalid("button %d.%d has no text", i+1, j+1)
			}
			if (b.URL == "") == (b.Data == "") {
				return invalid("button %d.%d needs exactly one of url or data", i+1, j+1)
			}
		}
	}

	if _, err := audience.Query(&db.Job{TargetType: s.TargetType, IncludeFilters: s.IncludeFilters}); err != nil {
		return invalid("%v", err)
	}

	if s.ScheduledAt != nil && !s.ScheduledAt.After(now) {
		return invalid("scheduled time must be in the future")
	}
	return nil
}

// checkLengths measures every body as the longest segment personalization
// would send it. label names the variant, if any.
func (s JobSpec) checkLengths(label string, messages map[string]string) error {
	limit, what := transport.MaxTextLength, "message"
	if s.Media != nil {
		limit, what = transport.MaxCaptionLength, "caption"
	}
	if label != "" {
		what = label + " " + what
	}

	extra := personalizationLength(s.SegmentPrefix, s.SegmentSuffix)
	for lang, body := range messages {
		if strings.TrimSpace(body) == "" {
			continue
		}
		if n := utf8.RuneCountInString(body) + extra; n > limit {
			if extra > 0 {
				return invalid("%s for %q is %d characters with segment prefix and suffix, limit is %d", what, lang, n, limit)
			}
			return invalid("%s for %q is %d characters, limit is %d", what, lang, n, limit)
		}
	}
	return nil
}

// personalizationLength is the most characters any segment adds around a body.
func personalizationLength(prefix, suffix map[string]string) int {
	longest := 0
	for seg, p := range prefix {
		if n := utf8.RuneCountInString(p) + utf8.RuneCountInString(suffix[seg]); n > longest {
			longest = n
		}
	}
	for seg, sfx := range suffix {
		if _, ok := prefix[seg]; ok {
			continue
		}
		if n := utf8.RuneCountInString(sfx); n > longest {
			longest = n
		}
	}
	return longest
}

// checkVariants applies the job's length limits to its A/B test's bodies.
func (e *Engine) checkVariants(ctx context.Context, spec JobSpec) error {
	if spec.ABTestID == nil || e.tests == nil {
		return nil
	}
	t, err := e.tests.Load(ctx, *spec.ABTestID)
	if errors.Is(err, db.ErrNotFound) {
		return invalid("ab test %s not found", *spec.ABTestID)
	}
	if errors.Is(err, abtest.ErrInvalidTest) {
		return invalid("%v", err)
	}
	if err != nil {
		return fmt.Errorf("load ab test: %w", err)
	}
	for _, v := range t.Variants {
		if err := spec.checkLengths(fmt.Sprintf("variant %q", v.Key), v.Messages); err != nil {
			return err
		}
	}
	return nil
}

// CreateJob validates a JobSpec and stores a draft, or a scheduled job when
// a schedule is given.
func (e *Engine) CreateJob(ctx context.Context, spec JobSpec) (*db.Job, error) {
	if err := spec.Validate(e.now()); err != nil {
		return nil, err
	}
	if err := e.checkVariants(ctx, spec); err != nil {
		return nil, err
	}

	job := &db.Job{
		ID:             uuid.New(),
		Title:          strings.TrimSpace(spec.Title),
		CreatedBy:      spec.CreatedBy,
		CreatedByName:  spec.CreatedByName,
		Messages:       spec.Messages,
		ParseMode:      spec.ParseMode,
		Buttons:        spec.Buttons,
		Media:          spec.Media,
		TargetType:     spec.TargetType,
		IncludeFilters: spec.IncludeFilters,
		ExcludeUserIDs: spec.ExcludeUserIDs,
		SegmentPrefix:  spec.SegmentPrefix,
		SegmentSuffix:  spec.SegmentSuffix,
		ABTestID:       spec.ABTestID,
		ScheduledAt:    spec.ScheduledAt,
		Status:         db.JobDraft,
	}
	if job.ParseMode == "" {
		job.ParseMode = DefaultParseMode
	}
	if job.ScheduledAt != nil {
		at := job.ScheduledAt.UTC()
		job.ScheduledAt = &at
		job.Status = db.JobScheduled
	}

	if err := e.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create broadcast: %w", err)
	}

	e.logger.Info("broadcast queued",
		zap.String("job_id", job.ID.String()),
		zap.String("status", job.Status),
		zap.Int64("created_by", job.CreatedBy),
	)
	return job, nil
}
