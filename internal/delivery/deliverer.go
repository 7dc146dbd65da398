// Package delivery is the send path shared by the dispatch loop and the
// retry processor: compose the recipient's content, pace, send, honor a
// throttle once inline and classify the result.
package delivery

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pnptv/herald/internal/abtest"
	"github.com/pnptv/herald/internal/classify"
	"github.com/pnptv/herald/internal/db"
	"github.com/pnptv/herald/internal/metrics"
	"github.com/pnptv/herald/internal/transport"
)

// DefaultLanguage is used when a recipient's language has no body.
const DefaultLanguage = "en"

type MediaResolver interface {
	Resolve(ctx context.Context, m *db.Media) (*transport.Media, error)
}

// Variants loads A/B tests and assigns recipients to variants.
type Variants interface {
	Load(ctx context.Context, testID uuid.UUID) (*abtest.Test, error)
	Assign(ctx context.Context, t *abtest.Test, recipientID int64) (string, error)
}

// Config tunes the send path.
type Config struct {
	// Rate is the global messages-per-second ceiling shared by every run.
	Rate float64
	// Burst defaults to 1.
	Burst int
	// ThrottleMin and ThrottleMax clamp the platform's retry-after.
	ThrottleMin time.Duration
	ThrottleMax time.Duration
}

// Plan is everything about a job that is resolved once per run.
type Plan struct {
	Job   *db.Job
	Media *transport.Media
	Test  *abtest.Test
}

// Attempt is the result of delivering to one recipient.
type Attempt struct {
	Outcome    classify.Outcome
	MessageID  string
	VariantKey string
	Language   string
	Segment    string
	// Err is the last transport error, nil on success.
	Err error
}

// Status is the delivery record status for the attempt.
func (a Attempt) Status() string {
	return string(a.Outcome.Kind)
}

// Deliverer sends one recipient's message.
type Deliverer struct {
	transport  transport.Transport
	classifier classify.Classifier
	media      MediaResolver
	variants   Variants
	limiter    *rate.Limiter
	cfg        Config
	logger     *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a Deliverer. variants may be nil when A/B testing is unused.
func New(t transport.Transport, classifier classify.Classifier, media MediaResolver, variants Variants, cfg Config, logger *zap.Logger) *Deliverer {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.ThrottleMin <= 0 {
		cfg.ThrottleMin = time.Second
	}
	if cfg.ThrottleMax < cfg.ThrottleMin {
		cfg.ThrottleMax = cfg.ThrottleMin
	}

	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}

	return &Deliverer{
		transport:  t,
		classifier: classifier,
		media:      media,
		variants:   variants,
		limiter:    rate.NewLimiter(limit, cfg.Burst),
		cfg:        cfg,
		logger:     logger,
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Prepare resolves the job's media and loads its A/B test.
func (d *Deliverer) Prepare(ctx context.Context, job *db.Job) (*Plan, error) {
	plan := &Plan{Job: job}

	if job.Media != nil {
		if d.media == nil {
			return nil, fmt.Errorf("job %s has media but no media resolver is configured", job.ID)
		}
		m, err := d.media.Resolve(ctx, job.Media)
		if err != nil {
			return nil, fmt.Errorf("resolve media: %w", err)
		}
		plan.Media = m
	}

	if job.ABTestID != nil && d.variants != nil {
		t, err := d.variants.Load(ctx, *job.ABTestID)
		if err != nil {
			return nil, fmt.Errorf("load ab test: %w", err)
		}
		plan.Test = t
	}

	return plan, nil
}

// Deliver composes, sends and classifies one message. A throttled send is
// retried once after the clamped retry-after; the second result stands.
func (d *Deliverer) Deliver(ctx context.Context, plan *Plan, rc db.Recipient) Attempt {
	att := Attempt{Language: rc.Language, Segment: rc.Segment}

	messages := plan.Job.Messages
	if plan.Test != nil {
		att.VariantKey = d.assign(ctx, plan.Test, rc.ID)
		if vm, ok := plan.Test.Content(att.VariantKey); ok {
			messages = vm
		}
	}

	content := transport.Content{
		Text:      Personalize(plan.Job, rc.Segment, Body(messages, rc.Language)),
		ParseMode: plan.Job.ParseMode,
		Media:     plan.Media,
		Buttons:   Buttons(plan.Job.Buttons),
	}

	att.MessageID, att.Err = d.send(ctx, rc.ID, content)
	att.Outcome = d.classifier.Classify(att.Err)

	if att.Outcome.Kind == classify.Throttled && ctx.Err() == nil {
		wait := d.clamp(att.Outcome.RetryAfter)
		d.logger.Info("throttled, waiting before inline retry",
			zap.String("job_id", plan.Job.ID.String()),
			zap.Int64("recipient_id", rc.ID),
			zap.Duration("wait", wait),
		)
		metrics.ObserveThrottleWait(wait)

		if err := d.sleep(ctx, wait); err == nil {
			att.MessageID, att.Err = d.send(ctx, rc.ID, content)
			att.Outcome = d.classifier.Classify(att.Err)
		}
	}

	return att
}

func (d *Deliverer) assign(ctx context.Context, t *abtest.Test, recipientID int64) string {
	key, err := d.variants.Assign(ctx, t, recipientID)
	if err != nil {
		d.logger.Warn("variant assignment not persisted, using computed pick",
			zap.String("test_id", t.ID.String()),
			zap.Int64("recipient_id", recipientID),
			zap.Error(err),
		)
		return t.Pick(recipientID)
	}
	return key
}

func (d *Deliverer) send(ctx context.Context, recipientID int64, content transport.Content) (string, error) {
	start := time.Now()
	defer func() { metrics.ObserveSend(time.Since(start)) }()

	if err := d.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return d.transport.Send(ctx, recipientID, content)
}

func (d *Deliverer) clamp(retryAfter time.Duration) time.Duration {
	if retryAfter < d.cfg.ThrottleMin {
		return d.cfg.ThrottleMin
	}
	if retryAfter > d.cfg.ThrottleMax {
		return d.cfg.ThrottleMax
	}
	return retryAfter
}

// Body picks the message for a language: exact match, then the base
// language ("pt-BR" to "pt"), then English, then the first language in
// sorted order.
func Body(messages map[string]string, language string) string {
	lang := strings.ToLower(language)
	if body := messages[lang]; body != "" {
		return body
	}
	if base, _, ok := strings.Cut(lang, "-"); ok {
		if body := messages[base]; body != "" {
			return body
		}
	}
	if body := messages[DefaultLanguage]; body != "" {
		return body
	}

	langs := make([]string, 0, len(messages))
	for l, body := range messages {
		if body != "" {
			langs = append(langs, l)
		}
	}
	if len(langs) == 0 {
		return ""
	}
	sort.Strings(langs)
	return messages[langs[0]]
}

// Personalize wraps body in the job's per-segment prefix and suffix.
func Personalize(job *db.Job, segment, body string) string {
	return job.SegmentPrefix[segment] + body + job.SegmentSuffix[segment]
}

// Buttons converts stored keyboard rows to the transport's type.
func Buttons(rows [][]db.Button) [][]transport.Button {
	if len(rows) == 0 {
		return nil
	}
	out := make([][]transport.Button, len(rows))
	for i, row := range rows {
		out[i] = make([]transport.Button, len(row))
		for j, b := range row {
			out[i][j] = transport.Button{Text: b.Text, URL: b.URL, Data: b.Data}
		}
	}
	return out
}

// Record builds the delivery record for an attempt.
func Record(jobID uuid.UUID, recipientID int64, att Attempt) *db.DeliveryRecord {
	rec := &db.DeliveryRecord{
		JobID:       jobID,
		RecipientID: recipientID,
		Status:      att.Status(),
		Language:    att.Language,
		Segment:     att.Segment,
	}
	if att.MessageID != "" {
		rec.MessageID = &att.MessageID
	}
	if att.VariantKey != "" {
		rec.VariantKey = &att.VariantKey
	}
	if att.Err != nil {
		code := att.Outcome.Code
		msg := att.Err.Error()
		if att.Outcome.Description != "" {
			msg = att.Outcome.Description
		}
		rec.ErrorCode = &code
		rec.ErrorMessage = &msg
	}
	return rec
}
