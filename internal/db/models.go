package db

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a lookup by primary key matches no row.
var ErrNotFound = errors.New("not found")

// Job status constants
const (
	JobDraft     = "draft"
	JobScheduled = "scheduled"
	JobSending   = "sending"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
)

// Audience target types
const (
	TargetAll     = "all"
	TargetTier    = "tier"
	TargetSegment = "segment"
)

// Subscription tiers understood by the tier target
const (
	TierPremium = "premium"
	TierFree    = "free"
	TierChurned = "churned"
)

// Media types
const (
	MediaPhoto    = "photo"
	MediaVideo    = "video"
	MediaDocument = "document"
	MediaAudio    = "audio"
	MediaVoice    = "voice"
)

// Delivery record statuses. All but sent and failed mirror the classifier's
// outcome kinds; failed marks a retry entry that ran out of attempts.
const (
	DeliverySent        = "sent"
	DeliveryThrottled   = "throttled"
	DeliveryBlocked     = "blocked"
	DeliveryDeactivated = "deactivated"
	DeliveryNotFound    = "not_found"
	DeliveryTransient   = "transient"
	DeliveryUnknown     = "unknown"
	DeliveryFailed      = "failed"
)

// Engagement types
const (
	EngagementLike    = "like"
	EngagementShare   = "share"
	EngagementView    = "view"
	EngagementComment = "comment"
	EngagementClick   = "click"
)

// Media is a job's optional attachment. Exactly one of URL, FileID or the
// S3 pair locates it.
type Media struct {
	Type     string `json:"type"`
	URL      string `json:"url,omitempty"`
	FileID   string `json:"file_id,omitempty"`
	S3Bucket string `json:"s3_bucket,omitempty"`
	S3Key    string `json:"s3_key,omitempty"`
}

// Button is one inline keyboard button. URL buttons open a link, data
// buttons call back into the bot.
type Button struct {
	Text string `json:"text"`
	URL  string `json:"url,omitempty"`
	Data string `json:"data,omitempty"`
}

// Counters is the job's delivery accounting. Failed always equals
// Blocked + Deactivated + Error.
type Counters struct {
	Total       int `json:"total"`
	Sent        int `json:"sent"`
	Failed      int `json:"failed"`
	Blocked     int `json:"blocked"`
	Deactivated int `json:"deactivated"`
	Error       int `json:"error"`
}

// Bucket maps a delivery status to the counter it is accounted under.
func Bucket(status string) string {
	switch status {
	case DeliverySent:
		return DeliverySent
	case DeliveryBlocked:
		return DeliveryBlocked
	case DeliveryDeactivated:
		return DeliveryDeactivated
	default:
		return "error"
	}
}

// Record accounts one delivery with the given status.
func (c *Counters) Record(status string) {
	c.add(status, 1)
}

// RecordN accounts n deliveries with the given status.
func (c *Counters) RecordN(status string, n int) {
	c.add(status, n)
}

func (c *Counters) add(status string, n int) {
	switch Bucket(status) {
	case DeliverySent:
		c.Sent += n
		return
	case DeliveryBlocked:
		c.Blocked += n
	case DeliveryDeactivated:
		c.Deactivated += n
	default:
		c.Error += n
	}
	c.Failed += n
}

// Attempted is the number of recipients with a delivery outcome.
func (c Counters) Attempted() int {
	return c.Sent + c.Failed
}

// Percentage is (sent+failed)/total*100, rounded to two decimals.
func (c Counters) Percentage() float64 {
	if c.Total == 0 {
		return 0
	}
	p := float64(c.Attempted()) / float64(c.Total) * 100
	return float64(int64(p*100+0.5)) / 100
}

// Summary renders the counters the way admins see them.
func (c Counters) Summary() string {
	return fmt.Sprintf("sent: %d, failed: %d (blocked: %d, deactivated: %d, error: %d)",
		c.Sent, c.Failed, c.Blocked, c.Deactivated, c.Error)
}

// CounterDelta returns the counter change of reclassifying one delivery
// from one status to another.
func CounterDelta(from, to string) Counters {
	var d Counters
	d.add(from, -1)
	d.add(to, 1)
	return d
}

// IsZero reports whether no counter changed.
func (c Counters) IsZero() bool {
	return c == Counters{}
}

// Job is one broadcast: message, audience and schedule plus its lifecycle
// and delivery accounting.
type Job struct {
	ID            uuid.UUID `json:"id"`
	Title         string    `json:"title"`
	CreatedBy     int64     `json:"created_by"`
	CreatedByName string    `json:"created_by_name,omitempty"`

	// Messages maps a language code to the body in that language.
	Messages  map[string]string `json:"messages"`
	ParseMode string            `json:"parse_mode,omitempty"`
	Buttons   [][]Button        `json:"buttons,omitempty"`
	Media     *Media            `json:"media,omitempty"`

	TargetType     string            `json:"target_type"`
	IncludeFilters map[string]string `json:"include_filters,omitempty"`
	ExcludeUserIDs []int64           `json:"exclude_user_ids,omitempty"`
	SegmentPrefix  map[string]string `json:"segment_prefix,omitempty"`
	SegmentSuffix  map[string]string `json:"segment_suffix,omitempty"`

	ABTestID    *uuid.UUID `json:"ab_test_id,omitempty"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`

	Status             string   `json:"status"`
	Counters           Counters `json:"counters"`
	ProgressPercentage float64  `json:"progress_percentage"`
	LastError          *string  `json:"last_error,omitempty"`

	StartedAt          *time.Time `json:"started_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	CancelledAt        *time.Time `json:"cancelled_at,omitempty"`
	CancelledBy        *int64     `json:"cancelled_by,omitempty"`
	CancellationReason *string    `json:"cancellation_reason,omitempty"`
	HeartbeatAt        *time.Time `json:"heartbeat_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Progress is the observable state of a job.
type Progress struct {
	JobID uuid.UUID `json:"job_id"`
	Counters
	Percentage float64 `json:"percentage"`
	Status     string  `json:"status"`
	Summary    string  `json:"summary"`
}

// Progress snapshots the job's counters.
func (j *Job) Progress() Progress {
	return Progress{
		JobID:      j.ID,
		Counters:   j.Counters,
		Percentage: j.ProgressPercentage,
		Status:     j.Status,
		Summary:    j.Counters.Summary(),
	}
}

// Recipient is one resolved audience member.
type Recipient struct {
	ID       int64  `json:"id"`
	Language string `json:"language"`
	Segment  string `json:"segment"`
}

// AudienceQuery selects recipients from the user store.
type AudienceQuery struct {
	TargetType string
	Tier       string
	Segment    string
	Language   string
}

// DeliveryRecord is the outcome for one (job, recipient) pair.
type DeliveryRecord struct {
	JobID        uuid.UUID `json:"job_id"`
	RecipientID  int64     `json:"recipient_id"`
	Status       string    `json:"status"`
	MessageID    *string   `json:"message_id,omitempty"`
	ErrorCode    *int      `json:"error_code,omitempty"`
	ErrorMessage *string   `json:"error_message,omitempty"`
	Language     string    `json:"language"`
	Segment      string    `json:"segment"`
	VariantKey   *string   `json:"variant_key,omitempty"`
	Attempts     int       `json:"attempts"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// RetryEntry is a retryable delivery waiting for its next attempt.
// Language, Segment and JobStatus are read from the joined delivery record
// and job when entries are loaded.
type RetryEntry struct {
	JobID          uuid.UUID `json:"job_id"`
	RecipientID    int64     `json:"recipient_id"`
	Attempt        int       `json:"attempt"`
	NextEligibleAt time.Time `json:"next_eligible_at"`
	Multiplier     float64   `json:"multiplier"`
	LastError      string    `json:"last_error"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`

	Language  string `json:"language,omitempty"`
	Segment   string `json:"segment,omitempty"`
	JobStatus string `json:"job_status,omitempty"`
}

// RetryOutcome is the result of one retry attempt, applied atomically to
// the delivery record, the retry entry and the job counters.
type RetryOutcome struct {
	Entry        *RetryEntry
	Status       string
	MessageID    *string
	ErrorCode    *int
	ErrorMessage *string

	// Reschedule keeps the entry with attempt+1 eligible at this time.
	// Nil removes the entry.
	Reschedule *time.Time
	// DeadLetter writes an audit row for an exhausted entry.
	DeadLetter bool
	// Abandoned settles the entry without counting an attempt, for jobs
	// cancelled while the entry waited.
	Abandoned bool
}

// DeadLetter audits a retry entry that exhausted its attempts.
type DeadLetter struct {
	ID          uuid.UUID `json:"id"`
	JobID       uuid.UUID `json:"job_id"`
	RecipientID int64     `json:"recipient_id"`
	Attempts    int       `json:"attempts"`
	LastStatus  string    `json:"last_status"`
	LastError   string    `json:"last_error"`
	CreatedAt   time.Time `json:"created_at"`
}

// ABVariant is one content alternative in an A/B test.
type ABVariant struct {
	Key      string            `json:"key"`
	Weight   int               `json:"weight"`
	Messages map[string]string `json:"messages"`
}

// ABTest groups variants for one job.
type ABTest struct {
	ID        uuid.UUID   `json:"id"`
	JobID     *uuid.UUID  `json:"job_id,omitempty"`
	Name      string      `json:"name"`
	Variants  []ABVariant `json:"variants"`
	CreatedAt time.Time   `json:"created_at"`
}

// Engagement is a recipient reacting to a broadcast.
type Engagement struct {
	ID          uuid.UUID `json:"id"`
	JobID       uuid.UUID `json:"job_id"`
	RecipientID int64     `json:"recipient_id"`
	Type        string    `json:"type"`
	VariantKey  *string   `json:"variant_key,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// DeliveryBucket is one group of the per-job delivery breakdown.
type DeliveryBucket struct {
	Status     string
	Language   string
	Segment    string
	VariantKey string
	Count      int
}

// EngagementBucket is one group of the per-job engagement breakdown.
type EngagementBucket struct {
	VariantKey  string
	Type        string
	Count       int
	UniqueUsers int
}

// JobEngagement is a completed job's engagement totals, for ranking.
type JobEngagement struct {
	JobID          uuid.UUID
	Title          string
	Sent           int
	Engagements    int
	UniqueEngagers int
	CompletedAt    *time.Time
}

// Lifecycle event types published for downstream consumers.
const (
	EventStarted   = "broadcast.started"
	EventCompleted = "broadcast.completed"
	EventFailed    = "broadcast.failed"
	EventCancelled = "broadcast.cancelled"
)

// JobEvent announces a job lifecycle transition.
type JobEvent struct {
	Type     string    `json:"type"`
	JobID    uuid.UUID `json:"job_id"`
	Title    string    `json:"title,omitempty"`
	Status   string    `json:"status"`
	Counters Counters  `json:"counters"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}
