package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pnptv/herald/internal/abtest"
	"github.com/pnptv/herald/internal/analytics"
	"github.com/pnptv/herald/internal/db"
	"github.com/pnptv/herald/internal/dispatch"
	"github.com/pnptv/herald/internal/metrics"
	"github.com/pnptv/herald/internal/redis"
	"github.com/pnptv/herald/internal/worker"
)

// Broadcasts is the job lifecycle the handlers drive.
type Broadcasts interface {
	CreateJob(ctx context.Context, spec dispatch.JobSpec) (*db.Job, error)
	Cancel(ctx context.Context, id uuid.UUID, by int64, reason string) error
	Progress(ctx context.Context, id uuid.UUID) (db.Progress, error)
}

// JobStore serves the read-only listings.
type JobStore interface {
	GetJob(ctx context.Context, id uuid.UUID) (*db.Job, error)
	ListJobs(ctx context.Context, status string, limit, offset int) ([]*db.Job, error)
	ListDeadLetters(ctx context.Context, jobID uuid.UUID, limit, offset int) ([]*db.DeadLetter, error)
}

type Reports interface {
	JobSummary(ctx context.Context, jobID uuid.UUID) (*analytics.Summary, error)
	TestResults(ctx context.Context, testID uuid.UUID) (*analytics.TestResults, error)
	TrackEngagement(ctx context.Context, e *db.Engagement) error
	TopJobs(ctx context.Context, since time.Time, limit int) ([]analytics.RankedJob, error)
}

type Tests interface {
	CreateTest(ctx context.Context, name string, jobID *uuid.UUID, variants []db.ABVariant) (*db.ABTest, error)
}

// Triggerer starts a dispatch run in this process.
type Triggerer interface {
	Trigger(id uuid.UUID, source string) error
}

// TriggerQueue hands a dispatch request to whichever process consumes the
// queue.
type TriggerQueue interface {
	EnqueueDispatch(ctx context.Context, jobID uuid.UUID, requestedBy int64) (string, error)
}

type Idempotency interface {
	Begin(ctx context.Context, adminID, key string) (*redis.CreatedJob, error)
	Complete(ctx context.Context, adminID, key, jobID string) error
	Abandon(ctx context.Context, adminID, key string) error
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Deps are the handler's collaborators. Queue and Idempotency are
// optional; without a queue, dispatch requests go to Trigger.
type Deps struct {
	Broadcasts  Broadcasts
	Store       JobStore
	Reports     Reports
	Tests       Tests
	Trigger     Triggerer
	Queue       TriggerQueue
	Idempotency Idempotency
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger *zap.Logger
	deps   Deps
}

func NewHandler(logger *zap.Logger, deps Deps) *Handler {
	return &Handler{logger: logger, deps: deps}
}

// Routes mounts the admin API on r. Callers add RequireAdmin in front.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/broadcasts", func(r chi.Router) {
		r.Post("/", h.CreateBroadcast)
		r.Get("/", h.ListBroadcasts)
		r.Get("/top", h.TopBroadcasts)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetBroadcast)
			r.Get("/progress", h.GetProgress)
			r.Post("/dispatch", h.DispatchBroadcast)
			r.Post("/cancel", h.CancelBroadcast)
			r.Get("/analytics", h.GetAnalytics)
			r.Post("/engagements", h.TrackEngagement)
			r.Get("/dead-letters", h.ListDeadLetters)
		})
	})

	r.Post("/ab-tests", h.CreateABTest)
	r.Get("/ab-tests/{id}/results", h.GetABTestResults)
}

// CreateBroadcast handles POST /v1/broadcasts.
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) CreateBroadcast(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	admin := AdminFromContext(ctx)
	adminID := strconv.FormatInt(admin, 10)

	var spec dispatch.JobSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	spec.CreatedBy = admin

	key := r.Header.Get("Idempotency-Key")
	reserved := false
	if key != "" && h.deps.Idempotency != nil {
		prev, err := h.deps.Idempotency.Begin(ctx, adminID, key)
		switch {
		case errors.Is(err, redis.ErrRequestInFlight):
			writeError(w, http.StatusConflict, "duplicate_request",
				"Request is already being processed",
				"Another request with this idempotency key is in progress")
			return
		case err != nil:
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", key),
			)
		case prev != nil:
			h.replayCreate(w, r, prev)
			return
		default:
			reserved = true
		}
	}

	job, err := h.deps.Broadcasts.CreateJob(ctx, spec)
	if err != nil {
		if reserved {
			if aerr := h.deps.Idempotency.Abandon(ctx, adminID, key); aerr != nil {
				h.logger.Warn("failed to release idempotency key", zap.Error(aerr))
			}
		}
		if errors.Is(err, dispatch.ErrInvalidJob) {
			writeError(w, http.StatusBadRequest, "invalid_broadcast", "Invalid broadcast", err.Error())
			return
		}
		h.logger.Error("failed to create broadcast", zap.Error(err), zap.Int64("admin_id", admin))
		writeError(w, http.StatusInternalServerError, "database_error", "Failed to create broadcast", "")
		return
	}

	if reserved {
		if err := h.deps.Idempotency.Complete(ctx, adminID, key, job.ID.String()); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", key),
			)
		}
	}

	h.logger.Info("broadcast created",
		zap.String("job_id", job.ID.String()),
		zap.Int64("admin_id", admin),
		zap.String("status", job.Status),
	)
	writeJSON(w, http.StatusCreated, job)
}

func (h *Handler) replayCreate(w http.ResponseWriter, r *http.Request, prev *redis.CreatedJob) {
	metrics.RecordIdempotencyHit()
	w.Header().Set("X-Idempotency-Replayed", "true")

	id, err := uuid.Parse(prev.JobID)
	if err == nil {
		if job, err := h.deps.Store.GetJob(r.Context(), id); err == nil {
			writeJSON(w, http.StatusOK, job)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": prev.JobID})
}

// ListBroadcasts handles GET /v1/broadcasts?status=sending&limit=20&offset=0
func (h *Handler) ListBroadcasts(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status != "" && !knownStatus(status) {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid status",
			"status must be one of: draft, scheduled, sending, completed, failed, cancelled")
		return
	}
	limit, offset := page(r)

	jobs, err := h.deps.Store.ListJobs(r.Context(), status, limit, offset)
	if err != nil {
		h.logger.Error("failed to list broadcasts", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "database_error", "Failed to list broadcasts", "")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":   jobs,
		"limit":  limit,
		"offset": offset,
		"count":  len(jobs),
	})
}

// GetBroadcast handles GET /v1/broadcasts/{id}
func (h *Handler) GetBroadcast(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	job, err := h.deps.Store.GetJob(r.Context(), id)
	if err != nil {
		h.jobLookupError(w, err, id)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *Handler) GetProgress(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	prog, err := h.deps.Broadcasts.Progress(r.Context(), id)
	if err != nil {
		h.jobLookupError(w, err, id)
		return
	}
	writeJSON(w, http.StatusOK, prog)
}

// DispatchBroadcast handles POST /v1/broadcasts/{id}/dispatch. The run is
// asynchronous; the response only says it was accepted.
func (h *Handler) DispatchBroadcast(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	job, err := h.deps.Store.GetJob(ctx, id)
	if err != nil {
		h.jobLookupError(w, err, id)
		return
	}
	if terminal(job.Status) {
		writeError(w, http.StatusConflict, "invalid_state", "Broadcast already finished",
			"status is "+job.Status)
		return
	}

	if h.deps.Queue != nil {
		msgID, err := h.deps.Queue.EnqueueDispatch(ctx, id, AdminFromContext(ctx))
		if err != nil {
			h.logger.Error("failed to enqueue dispatch", zap.Error(err), zap.String("job_id", id.String()))
			writeError(w, http.StatusInternalServerError, "enqueue_error", "Failed to enqueue dispatch", "")
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{
			"id":         id.String(),
			"status":     "queued",
			"message_id": msgID,
		})
		return
	}

	if h.deps.Trigger == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "Dispatching is disabled", "")
		return
	}

	err = h.deps.Trigger.Trigger(id, "api")
	switch {
	case errors.Is(err, worker.ErrAlreadyRunning):
		writeJSON(w, http.StatusAccepted, map[string]string{"id": id.String(), "status": "running"})
	case errors.Is(err, worker.ErrAtCapacity):
		w.Header().Set("Retry-After", "30")
		writeError(w, http.StatusServiceUnavailable, "at_capacity", "Too many broadcasts running", "")
	case err != nil:
		h.logger.Error("failed to trigger dispatch", zap.Error(err), zap.String("job_id", id.String()))
		writeError(w, http.StatusServiceUnavailable, "unavailable", "Failed to start dispatch", "")
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"id": id.String(), "status": "started"})
	}
}

// CancelBroadcast handles POST /v1/broadcasts/{id}/cancel. The body with a
// reason is optional.
func (h *Handler) CancelBroadcast(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	err := h.deps.Broadcasts.Cancel(ctx, id, AdminFromContext(ctx), req.Reason)
	switch {
	case errors.Is(err, dispatch.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "not_found", "Broadcast not found", "")
		return
	case errors.Is(err, dispatch.ErrNotCancellable):
		writeError(w, http.StatusConflict, "invalid_state", "Broadcast cannot be cancelled", err.Error())
		return
	case err != nil:
		h.logger.Error("failed to cancel broadcast", zap.Error(err), zap.String("job_id", id.String()))
		writeError(w, http.StatusInternalServerError, "database_error", "Failed to cancel broadcast", "")
		return
	}

	prog, err := h.deps.Broadcasts.Progress(ctx, id)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]string{"id": id.String(), "status": db.JobCancelled})
		return
	}
	writeJSON(w, http.StatusOK, prog)
}

func (h *Handler) GetAnalytics(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	summary, err := h.deps.Reports.JobSummary(r.Context(), id)
	if errors.Is(err, analytics.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "Broadcast not found", "")
		return
	}
	if err != nil {
		h.logger.Error("failed to build analytics", zap.Error(err), zap.String("job_id", id.String()))
		writeError(w, http.StatusInternalServerError, "database_error", "Failed to load analytics", "")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// TopBroadcasts handles GET /v1/broadcasts/top?days=30&limit=10
func (h *Handler) TopBroadcasts(w http.ResponseWriter, r *http.Request) {
	days := 30
	if s := r.URL.Query().Get("days"); s != "" {
		d, err := strconv.Atoi(s)
		if err != nil || d <= 0 || d > 365 {
			writeError(w, http.StatusBadRequest, "invalid_request", "days must be between 1 and 365", "")
			return
		}
		days = d
	}
	limit, _ := page(r)
	if r.URL.Query().Get("limit") == "" {
		limit = analytics.DefaultTopLimit
	}

	since := time.Now().AddDate(0, 0, -days)
	jobs, err := h.deps.Reports.TopJobs(r.Context(), since, limit)
	if err != nil {
		h.logger.Error("failed to rank broadcasts", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "database_error", "Failed to rank broadcasts", "")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":  jobs,
		"days":  days,
		"count": len(jobs),
	})
}

// TrackEngagement handles POST /v1/broadcasts/{id}/engagements
func (h *Handler) TrackEngagement(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var req struct {
		RecipientID int64   `json:"recipient_id"`
		Type        string  `json:"type"`
		VariantKey  *string `json:"variant_key,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	e := &db.Engagement{
		JobID:       id,
		RecipientID: req.RecipientID,
		Type:        req.Type,
		VariantKey:  req.VariantKey,
	}
	err := h.deps.Reports.TrackEngagement(r.Context(), e)
	switch {
	case errors.Is(err, analytics.ErrInvalidEngagement):
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid engagement", err.Error())
		return
	case errors.Is(err, analytics.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "Broadcast not found", "")
		return
	case err != nil:
		h.logger.Error("failed to track engagement", zap.Error(err), zap.String("job_id", id.String()))
		writeError(w, http.StatusInternalServerError, "database_error", "Failed to track engagement", "")
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

// ListDeadLetters handles GET /v1/broadcasts/{id}/dead-letters?limit=20&offset=0
func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	limit, offset := page(r)

	items, err := h.deps.Store.ListDeadLetters(r.Context(), id, limit, offset)
	if err != nil {
		h.logger.Error("failed to list dead letters", zap.Error(err), zap.String("job_id", id.String()))
		writeError(w, http.StatusInternalServerError, "database_error", "Failed to list dead letters", "")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":   items,
		"limit":  limit,
		"offset": offset,
		"count":  len(items),
	})
}

// CreateABTest handles POST /v1/ab-tests
func (h *Handler) CreateABTest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string         `json:"name"`
		JobID    *uuid.UUID     `json:"job_id,omitempty"`
		Variants []db.ABVariant `json:"variants"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	t, err := h.deps.Tests.CreateTest(r.Context(), req.Name, req.JobID, req.Variants)
	if errors.Is(err, abtest.ErrInvalidTest) {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid A/B test", err.Error())
		return
	}
	if err != nil {
		h.logger.Error("failed to create ab test", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "database_error", "Failed to create A/B test", "")
		return
	}

	h.logger.Info("ab test created", zap.String("test_id", t.ID.String()), zap.Int("variants", len(t.Variants)))
	writeJSON(w, http.StatusCreated, t)
}

func (h *Handler) GetABTestResults(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	res, err := h.deps.Reports.TestResults(r.Context(), id)
	if errors.Is(err, analytics.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "A/B test not found", "")
		return
	}
	if err != nil {
		h.logger.Error("failed to build test results", zap.Error(err), zap.String("test_id", id.String()))
		writeError(w, http.StatusInternalServerError, "database_error", "Failed to load test results", "")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) jobLookupError(w http.ResponseWriter, err error, id uuid.UUID) {
	if errors.Is(err, db.ErrNotFound) || errors.Is(err, dispatch.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "Broadcast not found", "")
		return
	}
	h.logger.Error("failed to load broadcast", zap.Error(err), zap.String("job_id", id.String()))
	writeError(w, http.StatusInternalServerError, "database_error", "Failed to load broadcast", "")
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid ID", "ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

// page parses limit and offset, defaulting to 20 and 0. Out of range
// values fall back to the defaults.
func page(r *http.Request) (limit, offset int) {
	limit = 20
	if s := r.URL.Query().Get("limit"); s != "" {
		if l, err := strconv.Atoi(s); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}
	if s := r.URL.Query().Get("offset"); s != "" {
		if o, err := strconv.Atoi(s); err == nil && o >= 0 {
			offset = o
		}
	}
	return limit, offset
}

func knownStatus(s string) bool {
	switch s {
	case db.JobDraft, db.JobScheduled, db.JobSending, db.JobCompleted, db.JobFailed, db.JobCancelled:
		return true
	}
	return false
}

func terminal(s string) bool {
	return s == db.JobCompleted || s == db.JobFailed || s == db.JobCancelled
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
