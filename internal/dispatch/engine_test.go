package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pnptv/herald/internal/classify"
	"github.com/pnptv/herald/internal/db"
	"github.com/pnptv/herald/internal/delivery"
	"github.com/pnptv/herald/internal/redis"
)

type deliveryKey struct {
	job       uuid.UUID
	recipient int64
}

// memStore is an in-memory Store with the same guards as the SQL.
type memStore struct {
	mu         sync.Mutex
	jobs       map[uuid.UUID]*db.Job
	deliveries map[deliveryKey]*db.DeliveryRecord
	retries    map[deliveryKey]*db.RetryEntry
	flushes    []db.Counters
	claims     int

	upsertErr   func(rec *db.DeliveryRecord) error
	statusCalls int
}

func newMemStore() *memStore {
	return &memStore{
		jobs:       make(map[uuid.UUID]*db.Job),
		deliveries: make(map[deliveryKey]*db.DeliveryRecord),
		retries:    make(map[deliveryKey]*db.RetryEntry),
	}
}

func (s *memStore) add(job *db.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
}

func (s *memStore) job(id uuid.UUID) db.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.jobs[id]
}

func (s *memStore) setStatus(id uuid.UUID, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[id].Status = status
}

func (s *memStore) CreateJob(ctx context.Context, job *db.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job.CreatedAt = time.Now()
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *memStore) GetJob(ctx context.Context, id uuid.UUID) (*db.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *memStore) GetJobStatus(ctx context.Context, id uuid.UUID) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusCalls++
	j, ok := s.jobs[id]
	if !ok {
		return "", db.ErrNotFound
	}
	return j.Status, nil
}

func (s *memStore) ClaimJob(ctx context.Context, id uuid.UUID, staleBefore time.Time) (*db.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, false, nil
	}
	switch {
	case j.Status == db.JobDraft || j.Status == db.JobScheduled:
	case j.Status == db.JobSending && (j.HeartbeatAt == nil || j.HeartbeatAt.Before(staleBefore)):
	default:
		return nil, false, nil
	}
	now := time.Now()
	j.Status = db.JobSending
	j.HeartbeatAt = &now
	if j.StartedAt == nil {
		j.StartedAt = &now
	}
	s.claims++
	cp := *j
	return &cp, true, nil
}

func (s *memStore) UpdateProgress(ctx context.Context, id uuid.UUID, c db.Counters) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[id]
	j.Counters = c
	j.ProgressPercentage = c.Percentage()
	now := time.Now()
	j.HeartbeatAt = &now
	s.flushes = append(s.flushes, c)
	return nil
}

func (s *memStore) FinishJob(ctx context.Context, id uuid.UUID, status string, lastError *string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[id]
	if j.Status != db.JobSending {
		return false, nil
	}
	j.Status = status
	j.LastError = lastError
	return true, nil
}

func (s *memStore) CancelJob(ctx context.Context, id uuid.UUID, by int64, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return false, nil
	}
	switch j.Status {
	case db.JobDraft, db.JobScheduled, db.JobSending:
	default:
		return false, nil
	}
	j.Status = db.JobCancelled
	j.CancelledBy = &by
	j.CancellationReason = &reason
	return true, nil
}

func (s *memStore) DueJobs(ctx context.Context, now, staleBefore time.Time, limit int) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []uuid.UUID
	for id, j := range s.jobs {
		if j.Status == db.JobScheduled && j.ScheduledAt != nil && !j.ScheduledAt.After(now) {
			ids = append(ids, id)
		}
		if j.Status == db.JobSending && (j.HeartbeatAt == nil || j.HeartbeatAt.Before(staleBefore)) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *memStore) DeliveredRecipients(ctx context.Context, jobID uuid.UUID) (map[int64]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64]struct{})
	for k := range s.deliveries {
		if k.job == jobID {
			out[k.recipient] = struct{}{}
		}
	}
	return out, nil
}

func (s *memStore) CountDeliveries(ctx context.Context, jobID uuid.UUID) (db.Counters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var c db.Counters
	for k, rec := range s.deliveries {
		if k.job == jobID {
			c.Record(rec.Status)
		}
	}
	return c, nil
}

func (s *memStore) UpsertDelivery(ctx context.Context, rec *db.DeliveryRecord) error {
	if s.upsertErr != nil {
		if err := s.upsertErr(rec); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := deliveryKey{rec.JobID, rec.RecipientID}
	if prev, ok := s.deliveries[k]; ok {
		rec.Attempts = prev.Attempts + 1
	} else {
		rec.Attempts = 1
	}
	cp := *rec
	s.deliveries[k] = &cp
	return nil
}

func (s *memStore) EnqueueRetry(ctx context.Context, e *db.RetryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retries[deliveryKey{e.JobID, e.RecipientID}] = e
	return nil
}

func (s *memStore) records(jobID uuid.UUID) map[int64]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64]string)
	for k, rec := range s.deliveries {
		if k.job == jobID {
			out[k.recipient] = rec.Status
		}
	}
	return out
}

type fakeResolver struct {
	recipients []db.Recipient
	err        error
}

func (f *fakeResolver) Resolve(ctx context.Context, job *db.Job) ([]db.Recipient, error) {
	return f.recipients, f.err
}

// fakeSender answers with a fixed outcome per recipient, Sent by default.
type fakeSender struct {
	mu       sync.Mutex
	outcomes map[int64]classify.Kind
	sends    map[int64]int
	hook     func(n int, rc db.Recipient)
	panicOn  int64
}

func (f *fakeSender) Prepare(ctx context.Context, job *db.Job) (*delivery.Plan, error) {
	return &delivery.Plan{Job: job}, nil
}

func (f *fakeSender) Deliver(ctx context.Context, plan *delivery.Plan, rc db.Recipient) delivery.Attempt {
	if f.panicOn != 0 && rc.ID == f.panicOn {
		panic("sender exploded")
	}

	f.mu.Lock()
	if f.sends == nil {
		f.sends = make(map[int64]int)
	}
	f.sends[rc.ID]++
	n := 0
	for _, c := range f.sends {
		n += c
	}
	kind, ok := f.outcomes[rc.ID]
	f.mu.Unlock()

	if f.hook != nil {
		f.hook(n, rc)
	}

	if !ok {
		kind = classify.Sent
	}
	att := delivery.Attempt{
		Outcome:  classify.Outcome{Kind: kind},
		Language: rc.Language,
		Segment:  rc.Segment,
	}
	if kind == classify.Sent {
		att.MessageID = fmt.Sprintf("m%d", rc.ID)
	} else {
		att.Err = errors.New(string(kind))
	}
	return att
}

func (f *fakeSender) count(id int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sends[id]
}

type fakeEvents struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeEvents) PublishJobEvent(ctx context.Context, evt db.JobEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, evt.Type)
	return nil
}

type fakeLeases struct {
	held     bool
	released int
	extended int
}

func (f *fakeLeases) Acquire(ctx context.Context, name string, ttl time.Duration) (string, error) {
	if f.held {
		return "", redis.ErrLeaseHeld
	}
	return "token", nil
}

func (f *fakeLeases) Extend(ctx context.Context, name, token string, ttl time.Duration) error {
	f.extended++
	return nil
}

func (f *fakeLeases) Release(ctx context.Context, name, token string) error {
	f.released++
	return nil
}

type fakeFreqCap struct {
	mu  sync.Mutex
	ids []int64
}

func (f *fakeFreqCap) Record(ctx context.Context, recipientID int64, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, recipientID)
	return nil
}

func recipients(n int) []db.Recipient {
	out := make([]db.Recipient, n)
	for i := range out {
		out[i] = db.Recipient{ID: int64(i + 1), Language: "en", Segment: "free"}
	}
	return out
}

func draftJob() *db.Job {
	return &db.Job{
		ID:         uuid.New(),
		Title:      "launch",
		Messages:   map[string]string{"en": "hello"},
		TargetType: db.TargetAll,
		Status:     db.JobDraft,
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PaceDelay = 0
	cfg.CancelCheckEvery = 1
	cfg.FlushEvery = 2
	return cfg
}

func newTestEngine(store *memStore, resolver *fakeResolver, sender *fakeSender, opts Options) *Engine {
	e := NewEngine(store, resolver, sender, opts, testConfig(), zap.NewNop())
	e.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return e
}

func checkConservation(t *testing.T, flushes []db.Counters) {
	t.Helper()
	prev := db.Counters{}
	for i, c := range flushes {
		if c.Failed != c.Blocked+c.Deactivated+c.Error {
			t.Errorf("flush %d: failed %d != blocked+deactivated+error %+v", i, c.Failed, c)
		}
		if c.Attempted() > c.Total {
			t.Errorf("flush %d: attempted %d exceeds total %d", i, c.Attempted(), c.Total)
		}
		if c.Sent < prev.Sent || c.Failed < prev.Failed {
			t.Errorf("flush %d: counters decreased from %+v to %+v", i, prev, c)
		}
		prev = c
	}
}

func TestDispatch_FiveRecipientsOneBlocked(t *testing.T) {
	store := newMemStore()
	job := draftJob()
	store.add(job)

	sender := &fakeSender{outcomes: map[int64]classify.Kind{3: classify.Blocked}}
	events := &fakeEvents{}
	freq := &fakeFreqCap{}
	e := newTestEngine(store, &fakeResolver{recipients: recipients(5)}, sender, Options{Events: events, FreqCap: freq})

	prog, err := e.Dispatch(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := db.Counters{Total: 5, Sent: 4, Failed: 1, Blocked: 1}
	if diff := cmp.Diff(want, prog.Counters); diff != "" {
		t.Errorf("counters mismatch (-want +got):\n%s", diff)
	}
	if prog.Status != db.JobCompleted || prog.Percentage != 100 {
		t.Errorf("expected completed at 100%%, got %s at %v", prog.Status, prog.Percentage)
	}
	if prog.Summary != "sent: 4, failed: 1 (blocked: 1, deactivated: 0, error: 0)" {
		t.Errorf("unexpected summary %q", prog.Summary)
	}

	stored := store.job(job.ID)
	if stored.Status != db.JobCompleted {
		t.Errorf("expected stored status completed, got %s", stored.Status)
	}
	if diff := cmp.Diff(want, stored.Counters); diff != "" {
		t.Errorf("stored counters mismatch (-want +got):\n%s", diff)
	}
	if got := store.records(job.ID); len(got) != 5 || got[3] != db.DeliveryBlocked {
		t.Errorf("unexpected records %v", got)
	}
	if len(store.retries) != 0 {
		t.Errorf("blocked is permanent, expected no retries, got %d", len(store.retries))
	}
	if len(freq.ids) != 4 {
		t.Errorf("expected 4 frequency cap hits, got %v", freq.ids)
	}
	if diff := cmp.Diff([]string{db.EventStarted, db.EventCompleted}, events.events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
	checkConservation(t, store.flushes)
}

func TestDispatch_CancelAfterTwoOfTen(t *testing.T) {
	store := newMemStore()
	job := draftJob()
	store.add(job)

	sender := &fakeSender{}
	sender.hook = func(n int, rc db.Recipient) {
		if n == 2 {
			store.setStatus(job.ID, db.JobCancelled)
		}
	}
	e := newTestEngine(store, &fakeResolver{recipients: recipients(10)}, sender, Options{})

	prog, err := e.Dispatch(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if prog.Status != db.JobCancelled {
		t.Errorf("expected cancelled, got %s", prog.Status)
	}
	if prog.Sent != 2 || prog.Total != 10 {
		t.Errorf("expected 2 of 10 sent, got %+v", prog.Counters)
	}
	if got := len(store.records(job.ID)); got != 2 {
		t.Errorf("expected 2 records, got %d", got)
	}
	if stored := store.job(job.ID); stored.Status != db.JobCancelled || stored.Counters.Sent != 2 {
		t.Errorf("expected cancelled with 2 sent, got %s with %+v", stored.Status, stored.Counters)
	}
	checkConservation(t, store.flushes)
}

func TestDispatch_ConcurrentTriggersRunOnce(t *testing.T) {
	store := newMemStore()
	job := draftJob()
	store.add(job)

	sender := &fakeSender{}
	e := newTestEngine(store, &fakeResolver{recipients: recipients(20)}, sender, Options{})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.Dispatch(context.Background(), job.ID); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if store.claims != 1 {
		t.Errorf("expected exactly one claim, got %d", store.claims)
	}
	for id := int64(1); id <= 20; id++ {
		if n := sender.count(id); n != 1 {
			t.Errorf("recipient %d sent %d times", id, n)
		}
	}
	if stored := store.job(job.ID); stored.Status != db.JobCompleted || stored.Counters.Sent != 20 {
		t.Errorf("expected completed with 20 sent, got %s %+v", stored.Status, stored.Counters)
	}
}

func TestDispatch_TerminalJobIsNoop(t *testing.T) {
	store := newMemStore()
	job := draftJob()
	job.Status = db.JobCompleted
	job.Counters = db.Counters{Total: 3, Sent: 3}
	store.add(job)

	sender := &fakeSender{}
	e := newTestEngine(store, &fakeResolver{recipients: recipients(3)}, sender, Options{})

	prog, err := e.Dispatch(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if prog.Status != db.JobCompleted || prog.Sent != 3 {
		t.Errorf("expected stored progress, got %+v", prog)
	}
	if len(sender.sends) != 0 {
		t.Errorf("expected no sends, got %v", sender.sends)
	}
}

func TestDispatch_DeactivatedTwiceKeepsOneRecord(t *testing.T) {
	store := newMemStore()
	job := draftJob()
	store.add(job)

	sender := &fakeSender{outcomes: map[int64]classify.Kind{2: classify.Deactivated}}
	e := newTestEngine(store, &fakeResolver{recipients: recipients(3)}, sender, Options{})

	if _, err := e.Dispatch(context.Background(), job.ID); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}

	// the run is taken over as if its process had died
	store.mu.Lock()
	stale := time.Now().Add(-time.Hour)
	store.jobs[job.ID].Status = db.JobSending
	store.jobs[job.ID].HeartbeatAt = &stale
	store.mu.Unlock()

	prog, err := e.Dispatch(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("second dispatch: %v", err)
	}

	if n := sender.count(2); n != 1 {
		t.Errorf("expected recipient 2 sent once, got %d", n)
	}
	records := store.records(job.ID)
	if len(records) != 3 || records[2] != db.DeliveryDeactivated {
		t.Errorf("unexpected records %v", records)
	}
	want := db.Counters{Total: 3, Sent: 2, Failed: 1, Deactivated: 1}
	if diff := cmp.Diff(want, prog.Counters); diff != "" {
		t.Errorf("counters mismatch (-want +got):\n%s", diff)
	}
}

func TestDispatch_ResumeSkipsRecordedRecipients(t *testing.T) {
	store := newMemStore()
	job := draftJob()
	stale := time.Now().Add(-time.Hour)
	job.Status = db.JobSending
	job.HeartbeatAt = &stale
	store.add(job)
	for _, rec := range []*db.DeliveryRecord{
		{JobID: job.ID, RecipientID: 1, Status: db.DeliverySent},
		{JobID: job.ID, RecipientID: 2, Status: db.DeliveryBlocked},
	} {
		_ = store.UpsertDelivery(context.Background(), rec)
	}

	sender := &fakeSender{}
	e := newTestEngine(store, &fakeResolver{recipients: recipients(4)}, sender, Options{})

	prog, err := e.Dispatch(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if sender.count(1) != 0 || sender.count(2) != 0 {
		t.Errorf("recorded recipients were sent again: %v", sender.sends)
	}
	want := db.Counters{Total: 4, Sent: 3, Failed: 1, Blocked: 1}
	if diff := cmp.Diff(want, prog.Counters); diff != "" {
		t.Errorf("counters mismatch (-want +got):\n%s", diff)
	}
	checkConservation(t, store.flushes)
}

func TestDispatch_FreshSendingJobIsNoop(t *testing.T) {
	store := newMemStore()
	job := draftJob()
	now := time.Now()
	job.Status = db.JobSending
	job.HeartbeatAt = &now
	store.add(job)

	sender := &fakeSender{}
	e := newTestEngine(store, &fakeResolver{recipients: recipients(2)}, sender, Options{})

	if _, err := e.Dispatch(context.Background(), job.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.claims != 0 || len(sender.sends) != 0 {
		t.Errorf("expected no claim and no sends, got %d claims", store.claims)
	}
}

func TestDispatch_ResolutionFailureLeavesJobUntouched(t *testing.T) {
	store := newMemStore()
	job := draftJob()
	store.add(job)

	boom := errors.New("segment store down")
	e := newTestEngine(store, &fakeResolver{err: boom}, &fakeSender{}, Options{})

	_, err := e.Dispatch(context.Background(), job.ID)
	if !errors.Is(err, boom) {
		t.Fatalf("expected resolution error, got %v", err)
	}
	if stored := store.job(job.ID); stored.Status != db.JobDraft {
		t.Errorf("expected draft, got %s", stored.Status)
	}
	if store.claims != 0 {
		t.Errorf("expected no claim, got %d", store.claims)
	}
}

func TestDispatch_StoreErrorFailsJob(t *testing.T) {
	store := newMemStore()
	job := draftJob()
	store.add(job)
	store.upsertErr = func(rec *db.DeliveryRecord) error {
		if rec.RecipientID == 3 {
			return errors.New("disk full")
		}
		return nil
	}

	events := &fakeEvents{}
	e := newTestEngine(store, &fakeResolver{recipients: recipients(5)}, &fakeSender{}, Options{Events: events})

	prog, err := e.Dispatch(context.Background(), job.ID)
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("expected store error, got %v", err)
	}

	stored := store.job(job.ID)
	if stored.Status != db.JobFailed || prog.Status != db.JobFailed {
		t.Errorf("expected failed, got %s", stored.Status)
	}
	if stored.LastError == nil || !strings.Contains(*stored.LastError, "disk full") {
		t.Errorf("expected last error recorded, got %v", stored.LastError)
	}
	if stored.Counters.Sent != 2 {
		t.Errorf("expected partial counters kept, got %+v", stored.Counters)
	}
	if diff := cmp.Diff([]string{db.EventStarted, db.EventFailed}, events.events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
	checkConservation(t, store.flushes)
}

func TestDispatch_PanicFailsJob(t *testing.T) {
	store := newMemStore()
	job := draftJob()
	store.add(job)

	e := newTestEngine(store, &fakeResolver{recipients: recipients(3)}, &fakeSender{panicOn: 2}, Options{})

	_, err := e.Dispatch(context.Background(), job.ID)
	if err == nil || !strings.Contains(err.Error(), "panic") {
		t.Fatalf("expected panic error, got %v", err)
	}
	if stored := store.job(job.ID); stored.Status != db.JobFailed || stored.Counters.Sent != 1 {
		t.Errorf("expected failed with 1 sent, got %s %+v", stored.Status, stored.Counters)
	}
}

func TestDispatch_RetryableOutcomesQueued(t *testing.T) {
	store := newMemStore()
	job := draftJob()
	store.add(job)

	sender := &fakeSender{outcomes: map[int64]classify.Kind{
		1: classify.Throttled,
		2: classify.Transient,
		3: classify.NotFound,
		4: classify.Unknown,
	}}
	e := newTestEngine(store, &fakeResolver{recipients: recipients(4)}, sender, Options{})

	prog, err := e.Dispatch(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := db.Counters{Total: 4, Failed: 4, Error: 4}
	if diff := cmp.Diff(want, prog.Counters); diff != "" {
		t.Errorf("counters mismatch (-want +got):\n%s", diff)
	}
	for _, id := range []int64{1, 2, 4} {
		entry, ok := store.retries[deliveryKey{job.ID, id}]
		if !ok {
			t.Errorf("expected retry entry for %d", id)
			continue
		}
		if entry.Attempt != 1 {
			t.Errorf("recipient %d: expected attempt 1, got %d", id, entry.Attempt)
		}
	}
	if _, ok := store.retries[deliveryKey{job.ID, 3}]; ok {
		t.Error("not_found is permanent and must not be queued")
	}
}

func TestDispatch_EmptyAudienceCompletes(t *testing.T) {
	store := newMemStore()
	job := draftJob()
	store.add(job)

	e := newTestEngine(store, &fakeResolver{}, &fakeSender{}, Options{})

	prog, err := e.Dispatch(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if prog.Status != db.JobCompleted || prog.Total != 0 || prog.Percentage != 0 {
		t.Errorf("unexpected progress %+v", prog)
	}
}

func TestDispatch_LeaseHeldIsNoop(t *testing.T) {
	store := newMemStore()
	job := draftJob()
	store.add(job)

	sender := &fakeSender{}
	e := newTestEngine(store, &fakeResolver{recipients: recipients(2)}, sender, Options{Leases: &fakeLeases{held: true}})

	prog, err := e.Dispatch(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if prog.Status != db.JobDraft || store.claims != 0 {
		t.Errorf("expected untouched draft, got %s with %d claims", prog.Status, store.claims)
	}
}

func TestDispatch_LeaseExtendedAndReleased(t *testing.T) {
	store := newMemStore()
	job := draftJob()
	store.add(job)

	leases := &fakeLeases{}
	e := newTestEngine(store, &fakeResolver{recipients: recipients(4)}, &fakeSender{}, Options{Leases: leases})

	if _, err := e.Dispatch(context.Background(), job.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if leases.released != 1 {
		t.Errorf("expected lease released once, got %d", leases.released)
	}
	if leases.extended == 0 {
		t.Error("expected lease extended on flush")
	}
}

func TestDispatch_InterruptedRunStaysSending(t *testing.T) {
	store := newMemStore()
	job := draftJob()
	store.add(job)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sender := &fakeSender{}
	sender.hook = func(n int, rc db.Recipient) {
		if n == 3 {
			cancel()
		}
	}
	e := newTestEngine(store, &fakeResolver{recipients: recipients(6)}, sender, Options{})

	_, err := e.Dispatch(ctx, job.ID)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	stored := store.job(job.ID)
	if stored.Status != db.JobSending {
		t.Errorf("expected job left in sending, got %s", stored.Status)
	}
	if stored.Counters.Sent != 3 {
		t.Errorf("expected the three delivered sends flushed, got %+v", stored.Counters)
	}
}

func TestDispatch_UnknownJob(t *testing.T) {
	e := newTestEngine(newMemStore(), &fakeResolver{}, &fakeSender{}, Options{})

	_, err := e.Dispatch(context.Background(), uuid.New())
	if !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestCancel(t *testing.T) {
	tests := []struct {
		name    string
		status  string
		wantErr error
	}{
		{"draft", db.JobDraft, nil},
		{"scheduled", db.JobScheduled, nil},
		{"sending", db.JobSending, nil},
		{"completed", db.JobCompleted, ErrNotCancellable},
		{"failed", db.JobFailed, ErrNotCancellable},
		{"cancelled", db.JobCancelled, ErrNotCancellable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			job := draftJob()
			job.Status = tt.status
			store.add(job)
			events := &fakeEvents{}
			e := newTestEngine(store, &fakeResolver{}, &fakeSender{}, Options{Events: events})

			err := e.Cancel(context.Background(), job.ID, 42, "typo")
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if tt.wantErr != nil {
				if store.job(job.ID).Status != tt.status {
					t.Error("terminal status must not change")
				}
				return
			}
			stored := store.job(job.ID)
			if stored.Status != db.JobCancelled || *stored.CancelledBy != 42 || *stored.CancellationReason != "typo" {
				t.Errorf("unexpected cancelled job %+v", stored)
			}
			if len(events.events) != 1 || events.events[0] != db.EventCancelled {
				t.Errorf("expected a cancelled event, got %v", events.events)
			}
		})
	}
}

func TestCancel_UnknownJob(t *testing.T) {
	e := newTestEngine(newMemStore(), &fakeResolver{}, &fakeSender{}, Options{})

	if err := e.Cancel(context.Background(), uuid.New(), 1, ""); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestCompletedNeverOverwritesLateCancel(t *testing.T) {
	store := newMemStore()
	job := draftJob()
	store.add(job)

	sender := &fakeSender{}
	sender.hook = func(n int, rc db.Recipient) {
		// after the final status check
		if n == 3 {
			store.setStatus(job.ID, db.JobCancelled)
		}
	}
	e := newTestEngine(store, &fakeResolver{recipients: recipients(3)}, sender, Options{})

	prog, err := e.Dispatch(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if prog.Status != db.JobCancelled || store.job(job.ID).Status != db.JobCancelled {
		t.Errorf("expected cancellation to stand, got %s", prog.Status)
	}
}

func TestProgress(t *testing.T) {
	store := newMemStore()
	job := draftJob()
	job.Status = db.JobSending
	job.Counters = db.Counters{Total: 200, Sent: 182, Failed: 14, Blocked: 9, Deactivated: 3, Error: 2}
	job.ProgressPercentage = 98
	store.add(job)

	e := newTestEngine(store, &fakeResolver{}, &fakeSender{}, Options{})

	prog, err := e.Progress(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if prog.Summary != "sent: 182, failed: 14 (blocked: 9, deactivated: 3, error: 2)" {
		t.Errorf("unexpected summary %q", prog.Summary)
	}
	if prog.Percentage != 98 || prog.Status != db.JobSending {
		t.Errorf("unexpected progress %+v", prog)
	}
}

func TestDueJobs(t *testing.T) {
	store := newMemStore()
	now := time.Now()
	past, future, stale := now.Add(-time.Minute), now.Add(time.Hour), now.Add(-time.Hour)

	due := draftJob()
	due.Status, due.ScheduledAt = db.JobScheduled, &past
	later := draftJob()
	later.Status, later.ScheduledAt = db.JobScheduled, &future
	dead := draftJob()
	dead.Status, dead.HeartbeatAt = db.JobSending, &stale
	alive := draftJob()
	alive.Status, alive.HeartbeatAt = db.JobSending, &now
	for _, j := range []*db.Job{due, later, dead, alive} {
		store.add(j)
	}

	e := newTestEngine(store, &fakeResolver{}, &fakeSender{}, Options{})

	ids, err := e.DueJobs(context.Background(), now, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := map[uuid.UUID]bool{}
	for _, id := range ids {
		got[id] = true
	}
	if len(ids) != 2 || !got[due.ID] || !got[dead.ID] {
		t.Errorf("expected the due and the stale job, got %v", ids)
	}
}
