package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pnptv/herald/internal/db"
	"github.com/pnptv/herald/internal/retry"
	"github.com/pnptv/herald/internal/sqs"
)

// blockingDispatcher holds every run until release is closed.
type blockingDispatcher struct {
	mu      sync.Mutex
	calls   map[uuid.UUID]int
	due     []uuid.UUID
	release chan struct{}
	started chan uuid.UUID
}

func newBlockingDispatcher() *blockingDispatcher {
	return &blockingDispatcher{
		calls:   make(map[uuid.UUID]int),
		release: make(chan struct{}),
		started: make(chan uuid.UUID, 16),
	}
}

func (d *blockingDispatcher) Dispatch(ctx context.Context, id uuid.UUID) (db.Progress, error) {
	d.mu.Lock()
	d.calls[id]++
	d.mu.Unlock()
	d.started <- id

	select {
	case <-d.release:
		return db.Progress{JobID: id, Status: db.JobCompleted}, nil
	case <-ctx.Done():
		return db.Progress{JobID: id, Status: db.JobSending}, ctx.Err()
	}
}

func (d *blockingDispatcher) DueJobs(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	if len(d.due) > limit {
		return d.due[:limit], nil
	}
	return d.due, nil
}

func (d *blockingDispatcher) count(id uuid.UUID) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[id]
}

func waitStarted(t *testing.T, d *blockingDispatcher, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-d.started:
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of %d runs started", i, n)
		}
	}
}

func TestTrigger_RunsOncePerJob(t *testing.T) {
	d := newBlockingDispatcher()
	w := New(d, nil, nil, Config{MaxRunning: 4}, zap.NewNop())
	id := uuid.New()

	if err := w.Trigger(id, "api"); err != nil {
		t.Fatalf("first trigger: %v", err)
	}
	waitStarted(t, d, 1)

	if err := w.Trigger(id, "api"); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	if got := w.Running(); len(got) != 1 || got[0] != id {
		t.Errorf("unexpected running set %v", got)
	}

	close(d.release)
	if err := w.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if d.count(id) != 1 {
		t.Errorf("expected one dispatch, got %d", d.count(id))
	}
	if len(w.Running()) != 0 {
		t.Error("expected running set to drain")
	}
}

func TestTrigger_Capacity(t *testing.T) {
	d := newBlockingDispatcher()
	w := New(d, nil, nil, Config{MaxRunning: 2}, zap.NewNop())

	for i := 0; i < 2; i++ {
		if err := w.Trigger(uuid.New(), "api"); err != nil {
			t.Fatalf("trigger %d: %v", i, err)
		}
	}
	if err := w.Trigger(uuid.New(), "api"); !errors.Is(err, ErrAtCapacity) {
		t.Fatalf("expected ErrAtCapacity, got %v", err)
	}

	close(d.release)
	if err := w.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestStop_InterruptsRuns(t *testing.T) {
	d := newBlockingDispatcher()
	w := New(d, nil, nil, Config{}, zap.NewNop())

	if err := w.Trigger(uuid.New(), "api"); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	waitStarted(t, d, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := w.Stop(ctx); err != nil {
		t.Fatalf("expected runs to stop on cancellation, got %v", err)
	}

	if err := w.Trigger(uuid.New(), "api"); err == nil {
		t.Error("expected trigger after stop to fail")
	}
}

func TestPollDue(t *testing.T) {
	d := newBlockingDispatcher()
	d.due = []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	w := New(d, nil, nil, Config{DueBatch: 10, MaxRunning: 2}, zap.NewNop())

	w.PollDue(context.Background())
	waitStarted(t, d, 2)

	if got := len(w.Running()); got != 2 {
		t.Errorf("expected capacity to cap the poll at 2 runs, got %d", got)
	}

	close(d.release)
	if err := w.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

type fakeRetries struct {
	calls int
	res   retry.Result
	err   error
}

func (f *fakeRetries) ProcessDue(ctx context.Context) (retry.Result, error) {
	f.calls++
	return f.res, f.err
}

func TestRunRetries(t *testing.T) {
	r := &fakeRetries{res: retry.Result{Claimed: 3, Sent: 2, Rescheduled: 1}}
	w := New(newBlockingDispatcher(), r, nil, Config{}, zap.NewNop())

	w.RunRetries(context.Background())
	r.err = errors.New("db down")
	w.RunRetries(context.Background())

	if r.calls != 2 {
		t.Errorf("expected 2 passes, got %d", r.calls)
	}
}

type fakeQueue struct {
	mu       sync.Mutex
	batches  [][]sqs.Trigger
	deleted  []string
	released []string
	cancel   context.CancelFunc
}

func (q *fakeQueue) Receive(ctx context.Context, max int32) ([]sqs.Trigger, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.batches) == 0 {
		q.cancel()
		return nil, ctx.Err()
	}
	b := q.batches[0]
	q.batches = q.batches[1:]
	return b, nil
}

func (q *fakeQueue) Delete(ctx context.Context, handle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deleted = append(q.deleted, handle)
	return nil
}

func (q *fakeQueue) Release(ctx context.Context, handle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.released = append(q.released, handle)
	return nil
}

func TestConsumeTriggers(t *testing.T) {
	d := newBlockingDispatcher()
	dup := uuid.New()

	ctx, cancel := context.WithCancel(context.Background())
	q := &fakeQueue{
		cancel: cancel,
		batches: [][]sqs.Trigger{
			{
				{JobID: dup, ReceiptHandle: "h1"},
				{JobID: dup, ReceiptHandle: "h2"},
				{JobID: uuid.New(), ReceiptHandle: "h3"},
			},
		},
	}
	w := New(d, nil, q, Config{MaxRunning: 1}, zap.NewNop())

	w.ConsumeTriggers(ctx)

	// h2 duplicates a running job and is acked; h3 finds the worker full
	if len(q.deleted) != 2 || q.deleted[0] != "h1" || q.deleted[1] != "h2" {
		t.Errorf("unexpected deletes %v", q.deleted)
	}
	if len(q.released) != 1 || q.released[0] != "h3" {
		t.Errorf("unexpected releases %v", q.released)
	}

	close(d.release)
	if err := w.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestStart_InvalidSchedule(t *testing.T) {
	w := New(newBlockingDispatcher(), &fakeRetries{}, nil, Config{DueSchedule: "every now and then"}, zap.NewNop())

	if err := w.Start(context.Background()); err == nil {
		t.Fatal("expected error for a bad cron spec")
	}
}

func TestStart_RunsRetryCadence(t *testing.T) {
	r := &fakeRetries{}
	w := New(newBlockingDispatcher(), r, nil, Config{DueSchedule: "@every 1h", RetrySchedule: "@every 1s"}, zap.NewNop())

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(1500 * time.Millisecond)
	if err := w.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if r.calls == 0 {
		t.Error("expected the retry cadence to fire")
	}
}
