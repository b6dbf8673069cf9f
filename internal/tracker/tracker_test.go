package tracker

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/KingEverett/Hermes-sub000/internal/feed"
	"github.com/KingEverett/Hermes-sub000/internal/store"
)

type memStore struct {
	records map[string]*store.TaskRecord
	purged  int64
}

func newMemStore() *memStore {
	return &memStore{records: map[string]*store.TaskRecord{}}
}

func (m *memStore) CreateTaskRecord(_ context.Context, p store.CreateTaskRecordParams) (*store.TaskRecord, error) {
	if _, ok := m.records[p.TaskID]; ok {
		return nil, store.ErrAlreadyExists
	}
	rec := &store.TaskRecord{
		TaskID:     p.TaskID,
		TaskName:   p.TaskName,
		Status:     store.StatusSubmitted,
		QueueName:  p.QueueName,
		QueuedAt:   p.QueuedAt,
		MaxRetries: p.MaxRetries,
		Args:       p.Args,
		Kwargs:     p.Kwargs,
		Version:    1,
	}
	m.records[p.TaskID] = rec
	cp := *rec
	return &cp, nil
}

func (m *memStore) GetTaskRecord(_ context.Context, taskID string) (*store.TaskRecord, error) {
	rec, ok := m.records[taskID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *memStore) MarkStarted(_ context.Context, taskID, workerName string, at time.Time) (*store.TaskRecord, error) {
	rec, ok := m.records[taskID]
	if !ok {
		return nil, store.ErrNotFound
	}
	rec.Status = store.StatusProcessing
	rec.StartedAt = &at
	rec.WorkerName = &workerName
	rec.Version++
	cp := *rec
	return &cp, nil
}

func (m *memStore) MarkSucceeded(_ context.Context, taskID string, at time.Time, result []byte) (*store.TaskRecord, error) {
	rec, ok := m.records[taskID]
	if !ok {
		return nil, store.ErrNotFound
	}
	rec.Status = store.StatusCompleted
	rec.CompletedAt = &at
	if rec.StartedAt != nil {
		d := at.Sub(*rec.StartedAt).Milliseconds()
		rec.DurationMs = &d
	}
	rec.ResultData = result
	rec.Version++
	cp := *rec
	return &cp, nil
}

func (m *memStore) MarkFailed(_ context.Context, taskID string, at time.Time, errMsg, errTrace string) (*store.TaskRecord, error) {
	rec, ok := m.records[taskID]
	if !ok {
		return nil, store.ErrNotFound
	}
	rec.Status = store.StatusFailed
	rec.CompletedAt = &at
	rec.ErrorMessage = &errMsg
	rec.ErrorTrace = &errTrace
	rec.Version++
	cp := *rec
	return &cp, nil
}

func (m *memStore) MarkRetrying(_ context.Context, taskID string) (*store.TaskRecord, error) {
	rec, ok := m.records[taskID]
	if !ok {
		return nil, store.ErrNotFound
	}
	rec.Status = store.StatusRetrying
	rec.RetryCount++
	rec.Version++
	cp := *rec
	return &cp, nil
}

func (m *memStore) TaskHistory(_ context.Context, _ store.HistoryFilter, _ int) ([]store.TaskRecord, error) {
	out := make([]store.TaskRecord, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, *rec)
	}
	return out, nil
}

func (m *memStore) PurgeTaskRecordsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	var n int64
	for id, rec := range m.records {
		if rec.Status.Terminal() && rec.CompletedAt != nil && rec.CompletedAt.Before(cutoff) {
			delete(m.records, id)
			n++
		}
	}
	m.purged += n
	return n, nil
}

type nopCache struct{}

func (nopCache) SetJSON(context.Context, string, any, time.Duration) error { return nil }
func (nopCache) Delete(context.Context, ...string) error                   { return nil }

func newTestTracker(st *memStore) *Tracker {
	return New(st, nopCache{}, zap.NewNop(), Config{DefaultMaxRetries: 3})
}

func taskEvent(kind feed.EventKind, id string, ts time.Time) *feed.Event {
	return &feed.Event{
		Kind:       kind,
		UUID:       id,
		Name:       "demo.send_email",
		Timestamp:  ts,
		Hostname:   "worker-1",
		RoutingKey: "default",
	}
}

func TestLifecycle_SubmitStartSucceed(t *testing.T) {
	st := newMemStore()
	trk := newTestTracker(st)
	ctx := context.Background()

	base := time.Now()
	if err := trk.HandleEvent(ctx, taskEvent(feed.EventTaskSubmitted, "t1", base)); err != nil {
		t.Fatalf("submitted: %v", err)
	}
	if err := trk.HandleEvent(ctx, taskEvent(feed.EventTaskStarted, "t1", base.Add(time.Second))); err != nil {
		t.Fatalf("started: %v", err)
	}
	if err := trk.HandleEvent(ctx, taskEvent(feed.EventTaskSucceeded, "t1", base.Add(3*time.Second))); err != nil {
		t.Fatalf("succeeded: %v", err)
	}

	rec := st.records["t1"]
	if rec.Status != store.StatusCompleted {
		t.Errorf("status = %s, want completed", rec.Status)
	}
	if rec.DurationMs == nil || *rec.DurationMs != 2000 {
		t.Errorf("duration = %v, want 2000ms", rec.DurationMs)
	}

	if got := len(trk.ActiveTasks()); got != 0 {
		t.Errorf("active tasks after completion = %d, want 0", got)
	}

	queues := trk.Queues()
	if len(queues) != 1 {
		t.Fatalf("queues = %d, want 1", len(queues))
	}
	q := queues[0]
	if q.Depth != 0 || q.SubmittedDay != 1 || q.CompletedDay != 1 {
		t.Errorf("queue counters = %+v", q)
	}
	if q.ThroughputHour != 1 {
		t.Errorf("throughput = %d, want 1", q.ThroughputHour)
	}

	workers := trk.Workers()
	if len(workers) != 1 {
		t.Fatalf("workers = %d, want 1", len(workers))
	}
	w := workers[0]
	if w.TasksCompletedDay != 1 || w.TasksInFlight != 0 || !w.IsActive {
		t.Errorf("worker counters = %+v", w)
	}
}

func TestDuplicateSubmissionIsIdempotent(t *testing.T) {
	st := newMemStore()
	trk := newTestTracker(st)
	ctx := context.Background()

	ev := taskEvent(feed.EventTaskSubmitted, "t1", time.Now())
	if err := trk.HandleEvent(ctx, ev); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := trk.HandleEvent(ctx, ev); err != nil {
		t.Fatalf("duplicate delivery must be swallowed: %v", err)
	}

	if got := trk.Queues()[0].SubmittedDay; got != 1 {
		t.Errorf("submitted counter = %d, want 1 after duplicate", got)
	}
}

func TestUnknownTaskEventIsSkipped(t *testing.T) {
	st := newMemStore()
	trk := newTestTracker(st)

	// started for a task never submitted
	if err := trk.HandleEvent(context.Background(), taskEvent(feed.EventTaskStarted, "ghost", time.Now())); err != nil {
		t.Fatalf("unknown task must not error: %v", err)
	}
	if len(trk.ActiveTasks()) != 0 {
		t.Error("unknown task must not appear in active set")
	}
}

type sinkSpy struct {
	calls int
	last  *store.TaskRecord
}

func (s *sinkSpy) HandleFailure(_ context.Context, rec *store.TaskRecord, _ *feed.Event) {
	s.calls++
	s.last = rec
}

func TestFailureReachesSink(t *testing.T) {
	st := newMemStore()
	trk := newTestTracker(st)
	spy := &sinkSpy{}
	trk.SetFailureSink(spy)
	ctx := context.Background()

	base := time.Now()
	_ = trk.HandleEvent(ctx, taskEvent(feed.EventTaskSubmitted, "t1", base))
	_ = trk.HandleEvent(ctx, taskEvent(feed.EventTaskStarted, "t1", base.Add(time.Second)))

	fail := taskEvent(feed.EventTaskFailed, "t1", base.Add(2*time.Second))
	fail.Exception = "TimeoutError: deadline exceeded"
	if err := trk.HandleEvent(ctx, fail); err != nil {
		t.Fatalf("failed event: %v", err)
	}

	if spy.calls != 1 {
		t.Fatalf("sink called %d times, want 1", spy.calls)
	}
	if spy.last.TaskID != "t1" || spy.last.Status != store.StatusFailed {
		t.Errorf("sink record = %+v", spy.last)
	}
	if trk.Workers()[0].TasksFailedDay != 1 {
		t.Error("worker failure counter not bumped")
	}
}

func TestRetryScheduledReactivatesTask(t *testing.T) {
	st := newMemStore()
	trk := newTestTracker(st)
	ctx := context.Background()

	base := time.Now()
	_ = trk.HandleEvent(ctx, taskEvent(feed.EventTaskSubmitted, "t1", base))
	_ = trk.HandleEvent(ctx, taskEvent(feed.EventTaskStarted, "t1", base.Add(time.Second)))
	fail := taskEvent(feed.EventTaskFailed, "t1", base.Add(2*time.Second))
	fail.Exception = "ConnectionError: refused"
	_ = trk.HandleEvent(ctx, fail)

	if err := trk.HandleEvent(ctx, taskEvent(feed.EventTaskRetryScheduled, "t1", base.Add(3*time.Second))); err != nil {
		t.Fatalf("retry-scheduled: %v", err)
	}

	active := trk.ActiveTasks()
	if len(active) != 1 {
		t.Fatalf("active = %d, want 1 after retry scheduled", len(active))
	}
	if active[0].Status != store.StatusRetrying || active[0].RetryCount != 1 {
		t.Errorf("active task = %+v", active[0])
	}
	if st.records["t1"].Status != store.StatusRetrying {
		t.Errorf("record status = %s, want retrying", st.records["t1"].Status)
	}
}

func TestWorkerPresenceAndHeartbeat(t *testing.T) {
	st := newMemStore()
	trk := newTestTracker(st)
	ctx := context.Background()

	hb := &feed.Event{Kind: feed.EventWorkerHeartbeat, Hostname: "worker-1", Timestamp: time.Now(), MemoryMB: 512, CPUPercent: 42.5}
	if err := trk.HandleEvent(ctx, hb); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	w := trk.Workers()[0]
	if !w.IsActive || w.MemoryMB != 512 || w.CPUPercent != 42.5 {
		t.Errorf("worker after heartbeat = %+v", w)
	}

	off := &feed.Event{Kind: feed.EventWorkerOffline, Hostname: "worker-1", Timestamp: time.Now()}
	if err := trk.HandleEvent(ctx, off); err != nil {
		t.Fatalf("offline: %v", err)
	}
	if trk.Workers()[0].IsActive {
		t.Error("worker should be inactive after offline event")
	}
}

func TestResetDailyCounters(t *testing.T) {
	st := newMemStore()
	trk := newTestTracker(st)
	ctx := context.Background()

	base := time.Now()
	_ = trk.HandleEvent(ctx, taskEvent(feed.EventTaskSubmitted, "t1", base))
	_ = trk.HandleEvent(ctx, taskEvent(feed.EventTaskStarted, "t1", base))
	_ = trk.HandleEvent(ctx, taskEvent(feed.EventTaskSucceeded, "t1", base.Add(time.Second)))

	trk.ResetDailyCounters()

	q := trk.Queues()[0]
	if q.SubmittedDay != 0 || q.CompletedDay != 0 || q.FailedDay != 0 {
		t.Errorf("queue day counters not reset: %+v", q)
	}
	w := trk.Workers()[0]
	if w.TasksCompletedDay != 0 {
		t.Error("worker day counter not reset")
	}
	if w.TasksCompletedTotal != 1 {
		t.Error("lifetime counter must survive the daily reset")
	}
}
