package retry

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/KingEverett/Hermes-sub000/internal/store"
)

type fakeStore struct {
	configs     map[string]store.RetryConfiguration
	records     map[string]*store.TaskRecord
	attempts    []store.RetryAttempt
	quarantined []store.QuarantineParams
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		configs: map[string]store.RetryConfiguration{},
		records: map[string]*store.TaskRecord{},
	}
}

func (f *fakeStore) GetRetryConfig(_ context.Context, taskName string) (*store.RetryConfiguration, error) {
	cfg, ok := f.configs[taskName]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &cfg, nil
}

func (f *fakeStore) UpsertRetryConfig(_ context.Context, c store.RetryConfiguration) (*store.RetryConfiguration, error) {
	f.configs[c.TaskName] = c
	return &c, nil
}

func (f *fakeStore) InsertRetryAttempt(_ context.Context, a store.RetryAttempt) (*store.RetryAttempt, error) {
	a.ID = uuid.New()
	f.attempts = append(f.attempts, a)
	return &a, nil
}

func (f *fakeStore) ListRetryAttempts(_ context.Context, taskID string, _ int) ([]store.RetryAttempt, error) {
	var out []store.RetryAttempt
	for _, a := range f.attempts {
		if a.TaskID == taskID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeStore) GetTaskRecord(_ context.Context, taskID string) (*store.TaskRecord, error) {
	rec, ok := f.records[taskID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeStore) UpdateTaskStatus(_ context.Context, taskID string, expectedVersion int, status store.TaskStatus) (*store.TaskRecord, error) {
	rec, ok := f.records[taskID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if rec.Version != expectedVersion {
		return nil, store.ErrVersionConflict
	}
	rec.Status = status
	rec.Version++
	cp := *rec
	return &cp, nil
}

func (f *fakeStore) QuarantineTask(_ context.Context, p store.QuarantineParams) (*store.QuarantinedTask, error) {
	f.quarantined = append(f.quarantined, p)
	// mirrors the real store: the insert and the record transition are
	// one transaction
	if rec, ok := f.records[p.OriginalTaskID]; ok && !rec.Status.Terminal() {
		rec.Status = store.StatusDeadLetter
		rec.Version++
	}
	return &store.QuarantinedTask{
		ID:             uuid.New(),
		OriginalTaskID: p.OriginalTaskID,
		TaskName:       p.TaskName,
	}, nil
}

type fakeCache struct{}

func (fakeCache) GetJSON(context.Context, string, any) (bool, error)        { return false, nil }
func (fakeCache) SetJSON(context.Context, string, any, time.Duration) error { return nil }
func (fakeCache) Delete(context.Context, ...string) error                   { return nil }

type fakeBroker struct {
	requeues []int // delay seconds per call
	err      error
}

func (b *fakeBroker) Requeue(_ context.Context, _, _ string, _, _ json.RawMessage, delaySeconds int) error {
	if b.err != nil {
		return b.err
	}
	b.requeues = append(b.requeues, delaySeconds)
	return nil
}

func newTestEngine(st *fakeStore, broker *fakeBroker) *Engine {
	return NewEngine(st, fakeCache{}, broker, zap.NewNop(), Config{
		Default: store.RetryConfiguration{
			MaxRetries:        3,
			BaseDelaySeconds:  2,
			MaxDelaySeconds:   300,
			Policy:            store.PolicyExponential,
			BackoffMultiplier: 2,
		},
	})
}

func TestScheduleRetry_Eligible(t *testing.T) {
	st := newFakeStore()
	st.records["task-1"] = &store.TaskRecord{TaskID: "task-1", Status: store.StatusFailed, Version: 2}
	broker := &fakeBroker{}
	eng := newTestEngine(st, broker)

	attempt, err := eng.ScheduleRetry(context.Background(), "task-1", "demo.job",
		Failure{Kind: "ConnectionError", Message: "refused"}, 1, nil, nil)
	if err != nil {
		t.Fatalf("ScheduleRetry: %v", err)
	}
	if attempt == nil {
		t.Fatal("expected a scheduled attempt")
	}
	if attempt.DelaySeconds != 2 {
		t.Errorf("first attempt delay = %d, want 2", attempt.DelaySeconds)
	}
	if len(broker.requeues) != 1 {
		t.Fatalf("broker requeued %d times, want 1", len(broker.requeues))
	}
	if len(st.quarantined) != 0 {
		t.Error("eligible retry must not quarantine")
	}
	if st.records["task-1"].Status != store.StatusRetrying {
		t.Errorf("record status = %s, want retrying", st.records["task-1"].Status)
	}
}

func TestScheduleRetry_ExhaustedQuarantines(t *testing.T) {
	st := newFakeStore()
	st.records["task-1"] = &store.TaskRecord{TaskID: "task-1", Status: store.StatusFailed, Version: 5, RetryCount: 3}
	broker := &fakeBroker{}
	eng := newTestEngine(st, broker)

	attempt, err := eng.ScheduleRetry(context.Background(), "task-1", "demo.job",
		Failure{Kind: "ConnectionError"}, 4, nil, nil)
	if err != nil {
		t.Fatalf("ScheduleRetry: %v", err)
	}
	if attempt != nil {
		t.Fatal("exhausted task must not schedule an attempt")
	}
	if len(broker.requeues) != 0 {
		t.Error("exhausted task must not be requeued")
	}
	if len(st.quarantined) != 1 {
		t.Fatalf("quarantined %d tasks, want 1", len(st.quarantined))
	}
	if st.quarantined[0].TotalAttempts != 4 {
		t.Errorf("total attempts = %d, want 4", st.quarantined[0].TotalAttempts)
	}
	if st.records["task-1"].Status != store.StatusDeadLetter {
		t.Errorf("record status = %s, want dead_letter", st.records["task-1"].Status)
	}
}

func TestScheduleRetry_NonRetryableWithinBudget(t *testing.T) {
	st := newFakeStore()
	st.records["task-1"] = &store.TaskRecord{TaskID: "task-1", Status: store.StatusFailed, Version: 1}
	broker := &fakeBroker{}
	eng := newTestEngine(st, broker)

	attempt, err := eng.ScheduleRetry(context.Background(), "task-1", "demo.job",
		Failure{Kind: "ValidationError", Message: "bad payload"}, 1, nil, nil)
	if err != nil {
		t.Fatalf("ScheduleRetry: %v", err)
	}
	if attempt != nil || len(broker.requeues) != 0 {
		t.Fatal("non-retryable failure must not schedule")
	}
	if len(st.quarantined) != 0 {
		t.Error("budget not exhausted, must not quarantine yet")
	}
}

func TestScheduleRetry_PerTaskConfigOverridesDefault(t *testing.T) {
	st := newFakeStore()
	st.records["task-1"] = &store.TaskRecord{TaskID: "task-1", Status: store.StatusFailed, Version: 1}
	st.configs["demo.job"] = store.RetryConfiguration{
		MaxRetries:       5,
		BaseDelaySeconds: 30,
		MaxDelaySeconds:  600,
		Policy:           store.PolicyFixed,
	}
	broker := &fakeBroker{}
	eng := newTestEngine(st, broker)

	attempt, err := eng.ScheduleRetry(context.Background(), "task-1", "demo.job",
		Failure{Kind: "ConnectionError"}, 4, nil, nil)
	if err != nil {
		t.Fatalf("ScheduleRetry: %v", err)
	}
	if attempt == nil {
		t.Fatal("attempt 4 is within the per-task budget of 5")
	}
	if attempt.DelaySeconds != 30 {
		t.Errorf("fixed policy delay = %d, want 30", attempt.DelaySeconds)
	}
}

func TestScheduleRetry_BrokerFailureSurfaces(t *testing.T) {
	st := newFakeStore()
	st.records["task-1"] = &store.TaskRecord{TaskID: "task-1", Status: store.StatusFailed, Version: 1}
	broker := &fakeBroker{err: context.DeadlineExceeded}
	eng := newTestEngine(st, broker)

	_, err := eng.ScheduleRetry(context.Background(), "task-1", "demo.job",
		Failure{Kind: "ConnectionError"}, 1, nil, nil)
	if err == nil {
		t.Fatal("broker failure must surface to the caller")
	}
}

func TestConfigure_Validation(t *testing.T) {
	st := newFakeStore()
	eng := newTestEngine(st, &fakeBroker{})

	valid := store.RetryConfiguration{
		TaskName:          "demo.job",
		MaxRetries:        5,
		BaseDelaySeconds:  10,
		MaxDelaySeconds:   300,
		Policy:            store.PolicyLinear,
		BackoffMultiplier: 2,
	}
	if _, err := eng.Configure(context.Background(), valid); err != nil {
		t.Fatalf("Configure valid: %v", err)
	}
	if _, ok := st.configs["demo.job"]; !ok {
		t.Error("valid configuration was not stored")
	}

	cases := []struct {
		name   string
		mutate func(c *store.RetryConfiguration)
	}{
		{"missing task name", func(c *store.RetryConfiguration) { c.TaskName = "" }},
		{"unknown policy", func(c *store.RetryConfiguration) { c.Policy = "quadratic" }},
		{"zero max retries", func(c *store.RetryConfiguration) { c.MaxRetries = 0 }},
		{"max retries over cap", func(c *store.RetryConfiguration) { c.MaxRetries = 101 }},
		{"zero base delay", func(c *store.RetryConfiguration) { c.BaseDelaySeconds = 0 }},
		{"max below base", func(c *store.RetryConfiguration) { c.MaxDelaySeconds = 5 }},
		{"inverted jitter range", func(c *store.RetryConfiguration) {
			c.JitterEnabled = true
			c.JitterMin = 0.5
			c.JitterMax = 0.1
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid
			tc.mutate(&cfg)
			if _, err := eng.Configure(context.Background(), cfg); err == nil {
				t.Errorf("Configure accepted %s", tc.name)
			}
		})
	}
}

func TestAttempts_FiltersByTask(t *testing.T) {
	st := newFakeStore()
	st.attempts = append(st.attempts,
		store.RetryAttempt{TaskID: "task-1", Attempt: 1},
		store.RetryAttempt{TaskID: "task-2", Attempt: 1},
		store.RetryAttempt{TaskID: "task-1", Attempt: 2},
	)
	eng := newTestEngine(st, &fakeBroker{})

	got, err := eng.Attempts(context.Background(), "task-1", 10)
	if err != nil {
		t.Fatalf("Attempts: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(attempts) = %d, want 2", len(got))
	}
}
