package alerting

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/KingEverett/Hermes-sub000/internal/store"
	"github.com/KingEverett/Hermes-sub000/internal/tracker"
)

type stubStore struct {
	thresholds []store.AlertThreshold
	records    map[uuid.UUID]*store.AlertRecord

	totalTasks  int
	failedTasks int
	avgDuration float64
	deadLetters int
}

func newStubStore() *stubStore {
	return &stubStore{records: map[uuid.UUID]*store.AlertRecord{}}
}

func (s *stubStore) ListAlertThresholds(context.Context) ([]store.AlertThreshold, error) {
	return s.thresholds, nil
}

func (s *stubStore) GetAlertThreshold(_ context.Context, alertType store.AlertType) (*store.AlertThreshold, error) {
	for _, t := range s.thresholds {
		if t.AlertType == alertType {
			return &t, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *stubStore) UpsertAlertThreshold(_ context.Context, t store.AlertThreshold) (*store.AlertThreshold, error) {
	for i := range s.thresholds {
		if s.thresholds[i].AlertType == t.AlertType {
			s.thresholds[i] = t
			return &t, nil
		}
	}
	s.thresholds = append(s.thresholds, t)
	return &t, nil
}

func (s *stubStore) CreateAlertRecord(_ context.Context, p store.CreateAlertParams) (*store.AlertRecord, error) {
	rec := &store.AlertRecord{
		ID:             uuid.New(),
		AlertType:      p.AlertType,
		Severity:       p.Severity,
		ThresholdValue: p.ThresholdValue,
		CurrentValue:   p.CurrentValue,
		Condition:      p.Condition,
		TriggeredAt:    time.Now(),
	}
	s.records[rec.ID] = rec
	cp := *rec
	return &cp, nil
}

func (s *stubStore) UnresolvedAlertByType(_ context.Context, alertType store.AlertType) (*store.AlertRecord, error) {
	for _, rec := range s.records {
		if rec.AlertType == alertType && rec.ResolvedAt == nil {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *stubStore) UpdateAlertCurrentValue(_ context.Context, id uuid.UUID, currentValue float64) error {
	rec, ok := s.records[id]
	if !ok || rec.ResolvedAt != nil {
		return store.ErrNotFound
	}
	rec.CurrentValue = currentValue
	return nil
}

func (s *stubStore) MarkAlertNotified(_ context.Context, id uuid.UUID) error {
	if rec, ok := s.records[id]; ok {
		rec.NotificationSent = true
	}
	return nil
}

func (s *stubStore) BumpAlertEscalation(_ context.Context, id uuid.UUID) error {
	if rec, ok := s.records[id]; ok && rec.ResolvedAt == nil {
		rec.EscalationLevel++
	}
	return nil
}

func (s *stubStore) ResolveAlert(_ context.Context, id uuid.UUID, by string, auto bool, resolution []byte) (*store.AlertRecord, error) {
	rec, ok := s.records[id]
	if !ok || rec.ResolvedAt != nil {
		return nil, store.ErrNotFound
	}
	now := time.Now()
	rec.ResolvedAt = &now
	if by != "" {
		rec.ResolvedBy = &by
	}
	rec.AutoResolved = auto
	rec.ResolutionData = resolution
	cp := *rec
	return &cp, nil
}

func (s *stubStore) ActiveAlerts(context.Context) ([]store.AlertRecord, error) {
	var out []store.AlertRecord
	for _, rec := range s.records {
		if rec.ResolvedAt == nil {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (s *stubStore) AlertHistory(context.Context, time.Time, int) ([]store.AlertRecord, error) {
	var out []store.AlertRecord
	for _, rec := range s.records {
		out = append(out, *rec)
	}
	return out, nil
}

func (s *stubStore) TaskCountsSince(context.Context, time.Time) (int, int, error) {
	return s.totalTasks, s.failedTasks, nil
}

func (s *stubStore) AvgDurationMsSince(context.Context, time.Time) (float64, error) {
	return s.avgDuration, nil
}

func (s *stubStore) DeadLetterCountSince(context.Context, time.Time) (int, error) {
	return s.deadLetters, nil
}

func (s *stubStore) openRecords() []*store.AlertRecord {
	var out []*store.AlertRecord
	for _, rec := range s.records {
		if rec.ResolvedAt == nil {
			out = append(out, rec)
		}
	}
	return out
}

type stubCluster struct {
	workers []tracker.WorkerMetrics
	queues  []tracker.QueueMetrics
}

func (c *stubCluster) Workers() []tracker.WorkerMetrics { return c.workers }
func (c *stubCluster) Queues() []tracker.QueueMetrics   { return c.queues }

type memCache struct {
	keys map[string]time.Time
}

func newMemCache() *memCache {
	return &memCache{keys: map[string]time.Time{}}
}

func (m *memCache) SetNX(_ context.Context, key, _ string, ttl time.Duration) (bool, error) {
	if exp, ok := m.keys[key]; ok && time.Now().Before(exp) {
		return false, nil
	}
	m.keys[key] = time.Now().Add(ttl)
	return true, nil
}

func (m *memCache) Delete(_ context.Context, keys ...string) error {
	for _, k := range keys {
		delete(m.keys, k)
	}
	return nil
}

func failureRateThreshold(value float64) store.AlertThreshold {
	return store.AlertThreshold{
		AlertType:        store.AlertTaskFailureRate,
		ThresholdValue:   value,
		Comparison:       store.CompareGTE,
		TimeframeMinutes: 60,
		Severity:         store.SeverityHigh,
		Enabled:          true,
	}
}

func newTestEvaluator(st *stubStore, cluster *stubCluster) (*Evaluator, *memCache) {
	c := newMemCache()
	e := NewEvaluator(st, cluster, c, nil, zap.NewNop(), time.Hour, 1024)
	return e, c
}

func TestEvaluate_FailureRateBreach(t *testing.T) {
	st := newStubStore()
	st.thresholds = []store.AlertThreshold{failureRateThreshold(20)}
	st.totalTasks, st.failedTasks = 10, 3
	ev, _ := newTestEvaluator(st, &stubCluster{})

	require.NoError(t, ev.EvaluateAll(context.Background()))

	open := st.openRecords()
	require.Len(t, open, 1)
	assert.Equal(t, store.AlertTaskFailureRate, open[0].AlertType)
	assert.InDelta(t, 30.0, open[0].CurrentValue, 0.01)
	assert.Equal(t, store.SeverityHigh, open[0].Severity)
}

func TestEvaluate_DeduplicatesOpenAlert(t *testing.T) {
	st := newStubStore()
	st.thresholds = []store.AlertThreshold{failureRateThreshold(20)}
	st.totalTasks, st.failedTasks = 10, 3
	ev, _ := newTestEvaluator(st, &stubCluster{})

	require.NoError(t, ev.EvaluateAll(context.Background()))
	st.failedTasks = 5 // still breached, worse now
	require.NoError(t, ev.EvaluateAll(context.Background()))

	open := st.openRecords()
	require.Len(t, open, 1, "at most one unresolved record per type")
	assert.InDelta(t, 50.0, open[0].CurrentValue, 0.01, "open record tracks the latest value")
}

func TestEvaluate_AutoResolve(t *testing.T) {
	st := newStubStore()
	st.thresholds = []store.AlertThreshold{failureRateThreshold(20)}
	st.totalTasks, st.failedTasks = 10, 3
	ev, _ := newTestEvaluator(st, &stubCluster{})

	require.NoError(t, ev.EvaluateAll(context.Background()))
	require.Len(t, st.openRecords(), 1)

	st.failedTasks = 0
	require.NoError(t, ev.EvaluateAll(context.Background()))

	assert.Empty(t, st.openRecords(), "cleared condition must auto-resolve")
	for _, rec := range st.records {
		assert.True(t, rec.AutoResolved)
		assert.NotNil(t, rec.ResolvedAt)
	}
}

func TestEvaluate_EscalatesAfterWindow(t *testing.T) {
	st := newStubStore()
	st.thresholds = []store.AlertThreshold{failureRateThreshold(20)}
	st.totalTasks, st.failedTasks = 10, 3
	ev, cache := newTestEvaluator(st, &stubCluster{})

	require.NoError(t, ev.EvaluateAll(context.Background()))

	// Expire the dedup marker as if the window had passed.
	cache.keys = map[string]time.Time{}
	require.NoError(t, ev.EvaluateAll(context.Background()))

	open := st.openRecords()
	require.Len(t, open, 1)
	assert.Equal(t, 1, open[0].EscalationLevel)
}

func TestEvaluate_QueueDepthFromCluster(t *testing.T) {
	st := newStubStore()
	st.thresholds = []store.AlertThreshold{{
		AlertType:        store.AlertQueueDepth,
		ThresholdValue:   100,
		Comparison:       store.CompareGT,
		TimeframeMinutes: 15,
		Severity:         store.SeverityMedium,
		Enabled:          true,
	}}
	cluster := &stubCluster{queues: []tracker.QueueMetrics{
		{QueueName: "default", Depth: 80},
		{QueueName: "email", Depth: 30},
	}}
	ev, _ := newTestEvaluator(st, cluster)

	require.NoError(t, ev.EvaluateAll(context.Background()))

	open := st.openRecords()
	require.Len(t, open, 1)
	assert.Equal(t, 110.0, open[0].CurrentValue)
}

func TestEvaluate_WorkerMemoryAgainstBaseline(t *testing.T) {
	st := newStubStore()
	st.thresholds = []store.AlertThreshold{{
		AlertType:        store.AlertWorkerMemory,
		ThresholdValue:   150,
		Comparison:       store.CompareGTE,
		TimeframeMinutes: 30,
		Severity:         store.SeverityMedium,
		Enabled:          true,
	}}
	cluster := &stubCluster{workers: []tracker.WorkerMetrics{
		{WorkerName: "w1", IsActive: true, MemoryMB: 2048},
		{WorkerName: "w2", IsActive: true, MemoryMB: 1024},
		{WorkerName: "w3", IsActive: false, MemoryMB: 9999}, // inactive, excluded
	}}
	ev, _ := newTestEvaluator(st, cluster)

	require.NoError(t, ev.EvaluateAll(context.Background()))

	// avg(2048,1024)/1024 = 150%
	open := st.openRecords()
	require.Len(t, open, 1)
	assert.InDelta(t, 150.0, open[0].CurrentValue, 0.01)
}

func TestEvaluate_DisabledThresholdSkipped(t *testing.T) {
	st := newStubStore()
	th := failureRateThreshold(20)
	th.Enabled = false
	st.thresholds = []store.AlertThreshold{th}
	st.totalTasks, st.failedTasks = 10, 10
	ev, _ := newTestEvaluator(st, &stubCluster{})

	require.NoError(t, ev.EvaluateAll(context.Background()))
	assert.Empty(t, st.openRecords())
}

func TestConfigureThreshold_Validation(t *testing.T) {
	ev, _ := newTestEvaluator(newStubStore(), &stubCluster{})
	ctx := context.Background()

	_, err := ev.ConfigureThreshold(ctx, store.AlertThreshold{
		AlertType: "made_up", Comparison: store.CompareGT, Severity: store.SeverityLow,
	})
	assert.Error(t, err, "unknown alert type is rejected")

	_, err = ev.ConfigureThreshold(ctx, store.AlertThreshold{
		AlertType: store.AlertQueueDepth, Comparison: "between", Severity: store.SeverityLow,
	})
	assert.Error(t, err, "unknown comparison is rejected")

	th, err := ev.ConfigureThreshold(ctx, store.AlertThreshold{
		AlertType:      store.AlertQueueDepth,
		Comparison:     store.CompareGT,
		Severity:       store.SeverityLow,
		ThresholdValue: 500,
	})
	require.NoError(t, err)
	assert.Equal(t, 60, th.TimeframeMinutes, "zero timeframe falls back to the default")
}

func TestResolve_RequiresUserAndClearsMarker(t *testing.T) {
	st := newStubStore()
	st.thresholds = []store.AlertThreshold{failureRateThreshold(20)}
	st.totalTasks, st.failedTasks = 10, 3
	ev, cache := newTestEvaluator(st, &stubCluster{})

	require.NoError(t, ev.EvaluateAll(context.Background()))
	open := st.openRecords()
	require.Len(t, open, 1)

	_, err := ev.Resolve(context.Background(), open[0].ID, "")
	assert.Error(t, err)

	rec, err := ev.Resolve(context.Background(), open[0].ID, "operator")
	require.NoError(t, err)
	assert.NotNil(t, rec.ResolvedAt)
	assert.False(t, rec.AutoResolved)

	_, marked := cache.keys[dedupKey(store.AlertTaskFailureRate)]
	assert.False(t, marked, "manual resolve clears the dedup marker")
}

func TestBreachedComparisons(t *testing.T) {
	cases := []struct {
		current   float64
		cmp       store.Comparison
		threshold float64
		want      bool
	}{
		{30, store.CompareGT, 20, true},
		{20, store.CompareGT, 20, false},
		{20, store.CompareGTE, 20, true},
		{10, store.CompareLT, 20, true},
		{20, store.CompareLTE, 20, true},
		{20, store.CompareEQ, 20, true},
		{21, store.CompareEQ, 20, false},
		{30, "nonsense", 20, false},
	}
	for _, tc := range cases {
		got := breached(tc.current, tc.cmp, tc.threshold)
		assert.Equal(t, tc.want, got, "%v %s %v", tc.current, tc.cmp, tc.threshold)
	}
}
