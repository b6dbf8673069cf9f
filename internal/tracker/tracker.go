// Package tracker maintains the authoritative task lifecycle records and
// the in-memory active-task and worker/queue aggregates. All writes to
// the shared maps happen from the single event-consumption loop; read
// queries copy under a short read lock.
package tracker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/KingEverett/Hermes-sub000/internal/feed"
	"github.com/KingEverett/Hermes-sub000/internal/observability"
	"github.com/KingEverett/Hermes-sub000/internal/store"
)

// Store is the slice of the durable store the tracker needs.
type Store interface {
	CreateTaskRecord(ctx context.Context, p store.CreateTaskRecordParams) (*store.TaskRecord, error)
	GetTaskRecord(ctx context.Context, taskID string) (*store.TaskRecord, error)
	MarkStarted(ctx context.Context, taskID, workerName string, at time.Time) (*store.TaskRecord, error)
	MarkSucceeded(ctx context.Context, taskID string, at time.Time, result []byte) (*store.TaskRecord, error)
	MarkFailed(ctx context.Context, taskID string, at time.Time, errMsg, errTrace string) (*store.TaskRecord, error)
	MarkRetrying(ctx context.Context, taskID string) (*store.TaskRecord, error)
	TaskHistory(ctx context.Context, f store.HistoryFilter, limit int) ([]store.TaskRecord, error)
	PurgeTaskRecordsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Cache mirrors active tasks and worker aggregates for other processes.
type Cache interface {
	SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

type Config struct {
	DefaultMaxRetries int
	MirrorTTL         time.Duration
	RetentionDays     int
}

// FailureSink receives each failed-task event after the record has been
// updated. The retry engine hangs off this hook.
type FailureSink interface {
	HandleFailure(ctx context.Context, rec *store.TaskRecord, ev *feed.Event)
}

type Tracker struct {
	store    Store
	cache    Cache
	logger   *zap.Logger
	cfg      Config
	failures FailureSink

	mu      sync.RWMutex
	active  map[string]*ActiveTask
	workers map[string]*WorkerMetrics
	queues  map[string]*queueState
}

func New(st Store, cache Cache, logger *zap.Logger, cfg Config) *Tracker {
	if cfg.DefaultMaxRetries <= 0 {
		cfg.DefaultMaxRetries = 3
	}
	if cfg.MirrorTTL <= 0 {
		cfg.MirrorTTL = 60 * time.Second
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 7
	}
	return &Tracker{
		store:   st,
		cache:   cache,
		logger:  logger,
		cfg:     cfg,
		active:  make(map[string]*ActiveTask),
		workers: make(map[string]*WorkerMetrics),
		queues:  make(map[string]*queueState),
	}
}

// HandleEvent applies one lifecycle event. Events for the same task id
// arrive in causal order; no ordering is assumed across task ids. A
// handler error never propagates as fatal: the caller logs and moves on.
func (t *Tracker) HandleEvent(ctx context.Context, ev *feed.Event) error {
	switch ev.Kind {
	case feed.EventTaskSubmitted:
		return t.onSubmitted(ctx, ev)
	case feed.EventTaskStarted:
		return t.onStarted(ctx, ev)
	case feed.EventTaskSucceeded:
		return t.onSucceeded(ctx, ev)
	case feed.EventTaskFailed:
		return t.onFailed(ctx, ev)
	case feed.EventTaskRetryScheduled:
		return t.onRetryScheduled(ctx, ev)
	case feed.EventWorkerOnline:
		t.onWorkerPresence(ctx, ev, true)
		return nil
	case feed.EventWorkerOffline:
		t.onWorkerPresence(ctx, ev, false)
		return nil
	case feed.EventWorkerHeartbeat:
		t.onWorkerHeartbeat(ctx, ev)
		return nil
	default:
		observability.EventsSkippedTotal.WithLabelValues("unknown_kind").Inc()
		return nil
	}
}

func (t *Tracker) onSubmitted(ctx context.Context, ev *feed.Event) error {
	maxRetries := ev.MaxRetries
	if maxRetries <= 0 {
		maxRetries = t.cfg.DefaultMaxRetries
	}
	queue := ev.RoutingKey
	if queue == "" {
		queue = "default"
	}

	_, err := t.store.CreateTaskRecord(ctx, store.CreateTaskRecordParams{
		TaskID:     ev.UUID,
		TaskName:   ev.Name,
		QueueName:  queue,
		QueuedAt:   ev.Timestamp,
		MaxRetries: maxRetries,
		Args:       ev.Args,
		Kwargs:     ev.Kwargs,
	})
	if errors.Is(err, store.ErrAlreadyExists) {
		// duplicate delivery
		return nil
	}
	if err != nil {
		return err
	}

	at := &ActiveTask{
		TaskID:    ev.UUID,
		TaskName:  ev.Name,
		QueueName: queue,
		Status:    store.StatusSubmitted,
		QueuedAt:  ev.Timestamp,
	}

	t.mu.Lock()
	t.active[ev.UUID] = at
	q := t.queueState(queue)
	q.Depth++
	q.SubmittedDay++
	t.mu.Unlock()

	observability.ActiveTasksGauge.Inc()
	t.mirrorActive(ctx, at)
	return nil
}

func (t *Tracker) onStarted(ctx context.Context, ev *feed.Event) error {
	_, err := t.store.MarkStarted(ctx, ev.UUID, ev.Hostname, ev.Timestamp)
	if errors.Is(err, store.ErrNotFound) {
		t.skipUnknown(ev)
		return nil
	}
	if err != nil {
		return err
	}

	t.mu.Lock()
	if at, ok := t.active[ev.UUID]; ok {
		at.Status = store.StatusProcessing
		at.WorkerName = ev.Hostname
		started := ev.Timestamp
		at.StartedAt = &started
		t.queueState(at.QueueName).Depth--
	}
	w := t.workerState(ev.Hostname)
	w.TasksInFlight++
	w.IsActive = true
	w.LastSeen = ev.Timestamp
	t.mu.Unlock()

	t.mirrorWorkers(ctx)
	return nil
}

func (t *Tracker) onSucceeded(ctx context.Context, ev *feed.Event) error {
	rec, err := t.store.MarkSucceeded(ctx, ev.UUID, ev.Timestamp, ev.Result)
	if errors.Is(err, store.ErrNotFound) {
		t.skipUnknown(ev)
		return nil
	}
	if err != nil {
		return err
	}

	t.mu.Lock()
	at, wasActive := t.active[ev.UUID]
	delete(t.active, ev.UUID)
	worker := ev.Hostname
	if worker == "" && at != nil {
		worker = at.WorkerName
	}
	if worker != "" {
		w := t.workerState(worker)
		if w.TasksInFlight > 0 {
			w.TasksInFlight--
		}
		w.TasksCompletedDay++
		w.TasksCompletedTotal++
		w.LastSeen = ev.Timestamp
	}
	queue := rec.QueueName
	q := t.queueState(queue)
	q.CompletedDay++
	q.completions = append(q.completions, ev.Timestamp)
	t.mu.Unlock()

	if wasActive {
		observability.ActiveTasksGauge.Dec()
	}
	t.unmirrorActive(ctx, ev.UUID)
	t.mirrorWorkers(ctx)
	return nil
}

func (t *Tracker) onFailed(ctx context.Context, ev *feed.Event) error {
	rec, err := t.store.MarkFailed(ctx, ev.UUID, ev.Timestamp, ev.Exception, ev.Traceback)
	if errors.Is(err, store.ErrNotFound) {
		t.skipUnknown(ev)
		return nil
	}
	if err != nil {
		return err
	}

	t.mu.Lock()
	at, wasActive := t.active[ev.UUID]
	delete(t.active, ev.UUID)
	worker := ev.Hostname
	if worker == "" && at != nil {
		worker = at.WorkerName
	}
	if worker != "" {
		w := t.workerState(worker)
		if w.TasksInFlight > 0 {
			w.TasksInFlight--
		}
		w.TasksFailedDay++
		w.TasksFailedTotal++
		w.LastSeen = ev.Timestamp
	}
	t.queueState(rec.QueueName).FailedDay++
	t.mu.Unlock()

	if wasActive {
		observability.ActiveTasksGauge.Dec()
	}
	t.unmirrorActive(ctx, ev.UUID)
	t.mirrorWorkers(ctx)

	// The retry decision lives in the sink, not here, so a slow or
	// failing broker round-trip never blocks record bookkeeping above.
	if t.failures != nil {
		t.failures.HandleFailure(ctx, rec, ev)
	}
	return nil
}

// SetFailureSink installs the failed-task hook. Call before the event
// loop starts.
func (t *Tracker) SetFailureSink(s FailureSink) {
	t.failures = s
}

func (t *Tracker) onRetryScheduled(ctx context.Context, ev *feed.Event) error {
	rec, err := t.store.MarkRetrying(ctx, ev.UUID)
	if errors.Is(err, store.ErrNotFound) {
		t.skipUnknown(ev)
		return nil
	}
	if err != nil {
		return err
	}

	t.mu.Lock()
	at, ok := t.active[ev.UUID]
	if !ok {
		at = &ActiveTask{
			TaskID:    ev.UUID,
			TaskName:  rec.TaskName,
			QueueName: rec.QueueName,
			QueuedAt:  rec.QueuedAt,
		}
		t.active[ev.UUID] = at
		observability.ActiveTasksGauge.Inc()
	}
	at.Status = store.StatusRetrying
	at.StartedAt = nil
	at.WorkerName = ""
	at.RetryCount = rec.RetryCount
	t.queueState(rec.QueueName).Depth++
	t.mu.Unlock()

	t.mirrorActive(ctx, at)
	return nil
}

func (t *Tracker) onWorkerPresence(ctx context.Context, ev *feed.Event, online bool) {
	t.mu.Lock()
	w := t.workerState(ev.Hostname)
	w.IsActive = online
	w.LastSeen = ev.Timestamp
	if !online {
		w.TasksInFlight = 0
	}
	t.mu.Unlock()

	t.mirrorWorkers(ctx)
}

func (t *Tracker) onWorkerHeartbeat(ctx context.Context, ev *feed.Event) {
	t.mu.Lock()
	w := t.workerState(ev.Hostname)
	w.IsActive = true
	w.LastSeen = ev.Timestamp
	w.MemoryMB = ev.MemoryMB
	w.CPUPercent = ev.CPUPercent
	t.mu.Unlock()

	t.mirrorWorkers(ctx)
}

// locked helpers

func (t *Tracker) queueState(name string) *queueState {
	q, ok := t.queues[name]
	if !ok {
		q = &queueState{QueueMetrics: QueueMetrics{QueueName: name}}
		t.queues[name] = q
	}
	return q
}

func (t *Tracker) workerState(name string) *WorkerMetrics {
	w, ok := t.workers[name]
	if !ok {
		w = &WorkerMetrics{WorkerName: name}
		t.workers[name] = w
	}
	return w
}

func (t *Tracker) skipUnknown(ev *feed.Event) {
	observability.EventsSkippedTotal.WithLabelValues("unknown_task").Inc()
	t.logger.Warn("event for unknown task",
		zap.String("kind", string(ev.Kind)),
		zap.String("task_id", ev.UUID),
	)
}

// cache mirroring is best effort; the in-memory maps stay authoritative.

func (t *Tracker) mirrorActive(ctx context.Context, at *ActiveTask) {
	if t.cache == nil || at == nil {
		return
	}
	if err := t.cache.SetJSON(ctx, "active_task:"+at.TaskID, at, t.cfg.MirrorTTL); err != nil {
		t.logger.Debug("active task mirror failed", zap.Error(err))
	}
}

func (t *Tracker) unmirrorActive(ctx context.Context, taskID string) {
	if t.cache == nil {
		return
	}
	if err := t.cache.Delete(ctx, "active_task:"+taskID); err != nil {
		t.logger.Debug("active task unmirror failed", zap.Error(err))
	}
}

func (t *Tracker) mirrorWorkers(ctx context.Context) {
	if t.cache == nil {
		return
	}
	if err := t.cache.SetJSON(ctx, "workers:snapshot", t.Workers(), t.cfg.MirrorTTL); err != nil {
		t.logger.Debug("worker mirror failed", zap.Error(err))
	}
}

// read queries

// ActiveTasks returns a copy of the active-task cache.
func (t *Tracker) ActiveTasks() []ActiveTask {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]ActiveTask, 0, len(t.active))
	for _, at := range t.active {
		out = append(out, *at)
	}
	return out
}

// Workers returns a copy of the per-worker aggregates.
func (t *Tracker) Workers() []WorkerMetrics {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]WorkerMetrics, 0, len(t.workers))
	for _, w := range t.workers {
		out = append(out, *w)
	}
	return out
}

// Queues returns a copy of the per-queue aggregates with derived fields
// filled in.
func (t *Tracker) Queues() []QueueMetrics {
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]QueueMetrics, 0, len(t.queues))
	for _, q := range t.queues {
		out = append(out, q.snapshot(now))
	}
	return out
}

// History queries persisted task records.
func (t *Tracker) History(ctx context.Context, f store.HistoryFilter, limit int) ([]store.TaskRecord, error) {
	return t.store.TaskHistory(ctx, f, limit)
}

// ResetDailyCounters zeroes the per-day worker and queue counters; called
// by the cleanup job at the daily boundary.
func (t *Tracker) ResetDailyCounters() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, w := range t.workers {
		w.TasksCompletedDay = 0
		w.TasksFailedDay = 0
	}
	for _, q := range t.queues {
		q.SubmittedDay = 0
		q.CompletedDay = 0
		q.FailedDay = 0
	}
}
