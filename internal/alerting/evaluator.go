package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/KingEverett/Hermes-sub000/internal/observability"
	"github.com/KingEverett/Hermes-sub000/internal/store"
	"github.com/KingEverett/Hermes-sub000/internal/tracker"
)

// Store is the persistence surface the evaluator needs.
type Store interface {
	ListAlertThresholds(ctx context.Context) ([]store.AlertThreshold, error)
	GetAlertThreshold(ctx context.Context, alertType store.AlertType) (*store.AlertThreshold, error)
	UpsertAlertThreshold(ctx context.Context, t store.AlertThreshold) (*store.AlertThreshold, error)
	CreateAlertRecord(ctx context.Context, p store.CreateAlertParams) (*store.AlertRecord, error)
	UnresolvedAlertByType(ctx context.Context, alertType store.AlertType) (*store.AlertRecord, error)
	UpdateAlertCurrentValue(ctx context.Context, id uuid.UUID, currentValue float64) error
	MarkAlertNotified(ctx context.Context, id uuid.UUID) error
	BumpAlertEscalation(ctx context.Context, id uuid.UUID) error
	ResolveAlert(ctx context.Context, id uuid.UUID, by string, auto bool, resolution []byte) (*store.AlertRecord, error)
	ActiveAlerts(ctx context.Context) ([]store.AlertRecord, error)
	AlertHistory(ctx context.Context, since time.Time, limit int) ([]store.AlertRecord, error)
	TaskCountsSince(ctx context.Context, since time.Time) (total, failed int, err error)
	AvgDurationMsSince(ctx context.Context, since time.Time) (float64, error)
	DeadLetterCountSince(ctx context.Context, since time.Time) (int, error)
}

// ClusterState exposes the live worker and queue snapshots.
type ClusterState interface {
	Workers() []tracker.WorkerMetrics
	Queues() []tracker.QueueMetrics
}

// Cache carries the deduplication markers. Markers expire on their own
// so a stuck alert re-notifies after the window.
type Cache interface {
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
}

// Evaluator checks every enabled threshold against the current metric
// values and manages the alert record lifecycle. At most one unresolved
// record exists per alert type; repeat breaches update it in place.
type Evaluator struct {
	store      Store
	cluster    ClusterState
	cache      Cache
	dispatcher *Dispatcher
	logger     *zap.Logger

	dedupWindow      time.Duration
	memoryBaselineMB float64
}

func NewEvaluator(s Store, cluster ClusterState, cache Cache, dispatcher *Dispatcher, logger *zap.Logger, dedupWindow time.Duration, memoryBaselineMB float64) *Evaluator {
	if dedupWindow <= 0 {
		dedupWindow = time.Hour
	}
	if memoryBaselineMB <= 0 {
		memoryBaselineMB = 1024
	}
	return &Evaluator{
		store:            s,
		cluster:          cluster,
		cache:            cache,
		dispatcher:       dispatcher,
		logger:           logger,
		dedupWindow:      dedupWindow,
		memoryBaselineMB: memoryBaselineMB,
	}
}

// EvaluateAll runs one evaluation cycle. A failure on one threshold is
// logged and does not stop the rest of the cycle.
func (e *Evaluator) EvaluateAll(ctx context.Context) error {
	ctx, span := otel.Tracer("hermes-monitor").Start(ctx, "alerting.evaluate_all")
	defer span.End()

	thresholds, err := e.store.ListAlertThresholds(ctx)
	if err != nil {
		return fmt.Errorf("listing alert thresholds: %w", err)
	}

	var failed int
	for _, t := range thresholds {
		if !t.Enabled {
			continue
		}
		if err := e.evaluate(ctx, t); err != nil {
			failed++
			e.logger.Error("threshold evaluation failed",
				zap.String("alert_type", string(t.AlertType)),
				zap.Error(err),
			)
		}
	}
	span.SetAttributes(attribute.Int("thresholds", len(thresholds)), attribute.Int("failed", failed))
	if failed > 0 {
		return fmt.Errorf("%d of %d threshold evaluations failed", failed, len(thresholds))
	}
	return nil
}

func (e *Evaluator) evaluate(ctx context.Context, t store.AlertThreshold) error {
	current, err := e.computeValue(ctx, t)
	if err != nil {
		return err
	}

	if breached(current, t.Comparison, t.ThresholdValue) {
		return e.onBreach(ctx, t, current)
	}
	return e.onClear(ctx, t, current)
}

// computeValue resolves the metric a threshold compares against.
func (e *Evaluator) computeValue(ctx context.Context, t store.AlertThreshold) (float64, error) {
	window := time.Duration(t.TimeframeMinutes) * time.Minute
	if window <= 0 {
		window = time.Hour
	}
	since := time.Now().Add(-window)

	switch t.AlertType {
	case store.AlertTaskFailureRate:
		total, failed, err := e.store.TaskCountsSince(ctx, since)
		if err != nil {
			return 0, err
		}
		if total == 0 {
			return 0, nil
		}
		return float64(failed) / float64(total) * 100, nil

	case store.AlertQueueDepth:
		depth := 0
		for _, q := range e.cluster.Queues() {
			depth += q.Depth
		}
		return float64(depth), nil

	case store.AlertDeadLetterCount:
		n, err := e.store.DeadLetterCountSince(ctx, since)
		return float64(n), err

	case store.AlertWorkerOffline:
		offline := 0
		for _, w := range e.cluster.Workers() {
			if !w.IsActive {
				offline++
			}
		}
		return float64(offline), nil

	case store.AlertWorkerMemory:
		var sum float64
		var n int
		for _, w := range e.cluster.Workers() {
			if w.IsActive && w.MemoryMB > 0 {
				sum += w.MemoryMB
				n++
			}
		}
		if n == 0 {
			return 0, nil
		}
		return (sum / float64(n)) / e.memoryBaselineMB * 100, nil

	case store.AlertTaskDuration:
		return e.store.AvgDurationMsSince(ctx, since)

	default:
		return 0, fmt.Errorf("unknown alert type %q", t.AlertType)
	}
}

func breached(current float64, cmp store.Comparison, threshold float64) bool {
	switch cmp {
	case store.CompareGT:
		return current > threshold
	case store.CompareGTE:
		return current >= threshold
	case store.CompareLT:
		return current < threshold
	case store.CompareLTE:
		return current <= threshold
	case store.CompareEQ:
		return current == threshold
	default:
		return false
	}
}

func dedupKey(alertType store.AlertType) string {
	return "alert_dedup:" + string(alertType)
}

// onBreach fires a new alert or refreshes the open one. The cache
// marker enforces the deduplication window; when it expires while the
// alert is still open, the escalation level bumps and notifications go
// out again.
func (e *Evaluator) onBreach(ctx context.Context, t store.AlertThreshold, current float64) error {
	open, err := e.store.UnresolvedAlertByType(ctx, t.AlertType)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	if open != nil {
		if err := e.store.UpdateAlertCurrentValue(ctx, open.ID, current); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}

		fresh, err := e.cache.SetNX(ctx, dedupKey(t.AlertType), "1", e.dedupWindow)
		if err != nil {
			e.logger.Warn("dedup marker check failed", zap.String("alert_type", string(t.AlertType)), zap.Error(err))
			return nil
		}
		if fresh {
			// Window elapsed with the alert still open: escalate.
			if err := e.store.BumpAlertEscalation(ctx, open.ID); err != nil {
				return err
			}
			open.CurrentValue = current
			open.EscalationLevel++
			e.notify(ctx, *open, message(t.AlertType, current, t.ThresholdValue))
		}
		return nil
	}

	fresh, err := e.cache.SetNX(ctx, dedupKey(t.AlertType), "1", e.dedupWindow)
	if err != nil {
		e.logger.Warn("dedup marker set failed, firing anyway", zap.String("alert_type", string(t.AlertType)), zap.Error(err))
		fresh = true
	}
	if !fresh {
		// Marker still live from a recently resolved alert of the same
		// type; suppress the new record until the window passes.
		return nil
	}

	ctxData, _ := json.Marshal(map[string]any{
		"timeframe_minutes": t.TimeframeMinutes,
		"evaluated_at":      time.Now().UTC(),
	})
	rec, err := e.store.CreateAlertRecord(ctx, store.CreateAlertParams{
		AlertType:      t.AlertType,
		Severity:       t.Severity,
		ThresholdValue: t.ThresholdValue,
		CurrentValue:   current,
		Condition:      condition(t.AlertType, t.Comparison, t.ThresholdValue),
		ContextData:    ctxData,
	})
	if err != nil {
		return err
	}

	observability.AlertsFiredTotal.WithLabelValues(string(t.AlertType), string(t.Severity)).Inc()
	e.logger.Warn("alert fired",
		zap.String("alert_type", string(t.AlertType)),
		zap.String("severity", string(t.Severity)),
		zap.Float64("current", current),
		zap.Float64("threshold", t.ThresholdValue),
	)

	e.notify(ctx, *rec, message(t.AlertType, current, t.ThresholdValue))
	return nil
}

// onClear auto-resolves the open record for the type, if one exists.
func (e *Evaluator) onClear(ctx context.Context, t store.AlertThreshold, current float64) error {
	open, err := e.store.UnresolvedAlertByType(ctx, t.AlertType)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	resolution, _ := json.Marshal(map[string]any{
		"final_value": current,
		"threshold":   t.ThresholdValue,
		"resolved_at": time.Now().UTC(),
	})
	if _, err := e.store.ResolveAlert(ctx, open.ID, "", true, resolution); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}

	e.logger.Info("alert auto-resolved",
		zap.String("alert_type", string(t.AlertType)),
		zap.Float64("current", current),
		zap.Float64("threshold", t.ThresholdValue),
	)
	return nil
}

func (e *Evaluator) notify(ctx context.Context, rec store.AlertRecord, msg string) {
	if e.dispatcher == nil {
		return
	}
	if sent := e.dispatcher.Dispatch(ctx, rec, msg); sent > 0 {
		if err := e.store.MarkAlertNotified(ctx, rec.ID); err != nil {
			e.logger.Warn("marking alert notified failed", zap.String("alert_id", rec.ID.String()), zap.Error(err))
		}
	}
}

// ConfigureThreshold validates and persists a threshold change. It
// takes effect on the next evaluation cycle.
func (e *Evaluator) ConfigureThreshold(ctx context.Context, t store.AlertThreshold) (*store.AlertThreshold, error) {
	switch t.AlertType {
	case store.AlertTaskFailureRate, store.AlertQueueDepth, store.AlertDeadLetterCount,
		store.AlertWorkerOffline, store.AlertWorkerMemory, store.AlertTaskDuration:
	default:
		return nil, fmt.Errorf("unknown alert type %q", t.AlertType)
	}
	switch t.Comparison {
	case store.CompareGT, store.CompareGTE, store.CompareLT, store.CompareLTE, store.CompareEQ:
	default:
		return nil, fmt.Errorf("unknown comparison %q", t.Comparison)
	}
	switch t.Severity {
	case store.SeverityLow, store.SeverityMedium, store.SeverityHigh, store.SeverityCritical:
	default:
		return nil, fmt.Errorf("unknown severity %q", t.Severity)
	}
	if t.TimeframeMinutes <= 0 {
		t.TimeframeMinutes = 60
	}
	return e.store.UpsertAlertThreshold(ctx, t)
}

func (e *Evaluator) Active(ctx context.Context) ([]store.AlertRecord, error) {
	return e.store.ActiveAlerts(ctx)
}

func (e *Evaluator) History(ctx context.Context, since time.Time, limit int) ([]store.AlertRecord, error) {
	return e.store.AlertHistory(ctx, since, limit)
}

// Resolve closes an alert on behalf of an operator and clears the
// dedup marker so a recurrence fires immediately.
func (e *Evaluator) Resolve(ctx context.Context, id uuid.UUID, userID string) (*store.AlertRecord, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required to resolve an alert")
	}
	rec, err := e.store.ResolveAlert(ctx, id, userID, false, nil)
	if err != nil {
		return nil, err
	}
	if err := e.cache.Delete(ctx, dedupKey(rec.AlertType)); err != nil {
		e.logger.Warn("clearing dedup marker failed", zap.String("alert_type", string(rec.AlertType)), zap.Error(err))
	}
	return rec, nil
}

// EvaluationJob adapts the evaluator to the scheduler.
type EvaluationJob struct {
	Evaluator *Evaluator
}

func (j *EvaluationJob) Name() string { return "alert-evaluation" }

func (j *EvaluationJob) Run(ctx context.Context) error {
	return j.Evaluator.EvaluateAll(ctx)
}
