// Package retry decides whether and when a failed task is re-enqueued,
// and hands exhausted tasks to the quarantine store.
package retry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/KingEverett/Hermes-sub000/internal/observability"
	"github.com/KingEverett/Hermes-sub000/internal/store"
)

// Store is the slice of the durable store the engine needs.
type Store interface {
	GetRetryConfig(ctx context.Context, taskName string) (*store.RetryConfiguration, error)
	UpsertRetryConfig(ctx context.Context, c store.RetryConfiguration) (*store.RetryConfiguration, error)
	InsertRetryAttempt(ctx context.Context, a store.RetryAttempt) (*store.RetryAttempt, error)
	ListRetryAttempts(ctx context.Context, taskID string, limit int) ([]store.RetryAttempt, error)
	GetTaskRecord(ctx context.Context, taskID string) (*store.TaskRecord, error)
	UpdateTaskStatus(ctx context.Context, taskID string, expectedVersion int, status store.TaskStatus) (*store.TaskRecord, error)
	QuarantineTask(ctx context.Context, p store.QuarantineParams) (*store.QuarantinedTask, error)
}

type Cache interface {
	GetJSON(ctx context.Context, key string, dst any) (bool, error)
	SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// Broker re-enqueues tasks; implemented by feed.Broker.
type Broker interface {
	Requeue(ctx context.Context, taskID, taskName string, args, kwargs json.RawMessage, delaySeconds int) error
}

type Config struct {
	ConfigCacheTTL time.Duration
	Default        store.RetryConfiguration
}

type Engine struct {
	store  Store
	cache  Cache
	broker Broker
	logger *zap.Logger
	cfg    Config
}

func NewEngine(st Store, cache Cache, broker Broker, logger *zap.Logger, cfg Config) *Engine {
	if cfg.ConfigCacheTTL <= 0 {
		cfg.ConfigCacheTTL = 60 * time.Second
	}
	if cfg.Default.MaxRetries <= 0 {
		cfg.Default = DefaultConfiguration()
	}
	return &Engine{store: st, cache: cache, broker: broker, logger: logger, cfg: cfg}
}

// DefaultConfiguration is the fallback when a task has no configuration
// row of its own.
func DefaultConfiguration() store.RetryConfiguration {
	return store.RetryConfiguration{
		MaxRetries:        3,
		BaseDelaySeconds:  60,
		MaxDelaySeconds:   3600,
		Policy:            store.PolicyExponential,
		BackoffMultiplier: 2,
		JitterEnabled:     true,
		JitterMin:         0.1,
		JitterMax:         0.3,
	}
}

// Config returns the retry configuration for a task name, from cache,
// store, or the compiled-in default, in that order. The returned value
// is immutable for the duration of one attempt calculation.
func (e *Engine) Config(ctx context.Context, taskName string) store.RetryConfiguration {
	key := "retry_config:" + taskName

	var cached store.RetryConfiguration
	if ok, err := e.cache.GetJSON(ctx, key, &cached); err == nil && ok {
		return cached
	}

	cfg, err := e.store.GetRetryConfig(ctx, taskName)
	if errors.Is(err, store.ErrNotFound) {
		def := e.cfg.Default
		def.TaskName = taskName
		return def
	}
	if err != nil {
		e.logger.Warn("retry config lookup failed, using default",
			zap.String("task", taskName), zap.Error(err))
		def := e.cfg.Default
		def.TaskName = taskName
		return def
	}

	if err := e.cache.SetJSON(ctx, key, cfg, e.cfg.ConfigCacheTTL); err != nil {
		e.logger.Debug("retry config cache write failed", zap.Error(err))
	}
	return *cfg
}

// Configure validates and persists a per-task configuration, then drops
// the cache entry so the change takes effect on the next lookup rather
// than after the TTL.
func (e *Engine) Configure(ctx context.Context, cfg store.RetryConfiguration) (*store.RetryConfiguration, error) {
	if cfg.TaskName == "" {
		return nil, fmt.Errorf("task name is required")
	}
	switch cfg.Policy {
	case store.PolicyExponential, store.PolicyLinear, store.PolicyFixed, store.PolicyFibonacci:
	default:
		return nil, fmt.Errorf("unknown retry policy %q", cfg.Policy)
	}
	if cfg.MaxRetries < 1 || cfg.MaxRetries > 100 {
		return nil, fmt.Errorf("max retries must be 1..100, got %d", cfg.MaxRetries)
	}
	if cfg.BaseDelaySeconds <= 0 {
		return nil, fmt.Errorf("base delay must be > 0")
	}
	if cfg.MaxDelaySeconds < cfg.BaseDelaySeconds {
		return nil, fmt.Errorf("max delay must be >= base delay")
	}
	if cfg.JitterEnabled && (cfg.JitterMin < 0 || cfg.JitterMax < cfg.JitterMin) {
		return nil, fmt.Errorf("jitter range [%g, %g] is invalid", cfg.JitterMin, cfg.JitterMax)
	}

	out, err := e.store.UpsertRetryConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := e.cache.Delete(ctx, "retry_config:"+cfg.TaskName); err != nil {
		e.logger.Debug("retry config cache invalidation failed", zap.Error(err))
	}
	return out, nil
}

// Attempts returns the persisted retry history for a task, newest first.
func (e *Engine) Attempts(ctx context.Context, taskID string, limit int) ([]store.RetryAttempt, error) {
	return e.store.ListRetryAttempts(ctx, taskID, limit)
}

// ShouldRetry applies the eligibility rules in order. attempt is the
// number of retries already consumed, so attempt >= maxRetries is
// always a refusal.
func (e *Engine) ShouldRetry(ctx context.Context, taskName string, f Failure, attempt int) bool {
	return eligible(e.Config(ctx, taskName), f, attempt)
}

// eligible is the pure rule evaluation; first matching rule wins.
func eligible(cfg store.RetryConfiguration, f Failure, attempt int) bool {
	if attempt >= cfg.MaxRetries {
		return false
	}
	for _, entry := range cfg.NoRetryOn {
		if f.Matches(entry) {
			return false
		}
	}
	if len(cfg.RetryOn) > 0 {
		for _, entry := range cfg.RetryOn {
			if f.Matches(entry) {
				return true
			}
		}
		return false
	}
	if f.nonRetryable() {
		return false
	}
	return true
}

// CalculateDelay is exposed on the engine for callers that already hold
// a configuration.
func (e *Engine) CalculateDelay(attempt int, cfg store.RetryConfiguration) int {
	return CalculateDelay(attempt, cfg)
}

// Categorize maps a failure onto the quarantine taxonomy.
func (e *Engine) Categorize(f Failure) store.FailureCategory {
	return Categorize(f)
}

// ScheduleRetry makes the retry decision for one failure. attempt is
// the 1-based number of the retry being considered; eligibility checks
// the retries consumed before it. When the task is eligible it persists
// the attempt, transitions the record to retrying, and asks the broker
// to re-enqueue under the same task id with the computed delay. When
// the budget is exhausted it quarantines instead and returns nil.
func (e *Engine) ScheduleRetry(ctx context.Context, taskID, taskName string, f Failure, attempt int, args, kwargs json.RawMessage) (*store.RetryAttempt, error) {
	tr := otel.Tracer("hermes/retry")
	ctx, span := tr.Start(ctx, "retry.schedule")
	defer span.End()

	cfg := e.Config(ctx, taskName)

	if !eligible(cfg, f, attempt-1) {
		if attempt > cfg.MaxRetries {
			if err := e.Quarantine(ctx, taskID, taskName, f, args, kwargs, attempt); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}

	delay := CalculateDelay(attempt, cfg)

	persisted, err := e.store.InsertRetryAttempt(ctx, store.RetryAttempt{
		TaskID:       taskID,
		TaskName:     taskName,
		Attempt:      attempt,
		DelaySeconds: delay,
		ScheduledAt:  time.Now().Add(time.Duration(delay) * time.Second),
		Reason:       failureReason(f),
	})
	if err != nil {
		return nil, fmt.Errorf("persist retry attempt: %w", err)
	}

	if err := e.transitionRecord(ctx, taskID, store.StatusRetrying); err != nil &&
		!errors.Is(err, store.ErrNotFound) {
		e.logger.Warn("record transition to retrying failed",
			zap.String("task_id", taskID), zap.Error(err))
	}

	if err := e.broker.Requeue(ctx, taskID, taskName, args, kwargs, delay); err != nil {
		return nil, fmt.Errorf("broker re-enqueue: %w", err)
	}

	if err := e.cache.SetJSON(ctx, "pending_retry:"+taskID, persisted,
		time.Duration(delay)*time.Second+time.Minute); err != nil {
		e.logger.Debug("pending retry cache write failed", zap.Error(err))
	}

	observability.RetriesScheduledTotal.WithLabelValues(taskName, string(cfg.Policy)).Inc()
	e.logger.Info("retry scheduled",
		zap.String("task_id", taskID),
		zap.String("task", taskName),
		zap.Int("attempt", attempt),
		zap.Int("delay_seconds", delay),
	)
	return persisted, nil
}

// Quarantine moves an exhausted task into the dead-letter store, marks
// the record dead_letter, and drops any pending retry marker.
func (e *Engine) Quarantine(ctx context.Context, taskID, taskName string, f Failure, args, kwargs json.RawMessage, totalAttempts int) error {
	category := Categorize(f)

	firstFailedAt := time.Now()
	if rec, err := e.store.GetTaskRecord(ctx, taskID); err == nil && rec.CompletedAt != nil {
		firstFailedAt = *rec.CompletedAt
	}

	_, err := e.store.QuarantineTask(ctx, store.QuarantineParams{
		OriginalTaskID:  taskID,
		TaskName:        taskName,
		Args:            args,
		Kwargs:          kwargs,
		FailureReason:   failureReason(f),
		FailureCategory: category,
		FailureTrace:    f.Trace,
		FirstFailedAt:   firstFailedAt,
		TotalAttempts:   totalAttempts,
	})
	if err != nil {
		return fmt.Errorf("quarantine task %s: %w", taskID, err)
	}

	if err := e.cache.Delete(ctx, "pending_retry:"+taskID); err != nil {
		e.logger.Debug("pending retry cache delete failed", zap.Error(err))
	}

	observability.QuarantinedTotal.WithLabelValues(string(category)).Inc()
	e.logger.Warn("task quarantined",
		zap.String("task_id", taskID),
		zap.String("task", taskName),
		zap.String("category", string(category)),
		zap.Int("total_attempts", totalAttempts),
	)
	return nil
}

// transitionRecord applies an optimistic status update, retrying a few
// times on version conflicts with the event loop.
func (e *Engine) transitionRecord(ctx context.Context, taskID string, status store.TaskStatus) error {
	for i := 0; i < 3; i++ {
		rec, err := e.store.GetTaskRecord(ctx, taskID)
		if err != nil {
			return err
		}
		if rec.Status.Terminal() {
			return nil
		}
		_, err = e.store.UpdateTaskStatus(ctx, taskID, rec.Version, status)
		if err == nil {
			return nil
		}
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		return err
	}
	return store.ErrVersionConflict
}

func failureReason(f Failure) string {
	switch {
	case f.Kind != "" && f.Message != "":
		return f.Kind + ": " + f.Message
	case f.Kind != "":
		return f.Kind
	case f.Message != "":
		return f.Message
	default:
		return "unknown failure"
	}
}
