// Package deadletter manages quarantined tasks: paging, manual and bulk
// re-submission, operator bookkeeping, failure-pattern analysis, and
// purging.
package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/KingEverett/Hermes-sub000/internal/observability"
	"github.com/KingEverett/Hermes-sub000/internal/store"
)

// Store is the slice of the durable store the service needs. Per-row
// serialization of concurrent retries lives in ClaimQuarantineRetry.
type Store interface {
	GetQuarantined(ctx context.Context, id uuid.UUID) (*store.QuarantinedTask, error)
	ListQuarantined(ctx context.Context, f store.QuarantineFilter, page, pageSize int) ([]store.QuarantinedTask, int, error)
	ClaimQuarantineRetry(ctx context.Context, id uuid.UUID, maxAttempts int) (*store.QuarantinedTask, error)
	ReleaseQuarantineRetry(ctx context.Context, id uuid.UUID) error
	ListRetryEligible(ctx context.Context, f store.QuarantineFilter, limit, maxAttempts int) ([]store.QuarantinedTask, error)
	MarkQuarantineProcessed(ctx context.Context, id uuid.UUID, by, notes string) (*store.QuarantinedTask, error)
	PurgeQuarantined(ctx context.Context, cutoff time.Time, keepUnprocessed bool) (int64, error)
	QuarantineCategoryCounts(ctx context.Context, since time.Time) ([]store.CountRow, error)
	QuarantineTaskNameCounts(ctx context.Context, since time.Time) ([]store.CountRow, error)
	QuarantineReasonCounts(ctx context.Context, since time.Time) ([]store.CountRow, error)
	RecentQuarantined(ctx context.Context, since time.Time, limit int) ([]store.QuarantinedTask, error)
}

// Broker submits a brand-new task from the preserved payload; the
// original task id is never reused for manual retries.
type Broker interface {
	Submit(ctx context.Context, taskName string, args, kwargs json.RawMessage, delaySeconds int) (string, error)
}

type Cache interface {
	GetJSON(ctx context.Context, key string, dst any) (bool, error)
	SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error
}

type Service struct {
	store  Store
	broker Broker
	cache  Cache
	logger *zap.Logger

	analysisTTL   time.Duration
	submitTimeout time.Duration
}

func NewService(st Store, broker Broker, cache Cache, logger *zap.Logger) *Service {
	return &Service{
		store:         st,
		broker:        broker,
		cache:         cache,
		logger:        logger,
		analysisTTL:   5 * time.Minute,
		submitTimeout: 10 * time.Second,
	}
}

func (s *Service) List(ctx context.Context, page, pageSize int, f store.QuarantineFilter) (*Page, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 || pageSize > 200 {
		pageSize = 50
	}

	items, total, err := s.store.ListQuarantined(ctx, f, page, pageSize)
	if err != nil {
		return nil, err
	}

	totalPages := total / pageSize
	if total%pageSize != 0 {
		totalPages++
	}
	return &Page{
		Items:      items,
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: totalPages,
	}, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*store.QuarantinedTask, error) {
	return s.store.GetQuarantined(ctx, id)
}

// Retry re-submits one quarantined task's preserved payload under its
// original task name. The claim happens first so parallel callers
// cannot double-spend the attempt budget; a broker failure releases the
// claim so infrastructure trouble does not consume attempts.
func (s *Service) Retry(ctx context.Context, id uuid.UUID, userID string) RetryOutcome {
	claimed, err := s.store.ClaimQuarantineRetry(ctx, id, MaxRetryAttempts)
	if err != nil {
		return s.rejectRetry(ctx, id, err)
	}

	subCtx, cancel := context.WithTimeout(ctx, s.submitTimeout)
	defer cancel()

	newTaskID, err := s.broker.Submit(subCtx, claimed.TaskName, claimed.Args, claimed.Kwargs, 0)
	if err != nil {
		if relErr := s.store.ReleaseQuarantineRetry(ctx, id); relErr != nil {
			s.logger.Error("retry claim release failed",
				zap.String("id", id.String()), zap.Error(relErr))
		}
		observability.DeadLetterRetriesTotal.WithLabelValues("submit_failed").Inc()
		return RetryOutcome{ID: id, Code: FailureSubmit, Detail: err.Error()}
	}

	observability.DeadLetterRetriesTotal.WithLabelValues("ok").Inc()
	s.logger.Info("quarantined task re-submitted",
		zap.String("id", id.String()),
		zap.String("task", claimed.TaskName),
		zap.String("new_task_id", newTaskID),
		zap.String("user", userID),
		zap.Int("retry_attempts", claimed.RetryAttempts),
	)
	return RetryOutcome{ID: id, OK: true, NewTaskID: newTaskID}
}

func (s *Service) rejectRetry(ctx context.Context, id uuid.UUID, claimErr error) RetryOutcome {
	if errors.Is(claimErr, store.ErrNotFound) {
		observability.DeadLetterRetriesTotal.WithLabelValues("not_found").Inc()
		return RetryOutcome{ID: id, Code: FailureNotFound, Detail: "quarantined task not found"}
	}
	if errors.Is(claimErr, store.ErrVersionConflict) {
		// Distinguish the two business reasons the claim can fail.
		qt, err := s.store.GetQuarantined(ctx, id)
		if err == nil && qt.RetryScheduled {
			observability.DeadLetterRetriesTotal.WithLabelValues("already_scheduled").Inc()
			return RetryOutcome{ID: id, Code: FailureAlreadyScheduled, Detail: "retry already scheduled"}
		}
		observability.DeadLetterRetriesTotal.WithLabelValues("max_attempts").Inc()
		return RetryOutcome{ID: id, Code: FailureMaxAttempts,
			Detail: fmt.Sprintf("retry limit of %d reached", MaxRetryAttempts)}
	}
	observability.DeadLetterRetriesTotal.WithLabelValues("error").Inc()
	return RetryOutcome{ID: id, Code: FailureSubmit, Detail: claimErr.Error()}
}

// BulkRetry retries up to limit eligible tasks oldest-first. Items fail
// independently; one failure never aborts the batch.
func (s *Service) BulkRetry(ctx context.Context, f store.QuarantineFilter, limit int, userID string) (*BulkRetryResult, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	eligible, err := s.store.ListRetryEligible(ctx, f, limit, MaxRetryAttempts)
	if err != nil {
		return nil, err
	}

	result := &BulkRetryResult{Results: make([]RetryOutcome, 0, len(eligible))}
	for _, qt := range eligible {
		if ctx.Err() != nil {
			break
		}
		outcome := s.Retry(ctx, qt.ID, userID)
		result.Attempted++
		if outcome.OK {
			result.Succeeded++
		} else {
			result.Failed++
		}
		result.Results = append(result.Results, outcome)
	}

	s.logger.Info("bulk retry finished",
		zap.String("user", userID),
		zap.Int("attempted", result.Attempted),
		zap.Int("succeeded", result.Succeeded),
		zap.Int("failed", result.Failed),
	)
	return result, nil
}

// MarkProcessed records operator review of a quarantined task.
func (s *Service) MarkProcessed(ctx context.Context, id uuid.UUID, userID, notes string) error {
	if userID == "" {
		return fmt.Errorf("userID is required")
	}
	_, err := s.store.MarkQuarantineProcessed(ctx, id, userID, notes)
	return err
}

// Purge removes quarantined tasks older than daysOld; unprocessed rows
// survive unless keepUnprocessed is explicitly disabled.
func (s *Service) Purge(ctx context.Context, daysOld int, keepUnprocessed bool) (int64, error) {
	if daysOld < 1 {
		return 0, fmt.Errorf("daysOld must be >= 1")
	}
	cutoff := time.Now().AddDate(0, 0, -daysOld)
	purged, err := s.store.PurgeQuarantined(ctx, cutoff, keepUnprocessed)
	if err != nil {
		return 0, err
	}
	s.logger.Info("quarantine purge finished",
		zap.Time("cutoff", cutoff),
		zap.Bool("keep_unprocessed", keepUnprocessed),
		zap.Int64("purged", purged),
	)
	return purged, nil
}
