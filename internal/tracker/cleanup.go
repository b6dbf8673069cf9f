package tracker

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// CleanupJob resets per-day counters and enforces task record retention.
// Scheduled at the daily boundary.
type CleanupJob struct {
	tracker *Tracker
	logger  *zap.Logger
}

func NewCleanupJob(t *Tracker, logger *zap.Logger) *CleanupJob {
	return &CleanupJob{tracker: t, logger: logger}
}

func (j *CleanupJob) Name() string { return "tracker-cleanup" }

func (j *CleanupJob) Run(ctx context.Context) error {
	j.tracker.ResetDailyCounters()

	cutoff := time.Now().AddDate(0, 0, -j.tracker.cfg.RetentionDays)
	purged, err := j.tracker.store.PurgeTaskRecordsBefore(ctx, cutoff)
	if err != nil {
		return err
	}

	j.logger.Info("task record retention applied",
		zap.Time("cutoff", cutoff),
		zap.Int64("purged", purged),
	)
	return nil
}
