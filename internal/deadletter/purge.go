package deadletter

import (
	"context"

	"go.uber.org/zap"
)

// PurgeJob drops old processed quarantine rows on a schedule.
// Unprocessed rows are always kept; they still need operator review.
type PurgeJob struct {
	service *Service
	logger  *zap.Logger
	daysOld int
}

func NewPurgeJob(s *Service, logger *zap.Logger, daysOld int) *PurgeJob {
	if daysOld <= 0 {
		daysOld = 30
	}
	return &PurgeJob{service: s, logger: logger, daysOld: daysOld}
}

func (j *PurgeJob) Name() string { return "quarantine-purge" }

func (j *PurgeJob) Run(ctx context.Context) error {
	purged, err := j.service.Purge(ctx, j.daysOld, true)
	if err != nil {
		return err
	}
	j.logger.Info("quarantine retention applied",
		zap.Int("days_old", j.daysOld),
		zap.Int64("purged", purged),
	)
	return nil
}
