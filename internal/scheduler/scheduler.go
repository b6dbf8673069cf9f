// Package scheduler runs the periodic jobs (alert evaluation, retention
// cleanup) on cron schedules with panic isolation per job.
package scheduler

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Job is one unit of periodic work. Run must respect ctx between units
// of work; it is never interrupted mid-transaction.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

type Scheduler struct {
	cron   *cron.Cron
	logger *zap.Logger
	ctx    context.Context
}

func New(ctx context.Context, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		cron:   cron.New(),
		logger: logger,
		ctx:    ctx,
	}
}

// Add registers a job. Schedules use the standard 5-field cron syntax or
// descriptors like "@every 300s" and "@daily".
func (s *Scheduler) Add(schedule string, job Job) error {
	_, err := s.cron.AddFunc(schedule, func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("job panicked",
					zap.String("job", job.Name()),
					zap.Any("panic", r),
				)
			}
		}()

		if s.ctx.Err() != nil {
			return
		}
		if err := job.Run(s.ctx); err != nil {
			s.logger.Error("job failed", zap.String("job", job.Name()), zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("register job %s: %w", job.Name(), err)
	}

	s.logger.Info("job registered", zap.String("job", job.Name()), zap.String("schedule", schedule))
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started")
}

// Stop halts scheduling and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}
