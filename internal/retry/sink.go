package retry

import (
	"context"

	"go.uber.org/zap"

	"github.com/KingEverett/Hermes-sub000/internal/feed"
	"github.com/KingEverett/Hermes-sub000/internal/store"
)

// Sink adapts the engine to the tracker's failed-task hook. Each failure
// event becomes one retry decision; errors are logged, never fatal, so
// the event loop keeps draining.
type Sink struct {
	engine *Engine
	logger *zap.Logger
}

func NewSink(e *Engine, logger *zap.Logger) *Sink {
	return &Sink{engine: e, logger: logger}
}

func (s *Sink) HandleFailure(ctx context.Context, rec *store.TaskRecord, ev *feed.Event) {
	f := ParseFailure(ev.Exception, ev.Traceback)

	// rec.RetryCount counts retries already consumed; this failure asks
	// for the next one.
	attempt := rec.RetryCount + 1

	if _, err := s.engine.ScheduleRetry(ctx, rec.TaskID, rec.TaskName, f, attempt, rec.Args, rec.Kwargs); err != nil {
		s.logger.Error("retry scheduling failed",
			zap.String("task_id", rec.TaskID),
			zap.String("task", rec.TaskName),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
}
