package tracker

import (
	"context"
	"errors"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/KingEverett/Hermes-sub000/internal/feed"
	"github.com/KingEverett/Hermes-sub000/internal/observability"
)

type LoopConfig struct {
	PollTimeout   time.Duration
	BatchSize     int
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
}

// Loop drains the lifecycle feed and feeds events to the tracker. It is
// the sole writer of the tracker's shared state; events are processed
// strictly in delivery order.
type Loop struct {
	feed    *feed.Feed
	tracker *Tracker
	logger  *zap.Logger
	cfg     LoopConfig
}

func NewLoop(f *feed.Feed, t *Tracker, logger *zap.Logger, cfg LoopConfig) *Loop {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = 500 * time.Millisecond
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	return &Loop{feed: f, tracker: t, logger: logger, cfg: cfg}
}

// Run blocks until ctx is cancelled. On fetch errors it resubscribes with
// capped exponential backoff; the in-flight event always finishes before
// shutdown.
func (l *Loop) Run(ctx context.Context) error {
	sub, err := l.subscribe(ctx)
	if err != nil {
		return err
	}

	failures := 0
	for {
		select {
		case <-ctx.Done():
			_ = sub.Drain()
			l.logger.Info("event loop stopped")
			return nil
		default:
		}

		msgs, err := sub.Fetch(l.cfg.BatchSize, nats.MaxWait(l.cfg.PollTimeout))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) {
				failures = 0
				continue
			}
			failures++
			observability.FeedReconnectsTotal.Inc()
			l.logger.Warn("feed fetch error", zap.Error(err), zap.Int("failures", failures))

			if !sleepCtx(ctx, backoff(l.cfg.ReconnectBase, l.cfg.ReconnectMax, failures)) {
				continue
			}
			if ns, serr := l.subscribe(ctx); serr == nil {
				_ = sub.Unsubscribe()
				sub = ns
			}
			continue
		}
		failures = 0

		for _, m := range msgs {
			l.handleMsg(ctx, m)
		}
	}
}

func (l *Loop) subscribe(ctx context.Context) (*nats.Subscription, error) {
	var sub *nats.Subscription
	var err error
	for attempt := 1; ; attempt++ {
		sub, err = l.feed.SubscribeEvents()
		if err == nil {
			l.logger.Info("event subscription ready")
			return sub, nil
		}
		l.logger.Warn("event subscribe failed", zap.Error(err), zap.Int("attempt", attempt))
		if !sleepCtx(ctx, backoff(l.cfg.ReconnectBase, l.cfg.ReconnectMax, attempt)) {
			return nil, err
		}
	}
}

// handleMsg processes one message and always acks it: a bad event is
// logged and skipped rather than redelivered forever.
func (l *Loop) handleMsg(ctx context.Context, m *nats.Msg) {
	defer func() { _ = m.Ack() }()

	if m.Header != nil {
		ctx = otel.GetTextMapPropagator().Extract(ctx, observability.NATSHeaderCarrier{H: m.Header})
	}
	tr := otel.Tracer("hermes/tracker")
	ctx, span := tr.Start(ctx, "tracker.handle_event")
	defer span.End()

	ev, err := feed.ParseEvent(m.Data)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "bad_event")
		observability.EventsSkippedTotal.WithLabelValues("bad_payload").Inc()
		l.logger.Error("bad event payload", zap.Error(err), zap.String("subject", m.Subject))
		return
	}

	span.SetAttributes(
		attribute.String("event.kind", string(ev.Kind)),
		attribute.String("task.id", ev.UUID),
	)

	start := time.Now()
	err = l.tracker.HandleEvent(ctx, ev)
	observability.EventHandleDuration.WithLabelValues(string(ev.Kind)).Observe(time.Since(start).Seconds())
	observability.EventsConsumedTotal.WithLabelValues(string(ev.Kind)).Inc()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		l.logger.Error("event handling failed",
			zap.Error(err),
			zap.String("kind", string(ev.Kind)),
			zap.String("task_id", ev.UUID),
		)
	}
}

func backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// sleepCtx waits for d or until ctx is done; reports whether the full
// wait elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
