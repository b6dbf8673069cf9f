package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/KingEverett/Hermes-sub000/internal/alerting"
	"github.com/KingEverett/Hermes-sub000/internal/cache"
	"github.com/KingEverett/Hermes-sub000/internal/config"
	"github.com/KingEverett/Hermes-sub000/internal/deadletter"
	"github.com/KingEverett/Hermes-sub000/internal/feed"
	"github.com/KingEverett/Hermes-sub000/internal/logging"
	"github.com/KingEverett/Hermes-sub000/internal/observability"
	"github.com/KingEverett/Hermes-sub000/internal/retry"
	"github.com/KingEverett/Hermes-sub000/internal/scheduler"
	"github.com/KingEverett/Hermes-sub000/internal/store"
	"github.com/KingEverett/Hermes-sub000/internal/tracker"
	"github.com/KingEverett/Hermes-sub000/migrations"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		panic(err)
	}

	logger, err := logging.New(logging.Config{Level: cfg.LogLevel, Env: cfg.Env})
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	observability.RegisterMetrics()

	shutdownTracing, err := observability.InitTracing(context.Background(), observability.OTelConfig{
		ServiceName: firstNonEmpty(cfg.OTELServiceName, "hermes-monitor"),
		Endpoint:    cfg.OTELExporterOTLPEndpoint,
		Env:         cfg.Env,
	})
	if err != nil {
		logger.Fatal("otel init failed", zap.Error(err))
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	if err := migrations.Up(context.Background(), cfg.DatabaseURL); err != nil {
		logger.Fatal("migrations failed", zap.Error(err))
	}

	st, err := store.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("db connection failed", zap.Error(err))
	}
	defer st.Close()

	rc, err := cache.New(context.Background(), cache.Config{
		Addr: cfg.RedisAddr,
		DB:   cfg.RedisDB,
	})
	if err != nil {
		logger.Fatal("redis connection failed", zap.Error(err))
	}
	defer rc.Close()

	fd, err := feed.New(context.Background(), feed.Config{
		NATSURL:      cfg.NATSURL,
		StreamName:   cfg.NATSStreamName,
		ConsumerName: cfg.NATSConsumerName,
	})
	if err != nil {
		logger.Fatal("nats connection failed", zap.Error(err))
	}
	defer fd.Close()

	broker := feed.NewBroker(fd, 10*time.Second)

	trk := tracker.New(st, rc, logger, tracker.Config{
		DefaultMaxRetries: cfg.DefaultMaxRetries,
		MirrorTTL:         cfg.ActiveTaskCacheTTL,
		RetentionDays:     cfg.RetentionDays,
	})

	engine := retry.NewEngine(st, rc, broker, logger, retry.Config{
		ConfigCacheTTL: cfg.RetryConfigCacheTTL,
		Default: store.RetryConfiguration{
			MaxRetries:        cfg.DefaultMaxRetries,
			BaseDelaySeconds:  cfg.DefaultBaseDelay.Seconds(),
			MaxDelaySeconds:   cfg.DefaultMaxDelay.Seconds(),
			Policy:            store.PolicyExponential,
			JitterEnabled:     true,
			JitterMin:         0.1,
			JitterMax:         0.3,
			BackoffMultiplier: 2,
		},
	})
	trk.SetFailureSink(retry.NewSink(engine, logger))

	dlq := deadletter.NewService(st, broker, rc, logger)

	dispatcher := alerting.NewDispatcher(buildChannels(cfg, logger), rc, logger, cfg.WebhookTimeout)
	evaluator := alerting.NewEvaluator(st, trk, rc, dispatcher, logger,
		cfg.DeduplicationWindow, cfg.MemoryBaselineMB)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go observability.SampleProcessStats(ctx, logger, 15*time.Second)

	sched := scheduler.New(ctx, logger)
	mustAdd := func(schedule string, job scheduler.Job) {
		if err := sched.Add(schedule, job); err != nil {
			logger.Fatal("scheduler setup failed", zap.Error(err))
		}
	}
	mustAdd(fmt.Sprintf("@every %s", cfg.EvaluationInterval), &alerting.EvaluationJob{Evaluator: evaluator})
	mustAdd("@daily", tracker.NewCleanupJob(trk, logger))
	mustAdd("@daily", deadletter.NewPurgeJob(dlq, logger, 30))
	sched.Start()
	defer sched.Stop()

	ops := observability.NewOpsServer(cfg.OpsPort, logger)
	go func() {
		if err := ops.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error("ops server failed", zap.Error(err))
		}
	}()

	loop := tracker.NewLoop(fd, trk, logger, tracker.LoopConfig{
		PollTimeout:   cfg.FeedPollTimeout,
		ReconnectBase: cfg.FeedReconnectBase,
		ReconnectMax:  cfg.FeedReconnectMax,
	})

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		logger.Info("shutdown signal received")
		cancel()
	}()

	logger.Info("monitor started",
		zap.String("stream", cfg.NATSStreamName),
		zap.String("consumer", cfg.NATSConsumerName),
		zap.Int("ops_port", cfg.OpsPort),
		zap.Duration("evaluation_interval", cfg.EvaluationInterval),
	)

	if err := loop.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Fatal("event loop failed", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := ops.Shutdown(shutdownCtx); err != nil {
		logger.Warn("ops server shutdown failed", zap.Error(err))
	}

	logger.Info("monitor stopped")
}

func buildChannels(cfg *config.Config, logger *zap.Logger) []alerting.Channel {
	channels := []alerting.Channel{&alerting.LogChannel{Logger: logger}}

	if cfg.WebhookURL != "" {
		channels = append(channels, &alerting.WebhookChannel{
			URL:              cfg.WebhookURL,
			Client:           &http.Client{Timeout: cfg.WebhookTimeout},
			RateLimitMinutes: 5,
		})
	}
	if cfg.SMTPAddr != "" && cfg.SMTPFrom != "" && cfg.SMTPTo != "" {
		channels = append(channels, &alerting.EmailChannel{
			Addr: cfg.SMTPAddr,
			From: cfg.SMTPFrom,
			To:   strings.Split(cfg.SMTPTo, ","),
			SeverityFilter: []store.Severity{
				store.SeverityHigh, store.SeverityCritical,
			},
			RateLimitMinutes: 15,
		})
	}
	return channels
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
