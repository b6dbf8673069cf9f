package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/KingEverett/Hermes-sub000/internal/observability"
	"github.com/KingEverett/Hermes-sub000/internal/store"
)

// Channel delivers one alert notification. Each channel filters by
// severity and rate-limits itself per alert type; a failing or slow
// channel never blocks the others.
type Channel interface {
	Name() string
	Accepts(sev store.Severity) bool
	RateLimit() time.Duration
	Send(ctx context.Context, rec store.AlertRecord, msg string) error
}

// Dispatcher fans an alert out to every eligible channel, each in its
// own goroutine under its own timeout.
type Dispatcher struct {
	channels []Channel
	cache    DispatchCache
	logger   *zap.Logger
	timeout  time.Duration
}

// DispatchCache holds the per-channel rate-limit markers.
type DispatchCache interface {
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
}

func NewDispatcher(channels []Channel, cache DispatchCache, logger *zap.Logger, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{channels: channels, cache: cache, logger: logger, timeout: timeout}
}

// Dispatch sends rec to all channels that accept its severity and are
// outside their own rate-limit window. Returns how many deliveries
// succeeded.
func (d *Dispatcher) Dispatch(ctx context.Context, rec store.AlertRecord, msg string) int {
	var wg sync.WaitGroup
	var mu sync.Mutex
	sent := 0

	for _, ch := range d.channels {
		if !ch.Accepts(rec.Severity) {
			continue
		}

		// The marker is claimed up front so concurrent dispatches cannot
		// both send, and released again if delivery fails.
		markerKey := ""
		if limit := ch.RateLimit(); limit > 0 && d.cache != nil {
			key := fmt.Sprintf("alert_rl:%s:%s", ch.Name(), rec.AlertType)
			ok, err := d.cache.SetNX(ctx, key, "1", limit)
			if err != nil {
				d.logger.Warn("rate limit check failed, sending anyway",
					zap.String("channel", ch.Name()), zap.Error(err))
			} else if !ok {
				observability.NotificationsSentTotal.WithLabelValues(ch.Name(), "rate_limited").Inc()
				continue
			} else {
				markerKey = key
			}
		}

		wg.Add(1)
		go func(ch Channel, markerKey string) {
			defer wg.Done()

			sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
			defer cancel()

			if err := ch.Send(sendCtx, rec, msg); err != nil {
				observability.NotificationsSentTotal.WithLabelValues(ch.Name(), "error").Inc()
				d.logger.Error("notification delivery failed",
					zap.String("channel", ch.Name()),
					zap.String("alert_type", string(rec.AlertType)),
					zap.Error(err),
				)
				if markerKey != "" {
					if derr := d.cache.Delete(sendCtx, markerKey); derr != nil {
						d.logger.Warn("rate limit release failed",
							zap.String("channel", ch.Name()), zap.Error(derr))
					}
				}
				return
			}
			observability.NotificationsSentTotal.WithLabelValues(ch.Name(), "ok").Inc()
			mu.Lock()
			sent++
			mu.Unlock()
		}(ch, markerKey)
	}

	wg.Wait()
	return sent
}

// LogChannel writes alerts to the service log at the severity-mapped
// level. It accepts every severity and is never rate limited.
type LogChannel struct {
	Logger *zap.Logger
}

func (c *LogChannel) Name() string                { return "log" }
func (c *LogChannel) Accepts(store.Severity) bool { return true }
func (c *LogChannel) RateLimit() time.Duration    { return 0 }

func (c *LogChannel) Send(_ context.Context, rec store.AlertRecord, msg string) error {
	c.Logger.Log(severityLogLevel(rec.Severity), msg,
		zap.String("alert_type", string(rec.AlertType)),
		zap.String("severity", string(rec.Severity)),
		zap.Float64("current_value", rec.CurrentValue),
		zap.Float64("threshold", rec.ThresholdValue),
	)
	return nil
}

// WebhookChannel POSTs the alert as JSON to a configured endpoint.
type WebhookChannel struct {
	URL              string
	Client           *http.Client
	SeverityFilter   []store.Severity
	RateLimitMinutes int
}

func (c *WebhookChannel) Name() string { return "webhook" }

func (c *WebhookChannel) Accepts(sev store.Severity) bool {
	return severityAllowed(c.SeverityFilter, sev)
}

func (c *WebhookChannel) RateLimit() time.Duration {
	return time.Duration(c.RateLimitMinutes) * time.Minute
}

func (c *WebhookChannel) Send(ctx context.Context, rec store.AlertRecord, msg string) error {
	body, err := json.Marshal(map[string]any{
		"alert_id":   rec.ID,
		"alert_type": rec.AlertType,
		"severity":   rec.Severity,
		"message":    msg,
		"current":    rec.CurrentValue,
		"threshold":  rec.ThresholdValue,
		"triggered":  rec.TriggeredAt,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}

// EmailChannel sends plain-text mail over SMTP. Reserved for the higher
// severities by default.
type EmailChannel struct {
	Addr             string // host:port
	From             string
	To               []string
	SeverityFilter   []store.Severity
	RateLimitMinutes int
}

func (c *EmailChannel) Name() string { return "email" }

func (c *EmailChannel) Accepts(sev store.Severity) bool {
	return severityAllowed(c.SeverityFilter, sev)
}

func (c *EmailChannel) RateLimit() time.Duration {
	return time.Duration(c.RateLimitMinutes) * time.Minute
}

func (c *EmailChannel) Send(_ context.Context, rec store.AlertRecord, msg string) error {
	body := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: [%s] %s alert\r\n\r\n%s\r\n",
		c.From, strings.Join(c.To, ", "), strings.ToUpper(string(rec.Severity)), rec.AlertType, msg)
	return smtp.SendMail(c.Addr, nil, c.From, c.To, []byte(body))
}

func severityAllowed(filter []store.Severity, sev store.Severity) bool {
	if len(filter) == 0 {
		return true
	}
	for _, s := range filter {
		if s == sev {
			return true
		}
	}
	return false
}
