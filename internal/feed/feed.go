package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	// All lifecycle events from the broker side land under this prefix.
	// The pull consumer filters on it, so the stream carries the full
	// wildcard rather than per-category subjects.
	SubjectLifecycleAll = "lifecycle.>"
	// Re-submissions back to the broker.
	SubjectSubmit = "tasks.submit"

	// Broker-side header on re-submitted tasks; the broker applies the
	// delay before dispatching to a worker.
	HeaderDelaySeconds = "Hermes-Delay-Seconds"
	HeaderTaskID       = "Hermes-Task-Id"
)

type Config struct {
	NATSURL      string
	StreamName   string
	ConsumerName string
	AckWait      time.Duration
}

// Feed owns the NATS connection shared by the event consumer and the
// broker re-submission path.
type Feed struct {
	nc  *nats.Conn
	js  nats.JetStreamContext
	cfg Config
}

func New(ctx context.Context, cfg Config) (*Feed, error) {
	if cfg.AckWait == 0 {
		cfg.AckWait = 30 * time.Second
	}

	nc, err := nats.Connect(cfg.NATSURL,
		nats.Timeout(5*time.Second),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, err
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, err
	}

	f := &Feed{nc: nc, js: js, cfg: cfg}
	if err := f.ensureStream(ctx); err != nil {
		nc.Close()
		return nil, err
	}
	return f, nil
}

func (f *Feed) Close() {
	if f.nc != nil {
		f.nc.Close()
	}
}

func (f *Feed) JetStream() nats.JetStreamContext {
	return f.js
}

func (f *Feed) ensureStream(ctx context.Context) error {
	desired := []string{SubjectLifecycleAll, SubjectSubmit}

	// If stream exists: merge subjects safely and update only if needed.
	if info, err := f.js.StreamInfo(f.cfg.StreamName); err == nil && info != nil {
		merged, changed := mergeSubjects(info.Config.Subjects, desired)
		if !changed {
			return nil
		}

		sc := info.Config
		sc.Subjects = merged
		sc.Name = f.cfg.StreamName

		if _, err := f.js.UpdateStream(&sc); err != nil {
			return fmt.Errorf("update stream: %w", err)
		}
		return nil
	}

	sc := &nats.StreamConfig{
		Name:      f.cfg.StreamName,
		Subjects:  desired,
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
	}
	if _, err := f.js.AddStream(sc); err != nil {
		return fmt.Errorf("add stream: %w", err)
	}
	return nil
}

func mergeSubjects(existing, desired []string) ([]string, bool) {
	set := make(map[string]struct{}, len(existing)+len(desired))
	out := make([]string, 0, len(existing)+len(desired))

	// keep existing order
	for _, s := range existing {
		if _, ok := set[s]; ok {
			continue
		}
		set[s] = struct{}{}
		out = append(out, s)
	}

	changed := false
	for _, s := range desired {
		if _, ok := set[s]; ok {
			continue
		}
		set[s] = struct{}{}
		out = append(out, s)
		changed = true
	}

	return out, changed
}

// SubscribeEvents creates the durable pull subscription the tracker loop
// drains. Manual, explicit acks keep redelivery semantics predictable.
func (f *Feed) SubscribeEvents() (*nats.Subscription, error) {
	return f.js.PullSubscribe(SubjectLifecycleAll, f.cfg.ConsumerName,
		nats.BindStream(f.cfg.StreamName),
		nats.ManualAck(),
		nats.AckExplicit(),
	)
}

// PublishEvent is used by dev tooling and tests to feed synthetic
// lifecycle events through the real stream.
func (f *Feed) PublishEvent(ctx context.Context, ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = f.js.Publish(ev.Subject(), b)
	return err
}
