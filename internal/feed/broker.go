package feed

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"

	"github.com/KingEverett/Hermes-sub000/internal/observability"
)

// submitEnvelope is what the broker side consumes from SubjectSubmit.
type submitEnvelope struct {
	TaskID   string          `json:"task_id"`
	TaskName string          `json:"task_name"`
	Args     json.RawMessage `json:"args,omitempty"`
	Kwargs   json.RawMessage `json:"kwargs,omitempty"`
}

// Broker re-submits tasks to the external broker. It assigns the new
// broker id itself so callers get it back synchronously; the broker side
// honors the id from the header.
type Broker struct {
	feed    *Feed
	timeout time.Duration
}

func NewBroker(f *Feed, timeout time.Duration) *Broker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Broker{feed: f, timeout: timeout}
}

// Submit enqueues taskName with the preserved args/kwargs under a fresh
// task id. delaySeconds is carried as a header since JetStream has no
// per-message delay; the broker side applies it before dispatch. Returns
// the new task id.
func (b *Broker) Submit(ctx context.Context, taskName string, args, kwargs json.RawMessage, delaySeconds int) (string, error) {
	return b.publish(ctx, uuid.NewString(), taskName, args, kwargs, delaySeconds)
}

// Requeue re-enqueues an existing task id for its next retry attempt.
func (b *Broker) Requeue(ctx context.Context, taskID, taskName string, args, kwargs json.RawMessage, delaySeconds int) error {
	_, err := b.publish(ctx, taskID, taskName, args, kwargs, delaySeconds)
	return err
}

func (b *Broker) publish(ctx context.Context, taskID, taskName string, args, kwargs json.RawMessage, delaySeconds int) (string, error) {
	body, err := json.Marshal(submitEnvelope{
		TaskID:   taskID,
		TaskName: taskName,
		Args:     args,
		Kwargs:   kwargs,
	})
	if err != nil {
		return "", err
	}

	msg := nats.NewMsg(SubjectSubmit)
	msg.Data = body
	msg.Header.Set(HeaderTaskID, taskID)
	if delaySeconds > 0 {
		msg.Header.Set(HeaderDelaySeconds, strconv.Itoa(delaySeconds))
	}
	otel.GetTextMapPropagator().Inject(ctx, observability.NATSHeaderCarrier{H: msg.Header})

	// Treat the publish as slow I/O: bound it even when the caller's
	// context has no deadline.
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	if _, err := b.feed.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return "", err
	}
	return taskID, nil
}
