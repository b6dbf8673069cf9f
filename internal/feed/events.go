package feed

import (
	"encoding/json"
	"fmt"
	"time"
)

type EventKind string

const (
	EventTaskSubmitted      EventKind = "task.submitted"
	EventTaskStarted        EventKind = "task.started"
	EventTaskSucceeded      EventKind = "task.succeeded"
	EventTaskFailed         EventKind = "task.failed"
	EventTaskRetryScheduled EventKind = "task.retry-scheduled"
	EventWorkerOnline       EventKind = "worker.online"
	EventWorkerOffline      EventKind = "worker.offline"
	EventWorkerHeartbeat    EventKind = "worker.heartbeat"
)

// Event is one lifecycle event from the broker-side feed. Task events
// carry UUID and Name; worker events carry Hostname. Heartbeats include
// the worker's resource usage.
type Event struct {
	Kind       EventKind       `json:"kind"`
	UUID       string          `json:"uuid,omitempty"`
	Name       string          `json:"name,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Hostname   string          `json:"hostname,omitempty"`
	RoutingKey string          `json:"routing_key,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
	Kwargs     json.RawMessage `json:"kwargs,omitempty"`
	Exception  string          `json:"exception,omitempty"`
	Traceback  string          `json:"traceback,omitempty"`
	Retries    int             `json:"retries,omitempty"`
	MaxRetries int             `json:"max_retries,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	MemoryMB   float64         `json:"memory_mb,omitempty"`
	CPUPercent float64         `json:"cpu_percent,omitempty"`
}

func ParseEvent(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	switch e.Kind {
	case EventTaskSubmitted, EventTaskStarted, EventTaskSucceeded, EventTaskFailed, EventTaskRetryScheduled:
		if e.UUID == "" {
			return nil, fmt.Errorf("task event %q missing uuid", e.Kind)
		}
	case EventWorkerOnline, EventWorkerOffline, EventWorkerHeartbeat:
		if e.Hostname == "" {
			return nil, fmt.Errorf("worker event %q missing hostname", e.Kind)
		}
	default:
		return nil, fmt.Errorf("unknown event kind %q", e.Kind)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	return &e, nil
}

// Subject returns the JetStream subject an event of this kind is
// published on.
func (e Event) Subject() string {
	return "lifecycle." + string(e.Kind)
}
