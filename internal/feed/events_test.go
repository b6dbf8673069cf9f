package feed

import (
	"encoding/json"
	"testing"
	"time"
)

func TestParseEvent_TaskEvent(t *testing.T) {
	raw := []byte(`{
		"kind": "task.submitted",
		"uuid": "abc-123",
		"name": "demo.send_email",
		"timestamp": "2026-01-02T15:04:05Z",
		"routing_key": "email",
		"args": ["a@b.c"],
		"max_retries": 5
	}`)

	ev, err := ParseEvent(raw)
	if err != nil {
		t.Fatalf("ParseEvent: %v", err)
	}
	if ev.Kind != EventTaskSubmitted || ev.UUID != "abc-123" || ev.Name != "demo.send_email" {
		t.Errorf("unexpected event: %+v", ev)
	}
	if ev.MaxRetries != 5 || ev.RoutingKey != "email" {
		t.Errorf("unexpected fields: %+v", ev)
	}
	if ev.Subject() != "lifecycle.task.submitted" {
		t.Errorf("subject = %s", ev.Subject())
	}
}

func TestParseEvent_WorkerEvent(t *testing.T) {
	raw := []byte(`{"kind": "worker.heartbeat", "hostname": "worker-1", "memory_mb": 256.5}`)

	ev, err := ParseEvent(raw)
	if err != nil {
		t.Fatalf("ParseEvent: %v", err)
	}
	if ev.Hostname != "worker-1" || ev.MemoryMB != 256.5 {
		t.Errorf("unexpected event: %+v", ev)
	}
	if ev.Timestamp.IsZero() {
		t.Error("missing timestamp must default to now")
	}
}

func TestParseEvent_Rejections(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"task event without uuid", `{"kind": "task.failed", "name": "demo.x"}`},
		{"worker event without hostname", `{"kind": "worker.online"}`},
		{"unknown kind", `{"kind": "task.vanished", "uuid": "abc"}`},
		{"not json", `{{`},
	}

	for _, tc := range cases {
		if _, err := ParseEvent([]byte(tc.raw)); err == nil {
			t.Errorf("%s: expected an error", tc.name)
		}
	}
}

func TestEventRoundTrip(t *testing.T) {
	in := Event{
		Kind:      EventTaskFailed,
		UUID:      "t-9",
		Name:      "demo.x",
		Timestamp: time.Now().UTC().Truncate(time.Second),
		Hostname:  "worker-2",
		Exception: "TimeoutError: slow upstream",
		Retries:   2,
	}
	raw, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	out, err := ParseEvent(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if out.Exception != in.Exception || out.Retries != 2 || !out.Timestamp.Equal(in.Timestamp) {
		t.Errorf("round trip mismatch: %+v", out)
	}
}
