// events-pub publishes synthetic lifecycle events for local testing of
// the monitor: a submitted/started/succeeded or failed sequence for one
// task, or worker presence events.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/KingEverett/Hermes-sub000/internal/config"
	"github.com/KingEverett/Hermes-sub000/internal/feed"
)

func main() {
	var (
		taskName = flag.String("task", "demo.send_email", "Task name to report")
		queue    = flag.String("queue", "default", "Routing key / queue name")
		worker   = flag.String("worker", "worker-1", "Reporting hostname")
		outcome  = flag.String("outcome", "succeed", "succeed|fail")
		exc      = flag.String("exception", "TimeoutError: upstream deadline exceeded", "Exception for --outcome=fail")
		interval = flag.Duration("interval", 100*time.Millisecond, "Delay between events")
	)
	flag.Parse()

	cfg := config.Load()

	fd, err := feed.New(context.Background(), feed.Config{
		NATSURL:      cfg.NATSURL,
		StreamName:   cfg.NATSStreamName,
		ConsumerName: cfg.NATSConsumerName,
	})
	if err != nil {
		panic(err)
	}
	defer fd.Close()

	taskID := uuid.New().String()
	args, _ := json.Marshal([]any{"demo@example.com"})

	events := []feed.Event{
		{Kind: feed.EventWorkerOnline, Hostname: *worker},
		{Kind: feed.EventTaskSubmitted, UUID: taskID, Name: *taskName, RoutingKey: *queue, Args: args, MaxRetries: 3},
		{Kind: feed.EventTaskStarted, UUID: taskID, Name: *taskName, Hostname: *worker},
	}

	switch *outcome {
	case "succeed":
		result, _ := json.Marshal(map[string]any{"delivered": true})
		events = append(events, feed.Event{Kind: feed.EventTaskSucceeded, UUID: taskID, Name: *taskName, Hostname: *worker, Result: result})
	case "fail":
		events = append(events, feed.Event{Kind: feed.EventTaskFailed, UUID: taskID, Name: *taskName, Hostname: *worker, Exception: *exc, Traceback: "synthetic traceback"})
	default:
		fmt.Fprintf(os.Stderr, "unknown --outcome %q\n", *outcome)
		os.Exit(2)
	}

	for _, ev := range events {
		ev.Timestamp = time.Now()
		if err := fd.PublishEvent(context.Background(), ev); err != nil {
			panic(err)
		}
		fmt.Printf("published %s on %s\n", ev.Kind, ev.Subject())
		time.Sleep(*interval)
	}

	fmt.Printf("done, task id %s\n", taskID)
}
