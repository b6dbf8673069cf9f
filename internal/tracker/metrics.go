package tracker

import (
	"time"

	"github.com/KingEverett/Hermes-sub000/internal/store"
)

// ActiveTask is the lightweight cache entry for a task that has been
// submitted but not yet reached a terminal state.
type ActiveTask struct {
	TaskID     string           `json:"task_id"`
	TaskName   string           `json:"task_name"`
	QueueName  string           `json:"queue_name"`
	Status     store.TaskStatus `json:"status"`
	WorkerName string           `json:"worker_name,omitempty"`
	QueuedAt   time.Time        `json:"queued_at"`
	StartedAt  *time.Time       `json:"started_at,omitempty"`
	RetryCount int              `json:"retry_count"`
}

// WorkerMetrics aggregates per-worker counters. Day counters reset at the
// daily boundary; totals are monotonic for the process lifetime.
type WorkerMetrics struct {
	WorkerName          string    `json:"worker_name"`
	IsActive            bool      `json:"is_active"`
	LastSeen            time.Time `json:"last_seen"`
	TasksInFlight       int       `json:"tasks_in_flight"`
	TasksCompletedDay   int       `json:"tasks_completed_day"`
	TasksFailedDay      int       `json:"tasks_failed_day"`
	TasksCompletedTotal int64     `json:"tasks_completed_total"`
	TasksFailedTotal    int64     `json:"tasks_failed_total"`
	MemoryMB            float64   `json:"memory_mb"`
	CPUPercent          float64   `json:"cpu_percent"`
}

// QueueMetrics aggregates per-queue counters. Depth counts tasks waiting
// for a worker (submitted or retrying).
type QueueMetrics struct {
	QueueName      string  `json:"queue_name"`
	Depth          int     `json:"depth"`
	SubmittedDay   int     `json:"submitted_day"`
	CompletedDay   int     `json:"completed_day"`
	FailedDay      int     `json:"failed_day"`
	ThroughputHour int     `json:"throughput_hour"`
	FailureRateDay float64 `json:"failure_rate_day"`
}

// queueState is the owned mutable form behind QueueMetrics snapshots.
type queueState struct {
	QueueMetrics
	completions []time.Time
}

func (q *queueState) pruneCompletions(now time.Time) {
	cutoff := now.Add(-time.Hour)
	i := 0
	for ; i < len(q.completions); i++ {
		if q.completions[i].After(cutoff) {
			break
		}
	}
	q.completions = q.completions[i:]
}

func (q *queueState) snapshot(now time.Time) QueueMetrics {
	q.pruneCompletions(now)
	m := q.QueueMetrics
	m.ThroughputHour = len(q.completions)
	if done := m.CompletedDay + m.FailedDay; done > 0 {
		m.FailureRateDay = float64(m.FailedDay) / float64(done) * 100
	}
	return m
}
