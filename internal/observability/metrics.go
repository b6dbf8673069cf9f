package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsConsumedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hermes",
			Name:      "events_consumed_total",
			Help:      "Lifecycle events consumed from the feed.",
		},
		[]string{"kind"},
	)

	EventsSkippedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hermes",
			Name:      "events_skipped_total",
			Help:      "Events dropped without processing (bad payload, unknown task).",
		},
		[]string{"reason"},
	)

	EventHandleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "hermes",
			Name:      "event_handle_duration_seconds",
			Help:      "Time spent handling one lifecycle event.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	FeedReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hermes",
			Name:      "feed_reconnects_total",
			Help:      "Reconnect attempts after feed fetch errors.",
		},
	)

	ActiveTasksGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "hermes",
			Name:      "active_tasks",
			Help:      "Tasks currently submitted or processing.",
		},
	)

	RetriesScheduledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hermes",
			Name:      "retries_scheduled_total",
			Help:      "Retries scheduled by the policy engine.",
		},
		[]string{"task", "policy"},
	)

	QuarantinedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hermes",
			Name:      "quarantined_total",
			Help:      "Tasks moved to the dead-letter store.",
		},
		[]string{"category"},
	)

	DeadLetterRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hermes",
			Name:      "dead_letter_retries_total",
			Help:      "Manual and bulk dead-letter re-submissions.",
		},
		[]string{"result"},
	)

	AlertsFiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hermes",
			Name:      "alerts_fired_total",
			Help:      "Alert records created.",
		},
		[]string{"type", "severity"},
	)

	NotificationsSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hermes",
			Name:      "notifications_sent_total",
			Help:      "Notification channel deliveries.",
		},
		[]string{"channel", "result"},
	)

	ProcessMemoryMB = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "hermes",
			Name:      "process_resident_memory_mb",
			Help:      "Resident memory of the monitor process.",
		},
	)

	ProcessCPUPercent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "hermes",
			Name:      "process_cpu_percent",
			Help:      "CPU usage of the monitor process.",
		},
	)
)

func RegisterMetrics() {
	// MustRegister is safe to call once; if tests call multiple times, use Register and ignore errors.
	prometheus.MustRegister(
		EventsConsumedTotal,
		EventsSkippedTotal,
		EventHandleDuration,
		FeedReconnectsTotal,
		ActiveTasksGauge,
		RetriesScheduledTotal,
		QuarantinedTotal,
		DeadLetterRetriesTotal,
		AlertsFiredTotal,
		NotificationsSentTotal,
		ProcessMemoryMB,
		ProcessCPUPercent,
	)
}
