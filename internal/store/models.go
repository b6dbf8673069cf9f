package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type TaskStatus string

const (
	StatusSubmitted  TaskStatus = "submitted"
	StatusProcessing TaskStatus = "processing"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
	StatusRetrying   TaskStatus = "retrying"
	StatusDeadLetter TaskStatus = "dead_letter"
)

// Terminal reports whether no further lifecycle transitions are allowed
// for a record in this status.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusDeadLetter
}

// TaskRecord is the authoritative lifecycle record for one submitted task.
// TaskID is the broker-assigned id and is unique; the same id is kept
// across retries of the same submission.
type TaskRecord struct {
	TaskID       string          `json:"task_id"`
	TaskName     string          `json:"task_name"`
	Status       TaskStatus      `json:"status"`
	QueueName    string          `json:"queue_name"`
	QueuedAt     time.Time       `json:"queued_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	DurationMs   *int64          `json:"duration_ms,omitempty"`
	WorkerName   *string         `json:"worker_name,omitempty"`
	RetryCount   int             `json:"retry_count"`
	MaxRetries   int             `json:"max_retries"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	ErrorTrace   *string         `json:"error_trace,omitempty"`
	Args         json.RawMessage `json:"args,omitempty"`
	Kwargs       json.RawMessage `json:"kwargs,omitempty"`
	ResultData   json.RawMessage `json:"result_data,omitempty"`
	Version      int             `json:"version"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

type FailureCategory string

const (
	CategoryTimeout    FailureCategory = "timeout"
	CategoryMemory     FailureCategory = "memory"
	CategoryConnection FailureCategory = "connection"
	CategoryRateLimit  FailureCategory = "rate_limit"
	CategoryValidation FailureCategory = "validation"
	CategoryResource   FailureCategory = "resource"
	CategoryException  FailureCategory = "exception"
	CategoryUnknown    FailureCategory = "unknown"
)

// QuarantinedTask is a task that exhausted its retry budget. A manual
// retry that succeeds spawns a brand-new TaskRecord under a new broker
// id; OriginalTaskID is never mutated.
type QuarantinedTask struct {
	ID               uuid.UUID       `json:"id"`
	OriginalTaskID   string          `json:"original_task_id"`
	TaskName         string          `json:"task_name"`
	Args             json.RawMessage `json:"args,omitempty"`
	Kwargs           json.RawMessage `json:"kwargs,omitempty"`
	FailureReason    string          `json:"failure_reason"`
	FailureCategory  FailureCategory `json:"failure_category"`
	FailureTrace     *string         `json:"failure_trace,omitempty"`
	FirstFailedAt    time.Time       `json:"first_failed_at"`
	LastFailedAt     time.Time       `json:"last_failed_at"`
	TotalAttempts    int             `json:"total_attempts"`
	Processed        bool            `json:"processed"`
	ProcessedAt      *time.Time      `json:"processed_at,omitempty"`
	ProcessedBy      *string         `json:"processed_by,omitempty"`
	Notes            *string         `json:"notes,omitempty"`
	RetryScheduled   bool            `json:"retry_scheduled"`
	RetryScheduledAt *time.Time      `json:"retry_scheduled_at,omitempty"`
	RetryAttempts    int             `json:"retry_attempts"`
}

type RetryPolicy string

const (
	PolicyExponential RetryPolicy = "exponential"
	PolicyLinear      RetryPolicy = "linear"
	PolicyFixed       RetryPolicy = "fixed"
	PolicyFibonacci   RetryPolicy = "fibonacci"
)

// RetryConfiguration is keyed by task name; the empty task name row is
// the global default. Delays are whole seconds.
type RetryConfiguration struct {
	TaskName          string      `json:"task_name"`
	MaxRetries        int         `json:"max_retries"`
	BaseDelaySeconds  float64     `json:"base_delay_seconds"`
	MaxDelaySeconds   float64     `json:"max_delay_seconds"`
	Policy            RetryPolicy `json:"policy"`
	JitterEnabled     bool        `json:"jitter_enabled"`
	JitterMin         float64     `json:"jitter_min"`
	JitterMax         float64     `json:"jitter_max"`
	BackoffMultiplier float64     `json:"backoff_multiplier"`
	RetryOn           []string    `json:"retry_on,omitempty"`
	NoRetryOn         []string    `json:"no_retry_on,omitempty"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// RetryAttempt is the persisted record of one scheduled re-submission.
type RetryAttempt struct {
	ID           uuid.UUID `json:"id"`
	TaskID       string    `json:"task_id"`
	TaskName     string    `json:"task_name"`
	Attempt      int       `json:"attempt"`
	DelaySeconds int       `json:"delay_seconds"`
	ScheduledAt  time.Time `json:"scheduled_at"`
	Reason       string    `json:"reason"`
}

type AlertType string

const (
	AlertTaskFailureRate AlertType = "task_failure_rate"
	AlertQueueDepth      AlertType = "queue_depth"
	AlertDeadLetterCount AlertType = "dead_letter_count"
	AlertWorkerOffline   AlertType = "worker_offline"
	AlertWorkerMemory    AlertType = "worker_memory"
	AlertTaskDuration    AlertType = "task_duration"
)

type Comparison string

const (
	CompareGT  Comparison = "gt"
	CompareGTE Comparison = "gte"
	CompareLT  Comparison = "lt"
	CompareLTE Comparison = "lte"
	CompareEQ  Comparison = "eq"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type AlertThreshold struct {
	AlertType        AlertType  `json:"alert_type"`
	ThresholdValue   float64    `json:"threshold_value"`
	Comparison       Comparison `json:"comparison"`
	TimeframeMinutes int        `json:"timeframe_minutes"`
	Severity         Severity   `json:"severity"`
	Enabled          bool       `json:"enabled"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// AlertRecord is one triggered, non-deduplicated alert. At most one
// unresolved record exists per alert type at any time.
type AlertRecord struct {
	ID               uuid.UUID       `json:"id"`
	AlertType        AlertType       `json:"alert_type"`
	Severity         Severity        `json:"severity"`
	ThresholdValue   float64         `json:"threshold_value"`
	CurrentValue     float64         `json:"current_value"`
	Condition        string          `json:"condition"`
	TaskName         *string         `json:"task_name,omitempty"`
	QueueName        *string         `json:"queue_name,omitempty"`
	WorkerName       *string         `json:"worker_name,omitempty"`
	TriggeredAt      time.Time       `json:"triggered_at"`
	ResolvedAt       *time.Time      `json:"resolved_at,omitempty"`
	ResolvedBy       *string         `json:"resolved_by,omitempty"`
	AutoResolved     bool            `json:"auto_resolved"`
	NotificationSent bool            `json:"notification_sent"`
	EscalationLevel  int             `json:"escalation_level"`
	ContextData      json.RawMessage `json:"context_data,omitempty"`
	ResolutionData   json.RawMessage `json:"resolution_data,omitempty"`
}
