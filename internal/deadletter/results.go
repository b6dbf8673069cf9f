package deadletter

import (
	"time"

	"github.com/google/uuid"

	"github.com/KingEverett/Hermes-sub000/internal/store"
)

// MaxRetryAttempts caps manual re-submissions of one quarantined task.
const MaxRetryAttempts = 3

// FailureCode identifies why a retry was rejected. These are business
// outcomes, not errors: bulk operations continue past them.
type FailureCode string

const (
	FailureNone             FailureCode = ""
	FailureNotFound         FailureCode = "not_found"
	FailureAlreadyScheduled FailureCode = "already_scheduled"
	FailureMaxAttempts      FailureCode = "max_attempts_reached"
	FailureSubmit           FailureCode = "broker_submit_failed"
)

// RetryOutcome is the per-item result of a manual or bulk retry.
type RetryOutcome struct {
	ID        uuid.UUID   `json:"id"`
	OK        bool        `json:"ok"`
	NewTaskID string      `json:"new_task_id,omitempty"`
	Code      FailureCode `json:"code,omitempty"`
	Detail    string      `json:"detail,omitempty"`
}

// BulkRetryResult aggregates a bulk pass; Attempted == Succeeded+Failed.
type BulkRetryResult struct {
	Attempted int            `json:"attempted"`
	Succeeded int            `json:"succeeded"`
	Failed    int            `json:"failed"`
	Results   []RetryOutcome `json:"results"`
}

// Page is one page of quarantined tasks plus pagination bookkeeping.
type Page struct {
	Items      []store.QuarantinedTask `json:"items"`
	Page       int                     `json:"page"`
	PageSize   int                     `json:"page_size"`
	Total      int                     `json:"total"`
	TotalPages int                     `json:"total_pages"`
}

// Analysis is the failure-pattern aggregation over a lookback window.
type Analysis struct {
	WindowDays      int                     `json:"window_days"`
	TotalTasks      int                     `json:"total_tasks"`
	ByCategory      map[string]int          `json:"by_category"`
	ByTaskName      map[string]int          `json:"by_task_name"`
	ByReason        map[string]int          `json:"by_reason"`
	TopFailingTasks []store.CountRow        `json:"top_failing_tasks"`
	RecentFailures  []store.QuarantinedTask `json:"recent_failures"`
	Recommendations []string                `json:"recommendations"`
	GeneratedAt     time.Time               `json:"generated_at"`
}
