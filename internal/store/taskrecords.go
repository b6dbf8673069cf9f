package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const taskRecordColumns = `task_id, task_name, status, queue_name, queued_at, started_at,
completed_at, duration_ms, worker_name, retry_count, max_retries,
error_message, error_trace, args, kwargs, result_data, version, updated_at`

func scanTaskRecord(row pgx.Row) (*TaskRecord, error) {
	var t TaskRecord
	err := row.Scan(
		&t.TaskID, &t.TaskName, &t.Status, &t.QueueName, &t.QueuedAt, &t.StartedAt,
		&t.CompletedAt, &t.DurationMs, &t.WorkerName, &t.RetryCount, &t.MaxRetries,
		&t.ErrorMessage, &t.ErrorTrace, &t.Args, &t.Kwargs, &t.ResultData, &t.Version, &t.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

type CreateTaskRecordParams struct {
	TaskID     string
	TaskName   string
	QueueName  string
	QueuedAt   time.Time
	MaxRetries int
	Args       []byte // JSON
	Kwargs     []byte // JSON
}

func (s *Store) CreateTaskRecord(ctx context.Context, p CreateTaskRecordParams) (*TaskRecord, error) {
	q := `
INSERT INTO task_records (task_id, task_name, status, queue_name, queued_at, max_retries, args, kwargs)
VALUES ($1, $2, 'submitted', $3, $4, $5, $6::jsonb, $7::jsonb)
RETURNING ` + taskRecordColumns + `;
`
	t, err := scanTaskRecord(s.db.QueryRow(ctx, q,
		p.TaskID, p.TaskName, p.QueueName, p.QueuedAt, p.MaxRetries, nullableJSON(p.Args), nullableJSON(p.Kwargs),
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrAlreadyExists
		}
		return nil, err
	}
	return t, nil
}

func (s *Store) GetTaskRecord(ctx context.Context, taskID string) (*TaskRecord, error) {
	q := `SELECT ` + taskRecordColumns + ` FROM task_records WHERE task_id = $1;`
	return scanTaskRecord(s.db.QueryRow(ctx, q, taskID))
}

// MarkStarted transitions a record to processing. Called only from the
// event-consumption loop.
func (s *Store) MarkStarted(ctx context.Context, taskID, workerName string, at time.Time) (*TaskRecord, error) {
	q := `
UPDATE task_records
SET status = 'processing',
    started_at = $2,
    worker_name = $3,
    version = version + 1
WHERE task_id = $1
RETURNING ` + taskRecordColumns + `;
`
	return scanTaskRecord(s.db.QueryRow(ctx, q, taskID, at, workerName))
}

// MarkSucceeded transitions a record to completed and derives duration_ms
// from started_at when it is known.
func (s *Store) MarkSucceeded(ctx context.Context, taskID string, at time.Time, result []byte) (*TaskRecord, error) {
	q := `
UPDATE task_records
SET status = 'completed',
    completed_at = $2,
    duration_ms = CASE WHEN started_at IS NULL THEN NULL
                  ELSE (EXTRACT(EPOCH FROM ($2::timestamptz - started_at)) * 1000)::bigint END,
    result_data = COALESCE($3::jsonb, result_data),
    version = version + 1
WHERE task_id = $1
RETURNING ` + taskRecordColumns + `;
`
	return scanTaskRecord(s.db.QueryRow(ctx, q, taskID, at, nullableJSON(result)))
}

func (s *Store) MarkFailed(ctx context.Context, taskID string, at time.Time, errMsg, errTrace string) (*TaskRecord, error) {
	q := `
UPDATE task_records
SET status = 'failed',
    completed_at = $2,
    error_message = $3,
    error_trace = NULLIF($4, ''),
    version = version + 1
WHERE task_id = $1
RETURNING ` + taskRecordColumns + `;
`
	return scanTaskRecord(s.db.QueryRow(ctx, q, taskID, at, errMsg, errTrace))
}

// MarkRetrying bumps the retry counter and moves the record back into the
// retrying state for the next attempt of the same broker id.
func (s *Store) MarkRetrying(ctx context.Context, taskID string) (*TaskRecord, error) {
	q := `
UPDATE task_records
SET status = 'retrying',
    retry_count = retry_count + 1,
    version = version + 1
WHERE task_id = $1
RETURNING ` + taskRecordColumns + `;
`
	return scanTaskRecord(s.db.QueryRow(ctx, q, taskID))
}

// UpdateTaskStatus performs an optimistic-locking status transition; used
// by writers outside the event loop (retry engine, quarantine).
func (s *Store) UpdateTaskStatus(ctx context.Context, taskID string, expectedVersion int, status TaskStatus) (*TaskRecord, error) {
	q := `
UPDATE task_records
SET status = $3,
    version = version + 1
WHERE task_id = $1 AND version = $2
RETURNING ` + taskRecordColumns + `;
`
	t, err := scanTaskRecord(s.db.QueryRow(ctx, q, taskID, expectedVersion, string(status)))
	if errors.Is(err, ErrNotFound) {
		// either not found OR version mismatch; check existence
		if _, getErr := s.GetTaskRecord(ctx, taskID); getErr != nil {
			return nil, getErr
		}
		return nil, ErrVersionConflict
	}
	return t, err
}

type HistoryFilter struct {
	Status    *TaskStatus
	TaskName  *string
	QueueName *string
	Since     *time.Time
}

func (s *Store) TaskHistory(ctx context.Context, f HistoryFilter, limit int) ([]TaskRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	q := `
SELECT ` + taskRecordColumns + `
FROM task_records
WHERE ($1::text IS NULL OR status = $1)
  AND ($2::text IS NULL OR task_name = $2)
  AND ($3::text IS NULL OR queue_name = $3)
  AND ($4::timestamptz IS NULL OR queued_at >= $4)
ORDER BY queued_at DESC
LIMIT $5;
`
	var status *string
	if f.Status != nil {
		sv := string(*f.Status)
		status = &sv
	}

	rows, err := s.db.Query(ctx, q, status, f.TaskName, f.QueueName, f.Since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]TaskRecord, 0, limit)
	for rows.Next() {
		t, err := scanTaskRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// TaskCountsSince returns the total and failed task counts for records
// queued in the window; dead-lettered tasks count as failed.
func (s *Store) TaskCountsSince(ctx context.Context, since time.Time) (total, failed int, err error) {
	q := `
SELECT COUNT(*),
       COUNT(*) FILTER (WHERE status IN ('failed', 'dead_letter'))
FROM task_records
WHERE queued_at >= $1;
`
	err = s.db.QueryRow(ctx, q, since).Scan(&total, &failed)
	return total, failed, err
}

// AvgDurationMsSince averages duration_ms over tasks completed in the
// window; returns 0 when no completed task has a duration.
func (s *Store) AvgDurationMsSince(ctx context.Context, since time.Time) (float64, error) {
	q := `
SELECT COALESCE(AVG(duration_ms), 0)
FROM task_records
WHERE completed_at >= $1 AND duration_ms IS NOT NULL;
`
	var avg float64
	err := s.db.QueryRow(ctx, q, since).Scan(&avg)
	return avg, err
}

func (s *Store) PurgeTaskRecordsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	q := `DELETE FROM task_records WHERE queued_at < $1 AND status IN ('completed', 'failed', 'dead_letter');`
	tag, err := s.db.Exec(ctx, q, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func nullableJSON(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
