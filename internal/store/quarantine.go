package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const quarantineColumns = `id, original_task_id, task_name, args, kwargs, failure_reason,
failure_category, failure_trace, first_failed_at, last_failed_at, total_attempts,
processed, processed_at, processed_by, notes, retry_scheduled, retry_scheduled_at, retry_attempts`

func scanQuarantined(row pgx.Row) (*QuarantinedTask, error) {
	var t QuarantinedTask
	err := row.Scan(
		&t.ID, &t.OriginalTaskID, &t.TaskName, &t.Args, &t.Kwargs, &t.FailureReason,
		&t.FailureCategory, &t.FailureTrace, &t.FirstFailedAt, &t.LastFailedAt, &t.TotalAttempts,
		&t.Processed, &t.ProcessedAt, &t.ProcessedBy, &t.Notes, &t.RetryScheduled, &t.RetryScheduledAt, &t.RetryAttempts,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

type QuarantineParams struct {
	OriginalTaskID  string
	TaskName        string
	Args            []byte
	Kwargs          []byte
	FailureReason   string
	FailureCategory FailureCategory
	FailureTrace    string
	FirstFailedAt   time.Time
	TotalAttempts   int
}

// QuarantineTask inserts the dead-letter row and transitions the original
// task record to dead_letter in one transaction.
func (s *Store) QuarantineTask(ctx context.Context, p QuarantineParams) (*QuarantinedTask, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	insert := `
INSERT INTO quarantined_tasks (id, original_task_id, task_name, args, kwargs, failure_reason,
  failure_category, failure_trace, first_failed_at, last_failed_at, total_attempts)
VALUES ($1, $2, $3, $4::jsonb, $5::jsonb, $6, $7, NULLIF($8, ''), $9, $10, $11)
RETURNING ` + quarantineColumns + `;
`
	now := time.Now()
	qt, err := scanQuarantined(tx.QueryRow(ctx, insert,
		uuid.New(), p.OriginalTaskID, p.TaskName, nullableJSON(p.Args), nullableJSON(p.Kwargs),
		p.FailureReason, string(p.FailureCategory), p.FailureTrace, p.FirstFailedAt, now, p.TotalAttempts,
	))
	if err != nil {
		return nil, fmt.Errorf("insert quarantined task: %w", err)
	}

	update := `
UPDATE task_records
SET status = 'dead_letter', version = version + 1
WHERE task_id = $1 AND status NOT IN ('completed', 'dead_letter');
`
	// A missing record is tolerated: the event feed may have been behind
	// or the record already purged.
	if _, err := tx.Exec(ctx, update, p.OriginalTaskID); err != nil {
		return nil, fmt.Errorf("mark record dead_letter: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return qt, nil
}

func (s *Store) GetQuarantined(ctx context.Context, id uuid.UUID) (*QuarantinedTask, error) {
	q := `SELECT ` + quarantineColumns + ` FROM quarantined_tasks WHERE id = $1;`
	return scanQuarantined(s.db.QueryRow(ctx, q, id))
}

type QuarantineFilter struct {
	Category  *FailureCategory
	TaskName  *string
	Processed *bool
}

// ListQuarantined returns one page newest-first plus the total row count
// for the filter.
func (s *Store) ListQuarantined(ctx context.Context, f QuarantineFilter, page, pageSize int) ([]QuarantinedTask, int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 || pageSize > 200 {
		pageSize = 50
	}

	var category *string
	if f.Category != nil {
		cv := string(*f.Category)
		category = &cv
	}

	countQ := `
SELECT COUNT(*)
FROM quarantined_tasks
WHERE ($1::text IS NULL OR failure_category = $1)
  AND ($2::text IS NULL OR task_name = $2)
  AND ($3::boolean IS NULL OR processed = $3);
`
	var total int
	if err := s.db.QueryRow(ctx, countQ, category, f.TaskName, f.Processed).Scan(&total); err != nil {
		return nil, 0, err
	}

	q := `
SELECT ` + quarantineColumns + `
FROM quarantined_tasks
WHERE ($1::text IS NULL OR failure_category = $1)
  AND ($2::text IS NULL OR task_name = $2)
  AND ($3::boolean IS NULL OR processed = $3)
ORDER BY last_failed_at DESC
LIMIT $4 OFFSET $5;
`
	rows, err := s.db.Query(ctx, q, category, f.TaskName, f.Processed, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := make([]QuarantinedTask, 0, pageSize)
	for rows.Next() {
		t, err := scanQuarantined(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// ClaimQuarantineRetry flips retry_scheduled and bumps retry_attempts in a
// single conditional update, serializing concurrent manual and bulk
// retries per row. Returns ErrVersionConflict when the row exists but the
// claim condition no longer holds.
func (s *Store) ClaimQuarantineRetry(ctx context.Context, id uuid.UUID, maxAttempts int) (*QuarantinedTask, error) {
	q := `
UPDATE quarantined_tasks
SET retry_scheduled = true,
    retry_scheduled_at = now(),
    retry_attempts = retry_attempts + 1
WHERE id = $1 AND retry_scheduled = false AND retry_attempts < $2
RETURNING ` + quarantineColumns + `;
`
	t, err := scanQuarantined(s.db.QueryRow(ctx, q, id, maxAttempts))
	if errors.Is(err, ErrNotFound) {
		if _, getErr := s.GetQuarantined(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrVersionConflict
	}
	return t, err
}

// ReleaseQuarantineRetry undoes a claim whose broker re-submission failed,
// so the attempt budget is not consumed by infrastructure errors.
func (s *Store) ReleaseQuarantineRetry(ctx context.Context, id uuid.UUID) error {
	q := `
UPDATE quarantined_tasks
SET retry_scheduled = false,
    retry_scheduled_at = NULL,
    retry_attempts = GREATEST(retry_attempts - 1, 0)
WHERE id = $1 AND retry_scheduled = true;
`
	_, err := s.db.Exec(ctx, q, id)
	return err
}

// ListRetryEligible returns up to limit rows that can still be retried,
// oldest failure first.
func (s *Store) ListRetryEligible(ctx context.Context, f QuarantineFilter, limit, maxAttempts int) ([]QuarantinedTask, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	var category *string
	if f.Category != nil {
		cv := string(*f.Category)
		category = &cv
	}

	q := `
SELECT ` + quarantineColumns + `
FROM quarantined_tasks
WHERE retry_scheduled = false
  AND retry_attempts < $1
  AND ($2::text IS NULL OR failure_category = $2)
  AND ($3::text IS NULL OR task_name = $3)
  AND ($4::boolean IS NULL OR processed = $4)
ORDER BY first_failed_at ASC
LIMIT $5;
`
	rows, err := s.db.Query(ctx, q, maxAttempts, category, f.TaskName, f.Processed, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]QuarantinedTask, 0, limit)
	for rows.Next() {
		t, err := scanQuarantined(rows)
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

func (s *Store) MarkQuarantineProcessed(ctx context.Context, id uuid.UUID, by, notes string) (*QuarantinedTask, error) {
	q := `
UPDATE quarantined_tasks
SET processed = true,
    processed_at = now(),
    processed_by = $2,
    notes = NULLIF($3, '')
WHERE id = $1
RETURNING ` + quarantineColumns + `;
`
	return scanQuarantined(s.db.QueryRow(ctx, q, id, by, notes))
}

// PurgeQuarantined deletes rows whose last failure is older than the
// cutoff. With keepUnprocessed set, unprocessed rows survive the purge.
func (s *Store) PurgeQuarantined(ctx context.Context, cutoff time.Time, keepUnprocessed bool) (int64, error) {
	q := `
DELETE FROM quarantined_tasks
WHERE last_failed_at < $1
  AND (NOT $2::boolean OR processed = true);
`
	tag, err := s.db.Exec(ctx, q, cutoff, keepUnprocessed)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Store) DeadLetterCountSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM quarantined_tasks WHERE last_failed_at >= $1;`, since).Scan(&n)
	return n, err
}

// CountsByColumn powers the failure-pattern analysis aggregations.
type CountRow struct {
	Key   string
	Count int
}

func (s *Store) QuarantineCategoryCounts(ctx context.Context, since time.Time) ([]CountRow, error) {
	return s.countRows(ctx, `
SELECT failure_category, COUNT(*)
FROM quarantined_tasks
WHERE last_failed_at >= $1
GROUP BY failure_category
ORDER BY COUNT(*) DESC;
`, since)
}

func (s *Store) QuarantineTaskNameCounts(ctx context.Context, since time.Time) ([]CountRow, error) {
	return s.countRows(ctx, `
SELECT task_name, COUNT(*)
FROM quarantined_tasks
WHERE last_failed_at >= $1
GROUP BY task_name
ORDER BY COUNT(*) DESC;
`, since)
}

func (s *Store) QuarantineReasonCounts(ctx context.Context, since time.Time) ([]CountRow, error) {
	return s.countRows(ctx, `
SELECT LEFT(failure_reason, 100), COUNT(*)
FROM quarantined_tasks
WHERE last_failed_at >= $1
GROUP BY LEFT(failure_reason, 100)
ORDER BY COUNT(*) DESC;
`, since)
}

func (s *Store) countRows(ctx context.Context, q string, since time.Time) ([]CountRow, error) {
	rows, err := s.db.Query(ctx, q, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CountRow
	for rows.Next() {
		var r CountRow
		if err := rows.Scan(&r.Key, &r.Count); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) RecentQuarantined(ctx context.Context, since time.Time, limit int) ([]QuarantinedTask, error) {
	if limit <= 0 || limit > 100 {
		limit = 10
	}
	q := `
SELECT ` + quarantineColumns + `
FROM quarantined_tasks
WHERE last_failed_at >= $1
ORDER BY last_failed_at DESC
LIMIT $2;
`
	rows, err := s.db.Query(ctx, q, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]QuarantinedTask, 0, limit)
	for rows.Next() {
		t, err := scanQuarantined(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}
