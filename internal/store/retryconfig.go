package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const retryConfigColumns = `task_name, max_retries, base_delay_seconds, max_delay_seconds, policy,
jitter_enabled, jitter_min, jitter_max, backoff_multiplier, retry_on, no_retry_on, updated_at`

func scanRetryConfig(row pgx.Row) (*RetryConfiguration, error) {
	var c RetryConfiguration
	err := row.Scan(
		&c.TaskName, &c.MaxRetries, &c.BaseDelaySeconds, &c.MaxDelaySeconds, &c.Policy,
		&c.JitterEnabled, &c.JitterMin, &c.JitterMax, &c.BackoffMultiplier, &c.RetryOn, &c.NoRetryOn, &c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetRetryConfig looks up the per-task configuration; callers fall back to
// their default on ErrNotFound.
func (s *Store) GetRetryConfig(ctx context.Context, taskName string) (*RetryConfiguration, error) {
	q := `SELECT ` + retryConfigColumns + ` FROM retry_configurations WHERE task_name = $1;`
	return scanRetryConfig(s.db.QueryRow(ctx, q, taskName))
}

func (s *Store) UpsertRetryConfig(ctx context.Context, c RetryConfiguration) (*RetryConfiguration, error) {
	q := `
INSERT INTO retry_configurations (task_name, max_retries, base_delay_seconds, max_delay_seconds, policy,
  jitter_enabled, jitter_min, jitter_max, backoff_multiplier, retry_on, no_retry_on)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (task_name) DO UPDATE SET
  max_retries = EXCLUDED.max_retries,
  base_delay_seconds = EXCLUDED.base_delay_seconds,
  max_delay_seconds = EXCLUDED.max_delay_seconds,
  policy = EXCLUDED.policy,
  jitter_enabled = EXCLUDED.jitter_enabled,
  jitter_min = EXCLUDED.jitter_min,
  jitter_max = EXCLUDED.jitter_max,
  backoff_multiplier = EXCLUDED.backoff_multiplier,
  retry_on = EXCLUDED.retry_on,
  no_retry_on = EXCLUDED.no_retry_on,
  updated_at = now()
RETURNING ` + retryConfigColumns + `;
`
	return scanRetryConfig(s.db.QueryRow(ctx, q,
		c.TaskName, c.MaxRetries, c.BaseDelaySeconds, c.MaxDelaySeconds, string(c.Policy),
		c.JitterEnabled, c.JitterMin, c.JitterMax, c.BackoffMultiplier, c.RetryOn, c.NoRetryOn,
	))
}

func (s *Store) InsertRetryAttempt(ctx context.Context, a RetryAttempt) (*RetryAttempt, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	q := `
INSERT INTO retry_attempts (id, task_id, task_name, attempt, delay_seconds, scheduled_at, reason)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id, task_id, task_name, attempt, delay_seconds, scheduled_at, reason;
`
	var out RetryAttempt
	err := s.db.QueryRow(ctx, q, a.ID, a.TaskID, a.TaskName, a.Attempt, a.DelaySeconds, a.ScheduledAt, a.Reason).Scan(
		&out.ID, &out.TaskID, &out.TaskName, &out.Attempt, &out.DelaySeconds, &out.ScheduledAt, &out.Reason,
	)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) ListRetryAttempts(ctx context.Context, taskID string, limit int) ([]RetryAttempt, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := `
SELECT id, task_id, task_name, attempt, delay_seconds, scheduled_at, reason
FROM retry_attempts
WHERE task_id = $1
ORDER BY attempt DESC
LIMIT $2;
`
	rows, err := s.db.Query(ctx, q, taskID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]RetryAttempt, 0, limit)
	for rows.Next() {
		var a RetryAttempt
		if err := rows.Scan(&a.ID, &a.TaskID, &a.TaskName, &a.Attempt, &a.DelaySeconds, &a.ScheduledAt, &a.Reason); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
