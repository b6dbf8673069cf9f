package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const alertColumns = `id, alert_type, severity, threshold_value, current_value, condition,
task_name, queue_name, worker_name, triggered_at, resolved_at, resolved_by,
auto_resolved, notification_sent, escalation_level, context_data, resolution_data`

func scanAlert(row pgx.Row) (*AlertRecord, error) {
	var a AlertRecord
	err := row.Scan(
		&a.ID, &a.AlertType, &a.Severity, &a.ThresholdValue, &a.CurrentValue, &a.Condition,
		&a.TaskName, &a.QueueName, &a.WorkerName, &a.TriggeredAt, &a.ResolvedAt, &a.ResolvedBy,
		&a.AutoResolved, &a.NotificationSent, &a.EscalationLevel, &a.ContextData, &a.ResolutionData,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Store) GetAlertThreshold(ctx context.Context, alertType AlertType) (*AlertThreshold, error) {
	q := `
SELECT alert_type, threshold_value, comparison, timeframe_minutes, severity, enabled, updated_at
FROM alert_thresholds
WHERE alert_type = $1;
`
	var t AlertThreshold
	err := s.db.QueryRow(ctx, q, string(alertType)).Scan(
		&t.AlertType, &t.ThresholdValue, &t.Comparison, &t.TimeframeMinutes, &t.Severity, &t.Enabled, &t.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) ListAlertThresholds(ctx context.Context) ([]AlertThreshold, error) {
	q := `
SELECT alert_type, threshold_value, comparison, timeframe_minutes, severity, enabled, updated_at
FROM alert_thresholds
ORDER BY alert_type;
`
	rows, err := s.db.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AlertThreshold
	for rows.Next() {
		var t AlertThreshold
		if err := rows.Scan(&t.AlertType, &t.ThresholdValue, &t.Comparison, &t.TimeframeMinutes, &t.Severity, &t.Enabled, &t.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) UpsertAlertThreshold(ctx context.Context, t AlertThreshold) (*AlertThreshold, error) {
	q := `
INSERT INTO alert_thresholds (alert_type, threshold_value, comparison, timeframe_minutes, severity, enabled)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (alert_type) DO UPDATE SET
  threshold_value = EXCLUDED.threshold_value,
  comparison = EXCLUDED.comparison,
  timeframe_minutes = EXCLUDED.timeframe_minutes,
  severity = EXCLUDED.severity,
  enabled = EXCLUDED.enabled,
  updated_at = now()
RETURNING alert_type, threshold_value, comparison, timeframe_minutes, severity, enabled, updated_at;
`
	var out AlertThreshold
	err := s.db.QueryRow(ctx, q,
		string(t.AlertType), t.ThresholdValue, string(t.Comparison), t.TimeframeMinutes, string(t.Severity), t.Enabled,
	).Scan(&out.AlertType, &out.ThresholdValue, &out.Comparison, &out.TimeframeMinutes, &out.Severity, &out.Enabled, &out.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

type CreateAlertParams struct {
	AlertType      AlertType
	Severity       Severity
	ThresholdValue float64
	CurrentValue   float64
	Condition      string
	TaskName       *string
	QueueName      *string
	WorkerName     *string
	ContextData    []byte
}

func (s *Store) CreateAlertRecord(ctx context.Context, p CreateAlertParams) (*AlertRecord, error) {
	q := `
INSERT INTO alert_records (id, alert_type, severity, threshold_value, current_value, condition,
  task_name, queue_name, worker_name, context_data)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb)
RETURNING ` + alertColumns + `;
`
	return scanAlert(s.db.QueryRow(ctx, q,
		uuid.New(), string(p.AlertType), string(p.Severity), p.ThresholdValue, p.CurrentValue, p.Condition,
		p.TaskName, p.QueueName, p.WorkerName, nullableJSON(p.ContextData),
	))
}

// UnresolvedAlertByType returns the single open record for the type, if
// any; the deduplication invariant guarantees at most one exists.
func (s *Store) UnresolvedAlertByType(ctx context.Context, alertType AlertType) (*AlertRecord, error) {
	q := `
SELECT ` + alertColumns + `
FROM alert_records
WHERE alert_type = $1 AND resolved_at IS NULL
ORDER BY triggered_at DESC
LIMIT 1;
`
	return scanAlert(s.db.QueryRow(ctx, q, string(alertType)))
}

func (s *Store) UpdateAlertCurrentValue(ctx context.Context, id uuid.UUID, currentValue float64) error {
	q := `UPDATE alert_records SET current_value = $2 WHERE id = $1 AND resolved_at IS NULL;`
	tag, err := s.db.Exec(ctx, q, id, currentValue)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) MarkAlertNotified(ctx context.Context, id uuid.UUID) error {
	q := `UPDATE alert_records SET notification_sent = true WHERE id = $1;`
	_, err := s.db.Exec(ctx, q, id)
	return err
}

func (s *Store) BumpAlertEscalation(ctx context.Context, id uuid.UUID) error {
	q := `UPDATE alert_records SET escalation_level = escalation_level + 1 WHERE id = $1 AND resolved_at IS NULL;`
	_, err := s.db.Exec(ctx, q, id)
	return err
}

// ResolveAlert closes an open record. Resolving an already-resolved or
// unknown record returns ErrNotFound so callers can report it.
func (s *Store) ResolveAlert(ctx context.Context, id uuid.UUID, by string, auto bool, resolution []byte) (*AlertRecord, error) {
	q := `
UPDATE alert_records
SET resolved_at = now(),
    resolved_by = NULLIF($2, ''),
    auto_resolved = $3,
    resolution_data = $4::jsonb
WHERE id = $1 AND resolved_at IS NULL
RETURNING ` + alertColumns + `;
`
	return scanAlert(s.db.QueryRow(ctx, q, id, by, auto, nullableJSON(resolution)))
}

func (s *Store) ActiveAlerts(ctx context.Context) ([]AlertRecord, error) {
	q := `
SELECT ` + alertColumns + `
FROM alert_records
WHERE resolved_at IS NULL
ORDER BY triggered_at DESC;
`
	rows, err := s.db.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AlertRecord
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *Store) AlertHistory(ctx context.Context, since time.Time, limit int) ([]AlertRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := `
SELECT ` + alertColumns + `
FROM alert_records
WHERE triggered_at >= $1
ORDER BY triggered_at DESC
LIMIT $2;
`
	rows, err := s.db.Query(ctx, q, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AlertRecord
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}
