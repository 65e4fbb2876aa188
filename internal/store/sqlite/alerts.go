package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tripwire/sentinel/internal/model"
	"github.com/tripwire/sentinel/internal/store"
)

const alertColumns = `id, recipient_email, subject, body, status, incident_id, retry_count,
       last_error, next_retry_at, created_at, sent_at`

// EnqueueAlert persists a as a PENDING alert with retry_count = 0. It is
// returned by subsequent DueAlerts calls until it reaches SENT or FAILED.
func (s *Store) EnqueueAlert(ctx context.Context, a model.Alert) (int64, error) {
	var incidentID any
	if a.IncidentID != nil {
		incidentID = *a.IncidentID
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO alert_queue
			(recipient_email, subject, body, status, incident_id, retry_count, created_at)
		VALUES (?, ?, ?, 'PENDING', ?, 0, ?)`,
		a.RecipientEmail, a.Subject, a.Body, incidentID, toNanos(a.CreatedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("sqlite: enqueue alert: %w", err)
	}
	return res.LastInsertId()
}

// DueAlerts returns up to limit PENDING alerts that are ready for an attempt,
// in insertion order. If limit ≤ 0, DueAlerts returns nil without querying.
func (s *Store) DueAlerts(ctx context.Context, now time.Time, limit int) ([]model.Alert, error) {
	if limit <= 0 {
		return nil, nil
	}
	return s.queryAlerts(ctx, "due alerts",
		`SELECT `+alertColumns+` FROM alert_queue
		 WHERE  status = 'PENDING' AND (next_retry_at IS NULL OR next_retry_at <= ?)
		 ORDER  BY id
		 LIMIT  ?`, toNanos(now), limit)
}

// MarkAlertSent moves a PENDING alert to SENT. Marking an alert that is
// already SENT is a no-op, so sent_at keeps its first value.
func (s *Store) MarkAlertSent(ctx context.Context, id int64, sentAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE alert_queue SET status = 'SENT', sent_at = ?, next_retry_at = NULL
		 WHERE  id = ? AND status = 'PENDING'`, toNanos(sentAt), id)
	if err != nil {
		return fmt.Errorf("sqlite: mark alert %d sent: %w", id, err)
	}
	return s.transitioned(ctx, res, "mark alert sent", id)
}

// MarkAlertRetry records a recoverable failure on a PENDING alert.
func (s *Store) MarkAlertRetry(ctx context.Context, id int64, retryCount int, lastError string, nextRetryAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE alert_queue SET retry_count = ?, last_error = ?, next_retry_at = ?
		 WHERE  id = ? AND status = 'PENDING'`,
		retryCount, nullableStr(lastError), toNanos(nextRetryAt), id)
	if err != nil {
		return fmt.Errorf("sqlite: mark alert %d retry: %w", id, err)
	}
	return s.transitioned(ctx, res, "mark alert retry", id)
}

// MarkAlertFailed moves a PENDING alert to the terminal FAILED state.
func (s *Store) MarkAlertFailed(ctx context.Context, id int64, lastError string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE alert_queue SET status = 'FAILED', last_error = ?, next_retry_at = NULL
		 WHERE  id = ? AND status = 'PENDING'`, nullableStr(lastError), id)
	if err != nil {
		return fmt.Errorf("sqlite: mark alert %d failed: %w", id, err)
	}
	return s.transitioned(ctx, res, "mark alert failed", id)
}

// GetAlert returns the alert with id or an error wrapping store.ErrNotFound.
func (s *Store) GetAlert(ctx context.Context, id int64) (*model.Alert, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alert_queue WHERE id = ?`, id)
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sqlite: get alert %d: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get alert %d: %w", id, err)
	}
	return &a, nil
}

// AlertsByStatus returns up to limit alerts in status, newest first.
func (s *Store) AlertsByStatus(ctx context.Context, status model.AlertStatus, limit int) ([]model.Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryAlerts(ctx, "alerts by status",
		`SELECT `+alertColumns+` FROM alert_queue WHERE status = ? ORDER BY id DESC LIMIT ?`,
		string(status), limit)
}

// AlertsForIncident returns every alert raised for incidentID in insertion
// order.
func (s *Store) AlertsForIncident(ctx context.Context, incidentID int64) ([]model.Alert, error) {
	return s.queryAlerts(ctx, "alerts for incident",
		`SELECT `+alertColumns+` FROM alert_queue WHERE incident_id = ? ORDER BY id`, incidentID)
}

// PendingAlertCount returns the number of PENDING alerts.
func (s *Store) PendingAlertCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM alert_queue WHERE status = 'PENDING'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: count pending alerts: %w", err)
	}
	return n, nil
}

// PruneFailedAlerts deletes FAILED alerts created before ts.
func (s *Store) PruneFailedAlerts(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM alert_queue WHERE status = 'FAILED' AND created_at < ?`, toNanos(before))
	if err != nil {
		return 0, fmt.Errorf("sqlite: prune failed alerts: %w", err)
	}
	return affected(res), nil
}

// transitioned distinguishes "row is not PENDING any more" (a no-op) from
// "row does not exist" (store.ErrNotFound) after a guarded UPDATE.
func (s *Store) transitioned(ctx context.Context, res sql.Result, what string, id int64) error {
	if affected(res) > 0 {
		return nil
	}
	ok, err := s.exists(ctx, "alert_queue", id)
	if err != nil {
		return fmt.Errorf("sqlite: %s %d: %w", what, id, err)
	}
	if !ok {
		return fmt.Errorf("sqlite: %s %d: %w", what, id, store.ErrNotFound)
	}
	return nil
}

func (s *Store) queryAlerts(ctx context.Context, what, query string, args ...any) ([]model.Alert, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: %s query: %w", what, err)
	}
	defer rows.Close()

	var out []model.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: %s scan: %w", what, err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: %s rows: %w", what, err)
	}
	return out, nil
}

func scanAlert(sc scanner) (model.Alert, error) {
	var (
		a                   model.Alert
		status              string
		incidentID          sql.NullInt64
		lastError           sql.NullString
		nextRetryAt, sentAt sql.NullInt64
		created             int64
	)
	err := sc.Scan(&a.ID, &a.RecipientEmail, &a.Subject, &a.Body, &status, &incidentID,
		&a.RetryCount, &lastError, &nextRetryAt, &created, &sentAt)
	if err != nil {
		return model.Alert{}, err
	}
	a.Status = model.AlertStatus(status)
	if incidentID.Valid {
		id := incidentID.Int64
		a.IncidentID = &id
	}
	a.LastError = lastError.String
	a.NextRetryAt = timePtr(nextRetryAt)
	a.CreatedAt = fromNanos(created)
	a.SentAt = timePtr(sentAt)
	return a, nil
}
