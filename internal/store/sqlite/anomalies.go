package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tripwire/sentinel/internal/model"
)

const anomalyColumns = `id, anomaly_type, description, severity, risk_points, deviation, signal_id, resolved, ts`

// AppendAnomaly stores a. A second anomaly for the same non-zero SignalID is
// not inserted; the id of the existing row is returned with created = false.
func (s *Store) AppendAnomaly(ctx context.Context, a model.Anomaly) (int64, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO anomalies
			(anomaly_type, description, severity, risk_points, deviation, signal_id, resolved, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (signal_id) DO NOTHING`,
		a.AnomalyType, a.Description, a.Severity, a.RiskPoints, a.Deviation,
		nullableID(a.SignalID), a.Resolved, toNanos(a.Timestamp),
	)
	if err != nil {
		return 0, false, fmt.Errorf("sqlite: append anomaly: %w", err)
	}
	if affected(res) == 1 {
		id, err := res.LastInsertId()
		return id, true, err
	}

	var id int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT id FROM anomalies WHERE signal_id = ?`, a.SignalID).Scan(&id); err != nil {
		return 0, false, fmt.Errorf("sqlite: lookup anomaly for signal %d: %w", a.SignalID, err)
	}
	return id, false, nil
}

// UnresolvedAnomalies returns every open anomaly, oldest first.
func (s *Store) UnresolvedAnomalies(ctx context.Context) ([]model.Anomaly, error) {
	return s.queryAnomalies(ctx, "unresolved anomalies",
		`SELECT `+anomalyColumns+` FROM anomalies WHERE resolved = 0 ORDER BY ts, id`)
}

// AnomaliesBetween returns anomalies with ts in [from, to), oldest first.
func (s *Store) AnomaliesBetween(ctx context.Context, from, to time.Time) ([]model.Anomaly, error) {
	return s.queryAnomalies(ctx, "anomalies between",
		`SELECT `+anomalyColumns+` FROM anomalies WHERE ts >= ? AND ts < ? ORDER BY ts, id`,
		toNanos(from), toNanos(to))
}

// ResolveAnomaly latches resolved = true. Resolving an already resolved
// anomaly succeeds; an unknown id wraps store.ErrNotFound.
func (s *Store) ResolveAnomaly(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE anomalies SET resolved = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: resolve anomaly %d: %w", id, err)
	}
	return requireRow(res, "resolve anomaly", id)
}

// ResolveAnomaliesBefore resolves every open anomaly with ts < ts.
func (s *Store) ResolveAnomaliesBefore(ctx context.Context, ts time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE anomalies SET resolved = 1 WHERE resolved = 0 AND ts < ?`, toNanos(ts))
	if err != nil {
		return 0, fmt.Errorf("sqlite: resolve old anomalies: %w", err)
	}
	return affected(res), nil
}

// DeleteAnomaliesBefore prunes anomalies with ts < ts.
func (s *Store) DeleteAnomaliesBefore(ctx context.Context, ts time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM anomalies WHERE ts < ?`, toNanos(ts))
	if err != nil {
		return 0, fmt.Errorf("sqlite: delete anomalies: %w", err)
	}
	return affected(res), nil
}

func (s *Store) queryAnomalies(ctx context.Context, what, query string, args ...any) ([]model.Anomaly, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: %s query: %w", what, err)
	}
	defer rows.Close()

	var out []model.Anomaly
	for rows.Next() {
		var (
			a        model.Anomaly
			signalID sql.NullInt64
			ts       int64
		)
		if err := rows.Scan(&a.ID, &a.AnomalyType, &a.Description, &a.Severity,
			&a.RiskPoints, &a.Deviation, &signalID, &a.Resolved, &ts); err != nil {
			return nil, fmt.Errorf("sqlite: %s scan: %w", what, err)
		}
		a.SignalID = signalID.Int64
		a.Timestamp = fromNanos(ts)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: %s rows: %w", what, err)
	}
	return out, nil
}
