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

const incidentColumns = `id, severity, risk_score, triggered_by, actions_taken, summary,
       location, device_state, ts, resolved, resolved_at`

// AppendIncident persists inc and returns its id.
func (s *Store) AppendIncident(ctx context.Context, inc model.Incident) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO incidents
			(severity, risk_score, triggered_by, actions_taken, summary,
			 location, device_state, ts, resolved, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inc.Severity, inc.RiskScore, inc.TriggeredBy, inc.ActionsTaken, inc.Summary,
		nullableStr(inc.Location), nullableStr(inc.DeviceState), toNanos(inc.Timestamp),
		inc.Resolved, nullableTime(inc.ResolvedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("sqlite: append incident: %w", err)
	}
	return res.LastInsertId()
}

// GetIncident returns the incident with id or an error wrapping
// store.ErrNotFound.
func (s *Store) GetIncident(ctx context.Context, id int64) (*model.Incident, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE id = ?`, id)
	inc, err := scanIncident(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sqlite: get incident %d: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get incident %d: %w", id, err)
	}
	return &inc, nil
}

// ListIncidents returns up to limit incidents, newest first.
func (s *Store) ListIncidents(ctx context.Context, limit int) ([]model.Incident, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryIncidents(ctx, "list incidents",
		`SELECT `+incidentColumns+` FROM incidents ORDER BY ts DESC, id DESC LIMIT ?`, limit)
}

// IncidentsBetween returns incidents with ts in [from, to), oldest first.
func (s *Store) IncidentsBetween(ctx context.Context, from, to time.Time) ([]model.Incident, error) {
	return s.queryIncidents(ctx, "incidents between",
		`SELECT `+incidentColumns+` FROM incidents WHERE ts >= ? AND ts < ? ORDER BY ts, id`,
		toNanos(from), toNanos(to))
}

// ResolveIncident marks the incident resolved. A second call keeps the
// original resolved_at.
func (s *Store) ResolveIncident(ctx context.Context, id int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE incidents SET resolved = 1, resolved_at = COALESCE(resolved_at, ?) WHERE id = ?`,
		toNanos(at), id)
	if err != nil {
		return fmt.Errorf("sqlite: resolve incident %d: %w", id, err)
	}
	return requireRow(res, "resolve incident", id)
}

func (s *Store) queryIncidents(ctx context.Context, what, query string, args ...any) ([]model.Incident, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: %s query: %w", what, err)
	}
	defer rows.Close()

	var out []model.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: %s scan: %w", what, err)
		}
		out = append(out, inc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: %s rows: %w", what, err)
	}
	return out, nil
}

func scanIncident(sc scanner) (model.Incident, error) {
	var (
		inc                   model.Incident
		location, deviceState sql.NullString
		ts                    int64
		resolvedAt            sql.NullInt64
	)
	err := sc.Scan(&inc.ID, &inc.Severity, &inc.RiskScore, &inc.TriggeredBy, &inc.ActionsTaken,
		&inc.Summary, &location, &deviceState, &ts, &inc.Resolved, &resolvedAt)
	if err != nil {
		return model.Incident{}, err
	}
	inc.Location = location.String
	inc.DeviceState = deviceState.String
	inc.Timestamp = fromNanos(ts)
	inc.ResolvedAt = timePtr(resolvedAt)
	return inc, nil
}
