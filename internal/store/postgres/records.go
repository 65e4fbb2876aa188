package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/tripwire/sentinel/internal/model"
	"github.com/tripwire/sentinel/internal/store"
)

// --- Anomalies ---

const anomalyColumns = `id, anomaly_type, description, severity, risk_points, deviation, signal_id, resolved, ts`

// AppendAnomaly relies on the UNIQUE signal_id column: NULL never conflicts,
// a repeated non-zero id returns the first row.
func (s *Store) AppendAnomaly(ctx context.Context, a model.Anomaly) (int64, bool, error) {
	var signalID *int64
	if a.SignalID != 0 {
		signalID = &a.SignalID
	}
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO anomalies
			(anomaly_type, description, severity, risk_points, deviation, signal_id, resolved, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (signal_id) DO NOTHING
		RETURNING id`,
		a.AnomalyType, a.Description, a.Severity, a.RiskPoints, a.Deviation,
		signalID, a.Resolved, a.Timestamp.UTC(),
	).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, fmt.Errorf("append anomaly: %w", err)
	}
	if err := s.pool.QueryRow(ctx,
		`SELECT id FROM anomalies WHERE signal_id = $1`, a.SignalID).Scan(&id); err != nil {
		return 0, false, fmt.Errorf("lookup anomaly for signal %d: %w", a.SignalID, err)
	}
	return id, false, nil
}

func (s *Store) UnresolvedAnomalies(ctx context.Context) ([]model.Anomaly, error) {
	return s.queryAnomalies(ctx,
		`SELECT `+anomalyColumns+` FROM anomalies WHERE NOT resolved ORDER BY ts, id`)
}

func (s *Store) AnomaliesBetween(ctx context.Context, from, to time.Time) ([]model.Anomaly, error) {
	return s.queryAnomalies(ctx,
		`SELECT `+anomalyColumns+` FROM anomalies WHERE ts >= $1 AND ts < $2 ORDER BY ts, id`, from, to)
}

func (s *Store) ResolveAnomaly(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `UPDATE anomalies SET resolved = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("resolve anomaly %d: %w", id, err)
	}
	return requireRow(tag, "resolve anomaly", id)
}

func (s *Store) ResolveAnomaliesBefore(ctx context.Context, ts time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE anomalies SET resolved = TRUE WHERE NOT resolved AND ts < $1`, ts)
	if err != nil {
		return 0, fmt.Errorf("resolve anomalies: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) DeleteAnomaliesBefore(ctx context.Context, ts time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM anomalies WHERE ts < $1`, ts)
	if err != nil {
		return 0, fmt.Errorf("delete anomalies: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) queryAnomalies(ctx context.Context, query string, args ...any) ([]model.Anomaly, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query anomalies: %w", err)
	}
	defer rows.Close()

	var out []model.Anomaly
	for rows.Next() {
		var a model.Anomaly
		var signalID *int64
		if err := rows.Scan(&a.ID, &a.AnomalyType, &a.Description, &a.Severity, &a.RiskPoints,
			&a.Deviation, &signalID, &a.Resolved, &a.Timestamp); err != nil {
			return nil, fmt.Errorf("scan anomaly: %w", err)
		}
		if signalID != nil {
			a.SignalID = *signalID
		}
		a.Timestamp = a.Timestamp.UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- Risk scores ---

const riskScoreColumns = `id, total_score, risk_level, signal_contributions, triggered_action,
       trigger_reason, ts, decayed, current_score`

func (s *Store) AppendRiskScore(ctx context.Context, r model.RiskScore) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO risk_scores
			(total_score, risk_level, signal_contributions, triggered_action,
			 trigger_reason, ts, decayed, current_score)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		r.TotalScore, string(r.RiskLevel), r.SignalContributions, r.TriggeredAction,
		nullableStr(r.TriggerReason), r.Timestamp.UTC(), r.Decayed, r.CurrentScore,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("append risk score: %w", err)
	}
	return id, nil
}

func (s *Store) LatestRiskScore(ctx context.Context) (*model.RiskScore, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+riskScoreColumns+` FROM risk_scores ORDER BY ts DESC, id DESC LIMIT 1`)
	r, err := scanRiskScore(row)
	if err != nil {
		return nil, fmt.Errorf("latest risk score: %w", notFound(err))
	}
	return &r, nil
}

func (s *Store) RiskScoresBetween(ctx context.Context, from, to time.Time) ([]model.RiskScore, error) {
	return s.queryRiskScores(ctx,
		`SELECT `+riskScoreColumns+` FROM risk_scores WHERE ts >= $1 AND ts < $2 ORDER BY ts, id`, from, to)
}

func (s *Store) RiskScoresByLevel(ctx context.Context, level model.RiskLevel, limit int) ([]model.RiskScore, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryRiskScores(ctx,
		`SELECT `+riskScoreColumns+` FROM risk_scores WHERE risk_level = $1 ORDER BY ts DESC, id DESC LIMIT $2`,
		string(level), limit)
}

func (s *Store) TriggeredRiskScoresSince(ctx context.Context, ts time.Time) ([]model.RiskScore, error) {
	return s.queryRiskScores(ctx,
		`SELECT `+riskScoreColumns+` FROM risk_scores WHERE triggered_action AND ts >= $1 ORDER BY ts DESC, id DESC`, ts)
}

func (s *Store) DecayCandidates(ctx context.Context, olderThan time.Time) ([]model.RiskScore, error) {
	return s.queryRiskScores(ctx, `
		SELECT `+riskScoreColumns+` FROM risk_scores
		WHERE  ts <= $1 AND (NOT decayed OR current_score > 0)
		ORDER  BY id`, olderThan)
}

func (s *Store) UpdateDecayedScore(ctx context.Context, id int64, score int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE risk_scores SET decayed = TRUE, current_score = $2 WHERE id = $1`, id, score)
	if err != nil {
		return fmt.Errorf("update decayed score %d: %w", id, err)
	}
	return requireRow(tag, "update decayed score", id)
}

func (s *Store) DeleteRiskScoresBefore(ctx context.Context, ts time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM risk_scores WHERE ts < $1`, ts)
	if err != nil {
		return 0, fmt.Errorf("delete risk scores: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) queryRiskScores(ctx context.Context, query string, args ...any) ([]model.RiskScore, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query risk scores: %w", err)
	}
	defer rows.Close()

	var out []model.RiskScore
	for rows.Next() {
		r, err := scanRiskScore(rows)
		if err != nil {
			return nil, fmt.Errorf("scan risk score: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRiskScore(sc scanner) (model.RiskScore, error) {
	var r model.RiskScore
	var level string
	var reason *string
	err := sc.Scan(&r.ID, &r.TotalScore, &level, &r.SignalContributions, &r.TriggeredAction,
		&reason, &r.Timestamp, &r.Decayed, &r.CurrentScore)
	if err != nil {
		return model.RiskScore{}, err
	}
	r.RiskLevel = model.RiskLevel(level)
	r.TriggerReason = derefStr(reason)
	r.Timestamp = r.Timestamp.UTC()
	return r, nil
}

// --- Incidents ---

const incidentColumns = `id, severity, risk_score, triggered_by, actions_taken, summary,
       location, device_state, ts, resolved, resolved_at`

func (s *Store) AppendIncident(ctx context.Context, inc model.Incident) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO incidents
			(severity, risk_score, triggered_by, actions_taken, summary,
			 location, device_state, ts, resolved, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		inc.Severity, inc.RiskScore, inc.TriggeredBy, inc.ActionsTaken, inc.Summary,
		nullableStr(inc.Location), nullableStr(inc.DeviceState), inc.Timestamp.UTC(),
		inc.Resolved, utcPtr(inc.ResolvedAt),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("append incident: %w", err)
	}
	return id, nil
}

func (s *Store) GetIncident(ctx context.Context, id int64) (*model.Incident, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE id = $1`, id)
	inc, err := scanIncident(row)
	if err != nil {
		return nil, fmt.Errorf("get incident %d: %w", id, notFound(err))
	}
	return &inc, nil
}

func (s *Store) ListIncidents(ctx context.Context, limit int) ([]model.Incident, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryIncidents(ctx,
		`SELECT `+incidentColumns+` FROM incidents ORDER BY ts DESC, id DESC LIMIT $1`, limit)
}

func (s *Store) IncidentsBetween(ctx context.Context, from, to time.Time) ([]model.Incident, error) {
	return s.queryIncidents(ctx,
		`SELECT `+incidentColumns+` FROM incidents WHERE ts >= $1 AND ts < $2 ORDER BY ts, id`, from, to)
}

func (s *Store) ResolveIncident(ctx context.Context, id int64, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE incidents SET resolved = TRUE, resolved_at = COALESCE(resolved_at, $2) WHERE id = $1`,
		id, at.UTC())
	if err != nil {
		return fmt.Errorf("resolve incident %d: %w", id, err)
	}
	return requireRow(tag, "resolve incident", id)
}

func (s *Store) queryIncidents(ctx context.Context, query string, args ...any) ([]model.Incident, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query incidents: %w", err)
	}
	defer rows.Close()

	var out []model.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("scan incident: %w", err)
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

func scanIncident(sc scanner) (model.Incident, error) {
	var inc model.Incident
	var location, deviceState *string
	err := sc.Scan(&inc.ID, &inc.Severity, &inc.RiskScore, &inc.TriggeredBy, &inc.ActionsTaken,
		&inc.Summary, &location, &deviceState, &inc.Timestamp, &inc.Resolved, &inc.ResolvedAt)
	if err != nil {
		return model.Incident{}, err
	}
	inc.Location = derefStr(location)
	inc.DeviceState = derefStr(deviceState)
	inc.Timestamp = inc.Timestamp.UTC()
	inc.ResolvedAt = utcPtr(inc.ResolvedAt)
	return inc, nil
}

// --- Alert queue ---

const alertColumns = `id, recipient_email, subject, body, status, incident_id, retry_count,
       last_error, next_retry_at, created_at, sent_at`

func (s *Store) EnqueueAlert(ctx context.Context, a model.Alert) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO alert_queue
			(recipient_email, subject, body, status, incident_id, retry_count, created_at)
		VALUES ($1, $2, $3, 'PENDING', $4, 0, $5)
		RETURNING id`,
		a.RecipientEmail, a.Subject, a.Body, a.IncidentID, a.CreatedAt.UTC(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("enqueue alert: %w", err)
	}
	return id, nil
}

func (s *Store) DueAlerts(ctx context.Context, now time.Time, limit int) ([]model.Alert, error) {
	if limit <= 0 {
		return nil, nil
	}
	return s.queryAlerts(ctx, `
		SELECT `+alertColumns+` FROM alert_queue
		WHERE  status = 'PENDING' AND (next_retry_at IS NULL OR next_retry_at <= $1)
		ORDER  BY id
		LIMIT  $2`, now.UTC(), limit)
}

func (s *Store) MarkAlertSent(ctx context.Context, id int64, sentAt time.Time) error {
	return s.transition(ctx, "mark alert sent", id,
		`UPDATE alert_queue SET status = 'SENT', sent_at = $2, next_retry_at = NULL
		 WHERE  id = $1 AND status = 'PENDING'`, id, sentAt.UTC())
}

func (s *Store) MarkAlertRetry(ctx context.Context, id int64, retryCount int, lastError string, nextRetryAt time.Time) error {
	return s.transition(ctx, "mark alert retry", id,
		`UPDATE alert_queue SET retry_count = $2, last_error = $3, next_retry_at = $4
		 WHERE  id = $1 AND status = 'PENDING'`, id, retryCount, nullableStr(lastError), nextRetryAt.UTC())
}

func (s *Store) MarkAlertFailed(ctx context.Context, id int64, lastError string) error {
	return s.transition(ctx, "mark alert failed", id,
		`UPDATE alert_queue SET status = 'FAILED', last_error = $2, next_retry_at = NULL
		 WHERE  id = $1 AND status = 'PENDING'`, id, nullableStr(lastError))
}

// transition runs a PENDING-guarded UPDATE. Zero affected rows is a no-op
// when the alert exists in another state and store.ErrNotFound otherwise.
func (s *Store) transition(ctx context.Context, what string, id int64, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s %d: %w", what, id, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM alert_queue WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("%s %d: %w", what, id, err)
	}
	if !exists {
		return fmt.Errorf("%s %d: %w", what, id, store.ErrNotFound)
	}
	return nil
}

func (s *Store) GetAlert(ctx context.Context, id int64) (*model.Alert, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+alertColumns+` FROM alert_queue WHERE id = $1`, id)
	a, err := scanAlert(row)
	if err != nil {
		return nil, fmt.Errorf("get alert %d: %w", id, notFound(err))
	}
	return &a, nil
}

func (s *Store) AlertsByStatus(ctx context.Context, status model.AlertStatus, limit int) ([]model.Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryAlerts(ctx,
		`SELECT `+alertColumns+` FROM alert_queue WHERE status = $1 ORDER BY id DESC LIMIT $2`,
		string(status), limit)
}

func (s *Store) AlertsForIncident(ctx context.Context, incidentID int64) ([]model.Alert, error) {
	return s.queryAlerts(ctx,
		`SELECT `+alertColumns+` FROM alert_queue WHERE incident_id = $1 ORDER BY id`, incidentID)
}

func (s *Store) PendingAlertCount(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM alert_queue WHERE status = 'PENDING'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending alerts: %w", err)
	}
	return n, nil
}

func (s *Store) PruneFailedAlerts(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM alert_queue WHERE status = 'FAILED' AND created_at < $1`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune failed alerts: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) queryAlerts(ctx context.Context, query string, args ...any) ([]model.Alert, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var out []model.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAlert(sc scanner) (model.Alert, error) {
	var a model.Alert
	var status string
	var lastError *string
	err := sc.Scan(&a.ID, &a.RecipientEmail, &a.Subject, &a.Body, &status, &a.IncidentID,
		&a.RetryCount, &lastError, &a.NextRetryAt, &a.CreatedAt, &a.SentAt)
	if err != nil {
		return model.Alert{}, err
	}
	a.Status = model.AlertStatus(status)
	a.LastError = derefStr(lastError)
	a.NextRetryAt = utcPtr(a.NextRetryAt)
	a.CreatedAt = a.CreatedAt.UTC()
	a.SentAt = utcPtr(a.SentAt)
	return a, nil
}

// --- Location clusters ---

func (s *Store) ListClusters(ctx context.Context) ([]model.LocationCluster, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, center_lat, center_lng, radius_meters, visit_count,
		       time_spent_seconds, trusted, first_seen, last_visit,
		       first_signal_id, last_signal_id
		FROM   location_clusters
		ORDER  BY id`)
	if err != nil {
		return nil, fmt.Errorf("list clusters: %w", err)
	}
	defer rows.Close()

	var out []model.LocationCluster
	for rows.Next() {
		var c model.LocationCluster
		if err := rows.Scan(&c.ID, &c.CenterLat, &c.CenterLng, &c.RadiusMeters, &c.VisitCount,
			&c.TimeSpentSeconds, &c.Trusted, &c.FirstSeen, &c.LastVisit,
			&c.FirstSignalID, &c.LastSignalID); err != nil {
			return nil, fmt.Errorf("scan cluster: %w", err)
		}
		c.FirstSeen = c.FirstSeen.UTC()
		c.LastVisit = c.LastVisit.UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) SaveCluster(ctx context.Context, c model.LocationCluster) (int64, error) {
	if c.ID == 0 {
		var id int64
		err := s.pool.QueryRow(ctx, `
			INSERT INTO location_clusters
				(center_lat, center_lng, radius_meters, visit_count, time_spent_seconds,
				 trusted, first_seen, last_visit, first_signal_id, last_signal_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			RETURNING id`,
			c.CenterLat, c.CenterLng, c.RadiusMeters, c.VisitCount, c.TimeSpentSeconds,
			c.Trusted, c.FirstSeen.UTC(), c.LastVisit.UTC(), c.FirstSignalID, c.LastSignalID,
		).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("insert cluster: %w", err)
		}
		return id, nil
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE location_clusters
		SET    center_lat = $2, center_lng = $3, radius_meters = $4, visit_count = $5,
		       time_spent_seconds = $6, last_visit = $7, last_signal_id = $8
		WHERE  id = $1`,
		c.ID, c.CenterLat, c.CenterLng, c.RadiusMeters, c.VisitCount, c.TimeSpentSeconds,
		c.LastVisit.UTC(), c.LastSignalID,
	)
	if err != nil {
		return 0, fmt.Errorf("update cluster %d: %w", c.ID, err)
	}
	if err := requireRow(tag, "update cluster", c.ID); err != nil {
		return 0, err
	}
	return c.ID, nil
}

func (s *Store) SetClusterTrusted(ctx context.Context, id int64, trusted bool) error {
	tag, err := s.pool.Exec(ctx, `UPDATE location_clusters SET trusted = $2 WHERE id = $1`, id, trusted)
	if err != nil {
		return fmt.Errorf("set cluster %d trusted: %w", id, err)
	}
	return requireRow(tag, "set cluster trusted", id)
}
