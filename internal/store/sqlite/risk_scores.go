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

const riskScoreColumns = `id, total_score, risk_level, signal_contributions, triggered_action,
       trigger_reason, ts, decayed, current_score`

// AppendRiskScore persists r as an immutable row and returns its id.
func (s *Store) AppendRiskScore(ctx context.Context, r model.RiskScore) (int64, error) {
	var current any
	if r.CurrentScore != nil {
		current = *r.CurrentScore
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO risk_scores
			(total_score, risk_level, signal_contributions, triggered_action,
			 trigger_reason, ts, decayed, current_score)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.TotalScore, string(r.RiskLevel), r.SignalContributions, r.TriggeredAction,
		nullableStr(r.TriggerReason), toNanos(r.Timestamp), r.Decayed, current,
	)
	if err != nil {
		return 0, fmt.Errorf("sqlite: append risk score: %w", err)
	}
	return res.LastInsertId()
}

// LatestRiskScore returns the newest row or an error wrapping
// store.ErrNotFound.
func (s *Store) LatestRiskScore(ctx context.Context) (*model.RiskScore, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+riskScoreColumns+` FROM risk_scores ORDER BY ts DESC, id DESC LIMIT 1`)
	r, err := scanRiskScore(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sqlite: latest risk score: %w", store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: latest risk score: %w", err)
	}
	return &r, nil
}

// RiskScoresBetween returns rows with ts in [from, to), oldest first.
func (s *Store) RiskScoresBetween(ctx context.Context, from, to time.Time) ([]model.RiskScore, error) {
	return s.queryRiskScores(ctx, "risk scores between",
		`SELECT `+riskScoreColumns+` FROM risk_scores WHERE ts >= ? AND ts < ? ORDER BY ts, id`,
		toNanos(from), toNanos(to))
}

// RiskScoresByLevel returns up to limit rows at level, newest first.
func (s *Store) RiskScoresByLevel(ctx context.Context, level model.RiskLevel, limit int) ([]model.RiskScore, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryRiskScores(ctx, "risk scores by level",
		`SELECT `+riskScoreColumns+` FROM risk_scores WHERE risk_level = ? ORDER BY ts DESC, id DESC LIMIT ?`,
		string(level), limit)
}

// TriggeredRiskScoresSince returns triggered rows with ts >= ts, newest
// first.
func (s *Store) TriggeredRiskScoresSince(ctx context.Context, ts time.Time) ([]model.RiskScore, error) {
	return s.queryRiskScores(ctx, "triggered risk scores",
		`SELECT `+riskScoreColumns+` FROM risk_scores
		 WHERE  triggered_action = 1 AND ts >= ?
		 ORDER  BY ts DESC, id DESC`, toNanos(ts))
}

// DecayCandidates returns rows with ts <= olderThan that have not decayed
// yet or still carry a positive current score.
func (s *Store) DecayCandidates(ctx context.Context, olderThan time.Time) ([]model.RiskScore, error) {
	return s.queryRiskScores(ctx, "decay candidates",
		`SELECT `+riskScoreColumns+` FROM risk_scores
		 WHERE  ts <= ? AND (decayed = 0 OR current_score > 0)
		 ORDER  BY id`, toNanos(olderThan))
}

// UpdateDecayedScore rewrites the decay columns of row id.
func (s *Store) UpdateDecayedScore(ctx context.Context, id int64, score int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE risk_scores SET decayed = 1, current_score = ? WHERE id = ?`, score, id)
	if err != nil {
		return fmt.Errorf("sqlite: update decayed score %d: %w", id, err)
	}
	return requireRow(res, "update decayed score", id)
}

// DeleteRiskScoresBefore prunes rows with ts < ts.
func (s *Store) DeleteRiskScoresBefore(ctx context.Context, ts time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM risk_scores WHERE ts < ?`, toNanos(ts))
	if err != nil {
		return 0, fmt.Errorf("sqlite: delete risk scores: %w", err)
	}
	return affected(res), nil
}

func (s *Store) queryRiskScores(ctx context.Context, what, query string, args ...any) ([]model.RiskScore, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: %s query: %w", what, err)
	}
	defer rows.Close()

	var out []model.RiskScore
	for rows.Next() {
		r, err := scanRiskScore(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: %s scan: %w", what, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: %s rows: %w", what, err)
	}
	return out, nil
}

func scanRiskScore(sc scanner) (model.RiskScore, error) {
	var (
		r       model.RiskScore
		level   string
		reason  sql.NullString
		ts      int64
		current sql.NullInt64
	)
	err := sc.Scan(&r.ID, &r.TotalScore, &level, &r.SignalContributions, &r.TriggeredAction,
		&reason, &ts, &r.Decayed, &current)
	if err != nil {
		return model.RiskScore{}, err
	}
	r.RiskLevel = model.RiskLevel(level)
	r.TriggerReason = reason.String
	r.Timestamp = fromNanos(ts)
	if current.Valid {
		c := int(current.Int64)
		r.CurrentScore = &c
	}
	return r, nil
}
