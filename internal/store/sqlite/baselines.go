package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tripwire/sentinel/internal/model"
	"github.com/tripwire/sentinel/internal/store"
)

const baselineColumns = `metric_type, baseline_value, variance, confidence, sample_count,
       learning_complete, last_signal_id, created_at, updated_at`

// GetBaseline returns the baseline for metric or an error wrapping
// store.ErrNotFound.
func (s *Store) GetBaseline(ctx context.Context, metric string) (*model.Baseline, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+baselineColumns+` FROM baselines WHERE metric_type = ?`, metric)
	b, err := scanBaseline(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sqlite: get baseline %q: %w", metric, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get baseline %q: %w", metric, err)
	}
	return b, nil
}

// UpsertBaseline inserts b or replaces every mutable column of the existing
// row. created_at is kept from the first insert.
func (s *Store) UpsertBaseline(ctx context.Context, b model.Baseline) error {
	var variance any
	if b.Variance != nil {
		variance = *b.Variance
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO baselines
			(metric_type, baseline_value, variance, confidence, sample_count,
			 learning_complete, last_signal_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (metric_type) DO UPDATE SET
			baseline_value    = excluded.baseline_value,
			variance          = excluded.variance,
			confidence        = excluded.confidence,
			sample_count      = excluded.sample_count,
			learning_complete = excluded.learning_complete,
			last_signal_id    = excluded.last_signal_id,
			updated_at        = excluded.updated_at`,
		b.MetricType, b.BaselineValue, variance, b.Confidence, b.SampleCount,
		b.LearningComplete, b.LastSignalID, toNanos(b.CreatedAt), toNanos(b.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: upsert baseline %q: %w", b.MetricType, err)
	}
	return nil
}

// DeleteBaseline removes the baseline row for metric. Deleting an unknown
// metric is a no-op.
func (s *Store) DeleteBaseline(ctx context.Context, metric string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM baselines WHERE metric_type = ?`, metric); err != nil {
		return fmt.Errorf("sqlite: delete baseline %q: %w", metric, err)
	}
	return nil
}

// ListBaselines returns every baseline ordered by metric type.
func (s *Store) ListBaselines(ctx context.Context) ([]model.Baseline, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+baselineColumns+` FROM baselines ORDER BY metric_type`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list baselines: %w", err)
	}
	defer rows.Close()

	var out []model.Baseline
	for rows.Next() {
		b, err := scanBaseline(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan baseline: %w", err)
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func scanBaseline(sc scanner) (*model.Baseline, error) {
	var (
		b                model.Baseline
		variance         sql.NullFloat64
		created, updated int64
	)
	err := sc.Scan(
		&b.MetricType, &b.BaselineValue, &variance, &b.Confidence, &b.SampleCount,
		&b.LearningComplete, &b.LastSignalID, &created, &updated,
	)
	if err != nil {
		return nil, err
	}
	if variance.Valid {
		v := variance.Float64
		b.Variance = &v
	}
	b.CreatedAt = fromNanos(created)
	b.UpdatedAt = fromNanos(updated)
	return &b, nil
}
