// Package postgres is the PostgreSQL implementation of the Sentinel store
// contracts, for deployments where the decision core runs next to a shared
// database instead of an on-device file.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tripwire/sentinel/internal/model"
	"github.com/tripwire/sentinel/internal/store"
)

// Store is the pgxpool-backed store.Store. It is safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// New opens a pgxpool connection to connStr, pings the database and applies
// the schema.
func New(ctx context.Context, connStr string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pool.Ping: %w", err)
	}
	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// migrate sends every schema statement in a single pgx.Batch round-trip.
func (s *Store) migrate(ctx context.Context) error {
	b := &pgx.Batch{}
	for _, stmt := range schema {
		b.Queue(stmt)
	}
	br := s.pool.SendBatch(ctx, b)
	defer br.Close()

	for i := range schema {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("apply schema statement %d: %w", i, err)
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS signals (
		id        BIGSERIAL   PRIMARY KEY,
		type      TEXT        NOT NULL,
		value     TEXT        NOT NULL,
		ts        TIMESTAMPTZ NOT NULL,
		metadata  TEXT        NOT NULL DEFAULT '',
		processed BOOLEAN     NOT NULL DEFAULT FALSE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_signals_pending ON signals (type, processed, id)`,
	`CREATE INDEX IF NOT EXISTS idx_signals_ts ON signals (ts)`,
	`CREATE TABLE IF NOT EXISTS baselines (
		metric_type       TEXT             PRIMARY KEY,
		baseline_value    TEXT             NOT NULL,
		variance          DOUBLE PRECISION,
		confidence        DOUBLE PRECISION NOT NULL,
		sample_count      INTEGER          NOT NULL,
		learning_complete BOOLEAN          NOT NULL DEFAULT FALSE,
		last_signal_id    BIGINT           NOT NULL DEFAULT 0,
		created_at        TIMESTAMPTZ      NOT NULL,
		updated_at        TIMESTAMPTZ      NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS anomalies (
		id           BIGSERIAL        PRIMARY KEY,
		anomaly_type TEXT             NOT NULL,
		description  TEXT             NOT NULL,
		severity     INTEGER          NOT NULL CHECK (severity BETWEEN 1 AND 5),
		risk_points  INTEGER          NOT NULL,
		deviation    DOUBLE PRECISION NOT NULL DEFAULT 0,
		signal_id    BIGINT           UNIQUE,
		resolved     BOOLEAN          NOT NULL DEFAULT FALSE,
		ts           TIMESTAMPTZ      NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_anomalies_open ON anomalies (resolved, ts)`,
	`CREATE TABLE IF NOT EXISTS risk_scores (
		id                   BIGSERIAL   PRIMARY KEY,
		total_score          INTEGER     NOT NULL,
		risk_level           TEXT        NOT NULL,
		signal_contributions TEXT        NOT NULL DEFAULT '{}',
		triggered_action     BOOLEAN     NOT NULL DEFAULT FALSE,
		trigger_reason       TEXT,
		ts                   TIMESTAMPTZ NOT NULL,
		decayed              BOOLEAN     NOT NULL DEFAULT FALSE,
		current_score        INTEGER
	)`,
	`CREATE INDEX IF NOT EXISTS idx_risk_scores_ts ON risk_scores (ts, id)`,
	`CREATE INDEX IF NOT EXISTS idx_risk_scores_level ON risk_scores (risk_level, ts)`,
	`CREATE TABLE IF NOT EXISTS incidents (
		id            BIGSERIAL   PRIMARY KEY,
		severity      INTEGER     NOT NULL,
		risk_score    INTEGER     NOT NULL,
		triggered_by  TEXT        NOT NULL,
		actions_taken TEXT        NOT NULL DEFAULT '',
		summary       TEXT        NOT NULL,
		location      TEXT,
		device_state  TEXT,
		ts            TIMESTAMPTZ NOT NULL,
		resolved      BOOLEAN     NOT NULL DEFAULT FALSE,
		resolved_at   TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_incidents_ts ON incidents (ts)`,
	`CREATE TABLE IF NOT EXISTS alert_queue (
		id              BIGSERIAL   PRIMARY KEY,
		recipient_email TEXT        NOT NULL,
		subject         TEXT        NOT NULL,
		body            TEXT        NOT NULL,
		status          TEXT        NOT NULL DEFAULT 'PENDING',
		incident_id     BIGINT,
		retry_count     INTEGER     NOT NULL DEFAULT 0,
		last_error      TEXT,
		next_retry_at   TIMESTAMPTZ,
		created_at      TIMESTAMPTZ NOT NULL,
		sent_at         TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_alert_queue_due ON alert_queue (status, next_retry_at, id)`,
	`CREATE TABLE IF NOT EXISTS location_clusters (
		id                 BIGSERIAL        PRIMARY KEY,
		center_lat         DOUBLE PRECISION NOT NULL,
		center_lng         DOUBLE PRECISION NOT NULL,
		radius_meters      DOUBLE PRECISION NOT NULL,
		visit_count        INTEGER          NOT NULL DEFAULT 0,
		time_spent_seconds BIGINT           NOT NULL DEFAULT 0,
		trusted            BOOLEAN          NOT NULL DEFAULT FALSE,
		first_seen         TIMESTAMPTZ      NOT NULL,
		last_visit         TIMESTAMPTZ      NOT NULL,
		first_signal_id    BIGINT           NOT NULL DEFAULT 0,
		last_signal_id     BIGINT           NOT NULL DEFAULT 0
	)`,
}

// --- Signals ---

const signalColumns = `id, type, value, ts, metadata, processed`

func (s *Store) AppendSignal(ctx context.Context, sig model.Signal) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO signals (type, value, ts, metadata, processed)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		string(sig.Type), sig.Value, sig.Timestamp.UTC(), sig.Metadata, sig.Processed,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("append signal: %w", err)
	}
	return id, nil
}

func (s *Store) UnprocessedSignals(ctx context.Context, t model.SignalType, limit int) ([]model.Signal, error) {
	if limit <= 0 {
		return nil, nil
	}
	return s.querySignals(ctx, "unprocessed signals", `
		SELECT `+signalColumns+` FROM signals
		WHERE  type = $1 AND NOT processed
		ORDER  BY id
		LIMIT  $2`, string(t), limit)
}

func (s *Store) ProcessedSignals(ctx context.Context, t model.SignalType, limit int) ([]model.Signal, error) {
	if limit <= 0 {
		return nil, nil
	}
	return s.querySignals(ctx, "processed signals", `
		SELECT `+signalColumns+` FROM signals
		WHERE  type = $1 AND processed
		ORDER  BY id DESC
		LIMIT  $2`, string(t), limit)
}

func (s *Store) SignalsBetween(ctx context.Context, from, to time.Time) ([]model.Signal, error) {
	return s.querySignals(ctx, "signals between", `
		SELECT `+signalColumns+` FROM signals
		WHERE  ts >= $1 AND ts < $2
		ORDER  BY ts, id`, from, to)
}

func (s *Store) MarkProcessed(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx,
		`UPDATE signals SET processed = TRUE WHERE id = ANY($1) AND NOT processed`, ids); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

func (s *Store) DeleteSignalsBefore(ctx context.Context, ts time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM signals WHERE ts < $1`, ts)
	if err != nil {
		return 0, fmt.Errorf("delete signals: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) querySignals(ctx context.Context, what, query string, args ...any) ([]model.Signal, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", what, err)
	}
	defer rows.Close()

	var out []model.Signal
	for rows.Next() {
		var sig model.Signal
		var typ string
		if err := rows.Scan(&sig.ID, &typ, &sig.Value, &sig.Timestamp, &sig.Metadata, &sig.Processed); err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		sig.Type = model.SignalType(typ)
		sig.Timestamp = sig.Timestamp.UTC()
		out = append(out, sig)
	}
	return out, rows.Err()
}

// --- Baselines ---

const baselineColumns = `metric_type, baseline_value, variance, confidence, sample_count,
       learning_complete, last_signal_id, created_at, updated_at`

func (s *Store) GetBaseline(ctx context.Context, metric string) (*model.Baseline, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+baselineColumns+` FROM baselines WHERE metric_type = $1`, metric)
	b, err := scanBaseline(row)
	if err != nil {
		return nil, fmt.Errorf("get baseline %q: %w", metric, notFound(err))
	}
	return b, nil
}

func (s *Store) UpsertBaseline(ctx context.Context, b model.Baseline) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO baselines
			(metric_type, baseline_value, variance, confidence, sample_count,
			 learning_complete, last_signal_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (metric_type) DO UPDATE SET
			baseline_value    = EXCLUDED.baseline_value,
			variance          = EXCLUDED.variance,
			confidence        = EXCLUDED.confidence,
			sample_count      = EXCLUDED.sample_count,
			learning_complete = EXCLUDED.learning_complete,
			last_signal_id    = EXCLUDED.last_signal_id,
			updated_at        = EXCLUDED.updated_at`,
		b.MetricType, b.BaselineValue, b.Variance, b.Confidence, b.SampleCount,
		b.LearningComplete, b.LastSignalID, b.CreatedAt.UTC(), b.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert baseline %q: %w", b.MetricType, err)
	}
	return nil
}

func (s *Store) DeleteBaseline(ctx context.Context, metric string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM baselines WHERE metric_type = $1`, metric); err != nil {
		return fmt.Errorf("delete baseline %q: %w", metric, err)
	}
	return nil
}

func (s *Store) ListBaselines(ctx context.Context) ([]model.Baseline, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+baselineColumns+` FROM baselines ORDER BY metric_type`)
	if err != nil {
		return nil, fmt.Errorf("list baselines: %w", err)
	}
	defer rows.Close()

	var out []model.Baseline
	for rows.Next() {
		b, err := scanBaseline(rows)
		if err != nil {
			return nil, fmt.Errorf("scan baseline: %w", err)
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func scanBaseline(sc scanner) (*model.Baseline, error) {
	var b model.Baseline
	err := sc.Scan(&b.MetricType, &b.BaselineValue, &b.Variance, &b.Confidence, &b.SampleCount,
		&b.LearningComplete, &b.LastSignalID, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	b.CreatedAt = b.CreatedAt.UTC()
	b.UpdatedAt = b.UpdatedAt.UTC()
	return &b, nil
}

// --- internal helpers ---

// scanner is satisfied by both pgx.Row and pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// nullableStr converts an empty string to a nil pointer, which pgx stores as
// SQL NULL.
func nullableStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefStr(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// notFound maps pgx.ErrNoRows onto store.ErrNotFound.
func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

// requireRow maps a zero-row UPDATE to store.ErrNotFound.
func requireRow(tag pgconn.CommandTag, what string, id int64) error {
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %d: %w", what, id, store.ErrNotFound)
	}
	return nil
}
