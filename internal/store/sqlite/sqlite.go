// Package sqlite provides the WAL-mode SQLite implementation of every
// Sentinel store contract. It is the on-device backend: a single database
// file holds signals, baselines, anomalies, risk scores, incidents, the alert
// queue and learned location clusters.
//
// # WAL mode
//
// The database is opened with PRAGMA journal_mode = WAL so that the REST
// readers and the single writer (detector pass, risk cycle, dispatcher) do
// not block each other.
//
// # Timestamps
//
// All timestamps are stored as INTEGER Unix nanoseconds in UTC. Integer
// columns compare correctly in range queries, which RFC 3339 text with a
// variable fractional part does not.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tripwire/sentinel/internal/store"
	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// Store is a WAL-mode SQLite-backed implementation of store.Store. It is
// safe for concurrent use.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// New opens (or creates) the SQLite database at path, enables WAL journal
// mode, and applies the schema. If path is ":memory:", an in-memory database
// is used; this is suitable for tests but loses all data when closed.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}

	// SQLite allows only one writer at a time. A single pooled connection
	// serialises every statement and keeps ":memory:" databases alive.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: set WAL mode: %w", err)
	}
	// NORMAL synchronous: durable across application crashes; not OS crashes.
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ddl is the schema, applied idempotently on every open.
const ddl = `
CREATE TABLE IF NOT EXISTS signals (
    id        INTEGER PRIMARY KEY AUTOINCREMENT,
    type      TEXT    NOT NULL,
    value     TEXT    NOT NULL,
    ts        INTEGER NOT NULL,
    metadata  TEXT    NOT NULL DEFAULT '',
    processed INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_signals_pending ON signals (type, processed, id);
CREATE INDEX IF NOT EXISTS idx_signals_ts      ON signals (ts);

CREATE TABLE IF NOT EXISTS baselines (
    metric_type       TEXT    PRIMARY KEY,
    baseline_value    TEXT    NOT NULL,
    variance          REAL,
    confidence        REAL    NOT NULL,
    sample_count      INTEGER NOT NULL,
    learning_complete INTEGER NOT NULL DEFAULT 0,
    last_signal_id    INTEGER NOT NULL DEFAULT 0,
    created_at        INTEGER NOT NULL,
    updated_at        INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS anomalies (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    anomaly_type TEXT    NOT NULL,
    description  TEXT    NOT NULL,
    severity     INTEGER NOT NULL CHECK (severity BETWEEN 1 AND 5),
    risk_points  INTEGER NOT NULL,
    deviation    REAL    NOT NULL DEFAULT 0,
    signal_id    INTEGER UNIQUE,
    resolved     INTEGER NOT NULL DEFAULT 0,
    ts           INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_anomalies_open ON anomalies (resolved, ts);

CREATE TABLE IF NOT EXISTS risk_scores (
    id                   INTEGER PRIMARY KEY AUTOINCREMENT,
    total_score          INTEGER NOT NULL,
    risk_level           TEXT    NOT NULL,
    signal_contributions TEXT    NOT NULL DEFAULT '{}',
    triggered_action     INTEGER NOT NULL DEFAULT 0,
    trigger_reason       TEXT,
    ts                   INTEGER NOT NULL,
    decayed              INTEGER NOT NULL DEFAULT 0,
    current_score        INTEGER
);
CREATE INDEX IF NOT EXISTS idx_risk_scores_ts    ON risk_scores (ts, id);
CREATE INDEX IF NOT EXISTS idx_risk_scores_level ON risk_scores (risk_level, ts);

CREATE TABLE IF NOT EXISTS incidents (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    severity      INTEGER NOT NULL,
    risk_score    INTEGER NOT NULL,
    triggered_by  TEXT    NOT NULL,
    actions_taken TEXT    NOT NULL DEFAULT '',
    summary       TEXT    NOT NULL,
    location      TEXT,
    device_state  TEXT,
    ts            INTEGER NOT NULL,
    resolved      INTEGER NOT NULL DEFAULT 0,
    resolved_at   INTEGER
);
CREATE INDEX IF NOT EXISTS idx_incidents_ts ON incidents (ts);

CREATE TABLE IF NOT EXISTS alert_queue (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    recipient_email TEXT    NOT NULL,
    subject         TEXT    NOT NULL,
    body            TEXT    NOT NULL,
    status          TEXT    NOT NULL DEFAULT 'PENDING',
    incident_id     INTEGER,
    retry_count     INTEGER NOT NULL DEFAULT 0,
    last_error      TEXT,
    next_retry_at   INTEGER,
    created_at      INTEGER NOT NULL,
    sent_at         INTEGER
);
CREATE INDEX IF NOT EXISTS idx_alert_queue_due ON alert_queue (status, next_retry_at, id);

CREATE TABLE IF NOT EXISTS location_clusters (
    id                 INTEGER PRIMARY KEY AUTOINCREMENT,
    center_lat         REAL    NOT NULL,
    center_lng         REAL    NOT NULL,
    radius_meters      REAL    NOT NULL,
    visit_count        INTEGER NOT NULL DEFAULT 0,
    time_spent_seconds INTEGER NOT NULL DEFAULT 0,
    trusted            INTEGER NOT NULL DEFAULT 0,
    first_seen         INTEGER NOT NULL,
    last_visit         INTEGER NOT NULL,
    first_signal_id    INTEGER NOT NULL DEFAULT 0,
    last_signal_id     INTEGER NOT NULL DEFAULT 0
);
`

// --- internal helpers ---

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func toNanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

// nullableTime converts a nil pointer to SQL NULL.
func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toNanos(*t)
}

// nullableStr converts an empty string to SQL NULL.
func nullableStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

// requireRow maps a zero-row UPDATE to store.ErrNotFound.
func requireRow(res sql.Result, what string, id any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: %s %v rows affected: %w", what, id, err)
	}
	if n == 0 {
		return fmt.Errorf("sqlite: %s %v: %w", what, id, store.ErrNotFound)
	}
	return nil
}

// exists reports whether table has a row with the given id.
func (s *Store) exists(ctx context.Context, table string, id int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM `+table+` WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func affected(res sql.Result) int64 {
	n, _ := res.RowsAffected()
	return n
}
