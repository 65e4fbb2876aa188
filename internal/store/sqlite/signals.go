package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tripwire/sentinel/internal/model"
)

const signalColumns = `id, type, value, ts, metadata, processed`

// AppendSignal persists sig with processed = false and returns its id.
func (s *Store) AppendSignal(ctx context.Context, sig model.Signal) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO signals (type, value, ts, metadata, processed) VALUES (?, ?, ?, ?, 0)`,
		string(sig.Type), sig.Value, toNanos(sig.Timestamp), sig.Metadata,
	)
	if err != nil {
		return 0, fmt.Errorf("sqlite: append signal: %w", err)
	}
	return res.LastInsertId()
}

// UnprocessedSignals returns up to limit unprocessed signals of type t in id
// order. If limit ≤ 0, it returns nil without querying the database.
func (s *Store) UnprocessedSignals(ctx context.Context, t model.SignalType, limit int) ([]model.Signal, error) {
	if limit <= 0 {
		return nil, nil
	}
	return s.querySignals(ctx, "unprocessed signals",
		`SELECT `+signalColumns+` FROM signals
		 WHERE  type = ? AND processed = 0
		 ORDER  BY id
		 LIMIT  ?`, string(t), limit)
}

// ProcessedSignals returns up to limit processed signals of type t, newest
// first.
func (s *Store) ProcessedSignals(ctx context.Context, t model.SignalType, limit int) ([]model.Signal, error) {
	if limit <= 0 {
		return nil, nil
	}
	return s.querySignals(ctx, "processed signals",
		`SELECT `+signalColumns+` FROM signals
		 WHERE  type = ? AND processed = 1
		 ORDER  BY id DESC
		 LIMIT  ?`, string(t), limit)
}

// SignalsBetween returns signals with ts in [from, to), oldest first.
func (s *Store) SignalsBetween(ctx context.Context, from, to time.Time) ([]model.Signal, error) {
	return s.querySignals(ctx, "signals between",
		`SELECT `+signalColumns+` FROM signals
		 WHERE  ts >= ? AND ts < ?
		 ORDER  BY ts, id`, toNanos(from), toNanos(to))
}

// MarkProcessed flips processed on ids. It is idempotent; an empty slice is a
// no-op.
func (s *Store) MarkProcessed(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1] // trim trailing comma

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE signals SET processed = 1 WHERE id IN (%s) AND processed = 0`, placeholders),
		args...,
	)
	if err != nil {
		return fmt.Errorf("sqlite: mark processed: %w", err)
	}
	return nil
}

// DeleteSignalsBefore prunes signals with ts < ts.
func (s *Store) DeleteSignalsBefore(ctx context.Context, ts time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM signals WHERE ts < ?`, toNanos(ts))
	if err != nil {
		return 0, fmt.Errorf("sqlite: delete signals: %w", err)
	}
	return affected(res), nil
}

func (s *Store) querySignals(ctx context.Context, what, query string, args ...any) ([]model.Signal, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: %s query: %w", what, err)
	}
	defer rows.Close()

	var out []model.Signal
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: %s scan: %w", what, err)
		}
		out = append(out, sig)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: %s rows: %w", what, err)
	}
	return out, nil
}

func scanSignal(sc scanner) (model.Signal, error) {
	var (
		sig model.Signal
		typ string
		ts  int64
	)
	if err := sc.Scan(&sig.ID, &typ, &sig.Value, &ts, &sig.Metadata, &sig.Processed); err != nil {
		return model.Signal{}, err
	}
	sig.Type = model.SignalType(typ)
	sig.Timestamp = fromNanos(ts)
	return sig, nil
}
