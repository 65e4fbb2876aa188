package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// RunRetention applies the configured age limits. A zero limit disables its
// rule. Every rule runs even when an earlier one fails.
func (m *Monitor) RunRetention(ctx context.Context) error {
	now := m.now()
	r := m.retention
	var errs []error
	counts := make([]any, 0, 10)

	apply := func(name string, age time.Duration, fn func(context.Context, time.Time) (int64, error)) {
		if age <= 0 || fn == nil {
			return
		}
		n, err := fn(ctx, now.Add(-age))
		if err != nil {
			errs = append(errs, fmt.Errorf("monitor: retention %s: %w", name, err))
			return
		}
		if n > 0 {
			counts = append(counts, slog.Int64(name, n))
		}
	}

	if m.store != nil {
		apply("signals_deleted", r.Signals, m.store.DeleteSignalsBefore)
		apply("anomalies_resolved", r.ResolveAnomaliesAfter, m.store.ResolveAnomaliesBefore)
		apply("anomalies_deleted", r.Anomalies, m.store.DeleteAnomaliesBefore)
		apply("risk_scores_deleted", r.RiskScores, m.store.DeleteRiskScoresBefore)
	}
	if m.queue != nil {
		apply("failed_alerts_pruned", r.FailedAlerts, m.queue.PruneFailed)
	}

	if len(counts) > 0 {
		m.logger.Info("retention applied", counts...)
	}
	return errors.Join(errs...)
}
