// Package queue is the alert delivery queue. A triggered incident becomes
// one durable PENDING alert per recipient; a Dispatcher later hands due
// alerts to a Transport and moves each row through its state machine:
//
//	PENDING -> SENT                          delivered
//	PENDING -> PENDING (retry+1, next_retry) recoverable failure
//	PENDING -> FAILED                        terminal failure or retries exhausted
//
// # At-least-once delivery
//
// A row leaves PENDING only after the transport answered for it, so an
// alert whose process died mid-attempt is attempted again after restart.
// FAILED rows are kept for inspection and only removed by PruneFailed.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tripwire/sentinel/internal/model"
	"github.com/tripwire/sentinel/internal/store"
)

// Queue persists outbound alerts. It is safe for concurrent use.
type Queue struct {
	store      store.AlertQueueStore
	recipients []string
	logger     *slog.Logger
	now        func() time.Time
	depth      atomic.Int64
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New returns a Queue over st that notifies recipients. The depth counter is
// seeded from the rows currently PENDING so Depth is accurate right after a
// restart.
func New(ctx context.Context, st store.AlertQueueStore, recipients []string, opts ...Option) (*Queue, error) {
	q := &Queue{
		store:      st,
		recipients: append([]string(nil), recipients...),
		logger:     slog.Default(),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(q)
	}

	n, err := st.PendingAlertCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue: count pending alerts: %w", err)
	}
	q.depth.Store(int64(n))
	return q, nil
}

// Enqueue persists a as a new PENDING alert and returns its id.
func (q *Queue) Enqueue(ctx context.Context, a model.Alert) (int64, error) {
	if a.RecipientEmail == "" {
		return 0, fmt.Errorf("queue: enqueue: recipient is required")
	}
	a.Status = model.AlertPending
	a.RetryCount = 0
	a.NextRetryAt = nil
	if a.CreatedAt.IsZero() {
		a.CreatedAt = q.now()
	}

	id, err := q.store.EnqueueAlert(ctx, a)
	if err != nil {
		return 0, fmt.Errorf("queue: enqueue: %w", err)
	}
	q.depth.Add(1)
	return id, nil
}

// Notify enqueues one alert about inc for every configured recipient that
// does not already have one. It stops at the first storage failure; alerts
// enqueued before it remain, and calling Notify again for the same incident
// enqueues only the missing ones. The returned ids are the new alerts.
func (q *Queue) Notify(ctx context.Context, inc model.Incident, subject, body string) ([]int64, error) {
	if len(q.recipients) == 0 {
		q.logger.Warn("no alert recipients configured; incident not notified",
			slog.Int64("incident_id", inc.ID))
		return nil, nil
	}

	var incidentID *int64
	missing := q.recipients
	if inc.ID != 0 {
		id := inc.ID
		incidentID = &id
		var err error
		if missing, err = q.missing(ctx, inc.ID); err != nil {
			return nil, err
		}
	}
	ids := make([]int64, 0, len(missing))
	for _, rcpt := range missing {
		id, err := q.Enqueue(ctx, model.Alert{
			RecipientEmail: rcpt,
			Subject:        subject,
			Body:           body,
			IncidentID:     incidentID,
		})
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	q.logger.Info("incident alerts enqueued",
		slog.Int64("incident_id", inc.ID),
		slog.Int("alerts", len(ids)),
	)
	return ids, nil
}

// Notified reports whether every configured recipient has an alert for
// incidentID, whatever its delivery status.
func (q *Queue) Notified(ctx context.Context, incidentID int64) (bool, error) {
	missing, err := q.missing(ctx, incidentID)
	if err != nil {
		return false, err
	}
	return len(missing) == 0, nil
}

// missing returns the recipients with no alert for incidentID.
func (q *Queue) missing(ctx context.Context, incidentID int64) ([]string, error) {
	existing, err := q.store.AlertsForIncident(ctx, incidentID)
	if err != nil {
		return nil, fmt.Errorf("queue: alerts for incident %d: %w", incidentID, err)
	}
	have := make(map[string]bool, len(existing))
	for _, a := range existing {
		have[a.RecipientEmail] = true
	}
	var out []string
	for _, rcpt := range q.recipients {
		if !have[rcpt] {
			out = append(out, rcpt)
		}
	}
	return out, nil
}

// Depth returns the number of PENDING alerts. It reads an atomic counter and
// never blocks.
func (q *Queue) Depth() int {
	return int(q.depth.Load())
}

// Failed returns up to limit FAILED alerts, newest first.
func (q *Queue) Failed(ctx context.Context, limit int) ([]model.Alert, error) {
	return q.store.AlertsByStatus(ctx, model.AlertFailed, limit)
}

// PruneFailed deletes FAILED alerts created before ts. Nothing else ever
// deletes an alert.
func (q *Queue) PruneFailed(ctx context.Context, before time.Time) (int64, error) {
	n, err := q.store.PruneFailedAlerts(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("queue: prune failed alerts: %w", err)
	}
	if n > 0 {
		q.logger.Info("pruned failed alerts", slog.Int64("count", n), slog.Time("before", before))
	}
	return n, nil
}

// settle records that one alert left PENDING.
func (q *Queue) settle() {
	q.depth.Add(-1)
}
