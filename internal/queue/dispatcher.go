package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alitto/pond"

	"github.com/tripwire/sentinel/internal/metrics"
	"github.com/tripwire/sentinel/internal/model"
)

// Result summarizes one dispatch pass.
type Result struct {
	Attempted int
	Sent      int
	Retried   int
	Failed    int
}

// Dispatcher delivers due alerts through a Transport on a bounded worker
// pool. Each attempt has its own timeout so a stuck delivery never holds up
// the rest of the batch.
type Dispatcher struct {
	queue     *Queue
	transport Transport
	policy    RetryPolicy
	timeout   time.Duration
	batch     int
	pool      *pond.WorkerPool
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time

	mu sync.Mutex
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithAttemptTimeout bounds one transport attempt. Defaults to 10s.
func WithAttemptTimeout(d time.Duration) DispatcherOption {
	return func(x *Dispatcher) {
		if d > 0 {
			x.timeout = d
		}
	}
}

// WithBatchSize sets how many due alerts one pass selects. Defaults to 50.
func WithBatchSize(n int) DispatcherOption {
	return func(x *Dispatcher) {
		if n > 0 {
			x.batch = n
		}
	}
}

// WithWorkers sets the pool size. Defaults to 4.
func WithWorkers(n int) DispatcherOption {
	return func(x *Dispatcher) {
		if n > 0 {
			x.pool = pond.New(n, 0, pond.MinWorkers(0))
		}
	}
}

// WithMetrics records delivery outcomes in m.
func WithMetrics(m *metrics.Metrics) DispatcherOption {
	return func(x *Dispatcher) { x.metrics = m }
}

// WithDispatchLogger sets the structured logger.
func WithDispatchLogger(l *slog.Logger) DispatcherOption {
	return func(x *Dispatcher) { x.logger = l }
}

// WithDispatchClock overrides the time source.
func WithDispatchClock(now func() time.Time) DispatcherOption {
	return func(x *Dispatcher) { x.now = now }
}

// NewDispatcher returns a Dispatcher for q. Call Close to stop its workers.
func NewDispatcher(q *Queue, t Transport, policy RetryPolicy, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		queue:     q,
		transport: t,
		policy:    policy,
		timeout:   10 * time.Second,
		batch:     50,
		logger:    q.logger,
		now:       q.now,
	}
	for _, o := range opts {
		o(d)
	}
	if d.pool == nil {
		d.pool = pond.New(4, 0, pond.MinWorkers(0))
	}
	return d
}

// Close waits for in-flight attempts and stops the workers.
func (d *Dispatcher) Close() {
	d.pool.StopAndWait()
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeSent
	outcomeRetried
	outcomeFailed
)

// DispatchDue attempts every PENDING alert whose next_retry_at is unset or
// due. One row's failure never blocks another's. The returned error joins
// the storage failures of individual rows; a failed selection aborts the
// pass. Passes are serialized.
func (d *Dispatcher) DispatchDue(ctx context.Context) (Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var res Result
	due, err := d.queue.store.DueAlerts(ctx, d.now(), d.batch)
	if err != nil {
		return res, fmt.Errorf("queue: select due alerts: %w", err)
	}
	if len(due) == 0 {
		d.metrics.QueueDepth(d.queue.Depth())
		return res, nil
	}

	outcomes := make([]outcome, len(due))
	errs := make([]error, len(due))
	group := d.pool.Group()
	for i, a := range due {
		group.Submit(func() {
			outcomes[i], errs[i] = d.attempt(ctx, a)
		})
	}
	group.Wait()

	for _, o := range outcomes {
		switch o {
		case outcomeSent:
			res.Sent++
		case outcomeRetried:
			res.Retried++
		case outcomeFailed:
			res.Failed++
		}
		if o != outcomeSkipped {
			res.Attempted++
		}
	}
	d.metrics.QueueDepth(d.queue.Depth())
	return res, errors.Join(errs...)
}

// attempt delivers a once and records the transition.
func (d *Dispatcher) attempt(ctx context.Context, a model.Alert) (outcome, error) {
	if ctx.Err() != nil {
		return outcomeSkipped, nil
	}

	actx, cancel := context.WithTimeout(ctx, d.timeout)
	start := time.Now()
	sendErr := d.transport.Send(actx, a)
	took := time.Since(start)
	cancel()

	// Shutdown mid-attempt says nothing about the transport; leave the row.
	if sendErr != nil && ctx.Err() != nil {
		return outcomeSkipped, nil
	}

	wctx := context.WithoutCancel(ctx)
	log := d.logger.With(slog.Int64("alert_id", a.ID), slog.String("recipient", a.RecipientEmail))

	if sendErr == nil {
		if err := d.queue.store.MarkAlertSent(wctx, a.ID, d.now()); err != nil {
			return outcomeSkipped, fmt.Errorf("queue: mark alert %d sent: %w", a.ID, err)
		}
		d.queue.settle()
		d.metrics.AlertDelivery("sent", took)
		log.Info("alert sent", slog.Int("retries", a.RetryCount))
		return outcomeSent, nil
	}

	if errors.Is(sendErr, context.DeadlineExceeded) {
		sendErr = Temporary(fmt.Errorf("attempt timed out after %s: %w", d.timeout, sendErr))
	}
	msg := sendErr.Error()

	if !IsRecoverable(sendErr) || a.RetryCount >= d.policy.MaxRetries {
		if err := d.queue.store.MarkAlertFailed(wctx, a.ID, msg); err != nil {
			return outcomeSkipped, fmt.Errorf("queue: mark alert %d failed: %w", a.ID, err)
		}
		d.queue.settle()
		d.metrics.AlertDelivery("failed", took)
		log.Error("alert delivery failed",
			slog.Int("retries", a.RetryCount),
			slog.Bool("recoverable", IsRecoverable(sendErr)),
			slog.String("error", msg),
		)
		return outcomeFailed, nil
	}

	now := d.now()
	next := now.Add(d.policy.Backoff(a.RetryCount))
	if err := d.queue.store.MarkAlertRetry(wctx, a.ID, a.RetryCount+1, msg, next); err != nil {
		return outcomeSkipped, fmt.Errorf("queue: mark alert %d for retry: %w", a.ID, err)
	}
	d.metrics.AlertDelivery("retry", took)
	log.Warn("alert delivery will be retried",
		slog.Int("retry", a.RetryCount+1),
		slog.Time("next_retry_at", next),
		slog.String("error", msg),
	)
	return outcomeRetried, nil
}
