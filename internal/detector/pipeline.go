package detector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/tripwire/sentinel/internal/metrics"
	"github.com/tripwire/sentinel/internal/model"
	"github.com/tripwire/sentinel/internal/store"
)

// Store is the persistence the detectors and the pipeline need.
type Store interface {
	store.SignalStore
	store.AnomalyStore
	store.ClusterStore
}

// Result summarizes one pipeline pass.
type Result struct {
	Processed int
	Anomalies int
	Malformed int
}

// Pipeline runs every detector over its unprocessed signals. Classes are
// processed concurrently; signals within a class strictly in id order.
type Pipeline struct {
	store     Store
	detectors []Detector
	batch     int
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) PipelineOption {
	return func(p *Pipeline) { p.logger = l }
}

// WithMetrics records per-signal outcomes in m.
func WithMetrics(m *metrics.Metrics) PipelineOption {
	return func(p *Pipeline) { p.metrics = m }
}

// WithBatchSize sets how many signals are read per query. Defaults to 200.
func WithBatchSize(n int) PipelineOption {
	return func(p *Pipeline) {
		if n > 0 {
			p.batch = n
		}
	}
}

// NewPipeline returns a Pipeline over st. At most one detector per class is
// used; later duplicates are ignored.
func NewPipeline(st Store, detectors []Detector, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{store: st, batch: 200, logger: slog.Default()}
	seen := make(map[model.SignalType]bool)
	for _, d := range detectors {
		if !seen[d.Class()] {
			seen[d.Class()] = true
			p.detectors = append(p.detectors, d)
		}
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Run drains every class' unprocessed signals. A storage failure aborts only
// the class it happened in; the group carries no shared context, so the other
// classes still complete and the failed class is picked up again by the next
// Run. The first failure is returned and every failure is logged.
// Cancellation stops each class between signals.
func (p *Pipeline) Run(ctx context.Context) (Result, error) {
	results := make([]Result, len(p.detectors))

	var g errgroup.Group
	for i, d := range p.detectors {
		g.Go(func() error {
			var err error
			results[i], err = p.runClass(ctx, d)
			if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				p.logger.Error("detector class aborted",
					slog.String("type", string(d.Class())),
					slog.Int("processed", results[i].Processed),
					slog.Any("error", err),
				)
			}
			return err
		})
	}
	err := g.Wait()

	var total Result
	for _, r := range results {
		total.Processed += r.Processed
		total.Anomalies += r.Anomalies
		total.Malformed += r.Malformed
	}
	return total, err
}

func (p *Pipeline) runClass(ctx context.Context, d Detector) (Result, error) {
	var res Result
	class := d.Class()
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		sigs, err := p.store.UnprocessedSignals(ctx, class, p.batch)
		if err != nil {
			return res, fmt.Errorf("detector: %s: read signals: %w", class, err)
		}
		for _, sig := range sigs {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			created, err := p.process(ctx, d, sig)
			switch {
			case err == nil:
			case IsDataError(err):
				res.Malformed++
			default:
				return res, fmt.Errorf("detector: %s: signal %d: %w", class, sig.ID, err)
			}
			res.Processed++
			if created {
				res.Anomalies++
			}
		}
		if len(sigs) < p.batch {
			return res, nil
		}
	}
}

// process runs one signal through d, persists the anomaly if any, then marks
// the signal processed. Data errors are logged and the signal is still marked
// processed so it is not retried forever.
func (p *Pipeline) process(ctx context.Context, d Detector, sig model.Signal) (bool, error) {
	class := string(d.Class())
	a, detectErr := d.Detect(ctx, sig)
	if detectErr != nil && !IsDataError(detectErr) {
		return false, detectErr
	}

	// Writes run to completion once detection has finished.
	wctx := context.WithoutCancel(ctx)

	created := false
	outcome := "normal"
	if detectErr != nil {
		outcome = "malformed"
		p.logger.Warn("skipping signal",
			slog.Int64("signal_id", sig.ID),
			slog.String("type", class),
			slog.Any("error", detectErr),
		)
	} else if a != nil {
		id, isNew, err := p.store.AppendAnomaly(wctx, *a)
		if err != nil {
			return false, fmt.Errorf("append anomaly: %w", err)
		}
		outcome = "anomaly"
		created = isNew
		if isNew {
			p.metrics.AnomalyDetected(a.AnomalyType)
			p.logger.Info("anomaly detected",
				slog.Int64("anomaly_id", id),
				slog.Int64("signal_id", sig.ID),
				slog.String("anomaly_type", a.AnomalyType),
				slog.Int("severity", a.Severity),
				slog.Int("risk_points", a.RiskPoints),
				slog.String("description", a.Description),
			)
		}
	}

	if err := p.store.MarkProcessed(wctx, []int64{sig.ID}); err != nil {
		return false, fmt.Errorf("mark processed: %w", err)
	}
	p.metrics.SignalProcessed(class, outcome)
	return created, detectErr
}
