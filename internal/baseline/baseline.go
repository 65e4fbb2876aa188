// Package baseline learns what "normal" looks like for each behavioral
// metric and answers how far a new value deviates from it.
//
// Each metric keeps a running mean and sum of squared differences (Welford's
// algorithm) serialized into the Baseline row. A metric only becomes
// eligible for judgment once it has seen enough samples and its confidence
// has reached the configured floor; that transition is a one-way latch which
// only Reset clears.
package baseline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/montanaflynn/stats"

	"github.com/tripwire/sentinel/internal/audit"
	"github.com/tripwire/sentinel/internal/model"
	"github.com/tripwire/sentinel/internal/store"
)

var (
	// ErrInvalidSample is returned for NaN or infinite samples. The sample is
	// dropped without touching the stored statistic.
	ErrInvalidSample = errors.New("baseline: invalid sample")

	// ErrCorruptBaseline is returned when a stored statistic cannot be
	// decoded. Callers treat it as "no judgment" for that metric.
	ErrCorruptBaseline = errors.New("baseline: corrupt stored statistic")
)

// Config tunes cold-start suppression.
type Config struct {
	// MinSamples is the sample count required before learning can complete.
	MinSamples int
	// MinSamplesForConfidence is the count at which confidence saturates at 1.
	MinSamplesForConfidence int
	// ConfidenceFloor is the confidence required before learning can complete.
	ConfidenceFloor float64
	// MinStddev bounds the denominator of Deviation away from zero.
	MinStddev float64
}

// DefaultConfig returns the defaults used when no configuration is given.
func DefaultConfig() Config {
	return Config{MinSamples: 30, MinSamplesForConfidence: 30, ConfidenceFloor: 0.9, MinStddev: 0.25}
}

// Snapshot is the decoded view of one learned metric.
type Snapshot struct {
	Metric           string
	Mean             float64
	Stddev           float64
	Samples          int
	Confidence       float64
	LearningComplete bool
}

// welford is the serialized running statistic stored in BaselineValue.
type welford struct {
	Mean float64 `json:"mean"`
	M2   float64 `json:"m2"`
}

// Engine owns every Baseline row. It is safe for concurrent use; updates to
// one metric are serialized while different metrics proceed in parallel.
type Engine struct {
	store  store.BaselineStore
	cfg    Config
	logger *slog.Logger
	audit  audit.Recorder
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithAudit records every Reset in r.
func WithAudit(r audit.Recorder) Option {
	return func(e *Engine) { e.audit = r }
}

// New returns an Engine persisting to st.
func New(st store.BaselineStore, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		store:  st,
		cfg:    cfg,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
		locks:  make(map[string]*sync.Mutex),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// lock returns the held per-metric mutex; callers must Unlock it.
func (e *Engine) lock(metric string) *sync.Mutex {
	e.mu.Lock()
	m, ok := e.locks[metric]
	if !ok {
		m = &sync.Mutex{}
		e.locks[metric] = m
	}
	e.mu.Unlock()
	m.Lock()
	return m
}

// Observe folds value into metric's running statistic.
func (e *Engine) Observe(ctx context.Context, metric string, value float64) (*model.Baseline, error) {
	return e.ObserveSignal(ctx, metric, value, 0)
}

// ObserveSignal folds value into metric unless signalID is non-zero and not
// newer than the baseline's watermark, in which case the sample was already
// counted and the stored baseline is returned unchanged.
func (e *Engine) ObserveSignal(ctx context.Context, metric string, value float64, signalID int64) (*model.Baseline, error) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return nil, fmt.Errorf("%w: %s = %v", ErrInvalidSample, metric, value)
	}

	defer e.lock(metric).Unlock()

	b, w, err := e.load(ctx, metric)
	if err != nil {
		return nil, err
	}
	if signalID != 0 && signalID <= b.LastSignalID {
		return b, nil
	}

	n := b.SampleCount + 1
	delta := value - w.Mean
	w.Mean += delta / float64(n)
	w.M2 += delta * (value - w.Mean)

	if err := e.write(ctx, b, w, n, signalID); err != nil {
		return nil, err
	}
	return b, nil
}

// Seed builds metric's statistic from historical samples in one step. It is
// a no-op when the metric already has samples. Invalid samples are skipped.
func (e *Engine) Seed(ctx context.Context, metric string, samples []float64, lastSignalID int64) (*model.Baseline, error) {
	defer e.lock(metric).Unlock()

	b, _, err := e.load(ctx, metric)
	if err != nil {
		return nil, err
	}
	if b.SampleCount > 0 {
		return b, nil
	}

	clean := make(stats.Float64Data, 0, len(samples))
	for _, v := range samples {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			clean = append(clean, v)
		}
	}
	if len(clean) == 0 {
		return b, nil
	}

	mean, err := stats.Mean(clean)
	if err != nil {
		return nil, fmt.Errorf("baseline: seed %s mean: %w", metric, err)
	}
	variance, err := stats.PopulationVariance(clean)
	if err != nil {
		return nil, fmt.Errorf("baseline: seed %s variance: %w", metric, err)
	}
	n := len(clean)
	w := welford{Mean: mean, M2: variance * float64(n)}

	if err := e.write(ctx, b, w, n, lastSignalID); err != nil {
		return nil, err
	}
	e.logger.Info("baseline seeded from history",
		slog.String("metric", metric),
		slog.Int("samples", n),
		slog.Bool("learning_complete", b.LearningComplete),
	)
	return b, nil
}

// Deviation returns |value-mean| / max(stddev, MinStddev). ok is false when
// the metric has no baseline or is still learning.
func (e *Engine) Deviation(ctx context.Context, metric string, value float64) (dev float64, ok bool, err error) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, false, fmt.Errorf("%w: %s = %v", ErrInvalidSample, metric, value)
	}
	snap, found, err := e.Snapshot(ctx, metric)
	if err != nil || !found || !snap.LearningComplete {
		return 0, false, err
	}
	return math.Abs(value-snap.Mean) / math.Max(snap.Stddev, e.cfg.MinStddev), true, nil
}

// Snapshot returns the decoded statistic for metric. found is false when
// nothing has been learned yet.
func (e *Engine) Snapshot(ctx context.Context, metric string) (Snapshot, bool, error) {
	b, err := e.store.GetBaseline(ctx, metric)
	if errors.Is(err, store.ErrNotFound) {
		return Snapshot{Metric: metric}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("baseline: get %s: %w", metric, err)
	}
	w, err := decode(b)
	if err != nil {
		return Snapshot{}, false, err
	}
	var variance float64
	if b.Variance != nil {
		variance = *b.Variance
	}
	return Snapshot{
		Metric:           metric,
		Mean:             w.Mean,
		Stddev:           math.Sqrt(variance),
		Samples:          b.SampleCount,
		Confidence:       b.Confidence,
		LearningComplete: b.LearningComplete,
	}, true, nil
}

// Get returns the stored row for metric, or store.ErrNotFound.
func (e *Engine) Get(ctx context.Context, metric string) (*model.Baseline, error) {
	return e.store.GetBaseline(ctx, metric)
}

// List returns every stored baseline.
func (e *Engine) List(ctx context.Context) ([]model.Baseline, error) {
	return e.store.ListBaselines(ctx)
}

// Reset clears everything learned for metric.
func (e *Engine) Reset(ctx context.Context, metric string) error {
	defer e.lock(metric).Unlock()

	if err := e.store.DeleteBaseline(ctx, metric); err != nil {
		return fmt.Errorf("baseline: reset %s: %w", metric, err)
	}
	e.logger.Info("baseline reset", slog.String("metric", metric))
	if e.audit != nil {
		if err := e.audit.Record(audit.Record{Kind: audit.KindBaselineReset, Subject: "baseline:" + metric}); err != nil {
			e.logger.Error("audit baseline reset", slog.String("metric", metric), slog.Any("error", err))
		}
	}
	return nil
}

// load returns the stored baseline and its decoded statistic, or a fresh
// zero baseline when none exists.
func (e *Engine) load(ctx context.Context, metric string) (*model.Baseline, welford, error) {
	b, err := e.store.GetBaseline(ctx, metric)
	if errors.Is(err, store.ErrNotFound) {
		now := e.now()
		return &model.Baseline{MetricType: metric, CreatedAt: now, UpdatedAt: now}, welford{}, nil
	}
	if err != nil {
		return nil, welford{}, fmt.Errorf("baseline: get %s: %w", metric, err)
	}
	w, err := decode(b)
	if err != nil {
		return nil, welford{}, err
	}
	return b, w, nil
}

// write updates b in place from w and n and persists it.
func (e *Engine) write(ctx context.Context, b *model.Baseline, w welford, n int, signalID int64) error {
	raw, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("baseline: encode %s: %w", b.MetricType, err)
	}
	variance := w.M2 / float64(n)

	b.BaselineValue = string(raw)
	b.Variance = &variance
	b.SampleCount = n
	b.Confidence = math.Max(b.Confidence, math.Min(1, float64(n)/float64(e.cfg.MinSamplesForConfidence)))
	if !b.LearningComplete && n >= e.cfg.MinSamples && b.Confidence >= e.cfg.ConfidenceFloor {
		b.LearningComplete = true
		e.logger.Info("baseline learning complete",
			slog.String("metric", b.MetricType),
			slog.Int("samples", n),
			slog.Float64("mean", w.Mean),
		)
	}
	if signalID > b.LastSignalID {
		b.LastSignalID = signalID
	}
	b.UpdatedAt = e.now()

	if err := e.store.UpsertBaseline(ctx, *b); err != nil {
		return fmt.Errorf("baseline: upsert %s: %w", b.MetricType, err)
	}
	return nil
}

func decode(b *model.Baseline) (welford, error) {
	var w welford
	if b.BaselineValue == "" {
		return w, nil
	}
	if err := json.Unmarshal([]byte(b.BaselineValue), &w); err != nil {
		return welford{}, fmt.Errorf("%w: %s: %v", ErrCorruptBaseline, b.MetricType, err)
	}
	if math.IsNaN(w.Mean) || math.IsNaN(w.M2) || w.M2 < 0 {
		return welford{}, fmt.Errorf("%w: %s: invalid moments", ErrCorruptBaseline, b.MetricType)
	}
	return w, nil
}
