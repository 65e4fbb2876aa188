// Package monitor is the Sentinel orchestrator. It runs the periodic units of
// work (detection, risk cycles, decay, alert dispatch and retention) as
// independent ticks, starts and stops the local signal collectors, and
// reports health.
//
// A failing tick is logged, counted and simply runs again on its next
// interval; nothing a tick does is escalated beyond the health report.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/tripwire/sentinel/internal/config"
	"github.com/tripwire/sentinel/internal/detector"
	"github.com/tripwire/sentinel/internal/metrics"
	"github.com/tripwire/sentinel/internal/model"
	"github.com/tripwire/sentinel/internal/queue"
	"github.com/tripwire/sentinel/internal/risk"
)

// Tick names used in logs, metrics and the health report.
const (
	TickDetect    = "detect"
	TickRisk      = "risk"
	TickDecay     = "decay"
	TickDispatch  = "dispatch"
	TickRetention = "retention"
)

// Detector runs one detection pass over unprocessed signals.
type Detector interface {
	Run(ctx context.Context) (detector.Result, error)
}

// RiskEngine computes and decays risk scores.
type RiskEngine interface {
	RunCycle(ctx context.Context) (model.RiskScore, *model.Incident, error)
	Decay(ctx context.Context) (risk.DecayResult, error)
	Current(ctx context.Context) (*model.RiskScore, error)
	DisplayLevel(rs model.RiskScore) model.RiskLevel
}

// Dispatcher delivers due alerts.
type Dispatcher interface {
	DispatchDue(ctx context.Context) (queue.Result, error)
}

// AlertQueue is the read side of the alert queue plus failed-alert pruning.
type AlertQueue interface {
	Depth() int
	PruneFailed(ctx context.Context, before time.Time) (int64, error)
}

// RetentionStore prunes aged rows.
type RetentionStore interface {
	DeleteSignalsBefore(ctx context.Context, ts time.Time) (int64, error)
	ResolveAnomaliesBefore(ctx context.Context, ts time.Time) (int64, error)
	DeleteAnomaliesBefore(ctx context.Context, ts time.Time) (int64, error)
	DeleteRiskScoresBefore(ctx context.Context, ts time.Time) (int64, error)
}

// Collector produces signals on its own schedule, for example by watching
// the device's network. Start must not block.
type Collector interface {
	Start(ctx context.Context) error
	Stop()
}

type tickState struct {
	at  time.Time
	err error
}

// Monitor supervises every tick and collector.
type Monitor struct {
	schedule  config.ScheduleConfig
	retention config.RetentionConfig

	logger     *slog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
	detector   Detector
	risk       RiskEngine
	dispatcher Dispatcher
	queue      AlertQueue
	store      RetentionStore
	collectors []Collector

	detectKick   chan struct{}
	riskKick     chan struct{}
	dispatchKick chan struct{}

	startTime time.Time
	cancel    context.CancelFunc

	mu      sync.RWMutex
	running bool
	ticks   map[string]tickState
	wg      sync.WaitGroup
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithDetector sets the detection pipeline.
func WithDetector(d Detector) Option { return func(m *Monitor) { m.detector = d } }

// WithRiskEngine sets the risk engine.
func WithRiskEngine(r RiskEngine) Option { return func(m *Monitor) { m.risk = r } }

// WithDispatcher sets the alert dispatcher.
func WithDispatcher(d Dispatcher) Option { return func(m *Monitor) { m.dispatcher = d } }

// WithAlertQueue sets the alert queue used for health and pruning.
func WithAlertQueue(q AlertQueue) Option { return func(m *Monitor) { m.queue = q } }

// WithRetentionStore sets the store pruned by the retention tick.
func WithRetentionStore(s RetentionStore) Option { return func(m *Monitor) { m.store = s } }

// WithCollectors registers signal collectors.
func WithCollectors(cs ...Collector) Option {
	return func(m *Monitor) { m.collectors = append(m.collectors, cs...) }
}

// WithMetrics counts tick failures and queue depth in mt.
func WithMetrics(mt *metrics.Metrics) Option { return func(m *Monitor) { m.metrics = mt } }

// WithClock overrides the time source used for retention cut-offs.
func WithClock(now func() time.Time) Option { return func(m *Monitor) { m.now = now } }

// New creates a Monitor. Components are optional; a tick whose component is
// missing is a no-op, which keeps tests small.
func New(schedule config.ScheduleConfig, retention config.RetentionConfig, logger *slog.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		schedule:     schedule,
		retention:    retention,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
		detectKick:   make(chan struct{}, 1),
		riskKick:     make(chan struct{}, 1),
		dispatchKick: make(chan struct{}, 1),
		ticks:        make(map[string]tickState),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the collectors and the tick loops. A detection pass runs
// right away; the other ticks wait for their first interval.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("monitor: already running")
	}
	m.running = true
	m.startTime = time.Now()
	m.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.logger.Info("starting sentinel monitor",
		slog.Duration("detect_every", m.schedule.Detect),
		slog.Duration("risk_every", m.schedule.Risk),
		slog.Duration("decay_every", m.schedule.Decay),
		slog.Duration("dispatch_every", m.schedule.Dispatch),
		slog.Duration("retention_every", m.schedule.Retention),
		slog.Int("collectors", len(m.collectors)),
	)

	for i, c := range m.collectors {
		if err := c.Start(ctx); err != nil {
			for _, started := range m.collectors[:i] {
				started.Stop()
			}
			cancel()
			m.mu.Lock()
			m.running = false
			m.mu.Unlock()
			return fmt.Errorf("monitor: collector[%d] failed to start: %w", i, err)
		}
	}

	m.spawn(ctx, TickDetect, m.schedule.Detect, m.detectKick, m.RunDetect)
	m.spawn(ctx, TickRisk, m.schedule.Risk, m.riskKick, m.RunRisk)
	m.spawn(ctx, TickDecay, m.schedule.Decay, nil, m.RunDecay)
	m.spawn(ctx, TickDispatch, m.schedule.Dispatch, m.dispatchKick, m.RunDispatch)
	m.spawn(ctx, TickRetention, m.schedule.Retention, nil, m.RunRetention)

	m.KickDetect()
	m.logger.Info("sentinel monitor started")
	return nil
}

// Stop cancels every tick, stops the collectors and waits for in-flight
// ticks to return. It is safe to call Stop multiple times.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	if m.cancel != nil {
		m.cancel()
	}
	for _, c := range m.collectors {
		c.Stop()
	}
	m.wg.Wait()
	m.logger.Info("sentinel monitor stopped")
}

func (m *Monitor) spawn(ctx context.Context, name string, every time.Duration, kick <-chan struct{}, fn func(context.Context) error) {
	if every <= 0 {
		m.logger.Warn("tick disabled", slog.String("tick", name))
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			case <-kick:
			}
			m.run(ctx, name, fn)
		}
	}()
}

// run executes one tick and records its outcome.
func (m *Monitor) run(ctx context.Context, name string, fn func(context.Context) error) {
	err := fn(ctx)
	if err != nil && ctx.Err() != nil {
		// Shutdown interrupted the tick; it is not a failure.
		return
	}
	m.mu.Lock()
	m.ticks[name] = tickState{at: m.now(), err: err}
	m.mu.Unlock()
	if err != nil {
		m.metrics.TickFailed(name)
		m.logger.Error("tick failed", slog.String("tick", name), slog.Any("error", err))
	}
}

func kick(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// KickDetect schedules a detection pass without waiting for the interval.
func (m *Monitor) KickDetect() { kick(m.detectKick) }

// KickRisk schedules a risk cycle without waiting for the interval.
func (m *Monitor) KickRisk() { kick(m.riskKick) }

// KickDispatch schedules a dispatch pass without waiting for the interval.
func (m *Monitor) KickDispatch() { kick(m.dispatchKick) }

// RunDetect runs one detection pass. New anomalies schedule a risk cycle.
func (m *Monitor) RunDetect(ctx context.Context) error {
	if m.detector == nil {
		return nil
	}
	res, err := m.detector.Run(ctx)
	if res.Processed > 0 {
		m.logger.Debug("detection pass",
			slog.Int("processed", res.Processed),
			slog.Int("anomalies", res.Anomalies),
			slog.Int("malformed", res.Malformed),
		)
	}
	if res.Anomalies > 0 {
		m.KickRisk()
	}
	return err
}

// RunRisk runs one risk cycle. A triggered incident schedules a dispatch.
func (m *Monitor) RunRisk(ctx context.Context) error {
	if m.risk == nil {
		return nil
	}
	_, inc, err := m.risk.RunCycle(ctx)
	if inc != nil {
		m.KickDispatch()
	}
	return err
}

// RunDecay runs one decay pass.
func (m *Monitor) RunDecay(ctx context.Context) error {
	if m.risk == nil {
		return nil
	}
	_, err := m.risk.Decay(ctx)
	return err
}

// RunDispatch delivers every due alert.
func (m *Monitor) RunDispatch(ctx context.Context) error {
	if m.dispatcher == nil {
		return nil
	}
	res, err := m.dispatcher.DispatchDue(ctx)
	if res.Attempted > 0 {
		m.logger.Info("dispatch pass",
			slog.Int("attempted", res.Attempted),
			slog.Int("sent", res.Sent),
			slog.Int("retried", res.Retried),
			slog.Int("failed", res.Failed),
		)
	}
	if m.queue != nil {
		m.metrics.QueueDepth(m.queue.Depth())
	}
	return err
}

// HealthStatus is the payload returned by the /healthz endpoint.
type HealthStatus struct {
	Status         string            `json:"status"`
	UptimeS        float64           `json:"uptime_s"`
	PendingAlerts  int               `json:"pending_alerts"`
	RiskLevel      string            `json:"risk_level,omitempty"`
	RiskScore      *int              `json:"risk_score,omitempty"`
	LastTickAt     map[string]string `json:"last_tick_at,omitempty"`
	LastTickErrors map[string]string `json:"last_tick_errors,omitempty"`
}

// Health returns a snapshot of the monitor's state. Status is "degraded"
// while the latest run of any tick failed.
func (m *Monitor) Health(ctx context.Context) HealthStatus {
	m.mu.RLock()
	h := HealthStatus{Status: "ok"}
	if !m.startTime.IsZero() {
		h.UptimeS = time.Since(m.startTime).Seconds()
	}
	for name, st := range m.ticks {
		if h.LastTickAt == nil {
			h.LastTickAt = make(map[string]string)
		}
		h.LastTickAt[name] = st.at.UTC().Format(time.RFC3339)
		if st.err != nil {
			if h.LastTickErrors == nil {
				h.LastTickErrors = make(map[string]string)
			}
			h.LastTickErrors[name] = st.err.Error()
			h.Status = "degraded"
		}
	}
	m.mu.RUnlock()

	if m.queue != nil {
		h.PendingAlerts = m.queue.Depth()
	}
	if m.risk != nil {
		if rs, err := m.risk.Current(ctx); err == nil {
			score := rs.EffectiveScore()
			h.RiskScore = &score
			h.RiskLevel = string(m.risk.DisplayLevel(*rs))
		}
	}
	return h
}

// HealthzHandler is an http.HandlerFunc that responds with the monitor's
// health status as a JSON object and HTTP 200.
func (m *Monitor) HealthzHandler(w http.ResponseWriter, r *http.Request) {
	h := m.Health(r.Context())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(h); err != nil {
		m.logger.Warn("healthz: failed to encode response", slog.Any("error", err))
	}
}
