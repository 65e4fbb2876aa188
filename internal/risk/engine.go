// Package risk aggregates unresolved anomalies and recent signals into one
// risk score per cycle, decides whether the score warrants protective action,
// and decays old scores as time passes.
//
// A cycle is a single-writer critical section: only one RunCycle or Decay is
// in flight per Engine. Reads happen under the caller's context; once every
// read has succeeded the writes run detached from cancellation, so a
// cancelled cycle either persists nothing or persists a complete score.
package risk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tripwire/sentinel/internal/audit"
	"github.com/tripwire/sentinel/internal/config"
	"github.com/tripwire/sentinel/internal/feed"
	"github.com/tripwire/sentinel/internal/metrics"
	"github.com/tripwire/sentinel/internal/model"
	"github.com/tripwire/sentinel/internal/store"
	"github.com/tripwire/sentinel/internal/timeline"
)

// Store is the persistence a risk cycle reads and writes.
type Store interface {
	store.SignalStore
	store.AnomalyStore
	store.RiskScoreStore
	store.IncidentStore
}

// Notifier hands a triggered incident to alert delivery. Notify must only
// add what is missing when called again for an incident it partly notified.
type Notifier interface {
	Notify(ctx context.Context, inc model.Incident, subject, body string) ([]int64, error)
	Notified(ctx context.Context, incidentID int64) (bool, error)
}

// TimelineBuilder renders the narrative used as the alert body.
type TimelineBuilder interface {
	Build(ctx context.Context, incidentID int64) (*timeline.Timeline, error)
}

// DeviceStateProvider describes the device at trigger time, for example
// battery and screen state. It is optional.
type DeviceStateProvider func(ctx context.Context) (string, error)

// Config tunes scoring, triggering and decay.
type Config struct {
	Lookback              time.Duration
	ActionThreshold       int
	Cooldown              time.Duration
	DecayInterval         time.Duration
	DecayFactor           float64
	MinDecayDelta         int
	SignalWeights         map[model.SignalType]int
	MaxSignalContribution int
	Levels                Levels
}

// DefaultConfig mirrors the configuration file defaults.
func DefaultConfig() Config {
	return ConfigFrom(config.Default().Risk)
}

// ConfigFrom converts the file configuration.
func ConfigFrom(c config.RiskConfig) Config {
	weights := make(map[model.SignalType]int, len(c.SignalWeights))
	for typ, w := range c.SignalWeights {
		weights[model.SignalType(typ)] = w
	}
	return Config{
		Lookback:              c.Lookback,
		ActionThreshold:       c.ActionThreshold,
		Cooldown:              c.Cooldown,
		DecayInterval:         c.DecayInterval,
		DecayFactor:           c.DecayFactor,
		MinDecayDelta:         c.MinDecayDelta,
		SignalWeights:         weights,
		MaxSignalContribution: c.MaxSignalContribution,
		Levels:                Levels{Medium: c.Levels.Medium, High: c.Levels.High, Critical: c.Levels.Critical},
	}
}

// Engine computes risk cycles. It is safe for concurrent use.
type Engine struct {
	store Store
	cfg   Config

	logger      *slog.Logger
	now         func() time.Time
	metrics     *metrics.Metrics
	audit       audit.Recorder
	feed        *feed.Feed
	notifier    Notifier
	timeline    TimelineBuilder
	actions     []Action
	deviceState DeviceStateProvider

	mu      sync.Mutex // one cycle or decay pass at a time
	current atomic.Pointer[model.RiskScore]
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithMetrics records cycle outcomes and the current score in m.
func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithAudit records triggers and resolutions in r.
func WithAudit(r audit.Recorder) Option { return func(e *Engine) { e.audit = r } }

// WithFeed publishes every new or decayed latest score to f.
func WithFeed(f *feed.Feed) Option { return func(e *Engine) { e.feed = f } }

// WithNotifier enqueues alerts for triggered incidents.
func WithNotifier(n Notifier) Option { return func(e *Engine) { e.notifier = n } }

// WithTimeline renders incident timelines as the alert body.
func WithTimeline(b TimelineBuilder) Option { return func(e *Engine) { e.timeline = b } }

// WithActions sets the protective actions run on trigger, in order.
func WithActions(a []Action) Option { return func(e *Engine) { e.actions = a } }

// WithDeviceState attaches a device state description to incidents.
func WithDeviceState(p DeviceStateProvider) Option {
	return func(e *Engine) { e.deviceState = p }
}

// New returns an Engine over st.
func New(st Store, cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Levels.Validate(); err != nil {
		return nil, err
	}
	if cfg.DecayFactor <= 0 || cfg.DecayFactor >= 1 {
		return nil, fmt.Errorf("risk: decay factor %v must be in (0, 1)", cfg.DecayFactor)
	}
	if cfg.DecayInterval <= 0 || cfg.Lookback <= 0 {
		return nil, errors.New("risk: decay interval and lookback must be positive")
	}
	e := &Engine{
		store:  st,
		cfg:    cfg,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// anomalyContribution is one anomaly's share of a score.
type anomalyContribution struct {
	ID     int64  `json:"id"`
	Type   string `json:"type"`
	Points int    `json:"points"`
}

// contributions is the serialized SignalContributions breakdown.
type contributions struct {
	Anomalies     []anomalyContribution `json:"anomalies"`
	AnomalyPoints int                   `json:"anomaly_points"`
	Signals       map[string]int        `json:"signals,omitempty"`
	SignalPoints  int                   `json:"signal_points"`
	AnomalySet    string                `json:"anomaly_set"`
}

// fingerprint identifies a set of anomalies independent of order.
func fingerprint(ids []int64) string {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	parts := make([]string, len(sorted))
	for i, id := range sorted {
		parts[i] = strconv.FormatInt(id, 10)
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, ",")))
	return hex.EncodeToString(sum[:])
}

// RunCycle computes and persists one risk score. When the score reaches the
// action threshold and the same anomaly set has not triggered within the
// cooldown, it also records an incident, runs the protective actions and
// enqueues alerts. A trigger only starts the cooldown once its incident is
// recorded; if its alerts were not all enqueued, the cooldown cycle enqueues
// the rest and returns that incident. The incident is nil otherwise.
func (e *Engine) RunCycle(ctx context.Context) (model.RiskScore, *model.Incident, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	anomalies, err := e.store.UnresolvedAnomalies(ctx)
	if err != nil {
		e.metrics.RiskCycleFailed()
		return model.RiskScore{}, nil, fmt.Errorf("risk: read anomalies: %w", err)
	}
	signals, err := e.store.SignalsBetween(ctx, now.Add(-e.cfg.Lookback), now.Add(time.Nanosecond))
	if err != nil {
		e.metrics.RiskCycleFailed()
		return model.RiskScore{}, nil, fmt.Errorf("risk: read signals: %w", err)
	}

	contrib, dominant := e.score(anomalies, signals)
	total := contrib.AnomalyPoints + contrib.SignalPoints
	level := e.cfg.Levels.Level(total)

	triggered, suppressed := false, false
	var unnotified *model.Incident
	if total >= e.cfg.ActionThreshold {
		suppressed, unnotified, err = e.coolingDown(ctx, now, contrib.AnomalySet)
		if err != nil {
			e.metrics.RiskCycleFailed()
			return model.RiskScore{}, nil, err
		}
		triggered = !suppressed
	}

	if err := ctx.Err(); err != nil {
		return model.RiskScore{}, nil, err
	}
	wctx := context.WithoutCancel(ctx)

	raw, err := json.Marshal(contrib)
	if err != nil {
		return model.RiskScore{}, nil, fmt.Errorf("risk: encode contributions: %w", err)
	}
	rs := model.RiskScore{
		TotalScore:          total,
		RiskLevel:           level,
		SignalContributions: string(raw),
		TriggeredAction:     triggered,
		Timestamp:           now,
	}
	if triggered {
		rs.TriggerReason = reason(dominant, total, contrib.SignalPoints)
	}
	id, err := e.store.AppendRiskScore(wctx, rs)
	if err != nil {
		e.metrics.RiskCycleFailed()
		return model.RiskScore{}, nil, fmt.Errorf("risk: append score: %w", err)
	}
	rs.ID = id
	e.setCurrent(rs)

	outcome := "low"
	switch {
	case triggered:
		outcome = "triggered"
	case suppressed:
		outcome = "cooldown"
	case level != model.RiskLow:
		outcome = "elevated"
	}
	e.metrics.RiskCycle(outcome, total)
	e.logger.Info("risk cycle complete",
		slog.Int64("risk_score_id", id),
		slog.Int("total_score", total),
		slog.String("risk_level", string(level)),
		slog.Int("anomalies", len(anomalies)),
		slog.String("outcome", outcome),
	)

	if unnotified != nil {
		e.logger.Warn("resuming incident notification", slog.Int64("incident_id", unnotified.ID))
		return rs, unnotified, e.notify(wctx, *unnotified)
	}
	if !triggered {
		return rs, nil, nil
	}
	inc, err := e.raise(wctx, rs, dominant, signals)
	return rs, inc, err
}

// score sums anomaly points and the capped direct signal contribution.
// Signals that already produced an unresolved anomaly are not counted again.
// dominant is the anomaly with the most points, the oldest on a tie.
func (e *Engine) score(anomalies []model.Anomaly, signals []model.Signal) (contributions, *model.Anomaly) {
	c := contributions{Anomalies: make([]anomalyContribution, 0, len(anomalies))}
	referenced := make(map[int64]bool, len(anomalies))
	ids := make([]int64, 0, len(anomalies))
	var dominant *model.Anomaly

	for i := range anomalies {
		a := &anomalies[i]
		c.Anomalies = append(c.Anomalies, anomalyContribution{ID: a.ID, Type: a.AnomalyType, Points: a.RiskPoints})
		c.AnomalyPoints += a.RiskPoints
		ids = append(ids, a.ID)
		if a.SignalID != 0 {
			referenced[a.SignalID] = true
		}
		if dominant == nil || a.RiskPoints > dominant.RiskPoints ||
			(a.RiskPoints == dominant.RiskPoints && olderThan(*a, *dominant)) {
			dominant = a
		}
	}
	c.AnomalySet = fingerprint(ids)

	for _, s := range signals {
		if referenced[s.ID] {
			continue
		}
		w := e.cfg.SignalWeights[s.Type]
		if w <= 0 {
			continue
		}
		if c.Signals == nil {
			c.Signals = make(map[string]int)
		}
		c.Signals[string(s.Type)]++
		c.SignalPoints += w
	}
	if c.SignalPoints > e.cfg.MaxSignalContribution {
		c.SignalPoints = e.cfg.MaxSignalContribution
	}
	return c, dominant
}

func olderThan(a, b model.Anomaly) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.ID < b.ID
}

// coolingDown reports whether the same anomaly set already triggered within
// the cooldown window. Only a trigger whose incident was recorded counts; a
// triggered score left behind by a failed incident write does not. When the
// counted incident still lacks alerts it is returned as unnotified.
func (e *Engine) coolingDown(ctx context.Context, now time.Time, set string) (bool, *model.Incident, error) {
	if e.cfg.Cooldown <= 0 {
		return false, nil, nil
	}
	since := now.Add(-e.cfg.Cooldown)
	recent, err := e.store.TriggeredRiskScoresSince(ctx, since)
	if err != nil {
		return false, nil, fmt.Errorf("risk: read triggered scores: %w", err)
	}
	var matching []model.RiskScore
	for _, r := range recent {
		var c contributions
		if err := json.Unmarshal([]byte(r.SignalContributions), &c); err != nil {
			e.logger.Warn("unreadable contributions on triggered score",
				slog.Int64("risk_score_id", r.ID), slog.Any("error", err))
			continue
		}
		if c.AnomalySet == set {
			matching = append(matching, r)
		}
	}
	if len(matching) == 0 {
		return false, nil, nil
	}

	incidents, err := e.store.IncidentsBetween(ctx, since, now.Add(time.Nanosecond))
	if err != nil {
		return false, nil, fmt.Errorf("risk: read incidents: %w", err)
	}
	var prior *model.Incident
	for _, r := range matching {
		for i := range incidents {
			inc := &incidents[i]
			if inc.RiskScore == r.TotalScore && inc.Timestamp.Equal(r.Timestamp) &&
				(prior == nil || inc.ID > prior.ID) {
				prior = inc
			}
		}
	}
	if prior == nil {
		e.logger.Warn("triggered score has no incident; triggering again",
			slog.Int("total_score", matching[len(matching)-1].TotalScore))
		return false, nil, nil
	}
	if e.notifier == nil {
		return true, nil, nil
	}
	done, err := e.notifier.Notified(ctx, prior.ID)
	if err != nil {
		return false, nil, fmt.Errorf("risk: check alerts for incident %d: %w", prior.ID, err)
	}
	if done {
		return true, nil, nil
	}
	return true, prior, nil
}

func reason(dominant *model.Anomaly, total, signalPoints int) string {
	if dominant == nil {
		return fmt.Sprintf("direct signal contributions of %d points", signalPoints)
	}
	return fmt.Sprintf("%s anomaly #%d contributed %d of %d points: %s",
		dominant.AnomalyType, dominant.ID, dominant.RiskPoints, total, dominant.Description)
}

// raise records the incident for a triggered score and hands it on. Audit and
// timeline failures are logged; a failed incident write or enqueue is
// returned.
func (e *Engine) raise(ctx context.Context, rs model.RiskScore, dominant *model.Anomaly, signals []model.Signal) (*model.Incident, error) {
	inc := model.Incident{
		Severity:    IncidentSeverity(rs.RiskLevel),
		RiskScore:   rs.TotalScore,
		TriggeredBy: "SIGNALS",
		Summary: fmt.Sprintf("Risk score %d (%s) reached the action threshold of %d. %s.",
			rs.TotalScore, rs.RiskLevel, e.cfg.ActionThreshold, rs.TriggerReason),
		Location:  latestLocation(signals),
		Timestamp: rs.Timestamp,
	}
	if dominant != nil {
		inc.TriggeredBy = dominant.AnomalyType
	}
	if e.deviceState != nil {
		state, err := e.deviceState(ctx)
		if err != nil {
			e.logger.Warn("device state unavailable", slog.Any("error", err))
		}
		inc.DeviceState = state
	}
	inc.ActionsTaken = runActions(ctx, e.logger, e.actions)

	id, err := e.store.AppendIncident(ctx, inc)
	if err != nil {
		return nil, fmt.Errorf("risk: append incident: %w", err)
	}
	inc.ID = id
	e.logger.Warn("incident raised",
		slog.Int64("incident_id", id),
		slog.Int64("risk_score_id", rs.ID),
		slog.Int("total_score", rs.TotalScore),
		slog.String("risk_level", string(rs.RiskLevel)),
		slog.String("triggered_by", inc.TriggeredBy),
	)

	e.record(audit.Record{
		Kind:    audit.KindRiskTriggered,
		Subject: "incident:" + strconv.FormatInt(id, 10),
		Detail: map[string]any{
			"risk_score_id": rs.ID,
			"total_score":   rs.TotalScore,
			"risk_level":    string(rs.RiskLevel),
			"reason":        rs.TriggerReason,
			"actions_taken": inc.ActionsTaken,
		},
	})

	return &inc, e.notify(ctx, inc)
}

// notify enqueues the alerts for a recorded incident.
func (e *Engine) notify(ctx context.Context, inc model.Incident) error {
	if e.notifier == nil {
		return nil
	}
	body := inc.Summary
	if e.timeline != nil {
		tl, err := e.timeline.Build(ctx, inc.ID)
		if err != nil {
			e.logger.Warn("incident timeline unavailable; alerting with summary",
				slog.Int64("incident_id", inc.ID), slog.Any("error", err))
		} else {
			body = tl.Render()
		}
	}
	subject := fmt.Sprintf("Sentinel: %s risk incident #%d (score %d)",
		e.cfg.Levels.Level(inc.RiskScore), inc.ID, inc.RiskScore)
	if _, err := e.notifier.Notify(ctx, inc, subject, body); err != nil {
		return fmt.Errorf("risk: notify incident %d: %w", inc.ID, err)
	}
	return nil
}

// latestLocation returns the value of the newest LOCATION signal.
func latestLocation(signals []model.Signal) string {
	var loc string
	var at time.Time
	for _, s := range signals {
		if s.Type == model.SignalLocation && !s.Timestamp.Before(at) {
			loc, at = s.Value, s.Timestamp
		}
	}
	return loc
}

// Current returns the latest risk score. The first call reads the store;
// later calls are served from memory. It returns store.ErrNotFound before
// the first cycle.
func (e *Engine) Current(ctx context.Context) (*model.RiskScore, error) {
	if p := e.current.Load(); p != nil {
		rs := *p
		return &rs, nil
	}
	rs, err := e.store.LatestRiskScore(ctx)
	if err != nil {
		return nil, fmt.Errorf("risk: latest score: %w", err)
	}
	e.current.CompareAndSwap(nil, rs)
	out := *rs
	return &out, nil
}

// DisplayLevel is the level shown for rs: the band of its current score, so
// a decayed score reads lower than the level it was recorded at.
func (e *Engine) DisplayLevel(rs model.RiskScore) model.RiskLevel {
	return e.cfg.Levels.Level(rs.EffectiveScore())
}

func (e *Engine) setCurrent(rs model.RiskScore) {
	e.current.Store(&rs)
	if e.feed != nil {
		e.feed.Publish(rs, e.DisplayLevel(rs))
	}
}

// ResolveAnomaly marks an anomaly resolved so it stops contributing to
// future cycles.
func (e *Engine) ResolveAnomaly(ctx context.Context, id int64) error {
	if err := e.store.ResolveAnomaly(ctx, id); err != nil {
		return fmt.Errorf("risk: resolve anomaly %d: %w", id, err)
	}
	e.logger.Info("anomaly resolved", slog.Int64("anomaly_id", id))
	e.record(audit.Record{Kind: audit.KindAnomalyResolved, Subject: "anomaly:" + strconv.FormatInt(id, 10)})
	return nil
}

// ResolveIncident moves an incident into its resolved state.
func (e *Engine) ResolveIncident(ctx context.Context, id int64) error {
	if err := e.store.ResolveIncident(ctx, id, e.now()); err != nil {
		return fmt.Errorf("risk: resolve incident %d: %w", id, err)
	}
	e.logger.Info("incident resolved", slog.Int64("incident_id", id))
	e.record(audit.Record{Kind: audit.KindIncidentResolved, Subject: "incident:" + strconv.FormatInt(id, 10)})
	return nil
}

func (e *Engine) record(rec audit.Record) {
	if e.audit == nil {
		return
	}
	if err := e.audit.Record(rec); err != nil {
		e.logger.Error("audit record failed", slog.String("kind", string(rec.Kind)), slog.Any("error", err))
	}
}
