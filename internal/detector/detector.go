// Package detector turns raw signals into anomalies. There is one Detector
// per signal class; each consults the baseline engine and either keeps
// learning (no judgment yet, or a normal sample) or emits one anomaly.
//
// Detectors never write baselines directly. All learning goes through
// baseline.Engine.ObserveSignal, whose per-signal watermark keeps replays
// from double counting.
package detector

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/tripwire/sentinel/internal/baseline"
	"github.com/tripwire/sentinel/internal/config"
	"github.com/tripwire/sentinel/internal/model"
)

// ErrMalformedSignal is returned for a signal whose value cannot be parsed
// for its class. The pipeline logs it and skips the signal.
var ErrMalformedSignal = errors.New("detector: malformed signal")

// Metric names owned by the detectors.
const (
	MetricAppUsage = "app_usage.session_seconds"
	MetricLocation = "location.distance_km"
	MetricNetwork  = "network.change_hour_of_day"
	MetricUnlock   = "unlock.hour_of_day"
)

// Anomaly types.
const (
	AnomalyUnusualAppUsage    = "UNUSUAL_APP_USAGE"
	AnomalyNewLocation        = "NEW_LOCATION"
	AnomalyUnusualLocation    = "UNUSUAL_LOCATION"
	AnomalyUnfamiliarNetwork  = "UNFAMILIAR_NETWORK"
	AnomalyUnusualNetworkTime = "UNUSUAL_NETWORK_CHANGE"
	AnomalyUnusualUnlockTime  = "UNUSUAL_UNLOCK_TIME"
)

// Detector judges one signal class.
type Detector interface {
	// Class is the signal type this detector consumes.
	Class() model.SignalType

	// Detect returns the anomaly sig represents, or nil when sig is normal or
	// its metric is still learning. The returned anomaly is not persisted.
	Detect(ctx context.Context, sig model.Signal) (*model.Anomaly, error)
}

// Params is the threshold and weight of one signal class.
type Params struct {
	Threshold float64
	Weight    int
}

// IsDataError reports whether err is a per-signal data problem that should
// be logged and skipped rather than abort the pass.
func IsDataError(err error) bool {
	return errors.Is(err, ErrMalformedSignal) ||
		errors.Is(err, baseline.ErrInvalidSample) ||
		errors.Is(err, baseline.ErrCorruptBaseline)
}

// Severity maps a normalized deviation onto 1..5. Any deviation that passed
// a detector's threshold is at least 1.
func Severity(dev float64) int {
	switch {
	case dev >= 4.0:
		return 5
	case dev >= 3.0:
		return 4
	case dev >= 2.5:
		return 3
	case dev >= 2.25:
		return 2
	default:
		return 1
	}
}

// FromConfig builds the four detectors in model.SignalTypes order.
func FromConfig(cfg config.DetectorsConfig, loc *time.Location, eng *baseline.Engine, st Store, opts ...LocationOption) []Detector {
	p := func(d config.DetectorConfig) Params { return Params{Threshold: d.Threshold, Weight: d.Weight} }
	return []Detector{
		NewAppUsage(eng, p(cfg.AppUsage)),
		NewLocation(eng, st, LocationParams{
			Params:         p(cfg.Location.DetectorConfig),
			RadiusMeters:   cfg.Location.ClusterRadiusM,
			NovelDeviation: cfg.Location.NovelDeviation,
		}, opts...),
		NewNetwork(eng, st, p(cfg.Network), loc),
		NewUnlock(eng, p(cfg.Unlock), loc),
	}
}

// judge is the shared decision step. floor raises the deviation of a sample
// that is independently suspicious (an unfamiliar network, a new place); it
// only applies once the metric has finished learning. Samples that are not
// anomalous are folded into the baseline.
func judge(ctx context.Context, eng *baseline.Engine, p Params, metric string, value float64, sig model.Signal, floor float64) (dev float64, anomalous bool, err error) {
	dev, ok, err := eng.Deviation(ctx, metric, value)
	if err != nil {
		return 0, false, err
	}
	if ok {
		dev = math.Max(dev, floor)
		if dev >= p.Threshold {
			return dev, true, nil
		}
	}
	if _, err := eng.ObserveSignal(ctx, metric, value, sig.ID); err != nil {
		return 0, false, err
	}
	return dev, false, nil
}

func newAnomaly(sig model.Signal, typ string, p Params, dev float64, desc string) *model.Anomaly {
	sev := Severity(dev)
	return &model.Anomaly{
		AnomalyType: typ,
		Description: desc,
		Severity:    sev,
		RiskPoints:  sev * p.Weight,
		Deviation:   dev,
		SignalID:    sig.ID,
		Timestamp:   sig.Timestamp,
	}
}

func malformed(sig model.Signal, format string, args ...any) error {
	return fmt.Errorf("%w: signal %d (%s): %s", ErrMalformedSignal, sig.ID, sig.Type, fmt.Sprintf(format, args...))
}

// hourOfDay returns the fractional hour of t in loc.
func hourOfDay(t time.Time, loc *time.Location) float64 {
	lt := t.In(loc)
	return float64(lt.Hour()) + float64(lt.Minute())/60 + float64(lt.Second())/3600
}

// alignHour shifts h by whole days to the representative closest to the
// learned mean of metric. Hours are learned on this unwrapped line, so a
// routine that straddles midnight (23:00, 00:30, 01:00) stays one contiguous
// cluster instead of splitting into two ends of the day.
func alignHour(ctx context.Context, eng *baseline.Engine, metric string, h float64) (float64, error) {
	snap, found, err := eng.Snapshot(ctx, metric)
	if err != nil {
		return 0, err
	}
	if !found || snap.Samples == 0 {
		return h, nil
	}
	return h + 24*math.Round((snap.Mean-h)/24), nil
}

// clock formats a fractional hour as HH:MM, wrapped into the day.
func clock(h float64) string {
	mins := int(math.Round(h*60)) % (24 * 60)
	if mins < 0 {
		mins += 24 * 60
	}
	return fmt.Sprintf("%02d:%02d", mins/60, mins%60)
}

// window describes the learned normal range of an hour-of-day metric.
func window(ctx context.Context, eng *baseline.Engine, metric string, threshold float64) string {
	snap, found, err := eng.Snapshot(ctx, metric)
	if err != nil || !found {
		return "unknown"
	}
	return clock(snap.Mean-threshold*snap.Stddev) + "-" + clock(snap.Mean+threshold*snap.Stddev)
}
