package detector

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/tripwire/sentinel/internal/baseline"
	"github.com/tripwire/sentinel/internal/model"
)

// AppUsageDetector flags foreground sessions of unusual length. The signal
// value is the session length in seconds; Metadata optionally names the app.
type AppUsageDetector struct {
	baseline *baseline.Engine
	params   Params
}

func NewAppUsage(eng *baseline.Engine, p Params) *AppUsageDetector {
	return &AppUsageDetector{baseline: eng, params: p}
}

func (d *AppUsageDetector) Class() model.SignalType { return model.SignalAppUsage }

func (d *AppUsageDetector) Detect(ctx context.Context, sig model.Signal) (*model.Anomaly, error) {
	secs, err := strconv.ParseFloat(strings.TrimSpace(sig.Value), 64)
	if err != nil || secs < 0 || math.IsInf(secs, 0) || math.IsNaN(secs) {
		return nil, malformed(sig, "session seconds %q", sig.Value)
	}

	dev, anomalous, err := judge(ctx, d.baseline, d.params, MetricAppUsage, secs, sig, 0)
	if err != nil || !anomalous {
		return nil, err
	}

	app := "app"
	if sig.Metadata != "" {
		app = sig.Metadata
	}
	typical := "unknown"
	if snap, found, err := d.baseline.Snapshot(ctx, MetricAppUsage); err == nil && found {
		typical = fmt.Sprintf("%s ± %s", seconds(snap.Mean), seconds(snap.Stddev))
	}
	desc := fmt.Sprintf("unusual %s session of %s, typical %s", app, seconds(secs), typical)
	return newAnomaly(sig, AnomalyUnusualAppUsage, d.params, dev, desc), nil
}

func seconds(s float64) string {
	return (time.Duration(s) * time.Second).String()
}
