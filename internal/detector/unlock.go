package detector

import (
	"context"
	"fmt"
	"time"

	"github.com/tripwire/sentinel/internal/baseline"
	"github.com/tripwire/sentinel/internal/model"
)

// UnlockDetector flags unlocks at an unusual hour of the day.
type UnlockDetector struct {
	baseline *baseline.Engine
	params   Params
	loc      *time.Location
}

// NewUnlock returns an UnlockDetector reading hours in loc.
func NewUnlock(eng *baseline.Engine, p Params, loc *time.Location) *UnlockDetector {
	if loc == nil {
		loc = time.UTC
	}
	return &UnlockDetector{baseline: eng, params: p, loc: loc}
}

func (d *UnlockDetector) Class() model.SignalType { return model.SignalUnlock }

func (d *UnlockDetector) Detect(ctx context.Context, sig model.Signal) (*model.Anomaly, error) {
	if sig.Timestamp.IsZero() {
		return nil, malformed(sig, "missing timestamp")
	}
	h, err := alignHour(ctx, d.baseline, MetricUnlock, hourOfDay(sig.Timestamp, d.loc))
	if err != nil {
		return nil, err
	}

	dev, anomalous, err := judge(ctx, d.baseline, d.params, MetricUnlock, h, sig, 0)
	if err != nil || !anomalous {
		return nil, err
	}
	desc := fmt.Sprintf("unlock attempt at unusual hour: %s, baseline window %s",
		sig.Timestamp.In(d.loc).Format("15:04"), window(ctx, d.baseline, MetricUnlock, d.params.Threshold))
	return newAnomaly(sig, AnomalyUnusualUnlockTime, d.params, dev, desc), nil
}
