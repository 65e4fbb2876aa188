package detector

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tripwire/sentinel/internal/baseline"
	"github.com/tripwire/sentinel/internal/model"
	"github.com/tripwire/sentinel/internal/store"
)

// historyLimit bounds how much processed NETWORK history seeds the known set.
const historyLimit = 5000

// NetworkDetector flags network changes at an unusual hour and networks the
// device has never joined before. The signal value is the network
// identifier, e.g. "wifi:HomeNet" or "cell:310-260-1234".
type NetworkDetector struct {
	baseline *baseline.Engine
	params   Params
	loc      *time.Location
	signals  store.SignalStore

	mu     sync.Mutex
	loaded bool
	// known maps a network identifier to the id of the first signal that
	// introduced it.
	known map[string]int64
}

// NewNetwork returns a NetworkDetector. The known-network set is seeded from
// processed history in signals on first use.
func NewNetwork(eng *baseline.Engine, signals store.SignalStore, p Params, loc *time.Location) *NetworkDetector {
	if loc == nil {
		loc = time.UTC
	}
	return &NetworkDetector{baseline: eng, params: p, loc: loc, signals: signals, known: make(map[string]int64)}
}

func (d *NetworkDetector) Class() model.SignalType { return model.SignalNetwork }

func (d *NetworkDetector) Detect(ctx context.Context, sig model.Signal) (*model.Anomaly, error) {
	network := strings.TrimSpace(sig.Value)
	if network == "" {
		return nil, malformed(sig, "empty network identifier")
	}
	if sig.Timestamp.IsZero() {
		return nil, malformed(sig, "missing timestamp")
	}

	unfamiliar, err := d.introduce(ctx, network, sig.ID)
	if err != nil {
		return nil, err
	}
	var floor float64
	if unfamiliar {
		floor = d.params.Threshold
	}

	h, err := alignHour(ctx, d.baseline, MetricNetwork, hourOfDay(sig.Timestamp, d.loc))
	if err != nil {
		return nil, err
	}
	dev, anomalous, err := judge(ctx, d.baseline, d.params, MetricNetwork, h, sig, floor)
	if err != nil || !anomalous {
		return nil, err
	}

	at := sig.Timestamp.In(d.loc).Format("15:04")
	if unfamiliar {
		desc := fmt.Sprintf("switched to unfamiliar network %s at %s", network, at)
		return newAnomaly(sig, AnomalyUnfamiliarNetwork, d.params, dev, desc), nil
	}
	desc := fmt.Sprintf("network change to %s at unusual hour: %s, baseline window %s",
		network, at, window(ctx, d.baseline, MetricNetwork, d.params.Threshold))
	return newAnomaly(sig, AnomalyUnusualNetworkTime, d.params, dev, desc), nil
}

// Known reports whether network has been seen before.
func (d *NetworkDetector) Known(network string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.known[network]
	return ok
}

// introduce records network as seen by signalID and reports whether it was
// unfamiliar. A replay of the signal that introduced a network is still
// reported as unfamiliar so the anomaly is reproduced.
func (d *NetworkDetector) introduce(ctx context.Context, network string, signalID int64) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.loaded {
		history, err := d.signals.ProcessedSignals(ctx, model.SignalNetwork, historyLimit)
		if err != nil {
			return false, fmt.Errorf("detector: load network history: %w", err)
		}
		for _, s := range history {
			id := strings.TrimSpace(s.Value)
			if first, ok := d.known[id]; !ok || s.ID < first {
				d.known[id] = s.ID
			}
		}
		d.loaded = true
	}

	first, ok := d.known[network]
	if !ok {
		d.known[network] = signalID
		return true, nil
	}
	return signalID != 0 && first == signalID, nil
}
