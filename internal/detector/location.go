package detector

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/tripwire/sentinel/internal/audit"
	"github.com/tripwire/sentinel/internal/baseline"
	"github.com/tripwire/sentinel/internal/model"
	"github.com/tripwire/sentinel/internal/store"
)

const earthRadiusM = 6371000.0

// LocationParams extends Params with online clustering settings.
type LocationParams struct {
	Params
	// RadiusMeters is the radius of a newly spawned cluster.
	RadiusMeters float64
	// NovelDeviation is the deviation assigned to a sample that spawned a
	// new cluster once learning is complete.
	NovelDeviation float64
}

// LocationOption configures a LocationDetector.
type LocationOption func(*LocationDetector)

// WithClusterAudit records trust changes in r.
func WithClusterAudit(r audit.Recorder) LocationOption {
	return func(d *LocationDetector) { d.audit = r }
}

// WithClusterLogger sets the logger used for trust changes.
func WithClusterLogger(l *slog.Logger) LocationOption {
	return func(d *LocationDetector) { d.logger = l }
}

// LocationDetector clusters location samples online and flags samples far
// from where the device usually is, or at places it has never been. The
// signal value is "lat,lng" in decimal degrees.
type LocationDetector struct {
	baseline *baseline.Engine
	clusters store.ClusterStore
	params   LocationParams
	audit    audit.Recorder
	logger   *slog.Logger

	mu     sync.Mutex
	loaded bool
	known  []model.LocationCluster
	// last is the cluster the previous sample fell in, for time spent.
	last     int64
	lastSeen model.Signal
}

// NewLocation returns a LocationDetector persisting clusters to cs.
func NewLocation(eng *baseline.Engine, cs store.ClusterStore, p LocationParams, opts ...LocationOption) *LocationDetector {
	d := &LocationDetector{baseline: eng, clusters: cs, params: p, logger: slog.Default()}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *LocationDetector) Class() model.SignalType { return model.SignalLocation }

func (d *LocationDetector) Detect(ctx context.Context, sig model.Signal) (*model.Anomaly, error) {
	lat, lng, err := ParseLatLng(sig.Value)
	if err != nil {
		return nil, malformed(sig, "%v", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.load(ctx); err != nil {
		return nil, err
	}
	hadClusters := len(d.known) > 0

	c, spawned, err := d.place(ctx, sig, lat, lng)
	if err != nil {
		return nil, err
	}

	home := d.home()
	distKm := Haversine(home.CenterLat, home.CenterLng, lat, lng) / 1000

	if c.Trusted {
		_, err := d.baseline.ObserveSignal(ctx, MetricLocation, distKm, sig.ID)
		return nil, err
	}

	var floor float64
	if spawned && hadClusters {
		floor = d.params.NovelDeviation
	}
	dev, anomalous, err := judge(ctx, d.baseline, d.params.Params, MetricLocation, distKm, sig, floor)
	if err != nil || !anomalous {
		return nil, err
	}

	if spawned {
		desc := fmt.Sprintf("device at a place never visited before (%.5f,%.5f), %.1f km from the most visited place", lat, lng, distKm)
		return newAnomaly(sig, AnomalyNewLocation, d.params.Params, dev, desc), nil
	}
	desc := fmt.Sprintf("device %.1f km from the most visited place, further than usual", distKm)
	return newAnomaly(sig, AnomalyUnusualLocation, d.params.Params, dev, desc), nil
}

// Clusters returns a copy of the learned clusters.
func (d *LocationDetector) Clusters(ctx context.Context) ([]model.LocationCluster, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.load(ctx); err != nil {
		return nil, err
	}
	return append([]model.LocationCluster(nil), d.known...), nil
}

// Trust marks cluster id as trusted (or not). Samples inside a trusted
// cluster never produce an anomaly.
func (d *LocationDetector) Trust(ctx context.Context, id int64, trusted bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.clusters.SetClusterTrusted(ctx, id, trusted); err != nil {
		return fmt.Errorf("detector: trust cluster %d: %w", id, err)
	}
	for i := range d.known {
		if d.known[i].ID == id {
			d.known[i].Trusted = trusted
		}
	}
	d.logger.Info("location cluster trust changed", slog.Int64("cluster_id", id), slog.Bool("trusted", trusted))
	if d.audit != nil {
		rec := audit.Record{
			Kind:    audit.KindClusterTrusted,
			Subject: "cluster:" + strconv.FormatInt(id, 10),
			Detail:  map[string]any{"trusted": trusted},
		}
		if err := d.audit.Record(rec); err != nil {
			d.logger.Error("audit cluster trust", slog.Int64("cluster_id", id), slog.Any("error", err))
		}
	}
	return nil
}

func (d *LocationDetector) load(ctx context.Context) error {
	if d.loaded {
		return nil
	}
	cs, err := d.clusters.ListClusters(ctx)
	if err != nil {
		return fmt.Errorf("detector: load clusters: %w", err)
	}
	d.known = cs
	d.loaded = true
	return nil
}

// place folds the sample into the nearest cluster within its radius, or
// spawns a new one. spawned is also true when sig is a replay of the sample
// that originally spawned the cluster. Replays are recognized by signal id,
// never by timestamp.
func (d *LocationDetector) place(ctx context.Context, sig model.Signal, lat, lng float64) (model.LocationCluster, bool, error) {
	idx, best := -1, math.Inf(1)
	for i, c := range d.known {
		dist := Haversine(c.CenterLat, c.CenterLng, lat, lng)
		if dist <= c.RadiusMeters && dist < best {
			idx, best = i, dist
		}
	}

	if idx < 0 {
		c := model.LocationCluster{
			CenterLat:     lat,
			CenterLng:     lng,
			RadiusMeters:  d.params.RadiusMeters,
			VisitCount:    1,
			FirstSeen:     sig.Timestamp,
			LastVisit:     sig.Timestamp,
			FirstSignalID: sig.ID,
			LastSignalID:  sig.ID,
		}
		id, err := d.clusters.SaveCluster(ctx, c)
		if err != nil {
			return c, false, fmt.Errorf("detector: save cluster: %w", err)
		}
		c.ID = id
		d.known = append(d.known, c)
		d.remember(sig, id)
		return c, true, nil
	}

	c := d.known[idx]
	if sig.ID != 0 && sig.ID <= c.LastSignalID {
		// Already folded in: a replay after a crash. Signals are processed in
		// id order, so the watermark holds even when timestamps tie or run
		// backwards.
		return c, sig.ID == c.FirstSignalID, nil
	}

	if d.last == c.ID && !d.lastSeen.Timestamp.IsZero() && sig.Timestamp.After(d.lastSeen.Timestamp) {
		c.TimeSpentSeconds += int64(sig.Timestamp.Sub(d.lastSeen.Timestamp).Seconds())
	}
	n := float64(c.VisitCount + 1)
	c.CenterLat += (lat - c.CenterLat) / n
	c.CenterLng += (lng - c.CenterLng) / n
	c.VisitCount++
	if sig.Timestamp.After(c.LastVisit) {
		c.LastVisit = sig.Timestamp
	}
	c.LastSignalID = sig.ID

	if _, err := d.clusters.SaveCluster(ctx, c); err != nil {
		return c, false, fmt.Errorf("detector: save cluster %d: %w", c.ID, err)
	}
	d.known[idx] = c
	d.remember(sig, c.ID)
	return c, false, nil
}

func (d *LocationDetector) remember(sig model.Signal, clusterID int64) {
	d.last = clusterID
	d.lastSeen = sig
}

// home is the most visited cluster; ties go to the oldest. known is never
// empty when home is called.
func (d *LocationDetector) home() model.LocationCluster {
	h := d.known[0]
	for _, c := range d.known[1:] {
		if c.VisitCount > h.VisitCount || (c.VisitCount == h.VisitCount && c.ID < h.ID) {
			h = c
		}
	}
	return h
}

// ParseLatLng parses "lat,lng" in decimal degrees.
func ParseLatLng(v string) (lat, lng float64, err error) {
	parts := strings.Split(v, ",")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("location %q: want \"lat,lng\"", v)
	}
	lat, err = strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil || math.IsNaN(lat) || lat < -90 || lat > 90 {
		return 0, 0, fmt.Errorf("location %q: latitude out of range", v)
	}
	lng, err = strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil || math.IsNaN(lng) || lng < -180 || lng > 180 {
		return 0, 0, fmt.Errorf("location %q: longitude out of range", v)
	}
	return lat, lng, nil
}

// Haversine returns the great-circle distance in meters.
func Haversine(lat1, lng1, lat2, lng2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLng := (lng2 - lng1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusM * math.Asin(math.Min(1, math.Sqrt(a)))
}
