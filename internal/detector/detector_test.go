package detector_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/tripwire/sentinel/internal/baseline"
	"github.com/tripwire/sentinel/internal/detector"
	"github.com/tripwire/sentinel/internal/model"
	"github.com/tripwire/sentinel/internal/store/sqlite"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

var day0 = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("sqlite.New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// learnAfter returns a baseline config whose learning completes exactly at n
// samples.
func learnAfter(n int) baseline.Config {
	return baseline.Config{MinSamples: n, MinSamplesForConfidence: n, ConfidenceFloor: 1, MinStddev: 0.25}
}

func newEngine(s *sqlite.Store, cfg baseline.Config) *baseline.Engine {
	return baseline.New(s, cfg, baseline.WithLogger(discardLogger()))
}

func addSignal(t *testing.T, s *sqlite.Store, typ model.SignalType, value string, ts time.Time) model.Signal {
	t.Helper()
	sig := model.Signal{Type: typ, Value: value, Timestamp: ts}
	id, err := s.AppendSignal(context.Background(), sig)
	if err != nil {
		t.Fatalf("AppendSignal: %v", err)
	}
	sig.ID = id
	return sig
}

// at returns day d at fractional hour h.
func at(d int, h float64) time.Time {
	return day0.AddDate(0, 0, d).Add(time.Duration(h * float64(time.Hour)))
}

func unresolved(t *testing.T, s *sqlite.Store) []model.Anomaly {
	t.Helper()
	as, err := s.UnresolvedAnomalies(context.Background())
	if err != nil {
		t.Fatalf("UnresolvedAnomalies: %v", err)
	}
	return as
}

// ---------------------------------------------------------------------------
// Severity
// ---------------------------------------------------------------------------

func TestSeverity_Bands(t *testing.T) {
	cases := []struct {
		dev  float64
		want int
	}{
		{0.5, 1}, {2.0, 1}, {2.24, 1}, {2.25, 2}, {2.49, 2},
		{2.5, 3}, {2.99, 3}, {3.0, 4}, {3.99, 4}, {4.0, 5}, {80, 5},
	}
	for _, tc := range cases {
		if got := detector.Severity(tc.dev); got != tc.want {
			t.Errorf("Severity(%v) = %d, want %d", tc.dev, got, tc.want)
		}
	}
}

func TestSeverity_Monotone(t *testing.T) {
	prev := 0
	for dev := 0.0; dev < 6; dev += 0.01 {
		s := detector.Severity(dev)
		if s < prev || s < 1 || s > 5 {
			t.Fatalf("Severity(%v) = %d after %d", dev, s, prev)
		}
		prev = s
	}
}

// ---------------------------------------------------------------------------
// Unlock
// ---------------------------------------------------------------------------

func TestPipeline_UnusualUnlockHour(t *testing.T) {
	s := openStore(t)
	eng := newEngine(s, learnAfter(50))
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		addSignal(t, s, model.SignalUnlock, "unlock", at(i, 7+16*float64(i)/49))
	}
	odd := addSignal(t, s, model.SignalUnlock, "unlock", at(50, 3))

	p := detector.NewPipeline(s, []detector.Detector{
		detector.NewUnlock(eng, detector.Params{Threshold: 2.0, Weight: 2}, time.UTC),
	}, detector.WithLogger(discardLogger()))

	res, err := p.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Processed != 51 || res.Anomalies != 1 {
		t.Errorf("result = %+v, want 51 processed, 1 anomaly", res)
	}

	as := unresolved(t, s)
	if len(as) != 1 {
		t.Fatalf("got %d anomalies, want 1", len(as))
	}
	a := as[0]
	if a.SignalID != odd.ID || a.AnomalyType != detector.AnomalyUnusualUnlockTime {
		t.Errorf("anomaly = %+v", a)
	}
	if a.Severity < 3 {
		t.Errorf("severity = %d, want >= 3", a.Severity)
	}
	if a.RiskPoints != a.Severity*2 {
		t.Errorf("risk points = %d, want severity*2", a.RiskPoints)
	}
	if !strings.Contains(a.Description, "03:00") || !strings.Contains(a.Description, "baseline window") {
		t.Errorf("description = %q", a.Description)
	}

	left, err := s.UnprocessedSignals(ctx, model.SignalUnlock, 10)
	if err != nil || len(left) != 0 {
		t.Errorf("unprocessed after run = %d (err %v), want 0", len(left), err)
	}
	// The anomalous sample is not learned.
	if b, _ := eng.Get(ctx, detector.MetricUnlock); b.SampleCount != 50 {
		t.Errorf("SampleCount = %d, want 50", b.SampleCount)
	}
}

func TestUnlock_ColdStartNeverJudges(t *testing.T) {
	s := openStore(t)
	eng := newEngine(s, baseline.DefaultConfig())
	d := detector.NewUnlock(eng, detector.Params{Threshold: 2.0, Weight: 2}, time.UTC)
	ctx := context.Background()

	for i, h := range []float64{9, 9.5, 10, 3, 23.9} {
		sig := addSignal(t, s, model.SignalUnlock, "unlock", at(i, h))
		a, err := d.Detect(ctx, sig)
		if err != nil || a != nil {
			t.Fatalf("Detect during learning = %v, %v; want nil, nil", a, err)
		}
	}
}

func TestUnlock_ReplayIsIdempotent(t *testing.T) {
	s := openStore(t)
	eng := newEngine(s, learnAfter(30))
	d := detector.NewUnlock(eng, detector.Params{Threshold: 2.0, Weight: 2}, time.UTC)
	ctx := context.Background()

	var last model.Signal
	for i := 0; i < 20; i++ {
		last = addSignal(t, s, model.SignalUnlock, "unlock", at(i, 12))
		if _, err := d.Detect(ctx, last); err != nil {
			t.Fatalf("Detect: %v", err)
		}
	}
	if _, err := d.Detect(ctx, last); err != nil {
		t.Fatalf("Detect replay: %v", err)
	}
	if b, _ := eng.Get(ctx, detector.MetricUnlock); b.SampleCount != 20 {
		t.Errorf("SampleCount after replay = %d, want 20", b.SampleCount)
	}
}

func TestUnlock_WindowAcrossMidnight(t *testing.T) {
	s := openStore(t)
	eng := newEngine(s, learnAfter(40))
	d := detector.NewUnlock(eng, detector.Params{Threshold: 2.0, Weight: 2}, time.UTC)
	ctx := context.Background()

	// A night owl: every unlock falls between 22:00 and 02:00.
	for i := 0; i < 40; i++ {
		h := 22 + 4*float64(i)/39
		if h >= 24 {
			h -= 24
		}
		sig := addSignal(t, s, model.SignalUnlock, "unlock", at(i, h))
		if a, err := d.Detect(ctx, sig); err != nil || a != nil {
			t.Fatalf("Detect while learning %.2fh = %v, %v", h, a, err)
		}
	}

	for _, h := range []float64{23.5, 0.75} {
		sig := addSignal(t, s, model.SignalUnlock, "unlock", at(41, h))
		a, err := d.Detect(ctx, sig)
		if err != nil {
			t.Fatalf("Detect %.2fh: %v", h, err)
		}
		if a != nil {
			t.Errorf("unlock at %.2fh inside the learned window flagged: %+v", h, a)
		}
	}

	noon := addSignal(t, s, model.SignalUnlock, "unlock", at(42, 11))
	a, err := d.Detect(ctx, noon)
	if err != nil {
		t.Fatalf("Detect 11:00: %v", err)
	}
	if a == nil || a.AnomalyType != detector.AnomalyUnusualUnlockTime {
		t.Fatalf("unlock at 11:00 = %+v, want %s", a, detector.AnomalyUnusualUnlockTime)
	}
	if !strings.Contains(a.Description, "11:00") || !strings.Contains(a.Description, "21:") {
		t.Errorf("description = %q, want the hour and a window starting before midnight", a.Description)
	}
}

// ---------------------------------------------------------------------------
// App usage
// ---------------------------------------------------------------------------

func TestAppUsage_LongSession(t *testing.T) {
	s := openStore(t)
	eng := newEngine(s, learnAfter(40))
	d := detector.NewAppUsage(eng, detector.Params{Threshold: 2.5, Weight: 3})
	ctx := context.Background()

	for i := 0; i < 40; i++ {
		v := "540"
		if i%2 == 0 {
			v = "660"
		}
		if a, err := d.Detect(ctx, addSignal(t, s, model.SignalAppUsage, v, at(i, 10))); err != nil || a != nil {
			t.Fatalf("Detect while learning = %v, %v", a, err)
		}
	}

	sig := addSignal(t, s, model.SignalAppUsage, "5400", at(41, 10))
	sig.Metadata = "com.example.bank"
	a, err := d.Detect(ctx, sig)
	if err != nil || a == nil {
		t.Fatalf("Detect long session = %v, %v; want anomaly", a, err)
	}
	if a.Severity != 5 || a.RiskPoints != 15 || a.AnomalyType != detector.AnomalyUnusualAppUsage {
		t.Errorf("anomaly = %+v", a)
	}
	if !strings.Contains(a.Description, "com.example.bank") || !strings.Contains(a.Description, "1h30m0s") {
		t.Errorf("description = %q", a.Description)
	}

	if a, err := d.Detect(ctx, addSignal(t, s, model.SignalAppUsage, "600", at(42, 10))); err != nil || a != nil {
		t.Errorf("Detect typical session = %v, %v; want nil", a, err)
	}
}

func TestAppUsage_Malformed(t *testing.T) {
	s := openStore(t)
	d := detector.NewAppUsage(newEngine(s, baseline.DefaultConfig()), detector.Params{Threshold: 2.5, Weight: 3})
	for _, v := range []string{"", "abc", "-5", "NaN", "+Inf"} {
		_, err := d.Detect(context.Background(), model.Signal{ID: 1, Type: model.SignalAppUsage, Value: v, Timestamp: day0})
		if !errors.Is(err, detector.ErrMalformedSignal) {
			t.Errorf("Detect(%q) err = %v, want ErrMalformedSignal", v, err)
		}
	}
}

// ---------------------------------------------------------------------------
// Network
// ---------------------------------------------------------------------------

func TestNetwork_UnfamiliarNetworkAfterLearning(t *testing.T) {
	s := openStore(t)
	eng := newEngine(s, learnAfter(40))
	params := detector.Params{Threshold: 2.5, Weight: 4}
	p := detector.NewPipeline(s, []detector.Detector{
		detector.NewNetwork(eng, s, params, time.UTC),
	}, detector.WithLogger(discardLogger()))
	ctx := context.Background()

	for i := 0; i < 40; i++ {
		addSignal(t, s, model.SignalNetwork, "wifi:Home", at(i, float64(8+i%12)))
	}
	if res, err := p.Run(ctx); err != nil || res.Anomalies != 0 {
		t.Fatalf("learning run = %+v, %v", res, err)
	}

	evil := addSignal(t, s, model.SignalNetwork, "wifi:Evil", at(41, 13))
	addSignal(t, s, model.SignalNetwork, "wifi:Home", at(41, 13.5))
	addSignal(t, s, model.SignalNetwork, "wifi:Evil", at(41, 14))
	res, err := p.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Anomalies != 1 {
		t.Fatalf("anomalies = %d, want 1 (only the first sighting of wifi:Evil)", res.Anomalies)
	}
	a := unresolved(t, s)[0]
	if a.SignalID != evil.ID || a.AnomalyType != detector.AnomalyUnfamiliarNetwork {
		t.Errorf("anomaly = %+v", a)
	}
	if a.Severity != 3 || a.RiskPoints != 12 {
		t.Errorf("severity/points = %d/%d, want 3/12", a.Severity, a.RiskPoints)
	}

	// A detector rebuilt after a restart seeds from history and still
	// reproduces the anomaly for a replay of the introducing signal.
	fresh := detector.NewNetwork(eng, s, params, time.UTC)
	again, err := fresh.Detect(ctx, evil)
	if err != nil || again == nil || again.AnomalyType != detector.AnomalyUnfamiliarNetwork {
		t.Fatalf("replay Detect = %+v, %v", again, err)
	}
	if !fresh.Known("wifi:Home") {
		t.Error("history did not seed wifi:Home")
	}
	if _, created, _ := s.AppendAnomaly(ctx, *again); created {
		t.Error("replayed anomaly was stored twice")
	}
}

// ---------------------------------------------------------------------------
// Location
// ---------------------------------------------------------------------------

const homeLat, homeLng = 51.5007, -0.1246

func TestLocation_ClustersAndNewPlace(t *testing.T) {
	s := openStore(t)
	eng := newEngine(s, learnAfter(40))
	d := detector.NewLocation(eng, s, detector.LocationParams{
		Params:         detector.Params{Threshold: 2.5, Weight: 6},
		RadiusMeters:   150,
		NovelDeviation: 3.0,
	})
	ctx := context.Background()

	for i := 0; i < 40; i++ {
		off := 0.0001
		if i%2 == 0 {
			off = -off
		}
		v := fmtLatLng(homeLat+off, homeLng)
		sig := addSignal(t, s, model.SignalLocation, v, day0.Add(time.Duration(i)*time.Hour))
		if a, err := d.Detect(ctx, sig); err != nil || a != nil {
			t.Fatalf("Detect home sample %d = %v, %v", i, a, err)
		}
	}

	cs, err := d.Clusters(ctx)
	if err != nil {
		t.Fatalf("Clusters: %v", err)
	}
	if len(cs) != 1 || cs[0].VisitCount != 40 {
		t.Fatalf("clusters = %+v, want one with 40 visits", cs)
	}
	if cs[0].TimeSpentSeconds != 39*3600 {
		t.Errorf("TimeSpentSeconds = %d, want %d", cs[0].TimeSpentSeconds, 39*3600)
	}

	// About 20 km north.
	far := addSignal(t, s, model.SignalLocation, fmtLatLng(51.68, -0.1246), day0.Add(41*time.Hour))
	a, err := d.Detect(ctx, far)
	if err != nil || a == nil {
		t.Fatalf("Detect far = %v, %v; want anomaly", a, err)
	}
	if a.AnomalyType != detector.AnomalyNewLocation || a.Severity != 5 || a.RiskPoints != 30 {
		t.Errorf("anomaly = %+v", a)
	}

	// Replay does not spawn a second cluster but reproduces the anomaly.
	if again, err := d.Detect(ctx, far); err != nil || again == nil {
		t.Errorf("replay Detect = %v, %v", again, err)
	}
	cs, _ = d.Clusters(ctx)
	if len(cs) != 2 {
		t.Fatalf("clusters after replay = %d, want 2", len(cs))
	}

	// Trusting the new place silences it.
	var newID int64
	for _, c := range cs {
		if c.VisitCount == 1 {
			newID = c.ID
		}
	}
	if err := d.Trust(ctx, newID, true); err != nil {
		t.Fatalf("Trust: %v", err)
	}
	back := addSignal(t, s, model.SignalLocation, fmtLatLng(51.68, -0.1246), day0.Add(42*time.Hour))
	if a, err := d.Detect(ctx, back); err != nil || a != nil {
		t.Errorf("Detect in trusted cluster = %v, %v; want nil", a, err)
	}
}

func TestLocation_ReplayIsJudgedBySignalID(t *testing.T) {
	s := openStore(t)
	eng := newEngine(s, learnAfter(40))
	d := detector.NewLocation(eng, s, detector.LocationParams{
		Params:         detector.Params{Threshold: 2.5, Weight: 6},
		RadiusMeters:   150,
		NovelDeviation: 3.0,
	})
	ctx := context.Background()
	ts := day0.Add(10 * time.Hour)

	first := addSignal(t, s, model.SignalLocation, fmtLatLng(homeLat, homeLng), ts)
	// Two distinct fixes sharing a timestamp, then one delivered late.
	same := addSignal(t, s, model.SignalLocation, fmtLatLng(homeLat+0.0001, homeLng), ts)
	late := addSignal(t, s, model.SignalLocation, fmtLatLng(homeLat-0.0001, homeLng), ts.Add(-time.Hour))
	for _, sig := range []model.Signal{first, same, late} {
		if _, err := d.Detect(ctx, sig); err != nil {
			t.Fatalf("Detect %d: %v", sig.ID, err)
		}
	}

	cs, err := d.Clusters(ctx)
	if err != nil {
		t.Fatalf("Clusters: %v", err)
	}
	if len(cs) != 1 || cs[0].VisitCount != 3 {
		t.Fatalf("clusters = %+v, want one with 3 visits", cs)
	}
	if cs[0].FirstSignalID != first.ID || cs[0].LastSignalID != late.ID {
		t.Errorf("signal ids = %d..%d, want %d..%d", cs[0].FirstSignalID, cs[0].LastSignalID, first.ID, late.ID)
	}
	if !cs[0].LastVisit.Equal(ts) {
		t.Errorf("LastVisit = %v, want %v (a late fix never moves it back)", cs[0].LastVisit, ts)
	}

	// Replaying an already folded signal changes nothing.
	if _, err := d.Detect(ctx, same); err != nil {
		t.Fatalf("Detect replay: %v", err)
	}
	stored, err := s.ListClusters(ctx)
	if err != nil {
		t.Fatalf("ListClusters: %v", err)
	}
	if len(stored) != 1 || stored[0].VisitCount != 3 || stored[0].LastSignalID != late.ID {
		t.Errorf("stored after replay = %+v, want 3 visits up to signal %d", stored, late.ID)
	}
}

func TestParseLatLng(t *testing.T) {
	if lat, lng, err := detector.ParseLatLng(" 51.5, -0.12 "); err != nil || lat != 51.5 || lng != -0.12 {
		t.Errorf("ParseLatLng = %v, %v, %v", lat, lng, err)
	}
	for _, v := range []string{"", "51.5", "91,0", "0,181", "a,b", "1,2,3"} {
		if _, _, err := detector.ParseLatLng(v); err == nil {
			t.Errorf("ParseLatLng(%q) = nil error", v)
		}
	}
}

func TestHaversine(t *testing.T) {
	// One degree of latitude is ~111.2 km.
	if d := detector.Haversine(0, 0, 1, 0); d < 111000 || d > 111400 {
		t.Errorf("Haversine one degree = %v m", d)
	}
	if d := detector.Haversine(homeLat, homeLng, homeLat, homeLng); d != 0 {
		t.Errorf("Haversine same point = %v", d)
	}
}

// ---------------------------------------------------------------------------
// Pipeline failure handling
// ---------------------------------------------------------------------------

func TestPipeline_MalformedSignalsAreSkipped(t *testing.T) {
	s := openStore(t)
	eng := newEngine(s, baseline.DefaultConfig())
	p := detector.NewPipeline(s, []detector.Detector{
		detector.NewAppUsage(eng, detector.Params{Threshold: 2.5, Weight: 3}),
	}, detector.WithLogger(discardLogger()))

	addSignal(t, s, model.SignalAppUsage, "not-a-number", day0)
	addSignal(t, s, model.SignalAppUsage, "120", day0.Add(time.Minute))

	res, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Processed != 2 || res.Malformed != 1 {
		t.Errorf("result = %+v, want 2 processed, 1 malformed", res)
	}
	left, _ := s.UnprocessedSignals(context.Background(), model.SignalAppUsage, 10)
	if len(left) != 0 {
		t.Errorf("malformed signal left unprocessed")
	}
}

// failingStore breaks reads for the listed signal classes.
type failingStore struct {
	*sqlite.Store
	broken []model.SignalType
}

func (f failingStore) UnprocessedSignals(ctx context.Context, typ model.SignalType, limit int) ([]model.Signal, error) {
	if slices.Contains(f.broken, typ) {
		return nil, errors.New("disk I/O error")
	}
	return f.Store.UnprocessedSignals(ctx, typ, limit)
}

func TestPipeline_StoreFailureAbortsOnlyThatClass(t *testing.T) {
	s := openStore(t)
	eng := newEngine(s, baseline.DefaultConfig())
	fs := failingStore{Store: s, broken: []model.SignalType{model.SignalNetwork}}
	p := detector.NewPipeline(fs, []detector.Detector{
		detector.NewNetwork(eng, s, detector.Params{Threshold: 2.5, Weight: 4}, time.UTC),
		detector.NewUnlock(eng, detector.Params{Threshold: 2.0, Weight: 2}, time.UTC),
	}, detector.WithLogger(discardLogger()))

	addSignal(t, s, model.SignalUnlock, "unlock", day0)
	addSignal(t, s, model.SignalNetwork, "wifi:Home", day0)

	res, err := p.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "NETWORK") {
		t.Fatalf("Run err = %v, want NETWORK failure", err)
	}
	if res.Processed != 1 {
		t.Errorf("processed = %d, want the UNLOCK signal", res.Processed)
	}
}

func TestPipeline_EveryClassFailureIsReported(t *testing.T) {
	s := openStore(t)
	eng := newEngine(s, baseline.DefaultConfig())
	fs := failingStore{Store: s, broken: []model.SignalType{model.SignalNetwork, model.SignalLocation}}

	var logs bytes.Buffer
	p := detector.NewPipeline(fs, []detector.Detector{
		detector.NewNetwork(eng, s, detector.Params{Threshold: 2.5, Weight: 4}, time.UTC),
		detector.NewLocation(eng, s, detector.LocationParams{Params: detector.Params{Threshold: 2.5, Weight: 6}, RadiusMeters: 150, NovelDeviation: 3}),
		detector.NewUnlock(eng, detector.Params{Threshold: 2.0, Weight: 2}, time.UTC),
	}, detector.WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))

	addSignal(t, s, model.SignalUnlock, "unlock", day0)
	addSignal(t, s, model.SignalUnlock, "unlock", day0.Add(time.Hour))

	res, err := p.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "disk I/O error") {
		t.Fatalf("Run err = %v, want a read failure", err)
	}
	if res.Processed != 2 {
		t.Errorf("processed = %d, want both UNLOCK signals", res.Processed)
	}
	for _, class := range []string{"type=NETWORK", "type=LOCATION"} {
		if !strings.Contains(logs.String(), class) {
			t.Errorf("log has no abort entry for %s:\n%s", class, logs.String())
		}
	}
	if strings.Contains(logs.String(), "type=UNLOCK") {
		t.Errorf("healthy class logged as aborted:\n%s", logs.String())
	}
}

func TestPipeline_CancelledBeforeStartWritesNothing(t *testing.T) {
	s := openStore(t)
	eng := newEngine(s, baseline.DefaultConfig())
	p := detector.NewPipeline(s, []detector.Detector{
		detector.NewUnlock(eng, detector.Params{Threshold: 2.0, Weight: 2}, time.UTC),
	}, detector.WithLogger(discardLogger()))
	addSignal(t, s, model.SignalUnlock, "unlock", day0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run err = %v, want context.Canceled", err)
	}
	left, _ := s.UnprocessedSignals(context.Background(), model.SignalUnlock, 10)
	if len(left) != 1 {
		t.Errorf("unprocessed = %d, want 1", len(left))
	}
}

func TestFromConfig_OneDetectorPerClass(t *testing.T) {
	s := openStore(t)
	cfg := configDetectors()
	ds := detector.FromConfig(cfg, time.UTC, newEngine(s, baseline.DefaultConfig()), s)
	if len(ds) != len(model.SignalTypes) {
		t.Fatalf("got %d detectors", len(ds))
	}
	for i, d := range ds {
		if d.Class() != model.SignalTypes[i] {
			t.Errorf("detector %d class = %s, want %s", i, d.Class(), model.SignalTypes[i])
		}
	}
}
