package risk_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tripwire/sentinel/internal/audit"
	"github.com/tripwire/sentinel/internal/feed"
	"github.com/tripwire/sentinel/internal/model"
	"github.com/tripwire/sentinel/internal/queue"
	"github.com/tripwire/sentinel/internal/risk"
	"github.com/tripwire/sentinel/internal/store"
	"github.com/tripwire/sentinel/internal/store/sqlite"
	"github.com/tripwire/sentinel/internal/timeline"
)

var t0 = time.Date(2024, 5, 1, 3, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu   sync.Mutex
	recs []audit.Record
}

func (r *recorder) Record(rec audit.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
	return nil
}

func (r *recorder) kinds() []audit.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]audit.Kind, len(r.recs))
	for i, rec := range r.recs {
		out[i] = rec.Kind
	}
	return out
}

type countingAction struct {
	name string
	err  error
	runs int
}

func (a *countingAction) Name() string { return a.name }

func (a *countingAction) Run(context.Context) error {
	a.runs++
	return a.err
}

type harness struct {
	store  *sqlite.Store
	clock  *clock
	audit  *recorder
	feed   *feed.Feed
	queue  *queue.Queue
	lock   *countingAction
	engine *risk.Engine
}

// wrappers substitute the store seen by the engine or by the alert queue.
type wrappers struct {
	engine func(*sqlite.Store) risk.Store
	queue  func(*sqlite.Store) store.AlertQueueStore
}

func newHarness(t *testing.T, mutate func(*risk.Config)) *harness {
	t.Helper()
	return newWrappedHarness(t, mutate, wrappers{})
}

func newWrappedHarness(t *testing.T, mutate func(*risk.Config), w wrappers) *harness {
	t.Helper()
	st, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("sqlite.New: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{
		store: st,
		clock: &clock{now: t0},
		audit: &recorder{},
		feed:  feed.New(logger, 8),
		lock:  &countingAction{name: "lock"},
	}
	var qs store.AlertQueueStore = st
	if w.queue != nil {
		qs = w.queue(st)
	}
	var es risk.Store = st
	if w.engine != nil {
		es = w.engine(st)
	}
	h.queue, err = queue.New(context.Background(), qs, []string{"owner@example.com", "backup@example.com"},
		queue.WithLogger(logger), queue.WithClock(h.clock.Now))
	if err != nil {
		t.Fatalf("queue.New: %v", err)
	}

	cfg := risk.DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	h.engine, err = risk.New(es, cfg,
		risk.WithLogger(logger),
		risk.WithClock(h.clock.Now),
		risk.WithAudit(h.audit),
		risk.WithFeed(h.feed),
		risk.WithNotifier(h.queue),
		risk.WithTimeline(timeline.New(st, 30*time.Minute, time.UTC)),
		risk.WithActions([]risk.Action{h.lock}),
		risk.WithDeviceState(func(context.Context) (string, error) { return "screen on, battery 40%", nil }),
	)
	if err != nil {
		t.Fatalf("risk.New: %v", err)
	}
	return h
}

func (h *harness) anomaly(t *testing.T, typ string, points int, at time.Time) int64 {
	t.Helper()
	id, _, err := h.store.AppendAnomaly(context.Background(), model.Anomaly{
		AnomalyType: typ,
		Description: fmt.Sprintf("%s worth %d", typ, points),
		Severity:    3,
		RiskPoints:  points,
		Timestamp:   at,
	})
	if err != nil {
		t.Fatalf("AppendAnomaly: %v", err)
	}
	return id
}

// flakyIncidents fails the first incident write.
type flakyIncidents struct {
	*sqlite.Store
	failed bool
}

func (f *flakyIncidents) AppendIncident(ctx context.Context, inc model.Incident) (int64, error) {
	if !f.failed {
		f.failed = true
		return 0, errors.New("disk full")
	}
	return f.Store.AppendIncident(ctx, inc)
}

// flakyAlerts fails the enqueue numbered failAt (1-based) once.
type flakyAlerts struct {
	*sqlite.Store
	calls  int
	failAt int
}

func (f *flakyAlerts) EnqueueAlert(ctx context.Context, a model.Alert) (int64, error) {
	f.calls++
	if f.calls == f.failAt {
		return 0, errors.New("database is locked")
	}
	return f.Store.EnqueueAlert(ctx, a)
}

func (h *harness) incidents(t *testing.T) []model.Incident {
	t.Helper()
	incs, err := h.store.IncidentsBetween(context.Background(), t0.Add(-24*time.Hour), h.clock.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("IncidentsBetween: %v", err)
	}
	return incs
}

func TestLevels_Total(t *testing.T) {
	l := risk.DefaultLevels()
	if err := l.Validate(); err != nil {
		t.Fatalf("default levels invalid: %v", err)
	}
	cases := map[int]model.RiskLevel{
		0: model.RiskLow, 19: model.RiskLow,
		20: model.RiskMedium, 49: model.RiskMedium,
		50: model.RiskHigh, 79: model.RiskHigh,
		80: model.RiskCritical, 10000: model.RiskCritical,
	}
	for score, want := range cases {
		if got := l.Level(score); got != want {
			t.Errorf("Level(%d) = %s, want %s", score, got, want)
		}
	}

	rank := map[model.RiskLevel]int{model.RiskLow: 0, model.RiskMedium: 1, model.RiskHigh: 2, model.RiskCritical: 3}
	prev := 0
	for s := 0; s <= 200; s++ {
		got := l.Level(s)
		if !got.Valid() {
			t.Fatalf("Level(%d) = %q is not a valid level", s, got)
		}
		if rank[got] < prev {
			t.Fatalf("Level(%d) = %s went down", s, got)
		}
		prev = rank[got]
	}

	for _, bad := range []risk.Levels{{0, 50, 80}, {20, 20, 80}, {20, 90, 80}} {
		if err := bad.Validate(); err == nil {
			t.Errorf("Validate(%+v) = nil, want error", bad)
		}
	}
}

func TestIncidentSeverity(t *testing.T) {
	want := map[model.RiskLevel]int{model.RiskLow: 1, model.RiskMedium: 2, model.RiskHigh: 4, model.RiskCritical: 5}
	for level, sev := range want {
		if got := risk.IncidentSeverity(level); got != sev {
			t.Errorf("IncidentSeverity(%s) = %d, want %d", level, got, sev)
		}
	}
}

func TestRunCycle_NothingToScore(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	rs, inc, err := h.engine.RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if rs.TotalScore != 0 || rs.RiskLevel != model.RiskLow || rs.TriggeredAction || inc != nil {
		t.Fatalf("got score %d level %s triggered %v incident %v", rs.TotalScore, rs.RiskLevel, rs.TriggeredAction, inc)
	}
	if rs.ID == 0 {
		t.Fatal("zero score was not persisted")
	}

	latest, err := h.store.LatestRiskScore(ctx)
	if err != nil || latest.ID != rs.ID {
		t.Fatalf("LatestRiskScore = %+v, %v", latest, err)
	}
	cur, err := h.engine.Current(ctx)
	if err != nil || cur.ID != rs.ID {
		t.Fatalf("Current = %+v, %v", cur, err)
	}
	if st, ok := h.feed.Since(0); !ok || st.Score.ID != rs.ID {
		t.Errorf("feed did not publish the new score: %+v, %v", st, ok)
	}
}

func TestRunCycle_ThreeAnomaliesTrigger(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.anomaly(t, "UNUSUAL_UNLOCK_TIME", 10, t0.Add(-20*time.Minute))
	dominant := h.anomaly(t, "NEW_LOCATION", 30, t0.Add(-15*time.Minute))
	h.anomaly(t, "UNFAMILIAR_NETWORK", 25, t0.Add(-10*time.Minute))

	rs, inc, err := h.engine.RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if rs.TotalScore != 65 || rs.RiskLevel != model.RiskHigh || !rs.TriggeredAction {
		t.Fatalf("score = %d %s triggered=%v, want 65 HIGH triggered", rs.TotalScore, rs.RiskLevel, rs.TriggeredAction)
	}
	if want := fmt.Sprintf("#%d contributed 30 of 65", dominant); !strings.Contains(rs.TriggerReason, want) {
		t.Errorf("TriggerReason = %q, want it to contain %q", rs.TriggerReason, want)
	}

	if inc == nil {
		t.Fatal("no incident raised")
	}
	if inc.Severity != 4 || inc.RiskScore != 65 || inc.TriggeredBy != "NEW_LOCATION" {
		t.Errorf("incident = %+v", inc)
	}
	if inc.DeviceState != "screen on, battery 40%" || inc.ActionsTaken != "lock: ok" {
		t.Errorf("incident device state %q actions %q", inc.DeviceState, inc.ActionsTaken)
	}
	if h.lock.runs != 1 {
		t.Errorf("lock action ran %d times, want 1", h.lock.runs)
	}

	alerts, err := h.store.AlertsForIncident(ctx, inc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(alerts) != 2 {
		t.Fatalf("alerts = %d, want one per recipient", len(alerts))
	}
	for _, a := range alerts {
		if a.Status != model.AlertPending || !strings.Contains(a.Subject, "HIGH") {
			t.Errorf("alert %+v", a)
		}
		if !strings.Contains(a.Body, fmt.Sprintf("Incident #%d", inc.ID)) || !strings.Contains(a.Body, "location:     unknown") {
			t.Errorf("alert body is not the rendered timeline:\n%s", a.Body)
		}
	}
	if got := h.audit.kinds(); len(got) != 1 || got[0] != audit.KindRiskTriggered {
		t.Errorf("audit kinds = %v", got)
	}
}

func TestRunCycle_TieGoesToOldest(t *testing.T) {
	h := newHarness(t, nil)
	h.anomaly(t, "UNFAMILIAR_NETWORK", 30, t0.Add(-time.Minute))
	older := h.anomaly(t, "NEW_LOCATION", 30, t0.Add(-time.Hour))

	rs, _, err := h.engine.RunCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(rs.TriggerReason, fmt.Sprintf("#%d ", older)) {
		t.Errorf("TriggerReason = %q, want the older anomaly #%d", rs.TriggerReason, older)
	}
}

func TestRunCycle_CooldownPerAnomalySet(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.anomaly(t, "NEW_LOCATION", 30, t0)
	h.anomaly(t, "UNFAMILIAR_NETWORK", 25, t0)

	if _, inc, err := h.engine.RunCycle(ctx); err != nil || inc == nil {
		t.Fatalf("first cycle: incident %v, err %v", inc, err)
	}

	h.clock.Advance(5 * time.Minute)
	rs, inc, err := h.engine.RunCycle(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rs.TriggeredAction || inc != nil {
		t.Fatal("same anomaly set re-triggered inside the cooldown")
	}
	if rs.TotalScore != 55 {
		t.Errorf("suppressed cycle score = %d, want 55", rs.TotalScore)
	}

	h.anomaly(t, "UNUSUAL_UNLOCK_TIME", 4, h.clock.Now())
	if _, inc, err := h.engine.RunCycle(ctx); err != nil || inc == nil {
		t.Fatalf("changed anomaly set: incident %v, err %v", inc, err)
	}

	h.clock.Advance(31 * time.Minute)
	if _, inc, err := h.engine.RunCycle(ctx); err != nil || inc == nil {
		t.Fatalf("after cooldown: incident %v, err %v", inc, err)
	}
	if h.lock.runs != 3 {
		t.Errorf("lock ran %d times, want 3", h.lock.runs)
	}
}

func TestRunCycle_FailedIncidentWriteTriggersAgain(t *testing.T) {
	fi := &flakyIncidents{}
	h := newWrappedHarness(t, nil, wrappers{engine: func(s *sqlite.Store) risk.Store {
		fi.Store = s
		return fi
	}})
	ctx := context.Background()
	h.anomaly(t, "UNUSUAL_UNLOCK_TIME", 10, t0.Add(-20*time.Minute))
	h.anomaly(t, "NEW_LOCATION", 30, t0.Add(-15*time.Minute))
	h.anomaly(t, "UNFAMILIAR_NETWORK", 25, t0.Add(-10*time.Minute))

	rs, inc, err := h.engine.RunCycle(ctx)
	if err == nil || !strings.Contains(err.Error(), "disk full") || inc != nil {
		t.Fatalf("first cycle = incident %v, err %v; want the write failure", inc, err)
	}
	if !rs.TriggeredAction {
		t.Fatal("first cycle score not marked triggered")
	}

	// The orphaned trigger must not start the cooldown.
	h.clock.Advance(time.Minute)
	rs, inc, err = h.engine.RunCycle(ctx)
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if !rs.TriggeredAction || inc == nil {
		t.Fatalf("second cycle triggered=%v incident=%v; want a new incident", rs.TriggeredAction, inc)
	}
	if incs := h.incidents(t); len(incs) != 1 || incs[0].RiskScore != 65 {
		t.Fatalf("incidents = %+v, want one for a score of 65", incs)
	}
	if alerts, err := h.store.AlertsForIncident(ctx, inc.ID); err != nil || len(alerts) != 2 {
		t.Errorf("alerts = %d, %v; want one per recipient", len(alerts), err)
	}

	// Now the recorded incident holds the cooldown.
	h.clock.Advance(time.Minute)
	if rs, inc, err := h.engine.RunCycle(ctx); err != nil || inc != nil || rs.TriggeredAction {
		t.Fatalf("third cycle triggered=%v incident=%v err=%v; want cooldown", rs.TriggeredAction, inc, err)
	}
	// Actions run before the incident write, so the failed trigger ran them too.
	if h.lock.runs != 2 {
		t.Errorf("lock ran %d times, want 2", h.lock.runs)
	}
}

func TestRunCycle_PartialNotifyIsCompletedNextCycle(t *testing.T) {
	fa := &flakyAlerts{failAt: 2}
	h := newWrappedHarness(t, nil, wrappers{queue: func(s *sqlite.Store) store.AlertQueueStore {
		fa.Store = s
		return fa
	}})
	ctx := context.Background()
	h.anomaly(t, "NEW_LOCATION", 30, t0)
	h.anomaly(t, "UNFAMILIAR_NETWORK", 25, t0)

	_, first, err := h.engine.RunCycle(ctx)
	if err == nil || first == nil || !strings.Contains(err.Error(), "notify incident") {
		t.Fatalf("first cycle = incident %v, err %v; want the incident and a notify error", first, err)
	}
	if alerts, _ := h.store.AlertsForIncident(ctx, first.ID); len(alerts) != 1 {
		t.Fatalf("alerts after failed enqueue = %d, want 1", len(alerts))
	}

	h.clock.Advance(time.Minute)
	rs, inc, err := h.engine.RunCycle(ctx)
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if rs.TriggeredAction {
		t.Error("second cycle re-triggered inside the cooldown")
	}
	if inc == nil || inc.ID != first.ID {
		t.Fatalf("second cycle incident = %v, want #%d resumed", inc, first.ID)
	}
	alerts, err := h.store.AlertsForIncident(ctx, first.ID)
	if err != nil || len(alerts) != 2 {
		t.Fatalf("alerts = %d, %v; want one per recipient", len(alerts), err)
	}
	if alerts[0].RecipientEmail == alerts[1].RecipientEmail {
		t.Errorf("both alerts went to %s", alerts[0].RecipientEmail)
	}
	if !strings.Contains(alerts[1].Subject, "HIGH") {
		t.Errorf("resumed alert subject = %q", alerts[1].Subject)
	}

	h.clock.Advance(time.Minute)
	if _, inc, err := h.engine.RunCycle(ctx); err != nil || inc != nil {
		t.Fatalf("third cycle incident %v, err %v; want nothing left to do", inc, err)
	}
	if n := len(h.incidents(t)); n != 1 || h.lock.runs != 1 {
		t.Errorf("incidents = %d, lock runs = %d; want 1 and 1", n, h.lock.runs)
	}
}

func TestRunCycle_DirectSignalContributions(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	var firstNet int64
	for i := 0; i < 20; i++ {
		id, err := h.store.AppendSignal(ctx, model.Signal{Type: model.SignalNetwork, Value: "wifi:Cafe",
			Timestamp: t0.Add(-time.Duration(i+1) * time.Minute)})
		if err != nil {
			t.Fatal(err)
		}
		if i == 0 {
			firstNet = id
		}
	}
	if _, err := h.store.AppendSignal(ctx, model.Signal{Type: model.SignalLocation, Value: "51.500000,-0.120000",
		Timestamp: t0.Add(-2 * time.Minute)}); err != nil {
		t.Fatal(err)
	}
	// Unlock signals carry no direct weight.
	if _, err := h.store.AppendSignal(ctx, model.Signal{Type: model.SignalUnlock, Value: "unlock", Timestamp: t0.Add(-time.Minute)}); err != nil {
		t.Fatal(err)
	}
	// Outside the lookback.
	if _, err := h.store.AppendSignal(ctx, model.Signal{Type: model.SignalNetwork, Value: "wifi:Old", Timestamp: t0.Add(-48 * time.Hour)}); err != nil {
		t.Fatal(err)
	}

	rs, _, err := h.engine.RunCycle(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rs.TotalScore != 15 || rs.RiskLevel != model.RiskLow {
		t.Fatalf("score = %d %s, want the 15 point cap", rs.TotalScore, rs.RiskLevel)
	}

	// A signal already scored through its anomaly is not counted twice.
	h2 := newHarness(t, func(c *risk.Config) { c.MaxSignalContribution = 100 })
	for i := 0; i < 3; i++ {
		id, err := h2.store.AppendSignal(ctx, model.Signal{Type: model.SignalNetwork, Value: "wifi:X", Timestamp: t0.Add(-time.Minute)})
		if err != nil {
			t.Fatal(err)
		}
		if i == 0 {
			firstNet = id
		}
	}
	if _, _, err := h2.store.AppendAnomaly(ctx, model.Anomaly{AnomalyType: "UNFAMILIAR_NETWORK", Severity: 3, RiskPoints: 12,
		SignalID: firstNet, Timestamp: t0.Add(-time.Minute)}); err != nil {
		t.Fatal(err)
	}
	rs, _, err = h2.engine.RunCycle(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rs.TotalScore != 14 {
		t.Errorf("score = %d, want 12 anomaly + 2 direct", rs.TotalScore)
	}
}

func TestRunCycle_LocationFromLatestSignal(t *testing.T) {
	h := newHarness(t, func(c *risk.Config) { c.ActionThreshold = 10 })
	ctx := context.Background()
	for i, v := range []string{"51.0,-0.1", "48.85,2.35"} {
		if _, err := h.store.AppendSignal(ctx, model.Signal{Type: model.SignalLocation, Value: v,
			Timestamp: t0.Add(time.Duration(i-5) * time.Minute)}); err != nil {
			t.Fatal(err)
		}
	}
	h.anomaly(t, "NEW_LOCATION", 30, t0.Add(-4*time.Minute))

	_, inc, err := h.engine.RunCycle(ctx)
	if err != nil || inc == nil {
		t.Fatalf("incident %v, err %v", inc, err)
	}
	if inc.Location != "48.85,2.35" {
		t.Errorf("Location = %q, want the newest location signal", inc.Location)
	}
}

func TestRunCycle_CancelledPersistsNothing(t *testing.T) {
	h := newHarness(t, nil)
	h.anomaly(t, "NEW_LOCATION", 60, t0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := h.engine.RunCycle(ctx); err == nil {
		t.Fatal("RunCycle on a cancelled context succeeded")
	}
	if _, err := h.store.LatestRiskScore(context.Background()); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("LatestRiskScore err = %v, want ErrNotFound", err)
	}
	if h.lock.runs != 0 {
		t.Error("protective action ran for a cancelled cycle")
	}
}

func TestCurrent_EmptyHistory(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.engine.Current(context.Background()); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDecay_NeverIncreases(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.anomaly(t, "NEW_LOCATION", 30, t0)
	h.anomaly(t, "UNFAMILIAR_NETWORK", 35, t0)
	rs, _, err := h.engine.RunCycle(ctx)
	if err != nil {
		t.Fatal(err)
	}

	prev := rs.TotalScore
	for pass := 0; pass < 30; pass++ {
		h.clock.Advance(time.Hour)
		if _, err := h.engine.Decay(ctx); err != nil {
			t.Fatalf("pass %d: %v", pass, err)
		}
		got, err := h.store.LatestRiskScore(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if got.TotalScore != 65 {
			t.Fatalf("pass %d: total rewritten to %d", pass, got.TotalScore)
		}
		eff := got.EffectiveScore()
		if eff > prev || eff > got.TotalScore {
			t.Fatalf("pass %d: effective score rose from %d to %d", pass, prev, eff)
		}
		prev = eff
	}
	if prev != 0 {
		t.Errorf("score after 30 intervals = %d, want 0", prev)
	}

	cur, err := h.engine.Current(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !cur.Decayed || cur.CurrentScore == nil || *cur.CurrentScore != 0 {
		t.Errorf("Current did not follow the decay: %+v", cur)
	}
	if st, ok := h.feed.Since(1); !ok || st.EffectiveScore != 0 {
		t.Errorf("feed did not publish the decayed state: %+v", st)
	}
}

func TestDecay_DisplayedLevelFollowsCurrentScore(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	ids := []int64{
		h.anomaly(t, "NEW_LOCATION", 30, t0),
		h.anomaly(t, "UNFAMILIAR_NETWORK", 25, t0),
		h.anomaly(t, "UNUSUAL_UNLOCK_TIME", 10, t0),
	}
	rs, _, err := h.engine.RunCycle(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got := h.engine.DisplayLevel(rs); got != model.RiskHigh {
		t.Fatalf("fresh score displayed as %s, want HIGH", got)
	}
	if st, ok := h.feed.Since(0); !ok || st.Level != model.RiskHigh {
		t.Fatalf("feed level = %s, want HIGH", st.Level)
	}
	for _, id := range ids {
		if err := h.engine.ResolveAnomaly(ctx, id); err != nil {
			t.Fatal(err)
		}
	}

	h.clock.Advance(20 * time.Hour)
	if _, err := h.engine.Decay(ctx); err != nil {
		t.Fatal(err)
	}
	cur, err := h.engine.Current(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if cur.EffectiveScore() != 0 {
		t.Fatalf("effective score = %d, want 0", cur.EffectiveScore())
	}
	if cur.RiskLevel != model.RiskHigh {
		t.Errorf("recorded level rewritten to %s", cur.RiskLevel)
	}
	if got := h.engine.DisplayLevel(*cur); got != model.RiskLow {
		t.Errorf("decayed score displayed as %s, want LOW", got)
	}
	st, ok := h.feed.Since(1)
	if !ok || st.EffectiveScore != 0 || st.Level != model.RiskLow {
		t.Errorf("feed after decay = %+v, want LOW at 0", st)
	}
}

func TestDecay_FirstIntervalValue(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.anomaly(t, "NEW_LOCATION", 30, t0)
	h.anomaly(t, "UNFAMILIAR_NETWORK", 35, t0)
	if _, _, err := h.engine.RunCycle(ctx); err != nil {
		t.Fatal(err)
	}

	h.clock.Advance(30 * time.Minute)
	res, err := h.engine.Decay(ctx)
	if err != nil || res.Updated != 0 {
		t.Fatalf("decay before one interval: %+v, %v", res, err)
	}

	h.clock.Advance(45 * time.Minute)
	if _, err := h.engine.Decay(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ := h.store.LatestRiskScore(ctx)
	if got.CurrentScore == nil || *got.CurrentScore != 52 {
		t.Errorf("current after one interval = %v, want 52 (65 * 0.8)", got.CurrentScore)
	}
	if got.RiskLevel != model.RiskHigh {
		t.Errorf("stored level changed to %s", got.RiskLevel)
	}
}

func TestDecay_SkipsSmallDrops(t *testing.T) {
	h := newHarness(t, func(c *risk.Config) { c.MinDecayDelta = 10 })
	ctx := context.Background()
	h.anomaly(t, "UNFAMILIAR_NETWORK", 20, t0)
	if _, _, err := h.engine.RunCycle(ctx); err != nil {
		t.Fatal(err)
	}

	// 20 -> 16 -> 12: both drops are below the minimum delta.
	for i := 0; i < 2; i++ {
		h.clock.Advance(time.Hour)
		res, err := h.engine.Decay(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if res.Updated != 0 {
			t.Fatalf("interval %d: wrote a drop below the minimum delta", i+1)
		}
	}
	h.clock.Advance(time.Hour)
	res, err := h.engine.Decay(ctx)
	if err != nil || res.Updated != 1 {
		t.Fatalf("third interval: %+v, %v", res, err)
	}
	got, _ := h.store.LatestRiskScore(ctx)
	if got.CurrentScore == nil || *got.CurrentScore != 10 {
		t.Errorf("current = %v, want 10", got.CurrentScore)
	}
}

func TestResolve_AuditsAndNotFound(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	id := h.anomaly(t, "NEW_LOCATION", 60, t0)

	_, inc, err := h.engine.RunCycle(ctx)
	if err != nil || inc == nil {
		t.Fatalf("incident %v, err %v", inc, err)
	}

	if err := h.engine.ResolveAnomaly(ctx, id); err != nil {
		t.Fatal(err)
	}
	if err := h.engine.ResolveAnomaly(ctx, id); err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if err := h.engine.ResolveIncident(ctx, inc.ID); err != nil {
		t.Fatal(err)
	}
	if err := h.engine.ResolveAnomaly(ctx, 9999); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("unknown anomaly err = %v", err)
	}
	if err := h.engine.ResolveIncident(ctx, 9999); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("unknown incident err = %v", err)
	}

	rs, _, err := h.engine.RunCycle(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rs.TotalScore != 0 {
		t.Errorf("resolved anomaly still scored: %d", rs.TotalScore)
	}

	want := []audit.Kind{audit.KindRiskTriggered, audit.KindAnomalyResolved, audit.KindAnomalyResolved, audit.KindIncidentResolved}
	got := h.audit.kinds()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("audit kinds = %v, want %v", got, want)
	}
}

func TestRunCycle_FailingActionStillRaises(t *testing.T) {
	h := newHarness(t, nil)
	h.lock.err = errors.New("device admin revoked")
	h.anomaly(t, "NEW_LOCATION", 60, t0)

	_, inc, err := h.engine.RunCycle(context.Background())
	if err != nil || inc == nil {
		t.Fatalf("incident %v, err %v", inc, err)
	}
	if !strings.Contains(inc.ActionsTaken, "lock: failed (device admin revoked)") {
		t.Errorf("ActionsTaken = %q", inc.ActionsTaken)
	}
}

func TestCommandAction(t *testing.T) {
	ctx := context.Background()
	if err := risk.NewCommandAction("ok", []string{"sh", "-c", "exit 0"}, time.Second).Run(ctx); err != nil {
		t.Errorf("ok action: %v", err)
	}
	err := risk.NewCommandAction("bad", []string{"sh", "-c", "echo boom >&2; exit 3"}, time.Second).Run(ctx)
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Errorf("failing action err = %v, want output in error", err)
	}
	err = risk.NewCommandAction("slow", []string{"sh", "-c", "sleep 5"}, 50*time.Millisecond).Run(ctx)
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Errorf("slow action err = %v, want timeout", err)
	}
	if err := risk.NewCommandAction("empty", nil, 0).Run(ctx); err == nil {
		t.Error("empty command succeeded")
	}
}
