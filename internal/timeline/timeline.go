// Package timeline assembles incident narratives. It is a pure read-side
// projection: the incident row, the risk score that triggered it and every
// signal, anomaly and alert within a window around the incident are merged
// into one time-ordered list and rendered as text.
package timeline

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/tripwire/sentinel/internal/model"
)

// Kind classifies a timeline entry.
type Kind string

const (
	KindSignal    Kind = "SIGNAL"
	KindAnomaly   Kind = "ANOMALY"
	KindRiskScore Kind = "RISK_SCORE"
	KindIncident  Kind = "INCIDENT"
	KindAlert     Kind = "ALERT"
)

// kindRank orders entries with the same timestamp by causality.
var kindRank = map[Kind]int{
	KindSignal:    0,
	KindAnomaly:   1,
	KindRiskScore: 2,
	KindIncident:  3,
	KindAlert:     4,
}

const unknown = "unknown"

// Entry is one line of a timeline.
type Entry struct {
	Time    time.Time `json:"time"`
	Kind    Kind      `json:"kind"`
	Ref     int64     `json:"ref"`
	Summary string    `json:"summary"`
}

// Timeline is an ordered narrative. Incident and RiskScore are nil for a
// plain time-range projection, or when the row could not be matched.
type Timeline struct {
	Incident  *model.Incident  `json:"incident,omitempty"`
	RiskScore *model.RiskScore `json:"risk_score,omitempty"`
	From      time.Time        `json:"from"`
	To        time.Time        `json:"to"`
	Entries   []Entry          `json:"entries"`

	loc *time.Location
}

// Store is the read access the builder needs.
type Store interface {
	GetIncident(ctx context.Context, id int64) (*model.Incident, error)
	IncidentsBetween(ctx context.Context, from, to time.Time) ([]model.Incident, error)
	SignalsBetween(ctx context.Context, from, to time.Time) ([]model.Signal, error)
	AnomaliesBetween(ctx context.Context, from, to time.Time) ([]model.Anomaly, error)
	RiskScoresBetween(ctx context.Context, from, to time.Time) ([]model.RiskScore, error)
	AlertsForIncident(ctx context.Context, incidentID int64) ([]model.Alert, error)
}

// Builder builds timelines. It holds no mutable state.
type Builder struct {
	store  Store
	window time.Duration
	loc    *time.Location
}

// New returns a Builder using ±window around an incident. Times render in
// loc (UTC when nil).
func New(st Store, window time.Duration, loc *time.Location) *Builder {
	if window <= 0 {
		window = 30 * time.Minute
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Builder{store: st, window: window, loc: loc}
}

// Build returns the timeline of incident id. An unknown id yields the
// store's not-found error.
func (b *Builder) Build(ctx context.Context, id int64) (*Timeline, error) {
	inc, err := b.store.GetIncident(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("timeline: incident %d: %w", id, err)
	}
	from, to := inc.Timestamp.Add(-b.window), inc.Timestamp.Add(b.window)

	tl, scores, err := b.collect(ctx, from, to)
	if err != nil {
		return nil, err
	}
	tl.Incident = inc
	tl.RiskScore = triggeringScore(*inc, scores)

	alerts, err := b.store.AlertsForIncident(ctx, inc.ID)
	if err != nil {
		return nil, fmt.Errorf("timeline: alerts for incident %d: %w", id, err)
	}
	for _, a := range alerts {
		tl.Entries = append(tl.Entries, alertEntries(a)...)
	}
	sortEntries(tl.Entries)
	return tl, nil
}

// BuildRange returns everything recorded in [from, to), alerts included for
// incidents in range.
func (b *Builder) BuildRange(ctx context.Context, from, to time.Time) (*Timeline, error) {
	if !to.After(from) {
		return nil, fmt.Errorf("timeline: empty range %s..%s", from, to)
	}
	tl, _, err := b.collect(ctx, from, to)
	if err != nil {
		return nil, err
	}
	for _, e := range slices.Clone(tl.Entries) {
		if e.Kind != KindIncident {
			continue
		}
		alerts, err := b.store.AlertsForIncident(ctx, e.Ref)
		if err != nil {
			return nil, fmt.Errorf("timeline: alerts for incident %d: %w", e.Ref, err)
		}
		for _, a := range alerts {
			tl.Entries = append(tl.Entries, alertEntries(a)...)
		}
	}
	sortEntries(tl.Entries)
	return tl, nil
}

func (b *Builder) collect(ctx context.Context, from, to time.Time) (*Timeline, []model.RiskScore, error) {
	tl := &Timeline{From: from, To: to, loc: b.loc}

	sigs, err := b.store.SignalsBetween(ctx, from, to)
	if err != nil {
		return nil, nil, fmt.Errorf("timeline: signals: %w", err)
	}
	for _, s := range sigs {
		tl.Entries = append(tl.Entries, Entry{Time: s.Timestamp, Kind: KindSignal, Ref: s.ID,
			Summary: fmt.Sprintf("%s %q", s.Type, s.Value)})
	}

	anomalies, err := b.store.AnomaliesBetween(ctx, from, to)
	if err != nil {
		return nil, nil, fmt.Errorf("timeline: anomalies: %w", err)
	}
	for _, a := range anomalies {
		state := ""
		if a.Resolved {
			state = ", resolved"
		}
		tl.Entries = append(tl.Entries, Entry{Time: a.Timestamp, Kind: KindAnomaly, Ref: a.ID,
			Summary: fmt.Sprintf("%s severity %d, %d points%s: %s", a.AnomalyType, a.Severity, a.RiskPoints, state, a.Description)})
	}

	scores, err := b.store.RiskScoresBetween(ctx, from, to)
	if err != nil {
		return nil, nil, fmt.Errorf("timeline: risk scores: %w", err)
	}
	for _, r := range scores {
		s := fmt.Sprintf("score %d %s", r.TotalScore, r.RiskLevel)
		if r.Decayed && r.CurrentScore != nil {
			s += fmt.Sprintf(" (decayed to %d)", *r.CurrentScore)
		}
		if r.TriggeredAction {
			s += ", action triggered: " + orUnknown(r.TriggerReason)
		}
		tl.Entries = append(tl.Entries, Entry{Time: r.Timestamp, Kind: KindRiskScore, Ref: r.ID, Summary: s})
	}

	incidents, err := b.store.IncidentsBetween(ctx, from, to)
	if err != nil {
		return nil, nil, fmt.Errorf("timeline: incidents: %w", err)
	}
	for _, inc := range incidents {
		tl.Entries = append(tl.Entries, Entry{Time: inc.Timestamp, Kind: KindIncident, Ref: inc.ID,
			Summary: fmt.Sprintf("incident #%d severity %d, risk %d: %s", inc.ID, inc.Severity, inc.RiskScore, orUnknown(inc.Summary))})
	}
	return tl, scores, nil
}

// triggeringScore picks the triggered risk row closest to the incident with
// the incident's score.
func triggeringScore(inc model.Incident, scores []model.RiskScore) *model.RiskScore {
	var best *model.RiskScore
	var bestGap time.Duration
	for i := range scores {
		r := scores[i]
		if !r.TriggeredAction || r.TotalScore != inc.RiskScore {
			continue
		}
		gap := r.Timestamp.Sub(inc.Timestamp).Abs()
		if best == nil || gap < bestGap {
			best, bestGap = &scores[i], gap
		}
	}
	return best
}

func alertEntries(a model.Alert) []Entry {
	out := []Entry{{Time: a.CreatedAt, Kind: KindAlert, Ref: a.ID,
		Summary: fmt.Sprintf("alert queued for %s", a.RecipientEmail)}}
	switch a.Status {
	case model.AlertSent:
		at := a.CreatedAt
		if a.SentAt != nil {
			at = *a.SentAt
		}
		out = append(out, Entry{Time: at, Kind: KindAlert, Ref: a.ID,
			Summary: fmt.Sprintf("alert delivered to %s after %d retries", a.RecipientEmail, a.RetryCount)})
	case model.AlertFailed:
		out[0].Summary += fmt.Sprintf(", delivery FAILED after %d retries: %s", a.RetryCount, orUnknown(a.LastError))
	default:
		if a.RetryCount > 0 {
			out[0].Summary += fmt.Sprintf(", pending retry %d: %s", a.RetryCount, orUnknown(a.LastError))
		}
	}
	return out
}

func sortEntries(es []Entry) {
	slices.SortStableFunc(es, func(a, b Entry) int {
		if c := a.Time.Compare(b.Time); c != 0 {
			return c
		}
		if c := cmp.Compare(kindRank[a.Kind], kindRank[b.Kind]); c != 0 {
			return c
		}
		return cmp.Compare(a.Ref, b.Ref)
	})
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return unknown
	}
	return s
}

// Render returns the human-readable narrative in the builder's timezone.
func (t *Timeline) Render() string {
	return t.RenderIn(t.loc)
}

// RenderIn returns the narrative with times shown in loc.
func (t *Timeline) RenderIn(loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	const stamp = "2006-01-02 15:04:05 MST"
	var b strings.Builder

	if inc := t.Incident; inc != nil {
		fmt.Fprintf(&b, "Incident #%d\n", inc.ID)
		fmt.Fprintf(&b, "  time:         %s\n", inc.Timestamp.In(loc).Format(stamp))
		fmt.Fprintf(&b, "  severity:     %d\n", inc.Severity)
		fmt.Fprintf(&b, "  risk score:   %d\n", inc.RiskScore)
		if t.RiskScore != nil {
			fmt.Fprintf(&b, "  risk level:   %s\n", t.RiskScore.RiskLevel)
		}
		fmt.Fprintf(&b, "  triggered by: %s\n", orUnknown(inc.TriggeredBy))
		fmt.Fprintf(&b, "  actions:      %s\n", orUnknown(inc.ActionsTaken))
		fmt.Fprintf(&b, "  location:     %s\n", orUnknown(inc.Location))
		fmt.Fprintf(&b, "  device state: %s\n", orUnknown(inc.DeviceState))
		status := "open"
		if inc.Resolved {
			status = "resolved"
			if inc.ResolvedAt != nil {
				status += " at " + inc.ResolvedAt.In(loc).Format(stamp)
			}
		}
		fmt.Fprintf(&b, "  status:       %s\n", status)
		fmt.Fprintf(&b, "  summary:      %s\n\n", orUnknown(inc.Summary))
	}

	fmt.Fprintf(&b, "Timeline %s to %s\n", t.From.In(loc).Format(stamp), t.To.In(loc).Format(stamp))
	if len(t.Entries) == 0 {
		b.WriteString("  (no recorded activity)\n")
	}
	for _, e := range t.Entries {
		fmt.Fprintf(&b, "  %s  %-10s  %s\n", e.Time.In(loc).Format("15:04:05"), e.Kind, e.Summary)
	}
	return b.String()
}
