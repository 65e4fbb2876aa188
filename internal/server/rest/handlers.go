package rest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tripwire/sentinel/internal/model"
	"github.com/tripwire/sentinel/internal/store"
)

const (
	defaultLimit = 100
	maxLimit     = 1000

	// maxSignalBody bounds a single POST /signals payload.
	maxSignalBody = 64 << 10

	defaultWait = 30 * time.Second
	maxWait     = 5 * time.Minute
)

// writeError writes an HTTP error response with a JSON body containing an
// "error" field.
func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSONError(w, code, msg)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Server holds the dependencies needed by the REST handlers. Optional
// services left nil make their routes answer 503.
type Server struct {
	store     Store
	risk      RiskService
	baselines Baselines
	timelines Timelines
	clusters  Clusters
	feed      Feed
	health    http.HandlerFunc
	metrics   http.Handler
	onIngest  func()
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Server.
type Option func(*Server)

func WithRisk(r RiskService) Option         { return func(s *Server) { s.risk = r } }
func WithBaselines(b Baselines) Option      { return func(s *Server) { s.baselines = b } }
func WithTimelines(t Timelines) Option      { return func(s *Server) { s.timelines = t } }
func WithClusters(c Clusters) Option        { return func(s *Server) { s.clusters = c } }
func WithFeed(f Feed) Option                { return func(s *Server) { s.feed = f } }
func WithLogger(l *slog.Logger) Option      { return func(s *Server) { s.logger = l } }
func WithMetrics(h http.Handler) Option     { return func(s *Server) { s.metrics = h } }
func WithClock(now func() time.Time) Option { return func(s *Server) { s.now = now } }

// WithHealth replaces the static {"status":"ok"} liveness handler.
func WithHealth(h http.HandlerFunc) Option { return func(s *Server) { s.health = h } }

// WithIngestHook registers fn to run after each accepted signal, typically
// Monitor.KickDetect.
func WithIngestHook(fn func()) Option { return func(s *Server) { s.onIngest = fn } }

// NewServer creates a new Server with the provided storage layer.
func NewServer(st Store, opts ...Option) *Server {
	s := &Server{
		store:  st,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// handleHealthz responds to GET /healthz.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		s.health(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// storeError maps a backend error onto a response. Unknown ids become 404;
// everything else is logged and reported as 500 with msg.
func (s *Server) storeError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	s.logger.Error("rest: "+msg,
		slog.String("path", r.URL.Path),
		slog.Any("error", err),
	)
	writeError(w, http.StatusInternalServerError, msg)
}

type signalRequest struct {
	Type      model.SignalType `json:"type"`
	Value     string           `json:"value"`
	Timestamp *time.Time       `json:"timestamp"`
	Metadata  string           `json:"metadata"`
}

// handlePostSignal responds to POST /api/v1/signals.
//
// The body is a JSON object with type, value, an optional RFC3339 timestamp
// (defaults to now) and optional metadata. Timestamps more than five minutes
// in the future are rejected. Returns 201 with {"id": N}.
func (s *Server) handlePostSignal(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxSignalBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req signalRequest
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "body must be a JSON signal object")
		return
	}
	if !req.Type.Valid() {
		writeError(w, http.StatusBadRequest, "'type' must be one of APP_USAGE, LOCATION, NETWORK, UNLOCK")
		return
	}
	if strings.TrimSpace(req.Value) == "" {
		writeError(w, http.StatusBadRequest, "'value' is required")
		return
	}

	now := s.now()
	ts := now
	if req.Timestamp != nil {
		ts = req.Timestamp.UTC()
		if ts.IsZero() || ts.After(now.Add(5*time.Minute)) {
			writeError(w, http.StatusBadRequest, "'timestamp' must not be in the future")
			return
		}
	}

	id, err := s.store.AppendSignal(r.Context(), model.Signal{
		Type:      req.Type,
		Value:     req.Value,
		Timestamp: ts,
		Metadata:  req.Metadata,
	})
	if err != nil {
		s.storeError(w, r, err, "failed to store signal")
		return
	}
	if s.onIngest != nil {
		s.onIngest()
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

type riskCurrent struct {
	model.RiskScore
	EffectiveScore int             `json:"effective_score"`
	Level          model.RiskLevel `json:"level"`
}

// handleGetRiskCurrent responds to GET /api/v1/risk/current. Returns 404
// before the first risk cycle.
func (s *Server) handleGetRiskCurrent(w http.ResponseWriter, r *http.Request) {
	if s.risk == nil {
		writeError(w, http.StatusServiceUnavailable, "risk engine unavailable")
		return
	}
	rs, err := s.risk.Current(r.Context())
	if err != nil {
		s.storeError(w, r, err, "failed to load current risk")
		return
	}
	writeJSON(w, http.StatusOK, riskCurrent{RiskScore: *rs, EffectiveScore: rs.EffectiveScore(), Level: s.risk.DisplayLevel(*rs)})
}

// handleGetRiskChanges responds to GET /api/v1/risk/changes.
//
//	since – last version seen by the caller (default 0)
//	wait  – long-poll duration, e.g. 30s (default 30s, max 5m, 0 disables)
//
// Returns 200 with the feed state once its version is past since, or 204 when
// the wait elapses first.
func (s *Server) handleGetRiskChanges(w http.ResponseWriter, r *http.Request) {
	if s.feed == nil {
		writeError(w, http.StatusServiceUnavailable, "risk feed unavailable")
		return
	}
	q := r.URL.Query()

	var since uint64
	if v := q.Get("since"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "'since' must be a non-negative integer")
			return
		}
		since = n
	}
	wait := defaultWait
	if v := q.Get("wait"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, "'wait' must be a non-negative duration")
			return
		}
		wait = min(d, maxWait)
	}

	if st, ok := s.feed.Since(since); ok || wait == 0 {
		if !ok {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, http.StatusOK, st)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()
	st, err := s.feed.Wait(ctx, since)
	if err != nil {
		// Deadline or client gone: nothing new to report.
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleGetRisk responds to GET /api/v1/risk.
//
// Either from/to (RFC3339) select a time window, or level selects the newest
// rows at that level (limit, default 100). Without parameters the last 24
// hours are returned.
func (s *Server) handleGetRisk(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if lv := q.Get("level"); lv != "" {
		level := model.RiskLevel(strings.ToUpper(lv))
		if !level.Valid() {
			writeError(w, http.StatusBadRequest, "'level' must be one of LOW, MEDIUM, HIGH, CRITICAL")
			return
		}
		limit, ok := parseLimit(w, q.Get("limit"))
		if !ok {
			return
		}
		scores, err := s.store.RiskScoresByLevel(r.Context(), level, limit)
		if err != nil {
			s.storeError(w, r, err, "failed to query risk scores")
			return
		}
		writeJSON(w, http.StatusOK, orEmpty(scores))
		return
	}

	from, to, ok := s.parseWindow(w, q.Get("from"), q.Get("to"), 24*time.Hour)
	if !ok {
		return
	}
	scores, err := s.store.RiskScoresBetween(r.Context(), from, to)
	if err != nil {
		s.storeError(w, r, err, "failed to query risk scores")
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(scores))
}

// handleGetAnomalies responds to GET /api/v1/anomalies. With from/to it
// returns every anomaly in the window; otherwise the unresolved ones.
func (s *Server) handleGetAnomalies(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var (
		anomalies []model.Anomaly
		err       error
	)
	if q.Get("from") == "" && q.Get("to") == "" {
		anomalies, err = s.store.UnresolvedAnomalies(r.Context())
	} else {
		from, to, ok := s.parseWindow(w, q.Get("from"), q.Get("to"), 0)
		if !ok {
			return
		}
		anomalies, err = s.store.AnomaliesBetween(r.Context(), from, to)
	}
	if err != nil {
		s.storeError(w, r, err, "failed to query anomalies")
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(anomalies))
}

// handleResolveAnomaly responds to POST /api/v1/anomalies/{id}/resolve.
func (s *Server) handleResolveAnomaly(w http.ResponseWriter, r *http.Request) {
	if s.risk == nil {
		writeError(w, http.StatusServiceUnavailable, "risk engine unavailable")
		return
	}
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	if err := s.risk.ResolveAnomaly(r.Context(), id); err != nil {
		s.storeError(w, r, err, "failed to resolve anomaly")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleGetIncidents responds to GET /api/v1/incidents (newest first,
// limit default 100).
func (s *Server) handleGetIncidents(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r.URL.Query().Get("limit"))
	if !ok {
		return
	}
	incidents, err := s.store.ListIncidents(r.Context(), limit)
	if err != nil {
		s.storeError(w, r, err, "failed to list incidents")
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(incidents))
}

// handleResolveIncident responds to POST /api/v1/incidents/{id}/resolve.
func (s *Server) handleResolveIncident(w http.ResponseWriter, r *http.Request) {
	if s.risk == nil {
		writeError(w, http.StatusServiceUnavailable, "risk engine unavailable")
		return
	}
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	if err := s.risk.ResolveIncident(r.Context(), id); err != nil {
		s.storeError(w, r, err, "failed to resolve incident")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleGetTimeline responds to GET /api/v1/incidents/{id}/timeline. With
// format=text the rendered narrative is returned as text/plain.
func (s *Server) handleGetTimeline(w http.ResponseWriter, r *http.Request) {
	if s.timelines == nil {
		writeError(w, http.StatusServiceUnavailable, "timeline builder unavailable")
		return
	}
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	tl, err := s.timelines.Build(r.Context(), id)
	if err != nil {
		s.storeError(w, r, err, "failed to build timeline")
		return
	}
	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(tl.Render()))
		return
	}
	writeJSON(w, http.StatusOK, tl)
}

// handleGetAlerts responds to GET /api/v1/alerts.
//
//	status – PENDING, SENT or FAILED (default FAILED)
//	limit  – maximum number of results (default 100, max 1000)
func (s *Server) handleGetAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	status := model.AlertFailed
	if v := q.Get("status"); v != "" {
		switch st := model.AlertStatus(strings.ToUpper(v)); st {
		case model.AlertPending, model.AlertSent, model.AlertFailed:
			status = st
		default:
			writeError(w, http.StatusBadRequest, "'status' must be one of PENDING, SENT, FAILED")
			return
		}
	}
	limit, ok := parseLimit(w, q.Get("limit"))
	if !ok {
		return
	}

	alerts, err := s.store.AlertsByStatus(r.Context(), status, limit)
	if err != nil {
		s.storeError(w, r, err, "failed to query alerts")
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(alerts))
}

// handleGetBaselines responds to GET /api/v1/baselines.
func (s *Server) handleGetBaselines(w http.ResponseWriter, r *http.Request) {
	if s.baselines == nil {
		writeError(w, http.StatusServiceUnavailable, "baseline engine unavailable")
		return
	}
	bs, err := s.baselines.List(r.Context())
	if err != nil {
		s.storeError(w, r, err, "failed to list baselines")
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(bs))
}

// handleDeleteBaseline responds to DELETE /api/v1/baselines/{metric}. The
// metric restarts its learning period.
func (s *Server) handleDeleteBaseline(w http.ResponseWriter, r *http.Request) {
	if s.baselines == nil {
		writeError(w, http.StatusServiceUnavailable, "baseline engine unavailable")
		return
	}
	metric := chi.URLParam(r, "metric")
	if metric == "" {
		writeError(w, http.StatusBadRequest, "metric is required")
		return
	}
	if err := s.baselines.Reset(r.Context(), metric); err != nil {
		s.storeError(w, r, err, "failed to reset baseline")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type trustRequest struct {
	Trusted *bool `json:"trusted"`
}

// handleTrustCluster responds to POST /api/v1/locations/clusters/{id}/trust.
// An empty body trusts the cluster; {"trusted": false} revokes it.
func (s *Server) handleTrustCluster(w http.ResponseWriter, r *http.Request) {
	if s.clusters == nil {
		writeError(w, http.StatusServiceUnavailable, "location detector unavailable")
		return
	}
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	trusted := true
	if r.ContentLength != 0 {
		var req trustRequest
		r.Body = http.MaxBytesReader(w, r.Body, 1<<10)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "body must be {\"trusted\": bool}")
			return
		}
		if req.Trusted != nil {
			trusted = *req.Trusted
		}
	}
	if err := s.clusters.Trust(r.Context(), id, trusted); err != nil {
		s.storeError(w, r, err, "failed to update cluster")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// parseWindow parses RFC3339 from/to. A missing bound is only allowed when
// def > 0: to defaults to now and from to to-def.
func (s *Server) parseWindow(w http.ResponseWriter, fromStr, toStr string, def time.Duration) (time.Time, time.Time, bool) {
	if (fromStr == "" || toStr == "") && def <= 0 {
		writeError(w, http.StatusBadRequest, "query parameters 'from' and 'to' are required (RFC3339)")
		return time.Time{}, time.Time{}, false
	}
	to := s.now()
	if toStr != "" {
		t, err := time.Parse(time.RFC3339, toStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "'to' must be a valid RFC3339 timestamp")
			return time.Time{}, time.Time{}, false
		}
		to = t
	}
	from := to.Add(-def)
	if fromStr != "" {
		t, err := time.Parse(time.RFC3339, fromStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "'from' must be a valid RFC3339 timestamp")
			return time.Time{}, time.Time{}, false
		}
		from = t
	}
	if !to.After(from) {
		writeError(w, http.StatusBadRequest, "'to' must be after 'from'")
		return time.Time{}, time.Time{}, false
	}
	return from, to, true
}

func parseLimit(w http.ResponseWriter, v string) (int, bool) {
	if v == "" {
		return defaultLimit, true
	}
	limit, err := strconv.Atoi(v)
	if err != nil || limit <= 0 {
		writeError(w, http.StatusBadRequest, "'limit' must be a positive integer")
		return 0, false
	}
	return min(limit, maxLimit), true
}

func parseID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "id must be a positive integer")
		return 0, false
	}
	return id, true
}

// orEmpty makes sure a JSON array, not null, is returned.
func orEmpty[T any](xs []T) []T {
	if xs == nil {
		return []T{}
	}
	return xs
}
