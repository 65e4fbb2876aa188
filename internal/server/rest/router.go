package rest

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter returns a configured chi.Router for the Sentinel local API.
//
// Route layout:
//
//	GET    /healthz                               – liveness and tick health (no auth)
//	GET    /metrics                               – Prometheus exposition (no auth)
//	POST   /api/v1/signals                        – collector ingestion
//	GET    /api/v1/risk/current                   – latest score with decay applied
//	GET    /api/v1/risk/changes                   – long-poll risk feed
//	GET    /api/v1/risk                           – score history
//	GET    /api/v1/anomalies                      – unresolved or windowed anomalies
//	POST   /api/v1/anomalies/{id}/resolve
//	GET    /api/v1/incidents
//	POST   /api/v1/incidents/{id}/resolve
//	GET    /api/v1/incidents/{id}/timeline
//	GET    /api/v1/alerts                         – alert queue by status
//	GET    /api/v1/baselines
//	DELETE /api/v1/baselines/{metric}             – restart learning
//	POST   /api/v1/locations/clusters/{id}/trust
//
// auth configures RS256 Bearer token validation on all /api routes. A nil
// auth.PublicKey disables it.
func NewRouter(srv *Server, auth JWTConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)
	if srv.metrics != nil {
		r.Method(http.MethodGet, "/metrics", srv.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		if auth.PublicKey != nil {
			if auth.Logger == nil {
				auth.Logger = srv.logger
			}
			r.Use(JWTMiddleware(auth))
		}

		r.Post("/signals", srv.handlePostSignal)

		r.Get("/risk", srv.handleGetRisk)
		r.Get("/risk/current", srv.handleGetRiskCurrent)
		r.Get("/risk/changes", srv.handleGetRiskChanges)

		r.Get("/anomalies", srv.handleGetAnomalies)
		r.Post("/anomalies/{id}/resolve", srv.handleResolveAnomaly)

		r.Get("/incidents", srv.handleGetIncidents)
		r.Post("/incidents/{id}/resolve", srv.handleResolveIncident)
		r.Get("/incidents/{id}/timeline", srv.handleGetTimeline)

		r.Get("/alerts", srv.handleGetAlerts)

		r.Get("/baselines", srv.handleGetBaselines)
		r.Delete("/baselines/{metric}", srv.handleDeleteBaseline)

		r.Post("/locations/clusters/{id}/trust", srv.handleTrustCluster)
	})

	return r
}
