package rest

import (
	"context"
	"time"

	"github.com/tripwire/sentinel/internal/feed"
	"github.com/tripwire/sentinel/internal/model"
	"github.com/tripwire/sentinel/internal/timeline"
)

// Store is the subset of the persistence layer read or written directly by
// the REST handlers. Defining an interface allows handlers to be tested with
// a mock store.
type Store interface {
	AppendSignal(ctx context.Context, sig model.Signal) (int64, error)
	UnresolvedAnomalies(ctx context.Context) ([]model.Anomaly, error)
	AnomaliesBetween(ctx context.Context, from, to time.Time) ([]model.Anomaly, error)
	RiskScoresBetween(ctx context.Context, from, to time.Time) ([]model.RiskScore, error)
	RiskScoresByLevel(ctx context.Context, level model.RiskLevel, limit int) ([]model.RiskScore, error)
	ListIncidents(ctx context.Context, limit int) ([]model.Incident, error)
	AlertsByStatus(ctx context.Context, status model.AlertStatus, limit int) ([]model.Alert, error)
}

// RiskService is the risk engine surface exposed over HTTP.
type RiskService interface {
	Current(ctx context.Context) (*model.RiskScore, error)
	DisplayLevel(rs model.RiskScore) model.RiskLevel
	ResolveAnomaly(ctx context.Context, id int64) error
	ResolveIncident(ctx context.Context, id int64) error
}

// Baselines lists and resets learned baselines.
type Baselines interface {
	List(ctx context.Context) ([]model.Baseline, error)
	Reset(ctx context.Context, metric string) error
}

// Timelines builds incident narratives.
type Timelines interface {
	Build(ctx context.Context, incidentID int64) (*timeline.Timeline, error)
}

// Clusters marks learned location clusters as trusted.
type Clusters interface {
	Trust(ctx context.Context, id int64, trusted bool) error
}

// Feed is the versioned risk state feed.
type Feed interface {
	Since(v uint64) (feed.State, bool)
	Wait(ctx context.Context, v uint64) (feed.State, error)
}
