// Package store declares the persistence contracts consumed by the Sentinel
// decision core. Concrete implementations live in the sqlite (on-device) and
// postgres sub-packages; both honour the row shapes in package model.
//
// Every method performs at most one atomic read-modify-write. Consistency
// across tables (for example "read unresolved anomalies, then write a risk
// score") is the caller's responsibility.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/tripwire/sentinel/internal/model"
)

// ErrNotFound is returned when a lookup or state transition names a row that
// does not exist.
var ErrNotFound = errors.New("store: not found")

// SignalStore is the append-only log of collector signals.
type SignalStore interface {
	// AppendSignal persists sig and returns its assigned id.
	AppendSignal(ctx context.Context, sig model.Signal) (int64, error)
	// UnprocessedSignals returns up to limit unprocessed signals of type t in
	// id order.
	UnprocessedSignals(ctx context.Context, t model.SignalType, limit int) ([]model.Signal, error)
	// ProcessedSignals returns up to limit processed signals of type t,
	// newest first.
	ProcessedSignals(ctx context.Context, t model.SignalType, limit int) ([]model.Signal, error)
	// SignalsBetween returns every signal with timestamp in [from, to),
	// oldest first.
	SignalsBetween(ctx context.Context, from, to time.Time) ([]model.Signal, error)
	// MarkProcessed flips processed on the given ids. Already-processed ids
	// are ignored.
	MarkProcessed(ctx context.Context, ids []int64) error
	// DeleteSignalsBefore prunes signals older than ts.
	DeleteSignalsBefore(ctx context.Context, ts time.Time) (int64, error)
}

// BaselineStore holds one learned baseline row per metric type.
type BaselineStore interface {
	// GetBaseline returns ErrNotFound when nothing was learned for metric.
	GetBaseline(ctx context.Context, metric string) (*model.Baseline, error)
	UpsertBaseline(ctx context.Context, b model.Baseline) error
	// DeleteBaseline removes the row; deleting an absent metric is a no-op.
	DeleteBaseline(ctx context.Context, metric string) error
	ListBaselines(ctx context.Context) ([]model.Baseline, error)
}

// AnomalyStore persists detected deviations.
type AnomalyStore interface {
	// AppendAnomaly stores a. When a.SignalID is non-zero and an anomaly for
	// that signal already exists, the existing id is returned with
	// created == false.
	AppendAnomaly(ctx context.Context, a model.Anomaly) (id int64, created bool, err error)
	// UnresolvedAnomalies returns every anomaly with resolved = false, oldest
	// first.
	UnresolvedAnomalies(ctx context.Context) ([]model.Anomaly, error)
	// AnomaliesBetween returns anomalies with timestamp in [from, to).
	AnomaliesBetween(ctx context.Context, from, to time.Time) ([]model.Anomaly, error)
	// ResolveAnomaly latches resolved = true. It is idempotent and returns
	// ErrNotFound for an unknown id.
	ResolveAnomaly(ctx context.Context, id int64) error
	// ResolveAnomaliesBefore resolves every open anomaly older than ts.
	ResolveAnomaliesBefore(ctx context.Context, ts time.Time) (int64, error)
	DeleteAnomaliesBefore(ctx context.Context, ts time.Time) (int64, error)
}

// RiskScoreStore is the append-only time series of computed scores.
type RiskScoreStore interface {
	AppendRiskScore(ctx context.Context, r model.RiskScore) (int64, error)
	// LatestRiskScore returns the row with the greatest timestamp (ties broken
	// by id) or ErrNotFound on an empty history.
	LatestRiskScore(ctx context.Context) (*model.RiskScore, error)
	RiskScoresBetween(ctx context.Context, from, to time.Time) ([]model.RiskScore, error)
	// RiskScoresByLevel returns up to limit rows at level, newest first.
	RiskScoresByLevel(ctx context.Context, level model.RiskLevel, limit int) ([]model.RiskScore, error)
	// TriggeredRiskScoresSince returns rows with triggered_action = true and
	// timestamp >= ts, newest first.
	TriggeredRiskScoresSince(ctx context.Context, ts time.Time) ([]model.RiskScore, error)
	// DecayCandidates returns rows older than ts that are not decayed yet or
	// whose current score is still above zero.
	DecayCandidates(ctx context.Context, olderThan time.Time) ([]model.RiskScore, error)
	// UpdateDecayedScore sets decayed = true and current_score = score.
	UpdateDecayedScore(ctx context.Context, id int64, score int) error
	DeleteRiskScoresBefore(ctx context.Context, ts time.Time) (int64, error)
}

// IncidentStore keeps the append-only incident history.
type IncidentStore interface {
	AppendIncident(ctx context.Context, inc model.Incident) (int64, error)
	GetIncident(ctx context.Context, id int64) (*model.Incident, error)
	// ListIncidents returns up to limit incidents, newest first.
	ListIncidents(ctx context.Context, limit int) ([]model.Incident, error)
	IncidentsBetween(ctx context.Context, from, to time.Time) ([]model.Incident, error)
	// ResolveIncident moves the incident into its terminal resolved state.
	// Resolving twice keeps the first resolved_at.
	ResolveIncident(ctx context.Context, id int64, at time.Time) error
}

// AlertQueueStore persists outbound alerts and their delivery state.
type AlertQueueStore interface {
	// EnqueueAlert stores a PENDING alert and returns its id.
	EnqueueAlert(ctx context.Context, a model.Alert) (int64, error)
	// DueAlerts returns up to limit PENDING alerts whose next_retry_at is
	// NULL or <= now, oldest first.
	DueAlerts(ctx context.Context, now time.Time, limit int) ([]model.Alert, error)
	// MarkAlertSent is terminal and idempotent; last_error is preserved.
	MarkAlertSent(ctx context.Context, id int64, sentAt time.Time) error
	// MarkAlertRetry records a recoverable failure on a PENDING alert.
	MarkAlertRetry(ctx context.Context, id int64, retryCount int, lastError string, nextRetryAt time.Time) error
	// MarkAlertFailed moves a PENDING alert to FAILED.
	MarkAlertFailed(ctx context.Context, id int64, lastError string) error
	GetAlert(ctx context.Context, id int64) (*model.Alert, error)
	// AlertsByStatus returns up to limit alerts in status, newest first.
	AlertsByStatus(ctx context.Context, status model.AlertStatus, limit int) ([]model.Alert, error)
	AlertsForIncident(ctx context.Context, incidentID int64) ([]model.Alert, error)
	PendingAlertCount(ctx context.Context) (int, error)
	// PruneFailedAlerts deletes FAILED alerts created before ts. It is only
	// invoked by an explicit retention policy.
	PruneFailedAlerts(ctx context.Context, before time.Time) (int64, error)
}

// ClusterStore persists the location detector's learned places.
type ClusterStore interface {
	ListClusters(ctx context.Context) ([]model.LocationCluster, error)
	// SaveCluster inserts c when c.ID is zero and updates it otherwise,
	// returning the effective id.
	SaveCluster(ctx context.Context, c model.LocationCluster) (int64, error)
	SetClusterTrusted(ctx context.Context, id int64, trusted bool) error
}

// Store is the union of every contract; both backends implement it.
type Store interface {
	SignalStore
	BaselineStore
	AnomalyStore
	RiskScoreStore
	IncidentStore
	AlertQueueStore
	ClusterStore
	Close() error
}
