// Package model defines the persisted row shapes shared by the Sentinel
// decision core: signals, baselines, anomalies, risk scores, incidents,
// queued alerts and learned location clusters. Every store implementation
// must round-trip these fields unchanged.
package model

import (
	"time"
)

// SignalType is the class of collector that produced a signal.
type SignalType string

const (
	SignalAppUsage SignalType = "APP_USAGE"
	SignalLocation SignalType = "LOCATION"
	SignalNetwork  SignalType = "NETWORK"
	SignalUnlock   SignalType = "UNLOCK"
)

// SignalTypes lists every signal class in a stable order.
var SignalTypes = []SignalType{SignalAppUsage, SignalLocation, SignalNetwork, SignalUnlock}

// Valid reports whether t is one of the known signal classes.
func (t SignalType) Valid() bool {
	switch t {
	case SignalAppUsage, SignalLocation, SignalNetwork, SignalUnlock:
		return true
	}
	return false
}

// RiskLevel is the bucket a risk score falls into.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// Valid reports whether l is one of the four risk levels.
func (l RiskLevel) Valid() bool {
	switch l {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return true
	}
	return false
}

// AlertStatus is the delivery state of a queued alert.
type AlertStatus string

const (
	AlertPending AlertStatus = "PENDING"
	AlertSent    AlertStatus = "SENT"
	AlertFailed  AlertStatus = "FAILED"
)

// Signal maps to the `signals` table. Rows are immutable except for
// Processed, which detectors flip after a successful pass.
type Signal struct {
	ID        int64      `json:"id"`
	Type      SignalType `json:"type"`
	Value     string     `json:"value"`
	Timestamp time.Time  `json:"timestamp"`
	Metadata  string     `json:"metadata,omitempty"`
	Processed bool       `json:"processed"`
}

// Baseline maps to the `baselines` table: one row per metric type.
//
// BaselineValue is the serialized running statistic owned by the baseline
// engine. LastSignalID is the highest signal id already folded into the
// statistic; zero means samples were observed without a source signal.
type Baseline struct {
	MetricType       string    `json:"metric_type"`
	BaselineValue    string    `json:"baseline_value"`
	Variance         *float64  `json:"variance,omitempty"`
	Confidence       float64   `json:"confidence"`
	SampleCount      int       `json:"sample_count"`
	LearningComplete bool      `json:"learning_complete"`
	LastSignalID     int64     `json:"last_signal_id"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Anomaly maps to the `anomalies` table.
//
// SignalID links the anomaly to the signal that produced it. A non-zero
// SignalID is unique: appending a second anomaly for the same signal returns
// the first one.
type Anomaly struct {
	ID          int64     `json:"id"`
	AnomalyType string    `json:"anomaly_type"`
	Description string    `json:"description"`
	Severity    int       `json:"severity"`
	RiskPoints  int       `json:"risk_points"`
	Deviation   float64   `json:"deviation"`
	SignalID    int64     `json:"signal_id,omitempty"`
	Resolved    bool      `json:"resolved"`
	Timestamp   time.Time `json:"timestamp"`
}

// RiskScore maps to the `risk_scores` table. TotalScore is the audit
// original and never changes; Decayed and CurrentScore are rewritten by the
// decay pass.
type RiskScore struct {
	ID                  int64     `json:"id"`
	TotalScore          int       `json:"total_score"`
	RiskLevel           RiskLevel `json:"risk_level"`
	SignalContributions string    `json:"signal_contributions"`
	TriggeredAction     bool      `json:"triggered_action"`
	TriggerReason       string    `json:"trigger_reason,omitempty"`
	Timestamp           time.Time `json:"timestamp"`
	Decayed             bool      `json:"decayed"`
	CurrentScore        *int      `json:"current_score,omitempty"`
}

// EffectiveScore is the score that drives level display: the decayed
// current score when present, the original total otherwise.
func (r RiskScore) EffectiveScore() int {
	if r.Decayed && r.CurrentScore != nil {
		return *r.CurrentScore
	}
	return r.TotalScore
}

// Incident maps to the `incidents` table. Location and DeviceState are
// optional; an empty string is stored as SQL NULL.
type Incident struct {
	ID           int64      `json:"id"`
	Severity     int        `json:"severity"`
	RiskScore    int        `json:"risk_score"`
	TriggeredBy  string     `json:"triggered_by"`
	ActionsTaken string     `json:"actions_taken"`
	Summary      string     `json:"summary"`
	Location     string     `json:"location,omitempty"`
	DeviceState  string     `json:"device_state,omitempty"`
	Timestamp    time.Time  `json:"timestamp"`
	Resolved     bool       `json:"resolved"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
}

// Alert maps to the `alert_queue` table. It is owned by the alert queue;
// one row exists per attempted notification.
type Alert struct {
	ID             int64       `json:"id"`
	RecipientEmail string      `json:"recipient_email"`
	Subject        string      `json:"subject"`
	Body           string      `json:"body"`
	Status         AlertStatus `json:"status"`
	IncidentID     *int64      `json:"incident_id,omitempty"`
	RetryCount     int         `json:"retry_count"`
	LastError      string      `json:"last_error,omitempty"`
	NextRetryAt    *time.Time  `json:"next_retry_at,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	SentAt         *time.Time  `json:"sent_at,omitempty"`
}

// LocationCluster maps to the `location_clusters` table: a place the device
// has been observed at, learned online by the location detector.
type LocationCluster struct {
	ID               int64     `json:"id"`
	CenterLat        float64   `json:"center_lat"`
	CenterLng        float64   `json:"center_lng"`
	RadiusMeters     float64   `json:"radius_meters"`
	VisitCount       int       `json:"visit_count"`
	TimeSpentSeconds int64     `json:"time_spent_seconds"`
	Trusted          bool      `json:"trusted"`
	FirstSeen        time.Time `json:"first_seen"`
	LastVisit        time.Time `json:"last_visit"`
	// FirstSignalID and LastSignalID are the signals that spawned the
	// cluster and last folded into it.
	FirstSignalID int64 `json:"first_signal_id"`
	LastSignalID  int64 `json:"last_signal_id"`
}
