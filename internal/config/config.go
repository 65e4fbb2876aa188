// Package config provides YAML configuration loading and validation for the
// Sentinel monitor.
package config

import (
	"errors"
	"fmt"
	"math"
	"net/mail"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure for the Sentinel monitor.
type Config struct {
	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// HTTPAddr is the listen address of the REST API, /healthz and /metrics.
	// Defaults to "127.0.0.1:8470".
	HTTPAddr string `yaml:"http_addr"`

	// Timezone is the IANA zone used for hour-of-day features (unlock and
	// network detectors). Defaults to "UTC".
	Timezone string `yaml:"timezone"`

	// JWTPublicKeyPath is an optional PEM RSA public key. When set, every
	// /api/v1 route requires a valid RS256 bearer token.
	JWTPublicKeyPath string `yaml:"jwt_public_key_path"`

	// JWTIssuer and JWTAudience, when set, must match the token's "iss"
	// claim and appear in its "aud" claim.
	JWTIssuer   string `yaml:"jwt_issuer"`
	JWTAudience string `yaml:"jwt_audience"`

	// JWTSkipPaths are exact /api/v1 paths served without a token, for
	// example a collector that cannot hold a key posting to /api/v1/signals.
	JWTSkipPaths []string `yaml:"jwt_skip_paths"`

	// AuditLogPath is the hash-chained decision log. Defaults to
	// "sentinel-audit.log".
	AuditLogPath string `yaml:"audit_log_path"`

	Storage   StorageConfig   `yaml:"storage"`
	Baseline  BaselineConfig  `yaml:"baseline"`
	Detectors DetectorsConfig `yaml:"detectors"`
	Risk      RiskConfig      `yaml:"risk"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	SMTP      SMTPConfig      `yaml:"smtp"`
	Schedule  ScheduleConfig  `yaml:"schedule"`
	Retention RetentionConfig `yaml:"retention"`

	// Actions are the protective commands run, in order, when a risk cycle
	// triggers.
	Actions []ActionConfig `yaml:"actions"`
}

// StorageConfig selects the store backend.
type StorageConfig struct {
	// Driver is "sqlite" (default) or "postgres".
	Driver string `yaml:"driver"`

	// SQLitePath defaults to "sentinel.db".
	SQLitePath string `yaml:"sqlite_path"`

	// PostgresDSN is required when Driver is "postgres".
	PostgresDSN string `yaml:"postgres_dsn"`
}

// BaselineConfig tunes when a learned baseline becomes eligible for judgment.
type BaselineConfig struct {
	MinSamples              int     `yaml:"min_samples"`
	MinSamplesForConfidence int     `yaml:"min_samples_for_confidence"`
	ConfidenceFloor         float64 `yaml:"confidence_floor"`
	MinStddev               float64 `yaml:"min_stddev"`
}

// DetectorConfig is the threshold and weight of one signal class.
type DetectorConfig struct {
	// Threshold is the normalized deviation past which an anomaly is raised.
	Threshold float64 `yaml:"threshold"`

	// Weight multiplies severity into risk points.
	Weight int `yaml:"weight"`
}

// LocationConfig extends DetectorConfig with online clustering parameters.
type LocationConfig struct {
	DetectorConfig `yaml:",inline"`

	ClusterRadiusM float64 `yaml:"cluster_radius_m"`

	// NovelDeviation is the deviation assigned to a sample that spawned a new
	// cluster.
	NovelDeviation float64 `yaml:"novel_deviation"`
}

// DetectorsConfig holds per-class detector settings.
type DetectorsConfig struct {
	AppUsage  DetectorConfig `yaml:"app_usage"`
	Network   DetectorConfig `yaml:"network"`
	Unlock    DetectorConfig `yaml:"unlock"`
	Location  LocationConfig `yaml:"location"`
	BatchSize int            `yaml:"batch_size"`
}

// LevelThresholds are the lower bounds of MEDIUM, HIGH and CRITICAL. Scores
// below Medium are LOW.
type LevelThresholds struct {
	Medium   int `yaml:"medium"`
	High     int `yaml:"high"`
	Critical int `yaml:"critical"`
}

// RiskConfig tunes the risk scoring engine.
type RiskConfig struct {
	Lookback              time.Duration   `yaml:"lookback"`
	ActionThreshold       int             `yaml:"action_threshold"`
	Cooldown              time.Duration   `yaml:"cooldown"`
	DecayInterval         time.Duration   `yaml:"decay_interval"`
	DecayFactor           float64         `yaml:"decay_factor"`
	MinDecayDelta         int             `yaml:"min_decay_delta"`
	SignalWeights         map[string]int  `yaml:"signal_weights"`
	MaxSignalContribution int             `yaml:"max_signal_contribution"`
	TimelineWindow        time.Duration   `yaml:"timeline_window"`
	Levels                LevelThresholds `yaml:"levels"`
}

// AlertsConfig tunes the alert delivery queue.
type AlertsConfig struct {
	// Recipients receive one alert each per triggered incident.
	Recipients     []string      `yaml:"recipients"`
	BaseDelay      time.Duration `yaml:"base_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	MaxRetries     int           `yaml:"max_retries"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	BatchSize      int           `yaml:"batch_size"`
	Workers        int           `yaml:"workers"`
}

// SMTPConfig configures the mail transport. An empty Addr disables delivery:
// alerts stay PENDING until a transport is configured.
type SMTPConfig struct {
	Addr     string `yaml:"addr"`
	From     string `yaml:"from"`
	Username string `yaml:"username"`

	// PasswordEnv names the environment variable holding the SMTP password.
	PasswordEnv string `yaml:"password_env"`
}

// ScheduleConfig holds the periodic tick intervals of the monitor.
type ScheduleConfig struct {
	Detect    time.Duration `yaml:"detect"`
	Risk      time.Duration `yaml:"risk"`
	Decay     time.Duration `yaml:"decay"`
	Dispatch  time.Duration `yaml:"dispatch"`
	Retention time.Duration `yaml:"retention"`
}

// RetentionConfig holds age limits. A zero duration disables that rule.
type RetentionConfig struct {
	Signals               time.Duration `yaml:"signals"`
	ResolveAnomaliesAfter time.Duration `yaml:"resolve_anomalies_after"`
	Anomalies             time.Duration `yaml:"anomalies"`
	RiskScores            time.Duration `yaml:"risk_scores"`
	FailedAlerts          time.Duration `yaml:"failed_alerts"`
}

// ActionConfig is one protective command.
type ActionConfig struct {
	Name    string   `yaml:"name"`
	Command []string `yaml:"command"`
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validSignalTypes = map[string]bool{
	"APP_USAGE": true,
	"LOCATION":  true,
	"NETWORK":   true,
	"UNLOCK":    true,
}

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all fields. Every validation failure is reported in
// one joined error.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied. It is valid
// as-is and is what tests and an absent config file start from.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

// Location returns the configured timezone, falling back to UTC when the
// name cannot be loaded.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	setStr(&cfg.LogLevel, "info")
	setStr(&cfg.HTTPAddr, "127.0.0.1:8470")
	setStr(&cfg.Timezone, "UTC")
	setStr(&cfg.AuditLogPath, "sentinel-audit.log")

	setStr(&cfg.Storage.Driver, "sqlite")
	setStr(&cfg.Storage.SQLitePath, "sentinel.db")

	b := &cfg.Baseline
	setInt(&b.MinSamples, 30)
	setInt(&b.MinSamplesForConfidence, 30)
	setFloat(&b.ConfidenceFloor, 0.9)
	setFloat(&b.MinStddev, 0.25)

	d := &cfg.Detectors
	setDetector(&d.AppUsage, 2.5, 3)
	setDetector(&d.Network, 2.5, 4)
	setDetector(&d.Unlock, 2.0, 2)
	setDetector(&d.Location.DetectorConfig, 2.5, 6)
	setFloat(&d.Location.ClusterRadiusM, 150)
	setFloat(&d.Location.NovelDeviation, 3.0)
	setInt(&d.BatchSize, 200)

	r := &cfg.Risk
	setDur(&r.Lookback, 24*time.Hour)
	setInt(&r.ActionThreshold, 50)
	setDur(&r.Cooldown, 30*time.Minute)
	setDur(&r.DecayInterval, time.Hour)
	setFloat(&r.DecayFactor, 0.8)
	setInt(&r.MinDecayDelta, 1)
	if r.SignalWeights == nil {
		r.SignalWeights = map[string]int{"NETWORK": 1, "LOCATION": 1}
	}
	setInt(&r.MaxSignalContribution, 15)
	setDur(&r.TimelineWindow, 30*time.Minute)
	setInt(&r.Levels.Medium, 20)
	setInt(&r.Levels.High, 50)
	setInt(&r.Levels.Critical, 80)

	a := &cfg.Alerts
	setDur(&a.BaseDelay, 30*time.Second)
	setDur(&a.MaxDelay, 30*time.Minute)
	setInt(&a.MaxRetries, 5)
	setDur(&a.AttemptTimeout, 10*time.Second)
	setInt(&a.BatchSize, 50)
	setInt(&a.Workers, 4)

	s := &cfg.Schedule
	setDur(&s.Detect, time.Minute)
	setDur(&s.Risk, 5*time.Minute)
	setDur(&s.Decay, 15*time.Minute)
	setDur(&s.Dispatch, 30*time.Second)
	setDur(&s.Retention, 6*time.Hour)

	// Defaults apply only when the section is absent. Inside a present
	// retention section, 0 disables a rule.
	if cfg.Retention == (RetentionConfig{}) {
		cfg.Retention = RetentionConfig{
			Signals:               30 * 24 * time.Hour,
			ResolveAnomaliesAfter: 7 * 24 * time.Hour,
			Anomalies:             90 * 24 * time.Hour,
			RiskScores:            90 * 24 * time.Hour,
			FailedAlerts:          180 * 24 * time.Hour,
		}
	}
}

// validate checks that enumerated fields contain only valid values and that
// numeric settings are in range.
func validate(cfg *Config) error {
	var errs []error

	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone %q: %w", cfg.Timezone, err))
	}

	for i, p := range cfg.JWTSkipPaths {
		if !strings.HasPrefix(p, "/api/v1/") {
			errs = append(errs, fmt.Errorf("jwt_skip_paths[%d] %q must be an /api/v1/ path", i, p))
		}
	}

	switch cfg.Storage.Driver {
	case "sqlite":
	case "postgres":
		if cfg.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage.postgres_dsn is required when storage.driver is postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q must be one of: sqlite, postgres", cfg.Storage.Driver))
	}

	b := cfg.Baseline
	if b.MinSamples < 1 {
		errs = append(errs, errors.New("baseline.min_samples must be >= 1"))
	}
	if b.MinSamplesForConfidence < 1 {
		errs = append(errs, errors.New("baseline.min_samples_for_confidence must be >= 1"))
	}
	if b.ConfidenceFloor <= 0 || b.ConfidenceFloor > 1 {
		errs = append(errs, fmt.Errorf("baseline.confidence_floor %v must be in (0, 1]", b.ConfidenceFloor))
	}
	if b.MinStddev <= 0 {
		errs = append(errs, errors.New("baseline.min_stddev must be > 0"))
	}

	for name, d := range map[string]DetectorConfig{
		"app_usage": cfg.Detectors.AppUsage,
		"network":   cfg.Detectors.Network,
		"unlock":    cfg.Detectors.Unlock,
		"location":  cfg.Detectors.Location.DetectorConfig,
	} {
		if d.Threshold <= 0 || math.IsInf(d.Threshold, 0) {
			errs = append(errs, fmt.Errorf("detectors.%s.threshold must be > 0", name))
		}
		if d.Weight < 1 {
			errs = append(errs, fmt.Errorf("detectors.%s.weight must be >= 1", name))
		}
	}
	if cfg.Detectors.Location.ClusterRadiusM <= 0 {
		errs = append(errs, errors.New("detectors.location.cluster_radius_m must be > 0"))
	}

	r := cfg.Risk
	if !(0 < r.Levels.Medium && r.Levels.Medium < r.Levels.High && r.Levels.High < r.Levels.Critical) {
		errs = append(errs, fmt.Errorf("risk.levels must be strictly increasing and positive (got %d, %d, %d)",
			r.Levels.Medium, r.Levels.High, r.Levels.Critical))
	}
	if r.DecayFactor <= 0 || r.DecayFactor >= 1 {
		errs = append(errs, fmt.Errorf("risk.decay_factor %v must be in (0, 1)", r.DecayFactor))
	}
	if r.ActionThreshold < 1 {
		errs = append(errs, errors.New("risk.action_threshold must be >= 1"))
	}
	if r.Lookback <= 0 || r.DecayInterval <= 0 {
		errs = append(errs, errors.New("risk.lookback and risk.decay_interval must be > 0"))
	}
	if r.Cooldown < 0 {
		errs = append(errs, errors.New("risk.cooldown must not be negative"))
	}
	for typ, w := range r.SignalWeights {
		if !validSignalTypes[typ] {
			errs = append(errs, fmt.Errorf("risk.signal_weights: unknown signal type %q", typ))
		}
		if w < 0 {
			errs = append(errs, fmt.Errorf("risk.signal_weights.%s must not be negative", typ))
		}
	}

	a := cfg.Alerts
	for i, rcpt := range a.Recipients {
		if _, err := mail.ParseAddress(rcpt); err != nil {
			errs = append(errs, fmt.Errorf("alerts.recipients[%d] %q: %w", i, rcpt, err))
		}
	}
	if a.BaseDelay <= 0 {
		errs = append(errs, errors.New("alerts.base_delay must be > 0"))
	}
	if a.BaseDelay > a.MaxDelay {
		errs = append(errs, errors.New("alerts.base_delay must not exceed alerts.max_delay"))
	}
	if a.MaxRetries < 0 {
		errs = append(errs, errors.New("alerts.max_retries must not be negative"))
	}
	if cfg.SMTP.Addr != "" && cfg.SMTP.From == "" {
		errs = append(errs, errors.New("smtp.from is required when smtp.addr is set"))
	}

	ret := cfg.Retention
	for name, d := range map[string]time.Duration{
		"signals":                 ret.Signals,
		"resolve_anomalies_after": ret.ResolveAnomaliesAfter,
		"anomalies":               ret.Anomalies,
		"risk_scores":             ret.RiskScores,
		"failed_alerts":           ret.FailedAlerts,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("retention.%s must not be negative", name))
		}
	}

	for i, act := range cfg.Actions {
		if act.Name == "" {
			errs = append(errs, fmt.Errorf("actions[%d]: name is required", i))
		}
		if len(act.Command) == 0 {
			errs = append(errs, fmt.Errorf("actions[%d]: command is required", i))
		}
	}

	return errors.Join(errs...)
}

func setStr(p *string, v string) {
	if *p == "" {
		*p = v
	}
}

func setInt(p *int, v int) {
	if *p == 0 {
		*p = v
	}
}

func setFloat(p *float64, v float64) {
	if *p == 0 {
		*p = v
	}
}

func setDur(p *time.Duration, v time.Duration) {
	if *p == 0 {
		*p = v
	}
}

func setDetector(d *DetectorConfig, threshold float64, weight int) {
	setFloat(&d.Threshold, threshold)
	setInt(&d.Weight, weight)
}
