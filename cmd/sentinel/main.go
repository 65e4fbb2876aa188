// Command sentinel is the on-device behavioral security monitor. It loads a
// YAML configuration file, opens the store, wires the baseline engine,
// detectors, risk engine and alert queue into the monitor's tick loops,
// serves the local REST API with /healthz and /metrics, and shuts down
// gracefully on SIGTERM or SIGINT.
package main

import (
	"context"
	"crypto/rsa"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tripwire/sentinel/internal/audit"
	"github.com/tripwire/sentinel/internal/baseline"
	"github.com/tripwire/sentinel/internal/config"
	"github.com/tripwire/sentinel/internal/detector"
	"github.com/tripwire/sentinel/internal/feed"
	"github.com/tripwire/sentinel/internal/mail"
	"github.com/tripwire/sentinel/internal/metrics"
	"github.com/tripwire/sentinel/internal/monitor"
	"github.com/tripwire/sentinel/internal/queue"
	"github.com/tripwire/sentinel/internal/risk"
	"github.com/tripwire/sentinel/internal/server/rest"
	"github.com/tripwire/sentinel/internal/store"
	"github.com/tripwire/sentinel/internal/store/postgres"
	"github.com/tripwire/sentinel/internal/store/sqlite"
	"github.com/tripwire/sentinel/internal/timeline"
)

func main() {
	configPath := flag.String("config", "/etc/sentinel/config.yaml", "path to the Sentinel YAML configuration file")
	seedPath := flag.String("seed", "", "optional YAML file of historical samples per metric to seed empty baselines with")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sentinel: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.String("http_addr", cfg.HTTPAddr),
		slog.String("storage", cfg.Storage.Driver),
		slog.String("timezone", cfg.Timezone),
		slog.Int("recipients", len(cfg.Alerts.Recipients)),
		slog.Int("actions", len(cfg.Actions)),
	)

	if err := run(cfg, *seedPath, logger); err != nil {
		logger.Error("sentinel exited with error", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("sentinel exited cleanly")
}

func run(cfg *config.Config, seedPath string, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Storage ───────────────────────────────────────────────────────────────
	st, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer st.Close()

	auditLog, err := audit.Open(cfg.AuditLogPath)
	if err != nil {
		return err
	}
	defer auditLog.Close()

	mt := metrics.New()
	loc := cfg.Location()

	// ── Decision core ─────────────────────────────────────────────────────────
	engine := baseline.New(st, baseline.Config{
		MinSamples:              cfg.Baseline.MinSamples,
		MinSamplesForConfidence: cfg.Baseline.MinSamplesForConfidence,
		ConfidenceFloor:         cfg.Baseline.ConfidenceFloor,
		MinStddev:               cfg.Baseline.MinStddev,
	}, baseline.WithLogger(logger), baseline.WithAudit(auditLog))

	if seedPath != "" {
		if err := seedBaselines(ctx, engine, seedPath); err != nil {
			return err
		}
	}

	detectors := detector.FromConfig(cfg.Detectors, loc, engine, st,
		detector.WithClusterAudit(auditLog), detector.WithClusterLogger(logger))
	pipeline := detector.NewPipeline(st, detectors,
		detector.WithLogger(logger),
		detector.WithMetrics(mt),
		detector.WithBatchSize(cfg.Detectors.BatchSize),
	)
	var clusters rest.Clusters
	for _, d := range detectors {
		if ld, ok := d.(*detector.LocationDetector); ok {
			clusters = ld
		}
	}

	alerts, err := queue.New(ctx, st, cfg.Alerts.Recipients, queue.WithLogger(logger))
	if err != nil {
		return err
	}

	tl := timeline.New(st, cfg.Risk.TimelineWindow, loc)
	riskFeed := feed.New(logger, 16)
	defer riskFeed.Close()

	riskEngine, err := risk.New(st, risk.ConfigFrom(cfg.Risk),
		risk.WithLogger(logger),
		risk.WithMetrics(mt),
		risk.WithAudit(auditLog),
		risk.WithFeed(riskFeed),
		risk.WithNotifier(alerts),
		risk.WithTimeline(tl),
		risk.WithActions(risk.ActionsFromConfig(cfg.Actions)),
		risk.WithDeviceState(deviceState),
	)
	if err != nil {
		return err
	}

	// ── Monitor ───────────────────────────────────────────────────────────────
	monOpts := []monitor.Option{
		monitor.WithDetector(pipeline),
		monitor.WithRiskEngine(riskEngine),
		monitor.WithAlertQueue(alerts),
		monitor.WithRetentionStore(st),
		monitor.WithMetrics(mt),
	}
	if cfg.SMTP.Addr != "" {
		dispatcher := queue.NewDispatcher(alerts, mail.New(mail.Config{
			Addr:     cfg.SMTP.Addr,
			From:     cfg.SMTP.From,
			Username: cfg.SMTP.Username,
			Password: os.Getenv(cfg.SMTP.PasswordEnv),
		}), queue.RetryPolicy{
			BaseDelay:  cfg.Alerts.BaseDelay,
			MaxDelay:   cfg.Alerts.MaxDelay,
			MaxRetries: cfg.Alerts.MaxRetries,
		},
			queue.WithAttemptTimeout(cfg.Alerts.AttemptTimeout),
			queue.WithBatchSize(cfg.Alerts.BatchSize),
			queue.WithWorkers(cfg.Alerts.Workers),
			queue.WithMetrics(mt),
			queue.WithDispatchLogger(logger),
		)
		defer dispatcher.Close()
		monOpts = append(monOpts, monitor.WithDispatcher(dispatcher))
	} else {
		logger.Warn("smtp.addr not configured; alerts stay PENDING until a transport is configured")
	}

	var mon *monitor.Monitor
	network := monitor.NewNetworkCollector(st, logger, monitor.WithOnChange(func() { mon.KickDetect() }))
	mon = monitor.New(cfg.Schedule, cfg.Retention, logger, append(monOpts, monitor.WithCollectors(network))...)

	if err := mon.Start(ctx); err != nil {
		return err
	}
	defer mon.Stop()

	// ── REST API server ───────────────────────────────────────────────────────
	pubKey, err := loadPublicKey(cfg.JWTPublicKeyPath, logger)
	if err != nil {
		return err
	}
	auth := rest.JWTConfig{
		PublicKey: pubKey,
		Issuer:    cfg.JWTIssuer,
		Audience:  cfg.JWTAudience,
		SkipPaths: cfg.JWTSkipPaths,
	}

	restSrv := rest.NewServer(st,
		rest.WithRisk(riskEngine),
		rest.WithBaselines(engine),
		rest.WithTimelines(tl),
		rest.WithClusters(clusters),
		rest.WithFeed(riskFeed),
		rest.WithHealth(mon.HealthzHandler),
		rest.WithMetrics(mt.Handler()),
		rest.WithIngestHook(mon.KickDetect),
		rest.WithLogger(logger),
	)

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      rest.NewRouter(restSrv, auth),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 6 * time.Minute, // covers the longest /risk/changes long poll
		IdleTimeout:  60 * time.Second,
	}

	httpErrCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP REST server listening", slog.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- fmt.Errorf("HTTP server: %w", err)
		}
		close(httpErrCh)
	}()

	// ── Wait for shutdown signal or fatal error ────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	var runErr error
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case err := <-httpErrCh:
		runErr = err
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	// Stop serving first so no signal is ingested after the monitor stops.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown error", slog.Any("error", err))
	}
	return runErr
}

// openStore opens the configured backend.
func openStore(ctx context.Context, cfg config.StorageConfig) (store.Store, error) {
	switch cfg.Driver {
	case "postgres":
		st, err := postgres.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		st, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return st, nil
	}
}

// loadPublicKey reads the JWT verification key. An empty path disables
// authentication on /api/v1.
func loadPublicKey(path string, logger *slog.Logger) (*rsa.PublicKey, error) {
	if path == "" {
		logger.Warn("jwt_public_key_path not configured; REST API authentication disabled")
		return nil, nil
	}
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read JWT public key: %w", err)
	}
	key, err := rest.ParseRSAPublicKey(pem)
	if err != nil {
		return nil, err
	}
	logger.Info("JWT validation enabled")
	return key, nil
}

// deviceState is recorded on every incident.
func deviceState(context.Context) (string, error) {
	host, err := os.Hostname()
	if err != nil {
		return "", err
	}
	return "host=" + host, nil
}

// newLogger constructs a *slog.Logger that writes JSON-structured log records
// to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
