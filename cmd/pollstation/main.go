package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/openelectorate/pollstation/internal/api"
	"github.com/openelectorate/pollstation/internal/audit"
	"github.com/openelectorate/pollstation/internal/auth"
	"github.com/openelectorate/pollstation/internal/autofix"
	"github.com/openelectorate/pollstation/internal/config"
	"github.com/openelectorate/pollstation/internal/database"
	"github.com/openelectorate/pollstation/internal/failover"
	"github.com/openelectorate/pollstation/internal/health"
	"github.com/openelectorate/pollstation/internal/memdb"
	"github.com/openelectorate/pollstation/internal/suggest"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		panic(err)
	}

	logger, err := newLogger(cfg.Server.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("pollstation exited", zap.Error(err))
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	cfg := config.Default()
	config.LoadFromEnv(cfg)
	return cfg, nil
}

func newLogger(level string) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	if level != "" {
		if err := zapCfg.Level.UnmarshalText([]byte(level)); err != nil {
			return nil, err
		}
	}
	return zapCfg.Build()
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	primary, err := database.NewPostgres(database.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		Database: cfg.Database.Database,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		SSLMode:  cfg.Database.SSLMode,
	})
	if err != nil {
		return err
	}
	defer func() { _ = primary.Close() }()

	// Schema bootstrap is best-effort: the engine must come up even
	// when the primary is down, that is the whole point.
	bootCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := primary.CreateTables(bootCtx); err != nil {
		logger.Warn("schema bootstrap failed, continuing degraded", zap.Error(err))
	}
	cancel()

	replicas := make(map[string]health.Prober, len(cfg.Replicas))
	for _, rc := range cfg.Replicas {
		replica, err := database.NewPostgres(database.Config{
			Host:     rc.Host,
			Port:     rc.Port,
			Database: rc.Database,
			User:     rc.User,
			Password: rc.Password,
			SSLMode:  rc.SSLMode,
		})
		if err != nil {
			logger.Warn("replica not configured", zap.String("replica", rc.ID), zap.Error(err))
			continue
		}
		defer func() { _ = replica.Close() }()
		replicas[rc.ID] = replica
	}

	monitor := health.NewMonitor(primary, replicas, health.Config{
		ProbeTimeout:     cfg.Health.ProbeTimeout,
		FailureThreshold: cfg.Health.FailureThreshold,
		StalenessWindow:  cfg.Health.StalenessWindow,
		DiagnosticsSize:  cfg.Health.DiagnosticsSize,
		StatsWindow:      cfg.Health.StatsWindow,
	}, logger)

	eventStore := failover.NewEventStore(primary.DB())
	controller := failover.NewController(monitor, eventStore, failover.Config{
		HistorySize:       cfg.Failover.HistorySize,
		ReconnectAttempts: cfg.Failover.ReconnectAttempts,
		ReconnectBackoff:  cfg.Failover.ReconnectBackoff,
	}, logger)

	auditor := audit.NewService(primary.DB(), logger)

	metrics := api.NewMetrics()
	monitor.SetProbeHook(metrics.RecordProbe)
	controller.Subscribe(func(e failover.Event) {
		metrics.RecordFailover(e)
		auditor.LogEvent(ctx, &audit.Event{
			EventType: audit.EventTypeModeTransition,
			Resource:  e.ToMode,
			Result:    audit.ResultSuccess,
			Detail:    e.Reason,
			Metadata:  map[string]interface{}{"from": e.FromMode, "trigger": e.Trigger},
		})
	})

	suggestStore := suggest.NewStore(primary.DB())
	engine := suggest.NewEngine(primary.DB(), suggestStore, suggest.Config{
		MinCandidates: cfg.Autofix.MinCandidates,
	}, logger)

	fixers := autofix.DefaultRegistry()
	policyStore := autofix.NewPolicyStore(primary.DB())
	for kind := range fixers {
		if err := policyStore.SetProcedures(ctx, kind, true, true); err != nil {
			logger.Warn("fix procedures not recorded", zap.String("kind", kind), zap.Error(err))
		}
	}
	pipeline := autofix.NewPipeline(policyStore, controller)
	remediator := autofix.NewRemediator(primary.DB(), suggestStore, policyStore,
		fixers, pipeline, auditor, logger)

	authsvc := auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL,
		cfg.Auth.AdminEmail, cfg.Auth.AdminPasswordHash)

	fallback := memdb.NewStore(1000)

	server := api.NewServer(cfg, logger, monitor, controller, remediator,
		suggestStore, engine, policyStore, auditor, authsvc, fallback)

	go controller.Run(ctx, cfg.Health.ProbeInterval)
	go fallback.StartRefresh(ctx, primary.DB(), time.Minute, monitor.IsPrimaryHealthy, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	return server.Shutdown(shutdownCtx)
}
