// Package bootstrap assembles the application: storage, engines, scheduler,
// and the API server, with ordered startup and graceful shutdown.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"threatcloud/api"
	"threatcloud/audit"
	"threatcloud/config"
	"threatcloud/correlate"
	"threatcloud/feed"
	"threatcloud/ingest"
	"threatcloud/reputation"
	"threatcloud/rulegen"
	"threatcloud/scheduler"
	"threatcloud/storage"

	"go.uber.org/zap"
)

// App holds every wired component of the threat intelligence store.
type App struct {
	Config *config.Config
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger

	// Storage
	SQLite     *storage.SQLite
	Indicators *storage.SQLiteIndicatorStorage
	Events     *storage.SQLiteEventStorage
	Rules      *storage.SQLiteRuleStorage
	AuditStore *storage.SQLiteAuditStorage

	// Engines and services
	Audit       *audit.Logger
	Ingest      *ingest.Service
	Reputation  *reputation.Engine
	Correlation *correlate.Engine
	RuleGen     *rulegen.Generator
	Distributor *feed.Distributor
	Scheduler   *scheduler.Scheduler
	APIServer   *api.Server

	shutdownCh chan struct{}
}

// NewApp creates the application and initializes all components.
func NewApp(ctx context.Context) (*App, error) {
	app := &App{shutdownCh: make(chan struct{})}

	logger, sugar, err := InitLogger()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	app.Logger = logger
	app.Sugar = sugar

	sugar.Info("ThreatCloud starting...")

	cfg, err := InitConfig(sugar)
	if err != nil {
		return nil, err
	}
	app.Config = cfg

	if err := EnsureDataDirectories(cfg, sugar); err != nil {
		return nil, err
	}

	sqlite, err := storage.NewSQLite(cfg.DataPaths.SQLitePath, sugar)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	app.SQLite = sqlite
	app.Indicators = storage.NewSQLiteIndicatorStorage(sqlite, sugar)
	app.Events = storage.NewSQLiteEventStorage(sqlite, sugar)
	app.Rules = storage.NewSQLiteRuleStorage(sqlite, sugar)
	app.AuditStore = storage.NewSQLiteAuditStorage(sqlite, sugar)

	app.Audit = audit.NewLogger(app.AuditStore, sugar)
	app.Ingest = ingest.NewService(app.Indicators, app.Events, app.Audit, sugar)

	app.Reputation = reputation.NewEngine(app.Indicators, app.Events, reputation.Params{
		SightingWeight:    cfg.Reputation.SightingWeight,
		SeverityWeight:    cfg.Reputation.SeverityWeight,
		DiversityWeight:   cfg.Reputation.DiversityWeight,
		DecayHalfLifeDays: cfg.Reputation.DecayHalfLifeDays,
		SeverityPoints:    cfg.Reputation.SeverityPoints,
	}, sugar)

	app.Correlation = correlate.NewEngine(app.Events, correlate.Params{
		Window:         time.Duration(cfg.Correlation.WindowHours) * time.Hour,
		TimeProximity:  cfg.Correlation.TimeProximity,
		MinClusterSize: cfg.Correlation.MinClusterSize,
	}, sugar)

	app.RuleGen = rulegen.NewGenerator(app.Rules, rulegen.Params{
		MinSources:    cfg.Rules.MinSources,
		MinIndicators: cfg.Rules.MinIndicators,
		Generator:     cfg.Rules.Generator,
	}, sugar)

	app.Distributor = feed.NewDistributor(app.Indicators, app.Rules, feed.Params{
		MinReputation:       cfg.Feeds.MinReputation,
		CacheTTL:            cfg.Feeds.CacheTTL,
		BlocklistMaxEntries: cfg.Feeds.BlocklistMaxEntries,
	}, sugar)

	app.Scheduler = scheduler.New(sugar)
	if err := app.registerJobs(); err != nil {
		return nil, fmt.Errorf("failed to register scheduled jobs: %w", err)
	}

	app.APIServer = api.NewServer(cfg, app.Ingest, app.Distributor, app.Indicators, app.Audit, sugar)

	sugar.Info("All components initialized")
	return app, nil
}

// Start launches the scheduler and the API server.
func (a *App) Start() {
	if a.Config.Scheduler.Enabled {
		a.Scheduler.Start()
	} else {
		a.Sugar.Warn("Scheduler disabled by configuration; maintenance jobs will not run")
	}

	go func() {
		if err := a.APIServer.Start(); err != nil {
			a.Sugar.Errorw("API server exited", "error", err)
			a.signalShutdown()
		}
	}()
}

// WaitForShutdown blocks until SIGINT/SIGTERM or an internal fatal error.
func (a *App) WaitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		a.Sugar.Infow("Shutdown signal received", "signal", sig)
	case <-a.shutdownCh:
		a.Sugar.Info("Internal shutdown requested")
	}
}

func (a *App) signalShutdown() {
	select {
	case <-a.shutdownCh:
	default:
		close(a.shutdownCh)
	}
}

// Shutdown stops components in reverse dependency order: the API first so no
// new work arrives, then the scheduler with its in-flight jobs, then storage.
func (a *App) Shutdown() {
	a.Sugar.Info("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.APIServer.Shutdown(ctx); err != nil {
		a.Sugar.Warnw("API server shutdown error", "error", err)
	}

	a.Scheduler.Stop()

	if err := a.SQLite.Close(); err != nil {
		a.Sugar.Warnw("Storage close error", "error", err)
	}

	a.Sugar.Info("Shutdown complete")
	_ = a.Logger.Sync()
}
