// Package bootstrap wires the runtime together: configuration, logging,
// telemetry, persistence, market data, and the strategy registry.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"grid_trader/internal/alert"
	"grid_trader/internal/config"
	"grid_trader/internal/core"
	"grid_trader/internal/exchange/binance"
	"grid_trader/internal/infrastructure/metrics"
	"grid_trader/internal/marketdata"
	"grid_trader/internal/store"
	"grid_trader/internal/trading/dispatcher"
	"grid_trader/pkg/concurrency"
	"grid_trader/pkg/telemetry"
)

const shutdownTimeout = 10 * time.Second

// App holds the assembled runtime
type App struct {
	Cfg      *config.Config
	Logger   core.ILogger
	Store    *store.SQLiteStore
	Pool     *concurrency.WorkerPool
	Registry *dispatcher.Registry

	feed          *marketdata.MarkPriceFeed
	metricsServer *metrics.Server
	telemetry     *telemetry.Telemetry
}

// NewApp bootstraps all dependencies from a config file
func NewApp(configPath string) (*App, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logger, err := InitLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	tel, err := telemetry.Setup("grid_trader")
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	db, err := store.NewSQLiteStore(cfg.App.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "runtime",
		MaxWorkers:  cfg.Concurrency.PoolSize,
		MaxCapacity: cfg.Concurrency.PoolBuffer,
	}, logger)

	feed := marketdata.NewMarkPriceFeed(cfg.Exchange.StreamURL, logger)

	factory := func(creds core.Credentials) (core.IExchange, error) {
		return binance.NewExchange(creds, logger), nil
	}
	registry := dispatcher.NewRegistry(feed, db, factory, pool, logger)
	if alerts := buildAlerts(cfg, logger); alerts != nil {
		registry.SetAlerts(alerts)
	}

	app := &App{
		Cfg:       cfg,
		Logger:    logger,
		Store:     db,
		Pool:      pool,
		Registry:  registry,
		feed:      feed,
		telemetry: tel,
	}
	if cfg.Telemetry.EnableMetrics {
		app.metricsServer = metrics.NewServer(cfg.Telemetry.MetricsPort, logger)
	}
	return app, nil
}

// buildAlerts assembles the notification channels the config enables, or nil
// when none are configured
func buildAlerts(cfg *config.Config, logger core.ILogger) *alert.Manager {
	manager := alert.NewManager(logger)
	if url := string(cfg.Alerts.SlackWebhookURL); url != "" {
		manager.AddChannel(alert.NewSlackChannel(url))
	}
	if token := string(cfg.Alerts.TelegramBotToken); token != "" && cfg.Alerts.TelegramChatID != "" {
		manager.AddChannel(alert.NewTelegramChannel(token, cfg.Alerts.TelegramChatID))
	}
	if manager.ChannelCount() == 0 {
		return nil
	}
	return manager
}

// Run starts the runtime, creates the configured strategies, resumes
// persisted ones, and blocks until a termination signal
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.Logger.Info("Starting grid trader", "strategies", len(a.Cfg.Strategies))

	if a.metricsServer != nil {
		if err := a.metricsServer.Start(); err != nil {
			return fmt.Errorf("metrics endpoint: %w", err)
		}
	}
	if err := a.Registry.Start(ctx); err != nil {
		return fmt.Errorf("market data feed: %w", err)
	}

	if err := a.Registry.ResumeAll(ctx); err != nil {
		a.Logger.Warn("Failed to resume persisted strategies", "error", err)
	}

	for idx, sc := range a.Cfg.Strategies {
		if _, err := a.Registry.CreateOrResume(ctx, sc.Credentials, sc.Settings); err != nil {
			a.Logger.Error("Failed to create configured strategy",
				"index", idx, "symbol", sc.Settings.Symbol, "error", err)
		}
	}

	<-ctx.Done()
	a.Logger.Info("Shutdown signal received")
	return a.shutdown()
}

func (a *App) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	a.Registry.Stop()
	a.Pool.Stop()

	if a.metricsServer != nil {
		if err := a.metricsServer.Stop(ctx); err != nil {
			a.Logger.Warn("Metrics server stop failed", "error", err)
		}
	}
	if err := a.Store.Close(); err != nil {
		a.Logger.Warn("Store close failed", "error", err)
	}
	if err := a.telemetry.Shutdown(ctx); err != nil {
		a.Logger.Warn("Telemetry shutdown failed", "error", err)
	}

	a.Logger.Info("Shutdown complete")
	return nil
}
