package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/timmy/powermode/internal/api"
	"github.com/timmy/powermode/internal/config"
	"github.com/timmy/powermode/internal/domain"
	"github.com/timmy/powermode/internal/logger"
	"github.com/timmy/powermode/internal/repository"
	"github.com/timmy/powermode/internal/retry"
	"github.com/timmy/powermode/internal/service"
	"github.com/timmy/powermode/internal/source/fusionsolar"
	"github.com/timmy/powermode/internal/storage"
)

func main() {
	os.Exit(run())
}

// run returns the process exit code: 0 when the run is done, 1 otherwise.
func run() int {
	envCfg := logger.LoadFromEnv()
	if os.Getenv("SERVICE_NAME") == "" {
		envCfg.ServiceName = "powermode-collector"
	}
	appLogger := logger.NewFromEnv(envCfg)
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "Path to config file")
	limit := flag.Int("limit", -1, "Maximum number of plants to process (overrides collector.plant_limit)")
	dryRun := flag.Bool("dry-run", false, "List plants and resolve the resume cursor without querying or writing")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		appLogger.WithError(err).Error("Failed to load config")
		return 1
	}
	if err := cfg.Validate(); err != nil {
		appLogger.WithError(err).Error("Invalid configuration")
		return 1
	}
	if *limit >= 0 {
		cfg.Collector.PlantLimit = *limit
	}

	appLogger.WithFields(logger.Fields{
		"base_url":    cfg.FusionSolar.NormalizedBaseURL(),
		"driver":      cfg.Database.Driver,
		"table":       cfg.Database.Table,
		"plant_limit": cfg.Collector.PlantLimit,
		"dry_run":     *dryRun,
	}).Info("Starting power mode collector")

	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		appLogger.WithError(err).Error("Failed to initialize database")
		return 1
	}
	defer func() {
		if err := repository.Close(db); err != nil {
			appLogger.WithError(err).Warn("Failed to close database")
			return
		}
		appLogger.Info("Database connection closed")
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case <-sigChan:
			appLogger.Info("Received shutdown signal, canceling...")
			cancel()
		case <-ctx.Done():
		}
	}()

	var archive storage.ObjectStorage
	if cfg.Archive.Enabled {
		s3Archive, err := storage.NewStorage(&cfg.Archive)
		if err != nil {
			appLogger.WithError(err).Error("Failed to initialize response archive")
			return 1
		}
		archive = s3Archive
	}

	if cfg.Metrics.Enabled {
		srv := &http.Server{
			Addr:    cfg.Metrics.Addr,
			Handler: api.SetupMetricsRouter(cfg.Server.Mode),
		}
		go func() {
			appLogger.WithField("addr", cfg.Metrics.Addr).Info("Serving metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				appLogger.WithError(err).Warn("Metrics server stopped")
			}
		}()
		defer func() {
			shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
			defer stop()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	clock := retry.SystemClock{}
	client := fusionsolar.NewClient(&fusionsolar.Config{
		BaseURL:         cfg.FusionSolar.NormalizedBaseURL(),
		Username:        cfg.FusionSolar.Username,
		SystemCode:      cfg.FusionSolar.SystemCode,
		Timeout:         cfg.FusionSolar.Timeout,
		RequestInterval: cfg.FusionSolar.RequestInterval,
		Clock:           clock,
	})
	appLogger.WithField("request_interval", client.RequestInterval().String()).Info("FusionSolar client ready")
	defer func() {
		logoutCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		defer stop()
		if err := client.Logout(logoutCtx); err != nil {
			appLogger.WithError(err).Warn("FusionSolar logout failed")
		}
	}()

	collector := service.NewCollector(
		client,
		repository.NewPowerModeRepository(db, cfg.Database.Table),
		archive,
		clock,
		appLogger,
		&service.CollectorConfig{
			AuthRetry:             cfg.Collector.AuthRetry,
			ListRetry:             cfg.Collector.ListRetry,
			APIRetry:              cfg.Collector.APIRetry,
			ThrottleRetry:         cfg.Collector.ThrottleRetry,
			InitialDelay:          cfg.Collector.InitialDelay,
			PlantLimit:            cfg.Collector.PlantLimit,
			RestartCompletedCycle: cfg.Collector.RestartCompletedCycle,
			DryRun:                *dryRun,
			ArchivePrefix:         cfg.Archive.Prefix,
		},
	)

	stats, err := collector.Run(ctx)
	fields := logger.Fields{
		"run_id":    stats.RunID,
		"state":     string(stats.State),
		"total":     stats.TotalPlants,
		"skipped":   stats.SkippedPlants,
		"processed": stats.ProcessedItems,
		"succeeded": stats.SucceededItems,
		"failed":    stats.FailedItems,
		"cursor":    stats.Cursor,
	}
	if err != nil {
		appLogger.WithFields(fields).WithError(err).Error("Collection failed")
		return 1
	}
	if stats.State != domain.RunStateDone {
		return 1
	}
	appLogger.WithFields(fields).Info("Collection completed")
	return 0
}
