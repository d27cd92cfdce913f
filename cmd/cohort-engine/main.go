package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cohortstack/cohort-engine/internal/agent"
	"github.com/cohortstack/cohort-engine/internal/analysis"
	"github.com/cohortstack/cohort-engine/internal/api"
	"github.com/cohortstack/cohort-engine/internal/cache"
	"github.com/cohortstack/cohort-engine/internal/catalog"
	"github.com/cohortstack/cohort-engine/internal/config"
	"github.com/cohortstack/cohort-engine/internal/metrics"
	"github.com/cohortstack/cohort-engine/internal/repo"
	"github.com/cohortstack/cohort-engine/internal/utils"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting cohort-engine", slog.String("address", cfg.Server.Address))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cacheProvider cache.Provider = cache.NoopProvider{}
	if cfg.Cache.Enabled && cfg.Cache.Addr != "" {
		provider, err := cache.NewValkeyProvider(cfg.Cache)
		if err != nil {
			logger.Warn("valkey cache unavailable", slog.Any("error", err))
		} else {
			cacheProvider = provider
			defer provider.Close()
		}
	}

	store, err := repo.Open(ctx, cfg.Database, logger)
	if err != nil {
		// The API still serves health and catalog status while the store is
		// down, so start degraded rather than exit.
		logger.Warn("clinical data store unavailable at startup", slog.Any("error", err))
	}
	if store != nil {
		defer store.Close()
	}

	conceptCatalog := catalog.New(store, cfg.Database.CatalogTimeout, logger)
	if store != nil {
		conceptCatalog.LoadAsync(ctx)
	}

	reasoner := repo.NewReasoningClient(cfg.Reasoning)
	labels := analysis.NewLabelResolver(store, cfg.Database.Schema, reasoner, cacheProvider, cfg.Cache.LabelTTL, logger)
	registry := analysis.NewRegistry(store, cfg.Database.Schema, labels, logger, analysis.Options{
		MinCohortSize: cfg.Analysis.MinCohortSize,
		MaxDetailRows: cfg.Analysis.MaxDetailRows,
	})
	engine := agent.NewEngine(store, cfg.Database.Schema, reasoner, registry, conceptCatalog, labels, logger, cfg.Analysis.MaxResultRows)

	server := api.NewServer(cfg.Server.Address, engine, store, conceptCatalog, logger, cfg.Analysis.MaxResultRows)

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	go func() {
		if serveErr := server.Start(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			logger.Error("http server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown", slog.Any("error", err))
	}

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancelMetrics()
	}

	// Give remaining goroutines time to finish logging
	time.Sleep(100 * time.Millisecond)
	logger.Info("cohort-engine stopped")
}
