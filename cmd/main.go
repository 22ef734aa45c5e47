package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/proxy-pool-api/internal/aggregator"
	"github.com/proxy-pool-api/internal/api"
	"github.com/proxy-pool-api/internal/checker"
	"github.com/proxy-pool-api/internal/config"
	"github.com/proxy-pool-api/internal/geo"
	"github.com/proxy-pool-api/internal/metrics"
	"github.com/proxy-pool-api/internal/scheduler"
	"github.com/proxy-pool-api/internal/snapshot"
	"github.com/proxy-pool-api/internal/storage"
	log "github.com/sirupsen/logrus"
)

const version = "1.0.0"

const shutdownTimeout = 30 * time.Second

func main() {
	log.SetFormatter(&log.JSONFormatter{})
	log.SetLevel(log.InfoLevel)

	// .env is optional
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warnf("Failed to load .env: %v", err)
	}

	cfg := loadConfig()
	setupLogging(cfg.Logging)
	log.Infof("Starting Proxy Pool Service v%s (%d CPUs)", version, runtime.NumCPU())

	// Initialize metrics
	metricsCollector := metrics.NewCollector(cfg.Metrics.Namespace)

	// Initialize storage
	store, err := storage.NewStorage(cfg.Storage)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	defer store.Close()

	// The persisted pool is served until the first refresh replaces it
	pool := snapshot.NewManager(store, metricsCollector)
	if err := pool.LoadFromStorage(); err != nil {
		log.Warnf("Failed to load existing snapshot: %v (starting empty)", err)
	}

	resolver, err := geo.Open(cfg.GeoIP.DatabasePath)
	if err != nil {
		log.Warnf("GeoIP disabled: %v", err)
		resolver, _ = geo.Open("")
	}
	defer resolver.Close()

	agg, err := aggregator.NewAggregator(cfg.Aggregator, metricsCollector)
	if err != nil {
		log.Fatalf("Failed to initialize aggregator: %v", err)
	}
	chk := checker.NewChecker(cfg.Checker, metricsCollector, nil)
	runner := scheduler.NewRunner(cfg.Scheduler, agg, chk, resolver, pool, metricsCollector, nil)

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runner.Start(ctx)

	// Start API server
	apiServer := api.NewServer(cfg, pool, runner, metricsCollector)
	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("API server failed: %v", err)
		}
	}()

	log.Infof("Service started successfully on %s", cfg.API.Addr)

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down gracefully...")
	cancel()

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Errorf("API server shutdown error: %v", err)
	}

	// Runs are never cancelled, so an in-flight one gets what is left of the grace period
	idle := make(chan struct{})
	go func() {
		runner.Wait()
		close(idle)
	}()
	select {
	case <-idle:
	case <-shutdownCtx.Done():
		log.Warn("Pipeline still running, exiting without waiting for it")
	}

	log.Info("Shutdown complete")
}

func loadConfig() *config.Config {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config.json"
	}

	cfg, err := config.Load(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		log.Warnf("Config file %s not found, using defaults", path)
		cfg = config.Default()
	case err != nil:
		log.Fatalf("Failed to load config: %v", err)
	}

	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	return cfg
}

func setupLogging(cfg config.LoggingConfig) {
	if cfg.Format == "text" {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		log.Warnf("Unknown log level %q, keeping info", cfg.Level)
		return
	}
	log.SetLevel(level)
}
