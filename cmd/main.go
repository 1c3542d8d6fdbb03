package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/loadtest-orchestrator/internal/admission"
	"github.com/loadtest-orchestrator/internal/api"
	"github.com/loadtest-orchestrator/internal/config"
	"github.com/loadtest-orchestrator/internal/driver"
	"github.com/loadtest-orchestrator/internal/metrics"
	"github.com/loadtest-orchestrator/internal/proxy"
	"github.com/loadtest-orchestrator/internal/registry"
	"github.com/loadtest-orchestrator/internal/storage"
)

const version = "1.0.0"

func main() {
	log.SetFormatter(&log.JSONFormatter{})
	log.SetLevel(log.InfoLevel)
	log.Infof("Starting Test Orchestration Engine v%s", version)

	// Load configuration
	cfg, err := config.Load("config.json")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Set log level
	if level, err := log.ParseLevel(cfg.Logging.Level); err == nil {
		log.SetLevel(level)
	}

	numCPU := runtime.NumCPU()
	runtime.GOMAXPROCS(numCPU)
	log.Infof("GOMAXPROCS set to %d", numCPU)

	// Initialize metrics
	metricsCollector := metrics.NewCollector(cfg.Metrics.Namespace)

	// Initialize storage and the lifecycle registry
	store, err := storage.NewStorage(cfg.Storage.Type, cfg.Storage.Path)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	defer store.Close()

	tests := registry.NewStore(metricsCollector)
	persister := storage.NewPersister(tests, store, cfg.Storage.PersistIntervalSeconds)
	if err := persister.LoadFromStorage(); err != nil {
		log.Warnf("Failed to load archived tests: %v (starting fresh)", err)
	}
	defer persister.Close()

	// Initialize the proxy rotation manager (if enabled)
	var proxyManager *proxy.Manager
	if cfg.Proxy.Enabled {
		log.Info("Proxy rotation is enabled")
		source := proxy.NewHTTPSource(cfg.Proxy, metricsCollector)
		proxyManager = proxy.NewManager(cfg.Proxy, source, metricsCollector)

		warmCtx, warmCancel := context.WithTimeout(context.Background(),
			time.Duration(cfg.Proxy.FetchTimeoutSeconds)*time.Second)
		proxyManager.Warm(warmCtx)
		warmCancel()
	} else {
		log.Info("Proxy rotation is disabled")
	}

	// Context for graceful shutdown; cancelling it stops every running test
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize the driver registry and admission controller
	drivers := driver.DefaultRegistry()
	log.Infof("Registered %d test methods", len(drivers.Methods()))

	controller := admission.NewController(ctx, cfg, drivers, tests, proxyManager, metricsCollector)

	// Start API server
	apiServer := api.NewServer(cfg, controller, tests, proxyManager, metricsCollector)
	go func() {
		if err := apiServer.Start(); err != nil && err != http.ErrServerClosed {
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
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Errorf("API server shutdown error: %v", err)
	}

	log.Info("Shutdown complete")
}
