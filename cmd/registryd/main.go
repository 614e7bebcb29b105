package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nanopub-net/nanoreg/internal/config"
	"github.com/nanopub-net/nanoreg/internal/engine"
	"github.com/nanopub-net/nanoreg/internal/metrics"
	"github.com/nanopub-net/nanoreg/internal/retriever"
	"github.com/nanopub-net/nanoreg/internal/server"
	"github.com/nanopub-net/nanoreg/internal/storage"
	"github.com/nanopub-net/nanoreg/internal/version"
	"github.com/sirupsen/logrus"
)

func main() {
	// Configure logging
	logrus.SetLevel(logrus.InfoLevel)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	logrus.Infof("Nanoreg v%s starting...", version.Version)

	// Load configuration
	configPath := os.Getenv("NANOREG_CONFIG")
	if configPath == "" {
		configPath = "config.json"
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	logrus.Infof("Configuration loaded: setting=%s, depth=%d, services=%d",
		cfg.SettingRef, cfg.MaxDepth, len(cfg.BootstrapServices))

	// Initialize storage
	store, err := storage.NewStorage(cfg.DBPath)
	if err != nil {
		logrus.Fatalf("Failed to initialize storage: %v", err)
	}
	defer store.Close()

	logrus.Infof("Database initialized: %s", cfg.DBPath)

	// Initialize metrics tracker
	tracker := metrics.NewTracker()

	// Fetch metrics callback for the retriever
	fetchCallback := func(succeeded, failed int) {
		if succeeded > 0 {
			tracker.IncrementFetchesSucceeded()
		}
		if failed > 0 {
			tracker.IncrementFetchesFailed()
		}
	}

	// Initialize retriever and crawl engine
	retr := retriever.NewRetriever(store, cfg.BootstrapServices,
		time.Duration(cfg.RequestTimeoutMs)*time.Millisecond, fetchCallback)
	eng := engine.NewEngine(store, retr, cfg, tracker)

	// Seed or resume the durable task queue
	if err := eng.Bootstrap(); err != nil {
		logrus.Fatalf("Failed to bootstrap engine: %v", err)
	}
	eng.Start()

	// Start the HTTP boundary
	srv := server.NewServer(store, tracker, cfg.ListenAddr)
	srv.Start()

	// Setup signal handler for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Handle force quit on second signal
	forceQuitChan := make(chan os.Signal, 1)
	signal.Notify(forceQuitChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-forceQuitChan        // First signal (consumed by main handler)
		sig := <-forceQuitChan // Second signal = force quit
		logrus.Warnf("Received second signal (%v) - forcing immediate exit!", sig)

		// Emergency metrics save
		if err := tracker.WriteToFile(cfg.MetricsPath, "forced_exit"); err != nil {
			logrus.Errorf("Emergency metrics save failed: %v", err)
		}
		os.Exit(1)
	}()

	// Start progress logger
	stopProgress := make(chan struct{})
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				logrus.Info(tracker.LogProgress())
			case <-stopProgress:
				return
			}
		}
	}()

	// Wait for signal
	sig := <-sigChan
	logrus.Infof("Received signal: %v", sig)

	close(stopProgress)

	logrus.Info("Initiating graceful shutdown...")
	logrus.Info("Step 1/4: Stopping crawl engine...")

	// Stop engine (waits for the in-flight task, with timeout built-in)
	eng.Stop()

	logrus.Info("Step 2/4: Stopping HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.Errorf("HTTP shutdown error: %v", err)
	}

	logrus.Info("Step 3/4: Writing final metrics...")

	logrus.Info("Final stats: " + tracker.LogProgress())
	if err := tracker.WriteToFile(cfg.MetricsPath, "signal"); err != nil {
		logrus.Errorf("Failed to write metrics: %v", err)
	} else {
		logrus.Infof("Metrics written to %s", cfg.MetricsPath)
	}

	logrus.Info("Step 4/4: Closing database connection...")

	// Database is closed via defer store.Close()

	logrus.Info("Graceful shutdown complete. Goodbye!")
}
