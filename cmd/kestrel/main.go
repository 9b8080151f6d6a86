// Kestrel - Student risk detection that deploys in 60 seconds.
// Copyright (c) 2025 opencampus.edu
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opencampus-edu/kestrel/internal/alerting"
	"github.com/opencampus-edu/kestrel/internal/api"
	"github.com/opencampus-edu/kestrel/internal/bus"
	"github.com/opencampus-edu/kestrel/internal/cache"
	"github.com/opencampus-edu/kestrel/internal/dispatch"
	"github.com/opencampus-edu/kestrel/internal/domain"
	"github.com/opencampus-edu/kestrel/internal/ingest"
	"github.com/opencampus-edu/kestrel/internal/lifecycle"
	"github.com/opencampus-edu/kestrel/internal/predictor"
	"github.com/opencampus-edu/kestrel/internal/repository"
	"github.com/opencampus-edu/kestrel/internal/rules"
	"github.com/opencampus-edu/kestrel/internal/scoring"
	"github.com/opencampus-edu/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("KESTREL_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Log startup
	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()

	// Check for Pro tier via environment
	if os.Getenv("KESTREL_TIER") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
	}

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize Rule Engine
	engine, err := rules.NewEngine()
	if err != nil {
		slog.Error("failed to initialize rule engine", "error", err)
		os.Exit(1)
	}

	// Load rules from database (no hardcoded defaults - configure via API)
	if err := loadRulesFromDatabase(ctx, repo, engine); err != nil {
		slog.Error("failed to load rules", "error", err)
		os.Exit(1)
	}
	slog.Info("rule engine initialized", "rules_count", engine.RulesCount())

	// Initialize pipeline stages
	normalizer := ingest.NewNormalizer(repo, cfg.Scoring)
	scorer := scoring.NewScorer(repo, cfg.Scoring)
	alertManager := alerting.NewManager(repo, cacheImpl, engine, cfg.Alerting)
	caseManager := lifecycle.NewManager(repo, busImpl, cacheImpl, cfg.Lifecycle)
	pipeline := worker.NewPipeline(normalizer, scorer, alertManager, caseManager, busImpl)
	slog.Info("detection pipeline initialized")

	// Initialize Dispatcher
	dispatcher := dispatch.NewDispatcher(repo, busImpl, dispatch.NewRegistry(nil), cfg.Dispatch)
	dispatcher.Start(ctx)
	defer dispatcher.Stop()
	slog.Info("notification dispatcher initialized",
		"max_attempts", cfg.Dispatch.MaxAttempts,
	)

	// Initialize SLA Sweeper
	sweeper := lifecycle.NewSweeper(repo, busImpl, cacheImpl, cfg.Lifecycle)
	sweeper.Start(ctx)
	defer sweeper.Stop()
	slog.Info("sla sweeper initialized", "interval", cfg.Lifecycle.SweepInterval)

	// Initialize Predictor
	pred := predictor.New(repo, pipeline, cfg.Predictor)
	pred.Start(ctx)
	defer pred.Stop()
	slog.Info("predictor initialized",
		"enabled", cfg.Predictor.Enabled,
		"interval", cfg.Predictor.Interval,
	)

	// Initialize async signal worker
	asyncWorker := worker.NewWorker(busImpl, pipeline)
	if err := asyncWorker.Start(); err != nil {
		slog.Error("failed to start signal worker", "error", err)
		os.Exit(1)
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, engine, pipeline, caseManager, dispatcher, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop consumers before the server so in-flight work drains
	if err := asyncWorker.Stop(); err != nil {
		slog.Error("failed to stop signal worker", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

// loadRulesFromDatabase loads intervention rules from the database into
// the engine. All rules must be configured via POST /rules API - no
// hardcoded defaults.
func loadRulesFromDatabase(ctx context.Context, repo domain.Repository, engine *rules.Engine) error {
	dbRules, err := repo.ListRiskRules(ctx)
	if err != nil {
		slog.Warn("failed to list rules from database", "error", err)
		return nil // Start with empty rules - they can be added via API
	}

	if len(dbRules) > 0 {
		slog.Info("loading rules from database", "count", len(dbRules))
		return engine.LoadRules(dbRules)
	}

	slog.Info("no rules in database - configure via POST /rules API")
	return nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               🦅 KESTREL                  ║")
	fmt.Println("  ║     Student Risk Detection Engine         ║")
	fmt.Println("  ║      Eyes on every student.               ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /signals                      - Ingest a signal")
	fmt.Println("    POST /signals/bulk                 - Bulk signal ingestion")
	fmt.Println("    GET  /queue                        - Urgency-ordered case queue")
	fmt.Println("    GET  /cases/{id}                   - Full case detail")
	fmt.Println("    POST /cases/{id}/transition        - Move a case through its workflow")
	fmt.Println("    POST /cases/{id}/acknowledge       - Record a parent/mentor response")
	fmt.Println("    POST /cases/{id}/notify            - Queue an outbound notification")
	fmt.Println("    GET  /students/{id}/trend          - Score trend and factor breakdown")
	fmt.Println("    GET  /students/{id}/assessments    - Assessment history")
	fmt.Println("    GET  /rules                        - List intervention rules")
	fmt.Println("    POST /rules                        - Create an intervention rule")
	fmt.Println("    POST /rules/reload                 - Hot-reload rules from database")
	fmt.Println("    GET  /health                       - Health check")
	fmt.Println()
}
