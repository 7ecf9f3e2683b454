package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"toolguard/agent"
	"toolguard/cache"
	"toolguard/classifier"
	"toolguard/composer"
	"toolguard/config"
	"toolguard/guard"
	"toolguard/logger"
	"toolguard/metrics"
	"toolguard/planner"
	"toolguard/store"
)

func main() {
	// Print version information
	fmt.Println(GetBuildInfo())
	fmt.Println()

	// Load configuration with .env support
	cfg, err := config.LoadConfigWithEnv()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	obsLogger, err := logger.NewObservabilityLogger(cfg.LogDir)
	if err != nil {
		log.Fatalf("Failed to initialize observability logger: %v", err)
	}
	defer obsLogger.Close()
	logFn := obsLogger.Func()

	logFn(logger.ComponentConfig, logger.CategoryRequest, "", "toolguard configuration loaded", map[string]interface{}{
		"port":                  cfg.Port,
		"cache_ttl":             cfg.CacheTTL.String(),
		"correction_enabled":    cfg.CorrectionEnabled,
		"correction_model":      cfg.CorrectionModel,
		"max_correction_rounds": cfg.MaxCorrectionRounds,
		"database":              cfg.DatabaseURL != "",
		"cache_dir":             cfg.CacheDir,
		"version":               GetVersionInfo(),
		"git_commit":            GetGitCommit(),
	})

	ctx := context.Background()

	// Record stores: memory by default, Postgres when DATABASE_URL is set.
	var records store.Store
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to Postgres: %v", err)
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			log.Fatalf("Failed to ensure schema: %v", err)
		}
		records = pg
		fmt.Println("✅ Postgres store connected")
	} else {
		records = store.NewMemory()
		fmt.Println("💾 In-memory store (set DATABASE_URL for persistence)")
	}

	// Durable cache tier: Badger on disk when CACHE_DIR is set.
	var durable store.CacheStore
	if cfg.CacheDir != "" {
		badgerCache, err := store.OpenBadgerCache(cfg.CacheDir)
		if err != nil {
			log.Fatalf("Failed to open cache dir %s: %v", cfg.CacheDir, err)
		}
		defer badgerCache.Close()
		durable = badgerCache
		fmt.Printf("✅ Badger cache tier at %s\n", cfg.CacheDir)
	}

	redundancy := cache.New(durable, records, cache.Options{
		TTL:           cfg.CacheTTL,
		RecencyWindow: cfg.RecencyWindow,
		SweepInterval: cfg.SweepInterval,
		EstSavedMs:    cfg.EstSavedMsPerHit,
		Log:           logFn,
	})
	redundancy.Start()
	defer redundancy.Stop()

	failureClassifier := classifier.New(logFn)
	if cfg.ClassifierOverridesPath != "" {
		overrides, err := config.LoadClassifierOverrides(cfg.ClassifierOverridesPath)
		if err != nil {
			log.Fatalf("Failed to load classifier overrides: %v", err)
		}
		failureClassifier.ApplyOverrides(overrides.Patterns)
	}

	taxonomy := composer.NewTaxonomy()
	if cfg.ToolTaxonomyPath != "" {
		tax, err := config.LoadToolTaxonomy(cfg.ToolTaxonomyPath)
		if err != nil {
			log.Fatalf("Failed to load tool taxonomy: %v", err)
		}
		taxonomy.Merge(tax.Categories)
	}

	strategyPlanner := planner.New(records, logFn)
	promptComposer := composer.New(taxonomy, records, cfg.RecoveryRateWindow, logFn)

	var correctionAgent *agent.Agent
	if cfg.CorrectionEnabled {
		client := agent.NewHTTPCompletionClient(cfg.CompletionEndpoint, cfg.CompletionAPIKey, cfg.CompletionTimeout)
		agentLog := logFn
		if cfg.DisableCorrectionLogging {
			agentLog = logger.Nop()
		}
		correctionAgent = agent.New(client, records, agent.Options{
			Model:             cfg.CorrectionModel,
			MaxRounds:         cfg.MaxCorrectionRounds,
			ReflectionContext: cfg.ReflectionContext,
			Log:               agentLog,
		})
	}

	calibration := metrics.New(records, records, cfg.EfficiencyBaselineMs, logFn)

	reliability := guard.New(redundancy, failureClassifier, strategyPlanner, promptComposer, correctionAgent, records, logFn)

	// Background maintenance: nightly metrics rollup and reflection pruning.
	stopMaintenance := make(chan struct{})
	go runMaintenance(ctx, cfg, calibration, correctionAgent, logFn, stopMaintenance)
	defer close(stopMaintenance)

	// Setup HTTP routes
	mux := http.NewServeMux()
	mux.HandleFunc("/", handleRoot)
	mux.HandleFunc("/healthz", handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	sidecar := &sidecarHandler{guard: reliability, calibration: calibration}
	sidecar.register(mux)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logFn(logger.ComponentConfig, logger.CategoryRequest, "", "toolguard started", map[string]interface{}{
			"address": fmt.Sprintf("http://localhost:%s", cfg.Port),
		})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠️ Server shutdown: %v", err)
	}
	fmt.Println("👋 toolguard stopped")
}

// runMaintenance rolls up daily metrics and prunes old reflections once
// per day.
func runMaintenance(ctx context.Context, cfg *config.Config, calibration *metrics.Service, correctionAgent *agent.Agent, logFn logger.LogFunc, stop <-chan struct{}) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			yesterday := time.Now().UTC().AddDate(0, 0, -1)
			if _, err := calibration.ComputeDaily(ctx, "default", yesterday); err != nil {
				logFn(logger.ComponentCalibrationMetrics, logger.CategoryError, "", "Daily rollup failed", map[string]interface{}{
					"error": err.Error(),
				})
			}
			if correctionAgent != nil {
				correctionAgent.PruneReflections(ctx, time.Now().Add(-cfg.ReflectionRetention))
			}
		case <-stop:
			return
		}
	}
}

// handleRoot provides basic information about the service
func handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{
	"service": "toolguard",
	"version": "%s",
	"status": "running",
	"endpoints": [
		"GET /healthz - Health check",
		"GET /metrics - Prometheus metrics"
	]
}`, Version)
}

// handleHealth provides a simple health check endpoint
func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{
	"status": "ok",
	"timestamp": "%s"
}`, time.Now().UTC().Format(time.RFC3339))
}
