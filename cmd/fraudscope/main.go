// FraudScope - Real-time fraud scoring for retail payments.
// Copyright (c) 2025 opensource.finance
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

	"github.com/opensource-finance/fraudscope/internal/alert"
	"github.com/opensource-finance/fraudscope/internal/analyzer"
	"github.com/opensource-finance/fraudscope/internal/api"
	"github.com/opensource-finance/fraudscope/internal/asn"
	"github.com/opensource-finance/fraudscope/internal/cache"
	"github.com/opensource-finance/fraudscope/internal/domain"
	"github.com/opensource-finance/fraudscope/internal/fusion"
	"github.com/opensource-finance/fraudscope/internal/graphstore"
	"github.com/opensource-finance/fraudscope/internal/mule"
	"github.com/opensource-finance/fraudscope/internal/stream"
	"github.com/opensource-finance/fraudscope/internal/worker"
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
	if os.Getenv("FRAUDSCOPE_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting fraudscope",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration (tier defaults + environment overrides)
	cfg := domain.LoadConfig()
	if err := cfg.Fusion.Validate(); err != nil {
		slog.Error("invalid fusion weights", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"graph_store", cfg.GraphStore.Driver,
		"stream", cfg.Stream.Type,
		"cache", cfg.Cache.Type,
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

	// Initialize graph store
	store, err := graphstore.New(cfg.GraphStore)
	if err != nil {
		slog.Error("failed to initialize graph store", "error", err)
		os.Exit(1)
	}
	defer store.Close()
	slog.Info("graph store initialized", "driver", cfg.GraphStore.Driver)

	// Initialize cache
	kv, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer kv.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize stream
	streamImpl, err := stream.New(cfg.Stream)
	if err != nil {
		slog.Error("failed to initialize stream", "error", err)
		os.Exit(1)
	}
	defer streamImpl.Close()
	slog.Info("stream initialized", "type", cfg.Stream.Type, "key", cfg.Stream.Key)

	// Initialize ASN resolver. A missing table is not fatal; ASN risk
	// contributes zero and the engine stays fully operational.
	resolver := asn.NewResolver(cfg.DomesticCountry)
	if cfg.ASNDatabasePath != "" {
		if err := resolver.LoadTable(cfg.ASNDatabasePath); err != nil {
			slog.Warn("asn table unavailable, continuing without it", "path", cfg.ASNDatabasePath, "error", err)
		} else {
			slog.Info("asn table loaded", "path", cfg.ASNDatabasePath)
		}
	}

	// Initialize fusion and mule classification
	fuser, err := fusion.New(cfg.Fusion, cfg.Thresholds, cfg.V3Signals)
	if err != nil {
		slog.Error("failed to initialize fusion", "error", err)
		os.Exit(1)
	}
	classifier, err := mule.NewClassifier()
	if err != nil {
		slog.Error("failed to initialize mule classifier", "error", err)
		os.Exit(1)
	}

	// Initialize batch analyzer and its snapshot cache
	snapshots := analyzer.NewCache()
	batch := analyzer.New(store, snapshots, cfg.Analyzer, cfg.Thresholds)
	batch.Start(ctx)
	defer batch.Stop()

	// Initialize alert broadcaster
	broadcaster := alert.NewBroadcaster(cfg.Thresholds.Medium)
	if cfg.AlertWebhookURL != "" {
		broadcaster.Subscribe(alert.NewWebhookSubscriber("webhook", cfg.AlertWebhookURL))
		slog.Info("alert webhook registered", "url", cfg.AlertWebhookURL)
	}

	// Assemble the scoring pipeline and worker pool
	featureCfg := domain.FeatureConfig{Thresholds: cfg.Thresholds, V3Signals: cfg.V3Signals}
	scorer := worker.NewScorer(store, resolver, kv, fuser, classifier, snapshots, featureCfg)

	pool := worker.NewPool(streamImpl, scorer, broadcaster, kv, cfg.Worker, cfg.Stream)
	pool.Start(ctx)
	defer pool.Stop()

	// Initialize server
	handler := api.NewHandler(store, kv, streamImpl, scorer, pool, batch, snapshots, broadcaster, cfg.Stream, Version)
	srv := api.NewServer(cfg.Server, handler)

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("fraudscope is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("fraudscope shutdown complete")
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║              FRAUDSCOPE                   ║")
	fmt.Println("  ║      Real-Time Fraud Scoring Engine       ║")
	fmt.Println("  ║      Every payment, scored in flight.     ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /transaction        - Score a transaction synchronously")
	fmt.Println("    GET  /transactions/{id}  - Get a recent scored record")
	fmt.Println("    GET  /dashboard/stats    - Aggregate counters")
	fmt.Println("    GET  /viz/fraud-network  - Collusion snapshot: flagged subgraph")
	fmt.Println("    GET  /viz/device-sharing - Collusion snapshot: shared devices")
	fmt.Println("    GET  /analytics/status   - Batch analyzer status")
	fmt.Println("    GET  /db/counts          - Graph store row counts")
	fmt.Println("    WS   /ws/alerts          - Alert stream (medium+ risk)")
	fmt.Println("    GET  /health             - Health check")
	fmt.Println()
}
