// Command scout is the composition root for solpump-scout (spec §9): it
// constructs the Settings Store and Repository first, the DEX/RPC clients
// next, and the Scheduler's jobs last, then blocks until an interrupt
// triggers an ordered, bounded-grace shutdown. Grounded on the teacher's
// cmd/appserver/main.go (flag parsing, signal handling, deferred DB close).
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/R3E-Network/solpump-scout/infrastructure/resilience"
	"github.com/R3E-Network/solpump-scout/internal/config"
	"github.com/R3E-Network/solpump-scout/internal/dexclient"
	"github.com/R3E-Network/solpump-scout/internal/export"
	"github.com/R3E-Network/solpump-scout/internal/health"
	"github.com/R3E-Network/solpump-scout/internal/logging"
	"github.com/R3E-Network/solpump-scout/internal/migration"
	"github.com/R3E-Network/solpump-scout/internal/repository"
	"github.com/R3E-Network/solpump-scout/internal/scheduler"
	"github.com/R3E-Network/solpump-scout/internal/scoring/service"
	"github.com/R3E-Network/solpump-scout/internal/settings"
	"github.com/R3E-Network/solpump-scout/internal/spam"
)

// breakerRecorder feeds one dependency's circuit-breaker transitions into
// the Health Monitor's published breaker states (spec §4.13).
func breakerRecorder(m *health.Monitor, dependency string) func(from, to resilience.State) {
	return func(_, to resilience.State) {
		m.RecordBreakerState(dependency, to.String())
	}
}

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (overrides CONFIG_FILE)")
	dsn := flag.String("dsn", "", "PostgreSQL DSN (overrides config/env)")
	flag.Parse()

	if trimmed := strings.TrimSpace(*configPath); trimmed != "" {
		os.Setenv("CONFIG_FILE", trimmed)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	log_ := logging.New(cfg.Logging)

	dsnVal := strings.TrimSpace(*dsn)
	if dsnVal == "" {
		dsnVal = strings.TrimSpace(cfg.Database.DSN)
	}
	if dsnVal == "" {
		log_.Fatal("no database DSN supplied (set -dsn, DATABASE_DSN, or config.database.dsn)")
	}

	// 1. Settings Store + Token Repository start first (spec §9).
	repo, err := repository.Open(dsnVal, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime)
	if err != nil {
		log_.Fatalf("connect postgres: %v", err)
	}
	settingsStore := settings.New(repo, log_)

	// 2. Clients next: DEX (hot + cold), spam RPC, migration websocket. The
	// Health Monitor is built first so each client's circuit breaker can
	// report its state transitions into it (spec §4.13).
	healthMonitor := health.New(health.Config{}, repo, prometheus.DefaultRegisterer, log_)

	hotCfg := dexclient.DefaultHotConfig(cfg.Upstream.DexPairsURL)
	hotCfg.CircuitBreaker.OnStateChange = breakerRecorder(healthMonitor, "dex_pairs_hot")
	coldCfg := dexclient.DefaultColdConfig(cfg.Upstream.DexPairsURL)
	coldCfg.CircuitBreaker.OnStateChange = breakerRecorder(healthMonitor, "dex_pairs_cold")
	hotClient := dexclient.New(hotCfg)
	coldClient := dexclient.New(coldCfg)

	spamCfg := spam.Config{RPCURL: cfg.Upstream.SolanaRPCURL}
	spamCfg.CircuitBreaker.OnStateChange = breakerRecorder(healthMonitor, "solana_rpc")
	spamAnalyzer := spam.New(spamCfg)

	scoringSvc := service.New(settingsStore, repo, log_)
	exporter := export.New(repo, settingsStore, cfg.Export.Path, cfg.Export.TopN, log_)
	listener := migration.New(migration.Config{URL: cfg.Upstream.MigrationWSURL}, repo, log_)

	// 3. Jobs last: the Scheduler drives every recurring sweep.
	schedCfg := scheduler.DefaultConfig()
	if cfg.Export.Interval > 0 {
		schedCfg.ExportInterval = time.Duration(cfg.Export.Interval) * time.Second
	}
	sched := scheduler.New(schedCfg, scheduler.Deps{
		Repo:         repo,
		Settings:     settingsStore,
		HotClient:    hotClient,
		ColdClient:   coldClient,
		Scoring:      scoringSvc,
		SpamAnalyzer: spamAnalyzer,
		Exporter:     exporter,
		Health:       healthMonitor,
		Log:          log_,
	})

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go healthMonitor.Run(rootCtx)

	go func() {
		if err := listener.Run(rootCtx); err != nil && rootCtx.Err() == nil {
			log_.WithField("error", err).Error("migration listener exited")
		}
	}()

	schedDone := make(chan error, 1)
	go func() { schedDone <- sched.Run(rootCtx) }()

	log_.Info("solpump-scout started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		log_.Info("shutdown signal received")
	case err := <-schedDone:
		if err != nil {
			log_.WithField("error", err).Error("scheduler exited unexpectedly")
		}
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	select {
	case <-schedDone:
	case <-shutdownCtx.Done():
		log_.Warn("scheduler did not stop within the shutdown grace period")
	}
}
