// Package scheduler implements the Scheduler (spec §4.10): the recurring
// hot/cold refresh, activation, archival, spam-sweep and export jobs that
// drive every other component. Grounded on the teacher's automation
// service (services/automation/automation_service.go): one goroutine per
// job, each on its own time.Ticker, a root context for cancellation, and a
// small in-process registry instead of an external queue. Interval specs
// are parsed with robfig/cron's "@every" descriptor so operator-facing
// interval settings stay in one familiar notation.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/solpump-scout/internal/aggregator"
	"github.com/R3E-Network/solpump-scout/internal/dexclient"
	"github.com/R3E-Network/solpump-scout/internal/health"
	"github.com/R3E-Network/solpump-scout/internal/logging"
	"github.com/R3E-Network/solpump-scout/internal/repository"
	"github.com/R3E-Network/solpump-scout/internal/scoring/service"
	"github.com/R3E-Network/solpump-scout/internal/settings"
	"github.com/R3E-Network/solpump-scout/internal/spam"
	"github.com/R3E-Network/solpump-scout/internal/token"
	"github.com/R3E-Network/solpump-scout/internal/validation"
)

// ConcurrencyLimits is the per-load-class semaphore size for one job.
type ConcurrencyLimits struct {
	Low, Medium, High, UnderLoad int
}

func forClass(l ConcurrencyLimits, class health.LoadClass) int {
	switch class {
	case health.LoadLow:
		return l.Low
	case health.LoadMedium:
		return l.Medium
	case health.LoadHigh:
		return l.High
	default:
		return l.UnderLoad
	}
}

// Config controls the Scheduler. Hot/cold intervals are re-read from the
// Settings Store at the start of every tick (spec §6's hot_interval_sec /
// cold_interval_sec); everything else here is a deployment-level knob.
type Config struct {
	ActivationInterval time.Duration
	ArchivalInterval   time.Duration
	SpamInterval       time.Duration
	ExportInterval     time.Duration

	HotConcurrency       ConcurrencyLimits
	ColdConcurrency      ConcurrencyLimits
	SpamConcurrency      ConcurrencyLimits
	ActivationConcurrency int
	ArchivalConcurrency   int

	HotTimeout      time.Duration
	ColdTimeout     time.Duration
	UnderLoadTimeout time.Duration
	SpamTimeout     time.Duration

	BatchSizeMin, BatchSizeMax int
	SelectionCap               int
	DeferredQueueCap           int
	DeferredDrainPerTick       int

	StripeCount         int
	SummaryRingCapacity int
	ShutdownGrace       time.Duration
}

// DefaultConfig matches the ranges named in spec §4.10/§5.
func DefaultConfig() Config {
	return Config{
		ActivationInterval: 60 * time.Second,
		ArchivalInterval:   time.Hour,
		SpamInterval:       5 * time.Second,
		ExportInterval:     5 * time.Second,

		HotConcurrency:        ConcurrencyLimits{Low: 16, Medium: 12, High: 8, UnderLoad: 4},
		ColdConcurrency:       ConcurrencyLimits{Low: 12, Medium: 9, High: 6, UnderLoad: 3},
		SpamConcurrency:       ConcurrencyLimits{Low: 4, Medium: 3, High: 2, UnderLoad: 1},
		ActivationConcurrency: 4,
		ArchivalConcurrency:   2,

		HotTimeout:       3 * time.Second,
		ColdTimeout:      5 * time.Second,
		UnderLoadTimeout: 1500 * time.Millisecond,
		SpamTimeout:      15 * time.Second,

		BatchSizeMin:         50,
		BatchSizeMax:         500,
		SelectionCap:         5000,
		DeferredQueueCap:     2000,
		DeferredDrainPerTick: 200,

		StripeCount:         64,
		SummaryRingCapacity: 50,
		ShutdownGrace:       10 * time.Second,
	}
}

// Scheduler owns every recurring job. It holds no durable state of its own:
// the deferred queue and per-mint locks are transient, rebuilt on restart
// (spec §3, "Scheduler owns transient in-memory structures").
type Scheduler struct {
	cfg Config

	repo       repository.Repository
	settings   *settings.Settings
	hotClient  *dexclient.Client
	coldClient *dexclient.Client
	scoring    *service.Service
	spamAnalyzer *spam.Analyzer
	exporter   Exporter
	health     HealthSource
	log        *logging.Logger

	locks     *stripedLocks
	summaries *summaryRing

	deferredMu sync.Mutex
	deferred   []int64

	pendingSpamMu sync.Mutex
	pendingSpam   map[int64]*token.SpamMetrics
}

// Exporter is the slice of export.Writer the Scheduler drives.
type Exporter interface {
	WriteOnce(ctx context.Context) error
}

// HealthSource is the slice of health.Monitor the Scheduler reads load from.
type HealthSource interface {
	CurrentLoad() health.Load
}

// Deps bundles the collaborators New needs, grouped so the constructor call
// site stays readable as the dependency count grows.
type Deps struct {
	Repo         repository.Repository
	Settings     *settings.Settings
	HotClient    *dexclient.Client
	ColdClient   *dexclient.Client
	Scoring      *service.Service
	SpamAnalyzer *spam.Analyzer
	Exporter     Exporter
	Health       HealthSource
	Log          *logging.Logger
}

// New constructs a Scheduler.
func New(cfg Config, deps Deps) *Scheduler {
	if deps.Log == nil {
		deps.Log = logging.NewDefault("scheduler")
	}
	if cfg.StripeCount <= 0 {
		cfg.StripeCount = 64
	}
	return &Scheduler{
		cfg:          cfg,
		repo:         deps.Repo,
		settings:     deps.Settings,
		hotClient:    deps.HotClient,
		coldClient:   deps.ColdClient,
		scoring:      deps.Scoring,
		spamAnalyzer: deps.SpamAnalyzer,
		exporter:     deps.Exporter,
		health:       deps.Health,
		log:          deps.Log,
		locks:        newStripedLocks(cfg.StripeCount),
		summaries:    newSummaryRing(cfg.SummaryRingCapacity),
		pendingSpam:  make(map[int64]*token.SpamMetrics),
	}
}

// Summaries returns a snapshot of recent per-job results, newest last.
func (s *Scheduler) Summaries() []JobSummary { return s.summaries.snapshot() }

// Run starts every recurring job and blocks until ctx is canceled, then
// waits up to cfg.ShutdownGrace for in-flight ticks to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	jobs := []struct {
		name     string
		interval func() time.Duration
		run      func(context.Context)
	}{
		{"hot_refresh", func() time.Duration { return s.settingsInterval(ctx, settings.KeyHotIntervalSec, 10) }, s.runHotRefresh},
		{"cold_refresh", func() time.Duration { return s.settingsInterval(ctx, settings.KeyColdIntervalSec, 45) }, s.runColdRefresh},
		{"activation_sweep", func() time.Duration { return s.cfg.ActivationInterval }, s.runActivationSweep},
		{"archival_sweep", func() time.Duration { return s.cfg.ArchivalInterval }, s.runArchivalSweep},
		{"spam_sweep", func() time.Duration { return s.cfg.SpamInterval }, s.runSpamSweep},
		{"export_sweep", func() time.Duration { return s.cfg.ExportInterval }, s.runExportSweep},
	}

	for _, j := range jobs {
		wg.Add(1)
		go func(name string, interval func() time.Duration, run func(context.Context)) {
			defer wg.Done()
			s.loop(ctx, name, interval, run)
		}(j.name, j.interval, j.run)
	}

	<-ctx.Done()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownGrace):
		s.log.Warn("scheduler shutdown grace period elapsed with jobs still running")
	}
	return nil
}

// loop drives one job on a ticker whose period may change between ticks
// (hot/cold intervals are Settings-Store tunables). A panic escaping a tick
// is treated as a job-level fatal: the goroutine survives, logs, and backs
// off before the next tick, growing the delay while panics repeat.
func (s *Scheduler) loop(ctx context.Context, name string, interval func() time.Duration, run func(context.Context)) {
	d := interval()
	ticker := time.NewTicker(d)
	defer ticker.Stop()

	var consecutivePanics int
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.runTick(ctx, name, run) {
				consecutivePanics = 0
			} else {
				consecutivePanics++
				if !sleepCtx(ctx, restartBackoff(consecutivePanics)) {
					return
				}
			}
			if next := interval(); next != d {
				d = next
				ticker.Reset(d)
			}
		}
	}
}

// runTick runs one tick under supervision, converting a panic into a false
// return so the job goroutine is never lost (spec §5 failure isolation).
func (s *Scheduler) runTick(ctx context.Context, name string, run func(context.Context)) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("job", name).WithField("panic", r).Error("job tick panicked, restarting after backoff")
			ok = false
		}
	}()
	run(ctx)
	return true
}

func restartBackoff(consecutive int) time.Duration {
	d := time.Duration(consecutive) * time.Second
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// settingsInterval reads an integer-seconds setting and validates it through
// robfig/cron's "@every" descriptor so malformed values fall back cleanly.
func (s *Scheduler) settingsInterval(ctx context.Context, key settings.Key, defaultSec int) time.Duration {
	sec := s.settings.GetInt(ctx, key)
	if sec <= 0 {
		sec = defaultSec
	}
	spec := fmt.Sprintf("@every %ds", sec)
	if _, err := cron.ParseStandard(spec); err != nil {
		sec = defaultSec
	}
	return time.Duration(sec) * time.Second
}

func (s *Scheduler) aggregatorConfig(ctx context.Context) aggregator.Config {
	return aggregator.Config{MinPoolLiquidityUSD: s.settings.GetFloat(ctx, settings.KeyMinPoolLiquidityUSD)}
}

func (s *Scheduler) validationConfig(ctx context.Context) validation.Config {
	return validation.Config{
		MinLiquidityForWarnings:    s.settings.GetFloat(ctx, settings.KeyMinLiquidityForWarnings),
		MinTransactionsForWarnings: int64(s.settings.GetInt(ctx, settings.KeyMinTransactionsForWarnings)),
		MaxPriceChange5m:           s.settings.GetFloat(ctx, settings.KeyMaxPriceChange5m),
	}
}

func correlationID() string { return uuid.NewString() }

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
