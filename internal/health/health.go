// Package health implements the Health & Load Monitor (spec §4.13): CPU/mem
// sampling on a fixed cadence, a load class used to drive the Scheduler's
// adaptive batch sizing, circuit-breaker state tracking per external
// dependency, and stale-token detection. Grounded on gopsutil/v3 for load
// sampling and client_golang for the published gauges, the way the teacher
// exposes its own runtime health surface.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/R3E-Network/solpump-scout/internal/logging"
	"github.com/R3E-Network/solpump-scout/internal/repository"
	"github.com/R3E-Network/solpump-scout/internal/token"
)

// LoadClass buckets the current CPU/mem reading for the Scheduler's
// adaptive concurrency knobs (spec §4.10 "adaptive batch sizing").
type LoadClass string

const (
	LoadLow      LoadClass = "low"
	LoadMedium   LoadClass = "medium"
	LoadHigh     LoadClass = "high"
	LoadUnderLoad LoadClass = "under_load"
)

// Load is one (cpu%, mem%, class) reading.
type Load struct {
	CPUPercent float64
	MemPercent float64
	Class      LoadClass
}

// Thresholds controls the CPU/mem → LoadClass mapping. The exact curve is
// left to the implementer (spec §9 open question); these are the adjustable
// knobs that curve hangs off.
type Thresholds struct {
	LowCPU, LowMem           float64
	MediumCPU, MediumMem     float64
	HighCPU, HighMem         float64
}

// DefaultThresholds is a conservative starting curve.
func DefaultThresholds() Thresholds {
	return Thresholds{
		LowCPU: 40, LowMem: 50,
		MediumCPU: 65, MediumMem: 70,
		HighCPU: 85, HighMem: 85,
	}
}

func classify(cpuPct, memPct float64, t Thresholds) LoadClass {
	switch {
	case cpuPct <= t.LowCPU && memPct <= t.LowMem:
		return LoadLow
	case cpuPct <= t.MediumCPU && memPct <= t.MediumMem:
		return LoadMedium
	case cpuPct <= t.HighCPU && memPct <= t.HighMem:
		return LoadHigh
	default:
		return LoadUnderLoad
	}
}

// Config controls the Monitor.
type Config struct {
	SampleInterval    time.Duration
	Thresholds        Thresholds
	StaleAgeThreshold time.Duration
}

func defaultConfig(cfg Config) Config {
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 10 * time.Second
	}
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = DefaultThresholds()
	}
	if cfg.StaleAgeThreshold <= 0 {
		cfg.StaleAgeThreshold = 30 * time.Second // hot_interval_sec default (10s) x 3
	}
	return cfg
}

// cpuSampler/memSampler are narrowed to what gopsutil exposes, so tests can
// substitute deterministic readings without a real host sample.
type cpuSampler func(interval time.Duration, percpu bool) ([]float64, error)
type memSampler func() (*mem.VirtualMemoryStat, error)

// Monitor is the Health & Load Monitor.
type Monitor struct {
	cfg  Config
	repo repository.Repository
	log  *logging.Logger

	cpuSample cpuSampler
	memSample memSampler

	mu           sync.RWMutex
	current      Load
	breakerState map[string]string

	cpuGauge      prometheus.Gauge
	memGauge      prometheus.Gauge
	loadClassGauge *prometheus.GaugeVec
}

// New constructs a Monitor. registerer may be nil to skip Prometheus
// registration (used by tests that don't want a shared default registry).
func New(cfg Config, repo repository.Repository, registerer prometheus.Registerer, log *logging.Logger) *Monitor {
	if log == nil {
		log = logging.NewDefault("health")
	}
	m := &Monitor{
		cfg:          defaultConfig(cfg),
		repo:         repo,
		log:          log,
		cpuSample:    cpu.Percent,
		memSample:    mem.VirtualMemory,
		breakerState: make(map[string]string),
		cpuGauge:     prometheus.NewGauge(prometheus.GaugeOpts{Name: "solpump_scout_cpu_percent", Help: "Sampled CPU utilization percent"}),
		memGauge:     prometheus.NewGauge(prometheus.GaugeOpts{Name: "solpump_scout_mem_percent", Help: "Sampled memory utilization percent"}),
		loadClassGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "solpump_scout_load_class", Help: "1 for the currently active load class, 0 otherwise",
		}, []string{"class"}),
	}
	if registerer != nil {
		registerer.MustRegister(m.cpuGauge, m.memGauge, m.loadClassGauge)
	}
	return m
}

// Run samples CPU/mem on cfg.SampleInterval until ctx is canceled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SampleInterval)
	defer ticker.Stop()

	m.sampleOnce()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sampleOnce()
		}
	}
}

func (m *Monitor) sampleOnce() {
	var cpuPct float64
	if samples, err := m.cpuSample(0, false); err == nil && len(samples) > 0 {
		cpuPct = samples[0]
	} else if err != nil {
		m.log.WithField("error", err).Warn("cpu sample failed")
	}

	var memPct float64
	if stat, err := m.memSample(); err == nil && stat != nil {
		memPct = stat.UsedPercent
	} else if err != nil {
		m.log.WithField("error", err).Warn("mem sample failed")
	}

	class := classify(cpuPct, memPct, m.cfg.Thresholds)

	m.mu.Lock()
	m.current = Load{CPUPercent: cpuPct, MemPercent: memPct, Class: class}
	m.mu.Unlock()

	m.cpuGauge.Set(cpuPct)
	m.memGauge.Set(memPct)
	for _, c := range []LoadClass{LoadLow, LoadMedium, LoadHigh, LoadUnderLoad} {
		v := 0.0
		if c == class {
			v = 1.0
		}
		m.loadClassGauge.WithLabelValues(string(c)).Set(v)
	}
}

// CurrentLoad returns the most recent sample.
func (m *Monitor) CurrentLoad() Load {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// RecordBreakerState records a named dependency's current circuit-breaker
// state string, surfaced for the (out-of-scope) health endpoint.
func (m *Monitor) RecordBreakerState(dependency, state string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.breakerState[dependency] = state
}

// CircuitBreakerStates returns a snapshot of all recorded breaker states.
func (m *Monitor) CircuitBreakerStates() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.breakerState))
	for k, v := range m.breakerState {
		out[k] = v
	}
	return out
}

// StaleTokens returns active tokens whose last_updated_at exceeds
// cfg.StaleAgeThreshold.
func (m *Monitor) StaleTokens(ctx context.Context) ([]token.Token, error) {
	active, err := m.repo.ListByStatus(ctx, token.StatusActive, 5000, 0)
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(-m.cfg.StaleAgeThreshold)
	stale := make([]token.Token, 0)
	for _, t := range active {
		if t.LastUpdatedAt.Before(cutoff) {
			stale = append(stale, t)
		}
	}
	return stale, nil
}
