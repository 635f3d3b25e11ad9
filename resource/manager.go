// Package resource owns the named concurrency permit classes and the control
// loop that retunes them from live system and performance signals. Permits
// are the sole backpressure mechanism of the pipeline: acquisition is always
// non-blocking so callers see denial explicitly.
package resource

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/tsromanox/openfinance-receptor/perf"
)

// Class names the permit classes issued by the manager.
type Class string

const (
	ClassDiscovery     Class = "discovery"
	ClassSync          Class = "sync"
	ClassBalanceUpdate Class = "balanceUpdate"
	ClassValidation    Class = "validation"
	ClassAPICall       Class = "apiCall"
	ClassBatch         Class = "batch"
)

// Limits bounds one permit class.
type Limits struct {
	Min     int
	Max     int
	Initial int
}

type classState struct {
	limits Limits
	sem    *semaphore.Weighted
	// held tokens are surplus capacity parked by the manager; debt is the
	// remainder of a shrink that waits for in-flight holders to release.
	held int
	debt int
}

func (c *classState) current() int {
	return c.limits.Max - c.held - c.debt
}

// Signals are the live system samples fed into each adaptation round.
type Signals struct {
	CPULoad      float64 // 0..1
	MemUsedRatio float64 // 0..1
}

// Sampler produces system signals. See NewSystemSampler.
type Sampler interface {
	Sample(ctx context.Context) (Signals, error)
}

// Utilization is a read-only snapshot per class.
type Utilization struct {
	Class   Class
	Min     int
	Max     int
	Current int
}

// Config tunes the manager.
type Config struct {
	Classes            map[Class]Limits
	BatchMin           int
	BatchMax           int
	BatchInitial       int
	Step               int
	CPUHighWatermark   float64
	MemHighWatermark   float64
	AdaptationInterval time.Duration
	IntervalMin        time.Duration
	IntervalMax        time.Duration
}

// DefaultConfig mirrors the production tuning envelope.
func DefaultConfig() Config {
	return Config{
		Classes: map[Class]Limits{
			ClassDiscovery:     {Min: 5, Max: 100, Initial: 20},
			ClassSync:          {Min: 10, Max: 500, Initial: 100},
			ClassBalanceUpdate: {Min: 5, Max: 200, Initial: 50},
			ClassValidation:    {Min: 5, Max: 100, Initial: 20},
			ClassAPICall:       {Min: 10, Max: 500, Initial: 100},
			ClassBatch:         {Min: 1, Max: 20, Initial: 5},
		},
		BatchMin:           50,
		BatchMax:           1000,
		BatchInitial:       1000,
		Step:               10,
		CPUHighWatermark:   0.80,
		MemHighWatermark:   0.85,
		AdaptationInterval: 30 * time.Second,
		IntervalMin:        10 * time.Second,
		IntervalMax:        120 * time.Second,
	}
}

// Manager issues and retunes concurrency permits.
type Manager struct {
	cfg     Config
	monitor *perf.Monitor
	sampler Sampler
	logger  *slog.Logger

	mu        sync.Mutex
	classes   map[Class]*classState
	batchSize int
	interval  time.Duration
}

// Option customises the manager.
type Option func(*Manager)

// WithSampler overrides the system sampler.
func WithSampler(s Sampler) Option {
	return func(m *Manager) { m.sampler = s }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager builds the permit classes from the config.
func NewManager(cfg Config, monitor *perf.Monitor, opts ...Option) (*Manager, error) {
	if monitor == nil {
		return nil, fmt.Errorf("resource: monitor required")
	}
	if len(cfg.Classes) == 0 {
		cfg.Classes = DefaultConfig().Classes
	}
	m := &Manager{
		cfg:       cfg,
		monitor:   monitor,
		sampler:   NewSystemSampler(),
		logger:    slog.Default(),
		classes:   make(map[Class]*classState, len(cfg.Classes)),
		batchSize: cfg.BatchInitial,
		interval:  cfg.AdaptationInterval,
	}
	for _, opt := range opts {
		opt(m)
	}
	for name, limits := range cfg.Classes {
		if limits.Min <= 0 || limits.Max < limits.Min {
			return nil, fmt.Errorf("resource: class %s has invalid limits [%d,%d]", name, limits.Min, limits.Max)
		}
		if limits.Initial < limits.Min || limits.Initial > limits.Max {
			limits.Initial = limits.Min
		}
		st := &classState{
			limits: limits,
			sem:    semaphore.NewWeighted(int64(limits.Max)),
		}
		// Park the capacity above the initial permit count.
		surplus := limits.Max - limits.Initial
		if surplus > 0 {
			if !st.sem.TryAcquire(int64(surplus)) {
				return nil, fmt.Errorf("resource: class %s failed to park surplus", name)
			}
			st.held = surplus
		}
		m.classes[name] = st
	}
	if m.batchSize < cfg.BatchMin || m.batchSize > cfg.BatchMax {
		m.batchSize = cfg.BatchMax
	}
	return m, nil
}

// TryAcquire obtains one permit of the class without blocking. Denial is the
// caller's backpressure signal.
func (m *Manager) TryAcquire(class Class) bool {
	m.mu.Lock()
	st, ok := m.classes[class]
	m.mu.Unlock()
	if !ok {
		return false
	}
	return st.sem.TryAcquire(1)
}

// Release returns one permit. If a shrink is pending the token is absorbed
// instead of becoming available again.
func (m *Manager) Release(class Class) {
	m.mu.Lock()
	st, ok := m.classes[class]
	if ok && st.debt > 0 {
		st.debt--
		st.held++
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	if ok {
		st.sem.Release(1)
	}
}

// Current reports the live permit count of the class.
func (m *Manager) Current(class Class) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.classes[class]; ok {
		return st.current()
	}
	return 0
}

// BatchSize reports the current adaptive batch size.
func (m *Manager) BatchSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.batchSize
}

// Interval reports the current adaptation interval.
func (m *Manager) Interval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interval
}

// Utilizations snapshots every class.
func (m *Manager) Utilizations() []Utilization {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Utilization, 0, len(m.classes))
	for name, st := range m.classes {
		out = append(out, Utilization{Class: name, Min: st.limits.Min, Max: st.limits.Max, Current: st.current()})
	}
	return out
}

// setCurrentLocked moves the class to the target permit count. Growth
// releases parked tokens; shrink parks idle tokens and books the remainder
// as debt absorbed on future releases.
func (m *Manager) setCurrentLocked(st *classState, target int) {
	if target < st.limits.Min {
		target = st.limits.Min
	}
	if target > st.limits.Max {
		target = st.limits.Max
	}
	current := st.current()
	switch {
	case target > current:
		grow := target - current
		// Pay down debt first, then release parked tokens.
		if st.debt > 0 {
			paid := min(st.debt, grow)
			st.debt -= paid
			grow -= paid
		}
		if grow > 0 {
			release := min(st.held, grow)
			st.held -= release
			if release > 0 {
				st.sem.Release(int64(release))
			}
		}
	case target < current:
		shrink := current - target
		for shrink > 0 && st.sem.TryAcquire(1) {
			st.held++
			shrink--
		}
		st.debt += shrink
	}
}

// Throttle shrinks one class by a step, clamped to its floor. External
// pressure signals feed through here between adaptation rounds.
func (m *Manager) Throttle(class Class) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.classes[class]
	if !ok {
		return
	}
	step := m.cfg.Step
	if step <= 0 {
		step = 10
	}
	before := st.current()
	m.setCurrentLocked(st, before-step)
	m.logger.Info("class throttled", "class", string(class), "from", before, "to", st.current())
}

// Retune runs one adaptation round from the monitor snapshot and a fresh
// system sample.
func (m *Manager) Retune(ctx context.Context) {
	snap := m.monitor.Snapshot()
	climbing := m.monitor.ThroughputClimbing(snap)
	rec := perf.Recommend(snap)

	signals, err := m.sampler.Sample(ctx)
	if err != nil {
		m.logger.Warn("resource sampler", "error", err)
	}
	pressure := signals.CPULoad > m.cfg.CPUHighWatermark || signals.MemUsedRatio > m.cfg.MemHighWatermark

	m.mu.Lock()
	defer m.mu.Unlock()
	step := m.cfg.Step
	if step <= 0 {
		step = 10
	}
	switch {
	case pressure:
		for _, st := range m.classes {
			m.setCurrentLocked(st, st.current()-step)
		}
		m.batchSize = clampInt(m.batchSize-step, m.cfg.BatchMin, m.cfg.BatchMax)
		m.interval = clampDuration(m.interval/2, m.cfg.IntervalMin, m.cfg.IntervalMax)
	case snap.Efficiency > 0.90 && climbing:
		for _, st := range m.classes {
			m.setCurrentLocked(st, st.current()+step)
		}
		m.batchSize = clampInt(m.batchSize+step, m.cfg.BatchMin, m.cfg.BatchMax)
		m.interval = clampDuration(m.interval, m.cfg.IntervalMin, m.cfg.IntervalMax)
	default:
		for _, st := range m.classes {
			m.setCurrentLocked(st, rec.Concurrency)
		}
		m.batchSize = clampInt(rec.BatchSize, m.cfg.BatchMin, m.cfg.BatchMax)
		m.interval = clampDuration(m.interval, m.cfg.IntervalMin, m.cfg.IntervalMax)
	}

	syncPermits := 0
	if st, ok := m.classes[ClassSync]; ok {
		syncPermits = st.current()
	}
	m.logger.Info("resource adaptation",
		"pressure", pressure,
		"cpu", signals.CPULoad,
		"mem", signals.MemUsedRatio,
		"efficiency", snap.Efficiency,
		"throughput", snap.Throughput,
		"batchSize", m.batchSize,
		"interval", m.interval.String(),
		"sync", syncPermits,
	)
}

// Run executes the control loop until the context is cancelled.
func (m *Manager) Run(ctx context.Context) {
	for {
		interval := m.Interval()
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			m.Retune(ctx)
		}
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampDuration(v, lo, hi time.Duration) time.Duration {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
