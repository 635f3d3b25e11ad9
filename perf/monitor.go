// Package perf aggregates throughput, latency, and error-rate signals per
// operation type and turns them into tuning recommendations. Counters use
// atomics only; the monitor never blocks a caller.
package perf

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

func floatBits(f float64) uint64     { return math.Float64bits(f) }
func floatFromBits(b uint64) float64 { return math.Float64frombits(b) }

// Outcome classifies one finished operation.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	// OutcomeRetryable marks failures that were retried in-band and so do
	// not count against processing efficiency.
	OutcomeRetryable
	OutcomeFailure
)

type opCounters struct {
	total     atomic.Int64
	failures  atomic.Int64
	retryable atomic.Int64
	latencyNs atomic.Int64
	active    atomic.Int64
}

// Snapshot is a read-only view over one rolling window.
type Snapshot struct {
	WindowStart time.Time
	WindowEnd   time.Time
	Throughput  float64 // completed ops per second
	Efficiency  float64 // 1 - non-retryable error rate
	ErrorRate   float64
	MeanLatency map[string]time.Duration
	Active      map[string]int64
	Completed   int64
}

// Recommendations is advice for the resource manager; it is never applied by
// the monitor itself.
type Recommendations struct {
	BatchSize   int
	Concurrency int
}

// Monitor keeps per-operation counters over a rolling window.
type Monitor struct {
	window time.Duration
	now    func() time.Time

	mu          sync.Mutex
	ops         map[string]*opCounters
	windowStart time.Time

	lastThroughput atomic.Uint64 // float64 bits of the previous window's throughput
}

// Option customises the monitor.
type Option func(*Monitor)

// WithWindow sets the rolling window duration.
func WithWindow(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.window = d
		}
	}
}

// WithClock sets the time source.
func WithClock(clock func() time.Time) Option {
	return func(m *Monitor) {
		if clock != nil {
			m.now = clock
		}
	}
}

// NewMonitor constructs a monitor with a 60s default window.
func NewMonitor(opts ...Option) *Monitor {
	m := &Monitor{
		window: time.Minute,
		now:    time.Now,
		ops:    make(map[string]*opCounters),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.windowStart = m.now()
	return m
}

func (m *Monitor) counters(operation string) *opCounters {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.ops[operation]
	if !ok {
		c = &opCounters{}
		m.ops[operation] = c
	}
	return c
}

// Begin marks an operation in flight.
func (m *Monitor) Begin(operation string) {
	m.counters(operation).active.Add(1)
}

// End records a finished operation with its outcome and latency.
func (m *Monitor) End(operation string, outcome Outcome, latency time.Duration) {
	c := m.counters(operation)
	c.active.Add(-1)
	c.total.Add(1)
	c.latencyNs.Add(int64(latency))
	switch outcome {
	case OutcomeFailure:
		c.failures.Add(1)
	case OutcomeRetryable:
		c.retryable.Add(1)
	}
}

// Snapshot derives the current window's view and resets the window when it
// has elapsed.
func (m *Monitor) Snapshot() Snapshot {
	now := m.now()
	m.mu.Lock()
	start := m.windowStart
	elapsed := now.Sub(start)
	snap := Snapshot{
		WindowStart: start,
		WindowEnd:   now,
		MeanLatency: make(map[string]time.Duration, len(m.ops)),
		Active:      make(map[string]int64, len(m.ops)),
	}
	var total, failures int64
	for op, c := range m.ops {
		opTotal := c.total.Load()
		total += opTotal
		failures += c.failures.Load()
		if opTotal > 0 {
			snap.MeanLatency[op] = time.Duration(c.latencyNs.Load() / opTotal)
		}
		snap.Active[op] = c.active.Load()
	}
	snap.Completed = total
	if elapsed > 0 {
		snap.Throughput = float64(total) / elapsed.Seconds()
	}
	if total > 0 {
		snap.ErrorRate = float64(failures) / float64(total)
	}
	snap.Efficiency = 1 - snap.ErrorRate
	if elapsed >= m.window {
		m.resetLocked(now)
		m.lastThroughput.Store(floatBits(snap.Throughput))
	}
	m.mu.Unlock()
	return snap
}

func (m *Monitor) resetLocked(now time.Time) {
	for op, c := range m.ops {
		if c.active.Load() == 0 {
			delete(m.ops, op)
			continue
		}
		c.total.Store(0)
		c.failures.Store(0)
		c.retryable.Store(0)
		c.latencyNs.Store(0)
	}
	m.windowStart = now
}

// ThroughputClimbing compares the snapshot against the previous window.
func (m *Monitor) ThroughputClimbing(snap Snapshot) bool {
	return snap.Throughput > floatFromBits(m.lastThroughput.Load())
}

// Recommend applies the deterministic tuning rule set to the snapshot.
func Recommend(snap Snapshot) Recommendations {
	switch {
	case snap.Efficiency > 0.9 && snap.Throughput > 100:
		return Recommendations{BatchSize: 500, Concurrency: 200}
	case snap.Efficiency > 0.8 && snap.Throughput > 50:
		return Recommendations{BatchSize: 300, Concurrency: 100}
	case snap.Efficiency > 0.7:
		return Recommendations{BatchSize: 200, Concurrency: 50}
	default:
		return Recommendations{BatchSize: 100, Concurrency: 20}
	}
}

// Recommendations derives advice from a fresh snapshot.
func (m *Monitor) Recommendations() Recommendations {
	return Recommend(m.Snapshot())
}
