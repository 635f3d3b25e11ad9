package perf

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSnapshotDerivesRates(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	m := NewMonitor(WithClock(func() time.Time { return now }))

	for i := 0; i < 90; i++ {
		m.Begin("sync")
		m.End("sync", OutcomeSuccess, 10*time.Millisecond)
	}
	for i := 0; i < 10; i++ {
		m.Begin("sync")
		m.End("sync", OutcomeFailure, 50*time.Millisecond)
	}

	now = now.Add(10 * time.Second)
	snap := m.Snapshot()
	require.InDelta(t, 10.0, snap.Throughput, 0.01)
	require.InDelta(t, 0.10, snap.ErrorRate, 0.001)
	require.InDelta(t, 0.90, snap.Efficiency, 0.001)
	require.Equal(t, 14*time.Millisecond, snap.MeanLatency["sync"])
	require.EqualValues(t, 0, snap.Active["sync"])
}

func TestRetryableFailuresDoNotHurtEfficiency(t *testing.T) {
	m := NewMonitor()
	m.Begin("apiCall")
	m.End("apiCall", OutcomeRetryable, time.Millisecond)
	snap := m.Snapshot()
	require.Equal(t, 1.0, snap.Efficiency)
}

func TestWindowResetsAfterDuration(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	m := NewMonitor(WithWindow(time.Minute), WithClock(func() time.Time { return now }))

	m.Begin("sync")
	m.End("sync", OutcomeSuccess, time.Millisecond)

	now = now.Add(61 * time.Second)
	first := m.Snapshot()
	require.EqualValues(t, 1, first.Completed)

	now = now.Add(time.Second)
	second := m.Snapshot()
	require.EqualValues(t, 0, second.Completed)
}

func TestThroughputClimbing(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	m := NewMonitor(WithWindow(10*time.Second), WithClock(func() time.Time { return now }))

	m.Begin("sync")
	m.End("sync", OutcomeSuccess, time.Millisecond)
	now = now.Add(11 * time.Second)
	m.Snapshot() // closes the first window at ~0.09 ops/s

	for i := 0; i < 50; i++ {
		m.Begin("sync")
		m.End("sync", OutcomeSuccess, time.Millisecond)
	}
	now = now.Add(5 * time.Second)
	snap := m.Snapshot()
	require.True(t, m.ThroughputClimbing(snap))
}

func TestRecommendationTable(t *testing.T) {
	cases := []struct {
		efficiency float64
		throughput float64
		batch      int
		conc       int
	}{
		{0.95, 150, 500, 200},
		{0.85, 60, 300, 100},
		{0.75, 10, 200, 50},
		{0.50, 500, 100, 20},
	}
	for _, tc := range cases {
		rec := Recommend(Snapshot{Efficiency: tc.efficiency, Throughput: tc.throughput})
		require.Equal(t, tc.batch, rec.BatchSize)
		require.Equal(t, tc.conc, rec.Concurrency)
	}
}

func TestConcurrentRecordingIsSafe(t *testing.T) {
	m := NewMonitor()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				m.Begin("sync")
				m.End("sync", OutcomeSuccess, time.Microsecond)
			}
		}()
	}
	wg.Wait()
	snap := m.Snapshot()
	require.EqualValues(t, 8000, snap.Completed)
}
