package batch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tsromanox/openfinance-receptor/resource"
)

// countingPermits is a fixed-capacity permit source that records the maximum
// observed in-flight count.
type countingPermits struct {
	mu       sync.Mutex
	capacity int
	inFlight int
	maxSeen  int
}

func newCountingPermits(capacity int) *countingPermits {
	return &countingPermits{capacity: capacity}
}

func (p *countingPermits) TryAcquire(resource.Class) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inFlight >= p.capacity {
		return false
	}
	p.inFlight++
	if p.inFlight > p.maxSeen {
		p.maxSeen = p.inFlight
	}
	return true
}

func (p *countingPermits) Release(resource.Class) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inFlight--
}

func (p *countingPermits) Current(resource.Class) int {
	return p.capacity
}

func (p *countingPermits) observedMax() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxSeen
}

func TestBoundedConcurrency(t *testing.T) {
	permits := newCountingPermits(100)
	proc := NewProcessor(permits, WithPerItemTimeout(time.Second))

	items := make([]int, 10000)
	for i := range items {
		items[i] = i
	}
	var processed atomic.Int64
	result := Process(context.Background(), proc, items, func(ctx context.Context, _ int) error {
		processed.Add(1)
		return nil
	})

	require.Equal(t, 10000, result.Successes)
	require.Empty(t, result.Failures)
	require.EqualValues(t, 10000, processed.Load())
	require.LessOrEqual(t, permits.observedMax(), 100)
}

func TestPerItemFailuresDoNotAbortSiblings(t *testing.T) {
	permits := newCountingPermits(4)
	proc := NewProcessor(permits)

	items := []int{0, 1, 2, 3, 4, 5, 6, 7}
	boom := errors.New("boom")
	result := Process(context.Background(), proc, items, func(ctx context.Context, item int) error {
		if item%2 == 1 {
			return boom
		}
		return nil
	})

	require.Equal(t, 4, result.Successes)
	require.Len(t, result.Failures, 4)
	for _, f := range result.Failures {
		require.ErrorIs(t, f.Err, boom)
		require.False(t, f.Cancelled)
	}
}

func TestBatchTimeoutCancelsRemainder(t *testing.T) {
	permits := newCountingPermits(1)
	proc := NewProcessor(permits,
		WithPerItemTimeout(50*time.Millisecond),
		WithSlack(10*time.Millisecond),
		WithMaxBatchTimeout(80*time.Millisecond),
	)

	items := []int{0, 1, 2, 3, 4, 5}
	result := Process(context.Background(), proc, items, func(ctx context.Context, _ int) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(40 * time.Millisecond):
			return nil
		}
	})

	var cancelled int
	for _, f := range result.Failures {
		if f.Cancelled {
			cancelled++
		}
	}
	require.Equal(t, len(items), result.Successes+len(result.Failures))
	require.Greater(t, cancelled, 0)
}

func TestEveryItemAccountedFor(t *testing.T) {
	permits := newCountingPermits(8)
	proc := NewProcessor(permits, WithPerItemTimeout(100*time.Millisecond))

	items := make([]int, 200)
	boom := errors.New("boom")
	result := Process(context.Background(), proc, items, func(ctx context.Context, item int) error {
		if item == 0 {
			return boom
		}
		return nil
	})
	require.Equal(t, len(items), result.Successes+len(result.Failures))
}

func TestEmptyBatch(t *testing.T) {
	proc := NewProcessor(newCountingPermits(1))
	result := Process(context.Background(), proc, nil, func(ctx context.Context, _ int) error { return nil })
	require.Zero(t, result.Successes)
	require.Empty(t, result.Failures)
}
