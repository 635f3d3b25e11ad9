// Package batch fans a per-item operation out over a batch with bounded
// concurrency. The bound follows the resource manager's live sync permit
// count; per-item failures never abort siblings.
package batch

import (
	"context"
	"errors"
	"time"

	"github.com/tsromanox/openfinance-receptor/resource"
)

// ErrCancelled marks items whose execution was cut short by batch timeout or
// external cancellation.
var ErrCancelled = errors.New("batch: item cancelled")

// Permits is the slice of the resource manager the processor needs.
type Permits interface {
	TryAcquire(resource.Class) bool
	Release(resource.Class)
	Current(resource.Class) int
}

// ItemResult records the outcome of one item, indexed by input position.
type ItemResult struct {
	Index     int
	Err       error
	Cancelled bool
}

// Result summarises one processed batch.
type Result struct {
	Successes      int
	Failures       []ItemResult
	ProcessingTime time.Duration
}

// Operation executes one item. The context carries the per-item timeout.
type Operation[T any] func(ctx context.Context, item T) error

// Processor runs batches under the sync permit class.
type Processor struct {
	permits         Permits
	class           resource.Class
	perItemTimeout  time.Duration
	slack           time.Duration
	maxBatchTimeout time.Duration
	acquireBackoff  time.Duration
}

// ProcessorOption customises the processor.
type ProcessorOption func(*Processor)

// WithClass overrides the permit class charged per item.
func WithClass(class resource.Class) ProcessorOption {
	return func(p *Processor) { p.class = class }
}

// WithPerItemTimeout bounds a single item's execution.
func WithPerItemTimeout(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		if d > 0 {
			p.perItemTimeout = d
		}
	}
}

// WithSlack pads the computed whole-batch deadline.
func WithSlack(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		if d > 0 {
			p.slack = d
		}
	}
}

// WithMaxBatchTimeout caps the whole-batch deadline.
func WithMaxBatchTimeout(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		if d > 0 {
			p.maxBatchTimeout = d
		}
	}
}

// NewProcessor constructs a processor charging the sync class by default.
func NewProcessor(permits Permits, opts ...ProcessorOption) *Processor {
	p := &Processor{
		permits:         permits,
		class:           resource.ClassSync,
		perItemTimeout:  30 * time.Second,
		slack:           10 * time.Second,
		maxBatchTimeout: 5 * time.Minute,
		acquireBackoff:  5 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// batchDeadline derives the whole-batch timeout from the batch size and the
// live permit count: perItem * ceil(n/permits) + slack, capped.
func (p *Processor) batchDeadline(n int) time.Duration {
	permits := p.permits.Current(p.class)
	if permits < 1 {
		permits = 1
	}
	waves := (n + permits - 1) / permits
	d := p.perItemTimeout*time.Duration(waves) + p.slack
	if d > p.maxBatchTimeout {
		return p.maxBatchTimeout
	}
	return d
}

// Process runs op over every item. All items finish as success, failure, or
// cancelled; the batch always completes. Input order is preserved only in
// the result indices, not in execution order.
func Process[T any](ctx context.Context, p *Processor, items []T, op Operation[T]) Result {
	start := time.Now()
	result := Result{}
	if len(items) == 0 {
		return result
	}

	ctx, cancel := context.WithTimeout(ctx, p.batchDeadline(len(items)))
	defer cancel()

	outcomes := make([]ItemResult, len(items))
	done := make(chan int, len(items))
	launched := 0

dispatch:
	for idx := range items {
		// Cooperative fan-out: wait for a permit, yielding to completed
		// siblings, until the batch deadline cancels the remainder.
		for !p.permits.TryAcquire(p.class) {
			select {
			case <-ctx.Done():
				break dispatch
			case <-time.After(p.acquireBackoff):
			}
		}
		select {
		case <-ctx.Done():
			p.permits.Release(p.class)
			break dispatch
		default:
		}
		launched++
		go func(i int, item T) {
			defer p.permits.Release(p.class)
			itemCtx, itemCancel := context.WithTimeout(ctx, p.perItemTimeout)
			err := op(itemCtx, item)
			itemCancel()
			if err != nil && ctx.Err() != nil {
				err = errors.Join(ErrCancelled, err)
				outcomes[i] = ItemResult{Index: i, Err: err, Cancelled: true}
			} else {
				outcomes[i] = ItemResult{Index: i, Err: err}
			}
			done <- i
		}(idx, items[idx])
	}

	for finished := 0; finished < launched; finished++ {
		<-done
	}
	// Items never launched surface as cancelled.
	for idx := launched; idx < len(items); idx++ {
		outcomes[idx] = ItemResult{Index: idx, Err: ErrCancelled, Cancelled: true}
	}

	for _, oc := range outcomes {
		if oc.Err == nil {
			result.Successes++
			continue
		}
		result.Failures = append(result.Failures, oc)
	}
	result.ProcessingTime = time.Since(start)
	return result
}
