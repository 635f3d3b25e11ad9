// Package events publishes domain events to the broker. Records are keyed by
// aggregate id so consumers observe per-aggregate order; publish failures
// land in a database outbox that a background drain replays with backoff.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"gorm.io/gorm"

	"github.com/tsromanox/openfinance-receptor/observability"
)

const (
	defaultDrainInterval = 5 * time.Second
	defaultDrainBackoff  = 30 * time.Second
	defaultDrainBatch    = 100
)

// Producer delivers one record to the broker.
type Producer interface {
	Produce(ctx context.Context, topic, key string, value []byte) error
	Close()
}

// Publisher serializes envelopes and hands them to the producer, falling
// back to the outbox when the broker is unreachable.
type Publisher struct {
	producer Producer
	outbox   *Outbox
	logger   *slog.Logger
	now      func() time.Time

	drainInterval time.Duration
	drainBackoff  time.Duration
	drainBatch    int

	failingAfter int
	onFailing    func()

	published metric.Int64Counter
	deferred  metric.Int64Counter
}

// PublisherOption customises the publisher.
type PublisherOption func(*Publisher)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithClock sets the time source.
func WithClock(clock func() time.Time) PublisherOption {
	return func(p *Publisher) {
		if clock != nil {
			p.now = clock
		}
	}
}

// WithDrain tunes the outbox drain cadence.
func WithDrain(interval, backoff time.Duration, batch int) PublisherOption {
	return func(p *Publisher) {
		if interval > 0 {
			p.drainInterval = interval
		}
		if backoff > 0 {
			p.drainBackoff = backoff
		}
		if batch > 0 {
			p.drainBatch = batch
		}
	}
}

// WithDeliveryPressure invokes hook each time an outbox record fails its
// attempts-th replay, signalling a broker that stays down so upstream work
// can be shed.
func WithDeliveryPressure(attempts int, hook func()) PublisherOption {
	return func(p *Publisher) {
		if attempts > 0 && hook != nil {
			p.failingAfter = attempts
			p.onFailing = hook
		}
	}
}

// NewPublisher wires the producer to the outbox.
func NewPublisher(producer Producer, db *gorm.DB, opts ...PublisherOption) (*Publisher, error) {
	outbox, err := NewOutbox(db)
	if err != nil {
		return nil, err
	}
	p := &Publisher{
		producer:      producer,
		outbox:        outbox,
		logger:        slog.Default(),
		now:           time.Now,
		drainInterval: defaultDrainInterval,
		drainBackoff:  defaultDrainBackoff,
		drainBatch:    defaultDrainBatch,
	}
	for _, opt := range opts {
		opt(p)
	}
	meter := otel.GetMeterProvider().Meter("openfinance-receptor/events")
	p.published, err = meter.Int64Counter("events_published_total")
	if err != nil {
		p.published = noop.Int64Counter{}
	}
	p.deferred, err = meter.Int64Counter("events_deferred_total")
	if err != nil {
		p.deferred = noop.Int64Counter{}
	}
	return p, nil
}

// Publish delivers one envelope. A broker failure is absorbed into the
// outbox so the caller's transaction outcome is never coupled to broker
// health. While earlier records of the aggregate are still waiting in the
// outbox, later ones queue behind them instead of overtaking on the direct
// path.
func (p *Publisher) Publish(ctx context.Context, topic string, env Envelope) error {
	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("events: marshal envelope: %w", err)
	}
	pending, err := p.outbox.HasPending(ctx, env.AggregateID)
	if err != nil {
		return err
	}
	if pending {
		p.deferred.Add(ctx, 1)
		observability.Pipeline().RecordEventDeferred()
		return p.outbox.Defer(ctx, topic, env.AggregateID, value, p.now().UTC())
	}
	if err := p.producer.Produce(ctx, topic, env.AggregateID, value); err != nil {
		p.logger.Warn("publish failed, deferring to outbox",
			"topic", topic, "eventType", env.EventType, "aggregateId", env.AggregateID, "error", err)
		p.deferred.Add(ctx, 1)
		observability.Pipeline().RecordEventDeferred()
		return p.outbox.Defer(ctx, topic, env.AggregateID, value, p.now().UTC())
	}
	p.published.Add(ctx, 1)
	return nil
}

// DrainOnce replays due outbox rows until no further progress is made.
// Returns how many were delivered.
func (p *Publisher) DrainOnce(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := p.drainPass(ctx)
		total += n
		if err != nil || n == 0 {
			return total, err
		}
	}
}

// drainPass replays the due head record of each key. A failed record is
// rescheduled with linear backoff; its successors stay blocked behind it.
func (p *Publisher) drainPass(ctx context.Context) (int, error) {
	rows, err := p.outbox.Due(ctx, p.now().UTC(), p.drainBatch)
	if err != nil {
		return 0, err
	}
	delivered := 0
	for _, row := range rows {
		if err := p.producer.Produce(ctx, row.Topic, row.Key, row.Value); err != nil {
			retry := p.now().UTC().Add(p.drainBackoff * time.Duration(row.Attempts+1))
			if derr := p.outbox.Reschedule(ctx, row.ID, retry); derr != nil {
				return delivered, derr
			}
			if p.onFailing != nil && row.Attempts+1 >= p.failingAfter {
				p.onFailing()
			}
			continue
		}
		if err := p.outbox.Remove(ctx, row.ID); err != nil {
			return delivered, err
		}
		delivered++
	}
	return delivered, nil
}

// Run drains the outbox until the context ends.
func (p *Publisher) Run(ctx context.Context) {
	t := time.NewTicker(p.drainInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n, err := p.DrainOnce(ctx); err != nil {
				p.logger.Error("outbox drain failed", "error", err)
			} else if n > 0 {
				p.logger.Info("outbox drained", "delivered", n)
			}
		}
	}
}

// Close flushes the producer.
func (p *Publisher) Close() {
	p.producer.Close()
}
