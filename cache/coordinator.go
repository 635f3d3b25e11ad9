// Package cache keeps per-instance read caches coherent. Writers evict their
// local cache synchronously, then broadcast the invalidated keys over redis
// pub/sub so every other instance evicts too.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// invalidationChannel carries the invalidated keys.
const invalidationChannel = "receptor:cache:invalidate"

// Cache key builders. Readers and writers must agree on these.
func ConsentKey(consentID string) string      { return "consent:" + consentID }
func ConsentsByClient(clientID string) string { return "consents:" + clientID }
func AccountKey(accountID string) string      { return "account:" + accountID }
func AccountsByClient(clientID string) string { return "accounts:" + clientID }

// Local is an in-process cache of serialized reads.
type Local struct {
	mu      sync.RWMutex
	entries map[string]localEntry
	ttl     time.Duration
	now     func() time.Time
}

type localEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewLocal builds the in-process cache.
func NewLocal(ttl time.Duration) *Local {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Local{entries: make(map[string]localEntry), ttl: ttl, now: time.Now}
}

// Get returns the cached value if present and unexpired.
func (l *Local) Get(key string) ([]byte, bool) {
	l.mu.RLock()
	entry, ok := l.entries[key]
	l.mu.RUnlock()
	if !ok || l.now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.value, true
}

// Set stores a value.
func (l *Local) Set(key string, value []byte) {
	l.mu.Lock()
	l.entries[key] = localEntry{value: value, expiresAt: l.now().Add(l.ttl)}
	l.mu.Unlock()
}

// Evict removes keys.
func (l *Local) Evict(keys ...string) {
	l.mu.Lock()
	for _, key := range keys {
		delete(l.entries, key)
	}
	l.mu.Unlock()
}

// Len reports the entry count.
func (l *Local) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Coordinator ties the local cache to the redis invalidation channel.
type Coordinator struct {
	local  *Local
	client *redis.Client
	logger *slog.Logger
}

// Option customises the coordinator.
type Option func(*Coordinator)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewCoordinator wires the local cache to redis.
func NewCoordinator(local *Local, client *redis.Client, opts ...Option) *Coordinator {
	c := &Coordinator{local: local, client: client, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Local exposes the in-process cache for readers.
func (c *Coordinator) Local() *Local { return c.local }

// Invalidate evicts locally first, then broadcasts. The writing request
// never observes its own stale entry even if the broadcast fails.
func (c *Coordinator) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	c.local.Evict(keys...)
	for _, key := range keys {
		if err := c.client.Publish(ctx, invalidationChannel, key).Err(); err != nil {
			return fmt.Errorf("cache: publish invalidation %s: %w", key, err)
		}
	}
	return nil
}

// Listen applies remote invalidations to the local cache until the context
// ends.
func (c *Coordinator) Listen(ctx context.Context) error {
	sub := c.client.Subscribe(ctx, invalidationChannel)
	defer sub.Close()
	// Wait for the subscription so callers can order writes after it.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("cache: subscribe: %w", err)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			c.local.Evict(msg.Payload)
			c.logger.Debug("cache invalidated", "key", msg.Payload)
		}
	}
}
