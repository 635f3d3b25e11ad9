// Package idempotency deduplicates write requests. A stored response is
// replayed for its TTL; concurrent first arrivals are collapsed to a single
// execution through a short database lease.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultTTL          = 24 * time.Hour
	defaultLease        = 30 * time.Second
	defaultWaitInterval = 25 * time.Millisecond
	defaultWaitBudget   = 10 * time.Second
)

// ErrInFlight is returned when another caller holds the execution lease and
// the waiter's budget elapsed before a response was stored.
var ErrInFlight = errors.New("idempotency: request in flight")

// errLostRace marks a first arrival that lost the insert to a concurrent
// caller between its read and its write.
var errLostRace = errors.New("idempotency: lost create race")

// isDuplicateKey covers the drivers in play: postgres reports "duplicate
// key", sqlite "UNIQUE constraint".
func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "UNIQUE constraint")
}

// Response is the stored outcome of the first execution.
type Response struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

type keyRecord struct {
	Key         string `gorm:"primaryKey"`
	StatusCode  int
	ContentType string
	Body        []byte
	Completed   bool
	LeaseUntil  time.Time
	CreatedAt   time.Time
	ExpiresAt   time.Time `gorm:"index"`
}

func (keyRecord) TableName() string { return "idempotency_keys" }

// Store is the gorm-backed idempotency store.
type Store struct {
	db           *gorm.DB
	ttl          time.Duration
	lease        time.Duration
	waitInterval time.Duration
	waitBudget   time.Duration
	now          func() time.Time
}

// Option customises the store.
type Option func(*Store)

// WithTTL sets how long a stored response is replayed.
func WithTTL(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// WithLease sets the single-flight execution lease.
func WithLease(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lease = d
		}
	}
}

// WithWait tunes how waiters poll for the winner's response.
func WithWait(interval, budget time.Duration) Option {
	return func(s *Store) {
		if interval > 0 {
			s.waitInterval = interval
		}
		if budget > 0 {
			s.waitBudget = budget
		}
	}
}

// WithClock sets the time source.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.now = clock
		}
	}
}

// New constructs the store and applies its schema.
func New(db *gorm.DB, opts ...Option) (*Store, error) {
	s := &Store{
		db:           db,
		ttl:          defaultTTL,
		lease:        defaultLease,
		waitInterval: defaultWaitInterval,
		waitBudget:   defaultWaitBudget,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := db.AutoMigrate(&keyRecord{}); err != nil {
		return nil, fmt.Errorf("idempotency: migrate: %w", err)
	}
	return s, nil
}

// Execute runs fn exactly once per key within the TTL. The first caller
// takes a lease and executes; later callers for the same key get the stored
// response, waiting for the winner if it is still running.
func (s *Store) Execute(ctx context.Context, key string, fn func(ctx context.Context) (Response, error)) (Response, error) {
	for {
		cached, acquired, err := s.begin(ctx, key)
		if err != nil {
			return Response{}, err
		}
		if cached != nil {
			return *cached, nil
		}
		if acquired {
			resp, err := fn(ctx)
			if err != nil {
				// Release the lease so the request can be replayed.
				s.release(ctx, key)
				return Response{}, err
			}
			if err := s.complete(ctx, key, resp); err != nil {
				return Response{}, err
			}
			return resp, nil
		}
		cached, err = s.await(ctx, key)
		if err != nil {
			return Response{}, err
		}
		if cached != nil {
			return *cached, nil
		}
		// Lease expired without a response. Contend again.
	}
}

// begin returns the cached response if present, otherwise tries to take the
// execution lease.
func (s *Store) begin(ctx context.Context, key string) (*Response, bool, error) {
	now := s.now().UTC()
	var cached *Response
	var acquired bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx
		if tx.Dialector.Name() == "postgres" {
			q = tx.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		var rec keyRecord
		err := q.First(&rec, "key = ?", key).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			rec = keyRecord{
				Key:        key,
				LeaseUntil: now.Add(s.lease),
				CreatedAt:  now,
				ExpiresAt:  now.Add(s.ttl),
			}
			if err := tx.Create(&rec).Error; err != nil {
				if isDuplicateKey(err) {
					return errLostRace
				}
				return fmt.Errorf("idempotency: create key: %w", err)
			}
			acquired = true
			return nil
		case err != nil:
			return fmt.Errorf("idempotency: load key: %w", err)
		}
		if rec.Completed && now.Before(rec.ExpiresAt) {
			cached = &Response{StatusCode: rec.StatusCode, ContentType: rec.ContentType, Body: rec.Body}
			return nil
		}
		if rec.Completed || now.After(rec.LeaseUntil) {
			// Expired response or abandoned lease: take over.
			res := tx.Model(&keyRecord{}).Where("key = ?", key).Updates(map[string]any{
				"completed":   false,
				"lease_until": now.Add(s.lease),
				"created_at":  now,
				"expires_at":  now.Add(s.ttl),
			})
			if res.Error != nil {
				return fmt.Errorf("idempotency: take over lease: %w", res.Error)
			}
			acquired = true
		}
		return nil
	})
	if errors.Is(err, errLostRace) {
		// Another caller inserted the key first. Wait on its outcome.
		return nil, false, nil
	}
	return cached, acquired, err
}

func (s *Store) complete(ctx context.Context, key string, resp Response) error {
	res := s.db.WithContext(ctx).Model(&keyRecord{}).Where("key = ?", key).Updates(map[string]any{
		"status_code":  resp.StatusCode,
		"content_type": resp.ContentType,
		"body":         resp.Body,
		"completed":    true,
	})
	if res.Error != nil {
		return fmt.Errorf("idempotency: store response: %w", res.Error)
	}
	return nil
}

func (s *Store) release(ctx context.Context, key string) {
	s.db.WithContext(ctx).Where("key = ? AND completed = ?", key, false).Delete(&keyRecord{})
}

// await polls for the winner's stored response until the budget elapses.
func (s *Store) await(ctx context.Context, key string) (*Response, error) {
	deadline := s.now().Add(s.waitBudget)
	t := time.NewTicker(s.waitInterval)
	defer t.Stop()
	for {
		var rec keyRecord
		err := s.db.WithContext(ctx).First(&rec, "key = ?", key).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			// Winner failed and released. Contend again.
			return nil, nil
		case err != nil:
			return nil, fmt.Errorf("idempotency: poll key: %w", err)
		}
		if rec.Completed {
			return &Response{StatusCode: rec.StatusCode, ContentType: rec.ContentType, Body: rec.Body}, nil
		}
		if s.now().After(rec.LeaseUntil) {
			return nil, nil
		}
		if s.now().After(deadline) {
			return nil, ErrInFlight
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

// Sweep deletes expired keys and returns the count.
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("expires_at < ? AND completed = ?", s.now().UTC(), true).
		Delete(&keyRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("idempotency: sweep: %w", res.Error)
	}
	return res.RowsAffected, nil
}
