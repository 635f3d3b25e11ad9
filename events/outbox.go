package events

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

type outboxRecord struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement"`
	Topic       string
	Key         string
	Value       []byte
	Attempts    int
	NextRetryAt time.Time `gorm:"index"`
	CreatedAt   time.Time
}

func (outboxRecord) TableName() string { return "event_outbox" }

// OutboxRow is one deferred record.
type OutboxRow struct {
	ID       uint64
	Topic    string
	Key      string
	Value    []byte
	Attempts int
}

// Outbox stores records the broker refused, ordered by insertion.
type Outbox struct {
	db *gorm.DB
}

// NewOutbox applies the schema.
func NewOutbox(db *gorm.DB) (*Outbox, error) {
	if err := db.AutoMigrate(&outboxRecord{}); err != nil {
		return nil, fmt.Errorf("events: migrate outbox: %w", err)
	}
	return &Outbox{db: db}, nil
}

// Defer stores one record for later delivery.
func (o *Outbox) Defer(ctx context.Context, topic, key string, value []byte, now time.Time) error {
	rec := outboxRecord{Topic: topic, Key: key, Value: value, NextRetryAt: now, CreatedAt: now}
	if err := o.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("events: defer to outbox: %w", err)
	}
	return nil
}

// HasPending reports whether any record for the key is still waiting.
func (o *Outbox) HasPending(ctx context.Context, key string) (bool, error) {
	var n int64
	if err := o.db.WithContext(ctx).Model(&outboxRecord{}).Where("key = ?", key).Count(&n).Error; err != nil {
		return false, fmt.Errorf("events: check outbox key: %w", err)
	}
	return n > 0, nil
}

// Due returns records ready for replay, oldest first. Only the head record
// per key is released so a rescheduled head never lets later records of the
// same aggregate overtake it.
func (o *Outbox) Due(ctx context.Context, now time.Time, limit int) ([]OutboxRow, error) {
	var recs []outboxRecord
	err := o.db.WithContext(ctx).
		Where("next_retry_at <= ?", now).
		Where("NOT EXISTS (SELECT 1 FROM event_outbox e WHERE e.key = event_outbox.key AND e.id < event_outbox.id)").
		Order("id ASC").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("events: load outbox: %w", err)
	}
	rows := make([]OutboxRow, len(recs))
	for i, rec := range recs {
		rows[i] = OutboxRow{ID: rec.ID, Topic: rec.Topic, Key: rec.Key, Value: rec.Value, Attempts: rec.Attempts}
	}
	return rows, nil
}

// Reschedule bumps the attempt count and retry time after a failed replay.
func (o *Outbox) Reschedule(ctx context.Context, id uint64, retryAt time.Time) error {
	res := o.db.WithContext(ctx).Model(&outboxRecord{}).Where("id = ?", id).
		Updates(map[string]any{"attempts": gorm.Expr("attempts + 1"), "next_retry_at": retryAt})
	if res.Error != nil {
		return fmt.Errorf("events: reschedule outbox row: %w", res.Error)
	}
	return nil
}

// Remove deletes a delivered record.
func (o *Outbox) Remove(ctx context.Context, id uint64) error {
	if err := o.db.WithContext(ctx).Delete(&outboxRecord{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("events: remove outbox row: %w", err)
	}
	return nil
}

// Size reports how many records are waiting.
func (o *Outbox) Size(ctx context.Context) (int64, error) {
	var n int64
	if err := o.db.WithContext(ctx).Model(&outboxRecord{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("events: count outbox: %w", err)
	}
	return n, nil
}
