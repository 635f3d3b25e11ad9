package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrLockHeld is returned when another owner holds a fresh run lock.
var ErrLockHeld = errors.New("storage: run lock held")

// RunLocks serializes orchestrator executions per name. A lock whose
// heartbeat is older than the stale window may be taken over.
type RunLocks struct {
	db    *gorm.DB
	stale time.Duration
	now   func() time.Time
}

// NewRunLocks wraps the database handle; stale defaults to 30 minutes.
func NewRunLocks(db *gorm.DB, stale time.Duration) *RunLocks {
	if stale <= 0 {
		stale = 30 * time.Minute
	}
	return &RunLocks{db: db, stale: stale, now: time.Now}
}

// Acquire takes the named lock for the owner, sweeping a stale holder.
func (l *RunLocks) Acquire(ctx context.Context, name, owner string) error {
	now := l.now().UTC()
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx
		// Row locking is a postgres concern; sqlite serializes writers anyway.
		if tx.Dialector.Name() == "postgres" {
			q = tx.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		var rec runLockRecord
		err := q.First(&rec, "name = ?", name).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			rec = runLockRecord{Name: name, Owner: owner, AcquiredAt: now, HeartbeatAt: now}
			if err := tx.Create(&rec).Error; err != nil {
				return fmt.Errorf("storage: create run lock: %w", err)
			}
			return nil
		case err != nil:
			return fmt.Errorf("storage: read run lock: %w", err)
		}
		if rec.Owner != owner && now.Sub(rec.HeartbeatAt) < l.stale {
			return ErrLockHeld
		}
		res := tx.Model(&runLockRecord{}).
			Where("name = ?", name).
			Updates(map[string]any{"owner": owner, "acquired_at": now, "heartbeat_at": now})
		if res.Error != nil {
			return fmt.Errorf("storage: take over run lock: %w", res.Error)
		}
		return nil
	})
}

// Heartbeat refreshes the lease while a run is in progress.
func (l *RunLocks) Heartbeat(ctx context.Context, name, owner string) error {
	res := l.db.WithContext(ctx).
		Model(&runLockRecord{}).
		Where("name = ? AND owner = ?", name, owner).
		Update("heartbeat_at", l.now().UTC())
	if res.Error != nil {
		return fmt.Errorf("storage: heartbeat run lock: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrLockHeld
	}
	return nil
}

// Release drops the lock if still owned.
func (l *RunLocks) Release(ctx context.Context, name, owner string) error {
	res := l.db.WithContext(ctx).
		Where("name = ? AND owner = ?", name, owner).
		Delete(&runLockRecord{})
	if res.Error != nil {
		return fmt.Errorf("storage: release run lock: %w", res.Error)
	}
	return nil
}
