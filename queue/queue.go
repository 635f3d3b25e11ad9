// Package queue is the durable FIFO of processing jobs. Reservation uses
// skip-locked selection so concurrent workers take disjoint batches; failures
// retry with exponential backoff until the dead-letter threshold.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tsromanox/openfinance-receptor/observability"
)

// Status enumerates the job lifecycle.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusDeadLetter Status = "DEAD_LETTER"
	StatusRetrying   Status = "RETRYING"
)

// Terminal reports whether the status admits no further transition.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusDeadLetter
}

// Job is one unit of processing work.
type Job struct {
	ID             string
	ConsentID      string
	OrganizationID string
	Kind           string
	Status         Status
	RetryCount     int
	CreatedAt      time.Time
	UpdatedAt      time.Time
	NextRetryAt    *time.Time
	ErrorDetails   string
}

// ErrJobNotFound is returned for unknown job ids.
var ErrJobNotFound = errors.New("queue: job not found")

const (
	// MaxRetries is the dead-letter threshold.
	MaxRetries = 3

	defaultLease        = 10 * time.Minute
	defaultRetryBase    = 2 * time.Second
	defaultDedupWindow  = time.Hour
	abandonedPendingAge = 24 * time.Hour
)

type jobRecord struct {
	ID             string `gorm:"primaryKey"`
	ConsentID      string `gorm:"index:idx_jobs_stream,priority:1"`
	OrganizationID string
	Kind           string `gorm:"index:idx_jobs_stream,priority:2"`
	Status         string `gorm:"index:idx_jobs_ready,priority:1"`
	RetryCount     int
	CreatedAt      time.Time `gorm:"index:idx_jobs_ready,priority:2"`
	UpdatedAt      time.Time
	NextRetryAt    *time.Time
	ErrorDetails   string
}

func (jobRecord) TableName() string { return "processing_jobs" }

func recordToJob(rec jobRecord) Job {
	return Job{
		ID:             rec.ID,
		ConsentID:      rec.ConsentID,
		OrganizationID: rec.OrganizationID,
		Kind:           rec.Kind,
		Status:         Status(rec.Status),
		RetryCount:     rec.RetryCount,
		CreatedAt:      rec.CreatedAt,
		UpdatedAt:      rec.UpdatedAt,
		NextRetryAt:    rec.NextRetryAt,
		ErrorDetails:   rec.ErrorDetails,
	}
}

// Queue is the gorm-backed job store.
type Queue struct {
	db          *gorm.DB
	lease       time.Duration
	retryBase   time.Duration
	dedupWindow time.Duration
	metrics     *observability.PipelineMetrics
	now         func() time.Time
}

// Option customises the queue.
type Option func(*Queue)

// WithLease sets the reservation lease after which a PROCESSING job is
// considered abandoned.
func WithLease(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.lease = d
		}
	}
}

// WithRetryBase sets the exponential backoff base.
func WithRetryBase(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.retryBase = d
		}
	}
}

// WithDedupWindow sets how long an equivalent pending job suppresses a new
// enqueue.
func WithDedupWindow(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.dedupWindow = d
		}
	}
}

// WithClock sets the time source.
func WithClock(clock func() time.Time) Option {
	return func(q *Queue) {
		if clock != nil {
			q.now = clock
		}
	}
}

// New constructs the queue and applies its schema.
func New(db *gorm.DB, opts ...Option) (*Queue, error) {
	q := &Queue{
		db:          db,
		lease:       defaultLease,
		retryBase:   defaultRetryBase,
		dedupWindow: defaultDedupWindow,
		metrics:     observability.Pipeline(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	if err := db.AutoMigrate(&jobRecord{}); err != nil {
		return nil, fmt.Errorf("queue: migrate: %w", err)
	}
	return q, nil
}

// Enqueue adds a job. An open job for the same (consentId, organizationId,
// kind) inside the dedup window suppresses the insert and returns the
// existing job.
func (q *Queue) Enqueue(ctx context.Context, consentID, organizationID, kind string) (Job, error) {
	now := q.now().UTC()
	var out Job
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing jobRecord
		err := tx.Where(
			"consent_id = ? AND organization_id = ? AND kind = ? AND status IN ? AND created_at > ?",
			consentID, organizationID, kind,
			[]string{string(StatusPending), string(StatusProcessing), string(StatusRetrying)},
			now.Add(-q.dedupWindow),
		).First(&existing).Error
		if err == nil {
			out = recordToJob(existing)
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("queue: dedup lookup: %w", err)
		}
		rec := jobRecord{
			ID:             uuid.NewString(),
			ConsentID:      consentID,
			OrganizationID: organizationID,
			Kind:           kind,
			Status:         string(StatusPending),
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := tx.Create(&rec).Error; err != nil {
			return fmt.Errorf("queue: enqueue: %w", err)
		}
		q.metrics.RecordQueueJob("enqueued")
		out = recordToJob(rec)
		return nil
	})
	return out, err
}

// ReserveBatch atomically moves up to n ready jobs to PROCESSING and returns
// them ordered by creation time. On postgres the selection is skip-locked so
// concurrent workers reserve disjoint batches without blocking.
func (q *Queue) ReserveBatch(ctx context.Context, n int) ([]Job, error) {
	if n <= 0 {
		return nil, nil
	}
	now := q.now().UTC()
	var out []Job
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sel := tx.Where(
			"(status = ? OR (status = ? AND next_retry_at <= ?))",
			string(StatusPending), string(StatusFailed), now,
		).Order("created_at ASC").Limit(n)
		if tx.Dialector.Name() == "postgres" {
			sel = sel.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		var recs []jobRecord
		if err := sel.Find(&recs).Error; err != nil {
			return fmt.Errorf("queue: select batch: %w", err)
		}
		if len(recs) == 0 {
			return nil
		}
		ids := make([]string, len(recs))
		for i, rec := range recs {
			ids[i] = rec.ID
		}
		res := tx.Model(&jobRecord{}).
			Where("id IN ? AND status IN ?", ids, []string{string(StatusPending), string(StatusFailed)}).
			Updates(map[string]any{"status": string(StatusProcessing), "updated_at": now})
		if res.Error != nil {
			return fmt.Errorf("queue: reserve batch: %w", res.Error)
		}
		out = make([]Job, 0, len(recs))
		for _, rec := range recs {
			rec.Status = string(StatusProcessing)
			rec.UpdatedAt = now
			out = append(out, recordToJob(rec))
		}
		return nil
	})
	return out, err
}

// Complete marks the job done.
func (q *Queue) Complete(ctx context.Context, id string) error {
	return q.finish(ctx, id, func(rec *jobRecord, now time.Time) {
		rec.Status = string(StatusCompleted)
		rec.ErrorDetails = ""
		rec.NextRetryAt = nil
		q.metrics.RecordQueueJob("completed")
	})
}

// Fail records a failure. Below the retry threshold the job is rescheduled
// with exponential backoff; at the threshold it is dead-lettered.
func (q *Queue) Fail(ctx context.Context, id string, cause error) error {
	return q.finish(ctx, id, func(rec *jobRecord, now time.Time) {
		rec.RetryCount++
		if cause != nil {
			rec.ErrorDetails = cause.Error()
		}
		if rec.RetryCount >= MaxRetries {
			rec.Status = string(StatusDeadLetter)
			rec.NextRetryAt = nil
			q.metrics.RecordQueueJob("dead_letter")
			return
		}
		next := now.Add(q.retryBase * time.Duration(1<<uint(rec.RetryCount)))
		rec.Status = string(StatusFailed)
		rec.NextRetryAt = &next
		q.metrics.RecordQueueJob("failed")
	})
}

func (q *Queue) finish(ctx context.Context, id string, mutate func(*jobRecord, time.Time)) error {
	now := q.now().UTC()
	return q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec jobRecord
		if err := tx.First(&rec, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrJobNotFound
			}
			return fmt.Errorf("queue: load job: %w", err)
		}
		if Status(rec.Status).Terminal() {
			return nil
		}
		mutate(&rec, now)
		rec.UpdatedAt = now
		if err := tx.Save(&rec).Error; err != nil {
			return fmt.Errorf("queue: update job: %w", err)
		}
		return nil
	})
}

// ReapAbandoned returns leaked PROCESSING jobs to PENDING and dead-letters
// PENDING jobs older than 24 hours. It reports (requeued, deadLettered).
func (q *Queue) ReapAbandoned(ctx context.Context) (int64, int64, error) {
	now := q.now().UTC()
	requeued := q.db.WithContext(ctx).
		Model(&jobRecord{}).
		Where("status = ? AND updated_at < ?", string(StatusProcessing), now.Add(-q.lease)).
		Updates(map[string]any{"status": string(StatusPending), "updated_at": now})
	if requeued.Error != nil {
		return 0, 0, fmt.Errorf("queue: reap processing: %w", requeued.Error)
	}
	buried := q.db.WithContext(ctx).
		Model(&jobRecord{}).
		Where("status = ? AND created_at < ?", string(StatusPending), now.Add(-abandonedPendingAge)).
		Updates(map[string]any{"status": string(StatusDeadLetter), "updated_at": now})
	if buried.Error != nil {
		return 0, 0, fmt.Errorf("queue: reap pending: %w", buried.Error)
	}
	return requeued.RowsAffected, buried.RowsAffected, nil
}

// Get loads one job.
func (q *Queue) Get(ctx context.Context, id string) (Job, error) {
	var rec jobRecord
	if err := q.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Job{}, ErrJobNotFound
		}
		return Job{}, fmt.Errorf("queue: get job: %w", err)
	}
	return recordToJob(rec), nil
}
