package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/tsromanox/openfinance-receptor/consent"
)

// ConsentRepository implements consent.Repository over gorm.
type ConsentRepository struct {
	db *gorm.DB
}

// NewConsentRepository wraps the database handle.
func NewConsentRepository(db *gorm.DB) *ConsentRepository {
	return &ConsentRepository{db: db}
}

// Create persists a new consent.
func (r *ConsentRepository) Create(ctx context.Context, c *consent.Consent) error {
	rec := consentToRecord(c)
	if err := r.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("storage: create consent: %w", err)
	}
	return nil
}

// Get loads a consent by id.
func (r *ConsentRepository) Get(ctx context.Context, consentID string) (*consent.Consent, error) {
	var rec consentRecord
	err := r.db.WithContext(ctx).First(&rec, "consent_id = ?", consentID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, consent.ErrNotFound
		}
		return nil, fmt.Errorf("storage: get consent: %w", err)
	}
	return consentFromRecord(rec), nil
}

// Update compare-and-swaps on the version column. Zero rows affected means
// another writer moved the aggregate first.
func (r *ConsentRepository) Update(ctx context.Context, c *consent.Consent, expectedVersion int64) error {
	rec := consentToRecord(c)
	res := r.db.WithContext(ctx).
		Model(&consentRecord{}).
		Where("consent_id = ? AND version = ?", c.ConsentID, expectedVersion).
		Updates(map[string]any{
			"status":            rec.Status,
			"status_updated_at": rec.StatusUpdatedAt,
			"expires_at":        rec.ExpiresAt,
			"rejection_code":    rec.RejectionCode,
			"rejection_info":    rec.RejectionInfo,
			"version":           rec.Version,
		})
	if res.Error != nil {
		return fmt.Errorf("storage: update consent: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return consent.ErrConcurrencyConflict
	}
	return nil
}

// ListExpired returns authorised consents whose expiry has passed.
func (r *ConsentRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]*consent.Consent, error) {
	var recs []consentRecord
	err := r.db.WithContext(ctx).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at <= ?", string(consent.StatusAuthorised), now).
		Order("expires_at ASC").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("storage: list expired consents: %w", err)
	}
	out := make([]*consent.Consent, len(recs))
	for i, rec := range recs {
		out[i] = consentFromRecord(rec)
	}
	return out, nil
}

// CreateExtension appends one extension record.
func (r *ConsentRepository) CreateExtension(ctx context.Context, ext *consent.Extension) error {
	rec := consentExtensionRecord{
		ConsentID:          ext.ConsentID,
		PreviousExpiresAt:  ext.PreviousExpiresAt,
		ExpiresAt:          ext.ExpiresAt,
		LoggedUserDocument: ext.LoggedUserDocument,
		RequestedAt:        ext.RequestedAt,
	}
	if err := r.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("storage: create extension: %w", err)
	}
	return nil
}

// ListExtensions pages the extension history, newest first.
func (r *ConsentRepository) ListExtensions(ctx context.Context, consentID string, page, pageSize int) ([]*consent.Extension, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 25
	}
	q := r.db.WithContext(ctx).Model(&consentExtensionRecord{}).Where("consent_id = ?", consentID)
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("storage: count extensions: %w", err)
	}
	var recs []consentExtensionRecord
	err := q.Order("requested_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&recs).Error
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list extensions: %w", err)
	}
	out := make([]*consent.Extension, len(recs))
	for i, rec := range recs {
		out[i] = &consent.Extension{
			ConsentID:          rec.ConsentID,
			PreviousExpiresAt:  rec.PreviousExpiresAt,
			ExpiresAt:          rec.ExpiresAt,
			LoggedUserDocument: rec.LoggedUserDocument,
			RequestedAt:        rec.RequestedAt,
		}
	}
	return out, total, nil
}
