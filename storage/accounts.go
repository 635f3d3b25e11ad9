package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tsromanox/openfinance-receptor/account"
)

// ErrAccountNotFound is returned when the account does not exist.
var ErrAccountNotFound = errors.New("storage: account not found")

// AccountRepository persists accounts, balance history, and transactions.
// The sync pipeline is the only writer.
type AccountRepository struct {
	db  *gorm.DB
	now func() time.Time
}

// NewAccountRepository wraps the database handle.
func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db, now: time.Now}
}

// Get loads an account by internal id.
func (r *AccountRepository) Get(ctx context.Context, id string) (*account.Account, error) {
	var rec accountRecord
	err := r.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("storage: get account: %w", err)
	}
	return accountFromRecord(rec), nil
}

// Save upserts the account keyed by the external account id.
func (r *AccountRepository) Save(ctx context.Context, a *account.Account) error {
	if a.PartitionKey == "" {
		a.PartitionKey = account.PartitionKeyFor(a.ClientID)
	}
	rec := accountToRecord(a)
	rec.UpdatedAt = r.now().UTC()
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account_id"}},
			UpdateAll: true,
		}).
		Create(&rec).Error
	if err != nil {
		return fmt.Errorf("storage: save account: %w", err)
	}
	return nil
}

// AppendBalance stores one balance snapshot in the history table and updates
// the account's materialized view.
func (r *AccountRepository) AppendBalance(ctx context.Context, accountID string, b account.Balance) error {
	now := r.now().UTC()
	rec := balanceRecord{
		AccountID:          accountID,
		AvailableAmount:    b.AvailableAmount,
		BlockedAmount:      b.BlockedAmount,
		AutoInvestedAmount: b.AutoInvestedAmount,
		Currency:           b.Currency,
		UpdatedAt:          b.UpdatedAt,
		RecordedAt:         now,
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&rec).Error; err != nil {
			return fmt.Errorf("storage: append balance: %w", err)
		}
		updated := b.UpdatedAt
		res := tx.Model(&accountRecord{}).
			Where("account_id = ?", accountID).
			Updates(map[string]any{
				"available_amount":     b.AvailableAmount,
				"blocked_amount":       b.BlockedAmount,
				"auto_invested_amount": b.AutoInvestedAmount,
				"balance_currency":     b.Currency,
				"balance_updated_at":   &updated,
				"updated_at":           now,
			})
		if res.Error != nil {
			return fmt.Errorf("storage: update balance view: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrAccountNotFound
		}
		return nil
	})
}

// InsertTransactions stores transactions, silently skipping ones already
// ingested. Returns the number of new rows.
func (r *AccountRepository) InsertTransactions(ctx context.Context, txs []account.Transaction) (int, error) {
	if len(txs) == 0 {
		return 0, nil
	}
	now := r.now().UTC()
	recs := make([]transactionRecord, len(txs))
	for i, tx := range txs {
		recs[i] = transactionToRecord(tx, now)
	}
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&recs)
	if res.Error != nil {
		return 0, fmt.Errorf("storage: insert transactions: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

// ListTransactions returns an account's transactions ordered by booking time.
func (r *AccountRepository) ListTransactions(ctx context.Context, accountID string, from, to time.Time, limit int) ([]account.Transaction, error) {
	var recs []transactionRecord
	q := r.db.WithContext(ctx).Where("account_id = ?", accountID)
	if !from.IsZero() {
		q = q.Where("booked_at >= ?", from)
	}
	if !to.IsZero() {
		q = q.Where("booked_at <= ?", to)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Order("booked_at ASC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("storage: list transactions: %w", err)
	}
	out := make([]account.Transaction, len(recs))
	for i, rec := range recs {
		out[i] = transactionFromRecord(rec)
	}
	return out, nil
}

// FindForUpdate selects the next page of stale active accounts ordered by
// staleness. Accounts never synced sort first.
func (r *AccountRepository) FindForUpdate(ctx context.Context, staleBefore time.Time, limit int) ([]*account.Account, error) {
	var recs []accountRecord
	err := r.db.WithContext(ctx).
		Where("status = ? AND (last_synced_at IS NULL OR last_synced_at < ?)", string(account.StatusActive), staleBefore).
		Order("last_synced_at ASC").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("storage: find accounts for update: %w", err)
	}
	out := make([]*account.Account, len(recs))
	for i, rec := range recs {
		out[i] = accountFromRecord(rec)
	}
	return out, nil
}

// FindByConsent lists every account discovered under the consent.
func (r *AccountRepository) FindByConsent(ctx context.Context, consentID string) ([]*account.Account, error) {
	var recs []accountRecord
	err := r.db.WithContext(ctx).
		Where("consent_id = ?", consentID).
		Order("account_id ASC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("storage: find accounts by consent: %w", err)
	}
	out := make([]*account.Account, len(recs))
	for i, rec := range recs {
		out[i] = accountFromRecord(rec)
	}
	return out, nil
}

// MarkSynced stamps the account's last successful sync.
func (r *AccountRepository) MarkSynced(ctx context.Context, accountID string, at time.Time) error {
	res := r.db.WithContext(ctx).
		Model(&accountRecord{}).
		Where("account_id = ?", accountID).
		Updates(map[string]any{"last_synced_at": at.UTC(), "updated_at": r.now().UTC()})
	if res.Error != nil {
		return fmt.Errorf("storage: mark synced: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrAccountNotFound
	}
	return nil
}
