package storage

import (
	"strings"
	"time"

	"github.com/tsromanox/openfinance-receptor/account"
	"github.com/tsromanox/openfinance-receptor/consent"
)

type consentRecord struct {
	ConsentID       string `gorm:"primaryKey;column:consent_id"`
	ClientID        string `gorm:"index:idx_consents_client"`
	OrganizationID  string `gorm:"index:idx_consents_org"`
	CustomerID      string
	Permissions     string
	Status          string `gorm:"index:idx_consents_status"`
	CreatedAt       time.Time
	ExpiresAt       *time.Time `gorm:"index:idx_consents_expiry"`
	StatusUpdatedAt time.Time
	RejectionCode   string
	RejectionInfo   string
	Version         int64
}

func (consentRecord) TableName() string { return "consents" }

func consentToRecord(c *consent.Consent) consentRecord {
	perms := make([]string, len(c.Permissions))
	for i, p := range c.Permissions {
		perms[i] = string(p)
	}
	rec := consentRecord{
		ConsentID:       c.ConsentID,
		ClientID:        c.ClientID,
		OrganizationID:  c.OrganizationID,
		CustomerID:      c.CustomerID,
		Permissions:     strings.Join(perms, ","),
		Status:          string(c.Status),
		CreatedAt:       c.CreatedAt,
		ExpiresAt:       c.ExpiresAt,
		StatusUpdatedAt: c.StatusUpdatedAt,
		Version:         c.Version,
	}
	if c.RejectionReason != nil {
		rec.RejectionCode = c.RejectionReason.Code
		rec.RejectionInfo = c.RejectionReason.Info
	}
	return rec
}

func consentFromRecord(rec consentRecord) *consent.Consent {
	var perms []consent.Permission
	for _, p := range strings.Split(rec.Permissions, ",") {
		if p != "" {
			perms = append(perms, consent.Permission(p))
		}
	}
	c := &consent.Consent{
		ConsentID:       rec.ConsentID,
		ClientID:        rec.ClientID,
		OrganizationID:  rec.OrganizationID,
		CustomerID:      rec.CustomerID,
		Permissions:     perms,
		Status:          consent.Status(rec.Status),
		CreatedAt:       rec.CreatedAt,
		ExpiresAt:       rec.ExpiresAt,
		StatusUpdatedAt: rec.StatusUpdatedAt,
		Version:         rec.Version,
	}
	if rec.RejectionCode != "" {
		c.RejectionReason = &consent.RejectionReason{Code: rec.RejectionCode, Info: rec.RejectionInfo}
	}
	return c
}

type consentExtensionRecord struct {
	ID                 uint   `gorm:"primaryKey"`
	ConsentID          string `gorm:"index:idx_extensions_consent"`
	PreviousExpiresAt  *time.Time
	ExpiresAt          *time.Time
	LoggedUserDocument string
	RequestedAt        time.Time
}

func (consentExtensionRecord) TableName() string { return "consent_extensions" }

type accountRecord struct {
	ID             string `gorm:"primaryKey"`
	AccountID      string `gorm:"uniqueIndex:idx_accounts_external"`
	ConsentID      string `gorm:"index:idx_accounts_consent"`
	ClientID       string `gorm:"index:idx_accounts_client"`
	OrganizationID string
	Type           string
	Subtype        string
	CompeCode      string
	BranchCode     string
	Number         string
	CheckDigit     string

	AvailableAmount    string
	BlockedAmount      string
	AutoInvestedAmount string
	BalanceCurrency    string
	BalanceUpdatedAt   *time.Time

	OverdraftContracted string
	OverdraftUsed       string
	OverdraftCurrency   string

	Status          string     `gorm:"index:idx_accounts_sync,priority:1"`
	LastSyncedAt    *time.Time `gorm:"index:idx_accounts_sync,priority:2"`
	LastValidatedAt *time.Time
	LastMonitoredAt *time.Time
	PartitionKey    string `gorm:"index:idx_accounts_partition"`
	UpdatedAt       time.Time
}

func (accountRecord) TableName() string { return "accounts" }

func accountToRecord(a *account.Account) accountRecord {
	rec := accountRecord{
		ID:              a.ID,
		AccountID:       a.AccountID,
		ConsentID:       a.ConsentID,
		ClientID:        a.ClientID,
		OrganizationID:  a.OrganizationID,
		Type:            a.Type,
		Subtype:         a.Subtype,
		CompeCode:       a.Identification.CompeCode,
		BranchCode:      a.Identification.BranchCode,
		Number:          a.Identification.Number,
		CheckDigit:      a.Identification.CheckDigit,
		Status:          string(a.Status),
		LastSyncedAt:    a.LastSyncedAt,
		LastValidatedAt: a.LastValidatedAt,
		LastMonitoredAt: a.LastMonitoredAt,
		PartitionKey:    a.PartitionKey,
	}
	if a.Balance != nil {
		updated := a.Balance.UpdatedAt
		rec.AvailableAmount = a.Balance.AvailableAmount
		rec.BlockedAmount = a.Balance.BlockedAmount
		rec.AutoInvestedAmount = a.Balance.AutoInvestedAmount
		rec.BalanceCurrency = a.Balance.Currency
		rec.BalanceUpdatedAt = &updated
	}
	if a.OverdraftLimit != nil {
		rec.OverdraftContracted = a.OverdraftLimit.ContractedAmount
		rec.OverdraftUsed = a.OverdraftLimit.UsedAmount
		rec.OverdraftCurrency = a.OverdraftLimit.Currency
	}
	return rec
}

func accountFromRecord(rec accountRecord) *account.Account {
	a := &account.Account{
		ID:             rec.ID,
		AccountID:      rec.AccountID,
		ConsentID:      rec.ConsentID,
		ClientID:       rec.ClientID,
		OrganizationID: rec.OrganizationID,
		Type:           rec.Type,
		Subtype:        rec.Subtype,
		Identification: account.Identification{
			CompeCode:  rec.CompeCode,
			BranchCode: rec.BranchCode,
			Number:     rec.Number,
			CheckDigit: rec.CheckDigit,
		},
		Status:          account.Status(rec.Status),
		LastSyncedAt:    rec.LastSyncedAt,
		LastValidatedAt: rec.LastValidatedAt,
		LastMonitoredAt: rec.LastMonitoredAt,
		PartitionKey:    rec.PartitionKey,
	}
	if rec.BalanceUpdatedAt != nil {
		a.Balance = &account.Balance{
			AvailableAmount:    rec.AvailableAmount,
			BlockedAmount:      rec.BlockedAmount,
			AutoInvestedAmount: rec.AutoInvestedAmount,
			Currency:           rec.BalanceCurrency,
			UpdatedAt:          *rec.BalanceUpdatedAt,
		}
	}
	if rec.OverdraftCurrency != "" {
		a.OverdraftLimit = &account.OverdraftLimit{
			ContractedAmount: rec.OverdraftContracted,
			UsedAmount:       rec.OverdraftUsed,
			Currency:         rec.OverdraftCurrency,
		}
	}
	return a
}

type balanceRecord struct {
	ID                 uint   `gorm:"primaryKey"`
	AccountID          string `gorm:"index:idx_balances_account"`
	AvailableAmount    string
	BlockedAmount      string
	AutoInvestedAmount string
	Currency           string
	UpdatedAt          time.Time
	RecordedAt         time.Time
}

func (balanceRecord) TableName() string { return "balance_snapshots" }

type transactionRecord struct {
	ExternalTransactionID string `gorm:"primaryKey;column:external_transaction_id"`
	AccountID             string `gorm:"index:idx_transactions_account"`
	Type                  string
	CreditDebit           string
	Amount                string
	Currency              string
	BookedAt              time.Time
	CounterpartyName      string
	CounterpartyDocument  string
	IngestedAt            time.Time
}

func (transactionRecord) TableName() string { return "transactions" }

func transactionToRecord(tx account.Transaction, ingestedAt time.Time) transactionRecord {
	return transactionRecord{
		ExternalTransactionID: tx.ExternalTransactionID,
		AccountID:             tx.AccountID,
		Type:                  tx.Type,
		CreditDebit:           tx.CreditDebit,
		Amount:                tx.Amount,
		Currency:              tx.Currency,
		BookedAt:              tx.BookedAt,
		CounterpartyName:      tx.CounterpartyName,
		CounterpartyDocument:  tx.CounterpartyDocument,
		IngestedAt:            ingestedAt,
	}
}

func transactionFromRecord(rec transactionRecord) account.Transaction {
	return account.Transaction{
		ExternalTransactionID: rec.ExternalTransactionID,
		AccountID:             rec.AccountID,
		Type:                  rec.Type,
		CreditDebit:           rec.CreditDebit,
		Amount:                rec.Amount,
		Currency:              rec.Currency,
		BookedAt:              rec.BookedAt,
		CounterpartyName:      rec.CounterpartyName,
		CounterpartyDocument:  rec.CounterpartyDocument,
	}
}

type runLockRecord struct {
	Name        string `gorm:"primaryKey"`
	Owner       string
	AcquiredAt  time.Time
	HeartbeatAt time.Time
}

func (runLockRecord) TableName() string { return "run_locks" }
