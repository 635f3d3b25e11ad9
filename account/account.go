package account

import (
	"fmt"
	"hash/fnv"
	"time"
)

// Status enumerates the account discovery lifecycle.
type Status string

const (
	StatusDiscovered Status = "DISCOVERED"
	StatusActive     Status = "ACTIVE"
	StatusSuspended  Status = "SUSPENDED"
)

// Identification holds the Brazilian account routing block.
type Identification struct {
	CompeCode  string `json:"compeCode"`
	BranchCode string `json:"branchCode"`
	Number     string `json:"number"`
	CheckDigit string `json:"checkDigit"`
}

// Balance is one snapshot of the monetary position. The account carries the
// most recent one as a materialized view; history is appended per sync.
type Balance struct {
	AvailableAmount    string    `json:"availableAmount"`
	BlockedAmount      string    `json:"blockedAmount"`
	AutoInvestedAmount string    `json:"automaticallyInvestedAmount"`
	Currency           string    `json:"currency"`
	UpdatedAt          time.Time `json:"updateDateTime"`
}

// OverdraftLimit is the optional contracted/used limit block.
type OverdraftLimit struct {
	ContractedAmount string `json:"overdraftContractedLimit"`
	UsedAmount       string `json:"overdraftUsedLimit"`
	Currency         string `json:"currency"`
}

// Account is a data object owned by a customer at a transmitter. It carries
// only the consent id, never a consent pointer; the sync pipeline is the sole
// mutator.
type Account struct {
	ID              string
	AccountID       string
	ConsentID       string
	ClientID        string
	OrganizationID  string
	Type            string
	Subtype         string
	Identification  Identification
	Balance         *Balance
	OverdraftLimit  *OverdraftLimit
	Status          Status
	LastSyncedAt    *time.Time
	LastValidatedAt *time.Time
	LastMonitoredAt *time.Time
	PartitionKey    string
}

// Transaction is immutable once persisted. ExternalTransactionID enforces
// dedup on ingest.
type Transaction struct {
	ExternalTransactionID string
	AccountID             string
	Type                  string
	CreditDebit           string
	Amount                string
	Currency              string
	BookedAt              time.Time
	CounterpartyName      string
	CounterpartyDocument  string
}

const partitionCount = 64

// PartitionKeyFor derives a stable partition from the client id so accounts
// spread evenly across storage partitions.
func PartitionKeyFor(clientID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(clientID))
	return fmt.Sprintf("p%02d", h.Sum32()%partitionCount)
}
