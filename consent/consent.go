package consent

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status enumerates the lifecycle states of a consent.
type Status string

const (
	StatusAwaitingAuthorisation Status = "AWAITING_AUTHORISATION"
	StatusAuthorised            Status = "AUTHORISED"
	StatusRejected              Status = "REJECTED"
	StatusConsumed              Status = "CONSUMED"
	StatusRevoked               Status = "REVOKED"
	StatusExpired               Status = "EXPIRED"
)

// Terminal reports whether no further transition may leave the status.
func (s Status) Terminal() bool {
	switch s {
	case StatusRejected, StatusRevoked, StatusExpired:
		return true
	}
	return false
}

// Permission identifies one data-category scope from the Open Finance Brasil
// catalogue. The set is closed: unknown values are rejected at the boundary.
type Permission string

const (
	PermAccountsRead               Permission = "ACCOUNTS_READ"
	PermAccountsBalancesRead       Permission = "ACCOUNTS_BALANCES_READ"
	PermAccountsTransactionsRead   Permission = "ACCOUNTS_TRANSACTIONS_READ"
	PermAccountsOverdraftRead      Permission = "ACCOUNTS_OVERDRAFT_LIMITS_READ"
	PermCreditCardsAccountsRead    Permission = "CREDIT_CARDS_ACCOUNTS_READ"
	PermCreditCardsBillsRead       Permission = "CREDIT_CARDS_ACCOUNTS_BILLS_READ"
	PermCreditCardsLimitsRead      Permission = "CREDIT_CARDS_ACCOUNTS_LIMITS_READ"
	PermCreditCardsTxRead          Permission = "CREDIT_CARDS_ACCOUNTS_TRANSACTIONS_READ"
	PermLoansRead                  Permission = "LOANS_READ"
	PermLoansWarrantiesRead        Permission = "LOANS_WARRANTIES_READ"
	PermLoansPaymentsRead          Permission = "LOANS_PAYMENTS_READ"
	PermLoansScheduledInstalsRead  Permission = "LOANS_SCHEDULED_INSTALMENTS_READ"
	PermFinancingsRead             Permission = "FINANCINGS_READ"
	PermFinancingsWarrantiesRead   Permission = "FINANCINGS_WARRANTIES_READ"
	PermFinancingsPaymentsRead     Permission = "FINANCINGS_PAYMENTS_READ"
	PermInvoiceFinancingsRead      Permission = "INVOICE_FINANCINGS_READ"
	PermUnarrangedOverdraftRead    Permission = "UNARRANGED_ACCOUNTS_OVERDRAFT_READ"
	PermResourcesRead              Permission = "RESOURCES_READ"
	PermCustomersPersonalIdentRead Permission = "CUSTOMERS_PERSONAL_IDENTIFICATIONS_READ"
	PermCustomersBusinessIdentRead Permission = "CUSTOMERS_BUSINESS_IDENTIFICATIONS_READ"
)

var permissionCatalogue = map[Permission]struct{}{
	PermAccountsRead:               {},
	PermAccountsBalancesRead:       {},
	PermAccountsTransactionsRead:   {},
	PermAccountsOverdraftRead:      {},
	PermCreditCardsAccountsRead:    {},
	PermCreditCardsBillsRead:       {},
	PermCreditCardsLimitsRead:      {},
	PermCreditCardsTxRead:          {},
	PermLoansRead:                  {},
	PermLoansWarrantiesRead:        {},
	PermLoansPaymentsRead:          {},
	PermLoansScheduledInstalsRead:  {},
	PermFinancingsRead:             {},
	PermFinancingsWarrantiesRead:   {},
	PermFinancingsPaymentsRead:     {},
	PermInvoiceFinancingsRead:      {},
	PermUnarrangedOverdraftRead:    {},
	PermResourcesRead:              {},
	PermCustomersPersonalIdentRead: {},
	PermCustomersBusinessIdentRead: {},
}

// KnownPermission reports whether the permission belongs to the catalogue.
func KnownPermission(p Permission) bool {
	_, ok := permissionCatalogue[p]
	return ok
}

// RejectionReason records why a consent was rejected or revoked.
type RejectionReason struct {
	Code string `json:"code"`
	Info string `json:"info,omitempty"`
}

// Consent is the aggregate gating every outbound data fetch. The permission
// set is immutable after creation; status moves only through Apply.
type Consent struct {
	ConsentID       string
	ClientID        string
	OrganizationID  string
	CustomerID      string
	Permissions     []Permission
	Status          Status
	CreatedAt       time.Time
	ExpiresAt       *time.Time
	StatusUpdatedAt time.Time
	RejectionReason *RejectionReason
	Version         int64
}

// New creates a consent in AWAITING_AUTHORISATION and returns it together
// with the ConsentCreated event.
func New(clientID, organizationID, customerID string, permissions []Permission, expiresAt *time.Time, now time.Time) (*Consent, Event, error) {
	if strings.TrimSpace(clientID) == "" {
		return nil, Event{}, &ValidationError{Field: "clientId", Reason: "required"}
	}
	if strings.TrimSpace(organizationID) == "" {
		return nil, Event{}, &ValidationError{Field: "organizationId", Reason: "required"}
	}
	if len(permissions) == 0 {
		return nil, Event{}, &ValidationError{Field: "permissions", Reason: "at least one permission required"}
	}
	seen := make(map[Permission]struct{}, len(permissions))
	perms := make([]Permission, 0, len(permissions))
	for _, p := range permissions {
		if !KnownPermission(p) {
			return nil, Event{}, &ValidationError{Field: "permissions", Reason: fmt.Sprintf("unknown permission %q", p)}
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		perms = append(perms, p)
	}
	if expiresAt != nil && !expiresAt.After(now) {
		return nil, Event{}, &ValidationError{Field: "expirationDateTime", Reason: "must be in the future"}
	}
	c := &Consent{
		ConsentID:       NewConsentID(),
		ClientID:        strings.TrimSpace(clientID),
		OrganizationID:  strings.TrimSpace(organizationID),
		CustomerID:      strings.TrimSpace(customerID),
		Permissions:     perms,
		Status:          StatusAwaitingAuthorisation,
		CreatedAt:       now.UTC(),
		ExpiresAt:       expiresAt,
		StatusUpdatedAt: now.UTC(),
		Version:         1,
	}
	return c, newEvent(EventConsentCreated, c.ConsentID, now), nil
}

// NewConsentID mints an opaque consent URN.
func NewConsentID() string {
	return "urn:receptor:consent:" + uuid.NewString()
}

// Active reports whether the consent currently gates data fetches: it must be
// AUTHORISED and, when an expiry is set, the expiry must be in the future.
func (c *Consent) Active(now time.Time) bool {
	if c == nil || c.Status != StatusAuthorised {
		return false
	}
	if c.ExpiresAt != nil && !c.ExpiresAt.After(now) {
		return false
	}
	return true
}

// HasPermission reports whether the consent grants the permission.
func (c *Consent) HasPermission(p Permission) bool {
	for _, granted := range c.Permissions {
		if granted == p {
			return true
		}
	}
	return false
}
