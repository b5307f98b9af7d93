// Package ledger implements the double-entry ledger: accounts, three-phase
// transactions (prepare / commit / fail), and balance reporting.
//
// Balances move only at commit. A failed transaction leaves every balance
// untouched. The sum of debits must equal the sum of credits for every
// transaction; a mismatch at commit is a bug, not a user error.
package ledger

import (
	"time"
)

// AccountType is the closed set of ledger account kinds.
type AccountType string

const (
	UserReceivable      AccountType = "user_receivable"
	UserPayable         AccountType = "user_payable"
	TaskEscrow          AccountType = "task_escrow"
	PlatformDisputeHold AccountType = "platform_dispute_hold"
	PlatformRevenue     AccountType = "platform_revenue"
	FeeAccount          AccountType = "fee_account"
)

// IsLiability reports whether the account balance is computed as
// credits - debits (liability convention) instead of debits - credits.
func (t AccountType) IsLiability() bool {
	switch t {
	case TaskEscrow, UserPayable, PlatformDisputeHold, PlatformRevenue:
		return true
	}
	return false
}

type Direction string

const (
	Debit  Direction = "debit"
	Credit Direction = "credit"
)

// Status is the transaction lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusExecuting Status = "executing"
	StatusCommitted Status = "committed"
	StatusFailed    Status = "failed"
)

type Account struct {
	ID      string
	OwnerID string
	Type    AccountType
}

type Entry struct {
	AccountID string
	Direction Direction
	Amount    int64 // cents, > 0
}

// EntrySpec names the account by (owner, type); the store resolves or
// creates the account row on first use.
type EntrySpec struct {
	OwnerID   string
	Type      AccountType
	Direction Direction
	Amount    int64
}

// Spec describes a transaction to prepare.
type Spec struct {
	Type           string
	IdempotencyKey string
	Entries        []EntrySpec
}

// Refs are the external processor references learned during execution.
type Refs struct {
	PaymentIntentID string
	ChargeID        string
	TransferID      string
}

type Transaction struct {
	ID             string
	Type           string
	IdempotencyKey string
	Status         Status
	FailureReason  string
	Entries        []Entry
	Refs           Refs
	CreatedAt      time.Time
	CommittedAt    *time.Time
}
