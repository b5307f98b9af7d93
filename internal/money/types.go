// Package money implements the escrow state machine and the three-phase
// saga that coordinates external processor effects with the double-entry
// ledger and the money state lock.
package money

import (
	"encoding/json"
	"time"
)

// State is the escrow state of a task's money state lock.
type State string

const (
	StateInitial        State = "initial"
	StateHeld           State = "held"
	StateReleased       State = "released"
	StateRefunded       State = "refunded"
	StatePartialRefund  State = "partial_refund"
	StateLockedDispute  State = "locked_dispute"
	StatePendingDispute State = "pending_dispute"
	StateUpheld         State = "upheld"
)

// EventType is a money transition event.
type EventType string

const (
	EventHoldEscrow    EventType = "HOLD_ESCROW"
	EventReleasePayout EventType = "RELEASE_PAYOUT"
	EventRefundEscrow  EventType = "REFUND_ESCROW"
	EventForceRefund   EventType = "FORCE_REFUND"
	EventDisputeOpen   EventType = "DISPUTE_OPEN"
	EventResolveRefund EventType = "RESOLVE_REFUND"
	EventResolveUphold EventType = "RESOLVE_UPHOLD"
)

// Role of the actor driving a transition. Transport auth happens upstream;
// the state machine re-checks role against the lock's parties.
type Role string

const (
	RolePoster  Role = "poster"
	RoleHustler Role = "hustler"
	RoleAdmin   Role = "admin"
	RoleSystem  Role = "system" // webhook processors, sweepers
)

// StateLock is the single row that authoritatively represents the escrow
// state of a task. Amount is frozen at creation; version only increases.
type StateLock struct {
	TaskID           string
	State            State
	PosterID         string
	HustlerID        string
	AmountCents      int64
	PaymentIntentID  string
	ChargeID         string
	TransferID       string
	RefundID         string
	Version          int64
	LastTransitionAt time.Time
}

// TransitionContext carries the per-event inputs.
type TransitionContext struct {
	ActorID          string
	Role             Role
	AmountCents      int64 // funding amount (HOLD_ESCROW) or refund override
	PaymentMethodRef string
	DestinationRef   string // hustler's payout destination
	EventTime        time.Time
	PosterID         string // required on HOLD_ESCROW (lock does not exist yet)
	HustlerID        string
	Raw              map[string]interface{} // preserved verbatim in the audit log
}

// Result is the tagged outcome of a handled event.
type Result struct {
	TaskID    string `json:"task_id"`
	State     State  `json:"state"`
	Version   int64  `json:"version"`
	Duplicate bool   `json:"duplicate,omitempty"` // event id was already processed
}

// AuditRow is one append-only record of a transition attempt.
type AuditRow struct {
	TaskID          string
	EventID         string
	EventType       EventType
	PreviousState   State
	NewState        State
	Success         bool
	Detail          string
	PaymentIntentID string
	TransferID      string
	RefundID        string
	Context         json.RawMessage
	CreatedAt       time.Time
}

// DisputeState tracks the dispute row lifecycle.
type DisputeState string

const (
	DisputeOpen        DisputeState = "open"
	DisputeUnderReview DisputeState = "under_review"
	DisputeResolved    DisputeState = "resolved"
)

type Resolution string

const (
	ResolutionNone     Resolution = "none"
	ResolutionRefunded Resolution = "refunded"
	ResolutionUpheld   Resolution = "upheld"
	ResolutionSplit    Resolution = "split"
)

type Dispute struct {
	ID         string
	TaskID     string
	OpenedBy   string
	State      DisputeState
	Resolution Resolution
	CreatedAt  time.Time
	ResolvedAt *time.Time
}
