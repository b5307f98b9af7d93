// Package hxerr defines the stable error taxonomy of the money-flow kernel.
//
// Every failure that crosses the API boundary carries an HX code. Codes are
// stable contract; messages are sanitized for production. Internal detail
// (wrapped cause, request id) never leaves the process when Env=production.
package hxerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation policy (see the retry matrix in
// the monitoring runbook).
type Kind int

const (
	KindInvariant Kind = iota // fail closed, never roll forward
	KindGuard                 // precondition failed, fail closed
	KindTransient             // retry with bounded backoff, eventual DLQ
	KindPermanent             // fail closed, log, DLQ with reason
	KindFrozen                // kill-switch active
	KindConflict              // idempotency / concurrency conflict
	KindNotFound
)

// Error is the kernel's tagged failure type.
type Error struct {
	Code    string // stable wire code, e.g. "HX101"
	Kind    Kind
	Message string // human readable, safe for end users
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// WithCause attaches an underlying cause, preserving code and kind.
func (e *Error) WithCause(err error) *Error {
	return &Error{Code: e.Code, Kind: e.Kind, Message: e.Message, cause: err}
}

// Wrapf returns a copy with extra message context appended.
func (e *Error) Wrapf(format string, args ...interface{}) *Error {
	return &Error{
		Code:    e.Code,
		Kind:    e.Kind,
		Message: e.Message + ": " + fmt.Sprintf(format, args...),
		cause:   e.cause,
	}
}

// HTTPStatus maps the error kind to a transport status code.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindInvariant, KindGuard:
		return http.StatusConflict
	case KindTransient:
		return http.StatusServiceUnavailable
	case KindPermanent:
		return http.StatusBadRequest
	case KindFrozen:
		return http.StatusLocked
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// New creates an ad-hoc taxonomy error. Prefer the predefined vars below.
func New(code string, kind Kind, message string) *Error {
	return &Error{Code: code, Kind: kind, Message: message}
}

// From extracts an *Error from err, or wraps err as HX900 (internal).
func From(err error) *Error {
	var he *Error
	if errors.As(err, &he) {
		return he
	}
	return ErrInternal.WithCause(err)
}

// Predefined errors, grouped by hundred-series.
//
// HX0xx invariant violations, HX1xx money-engine, HX2xx guards,
// HX3xx policy, HX4xx proof, HX5xx verification, HX6xx dispute/admin,
// HX7xx webhook/outbox, HX8xx infra, HX9xx internal.
var (
	ErrTerminalState         = New("HX001", KindInvariant, "escrow is in a terminal state")
	ErrAmountImmutable       = New("HX002", KindInvariant, "escrow amount cannot change after funding")
	ErrXPDoubleAward         = New("HX003", KindInvariant, "xp already awarded for this escrow")
	ErrLedgerImbalance       = New("HX004", KindInvariant, "ledger transaction debits do not equal credits")
	ErrIdempotencyKeyMissing = New("HX010", KindGuard, "IDEMPOTENCY_KEY_REQUIRED")

	ErrInvalidTransition = New("HX101", KindGuard, "invalid escrow transition")
	ErrDuplicateEvent    = New("HX102", KindConflict, "event already processed")
	ErrStaleEvent        = New("HX103", KindGuard, "event is older than the last committed transition")
	ErrAmountMismatch    = New("HX104", KindGuard, "amount does not match escrow")
	ErrLeaseBusy         = New("HX105", KindConflict, "resource is locked by another operation")

	ErrTaskNotCompleted = New("HX201", KindGuard, "task has not reached a releasable state")
	ErrActiveDispute    = New("HX202", KindGuard, "an active dispute blocks this operation")
	ErrNotAuthorized    = New("HX210", KindGuard, "actor is not permitted to perform this transition")

	ErrPolicyBlocked = New("HX301", KindGuard, "payout blocked by trust policy")
	ErrShadowBanned  = New("HX302", KindGuard, "account is not eligible for payouts")

	ErrProofTransition = New("HX401", KindGuard, "invalid proof transition")
	ErrProofLocked     = New("HX402", KindInvariant, "proof record is locked")
	ErrProofLimit      = New("HX403", KindGuard, "proof request limit reached for task")
	ErrProofHashReuse  = New("HX404", KindGuard, "file hash already bound to another task")

	ErrCodeExpired    = New("HX501", KindGuard, "verification code expired")
	ErrCodeMismatch   = New("HX502", KindGuard, "verification code does not match")
	ErrAttemptsLocked = New("HX503", KindGuard, "too many verification attempts")
	ErrRateLimited    = New("HX504", KindGuard, "rate limit exceeded")

	ErrConflictOfInterest = New("HX601", KindGuard, "admin is a party to this task")
	ErrDisputeState       = New("HX602", KindGuard, "dispute is not in a resolvable state")

	ErrUnknownWebhook = New("HX701", KindPermanent, "unknown webhook event type")
	ErrBadSignature   = New("HX702", KindPermanent, "webhook signature verification failed")
	ErrAlreadyClaimed = New("HX703", KindConflict, "event already claimed")

	ErrFrozen           = New("HX801", KindFrozen, "platform is frozen by kill-switch")
	ErrProcessorTimeout = New("HX802", KindTransient, "payment processor timed out")
	ErrProcessorReject  = New("HX803", KindPermanent, "payment processor rejected the request")
	ErrStorage          = New("HX804", KindTransient, "storage unavailable")

	ErrInternal = New("HX900", KindPermanent, "internal error")
	ErrNotFound = New("HX905", KindNotFound, "not found")
)

// Is reports whether err carries the given taxonomy error's code.
func Is(err error, target *Error) bool {
	var he *Error
	if errors.As(err, &he) {
		return he.Code == target.Code
	}
	return false
}
