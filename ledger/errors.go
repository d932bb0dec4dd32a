/*
errors.go - Centralized error types for the ledger engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers match with errors.Is / errors.As; domain packages wrap these
  with additional context.

ERROR CATEGORIES:
  1. Client errors - rejected commands (insufficient balance, bad amounts)
  2. Idempotency - duplicate external events (not an error to webhook callers)
  3. Storage errors - transient contention, surfaced as Unavailable after
     the retry budget is exhausted
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInsufficientBalance is returned when a debit exceeds the current
	// balance. The caller recovers by denying the spend.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrDuplicateEvent marks an external event that was already applied.
	// The engine resolves it internally and returns the prior result; it only
	// escapes when the prior transaction cannot be read back.
	ErrDuplicateEvent = errors.New("duplicate external event")

	// ErrUserNotFound is returned when the identity subsystem does not know
	// the user. Fatal to the request.
	ErrUserNotFound = errors.New("user not found")

	// ErrSubscriptionNotFound is returned for an unknown subscription ID.
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrStorageConflict indicates transient lock contention in the store.
	// Retried internally with bounded backoff before surfacing ErrUnavailable.
	ErrStorageConflict = errors.New("storage conflict")

	// ErrUnavailable is surfaced after the conflict retry budget is spent.
	// The caller must treat the outcome as unknown.
	ErrUnavailable = errors.New("ledger unavailable")

	// ErrInvalidAmount is returned for zero deltas, non-positive token counts
	// on payment events, and negative monetary amounts.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidTransition is returned when a subscription status change is
	// not allowed by the lifecycle state machine.
	ErrInvalidTransition = errors.New("invalid subscription transition")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError details a rejected debit.
type InsufficientBalanceError struct {
	UserID    UserID
	Balance   int64
	Requested int64 // absolute value of the attempted debit
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for %s: have %d, requested %d",
		e.UserID, e.Balance, e.Requested)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// Shortfall is the amount the debit exceeded the balance by.
func (e *InsufficientBalanceError) Shortfall() int64 { return e.Requested - e.Balance }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageConflict)
}

// IsClientError returns true if the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidTransition)
}

// IsNotFound returns true if the error indicates a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrUserNotFound) ||
		errors.Is(err, ErrSubscriptionNotFound)
}
