/*
Package ledger provides the token ledger and entitlement engine.

PURPOSE:
  This package contains the core types and algorithms for tracking spendable
  token balances. Every credit and debit is recorded as an immutable
  transaction; the balance row is mutated exclusively by the transaction
  engine inside a single atomic unit, so balance and transaction log can
  never disagree.

KEY CONCEPTS IN THIS FILE (types.go):
  - TokenTransaction: An immutable ledger entry recording a balance change
  - ApplyInput / TransactionResult: The engine's command contract
  - Events: Hook for balance-changed / transaction-recorded notifications
  - User/Transaction/Subscription IDs: Type-safe identifiers

DESIGN PRINCIPLES:
  1. Immutability: Transactions are never modified, only reversed
  2. Auditability: Every balance change has a reason, timestamps, provenance
  3. Idempotency: External event IDs are unique per transaction, enforced
     by the storage layer

SEE ALSO:
  - engine.go: Transaction engine applying credits/debits atomically
  - sweeper.go: Expiration sweep reversing stale grants
  - store.go: Persistence interfaces
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type TransactionID string
type SubscriptionID string

// =============================================================================
// TRANSACTION REASONS
// =============================================================================

const (
	// ReasonPurchase marks permanent tokens bought via the payment provider.
	ReasonPurchase = "purchase"

	// ReasonRefund marks tokens removed after a payment-provider refund.
	ReasonRefund = "refund"

	// ReasonSpend marks tokens consumed by the chat-billing caller.
	ReasonSpend = "spend"

	// ReasonSubscriptionAllocation marks a monthly allowance grant.
	ReasonSubscriptionAllocation = "subscription_allocation"

	// ReasonExpiration marks the compensating debit the sweeper emits when a
	// grant ages out with an unconsumed remainder.
	ReasonExpiration = "expiration"

	// ReasonAdjustment marks a manual admin correction.
	ReasonAdjustment = "adjustment"
)

// =============================================================================
// TOKEN TRANSACTION - Immutable ledger entry
// =============================================================================

// TokenTransaction records one balance change. Rows are append-only; the only
// permitted update is stamping ReversedBy when the sweeper reverses a grant.
type TokenTransaction struct {
	ID     TransactionID
	UserID UserID

	// Delta is positive for credits and negative for debits.
	Delta  int64
	Reason string

	CreatedAt time.Time

	// ExpiresAt is nil for permanent (purchased) tokens and set for
	// subscription/promotional grants.
	ExpiresAt *time.Time

	// SubscriptionID links allocation grants to their billing relationship.
	SubscriptionID SubscriptionID

	// ExternalEventID is the provider-supplied idempotency key. Unique across
	// all transactions when present.
	ExternalEventID string

	// ReversedBy references the compensating expiration debit once this grant
	// has been swept. Empty while the grant is still active.
	ReversedBy TransactionID

	// BalanceAfter is the user's balance immediately after this transaction
	// committed. Stamped so idempotent replays can return the prior result.
	BalanceAfter int64

	Metadata map[string]string
}

// IsGrant reports whether the transaction is a credit that can be consumed.
func (t TokenTransaction) IsGrant() bool { return t.Delta > 0 }

// IsExpirable reports whether the grant carries an expiration horizon.
func (t TokenTransaction) IsExpirable() bool { return t.Delta > 0 && t.ExpiresAt != nil }

// =============================================================================
// ENGINE CONTRACT
// =============================================================================

// ApplyInput is the command accepted by Engine.Apply.
type ApplyInput struct {
	UserID UserID

	// Delta may be positive (credit) or negative (debit).
	Delta  int64
	Reason string

	// ExpiresAt tags the grant with an expiration horizon. Nil = permanent.
	ExpiresAt *time.Time

	// SubscriptionID records allocation provenance. Optional.
	SubscriptionID SubscriptionID

	// ExternalEventID deduplicates externally triggered credits/debits.
	// Optional; when set, a replay returns the prior result.
	ExternalEventID string

	Metadata map[string]string
}

// TransactionResult is returned by a successful (or replayed) Apply.
type TransactionResult struct {
	TransactionID TransactionID
	NewBalance    int64

	// Replayed is true when the external event was already processed and the
	// original outcome was returned without re-applying.
	Replayed bool

	// Transaction is the stored ledger row (the prior row on a replay).
	// Events are emitted from it so they carry the exact persisted record.
	Transaction *TokenTransaction
}

// Page is one page of a user's transaction history, newest first.
type Page struct {
	Transactions []TokenTransaction

	// NextCursor is passed to the next ListTransactions call. Empty when the
	// history is exhausted.
	NextCursor string
}

// =============================================================================
// COLLABORATOR INTERFACES
// =============================================================================

// IdentityResolver is the identity subsystem consulted before a write.
// Implementations return ErrUserNotFound for unknown users.
type IdentityResolver interface {
	ResolveUser(ctx context.Context, id UserID) error
}

// Events receives notifications after a transaction commits. Callers outside
// this package own user-facing notification; the engine only emits.
type Events interface {
	TransactionRecorded(tx TokenTransaction)
	BalanceChanged(userID UserID, newBalance int64)
}

// NopEvents is the default Events sink.
type NopEvents struct{}

func (NopEvents) TransactionRecorded(TokenTransaction) {}
func (NopEvents) BalanceChanged(UserID, int64)         {}
