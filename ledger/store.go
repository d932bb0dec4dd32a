/*
store.go - Persistence interfaces for balances and transactions

PURPOSE:
  Defines the boundary between the engine and the database. The store owns
  the two shared mutable resources in the whole system: the balance row and
  the unique index on external_event_id. Everything else is append-only.

ATOMICITY CONTRACT:
  Tx methods are only valid inside WithTx. An Apply call performs the balance
  check, balance update and transaction insert in one WithTx unit so both are
  written or neither is. Implementations must hold the balance row exclusively
  for the duration of the unit (row lock, full-store mutex, or an optimistic
  version retry surfacing ErrStorageConflict).

IDEMPOTENCY CONTRACT:
  InsertTransaction must map a storage-level uniqueness violation on
  external_event_id to ErrDuplicateEvent. The unique index - not application
  code - is the enforcement point, closing the race between two concurrent
  deliveries of the same webhook.

IMPLEMENTATIONS:
  - store/sqlite: production SQLite store
  - ledger/store: in-memory store for tests and demos
*/
package ledger

import (
	"context"
	"time"
)

// Store is the durable home of balances and the transaction log.
type Store interface {
	// WithTx executes fn within one atomic unit. If fn returns an error the
	// unit is rolled back; transient contention surfaces as ErrStorageConflict.
	WithTx(ctx context.Context, fn func(Tx) error) error

	// GetBalance returns the user's current balance. Users without a balance
	// row read as zero.
	GetBalance(ctx context.Context, userID UserID) (int64, error)

	// ListTransactions returns one page of the user's history, newest first.
	// An empty cursor starts from the most recent transaction.
	ListTransactions(ctx context.Context, userID UserID, cursor string, limit int) (Page, error)

	// UsersWithExpired returns the users holding grants past their expiration
	// that have not been reversed yet, for the sweeper to iterate.
	UsersWithExpired(ctx context.Context, now time.Time) ([]UserID, error)
}

// Tx exposes the operations valid inside one atomic unit.
type Tx interface {
	// BalanceForUpdate reads the user's balance with the row held for the
	// remainder of the unit. exists is false when no row was created yet.
	BalanceForUpdate(ctx context.Context, userID UserID) (balance int64, exists bool, err error)

	// SaveBalance upserts the balance row. Created lazily on first credit.
	SaveBalance(ctx context.Context, userID UserID, balance int64) error

	// InsertTransaction appends one ledger entry. Returns ErrDuplicateEvent
	// when the external event ID already exists.
	InsertTransaction(ctx context.Context, tx TokenTransaction) error

	// FindByExternalEventID returns the transaction recorded for the event,
	// or nil when the event has not been processed.
	FindByExternalEventID(ctx context.Context, eventID string) (*TokenTransaction, error)

	// UserTransactions returns the user's full history in append order. The
	// sweeper's FIFO replay depends on this ordering being stable.
	UserTransactions(ctx context.Context, userID UserID) ([]TokenTransaction, error)

	// MarkReversed stamps the grant's reversal reference so the sweeper never
	// reprocesses it. The only permitted update to a transaction row.
	MarkReversed(ctx context.Context, grantID, reversalID TransactionID) error
}
