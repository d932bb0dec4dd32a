/*
engine.go - Transaction engine

PURPOSE:
  Applies credits and debits to a balance inside a single atomic unit,
  enforcing the non-negative invariant and producing an immutable
  transaction record.

CRITICAL INVARIANTS:
  1. Balance never goes negative: debits are checked against the held row
  2. Every balance mutation writes exactly one transaction row
  3. Same external event ID = same result (at-most-once webhook application)
  4. Two concurrent Apply calls for one user serialize at the store

WHY NO SEPARATE DEDUPE TABLE?
  The replay check and the write happen inside the same unit, and the unique
  index on external_event_id backs the check up. A pre-check outside the
  transaction boundary would leave a time-of-check/time-of-use gap between
  two concurrent deliveries of the same webhook.
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	defaultMaxAttempts  = 3
	defaultRetryBackoff = 25 * time.Millisecond

	defaultPageSize = 50
	maxPageSize     = 200
)

// Engine is the only writer of balances and transactions.
type Engine struct {
	store Store
	clock Clock

	// Identity, when set, is consulted before any write. Nil skips the check
	// (the ledger then only holds a foreign reference to the user).
	Identity IdentityResolver

	// Events receives post-commit notifications. Defaults to NopEvents.
	Events Events

	// MaxAttempts and RetryBackoff bound the internal retry on storage
	// conflicts before ErrUnavailable is surfaced.
	MaxAttempts  int
	RetryBackoff time.Duration

	Log *logrus.Logger
}

func NewEngine(store Store, clock Clock) *Engine {
	return &Engine{
		store:        store,
		clock:        clock,
		Events:       NopEvents{},
		MaxAttempts:  defaultMaxAttempts,
		RetryBackoff: defaultRetryBackoff,
		Log:          logrus.StandardLogger(),
	}
}

// NewTransactionID mints a ledger-wide unique transaction identifier.
func NewTransactionID() TransactionID {
	return TransactionID(uuid.NewString())
}

// =============================================================================
// APPLY - The single write path
// =============================================================================

// Apply credits or debits a user's balance atomically.
//
// If in.ExternalEventID was already processed, the prior result is returned
// with Replayed=true and nothing is re-applied. Debits that would drive the
// balance negative fail with an InsufficientBalanceError and write nothing.
func (e *Engine) Apply(ctx context.Context, in ApplyInput) (*TransactionResult, error) {
	if in.UserID == "" {
		return nil, fmt.Errorf("apply: missing user id: %w", ErrInvalidAmount)
	}
	if in.Delta == 0 {
		return nil, fmt.Errorf("apply: zero delta for %s: %w", in.UserID, ErrInvalidAmount)
	}
	if in.Reason == "" {
		in.Reason = ReasonAdjustment
	}

	if e.Identity != nil {
		if err := e.Identity.ResolveUser(ctx, in.UserID); err != nil {
			return nil, fmt.Errorf("apply: resolve %s: %w", in.UserID, err)
		}
	}

	var res *TransactionResult
	err := e.retryOnConflict(ctx, func() error {
		var applyErr error
		res, applyErr = e.applyOnce(ctx, in)
		return applyErr
	})
	if err != nil {
		return nil, err
	}

	e.NotifyApplied(res)
	return res, nil
}

// NotifyApplied emits the post-commit events for a transaction applied
// through ApplyInTx. Batch callers that extend the atomic unit themselves
// invoke it once their enclosing unit has committed; replays emit nothing.
func (e *Engine) NotifyApplied(res *TransactionResult) {
	if res == nil || res.Replayed || res.Transaction == nil {
		return
	}
	e.events().TransactionRecorded(*res.Transaction)
	e.events().BalanceChanged(res.Transaction.UserID, res.NewBalance)
}

func (e *Engine) applyOnce(ctx context.Context, in ApplyInput) (*TransactionResult, error) {
	var res *TransactionResult
	err := e.store.WithTx(ctx, func(tx Tx) error {
		var txErr error
		res, txErr = e.ApplyInTx(ctx, tx, in)
		return txErr
	})
	if err == nil {
		return res, nil
	}

	// A uniqueness violation at insert means a concurrent delivery of the
	// same event won the race. Read the winner back and report a replay.
	if in.ExternalEventID != "" && errors.Is(err, ErrDuplicateEvent) {
		return e.priorResult(ctx, in.ExternalEventID)
	}
	return nil, err
}

// ApplyInTx runs the apply logic inside an already-open atomic unit. Batch
// callers (the subscription allocator) use it to extend the unit with their
// own bookkeeping writes.
func (e *Engine) ApplyInTx(ctx context.Context, tx Tx, in ApplyInput) (*TransactionResult, error) {
	if in.ExternalEventID != "" {
		prior, err := tx.FindByExternalEventID(ctx, in.ExternalEventID)
		if err != nil {
			return nil, err
		}
		if prior != nil {
			return &TransactionResult{
				TransactionID: prior.ID,
				NewBalance:    prior.BalanceAfter,
				Replayed:      true,
				Transaction:   prior,
			}, nil
		}
	}

	balance, _, err := tx.BalanceForUpdate(ctx, in.UserID)
	if err != nil {
		return nil, err
	}

	newBalance := balance + in.Delta
	if newBalance < 0 {
		return nil, &InsufficientBalanceError{
			UserID:    in.UserID,
			Balance:   balance,
			Requested: -in.Delta,
		}
	}

	rec := TokenTransaction{
		ID:              NewTransactionID(),
		UserID:          in.UserID,
		Delta:           in.Delta,
		Reason:          in.Reason,
		CreatedAt:       e.clock.Now().UTC(),
		ExpiresAt:       in.ExpiresAt,
		SubscriptionID:  in.SubscriptionID,
		ExternalEventID: in.ExternalEventID,
		BalanceAfter:    newBalance,
		Metadata:        in.Metadata,
	}

	if err := tx.SaveBalance(ctx, in.UserID, newBalance); err != nil {
		return nil, err
	}
	if err := tx.InsertTransaction(ctx, rec); err != nil {
		return nil, err
	}

	return &TransactionResult{
		TransactionID: rec.ID,
		NewBalance:    newBalance,
		Transaction:   &rec,
	}, nil
}

func (e *Engine) priorResult(ctx context.Context, eventID string) (*TransactionResult, error) {
	var prior *TokenTransaction
	err := e.store.WithTx(ctx, func(tx Tx) error {
		var findErr error
		prior, findErr = tx.FindByExternalEventID(ctx, eventID)
		return findErr
	})
	if err != nil {
		return nil, err
	}
	if prior == nil {
		return nil, fmt.Errorf("event %s lost after conflict: %w", eventID, ErrDuplicateEvent)
	}
	return &TransactionResult{
		TransactionID: prior.ID,
		NewBalance:    prior.BalanceAfter,
		Replayed:      true,
		Transaction:   prior,
	}, nil
}

// =============================================================================
// QUERIES
// =============================================================================

// GetBalance returns the user's spendable balance. Users with no ledger
// activity read as zero.
func (e *Engine) GetBalance(ctx context.Context, userID UserID) (int64, error) {
	return e.store.GetBalance(ctx, userID)
}

// ListTransactions returns one statement page, newest first. limit <= 0 uses
// the default page size.
func (e *Engine) ListTransactions(ctx context.Context, userID UserID, cursor string, limit int) (Page, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	return e.store.ListTransactions(ctx, userID, cursor, limit)
}

// =============================================================================
// RETRY - bounded backoff on storage contention
// =============================================================================

func (e *Engine) retryOnConflict(ctx context.Context, fn func() error) error {
	attempts := e.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := e.RetryBackoff

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn()
		if err == nil || !IsRetryable(err) {
			return err
		}
		e.log().WithFields(logrus.Fields{
			"attempt": attempt,
			"error":   err,
		}).Warn("storage conflict, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff * time.Duration(attempt)):
		}
	}
	return fmt.Errorf("retries exhausted: %v: %w", err, ErrUnavailable)
}

func (e *Engine) events() Events {
	if e.Events == nil {
		return NopEvents{}
	}
	return e.Events
}

func (e *Engine) log() *logrus.Logger {
	if e.Log == nil {
		return logrus.StandardLogger()
	}
	return e.Log
}
