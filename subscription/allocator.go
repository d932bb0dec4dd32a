/*
allocator.go - Monthly allowance allocation

PURPOSE:
  Grants each active subscription its monthly allowance exactly once per
  billing period. Idempotent: re-invoking within the same period is a no-op,
  and the grant itself carries a deterministic external event ID so even a
  crash between the grant and the bookkeeping update cannot double-allocate.

CARRY-OVER:
  Allowance tokens expire at the end of the FOLLOWING billing period: unused
  tokens remain spendable across exactly one additional cycle before the
  sweeper reverses them.
*/
package subscription

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/chatforge/tokenledger/ledger"
)

// AllocationResult reports the outcome of one Allocate call.
type AllocationResult struct {
	SubscriptionID ledger.SubscriptionID

	// Allocated is false for idempotent no-ops (already allocated, or the
	// subscription is not active).
	Allocated bool

	Tokens        int64
	ExpiresAt     time.Time
	TransactionID ledger.TransactionID
	NewBalance    int64
}

// Allocator computes and grants monthly allowances through the transaction
// engine. Stateless; safe to invoke from cron, a leader-elected job, or an
// admin endpoint.
type Allocator struct {
	store  Store
	engine *ledger.Engine
	clock  ledger.Clock

	Log *logrus.Logger
}

func NewAllocator(store Store, engine *ledger.Engine, clock ledger.Clock) *Allocator {
	return &Allocator{
		store:  store,
		engine: engine,
		clock:  clock,
		Log:    logrus.StandardLogger(),
	}
}

// Allocate grants the current period's allowance for one subscription.
// Invoked once per billing period, or idempotently re-invoked.
func (a *Allocator) Allocate(ctx context.Context, id ledger.SubscriptionID) (AllocationResult, error) {
	result := AllocationResult{SubscriptionID: id}
	var applied *ledger.TransactionResult

	err := a.store.WithSubscriptionTx(ctx, func(tx Tx) error {
		sub, err := tx.SubscriptionForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if sub == nil {
			return fmt.Errorf("allocate %s: %w", id, ledger.ErrSubscriptionNotFound)
		}
		if sub.Status != StatusActive {
			return nil
		}

		now := a.clock.Now().UTC()

		// Roll contiguous periods forward until the current one contains now.
		rolled := false
		for !now.Before(sub.PeriodEnd) {
			sub.AdvancePeriod()
			rolled = true
		}

		if sub.AllocatedInCurrentPeriod() {
			if rolled {
				sub.UpdatedAt = now
				return tx.SaveSubscription(ctx, sub)
			}
			return nil
		}

		expiry := sub.GrantExpiry()
		res, err := a.engine.ApplyInTx(ctx, tx, ledger.ApplyInput{
			UserID:          sub.UserID,
			Delta:           sub.MonthlyAllowance,
			Reason:          ledger.ReasonSubscriptionAllocation,
			ExpiresAt:       &expiry,
			SubscriptionID:  sub.ID,
			ExternalEventID: allocationEventID(sub),
		})
		if err != nil {
			return err
		}

		sub.AllocatedThisPeriod += sub.MonthlyAllowance
		sub.LastAllocationAt = &now
		sub.UpdatedAt = now
		if err := tx.SaveSubscription(ctx, sub); err != nil {
			return err
		}

		applied = res
		result.Allocated = !res.Replayed
		result.Tokens = sub.MonthlyAllowance
		result.ExpiresAt = expiry
		result.TransactionID = res.TransactionID
		result.NewBalance = res.NewBalance
		return nil
	})
	if err != nil {
		return result, err
	}

	// The grant is committed; notify events consumers the same way a direct
	// Apply would have.
	a.engine.NotifyApplied(applied)

	if result.Allocated {
		a.log().WithFields(logrus.Fields{
			"subscription": id,
			"tokens":       result.Tokens,
			"expires_at":   result.ExpiresAt,
		}).Info("monthly allowance allocated")
	}
	return result, nil
}

// allocationEventID is deterministic per subscription and period, so a grant
// that committed before a crash is recognized as already applied.
func allocationEventID(sub *Subscription) string {
	return fmt.Sprintf("allocation:%s:%s", sub.ID, sub.PeriodStart.UTC().Format(time.RFC3339))
}

func (a *Allocator) log() *logrus.Logger {
	if a.Log == nil {
		return logrus.StandardLogger()
	}
	return a.Log
}
