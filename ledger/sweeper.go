/*
sweeper.go - Expiration sweep

PURPOSE:
  Recurring job that finds grants past their expiration horizon, reverses
  the unconsumed remainder out of the balance, and records compensating
  entries. Runs daily; idempotent - a second run with no intervening
  activity removes nothing.

FAILURE POLICY:
  Users are processed independently, each in its own atomic unit. A failure
  for one user is logged, recorded in the report, and does not roll back or
  abort the others. The sweeper never holds a lock across the whole batch,
  so spend/credit traffic is not starved while it runs.
*/
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// ReversedExhausted stamps grants whose remainder was fully consumed before
// expiry: nothing to remove, no compensating debit, but the grant must not be
// picked up by the next sweep.
const ReversedExhausted = TransactionID("exhausted")

// SweepReport summarizes one sweep run.
type SweepReport struct {
	// ExpiredCount is the number of grants reversed.
	ExpiredCount int

	// TokensRemoved is the total of all compensating debits.
	TokensRemoved int64

	// UsersAffected counts users whose balance or grants were touched.
	UsersAffected int

	// Failures maps users whose reversal failed to the failure, without
	// affecting the rest of the sweep.
	Failures map[UserID]string
}

// Sweeper reverses expired grants. A scheduled caller of the same store the
// transaction engine writes, sharing its atomic-unit semantics.
type Sweeper struct {
	store Store
	clock Clock

	Events Events
	Log    *logrus.Logger
}

func NewSweeper(store Store, clock Clock) *Sweeper {
	return &Sweeper{
		store:  store,
		clock:  clock,
		Events: NopEvents{},
		Log:    logrus.StandardLogger(),
	}
}

// Sweep reverses the unconsumed remainder of every grant with
// expires_at <= now that has not been reversed yet.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (SweepReport, error) {
	now = now.UTC()
	report := SweepReport{Failures: make(map[UserID]string)}

	users, err := s.store.UsersWithExpired(ctx, now)
	if err != nil {
		return report, fmt.Errorf("sweep: list expired: %w", err)
	}

	for _, userID := range users {
		swept, removed, debits, err := s.sweepUser(ctx, userID, now)
		if err != nil {
			report.Failures[userID] = err.Error()
			s.log().WithFields(logrus.Fields{
				"user":  userID,
				"error": err,
			}).Warn("sweep failed for user, continuing")
			continue
		}
		if swept == 0 {
			continue
		}
		report.ExpiredCount += swept
		report.TokensRemoved += removed
		report.UsersAffected++

		for _, d := range debits {
			s.events().TransactionRecorded(d)
		}
		if len(debits) > 0 {
			s.events().BalanceChanged(userID, debits[len(debits)-1].BalanceAfter)
		}
	}

	s.log().WithFields(logrus.Fields{
		"expired_grants": report.ExpiredCount,
		"tokens_removed": report.TokensRemoved,
		"users_affected": report.UsersAffected,
		"failures":       len(report.Failures),
	}).Info("expiration sweep completed")

	return report, nil
}

// sweepUser reverses all of one user's overdue grants in a single atomic
// unit: compensating debits, balance update and reversal stamps commit
// together or not at all.
func (s *Sweeper) sweepUser(ctx context.Context, userID UserID, now time.Time) (swept int, removed int64, debits []TokenTransaction, err error) {
	err = s.store.WithTx(ctx, func(tx Tx) error {
		history, err := tx.UserTransactions(ctx, userID)
		if err != nil {
			return err
		}

		var overdue []TokenTransaction
		for _, t := range history {
			if t.IsExpirable() && t.ReversedBy == "" && !t.ExpiresAt.After(now) {
				overdue = append(overdue, t)
			}
		}
		if len(overdue) == 0 {
			// Another sweep or a concurrent run got here first.
			return nil
		}

		remainders := unconsumedRemainders(history)

		balance, _, err := tx.BalanceForUpdate(ctx, userID)
		if err != nil {
			return err
		}

		for _, grant := range overdue {
			remainder := min64(remainders[grant.ID], balance)
			if remainder <= 0 {
				if err := tx.MarkReversed(ctx, grant.ID, ReversedExhausted); err != nil {
					return err
				}
				swept++
				continue
			}

			balance -= remainder
			debit := TokenTransaction{
				ID:             NewTransactionID(),
				UserID:         userID,
				Delta:          -remainder,
				Reason:         ReasonExpiration,
				CreatedAt:      s.clock.Now().UTC(),
				SubscriptionID: grant.SubscriptionID,
				BalanceAfter:   balance,
			}
			if err := tx.InsertTransaction(ctx, debit); err != nil {
				return err
			}
			if err := tx.MarkReversed(ctx, grant.ID, debit.ID); err != nil {
				return err
			}
			debits = append(debits, debit)
			removed += remainder
			swept++
		}

		return tx.SaveBalance(ctx, userID, balance)
	})
	if err != nil {
		return 0, 0, nil, err
	}
	return swept, removed, debits, nil
}

func (s *Sweeper) events() Events {
	if s.Events == nil {
		return NopEvents{}
	}
	return s.Events
}

func (s *Sweeper) log() *logrus.Logger {
	if s.Log == nil {
		return logrus.StandardLogger()
	}
	return s.Log
}
