/*
service.go - Subscription lifecycle operations

PURPOSE:
  Applies payment-provider lifecycle events (established, canceled, payment
  failed, payment recovered) to subscription rows, and sweeps past_due
  subscriptions whose grace window elapsed.
*/
package subscription

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/chatforge/tokenledger/ledger"
)

// DefaultGracePeriod is how long a past_due subscription may linger before
// the grace sweep cancels it.
const DefaultGracePeriod = 14 * 24 * time.Hour

// Service owns subscription lifecycle transitions.
type Service struct {
	store Store
	clock ledger.Clock

	GracePeriod time.Duration
	Log         *logrus.Logger
}

func NewService(store Store, clock ledger.Clock) *Service {
	return &Service{
		store:       store,
		clock:       clock,
		GracePeriod: DefaultGracePeriod,
		Log:         logrus.StandardLogger(),
	}
}

// Create establishes a new active subscription with a monthly billing period
// anchored at periodStart.
func (s *Service) Create(ctx context.Context, userID ledger.UserID, externalID, planTier string, monthlyAllowance int64, periodStart time.Time) (*Subscription, error) {
	if monthlyAllowance <= 0 {
		return nil, fmt.Errorf("create subscription for %s: allowance %d: %w",
			userID, monthlyAllowance, ledger.ErrInvalidAmount)
	}

	now := s.clock.Now().UTC()
	periodStart = periodStart.UTC()
	sub := &Subscription{
		ID:                     ledger.SubscriptionID(uuid.NewString()),
		UserID:                 userID,
		ExternalSubscriptionID: externalID,
		PlanTier:               planTier,
		Status:                 StatusActive,
		PeriodStart:            periodStart,
		PeriodEnd:              periodStart.AddDate(0, 1, 0),
		MonthlyAllowance:       monthlyAllowance,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if err := s.store.SaveSubscription(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// Cancel terminates the subscription (caller request or provider event).
func (s *Service) Cancel(ctx context.Context, id ledger.SubscriptionID) error {
	return s.transition(ctx, id, func(sub *Subscription, now time.Time) error {
		return sub.Cancel(now)
	})
}

// MarkPastDue records a payment failure.
func (s *Service) MarkPastDue(ctx context.Context, id ledger.SubscriptionID) error {
	return s.transition(ctx, id, func(sub *Subscription, now time.Time) error {
		return sub.MarkPastDue(now)
	})
}

// RecoverPayment returns a past_due subscription to active.
func (s *Service) RecoverPayment(ctx context.Context, id ledger.SubscriptionID) error {
	return s.transition(ctx, id, func(sub *Subscription, _ time.Time) error {
		return sub.RecoverPayment()
	})
}

func (s *Service) transition(ctx context.Context, id ledger.SubscriptionID, apply func(*Subscription, time.Time) error) error {
	return s.store.WithSubscriptionTx(ctx, func(tx Tx) error {
		sub, err := tx.SubscriptionForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if sub == nil {
			return fmt.Errorf("subscription %s: %w", id, ledger.ErrSubscriptionNotFound)
		}
		now := s.clock.Now().UTC()
		if err := apply(sub, now); err != nil {
			return err
		}
		sub.UpdatedAt = now
		return tx.SaveSubscription(ctx, sub)
	})
}

// ExpireGrace cancels every past_due subscription whose grace window elapsed.
// Returns how many were canceled; failures are isolated per subscription.
func (s *Service) ExpireGrace(ctx context.Context, now time.Time) (int, error) {
	pastDue, err := s.store.ListSubscriptionsByStatus(ctx, StatusPastDue)
	if err != nil {
		return 0, fmt.Errorf("grace sweep: %w", err)
	}

	canceled := 0
	for i := range pastDue {
		sub := pastDue[i]
		if !sub.GraceElapsed(now, s.GracePeriod) {
			continue
		}
		if err := s.Cancel(ctx, sub.ID); err != nil {
			s.log().WithFields(logrus.Fields{
				"subscription": sub.ID,
				"error":        err,
			}).Warn("grace cancellation failed, continuing")
			continue
		}
		canceled++
	}
	return canceled, nil
}

func (s *Service) log() *logrus.Logger {
	if s.Log == nil {
		return logrus.StandardLogger()
	}
	return s.Log
}
