/*
Package subscription manages billing relationships and their monthly token
allowance.

PURPOSE:
  One Subscription row per billing relationship. The status state machine
  gates allocation:

    active --(allocation tick)--> active
    active --(cancel request)--> canceled        (terminal)
    active --(payment failure)--> past_due
    past_due --(payment recovered)--> active
    past_due --(grace period elapsed)--> canceled

  Rows are retained after cancellation for audit; the lifecycle ends softly
  when status becomes terminal.

SEE ALSO:
  - allocator.go: Monthly allowance grants via the ledger engine
  - service.go: Lifecycle operations driven by provider events
*/
package subscription

import (
	"fmt"
	"time"

	"github.com/chatforge/tokenledger/ledger"
)

// Status is the subscription lifecycle state.
type Status string

const (
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
)

// Subscription is one billing relationship. Mutated by the Allocator each
// period and by lifecycle operations; never deleted.
type Subscription struct {
	ID     ledger.SubscriptionID
	UserID ledger.UserID

	// ExternalSubscriptionID is the payment provider's identifier.
	ExternalSubscriptionID string

	PlanTier string
	Status   Status

	// [PeriodStart, PeriodEnd) is the current billing period. Periods are
	// contiguous; the allocator rolls them forward month by month.
	PeriodStart time.Time
	PeriodEnd   time.Time

	MonthlyAllowance    int64
	AllocatedThisPeriod int64
	LastAllocationAt    *time.Time

	// PastDueSince anchors the grace window for past_due subscriptions.
	PastDueSince *time.Time
	CanceledAt   *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// STATE MACHINE
// =============================================================================

// Cancel terminates the subscription. Valid from active and past_due;
// terminal: allocation stops and no further transition is allowed.
func (s *Subscription) Cancel(now time.Time) error {
	if s.Status != StatusActive && s.Status != StatusPastDue {
		return s.transitionError(StatusCanceled)
	}
	now = now.UTC()
	s.Status = StatusCanceled
	s.CanceledAt = &now
	return nil
}

// MarkPastDue records a payment failure. Valid from active only.
func (s *Subscription) MarkPastDue(now time.Time) error {
	if s.Status != StatusActive {
		return s.transitionError(StatusPastDue)
	}
	now = now.UTC()
	s.Status = StatusPastDue
	s.PastDueSince = &now
	return nil
}

// RecoverPayment returns a past_due subscription to active.
func (s *Subscription) RecoverPayment() error {
	if s.Status != StatusPastDue {
		return s.transitionError(StatusActive)
	}
	s.Status = StatusActive
	s.PastDueSince = nil
	return nil
}

// GraceElapsed reports whether a past_due subscription has exceeded the grace
// window and should be canceled.
func (s *Subscription) GraceElapsed(now time.Time, grace time.Duration) bool {
	return s.Status == StatusPastDue &&
		s.PastDueSince != nil &&
		!now.Before(s.PastDueSince.Add(grace))
}

func (s *Subscription) transitionError(to Status) error {
	return fmt.Errorf("subscription %s: %s -> %s: %w", s.ID, s.Status, to, ledger.ErrInvalidTransition)
}

// =============================================================================
// BILLING PERIODS
// =============================================================================

// AdvancePeriod rolls the billing period forward one month and resets the
// period's allocation bookkeeping. Periods stay contiguous.
func (s *Subscription) AdvancePeriod() {
	s.PeriodStart = s.PeriodEnd
	s.PeriodEnd = s.PeriodEnd.AddDate(0, 1, 0)
	s.AllocatedThisPeriod = 0
}

// AllocatedInCurrentPeriod reports whether the current period's allowance has
// already been granted.
func (s *Subscription) AllocatedInCurrentPeriod() bool {
	if s.AllocatedThisPeriod >= s.MonthlyAllowance {
		return true
	}
	return s.LastAllocationAt != nil &&
		!s.LastAllocationAt.Before(s.PeriodStart) &&
		s.LastAllocationAt.Before(s.PeriodEnd)
}

// GrantExpiry is the expiration horizon for this period's allowance: unused
// tokens carry forward across exactly one additional billing cycle.
func (s *Subscription) GrantExpiry() time.Time {
	return s.PeriodEnd.AddDate(0, 1, 0)
}
