/*
Package jobs schedules the background maintenance the ledger needs to stay
truthful over time.

JOBS:
  - sweep:      reverses the unconsumed remainder of expired grants
  - allocation: credits the monthly allowance of active subscriptions whose
                billing period has started, then cancels past_due
                subscriptions whose grace period elapsed

DESIGN:
  - Cron expressions come from configuration; both jobs also expose RunXNow
    methods so operators (and tests) can trigger a pass on demand.
  - Every job pass is isolated per user/subscription: one bad record logs a
    warning and the pass continues.
  - Jobs are idempotent end to end, so an overlapping or repeated pass is
    harmless.

USAGE:
  clock := ledger.SystemClock{}
  runner := jobs.NewRunner(clock, sweeper, allocator, svc, store)
  if err := runner.Start("0 3 * * *", "@hourly"); err != nil { ... }
  defer runner.Stop()
*/
package jobs

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/chatforge/tokenledger/ledger"
	"github.com/chatforge/tokenledger/subscription"
)

// Runner owns the cron schedule for the sweep and allocation jobs.
type Runner struct {
	Clock     ledger.Clock
	Sweeper   *ledger.Sweeper
	Allocator *subscription.Allocator
	Service   *subscription.Service
	Subs      subscription.Store
	Log       *logrus.Logger

	cron *cron.Cron
}

// NewRunner wires the background jobs together. Start must be called before
// anything is scheduled.
func NewRunner(clock ledger.Clock, sweeper *ledger.Sweeper, allocator *subscription.Allocator, service *subscription.Service, subs subscription.Store) *Runner {
	return &Runner{
		Clock:     clock,
		Sweeper:   sweeper,
		Allocator: allocator,
		Service:   service,
		Subs:      subs,
	}
}

// Start registers both jobs and begins the schedule.
func (r *Runner) Start(sweepSchedule, allocationSchedule string) error {
	r.cron = cron.New()

	if _, err := r.cron.AddFunc(sweepSchedule, func() {
		r.RunSweepNow(context.Background())
	}); err != nil {
		return err
	}
	if _, err := r.cron.AddFunc(allocationSchedule, func() {
		r.RunAllocationNow(context.Background())
	}); err != nil {
		return err
	}

	r.cron.Start()
	r.log().WithFields(logrus.Fields{
		"sweep_schedule":      sweepSchedule,
		"allocation_schedule": allocationSchedule,
	}).Info("job runner started")
	return nil
}

// Stop halts the schedule and waits for any running job to finish.
func (r *Runner) Stop() {
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
	r.log().Info("job runner stopped")
}

// RunSweepNow executes one expiration sweep pass.
func (r *Runner) RunSweepNow(ctx context.Context) ledger.SweepReport {
	report, err := r.Sweeper.Sweep(ctx, r.Clock.Now())
	if err != nil {
		r.log().WithError(err).Warn("sweep pass failed")
	}
	return report
}

// RunAllocationNow allocates the monthly allowance for every active
// subscription whose period has started, then cancels past_due subscriptions
// whose grace period has elapsed.
func (r *Runner) RunAllocationNow(ctx context.Context) {
	now := r.Clock.Now()

	active, err := r.Subs.ListSubscriptionsByStatus(ctx, subscription.StatusActive)
	if err != nil {
		r.log().WithError(err).Warn("failed to list active subscriptions")
		return
	}

	allocated := 0
	for _, sub := range active {
		result, err := r.Allocator.Allocate(ctx, sub.ID)
		if err != nil {
			r.log().WithError(err).WithField("subscription_id", sub.ID).
				Warn("allocation failed")
			continue
		}
		if result.Allocated {
			allocated++
		}
	}

	canceled, err := r.Service.ExpireGrace(ctx, now)
	if err != nil {
		r.log().WithError(err).Warn("grace expiry pass failed")
	}

	if allocated > 0 || canceled > 0 {
		r.log().WithFields(logrus.Fields{
			"allocated": allocated,
			"canceled":  canceled,
		}).Info("allocation pass completed")
	}
}

func (r *Runner) log() *logrus.Logger {
	if r.Log != nil {
		return r.Log
	}
	return logrus.StandardLogger()
}
