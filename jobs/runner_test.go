package jobs_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatforge/tokenledger/jobs"
	"github.com/chatforge/tokenledger/ledger"
	"github.com/chatforge/tokenledger/store/sqlite"
	"github.com/chatforge/tokenledger/subscription"
)

func marchFirst() time.Time {
	return time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
}

func newTestRunner(t *testing.T) (*jobs.Runner, *ledger.FixedClock, *sqlite.Store, *subscription.Service, *ledger.Engine) {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := ledger.NewFixedClock(marchFirst())
	engine := ledger.NewEngine(store, clock)
	sweeper := ledger.NewSweeper(store, clock)
	allocator := subscription.NewAllocator(store, engine, clock)
	svc := subscription.NewService(store, clock)

	runner := jobs.NewRunner(clock, sweeper, allocator, svc, store)
	return runner, clock, store, svc, engine
}

func TestRunAllocationNow_GrantsActiveSubscriptions(t *testing.T) {
	ctx := context.Background()
	runner, _, _, svc, engine := newTestRunner(t)

	_, err := svc.Create(ctx, "user-1", "ext-1", "pro", 1000, marchFirst())
	require.NoError(t, err)
	_, err = svc.Create(ctx, "user-2", "ext-2", "max", 5000, marchFirst())
	require.NoError(t, err)

	runner.RunAllocationNow(ctx)

	b1, err := engine.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), b1)

	b2, err := engine.GetBalance(ctx, "user-2")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), b2)

	// A second pass in the same period grants nothing more.
	runner.RunAllocationNow(ctx)
	b1, err = engine.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), b1)
}

func TestRunAllocationNow_CancelsOverdueGrace(t *testing.T) {
	ctx := context.Background()
	runner, clock, store, svc, _ := newTestRunner(t)

	sub, err := svc.Create(ctx, "user-1", "ext-1", "pro", 1000, marchFirst())
	require.NoError(t, err)
	require.NoError(t, svc.MarkPastDue(ctx, sub.ID))

	clock.Advance(15 * 24 * time.Hour)
	runner.RunAllocationNow(ctx)

	stored, err := store.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusCanceled, stored.Status)
}

func TestRunSweepNow_ReportsReversals(t *testing.T) {
	ctx := context.Background()
	runner, clock, _, _, engine := newTestRunner(t)

	expiry := marchFirst().Add(24 * time.Hour)
	_, err := engine.Apply(ctx, ledger.ApplyInput{
		UserID:    "user-1",
		Delta:     200,
		Reason:    ledger.ReasonSubscriptionAllocation,
		ExpiresAt: &expiry,
	})
	require.NoError(t, err)

	clock.Advance(48 * time.Hour)
	report := runner.RunSweepNow(ctx)
	assert.Equal(t, 1, report.ExpiredCount)
	assert.Equal(t, int64(200), report.TokensRemoved)

	balance, err := engine.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

func TestRunner_StartStop(t *testing.T) {
	runner, _, _, _, _ := newTestRunner(t)

	require.NoError(t, runner.Start("@every 1h", "@every 1h"))
	runner.Stop()
}

func TestRunner_InvalidSchedule(t *testing.T) {
	runner, _, _, _, _ := newTestRunner(t)

	assert.Error(t, runner.Start("not a schedule", "@hourly"))
}
