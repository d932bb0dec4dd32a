package subscription_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatforge/tokenledger/ledger"
	"github.com/chatforge/tokenledger/store/sqlite"
	"github.com/chatforge/tokenledger/subscription"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func marchFirst() time.Time {
	return time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
}

type fixture struct {
	store     *sqlite.Store
	clock     *ledger.FixedClock
	engine    *ledger.Engine
	allocator *subscription.Allocator
	service   *subscription.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := ledger.NewFixedClock(marchFirst())
	engine := ledger.NewEngine(store, clock)
	return &fixture{
		store:     store,
		clock:     clock,
		engine:    engine,
		allocator: subscription.NewAllocator(store, engine, clock),
		service:   subscription.NewService(store, clock),
	}
}

func (f *fixture) createSub(t *testing.T, allowance int64) *subscription.Subscription {
	t.Helper()
	sub, err := f.service.Create(context.Background(), "user-1", "ext-sub-1", "pro", allowance, marchFirst())
	require.NoError(t, err)
	return sub
}

// eventSink records ledger event emissions.
type eventSink struct {
	recorded []ledger.TokenTransaction
	balances []int64
}

func (s *eventSink) TransactionRecorded(tx ledger.TokenTransaction) {
	s.recorded = append(s.recorded, tx)
}

func (s *eventSink) BalanceChanged(_ ledger.UserID, newBalance int64) {
	s.balances = append(s.balances, newBalance)
}

// =============================================================================
// MONTHLY ALLOCATION
// =============================================================================

func TestAllocate_GrantsAllowanceOncePerPeriod(t *testing.T) {
	// GIVEN: An active 1000-token subscription
	// WHEN: Allocating twice within the same billing period
	// THEN: Exactly one grant lands

	ctx := context.Background()
	f := newFixture(t)
	sub := f.createSub(t, 1000)

	first, err := f.allocator.Allocate(ctx, sub.ID)
	require.NoError(t, err)
	assert.True(t, first.Allocated)
	assert.Equal(t, int64(1000), first.Tokens)
	assert.Equal(t, int64(1000), first.NewBalance)
	assert.Equal(t, sub.PeriodEnd.AddDate(0, 1, 0), first.ExpiresAt)

	second, err := f.allocator.Allocate(ctx, sub.ID)
	require.NoError(t, err)
	assert.False(t, second.Allocated)

	balance, err := f.engine.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), balance)
}

func TestAllocate_RollsPeriodForward(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sub := f.createSub(t, 1000)

	_, err := f.allocator.Allocate(ctx, sub.ID)
	require.NoError(t, err)

	// April: a new period, a new grant.
	f.clock.Set(marchFirst().AddDate(0, 1, 2))

	res, err := f.allocator.Allocate(ctx, sub.ID)
	require.NoError(t, err)
	assert.True(t, res.Allocated)
	assert.Equal(t, int64(2000), res.NewBalance)

	stored, err := f.store.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, sub.PeriodEnd, stored.PeriodStart, "period must have rolled")
	assert.Equal(t, int64(1000), stored.AllocatedThisPeriod)
}

func TestAllocate_SkipsMissedPeriodsWithoutBackfilling(t *testing.T) {
	// GIVEN: An allocation tick that was down for two whole periods
	// THEN: Only the current period's allowance is granted

	ctx := context.Background()
	f := newFixture(t)
	sub := f.createSub(t, 1000)

	f.clock.Set(marchFirst().AddDate(0, 2, 10))

	res, err := f.allocator.Allocate(ctx, sub.ID)
	require.NoError(t, err)
	assert.True(t, res.Allocated)
	assert.Equal(t, int64(1000), res.NewBalance, "missed periods are not backfilled")
}

func TestAllocate_CrashBetweenGrantAndBookkeeping_NoDoubleGrant(t *testing.T) {
	// GIVEN: The grant committed but the bookkeeping update was lost
	// WHEN: The allocation is retried
	// THEN: The deterministic event ID recognizes the prior grant

	ctx := context.Background()
	f := newFixture(t)
	sub := f.createSub(t, 1000)

	_, err := f.allocator.Allocate(ctx, sub.ID)
	require.NoError(t, err)

	// Wipe the bookkeeping as if the second write never happened.
	stored, err := f.store.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	stored.AllocatedThisPeriod = 0
	stored.LastAllocationAt = nil
	require.NoError(t, f.store.SaveSubscription(ctx, stored))

	sink := &eventSink{}
	f.engine.Events = sink

	res, err := f.allocator.Allocate(ctx, sub.ID)
	require.NoError(t, err)
	assert.False(t, res.Allocated, "prior grant must be recognized as applied")
	assert.Empty(t, sink.recorded, "a replayed grant must not be re-announced")

	balance, err := f.engine.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), balance)
}

func TestAllocate_UnknownSubscription(t *testing.T) {
	f := newFixture(t)

	_, err := f.allocator.Allocate(context.Background(), "missing")
	assert.ErrorIs(t, err, ledger.ErrSubscriptionNotFound)
}

func TestAllocate_NonActiveSubscription_NoOp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sub := f.createSub(t, 1000)
	require.NoError(t, f.service.Cancel(ctx, sub.ID))

	res, err := f.allocator.Allocate(ctx, sub.ID)
	require.NoError(t, err)
	assert.False(t, res.Allocated)

	balance, err := f.engine.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

func TestAllocate_EmitsEventsAfterCommit(t *testing.T) {
	// GIVEN: An events consumer wired into the engine
	// WHEN: The monthly allowance is granted
	// THEN: The grant is announced exactly like a direct Apply would be

	ctx := context.Background()
	f := newFixture(t)
	sink := &eventSink{}
	f.engine.Events = sink
	sub := f.createSub(t, 1000)

	res, err := f.allocator.Allocate(ctx, sub.ID)
	require.NoError(t, err)
	require.True(t, res.Allocated)

	require.Len(t, sink.recorded, 1)
	assert.Equal(t, res.TransactionID, sink.recorded[0].ID)
	assert.Equal(t, int64(1000), sink.recorded[0].Delta)
	assert.Equal(t, ledger.ReasonSubscriptionAllocation, sink.recorded[0].Reason)
	assert.Equal(t, []int64{1000}, sink.balances)

	// Idempotent no-ops and replays stay silent.
	_, err = f.allocator.Allocate(ctx, sub.ID)
	require.NoError(t, err)
	assert.Len(t, sink.recorded, 1)
	assert.Len(t, sink.balances, 1)
}

func TestAllocate_GrantCarriesProvenance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sub := f.createSub(t, 1000)

	res, err := f.allocator.Allocate(ctx, sub.ID)
	require.NoError(t, err)

	page, err := f.engine.ListTransactions(ctx, "user-1", "", 10)
	require.NoError(t, err)
	require.Len(t, page.Transactions, 1)

	grant := page.Transactions[0]
	assert.Equal(t, res.TransactionID, grant.ID)
	assert.Equal(t, ledger.ReasonSubscriptionAllocation, grant.Reason)
	assert.Equal(t, sub.ID, grant.SubscriptionID)
	require.NotNil(t, grant.ExpiresAt)
	assert.Equal(t, res.ExpiresAt, grant.ExpiresAt.UTC())
}
