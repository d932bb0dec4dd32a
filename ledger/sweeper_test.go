package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatforge/tokenledger/ledger"
	memstore "github.com/chatforge/tokenledger/ledger/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func grantExpiring(t *testing.T, engine *ledger.Engine, user ledger.UserID, tokens int64, expiresAt time.Time) ledger.TransactionID {
	t.Helper()
	res, err := engine.Apply(context.Background(), ledger.ApplyInput{
		UserID:    user,
		Delta:     tokens,
		Reason:    ledger.ReasonSubscriptionAllocation,
		ExpiresAt: &expiresAt,
	})
	require.NoError(t, err)
	return res.TransactionID
}

func spend(t *testing.T, engine *ledger.Engine, user ledger.UserID, tokens int64) {
	t.Helper()
	_, err := engine.Apply(context.Background(), ledger.ApplyInput{
		UserID: user, Delta: -tokens, Reason: ledger.ReasonSpend,
	})
	require.NoError(t, err)
}

func findTx(t *testing.T, s ledger.Store, user ledger.UserID, id ledger.TransactionID) ledger.TokenTransaction {
	t.Helper()
	page, err := s.ListTransactions(context.Background(), user, "", 100)
	require.NoError(t, err)
	for _, tx := range page.Transactions {
		if tx.ID == id {
			return tx
		}
	}
	t.Fatalf("transaction %s not found", id)
	return ledger.TokenTransaction{}
}

// flakyStore fails MarkReversed for chosen grants, to exercise per-user
// failure isolation.
type flakyStore struct {
	ledger.Store
	failGrants map[ledger.TransactionID]bool
}

func (s *flakyStore) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	return s.Store.WithTx(ctx, func(tx ledger.Tx) error {
		return fn(&flakyTx{Tx: tx, failGrants: s.failGrants})
	})
}

type flakyTx struct {
	ledger.Tx
	failGrants map[ledger.TransactionID]bool
}

func (t *flakyTx) MarkReversed(ctx context.Context, grantID, reversalID ledger.TransactionID) error {
	if t.failGrants[grantID] {
		return errors.New("simulated disk failure")
	}
	return t.Tx.MarkReversed(ctx, grantID, reversalID)
}

// =============================================================================
// EXPIRATION SWEEP
// =============================================================================

func TestSweep_ReversesUnconsumedRemainder(t *testing.T) {
	// GIVEN: Balance 0, +200 expiring at T+60d, then -50 spent
	// WHEN: Sweeping at T+61d
	// THEN: A compensating -150 debit brings the balance to 0

	ctx := context.Background()
	s := memstore.NewMemory()
	engine, clock := newTestEngine(s)
	sweeper := ledger.NewSweeper(s, clock)

	expiry := epoch().Add(60 * 24 * time.Hour)
	grantID := grantExpiring(t, engine, "user-1", 200, expiry)
	spend(t, engine, "user-1", 50)

	sweepAt := epoch().Add(61 * 24 * time.Hour)
	clock.Set(sweepAt)

	report, err := sweeper.Sweep(ctx, sweepAt)
	require.NoError(t, err)
	assert.Equal(t, 1, report.ExpiredCount)
	assert.Equal(t, int64(150), report.TokensRemoved)
	assert.Equal(t, 1, report.UsersAffected)
	assert.Empty(t, report.Failures)

	balance, err := s.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)

	// The grant carries a reference to its compensating debit.
	grant := findTx(t, s, "user-1", grantID)
	require.NotEmpty(t, grant.ReversedBy)
	reversal := findTx(t, s, "user-1", grant.ReversedBy)
	assert.Equal(t, int64(-150), reversal.Delta)
	assert.Equal(t, ledger.ReasonExpiration, reversal.Reason)
}

func TestSweep_SecondRunRemovesNothing(t *testing.T) {
	ctx := context.Background()
	s := memstore.NewMemory()
	engine, clock := newTestEngine(s)
	sweeper := ledger.NewSweeper(s, clock)

	grantExpiring(t, engine, "user-1", 200, epoch().Add(time.Hour))

	sweepAt := epoch().Add(2 * time.Hour)
	clock.Set(sweepAt)

	first, err := sweeper.Sweep(ctx, sweepAt)
	require.NoError(t, err)
	require.Equal(t, 1, first.ExpiredCount)

	second, err := sweeper.Sweep(ctx, sweepAt)
	require.NoError(t, err)
	assert.Equal(t, 0, second.ExpiredCount)
	assert.Equal(t, int64(0), second.TokensRemoved)
	assert.Equal(t, 0, second.UsersAffected)

	balance, err := s.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

func TestSweep_FullyConsumedGrant_NoDebit(t *testing.T) {
	// GIVEN: A 200-token grant fully spent before expiry
	// THEN: The sweep stamps the grant but writes no debit

	ctx := context.Background()
	s := memstore.NewMemory()
	engine, clock := newTestEngine(s)
	sweeper := ledger.NewSweeper(s, clock)

	grantID := grantExpiring(t, engine, "user-1", 200, epoch().Add(time.Hour))
	spend(t, engine, "user-1", 200)

	sweepAt := epoch().Add(2 * time.Hour)
	clock.Set(sweepAt)

	report, err := sweeper.Sweep(ctx, sweepAt)
	require.NoError(t, err)
	assert.Equal(t, int64(0), report.TokensRemoved)

	grant := findTx(t, s, "user-1", grantID)
	assert.Equal(t, ledger.ReversedExhausted, grant.ReversedBy)

	page, err := s.ListTransactions(ctx, "user-1", "", 10)
	require.NoError(t, err)
	assert.Len(t, page.Transactions, 2, "no compensating debit expected")
}

func TestSweep_PermanentTokensSurvive(t *testing.T) {
	// GIVEN: 100 purchased (permanent) + 200 expiring, 250 spent
	// WHEN: The grant expires
	// THEN: FIFO replay attributes 150 of the spend to the grant; only the
	//       remaining 50 is removed and the purchased tokens are untouched

	ctx := context.Background()
	s := memstore.NewMemory()
	engine, clock := newTestEngine(s)
	sweeper := ledger.NewSweeper(s, clock)

	_, err := engine.Apply(ctx, ledger.ApplyInput{UserID: "user-1", Delta: 100, Reason: ledger.ReasonPurchase})
	require.NoError(t, err)
	grantExpiring(t, engine, "user-1", 200, epoch().Add(time.Hour))
	spend(t, engine, "user-1", 250)

	sweepAt := epoch().Add(2 * time.Hour)
	clock.Set(sweepAt)

	report, err := sweeper.Sweep(ctx, sweepAt)
	require.NoError(t, err)
	assert.Equal(t, int64(50), report.TokensRemoved)

	balance, err := s.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

func TestSweep_UnexpiredGrantsUntouched(t *testing.T) {
	ctx := context.Background()
	s := memstore.NewMemory()
	engine, clock := newTestEngine(s)
	sweeper := ledger.NewSweeper(s, clock)

	grantExpiring(t, engine, "user-1", 200, epoch().Add(time.Hour))
	grantExpiring(t, engine, "user-1", 300, epoch().Add(100*time.Hour))

	sweepAt := epoch().Add(2 * time.Hour)
	clock.Set(sweepAt)

	report, err := sweeper.Sweep(ctx, sweepAt)
	require.NoError(t, err)
	assert.Equal(t, 1, report.ExpiredCount)
	assert.Equal(t, int64(200), report.TokensRemoved)

	balance, err := s.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(300), balance)
}

func TestSweep_FailureIsolatedPerUser(t *testing.T) {
	// GIVEN: Two users with expired grants, one failing at reversal time
	// THEN: The healthy user is swept, the failing one is reported and left
	//       intact for the next run

	ctx := context.Background()
	mem := memstore.NewMemory()
	engine, clock := newTestEngine(mem)

	badGrant := grantExpiring(t, engine, "user-bad", 100, epoch().Add(time.Hour))
	grantExpiring(t, engine, "user-good", 100, epoch().Add(time.Hour))

	flaky := &flakyStore{
		Store:      mem,
		failGrants: map[ledger.TransactionID]bool{badGrant: true},
	}
	sweeper := ledger.NewSweeper(flaky, clock)

	sweepAt := epoch().Add(2 * time.Hour)
	clock.Set(sweepAt)

	report, err := sweeper.Sweep(ctx, sweepAt)
	require.NoError(t, err)
	assert.Equal(t, 1, report.ExpiredCount)
	assert.Equal(t, 1, report.UsersAffected)
	assert.Contains(t, report.Failures, ledger.UserID("user-bad"))

	// The failed unit rolled back whole: balance intact, grant unreversed.
	badBalance, err := mem.GetBalance(ctx, "user-bad")
	require.NoError(t, err)
	assert.Equal(t, int64(100), badBalance)
	assert.Empty(t, findTx(t, mem, "user-bad", badGrant).ReversedBy)

	goodBalance, err := mem.GetBalance(ctx, "user-good")
	require.NoError(t, err)
	assert.Equal(t, int64(0), goodBalance)

	// Next sweep without the fault picks the failed user back up.
	healthy := ledger.NewSweeper(mem, clock)
	retry, err := healthy.Sweep(ctx, sweepAt)
	require.NoError(t, err)
	assert.Equal(t, 1, retry.ExpiredCount)
	assert.Equal(t, int64(100), retry.TokensRemoved)
}

func TestSweep_CarryOverScenario(t *testing.T) {
	// GIVEN: A March allowance of 1000 with 300 spent, expiring end of April
	// WHEN: May begins and the sweep runs
	// THEN: Exactly the 700 carried-over remainder is removed

	ctx := context.Background()
	s := memstore.NewMemory()
	engine, clock := newTestEngine(s)
	sweeper := ledger.NewSweeper(s, clock)

	endOfApril := time.Date(2026, time.May, 1, 0, 0, 0, 0, time.UTC)
	grantExpiring(t, engine, "user-1", 1000, endOfApril)
	spend(t, engine, "user-1", 300)

	mayFirst := endOfApril.Add(time.Hour)
	clock.Set(mayFirst)

	report, err := sweeper.Sweep(ctx, mayFirst)
	require.NoError(t, err)
	assert.Equal(t, int64(700), report.TokensRemoved)

	balance, err := s.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}
