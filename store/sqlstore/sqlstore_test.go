package sqlstore_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/ledger-engine/finance"
	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/saka"
	"github.com/warp/ledger-engine/store/sqlstore"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	store  *sqlstore.Store
	clock  *clock
	ledger *ledger.Ledger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := sqlstore.OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	c := &clock{now: time.Date(2025, time.January, 6, 10, 0, 0, 0, time.UTC)}
	return &fixture{store: s, clock: c, ledger: ledger.New(s, ledger.WithClock(c.Now))}
}

// newFileFixture opens a database file so concurrent units contend on real
// SQLite locks.
func newFileFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := sqlstore.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	c := &clock{now: time.Date(2025, time.January, 6, 10, 0, 0, 0, time.UTC)}
	retry := ledger.RetryPolicy{MaxAttempts: 10, BaseDelay: time.Millisecond, MaxDelay: 20 * time.Millisecond}
	return &fixture{store: s, clock: c, ledger: ledger.New(s, ledger.WithClock(c.Now), ledger.WithRetryPolicy(retry))}
}

func (f *fixture) balance(t *testing.T, owner ledger.OwnerID, c ledger.Currency) string {
	t.Helper()
	b, err := f.ledger.Balance(context.Background(), ledger.WalletKey{Owner: owner, Currency: c})
	require.NoError(t, err)
	return b.Balance.String()
}

func (f *fixture) assertReconciled(t *testing.T, owner ledger.OwnerID, c ledger.Currency) {
	t.Helper()
	r, err := f.ledger.Reconcile(context.Background(), ledger.WalletKey{Owner: owner, Currency: c})
	require.NoError(t, err)
	assert.True(t, r.Consistent(), "%s: stored %s, replayed %s", owner, r.Stored, r.Replayed)
}

// =============================================================================
// SAKA
// =============================================================================

func TestSQLite_SAKALifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	log := zerolog.Nop()
	svc := saka.NewService(f.ledger, saka.DefaultConfig(), log)

	// GIVEN: Alice got a manual grant, Bob read one article
	grant := ledger.NewAmountFromInt(150, ledger.SAKA)
	_, err := svc.Harvest(ctx, saka.HarvestRequest{Owner: "alice", Reason: saka.ReasonManualAdjustment, Amount: &grant})
	require.NoError(t, err)
	_, err = svc.Harvest(ctx, saka.HarvestRequest{Owner: "bob", Reason: saka.ReasonContentRead})
	require.NoError(t, err)

	// WHEN: Both stay inactive for 100 days and compost runs
	f.clock.Advance(100 * 24 * time.Hour)
	summary, err := saka.NewCompostEngine(f.ledger, saka.DefaultCompostConfig(), log).Run(ctx, saka.CompostRequest{Source: "test"})
	require.NoError(t, err)

	// THEN: Only Alice is above the minimum balance
	assert.Equal(t, 1, summary.WalletsAffected)
	assert.Equal(t, "15", summary.TotalComposted.String())
	assert.Equal(t, "135", f.balance(t, "alice", ledger.SAKA))
	assert.Equal(t, "10", f.balance(t, "bob", ledger.SAKA))

	cycle, err := f.store.CompostLog(ctx, summary.LogID)
	require.NoError(t, err)
	require.NotNil(t, cycle.FinishedAt)
	assert.Equal(t, "15", cycle.TotalComposted.String())
	assert.True(t, cycle.Rate.Equal(decimal.RequireFromString("0.10")))

	pool, err := f.store.Pool(ctx, ledger.SAKA)
	require.NoError(t, err)
	assert.Equal(t, "15", pool.TotalBalance.String())
	assert.Equal(t, int64(1), pool.CycleCount)

	// WHEN: The whole pool is redistributed
	one := decimal.NewFromInt(1)
	res, err := saka.NewRedistributionEngine(f.ledger, saka.DefaultRedistributionConfig(), log).Run(ctx, &one)
	require.NoError(t, err)

	// THEN: Both harvesters get an equal floored share
	assert.Equal(t, 2, res.Credited)
	assert.Equal(t, "7", res.PerWallet.String())
	assert.Equal(t, "1", res.PoolAfter.String())
	assert.Equal(t, "142", f.balance(t, "alice", ledger.SAKA))
	assert.Equal(t, "17", f.balance(t, "bob", ledger.SAKA))

	f.assertReconciled(t, "alice", ledger.SAKA)
	f.assertReconciled(t, "bob", ledger.SAKA)
}

func TestSQLite_DailyCapCountsStoredHarvests(t *testing.T) {
	f := newFixture(t)
	svc := saka.NewService(f.ledger, saka.DefaultConfig(), zerolog.Nop())

	harvested := 0
	for i := 0; i < 5; i++ {
		res, err := svc.Harvest(context.Background(), saka.HarvestRequest{Owner: "alice", Reason: saka.ReasonContentRead})
		require.NoError(t, err)
		if res.Harvested() {
			harvested++
		} else {
			assert.Equal(t, ledger.CodeDailyCapReached, res.Skipped)
		}
	}
	assert.Equal(t, 3, harvested)
	assert.Equal(t, "30", f.balance(t, "alice", ledger.SAKA))
}

// =============================================================================
// EUR
// =============================================================================

func TestSQLite_EscrowLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SaveProject(ctx, ledger.Project{ID: "garden", Name: "Community Garden", AcceptsDonations: true, SharePrice: ledger.Zero(ledger.EUR)}))
	svc := finance.NewService(f.ledger, finance.DefaultConfig(), f.store, finance.NopNotifier{}, zerolog.Nop())
	t.Cleanup(svc.Wait)

	_, err := svc.Deposit(ctx, finance.DepositRequest{Owner: "alice", Amount: ledger.MustParseAmount("150.00", ledger.EUR), IdempotencyKey: "dep-1"})
	require.NoError(t, err)
	_, err = svc.Deposit(ctx, finance.DepositRequest{Owner: "alice", Amount: ledger.MustParseAmount("150.00", ledger.EUR), IdempotencyKey: "dep-1"})
	assert.ErrorIs(t, err, ledger.ErrIdempotencyKeyUsed)

	escrow, err := svc.Pledge(ctx, finance.PledgeRequest{Payer: "alice", Project: "garden", Amount: ledger.MustParseAmount("100.00", ledger.EUR), Kind: ledger.PledgeDonation})
	require.NoError(t, err)
	assert.Equal(t, "50.00", f.balance(t, "alice", ledger.EUR))

	stored, err := f.store.Escrow(ctx, escrow.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.EscrowLocked, stored.Status)
	assert.Equal(t, "100.00", stored.Amount.String())

	s, err := svc.Release(ctx, escrow.ID)
	require.NoError(t, err)
	assert.Equal(t, "93.50", s.Net.String())
	assert.Equal(t, "93.50", f.balance(t, "project:garden", ledger.EUR))
	assert.Equal(t, "5.00", f.balance(t, "system:commission", ledger.EUR))

	_, err = svc.Refund(ctx, escrow.ID)
	var stateErr *ledger.EscrowStateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, ledger.EscrowReleased, stateErr.Status)

	escrows, err := f.store.ProjectEscrows(ctx, "garden")
	require.NoError(t, err)
	require.Len(t, escrows, 1)
	assert.Equal(t, "1.50", escrows[0].Fees.String())
	require.NotNil(t, escrows[0].ReleasedAt)

	f.assertReconciled(t, "alice", ledger.EUR)
	f.assertReconciled(t, "project:garden", ledger.EUR)
	f.assertReconciled(t, "system:commission", ledger.EUR)
}

func TestSQLite_Pockets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	svc := finance.NewService(f.ledger, finance.DefaultConfig(), f.store, finance.NopNotifier{}, zerolog.Nop())

	_, err := svc.Deposit(ctx, finance.DepositRequest{Owner: "alice", Amount: ledger.MustParseAmount("20.00", ledger.EUR)})
	require.NoError(t, err)

	p, err := svc.CreatePocket(ctx, finance.CreatePocketRequest{Owner: "alice", Name: "Savings", Kind: ledger.PocketGeneral, Percentage: decimal.NewFromInt(25)})
	require.NoError(t, err)

	_, err = svc.CreatePocket(ctx, finance.CreatePocketRequest{Owner: "alice", Name: "Savings", Kind: ledger.PocketGeneral})
	assert.ErrorIs(t, err, ledger.ErrPocketNameTaken)

	_, err = svc.TransferToPocket(ctx, finance.TransferRequest{Owner: "alice", PocketID: p.ID, Amount: ledger.MustParseAmount("7.25", ledger.EUR)})
	require.NoError(t, err)

	pockets, err := svc.Pockets(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, pockets, 1)
	assert.Equal(t, "7.25", pockets[0].CurrentAmount.String())
	assert.True(t, pockets[0].AllocationPercentage.Equal(decimal.NewFromInt(25)))
	assert.Equal(t, "12.75", f.balance(t, "alice", ledger.EUR))
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestSQLite_ConcurrentSpendNeverNegative(t *testing.T) {
	// GIVEN: A wallet with 300
	// WHEN: 40 concurrent spends of 10
	// THEN: Exactly 30 succeed and the balance ends at 0

	f := newFileFixture(t)
	ctx := context.Background()
	svc := saka.NewService(f.ledger, saka.DefaultConfig(), zerolog.Nop())
	grant := ledger.NewAmountFromInt(300, ledger.SAKA)
	_, err := svc.Harvest(ctx, saka.HarvestRequest{Owner: "alice", Reason: saka.ReasonManualAdjustment, Amount: &grant})
	require.NoError(t, err)

	var (
		wg             sync.WaitGroup
		mu             sync.Mutex
		spent, refused int
	)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.Spend(ctx, saka.SpendRequest{Owner: "alice", Amount: ledger.NewAmountFromInt(10, ledger.SAKA), Reason: "plant"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				t.Errorf("unexpected error: %v", err)
			case res.Spent:
				spent++
			default:
				assert.Equal(t, ledger.CodeInsufficientBalance, res.Reason)
				refused++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 30, spent)
	assert.Equal(t, 10, refused)
	assert.Equal(t, "0", f.balance(t, "alice", ledger.SAKA))
	f.assertReconciled(t, "alice", ledger.SAKA)
}

func TestSQLite_ConcurrentPledgeSameKey(t *testing.T) {
	// GIVEN: Bob holds 100.00
	// WHEN: 20 concurrent pledges of 10.00 share one idempotency key
	// THEN: One escrow exists and Bob is debited once

	f := newFileFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SaveProject(ctx, ledger.Project{ID: "garden", Name: "Community Garden", AcceptsDonations: true, SharePrice: ledger.Zero(ledger.EUR)}))
	svc := finance.NewService(f.ledger, finance.DefaultConfig(), f.store, finance.NopNotifier{}, zerolog.Nop())
	t.Cleanup(svc.Wait)

	_, err := svc.Deposit(ctx, finance.DepositRequest{Owner: "bob", Amount: ledger.MustParseAmount("100.00", ledger.EUR)})
	require.NoError(t, err)
	req := finance.PledgeRequest{Payer: "bob", Project: "garden", Amount: ledger.MustParseAmount("10.00", ledger.EUR), Kind: ledger.PledgeDonation, IdempotencyKey: "k1"}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok, dups int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Pledge(ctx, req)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ledger.ErrIdempotencyKeyUsed):
				dups++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, 19, dups)
	escrows, err := f.store.ProjectEscrows(ctx, "garden")
	require.NoError(t, err)
	assert.Len(t, escrows, 1)
	assert.Equal(t, "90.00", f.balance(t, "bob", ledger.EUR))
	f.assertReconciled(t, "bob", ledger.EUR)
}

// =============================================================================
// DIRECTORY AND ERRORS
// =============================================================================

func TestSQLite_Directory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.Project(ctx, "nowhere")
	assert.ErrorIs(t, err, ledger.ErrProjectNotFound)

	require.NoError(t, f.store.SaveProject(ctx, ledger.Project{ID: "coop", Name: "Coop", AcceptsEquity: true, SharePrice: ledger.MustParseAmount("30.00", ledger.EUR)}))
	p, err := f.store.Project(ctx, "coop")
	require.NoError(t, err)
	assert.True(t, p.AcceptsEquity)
	assert.Equal(t, "30.00", p.SharePrice.String())

	ok, err := f.store.InvestorEligible(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, f.store.SetInvestorEligible(ctx, "alice", true))
	ok, err = f.store.InvestorEligible(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSQLite_NotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.Wallet(ctx, ledger.WalletKey{Owner: "ghost", Currency: ledger.EUR})
	assert.ErrorIs(t, err, ledger.ErrWalletNotFound)

	_, err = f.store.Escrow(ctx, "missing")
	assert.ErrorIs(t, err, ledger.ErrEscrowNotFound)

	_, err = f.store.Pocket(ctx, "missing")
	assert.ErrorIs(t, err, ledger.ErrPocketNotFound)

	pool, err := f.store.Pool(ctx, ledger.SAKA)
	require.NoError(t, err)
	assert.True(t, pool.TotalBalance.IsZero())
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := sqlstore.Open(context.Background(), "oracle", "")
	assert.Error(t, err)
}
