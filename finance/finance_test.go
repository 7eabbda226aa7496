package finance_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/ledger-engine/finance"
	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/ledger/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func eur(s string) ledger.Amount { return ledger.MustParseAmount(s, ledger.EUR) }

type recordingNotifier struct {
	mu     sync.Mutex
	events []finance.Event
	err    error
}

func (n *recordingNotifier) Notify(_ context.Context, ev finance.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return n.err
}

func (n *recordingNotifier) Events() []finance.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]finance.Event(nil), n.events...)
}

type fixture struct {
	store    *store.Memory
	svc      *finance.Service
	notifier *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, finance.DefaultConfig())
}

func newFixtureWith(t *testing.T, cfg finance.Config) *fixture {
	t.Helper()
	mem := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, mem.SaveProject(ctx, ledger.Project{ID: "garden", Name: "Community Garden", AcceptsDonations: true}))
	require.NoError(t, mem.SaveProject(ctx, ledger.Project{
		ID:               "coop",
		Name:             "Bakery Coop",
		AcceptsDonations: true,
		AcceptsEquity:    true,
		SharePrice:       eur("30.00"),
	}))

	clock := func() time.Time { return time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC) }
	l := ledger.New(mem, ledger.WithClock(clock))
	n := &recordingNotifier{}
	svc := finance.NewService(l, cfg, mem, n, zerolog.Nop())
	t.Cleanup(svc.Wait)
	return &fixture{store: mem, svc: svc, notifier: n}
}

func (f *fixture) deposit(t *testing.T, owner ledger.OwnerID, amount string) {
	t.Helper()
	_, err := f.svc.Deposit(context.Background(), finance.DepositRequest{Owner: owner, Amount: eur(amount)})
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T, owner ledger.OwnerID) string {
	t.Helper()
	b, err := f.svc.GetBalance(context.Background(), owner)
	require.NoError(t, err)
	return b.Balance.String()
}

func (f *fixture) transactions(t *testing.T, owner ledger.OwnerID) []ledger.Transaction {
	t.Helper()
	ctx := context.Background()
	w, err := f.store.Wallet(ctx, ledger.WalletKey{Owner: owner, Currency: ledger.EUR})
	if errors.Is(err, ledger.ErrWalletNotFound) {
		return nil
	}
	require.NoError(t, err)
	txs, err := f.store.Transactions(ctx, w.ID)
	require.NoError(t, err)
	return txs
}

func (f *fixture) assertReconciled(t *testing.T, owner ledger.OwnerID) {
	t.Helper()
	r, err := ledger.New(f.store).Reconcile(context.Background(), ledger.WalletKey{Owner: owner, Currency: ledger.EUR})
	require.NoError(t, err)
	assert.True(t, r.Consistent(), "%s: stored %s, replayed %s", owner, r.Stored, r.Replayed)
}

func (f *fixture) pledge(t *testing.T, payer ledger.OwnerID, project ledger.ProjectID, amount string) ledger.Escrow {
	t.Helper()
	e, err := f.svc.Pledge(context.Background(), finance.PledgeRequest{
		Payer:   payer,
		Project: project,
		Amount:  eur(amount),
		Kind:    ledger.PledgeDonation,
	})
	require.NoError(t, err)
	return e
}

func countKind(txs []ledger.Transaction, kind ledger.Kind) int {
	n := 0
	for _, t := range txs {
		if t.Kind == kind {
			n++
		}
	}
	return n
}

// =============================================================================
// SPLIT
// =============================================================================

func TestSplit_StandardPayment(t *testing.T) {
	// GIVEN: 105.00 paid as 100.00 donation + 5.00 tip, gateway fee 1.83
	// THEN: Fees 1.74 / 0.09, nets 98.26 / 4.91

	res, err := finance.Split(eur("105.00"), eur("100.00"), eur("5.00"), eur("1.83"))
	require.NoError(t, err)

	assert.Equal(t, "1.74", res.A.Fee.String())
	assert.Equal(t, "98.26", res.A.Net.String())
	assert.Equal(t, "0.09", res.B.Fee.String())
	assert.Equal(t, "4.91", res.B.Net.String())

	sum := res.A.Net.Add(res.B.Net).Add(res.A.Fee).Add(res.B.Fee)
	assert.Equal(t, "105.00", sum.String())
}

func TestSplit_PureDonation(t *testing.T) {
	res, err := finance.Split(eur("100.00"), eur("100.00"), eur("0.00"), eur("1.83"))
	require.NoError(t, err)
	assert.Equal(t, "1.83", res.A.Fee.String())
	assert.True(t, res.B.Fee.IsZero())
	assert.True(t, res.B.Gross.IsZero())
}

func TestSplit_RoundingReconciled(t *testing.T) {
	tests := []struct {
		name         string
		a, b, fee    string
		feeA, feeB   string
	}{
		{"adversarial small tip", "33.00", "0.33", "0.25", "0.25", "0.00"},
		{"both round up", "1.00", "1.00", "0.01", "0.00", "0.01"},
		{"both round up twice", "5.00", "5.00", "1.83", "0.91", "0.92"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, b, fee := eur(tt.a), eur(tt.b), eur(tt.fee)
			res, err := finance.Split(a.Add(b), a, b, fee)
			require.NoError(t, err)
			assert.Equal(t, tt.feeA, res.A.Fee.String())
			assert.Equal(t, tt.feeB, res.B.Fee.String())
			assert.True(t, res.A.Fee.Add(res.B.Fee).Equal(fee))
		})
	}
}

func TestSplit_Exactness(t *testing.T) {
	// Every combination keeps fee_a + fee_b == fee and
	// net_a + net_b + fees == a + b.
	buckets := []string{"0.33", "1.00", "5.00", "33.00", "100.00", "999.99"}
	fees := []string{"0.00", "0.01", "0.25", "1.83"}

	for i, as := range buckets {
		for _, bs := range append([]string{"0.00"}, buckets[:i+1]...) {
			for _, fs := range fees {
				a, b, fee := eur(as), eur(bs), eur(fs)
				if fee.GreaterThan(a.Add(b)) {
					continue
				}
				res, err := finance.Split(a.Add(b), a, b, fee)
				require.NoError(t, err, "%s/%s/%s", as, bs, fs)
				assert.True(t, res.A.Fee.Add(res.B.Fee).Equal(fee), "%s/%s/%s fees", as, bs, fs)
				total := res.A.Net.Add(res.B.Net).Add(res.A.Fee).Add(res.B.Fee)
				assert.True(t, total.Equal(a.Add(b)), "%s/%s/%s total", as, bs, fs)
			}
		}
	}
}

func TestSplit_Rejections(t *testing.T) {
	_, err := finance.Split(eur("100.00"), eur("90.00"), eur("5.00"), eur("1.00"))
	assert.ErrorIs(t, err, ledger.ErrSplitMismatch)

	// One cent of tolerance
	_, err = finance.Split(eur("100.00"), eur("94.99"), eur("5.00"), eur("1.00"))
	assert.NoError(t, err)

	_, err = finance.Split(eur("0.00"), eur("0.00"), eur("0.00"), eur("0.00"))
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

	_, err = finance.Split(eur("10.00"), eur("10.00"), eur("0.00"), eur("-1.00"))
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

	_, err = finance.Split(eur("1.00"), eur("1.00"), eur("0.00"), eur("2.00"))
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
}

// =============================================================================
// DEPOSIT
// =============================================================================

func TestDeposit_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := finance.DepositRequest{Owner: "alice", Amount: eur("50.00"), IdempotencyKey: "dep-1"}

	txn, err := f.svc.Deposit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, ledger.KindDeposit, txn.Kind)

	_, err = f.svc.Deposit(ctx, req)
	assert.ErrorIs(t, err, ledger.ErrIdempotencyKeyUsed)
	assert.Equal(t, ledger.CodeIdempotencyKeyUsed, ledger.ReasonCodeOf(err))
	assert.Equal(t, "50.00", f.balance(t, "alice"))
}

func TestDeposit_InvalidAmount(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Deposit(context.Background(), finance.DepositRequest{Owner: "alice", Amount: eur("0.00")})
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

	_, err = f.svc.Deposit(context.Background(), finance.DepositRequest{
		Owner:  "alice",
		Amount: ledger.NewAmountFromInt(5, ledger.SAKA),
	})
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
}

// =============================================================================
// PLEDGE
// =============================================================================

func TestPledge_LocksFundsInEscrow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deposit(t, "alice", "100.00")

	e, err := f.svc.Pledge(ctx, finance.PledgeRequest{
		Payer:          "alice",
		Project:        "garden",
		Amount:         eur("40.00"),
		Kind:           ledger.PledgeDonation,
		IdempotencyKey: "pledge-1",
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.EscrowLocked, e.Status)
	assert.Equal(t, "40.00", e.Amount.String())
	assert.Equal(t, ledger.OwnerID("alice"), e.Payer)
	assert.Equal(t, "60.00", f.balance(t, "alice"))

	pledge, err := f.store.TransactionByIdempotencyKey(ctx, "pledge-1")
	require.NoError(t, err)
	assert.Equal(t, e.PledgeTransactionID, pledge.ID)
	assert.Equal(t, ledger.KindPledge, pledge.Kind)
	assert.Equal(t, ledger.Spend, pledge.Direction)

	f.assertReconciled(t, "alice")
}

func TestPledge_SameKeyTwice(t *testing.T) {
	// GIVEN: A pledge with key K succeeded
	// WHEN: The same pledge is submitted again
	// THEN: Rejected; still one escrow and one debit

	f := newFixture(t)
	ctx := context.Background()
	f.deposit(t, "alice", "100.00")
	req := finance.PledgeRequest{Payer: "alice", Project: "garden", Amount: eur("40.00"), Kind: ledger.PledgeDonation, IdempotencyKey: "k"}

	_, err := f.svc.Pledge(ctx, req)
	require.NoError(t, err)
	_, err = f.svc.Pledge(ctx, req)
	assert.ErrorIs(t, err, ledger.ErrIdempotencyKeyUsed)

	escrows, err := f.svc.ProjectEscrows(ctx, "garden")
	require.NoError(t, err)
	assert.Len(t, escrows, 1)
	assert.Equal(t, "60.00", f.balance(t, "alice"))
	assert.Equal(t, 1, countKind(f.transactions(t, "alice"), ledger.KindPledge))
}

func TestPledge_SameKeyConcurrent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deposit(t, "alice", "1000.00")
	req := finance.PledgeRequest{Payer: "alice", Project: "garden", Amount: eur("10.00"), Kind: ledger.PledgeDonation, IdempotencyKey: "k"}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok, dups int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Pledge(ctx, req)
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
	assert.Equal(t, 9, dups)
	assert.Equal(t, "990.00", f.balance(t, "alice"))
}

func TestPledge_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deposit(t, "alice", "100.00")

	tests := []struct {
		name string
		req  finance.PledgeRequest
		want error
	}{
		{"insufficient balance", finance.PledgeRequest{Payer: "alice", Project: "garden", Amount: eur("100.01"), Kind: ledger.PledgeDonation}, ledger.ErrInsufficientBalance},
		{"payer without wallet", finance.PledgeRequest{Payer: "bob", Project: "garden", Amount: eur("1.00"), Kind: ledger.PledgeDonation}, ledger.ErrInsufficientBalance},
		{"zero amount", finance.PledgeRequest{Payer: "alice", Project: "garden", Amount: eur("0.00"), Kind: ledger.PledgeDonation}, ledger.ErrInvalidAmount},
		{"over maximum", finance.PledgeRequest{Payer: "alice", Project: "garden", Amount: eur("1000000.01"), Kind: ledger.PledgeDonation}, ledger.ErrAmountTooLarge},
		{"unknown kind", finance.PledgeRequest{Payer: "alice", Project: "garden", Amount: eur("1.00"), Kind: "loan"}, ledger.ErrInvalidPledgeKind},
		{"project refuses equity", finance.PledgeRequest{Payer: "alice", Project: "garden", Amount: eur("1.00"), Kind: ledger.PledgeEquity}, ledger.ErrInvalidPledgeKind},
		{"equity disabled", finance.PledgeRequest{Payer: "alice", Project: "coop", Amount: eur("60.00"), Kind: ledger.PledgeEquity}, ledger.ErrEquityDisabled},
		{"unknown project", finance.PledgeRequest{Payer: "alice", Project: "nope", Amount: eur("1.00"), Kind: ledger.PledgeDonation}, ledger.ErrProjectNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Pledge(ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, ledger.IsRejection(err))
		})
	}
	assert.Equal(t, "100.00", f.balance(t, "alice"))
}

func TestPledge_Equity(t *testing.T) {
	cfg := finance.DefaultConfig()
	cfg.EquityEnabled = true
	f := newFixtureWith(t, cfg)
	ctx := context.Background()
	f.deposit(t, "alice", "200.00")

	req := finance.PledgeRequest{Payer: "alice", Project: "coop", Amount: eur("100.00"), Kind: ledger.PledgeEquity}
	_, err := f.svc.Pledge(ctx, req)
	assert.ErrorIs(t, err, ledger.ErrNotEligible)

	require.NoError(t, f.store.SetInvestorEligible(ctx, "alice", true))

	// Rounded down to whole shares of 30.00
	e, err := f.svc.Pledge(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "90.00", e.Amount.String())
	assert.Equal(t, int64(3), e.Shares)
	assert.Equal(t, "110.00", f.balance(t, "alice"))

	req.Amount = eur("29.99")
	_, err = f.svc.Pledge(ctx, req)
	assert.ErrorIs(t, err, ledger.ErrBelowUnitPrice)
}

// =============================================================================
// RELEASE / REFUND
// =============================================================================

func TestRelease_Settlement(t *testing.T) {
	// GIVEN: A 100.00 escrow, commission 5%, estimated fees 1.5%
	// THEN: Commission 5.00, fees 1.50, the project receives 93.50

	f := newFixture(t)
	ctx := context.Background()
	f.deposit(t, "alice", "100.00")
	e := f.pledge(t, "alice", "garden", "100.00")

	st, err := f.svc.Release(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "5.00", st.Commission.String())
	assert.Equal(t, "1.50", st.Fees.String())
	assert.Equal(t, "93.50", st.Net.String())
	assert.True(t, st.Commission.Add(st.Fees).Add(st.Net).Equal(st.Gross))

	assert.Equal(t, "5.00", f.balance(t, "system:commission"))
	assert.Equal(t, "93.50", f.balance(t, "project:garden"))

	released, err := f.svc.Escrow(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.EscrowReleased, released.Status)
	require.NotNil(t, released.ReleasedAt)
	assert.Equal(t, "93.50", released.Net.String())

	payout := f.transactions(t, "project:garden")
	require.Len(t, payout, 1)
	require.NotNil(t, payout[0].Breakdown)
	assert.Equal(t, "100.00", payout[0].Breakdown.Gross.String())
	assert.Equal(t, "6.50", payout[0].Breakdown.Fee.String())

	f.svc.Wait()
	events := f.notifier.Events()
	require.Len(t, events, 1)
	assert.Equal(t, finance.EventEscrowReleased, events[0].Type)
	assert.Equal(t, "93.50", events[0].Net)
}

func TestRelease_Terminal(t *testing.T) {
	// GIVEN: A released escrow
	// WHEN: Releasing it again
	// THEN: Rejected and no second commission

	f := newFixture(t)
	ctx := context.Background()
	f.deposit(t, "alice", "100.00")
	e := f.pledge(t, "alice", "garden", "100.00")

	_, err := f.svc.Release(ctx, e.ID)
	require.NoError(t, err)

	_, err = f.svc.Release(ctx, e.ID)
	var stateErr *ledger.EscrowStateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, ledger.EscrowReleased, stateErr.Status)
	assert.Equal(t, ledger.CodeInvalidEscrowState, ledger.ReasonCodeOf(err))

	_, err = f.svc.Refund(ctx, e.ID)
	assert.ErrorIs(t, err, ledger.ErrInvalidEscrowState)

	assert.Len(t, f.transactions(t, "system:commission"), 1)
	assert.Equal(t, "5.00", f.balance(t, "system:commission"))
	assert.Equal(t, "0.00", f.balance(t, "alice"))
}

func TestRefund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deposit(t, "alice", "100.00")
	e := f.pledge(t, "alice", "garden", "40.00")

	refunded, err := f.svc.Refund(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.EscrowRefunded, refunded.Status)
	require.NotNil(t, refunded.RefundedAt)
	assert.Equal(t, "100.00", f.balance(t, "alice"))

	_, err = f.svc.Release(ctx, e.ID)
	assert.ErrorIs(t, err, ledger.ErrInvalidEscrowState)
	_, err = f.svc.Refund(ctx, e.ID)
	assert.ErrorIs(t, err, ledger.ErrInvalidEscrowState)

	_, err = f.svc.Refund(ctx, "missing")
	assert.ErrorIs(t, err, ledger.ErrEscrowNotFound)

	assert.Equal(t, "100.00", f.balance(t, "alice"))
	f.assertReconciled(t, "alice")
}

func TestReleaseProject_Batches(t *testing.T) {
	// GIVEN: 5 escrows of 10.00, batches of 2
	// THEN: 3 batches, one commission and one payout transaction per batch

	cfg := finance.DefaultConfig()
	cfg.ReleaseBatchSize = 2
	f := newFixtureWith(t, cfg)
	ctx := context.Background()

	payers := []ledger.OwnerID{"p1", "p2", "p3", "p4", "p5"}
	for _, p := range payers {
		f.deposit(t, p, "10.00")
		f.pledge(t, p, "garden", "10.00")
	}
	// A refunded escrow stays out of the release
	f.deposit(t, "p6", "10.00")
	refund := f.pledge(t, "p6", "garden", "10.00")
	_, err := f.svc.Refund(ctx, refund.ID)
	require.NoError(t, err)

	res, err := f.svc.ReleaseProject(ctx, "garden")
	require.NoError(t, err)
	assert.Empty(t, res.NoOp)
	assert.Equal(t, 5, res.Escrows)
	assert.Equal(t, 3, res.Batches)
	assert.Equal(t, "50.00", res.Gross.String())
	assert.Equal(t, "2.50", res.Commission.String())
	assert.Equal(t, "0.75", res.Fees.String())
	assert.Equal(t, "46.75", res.Net.String())

	assert.Equal(t, "2.50", f.balance(t, "system:commission"))
	assert.Equal(t, "46.75", f.balance(t, "project:garden"))
	assert.Len(t, f.transactions(t, "system:commission"), 3)
	assert.Len(t, f.transactions(t, "project:garden"), 3)

	escrows, err := f.svc.ProjectEscrows(ctx, "garden")
	require.NoError(t, err)
	for _, e := range escrows {
		if e.ID == refund.ID {
			assert.Equal(t, ledger.EscrowRefunded, e.Status)
			continue
		}
		assert.Equal(t, ledger.EscrowReleased, e.Status)
	}

	again, err := f.svc.ReleaseProject(ctx, "garden")
	require.NoError(t, err)
	assert.Equal(t, ledger.CodeNothingToRelease, again.NoOp)

	f.svc.Wait()
	closed := 0
	for _, ev := range f.notifier.Events() {
		if ev.Type == finance.EventProjectClosed {
			closed++
			assert.Equal(t, 5, ev.Escrows)
		}
	}
	assert.Equal(t, 1, closed)
}

func TestRelease_NotificationFailureKeepsSettlement(t *testing.T) {
	f := newFixture(t)
	f.notifier.err = errors.New("broker down")
	ctx := context.Background()
	f.deposit(t, "alice", "20.00")
	e := f.pledge(t, "alice", "garden", "20.00")

	_, err := f.svc.Release(ctx, e.ID)
	require.NoError(t, err)
	f.svc.Wait()

	released, err := f.svc.Escrow(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.EscrowReleased, released.Status)
	assert.Len(t, f.notifier.Events(), 1)
}

// =============================================================================
// ALLOCATE INCOMING PAYMENT
// =============================================================================

func TestAllocateIncomingPayment_Standard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	alloc, err := f.svc.AllocateIncomingPayment(ctx, finance.PaymentRequest{
		Payer:          "alice",
		Project:        "garden",
		Total:          eur("105.00"),
		Donation:       eur("100.00"),
		Tip:            eur("5.00"),
		GatewayFee:     eur("1.83"),
		IdempotencyKey: "pay-1",
	})
	require.NoError(t, err)
	require.NotNil(t, alloc.Donation)
	require.NotNil(t, alloc.Tip)
	assert.Equal(t, "1.74", alloc.Donation.Fee.String())
	assert.Equal(t, "98.26", alloc.Donation.Net.String())
	assert.Equal(t, "0.09", alloc.Tip.Fee.String())
	assert.Equal(t, "4.91", alloc.Tip.Net.String())

	escrow, err := f.svc.Escrow(ctx, alloc.Donation.EscrowID)
	require.NoError(t, err)
	assert.Equal(t, "98.26", escrow.Amount.String())
	assert.Equal(t, ledger.EscrowLocked, escrow.Status)

	assert.Equal(t, "0.00", f.balance(t, "alice"))
	assert.Equal(t, "4.91", f.balance(t, "system:tips"))

	// Each bucket transaction records gross, fee and net
	var feeSum, netSum ledger.Amount = eur("0.00"), eur("0.00")
	for _, txn := range f.transactions(t, "alice") {
		if txn.Kind != ledger.KindPledge && txn.Kind != ledger.KindTip {
			continue
		}
		require.NotNil(t, txn.Breakdown, "%s", txn.Kind)
		assert.True(t, txn.Amount.Equal(txn.Breakdown.Gross))
		feeSum = feeSum.Add(txn.Breakdown.Fee)
		netSum = netSum.Add(txn.Breakdown.Net)
	}
	assert.Equal(t, "1.83", feeSum.String())
	assert.Equal(t, "105.00", feeSum.Add(netSum).String())

	_, err = f.svc.AllocateIncomingPayment(ctx, finance.PaymentRequest{
		Payer: "alice", Project: "garden",
		Total: eur("105.00"), Donation: eur("100.00"), Tip: eur("5.00"), GatewayFee: eur("1.83"),
		IdempotencyKey: "pay-1",
	})
	assert.ErrorIs(t, err, ledger.ErrIdempotencyKeyUsed)
	f.assertReconciled(t, "alice")
}

func TestAllocateIncomingPayment_PureDonation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	alloc, err := f.svc.AllocateIncomingPayment(ctx, finance.PaymentRequest{
		Payer:      "alice",
		Project:    "garden",
		Total:      eur("100.00"),
		Donation:   eur("100.00"),
		Tip:        eur("0.00"),
		GatewayFee: eur("1.83"),
	})
	require.NoError(t, err)
	assert.Nil(t, alloc.Tip)
	require.NotNil(t, alloc.Donation)
	assert.Equal(t, "1.83", alloc.Donation.Fee.String())

	txs := f.transactions(t, "alice")
	assert.Equal(t, 1, countKind(txs, ledger.KindPledge))
	assert.Zero(t, countKind(txs, ledger.KindTip))
	assert.Nil(t, f.transactions(t, "system:tips"))
}

func TestAllocateIncomingPayment_Mismatch(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.AllocateIncomingPayment(context.Background(), finance.PaymentRequest{
		Payer: "alice", Project: "garden",
		Total: eur("105.00"), Donation: eur("100.00"), Tip: eur("1.00"), GatewayFee: eur("1.83"),
	})
	assert.ErrorIs(t, err, ledger.ErrSplitMismatch)
	assert.Zero(t, f.store.Commits())
}

// =============================================================================
// POCKETS
// =============================================================================

func TestPockets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deposit(t, "alice", "100.00")

	savings, err := f.svc.CreatePocket(ctx, finance.CreatePocketRequest{
		Owner:      "alice",
		Name:       "Savings",
		Kind:       ledger.PocketGeneral,
		Percentage: decimal.NewFromInt(30),
	})
	require.NoError(t, err)

	_, err = f.svc.CreatePocket(ctx, finance.CreatePocketRequest{Owner: "alice", Name: "Savings", Kind: ledger.PocketDonation})
	assert.ErrorIs(t, err, ledger.ErrPocketNameTaken)

	_, err = f.svc.CreatePocket(ctx, finance.CreatePocketRequest{Owner: "alice", Name: "Too much", Kind: ledger.PocketGeneral, Percentage: decimal.NewFromInt(120)})
	assert.ErrorIs(t, err, ledger.ErrInvalidAllocation)

	txn, err := f.svc.TransferToPocket(ctx, finance.TransferRequest{Owner: "alice", PocketID: savings.ID, Amount: eur("30.00")})
	require.NoError(t, err)
	assert.Equal(t, ledger.KindPocketTransfer, txn.Kind)
	assert.Equal(t, "70.00", f.balance(t, "alice"))

	pockets, err := f.svc.Pockets(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, pockets, 1)
	assert.Equal(t, "30.00", pockets[0].CurrentAmount.String())

	_, err = f.svc.TransferToPocket(ctx, finance.TransferRequest{Owner: "alice", PocketID: savings.ID, Amount: eur("70.01")})
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	f.deposit(t, "bob", "10.00")
	_, err = f.svc.TransferToPocket(ctx, finance.TransferRequest{Owner: "bob", PocketID: savings.ID, Amount: eur("1.00")})
	assert.ErrorIs(t, err, ledger.ErrPocketNotFound)

	f.assertReconciled(t, "alice")
}
