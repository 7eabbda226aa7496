package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/ledger/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var now = time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC)

func deposit(w ledger.Wallet, amount, key string) ledger.Transaction {
	return ledger.Transaction{
		ID:             ledger.NewTransactionID(),
		WalletID:       w.ID,
		Owner:          w.Owner,
		Currency:       w.Currency,
		Direction:      ledger.Earn,
		Kind:           ledger.KindDeposit,
		Amount:         ledger.MustParseAmount(amount, w.Currency),
		IdempotencyKey: key,
		CreatedAt:      now,
	}
}

func createWallet(t *testing.T, m *store.Memory, owner ledger.OwnerID) ledger.Wallet {
	t.Helper()
	var w ledger.Wallet
	err := m.WithTx(context.Background(), func(tx ledger.Tx) error {
		var err error
		w, err = tx.LockOrCreateWallet(context.Background(), ledger.NewWallet(ledger.WalletKey{Owner: owner, Currency: ledger.EUR}, now))
		return err
	})
	require.NoError(t, err)
	return w
}

// =============================================================================
// UNITS OF WORK
// =============================================================================

func TestMemory_RollbackRestoresState(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	w := createWallet(t, m, "alice")

	boom := errors.New("boom")
	err := m.WithTx(ctx, func(tx ledger.Tx) error {
		if err := tx.AppendTransactions(ctx, []ledger.Transaction{deposit(w, "5.00", "k1")}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	txs, err := m.Transactions(ctx, w.ID)
	require.NoError(t, err)
	assert.Empty(t, txs)
	used, err := m.IdempotencyKeyExists(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, used)
	assert.Equal(t, 1, m.Commits())
}

func TestMemory_FailCommits(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	w := createWallet(t, m, "alice")

	m.FailCommits(1, ledger.ErrTransient)
	appendOne := func(tx ledger.Tx) error {
		return tx.AppendTransactions(ctx, []ledger.Transaction{deposit(w, "1.00", "")})
	}

	// WHEN: The first commit fails after the closure ran
	assert.ErrorIs(t, m.WithTx(ctx, appendOne), ledger.ErrTransient)
	// THEN: The next one goes through
	require.NoError(t, m.WithTx(ctx, appendOne))

	txs, err := m.Transactions(ctx, w.ID)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, int64(1), txs[0].Seq)
	assert.Equal(t, 2, m.Commits())
}

func TestMemory_CanceledContext(t *testing.T) {
	m := store.NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := m.WithTx(ctx, func(ledger.Tx) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

// =============================================================================
// IDEMPOTENCY
// =============================================================================

func TestMemory_IdempotencyKeys(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	w := createWallet(t, m, "alice")

	tests := []struct {
		name string
		txs  []ledger.Transaction
		err  error
	}{
		{"first use", []ledger.Transaction{deposit(w, "1.00", "k1")}, nil},
		{"reused key", []ledger.Transaction{deposit(w, "1.00", "k1")}, ledger.ErrIdempotencyKeyUsed},
		{"duplicate within one batch", []ledger.Transaction{deposit(w, "1.00", "k2"), deposit(w, "2.00", "k2")}, ledger.ErrIdempotencyKeyUsed},
		{"keyless transactions never collide", []ledger.Transaction{deposit(w, "1.00", ""), deposit(w, "2.00", "")}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.WithTx(ctx, func(tx ledger.Tx) error {
				return tx.AppendTransactions(ctx, tt.txs)
			})
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			assert.NoError(t, err)
		})
	}

	txn, err := m.TransactionByIdempotencyKey(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "1.00", txn.Amount.String())

	used, err := m.IdempotencyKeyExists(ctx, "k2")
	require.NoError(t, err)
	assert.False(t, used)
}

// =============================================================================
// QUERIES
// =============================================================================

func TestMemory_CompostCandidates(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	old := now.AddDate(0, 0, -120)
	recent := now.AddDate(0, 0, -2)
	seed := []struct {
		owner    ledger.OwnerID
		balance  int64
		activity *time.Time
	}{
		{"idle-rich", 200, &old},
		{"idle-poor", 20, &old},
		{"active", 500, &recent},
		{"never-active", 80, nil},
	}
	err := m.WithTx(ctx, func(tx ledger.Tx) error {
		for _, s := range seed {
			w := ledger.NewWallet(ledger.WalletKey{Owner: s.owner, Currency: ledger.SAKA}, old)
			w.Balance = ledger.NewAmountFromInt(s.balance, ledger.SAKA)
			w.LastActivityAt = s.activity
			if _, err := tx.LockOrCreateWallet(ctx, w); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	var owners []ledger.OwnerID
	err = m.WithTx(ctx, func(tx ledger.Tx) error {
		ws, err := tx.LockCompostCandidates(ctx, ledger.CompostQuery{
			Currency:   ledger.SAKA,
			Cutoff:     now.AddDate(0, 0, -90),
			MinBalance: ledger.NewAmountFromInt(50, ledger.SAKA),
		})
		for _, w := range ws {
			owners = append(owners, w.Owner)
		}
		return err
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []ledger.OwnerID{"idle-rich", "never-active"}, owners)
}

func TestMemory_PoolStartsEmpty(t *testing.T) {
	m := store.NewMemory()
	pool, err := m.Pool(context.Background(), ledger.SAKA)
	require.NoError(t, err)
	assert.True(t, pool.TotalBalance.IsZero())
	assert.Equal(t, ledger.SAKA, pool.Currency)

	_, err = m.Wallet(context.Background(), ledger.WalletKey{Owner: "ghost", Currency: ledger.SAKA})
	assert.ErrorIs(t, err, ledger.ErrWalletNotFound)
}

func TestMemory_ProjectDirectory(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	_, err := m.Project(ctx, "garden")
	assert.ErrorIs(t, err, ledger.ErrProjectNotFound)

	require.NoError(t, m.SaveProject(ctx, ledger.Project{ID: "garden", Name: "Community Garden", AcceptsDonations: true}))
	p, err := m.Project(ctx, "garden")
	require.NoError(t, err)
	assert.Equal(t, "Community Garden", p.Name)
	assert.True(t, p.Accepts(ledger.PledgeDonation))
	assert.False(t, p.Accepts(ledger.PledgeEquity))

	require.NoError(t, m.SetInvestorEligible(ctx, "alice", true))
	ok, err := m.InvestorEligible(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, ok)
}
