package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// =============================================================================
// BALANCE SNAPSHOT
// =============================================================================

// BalanceSnapshot is the read model returned by GetBalance operations.
// Owners without a wallet get a zero snapshot with Exists false.
type BalanceSnapshot struct {
	Owner          OwnerID
	Currency       Currency
	Exists         bool
	Balance        Amount
	TotalHarvested Amount
	TotalPlanted   Amount
	TotalComposted Amount
	LastActivityAt *time.Time
}

func SnapshotOf(w Wallet) BalanceSnapshot {
	return BalanceSnapshot{
		Owner:          w.Owner,
		Currency:       w.Currency,
		Exists:         true,
		Balance:        w.Balance,
		TotalHarvested: w.TotalHarvested,
		TotalPlanted:   w.TotalPlanted,
		TotalComposted: w.TotalComposted,
		LastActivityAt: w.LastActivityAt,
	}
}

func (l *Ledger) Balance(ctx context.Context, key WalletKey) (BalanceSnapshot, error) {
	w, err := l.store.Wallet(ctx, key)
	if errors.Is(err, ErrWalletNotFound) {
		zero := Zero(key.Currency)
		return BalanceSnapshot{
			Owner:          key.Owner,
			Currency:       key.Currency,
			Balance:        zero,
			TotalHarvested: zero,
			TotalPlanted:   zero,
			TotalComposted: zero,
		}, nil
	}
	if err != nil {
		return BalanceSnapshot{}, err
	}
	return SnapshotOf(w), nil
}

// =============================================================================
// RECONCILIATION
// =============================================================================

// Reconciliation compares the stored balance with a replay of the journal.
type Reconciliation struct {
	Key          WalletKey
	WalletID     WalletID
	Stored       Amount
	Replayed     Amount
	Transactions int
}

func (r Reconciliation) Consistent() bool { return r.Stored.Equal(r.Replayed) }

// Replay sums EARN minus SPEND over txs.
func Replay(txs []Transaction, c Currency) Amount {
	sum := Zero(c)
	for _, t := range txs {
		sum = sum.Add(t.Signed())
	}
	return sum
}

// Reconcile replays a wallet's transactions and reports drift between the
// journal and the stored balance. Drift is logged as fatal; it can only come
// from writes that bypassed the unit of work.
func (l *Ledger) Reconcile(ctx context.Context, key WalletKey) (Reconciliation, error) {
	w, err := l.store.Wallet(ctx, key)
	if err != nil {
		return Reconciliation{}, err
	}
	txs, err := l.store.Transactions(ctx, w.ID)
	if err != nil {
		return Reconciliation{}, err
	}

	r := Reconciliation{
		Key:          key,
		WalletID:     w.ID,
		Stored:       w.Balance,
		Replayed:     Replay(txs, key.Currency),
		Transactions: len(txs),
	}
	if !r.Consistent() {
		l.logger.WithLevel(zerolog.FatalLevel).
			Str("wallet_id", string(w.ID)).
			Str("stored", r.Stored.String()).
			Str("replayed", r.Replayed.String()).
			Msg("wallet balance drifted from its journal")
	}
	return r, nil
}
