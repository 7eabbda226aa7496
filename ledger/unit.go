package ledger

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// =============================================================================
// UNIT OF WORK
// =============================================================================

// Unit is one atomic unit of work, handed to the closure passed to
// Ledger.Run. Wallets must be locked through the unit before they can be
// posted to. Postings are validated and applied in memory; Flush (called by
// Run after the closure returns, or explicitly when later writes need the
// rows) persists wallets and transactions together.
type Unit struct {
	tx        Tx
	now       time.Time
	wallets   map[WalletID]*trackedWallet
	dirty     []WalletID
	pending   []Transaction
	committed []Transaction
}

type trackedWallet struct {
	wallet   Wallet
	baseline Amount // balance as last persisted
	journal  Amount // signed sum of pending transactions
	dirty    bool
}

func newUnit(tx Tx, now time.Time) *Unit {
	return &Unit{tx: tx, now: now, wallets: make(map[WalletID]*trackedWallet)}
}

// Now is the timestamp stamped on everything the unit writes.
func (u *Unit) Now() time.Time { return u.now }

// Records exposes the non-balance writes (pool, escrows, pockets, logs).
func (u *Unit) Records() Records { return u.tx }

func (u *Unit) track(w Wallet) Wallet {
	if t, ok := u.wallets[w.ID]; ok {
		return t.wallet
	}
	u.wallets[w.ID] = &trackedWallet{wallet: w, baseline: w.Balance, journal: Zero(w.Currency)}
	return w
}

// LockWallet locks an existing wallet. Missing wallets yield ErrWalletNotFound.
func (u *Unit) LockWallet(ctx context.Context, key WalletKey) (Wallet, error) {
	w, err := u.tx.LockWallet(ctx, key)
	if err != nil {
		return Wallet{}, err
	}
	return u.track(w), nil
}

// LockOrCreateWallet locks the wallet for key, creating an empty one first
// if the owner has none yet.
func (u *Unit) LockOrCreateWallet(ctx context.Context, key WalletKey) (Wallet, error) {
	w, err := u.tx.LockOrCreateWallet(ctx, NewWallet(key, u.now))
	if err != nil {
		return Wallet{}, err
	}
	return u.track(w), nil
}

// LockWallets locks several wallets in ascending id order.
func (u *Unit) LockWallets(ctx context.Context, ids []WalletID) ([]Wallet, error) {
	sorted := append([]WalletID(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	ws, err := u.tx.LockWallets(ctx, sorted)
	if err != nil {
		return nil, err
	}
	for i := range ws {
		ws[i] = u.track(ws[i])
	}
	return ws, nil
}

func (u *Unit) LockCompostCandidates(ctx context.Context, q CompostQuery) ([]Wallet, error) {
	ws, err := u.tx.LockCompostCandidates(ctx, q)
	if err != nil {
		return nil, err
	}
	for i := range ws {
		ws[i] = u.track(ws[i])
	}
	return ws, nil
}

// Wallet returns the in-unit state of a locked wallet.
func (u *Unit) Wallet(id WalletID) (Wallet, bool) {
	t, ok := u.wallets[id]
	if !ok {
		return Wallet{}, false
	}
	return t.wallet, true
}

// =============================================================================
// POSTING
// =============================================================================

// Credit records an EARN transaction on a locked wallet.
func (u *Unit) Credit(id WalletID, p Posting) (Transaction, error) {
	return u.post(id, Earn, p)
}

// Debit records a SPEND transaction on a locked wallet. A debit larger than
// the balance fails with *InsufficientBalanceError and changes nothing.
func (u *Unit) Debit(id WalletID, p Posting) (Transaction, error) {
	return u.post(id, Spend, p)
}

func (u *Unit) post(id WalletID, dir Direction, p Posting) (Transaction, error) {
	t, ok := u.wallets[id]
	if !ok {
		return Transaction{}, fmt.Errorf("%w: wallet %s is not locked by this unit", ErrInvariantViolation, id)
	}
	txn, err := NewTransaction(t.wallet, dir, p, u.now)
	if err != nil {
		return Transaction{}, err
	}

	w := &t.wallet
	if dir == Spend {
		if w.Balance.LessThan(p.Amount) {
			return Transaction{}, &InsufficientBalanceError{
				WalletID:  w.ID,
				Owner:     w.Owner,
				Available: w.Balance,
				Requested: p.Amount,
			}
		}
		w.Balance = w.Balance.Sub(p.Amount)
	} else {
		w.Balance = w.Balance.Add(p.Amount)
	}

	switch p.Kind {
	case KindHarvest, KindRedistribution:
		w.TotalHarvested = w.TotalHarvested.Add(p.Amount)
	case KindSpend:
		w.TotalPlanted = w.TotalPlanted.Add(p.Amount)
	case KindCompost:
		w.TotalComposted = w.TotalComposted.Add(p.Amount)
	}
	now := u.now
	w.LastActivityAt = &now
	w.UpdatedAt = now

	t.journal = t.journal.Add(txn.Signed())
	if !t.dirty {
		t.dirty = true
		u.dirty = append(u.dirty, id)
	}
	u.pending = append(u.pending, txn)
	return txn, nil
}

// CreditShared credits a shared system wallet (commission, tips, project
// payouts) with a single atomic increment. The wallet is never row-locked,
// so concurrent units do not serialize on it.
func (u *Unit) CreditShared(ctx context.Context, key WalletKey, p Posting) (Transaction, error) {
	for _, t := range u.wallets {
		if t.wallet.Key() == key {
			return Transaction{}, fmt.Errorf("%w: shared wallet %s is locked by this unit", ErrInvariantViolation, key)
		}
	}
	template := NewWallet(key, u.now)
	txn, err := NewTransaction(template, Earn, p, u.now)
	if err != nil {
		return Transaction{}, err
	}

	id, err := u.tx.IncrementWallet(ctx, template, p.Amount, u.now)
	if err != nil {
		return Transaction{}, err
	}
	txn.WalletID = id
	if err := u.tx.AppendTransactions(ctx, []Transaction{txn}); err != nil {
		return Transaction{}, err
	}
	u.committed = append(u.committed, txn)
	return txn, nil
}

// Flush persists dirty wallets and pending transactions. It verifies first
// that every balance delta is explained by the pending transactions.
func (u *Unit) Flush(ctx context.Context) error {
	if len(u.dirty) == 0 && len(u.pending) == 0 {
		return nil
	}

	wallets := make([]Wallet, 0, len(u.dirty))
	for _, id := range u.dirty {
		t := u.wallets[id]
		delta := t.wallet.Balance.Sub(t.baseline)
		if !delta.Equal(t.journal) {
			return &UnexplainedDeltaError{WalletID: id, Delta: delta, Journaled: t.journal}
		}
		if t.wallet.Balance.IsNegative() {
			return fmt.Errorf("%w: wallet %s balance would become %s", ErrInvariantViolation, id, t.wallet.Balance)
		}
		wallets = append(wallets, t.wallet)
	}

	if err := u.tx.SaveWallets(ctx, wallets); err != nil {
		return err
	}
	if err := u.tx.AppendTransactions(ctx, u.pending); err != nil {
		return err
	}

	for _, id := range u.dirty {
		t := u.wallets[id]
		t.baseline = t.wallet.Balance
		t.journal = Zero(t.wallet.Currency)
		t.dirty = false
	}
	u.dirty = nil
	u.committed = append(u.committed, u.pending...)
	u.pending = nil
	return nil
}

// =============================================================================
// QUERIES THAT SEE PENDING POSTINGS
// =============================================================================

// IdempotencyKeyUsed checks stored and not-yet-flushed transactions.
func (u *Unit) IdempotencyKeyUsed(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, nil
	}
	for _, t := range u.pending {
		if t.IdempotencyKey == key {
			return true, nil
		}
	}
	for _, t := range u.committed {
		if t.IdempotencyKey == key {
			return true, nil
		}
	}
	return u.tx.IdempotencyKeyExists(ctx, key)
}

// CountEarn counts EARN transactions with the given reason since the given
// instant, including pending ones of this unit.
func (u *Unit) CountEarn(ctx context.Context, walletID WalletID, reason string, since time.Time) (int, error) {
	n, err := u.tx.CountEarn(ctx, walletID, reason, since)
	if err != nil {
		return 0, err
	}
	for _, t := range u.pending {
		if earnMatches(t, walletID, reason, since) {
			n++
		}
	}
	return n, nil
}

// SumEarn is CountEarn's counterpart for amounts.
func (u *Unit) SumEarn(ctx context.Context, walletID WalletID, c Currency, reason string, since time.Time) (Amount, error) {
	sum, err := u.tx.SumEarn(ctx, walletID, c, reason, since)
	if err != nil {
		return Amount{}, err
	}
	for _, t := range u.pending {
		if earnMatches(t, walletID, reason, since) {
			sum = sum.Add(t.Amount)
		}
	}
	return sum, nil
}

func earnMatches(t Transaction, walletID WalletID, reason string, since time.Time) bool {
	return t.WalletID == walletID && t.Direction == Earn && t.Reason == reason && !t.CreatedAt.Before(since)
}
