// Package store provides the in-memory ledger.Store used by tests and the
// single-process dev server.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/ledger-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory serializes units of work behind one mutex. A unit runs against
// the live state; on error the state captured before the unit is restored.
type Memory struct {
	mu sync.RWMutex
	st *state

	failures    int
	failWith    error
	commitCount int
}

type state struct {
	wallets  map[ledger.WalletID]ledger.Wallet
	byKey    map[ledger.WalletKey]ledger.WalletID
	txs      []ledger.Transaction
	idem     map[string]int
	seq      int64
	pools    map[ledger.Currency]ledger.CommonPool
	logs     map[string]ledger.CompostCycleLog
	escrows  map[ledger.EscrowID]ledger.Escrow
	pockets  map[ledger.PocketID]ledger.Pocket
	projects map[ledger.ProjectID]ledger.Project
	eligible map[ledger.OwnerID]bool
}

func NewMemory() *Memory {
	return &Memory{st: &state{
		wallets:  make(map[ledger.WalletID]ledger.Wallet),
		byKey:    make(map[ledger.WalletKey]ledger.WalletID),
		idem:     make(map[string]int),
		pools:    make(map[ledger.Currency]ledger.CommonPool),
		logs:     make(map[string]ledger.CompostCycleLog),
		escrows:  make(map[ledger.EscrowID]ledger.Escrow),
		pockets:  make(map[ledger.PocketID]ledger.Pocket),
		projects: make(map[ledger.ProjectID]ledger.Project),
		eligible: make(map[ledger.OwnerID]bool),
	}}
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction, simulated with a snapshot and a
// rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	snapshot := m.st.clone()

	if err := fn(&txView{state: m.st}); err != nil {
		m.st = snapshot
		return err
	}
	if m.failures > 0 {
		m.failures--
		m.st = snapshot
		return m.failWith
	}
	m.commitCount++
	return nil
}

// FailCommits makes the next n units roll back with err after their
// closure ran, the way a deadlocked commit would.
func (m *Memory) FailCommits(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = n
	m.failWith = err
}

// Commits returns how many units committed.
func (m *Memory) Commits() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.commitCount
}

func (s *state) clone() *state {
	c := &state{
		wallets:  make(map[ledger.WalletID]ledger.Wallet, len(s.wallets)),
		byKey:    make(map[ledger.WalletKey]ledger.WalletID, len(s.byKey)),
		txs:      s.txs[:len(s.txs):len(s.txs)],
		idem:     make(map[string]int, len(s.idem)),
		seq:      s.seq,
		pools:    make(map[ledger.Currency]ledger.CommonPool, len(s.pools)),
		logs:     make(map[string]ledger.CompostCycleLog, len(s.logs)),
		escrows:  make(map[ledger.EscrowID]ledger.Escrow, len(s.escrows)),
		pockets:  make(map[ledger.PocketID]ledger.Pocket, len(s.pockets)),
		projects: make(map[ledger.ProjectID]ledger.Project, len(s.projects)),
		eligible: make(map[ledger.OwnerID]bool, len(s.eligible)),
	}
	for k, v := range s.wallets {
		c.wallets[k] = v
	}
	for k, v := range s.byKey {
		c.byKey[k] = v
	}
	for k, v := range s.idem {
		c.idem[k] = v
	}
	for k, v := range s.pools {
		c.pools[k] = v
	}
	for k, v := range s.logs {
		c.logs[k] = v
	}
	for k, v := range s.escrows {
		c.escrows[k] = v
	}
	for k, v := range s.pockets {
		c.pockets[k] = v
	}
	for k, v := range s.projects {
		c.projects[k] = v
	}
	for k, v := range s.eligible {
		c.eligible[k] = v
	}
	return c
}

// =============================================================================
// READER (outside a unit)
// =============================================================================

func (m *Memory) Wallet(ctx context.Context, key ledger.WalletKey) (ledger.Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.Wallet(ctx, key)
}

func (m *Memory) Transactions(ctx context.Context, walletID ledger.WalletID) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.Transactions(ctx, walletID)
}

func (m *Memory) TransactionByIdempotencyKey(ctx context.Context, key string) (ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.TransactionByIdempotencyKey(ctx, key)
}

func (m *Memory) IdempotencyKeyExists(ctx context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.IdempotencyKeyExists(ctx, key)
}

func (m *Memory) CountEarn(ctx context.Context, walletID ledger.WalletID, reason string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.CountEarn(ctx, walletID, reason, since)
}

func (m *Memory) SumEarn(ctx context.Context, walletID ledger.WalletID, c ledger.Currency, reason string, since time.Time) (ledger.Amount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.SumEarn(ctx, walletID, c, reason, since)
}

func (m *Memory) Pool(ctx context.Context, c ledger.Currency) (ledger.CommonPool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.Pool(ctx, c)
}

func (m *Memory) CompostLog(ctx context.Context, id string) (ledger.CompostCycleLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.CompostLog(ctx, id)
}

func (m *Memory) RedistributionEligible(ctx context.Context, c ledger.Currency, minHarvested ledger.Amount) ([]ledger.WalletID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.RedistributionEligible(ctx, c, minHarvested)
}

func (m *Memory) Escrow(ctx context.Context, id ledger.EscrowID) (ledger.Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.Escrow(ctx, id)
}

func (m *Memory) ProjectEscrows(ctx context.Context, project ledger.ProjectID) ([]ledger.Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.ProjectEscrows(ctx, project)
}

func (m *Memory) Pocket(ctx context.Context, id ledger.PocketID) (ledger.Pocket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.Pocket(ctx, id)
}

func (m *Memory) Pockets(ctx context.Context, walletID ledger.WalletID) ([]ledger.Pocket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.Pockets(ctx, walletID)
}

// =============================================================================
// PROJECT DIRECTORY
// =============================================================================

func (m *Memory) Project(_ context.Context, id ledger.ProjectID) (ledger.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.st.projects[id]
	if !ok {
		return ledger.Project{}, ledger.ErrProjectNotFound
	}
	return p, nil
}

func (m *Memory) SaveProject(_ context.Context, p ledger.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.projects[p.ID] = p
	return nil
}

func (m *Memory) InvestorEligible(_ context.Context, owner ledger.OwnerID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.eligible[owner], nil
}

func (m *Memory) SetInvestorEligible(_ context.Context, owner ledger.OwnerID, eligible bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.eligible[owner] = eligible
	return nil
}

// =============================================================================
// STATE - unlocked reads and writes, shared by Memory and txView
// =============================================================================

// txView is the ledger.Tx handed to a unit; the store mutex is held.
type txView struct {
	*state
}

func (s *state) Wallet(_ context.Context, key ledger.WalletKey) (ledger.Wallet, error) {
	id, ok := s.byKey[key]
	if !ok {
		return ledger.Wallet{}, ledger.ErrWalletNotFound
	}
	return s.wallets[id], nil
}

func (s *state) Transactions(_ context.Context, walletID ledger.WalletID) ([]ledger.Transaction, error) {
	var out []ledger.Transaction
	for _, t := range s.txs {
		if t.WalletID == walletID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *state) TransactionByIdempotencyKey(_ context.Context, key string) (ledger.Transaction, error) {
	i, ok := s.idem[key]
	if !ok || key == "" {
		return ledger.Transaction{}, fmt.Errorf("transaction with key %q: %w", key, ledger.ErrNotFound)
	}
	return s.txs[i], nil
}

func (s *state) IdempotencyKeyExists(_ context.Context, key string) (bool, error) {
	_, ok := s.idem[key]
	return ok && key != "", nil
}

func (s *state) earn(walletID ledger.WalletID, reason string, since time.Time, fn func(ledger.Transaction)) {
	for _, t := range s.txs {
		if t.WalletID == walletID && t.Direction == ledger.Earn && t.Reason == reason && !t.CreatedAt.Before(since) {
			fn(t)
		}
	}
}

func (s *state) CountEarn(_ context.Context, walletID ledger.WalletID, reason string, since time.Time) (int, error) {
	n := 0
	s.earn(walletID, reason, since, func(ledger.Transaction) { n++ })
	return n, nil
}

func (s *state) SumEarn(_ context.Context, walletID ledger.WalletID, c ledger.Currency, reason string, since time.Time) (ledger.Amount, error) {
	sum := ledger.Zero(c)
	s.earn(walletID, reason, since, func(t ledger.Transaction) { sum = sum.Add(t.Amount) })
	return sum, nil
}

func (s *state) Pool(_ context.Context, c ledger.Currency) (ledger.CommonPool, error) {
	p, ok := s.pools[c]
	if !ok {
		return ledger.NewCommonPool(c, time.Time{}), nil
	}
	return p, nil
}

func (s *state) CompostLog(_ context.Context, id string) (ledger.CompostCycleLog, error) {
	l, ok := s.logs[id]
	if !ok {
		return ledger.CompostCycleLog{}, fmt.Errorf("compost log %s: %w", id, ledger.ErrNotFound)
	}
	return l, nil
}

func (s *state) RedistributionEligible(_ context.Context, c ledger.Currency, minHarvested ledger.Amount) ([]ledger.WalletID, error) {
	var ids []ledger.WalletID
	for id, w := range s.wallets {
		if w.Currency == c && w.TotalHarvested.GreaterThanOrEqual(minHarvested) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *state) Escrow(_ context.Context, id ledger.EscrowID) (ledger.Escrow, error) {
	e, ok := s.escrows[id]
	if !ok {
		return ledger.Escrow{}, ledger.ErrEscrowNotFound
	}
	return e, nil
}

func (s *state) ProjectEscrows(_ context.Context, project ledger.ProjectID) ([]ledger.Escrow, error) {
	var out []ledger.Escrow
	for _, e := range s.escrows {
		if e.Project == project {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *state) Pocket(_ context.Context, id ledger.PocketID) (ledger.Pocket, error) {
	p, ok := s.pockets[id]
	if !ok {
		return ledger.Pocket{}, ledger.ErrPocketNotFound
	}
	return p, nil
}

func (s *state) Pockets(_ context.Context, walletID ledger.WalletID) ([]ledger.Pocket, error) {
	var out []ledger.Pocket
	for _, p := range s.pockets {
		if p.WalletID == walletID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// -----------------------------------------------------------------------------
// Unit-only writes. The global mutex stands in for row locks.
// -----------------------------------------------------------------------------

func (v *txView) LockWallet(ctx context.Context, key ledger.WalletKey) (ledger.Wallet, error) {
	return v.Wallet(ctx, key)
}

func (v *txView) LockOrCreateWallet(_ context.Context, template ledger.Wallet) (ledger.Wallet, error) {
	if id, ok := v.byKey[template.Key()]; ok {
		return v.wallets[id], nil
	}
	v.wallets[template.ID] = template
	v.byKey[template.Key()] = template.ID
	return template, nil
}

func (v *txView) LockWallets(_ context.Context, ids []ledger.WalletID) ([]ledger.Wallet, error) {
	out := make([]ledger.Wallet, 0, len(ids))
	for _, id := range ids {
		w, ok := v.wallets[id]
		if !ok {
			return nil, fmt.Errorf("wallet %s: %w", id, ledger.ErrWalletNotFound)
		}
		out = append(out, w)
	}
	return out, nil
}

func (v *txView) LockCompostCandidates(_ context.Context, q ledger.CompostQuery) ([]ledger.Wallet, error) {
	var out []ledger.Wallet
	for _, w := range v.wallets {
		if w.Currency != q.Currency || w.ID <= q.AfterID || w.Balance.LessThan(q.MinBalance) {
			continue
		}
		if w.LastActivityAt != nil && !w.LastActivityAt.Before(q.Cutoff) {
			continue
		}
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (v *txView) SaveWallets(_ context.Context, wallets []ledger.Wallet) error {
	for _, w := range wallets {
		if _, ok := v.wallets[w.ID]; !ok {
			return fmt.Errorf("save wallet %s: %w", w.ID, ledger.ErrWalletNotFound)
		}
		v.wallets[w.ID] = w
	}
	return nil
}

func (v *txView) IncrementWallet(ctx context.Context, template ledger.Wallet, delta ledger.Amount, at time.Time) (ledger.WalletID, error) {
	w, err := v.LockOrCreateWallet(ctx, template)
	if err != nil {
		return "", err
	}
	w.Balance = w.Balance.Add(delta)
	w.LastActivityAt = &at
	w.UpdatedAt = at
	v.wallets[w.ID] = w
	return w.ID, nil
}

func (v *txView) AppendTransactions(_ context.Context, txs []ledger.Transaction) error {
	seen := make(map[string]bool)
	for _, t := range txs {
		if _, ok := v.wallets[t.WalletID]; !ok {
			return fmt.Errorf("append transaction %s: %w", t.ID, ledger.ErrWalletNotFound)
		}
		if t.IdempotencyKey == "" {
			continue
		}
		if _, used := v.idem[t.IdempotencyKey]; used || seen[t.IdempotencyKey] {
			return ledger.ErrIdempotencyKeyUsed
		}
		seen[t.IdempotencyKey] = true
	}
	for i := range txs {
		v.seq++
		txs[i].Seq = v.seq
		v.txs = append(v.txs, txs[i])
		if txs[i].IdempotencyKey != "" {
			v.idem[txs[i].IdempotencyKey] = len(v.txs) - 1
		}
	}
	return nil
}

func (v *txView) LockPool(ctx context.Context, c ledger.Currency) (ledger.CommonPool, error) {
	return v.Pool(ctx, c)
}

func (v *txView) SavePool(_ context.Context, p ledger.CommonPool) error {
	v.pools[p.Currency] = p
	return nil
}

func (v *txView) InsertCompostLog(_ context.Context, l ledger.CompostCycleLog) error {
	if _, ok := v.logs[l.ID]; ok {
		return fmt.Errorf("compost log %s already exists", l.ID)
	}
	v.logs[l.ID] = l
	return nil
}

func (v *txView) UpdateCompostLog(_ context.Context, l ledger.CompostCycleLog) error {
	if _, ok := v.logs[l.ID]; !ok {
		return fmt.Errorf("compost log %s: %w", l.ID, ledger.ErrNotFound)
	}
	v.logs[l.ID] = l
	return nil
}

func (v *txView) InsertEscrow(_ context.Context, e ledger.Escrow) error {
	for _, other := range v.escrows {
		if other.PledgeTransactionID == e.PledgeTransactionID {
			return fmt.Errorf("escrow for pledge %s already exists", e.PledgeTransactionID)
		}
	}
	v.escrows[e.ID] = e
	return nil
}

func (v *txView) LockEscrow(ctx context.Context, id ledger.EscrowID) (ledger.Escrow, error) {
	return v.Escrow(ctx, id)
}

func (v *txView) LockProjectEscrows(ctx context.Context, project ledger.ProjectID, status ledger.EscrowStatus, limit int) ([]ledger.Escrow, error) {
	all, err := v.ProjectEscrows(ctx, project)
	if err != nil {
		return nil, err
	}
	var out []ledger.Escrow
	for _, e := range all {
		if e.Status != status {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (v *txView) SaveEscrows(_ context.Context, escrows []ledger.Escrow) error {
	for _, e := range escrows {
		if _, ok := v.escrows[e.ID]; !ok {
			return fmt.Errorf("save escrow %s: %w", e.ID, ledger.ErrEscrowNotFound)
		}
		v.escrows[e.ID] = e
	}
	return nil
}

func (v *txView) InsertPocket(_ context.Context, p ledger.Pocket) error {
	for _, other := range v.pockets {
		if other.WalletID == p.WalletID && other.Name == p.Name {
			return ledger.ErrPocketNameTaken
		}
	}
	v.pockets[p.ID] = p
	return nil
}

func (v *txView) LockPocket(ctx context.Context, id ledger.PocketID) (ledger.Pocket, error) {
	return v.Pocket(ctx, id)
}

func (v *txView) SavePocket(_ context.Context, p ledger.Pocket) error {
	if _, ok := v.pockets[p.ID]; !ok {
		return ledger.ErrPocketNotFound
	}
	v.pockets[p.ID] = p
	return nil
}

var (
	_ ledger.Store = (*Memory)(nil)
	_ ledger.Tx    = (*txView)(nil)
)
