package ledger

import (
	"context"
	"time"
)

// =============================================================================
// STORAGE CONTRACT
// =============================================================================
//
// Store is implemented by ledger/store (in-memory) and store/sqlstore
// (SQLite, PostgreSQL). Everything that changes a balance happens inside
// WithTx; a unit either commits completely or leaves no trace.
//
// LOCK ORDER inside a unit: wallets (ascending id) -> common pool ->
// escrows -> pockets. Shared system wallets are never locked; they only
// receive IncrementWallet.
//
// Lookups of missing rows return the matching not-found rejection
// (ErrWalletNotFound, ErrEscrowNotFound, ...). Pool reads never fail with
// not-found; an unseen pool is empty.

// Reader is the read side shared by the store and every unit of work.
type Reader interface {
	Wallet(ctx context.Context, key WalletKey) (Wallet, error)
	Transactions(ctx context.Context, walletID WalletID) ([]Transaction, error)
	TransactionByIdempotencyKey(ctx context.Context, key string) (Transaction, error)
	IdempotencyKeyExists(ctx context.Context, key string) (bool, error)
	CountEarn(ctx context.Context, walletID WalletID, reason string, since time.Time) (int, error)
	SumEarn(ctx context.Context, walletID WalletID, c Currency, reason string, since time.Time) (Amount, error)
	Pool(ctx context.Context, c Currency) (CommonPool, error)
	CompostLog(ctx context.Context, id string) (CompostCycleLog, error)
	RedistributionEligible(ctx context.Context, c Currency, minHarvested Amount) ([]WalletID, error)
	Escrow(ctx context.Context, id EscrowID) (Escrow, error)
	ProjectEscrows(ctx context.Context, project ProjectID) ([]Escrow, error)
	Pocket(ctx context.Context, id PocketID) (Pocket, error)
	Pockets(ctx context.Context, walletID WalletID) ([]Pocket, error)
}

// Records are the non-balance writes of a unit of work.
type Records interface {
	Reader
	LockPool(ctx context.Context, c Currency) (CommonPool, error)
	SavePool(ctx context.Context, p CommonPool) error
	InsertCompostLog(ctx context.Context, l CompostCycleLog) error
	UpdateCompostLog(ctx context.Context, l CompostCycleLog) error
	InsertEscrow(ctx context.Context, e Escrow) error
	LockEscrow(ctx context.Context, id EscrowID) (Escrow, error)
	LockProjectEscrows(ctx context.Context, project ProjectID, status EscrowStatus, limit int) ([]Escrow, error)
	SaveEscrows(ctx context.Context, escrows []Escrow) error
	InsertPocket(ctx context.Context, p Pocket) error
	LockPocket(ctx context.Context, id PocketID) (Pocket, error)
	SavePocket(ctx context.Context, p Pocket) error
}

// CompostQuery selects one keyset page of compost candidates.
type CompostQuery struct {
	Currency   Currency
	Cutoff     time.Time // last activity strictly before this (or never)
	MinBalance Amount
	AfterID    WalletID
	Limit      int
}

// Tx is the full view of a unit of work. Wallet mutations go through Unit,
// which keeps the balance-equals-journal bookkeeping; only Unit should call
// the wallet methods below.
type Tx interface {
	Records
	LockWallet(ctx context.Context, key WalletKey) (Wallet, error)
	LockOrCreateWallet(ctx context.Context, template Wallet) (Wallet, error)
	LockWallets(ctx context.Context, ids []WalletID) ([]Wallet, error)
	LockCompostCandidates(ctx context.Context, q CompostQuery) ([]Wallet, error)
	SaveWallets(ctx context.Context, wallets []Wallet) error
	// IncrementWallet adds delta to the wallet's balance in one atomic
	// statement without taking a row lock, creating the wallet from
	// template if needed.
	IncrementWallet(ctx context.Context, template Wallet, delta Amount, at time.Time) (WalletID, error)
	// AppendTransactions inserts transactions in order. A reused
	// idempotency key fails with ErrIdempotencyKeyUsed.
	AppendTransactions(ctx context.Context, txs []Transaction) error
}

type Store interface {
	Reader
	WithTx(ctx context.Context, fn func(Tx) error) error
}
