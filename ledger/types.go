package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type (
	OwnerID       string
	WalletID      string
	TransactionID string
	EscrowID      string
	PocketID      string
	ProjectID     string
)

func NewWalletID() WalletID           { return WalletID(uuid.NewString()) }
func NewTransactionID() TransactionID { return TransactionID(uuid.NewString()) }
func NewEscrowID() EscrowID           { return EscrowID(uuid.NewString()) }
func NewPocketID() PocketID           { return PocketID(uuid.NewString()) }

// WalletKey identifies a wallet: one per owner and currency.
type WalletKey struct {
	Owner    OwnerID
	Currency Currency
}

func (k WalletKey) String() string { return fmt.Sprintf("%s/%s", k.Owner, k.Currency) }

// =============================================================================
// WALLET
// =============================================================================

// Wallet is the per-owner balance record. Balance only changes together with
// an appended Transaction in the same unit of work.
type Wallet struct {
	ID             WalletID
	Owner          OwnerID
	Currency       Currency
	Balance        Amount
	TotalHarvested Amount
	TotalPlanted   Amount
	TotalComposted Amount
	LastActivityAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NewWallet returns an empty wallet for key. It is not persisted.
func NewWallet(key WalletKey, now time.Time) Wallet {
	zero := Zero(key.Currency)
	return Wallet{
		ID:             NewWalletID(),
		Owner:          key.Owner,
		Currency:       key.Currency,
		Balance:        zero,
		TotalHarvested: zero,
		TotalPlanted:   zero,
		TotalComposted: zero,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func (w Wallet) Key() WalletKey { return WalletKey{Owner: w.Owner, Currency: w.Currency} }

// =============================================================================
// TRANSACTION
// =============================================================================

type Direction string

const (
	Earn  Direction = "EARN"
	Spend Direction = "SPEND"
)

// Kind classifies a transaction. Each kind belongs to one currency and one
// direction.
type Kind string

const (
	KindHarvest        Kind = "HARVEST"
	KindSpend          Kind = "SPEND"
	KindCompost        Kind = "COMPOST"
	KindRedistribution Kind = "REDISTRIBUTION"

	KindDeposit        Kind = "DEPOSIT"
	KindPledge         Kind = "PLEDGE"
	KindRelease        Kind = "RELEASE"
	KindRefund         Kind = "REFUND"
	KindCommission     Kind = "COMMISSION"
	KindPocketTransfer Kind = "POCKET_TRANSFER"
	KindTip            Kind = "TIP"
)

type kindRule struct {
	currency  Currency
	direction Direction
}

var kindRules = map[Kind]kindRule{
	KindHarvest:        {SAKA, Earn},
	KindRedistribution: {SAKA, Earn},
	KindSpend:          {SAKA, Spend},
	KindCompost:        {SAKA, Spend},

	KindDeposit:        {EUR, Earn},
	KindRelease:        {EUR, Earn},
	KindRefund:         {EUR, Earn},
	KindCommission:     {EUR, Earn},
	KindPledge:         {EUR, Spend},
	KindPocketTransfer: {EUR, Spend},
	KindTip:            {EUR, Spend},
}

func (k Kind) Direction() Direction { return kindRules[k].direction }
func (k Kind) Currency() Currency   { return kindRules[k].currency }

// Metadata is free-form context stored as JSON next to a transaction.
type Metadata map[string]any

// Breakdown records gross, fee and net for a split bucket or a release.
type Breakdown struct {
	Gross Amount
	Fee   Amount
	Net   Amount
}

// Transaction is an immutable ledger entry. Seq is assigned by the store and
// orders transactions of the same wallet.
type Transaction struct {
	ID             TransactionID
	Seq            int64
	WalletID       WalletID
	Owner          OwnerID
	Currency       Currency
	Direction      Direction
	Kind           Kind
	Amount         Amount
	Reason         string
	IdempotencyKey string
	Metadata       Metadata
	Breakdown      *Breakdown
	CreatedAt      time.Time
}

// Signed returns the amount with the sign of the direction.
func (t Transaction) Signed() Amount {
	if t.Direction == Spend {
		return t.Amount.Neg()
	}
	return t.Amount
}

// Posting is what a caller asks the unit of work to record.
type Posting struct {
	Kind           Kind
	Amount         Amount
	Reason         string
	IdempotencyKey string
	Metadata       Metadata
	Breakdown      *Breakdown
}

// NewTransaction builds a transaction for wallet w. The direction must match
// the kind and the amount must be positive and in the wallet's currency.
func NewTransaction(w Wallet, dir Direction, p Posting, now time.Time) (Transaction, error) {
	rule, ok := kindRules[p.Kind]
	if !ok {
		return Transaction{}, fmt.Errorf("%w: unknown transaction kind %q", ErrInvariantViolation, p.Kind)
	}
	if rule.direction != dir {
		return Transaction{}, fmt.Errorf("%w: kind %s cannot be %s", ErrInvariantViolation, p.Kind, dir)
	}
	if rule.currency != w.Currency || p.Amount.Currency != w.Currency {
		return Transaction{}, fmt.Errorf("%w: kind %s amount %s does not fit %s wallet",
			ErrInvariantViolation, p.Kind, p.Amount.Currency, w.Currency)
	}
	if !p.Amount.IsPositive() {
		return Transaction{}, fmt.Errorf("%w: transaction amount must be positive, got %s", ErrInvalidAmount, p.Amount)
	}
	return Transaction{
		ID:             NewTransactionID(),
		WalletID:       w.ID,
		Owner:          w.Owner,
		Currency:       w.Currency,
		Direction:      dir,
		Kind:           p.Kind,
		Amount:         p.Amount,
		Reason:         p.Reason,
		IdempotencyKey: p.IdempotencyKey,
		Metadata:       p.Metadata,
		Breakdown:      p.Breakdown,
		CreatedAt:      now,
	}, nil
}

// =============================================================================
// COMMON POOL AND COMPOST LOG
// =============================================================================

// CommonPool is the singleton collective fund of a currency.
type CommonPool struct {
	Currency           Currency
	TotalBalance       Amount
	TotalEverComposted Amount
	CycleCount         int64
	LastCycleAt        *time.Time
	UpdatedAt          time.Time
}

func NewCommonPool(c Currency, now time.Time) CommonPool {
	return CommonPool{Currency: c, TotalBalance: Zero(c), TotalEverComposted: Zero(c), UpdatedAt: now}
}

// CompostCycleLog is the audit row of one compost run. A nil FinishedAt
// means the run did not complete.
type CompostCycleLog struct {
	ID              string
	StartedAt       time.Time
	FinishedAt      *time.Time
	DryRun          bool
	WalletsAffected int
	TotalComposted  Amount
	InactivityDays  int
	Rate            decimal.Decimal
	MinBalance      Amount
	MinAmount       Amount
	TriggerSource   string
	Error           string
}

// =============================================================================
// ESCROW
// =============================================================================

type EscrowStatus string

const (
	EscrowLocked   EscrowStatus = "LOCKED"
	EscrowReleased EscrowStatus = "RELEASED"
	EscrowRefunded EscrowStatus = "REFUNDED"
)

type PledgeKind string

const (
	PledgeDonation PledgeKind = "donation"
	PledgeEquity   PledgeKind = "equity"
)

func (k PledgeKind) Valid() bool { return k == PledgeDonation || k == PledgeEquity }

// Project is the part of a crowdfunding project the EUR engine needs.
type Project struct {
	ID               ProjectID
	Name             string
	AcceptsDonations bool
	AcceptsEquity    bool
	// SharePrice is the EUR price of one share; zero means the project has
	// no unit price and equity pledges are not rounded.
	SharePrice Amount
}

// Accepts reports whether the project takes pledges of the given kind.
func (p Project) Accepts(kind PledgeKind) bool {
	switch kind {
	case PledgeDonation:
		return p.AcceptsDonations
	case PledgeEquity:
		return p.AcceptsEquity
	}
	return false
}

// Escrow holds pledged EUR until the project is released or refunded.
// RELEASED and REFUNDED are terminal.
type Escrow struct {
	ID                  EscrowID
	Payer               OwnerID
	Project             ProjectID
	Kind                PledgeKind
	Amount              Amount
	Shares              int64
	Status              EscrowStatus
	PledgeTransactionID TransactionID
	Commission          Amount
	Fees                Amount
	Net                 Amount
	CreatedAt           time.Time
	ReleasedAt          *time.Time
	RefundedAt          *time.Time
}

func (e Escrow) Terminal() bool { return e.Status != EscrowLocked }

// =============================================================================
// POCKET
// =============================================================================

type PocketKind string

const (
	PocketGeneral    PocketKind = "general"
	PocketDonation   PocketKind = "donation"
	PocketInvestment PocketKind = "investment"
)

func (k PocketKind) Valid() bool {
	return k == PocketGeneral || k == PocketDonation || k == PocketInvestment
}

// Pocket is a named sub-balance carved out of an EUR wallet.
type Pocket struct {
	ID                   PocketID
	WalletID             WalletID
	Owner                OwnerID
	Name                 string
	Kind                 PocketKind
	AllocationPercentage decimal.Decimal
	CurrentAmount        Amount
	CreatedAt            time.Time
	UpdatedAt            time.Time
}
