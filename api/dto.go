/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

AMOUNTS:
  Money travels as decimal strings ("93.50" EUR, "15" SAKA). Floats are
  never used on the wire.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/ledger-engine/finance"
	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/saka"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

type HarvestRequest struct {
	Reason   string          `json:"reason"`
	Amount   *string         `json:"amount,omitempty"`
	Metadata ledger.Metadata `json:"metadata,omitempty"`
}

type SpendRequest struct {
	Amount   string          `json:"amount"`
	Reason   string          `json:"reason"`
	Metadata ledger.Metadata `json:"metadata,omitempty"`
}

type DepositRequest struct {
	Amount         string          `json:"amount"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Reason         string          `json:"reason,omitempty"`
	Metadata       ledger.Metadata `json:"metadata,omitempty"`
}

type PledgeRequest struct {
	ProjectID      string `json:"project_id"`
	Amount         string `json:"amount"`
	Kind           string `json:"kind"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type PaymentRequest struct {
	ProjectID      string `json:"project_id,omitempty"`
	Total          string `json:"total"`
	Donation       string `json:"donation"`
	Tip            string `json:"tip"`
	GatewayFee     string `json:"gateway_fee"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type CreatePocketRequest struct {
	Name       string `json:"name"`
	Kind       string `json:"kind"`
	Percentage string `json:"allocation_percentage"`
}

type TransferRequest struct {
	Amount string `json:"amount"`
}

type CompostRequest struct {
	DryRun bool `json:"dry_run"`
}

type RedistributeRequest struct {
	Rate *string `json:"rate,omitempty"`
}

type ProjectRequest struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	AcceptsDonations bool   `json:"accepts_donations"`
	AcceptsEquity    bool   `json:"accepts_equity"`
	SharePrice       string `json:"share_price,omitempty"`
}

type EligibilityRequest struct {
	Eligible bool `json:"eligible"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

type WalletDTO struct {
	Owner          string  `json:"owner"`
	Currency       string  `json:"currency"`
	Exists         bool    `json:"exists"`
	Balance        string  `json:"balance"`
	TotalHarvested string  `json:"total_harvested,omitempty"`
	TotalPlanted   string  `json:"total_planted,omitempty"`
	TotalComposted string  `json:"total_composted,omitempty"`
	LastActivityAt *string `json:"last_activity_at,omitempty"`
}

type BreakdownDTO struct {
	Gross string `json:"gross"`
	Fee   string `json:"fee"`
	Net   string `json:"net"`
}

type TransactionDTO struct {
	ID             string          `json:"id"`
	Owner          string          `json:"owner"`
	Currency       string          `json:"currency"`
	Direction      string          `json:"direction"`
	Kind           string          `json:"kind"`
	Amount         string          `json:"amount"`
	Reason         string          `json:"reason,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Metadata       ledger.Metadata `json:"metadata,omitempty"`
	Breakdown      *BreakdownDTO   `json:"breakdown,omitempty"`
	CreatedAt      string          `json:"created_at"`
}

// OutcomeDTO answers harvest and spend. Skipped carries the no-op reason.
type OutcomeDTO struct {
	Applied     bool            `json:"applied"`
	Skipped     string          `json:"skipped,omitempty"`
	Transaction *TransactionDTO `json:"transaction,omitempty"`
}

type PoolDTO struct {
	Currency           string  `json:"currency"`
	TotalBalance       string  `json:"total_balance"`
	TotalEverComposted string  `json:"total_ever_composted"`
	CycleCount         int64   `json:"cycle_count"`
	LastCycleAt        *string `json:"last_cycle_at,omitempty"`
}

type CompostDTO struct {
	LogID           string `json:"log_id,omitempty"`
	DryRun          bool   `json:"dry_run"`
	WalletsAffected int    `json:"wallets_affected"`
	TotalComposted  string `json:"total_composted"`
	Skipped         string `json:"skipped,omitempty"`
}

type RedistributionDTO struct {
	RunID         string `json:"run_id,omitempty"`
	NoOp          string `json:"no_op,omitempty"`
	Rate          string `json:"rate"`
	PoolBefore    string `json:"pool_before"`
	PoolAfter     string `json:"pool_after"`
	PerWallet     string `json:"per_wallet"`
	Distributed   string `json:"distributed"`
	EligibleCount int    `json:"eligible_count"`
	Credited      int    `json:"credited"`
}

type EscrowDTO struct {
	ID         string  `json:"id"`
	Payer      string  `json:"payer"`
	ProjectID  string  `json:"project_id"`
	Kind       string  `json:"kind"`
	Amount     string  `json:"amount"`
	Shares     int64   `json:"shares,omitempty"`
	Status     string  `json:"status"`
	Commission string  `json:"commission,omitempty"`
	Fees       string  `json:"fees,omitempty"`
	Net        string  `json:"net,omitempty"`
	CreatedAt  string  `json:"created_at"`
	ReleasedAt *string `json:"released_at,omitempty"`
	RefundedAt *string `json:"refunded_at,omitempty"`
}

type SettlementDTO struct {
	EscrowID   string `json:"escrow_id"`
	ProjectID  string `json:"project_id"`
	Gross      string `json:"gross"`
	Commission string `json:"commission"`
	Fees       string `json:"fees"`
	Net        string `json:"net"`
}

type ProjectSettlementDTO struct {
	ProjectID  string `json:"project_id"`
	NoOp       string `json:"no_op,omitempty"`
	Escrows    int    `json:"escrows"`
	Batches    int    `json:"batches"`
	Gross      string `json:"gross"`
	Commission string `json:"commission"`
	Fees       string `json:"fees"`
	Net        string `json:"net"`
}

type BucketDTO struct {
	BreakdownDTO
	TransactionID string `json:"transaction_id"`
	EscrowID      string `json:"escrow_id,omitempty"`
}

type AllocationDTO struct {
	DepositID string     `json:"deposit_id"`
	Donation  *BucketDTO `json:"donation,omitempty"`
	Tip       *BucketDTO `json:"tip,omitempty"`
}

type PocketDTO struct {
	ID                   string `json:"id"`
	Owner                string `json:"owner"`
	Name                 string `json:"name"`
	Kind                 string `json:"kind"`
	AllocationPercentage string `json:"allocation_percentage"`
	CurrentAmount        string `json:"current_amount"`
	CreatedAt            string `json:"created_at"`
}

type ReconciliationDTO struct {
	Owner        string `json:"owner"`
	Currency     string `json:"currency"`
	Stored       string `json:"stored"`
	Replayed     string `json:"replayed"`
	Transactions int    `json:"transactions"`
	Consistent   bool   `json:"consistent"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func toWalletDTO(b ledger.BalanceSnapshot) WalletDTO {
	dto := WalletDTO{
		Owner:          string(b.Owner),
		Currency:       string(b.Currency),
		Exists:         b.Exists,
		Balance:        b.Balance.String(),
		LastActivityAt: formatTimePtr(b.LastActivityAt),
	}
	if b.Currency == ledger.SAKA {
		dto.TotalHarvested = b.TotalHarvested.String()
		dto.TotalPlanted = b.TotalPlanted.String()
		dto.TotalComposted = b.TotalComposted.String()
	}
	return dto
}

func toBreakdownDTO(b *ledger.Breakdown) *BreakdownDTO {
	if b == nil {
		return nil
	}
	return &BreakdownDTO{Gross: b.Gross.String(), Fee: b.Fee.String(), Net: b.Net.String()}
}

func toTransactionDTO(t ledger.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:             string(t.ID),
		Owner:          string(t.Owner),
		Currency:       string(t.Currency),
		Direction:      string(t.Direction),
		Kind:           string(t.Kind),
		Amount:         t.Amount.String(),
		Reason:         t.Reason,
		IdempotencyKey: t.IdempotencyKey,
		Metadata:       t.Metadata,
		Breakdown:      toBreakdownDTO(t.Breakdown),
		CreatedAt:      formatTime(t.CreatedAt),
	}
}

func toTransactionDTOs(txs []ledger.Transaction) []TransactionDTO {
	dtos := make([]TransactionDTO, len(txs))
	for i, t := range txs {
		dtos[i] = toTransactionDTO(t)
	}
	return dtos
}

func toOutcomeDTO(txn *ledger.Transaction, skipped ledger.ReasonCode) OutcomeDTO {
	if txn == nil {
		return OutcomeDTO{Skipped: string(skipped)}
	}
	dto := toTransactionDTO(*txn)
	return OutcomeDTO{Applied: true, Transaction: &dto}
}

func toPoolDTO(p ledger.CommonPool) PoolDTO {
	return PoolDTO{
		Currency:           string(p.Currency),
		TotalBalance:       p.TotalBalance.String(),
		TotalEverComposted: p.TotalEverComposted.String(),
		CycleCount:         p.CycleCount,
		LastCycleAt:        formatTimePtr(p.LastCycleAt),
	}
}

func toCompostDTO(s saka.CompostSummary) CompostDTO {
	return CompostDTO{
		LogID:           s.LogID,
		DryRun:          s.DryRun,
		WalletsAffected: s.WalletsAffected,
		TotalComposted:  s.TotalComposted.String(),
		Skipped:         string(s.Skipped),
	}
}

func toRedistributionDTO(r saka.RedistributionResult) RedistributionDTO {
	return RedistributionDTO{
		RunID:         r.RunID,
		NoOp:          string(r.NoOp),
		Rate:          r.Rate.String(),
		PoolBefore:    r.PoolBefore.String(),
		PoolAfter:     r.PoolAfter.String(),
		PerWallet:     r.PerWallet.String(),
		Distributed:   r.Distributed.String(),
		EligibleCount: r.EligibleCount,
		Credited:      r.Credited,
	}
}

func toEscrowDTO(e ledger.Escrow) EscrowDTO {
	dto := EscrowDTO{
		ID:         string(e.ID),
		Payer:      string(e.Payer),
		ProjectID:  string(e.Project),
		Kind:       string(e.Kind),
		Amount:     e.Amount.String(),
		Shares:     e.Shares,
		Status:     string(e.Status),
		CreatedAt:  formatTime(e.CreatedAt),
		ReleasedAt: formatTimePtr(e.ReleasedAt),
		RefundedAt: formatTimePtr(e.RefundedAt),
	}
	if e.Status == ledger.EscrowReleased {
		dto.Commission = e.Commission.String()
		dto.Fees = e.Fees.String()
		dto.Net = e.Net.String()
	}
	return dto
}

func toEscrowDTOs(escrows []ledger.Escrow) []EscrowDTO {
	dtos := make([]EscrowDTO, len(escrows))
	for i, e := range escrows {
		dtos[i] = toEscrowDTO(e)
	}
	return dtos
}

func toSettlementDTO(s finance.Settlement) SettlementDTO {
	return SettlementDTO{
		EscrowID:   string(s.EscrowID),
		ProjectID:  string(s.ProjectID),
		Gross:      s.Gross.String(),
		Commission: s.Commission.String(),
		Fees:       s.Fees.String(),
		Net:        s.Net.String(),
	}
}

func toProjectSettlementDTO(s finance.ProjectSettlement) ProjectSettlementDTO {
	return ProjectSettlementDTO{
		ProjectID:  string(s.ProjectID),
		NoOp:       string(s.NoOp),
		Escrows:    s.Escrows,
		Batches:    s.Batches,
		Gross:      s.Gross.String(),
		Commission: s.Commission.String(),
		Fees:       s.Fees.String(),
		Net:        s.Net.String(),
	}
}

func toBucketDTO(b *finance.BucketAllocation) *BucketDTO {
	if b == nil {
		return nil
	}
	return &BucketDTO{
		BreakdownDTO:  BreakdownDTO{Gross: b.Gross.String(), Fee: b.Fee.String(), Net: b.Net.String()},
		TransactionID: string(b.TransactionID),
		EscrowID:      string(b.EscrowID),
	}
}

func toPocketDTO(p ledger.Pocket) PocketDTO {
	return PocketDTO{
		ID:                   string(p.ID),
		Owner:                string(p.Owner),
		Name:                 p.Name,
		Kind:                 string(p.Kind),
		AllocationPercentage: p.AllocationPercentage.String(),
		CurrentAmount:        p.CurrentAmount.String(),
		CreatedAt:            formatTime(p.CreatedAt),
	}
}
