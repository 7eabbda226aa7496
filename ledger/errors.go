package ledger

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// FAILURE TAXONOMY
// =============================================================================
//
// Every error leaving the engines falls into exactly one category:
//
//   no-op      not an error at all; results carry a ReasonCode instead
//   rejection  errors.Is(err, ErrRejected); the caller did something invalid
//   transient  errors.Is(err, ErrTransient); retried inside Ledger.Run
//   fatal      anything else; the unit rolled back and the cause is logged
//
// A transient failure that survives the retry budget becomes fatal
// (ErrRetriesExhausted).

var (
	ErrRejected           = errors.New("rejected")
	ErrTransient          = errors.New("transient storage failure")
	ErrRetriesExhausted   = errors.New("retries exhausted")
	ErrInvariantViolation = errors.New("ledger invariant violation")
)

// ReasonCode is the stable, machine-readable cause of a rejection or no-op.
type ReasonCode string

// Rejection codes.
const (
	CodeInsufficientBalance ReasonCode = "insufficient_balance"
	CodeInvalidAmount       ReasonCode = "invalid_amount"
	CodeAmountTooLarge      ReasonCode = "amount_too_large"
	CodeInvalidPledgeKind   ReasonCode = "invalid_pledge_kind"
	CodeEquityDisabled      ReasonCode = "equity_disabled"
	CodeNotEligible         ReasonCode = "not_eligible"
	CodeBelowUnitPrice      ReasonCode = "below_unit_price"
	CodeInvalidEscrowState  ReasonCode = "invalid_escrow_state"
	CodeIdempotencyKeyUsed  ReasonCode = "idempotency_key_used"
	CodeManualCapExceeded   ReasonCode = "manual_cap_exceeded"
	CodeSplitMismatch       ReasonCode = "split_mismatch"
	CodeWalletNotFound      ReasonCode = "wallet_not_found"
	CodeEscrowNotFound      ReasonCode = "escrow_not_found"
	CodePocketNotFound      ReasonCode = "pocket_not_found"
	CodeProjectNotFound     ReasonCode = "project_not_found"
	CodePocketNameTaken     ReasonCode = "pocket_name_taken"
	CodeInvalidAllocation   ReasonCode = "invalid_allocation"
	CodePoolDepleted        ReasonCode = "pool_depleted"
	CodeNotFound            ReasonCode = "not_found"
)

// No-op codes.
const (
	CodeDisabled            ReasonCode = "disabled"
	CodeAnonymous           ReasonCode = "anonymous_actor"
	CodeNonPositiveAmount   ReasonCode = "non_positive_amount"
	CodeDailyCapReached     ReasonCode = "daily_cap_reached"
	CodeInvalidRate         ReasonCode = "invalid_rate"
	CodeEmptyPool           ReasonCode = "empty_pool"
	CodeNothingToDistribute ReasonCode = "nothing_to_distribute"
	CodeNoEligibleWallets   ReasonCode = "no_eligible_wallets"
	CodeShareTooSmall       ReasonCode = "share_too_small"
	CodeNothingToRelease    ReasonCode = "nothing_to_release"
)

// rejection is a sentinel that carries its reason code.
type rejection struct {
	code ReasonCode
	msg  string
}

func (r *rejection) Error() string        { return r.msg }
func (r *rejection) Code() ReasonCode     { return r.code }
func (r *rejection) Is(target error) bool { return target == ErrRejected }

func reject(code ReasonCode, msg string) error { return &rejection{code: code, msg: msg} }

var (
	ErrInsufficientBalance = reject(CodeInsufficientBalance, "insufficient balance")
	ErrInvalidAmount       = reject(CodeInvalidAmount, "invalid amount")
	ErrAmountTooLarge      = reject(CodeAmountTooLarge, "amount exceeds maximum")
	ErrInvalidPledgeKind   = reject(CodeInvalidPledgeKind, "project does not accept this pledge kind")
	ErrEquityDisabled      = reject(CodeEquityDisabled, "equity pledges are disabled")
	ErrNotEligible         = reject(CodeNotEligible, "investor is not eligible")
	ErrBelowUnitPrice      = reject(CodeBelowUnitPrice, "amount is below one share")
	ErrInvalidEscrowState  = reject(CodeInvalidEscrowState, "escrow is not locked")
	ErrIdempotencyKeyUsed  = reject(CodeIdempotencyKeyUsed, "idempotency key already used")
	ErrManualCapExceeded   = reject(CodeManualCapExceeded, "manual adjustment cap exceeded")
	ErrSplitMismatch       = reject(CodeSplitMismatch, "buckets do not sum to total")
	ErrWalletNotFound      = reject(CodeWalletNotFound, "wallet not found")
	ErrEscrowNotFound      = reject(CodeEscrowNotFound, "escrow not found")
	ErrPocketNotFound      = reject(CodePocketNotFound, "pocket not found")
	ErrProjectNotFound     = reject(CodeProjectNotFound, "project not found")
	ErrPocketNameTaken     = reject(CodePocketNameTaken, "pocket name already used")
	ErrInvalidAllocation   = reject(CodeInvalidAllocation, "allocation percentage must be within 0..100")
	ErrPoolDepleted        = reject(CodePoolDepleted, "common pool cannot cover the batch")
	ErrNotFound            = reject(CodeNotFound, "record not found")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// InsufficientBalanceError provides details about a rejected debit.
type InsufficientBalanceError struct {
	WalletID  WalletID
	Owner     OwnerID
	Available Amount
	Requested Amount
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for %s: available %s %s, requested %s",
		e.Owner, e.Available, e.Available.Currency, e.Requested)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// ManualCapExceededError is returned when a manual adjustment would exceed
// the per-transaction or rolling-window limit.
type ManualCapExceededError struct {
	Owner     OwnerID
	Requested Amount
	Used      Amount // already granted inside the window
	Limit     Amount
	Window    time.Duration // zero for the per-transaction cap
}

func (e *ManualCapExceededError) Error() string {
	if e.Window == 0 {
		return fmt.Sprintf("manual adjustment of %s exceeds per-transaction cap %s", e.Requested, e.Limit)
	}
	return fmt.Sprintf("manual adjustment of %s for %s exceeds %s cap %s (already granted %s)",
		e.Requested, e.Owner, e.Window, e.Limit, e.Used)
}

func (e *ManualCapExceededError) Unwrap() error { return ErrManualCapExceeded }

type EscrowStateError struct {
	EscrowID EscrowID
	Status   EscrowStatus
}

func (e *EscrowStateError) Error() string {
	return fmt.Sprintf("escrow %s is %s, expected %s", e.EscrowID, e.Status, EscrowLocked)
}

func (e *EscrowStateError) Unwrap() error { return ErrInvalidEscrowState }

// UnexplainedDeltaError reports a wallet whose balance moved by something
// other than the transactions appended in the same unit.
type UnexplainedDeltaError struct {
	WalletID  WalletID
	Delta     Amount
	Journaled Amount
}

func (e *UnexplainedDeltaError) Error() string {
	return fmt.Sprintf("wallet %s balance moved %s but transactions explain %s", e.WalletID, e.Delta, e.Journaled)
}

func (e *UnexplainedDeltaError) Unwrap() error { return ErrInvariantViolation }

type RetriesExhaustedError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("%s: gave up after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *RetriesExhaustedError) Unwrap() []error { return []error{ErrRetriesExhausted, e.Err} }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// ReasonCodeOf returns the rejection code carried by err, or "".
func ReasonCodeOf(err error) ReasonCode {
	var coded interface{ Code() ReasonCode }
	if errors.As(err, &coded) {
		return coded.Code()
	}
	return ""
}

func IsRejection(err error) bool { return errors.Is(err, ErrRejected) }

// IsTransient reports whether err is worth retrying. Exhausted retries are not.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) && !errors.Is(err, ErrRetriesExhausted)
}

// IsFatal reports whether err is neither a rejection nor a retryable failure.
func IsFatal(err error) bool {
	return err != nil && !IsRejection(err) && !IsTransient(err)
}

func IsNotFound(err error) bool {
	switch ReasonCodeOf(err) {
	case CodeWalletNotFound, CodeEscrowNotFound, CodePocketNotFound, CodeProjectNotFound, CodeNotFound:
		return true
	}
	return false
}
