/*
Package saka implements the engagement currency: harvesting, spending,
compost (demurrage of idle wallets) and redistribution of the common pool.

PURPOSE:
  SAKA is earned by engaging with the platform (reading, voting, supporting
  projects) and spent on signals. Idle balances decay into the common pool
  and the pool is periodically shared among active wallets, so SAKA keeps
  circulating instead of accumulating.

FLOW:
  Harvest:        user wallet  +amount          (HARVEST, EARN)
  Spend:          user wallet  -amount          (SPEND, SPEND)
  Compost:        idle wallet  -floor(b*rate)   (COMPOST, SPEND)  -> pool +sum
  Redistribution: pool -share*n                 -> each active wallet +share

NO-OPS vs REJECTIONS:
  Harvest and Spend are user-facing and never fail for business reasons;
  they return a result whose Skipped/Reason field explains the no-op.
  Only manual adjustments over their caps are rejected with an error.

SEE ALSO:
  - compost.go: CompostEngine
  - redistribution.go: RedistributionEngine
  - ledger/unit.go: Unit of work every mutation runs in
*/
package saka

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/metrics"
)

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	ledger *ledger.Ledger
	cfg    Config
	log    zerolog.Logger
}

func NewService(l *ledger.Ledger, cfg Config, log zerolog.Logger) *Service {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Service{ledger: l, cfg: cfg, log: log.With().Str("component", "saka").Logger()}
}

// =============================================================================
// HARVEST
// =============================================================================

type HarvestRequest struct {
	Owner  ledger.OwnerID
	Reason Reason
	// Amount overrides the base reward for the reason. Required for
	// manual adjustments.
	Amount   *ledger.Amount
	Metadata ledger.Metadata
}

// HarvestResult carries the EARN transaction, or the reason nothing
// happened.
type HarvestResult struct {
	Transaction *ledger.Transaction
	Skipped     ledger.ReasonCode
}

func (r HarvestResult) Harvested() bool { return r.Transaction != nil }

// Harvest credits SAKA to the owner's wallet, creating it if needed.
// Daily caps are checked after the wallet lock is held, so concurrent
// harvests cannot both pass the same cap.
func (s *Service) Harvest(ctx context.Context, req HarvestRequest) (HarvestResult, error) {
	if skip := s.precheck(req.Owner); skip != "" {
		return s.skipHarvest(skip), nil
	}

	amount := ledger.NewAmountFromInt(s.cfg.BaseRewards[req.Reason], ledger.SAKA)
	if req.Amount != nil {
		amount = ledger.NewAmount(req.Amount.Value, ledger.SAKA)
	}
	if !amount.IsPositive() {
		return s.skipHarvest(ledger.CodeNonPositiveAmount), nil
	}

	manual := req.Reason == ReasonManualAdjustment
	if manual {
		limit := ledger.NewAmountFromInt(s.cfg.ManualPerTransaction, ledger.SAKA)
		if amount.GreaterThan(limit) {
			err := &ledger.ManualCapExceededError{Owner: req.Owner, Requested: amount, Used: ledger.Zero(ledger.SAKA), Limit: limit}
			metrics.RejectionsTotal.WithLabelValues("saka.harvest", string(ledger.CodeManualCapExceeded)).Inc()
			s.log.Warn().Str("owner", string(req.Owner)).Str("amount", amount.String()).Msg("manual adjustment over per-transaction cap")
			return HarvestResult{}, err
		}
	}

	var result HarvestResult
	err := s.ledger.Run(ctx, "saka.harvest", func(u *ledger.Unit) error {
		result = HarvestResult{}

		w, err := u.LockOrCreateWallet(ctx, ledger.WalletKey{Owner: req.Owner, Currency: ledger.SAKA})
		if err != nil {
			return err
		}
		now := u.Now()

		if limit, ok := s.cfg.DailyCaps[req.Reason]; ok && limit > 0 {
			count, err := u.CountEarn(ctx, w.ID, string(req.Reason), s.startOfDay(now))
			if err != nil {
				return err
			}
			if count >= limit {
				result.Skipped = ledger.CodeDailyCapReached
				return nil
			}
		}

		if manual {
			used, err := u.SumEarn(ctx, w.ID, ledger.SAKA, string(req.Reason), now.Add(-s.cfg.ManualWindow))
			if err != nil {
				return err
			}
			limit := ledger.NewAmountFromInt(s.cfg.ManualRolling, ledger.SAKA)
			if used.Add(amount).GreaterThan(limit) {
				return &ledger.ManualCapExceededError{
					Owner:     req.Owner,
					Requested: amount,
					Used:      used,
					Limit:     limit,
					Window:    s.cfg.ManualWindow,
				}
			}
		}

		txn, err := u.Credit(w.ID, ledger.Posting{
			Kind:     ledger.KindHarvest,
			Amount:   amount,
			Reason:   string(req.Reason),
			Metadata: req.Metadata,
		})
		if err != nil {
			return err
		}
		result.Transaction = &txn
		return nil
	})
	if err != nil {
		return HarvestResult{}, err
	}

	if result.Skipped != "" {
		metrics.NoOpsTotal.WithLabelValues("saka.harvest", string(result.Skipped)).Inc()
		s.log.Debug().Str("owner", string(req.Owner)).Str("reason", string(req.Reason)).
			Str("skipped", string(result.Skipped)).Msg("harvest skipped")
		return result, nil
	}
	s.log.Info().
		Str("owner", string(req.Owner)).
		Str("reason", string(req.Reason)).
		Str("amount", amount.String()).
		Msg("harvested")
	return result, nil
}

func (s *Service) skipHarvest(code ledger.ReasonCode) HarvestResult {
	metrics.NoOpsTotal.WithLabelValues("saka.harvest", string(code)).Inc()
	return HarvestResult{Skipped: code}
}

func (s *Service) precheck(owner ledger.OwnerID) ledger.ReasonCode {
	if !s.cfg.Enabled {
		return ledger.CodeDisabled
	}
	if owner == "" {
		return ledger.CodeAnonymous
	}
	return ""
}

// startOfDay is midnight of now's calendar day in the configured location.
func (s *Service) startOfDay(now time.Time) time.Time {
	local := now.In(s.cfg.Location)
	y, m, d := local.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, s.cfg.Location)
}

// =============================================================================
// SPEND
// =============================================================================

type SpendRequest struct {
	Owner    ledger.OwnerID
	Amount   ledger.Amount
	Reason   string
	Metadata ledger.Metadata
}

type SpendResult struct {
	Spent       bool
	Reason      ledger.ReasonCode // why nothing was spent
	Transaction *ledger.Transaction
}

// Spend debits SAKA. Insufficient balance is a no-op, not an error.
func (s *Service) Spend(ctx context.Context, req SpendRequest) (SpendResult, error) {
	if skip := s.precheck(req.Owner); skip != "" {
		return s.skipSpend(skip), nil
	}
	amount := ledger.NewAmount(req.Amount.Value, ledger.SAKA)
	if !amount.IsPositive() {
		return s.skipSpend(ledger.CodeNonPositiveAmount), nil
	}

	var result SpendResult
	err := s.ledger.Run(ctx, "saka.spend", func(u *ledger.Unit) error {
		result = SpendResult{}

		w, err := u.LockWallet(ctx, ledger.WalletKey{Owner: req.Owner, Currency: ledger.SAKA})
		if errors.Is(err, ledger.ErrWalletNotFound) {
			result.Reason = ledger.CodeInsufficientBalance
			return nil
		}
		if err != nil {
			return err
		}
		if w.Balance.LessThan(amount) {
			result.Reason = ledger.CodeInsufficientBalance
			return nil
		}

		txn, err := u.Debit(w.ID, ledger.Posting{
			Kind:     ledger.KindSpend,
			Amount:   amount,
			Reason:   req.Reason,
			Metadata: req.Metadata,
		})
		if err != nil {
			return err
		}
		result.Spent = true
		result.Transaction = &txn
		return nil
	})
	if err != nil {
		return SpendResult{}, err
	}

	if !result.Spent {
		metrics.NoOpsTotal.WithLabelValues("saka.spend", string(result.Reason)).Inc()
		return result, nil
	}
	s.log.Info().Str("owner", string(req.Owner)).Str("amount", amount.String()).Str("reason", req.Reason).Msg("planted")
	return result, nil
}

func (s *Service) skipSpend(code ledger.ReasonCode) SpendResult {
	metrics.NoOpsTotal.WithLabelValues("saka.spend", string(code)).Inc()
	return SpendResult{Reason: code}
}

// =============================================================================
// READS
// =============================================================================

// GetBalance returns a zero snapshot for owners who never earned SAKA.
func (s *Service) GetBalance(ctx context.Context, owner ledger.OwnerID) (ledger.BalanceSnapshot, error) {
	return s.ledger.Balance(ctx, ledger.WalletKey{Owner: owner, Currency: ledger.SAKA})
}

func (s *Service) Pool(ctx context.Context) (ledger.CommonPool, error) {
	return s.ledger.Reader().Pool(ctx, ledger.SAKA)
}

func (s *Service) Transactions(ctx context.Context, owner ledger.OwnerID) ([]ledger.Transaction, error) {
	w, err := s.ledger.Reader().Wallet(ctx, ledger.WalletKey{Owner: owner, Currency: ledger.SAKA})
	if errors.Is(err, ledger.ErrWalletNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.ledger.Reader().Transactions(ctx, w.ID)
}
