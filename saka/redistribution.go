package saka

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/metrics"
)

// =============================================================================
// REDISTRIBUTION ENGINE
// =============================================================================

// RedistributionEngine shares part of the common pool equally among wallets
// that harvested at least once. Shares are floored; the remainder stays in
// the pool, and the pool is debited by exactly what was credited.
type RedistributionEngine struct {
	ledger *ledger.Ledger
	cfg    RedistributionConfig
	log    zerolog.Logger
}

func NewRedistributionEngine(l *ledger.Ledger, cfg RedistributionConfig, log zerolog.Logger) *RedistributionEngine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultRedistributionConfig().BatchSize
	}
	return &RedistributionEngine{ledger: l, cfg: cfg, log: log.With().Str("component", "redistribution").Logger()}
}

type RedistributionResult struct {
	RunID         string
	NoOp          ledger.ReasonCode
	Rate          decimal.Decimal
	PoolBefore    ledger.Amount
	PoolAfter     ledger.Amount
	ToDistribute  ledger.Amount
	PerWallet     ledger.Amount
	Distributed   ledger.Amount
	EligibleCount int
	Credited      int
}

// Run redistributes at the configured rate, or at rate when it is not nil.
func (e *RedistributionEngine) Run(ctx context.Context, rate *decimal.Decimal) (RedistributionResult, error) {
	zero := ledger.Zero(ledger.SAKA)
	res := RedistributionResult{
		Rate:         e.cfg.Rate,
		PoolBefore:   zero,
		PoolAfter:    zero,
		ToDistribute: zero,
		PerWallet:    zero,
		Distributed:  zero,
	}
	if rate != nil {
		res.Rate = *rate
	}
	noop := func(code ledger.ReasonCode) (RedistributionResult, error) {
		res.NoOp = code
		res.PoolAfter = res.PoolBefore
		metrics.NoOpsTotal.WithLabelValues("saka.redistribute", string(code)).Inc()
		e.log.Info().Str("reason", string(code)).Msg("redistribution skipped")
		return res, nil
	}

	if !e.cfg.Enabled {
		return noop(ledger.CodeDisabled)
	}
	if !res.Rate.IsPositive() || res.Rate.GreaterThan(decimal.NewFromInt(1)) {
		return noop(ledger.CodeInvalidRate)
	}

	pool, err := e.ledger.Reader().Pool(ctx, ledger.SAKA)
	if err != nil {
		return res, err
	}
	res.PoolBefore = pool.TotalBalance
	if !pool.TotalBalance.IsPositive() {
		return noop(ledger.CodeEmptyPool)
	}
	res.ToDistribute = pool.TotalBalance.FloorRate(res.Rate)
	if !res.ToDistribute.IsPositive() {
		return noop(ledger.CodeNothingToDistribute)
	}

	// The eligible set is snapshotted once; wallets created during the run
	// wait for the next one.
	eligible, err := e.ledger.Reader().RedistributionEligible(ctx, ledger.SAKA,
		ledger.NewAmountFromInt(e.cfg.MinActivity, ledger.SAKA))
	if err != nil {
		return res, err
	}
	res.EligibleCount = len(eligible)
	if len(eligible) == 0 {
		return noop(ledger.CodeNoEligibleWallets)
	}
	res.PerWallet = res.ToDistribute.DivFloor(int64(len(eligible)))
	if !res.PerWallet.IsPositive() {
		return noop(ledger.CodeShareTooSmall)
	}

	res.RunID = uuid.NewString()
	log := e.log.With().Str("run_id", res.RunID).Logger()
	log.Info().
		Str("pool", res.PoolBefore.String()).
		Str("per_wallet", res.PerWallet.String()).
		Int("eligible", res.EligibleCount).
		Msg("redistribution started")

	for start := 0; start < len(eligible); start += e.cfg.BatchSize {
		end := min(start+e.cfg.BatchSize, len(eligible))
		after, err := e.batch(ctx, res.RunID, eligible[start:end], res.PerWallet)
		if err != nil {
			log.Error().Err(err).Int("credited", res.Credited).Msg("redistribution stopped")
			return res, fmt.Errorf("redistribution %s stopped after %d wallets: %w", res.RunID, res.Credited, err)
		}
		n := end - start
		res.Credited += n
		res.Distributed = res.Distributed.Add(res.PerWallet.MulInt(int64(n)))
		res.PoolAfter = after
	}

	metrics.RedistributedAmount.Add(res.Distributed.Float64())
	metrics.PoolBalance.WithLabelValues(string(ledger.SAKA)).Set(res.PoolAfter.Float64())
	log.Info().
		Str("distributed", res.Distributed.String()).
		Str("pool_after", res.PoolAfter.String()).
		Msg("redistribution completed")
	return res, nil
}

// batch credits share to every wallet in ids and debits the pool by the
// batch total, in one unit. It returns the pool balance afterwards.
func (e *RedistributionEngine) batch(ctx context.Context, runID string, ids []ledger.WalletID, share ledger.Amount) (ledger.Amount, error) {
	var after ledger.Amount
	err := e.ledger.Run(ctx, "saka.redistribute.batch", func(u *ledger.Unit) error {
		wallets, err := u.LockWallets(ctx, ids)
		if err != nil {
			return err
		}
		pool, err := u.Records().LockPool(ctx, ledger.SAKA)
		if err != nil {
			return err
		}
		total := share.MulInt(int64(len(wallets)))
		if pool.TotalBalance.LessThan(total) {
			return fmt.Errorf("%w: pool holds %s, batch needs %s", ledger.ErrPoolDepleted, pool.TotalBalance, total)
		}

		for _, w := range wallets {
			_, err := u.Credit(w.ID, ledger.Posting{
				Kind:     ledger.KindRedistribution,
				Amount:   share,
				Reason:   string(ReasonRedistribution),
				Metadata: ledger.Metadata{"run_id": runID},
			})
			if err != nil {
				return err
			}
		}

		pool.TotalBalance = pool.TotalBalance.Sub(total)
		pool.UpdatedAt = u.Now()
		after = pool.TotalBalance
		return u.Records().SavePool(ctx, pool)
	})
	return after, err
}
