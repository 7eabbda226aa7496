package saka

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/metrics"
)

// =============================================================================
// COMPOST ENGINE
// =============================================================================

// CompostEngine decays idle SAKA balances into the common pool.
//
// A cycle is one log row plus a sequence of batch units. Each batch debits
// its wallets and credits the pool in the same unit, so the pool always
// equals what was composted even if the cycle dies halfway. An unfinished
// cycle is visible as a log row without FinishedAt; the next cycle simply
// re-evaluates eligibility.
type CompostEngine struct {
	ledger *ledger.Ledger
	cfg    CompostConfig
	log    zerolog.Logger
}

func NewCompostEngine(l *ledger.Ledger, cfg CompostConfig, log zerolog.Logger) *CompostEngine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultCompostConfig().BatchSize
	}
	return &CompostEngine{ledger: l, cfg: cfg, log: log.With().Str("component", "compost").Logger()}
}

type CompostRequest struct {
	DryRun bool
	Source string // "scheduler", "admin", "cli", ...
}

type CompostSummary struct {
	LogID           string
	DryRun          bool
	WalletsAffected int
	TotalComposted  ledger.Amount
	Skipped         ledger.ReasonCode
}

// Run executes one compost cycle.
func (e *CompostEngine) Run(ctx context.Context, req CompostRequest) (CompostSummary, error) {
	summary := CompostSummary{DryRun: req.DryRun, TotalComposted: ledger.Zero(ledger.SAKA)}
	if !e.cfg.Enabled {
		summary.Skipped = ledger.CodeDisabled
		metrics.NoOpsTotal.WithLabelValues("saka.compost", string(summary.Skipped)).Inc()
		return summary, nil
	}

	started := time.Now()
	defer func() {
		metrics.CompostCycleDuration.WithLabelValues(strconv.FormatBool(req.DryRun)).Observe(time.Since(started).Seconds())
	}()

	cycle, err := e.start(ctx, req)
	if err != nil {
		return summary, err
	}
	summary.LogID = cycle.ID
	log := e.log.With().Str("cycle_id", cycle.ID).Bool("dry_run", req.DryRun).Logger()
	log.Info().Str("source", req.Source).Msg("compost cycle started")

	cutoff := cycle.StartedAt.AddDate(0, 0, -e.cfg.InactivityDays)
	afterID := ledger.WalletID("")
	for {
		res, err := e.batch(ctx, cycle, cutoff, afterID)
		if err != nil {
			e.abort(ctx, cycle, summary, err)
			return summary, err
		}
		summary.WalletsAffected += res.affected
		summary.TotalComposted = summary.TotalComposted.Add(res.composted)
		if res.scanned < e.cfg.BatchSize {
			break
		}
		afterID = res.lastID
	}

	if err := e.finish(ctx, cycle, summary); err != nil {
		e.abort(ctx, cycle, summary, err)
		return summary, err
	}

	if !req.DryRun {
		metrics.CompostWalletsAffected.Add(float64(summary.WalletsAffected))
		metrics.CompostedAmount.Add(summary.TotalComposted.Float64())
	}
	log.Info().
		Int("wallets_affected", summary.WalletsAffected).
		Str("total_composted", summary.TotalComposted.String()).
		Msg("compost cycle completed")
	return summary, nil
}

// start records the configuration snapshot before touching any wallet.
func (e *CompostEngine) start(ctx context.Context, req CompostRequest) (ledger.CompostCycleLog, error) {
	cycle := ledger.CompostCycleLog{
		ID:             uuid.NewString(),
		DryRun:         req.DryRun,
		TotalComposted: ledger.Zero(ledger.SAKA),
		InactivityDays: e.cfg.InactivityDays,
		Rate:           e.cfg.Rate,
		MinBalance:     ledger.NewAmountFromInt(e.cfg.MinBalance, ledger.SAKA),
		MinAmount:      ledger.NewAmountFromInt(e.cfg.MinAmount, ledger.SAKA),
		TriggerSource:  req.Source,
	}
	err := e.ledger.Run(ctx, "saka.compost.start", func(u *ledger.Unit) error {
		cycle.StartedAt = u.Now()
		return u.Records().InsertCompostLog(ctx, cycle)
	})
	if err != nil {
		return ledger.CompostCycleLog{}, fmt.Errorf("failed to open compost cycle: %w", err)
	}
	return cycle, nil
}

type batchResult struct {
	scanned   int
	affected  int
	composted ledger.Amount
	lastID    ledger.WalletID
}

func (e *CompostEngine) batch(ctx context.Context, cycle ledger.CompostCycleLog, cutoff time.Time, afterID ledger.WalletID) (batchResult, error) {
	var res batchResult
	err := e.ledger.Run(ctx, "saka.compost.batch", func(u *ledger.Unit) error {
		res = batchResult{composted: ledger.Zero(ledger.SAKA)}

		wallets, err := u.LockCompostCandidates(ctx, ledger.CompostQuery{
			Currency:   ledger.SAKA,
			Cutoff:     cutoff,
			MinBalance: cycle.MinBalance,
			AfterID:    afterID,
			Limit:      e.cfg.BatchSize,
		})
		if err != nil {
			return err
		}
		res.scanned = len(wallets)
		if len(wallets) > 0 {
			res.lastID = wallets[len(wallets)-1].ID
		}

		for _, w := range wallets {
			amount := w.Balance.FloorRate(cycle.Rate)
			if amount.LessThan(cycle.MinAmount) || !amount.IsPositive() {
				continue
			}
			res.affected++
			res.composted = res.composted.Add(amount)
			if cycle.DryRun {
				continue
			}
			_, err := u.Debit(w.ID, ledger.Posting{
				Kind:     ledger.KindCompost,
				Amount:   amount,
				Reason:   string(ReasonCompost),
				Metadata: ledger.Metadata{"cycle_id": cycle.ID},
			})
			if err != nil {
				return err
			}
		}

		if cycle.DryRun || !res.composted.IsPositive() {
			return nil
		}
		pool, err := u.Records().LockPool(ctx, ledger.SAKA)
		if err != nil {
			return err
		}
		pool.TotalBalance = pool.TotalBalance.Add(res.composted)
		pool.TotalEverComposted = pool.TotalEverComposted.Add(res.composted)
		pool.UpdatedAt = u.Now()
		if err := u.Records().SavePool(ctx, pool); err != nil {
			return err
		}
		metrics.PoolBalance.WithLabelValues(string(ledger.SAKA)).Set(pool.TotalBalance.Float64())
		return nil
	})
	return res, err
}

func (e *CompostEngine) finish(ctx context.Context, cycle ledger.CompostCycleLog, summary CompostSummary) error {
	return e.ledger.Run(ctx, "saka.compost.finish", func(u *ledger.Unit) error {
		now := u.Now()
		if !cycle.DryRun {
			pool, err := u.Records().LockPool(ctx, ledger.SAKA)
			if err != nil {
				return err
			}
			pool.CycleCount++
			pool.LastCycleAt = &now
			pool.UpdatedAt = now
			if err := u.Records().SavePool(ctx, pool); err != nil {
				return err
			}
		}
		cycle.FinishedAt = &now
		cycle.WalletsAffected = summary.WalletsAffected
		cycle.TotalComposted = summary.TotalComposted
		return u.Records().UpdateCompostLog(ctx, cycle)
	})
}

// abort stores the failure and the totals of the batches that did commit
// on the log row. FinishedAt stays nil.
func (e *CompostEngine) abort(ctx context.Context, cycle ledger.CompostCycleLog, summary CompostSummary, cause error) {
	cycle.Error = cause.Error()
	cycle.WalletsAffected = summary.WalletsAffected
	cycle.TotalComposted = summary.TotalComposted
	ctx = context.WithoutCancel(ctx)
	err := e.ledger.Run(ctx, "saka.compost.abort", func(u *ledger.Unit) error {
		return u.Records().UpdateCompostLog(ctx, cycle)
	})
	if err != nil {
		e.log.Error().Err(err).Str("cycle_id", cycle.ID).Msg("failed to record compost failure")
	}
}
