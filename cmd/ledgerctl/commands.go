package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/warp/ledger-engine/app"
	"github.com/warp/ledger-engine/config"
	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/logger"
	"github.com/warp/ledger-engine/saka"
)

var errDrift = errors.New("wallet balances drifted from their journals")

type cliContext struct {
	configPath string
	envPath    string
	verbose    bool
	out        io.Writer
}

// open wires the engines for one command.
func (c *cliContext) open(ctx context.Context) (*app.App, error) {
	if err := config.LoadEnv(c.envPath); err != nil {
		return nil, err
	}
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, err
	}
	log := zerolog.Nop()
	if c.verbose {
		log = logger.New(cfg.Log.Level, true)
	}
	return app.New(ctx, cfg, log)
}

// withApp runs fn with wired engines and closes them afterwards.
func (c *cliContext) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	ctx := cmd.Context()
	a, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func newRootCmd(out io.Writer) *cobra.Command {
	c := &cliContext{out: out}

	root := &cobra.Command{
		Use:           "ledgerctl",
		Short:         "operate the SAKA and EUR ledgers",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "config file (YAML/TOML/JSON)")
	root.PersistentFlags().StringVar(&c.envPath, "env", ".env", ".env file to load")
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "log to stdout")

	root.AddCommand(
		newCompostCmd(c),
		newRedistributeCmd(c),
		newBalanceCmd(c),
		newReconcileCmd(c),
		newReleaseProjectCmd(c),
		newRefundCmd(c),
	)
	return root
}

// =============================================================================
// SAKA
// =============================================================================

func newCompostCmd(c *cliContext) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "compost",
		Short: "run one compost cycle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				s, err := a.Compost.Run(ctx, saka.CompostRequest{DryRun: dryRun, Source: "cli"})
				if err != nil {
					return err
				}
				if s.Skipped != "" {
					fmt.Fprintf(c.out, "skipped: %s\n", s.Skipped)
					return nil
				}
				fmt.Fprintf(c.out, "cycle %s dry_run=%t wallets=%d composted=%s\n",
					s.LogID, s.DryRun, s.WalletsAffected, s.TotalComposted)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "compute without moving SAKA")
	return cmd
}

func newRedistributeCmd(c *cliContext) *cobra.Command {
	var rate string
	cmd := &cobra.Command{
		Use:   "redistribute",
		Short: "pay out part of the common pool to active wallets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var override *decimal.Decimal
			if rate != "" {
				d, err := decimal.NewFromString(rate)
				if err != nil {
					return fmt.Errorf("invalid --rate: %w", err)
				}
				override = &d
			}
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				r, err := a.Redistribution.Run(ctx, override)
				if err != nil {
					return err
				}
				if r.NoOp != "" {
					fmt.Fprintf(c.out, "no-op: %s\n", r.NoOp)
					return nil
				}
				fmt.Fprintf(c.out, "run %s rate=%s wallets=%d per_wallet=%s distributed=%s pool=%s->%s\n",
					r.RunID, r.Rate, r.Credited, r.PerWallet, r.Distributed, r.PoolBefore, r.PoolAfter)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&rate, "rate", "", "override the configured rate (0 < rate <= 1)")
	return cmd
}

// =============================================================================
// WALLETS
// =============================================================================

func newBalanceCmd(c *cliContext) *cobra.Command {
	var currency string
	cmd := &cobra.Command{
		Use:   "balance <owner>",
		Short: "show a wallet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cur, err := ledger.ParseCurrency(currency)
			if err != nil {
				return err
			}
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				b, err := a.Ledger.Balance(ctx, ledger.WalletKey{Owner: ledger.OwnerID(args[0]), Currency: cur})
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
				fmt.Fprintf(tw, "owner\t%s\n", b.Owner)
				fmt.Fprintf(tw, "balance\t%s %s\n", b.Balance, b.Currency)
				if cur == ledger.SAKA {
					fmt.Fprintf(tw, "harvested\t%s\n", b.TotalHarvested)
					fmt.Fprintf(tw, "planted\t%s\n", b.TotalPlanted)
					fmt.Fprintf(tw, "composted\t%s\n", b.TotalComposted)
				}
				if b.LastActivityAt != nil {
					fmt.Fprintf(tw, "last activity\t%s\n", b.LastActivityAt.UTC().Format("2006-01-02 15:04:05"))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&currency, "currency", string(ledger.SAKA), "SAKA or EUR")
	return cmd
}

func newReconcileCmd(c *cliContext) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile <owner>...",
		Short: "replay wallet journals against stored balances",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "wallet\tstored\treplayed\ttxs\tstatus")
				drift := false
				for _, owner := range args {
					for _, cur := range []ledger.Currency{ledger.SAKA, ledger.EUR} {
						r, err := a.Ledger.Reconcile(ctx, ledger.WalletKey{Owner: ledger.OwnerID(owner), Currency: cur})
						if errors.Is(err, ledger.ErrWalletNotFound) {
							continue
						}
						if err != nil {
							return err
						}
						status := "ok"
						if !r.Consistent() {
							status, drift = "DRIFT", true
						}
						fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", r.Key, r.Stored, r.Replayed, r.Transactions, status)
					}
				}
				if err := tw.Flush(); err != nil {
					return err
				}
				if drift {
					return errDrift
				}
				return nil
			})
		},
	}
}

// =============================================================================
// ESCROWS
// =============================================================================

func newReleaseProjectCmd(c *cliContext) *cobra.Command {
	return &cobra.Command{
		Use:   "release-project <project>",
		Short: "release every LOCKED escrow of a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				s, err := a.Finance.ReleaseProject(ctx, ledger.ProjectID(args[0]))
				if err != nil {
					return err
				}
				if s.NoOp != "" {
					fmt.Fprintf(c.out, "no-op: %s\n", s.NoOp)
					return nil
				}
				fmt.Fprintf(c.out, "released %d escrows in %d batches: gross=%s commission=%s fees=%s net=%s\n",
					s.Escrows, s.Batches, s.Gross, s.Commission, s.Fees, s.Net)
				return nil
			})
		},
	}
}

func newRefundCmd(c *cliContext) *cobra.Command {
	return &cobra.Command{
		Use:   "refund <escrow>",
		Short: "refund one LOCKED escrow to its payer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				e, err := a.Finance.Refund(ctx, ledger.EscrowID(args[0]))
				if err != nil {
					return err
				}
				fmt.Fprintf(c.out, "refunded %s %s to %s\n", e.Amount, e.Amount.Currency, e.Payer)
				return nil
			})
		},
	}
}
