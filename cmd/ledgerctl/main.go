/*
ledgerctl - Operator CLI for the ledger engines

PURPOSE:
  Runs maintenance cycles and inspections directly against the database,
  without going through the HTTP server. Uses the same configuration as
  the server (environment, .env, optional config file).

COMMANDS:
  compost [--dry-run]              Run one compost cycle
  redistribute [--rate 0.10]       Pay out the common pool
  balance <owner> [--currency]     Show a wallet
  reconcile <owner>...             Replay journals against stored balances
  release-project <project>        Release every LOCKED escrow of a project
  refund <escrow>                  Refund one LOCKED escrow

EXIT STATUS:
  Non-zero on errors and when reconcile finds a drifted wallet.
*/
package main

import (
	"os"
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}
