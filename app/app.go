/*
Package app wires the engines from a loaded configuration. The HTTP server
and the ledgerctl CLI share it.

STARTUP SEQUENCE:
  1. Open the store (SQLite, PostgreSQL or in-memory)
  2. Build the ledger with the retry policy
  3. Build the SAKA service, compost and redistribution engines
  4. Connect the event publisher (RabbitMQ, or log-only)
  5. Build the EUR service

SEE ALSO:
  - config/config.go: Settings
  - cmd/server/main.go, cmd/ledgerctl
*/
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/warp/ledger-engine/config"
	"github.com/warp/ledger-engine/finance"
	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/ledger/store"
	"github.com/warp/ledger-engine/notify"
	"github.com/warp/ledger-engine/saka"
	"github.com/warp/ledger-engine/store/sqlstore"
)

// Store is what both store implementations offer.
type Store interface {
	ledger.Store
	finance.Directory
	SaveProject(ctx context.Context, p ledger.Project) error
	SetInvestorEligible(ctx context.Context, owner ledger.OwnerID, eligible bool) error
}

type App struct {
	Config         *config.Config
	Store          Store
	Ledger         *ledger.Ledger
	SAKA           *saka.Service
	Compost        *saka.CompostEngine
	Redistribution *saka.RedistributionEngine
	Finance        *finance.Service
	Publisher      notify.Publisher

	closers []func() error
}

// OpenStore opens the configured store.
func OpenStore(ctx context.Context, db config.DatabaseConfig) (Store, func() error, error) {
	switch db.Driver {
	case "memory":
		return store.NewMemory(), func() error { return nil }, nil
	case "sqlite", "postgres":
		s, err := sqlstore.Open(ctx, db.Driver, db.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}
	return nil, nil, fmt.Errorf("unsupported database driver %q", db.Driver)
}

// New builds every engine. Close releases the store and the broker.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*App, error) {
	st, closeStore, err := OpenStore(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	a := &App{Config: cfg, Store: st, closers: []func() error{closeStore}}

	a.Ledger = ledger.New(st,
		ledger.WithRetryPolicy(cfg.Retry),
		ledger.WithLogger(log.With().Str("component", "ledger").Logger()),
	)
	a.SAKA = saka.NewService(a.Ledger, cfg.SAKA, log)
	a.Compost = saka.NewCompostEngine(a.Ledger, cfg.Compost, log)
	a.Redistribution = saka.NewRedistributionEngine(a.Ledger, cfg.Redistribution, log)

	if cfg.AMQP.URL != "" {
		pub, err := notify.DialAMQP(cfg.AMQP.URL, cfg.AMQP.DialTimeout)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Publisher = pub
		log.Info().Str("exchange", cfg.AMQP.Exchange).Msg("publishing events to broker")
	} else {
		a.Publisher = notify.LogPublisher{Log: log.With().Str("component", "events").Logger()}
	}
	a.closers = append(a.closers, a.Publisher.Close)

	a.Finance = finance.NewService(a.Ledger, cfg.Finance, st, notify.NewNotifier(a.Publisher, cfg.AMQP.Exchange), log)
	return a, nil
}

// Close waits for pending notifications, then closes the broker and the
// store.
func (a *App) Close() error {
	if a.Finance != nil {
		a.Finance.Wait()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}
