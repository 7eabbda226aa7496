/*
main.go - Application entry point

PURPOSE:
  Starts the ledger HTTP server and the maintenance scheduler.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env and configuration (config package)
  2. Build the logger
  3. Wire store, ledger and engines (app package)
  4. Configure HTTP router
  5. Start the compost/redistribution scheduler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  Optional config file (YAML/TOML/JSON); environment still wins
  -env     .env file to load first (default: .env)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop scheduling and wait for a running cycle
  2. Stop accepting new connections, drain active requests
  3. Flush pending event notifications
  4. Close broker and database connections

EXAMPLES:
  # SQLite file database
  DB_DSN=./data/ledger.db ./server

  # PostgreSQL with events on RabbitMQ
  DB_DRIVER=postgres DB_DSN=postgres://... AMQP_URL=amqp://... ./server

SEE ALSO:
  - api/server.go: Router configuration
  - app/app.go: Engine wiring
*/
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/warp/ledger-engine/api"
	"github.com/warp/ledger-engine/app"
	"github.com/warp/ledger-engine/config"
	"github.com/warp/ledger-engine/logger"
)

func main() {
	configPath := flag.String("config", "", "config file path")
	envPath := flag.String("env", ".env", ".env file path")
	flag.Parse()

	boot := logger.New("info", false)
	if err := config.LoadEnv(*envPath); err != nil {
		boot.Fatal().Err(err).Msg("failed to load .env")
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		boot.Fatal().Err(err).Msg("invalid configuration")
	}
	log := logger.New(cfg.Log.Level, cfg.Log.Pretty).With().Str("service", "ledger-engine").Logger()

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx := logger.WithContext(context.Background(), log)

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close resources")
		}
	}()

	handler := &api.Handler{
		Ledger:         a.Ledger,
		SAKA:           a.SAKA,
		Compost:        a.Compost,
		Redistribution: a.Redistribution,
		Finance:        a.Finance,
		Projects:       a.Store,
		Log:            log,
	}
	router := api.NewRouter(handler, cfg.Server.AllowedOrigins)

	var scheduler *api.Scheduler
	if cfg.Scheduler.Enabled {
		scheduler = api.NewScheduler(a.Compost, a.Redistribution, api.SchedulerConfig{
			CompostSpec:        cfg.Scheduler.CompostSpec,
			RedistributionSpec: cfg.Scheduler.RedistributionSpec,
		}, log)
		if err := scheduler.Start(); err != nil {
			return err
		}
	}

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Str("db", cfg.Database.Driver).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return err
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if scheduler != nil {
		select {
		case <-scheduler.Stop().Done():
		case <-shutdownCtx.Done():
			log.Warn().Msg("scheduled cycle still running at shutdown")
		}
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Info().Msg("server stopped")
	return nil
}
