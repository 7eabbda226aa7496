/*
scheduler.go - Periodic compost and redistribution

PURPOSE:
  Runs the SAKA maintenance cycles on cron schedules:
  - Compost (default daily 03:00): demurrage on inactive wallets
  - Redistribution (default Mondays 04:00): pays out the common pool

DESIGN:
  - robfig/cron with panic recovery; a failed cycle is logged and the next
    tick tries again
  - Each job runs with a timeout so a stuck database cannot pile up runs
  - Overlapping runs of the same job are skipped

USAGE:
  scheduler := NewScheduler(compost, redistribution, cfg, log)
  scheduler.Start()
  // ... later
  <-scheduler.Stop().Done()

SEE ALSO:
  - handlers.go: TriggerCompost, TriggerRedistribution (manual runs)
  - saka/compost.go, saka/redistribution.go
*/
package api

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/warp/ledger-engine/saka"
)

// JobTimeout bounds one scheduled cycle.
const JobTimeout = 30 * time.Minute

type SchedulerConfig struct {
	CompostSpec        string
	RedistributionSpec string
}

// Scheduler runs compost and redistribution on cron schedules.
type Scheduler struct {
	cron           *cron.Cron
	compost        *saka.CompostEngine
	redistribution *saka.RedistributionEngine
	cfg            SchedulerConfig
	log            zerolog.Logger
}

func NewScheduler(compost *saka.CompostEngine, redistribution *saka.RedistributionEngine, cfg SchedulerConfig, log zerolog.Logger) *Scheduler {
	log = log.With().Str("component", "scheduler").Logger()
	cronLogger := cron.PrintfLogger(&log)
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))
	return &Scheduler{cron: c, compost: compost, redistribution: redistribution, cfg: cfg, log: log}
}

// Start registers the jobs and starts the cron scheduler. An invalid spec
// fails Start before anything runs.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.cfg.CompostSpec, s.RunCompost); err != nil {
		return err
	}
	s.log.Info().Str("schedule", s.cfg.CompostSpec).Msg("scheduled compost job")

	if _, err := s.cron.AddFunc(s.cfg.RedistributionSpec, s.RunRedistribution); err != nil {
		return err
	}
	s.log.Info().Str("schedule", s.cfg.RedistributionSpec).Msg("scheduled redistribution job")

	s.cron.Start()
	return nil
}

// Stop stops the scheduler. The returned context is done once running jobs
// have finished.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// Entries reports the next run of every job, for diagnostics.
func (s *Scheduler) Entries() []cron.Entry {
	return s.cron.Entries()
}

func (s *Scheduler) RunCompost() {
	ctx, cancel := context.WithTimeout(context.Background(), JobTimeout)
	defer cancel()

	summary, err := s.compost.Run(ctx, saka.CompostRequest{Source: "scheduler"})
	if err != nil {
		s.log.Error().Err(err).Msg("scheduled compost failed")
		return
	}
	s.log.Info().
		Str("log_id", summary.LogID).
		Int("wallets", summary.WalletsAffected).
		Str("composted", summary.TotalComposted.String()).
		Str("skipped", string(summary.Skipped)).
		Msg("scheduled compost finished")
}

func (s *Scheduler) RunRedistribution() {
	ctx, cancel := context.WithTimeout(context.Background(), JobTimeout)
	defer cancel()

	res, err := s.redistribution.Run(ctx, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("scheduled redistribution failed")
		return
	}
	s.log.Info().
		Str("run_id", res.RunID).
		Str("no_op", string(res.NoOp)).
		Int("credited", res.Credited).
		Str("distributed", res.Distributed.String()).
		Msg("scheduled redistribution finished")
}
