/*
scheduler.go - Automated reconciliation scheduler

PURPOSE:
  Periodically re-checks every client's ledger (invoice arithmetic, carry
  links, credit and journal) and reports drift through logs and metrics.
  Nothing is repaired automatically; discrepancies need a human.

DESIGN:
  - Cron expression (robfig/cron, standard 5-field syntax)
  - Runs never overlap: a slow run makes the next tick skip
  - Each run reconciles all clients and publishes the discrepancy count

USAGE:
  scheduler, err := NewReconciliationScheduler(engine, "0 2 * * *", log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RunReconciliation endpoint (manual run)
  - ledger/reconcile.go: The checks themselves
*/
package api

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/warp/printshop-ledger/ledger"
	"github.com/warp/printshop-ledger/metrics"
)

// ReconciliationScheduler runs ReconcileAll on a cron schedule.
type ReconciliationScheduler struct {
	engine  *ledger.Engine
	cron    *cron.Cron
	log     zerolog.Logger
	timeout time.Duration
}

// NewReconciliationScheduler validates schedule and prepares the job.
func NewReconciliationScheduler(engine *ledger.Engine, schedule string, log zerolog.Logger) (*ReconciliationScheduler, error) {
	rs := &ReconciliationScheduler{
		engine:  engine,
		log:     log.With().Str("component", "scheduler").Logger(),
		timeout: 10 * time.Minute,
	}
	rs.cron = cron.New(cron.WithChain(
		cron.Recover(cron.DefaultLogger),
		cron.SkipIfStillRunning(cron.DefaultLogger),
	))
	if _, err := rs.cron.AddFunc(schedule, rs.RunNow); err != nil {
		return nil, fmt.Errorf("invalid reconcile schedule %q: %w", schedule, err)
	}
	return rs, nil
}

// Start begins the scheduler.
func (rs *ReconciliationScheduler) Start() {
	rs.cron.Start()
	rs.log.Info().Time("next_run", rs.NextRunTime()).Msg("reconciliation scheduler started")
}

// Stop stops the scheduler and waits for a running job to finish.
func (rs *ReconciliationScheduler) Stop() {
	<-rs.cron.Stop().Done()
	rs.log.Info().Msg("reconciliation scheduler stopped")
}

// RunNow reconciles every client immediately.
func (rs *ReconciliationScheduler) RunNow() {
	ctx, cancel := context.WithTimeout(context.Background(), rs.timeout)
	defer cancel()

	start := time.Now()
	reports, err := rs.engine.ReconcileAll(ctx)
	run := summarize(reports)
	metrics.ReconciliationFinished(run.Discrepancies, err)
	if err != nil {
		rs.log.Error().Err(err).Msg("reconciliation run failed")
		return
	}

	ev := rs.log.Info()
	if run.Unbalanced > 0 {
		ev = rs.log.Warn()
	}
	ev.Int("clients", run.Clients).
		Int("unbalanced", run.Unbalanced).
		Int("discrepancies", run.Discrepancies).
		Dur("took", time.Since(start)).
		Msg("reconciliation run finished")
}

// NextRunTime returns when the next scheduled run will occur.
func (rs *ReconciliationScheduler) NextRunTime() time.Time {
	entries := rs.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}
