// Package maintenance wires the datastore registry and the GC driver to
// the background scheduler: it is the only place in this repo that
// decides when maintenance runs, as opposed to how it runs.
package maintenance

import (
	"context"
	"log/slog"
	"time"

	"chunkvault/internal/config"
	"chunkvault/internal/datastore"
	"chunkvault/internal/logging"
	"chunkvault/internal/scheduler"
	"chunkvault/internal/worker"
)

// pruneJobName and gcJobPrefix namespace this package's jobs within the
// shared scheduler so they don't collide with jobs an embedding
// application registers for its own purposes.
const (
	pruneJobName = "datastore-prune-unused"
	gcJobPrefix  = "datastore-gc-"

	// DefaultPruneInterval is how often RemoveUnusedDatastores runs when
	// no interval is explicitly configured.
	DefaultPruneInterval = 10 * time.Minute
)

// Runner periodically prunes the registry's stale cache entries and,
// for datastores configured with a GC schedule, triggers garbage
// collection on a cron cadence.
type Runner struct {
	registry *datastore.Registry
	cfgStore config.Store
	sched    *scheduler.Scheduler
	logger   *slog.Logger
}

// NewRunner builds a Runner. Call Start to register its jobs.
func NewRunner(registry *datastore.Registry, cfgStore config.Store, sched *scheduler.Scheduler, logger *slog.Logger) *Runner {
	return &Runner{
		registry: registry,
		cfgStore: cfgStore,
		sched:    sched,
		logger:   logging.Scope(logger, "maintenance"),
	}
}

// Start registers the periodic prune sweep at interval (DefaultPruneInterval
// if zero).
func (r *Runner) Start(interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultPruneInterval
	}
	return r.sched.ScheduleEvery(pruneJobName, interval, r.runPrune)
}

func (r *Runner) runPrune() {
	ctx := context.Background()
	if err := r.registry.RemoveUnusedDatastores(ctx); err != nil {
		r.logger.Warn("periodic prune failed", "error", err)
	}
}

// ScheduleGC registers a periodic GC trigger for one datastore on a cron
// expression (e.g. "0 3 * * *" for daily at 3am). This is additive to any
// GC an operator or API layer triggers directly; the GC driver's own
// mutex ensures an overlapping trigger is simply rejected with
// gc.ErrAlreadyRunning rather than queued.
func (r *Runner) ScheduleGC(name, cronExpr string) error {
	return r.sched.ScheduleCron(gcJobPrefix+name, cronExpr, func() {
		r.runGC(name)
	})
}

func (r *Runner) runGC(name string) {
	ctx := context.Background()
	handle, err := r.registry.Lookup(ctx, name, config.OperationWrite)
	if err != nil {
		r.logger.Warn("scheduled gc: lookup failed", "store", name, "error", err)
		return
	}
	defer handle.Release()

	wctx := worker.New(ctx, nil, r.logger)
	if _, err := handle.Store().GarbageCollection(wctx); err != nil {
		r.logger.Warn("scheduled gc failed", "store", name, "error", err)
	}
}

// UnscheduleGC removes a previously scheduled periodic GC trigger.
func (r *Runner) UnscheduleGC(name string) {
	r.sched.RemoveJob(gcJobPrefix + name)
}

// Stop removes the prune job. The underlying Scheduler is shared and is
// stopped by its owner, not by Runner.
func (r *Runner) Stop() {
	r.sched.RemoveJob(pruneJobName)
}
