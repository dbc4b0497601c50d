// Package scheduler wraps a single shared gocron scheduler used for
// background maintenance: the periodic "prune unused datastores" sweep
// and, optionally, a periodic GC trigger per datastore. Jobs are named so
// callers can replace or remove one without holding its handle.
package scheduler

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"chunkvault/internal/logging"
)

// Scheduler is a thin, named-job wrapper around gocron.Scheduler. Jobs are
// identified by name so a caller can replace or remove one without
// tracking the underlying gocron.Job handle itself.
type Scheduler struct {
	mu     sync.Mutex
	inner  gocron.Scheduler
	jobs   map[string]gocron.Job
	logger *slog.Logger
}

// New creates and starts a Scheduler. The underlying gocron scheduler
// runs immediately so interval and cron jobs added later begin firing as
// soon as they're registered.
func New(logger *slog.Logger) (*Scheduler, error) {
	inner, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("scheduler: create gocron scheduler: %w", err)
	}
	s := &Scheduler{
		inner:  inner,
		jobs:   make(map[string]gocron.Job),
		logger: logging.Scope(logger, "scheduler"),
	}
	inner.Start()
	return s, nil
}

// ScheduleEvery registers a named job that runs fn every interval,
// starting after the first interval elapses. Used for the "prune unused
// datastores" sweep, which has no natural cron-calendar cadence.
func (s *Scheduler) ScheduleEvery(name string, interval time.Duration, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("scheduler: job %q already registered", name)
	}
	job, err := s.inner.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(fn),
		gocron.WithName(name),
	)
	if err != nil {
		return fmt.Errorf("scheduler: register job %q: %w", name, err)
	}
	s.jobs[name] = job
	s.logger.Info("scheduled interval job", "name", name, "interval", interval)
	return nil
}

// ScheduleCron registers a named job on a standard five-field cron
// expression. Used for an operator-configured periodic GC trigger.
func (s *Scheduler) ScheduleCron(name, cronExpr string, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("scheduler: job %q already registered", name)
	}
	job, err := s.inner.NewJob(
		gocron.CronJob(cronExpr, false),
		gocron.NewTask(fn),
		gocron.WithName(name),
	)
	if err != nil {
		return fmt.Errorf("scheduler: register job %q: %w", name, err)
	}
	s.jobs[name] = job
	s.logger.Info("scheduled cron job", "name", name, "cron", cronExpr)
	return nil
}

// RemoveJob stops and unregisters a named job. No-op if the job doesn't
// exist.
func (s *Scheduler) RemoveJob(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[name]
	if !ok {
		return
	}
	if err := s.inner.RemoveJob(job.ID()); err != nil {
		s.logger.Warn("failed to remove job", "name", name, "error", err)
	}
	delete(s.jobs, name)
}

// Stop shuts down the scheduler, waiting for any in-flight job to finish.
func (s *Scheduler) Stop() error {
	return s.inner.Shutdown()
}
