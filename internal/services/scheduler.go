package services

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// SchedulerOptions configures the periodic jobs.
type SchedulerOptions struct {
	WatchdogSpec  string
	BackfillSpec  string
	BackfillAfter time.Duration
	BackfillLimit int
}

// Scheduler runs the run watchdog and the queued-run backfill on cron specs.
type Scheduler struct {
	cron       *cron.Cron
	runs       *AutomationService
	dispatcher RunDispatcher
	opts       SchedulerOptions
	logger     *logrus.Logger
}

func NewScheduler(runs *AutomationService, dispatcher RunDispatcher, opts SchedulerOptions, logger *logrus.Logger) *Scheduler {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.WatchdogSpec == "" {
		opts.WatchdogSpec = "@every 1m"
	}
	if opts.BackfillSpec == "" {
		opts.BackfillSpec = "@every 1m"
	}
	if opts.BackfillAfter <= 0 {
		opts.BackfillAfter = 2 * time.Minute
	}
	if opts.BackfillLimit <= 0 {
		opts.BackfillLimit = 100
	}
	return &Scheduler{cron: cron.New(), runs: runs, dispatcher: dispatcher, opts: opts, logger: logger}
}

// Register adds the watchdog and, when a dispatcher is set, the backfill.
func (s *Scheduler) Register() error {
	if _, err := s.cron.AddFunc(s.opts.WatchdogSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := s.Watchdog(ctx); err != nil {
			s.logger.WithError(err).Error("run watchdog failed")
		}
	}); err != nil {
		return fmt.Errorf("registering watchdog %q: %w", s.opts.WatchdogSpec, err)
	}
	if s.dispatcher == nil {
		return nil
	}
	if _, err := s.cron.AddFunc(s.opts.BackfillSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := s.Backfill(ctx); err != nil {
			s.logger.WithError(err).Error("run backfill failed")
		}
	}); err != nil {
		return fmt.Errorf("registering backfill %q: %w", s.opts.BackfillSpec, err)
	}
	return nil
}

// Watchdog times out runs that outlived their budget.
func (s *Scheduler) Watchdog(ctx context.Context) (int, error) {
	n, err := s.runs.TimeOutStaleRuns(ctx, s.runs.now())
	if n > 0 {
		s.logger.WithField("count", n).Info("watchdog timed out runs")
	}
	return n, err
}

// Backfill re-dispatches runs that have sat in queued too long, e.g. after a
// lost worker callback or a saturated pool.
func (s *Scheduler) Backfill(ctx context.Context) (int, error) {
	runs, err := s.runs.QueuedBefore(ctx, s.runs.now().Add(-s.opts.BackfillAfter), s.opts.BackfillLimit)
	if err != nil {
		return 0, fmt.Errorf("load queued runs: %w", err)
	}
	for _, run := range runs {
		eventID := ""
		if run.TriggerEventID != nil {
			eventID = *run.TriggerEventID
		}
		if err := s.dispatcher.Dispatch(ctx, eventID, run.ID); err != nil {
			s.logger.WithError(err).WithField("run_id", run.ID).Warn("backfill dispatch failed")
		}
	}
	return len(runs), nil
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the scheduler and waits for running jobs to complete.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Entries returns the number of registered jobs.
func (s *Scheduler) Entries() int { return len(s.cron.Entries()) }
