// Package cron fires evolution runs on a cron schedule.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the cron scheduler.
type Config struct {
	Spec     string
	Run      func(ctx context.Context) error
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute if zero
	// Now defaults to time.Now.
	Now func() time.Time
}

// Scheduler checks the schedule on every tick and starts Run when due. A fire
// that lands while the previous run is still going is skipped.
type Scheduler struct {
	sched    cronlib.Schedule
	spec     string
	run      func(ctx context.Context) error
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	next    time.Time
	active  atomic.Bool
	fired   atomic.Int64
	skipped atomic.Int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler validates the cron expression eagerly.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Run == nil {
		return nil, errors.New("cron: run function is required")
	}
	sched, err := cronParser.Parse(cfg.Spec)
	if err != nil {
		return nil, fmt.Errorf("cron: parse %q: %w", cfg.Spec, err)
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		sched:    sched,
		spec:     cfg.Spec,
		run:      cfg.Run,
		logger:   logger,
		interval: interval,
		now:      now,
	}, nil
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.next = s.sched.Next(s.now())
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "schedule", s.spec, "interval", s.interval, "next_run_at", s.next)
}

// Stop cancels the scheduler loop and waits for it and any in-flight run to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

// Fired returns the number of runs started.
func (s *Scheduler) Fired() int64 { return s.fired.Load() }

// Skipped returns the number of due fires dropped because a run was active.
func (s *Scheduler) Skipped() int64 { return s.skipped.Load() }

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()
	if now.Before(s.next) {
		return
	}
	s.next = s.sched.Next(now)

	if !s.active.CompareAndSwap(false, true) {
		s.skipped.Add(1)
		s.logger.Warn("cron: previous run still active, skipping", "next_run_at", s.next)
		return
	}
	s.fired.Add(1)
	next := s.next
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.active.Store(false)
		if err := s.run(ctx); err != nil {
			s.logger.Error("cron: scheduled run failed", "error", err)
			return
		}
		s.logger.Info("cron: scheduled run finished", "next_run_at", next)
	}()
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// Validate reports whether expr is a valid 5-field cron expression.
func Validate(expr string) error {
	_, err := cronParser.Parse(expr)
	return err
}
