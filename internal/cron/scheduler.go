// Package cron runs the audit retention job on a cron schedule.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions plus @every/@hourly descriptors.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Retainer purges audit rows older than the given number of days.
type Retainer interface {
	RunRetention(ctx context.Context, days int) (int64, error)
}

type Config struct {
	Store    Retainer
	Logger   *slog.Logger
	Schedule string
	Days     int
}

// Scheduler fires the retention job on its schedule until stopped.
type Scheduler struct {
	store    Retainer
	logger   *slog.Logger
	schedule string
	days     int

	mu     sync.Mutex
	cron   *cronlib.Cron
	ctx    context.Context
	cancel context.CancelFunc
	runs   int
}

func NewScheduler(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = "@hourly"
	}
	return &Scheduler{
		store:    cfg.Store,
		logger:   logger,
		schedule: schedule,
		days:     cfg.Days,
	}
}

// Start registers the job and begins firing it. It is a no-op when retention
// is disabled (Days <= 0).
func (s *Scheduler) Start(ctx context.Context) error {
	if s.days <= 0 {
		s.logger.Info("cron: audit retention disabled")
		return nil
	}
	if _, err := cronParser.Parse(s.schedule); err != nil {
		return fmt.Errorf("parse retention schedule %q: %w", s.schedule, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron = cronlib.New(cronlib.WithParser(cronParser))
	if _, err := s.cron.AddFunc(s.schedule, func() { s.RunOnce(s.ctx) }); err != nil {
		return fmt.Errorf("register retention job: %w", err)
	}
	s.cron.Start()
	s.logger.Info("cron: audit retention scheduled", "schedule", s.schedule, "days", s.days)
	return nil
}

// Stop cancels pending runs and waits for a running job to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c, cancel := s.cron, s.cancel
	s.cron, s.cancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	cancel()
	<-c.Stop().Done()
	s.logger.Info("cron: scheduler stopped")
}

// Runs reports how many times the job has executed.
func (s *Scheduler) Runs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}

// RunOnce executes the retention job immediately.
func (s *Scheduler) RunOnce(ctx context.Context) {
	purged, err := s.store.RunRetention(ctx, s.days)
	s.mu.Lock()
	s.runs++
	s.mu.Unlock()
	if err != nil {
		s.logger.Error("cron: audit retention failed", "error", err)
		return
	}
	if purged > 0 {
		s.logger.Info("cron: audit retention completed", "purged_audit_logs", purged)
	}
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
