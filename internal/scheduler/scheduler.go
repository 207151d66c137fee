// Package scheduler runs the retention cleanup for every department on a
// cron schedule. A Redis lease keeps replicas from cleaning concurrently.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"qms/queue-engine/internal/queue"

	cronlib "github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultSchedule    = "@every 1h"
	DefaultLockTTL     = 10 * time.Minute
	DefaultConcurrency = 4
	LockKey            = "qms:queue:cleanup:lock"
)

// Standard 5-field cron plus descriptors like "@every 30m".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

// Cleaner is the part of the queue engine the scheduler drives.
type Cleaner interface {
	Departments(ctx context.Context) ([]string, error)
	PerformCleanup(ctx context.Context, departmentID string) (queue.CleanupOutcome, error)
}

type Options struct {
	Schedule    string
	LockTTL     time.Duration
	Concurrency int
	// Locker is optional; without one every replica runs the cleanup.
	Locker Locker
	Logger zerolog.Logger
}

// Report summarizes one cleanup pass over all departments.
type Report struct {
	Skipped     bool
	Departments int
	Archived    int
	Failures    int
	Errors      int
}

type Scheduler struct {
	cleaner     Cleaner
	locker      Locker
	logger      zerolog.Logger
	spec        string
	schedule    cronlib.Schedule
	lockTTL     time.Duration
	concurrency int

	mu   sync.Mutex
	cron *cronlib.Cron
}

func New(cleaner Cleaner, options Options) (*Scheduler, error) {
	if cleaner == nil {
		return nil, errors.New("scheduler: cleaner is required")
	}
	spec := options.Schedule
	if spec == "" {
		spec = DefaultSchedule
	}
	schedule, err := ParseSchedule(spec)
	if err != nil {
		return nil, err
	}
	s := &Scheduler{
		cleaner:     cleaner,
		locker:      options.Locker,
		logger:      options.Logger,
		spec:        spec,
		schedule:    schedule,
		lockTTL:     options.LockTTL,
		concurrency: options.Concurrency,
	}
	if s.lockTTL <= 0 {
		s.lockTTL = DefaultLockTTL
	}
	if s.concurrency <= 0 {
		s.concurrency = DefaultConcurrency
	}
	return s, nil
}

// Start registers the cleanup job and starts the cron runner. A run that is
// still going when the next one is due is skipped.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return
	}
	s.cron = cronlib.New(
		cronlib.WithParser(cronParser),
		cronlib.WithChain(cronlib.SkipIfStillRunning(cronlib.DiscardLogger)),
	)
	s.cron.Schedule(s.schedule, cronlib.FuncJob(func() {
		if _, err := s.RunOnce(context.Background()); err != nil {
			s.logger.Error().Err(err).Msg("cleanup run failed")
		}
	}))
	s.cron.Start()
	s.logger.Info().Str("schedule", s.spec).Msg("cleanup scheduler started")
}

// Stop stops scheduling and waits for a running cleanup, or for ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		s.logger.Info().Msg("cleanup scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce cleans every department once. Per-department failures are
// logged and counted; only failing to list departments or to take the
// lease returns an error.
func (s *Scheduler) RunOnce(ctx context.Context) (Report, error) {
	if s.locker != nil {
		acquired, err := s.locker.Acquire(ctx, LockKey, s.lockTTL)
		if err != nil {
			return Report{}, err
		}
		if !acquired {
			s.logger.Debug().Msg("cleanup lease held elsewhere, skipping")
			return Report{Skipped: true}, nil
		}
		defer func() {
			if err := s.locker.Release(context.WithoutCancel(ctx), LockKey); err != nil {
				s.logger.Warn().Err(err).Msg("release cleanup lease failed")
			}
		}()
	}

	departments, err := s.cleaner.Departments(ctx)
	if err != nil {
		return Report{}, err
	}

	report := Report{Departments: len(departments)}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, departmentID := range departments {
		g.Go(func() error {
			outcome, err := s.cleaner.PerformCleanup(gctx, departmentID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Errors++
				s.logger.Warn().Err(err).Str("department_id", departmentID).Msg("department cleanup failed")
				return nil
			}
			report.Archived += outcome.Archived
			report.Failures += outcome.Failures
			return nil
		})
	}
	_ = g.Wait()

	s.logger.Info().
		Int("departments", report.Departments).
		Int("archived", report.Archived).
		Int("failures", report.Failures).
		Int("errors", report.Errors).
		Msg("cleanup pass finished")
	return report, nil
}
