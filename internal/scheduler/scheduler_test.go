package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"qms/queue-engine/internal/queue"

	"github.com/rs/zerolog"
)

type fakeCleaner struct {
	departments func(ctx context.Context) ([]string, error)
	cleanup     func(ctx context.Context, departmentID string) (queue.CleanupOutcome, error)
}

func (f fakeCleaner) Departments(ctx context.Context) ([]string, error) {
	return f.departments(ctx)
}

func (f fakeCleaner) PerformCleanup(ctx context.Context, departmentID string) (queue.CleanupOutcome, error) {
	return f.cleanup(ctx, departmentID)
}

type fakeLocker struct {
	mu       sync.Mutex
	held     bool
	err      error
	released int
}

func (l *fakeLocker) Acquire(context.Context, string, time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return false, l.err
	}
	if l.held {
		return false, nil
	}
	l.held = true
	return true, nil
}

func (l *fakeLocker) Release(context.Context, string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held = false
	l.released++
	return nil
}

func TestRunOnceAggregatesDepartments(t *testing.T) {
	var mu sync.Mutex
	cleaned := map[string]bool{}
	cleaner := fakeCleaner{
		departments: func(context.Context) ([]string, error) {
			return []string{"a", "b", "c"}, nil
		},
		cleanup: func(_ context.Context, departmentID string) (queue.CleanupOutcome, error) {
			mu.Lock()
			cleaned[departmentID] = true
			mu.Unlock()
			switch departmentID {
			case "b":
				return queue.CleanupOutcome{}, errors.New("db down")
			case "c":
				return queue.CleanupOutcome{DepartmentID: "c", Candidates: 3, Archived: 2, Failures: 1}, nil
			}
			return queue.CleanupOutcome{DepartmentID: departmentID, Candidates: 4, Archived: 4}, nil
		},
	}
	locker := &fakeLocker{}
	s, err := New(cleaner, Options{Locker: locker, Concurrency: 2, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	report, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if report.Departments != 3 || report.Archived != 6 || report.Failures != 1 || report.Errors != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if len(cleaned) != 3 {
		t.Fatalf("expected all departments visited, got %v", cleaned)
	}
	if locker.released != 1 || locker.held {
		t.Fatalf("expected lease released once")
	}
}

func TestRunOnceSkipsWhenLeaseHeld(t *testing.T) {
	cleaner := fakeCleaner{
		departments: func(context.Context) ([]string, error) {
			t.Fatalf("departments should not be listed without the lease")
			return nil, nil
		},
	}
	locker := &fakeLocker{held: true}
	s, err := New(cleaner, Options{Locker: locker, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	report, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if !report.Skipped {
		t.Fatalf("expected skipped run")
	}
}

func TestRunOnceErrors(t *testing.T) {
	listErr := errors.New("list failed")
	cleaner := fakeCleaner{
		departments: func(context.Context) ([]string, error) { return nil, listErr },
	}
	s, err := New(cleaner, Options{Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	if _, err := s.RunOnce(context.Background()); !errors.Is(err, listErr) {
		t.Fatalf("expected list error, got %v", err)
	}

	lockErr := errors.New("redis down")
	s, err = New(cleaner, Options{Locker: &fakeLocker{err: lockErr}, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	if _, err := s.RunOnce(context.Background()); !errors.Is(err, lockErr) {
		t.Fatalf("expected lock error, got %v", err)
	}
}

func TestNewRejectsBadSchedule(t *testing.T) {
	cleaner := fakeCleaner{}
	if _, err := New(cleaner, Options{Schedule: "every hour"}); err == nil {
		t.Fatalf("expected parse error")
	}
	if _, err := New(nil, Options{}); err == nil {
		t.Fatalf("expected error without cleaner")
	}
	if _, err := ParseSchedule("*/5 * * * *"); err != nil {
		t.Fatalf("expected 5-field cron to parse: %v", err)
	}
}

func TestStartStop(t *testing.T) {
	cleaner := fakeCleaner{
		departments: func(context.Context) ([]string, error) { return nil, nil },
	}
	s, err := New(cleaner, Options{Schedule: "@every 1h", Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	s.Start()
	s.Start()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}
