package cron_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/rulesymbiosis/internal/cron"
)

// waitFor polls check at short intervals until it returns true or the deadline
// elapses. This avoids fixed time.Sleep calls that cause flaky tests.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

// steppingClock advances by step on every read, so each tick crosses a
// schedule boundary.
type steppingClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(c.step)
	return c.now
}

func TestScheduler_FiresWhenDue(t *testing.T) {
	var runs atomic.Int64
	clock := &steppingClock{now: time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC), step: 5 * time.Minute}
	sched, err := cron.NewScheduler(cron.Config{
		Spec:     "*/5 * * * *",
		Run:      func(context.Context) error { runs.Add(1); return nil },
		Logger:   slog.Default(),
		Interval: 20 * time.Millisecond,
		Now:      clock.Now,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	sched.Start(context.Background())
	defer sched.Stop()

	waitFor(t, 3*time.Second, func() bool { return runs.Load() >= 2 })
}

func TestScheduler_NotDueDoesNotFire(t *testing.T) {
	var runs atomic.Int64
	fixed := time.Date(2026, 1, 1, 8, 1, 0, 0, time.UTC)
	sched, err := cron.NewScheduler(cron.Config{
		Spec:     "0 9 * * *",
		Run:      func(context.Context) error { runs.Add(1); return nil },
		Interval: 10 * time.Millisecond,
		Now:      func() time.Time { return fixed },
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	sched.Start(context.Background())
	time.Sleep(100 * time.Millisecond)
	sched.Stop()

	if runs.Load() != 0 {
		t.Fatalf("expected no runs before 09:00, got %d", runs.Load())
	}
}

func TestScheduler_SkipsWhileRunActive(t *testing.T) {
	release := make(chan struct{})
	var runs atomic.Int64
	clock := &steppingClock{now: time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC), step: time.Minute}
	sched, err := cron.NewScheduler(cron.Config{
		Spec: "* * * * *",
		Run: func(ctx context.Context) error {
			runs.Add(1)
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil
		},
		Interval: 10 * time.Millisecond,
		Now:      clock.Now,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	sched.Start(context.Background())

	waitFor(t, 3*time.Second, func() bool { return sched.Skipped() >= 2 })
	if runs.Load() != 1 {
		t.Fatalf("expected a single active run, got %d", runs.Load())
	}
	close(release)
	sched.Stop()
}

func TestScheduler_RunErrorKeepsScheduling(t *testing.T) {
	var runs atomic.Int64
	clock := &steppingClock{now: time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC), step: time.Minute}
	sched, err := cron.NewScheduler(cron.Config{
		Spec:     "* * * * *",
		Run:      func(context.Context) error { runs.Add(1); return errors.New("store locked") },
		Interval: 10 * time.Millisecond,
		Now:      clock.Now,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	sched.Start(context.Background())
	defer sched.Stop()

	waitFor(t, 3*time.Second, func() bool { return runs.Load() >= 3 })
}

func TestNewScheduler_RejectsBadSpec(t *testing.T) {
	if _, err := cron.NewScheduler(cron.Config{Spec: "not a cron", Run: func(context.Context) error { return nil }}); err == nil {
		t.Fatal("expected parse error")
	}
	if _, err := cron.NewScheduler(cron.Config{Spec: "* * * * *"}); err == nil {
		t.Fatal("expected error for missing run function")
	}
}

func TestNextRunTime(t *testing.T) {
	base := time.Date(2026, 1, 1, 8, 3, 0, 0, time.UTC)
	next, err := cron.NextRunTime("*/10 * * * *", base)
	if err != nil {
		t.Fatalf("next run time: %v", err)
	}
	if next.Minute() != 10 || next.Hour() != 8 {
		t.Fatalf("expected 08:10, got %v", next)
	}
	if err := cron.Validate("61 * * * *"); err == nil {
		t.Fatal("expected invalid minute to fail validation")
	}
}
