// Package testutil provides shared test helpers for the scheduler packages.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/quartznet/quartznet-sub011/internal/domain"
	"github.com/quartznet/quartznet-sub011/internal/firetime"
)

// FakeClock provides deterministic time for testing. It implements
// clock.Clock.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
}

// NewFakeClock creates a FakeClock set to the given time.
func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{current: t}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

// Set moves the clock to t, which may be in the past.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = t
}

// TestContext returns a context with a 5-second timeout.
// The context is cancelled when the test completes.
func TestContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// Eventually polls cond until it returns true or timeout elapses.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

// Job returns a durable-less job of type "noop" in the default group.
func Job(name string) domain.JobDetail {
	return domain.JobDetail{Key: domain.NewJobKey(name, ""), JobType: "noop"}
}

// SimpleTrigger returns a trigger for job firing at start and then every
// interval, repeat more times. Its first fire time is computed.
func SimpleTrigger(name string, job domain.JobKey, start time.Time, interval time.Duration, repeat int) domain.Trigger {
	t := domain.Trigger{
		Key:       domain.NewTriggerKey(name, ""),
		JobKey:    job,
		Priority:  domain.DefaultPriority,
		StartTime: start,
		Schedule:  domain.SimpleSchedule{RepeatInterval: interval, RepeatCount: repeat},
	}
	firetime.First(&t, nil)
	return t
}

// CronTrigger returns a UTC cron trigger for job starting at start.
func CronTrigger(name string, job domain.JobKey, start time.Time, expr string) domain.Trigger {
	t := domain.Trigger{
		Key:       domain.NewTriggerKey(name, ""),
		JobKey:    job,
		Priority:  domain.DefaultPriority,
		StartTime: start,
		Schedule:  domain.CronSchedule{Expression: expr},
	}
	firetime.First(&t, nil)
	return t
}
