// Package storetest is a behavioural test suite run against every store
// backend.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/quartznet/quartznet-sub011/internal/domain"
	"github.com/quartznet/quartznet-sub011/internal/store"
	"github.com/quartznet/quartznet-sub011/internal/testutil"
)

// T0 is the fake clock's starting time in every suite test.
var T0 = time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

// Recorder is a store.Signaler that remembers every notification.
type Recorder struct {
	mu        sync.Mutex
	Misfired  []domain.Trigger
	Finalized []domain.Trigger
	Changes   []time.Time
}

func (r *Recorder) NotifyMisfired(t domain.Trigger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Misfired = append(r.Misfired, t)
}

func (r *Recorder) SignalSchedulingChange(c time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Changes = append(r.Changes, c)
}

func (r *Recorder) NotifyFinalized(t domain.Trigger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Finalized = append(r.Finalized, t)
}

func (r *Recorder) MisfireCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Misfired)
}

func (r *Recorder) FinalizedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Finalized)
}

// Harness wires stores sharing one backend to a fake clock.
type Harness struct {
	T       *testing.T
	Ctx     context.Context
	Clock   *testutil.FakeClock
	Backend store.Backend
	Signals *Recorder
}

// NewHarness creates a harness over a fresh backend.
func NewHarness(t *testing.T, newBackend func(t *testing.T) store.Backend) *Harness {
	t.Helper()
	return &Harness{
		T:       t,
		Ctx:     testutil.TestContext(t),
		Clock:   testutil.NewFakeClock(T0),
		Backend: newBackend(t),
		Signals: &Recorder{},
	}
}

// Store returns a store facade for instanceID.
func (h *Harness) Store(instanceID string, clustered bool) *store.Store {
	s := store.New(h.Backend, store.Options{
		SchedulerName:    "test",
		InstanceID:       instanceID,
		Clustered:        clustered,
		MisfireThreshold: time.Minute,
		Clock:            h.Clock,
	})
	s.SetSignaler(h.Signals)
	return s
}

// Fire acquires everything due now on s and fires it.
func (h *Harness) Fire(s *store.Store) []domain.FireResult {
	h.T.Helper()
	acquired, err := s.AcquireNextTriggers(h.Ctx, h.Clock.Now(), 100, 0)
	if err != nil {
		h.T.Fatalf("AcquireNextTriggers: %v", err)
	}
	if len(acquired) == 0 {
		return nil
	}
	res, err := s.TriggersFired(h.Ctx, acquired)
	if err != nil {
		h.T.Fatalf("TriggersFired: %v", err)
	}
	return res
}

// MustState asserts the state of a trigger.
func (h *Harness) MustState(s *store.Store, key domain.TriggerKey, want domain.TriggerState) {
	h.T.Helper()
	got, err := s.TriggerState(h.Ctx, key)
	if err != nil {
		h.T.Fatalf("TriggerState(%s): %v", key, err)
	}
	if got != want {
		h.T.Fatalf("state of %s = %q, want %q", key, got, want)
	}
}
