package cluster

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/quartznet/quartznet-sub011/internal/domain"
	"github.com/quartznet/quartznet-sub011/internal/store"
	"github.com/quartznet/quartznet-sub011/internal/store/memory"
	"github.com/quartznet/quartznet-sub011/internal/store/storetest"
	"github.com/quartznet/quartznet-sub011/internal/testutil"
)

const interval = 10 * time.Second

func newHarness(t *testing.T) *storetest.Harness {
	return storetest.NewHarness(t, func(*testing.T) store.Backend { return memory.New() })
}

type recordingListener struct {
	mu      sync.Mutex
	reports []domain.RecoveryReport
}

func (l *recordingListener) ClusterRecovered(_ context.Context, r []domain.RecoveryReport) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reports = append(l.reports, r...)
}

type mockMetrics struct {
	mu        sync.Mutex
	checkins  int
	errors    int
	instances int
	jobs      int
	health    []bool
}

func (m *mockMetrics) CheckinCompleted(_ time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkins++
	if err != nil {
		m.errors++
	}
}

func (m *mockMetrics) InstancesRecovered(instances, jobs int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instances += instances
	m.jobs += jobs
}

func (m *mockMetrics) CoordinatorHealthy(h bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.health = append(m.health, h)
}

func coordinator(h *storetest.Harness, s *store.Store) *Coordinator {
	return New(Config{CheckinInterval: interval, MissedThreshold: 2}, s).WithClock(h.Clock)
}

// fireRecoverable stores a recoverable job on s and leaves it executing.
func fireRecoverable(t *testing.T, h *storetest.Harness, s *store.Store, name string) domain.TriggerKey {
	t.Helper()
	j := testutil.Job(name)
	j.RequestsRecovery = true
	tr := testutil.SimpleTrigger("t-"+name, j.Key, h.Clock.Now(), 0, 0)
	if err := s.StoreJobAndTrigger(h.Ctx, j, tr); err != nil {
		t.Fatal(err)
	}
	for _, res := range h.Fire(s) {
		if res.Bundle != nil && res.Bundle.Job.Key == j.Key {
			return tr.Key
		}
	}
	t.Fatalf("%s did not fire", name)
	return tr.Key
}

func recoveryTriggers(t *testing.T, h *storetest.Harness, s *store.Store) []domain.TriggerKey {
	t.Helper()
	keys, err := s.TriggerKeys(h.Ctx, domain.RecoveringJobsGroup)
	if err != nil {
		t.Fatal(err)
	}
	return keys
}

func TestCheckIn_RecoversFailedInstance(t *testing.T) {
	h := newHarness(t)
	a, b := h.Store("A", true), h.Store("B", true)
	ca := coordinator(h, a)
	l := &recordingListener{}
	m := &mockMetrics{}
	cb := coordinator(h, b).WithListener(l).WithMetrics(m)

	if err := ca.CheckIn(h.Ctx); err != nil {
		t.Fatal(err)
	}
	if err := cb.CheckIn(h.Ctx); err != nil {
		t.Fatal(err)
	}
	fireRecoverable(t, h, a, "billing")

	// A stops checking in; within the threshold it is still alive.
	h.Clock.Advance(interval)
	if err := cb.CheckIn(h.Ctx); err != nil {
		t.Fatal(err)
	}
	if len(recoveryTriggers(t, h, b)) != 0 {
		t.Fatal("A recovered before missing its threshold")
	}

	h.Clock.Advance(interval + time.Second)
	if err := cb.CheckIn(h.Ctx); err != nil {
		t.Fatal(err)
	}
	if got := recoveryTriggers(t, h, b); len(got) != 1 {
		t.Fatalf("recovery triggers = %v, want 1", got)
	}

	l.mu.Lock()
	if len(l.reports) != 1 || l.reports[0].InstanceID != "A" {
		t.Errorf("listener reports = %+v", l.reports)
	}
	l.mu.Unlock()

	m.mu.Lock()
	if m.checkins != 3 || m.instances != 1 || m.jobs != 1 {
		t.Errorf("metrics checkins=%d instances=%d jobs=%d", m.checkins, m.instances, m.jobs)
	}
	m.mu.Unlock()

	instances, _, err := b.ClusterSnapshot(h.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 1 || instances[0].InstanceID != "B" {
		t.Errorf("instances after recovery = %+v", instances)
	}
}

func TestCheckIn_ConcurrentRecoverersActOnce(t *testing.T) {
	h := newHarness(t)
	a := h.Store("A", true)
	if err := coordinator(h, a).CheckIn(h.Ctx); err != nil {
		t.Fatal(err)
	}
	fireRecoverable(t, h, a, "billing")
	h.Clock.Advance(time.Minute)

	var wg sync.WaitGroup
	for _, id := range []string{"B", "C", "D"} {
		c := coordinator(h, h.Store(id, true))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.CheckIn(h.Ctx); err != nil {
				t.Errorf("%s: %v", id, err)
			}
		}()
	}
	wg.Wait()

	if got := recoveryTriggers(t, h, a); len(got) != 1 {
		t.Fatalf("recovery triggers = %v, want exactly 1", got)
	}
}

func TestCheckIn_FirstCheckInRecoversOwnLeftovers(t *testing.T) {
	h := newHarness(t)
	a := h.Store("A", true)
	if err := coordinator(h, a).CheckIn(h.Ctx); err != nil {
		t.Fatal(err)
	}
	fireRecoverable(t, h, a, "billing")

	// A restarts immediately with the same id.
	restarted := coordinator(h, h.Store("A", true))
	if err := restarted.CheckIn(h.Ctx); err != nil {
		t.Fatal(err)
	}
	if got := recoveryTriggers(t, h, a); len(got) != 1 {
		t.Fatalf("recovery triggers after restart = %v, want 1", got)
	}

	// Later check-ins leave this instance's own work alone.
	fireRecoverable(t, h, a, "payroll")
	if err := restarted.CheckIn(h.Ctx); err != nil {
		t.Fatal(err)
	}
	_, owners, err := a.ClusterSnapshot(h.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(owners) != 1 || owners[0] != "A" {
		t.Errorf("owners = %v, want [A]", owners)
	}
}

func TestCheckIn_OrphanedRecordsRecovered(t *testing.T) {
	h := newHarness(t)
	a := h.Store("A", true)
	fireRecoverable(t, h, a, "billing")

	// A never checked in, so its fired record has no instance row.
	b := coordinator(h, h.Store("B", true))
	if err := b.CheckIn(h.Ctx); err != nil {
		t.Fatal(err)
	}
	if got := recoveryTriggers(t, h, a); len(got) != 1 {
		t.Fatalf("recovery triggers = %v, want 1", got)
	}
}

// snapshotFailure fails the first n cluster snapshots of a real store.
type snapshotFailure struct {
	*store.Store
	mu sync.Mutex
	n  int
}

func (s *snapshotFailure) ClusterSnapshot(ctx context.Context) ([]domain.SchedulerInstance, []string, error) {
	s.mu.Lock()
	fail := s.n > 0
	if fail {
		s.n--
	}
	s.mu.Unlock()
	if fail {
		return nil, nil, errors.New("connection reset")
	}
	return s.Store.ClusterSnapshot(ctx)
}

func TestCheckIn_FailedFirstCheckInKeepsUnhealthy(t *testing.T) {
	h := newHarness(t)
	a := &snapshotFailure{Store: h.Store("A", true), n: 1}
	c := New(Config{CheckinInterval: interval, MissedThreshold: 2}, a).WithClock(h.Clock)

	if err := c.CheckIn(h.Ctx); err == nil {
		t.Fatal("first CheckIn succeeded, want snapshot error")
	}
	if c.Healthy() {
		t.Fatal("healthy after a failed first check-in")
	}

	// A record left by an earlier run of this instance is still recovered
	// by the first successful check-in.
	fireRecoverable(t, h, a.Store, "billing")
	if err := c.CheckIn(h.Ctx); err != nil {
		t.Fatal(err)
	}
	if !c.Healthy() {
		t.Fatal("not healthy after a successful check-in")
	}
	if got := recoveryTriggers(t, h, a.Store); len(got) != 1 {
		t.Fatalf("recovery triggers = %v, want 1", got)
	}

	// From now on this instance's fires are live and left alone.
	fireRecoverable(t, h, a.Store, "payroll")
	if err := c.CheckIn(h.Ctx); err != nil {
		t.Fatal(err)
	}
	if got := recoveryTriggers(t, h, a.Store); len(got) != 1 {
		t.Fatalf("recovery triggers after live fire = %v, want 1", got)
	}
}

type failingStore struct {
	mu   sync.Mutex
	fail bool
}

func (f *failingStore) InstanceID() string { return "A" }

func (f *failingStore) CheckIn(context.Context, time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("database unreachable")
	}
	return nil
}

func (f *failingStore) ClusterSnapshot(context.Context) ([]domain.SchedulerInstance, []string, error) {
	return nil, nil, nil
}

func (f *failingStore) RecoverInstances(context.Context, func(domain.SchedulerInstance) bool, bool) ([]domain.RecoveryReport, error) {
	return nil, nil
}

func (f *failingStore) RemoveInstance(context.Context) error { return nil }

func (f *failingStore) setFail(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = v
}

func TestHealthGate(t *testing.T) {
	fs := &failingStore{}
	m := &mockMetrics{}
	c := New(Config{CheckinInterval: interval, MaxCheckinFailures: 3}, fs).WithMetrics(m)
	ctx := testutil.TestContext(t)

	if c.Healthy() {
		t.Fatal("healthy before the first check-in")
	}
	if err := c.CheckIn(ctx); err != nil {
		t.Fatal(err)
	}
	if !c.Healthy() {
		t.Fatal("not healthy after the first check-in")
	}
	if h := <-c.HealthChanges(); !h {
		t.Error("health change = false, want true")
	}

	fs.setFail(true)
	for i := 1; i <= 2; i++ {
		err := c.CheckIn(ctx)
		var ce *CoordinationError
		if !errors.As(err, &ce) || ce.Op != "check in" {
			t.Fatalf("CheckIn #%d = %v, want CoordinationError", i, err)
		}
		if !c.Healthy() {
			t.Fatalf("unhealthy after %d failures", i)
		}
	}
	_ = c.CheckIn(ctx)
	if c.Healthy() {
		t.Fatal("still healthy after 3 failures")
	}
	if st := c.Status(); st.ConsecutiveFailures != 3 || st.LastError == "" {
		t.Errorf("status = %+v", st)
	}
	select {
	case h := <-c.HealthChanges():
		if h {
			t.Error("health change = true, want false")
		}
	default:
		t.Error("no health change delivered")
	}

	fs.setFail(false)
	if err := c.CheckIn(ctx); err != nil {
		t.Fatal(err)
	}
	if !c.Healthy() {
		t.Fatal("not healthy after a successful check-in")
	}
	if h := <-c.HealthChanges(); !h {
		t.Error("health change = false, want true")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.health) != 3 || !m.health[0] || m.health[1] || !m.health[2] || m.errors != 3 {
		t.Errorf("health metrics = %v, errors = %d", m.health, m.errors)
	}
}

func TestRetryDelay(t *testing.T) {
	fs := &failingStore{fail: true}
	c := New(Config{CheckinInterval: 5 * time.Second, RetryBackoff: time.Second, MaxCheckinFailures: 10}, fs)
	ctx := testutil.TestContext(t)

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		_ = c.CheckIn(ctx)
		if got := c.retryDelay(); got != w {
			t.Errorf("after %d failures retryDelay = %s, want %s", i+1, got, w)
		}
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	fs := &failingStore{}
	c := New(Config{CheckinInterval: 10 * time.Millisecond}, fs)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	testutil.Eventually(t, time.Second, func() bool { return !c.Status().LastCheckin.IsZero() })
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestLeave(t *testing.T) {
	h := newHarness(t)
	a := h.Store("A", true)
	c := coordinator(h, a)
	if err := c.CheckIn(h.Ctx); err != nil {
		t.Fatal(err)
	}
	if err := c.Leave(h.Ctx); err != nil {
		t.Fatal(err)
	}
	instances, _, err := a.ClusterSnapshot(h.Ctx)
	if err != nil || len(instances) != 0 {
		t.Errorf("instances after leave = %+v, %v", instances, err)
	}
}
