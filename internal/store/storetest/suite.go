package storetest

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/quartznet/quartznet-sub011/internal/calendar"
	"github.com/quartznet/quartznet-sub011/internal/domain"
	"github.com/quartznet/quartznet-sub011/internal/store"
	"github.com/quartznet/quartznet-sub011/internal/testutil"
)

// Run executes the suite. newBackend must return an empty backend.
func Run(t *testing.T, newBackend func(t *testing.T) store.Backend) {
	tests := []struct {
		name string
		fn   func(t *testing.T, h *Harness)
	}{
		{"StoreAndRetrieve", testStoreAndRetrieve},
		{"DuplicateObjects", testDuplicateObjects},
		{"RemoveTriggerRemovesNonDurableJob", testRemoveTriggerRemovesNonDurableJob},
		{"ReplaceTrigger", testReplaceTrigger},
		{"AcquireOrderAndPriority", testAcquireOrderAndPriority},
		{"AcquireTimeWindow", testAcquireTimeWindow},
		{"NoDoubleFire", testNoDoubleFire},
		{"FireAdvancesSchedule", testFireAdvancesSchedule},
		{"ConcurrencyExclusion", testConcurrencyExclusion},
		{"ReleaseAcquiredTrigger", testReleaseAcquiredTrigger},
		{"MisfireNoStorm", testMisfireNoStorm},
		{"MisfireFireNowFiresOnce", testMisfireFireNowFiresOnce},
		{"PauseResume", testPauseResume},
		{"PausedGroupAppliesToNewTriggers", testPausedGroupAppliesToNewTriggers},
		{"PauseAllResumeAll", testPauseAllResumeAll},
		{"PausedWhileAcquired", testPausedWhileAcquired},
		{"CompletionInstructions", testCompletionInstructions},
		{"PersistJobData", testPersistJobData},
		{"Calendars", testCalendars},
		{"ResetFromErrorState", testResetFromErrorState},
		{"RecoverFailedInstance", testRecoverFailedInstance},
		{"RecoverOrphanedFiredRecords", testRecoverOrphanedFiredRecords},
		{"RecoverJobsNonClustered", testRecoverJobsNonClustered},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, NewHarness(t, newBackend))
		})
	}
}

func job(name string) domain.JobDetail { return testutil.Job(name) }

func every(name string, j domain.JobKey, start time.Time, d time.Duration) domain.Trigger {
	return testutil.SimpleTrigger(name, j, start, d, domain.RepeatIndefinitely)
}

func once(name string, j domain.JobKey, at time.Time) domain.Trigger {
	return testutil.SimpleTrigger(name, j, at, 0, 0)
}

func keysOf(ts []domain.Trigger) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.Key.Name
	}
	return out
}

func testStoreAndRetrieve(t *testing.T, h *Harness) {
	s := h.Store("A", false)
	j := job("report")
	j.Description = "nightly report"
	j.Data = domain.JobDataMap{"region": "eu"}
	tr := every("hourly", j.Key, T0, time.Hour)
	tr.Data = domain.JobDataMap{"format": "pdf"}

	if err := s.StoreJobAndTrigger(h.Ctx, j, tr); err != nil {
		t.Fatalf("StoreJobAndTrigger: %v", err)
	}

	gotJob, err := s.RetrieveJob(h.Ctx, j.Key)
	if err != nil {
		t.Fatalf("RetrieveJob: %v", err)
	}
	if gotJob.Description != "nightly report" || gotJob.Data.String("region") != "eu" {
		t.Errorf("job = %+v", gotJob)
	}

	gotTr, err := s.RetrieveTrigger(h.Ctx, tr.Key)
	if err != nil {
		t.Fatalf("RetrieveTrigger: %v", err)
	}
	if !gotTr.NextFireTime.Equal(T0) || gotTr.State != domain.StateWaiting || gotTr.Data.String("format") != "pdf" {
		t.Errorf("trigger = %+v", gotTr)
	}
	if s, ok := gotTr.Schedule.(domain.SimpleSchedule); !ok || s.RepeatInterval != time.Hour {
		t.Errorf("schedule = %#v", gotTr.Schedule)
	}

	if _, err := s.RetrieveJob(h.Ctx, domain.NewJobKey("missing", "")); !errors.Is(err, store.ErrJobNotFound) {
		t.Errorf("RetrieveJob(missing) = %v, want ErrJobNotFound", err)
	}
	if _, err := s.RetrieveTrigger(h.Ctx, domain.NewTriggerKey("missing", "")); !errors.Is(err, store.ErrTriggerNotFound) {
		t.Errorf("RetrieveTrigger(missing) = %v, want ErrTriggerNotFound", err)
	}

	jobs, err := s.JobKeys(h.Ctx, "")
	if err != nil || len(jobs) != 1 || jobs[0] != j.Key {
		t.Errorf("JobKeys = %v, %v", jobs, err)
	}
	groups, err := s.TriggerGroupNames(h.Ctx)
	if err != nil || len(groups) != 1 || groups[0] != domain.DefaultGroup {
		t.Errorf("TriggerGroupNames = %v, %v", groups, err)
	}
	triggers, err := s.TriggersForJob(h.Ctx, j.Key)
	if err != nil || len(triggers) != 1 {
		t.Errorf("TriggersForJob = %v, %v", triggers, err)
	}
}

func testDuplicateObjects(t *testing.T, h *Harness) {
	s := h.Store("A", false)
	j := job("j")
	if err := s.StoreJobAndTrigger(h.Ctx, j, every("t", j.Key, T0, time.Minute)); err != nil {
		t.Fatalf("StoreJobAndTrigger: %v", err)
	}

	if err := s.StoreJob(h.Ctx, j, false); !errors.Is(err, store.ErrObjectAlreadyExists) {
		t.Errorf("StoreJob duplicate = %v", err)
	}
	if err := s.StoreTrigger(h.Ctx, every("t", j.Key, T0, time.Minute), false); !errors.Is(err, store.ErrObjectAlreadyExists) {
		t.Errorf("StoreTrigger duplicate = %v", err)
	}
	if err := s.StoreJob(h.Ctx, j, true); err != nil {
		t.Errorf("StoreJob replace: %v", err)
	}
	if err := s.StoreTrigger(h.Ctx, every("u", domain.NewJobKey("nope", ""), T0, time.Minute), false); !errors.Is(err, store.ErrJobNotFound) {
		t.Errorf("StoreTrigger for missing job = %v", err)
	}
	// A failed operation leaves nothing behind.
	if err := s.StoreJobAndTrigger(h.Ctx, job("k"), every("t", domain.NewJobKey("k", ""), T0, time.Minute)); !errors.Is(err, store.ErrObjectAlreadyExists) {
		t.Fatalf("StoreJobAndTrigger with duplicate trigger = %v", err)
	}
	if _, err := s.RetrieveJob(h.Ctx, domain.NewJobKey("k", "")); !errors.Is(err, store.ErrJobNotFound) {
		t.Errorf("job of failed StoreJobAndTrigger was kept: %v", err)
	}
}

func testRemoveTriggerRemovesNonDurableJob(t *testing.T, h *Harness) {
	s := h.Store("A", false)
	plain := job("plain")
	durable := job("durable")
	durable.Durable = true

	if err := s.StoreJobAndTrigger(h.Ctx, plain, every("p", plain.Key, T0, time.Minute)); err != nil {
		t.Fatal(err)
	}
	if err := s.StoreJobAndTrigger(h.Ctx, durable, every("d", durable.Key, T0, time.Minute)); err != nil {
		t.Fatal(err)
	}

	for _, k := range []string{"p", "d"} {
		removed, err := s.RemoveTrigger(h.Ctx, domain.NewTriggerKey(k, ""))
		if err != nil || !removed {
			t.Fatalf("RemoveTrigger(%s) = %v, %v", k, removed, err)
		}
	}
	if _, err := s.RetrieveJob(h.Ctx, plain.Key); !errors.Is(err, store.ErrJobNotFound) {
		t.Errorf("non-durable job should be removed with its last trigger, got %v", err)
	}
	if _, err := s.RetrieveJob(h.Ctx, durable.Key); err != nil {
		t.Errorf("durable job should survive: %v", err)
	}

	removed, err := s.RemoveJob(h.Ctx, durable.Key)
	if err != nil || !removed {
		t.Errorf("RemoveJob = %v, %v", removed, err)
	}
	removed, err = s.RemoveTrigger(h.Ctx, domain.NewTriggerKey("p", ""))
	if err != nil || removed {
		t.Errorf("RemoveTrigger twice = %v, %v", removed, err)
	}
}

func testReplaceTrigger(t *testing.T, h *Harness) {
	s := h.Store("A", false)
	a, b := job("a"), job("b")
	if err := s.StoreJobAndTrigger(h.Ctx, a, every("t", a.Key, T0, time.Minute)); err != nil {
		t.Fatal(err)
	}
	if err := s.StoreJobAndTrigger(h.Ctx, b, every("u", b.Key, T0, time.Minute)); err != nil {
		t.Fatal(err)
	}

	_, err := s.ReplaceTrigger(h.Ctx, domain.NewTriggerKey("t", ""), every("t2", b.Key, T0, time.Minute))
	if !errors.Is(err, store.ErrJobMismatch) {
		t.Fatalf("ReplaceTrigger with other job = %v, want ErrJobMismatch", err)
	}

	found, err := s.ReplaceTrigger(h.Ctx, domain.NewTriggerKey("t", ""), every("t2", a.Key, T0.Add(time.Hour), time.Minute))
	if err != nil || !found {
		t.Fatalf("ReplaceTrigger = %v, %v", found, err)
	}
	h.MustState(s, domain.NewTriggerKey("t", ""), domain.StateNone)
	h.MustState(s, domain.NewTriggerKey("t2", ""), domain.StateWaiting)
	if _, err := s.RetrieveJob(h.Ctx, a.Key); err != nil {
		t.Errorf("job must survive replacement of its only trigger: %v", err)
	}

	found, err = s.ReplaceTrigger(h.Ctx, domain.NewTriggerKey("nope", ""), every("x", a.Key, T0, time.Minute))
	if err != nil || found {
		t.Errorf("ReplaceTrigger(missing) = %v, %v", found, err)
	}
}

func testAcquireOrderAndPriority(t *testing.T, h *Harness) {
	s := h.Store("A", false)
	j := job("j")
	if err := s.StoreJob(h.Ctx, j, false); err != nil {
		t.Fatal(err)
	}

	add := func(name string, at time.Time, prio int) {
		tr := once(name, j.Key, at)
		tr.Priority = prio
		if err := s.StoreTrigger(h.Ctx, tr, false); err != nil {
			t.Fatal(err)
		}
	}
	add("c", T0, 5)
	add("a", T0, 5)
	add("b", T0, 10)
	add("early", T0.Add(-30*time.Second), 1)
	add("later", T0.Add(time.Hour), 10)

	got, err := s.AcquireNextTriggers(h.Ctx, T0, 10, 0)
	if err != nil {
		t.Fatalf("AcquireNextTriggers: %v", err)
	}
	want := []string{"early", "b", "a", "c"}
	if fmt.Sprint(keysOf(got)) != fmt.Sprint(want) {
		t.Fatalf("acquired %v, want %v", keysOf(got), want)
	}
	for _, tr := range got {
		if tr.FireInstanceID == "" {
			t.Errorf("%s has no fire instance id", tr.Key)
		}
		h.MustState(s, tr.Key, domain.StateAcquired)
	}
	h.MustState(s, domain.NewTriggerKey("later", ""), domain.StateWaiting)
}

func testAcquireTimeWindow(t *testing.T, h *Harness) {
	s := h.Store("A", false)
	j := job("j")
	if err := s.StoreJob(h.Ctx, j, false); err != nil {
		t.Fatal(err)
	}
	for i, off := range []time.Duration{0, 2 * time.Second, 10 * time.Second} {
		if err := s.StoreTrigger(h.Ctx, once(fmt.Sprintf("t%d", i), j.Key, T0.Add(off)), false); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.AcquireNextTriggers(h.Ctx, T0, 10, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if fmt.Sprint(keysOf(got)) != "[t0 t1]" {
		t.Errorf("acquired %v, want [t0 t1]", keysOf(got))
	}
}

func testNoDoubleFire(t *testing.T, h *Harness) {
	stores := []*store.Store{h.Store("A", true), h.Store("B", true), h.Store("C", true)}
	j := job("j")
	if err := stores[0].StoreJob(h.Ctx, j, false); err != nil {
		t.Fatal(err)
	}
	const n = 30
	for i := 0; i < n; i++ {
		if err := stores[0].StoreTrigger(h.Ctx, once(fmt.Sprintf("t%02d", i), j.Key, T0), false); err != nil {
			t.Fatal(err)
		}
	}

	var (
		mu    sync.Mutex
		seen  = make(map[domain.TriggerKey]int)
		wg    sync.WaitGroup
		errCh = make(chan error, len(stores))
	)
	for _, s := range stores {
		wg.Add(1)
		go func(s *store.Store) {
			defer wg.Done()
			for {
				got, err := s.AcquireNextTriggers(h.Ctx, T0, 4, 0)
				if err != nil {
					errCh <- err
					return
				}
				if len(got) == 0 {
					return
				}
				res, err := s.TriggersFired(h.Ctx, got)
				if err != nil {
					errCh <- err
					return
				}
				mu.Lock()
				for _, r := range res {
					if r.Bundle != nil {
						seen[r.Trigger.Key]++
					}
				}
				mu.Unlock()
			}
		}(s)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("worker failed: %v", err)
	}

	if len(seen) != n {
		t.Errorf("fired %d distinct triggers, want %d", len(seen), n)
	}
	for k, c := range seen {
		if c != 1 {
			t.Errorf("%s fired %d times", k, c)
		}
	}
}

func testFireAdvancesSchedule(t *testing.T, h *Harness) {
	s := h.Store("A", false)
	j := job("j")
	tr := testutil.SimpleTrigger("t", j.Key, T0, time.Minute, 1)
	if err := s.StoreJobAndTrigger(h.Ctx, j, tr); err != nil {
		t.Fatal(err)
	}

	res := h.Fire(s)
	if len(res) != 1 || res[0].Bundle == nil {
		t.Fatalf("first fire results = %+v", res)
	}
	b := res[0].Bundle
	if !b.ScheduledFireTime.Equal(T0) || !b.NextFireTime.Equal(T0.Add(time.Minute)) || !b.FireTime.Equal(T0) {
		t.Errorf("bundle times scheduled=%s next=%s fire=%s", b.ScheduledFireTime, b.NextFireTime, b.FireTime)
	}
	if b.Recovering {
		t.Error("bundle should not be recovering")
	}
	if b.Trigger.TimesTriggered != 1 {
		t.Errorf("TimesTriggered = %d, want 1", b.Trigger.TimesTriggered)
	}
	// The trigger is schedulable again while the fire executes.
	h.MustState(s, tr.Key, domain.StateWaiting)
	if err := s.TriggeredJobComplete(h.Ctx, b.Trigger, b.Job, domain.InstructionNoop); err != nil {
		t.Fatal(err)
	}

	h.Clock.Advance(time.Minute)
	res = h.Fire(s)
	if len(res) != 1 || res[0].Bundle == nil {
		t.Fatalf("second fire results = %+v", res)
	}
	b = res[0].Bundle
	if !b.NextFireTime.IsZero() || !b.PrevFireTime.Equal(T0) {
		t.Errorf("last fire next=%s prev=%s", b.NextFireTime, b.PrevFireTime)
	}
	h.MustState(s, tr.Key, domain.StateComplete)

	if err := s.TriggeredJobComplete(h.Ctx, b.Trigger, b.Job, domain.InstructionDeleteTrigger); err != nil {
		t.Fatal(err)
	}
	h.MustState(s, tr.Key, domain.StateNone)
	if _, err := s.RetrieveJob(h.Ctx, j.Key); !errors.Is(err, store.ErrJobNotFound) {
		t.Errorf("non-durable job should be gone, got %v", err)
	}
	if h.Signals.FinalizedCount() == 0 {
		t.Error("expected a finalized notification")
	}
}

func testConcurrencyExclusion(t *testing.T, h *Harness) {
	a, b := h.Store("A", true), h.Store("B", true)
	j := job("exclusive")
	j.DisallowConcurrent = true
	t1 := every("t1", j.Key, T0, time.Minute)
	t2 := every("t2", j.Key, T0, time.Minute)
	if err := a.StoreJobAndTrigger(h.Ctx, j, t1); err != nil {
		t.Fatal(err)
	}
	if err := a.StoreTrigger(h.Ctx, t2, false); err != nil {
		t.Fatal(err)
	}

	got, err := a.AcquireNextTriggers(h.Ctx, T0, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Key != t1.Key {
		t.Fatalf("acquired %v, want only t1", keysOf(got))
	}
	// Another instance cannot take the sibling while t1 is acquired.
	other, err := b.AcquireNextTriggers(h.Ctx, T0, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(other) != 0 {
		t.Fatalf("instance B acquired %v while job was acquired by A", keysOf(other))
	}

	res, err := a.TriggersFired(h.Ctx, got)
	if err != nil || len(res) != 1 || res[0].Bundle == nil {
		t.Fatalf("TriggersFired = %+v, %v", res, err)
	}
	h.MustState(a, t1.Key, domain.StateBlocked)
	h.MustState(a, t2.Key, domain.StateBlocked)

	// A trigger added while the job executes starts blocked.
	t3 := every("t3", j.Key, T0, time.Minute)
	if err := a.StoreTrigger(h.Ctx, t3, false); err != nil {
		t.Fatal(err)
	}
	h.MustState(a, t3.Key, domain.StateBlocked)

	h.Clock.Advance(2 * time.Second)
	if got, _ := b.AcquireNextTriggers(h.Ctx, h.Clock.Now(), 10, 0); len(got) != 0 {
		t.Fatalf("acquired %v while job executing", keysOf(got))
	}

	bundle := res[0].Bundle
	if err := a.TriggeredJobComplete(h.Ctx, bundle.Trigger, bundle.Job, domain.InstructionNoop); err != nil {
		t.Fatal(err)
	}
	h.MustState(a, t1.Key, domain.StateWaiting)
	h.MustState(a, t2.Key, domain.StateWaiting)
	h.MustState(a, t3.Key, domain.StateWaiting)

	got, err = b.AcquireNextTriggers(h.Ctx, h.Clock.Now(), 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("after completion acquired %v, want exactly one", keysOf(got))
	}
}

func testReleaseAcquiredTrigger(t *testing.T, h *Harness) {
	s := h.Store("A", false)
	j := job("j")
	tr := every("t", j.Key, T0, time.Minute)
	if err := s.StoreJobAndTrigger(h.Ctx, j, tr); err != nil {
		t.Fatal(err)
	}
	got, err := s.AcquireNextTriggers(h.Ctx, T0, 1, 0)
	if err != nil || len(got) != 1 {
		t.Fatalf("acquire = %v, %v", got, err)
	}
	if err := s.ReleaseAcquiredTrigger(h.Ctx, got[0]); err != nil {
		t.Fatal(err)
	}
	h.MustState(s, tr.Key, domain.StateWaiting)

	// The released acquisition can no longer be fired.
	res, err := s.TriggersFired(h.Ctx, got)
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 1 || res[0].Bundle != nil {
		t.Errorf("fired a released trigger: %+v", res)
	}
	instances, owners, err := s.ClusterSnapshot(h.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 0 || len(owners) != 0 {
		t.Errorf("fired records left behind: %v", owners)
	}
}

func testMisfireNoStorm(t *testing.T, h *Harness) {
	s := h.Store("A", false)
	j := job("j")
	tr := every("t", j.Key, T0.Add(-time.Hour), time.Minute)
	if err := s.StoreJobAndTrigger(h.Ctx, j, tr); err != nil {
		t.Fatal(err)
	}

	fires := 0
	for i := 0; i < 5; i++ {
		for _, r := range h.Fire(s) {
			if r.Bundle != nil {
				fires++
				if err := s.TriggeredJobComplete(h.Ctx, r.Bundle.Trigger, r.Bundle.Job, domain.InstructionNoop); err != nil {
					t.Fatal(err)
				}
			}
		}
	}
	if fires != 0 {
		t.Errorf("misfired trigger fired %d times at the same instant", fires)
	}
	if h.Signals.MisfireCount() != 1 {
		t.Errorf("misfire notifications = %d, want 1", h.Signals.MisfireCount())
	}
	got, err := s.RetrieveTrigger(h.Ctx, tr.Key)
	if err != nil {
		t.Fatal(err)
	}
	if !got.NextFireTime.After(T0) {
		t.Errorf("next fire time %s should be after now", got.NextFireTime)
	}
}

func testMisfireFireNowFiresOnce(t *testing.T, h *Harness) {
	s := h.Store("A", false)
	j := job("j")
	tr := testutil.CronTrigger("t", j.Key, T0.Add(-3*time.Hour), "0 * * * * ?")
	if err := s.StoreJobAndTrigger(h.Ctx, j, tr); err != nil {
		t.Fatal(err)
	}

	fires := 0
	for i := 0; i < 3; i++ {
		for _, r := range h.Fire(s) {
			if r.Bundle == nil {
				continue
			}
			fires++
			if !r.Bundle.NextFireTime.After(T0) {
				t.Errorf("next fire %s not after now", r.Bundle.NextFireTime)
			}
			if err := s.TriggeredJobComplete(h.Ctx, r.Bundle.Trigger, r.Bundle.Job, domain.InstructionNoop); err != nil {
				t.Fatal(err)
			}
		}
	}
	if fires != 1 {
		t.Errorf("catch-up fires = %d, want 1", fires)
	}
}

func testPauseResume(t *testing.T, h *Harness) {
	s := h.Store("A", false)
	j := job("j")
	tr := every("t", j.Key, T0, time.Minute)
	if err := s.StoreJobAndTrigger(h.Ctx, j, tr); err != nil {
		t.Fatal(err)
	}

	if err := s.PauseTrigger(h.Ctx, tr.Key); err != nil {
		t.Fatal(err)
	}
	h.MustState(s, tr.Key, domain.StatePaused)
	if res := h.Fire(s); len(res) != 0 {
		t.Fatalf("paused trigger fired: %+v", res)
	}

	if err := s.ResumeTrigger(h.Ctx, tr.Key); err != nil {
		t.Fatal(err)
	}
	h.MustState(s, tr.Key, domain.StateWaiting)

	if err := s.PauseJob(h.Ctx, j.Key); err != nil {
		t.Fatal(err)
	}
	h.MustState(s, tr.Key, domain.StatePaused)

	// Resuming after a long pause applies the misfire policy once.
	h.Clock.Advance(time.Hour)
	if err := s.ResumeJob(h.Ctx, j.Key); err != nil {
		t.Fatal(err)
	}
	h.MustState(s, tr.Key, domain.StateWaiting)
	got, err := s.RetrieveTrigger(h.Ctx, tr.Key)
	if err != nil {
		t.Fatal(err)
	}
	if !got.NextFireTime.After(h.Clock.Now()) {
		t.Errorf("resumed trigger next fire %s should be after now", got.NextFireTime)
	}
	if h.Signals.MisfireCount() != 1 {
		t.Errorf("misfires = %d, want 1", h.Signals.MisfireCount())
	}
}

func testPausedGroupAppliesToNewTriggers(t *testing.T, h *Harness) {
	s := h.Store("A", false)
	j := job("j")
	if err := s.StoreJob(h.Ctx, j, false); err != nil {
		t.Fatal(err)
	}
	first := every("first", j.Key, T0, time.Minute)
	first.Key.Group = "reports"
	if err := s.StoreTrigger(h.Ctx, first, false); err != nil {
		t.Fatal(err)
	}

	if err := s.PauseTriggerGroup(h.Ctx, "reports"); err != nil {
		t.Fatal(err)
	}
	h.MustState(s, first.Key, domain.StatePaused)

	second := every("second", j.Key, T0, time.Minute)
	second.Key.Group = "reports"
	if err := s.StoreTrigger(h.Ctx, second, false); err != nil {
		t.Fatal(err)
	}
	h.MustState(s, second.Key, domain.StatePaused)

	groups, err := s.PausedTriggerGroups(h.Ctx)
	if err != nil || fmt.Sprint(groups) != "[reports]" {
		t.Errorf("PausedTriggerGroups = %v, %v", groups, err)
	}

	if err := s.ResumeTriggerGroup(h.Ctx, "reports"); err != nil {
		t.Fatal(err)
	}
	h.MustState(s, first.Key, domain.StateWaiting)
	h.MustState(s, second.Key, domain.StateWaiting)
	if groups, _ := s.PausedTriggerGroups(h.Ctx); len(groups) != 0 {
		t.Errorf("group still paused: %v", groups)
	}
}

func testPauseAllResumeAll(t *testing.T, h *Harness) {
	s := h.Store("A", false)
	j := job("j")
	tr := every("t", j.Key, T0, time.Minute)
	if err := s.StoreJobAndTrigger(h.Ctx, j, tr); err != nil {
		t.Fatal(err)
	}
	if err := s.PauseAll(h.Ctx); err != nil {
		t.Fatal(err)
	}
	h.MustState(s, tr.Key, domain.StatePaused)

	fresh := every("fresh", j.Key, T0, time.Minute)
	fresh.Key.Group = "brand-new"
	if err := s.StoreTrigger(h.Ctx, fresh, false); err != nil {
		t.Fatal(err)
	}
	h.MustState(s, fresh.Key, domain.StatePaused)

	if err := s.ResumeAll(h.Ctx); err != nil {
		t.Fatal(err)
	}
	h.MustState(s, tr.Key, domain.StateWaiting)
	h.MustState(s, fresh.Key, domain.StateWaiting)

	later := every("later", j.Key, T0, time.Minute)
	later.Key.Group = "another"
	if err := s.StoreTrigger(h.Ctx, later, false); err != nil {
		t.Fatal(err)
	}
	h.MustState(s, later.Key, domain.StateWaiting)
}

func testPausedWhileAcquired(t *testing.T, h *Harness) {
	s := h.Store("A", false)
	j := job("j")
	tr := every("t", j.Key, T0, time.Minute)
	if err := s.StoreJobAndTrigger(h.Ctx, j, tr); err != nil {
		t.Fatal(err)
	}
	got, err := s.AcquireNextTriggers(h.Ctx, T0, 1, 0)
	if err != nil || len(got) != 1 {
		t.Fatalf("acquire = %v, %v", got, err)
	}
	if err := s.PauseTrigger(h.Ctx, tr.Key); err != nil {
		t.Fatal(err)
	}
	res, err := s.TriggersFired(h.Ctx, got)
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 1 || res[0].Bundle != nil {
		t.Fatalf("paused trigger fired: %+v", res)
	}
	h.MustState(s, tr.Key, domain.StatePaused)
	if _, owners, _ := s.ClusterSnapshot(h.Ctx); len(owners) != 0 {
		t.Errorf("fired record left for paused trigger")
	}
}

func testCompletionInstructions(t *testing.T, h *Harness) {
	s := h.Store("A", false)
	j := job("j")
	j.Durable = true
	t1 := every("t1", j.Key, T0, time.Minute)
	t2 := every("t2", j.Key, T0.Add(time.Hour), time.Minute)
	if err := s.StoreJobAndTrigger(h.Ctx, j, t1); err != nil {
		t.Fatal(err)
	}
	if err := s.StoreTrigger(h.Ctx, t2, false); err != nil {
		t.Fatal(err)
	}

	fire := func() *domain.FiredBundle {
		t.Helper()
		res := h.Fire(s)
		if len(res) != 1 || res[0].Bundle == nil {
			t.Fatalf("fire = %+v", res)
		}
		return res[0].Bundle
	}

	b := fire()
	if err := s.TriggeredJobComplete(h.Ctx, b.Trigger, b.Job, domain.InstructionSetTriggerError); err != nil {
		t.Fatal(err)
	}
	h.MustState(s, t1.Key, domain.StateError)
	h.MustState(s, t2.Key, domain.StateWaiting)

	if err := s.ResetTriggerFromErrorState(h.Ctx, t1.Key); err != nil {
		t.Fatal(err)
	}
	h.MustState(s, t1.Key, domain.StateWaiting)

	h.Clock.Advance(time.Minute)
	b = fire()
	if err := s.TriggeredJobComplete(h.Ctx, b.Trigger, b.Job, domain.InstructionSetAllJobTriggersErr); err != nil {
		t.Fatal(err)
	}
	h.MustState(s, t1.Key, domain.StateError)
	h.MustState(s, t2.Key, domain.StateError)

	if err := s.ResetTriggerFromErrorState(h.Ctx, t1.Key); err != nil {
		t.Fatal(err)
	}
	h.Clock.Advance(time.Minute)
	b = fire()
	if err := s.TriggeredJobComplete(h.Ctx, b.Trigger, b.Job, domain.InstructionSetAllJobTriggersDone); err != nil {
		t.Fatal(err)
	}
	h.MustState(s, t1.Key, domain.StateComplete)
	h.MustState(s, t2.Key, domain.StateComplete)

	if err := s.TriggeredJobComplete(h.Ctx, b.Trigger, b.Job, "bogus"); err == nil {
		t.Error("unknown instruction should fail")
	}
}

func testPersistJobData(t *testing.T, h *Harness) {
	s := h.Store("A", false)
	j := job("counter")
	j.PersistDataAfterExecution = true
	j.Data = domain.JobDataMap{"count": float64(1)}
	if err := s.StoreJobAndTrigger(h.Ctx, j, every("t", j.Key, T0, time.Minute)); err != nil {
		t.Fatal(err)
	}

	res := h.Fire(s)
	if len(res) != 1 || res[0].Bundle == nil {
		t.Fatalf("fire = %+v", res)
	}
	b := res[0].Bundle
	b.Job.Data["count"] = float64(2)
	if err := s.TriggeredJobComplete(h.Ctx, b.Trigger, b.Job, domain.InstructionNoop); err != nil {
		t.Fatal(err)
	}

	got, err := s.RetrieveJob(h.Ctx, j.Key)
	if err != nil {
		t.Fatal(err)
	}
	if got.Data["count"] != float64(2) {
		t.Errorf("count = %v, want 2", got.Data["count"])
	}
}

func testCalendars(t *testing.T, h *Harness) {
	s := h.Store("A", false)
	weekend := calendar.NewWeekly(calendar.Chain{Description: "weekend"}, time.Saturday, time.Sunday)
	if err := s.StoreCalendar(h.Ctx, "weekend", weekend, false, false); err != nil {
		t.Fatal(err)
	}
	if err := s.StoreCalendar(h.Ctx, "weekend", weekend, false, false); !errors.Is(err, store.ErrObjectAlreadyExists) {
		t.Errorf("duplicate calendar = %v", err)
	}

	j := job("j")
	// T0 is a Monday; a daily 09:00 trigger starting on Saturday must
	// first fire on Monday.
	tr := testutil.CronTrigger("t", j.Key, T0.AddDate(0, 0, -2), "0 0 9 * * ?")
	tr.CalendarName = "weekend"
	tr.NextFireTime = T0
	if err := s.StoreJobAndTrigger(h.Ctx, j, tr); err != nil {
		t.Fatal(err)
	}

	if _, err := s.RemoveCalendar(h.Ctx, "weekend"); !errors.Is(err, store.ErrCalendarInUse) {
		t.Errorf("RemoveCalendar in use = %v, want ErrCalendarInUse", err)
	}

	cal, err := s.RetrieveCalendar(h.Ctx, "weekend")
	if err != nil {
		t.Fatal(err)
	}
	if cal.IsTimeIncluded(T0.AddDate(0, 0, -1)) {
		t.Error("retrieved calendar should exclude Sunday")
	}

	// Replacing the calendar with one that also excludes Monday moves the
	// trigger to Tuesday.
	longWeekend := calendar.NewWeekly(calendar.Chain{}, time.Saturday, time.Sunday, time.Monday)
	if err := s.StoreCalendar(h.Ctx, "weekend", longWeekend, true, true); err != nil {
		t.Fatal(err)
	}
	got, err := s.RetrieveTrigger(h.Ctx, tr.Key)
	if err != nil {
		t.Fatal(err)
	}
	if want := T0.AddDate(0, 0, 1); !got.NextFireTime.Equal(want) {
		t.Errorf("next fire after calendar update = %s, want %s", got.NextFireTime, want)
	}

	if _, err := s.RemoveTrigger(h.Ctx, tr.Key); err != nil {
		t.Fatal(err)
	}
	removed, err := s.RemoveCalendar(h.Ctx, "weekend")
	if err != nil || !removed {
		t.Errorf("RemoveCalendar = %v, %v", removed, err)
	}
	if _, err := s.RetrieveCalendar(h.Ctx, "weekend"); !errors.Is(err, store.ErrCalendarNotFound) {
		t.Errorf("RetrieveCalendar after removal = %v", err)
	}
}

func testResetFromErrorState(t *testing.T, h *Harness) {
	s := h.Store("A", false)
	j := job("j")
	tr := every("t", j.Key, T0, time.Minute)
	tr.CalendarName = "missing"
	if err := s.StoreJobAndTrigger(h.Ctx, j, tr); err != nil {
		t.Fatal(err)
	}

	res := h.Fire(s)
	if len(res) != 1 || res[0].Bundle != nil || !errors.Is(res[0].Err, store.ErrCalendarNotFound) {
		t.Fatalf("fire with missing calendar = %+v", res)
	}
	h.MustState(s, tr.Key, domain.StateError)

	if err := s.PauseTriggerGroup(h.Ctx, domain.DefaultGroup); err != nil {
		t.Fatal(err)
	}
	if err := s.ResetTriggerFromErrorState(h.Ctx, tr.Key); err != nil {
		t.Fatal(err)
	}
	h.MustState(s, tr.Key, domain.StatePaused)
}

func testRecoverFailedInstance(t *testing.T, h *Harness) {
	a, b := h.Store("A", true), h.Store("B", true)
	const interval = 10 * time.Second

	recoverable := job("recoverable")
	recoverable.RequestsRecovery = true
	lost := job("lost")
	idle := job("idle")

	tRec := once("t-rec", recoverable.Key, T0)
	tRec.Data = domain.JobDataMap{"batch": "42"}
	tLost := every("t-lost", lost.Key, T0, time.Hour)
	tIdle := every("t-idle", idle.Key, T0, time.Hour)
	for _, p := range []struct {
		j domain.JobDetail
		t domain.Trigger
	}{{recoverable, tRec}, {lost, tLost}, {idle, tIdle}} {
		if err := a.StoreJobAndTrigger(h.Ctx, p.j, p.t); err != nil {
			t.Fatal(err)
		}
	}

	if err := a.CheckIn(h.Ctx, interval); err != nil {
		t.Fatal(err)
	}
	acquired, err := a.AcquireNextTriggers(h.Ctx, T0, 10, 0)
	if err != nil || len(acquired) != 3 {
		t.Fatalf("A acquired %v, %v", acquired, err)
	}
	var toFire []domain.Trigger
	for _, tr := range acquired {
		if tr.Key != tIdle.Key {
			toFire = append(toFire, tr)
		}
	}
	if _, err := a.TriggersFired(h.Ctx, toFire); err != nil {
		t.Fatal(err)
	}

	// A dies. B checks in a minute later and detects it.
	h.Clock.Advance(time.Minute)
	if err := b.CheckIn(h.Ctx, interval); err != nil {
		t.Fatal(err)
	}
	failed := func(inst domain.SchedulerInstance) bool {
		return inst.LastCheckin.Add(2 * inst.CheckinInterval).Before(h.Clock.Now())
	}

	reports, err := b.RecoverInstances(h.Ctx, failed, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(reports) != 1 || reports[0].InstanceID != "A" {
		t.Fatalf("reports = %+v", reports)
	}
	r := reports[0]
	if len(r.Recovered) != 1 || r.Dropped != 1 || len(r.Released) != 1 {
		t.Errorf("report = %+v", r)
	}
	h.MustState(b, tIdle.Key, domain.StateWaiting)
	h.MustState(b, tLost.Key, domain.StateWaiting)
	h.MustState(b, tRec.Key, domain.StateNone)

	instances, owners, err := b.ClusterSnapshot(h.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 1 || instances[0].InstanceID != "B" || len(owners) != 0 {
		t.Errorf("after recovery instances=%+v owners=%v", instances, owners)
	}

	// Recovering again finds nothing to do.
	again, err := b.RecoverInstances(h.Ctx, failed, false)
	if err != nil || len(again) != 0 {
		t.Errorf("second recovery = %+v, %v", again, err)
	}

	// B runs the recovery trigger with the original fire's details.
	var rec *domain.FiredBundle
	for _, res := range h.Fire(b) {
		if res.Bundle != nil && res.Bundle.Job.Key == recoverable.Key {
			rec = res.Bundle
		}
	}
	if rec == nil {
		t.Fatal("recovery trigger did not fire")
	}
	if !rec.Recovering || rec.Trigger.Key.Group != domain.RecoveringJobsGroup {
		t.Errorf("recovery bundle = %+v", rec)
	}
	d := rec.Trigger.Data
	if d.String(domain.DataRecoveringTriggerName) != "t-rec" || d.String("batch") != "42" {
		t.Errorf("recovery data = %v", d)
	}
	if d.String(domain.DataRecoveringScheduledTime) != T0.Format(time.RFC3339Nano) {
		t.Errorf("recovered scheduled time = %q", d.String(domain.DataRecoveringScheduledTime))
	}
}

func testRecoverOrphanedFiredRecords(t *testing.T, h *Harness) {
	ghost, b := h.Store("ghost", true), h.Store("B", true)
	j := job("j")
	tr := every("t", j.Key, T0, time.Minute)
	if err := ghost.StoreJobAndTrigger(h.Ctx, j, tr); err != nil {
		t.Fatal(err)
	}
	if got, err := ghost.AcquireNextTriggers(h.Ctx, T0, 1, 0); err != nil || len(got) != 1 {
		t.Fatalf("acquire = %v, %v", got, err)
	}

	never := func(domain.SchedulerInstance) bool { return false }
	reports, err := b.RecoverInstances(h.Ctx, never, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(reports) != 1 || reports[0].InstanceID != "ghost" {
		t.Fatalf("reports = %+v", reports)
	}
	h.MustState(b, tr.Key, domain.StateWaiting)

	// Own fired records are not orphans unless asked for.
	if got, err := b.AcquireNextTriggers(h.Ctx, T0, 1, 0); err != nil || len(got) != 1 {
		t.Fatalf("acquire = %v, %v", got, err)
	}
	if reports, _ := b.RecoverInstances(h.Ctx, never, false); len(reports) != 0 {
		t.Errorf("recovered own records: %+v", reports)
	}
	if reports, _ := b.RecoverInstances(h.Ctx, never, true); len(reports) != 1 {
		t.Errorf("includeSelf should recover own orphaned records: %+v", reports)
	}
}

func testRecoverJobsNonClustered(t *testing.T, h *Harness) {
	s := h.Store("", false)
	j := job("j")
	j.RequestsRecovery = true
	tr := every("t", j.Key, T0, time.Hour)
	if err := s.StoreJobAndTrigger(h.Ctx, j, tr); err != nil {
		t.Fatal(err)
	}
	if res := h.Fire(s); len(res) != 1 || res[0].Bundle == nil {
		t.Fatalf("fire = %+v", res)
	}

	// Process restarts.
	h.Clock.Advance(time.Second)
	restarted := h.Store("", false)
	if err := restarted.SchedulerStarted(h.Ctx); err != nil {
		t.Fatal(err)
	}
	keys, err := restarted.TriggerKeys(h.Ctx, domain.RecoveringJobsGroup)
	if err != nil || len(keys) != 1 {
		t.Fatalf("recovery triggers = %v, %v", keys, err)
	}
	res := h.Fire(restarted)
	if len(res) != 1 || res[0].Bundle == nil || !res[0].Bundle.Recovering {
		t.Fatalf("recovery fire = %+v", res)
	}
}
