package sqldb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/quartznet/quartznet-sub011/internal/domain"
	"github.com/quartznet/quartznet-sub011/internal/store"
	"github.com/quartznet/quartznet-sub011/internal/store/storetest"
	"github.com/quartznet/quartznet-sub011/internal/testutil"
)

func openSQLite(t *testing.T, schedName string) *Backend {
	t.Helper()
	ctx := context.Background()
	db, err := Open(ctx, SQLite, filepath.Join(t.TempDir(), "sched.db"), PoolOptions{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := Migrate(ctx, db, SQLite, zerolog.Nop()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	sem, err := NewSemaphore("row", SQLite, schedName)
	if err != nil {
		t.Fatal(err)
	}
	return New(db, SQLite, schedName, sem)
}

func TestSQLiteBackend(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Backend { return openSQLite(t, "test") })
}

func TestRebind(t *testing.T) {
	q := "SELECT a FROM t WHERE x = ? AND y IN (?, ?)"
	if got := SQLite.Rebind(q); got != q {
		t.Errorf("sqlite rebind changed the query: %s", got)
	}
	want := "SELECT a FROM t WHERE x = $1 AND y IN ($2, $3)"
	if got := Postgres.Rebind(q); got != want {
		t.Errorf("postgres rebind = %s, want %s", got, want)
	}
}

func TestDialectFor(t *testing.T) {
	for driver, want := range map[string]Dialect{"": Postgres, "postgres": Postgres, "pgx": PGX, "sqlite": SQLite} {
		got, err := DialectFor(driver)
		if err != nil || got != want {
			t.Errorf("DialectFor(%q) = %v, %v", driver, got.Name, err)
		}
	}
	if _, err := DialectFor("mysql"); err == nil {
		t.Error("DialectFor(mysql) should fail")
	}
}

func TestNewSemaphore(t *testing.T) {
	if _, err := NewSemaphore("advisory", SQLite, "s"); err == nil {
		t.Error("advisory locks on sqlite should be rejected")
	}
	if _, err := NewSemaphore("advisory", Postgres, "s"); err != nil {
		t.Errorf("advisory on postgres: %v", err)
	}
	if _, err := NewSemaphore("zookeeper", Postgres, "s"); err == nil {
		t.Error("unknown lock kind should be rejected")
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	b := openSQLite(t, "test")
	ctx := context.Background()
	if err := Migrate(ctx, b.DB(), SQLite, zerolog.Nop()); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	v, err := MigrationVersion(ctx, b.DB(), SQLite)
	if err != nil {
		t.Fatal(err)
	}
	if v != 1 {
		t.Errorf("version = %d, want 1", v)
	}
}

func TestScheduleRoundTrip(t *testing.T) {
	b := openSQLite(t, "test")
	ctx := context.Background()
	j := testutil.Job("j")

	schedules := map[string]domain.Schedule{
		"simple": domain.SimpleSchedule{RepeatInterval: 90 * time.Second, RepeatCount: 7},
		"cron":   domain.CronSchedule{Expression: "0 0/5 * * * ?", TimeZone: "Europe/Berlin"},
		"daily": domain.DailyTimeIntervalSchedule{
			StartTimeOfDay: domain.TimeOfDay{Hour: 8},
			EndTimeOfDay:   domain.TimeOfDay{Hour: 17, Minute: 30},
			DaysOfWeek:     []time.Weekday{time.Monday, time.Friday},
			Interval:       15,
			Unit:           domain.UnitMinute,
			RepeatCount:    domain.RepeatIndefinitely,
			TimeZone:       "America/New_York",
		},
		"calendar": domain.CalendarIntervalSchedule{
			Interval:                   1,
			Unit:                       domain.UnitMonth,
			TimeZone:                   "Europe/London",
			PreserveHourOfDayAcrossDST: true,
		},
	}

	tx, err := b.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := tx.InsertJob(ctx, j); err != nil {
		t.Fatal(err)
	}
	for name, s := range schedules {
		tr := domain.Trigger{
			Key:          domain.NewTriggerKey(name, ""),
			JobKey:       j.Key,
			Priority:     3,
			StartTime:    storetest.T0,
			EndTime:      storetest.T0.Add(48 * time.Hour),
			NextFireTime: storetest.T0,
			Schedule:     s,
			Data:         domain.JobDataMap{"k": "v"},
		}
		if err := tx.InsertTrigger(ctx, tr, domain.StateWaiting); err != nil {
			t.Fatalf("insert %s: %v", name, err)
		}
		got, ok, err := tx.SelectTrigger(ctx, tr.Key)
		if err != nil || !ok {
			t.Fatalf("select %s: %v, %v", name, ok, err)
		}
		if got.Schedule.Kind() != s.Kind() {
			t.Errorf("%s: kind = %s", name, got.Schedule.Kind())
		}
		if d, ok := s.(domain.DailyTimeIntervalSchedule); ok {
			gd := got.Schedule.(domain.DailyTimeIntervalSchedule)
			if gd.StartTimeOfDay != d.StartTimeOfDay || gd.EndTimeOfDay != d.EndTimeOfDay ||
				len(gd.DaysOfWeek) != 2 || gd.DaysOfWeek[1] != time.Friday || gd.TimeZone != d.TimeZone {
				t.Errorf("daily schedule = %+v", gd)
			}
		} else if got.Schedule != s {
			t.Errorf("%s: schedule = %+v, want %+v", name, got.Schedule, s)
		}
		if !got.EndTime.Equal(tr.EndTime) || got.Priority != 3 || got.Data.String("k") != "v" {
			t.Errorf("%s: trigger = %+v", name, got)
		}
		if !got.PreviousFireTime.IsZero() {
			t.Errorf("%s: previous fire time = %s, want zero", name, got.PreviousFireTime)
		}
	}

	// Changing the schedule kind replaces the schedule row.
	tr, _, _ := tx.SelectTrigger(ctx, domain.NewTriggerKey("simple", ""))
	tr.Schedule = domain.CronSchedule{Expression: "0 0 * * * ?"}
	if err := tx.UpdateTrigger(ctx, tr, domain.StatePaused); err != nil {
		t.Fatal(err)
	}
	got, _, err := tx.SelectTrigger(ctx, tr.Key)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := got.Schedule.(domain.CronSchedule); !ok || got.State != domain.StatePaused {
		t.Errorf("updated trigger = %+v", got)
	}
}

func TestSchedulerNamesAreIsolated(t *testing.T) {
	ctx := context.Background()
	a := openSQLite(t, "alpha")
	b := New(a.DB(), SQLite, "beta", a.sem)

	sa := store.New(a, store.Options{SchedulerName: "alpha"})
	sb := store.New(b, store.Options{SchedulerName: "beta"})

	j := testutil.Job("shared-name")
	tr := testutil.SimpleTrigger("t", j.Key, storetest.T0, time.Minute, 0)
	if err := sa.StoreJobAndTrigger(ctx, j, tr); err != nil {
		t.Fatal(err)
	}
	if err := sb.StoreJobAndTrigger(ctx, j, tr); err != nil {
		t.Fatalf("same keys under another scheduler name: %v", err)
	}
	if _, err := sa.RemoveJob(ctx, j.Key); err != nil {
		t.Fatal(err)
	}
	if _, err := sb.RetrieveJob(ctx, j.Key); err != nil {
		t.Errorf("job of the other scheduler was removed: %v", err)
	}
}
