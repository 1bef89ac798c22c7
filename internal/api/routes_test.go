package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/quartznet/quartznet-sub011/internal/analytics"
	"github.com/quartznet/quartznet-sub011/internal/domain"
	"github.com/quartznet/quartznet-sub011/internal/job"
	"github.com/quartznet/quartznet-sub011/internal/scheduler"
	"github.com/quartznet/quartznet-sub011/internal/store"
	"github.com/quartznet/quartznet-sub011/internal/store/memory"
	"github.com/quartznet/quartznet-sub011/internal/testutil"
)

type fixture struct {
	sched   *scheduler.Scheduler
	handler *Handler
	// release unblocks running "block" jobs.
	release chan struct{}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	release := make(chan struct{})
	reg := job.NewRegistry()
	reg.RegisterJob("noop", job.Func(func(context.Context, *job.ExecutionContext) error { return nil }))
	reg.RegisterJob("webhook", job.Func(func(context.Context, *job.ExecutionContext) error { return nil }))
	reg.RegisterJob("block", job.Func(func(ctx context.Context, _ *job.ExecutionContext) error {
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case <-release:
			return nil
		}
	}))
	st := store.New(memory.New(), store.Options{SchedulerName: "test", MisfireThreshold: time.Minute})
	sched := scheduler.New(scheduler.DefaultConfig(), st, reg)
	t.Cleanup(func() {
		close(release)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sched.Shutdown(ctx, false)
	})
	return &fixture{sched: sched, handler: NewHandler(sched), release: release}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, want, rec.Body.String())
	}
}

const reportJob = `{
	"name": "report",
	"group": "reports",
	"type": "noop",
	"data": {"owner": "ops"},
	"triggers": [
		{"name": "hourly", "group": "reports", "every": "1h"},
		{"name": "nightly", "group": "reports", "cron": "0 0 2 * * ?", "time_zone": "UTC"}
	]
}`

func TestHandler_CreateAndGetJob(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/jobs", reportJob)
	expectStatus(t, rec, http.StatusCreated)
	created := decode[JobResponse](t, rec)
	if created.Name != "report" || created.Group != "reports" || created.Type != "noop" {
		t.Errorf("created = %+v", created)
	}
	if len(created.Triggers) != 2 {
		t.Fatalf("triggers = %d, want 2", len(created.Triggers))
	}

	rec = f.do(t, http.MethodGet, "/jobs/reports/report", nil)
	expectStatus(t, rec, http.StatusOK)
	got := decode[JobResponse](t, rec)
	if got.Data["owner"] != "ops" {
		t.Errorf("data = %v", got.Data)
	}
	for _, tr := range got.Triggers {
		if tr.State != string(domain.StateWaiting) {
			t.Errorf("trigger %s state = %q, want WAITING", tr.Name, tr.State)
		}
		if tr.NextFireTime == "" {
			t.Errorf("trigger %s has no next fire time", tr.Name)
		}
	}

	rec = f.do(t, http.MethodPost, "/jobs", reportJob)
	expectStatus(t, rec, http.StatusConflict)
}

func TestHandler_CreateJobValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{"invalid json", `{`, http.StatusBadRequest},
		{"unknown field", `{"name":"a","type":"noop","durable":true,"colour":"red"}`, http.StatusBadRequest},
		{"missing name", `{"type":"noop","durable":true}`, http.StatusBadRequest},
		{"missing type", `{"name":"a","durable":true}`, http.StatusBadRequest},
		{"webhook without url", `{"name":"a","type":"webhook","durable":true}`, http.StatusBadRequest},
		{"webhook bad scheme", `{"name":"a","type":"webhook","durable":true,"data":{"url":"ftp://x"}}`, http.StatusBadRequest},
		{"unregistered type", `{"name":"a","type":"mystery","durable":true}`, http.StatusBadRequest},
		{"not durable without triggers", `{"name":"a","type":"noop"}`, http.StatusBadRequest},
		{"bad cron", `{"name":"a","type":"noop","triggers":[{"name":"t","cron":"nope"}]}`, http.StatusBadRequest},
		{"unknown calendar", `{"name":"a","type":"noop","triggers":[{"name":"t","every":"1m","calendar":"none"}]}`, http.StatusBadRequest},
		{"durable", `{"name":"a","type":"noop","durable":true}`, http.StatusCreated},
		{"webhook", `{"name":"w","type":"webhook","durable":true,"data":{"url":"https://example.com/hook"}}`, http.StatusCreated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			rec := f.do(t, http.MethodPost, "/jobs", tt.body)
			expectStatus(t, rec, tt.want)
			if tt.want >= 400 {
				if e := decode[ErrorResponse](t, rec); e.Error == "" {
					t.Error("error response has no message")
				}
			}
		})
	}
}

func TestHandler_CreateJobReplace(t *testing.T) {
	f := newFixture(t)
	expectStatus(t, f.do(t, http.MethodPost, "/jobs", reportJob), http.StatusCreated)

	body := `{
		"name": "report", "group": "reports", "type": "noop", "replace": true,
		"description": "v2",
		"triggers": [{"name": "hourly", "group": "reports", "every": "2h"}]
	}`
	rec := f.do(t, http.MethodPost, "/jobs", body)
	expectStatus(t, rec, http.StatusCreated)
	got := decode[JobResponse](t, rec)
	if got.Description != "v2" {
		t.Errorf("description = %q, want v2", got.Description)
	}
	if len(got.Triggers) != 2 {
		t.Errorf("triggers = %d, want 2 (replace keeps unlisted triggers)", len(got.Triggers))
	}
	for _, tr := range got.Triggers {
		if tr.Name == "hourly" && !strings.Contains(tr.Schedule, "2h") {
			t.Errorf("hourly schedule = %q, want every 2h", tr.Schedule)
		}
	}
}

func TestHandler_ListJobsPaginates(t *testing.T) {
	f := newFixture(t)
	for _, name := range []string{"a", "b", "c"} {
		body := `{"name":"` + name + `","type":"noop","durable":true}`
		expectStatus(t, f.do(t, http.MethodPost, "/jobs", body), http.StatusCreated)
	}

	got := decode[ListJobsResponse](t, f.do(t, http.MethodGet, "/jobs?limit=2", nil))
	if len(got.Jobs) != 2 || got.Jobs[0].Name != "a" || got.Jobs[1].Name != "b" {
		t.Errorf("first page = %+v", got.Jobs)
	}
	got = decode[ListJobsResponse](t, f.do(t, http.MethodGet, "/jobs?limit=2&offset=2", nil))
	if len(got.Jobs) != 1 || got.Jobs[0].Name != "c" {
		t.Errorf("second page = %+v", got.Jobs)
	}
	got = decode[ListJobsResponse](t, f.do(t, http.MethodGet, "/jobs?offset=10", nil))
	if len(got.Jobs) != 0 {
		t.Errorf("past the end = %+v", got.Jobs)
	}
	for _, q := range []string{"limit=5000", "limit=-1", "offset=x"} {
		rec := f.do(t, http.MethodGet, "/jobs?"+q, nil)
		expectStatus(t, rec, http.StatusBadRequest)
		if e := decode[ErrorResponse](t, rec); e.Error == "" {
			t.Errorf("%s: empty error message", q)
		}
	}
	trs := decode[ListTriggersResponse](t, f.do(t, http.MethodGet, "/triggers?limit=1", nil))
	if len(trs.Triggers) != 0 {
		t.Errorf("triggers of durable jobs = %+v", trs.Triggers)
	}
}

func TestHandler_PauseAndResumeTrigger(t *testing.T) {
	f := newFixture(t)
	expectStatus(t, f.do(t, http.MethodPost, "/jobs", reportJob), http.StatusCreated)

	expectStatus(t, f.do(t, http.MethodPost, "/triggers/reports/hourly/pause", nil), http.StatusNoContent)
	got := decode[TriggerResponse](t, f.do(t, http.MethodGet, "/triggers/reports/hourly", nil))
	if got.State != string(domain.StatePaused) {
		t.Errorf("state after pause = %q", got.State)
	}

	expectStatus(t, f.do(t, http.MethodPost, "/triggers/reports/hourly/resume", nil), http.StatusNoContent)
	got = decode[TriggerResponse](t, f.do(t, http.MethodGet, "/triggers/reports/hourly", nil))
	if got.State != string(domain.StateWaiting) {
		t.Errorf("state after resume = %q", got.State)
	}

	expectStatus(t, f.do(t, http.MethodPost, "/triggers/reports/pause", nil), http.StatusNoContent)
	groups := decode[ListNamesResponse](t, f.do(t, http.MethodGet, "/triggers/paused-groups", nil))
	if len(groups.Names) != 1 || groups.Names[0] != "reports" {
		t.Errorf("paused groups = %v", groups.Names)
	}
	expectStatus(t, f.do(t, http.MethodPost, "/jobs/reports/report/resume", nil), http.StatusNoContent)
	got = decode[TriggerResponse](t, f.do(t, http.MethodGet, "/triggers/reports/nightly", nil))
	if got.State != string(domain.StateWaiting) {
		t.Errorf("state after job resume = %q", got.State)
	}
}

func TestHandler_TriggerLifecycle(t *testing.T) {
	f := newFixture(t)
	expectStatus(t, f.do(t, http.MethodPost, "/jobs", `{"name":"j","type":"noop","durable":true}`), http.StatusCreated)

	rec := f.do(t, http.MethodPost, "/triggers", `{"name":"t","job_name":"j","every":"10m"}`)
	expectStatus(t, rec, http.StatusCreated)
	if s := decode[ScheduledResponse](t, rec); s.Trigger != "DEFAULT.t" || s.NextFireTime == "" {
		t.Errorf("scheduled = %+v", s)
	}

	expectStatus(t, f.do(t, http.MethodPost, "/triggers", `{"name":"t2","job_name":"missing","every":"10m"}`), http.StatusNotFound)
	expectStatus(t, f.do(t, http.MethodPost, "/triggers", `{"name":"t3","every":"10m"}`), http.StatusBadRequest)

	rec = f.do(t, http.MethodPut, "/triggers/DEFAULT/t", `{"cron":"0 30 * * * ?"}`)
	expectStatus(t, rec, http.StatusOK)
	got := decode[TriggerResponse](t, f.do(t, http.MethodGet, "/triggers/DEFAULT/t", nil))
	if got.JobName != "j" || !strings.HasPrefix(got.Schedule, "cron ") {
		t.Errorf("rescheduled trigger = %+v", got)
	}

	list := decode[ListTriggersResponse](t, f.do(t, http.MethodGet, "/triggers?group=DEFAULT", nil))
	if len(list.Triggers) != 1 {
		t.Errorf("triggers = %+v", list.Triggers)
	}

	expectStatus(t, f.do(t, http.MethodDelete, "/triggers/DEFAULT/t", nil), http.StatusNoContent)
	expectStatus(t, f.do(t, http.MethodDelete, "/triggers/DEFAULT/t", nil), http.StatusNotFound)
	expectStatus(t, f.do(t, http.MethodGet, "/triggers/DEFAULT/t", nil), http.StatusNotFound)
	// durable job survives losing its trigger
	expectStatus(t, f.do(t, http.MethodGet, "/jobs/DEFAULT/j", nil), http.StatusOK)
}

func TestHandler_DeleteJob(t *testing.T) {
	f := newFixture(t)
	expectStatus(t, f.do(t, http.MethodPost, "/jobs", reportJob), http.StatusCreated)

	expectStatus(t, f.do(t, http.MethodDelete, "/jobs/reports/report", nil), http.StatusNoContent)
	expectStatus(t, f.do(t, http.MethodGet, "/jobs/reports/report", nil), http.StatusNotFound)
	expectStatus(t, f.do(t, http.MethodGet, "/triggers/reports/hourly", nil), http.StatusNotFound)
	expectStatus(t, f.do(t, http.MethodDelete, "/jobs/reports/report", nil), http.StatusNotFound)
}

func TestHandler_TriggerJobManually(t *testing.T) {
	f := newFixture(t)
	expectStatus(t, f.do(t, http.MethodPost, "/jobs", `{"name":"j","type":"noop","durable":true}`), http.StatusCreated)

	rec := f.do(t, http.MethodPost, "/jobs/DEFAULT/j/trigger", `{"data":{"k":"v"}}`)
	expectStatus(t, rec, http.StatusAccepted)
	s := decode[ScheduledResponse](t, rec)
	if !strings.HasPrefix(s.Trigger, domain.ManualTriggerGroup+".MT_") {
		t.Errorf("manual trigger key = %q", s.Trigger)
	}

	expectStatus(t, f.do(t, http.MethodPost, "/jobs/DEFAULT/j/trigger", nil), http.StatusAccepted)
	expectStatus(t, f.do(t, http.MethodPost, "/jobs/DEFAULT/missing/trigger", nil), http.StatusNotFound)
}

func TestHandler_Calendars(t *testing.T) {
	f := newFixture(t)

	expectStatus(t, f.do(t, http.MethodGet, "/calendars/holidays", nil), http.StatusNotFound)
	rec := f.do(t, http.MethodPut, "/calendars/holidays", `{"type":"holiday","dates":["2030-12-25"]}`)
	expectStatus(t, rec, http.StatusOK)

	got := decode[CalendarResponse](t, f.do(t, http.MethodGet, "/calendars/holidays", nil))
	if got.Name != "holidays" || got.Type != "holiday" || len(got.Dates) != 1 || got.Dates[0] != "2030-12-25" {
		t.Errorf("calendar = %+v", got)
	}
	names := decode[ListNamesResponse](t, f.do(t, http.MethodGet, "/calendars", nil))
	if len(names.Names) != 1 {
		t.Errorf("calendar names = %v", names.Names)
	}

	expectStatus(t, f.do(t, http.MethodPut, "/calendars/bad", `{"type":"lunar"}`), http.StatusBadRequest)

	body := `{"name":"j","type":"noop","triggers":[{"name":"t","every":"1h","calendar":"holidays"}]}`
	expectStatus(t, f.do(t, http.MethodPost, "/jobs", body), http.StatusCreated)
	expectStatus(t, f.do(t, http.MethodDelete, "/calendars/holidays", nil), http.StatusConflict)

	expectStatus(t, f.do(t, http.MethodPut, "/calendars/holidays?update_triggers=true", `{"type":"weekly","days":["Saturday","Sunday"]}`), http.StatusOK)

	expectStatus(t, f.do(t, http.MethodDelete, "/jobs/DEFAULT/j", nil), http.StatusNoContent)
	expectStatus(t, f.do(t, http.MethodDelete, "/calendars/holidays", nil), http.StatusNoContent)
	expectStatus(t, f.do(t, http.MethodDelete, "/calendars/holidays", nil), http.StatusNotFound)
}

func TestHandler_ExecutingAndInterrupt(t *testing.T) {
	f := newFixture(t)
	if err := f.sched.Start(testutil.TestContext(t)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	body := `{"name":"slow","type":"block","triggers":[{"name":"now"}]}`
	expectStatus(t, f.do(t, http.MethodPost, "/jobs", body), http.StatusCreated)

	var running []ExecutionResponse
	testutil.Eventually(t, 2*time.Second, func() bool {
		running = decode[ListExecutionsResponse](t, f.do(t, http.MethodGet, "/executing", nil)).Executions
		return len(running) == 1
	})
	if running[0].Job != "DEFAULT.slow" || running[0].Trigger != "DEFAULT.now" {
		t.Errorf("running = %+v", running[0])
	}

	expectStatus(t, f.do(t, http.MethodDelete, "/executing/unknown", nil), http.StatusNotFound)
	expectStatus(t, f.do(t, http.MethodDelete, "/executing/"+running[0].FireInstanceID, nil), http.StatusAccepted)
	testutil.Eventually(t, 2*time.Second, func() bool {
		return len(decode[ListExecutionsResponse](t, f.do(t, http.MethodGet, "/executing", nil)).Executions) == 0
	})
}

func TestHandler_SchedulerControl(t *testing.T) {
	f := newFixture(t)

	st := decode[StatusResponse](t, f.do(t, http.MethodGet, "/status", nil))
	if st.Started || st.PoolSize != scheduler.DefaultConfig().MaxConcurrency {
		t.Errorf("status before start = %+v", st)
	}

	st = decode[StatusResponse](t, f.do(t, http.MethodPost, "/scheduler/start", nil))
	if !st.Started || st.Standby {
		t.Errorf("status after start = %+v", st)
	}
	st = decode[StatusResponse](t, f.do(t, http.MethodPost, "/scheduler/standby", nil))
	if !st.Standby {
		t.Errorf("status after standby = %+v", st)
	}

	expectStatus(t, f.do(t, http.MethodPost, "/jobs", reportJob), http.StatusCreated)
	expectStatus(t, f.do(t, http.MethodPost, "/scheduler/pause-all", nil), http.StatusNoContent)
	got := decode[TriggerResponse](t, f.do(t, http.MethodGet, "/triggers/reports/hourly", nil))
	if got.State != string(domain.StatePaused) {
		t.Errorf("state after pause-all = %q", got.State)
	}
	expectStatus(t, f.do(t, http.MethodPost, "/scheduler/resume-all", nil), http.StatusNoContent)
	got = decode[TriggerResponse](t, f.do(t, http.MethodGet, "/triggers/reports/hourly", nil))
	if got.State != string(domain.StateWaiting) {
		t.Errorf("state after resume-all = %q", got.State)
	}

	groups := decode[GroupsResponse](t, f.do(t, http.MethodGet, "/groups", nil))
	if len(groups.JobGroups) != 1 || groups.JobGroups[0] != "reports" {
		t.Errorf("groups = %+v", groups)
	}
}

type fakeStats struct {
	counts map[analytics.Kind]int64
	err    error
}

func (s fakeStats) Counts(context.Context, domain.JobKey, time.Time) (map[analytics.Kind]int64, error) {
	return s.counts, s.err
}

func (fakeStats) Window() time.Duration { return time.Minute }

func TestHandler_JobStats(t *testing.T) {
	f := newFixture(t)
	expectStatus(t, f.do(t, http.MethodPost, "/jobs", `{"name":"j","type":"noop","durable":true}`), http.StatusCreated)

	expectStatus(t, f.do(t, http.MethodGet, "/jobs/DEFAULT/j/stats", nil), http.StatusNotFound)

	f.handler.WithStats(fakeStats{counts: map[analytics.Kind]int64{analytics.KindFired: 3, analytics.KindFailed: 1}})
	rec := f.do(t, http.MethodGet, "/jobs/DEFAULT/j/stats?at=2030-01-01T10:00:30Z", nil)
	expectStatus(t, rec, http.StatusOK)
	got := decode[StatsResponse](t, rec)
	if got.Counts["fired"] != 3 || got.Counts["failed"] != 1 {
		t.Errorf("counts = %v", got.Counts)
	}
	if got.Bucket != "2030-01-01T10:00:00Z" || got.Window != "1m0s" {
		t.Errorf("bucket = %q window = %q", got.Bucket, got.Window)
	}

	expectStatus(t, f.do(t, http.MethodGet, "/jobs/DEFAULT/j/stats?at=yesterday", nil), http.StatusBadRequest)
	expectStatus(t, f.do(t, http.MethodGet, "/jobs/DEFAULT/missing/stats", nil), http.StatusNotFound)

	f.handler.WithStats(fakeStats{err: errors.New("redis down")})
	expectStatus(t, f.do(t, http.MethodGet, "/jobs/DEFAULT/j/stats", nil), http.StatusInternalServerError)
}

type fakeDB struct{ err error }

func (d fakeDB) PingContext(context.Context) error { return d.err }

func TestHandler_Health(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/health", nil)
	expectStatus(t, rec, http.StatusOK)
	if got := decode[HealthResponse](t, rec); got.Status != "ok" || got.Components != nil {
		t.Errorf("simple health = %+v", got)
	}

	f.handler.WithHealthChecker(fakeDB{})
	rec = f.do(t, http.MethodGet, "/health?verbose=true", nil)
	expectStatus(t, rec, http.StatusOK)
	got := decode[HealthResponse](t, rec)
	if got.Components["database"] != "healthy" || got.Components["scheduler"] == "" {
		t.Errorf("verbose health = %+v", got)
	}

	f.handler.WithHealthChecker(fakeDB{err: errors.New("connection refused")})
	rec = f.do(t, http.MethodGet, "/health?verbose=true", nil)
	expectStatus(t, rec, http.StatusServiceUnavailable)
	if got := decode[HealthResponse](t, rec); got.Status != "degraded" {
		t.Errorf("status = %q, want degraded", got.Status)
	}
}

func TestHandler_UnknownRoutes(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/nope", nil)
	expectStatus(t, rec, http.StatusNotFound)
	if rec.Header().Get("Content-Type") != "application/json" {
		t.Errorf("content type = %q", rec.Header().Get("Content-Type"))
	}
	expectStatus(t, f.do(t, http.MethodPatch, "/jobs", nil), http.StatusMethodNotAllowed)
}

func TestHandler_ShutdownSchedulerRejectsWrites(t *testing.T) {
	f := newFixture(t)
	ctx := testutil.TestContext(t)
	if err := f.sched.Shutdown(ctx, false); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	expectStatus(t, f.do(t, http.MethodPost, "/jobs", `{"name":"j","type":"noop","durable":true}`), http.StatusServiceUnavailable)
}

func TestHandler_RequestBodyTooLarge(t *testing.T) {
	f := newFixture(t)
	big := `{"name":"j","type":"noop","durable":true,"description":"` + strings.Repeat("x", maxRequestBodySize) + `"}`
	expectStatus(t, f.do(t, http.MethodPost, "/jobs", big), http.StatusRequestEntityTooLarge)
}
