package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/quartznet/quartznet-sub011/internal/domain"
	"github.com/quartznet/quartznet-sub011/internal/job"
	"github.com/quartznet/quartznet-sub011/internal/jobs"
	"github.com/quartznet/quartznet-sub011/internal/testutil"
)

func fire(id, url, secret string) *job.ExecutionContext {
	j := testutil.Job("report")
	j.JobType = jobs.TypeWebhook
	j.Data = domain.JobDataMap{jobs.DataURL: url, jobs.DataSecret: secret}
	now := time.Now()
	return job.NewExecutionContext(&domain.FiredBundle{
		Job:               j,
		Trigger:           testutil.SimpleTrigger("t", j.Key, now, time.Hour, domain.RepeatIndefinitely),
		FireInstanceID:    id,
		FireTime:          now,
		ScheduledFireTime: now,
	})
}

func readStats(t *testing.T, url string) stats {
	t.Helper()
	resp, err := http.Get(url + "/stats")
	if err != nil {
		t.Fatalf("GET /stats: %v", err)
	}
	defer resp.Body.Close()
	var s stats
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	return s
}

func TestReceiver_AcceptsSignedWebhook(t *testing.T) {
	rc := newReceiver("s3cret", 0, zerolog.Nop())
	srv := httptest.NewServer(rc.routes())
	defer srv.Close()

	wh := jobs.NewWebhook(nil).WithBackoff([]time.Duration{0})
	if err := wh.Execute(context.Background(), fire("fire-1", srv.URL+"/hook", "s3cret")); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	s := readStats(t, srv.URL)
	if s.Count != 1 || s.DistinctFires != 1 || s.BadSignatures != 0 {
		t.Fatalf("stats = %+v", s)
	}
	d := s.LastDeliveries[0]
	if d.FireID != "fire-1" || d.Attempt != "1" || !d.SignatureOK {
		t.Errorf("delivery = %+v", d)
	}
	var payload jobs.WebhookPayload
	if err := json.Unmarshal(d.Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.Job != "DEFAULT.report" {
		t.Errorf("payload job = %q", payload.Job)
	}
}

func TestReceiver_RejectsBadSignature(t *testing.T) {
	rc := newReceiver("s3cret", 0, zerolog.Nop())
	srv := httptest.NewServer(rc.routes())
	defer srv.Close()

	wh := jobs.NewWebhook(nil).WithBackoff([]time.Duration{0})
	if err := wh.Execute(context.Background(), fire("fire-1", srv.URL+"/hook", "wrong")); err == nil {
		t.Fatal("expected an error for a rejected delivery")
	}
	if s := readStats(t, srv.URL); s.BadSignatures != 1 || s.Count != 1 {
		t.Errorf("stats = %+v, want one bad signature and no retry", s)
	}
}

func TestReceiver_InducedFailureIsRetried(t *testing.T) {
	rc := newReceiver("", 1, zerolog.Nop())
	srv := httptest.NewServer(rc.routes())
	defer srv.Close()

	wh := jobs.NewWebhook(nil).WithBackoff([]time.Duration{0})
	_ = wh.Execute(context.Background(), fire("fire-1", srv.URL+"/hook", ""))

	s := readStats(t, srv.URL)
	if s.Count < 2 || s.DistinctFires != 1 {
		t.Errorf("stats = %+v, want retries of a single fire", s)
	}
}

func TestReceiver_Reset(t *testing.T) {
	rc := newReceiver("", 0, zerolog.Nop())
	srv := httptest.NewServer(rc.routes())
	defer srv.Close()

	wh := jobs.NewWebhook(nil).WithBackoff([]time.Duration{0})
	if err := wh.Execute(context.Background(), fire("fire-1", srv.URL+"/hook", "")); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	resp, err := http.Post(srv.URL+"/reset", "text/plain", nil)
	if err != nil {
		t.Fatalf("POST /reset: %v", err)
	}
	resp.Body.Close()
	if s := readStats(t, srv.URL); s.Count != 0 || s.DistinctFires != 0 || len(s.LastDeliveries) != 0 {
		t.Errorf("stats after reset = %+v", s)
	}
}
