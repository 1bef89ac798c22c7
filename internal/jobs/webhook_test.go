package jobs

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/quartznet/quartznet-sub011/internal/circuitbreaker"
	"github.com/quartznet/quartznet-sub011/internal/domain"
	"github.com/quartznet/quartznet-sub011/internal/job"
	"github.com/quartznet/quartznet-sub011/internal/testutil"
)

var t0 = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

type mockMetrics struct {
	mu      sync.Mutex
	classes []string
}

func (m *mockMetrics) DeliveryAttemptCompleted(statusClass string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.classes = append(m.classes, statusClass)
}

func execContext(url string, extra domain.JobDataMap) *job.ExecutionContext {
	j := testutil.Job("report")
	j.JobType = TypeWebhook
	j.Data = domain.JobDataMap{DataURL: url, DataSecret: "my-secret"}
	tr := testutil.SimpleTrigger("nightly", j.Key, t0, time.Hour, domain.RepeatIndefinitely)
	tr.Data = extra
	return job.NewExecutionContext(&domain.FiredBundle{
		Job:               j,
		Trigger:           tr,
		FireInstanceID:    "fire-1",
		FireTime:          t0.Add(30 * time.Second),
		ScheduledFireTime: t0,
	})
}

func newTestWebhook() *Webhook {
	return NewWebhook(circuitbreaker.New(5, time.Minute)).WithBackoff([]time.Duration{0})
}

func TestWebhook_Success(t *testing.T) {
	var (
		gotHeaders http.Header
		gotBody    []byte
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	m := &mockMetrics{}
	ec := execContext(server.URL, domain.JobDataMap{"region": "eu"})
	if err := newTestWebhook().WithMetrics(m).Execute(context.Background(), ec); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if ec.Result != http.StatusOK {
		t.Errorf("Result = %v, want 200", ec.Result)
	}

	if ct := gotHeaders.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if id := gotHeaders.Get("X-Scheduler-Fire-ID"); id != "fire-1" {
		t.Errorf("X-Scheduler-Fire-ID = %q", id)
	}

	mac := hmac.New(sha256.New, []byte("my-secret"))
	mac.Write(gotBody)
	if sig := gotHeaders.Get("X-Scheduler-Signature"); sig != hex.EncodeToString(mac.Sum(nil)) {
		t.Errorf("signature mismatch: %s", sig)
	}

	var payload WebhookPayload
	if err := json.Unmarshal(gotBody, &payload); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if payload.Job != "DEFAULT.report" || payload.Trigger != "DEFAULT.nightly" {
		t.Errorf("payload keys = %s %s", payload.Job, payload.Trigger)
	}
	if payload.ScheduledAt != "2024-01-15T10:00:00Z" || payload.FiredAt != "2024-01-15T10:00:30Z" {
		t.Errorf("payload times = %s %s", payload.ScheduledAt, payload.FiredAt)
	}
	if payload.Data["region"] != "eu" {
		t.Errorf("payload data = %v", payload.Data)
	}
	if _, leaked := payload.Data[DataSecret]; leaked {
		t.Error("secret leaked into payload")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.classes) != 1 || m.classes[0] != "2xx" {
		t.Errorf("metric classes = %v", m.classes)
	}
}

func TestWebhook_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	if err := newTestWebhook().Execute(context.Background(), execContext(server.URL, nil)); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestWebhook_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	err := newTestWebhook().Execute(context.Background(), execContext(server.URL, nil))
	if err == nil {
		t.Fatal("expected error for 400")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestWebhook_AttemptsFromData(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	ec := execContext(server.URL, domain.JobDataMap{DataAttempts: float64(5)})
	if err := newTestWebhook().Execute(context.Background(), ec); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 5 {
		t.Errorf("calls = %d, want 5", calls.Load())
	}
}

func TestWebhook_CircuitOpens(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	w := NewWebhook(circuitbreaker.New(2, time.Hour)).WithBackoff([]time.Duration{0})
	ec := execContext(server.URL, domain.JobDataMap{DataAttempts: 1})

	for range 2 {
		_ = w.Execute(context.Background(), ec)
	}
	err := w.Execute(context.Background(), ec)
	if !errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestWebhook_MissingURL(t *testing.T) {
	ec := execContext("", nil)
	err := newTestWebhook().Execute(context.Background(), ec)
	if !errors.Is(err, ErrNoURL) {
		t.Fatalf("err = %v, want ErrNoURL", err)
	}
	if instr := job.Instruction(ec.Trigger, err); instr != domain.InstructionSetTriggerError {
		t.Errorf("instruction = %s", instr)
	}
}

func TestWebhook_ContextCancelledDuringBackoff(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	w := NewWebhook(circuitbreaker.New(5, time.Minute)).WithBackoff([]time.Duration{0, time.Hour})
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	if err := w.Execute(ctx, execContext(server.URL, nil)); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"job":"DEFAULT.j1"}`)
	sig := computeSignature("test-secret", body)

	if !VerifySignature("test-secret", body, sig) {
		t.Error("valid signature rejected")
	}
	if VerifySignature("wrong-secret", body, sig) {
		t.Error("wrong secret accepted")
	}
	if VerifySignature("test-secret", []byte(`{"job":"DEFAULT.j2"}`), sig) {
		t.Error("tampered body accepted")
	}
	if len(sig) != 64 {
		t.Errorf("signature length = %d, want 64", len(sig))
	}
}

func TestDataHelpers(t *testing.T) {
	if got := dataDuration("2s", time.Minute); got != 2*time.Second {
		t.Errorf("dataDuration(2s) = %s", got)
	}
	if got := dataDuration(float64(1.5), time.Minute); got != 1500*time.Millisecond {
		t.Errorf("dataDuration(1.5) = %s", got)
	}
	if got := dataDuration("bogus", time.Minute); got != time.Minute {
		t.Errorf("dataDuration(bogus) = %s", got)
	}
	if got := dataInt("4", 1); got != 4 {
		t.Errorf("dataInt(\"4\") = %d", got)
	}
	if got := dataInt(float64(0), 3); got != 3 {
		t.Errorf("dataInt(0) = %d", got)
	}
}

func TestRegister(t *testing.T) {
	reg := job.NewRegistry()
	Register(reg, newTestWebhook(), zerolog.Nop())
	for _, typ := range []string{TypeWebhook, TypeLog, TypeNoop} {
		if !reg.Has(typ) {
			t.Errorf("type %q not registered", typ)
		}
	}
}
