package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func newTestSink(t *testing.T) (*PrometheusSink, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg)
	return sink, reg
}

func getCounterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if m.GetCounter() != nil {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func getGaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if m.GetGauge() != nil {
					return m.GetGauge().GetValue()
				}
			}
		}
	}
	return 0
}

func getCounterVecValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if matchLabels(m.GetLabel(), labels) {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func matchLabels(pairs []*dto.LabelPair, want map[string]string) bool {
	if len(pairs) != len(want) {
		return false
	}
	for _, p := range pairs {
		if v, ok := want[p.GetName()]; !ok || v != p.GetValue() {
			return false
		}
	}
	return true
}

func TestPrometheusSink_Registration(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg)
	if sink == nil {
		t.Fatal("NewPrometheusSink returned nil")
	}
}

func TestPrometheusSink_AcquireCompleted(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.AcquireCompleted(10*time.Millisecond, 3, nil)
	sink.AcquireCompleted(10*time.Millisecond, 0, errors.New("db error"))

	if v := getCounterValue(t, reg, "scheduler_acquire_cycles_total"); v != 2 {
		t.Errorf("acquire_cycles_total = %v, want 2", v)
	}
	if v := getCounterValue(t, reg, "scheduler_acquire_errors_total"); v != 1 {
		t.Errorf("acquire_errors_total = %v, want 1", v)
	}
	if v := getCounterValue(t, reg, "scheduler_triggers_acquired_total"); v != 3 {
		t.Errorf("triggers_acquired_total = %v, want 3", v)
	}
}

func TestPrometheusSink_FiredAndMisfired(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.TriggersFired(4)
	sink.TriggerMisfired()
	sink.StoreError("acquire next triggers")
	sink.StoreError("acquire next triggers")

	if v := getCounterValue(t, reg, "scheduler_triggers_fired_total"); v != 4 {
		t.Errorf("triggers_fired_total = %v, want 4", v)
	}
	if v := getCounterValue(t, reg, "scheduler_triggers_misfired_total"); v != 1 {
		t.Errorf("triggers_misfired_total = %v, want 1", v)
	}
	v := getCounterVecValue(t, reg, "scheduler_store_errors_total", map[string]string{"op": "acquire next triggers"})
	if v != 2 {
		t.Errorf("store_errors_total = %v, want 2", v)
	}
}

func TestPrometheusSink_ExecutionOutcomes(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.ExecutionCompleted(OutcomeSuccess, time.Second)
	sink.ExecutionCompleted(OutcomeFailed, time.Second)
	sink.ExecutionCompleted(OutcomeSuccess, time.Second)

	if v := getCounterVecValue(t, reg, "scheduler_job_executions_total", map[string]string{"outcome": "success"}); v != 2 {
		t.Errorf("outcome=success = %v, want 2", v)
	}
	if v := getCounterVecValue(t, reg, "scheduler_job_executions_total", map[string]string{"outcome": "failed"}); v != 1 {
		t.Errorf("outcome=failed = %v, want 1", v)
	}
}

func TestPrometheusSink_InFlightAndRejections(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.ExecutionsInFlightIncr()
	sink.ExecutionsInFlightIncr()
	sink.ExecutionsInFlightDecr()
	sink.PoolRejected()

	if v := getGaugeValue(t, reg, "scheduler_job_executions_in_flight"); v != 1 {
		t.Errorf("in_flight = %v, want 1", v)
	}
	if v := getCounterValue(t, reg, "scheduler_pool_rejected_total"); v != 1 {
		t.Errorf("pool_rejected_total = %v, want 1", v)
	}
}

func TestPrometheusSink_DeliveryAttemptLabels(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.DeliveryAttemptCompleted(StatusClass2xx, 100*time.Millisecond)
	sink.DeliveryAttemptCompleted(StatusClass5xx, 200*time.Millisecond)

	if v := getCounterVecValue(t, reg, "scheduler_webhook_attempts_total", map[string]string{"status_class": "2xx"}); v != 1 {
		t.Errorf("status_class=2xx = %v, want 1", v)
	}
	if v := getCounterVecValue(t, reg, "scheduler_webhook_attempts_total", map[string]string{"status_class": "5xx"}); v != 1 {
		t.Errorf("status_class=5xx = %v, want 1", v)
	}
}

func TestPrometheusSink_Cluster(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.CheckinCompleted(time.Millisecond, nil)
	sink.CheckinCompleted(time.Millisecond, errors.New("db down"))
	sink.InstancesRecovered(1, 3)
	sink.CoordinatorHealthy(false)

	if v := getCounterValue(t, reg, "scheduler_cluster_checkins_total"); v != 2 {
		t.Errorf("checkins_total = %v, want 2", v)
	}
	if v := getCounterValue(t, reg, "scheduler_cluster_checkin_errors_total"); v != 1 {
		t.Errorf("checkin_errors_total = %v, want 1", v)
	}
	if v := getCounterValue(t, reg, "scheduler_cluster_jobs_recovered_total"); v != 3 {
		t.Errorf("jobs_recovered_total = %v, want 3", v)
	}
	if v := getGaugeValue(t, reg, "scheduler_cluster_healthy"); v != 0 {
		t.Errorf("healthy = %v, want 0", v)
	}
	sink.CoordinatorHealthy(true)
	if v := getGaugeValue(t, reg, "scheduler_cluster_healthy"); v != 1 {
		t.Errorf("healthy = %v, want 1", v)
	}
}

func TestPrometheusSink_DuplicateRegistration_NoPanic(t *testing.T) {
	// The second registration fails for every metric but must not panic.
	reg := prometheus.NewRegistry()

	if NewPrometheusSink(reg) == nil {
		t.Fatal("first NewPrometheusSink returned nil")
	}
	if NewPrometheusSink(reg) == nil {
		t.Fatal("second NewPrometheusSink returned nil")
	}
}

// Verify PrometheusSink implements Sink interface.
var _ Sink = (*PrometheusSink)(nil)
