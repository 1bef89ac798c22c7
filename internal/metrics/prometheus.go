package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// PrometheusSink implements Sink using the Prometheus client library.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	// Firing loop
	acquireCyclesTotal prometheus.Counter
	acquireErrorsTotal prometheus.Counter
	acquireDuration    prometheus.Histogram
	triggersAcquired   prometheus.Counter
	triggersFiredTotal prometheus.Counter
	misfiresTotal      prometheus.Counter
	fireLatency        prometheus.Histogram
	storeErrorsTotal   *prometheus.CounterVec

	// Execution pool
	executionsTotal    *prometheus.CounterVec
	jobDuration        prometheus.Histogram
	executionsInFlight prometheus.Gauge
	poolRejectedTotal  prometheus.Counter
	refiresTotal       prometheus.Counter

	// Webhook job
	deliveryAttemptsTotal *prometheus.CounterVec
	webhookDuration       prometheus.Histogram

	// Cluster
	checkinsTotal      prometheus.Counter
	checkinErrorsTotal prometheus.Counter
	checkinDuration    prometheus.Histogram
	instancesRecovered prometheus.Counter
	jobsRecovered      prometheus.Counter
	coordinatorHealthy prometheus.Gauge
}

// NewPrometheusSink creates a new Prometheus metrics sink registered with reg.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{}
	s.initLoopMetrics(reg)
	s.initPoolMetrics(reg)
	s.initWebhookMetrics(reg)
	s.initClusterMetrics(reg)
	return s
}

func (s *PrometheusSink) initLoopMetrics(reg prometheus.Registerer) {
	s.acquireCyclesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_acquire_cycles_total",
		Help: "Total number of trigger acquisition cycles.",
	})
	s.acquireErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_acquire_errors_total",
		Help: "Total number of failed trigger acquisition cycles.",
	})
	s.acquireDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "scheduler_acquire_duration_seconds",
		Help:    "Duration of trigger acquisition in seconds.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})
	s.triggersAcquired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_triggers_acquired_total",
		Help: "Total number of triggers acquired for firing.",
	})
	s.triggersFiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_triggers_fired_total",
		Help: "Total number of triggers fired.",
	})
	s.misfiresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_triggers_misfired_total",
		Help: "Total number of misfired triggers handled.",
	})
	s.fireLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "scheduler_fire_latency_seconds",
		Help:    "Delay between a trigger's scheduled fire time and its actual fire time.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})
	s.storeErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_store_errors_total",
		Help: "Total number of failed store operations.",
	}, []string{"op"})

	s.register(reg, s.acquireCyclesTotal, "scheduler_acquire_cycles_total")
	s.register(reg, s.acquireErrorsTotal, "scheduler_acquire_errors_total")
	s.register(reg, s.acquireDuration, "scheduler_acquire_duration_seconds")
	s.register(reg, s.triggersAcquired, "scheduler_triggers_acquired_total")
	s.register(reg, s.triggersFiredTotal, "scheduler_triggers_fired_total")
	s.register(reg, s.misfiresTotal, "scheduler_triggers_misfired_total")
	s.register(reg, s.fireLatency, "scheduler_fire_latency_seconds")
	s.register(reg, s.storeErrorsTotal, "scheduler_store_errors_total")
}

func (s *PrometheusSink) initPoolMetrics(reg prometheus.Registerer) {
	s.executionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_job_executions_total",
		Help: "Total number of finished job executions by outcome.",
	}, []string{"outcome"})
	s.jobDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "scheduler_job_duration_seconds",
		Help:    "Job execution time in seconds.",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300},
	})
	s.executionsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "scheduler_job_executions_in_flight",
		Help: "Number of jobs currently executing.",
	})
	s.poolRejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_pool_rejected_total",
		Help: "Total number of fires rejected because the execution pool was saturated.",
	})
	s.refiresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_job_refires_total",
		Help: "Total number of immediate job re-executions requested by jobs.",
	})

	s.register(reg, s.executionsTotal, "scheduler_job_executions_total")
	s.register(reg, s.jobDuration, "scheduler_job_duration_seconds")
	s.register(reg, s.executionsInFlight, "scheduler_job_executions_in_flight")
	s.register(reg, s.poolRejectedTotal, "scheduler_pool_rejected_total")
	s.register(reg, s.refiresTotal, "scheduler_job_refires_total")
}

func (s *PrometheusSink) initWebhookMetrics(reg prometheus.Registerer) {
	s.deliveryAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_webhook_attempts_total",
		Help: "Total number of webhook delivery attempts.",
	}, []string{"status_class"})
	s.webhookDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "scheduler_webhook_duration_seconds",
		Help:    "Webhook request latency in seconds (excludes backoff wait).",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	s.register(reg, s.deliveryAttemptsTotal, "scheduler_webhook_attempts_total")
	s.register(reg, s.webhookDuration, "scheduler_webhook_duration_seconds")
}

func (s *PrometheusSink) initClusterMetrics(reg prometheus.Registerer) {
	s.checkinsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_cluster_checkins_total",
		Help: "Total number of cluster check-ins.",
	})
	s.checkinErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_cluster_checkin_errors_total",
		Help: "Total number of failed cluster check-ins.",
	})
	s.checkinDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "scheduler_cluster_checkin_duration_seconds",
		Help:    "Duration of a cluster check-in including recovery.",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})
	s.instancesRecovered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_cluster_instances_recovered_total",
		Help: "Total number of failed scheduler instances recovered.",
	})
	s.jobsRecovered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_cluster_jobs_recovered_total",
		Help: "Total number of executions rescheduled by recovery.",
	})
	s.coordinatorHealthy = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "scheduler_cluster_healthy",
		Help: "1 when the cluster coordinator is healthy, 0 otherwise.",
	})

	s.register(reg, s.checkinsTotal, "scheduler_cluster_checkins_total")
	s.register(reg, s.checkinErrorsTotal, "scheduler_cluster_checkin_errors_total")
	s.register(reg, s.checkinDuration, "scheduler_cluster_checkin_duration_seconds")
	s.register(reg, s.instancesRecovered, "scheduler_cluster_instances_recovered_total")
	s.register(reg, s.jobsRecovered, "scheduler_cluster_jobs_recovered_total")
	s.register(reg, s.coordinatorHealthy, "scheduler_cluster_healthy")
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		log.Warn().Err(err).Str("component", "metrics").Str("metric", name).Msg("failed to register metric")
	}
}

// Firing loop

func (s *PrometheusSink) AcquireCompleted(duration time.Duration, acquired int, err error) {
	s.acquireCyclesTotal.Inc()
	s.acquireDuration.Observe(duration.Seconds())
	s.triggersAcquired.Add(float64(acquired))
	if err != nil {
		s.acquireErrorsTotal.Inc()
	}
}

func (s *PrometheusSink) TriggersFired(n int) {
	s.triggersFiredTotal.Add(float64(n))
}

func (s *PrometheusSink) TriggerMisfired() {
	s.misfiresTotal.Inc()
}

func (s *PrometheusSink) FireLatencyObserve(latency time.Duration) {
	if latency < 0 {
		latency = 0
	}
	s.fireLatency.Observe(latency.Seconds())
}

func (s *PrometheusSink) StoreError(op string) {
	s.storeErrorsTotal.WithLabelValues(op).Inc()
}

// Execution pool

func (s *PrometheusSink) ExecutionCompleted(outcome string, duration time.Duration) {
	s.executionsTotal.WithLabelValues(outcome).Inc()
	s.jobDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) ExecutionsInFlightIncr() {
	s.executionsInFlight.Inc()
}

func (s *PrometheusSink) ExecutionsInFlightDecr() {
	s.executionsInFlight.Dec()
}

func (s *PrometheusSink) PoolRejected() {
	s.poolRejectedTotal.Inc()
}

func (s *PrometheusSink) JobRefired() {
	s.refiresTotal.Inc()
}

// Webhook job

func (s *PrometheusSink) DeliveryAttemptCompleted(statusClass string, duration time.Duration) {
	s.deliveryAttemptsTotal.WithLabelValues(statusClass).Inc()
	s.webhookDuration.Observe(duration.Seconds())
}

// Cluster

func (s *PrometheusSink) CheckinCompleted(duration time.Duration, err error) {
	s.checkinsTotal.Inc()
	s.checkinDuration.Observe(duration.Seconds())
	if err != nil {
		s.checkinErrorsTotal.Inc()
	}
}

func (s *PrometheusSink) InstancesRecovered(instances, recoveredJobs int) {
	s.instancesRecovered.Add(float64(instances))
	s.jobsRecovered.Add(float64(recoveredJobs))
}

func (s *PrometheusSink) CoordinatorHealthy(healthy bool) {
	if healthy {
		s.coordinatorHealthy.Set(1)
		return
	}
	s.coordinatorHealthy.Set(0)
}
