// Package cluster keeps a scheduler instance registered with the shared
// store and recovers the work of instances that stopped checking in.
//
// Every instance upserts its own row on each check-in. An instance whose
// last check-in is older than its check-in interval times the missed
// threshold is considered failed; whichever live instance notices first
// recovers its fired triggers under the store's locks. Recovery re-checks
// failure under the lock, so concurrent recoverers act once.
package cluster

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quartznet/quartznet-sub011/internal/clock"
	"github.com/quartznet/quartznet-sub011/internal/domain"
)

// Store defines the store operations the coordinator needs.
type Store interface {
	InstanceID() string
	CheckIn(ctx context.Context, interval time.Duration) error
	ClusterSnapshot(ctx context.Context) ([]domain.SchedulerInstance, []string, error)
	RecoverInstances(ctx context.Context, failed func(domain.SchedulerInstance) bool, includeSelf bool) ([]domain.RecoveryReport, error)
	RemoveInstance(ctx context.Context) error
}

// RecoveryListener is told about every completed recovery.
type RecoveryListener interface {
	ClusterRecovered(ctx context.Context, reports []domain.RecoveryReport)
}

// MetricsSink defines the interface for recording cluster metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	CheckinCompleted(duration time.Duration, err error)
	InstancesRecovered(instances, recoveredJobs int)
	CoordinatorHealthy(healthy bool)
}

// CoordinationError reports a failed check-in or recovery.
type CoordinationError struct {
	Op  string
	Err error
}

func (e *CoordinationError) Error() string { return fmt.Sprintf("cluster: %s: %v", e.Op, e.Err) }

func (e *CoordinationError) Unwrap() error { return e.Err }

// Config holds coordinator configuration.
type Config struct {
	// CheckinInterval is how often this instance checks in.
	// Default: 7.5 seconds.
	CheckinInterval time.Duration

	// MissedThreshold is how many intervals an instance may miss before it
	// is considered failed.
	// Default: 2.
	MissedThreshold int

	// MaxCheckinFailures is how many consecutive failed check-ins make the
	// coordinator unhealthy.
	// Default: 3.
	MaxCheckinFailures int

	// RetryBackoff is the first delay after a failed check-in; it doubles
	// per failure up to CheckinInterval.
	// Default: 1 second.
	RetryBackoff time.Duration
}

// DefaultConfig returns the default coordinator configuration.
func DefaultConfig() Config {
	return Config{
		CheckinInterval:    7500 * time.Millisecond,
		MissedThreshold:    2,
		MaxCheckinFailures: 3,
		RetryBackoff:       time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CheckinInterval <= 0 {
		c.CheckinInterval = d.CheckinInterval
	}
	if c.MissedThreshold <= 0 {
		c.MissedThreshold = d.MissedThreshold
	}
	if c.MaxCheckinFailures <= 0 {
		c.MaxCheckinFailures = d.MaxCheckinFailures
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = d.RetryBackoff
	}
	return c
}

// Coordinator runs the check-in loop for one instance.
type Coordinator struct {
	config   Config
	store    Store
	clock    clock.Clock
	listener RecoveryListener // optional, nil = disabled
	metrics  MetricsSink      // optional, nil = disabled
	logger   zerolog.Logger

	mu         sync.Mutex
	firstDone  bool
	failures   int
	lastErr    error
	lastCheck  time.Time
	healthy    atomic.Bool
	healthChgs chan bool
}

// New creates a new Coordinator. It reports unhealthy until its first
// check-in succeeds, so acquisition waits until this instance's leftovers
// have been recovered.
func New(config Config, store Store) *Coordinator {
	return &Coordinator{
		config:     config.withDefaults(),
		store:      store,
		clock:      clock.System{},
		logger:     log.With().Str("component", "cluster").Logger(),
		healthChgs: make(chan bool, 1),
	}
}

// WithClock sets the clock used for check-in times and staleness.
func (c *Coordinator) WithClock(clk clock.Clock) *Coordinator {
	c.clock = clk
	return c
}

// WithListener sets the listener told about recovered instances.
func (c *Coordinator) WithListener(l RecoveryListener) *Coordinator {
	c.listener = l
	return c
}

// WithMetrics attaches a metrics sink to the coordinator.
func (c *Coordinator) WithMetrics(sink MetricsSink) *Coordinator {
	c.metrics = sink
	return c
}

// WithLogger sets the logger, tagged with the cluster component.
func (c *Coordinator) WithLogger(l zerolog.Logger) *Coordinator {
	c.logger = l.With().Str("component", "cluster").Logger()
	return c
}

// Healthy reports whether a check-in has succeeded and recent ones have
// not failed MaxCheckinFailures times in a row.
func (c *Coordinator) Healthy() bool { return c.healthy.Load() }

// HealthChanges delivers the latest health value whenever it flips. Only
// the most recent unread value is kept.
func (c *Coordinator) HealthChanges() <-chan bool { return c.healthChgs }

// Status describes the coordinator for health endpoints.
type Status struct {
	InstanceID          string
	Healthy             bool
	LastCheckin         time.Time
	ConsecutiveFailures int
	LastError           string
}

func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		InstanceID:          c.store.InstanceID(),
		Healthy:             c.healthy.Load(),
		LastCheckin:         c.lastCheck,
		ConsecutiveFailures: c.failures,
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	return st
}

// Run checks in immediately and then every CheckinInterval until ctx is
// cancelled. Failed check-ins are retried sooner, with backoff.
func (c *Coordinator) Run(ctx context.Context) {
	c.logger.Info().
		Str("instance", c.store.InstanceID()).
		Dur("interval", c.config.CheckinInterval).
		Int("missed_threshold", c.config.MissedThreshold).
		Msg("cluster coordinator started")
	if c.metrics != nil {
		c.metrics.CoordinatorHealthy(c.Healthy())
	}

	for {
		delay := c.config.CheckinInterval
		if err := c.CheckIn(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			delay = c.retryDelay()
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.logger.Info().Msg("cluster coordinator stopped")
			return
		case <-timer.C:
		}
	}
	c.logger.Info().Msg("cluster coordinator stopped")
}

func (c *Coordinator) retryDelay() time.Duration {
	c.mu.Lock()
	n := c.failures
	c.mu.Unlock()
	d := c.config.RetryBackoff
	for i := 1; i < n && d < c.config.CheckinInterval; i++ {
		d *= 2
	}
	return min(d, c.config.CheckinInterval)
}

// CheckIn runs one cycle: detect failed instances, record this instance's
// check-in, then recover the failed ones. The first successful cycle also
// recovers this instance's own leftovers from an unclean restart.
func (c *Coordinator) CheckIn(ctx context.Context) error {
	start := c.clock.Now()
	recovered, err := c.checkIn(ctx)
	if c.metrics != nil {
		c.metrics.CheckinCompleted(c.clock.Now().Sub(start), err)
	}
	c.recordResult(err)
	if err != nil {
		c.logger.Warn().Err(err).Msg("cluster check-in failed")
		return err
	}

	if len(recovered) > 0 {
		jobs := 0
		for _, r := range recovered {
			jobs += len(r.Recovered)
		}
		if c.metrics != nil {
			c.metrics.InstancesRecovered(len(recovered), jobs)
		}
		if c.listener != nil {
			c.listener.ClusterRecovered(ctx, recovered)
		}
	}
	return nil
}

func (c *Coordinator) checkIn(ctx context.Context) ([]domain.RecoveryReport, error) {
	c.mu.Lock()
	first := !c.firstDone
	c.mu.Unlock()

	self := c.store.InstanceID()
	instances, owners, err := c.store.ClusterSnapshot(ctx)
	if err != nil {
		return nil, &CoordinationError{Op: "find failed instances", Err: err}
	}
	candidates := c.failedInstances(instances, owners, first)

	if err := c.store.CheckIn(ctx, c.config.CheckinInterval); err != nil {
		return nil, &CoordinationError{Op: "check in", Err: err}
	}

	var reports []domain.RecoveryReport
	if len(candidates) > 0 {
		c.logger.Info().Strs("instances", candidates).Msg("detected failed instances")
		failed := func(st domain.SchedulerInstance) bool {
			if st.InstanceID == self {
				return first
			}
			return c.isStale(st)
		}
		all, err := c.store.RecoverInstances(ctx, failed, first)
		if err != nil {
			return nil, &CoordinationError{Op: "recover instances", Err: err}
		}
		for _, r := range all {
			if r.InstanceID == self && isEmpty(r) {
				continue
			}
			reports = append(reports, r)
		}
	}

	c.mu.Lock()
	c.firstDone = true
	c.mu.Unlock()
	return reports, nil
}

// failedInstances lists instances that look failed without holding locks:
// stale rows, owners of fired records with no row, and, on the first
// check-in, this instance's own previous row.
func (c *Coordinator) failedInstances(instances []domain.SchedulerInstance, owners []string, first bool) []string {
	self := c.store.InstanceID()
	known := make(map[string]bool, len(instances))
	var out []string
	for _, st := range instances {
		known[st.InstanceID] = true
		if st.InstanceID == self {
			if first {
				out = append(out, self)
			}
			continue
		}
		if c.isStale(st) {
			out = append(out, st.InstanceID)
		}
	}
	for _, o := range owners {
		if known[o] {
			continue
		}
		if o == self && !first {
			continue
		}
		out = append(out, o)
	}
	return out
}

func isEmpty(r domain.RecoveryReport) bool {
	return len(r.Recovered) == 0 && len(r.Released) == 0 && len(r.Completed) == 0 && r.Dropped == 0
}

func (c *Coordinator) isStale(st domain.SchedulerInstance) bool {
	interval := st.CheckinInterval
	if interval <= 0 {
		interval = c.config.CheckinInterval
	}
	deadline := st.LastCheckin.Add(interval * time.Duration(c.config.MissedThreshold))
	return deadline.Before(c.clock.Now())
}

func (c *Coordinator) recordResult(err error) {
	c.mu.Lock()
	wasHealthy := c.healthy.Load()
	if err != nil {
		c.failures++
		c.lastErr = err
	} else {
		c.failures = 0
		c.lastErr = nil
		c.lastCheck = c.clock.Now()
	}
	healthy := c.firstDone && c.failures < c.config.MaxCheckinFailures
	c.healthy.Store(healthy)
	failures := c.failures
	c.mu.Unlock()

	if healthy == wasHealthy {
		return
	}
	if healthy {
		c.logger.Info().Msg("cluster coordinator healthy")
	} else {
		c.logger.Error().Err(err).Int("failures", failures).Msg("cluster coordinator unhealthy, pausing trigger acquisition")
	}
	if c.metrics != nil {
		c.metrics.CoordinatorHealthy(healthy)
	}
	select {
	case <-c.healthChgs:
	default:
	}
	c.healthChgs <- healthy
}

// Leave removes this instance's row on clean shutdown.
func (c *Coordinator) Leave(ctx context.Context) error {
	if err := c.store.RemoveInstance(ctx); err != nil {
		return &CoordinationError{Op: "leave", Err: err}
	}
	return nil
}
