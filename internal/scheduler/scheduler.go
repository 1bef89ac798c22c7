// Package scheduler runs the firing loop: it acquires due triggers from
// the store, waits for their fire time, records the fire and hands the job
// to the execution pool. It also exposes the management operations used by
// the HTTP API and the jobs file loader.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/quartznet/quartznet-sub011/internal/clock"
	"github.com/quartznet/quartznet-sub011/internal/dispatcher"
	"github.com/quartznet/quartznet-sub011/internal/domain"
	"github.com/quartznet/quartznet-sub011/internal/job"
	"github.com/quartznet/quartznet-sub011/internal/listener"
	"github.com/quartznet/quartznet-sub011/internal/store"
)

// Store is the persistent state the scheduler drives. *store.Store
// implements it.
type Store interface {
	InstanceID() string
	Clustered() bool
	SetSignaler(sig store.Signaler)
	SchedulerStarted(ctx context.Context) error

	AcquireNextTriggers(ctx context.Context, noLaterThan time.Time, maxCount int, timeWindow time.Duration) ([]domain.Trigger, error)
	ReleaseAcquiredTrigger(ctx context.Context, t domain.Trigger) error
	TriggersFired(ctx context.Context, triggers []domain.Trigger) ([]domain.FireResult, error)
	TriggeredJobComplete(ctx context.Context, t domain.Trigger, job domain.JobDetail, instr domain.CompletedInstruction) error

	StoreJobAndTrigger(ctx context.Context, job domain.JobDetail, t domain.Trigger) error
	StoreJob(ctx context.Context, job domain.JobDetail, replace bool) error
	StoreTrigger(ctx context.Context, t domain.Trigger, replace bool) error
	RemoveJob(ctx context.Context, key domain.JobKey) (bool, error)
	RemoveTrigger(ctx context.Context, key domain.TriggerKey) (bool, error)
	ReplaceTrigger(ctx context.Context, key domain.TriggerKey, t domain.Trigger) (bool, error)
	RetrieveJob(ctx context.Context, key domain.JobKey) (domain.JobDetail, error)
	RetrieveTrigger(ctx context.Context, key domain.TriggerKey) (domain.Trigger, error)
	TriggersForJob(ctx context.Context, key domain.JobKey) ([]domain.Trigger, error)
	JobKeys(ctx context.Context, group string) ([]domain.JobKey, error)
	TriggerKeys(ctx context.Context, group string) ([]domain.TriggerKey, error)
	JobGroupNames(ctx context.Context) ([]string, error)
	TriggerGroupNames(ctx context.Context) ([]string, error)
	TriggerState(ctx context.Context, key domain.TriggerKey) (domain.TriggerState, error)
	ResetTriggerFromErrorState(ctx context.Context, key domain.TriggerKey) error

	PauseTrigger(ctx context.Context, key domain.TriggerKey) error
	PauseTriggerGroup(ctx context.Context, group string) error
	PauseJob(ctx context.Context, key domain.JobKey) error
	PauseJobGroup(ctx context.Context, group string) error
	PauseAll(ctx context.Context) error
	ResumeTrigger(ctx context.Context, key domain.TriggerKey) error
	ResumeTriggerGroup(ctx context.Context, group string) error
	ResumeJob(ctx context.Context, key domain.JobKey) error
	ResumeJobGroup(ctx context.Context, group string) error
	ResumeAll(ctx context.Context) error
	PausedTriggerGroups(ctx context.Context) ([]string, error)

	StoreCalendar(ctx context.Context, name string, cal domain.Calendar, replace, updateTriggers bool) error
	RemoveCalendar(ctx context.Context, name string) (bool, error)
	RetrieveCalendar(ctx context.Context, name string) (domain.Calendar, error)
	CalendarNames(ctx context.Context) ([]string, error)
}

// Coordinator is the cluster membership loop. *cluster.Coordinator
// implements it.
type Coordinator interface {
	CheckIn(ctx context.Context) error
	Run(ctx context.Context)
	Healthy() bool
	HealthChanges() <-chan bool
	Leave(ctx context.Context) error
}

// MetricsSink defines the interface for recording scheduler metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	dispatcher.MetricsSink
	AcquireCompleted(duration time.Duration, acquired int, err error)
	TriggersFired(n int)
	TriggerMisfired()
	FireLatencyObserve(latency time.Duration)
	StoreError(op string)
}

type Config struct {
	// IdleWaitTime is how far ahead triggers are acquired and how long the
	// loop sleeps when nothing is due.
	// Default: 30 seconds.
	IdleWaitTime time.Duration

	// MaxConcurrency is the size of the execution pool.
	// Default: 10.
	MaxConcurrency int

	// BatchSize caps how many triggers one acquisition takes.
	// Default: 1.
	BatchSize int

	// BatchTimeWindow lets one acquisition take triggers due up to this
	// long after the first one.
	BatchTimeWindow time.Duration

	// RetryInterval is the first delay after a failed store operation; it
	// doubles per consecutive failure up to MaxRetryInterval.
	// Defaults: 1 second, 30 seconds.
	RetryInterval    time.Duration
	MaxRetryInterval time.Duration
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		IdleWaitTime:     30 * time.Second,
		MaxConcurrency:   10,
		BatchSize:        1,
		RetryInterval:    time.Second,
		MaxRetryInterval: 30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.IdleWaitTime <= 0 {
		c.IdleWaitTime = d.IdleWaitTime
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = d.MaxConcurrency
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = d.RetryInterval
	}
	if c.MaxRetryInterval < c.RetryInterval {
		c.MaxRetryInterval = max(d.MaxRetryInterval, c.RetryInterval)
	}
	return c
}

const (
	// fireTolerance is how close to its fire time a trigger is fired
	// without further waiting.
	fireTolerance = 2 * time.Millisecond
	// minReleaseLead is the minimum time before the batch's fire time for
	// which an earlier trigger is worth releasing the batch.
	minReleaseLead = 70 * time.Millisecond
	// maxWaitSlice bounds a single sleep so clock jumps are noticed.
	maxWaitSlice = time.Second
)

type Scheduler struct {
	config      Config
	store       Store
	registry    *job.Registry
	dispatcher  *dispatcher.Dispatcher
	coordinator Coordinator // optional, nil = not clustered
	listeners   *listener.Multi
	metrics     MetricsSink // optional, nil = disabled
	clock       clock.Clock
	logger      zerolog.Logger
	failureLog  *rate.Limiter
	signal      *changeSignal

	// stopCtx bounds completion retries; it is cancelled when Shutdown
	// returns.
	stopCtx context.Context
	stop    context.CancelFunc

	mu         sync.Mutex
	started    bool
	shutdown   bool
	standby    bool
	resume     chan struct{}
	cancelLoop context.CancelFunc
	loopDone   chan struct{}
	coordDone  chan struct{}
}

func New(config Config, st Store, registry *job.Registry) *Scheduler {
	config = config.withDefaults()
	stopCtx, stop := context.WithCancel(context.Background())
	s := &Scheduler{
		config:     config,
		store:      st,
		registry:   registry,
		listeners:  listener.NewMulti(),
		clock:      clock.System{},
		logger:     log.With().Str("component", "scheduler").Logger(),
		failureLog: rate.NewLimiter(rate.Every(10*time.Second), 1),
		signal:     newChangeSignal(),
		stopCtx:    stopCtx,
		stop:       stop,
		resume:     make(chan struct{}),
	}
	s.dispatcher = dispatcher.New(registry, config.MaxConcurrency, s)
	st.SetSignaler(s)
	return s
}

// WithMetrics attaches a metrics sink to the scheduler and its pool.
func (s *Scheduler) WithMetrics(sink MetricsSink) *Scheduler {
	s.metrics = sink
	s.dispatcher.WithMetrics(sink)
	return s
}

func (s *Scheduler) WithLogger(l zerolog.Logger) *Scheduler {
	s.logger = l.With().Str("component", "scheduler").Logger()
	s.dispatcher.WithLogger(l)
	s.listeners.WithLogger(l)
	return s
}

func (s *Scheduler) WithClock(c clock.Clock) *Scheduler {
	s.clock = c
	return s
}

// WithCoordinator enables cluster membership. Acquisition pauses while the
// coordinator is unhealthy.
func (s *Scheduler) WithCoordinator(c Coordinator) *Scheduler {
	s.coordinator = c
	return s
}

// AddListener registers l for every hook.
func (s *Scheduler) AddListener(l listener.Listener) {
	s.listeners.Add(l)
}

// Listeners returns the hook fan-out, for components that report recovery.
func (s *Scheduler) Listeners() *listener.Multi { return s.listeners }

// Start recovers leftover state, joins the cluster and starts the loop. On
// a started scheduler it leaves standby.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return ErrShutdown
	}
	s.leaveStandbyLocked()
	if s.started {
		s.mu.Unlock()
		s.signalChange(time.Time{})
		return nil
	}
	s.started = true
	s.mu.Unlock()

	if err := s.store.SchedulerStarted(ctx); err != nil {
		s.mu.Lock()
		s.started = false
		s.mu.Unlock()
		return fmt.Errorf("scheduler start: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancelLoop = cancel
	s.loopDone = make(chan struct{})
	if s.coordinator != nil {
		s.coordDone = make(chan struct{})
	}
	s.mu.Unlock()

	if s.coordinator != nil {
		if err := s.coordinator.CheckIn(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("initial cluster check-in failed")
		}
		go func() {
			defer close(s.coordDone)
			s.coordinator.Run(loopCtx)
		}()
	}
	go s.run(loopCtx)

	s.logger.Info().
		Str("instance", s.store.InstanceID()).
		Bool("clustered", s.store.Clustered()).
		Int("max_concurrency", s.config.MaxConcurrency).
		Dur("idle_wait", s.config.IdleWaitTime).
		Msg("scheduler started")
	return nil
}

func (s *Scheduler) leaveStandbyLocked() {
	if s.standby {
		s.standby = false
		close(s.resume)
	}
}

// Standby stops acquiring triggers until Start is called again. Running
// jobs and triggers already acquired are not affected.
func (s *Scheduler) Standby() {
	s.mu.Lock()
	if !s.standby {
		s.standby = true
		s.resume = make(chan struct{})
	}
	s.mu.Unlock()
	s.signalChange(time.Time{})
	s.logger.Info().Msg("scheduler in standby")
}

// Shutdown stops the loop, then shuts the pool down: with waitForJobs it
// lets running jobs finish, otherwise it cancels them. It returns when the
// pool is empty or ctx is done. A shut down scheduler cannot be restarted.
func (s *Scheduler) Shutdown(ctx context.Context, waitForJobs bool) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	cancel, loopDone, coordDone := s.cancelLoop, s.loopDone, s.coordDone
	s.leaveStandbyLocked()
	s.mu.Unlock()
	defer s.stop()

	s.logger.Info().Bool("wait_for_jobs", waitForJobs).Msg("scheduler shutting down")
	if cancel != nil {
		cancel()
		<-loopDone
	}

	err := s.dispatcher.Shutdown(ctx, waitForJobs)

	if coordDone != nil {
		<-coordDone
		leaveCtx, leaveCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if lerr := s.coordinator.Leave(leaveCtx); lerr != nil {
			s.logger.Warn().Err(lerr).Msg("failed to leave cluster")
		}
		leaveCancel()
	}

	s.logger.Info().Msg("scheduler shut down")
	return err
}

// Status describes the scheduler.
type Status struct {
	InstanceID string
	Clustered  bool
	Started    bool
	Standby    bool
	Shutdown   bool
	Healthy    bool
	PoolSize   int
	Running    int
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	st := Status{
		InstanceID: s.store.InstanceID(),
		Clustered:  s.store.Clustered(),
		Started:    s.started,
		Standby:    s.standby,
		Shutdown:   s.shutdown,
		Healthy:    s.coordinator == nil || s.coordinator.Healthy(),
		PoolSize:   s.dispatcher.Capacity(),
	}
	s.mu.Unlock()
	st.Running = len(s.dispatcher.CurrentlyExecuting())
	return st
}

// NotifyMisfired implements store.Signaler.
func (s *Scheduler) NotifyMisfired(t domain.Trigger) {
	if s.metrics != nil {
		s.metrics.TriggerMisfired()
	}
	s.logger.Info().Str("trigger", t.Key.String()).Time("next_fire", t.NextFireTime).Msg("trigger misfired")
	s.listeners.Misfired(s.stopCtx, t)
}

// NotifyFinalized implements store.Signaler.
func (s *Scheduler) NotifyFinalized(t domain.Trigger) {
	s.listeners.Finalized(s.stopCtx, t)
}

// SignalSchedulingChange implements store.Signaler.
func (s *Scheduler) SignalSchedulingChange(candidate time.Time) {
	s.signalChange(candidate)
}

func (s *Scheduler) signalChange(candidate time.Time) {
	s.signal.raise(candidate)
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.loopDone)
	failures := 0

	for {
		if !s.waitRunnable(ctx) {
			return
		}
		if _, err := s.dispatcher.WaitForSlot(ctx); err != nil {
			return
		}
		if !s.waitRunnable(ctx) {
			return
		}

		now := s.clock.Now()
		s.signal.clear()
		noLaterThan := now.Add(s.config.IdleWaitTime)
		s.listeners.BeforeAcquire(ctx, noLaterThan)

		maxCount := min(s.dispatcher.Available(), s.config.BatchSize)
		start := time.Now()
		triggers, err := s.store.AcquireNextTriggers(ctx, noLaterThan, maxCount, s.config.BatchTimeWindow)
		if s.metrics != nil {
			s.metrics.AcquireCompleted(time.Since(start), len(triggers), err)
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			s.storeFailure("acquire next triggers", err, failures)
			if !sleepCtx(ctx, s.retryDelay(failures)) {
				return
			}
			continue
		}
		failures = 0

		if len(triggers) == 0 {
			s.idle(ctx)
			continue
		}
		if !s.waitForFireTime(ctx, triggers) {
			continue
		}
		s.fire(ctx, triggers)
	}
}

// waitRunnable blocks while the scheduler is in standby or the cluster
// coordinator is unhealthy. It returns false when ctx is done.
func (s *Scheduler) waitRunnable(ctx context.Context) bool {
	for {
		if ctx.Err() != nil {
			return false
		}
		s.mu.Lock()
		standby, resume := s.standby, s.resume
		s.mu.Unlock()
		if standby {
			select {
			case <-resume:
			case <-ctx.Done():
				return false
			}
			continue
		}

		if s.coordinator == nil || s.coordinator.Healthy() {
			return true
		}
		if s.failureLog.Allow() {
			s.logger.Warn().Msg("cluster coordinator unhealthy, not acquiring triggers")
		}
		timer := time.NewTimer(s.config.IdleWaitTime)
		select {
		case <-s.coordinator.HealthChanges():
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return false
		}
		timer.Stop()
	}
}

// idle sleeps for the idle wait time minus up to 20% jitter, or until the
// scheduling changes.
func (s *Scheduler) idle(ctx context.Context) {
	wait := s.config.IdleWaitTime
	if spread := int64(wait / 5); spread > 0 {
		wait -= time.Duration(rand.Int64N(spread))
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	case <-s.signal.C():
	}
}

// waitForFireTime sleeps until the first acquired trigger is due. When a
// trigger that fires sufficiently earlier is scheduled meanwhile, when the
// clock moves backwards, or when ctx is done, the batch is released and
// false is returned.
func (s *Scheduler) waitForFireTime(ctx context.Context, triggers []domain.Trigger) bool {
	first := triggers[0].NextFireTime
	prev := s.clock.Now()
	for {
		now := s.clock.Now()
		if now.Before(prev) {
			s.logger.Warn().Dur("jump", prev.Sub(now)).Msg("clock moved backwards, releasing acquired triggers")
			s.releaseAll(ctx, triggers)
			return false
		}
		prev = now

		until := first.Sub(now)
		if until <= fireTolerance {
			return true
		}
		if s.earlierTriggerScheduled(first, now) {
			s.logger.Debug().Time("batch_fire_time", first).Msg("earlier trigger scheduled, releasing batch")
			s.releaseAll(ctx, triggers)
			return false
		}

		timer := time.NewTimer(min(until, maxWaitSlice))
		select {
		case <-ctx.Done():
			timer.Stop()
			s.releaseAll(ctx, triggers)
			return false
		case <-timer.C:
		case <-s.signal.C():
			timer.Stop()
		}
	}
}

func (s *Scheduler) earlierTriggerScheduled(first, now time.Time) bool {
	candidate, pending := s.signal.peek()
	if !pending {
		return false
	}
	earlier := candidate.IsZero() || candidate.Before(first)
	if earlier && first.Sub(now) < minReleaseLead {
		earlier = false
	}
	if earlier {
		s.signal.clear()
	}
	return earlier
}

func (s *Scheduler) releaseAll(ctx context.Context, triggers []domain.Trigger) {
	ctx = context.WithoutCancel(ctx)
	for _, t := range triggers {
		if err := s.store.ReleaseAcquiredTrigger(ctx, t); err != nil {
			s.storeFailure("release acquired trigger", err, 1)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, triggers []domain.Trigger) {
	results, err := s.store.TriggersFired(ctx, triggers)
	if err != nil {
		s.storeFailure("triggers fired", err, 1)
		s.releaseAll(ctx, triggers)
		return
	}

	fired := 0
	for _, res := range results {
		if res.Err != nil {
			s.logger.Warn().Err(res.Err).Str("trigger", res.Trigger.Key.String()).Msg("trigger could not fire")
			continue
		}
		if res.Bundle == nil {
			continue
		}
		b := res.Bundle
		fired++
		if s.metrics != nil {
			s.metrics.FireLatencyObserve(b.FireTime.Sub(b.ScheduledFireTime))
		}
		s.listeners.BeforeFire(ctx, b)

		if err := s.dispatcher.Submit(b); err != nil {
			s.reject(ctx, b, err)
		}
	}
	if s.metrics != nil {
		s.metrics.TriggersFired(fired)
	}
}

// reject completes a fire the execution pool refused. The job's triggers go
// to Error and listeners see the refusal as a failed run.
func (s *Scheduler) reject(ctx context.Context, b *domain.FiredBundle, err error) {
	s.logger.Error().Err(err).
		Str("job", b.Job.Key.String()).
		Str("trigger", b.Trigger.Key.String()).
		Msg("execution pool refused job, setting its triggers to error")
	ec := job.NewExecutionContext(b)
	s.Complete(context.WithoutCancel(ctx), b, ec, job.NewExecutionError(err, domain.InstructionSetAllJobTriggersErr))
}

// Complete implements dispatcher.Completer.
func (s *Scheduler) Complete(ctx context.Context, b *domain.FiredBundle, ec *job.ExecutionContext, err error) {
	instr := job.Instruction(b.Trigger, err)
	detail := b.Job
	if detail.PersistDataAfterExecution {
		detail.Data = ec.JobDetail.Data
	}
	s.complete(b.Trigger, detail, instr)
	s.listeners.AfterComplete(ctx, ec, instr, err)
}

// complete records a finished fire, retrying persistence failures until it
// succeeds or the scheduler is shut down.
func (s *Scheduler) complete(t domain.Trigger, detail domain.JobDetail, instr domain.CompletedInstruction) {
	for attempt := 1; ; attempt++ {
		err := s.store.TriggeredJobComplete(s.stopCtx, t, detail, instr)
		if err == nil {
			return
		}
		if !store.IsPersistence(err) || errors.Is(err, context.Canceled) {
			s.logger.Error().Err(err).Str("trigger", t.Key.String()).Msg("failed to complete fire")
			return
		}
		s.storeFailure("triggered job complete", err, attempt)
		if !sleepCtx(s.stopCtx, s.retryDelay(attempt)) {
			s.logger.Error().Str("trigger", t.Key.String()).Msg("gave up completing fire at shutdown")
			return
		}
	}
}

func (s *Scheduler) storeFailure(op string, err error, failures int) {
	if s.metrics != nil {
		s.metrics.StoreError(op)
	}
	if s.failureLog.Allow() {
		s.logger.Error().Err(err).Str("op", op).Int("failures", failures).Msg("store operation failed")
		return
	}
	s.logger.Debug().Err(err).Str("op", op).Int("failures", failures).Msg("store operation failed")
}

func (s *Scheduler) retryDelay(failures int) time.Duration {
	d := s.config.RetryInterval
	for i := 1; i < failures && d < s.config.MaxRetryInterval; i++ {
		d *= 2
	}
	return min(d, s.config.MaxRetryInterval)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
