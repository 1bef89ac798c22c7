// Package dispatcher runs fired jobs on a bounded pool of goroutines.
package dispatcher

import (
	"context"
	"errors"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quartznet/quartznet-sub011/internal/domain"
	"github.com/quartznet/quartznet-sub011/internal/job"
	"github.com/quartznet/quartznet-sub011/internal/metrics"
)

var (
	// ErrSaturated is returned by Submit when every slot is busy.
	ErrSaturated = errors.New("execution pool saturated")
	ErrShutdown  = errors.New("dispatcher is shut down")
)

// Completer receives the result of every accepted fire exactly once. err is
// what the job returned, after immediate refires.
type Completer interface {
	Complete(ctx context.Context, b *domain.FiredBundle, ec *job.ExecutionContext, err error)
}

// MetricsSink defines the interface for recording pool metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	ExecutionCompleted(outcome string, duration time.Duration)
	ExecutionsInFlightIncr()
	ExecutionsInFlightDecr()
	PoolRejected()
	JobRefired()
}

// Running describes an execution in progress.
type Running struct {
	FireInstanceID string
	JobKey         domain.JobKey
	TriggerKey     domain.TriggerKey
	FireTime       time.Time
	StartedAt      time.Time
	RefireCount    int
	Recovering     bool
}

type execution struct {
	bundle    *domain.FiredBundle
	ec        *job.ExecutionContext
	cancel    context.CancelCauseFunc
	startedAt time.Time

	mu          sync.Mutex
	refireCount int
}

type Dispatcher struct {
	registry  *job.Registry
	completer Completer
	metrics   MetricsSink // optional, nil = disabled
	logger    zerolog.Logger

	slots chan struct{}

	baseCtx   context.Context
	cancelAll context.CancelCauseFunc

	mu      sync.Mutex
	running map[string]*execution
	closed  bool
	wg      sync.WaitGroup
}

func New(registry *job.Registry, maxConcurrency int, completer Completer) *Dispatcher {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Dispatcher{
		registry:  registry,
		completer: completer,
		logger:    log.With().Str("component", "dispatcher").Logger(),
		slots:     make(chan struct{}, maxConcurrency),
		baseCtx:   ctx,
		cancelAll: cancel,
		running:   make(map[string]*execution),
	}
}

// WithMetrics attaches a metrics sink to the dispatcher.
func (d *Dispatcher) WithMetrics(sink MetricsSink) *Dispatcher {
	d.metrics = sink
	return d
}

func (d *Dispatcher) WithLogger(l zerolog.Logger) *Dispatcher {
	d.logger = l.With().Str("component", "dispatcher").Logger()
	return d
}

// Capacity is the number of slots.
func (d *Dispatcher) Capacity() int { return cap(d.slots) }

// Available is the number of free slots.
func (d *Dispatcher) Available() int { return cap(d.slots) - len(d.slots) }

// WaitForSlot blocks until at least one slot is free and returns the number
// of free slots.
func (d *Dispatcher) WaitForSlot(ctx context.Context) (int, error) {
	for {
		if n := d.Available(); n > 0 {
			return n, nil
		}
		select {
		case d.slots <- struct{}{}:
			<-d.slots
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// Submit starts b on a free slot. The Completer is called when the run
// finishes; it is not called when Submit returns an error.
func (d *Dispatcher) Submit(b *domain.FiredBundle) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrShutdown
	}
	select {
	case d.slots <- struct{}{}:
	default:
		d.mu.Unlock()
		if d.metrics != nil {
			d.metrics.PoolRejected()
		}
		return ErrSaturated
	}

	ctx, cancel := context.WithCancelCause(d.baseCtx)
	ex := &execution{
		bundle:    b,
		ec:        job.NewExecutionContext(b),
		cancel:    cancel,
		startedAt: time.Now(),
	}
	d.running[b.FireInstanceID] = ex
	d.wg.Add(1)
	d.mu.Unlock()

	go d.run(ctx, ex)
	return nil
}

func (d *Dispatcher) run(ctx context.Context, ex *execution) {
	defer d.wg.Done()
	defer func() { <-d.slots }()

	if d.metrics != nil {
		d.metrics.ExecutionsInFlightIncr()
		defer d.metrics.ExecutionsInFlightDecr()
	}

	logger := d.logger.With().
		Str("job", ex.bundle.Job.Key.String()).
		Str("trigger", ex.bundle.Trigger.Key.String()).
		Str("fire_instance_id", ex.bundle.FireInstanceID).
		Logger()

	var (
		err     error
		outcome string
	)
	j, newErr := d.registry.New(ex.ec.JobDetail)
	if newErr != nil {
		logger.Error().Err(newErr).Msg("cannot instantiate job")
		err = job.NewExecutionError(newErr, domain.InstructionSetAllJobTriggersErr)
		outcome = metrics.OutcomeUnknownType
	} else {
		outcome, err = d.execute(ctx, j, ex, logger)
	}

	if d.metrics != nil {
		d.metrics.ExecutionCompleted(outcome, time.Since(ex.startedAt))
	}

	d.mu.Lock()
	delete(d.running, ex.bundle.FireInstanceID)
	d.mu.Unlock()
	ex.cancel(nil)

	d.completer.Complete(context.WithoutCancel(ctx), ex.bundle, ex.ec, err)
}

// execute runs j, repeating in place while it asks to be refired.
func (d *Dispatcher) execute(ctx context.Context, j job.Job, ex *execution, logger zerolog.Logger) (string, error) {
	for {
		err := runJob(ctx, j, ex.ec)

		var panicErr *job.PanicError
		var execErr *job.ExecutionError
		switch {
		case err == nil:
			logger.Debug().Msg("job completed")
			return metrics.OutcomeSuccess, nil
		case errors.As(err, &panicErr):
			logger.Error().Err(err).Msg("job panicked")
			return metrics.OutcomePanicked, err
		case errors.Is(context.Cause(ctx), job.ErrInterrupted):
			logger.Info().Err(err).Msg("job interrupted")
			return metrics.OutcomeInterrupted, err
		case errors.As(err, &execErr) && execErr.Refires() && ctx.Err() == nil:
			ex.mu.Lock()
			ex.refireCount++
			ex.ec.RefireCount = ex.refireCount
			ex.mu.Unlock()
			if d.metrics != nil {
				d.metrics.JobRefired()
			}
			logger.Info().Err(err).Int("refire_count", ex.ec.RefireCount).Msg("job requested immediate refire")
			continue
		default:
			logger.Warn().Err(err).Msg("job failed")
			return metrics.OutcomeFailed, err
		}
	}
}

func runJob(ctx context.Context, j job.Job, ec *job.ExecutionContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Debug().Str("stack", string(debug.Stack())).Msg("job panic stack")
			err = &job.PanicError{Value: r}
		}
	}()
	return j.Execute(ctx, ec)
}

// Interrupt cancels every running execution of key and returns how many
// were signalled.
func (d *Dispatcher) Interrupt(key domain.JobKey) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, ex := range d.running {
		if ex.bundle.Job.Key == key {
			ex.cancel(job.ErrInterrupted)
			n++
		}
	}
	return n
}

// InterruptFire cancels the execution with the given fire instance id.
func (d *Dispatcher) InterruptFire(fireInstanceID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	ex, ok := d.running[fireInstanceID]
	if ok {
		ex.cancel(job.ErrInterrupted)
	}
	return ok
}

// CurrentlyExecuting lists running executions ordered by start time.
func (d *Dispatcher) CurrentlyExecuting() []Running {
	d.mu.Lock()
	out := make([]Running, 0, len(d.running))
	for _, ex := range d.running {
		ex.mu.Lock()
		refires := ex.refireCount
		ex.mu.Unlock()
		out = append(out, Running{
			FireInstanceID: ex.bundle.FireInstanceID,
			JobKey:         ex.bundle.Job.Key,
			TriggerKey:     ex.bundle.Trigger.Key,
			FireTime:       ex.bundle.FireTime,
			StartedAt:      ex.startedAt,
			RefireCount:    refires,
			Recovering:     ex.bundle.Recovering,
		})
	}
	d.mu.Unlock()
	slices.SortFunc(out, func(a, b Running) int { return a.StartedAt.Compare(b.StartedAt) })
	return out
}

// Shutdown stops accepting work. Unless wait is set, running jobs are
// cancelled first. It then waits for runs to finish until ctx is done;
// running jobs are cancelled if ctx expires.
func (d *Dispatcher) Shutdown(ctx context.Context, wait bool) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	if !wait {
		d.cancelAll(ErrShutdown)
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancelAll(ErrShutdown)
		return nil
	case <-ctx.Done():
		d.cancelAll(ErrShutdown)
		d.logger.Warn().Int("running", len(d.CurrentlyExecuting())).Msg("shutdown timed out with jobs still running")
		return ctx.Err()
	}
}
