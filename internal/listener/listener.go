// Package listener defines the hooks the scheduler calls around firing.
package listener

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quartznet/quartznet-sub011/internal/domain"
	"github.com/quartznet/quartznet-sub011/internal/job"
)

// Listener observes the scheduler. Hooks run synchronously on the calling
// goroutine and must not block for long.
type Listener interface {
	// BeforeAcquire runs at the start of every acquisition cycle.
	BeforeAcquire(ctx context.Context, noLaterThan time.Time)
	// BeforeFire runs after the store recorded the fire and before the job
	// is handed to the pool.
	BeforeFire(ctx context.Context, b *domain.FiredBundle)
	// AfterComplete runs once per fire after its completion was applied.
	AfterComplete(ctx context.Context, ec *job.ExecutionContext, instr domain.CompletedInstruction, err error)
	Misfired(ctx context.Context, t domain.Trigger)
	// Finalized runs when a trigger will never fire again.
	Finalized(ctx context.Context, t domain.Trigger)
	ClusterRecovered(ctx context.Context, reports []domain.RecoveryReport)
}

// Nop implements Listener with empty hooks. Embed it to implement a subset.
type Nop struct{}

func (Nop) BeforeAcquire(context.Context, time.Time)        {}
func (Nop) BeforeFire(context.Context, *domain.FiredBundle) {}
func (Nop) AfterComplete(context.Context, *job.ExecutionContext, domain.CompletedInstruction, error) {
}
func (Nop) Misfired(context.Context, domain.Trigger)                  {}
func (Nop) Finalized(context.Context, domain.Trigger)                 {}
func (Nop) ClusterRecovered(context.Context, []domain.RecoveryReport) {}

// Multi fans hooks out to several listeners in order. A panicking listener
// is logged and does not affect the others.
type Multi struct {
	listeners []Listener
	logger    zerolog.Logger
}

func NewMulti(ls ...Listener) *Multi {
	return &Multi{
		listeners: ls,
		logger:    log.With().Str("component", "listener").Logger(),
	}
}

func (m *Multi) WithLogger(l zerolog.Logger) *Multi {
	m.logger = l.With().Str("component", "listener").Logger()
	return m
}

// Add appends l.
func (m *Multi) Add(l Listener) {
	m.listeners = append(m.listeners, l)
}

func (m *Multi) Len() int { return len(m.listeners) }

func (m *Multi) each(hook string, fn func(Listener)) {
	for _, l := range m.listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error().Str("hook", hook).Str("listener", fmt.Sprintf("%T", l)).
						Interface("panic", r).Msg("listener panicked")
				}
			}()
			fn(l)
		}()
	}
}

func (m *Multi) BeforeAcquire(ctx context.Context, noLaterThan time.Time) {
	m.each("before_acquire", func(l Listener) { l.BeforeAcquire(ctx, noLaterThan) })
}

func (m *Multi) BeforeFire(ctx context.Context, b *domain.FiredBundle) {
	m.each("before_fire", func(l Listener) { l.BeforeFire(ctx, b) })
}

func (m *Multi) AfterComplete(ctx context.Context, ec *job.ExecutionContext, instr domain.CompletedInstruction, err error) {
	m.each("after_complete", func(l Listener) { l.AfterComplete(ctx, ec, instr, err) })
}

func (m *Multi) Misfired(ctx context.Context, t domain.Trigger) {
	m.each("misfired", func(l Listener) { l.Misfired(ctx, t) })
}

func (m *Multi) Finalized(ctx context.Context, t domain.Trigger) {
	m.each("finalized", func(l Listener) { l.Finalized(ctx, t) })
}

func (m *Multi) ClusterRecovered(ctx context.Context, reports []domain.RecoveryReport) {
	m.each("cluster_recovered", func(l Listener) { l.ClusterRecovered(ctx, reports) })
}
