// Package circuitbreaker stops calls to endpoints that keep failing.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/quartznet/quartznet-sub011/internal/clock"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

type endpoint struct {
	state               State
	consecutiveFailures int
	openedAt            time.Time
}

// Breaker tracks failures per key. After threshold consecutive failures the
// key is open for cooldown, then a single probe is let through.
type Breaker struct {
	mu        sync.Mutex
	endpoints map[string]*endpoint
	threshold int
	cooldown  time.Duration
	clock     clock.Clock
}

func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold < 1 {
		threshold = 1
	}
	return &Breaker{
		endpoints: make(map[string]*endpoint),
		threshold: threshold,
		cooldown:  cooldown,
		clock:     clock.System{},
	}
}

// WithClock replaces the time source.
func (b *Breaker) WithClock(c clock.Clock) *Breaker {
	b.clock = c
	return b
}

// Allow returns ErrCircuitOpen when calls to key should not be made.
func (b *Breaker) Allow(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.endpoints[key]
	if !ok {
		return nil
	}
	switch e.state {
	case StateOpen:
		if b.clock.Now().Sub(e.openedAt) >= b.cooldown {
			e.state = StateHalfOpen
			return nil
		}
		return ErrCircuitOpen
	case StateHalfOpen:
		return ErrCircuitOpen
	default:
		return nil
	}
}

// Record reports the outcome of a call allowed by Allow.
func (b *Breaker) Record(key string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.endpoints[key]
	if err == nil {
		if ok {
			delete(b.endpoints, key)
		}
		return
	}
	if !ok {
		e = &endpoint{}
		b.endpoints[key] = e
	}
	e.consecutiveFailures++
	if e.state == StateHalfOpen || e.consecutiveFailures >= b.threshold {
		e.state = StateOpen
		e.openedAt = b.clock.Now()
	}
}

// State reports the current state of key.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.endpoints[key]; ok {
		return e.state
	}
	return StateClosed
}
