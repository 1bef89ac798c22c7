// Package store implements the scheduler's persistent state machine. Every
// operation runs as one unit of work on a Backend while holding the named
// locks it needs, so it is atomic with respect to every other scheduler
// instance sharing the same backend.
package store

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quartznet/quartznet-sub011/internal/clock"
	"github.com/quartznet/quartznet-sub011/internal/domain"
	"github.com/quartznet/quartznet-sub011/internal/lock"
	"github.com/quartznet/quartznet-sub011/internal/misfire"
)

// NonClusteredInstanceID is the instance id used when none is configured.
const NonClusteredInstanceID = "NON_CLUSTERED"

// allGroupsPaused is stored among the paused trigger groups by PauseAll so
// triggers added to new groups start paused too.
const allGroupsPaused = "_$_ALL_GROUPS_PAUSED_$_"

// Signaler receives notifications produced by store operations. They are
// delivered after the operation commits.
type Signaler interface {
	NotifyMisfired(t domain.Trigger)
	// SignalSchedulingChange reports that a trigger may now fire earlier
	// than previously known. candidate is its next fire time, or zero.
	SignalSchedulingChange(candidate time.Time)
	NotifyFinalized(t domain.Trigger)
}

type nopSignaler struct{}

func (nopSignaler) NotifyMisfired(domain.Trigger)    {}
func (nopSignaler) SignalSchedulingChange(time.Time) {}
func (nopSignaler) NotifyFinalized(domain.Trigger)   {}

// Options configures a Store.
type Options struct {
	SchedulerName    string
	InstanceID       string
	Clustered        bool
	MisfireThreshold time.Duration
	Clock            clock.Clock
}

// Store implements the scheduler's persistence operations on top of a
// Backend, taking the trigger and state locks around each unit of work.
type Store struct {
	backend    Backend
	schedName  string
	instanceID string
	clustered  bool
	misfire    misfire.Evaluator
	clock      clock.Clock
	signaler   Signaler
	logger     zerolog.Logger
}

// New creates a Store over backend. An empty InstanceID means the
// non-clustered instance.
func New(backend Backend, opts Options) *Store {
	if opts.InstanceID == "" {
		opts.InstanceID = NonClusteredInstanceID
	}
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	return &Store{
		backend:    backend,
		schedName:  opts.SchedulerName,
		instanceID: opts.InstanceID,
		clustered:  opts.Clustered,
		misfire:    misfire.New(opts.MisfireThreshold),
		clock:      opts.Clock,
		signaler:   nopSignaler{},
		logger:     log.With().Str("component", "store").Logger(),
	}
}

// WithLogger sets the logger.
func (s *Store) WithLogger(l zerolog.Logger) *Store {
	s.logger = l.With().Str("component", "store").Logger()
	return s
}

// SetSignaler installs the receiver of misfire, finalization and
// scheduling-change notifications.
func (s *Store) SetSignaler(sig Signaler) {
	if sig == nil {
		sig = nopSignaler{}
	}
	s.signaler = sig
}

func (s *Store) InstanceID() string              { return s.instanceID }
func (s *Store) Clustered() bool                 { return s.clustered }
func (s *Store) MisfireThreshold() time.Duration { return s.misfire.Threshold }

// Close closes the backend.
func (s *Store) Close() error { return s.backend.Close() }

// events collects notifications raised inside a unit of work.
type events struct {
	misfired  []domain.Trigger
	finalized []domain.Trigger
	changes   []time.Time
}

func (e *events) changed(candidate time.Time) { e.changes = append(e.changes, candidate) }

func (s *Store) flush(ev *events) {
	for _, t := range ev.misfired {
		s.signaler.NotifyMisfired(t)
	}
	for _, t := range ev.finalized {
		s.signaler.NotifyFinalized(t)
	}
	if len(ev.changes) > 0 {
		earliest := ev.changes[0]
		for _, c := range ev.changes[1:] {
			if earliest.IsZero() || (!c.IsZero() && c.Before(earliest)) {
				earliest = c
			}
		}
		s.signaler.SignalSchedulingChange(earliest)
	}
}

var (
	triggerLocks = []string{lock.TriggerAccess}
	stateLocks   = []string{lock.StateAccess}
	allLocks     = []string{lock.StateAccess, lock.TriggerAccess}
)

// execute runs fn in a unit of work holding locks. Errors other than the
// store sentinels are returned as *PersistenceError.
func (s *Store) execute(ctx context.Context, op string, locks []string, fn func(tx Tx, ev *events) error) error {
	tx, err := s.backend.Begin(ctx, locks...)
	if err != nil {
		return &PersistenceError{Op: op, Err: err}
	}

	ev := &events{}
	if err := fn(tx, ev); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warn().Err(rbErr).Str("op", op).Msg("rollback failed")
		}
		return wrap(op, err)
	}
	if err := tx.Commit(); err != nil {
		return &PersistenceError{Op: op, Err: err}
	}

	s.flush(ev)
	return nil
}
