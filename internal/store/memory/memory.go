// Package memory is an in-process store backend. All state lives in maps
// guarded by one coarse lock that every unit of work holds until it commits
// or rolls back, so lock names are not distinguished. Several store.Store
// values sharing one Backend behave like scheduler instances sharing a
// database.
package memory

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/google/btree"

	"github.com/quartznet/quartznet-sub011/internal/calendar"
	"github.com/quartznet/quartznet-sub011/internal/domain"
	"github.com/quartznet/quartznet-sub011/internal/store"
)

var ErrClosed = errors.New("memory store closed")

// waitingItem orders Waiting triggers for acquisition.
type waitingItem struct {
	next     time.Time
	priority int
	key      domain.TriggerKey
}

func lessWaiting(a, b waitingItem) bool {
	if !a.next.Equal(b.next) {
		return a.next.Before(b.next)
	}
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	return a.key.Compare(b.key) < 0
}

type Backend struct {
	sem    chan struct{}
	closed bool

	jobs         map[domain.JobKey]domain.JobDetail
	triggers     map[domain.TriggerKey]domain.Trigger
	waiting      *btree.BTreeG[waitingItem]
	fired        map[string]domain.FiredTrigger
	calendars    map[string]domain.Calendar
	pausedGroups map[string]struct{}
	states       map[string]domain.SchedulerInstance
}

func New() *Backend {
	return &Backend{
		sem:          make(chan struct{}, 1),
		jobs:         make(map[domain.JobKey]domain.JobDetail),
		triggers:     make(map[domain.TriggerKey]domain.Trigger),
		waiting:      btree.NewG(16, lessWaiting),
		fired:        make(map[string]domain.FiredTrigger),
		calendars:    make(map[string]domain.Calendar),
		pausedGroups: make(map[string]struct{}),
		states:       make(map[string]domain.SchedulerInstance),
	}
}

// Begin waits for the backend lock. The lock names are ignored.
func (b *Backend) Begin(ctx context.Context, _ ...string) (store.Tx, error) {
	select {
	case b.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if b.closed {
		<-b.sem
		return nil, ErrClosed
	}
	return &tx{b: b}, nil
}

func (b *Backend) Close() error {
	b.sem <- struct{}{}
	b.closed = true
	<-b.sem
	return nil
}

// setTriggerRaw writes or removes a trigger and keeps the waiting index in
// step.
func (b *Backend) setTriggerRaw(key domain.TriggerKey, t domain.Trigger, present bool) {
	if old, ok := b.triggers[key]; ok && old.State == domain.StateWaiting {
		b.waiting.Delete(waitingItem{next: old.NextFireTime, priority: old.Priority, key: key})
	}
	if !present {
		delete(b.triggers, key)
		return
	}
	b.triggers[key] = t
	if t.State == domain.StateWaiting && !t.NextFireTime.IsZero() {
		b.waiting.ReplaceOrInsert(waitingItem{next: t.NextFireTime, priority: t.Priority, key: key})
	}
}

func cloneCalendar(cal domain.Calendar) domain.Calendar {
	data, err := calendar.Marshal(cal)
	if err != nil {
		return cal
	}
	c, err := calendar.Unmarshal(data)
	if err != nil {
		return cal
	}
	return c
}

func inStates(s domain.TriggerState, states []domain.TriggerState) bool {
	return len(states) == 0 || slices.Contains(states, s)
}
