package memory

import (
	"context"
	"errors"
	"time"

	"github.com/quartznet/quartznet-sub011/internal/domain"
)

var errTxDone = errors.New("memory: transaction already finished")

type tx struct {
	b    *Backend
	undo []func()
	done bool
}

func (t *tx) finish() error {
	if t.done {
		return errTxDone
	}
	t.done = true
	<-t.b.sem
	return nil
}

func (t *tx) Commit() error {
	t.undo = nil
	return t.finish()
}

func (t *tx) Rollback() error {
	if t.done {
		return errTxDone
	}
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
	return t.finish()
}

// set writes (or deletes) m[k] and records how to undo it.
func set[K comparable, V any](t *tx, m map[K]V, k K, v V, del bool) {
	old, had := m[k]
	t.undo = append(t.undo, func() {
		if had {
			m[k] = old
		} else {
			delete(m, k)
		}
	})
	if del {
		delete(m, k)
	} else {
		m[k] = v
	}
}

func (t *tx) setTrigger(key domain.TriggerKey, v domain.Trigger, present bool) {
	old, had := t.b.triggers[key]
	t.undo = append(t.undo, func() { t.b.setTriggerRaw(key, old, had) })
	t.b.setTriggerRaw(key, v, present)
}

func (t *tx) InsertJob(_ context.Context, job domain.JobDetail) error {
	set(t, t.b.jobs, job.Key, job.Clone(), false)
	return nil
}

func (t *tx) UpdateJob(_ context.Context, job domain.JobDetail) error {
	set(t, t.b.jobs, job.Key, job.Clone(), false)
	return nil
}

func (t *tx) UpdateJobData(_ context.Context, key domain.JobKey, data domain.JobDataMap) error {
	job, ok := t.b.jobs[key]
	if !ok {
		return nil
	}
	job.Data = data.Clone()
	set(t, t.b.jobs, key, job, false)
	return nil
}

func (t *tx) SelectJob(_ context.Context, key domain.JobKey) (domain.JobDetail, bool, error) {
	job, ok := t.b.jobs[key]
	return job.Clone(), ok, nil
}

func (t *tx) DeleteJob(_ context.Context, key domain.JobKey) (bool, error) {
	_, ok := t.b.jobs[key]
	if ok {
		set(t, t.b.jobs, key, domain.JobDetail{}, true)
	}
	return ok, nil
}

func (t *tx) SelectJobKeys(_ context.Context, group string) ([]domain.JobKey, error) {
	var out []domain.JobKey
	for k := range t.b.jobs {
		if group == "" || k.Group == group {
			out = append(out, k)
		}
	}
	return out, nil
}

func (t *tx) SelectJobGroups(_ context.Context) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for k := range t.b.jobs {
		if !seen[k.Group] {
			seen[k.Group] = true
			out = append(out, k.Group)
		}
	}
	return out, nil
}

func (t *tx) InsertTrigger(_ context.Context, tr domain.Trigger, state domain.TriggerState) error {
	tr = tr.Clone()
	tr.State = state
	tr.FireInstanceID = ""
	t.setTrigger(tr.Key, tr, true)
	return nil
}

func (t *tx) UpdateTrigger(ctx context.Context, tr domain.Trigger, state domain.TriggerState) error {
	return t.InsertTrigger(ctx, tr, state)
}

func (t *tx) SelectTrigger(_ context.Context, key domain.TriggerKey) (domain.Trigger, bool, error) {
	tr, ok := t.b.triggers[key]
	return tr.Clone(), ok, nil
}

func (t *tx) DeleteTrigger(_ context.Context, key domain.TriggerKey) (bool, error) {
	_, ok := t.b.triggers[key]
	if ok {
		t.setTrigger(key, domain.Trigger{}, false)
	}
	return ok, nil
}

func (t *tx) SelectTriggerState(_ context.Context, key domain.TriggerKey) (domain.TriggerState, error) {
	return t.b.triggers[key].State, nil
}

func (t *tx) updateState(match func(domain.Trigger) bool, state domain.TriggerState, old []domain.TriggerState) int {
	var keys []domain.TriggerKey
	for k, tr := range t.b.triggers {
		if match(tr) && inStates(tr.State, old) {
			keys = append(keys, k)
		}
	}
	for _, k := range keys {
		tr := t.b.triggers[k]
		tr.State = state
		t.setTrigger(k, tr, true)
	}
	return len(keys)
}

func (t *tx) UpdateTriggerState(_ context.Context, key domain.TriggerKey, state domain.TriggerState, old ...domain.TriggerState) (int, error) {
	tr, ok := t.b.triggers[key]
	if !ok || !inStates(tr.State, old) {
		return 0, nil
	}
	tr.State = state
	t.setTrigger(key, tr, true)
	return 1, nil
}

func (t *tx) UpdateJobTriggerStates(_ context.Context, job domain.JobKey, state domain.TriggerState, old ...domain.TriggerState) (int, error) {
	return t.updateState(func(tr domain.Trigger) bool { return tr.JobKey == job }, state, old), nil
}

func (t *tx) UpdateGroupTriggerStates(_ context.Context, group string, state domain.TriggerState, old ...domain.TriggerState) (int, error) {
	return t.updateState(func(tr domain.Trigger) bool { return tr.Key.Group == group }, state, old), nil
}

func (t *tx) UpdateAllTriggerStates(_ context.Context, state domain.TriggerState, old ...domain.TriggerState) (int, error) {
	return t.updateState(func(domain.Trigger) bool { return true }, state, old), nil
}

func (t *tx) selectTriggers(match func(domain.Trigger) bool) []domain.Trigger {
	var out []domain.Trigger
	for _, tr := range t.b.triggers {
		if match(tr) {
			out = append(out, tr.Clone())
		}
	}
	return out
}

func (t *tx) SelectTriggersForJob(_ context.Context, job domain.JobKey) ([]domain.Trigger, error) {
	return t.selectTriggers(func(tr domain.Trigger) bool { return tr.JobKey == job }), nil
}

func (t *tx) SelectTriggersForCalendar(_ context.Context, name string) ([]domain.Trigger, error) {
	return t.selectTriggers(func(tr domain.Trigger) bool { return tr.CalendarName == name }), nil
}

func (t *tx) SelectTriggerKeys(_ context.Context, group string) ([]domain.TriggerKey, error) {
	var out []domain.TriggerKey
	for k := range t.b.triggers {
		if group == "" || k.Group == group {
			out = append(out, k)
		}
	}
	return out, nil
}

func (t *tx) SelectTriggerGroups(_ context.Context) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for k := range t.b.triggers {
		if !seen[k.Group] {
			seen[k.Group] = true
			out = append(out, k.Group)
		}
	}
	return out, nil
}

func (t *tx) SelectTriggerKeysInState(_ context.Context, state domain.TriggerState) ([]domain.TriggerKey, error) {
	var out []domain.TriggerKey
	for k, tr := range t.b.triggers {
		if tr.State == state {
			out = append(out, k)
		}
	}
	return out, nil
}

func (t *tx) SelectTriggersToAcquire(_ context.Context, noLaterThan time.Time, limit int) ([]domain.TriggerKey, error) {
	var out []domain.TriggerKey
	t.b.waiting.Ascend(func(it waitingItem) bool {
		if it.next.After(noLaterThan) || len(out) >= limit {
			return false
		}
		out = append(out, it.key)
		return true
	})
	return out, nil
}

func (t *tx) InsertFiredTrigger(_ context.Context, f domain.FiredTrigger) error {
	set(t, t.b.fired, f.FireInstanceID, f, false)
	return nil
}

func (t *tx) UpdateFiredTrigger(_ context.Context, f domain.FiredTrigger) error {
	set(t, t.b.fired, f.FireInstanceID, f, false)
	return nil
}

func (t *tx) SelectFiredTrigger(_ context.Context, id string) (domain.FiredTrigger, bool, error) {
	f, ok := t.b.fired[id]
	return f, ok, nil
}

func (t *tx) SelectFiredTriggersForJob(_ context.Context, job domain.JobKey) ([]domain.FiredTrigger, error) {
	var out []domain.FiredTrigger
	for _, f := range t.b.fired {
		if f.JobKey == job {
			out = append(out, f)
		}
	}
	return out, nil
}

func (t *tx) SelectFiredTriggersForInstance(_ context.Context, instanceID string) ([]domain.FiredTrigger, error) {
	var out []domain.FiredTrigger
	for _, f := range t.b.fired {
		if f.InstanceID == instanceID {
			out = append(out, f)
		}
	}
	return out, nil
}

func (t *tx) SelectFiredTriggerInstances(_ context.Context) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, f := range t.b.fired {
		if !seen[f.InstanceID] {
			seen[f.InstanceID] = true
			out = append(out, f.InstanceID)
		}
	}
	return out, nil
}

func (t *tx) DeleteFiredTrigger(_ context.Context, id string) error {
	if _, ok := t.b.fired[id]; ok {
		set(t, t.b.fired, id, domain.FiredTrigger{}, true)
	}
	return nil
}

func (t *tx) UpsertCalendar(_ context.Context, name string, cal domain.Calendar) error {
	set(t, t.b.calendars, name, cloneCalendar(cal), false)
	return nil
}

func (t *tx) SelectCalendar(_ context.Context, name string) (domain.Calendar, bool, error) {
	cal, ok := t.b.calendars[name]
	return cal, ok, nil
}

func (t *tx) DeleteCalendar(_ context.Context, name string) (bool, error) {
	_, ok := t.b.calendars[name]
	if ok {
		set(t, t.b.calendars, name, nil, true)
	}
	return ok, nil
}

func (t *tx) SelectCalendarNames(_ context.Context) ([]string, error) {
	out := make([]string, 0, len(t.b.calendars))
	for name := range t.b.calendars {
		out = append(out, name)
	}
	return out, nil
}

func (t *tx) InsertPausedTriggerGroup(_ context.Context, group string) error {
	set(t, t.b.pausedGroups, group, struct{}{}, false)
	return nil
}

func (t *tx) DeletePausedTriggerGroup(_ context.Context, group string) error {
	if _, ok := t.b.pausedGroups[group]; ok {
		set(t, t.b.pausedGroups, group, struct{}{}, true)
	}
	return nil
}

func (t *tx) IsTriggerGroupPaused(_ context.Context, group string) (bool, error) {
	_, ok := t.b.pausedGroups[group]
	return ok, nil
}

func (t *tx) SelectPausedTriggerGroups(_ context.Context) ([]string, error) {
	out := make([]string, 0, len(t.b.pausedGroups))
	for g := range t.b.pausedGroups {
		out = append(out, g)
	}
	return out, nil
}

func (t *tx) UpsertSchedulerState(_ context.Context, inst domain.SchedulerInstance) error {
	set(t, t.b.states, inst.InstanceID, inst, false)
	return nil
}

func (t *tx) SelectSchedulerStates(_ context.Context) ([]domain.SchedulerInstance, error) {
	out := make([]domain.SchedulerInstance, 0, len(t.b.states))
	for _, s := range t.b.states {
		out = append(out, s)
	}
	return out, nil
}

func (t *tx) DeleteSchedulerState(_ context.Context, instanceID string) error {
	if _, ok := t.b.states[instanceID]; ok {
		set(t, t.b.states, instanceID, domain.SchedulerInstance{}, true)
	}
	return nil
}
