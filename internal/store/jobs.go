package store

import (
	"context"
	"fmt"
	"slices"

	"github.com/quartznet/quartznet-sub011/internal/domain"
)

// StoreJobAndTrigger stores a new job and its first trigger atomically.
func (s *Store) StoreJobAndTrigger(ctx context.Context, job domain.JobDetail, t domain.Trigger) error {
	return s.execute(ctx, "store job and trigger", triggerLocks, func(tx Tx, _ *events) error {
		if err := s.storeJob(ctx, tx, job, false); err != nil {
			return err
		}
		return s.storeTrigger(ctx, tx, t, &job, false, domain.StateWaiting, false, false)
	})
}

// StoreJob stores job, replacing an existing job with the same key only if
// replace is set.
func (s *Store) StoreJob(ctx context.Context, job domain.JobDetail, replace bool) error {
	return s.execute(ctx, "store job", triggerLocks, func(tx Tx, _ *events) error {
		return s.storeJob(ctx, tx, job, replace)
	})
}

// StoreTrigger stores t for an existing job. A trigger in a paused group
// starts Paused; a trigger of a job that is executing and disallows
// concurrency starts Blocked.
func (s *Store) StoreTrigger(ctx context.Context, t domain.Trigger, replace bool) error {
	return s.execute(ctx, "store trigger", triggerLocks, func(tx Tx, _ *events) error {
		return s.storeTrigger(ctx, tx, t, nil, replace, domain.StateWaiting, false, false)
	})
}

func (s *Store) storeJob(ctx context.Context, tx Tx, job domain.JobDetail, replace bool) error {
	_, exists, err := tx.SelectJob(ctx, job.Key)
	if err != nil {
		return err
	}
	if exists && !replace {
		return fmt.Errorf("%w: job %s", ErrObjectAlreadyExists, job.Key)
	}
	if exists {
		return tx.UpdateJob(ctx, job)
	}
	return tx.InsertJob(ctx, job)
}

func (s *Store) storeTrigger(ctx context.Context, tx Tx, t domain.Trigger, job *domain.JobDetail,
	replace bool, state domain.TriggerState, force, recovering bool) error {
	_, exists, err := tx.SelectTrigger(ctx, t.Key)
	if err != nil {
		return err
	}
	if exists && !replace {
		return fmt.Errorf("%w: trigger %s", ErrObjectAlreadyExists, t.Key)
	}

	if job == nil {
		j, ok, err := tx.SelectJob(ctx, t.JobKey)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s (trigger %s)", ErrJobNotFound, t.JobKey, t.Key)
		}
		job = &j
	}

	if !force {
		paused, err := s.groupPaused(ctx, tx, t.Key.Group)
		if err != nil {
			return err
		}
		if paused {
			switch state {
			case domain.StateWaiting, domain.StateAcquired:
				state = domain.StatePaused
			case domain.StateBlocked:
				state = domain.StatePausedBlocked
			}
		}
		if job.DisallowConcurrent && !recovering {
			if state, err = s.blockedState(ctx, tx, job.Key, state); err != nil {
				return err
			}
		}
	}

	if exists {
		return tx.UpdateTrigger(ctx, t, state)
	}
	return tx.InsertTrigger(ctx, t, state)
}

// groupPaused reports whether group is paused, directly or by PauseAll. A
// group first seen while everything is paused is recorded as paused.
func (s *Store) groupPaused(ctx context.Context, tx Tx, group string) (bool, error) {
	paused, err := tx.IsTriggerGroupPaused(ctx, group)
	if err != nil || paused {
		return paused, err
	}
	all, err := tx.IsTriggerGroupPaused(ctx, allGroupsPaused)
	if err != nil || !all {
		return false, err
	}
	return true, tx.InsertPausedTriggerGroup(ctx, group)
}

// blockedState moves state to its blocked counterpart when job has an
// executing fire.
func (s *Store) blockedState(ctx context.Context, tx Tx, job domain.JobKey, state domain.TriggerState) (domain.TriggerState, error) {
	fired, err := tx.SelectFiredTriggersForJob(ctx, job)
	if err != nil {
		return state, err
	}
	for _, f := range fired {
		if f.State != domain.StateExecuting {
			continue
		}
		switch state {
		case domain.StatePaused:
			return domain.StatePausedBlocked, nil
		case domain.StateWaiting, domain.StateAcquired:
			return domain.StateBlocked, nil
		}
		return state, nil
	}
	return state, nil
}

// RemoveJob deletes job and all its triggers. It reports whether the job
// existed.
func (s *Store) RemoveJob(ctx context.Context, key domain.JobKey) (bool, error) {
	var removed bool
	err := s.execute(ctx, "remove job", triggerLocks, func(tx Tx, _ *events) error {
		triggers, err := tx.SelectTriggersForJob(ctx, key)
		if err != nil {
			return err
		}
		for _, t := range triggers {
			if _, err := tx.DeleteTrigger(ctx, t.Key); err != nil {
				return err
			}
		}
		removed, err = tx.DeleteJob(ctx, key)
		return err
	})
	return removed, err
}

// RemoveTrigger deletes a trigger. A non-durable job left without triggers
// is deleted with it.
func (s *Store) RemoveTrigger(ctx context.Context, key domain.TriggerKey) (bool, error) {
	var removed bool
	err := s.execute(ctx, "remove trigger", triggerLocks, func(tx Tx, _ *events) error {
		var err error
		removed, err = s.removeTrigger(ctx, tx, key)
		return err
	})
	return removed, err
}

func (s *Store) removeTrigger(ctx context.Context, tx Tx, key domain.TriggerKey) (bool, error) {
	t, ok, err := tx.SelectTrigger(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if _, err := tx.DeleteTrigger(ctx, key); err != nil {
		return false, err
	}
	return true, s.removeOrphanedJob(ctx, tx, t.JobKey)
}

func (s *Store) removeOrphanedJob(ctx context.Context, tx Tx, key domain.JobKey) error {
	job, ok, err := tx.SelectJob(ctx, key)
	if err != nil || !ok || job.Durable {
		return err
	}
	remaining, err := tx.SelectTriggersForJob(ctx, key)
	if err != nil || len(remaining) > 0 {
		return err
	}
	_, err = tx.DeleteJob(ctx, key)
	return err
}

// ReplaceTrigger removes the trigger key and stores t in its place. t must
// reference the same job. It reports whether key existed.
func (s *Store) ReplaceTrigger(ctx context.Context, key domain.TriggerKey, t domain.Trigger) (bool, error) {
	var found bool
	err := s.execute(ctx, "replace trigger", triggerLocks, func(tx Tx, _ *events) error {
		old, ok, err := tx.SelectTrigger(ctx, key)
		if err != nil || !ok {
			return err
		}
		found = true
		if t.JobKey != old.JobKey {
			return fmt.Errorf("%w: %s belongs to %s, not %s", ErrJobMismatch, key, old.JobKey, t.JobKey)
		}
		job, ok, err := tx.SelectJob(ctx, old.JobKey)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrJobNotFound, old.JobKey)
		}
		if _, err := tx.DeleteTrigger(ctx, key); err != nil {
			return err
		}
		return s.storeTrigger(ctx, tx, t, &job, false, domain.StateWaiting, false, false)
	})
	return found, err
}

func (s *Store) RetrieveJob(ctx context.Context, key domain.JobKey) (domain.JobDetail, error) {
	var job domain.JobDetail
	err := s.execute(ctx, "retrieve job", nil, func(tx Tx, _ *events) error {
		j, ok, err := tx.SelectJob(ctx, key)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrJobNotFound, key)
		}
		job = j
		return nil
	})
	return job, err
}

func (s *Store) RetrieveTrigger(ctx context.Context, key domain.TriggerKey) (domain.Trigger, error) {
	var t domain.Trigger
	err := s.execute(ctx, "retrieve trigger", nil, func(tx Tx, _ *events) error {
		got, ok, err := tx.SelectTrigger(ctx, key)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrTriggerNotFound, key)
		}
		t = got
		return nil
	})
	return t, err
}

func (s *Store) TriggersForJob(ctx context.Context, key domain.JobKey) ([]domain.Trigger, error) {
	var out []domain.Trigger
	err := s.execute(ctx, "triggers for job", nil, func(tx Tx, _ *events) error {
		var err error
		out, err = tx.SelectTriggersForJob(ctx, key)
		return err
	})
	return out, err
}

// JobKeys lists job keys in group, or all of them for an empty group.
func (s *Store) JobKeys(ctx context.Context, group string) ([]domain.JobKey, error) {
	var out []domain.JobKey
	err := s.execute(ctx, "job keys", nil, func(tx Tx, _ *events) error {
		var err error
		out, err = tx.SelectJobKeys(ctx, group)
		return err
	})
	slices.SortFunc(out, domain.JobKey.Compare)
	return out, err
}

// TriggerKeys lists trigger keys in group, or all of them for an empty
// group.
func (s *Store) TriggerKeys(ctx context.Context, group string) ([]domain.TriggerKey, error) {
	var out []domain.TriggerKey
	err := s.execute(ctx, "trigger keys", nil, func(tx Tx, _ *events) error {
		var err error
		out, err = tx.SelectTriggerKeys(ctx, group)
		return err
	})
	slices.SortFunc(out, domain.TriggerKey.Compare)
	return out, err
}

func (s *Store) JobGroupNames(ctx context.Context) ([]string, error) {
	var out []string
	err := s.execute(ctx, "job groups", nil, func(tx Tx, _ *events) error {
		var err error
		out, err = tx.SelectJobGroups(ctx)
		return err
	})
	slices.Sort(out)
	return out, err
}

func (s *Store) TriggerGroupNames(ctx context.Context) ([]string, error) {
	var out []string
	err := s.execute(ctx, "trigger groups", nil, func(tx Tx, _ *events) error {
		var err error
		out, err = tx.SelectTriggerGroups(ctx)
		return err
	})
	slices.Sort(out)
	return out, err
}

// TriggerState returns the state of a trigger row, or StateNone if it does
// not exist.
func (s *Store) TriggerState(ctx context.Context, key domain.TriggerKey) (domain.TriggerState, error) {
	var state domain.TriggerState
	err := s.execute(ctx, "trigger state", nil, func(tx Tx, _ *events) error {
		var err error
		state, err = tx.SelectTriggerState(ctx, key)
		return err
	})
	return state, err
}

// ResetTriggerFromErrorState moves a trigger in Error back to Waiting, or to
// Paused when its group is paused.
func (s *Store) ResetTriggerFromErrorState(ctx context.Context, key domain.TriggerKey) error {
	return s.execute(ctx, "reset trigger from error", triggerLocks, func(tx Tx, ev *events) error {
		t, ok, err := tx.SelectTrigger(ctx, key)
		if err != nil || !ok || t.State != domain.StateError {
			return err
		}
		state := domain.StateWaiting
		paused, err := s.groupPaused(ctx, tx, key.Group)
		if err != nil {
			return err
		}
		if paused {
			state = domain.StatePaused
		}
		if _, err := tx.UpdateTriggerState(ctx, key, state, domain.StateError); err != nil {
			return err
		}
		ev.changed(t.NextFireTime)
		return nil
	})
}
