package store

import (
	"context"
	"slices"

	"github.com/quartznet/quartznet-sub011/internal/domain"
)

// PauseTrigger moves a Waiting or Acquired trigger to Paused and a Blocked
// one to PausedBlocked.
func (s *Store) PauseTrigger(ctx context.Context, key domain.TriggerKey) error {
	return s.execute(ctx, "pause trigger", triggerLocks, func(tx Tx, _ *events) error {
		return s.pauseTrigger(ctx, tx, key)
	})
}

func (s *Store) pauseTrigger(ctx context.Context, tx Tx, key domain.TriggerKey) error {
	if _, err := tx.UpdateTriggerState(ctx, key, domain.StatePaused, domain.StateWaiting, domain.StateAcquired); err != nil {
		return err
	}
	_, err := tx.UpdateTriggerState(ctx, key, domain.StatePausedBlocked, domain.StateBlocked)
	return err
}

// PauseTriggerGroup pauses every trigger in group and remembers the group
// as paused so triggers added to it later start paused.
func (s *Store) PauseTriggerGroup(ctx context.Context, group string) error {
	return s.execute(ctx, "pause trigger group", triggerLocks, func(tx Tx, _ *events) error {
		return s.pauseTriggerGroup(ctx, tx, group)
	})
}

func (s *Store) pauseTriggerGroup(ctx context.Context, tx Tx, group string) error {
	if _, err := tx.UpdateGroupTriggerStates(ctx, group, domain.StatePaused, domain.StateWaiting, domain.StateAcquired); err != nil {
		return err
	}
	if _, err := tx.UpdateGroupTriggerStates(ctx, group, domain.StatePausedBlocked, domain.StateBlocked); err != nil {
		return err
	}
	paused, err := tx.IsTriggerGroupPaused(ctx, group)
	if err != nil || paused {
		return err
	}
	return tx.InsertPausedTriggerGroup(ctx, group)
}

// PauseJob pauses every trigger of job.
func (s *Store) PauseJob(ctx context.Context, key domain.JobKey) error {
	return s.execute(ctx, "pause job", triggerLocks, func(tx Tx, _ *events) error {
		return s.pauseJob(ctx, tx, key)
	})
}

func (s *Store) pauseJob(ctx context.Context, tx Tx, key domain.JobKey) error {
	triggers, err := tx.SelectTriggersForJob(ctx, key)
	if err != nil {
		return err
	}
	for _, t := range triggers {
		if err := s.pauseTrigger(ctx, tx, t.Key); err != nil {
			return err
		}
	}
	return nil
}

// PauseJobGroup pauses the triggers of every job in group.
func (s *Store) PauseJobGroup(ctx context.Context, group string) error {
	return s.execute(ctx, "pause job group", triggerLocks, func(tx Tx, _ *events) error {
		keys, err := tx.SelectJobKeys(ctx, group)
		if err != nil {
			return err
		}
		for _, k := range keys {
			if err := s.pauseJob(ctx, tx, k); err != nil {
				return err
			}
		}
		return nil
	})
}

// PauseAll pauses every trigger group, including groups created later.
func (s *Store) PauseAll(ctx context.Context) error {
	return s.execute(ctx, "pause all", triggerLocks, func(tx Tx, _ *events) error {
		groups, err := tx.SelectTriggerGroups(ctx)
		if err != nil {
			return err
		}
		for _, g := range groups {
			if err := s.pauseTriggerGroup(ctx, tx, g); err != nil {
				return err
			}
		}
		paused, err := tx.IsTriggerGroupPaused(ctx, allGroupsPaused)
		if err != nil || paused {
			return err
		}
		return tx.InsertPausedTriggerGroup(ctx, allGroupsPaused)
	})
}

// ResumeTrigger returns a paused trigger to Waiting, or Blocked when its
// job disallows concurrency and is executing. A fire time missed while
// paused is handled by the trigger's misfire policy.
func (s *Store) ResumeTrigger(ctx context.Context, key domain.TriggerKey) error {
	return s.execute(ctx, "resume trigger", triggerLocks, func(tx Tx, ev *events) error {
		return s.resumeTrigger(ctx, tx, ev, key)
	})
}

func (s *Store) resumeTrigger(ctx context.Context, tx Tx, ev *events, key domain.TriggerKey) error {
	t, ok, err := tx.SelectTrigger(ctx, key)
	if err != nil || !ok {
		return err
	}
	if t.State != domain.StatePaused && t.State != domain.StatePausedBlocked {
		return nil
	}

	state := domain.StateWaiting
	job, ok, err := tx.SelectJob(ctx, t.JobKey)
	if err != nil {
		return err
	}
	if ok && job.DisallowConcurrent {
		if state, err = s.blockedState(ctx, tx, job.Key, state); err != nil {
			return err
		}
	}

	if state == domain.StateWaiting {
		done, err := s.applyMisfire(ctx, tx, ev, &t)
		if err != nil || done {
			return err
		}
	}
	if err := tx.UpdateTrigger(ctx, t, state); err != nil {
		return err
	}
	ev.changed(t.NextFireTime)
	return nil
}

// ResumeTriggerGroup resumes every trigger in group and forgets the group
// as paused.
func (s *Store) ResumeTriggerGroup(ctx context.Context, group string) error {
	return s.execute(ctx, "resume trigger group", triggerLocks, func(tx Tx, ev *events) error {
		return s.resumeTriggerGroup(ctx, tx, ev, group)
	})
}

func (s *Store) resumeTriggerGroup(ctx context.Context, tx Tx, ev *events, group string) error {
	if err := tx.DeletePausedTriggerGroup(ctx, group); err != nil {
		return err
	}
	keys, err := tx.SelectTriggerKeys(ctx, group)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := s.resumeTrigger(ctx, tx, ev, k); err != nil {
			return err
		}
	}
	return nil
}

// ResumeJob resumes every trigger of job.
func (s *Store) ResumeJob(ctx context.Context, key domain.JobKey) error {
	return s.execute(ctx, "resume job", triggerLocks, func(tx Tx, ev *events) error {
		return s.resumeJob(ctx, tx, ev, key)
	})
}

func (s *Store) resumeJob(ctx context.Context, tx Tx, ev *events, key domain.JobKey) error {
	triggers, err := tx.SelectTriggersForJob(ctx, key)
	if err != nil {
		return err
	}
	for _, t := range triggers {
		if err := s.resumeTrigger(ctx, tx, ev, t.Key); err != nil {
			return err
		}
	}
	return nil
}

// ResumeJobGroup resumes the triggers of every job in group.
func (s *Store) ResumeJobGroup(ctx context.Context, group string) error {
	return s.execute(ctx, "resume job group", triggerLocks, func(tx Tx, ev *events) error {
		keys, err := tx.SelectJobKeys(ctx, group)
		if err != nil {
			return err
		}
		for _, k := range keys {
			if err := s.resumeJob(ctx, tx, ev, k); err != nil {
				return err
			}
		}
		return nil
	})
}

// ResumeAll resumes every trigger group and clears PauseAll.
func (s *Store) ResumeAll(ctx context.Context) error {
	return s.execute(ctx, "resume all", triggerLocks, func(tx Tx, ev *events) error {
		groups, err := tx.SelectTriggerGroups(ctx)
		if err != nil {
			return err
		}
		paused, err := tx.SelectPausedTriggerGroups(ctx)
		if err != nil {
			return err
		}
		for _, g := range paused {
			if g != allGroupsPaused && !slices.Contains(groups, g) {
				groups = append(groups, g)
			}
		}
		for _, g := range groups {
			if err := s.resumeTriggerGroup(ctx, tx, ev, g); err != nil {
				return err
			}
		}
		return tx.DeletePausedTriggerGroup(ctx, allGroupsPaused)
	})
}

// PausedTriggerGroups lists the groups currently paused.
func (s *Store) PausedTriggerGroups(ctx context.Context) ([]string, error) {
	var out []string
	err := s.execute(ctx, "paused trigger groups", nil, func(tx Tx, _ *events) error {
		groups, err := tx.SelectPausedTriggerGroups(ctx)
		for _, g := range groups {
			if g != allGroupsPaused {
				out = append(out, g)
			}
		}
		return err
	})
	slices.Sort(out)
	return out, err
}
