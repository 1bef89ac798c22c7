package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quartznet/quartznet-sub011/internal/domain"
	"github.com/quartznet/quartznet-sub011/internal/firetime"
)

const maxAcquireAttempts = 3

// applyMisfire applies t's misfire policy when it is late beyond the
// threshold. done is set when the trigger will never fire again; it has
// then been stored as Complete.
func (s *Store) applyMisfire(ctx context.Context, tx Tx, ev *events, t *domain.Trigger) (done bool, err error) {
	now := s.clock.Now()
	if !s.misfire.IsMisfired(t, now) {
		return false, nil
	}

	var cal domain.Calendar
	if t.CalendarName != "" {
		if cal, _, err = tx.SelectCalendar(ctx, t.CalendarName); err != nil {
			return false, err
		}
	}
	late := now.Sub(t.NextFireTime)
	instr := s.misfire.Apply(t, cal, now)
	ev.misfired = append(ev.misfired, t.Clone())
	s.logger.Info().
		Str("trigger", t.Key.String()).
		Str("instruction", string(instr)).
		Dur("late", late).
		Time("next_fire_time", t.NextFireTime).
		Msg("trigger misfired")

	if !t.NextFireTime.IsZero() {
		return false, nil
	}
	if err := tx.UpdateTrigger(ctx, *t, domain.StateComplete); err != nil {
		return false, err
	}
	ev.finalized = append(ev.finalized, t.Clone())
	return true, nil
}

// jobBusy reports whether job has a fire that is acquired or executing.
func (s *Store) jobBusy(ctx context.Context, tx Tx, job domain.JobKey) (bool, error) {
	fired, err := tx.SelectFiredTriggersForJob(ctx, job)
	if err != nil {
		return false, err
	}
	for _, f := range fired {
		if f.State == domain.StateAcquired || f.State == domain.StateExecuting {
			return true, nil
		}
	}
	return false, nil
}

// AcquireNextTriggers reserves up to maxCount Waiting triggers due no later
// than noLaterThan for this instance. Once the first trigger is taken,
// others are taken only if due within timeWindow of it. Each acquired
// trigger gets a fired record and carries its id in FireInstanceID.
func (s *Store) AcquireNextTriggers(ctx context.Context, noLaterThan time.Time, maxCount int, timeWindow time.Duration) ([]domain.Trigger, error) {
	if maxCount < 1 {
		maxCount = 1
	}
	var acquired []domain.Trigger
	err := s.execute(ctx, "acquire next triggers", triggerLocks, func(tx Tx, ev *events) error {
		acquired = nil
		takenJobs := make(map[domain.JobKey]bool)
		batchEnd := noLaterThan
		limit := maxCount

		for attempt := 0; attempt < maxAcquireAttempts && len(acquired) < maxCount; attempt++ {
			keys, err := tx.SelectTriggersToAcquire(ctx, noLaterThan.Add(timeWindow), limit)
			if err != nil {
				return err
			}

		candidates:
			for _, key := range keys {
				t, ok, err := tx.SelectTrigger(ctx, key)
				if err != nil {
					return err
				}
				if !ok || t.State != domain.StateWaiting {
					continue
				}

				before := t.NextFireTime
				done, err := s.applyMisfire(ctx, tx, ev, &t)
				if err != nil {
					return err
				}
				if done {
					continue
				}
				if !t.NextFireTime.Equal(before) {
					if err := tx.UpdateTrigger(ctx, t, domain.StateWaiting); err != nil {
						return err
					}
					if t.NextFireTime.After(batchEnd) {
						continue
					}
				}
				if t.NextFireTime.After(batchEnd) {
					break candidates
				}

				job, ok, err := tx.SelectJob(ctx, t.JobKey)
				if err != nil {
					return err
				}
				if !ok {
					s.logger.Error().Str("trigger", key.String()).Str("job", t.JobKey.String()).
						Msg("trigger references a missing job, moving it to error state")
					if _, err := tx.UpdateTriggerState(ctx, key, domain.StateError); err != nil {
						return err
					}
					continue
				}
				if job.DisallowConcurrent {
					if takenJobs[job.Key] {
						continue
					}
					busy, err := s.jobBusy(ctx, tx, job.Key)
					if err != nil {
						return err
					}
					if busy {
						continue
					}
					takenJobs[job.Key] = true
				}

				n, err := tx.UpdateTriggerState(ctx, key, domain.StateAcquired, domain.StateWaiting)
				if err != nil {
					return err
				}
				if n == 0 {
					continue
				}

				now := s.clock.Now()
				f := domain.FiredTrigger{
					FireInstanceID:     uuid.NewString(),
					TriggerKey:         t.Key,
					JobKey:             t.JobKey,
					InstanceID:         s.instanceID,
					FiredAt:            now,
					ScheduledAt:        t.NextFireTime,
					Priority:           t.Priority,
					State:              domain.StateAcquired,
					DisallowConcurrent: job.DisallowConcurrent,
					RequestsRecovery:   job.RequestsRecovery,
				}
				if err := tx.InsertFiredTrigger(ctx, f); err != nil {
					return err
				}

				if len(acquired) == 0 {
					first := t.NextFireTime
					if first.Before(now) {
						first = now
					}
					batchEnd = first.Add(timeWindow)
				}
				t.State = domain.StateAcquired
				t.FireInstanceID = f.FireInstanceID
				acquired = append(acquired, t)
				if len(acquired) >= maxCount {
					return nil
				}
			}

			if len(keys) < limit {
				return nil
			}
			limit *= 2
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return acquired, nil
}

// ReleaseAcquiredTrigger returns an acquired trigger to Waiting and drops
// its fired record.
func (s *Store) ReleaseAcquiredTrigger(ctx context.Context, t domain.Trigger) error {
	return s.execute(ctx, "release acquired trigger", triggerLocks, func(tx Tx, ev *events) error {
		if _, err := tx.UpdateTriggerState(ctx, t.Key, domain.StateWaiting, domain.StateAcquired); err != nil {
			return err
		}
		if t.FireInstanceID != "" {
			if err := tx.DeleteFiredTrigger(ctx, t.FireInstanceID); err != nil {
				return err
			}
		}
		return nil
	})
}

// TriggersFired moves acquired triggers into execution. For each trigger
// still acquired by this instance it advances the schedule, marks the fired
// record Executing and returns a bundle. Triggers that changed underneath
// (paused, removed, reassigned) or that misfired onto a later fire time get
// a result without a bundle.
func (s *Store) TriggersFired(ctx context.Context, triggers []domain.Trigger) ([]domain.FireResult, error) {
	var results []domain.FireResult
	err := s.execute(ctx, "triggers fired", triggerLocks, func(tx Tx, ev *events) error {
		results = make([]domain.FireResult, 0, len(triggers))
		for _, t := range triggers {
			res, err := s.triggerFired(ctx, tx, ev, t)
			if err != nil && !isSemantic(err) {
				return err
			}
			res.Err = err
			results = append(results, res)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Store) triggerFired(ctx context.Context, tx Tx, ev *events, in domain.Trigger) (domain.FireResult, error) {
	res := domain.FireResult{Trigger: in}

	fired, ok, err := tx.SelectFiredTrigger(ctx, in.FireInstanceID)
	if err != nil {
		return res, err
	}
	if !ok || fired.InstanceID != s.instanceID || fired.TriggerKey != in.Key {
		return res, nil
	}

	t, ok, err := tx.SelectTrigger(ctx, in.Key)
	if err != nil {
		return res, err
	}
	if !ok || t.State != domain.StateAcquired {
		return res, tx.DeleteFiredTrigger(ctx, fired.FireInstanceID)
	}
	t.FireInstanceID = fired.FireInstanceID

	job, ok, err := tx.SelectJob(ctx, t.JobKey)
	if err != nil {
		return res, err
	}
	if !ok {
		if err := s.failFire(ctx, tx, t.Key, fired.FireInstanceID); err != nil {
			return res, err
		}
		return res, fmt.Errorf("%w: %s", ErrJobNotFound, t.JobKey)
	}

	var cal domain.Calendar
	if t.CalendarName != "" {
		c, ok, err := tx.SelectCalendar(ctx, t.CalendarName)
		if err != nil {
			return res, err
		}
		if !ok {
			if err := s.failFire(ctx, tx, t.Key, fired.FireInstanceID); err != nil {
				return res, err
			}
			return res, fmt.Errorf("%w: %q", ErrCalendarNotFound, t.CalendarName)
		}
		cal = c
	}

	now := s.clock.Now()
	if s.misfire.IsMisfired(&t, now) {
		res.Misfired = true
		done, err := s.applyMisfire(ctx, tx, ev, &t)
		if err != nil {
			return res, err
		}
		if done {
			return res, tx.DeleteFiredTrigger(ctx, fired.FireInstanceID)
		}
		if t.NextFireTime.After(now) {
			if err := tx.UpdateTrigger(ctx, t, domain.StateWaiting); err != nil {
				return res, err
			}
			ev.changed(t.NextFireTime)
			return res, tx.DeleteFiredTrigger(ctx, fired.FireInstanceID)
		}
	}

	fired.State = domain.StateExecuting
	fired.FiredAt = now
	fired.ScheduledAt = t.NextFireTime
	fired.DisallowConcurrent = job.DisallowConcurrent
	fired.RequestsRecovery = job.RequestsRecovery
	if err := tx.UpdateFiredTrigger(ctx, fired); err != nil {
		return res, err
	}

	prev := t.PreviousFireTime
	scheduled := t.NextFireTime
	firetime.Advance(&t, cal)

	state := domain.StateWaiting
	if job.DisallowConcurrent {
		state = domain.StateBlocked
		if _, err := tx.UpdateJobTriggerStates(ctx, job.Key, domain.StateBlocked, domain.StateWaiting, domain.StateAcquired); err != nil {
			return res, err
		}
		if _, err := tx.UpdateJobTriggerStates(ctx, job.Key, domain.StatePausedBlocked, domain.StatePaused); err != nil {
			return res, err
		}
	}
	if t.NextFireTime.IsZero() {
		state = domain.StateComplete
	}
	if err := tx.UpdateTrigger(ctx, t, state); err != nil {
		return res, err
	}
	t.State = state

	res.Trigger = t
	res.Bundle = &domain.FiredBundle{
		Job:               job,
		Trigger:           t.Clone(),
		Calendar:          cal,
		Recovering:        t.Key.Group == domain.RecoveringJobsGroup,
		FireInstanceID:    fired.FireInstanceID,
		FireTime:          now,
		ScheduledFireTime: scheduled,
		PrevFireTime:      prev,
		NextFireTime:      t.NextFireTime,
	}
	return res, nil
}

// failFire parks a trigger that cannot fire in Error and drops its fired
// record.
func (s *Store) failFire(ctx context.Context, tx Tx, key domain.TriggerKey, fireInstanceID string) error {
	s.logger.Error().Str("trigger", key.String()).Msg("trigger cannot fire, moving it to error state")
	if _, err := tx.UpdateTriggerState(ctx, key, domain.StateError); err != nil {
		return err
	}
	return tx.DeleteFiredTrigger(ctx, fireInstanceID)
}

// TriggeredJobComplete finishes a fire: it persists job data when the job
// asks for it, releases blocked sibling triggers, applies instr and deletes
// the fired record. t must be the trigger snapshot from the fire bundle.
func (s *Store) TriggeredJobComplete(ctx context.Context, t domain.Trigger, job domain.JobDetail, instr domain.CompletedInstruction) error {
	return s.execute(ctx, "triggered job complete", triggerLocks, func(tx Tx, ev *events) error {
		if job.PersistDataAfterExecution {
			if _, ok, err := tx.SelectJob(ctx, job.Key); err != nil {
				return err
			} else if ok {
				if err := tx.UpdateJobData(ctx, job.Key, job.Data); err != nil {
					return err
				}
			}
		}
		if job.DisallowConcurrent {
			if _, err := tx.UpdateJobTriggerStates(ctx, job.Key, domain.StateWaiting, domain.StateBlocked); err != nil {
				return err
			}
			if _, err := tx.UpdateJobTriggerStates(ctx, job.Key, domain.StatePaused, domain.StatePausedBlocked); err != nil {
				return err
			}
			ev.changed(time.Time{})
		}

		switch instr {
		case domain.InstructionDeleteTrigger:
			if t.NextFireTime.IsZero() {
				// The job may have rescheduled its own trigger while running.
				stored, ok, err := tx.SelectTrigger(ctx, t.Key)
				if err != nil {
					return err
				}
				if ok && stored.NextFireTime.IsZero() {
					if _, err := s.removeTrigger(ctx, tx, t.Key); err != nil {
						return err
					}
					ev.finalized = append(ev.finalized, t)
				}
			} else {
				if _, err := s.removeTrigger(ctx, tx, t.Key); err != nil {
					return err
				}
				ev.finalized = append(ev.finalized, t)
				ev.changed(time.Time{})
			}
		case domain.InstructionSetTriggerComplete:
			if _, err := tx.UpdateTriggerState(ctx, t.Key, domain.StateComplete); err != nil {
				return err
			}
			ev.finalized = append(ev.finalized, t)
			ev.changed(time.Time{})
		case domain.InstructionSetTriggerError:
			s.logger.Warn().Str("trigger", t.Key.String()).Msg("trigger set to error state")
			if _, err := tx.UpdateTriggerState(ctx, t.Key, domain.StateError); err != nil {
				return err
			}
			ev.changed(time.Time{})
		case domain.InstructionSetAllJobTriggersDone:
			if _, err := tx.UpdateJobTriggerStates(ctx, t.JobKey, domain.StateComplete); err != nil {
				return err
			}
			ev.finalized = append(ev.finalized, t)
			ev.changed(time.Time{})
		case domain.InstructionSetAllJobTriggersErr:
			s.logger.Warn().Str("job", t.JobKey.String()).Msg("all triggers of job set to error state")
			if _, err := tx.UpdateJobTriggerStates(ctx, t.JobKey, domain.StateError); err != nil {
				return err
			}
			ev.changed(time.Time{})
		// ReExecuteJob is consumed by the dispatcher, which reruns the job
		// within the same fire.
		case domain.InstructionNoop, domain.InstructionReExecuteJob, "":
		default:
			return errors.New("unknown completed instruction " + string(instr))
		}

		if t.FireInstanceID == "" {
			return nil
		}
		return tx.DeleteFiredTrigger(ctx, t.FireInstanceID)
	})
}
