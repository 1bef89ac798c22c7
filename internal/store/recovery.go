package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quartznet/quartznet-sub011/internal/domain"
)

// SchedulerStarted prepares the store for a starting scheduler. A
// non-clustered store recovers whatever the previous run left behind; a
// clustered store leaves that to the first cluster check-in.
func (s *Store) SchedulerStarted(ctx context.Context) error {
	if s.clustered {
		return nil
	}
	_, err := s.RecoverJobs(ctx)
	return err
}

// RecoverJobs performs single-node recovery: acquired and blocked triggers
// return to Waiting, every fired record is recovered as if its instance had
// failed, misfires are applied and Complete triggers are removed.
func (s *Store) RecoverJobs(ctx context.Context) ([]domain.RecoveryReport, error) {
	var reports []domain.RecoveryReport
	err := s.execute(ctx, "recover jobs", allLocks, func(tx Tx, ev *events) error {
		reports = nil
		if _, err := tx.UpdateAllTriggerStates(ctx, domain.StateWaiting, domain.StateAcquired, domain.StateBlocked); err != nil {
			return err
		}
		if _, err := tx.UpdateAllTriggerStates(ctx, domain.StatePaused, domain.StatePausedBlocked); err != nil {
			return err
		}

		owners, err := tx.SelectFiredTriggerInstances(ctx)
		if err != nil {
			return err
		}
		for _, id := range owners {
			r, err := s.recoverInstance(ctx, tx, ev, id)
			if err != nil {
				return err
			}
			reports = append(reports, r)
		}

		waiting, err := tx.SelectTriggerKeysInState(ctx, domain.StateWaiting)
		if err != nil {
			return err
		}
		misfired := 0
		for _, key := range waiting {
			t, ok, err := tx.SelectTrigger(ctx, key)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			before := t.NextFireTime
			done, err := s.applyMisfire(ctx, tx, ev, &t)
			if err != nil {
				return err
			}
			if !done && !t.NextFireTime.Equal(before) {
				misfired++
				if err := tx.UpdateTrigger(ctx, t, domain.StateWaiting); err != nil {
					return err
				}
			}
		}

		complete, err := tx.SelectTriggerKeysInState(ctx, domain.StateComplete)
		if err != nil {
			return err
		}
		for _, key := range complete {
			t, ok, err := tx.SelectTrigger(ctx, key)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if _, err := s.removeTrigger(ctx, tx, key); err != nil {
				return err
			}
			ev.finalized = append(ev.finalized, t)
		}

		s.logger.Info().
			Int("instances", len(owners)).
			Int("misfired", misfired).
			Int("removed_complete", len(complete)).
			Msg("recovered jobs from previous run")
		ev.changed(time.Time{})
		return nil
	})
	return reports, err
}

// recoverInstance resolves every fired record owned by instanceID.
func (s *Store) recoverInstance(ctx context.Context, tx Tx, ev *events, instanceID string) (domain.RecoveryReport, error) {
	report := domain.RecoveryReport{InstanceID: instanceID}

	recs, err := tx.SelectFiredTriggersForInstance(ctx, instanceID)
	if err != nil {
		return report, err
	}

	var completed []domain.TriggerKey
	for _, rec := range recs {
		switch rec.State {
		case domain.StateExecuting:
			if rec.DisallowConcurrent {
				if err := s.releaseBlocked(ctx, tx, rec.JobKey); err != nil {
					return report, err
				}
			}

			t, tok, err := tx.SelectTrigger(ctx, rec.TriggerKey)
			if err != nil {
				return report, err
			}

			recovered := false
			if rec.RequestsRecovery {
				job, ok, err := tx.SelectJob(ctx, rec.JobKey)
				if err != nil {
					return report, err
				}
				if ok {
					rt := s.recoveryTrigger(rec, t.Data)
					if err := s.storeTrigger(ctx, tx, rt, &job, false, domain.StateWaiting, false, true); err != nil {
						return report, err
					}
					report.Recovered = append(report.Recovered, rt.Key)
					recovered = true
				}
			}
			if !recovered {
				report.Dropped++
				s.logger.Warn().
					Str("instance", instanceID).
					Str("job", rec.JobKey.String()).
					Str("trigger", rec.TriggerKey.String()).
					Msg("dropping execution of failed instance")
			}

			if tok {
				switch {
				case t.NextFireTime.IsZero():
					if _, err := tx.UpdateTriggerState(ctx, t.Key, domain.StateComplete); err != nil {
						return report, err
					}
					completed = append(completed, t.Key)
				case t.State == domain.StateAcquired || t.State == domain.StateBlocked || t.State == domain.StateExecuting:
					if _, err := tx.UpdateTriggerState(ctx, t.Key, domain.StateWaiting, domain.StateAcquired, domain.StateBlocked, domain.StateExecuting); err != nil {
						return report, err
					}
				}
			}
		default:
			n, err := tx.UpdateTriggerState(ctx, rec.TriggerKey, domain.StateWaiting, domain.StateAcquired)
			if err != nil {
				return report, err
			}
			if n > 0 {
				report.Released = append(report.Released, rec.TriggerKey)
			}
		}

		if err := tx.DeleteFiredTrigger(ctx, rec.FireInstanceID); err != nil {
			return report, err
		}
	}

	for _, key := range completed {
		t, ok, err := tx.SelectTrigger(ctx, key)
		if err != nil {
			return report, err
		}
		if !ok {
			continue
		}
		busy, err := s.triggerHasFired(ctx, tx, t)
		if err != nil {
			return report, err
		}
		if busy {
			continue
		}
		if _, err := s.removeTrigger(ctx, tx, key); err != nil {
			return report, err
		}
		report.Completed = append(report.Completed, key)
		ev.finalized = append(ev.finalized, t)
	}

	if len(recs) > 0 {
		ev.changed(time.Time{})
	}
	return report, nil
}

func (s *Store) triggerHasFired(ctx context.Context, tx Tx, t domain.Trigger) (bool, error) {
	fired, err := tx.SelectFiredTriggersForJob(ctx, t.JobKey)
	if err != nil {
		return false, err
	}
	for _, f := range fired {
		if f.TriggerKey == t.Key {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) releaseBlocked(ctx context.Context, tx Tx, job domain.JobKey) error {
	if _, err := tx.UpdateJobTriggerStates(ctx, job, domain.StateWaiting, domain.StateBlocked); err != nil {
		return err
	}
	_, err := tx.UpdateJobTriggerStates(ctx, job, domain.StatePaused, domain.StatePausedBlocked)
	return err
}

// recoveryTrigger builds the one-shot trigger that re-runs the execution
// recorded by rec. Its data carries the original trigger and fire times.
func (s *Store) recoveryTrigger(rec domain.FiredTrigger, data domain.JobDataMap) domain.Trigger {
	now := s.clock.Now()
	return domain.Trigger{
		Key: domain.TriggerKey{
			Name:  fmt.Sprintf("recover_%s_%s", rec.InstanceID, uuid.NewString()),
			Group: domain.RecoveringJobsGroup,
		},
		JobKey:             rec.JobKey,
		Description:        "recovery of " + rec.TriggerKey.String(),
		Priority:           rec.Priority,
		StartTime:          now,
		MisfireInstruction: domain.MisfireIgnore,
		Schedule:           domain.SimpleSchedule{},
		NextFireTime:       now,
		Data: data.Merge(domain.JobDataMap{
			domain.DataRecoveringTriggerName:   rec.TriggerKey.Name,
			domain.DataRecoveringTriggerGroup:  rec.TriggerKey.Group,
			domain.DataRecoveringFiredTime:     rec.FiredAt.UTC().Format(time.RFC3339Nano),
			domain.DataRecoveringScheduledTime: rec.ScheduledAt.UTC().Format(time.RFC3339Nano),
		}),
	}
}

// CheckIn records that this instance is alive.
func (s *Store) CheckIn(ctx context.Context, interval time.Duration) error {
	return s.execute(ctx, "check in", stateLocks, func(tx Tx, _ *events) error {
		return tx.UpsertSchedulerState(ctx, domain.SchedulerInstance{
			InstanceID:      s.instanceID,
			LastCheckin:     s.clock.Now(),
			CheckinInterval: interval,
		})
	})
}

// ClusterSnapshot reads the instance rows and the ids of instances owning
// fired records without taking locks.
func (s *Store) ClusterSnapshot(ctx context.Context) ([]domain.SchedulerInstance, []string, error) {
	var (
		instances []domain.SchedulerInstance
		owners    []string
	)
	err := s.execute(ctx, "cluster snapshot", nil, func(tx Tx, _ *events) error {
		var err error
		if instances, err = tx.SelectSchedulerStates(ctx); err != nil {
			return err
		}
		owners, err = tx.SelectFiredTriggerInstances(ctx)
		return err
	})
	return instances, owners, err
}

// RecoverInstances recovers, under both locks, every instance whose row
// failed reports true and every instance that owns fired records but has no
// row. This instance is considered only when includeSelf is set. Failure is
// re-evaluated under the locks, so concurrent callers recover an instance
// once.
func (s *Store) RecoverInstances(ctx context.Context, failed func(domain.SchedulerInstance) bool, includeSelf bool) ([]domain.RecoveryReport, error) {
	var reports []domain.RecoveryReport
	err := s.execute(ctx, "recover instances", allLocks, func(tx Tx, ev *events) error {
		reports = nil
		states, err := tx.SelectSchedulerStates(ctx)
		if err != nil {
			return err
		}
		owners, err := tx.SelectFiredTriggerInstances(ctx)
		if err != nil {
			return err
		}

		known := make(map[string]bool, len(states))
		var ids []string
		for _, st := range states {
			known[st.InstanceID] = true
			if st.InstanceID == s.instanceID && !includeSelf {
				continue
			}
			if failed(st) {
				ids = append(ids, st.InstanceID)
			}
		}
		for _, o := range owners {
			if known[o] || (o == s.instanceID && !includeSelf) {
				continue
			}
			ids = append(ids, o)
		}

		for _, id := range ids {
			r, err := s.recoverInstance(ctx, tx, ev, id)
			if err != nil {
				return err
			}
			if id != s.instanceID {
				if err := tx.DeleteSchedulerState(ctx, id); err != nil {
					return err
				}
			}
			s.logger.Info().
				Str("failed_instance", id).
				Int("recovered", len(r.Recovered)).
				Int("released", len(r.Released)).
				Int("completed", len(r.Completed)).
				Int("dropped", r.Dropped).
				Msg("recovered failed scheduler instance")
			reports = append(reports, r)
		}
		return nil
	})
	return reports, err
}

// RemoveInstance deletes this instance's row on clean shutdown.
func (s *Store) RemoveInstance(ctx context.Context) error {
	return s.execute(ctx, "remove instance", stateLocks, func(tx Tx, _ *events) error {
		return tx.DeleteSchedulerState(ctx, s.instanceID)
	})
}
