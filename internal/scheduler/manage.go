package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quartznet/quartznet-sub011/internal/dispatcher"
	"github.com/quartznet/quartznet-sub011/internal/domain"
	"github.com/quartznet/quartznet-sub011/internal/firetime"
	"github.com/quartznet/quartznet-sub011/internal/job"
	"github.com/quartznet/quartznet-sub011/internal/store"
)

// ScheduleJob stores a new job together with its first trigger and returns
// the trigger's first fire time.
func (s *Scheduler) ScheduleJob(ctx context.Context, detail domain.JobDetail, t domain.Trigger) (time.Time, error) {
	if err := s.checkOpen(); err != nil {
		return time.Time{}, err
	}
	if err := s.prepareJob(&detail); err != nil {
		return time.Time{}, err
	}
	if t.JobKey.IsZero() {
		t.JobKey = detail.Key
	}
	if t.JobKey != detail.Key {
		return time.Time{}, configErr(store.ErrJobMismatch, "trigger %s references %s, not %s", t.Key, t.JobKey, detail.Key)
	}
	if err := s.prepareTrigger(ctx, &t); err != nil {
		return time.Time{}, err
	}
	if err := s.store.StoreJobAndTrigger(ctx, detail, t); err != nil {
		return time.Time{}, err
	}
	s.signalChange(t.NextFireTime)
	s.logger.Info().Str("job", detail.Key.String()).Str("trigger", t.Key.String()).
		Time("next_fire", t.NextFireTime).Msg("job scheduled")
	return t.NextFireTime, nil
}

// ScheduleTrigger stores a new trigger for an existing job and returns its
// first fire time.
func (s *Scheduler) ScheduleTrigger(ctx context.Context, t domain.Trigger) (time.Time, error) {
	if err := s.checkOpen(); err != nil {
		return time.Time{}, err
	}
	if err := s.prepareTrigger(ctx, &t); err != nil {
		return time.Time{}, err
	}
	if err := s.store.StoreTrigger(ctx, t, false); err != nil {
		return time.Time{}, err
	}
	s.signalChange(t.NextFireTime)
	return t.NextFireTime, nil
}

// AddJob stores a job without a trigger. Only durable jobs may exist
// without triggers.
func (s *Scheduler) AddJob(ctx context.Context, detail domain.JobDetail, replace bool) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.prepareJob(&detail); err != nil {
		return err
	}
	if !detail.Durable && !replace {
		return configErr(nil, "job %s is not durable and has no trigger", detail.Key)
	}
	if !detail.Durable {
		triggers, err := s.store.TriggersForJob(ctx, detail.Key)
		if err != nil {
			return err
		}
		if len(triggers) == 0 {
			return configErr(nil, "job %s is not durable and has no trigger", detail.Key)
		}
	}
	return s.store.StoreJob(ctx, detail, replace)
}

// DeleteJob removes a job and all its triggers, and interrupts its running
// executions. It reports whether the job existed.
func (s *Scheduler) DeleteJob(ctx context.Context, key domain.JobKey) (bool, error) {
	removed, err := s.store.RemoveJob(ctx, key)
	if err != nil {
		return false, err
	}
	if n := s.dispatcher.Interrupt(key); n > 0 {
		s.logger.Info().Str("job", key.String()).Int("interrupted", n).Msg("interrupted executions of deleted job")
	}
	if removed {
		s.signalChange(time.Time{})
	}
	return removed, nil
}

// UnscheduleJob removes a trigger, deleting its job too if the job is not
// durable and has no other trigger. Executions fired by the trigger are
// interrupted.
func (s *Scheduler) UnscheduleJob(ctx context.Context, key domain.TriggerKey) (bool, error) {
	removed, err := s.store.RemoveTrigger(ctx, key)
	if err != nil {
		return false, err
	}
	for _, r := range s.dispatcher.CurrentlyExecuting() {
		if r.TriggerKey == key {
			s.dispatcher.InterruptFire(r.FireInstanceID)
		}
	}
	if removed {
		s.signalChange(time.Time{})
	}
	return removed, nil
}

// RescheduleJob replaces the trigger stored under key with t, keeping the
// job. It returns the new trigger's first fire time.
func (s *Scheduler) RescheduleJob(ctx context.Context, key domain.TriggerKey, t domain.Trigger) (time.Time, error) {
	if err := s.checkOpen(); err != nil {
		return time.Time{}, err
	}
	old, err := s.store.RetrieveTrigger(ctx, key)
	if err != nil {
		return time.Time{}, err
	}
	if t.JobKey.IsZero() {
		t.JobKey = old.JobKey
	}
	if t.JobKey != old.JobKey {
		return time.Time{}, configErr(store.ErrJobMismatch, "trigger %s", key)
	}
	if err := s.prepareTrigger(ctx, &t); err != nil {
		return time.Time{}, err
	}
	ok, err := s.store.ReplaceTrigger(ctx, key, t)
	if err != nil {
		return time.Time{}, err
	}
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %s", store.ErrTriggerNotFound, key)
	}
	s.signalChange(t.NextFireTime)
	return t.NextFireTime, nil
}

// TriggerJob fires a stored job now through a one-shot trigger in the
// manual trigger group. data is merged over the job's data for this fire.
func (s *Scheduler) TriggerJob(ctx context.Context, key domain.JobKey, data domain.JobDataMap) (domain.TriggerKey, error) {
	if err := s.checkOpen(); err != nil {
		return domain.TriggerKey{}, err
	}
	if _, err := s.store.RetrieveJob(ctx, key); err != nil {
		return domain.TriggerKey{}, err
	}
	now := s.clock.Now()
	t := domain.Trigger{
		Key:                domain.NewTriggerKey("MT_"+uuid.NewString(), domain.ManualTriggerGroup),
		JobKey:             key,
		Priority:           domain.DefaultPriority,
		StartTime:          now,
		MisfireInstruction: domain.MisfireSmart,
		Schedule:           domain.SimpleSchedule{},
		Data:               data.Clone(),
	}
	firetime.First(&t, nil)
	if err := s.store.StoreTrigger(ctx, t, false); err != nil {
		return domain.TriggerKey{}, err
	}
	s.signalChange(t.NextFireTime)
	s.logger.Info().Str("job", key.String()).Str("trigger", t.Key.String()).Msg("job triggered manually")
	return t.Key, nil
}

func (s *Scheduler) PauseTrigger(ctx context.Context, key domain.TriggerKey) error {
	return s.store.PauseTrigger(ctx, key)
}

// PauseTriggers pauses every trigger in group. Triggers added to the group
// later start paused.
func (s *Scheduler) PauseTriggers(ctx context.Context, group string) error {
	return s.store.PauseTriggerGroup(ctx, group)
}

func (s *Scheduler) PauseJob(ctx context.Context, key domain.JobKey) error {
	return s.store.PauseJob(ctx, key)
}

func (s *Scheduler) PauseJobs(ctx context.Context, group string) error {
	return s.store.PauseJobGroup(ctx, group)
}

// PauseAll pauses every trigger group, including groups created later.
func (s *Scheduler) PauseAll(ctx context.Context) error {
	return s.store.PauseAll(ctx)
}

// The resume operations apply misfire handling to triggers that missed
// fire times while paused. The store signals the loop.

func (s *Scheduler) ResumeTrigger(ctx context.Context, key domain.TriggerKey) error {
	return s.store.ResumeTrigger(ctx, key)
}

func (s *Scheduler) ResumeTriggers(ctx context.Context, group string) error {
	return s.store.ResumeTriggerGroup(ctx, group)
}

func (s *Scheduler) ResumeJob(ctx context.Context, key domain.JobKey) error {
	return s.store.ResumeJob(ctx, key)
}

func (s *Scheduler) ResumeJobs(ctx context.Context, group string) error {
	return s.store.ResumeJobGroup(ctx, group)
}

func (s *Scheduler) ResumeAll(ctx context.Context) error {
	return s.store.ResumeAll(ctx)
}

func (s *Scheduler) PausedTriggerGroups(ctx context.Context) ([]string, error) {
	return s.store.PausedTriggerGroups(ctx)
}

// Interrupt cancels every running execution of key on this instance and
// returns how many were signalled.
func (s *Scheduler) Interrupt(key domain.JobKey) int {
	return s.dispatcher.Interrupt(key)
}

// InterruptFire cancels one running execution.
func (s *Scheduler) InterruptFire(fireInstanceID string) bool {
	return s.dispatcher.InterruptFire(fireInstanceID)
}

// GetCurrentlyExecutingJobs lists executions running on this instance.
func (s *Scheduler) GetCurrentlyExecutingJobs() []dispatcher.Running {
	return s.dispatcher.CurrentlyExecuting()
}

// AddCalendar stores a calendar. With updateTriggers, triggers referencing
// an existing calendar of that name get their next fire time recomputed.
func (s *Scheduler) AddCalendar(ctx context.Context, name string, cal domain.Calendar, replace, updateTriggers bool) error {
	if name == "" {
		return configErr(nil, "calendar name is required")
	}
	if cal == nil {
		return configErr(nil, "calendar %q is nil", name)
	}
	if err := s.store.StoreCalendar(ctx, name, cal, replace, updateTriggers); err != nil {
		return err
	}
	s.signalChange(time.Time{})
	return nil
}

// DeleteCalendar fails with store.ErrCalendarInUse while a trigger
// references the calendar.
func (s *Scheduler) DeleteCalendar(ctx context.Context, name string) (bool, error) {
	return s.store.RemoveCalendar(ctx, name)
}

func (s *Scheduler) GetCalendar(ctx context.Context, name string) (domain.Calendar, error) {
	return s.store.RetrieveCalendar(ctx, name)
}

func (s *Scheduler) CalendarNames(ctx context.Context) ([]string, error) {
	return s.store.CalendarNames(ctx)
}

func (s *Scheduler) GetJob(ctx context.Context, key domain.JobKey) (domain.JobDetail, error) {
	return s.store.RetrieveJob(ctx, key)
}

func (s *Scheduler) GetTrigger(ctx context.Context, key domain.TriggerKey) (domain.Trigger, error) {
	return s.store.RetrieveTrigger(ctx, key)
}

func (s *Scheduler) GetTriggerState(ctx context.Context, key domain.TriggerKey) (domain.TriggerState, error) {
	return s.store.TriggerState(ctx, key)
}

func (s *Scheduler) GetTriggersOfJob(ctx context.Context, key domain.JobKey) ([]domain.Trigger, error) {
	return s.store.TriggersForJob(ctx, key)
}

// JobKeys lists job keys in group, or in every group when group is empty.
func (s *Scheduler) JobKeys(ctx context.Context, group string) ([]domain.JobKey, error) {
	return s.store.JobKeys(ctx, group)
}

// TriggerKeys lists trigger keys in group, or in every group when group is
// empty.
func (s *Scheduler) TriggerKeys(ctx context.Context, group string) ([]domain.TriggerKey, error) {
	return s.store.TriggerKeys(ctx, group)
}

func (s *Scheduler) JobGroupNames(ctx context.Context) ([]string, error) {
	return s.store.JobGroupNames(ctx)
}

func (s *Scheduler) TriggerGroupNames(ctx context.Context) ([]string, error) {
	return s.store.TriggerGroupNames(ctx)
}

// ResetTriggerFromErrorState returns a trigger in Error to Waiting, or to
// Paused when its group is paused.
func (s *Scheduler) ResetTriggerFromErrorState(ctx context.Context, key domain.TriggerKey) error {
	if err := s.store.ResetTriggerFromErrorState(ctx, key); err != nil {
		return err
	}
	s.signalChange(time.Time{})
	return nil
}

func (s *Scheduler) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return ErrShutdown
	}
	return nil
}

func (s *Scheduler) prepareJob(j *domain.JobDetail) error {
	if j.Key.Name == "" {
		return configErr(nil, "job name is required")
	}
	if j.Key.Group == "" {
		j.Key.Group = domain.DefaultGroup
	}
	if !s.registry.Has(j.JobType) {
		return configErr(job.ErrUnknownType, "job %s type %q", j.Key, j.JobType)
	}
	return nil
}

// prepareTrigger fills defaults, validates the schedule and computes the
// first fire time.
func (s *Scheduler) prepareTrigger(ctx context.Context, t *domain.Trigger) error {
	if t.Key.Group == "" {
		t.Key.Group = domain.DefaultGroup
	}
	if t.JobKey.Group == "" {
		t.JobKey.Group = domain.DefaultGroup
	}
	if t.StartTime.IsZero() {
		t.StartTime = s.clock.Now()
	}
	if t.MisfireInstruction == "" {
		t.MisfireInstruction = domain.MisfireSmart
	}
	if err := firetime.Validate(t); err != nil {
		return configErr(err, "trigger %s", t.Key)
	}

	var cal domain.Calendar
	if t.CalendarName != "" {
		c, err := s.store.RetrieveCalendar(ctx, t.CalendarName)
		if errors.Is(err, store.ErrCalendarNotFound) {
			return configErr(err, "trigger %s references calendar %q", t.Key, t.CalendarName)
		}
		if err != nil {
			return err
		}
		cal = c
	}

	t.PreviousFireTime = time.Time{}
	t.TimesTriggered = 0
	if firetime.First(t, cal).IsZero() {
		return configErr(nil, "trigger %s will never fire", t.Key)
	}
	return nil
}
