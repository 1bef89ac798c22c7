package jobsfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quartznet/quartznet-sub011/internal/domain"
	"github.com/quartznet/quartznet-sub011/internal/store"
)

// Scheduler is the management surface the loader drives.
// *scheduler.Scheduler implements it.
type Scheduler interface {
	AddCalendar(ctx context.Context, name string, cal domain.Calendar, replace, updateTriggers bool) error
	GetJob(ctx context.Context, key domain.JobKey) (domain.JobDetail, error)
	AddJob(ctx context.Context, detail domain.JobDetail, replace bool) error
	ScheduleJob(ctx context.Context, detail domain.JobDetail, t domain.Trigger) (time.Time, error)
	ScheduleTrigger(ctx context.Context, t domain.Trigger) (time.Time, error)
	GetTrigger(ctx context.Context, key domain.TriggerKey) (domain.Trigger, error)
	RescheduleJob(ctx context.Context, key domain.TriggerKey, t domain.Trigger) (time.Time, error)
	UnscheduleJob(ctx context.Context, key domain.TriggerKey) (bool, error)
	DeleteJob(ctx context.Context, key domain.JobKey) (bool, error)
}

// debounce absorbs the burst of events editors produce for one save.
const debounce = 250 * time.Millisecond

// Loader applies one jobs file. Jobs and triggers it applied earlier and
// that have since been removed from the file are deleted from the
// scheduler; objects created through other means are never touched.
type Loader struct {
	path   string
	sched  Scheduler
	logger zerolog.Logger

	mu      sync.Mutex
	applied map[domain.JobKey]map[domain.TriggerKey]bool
}

func NewLoader(path string, sched Scheduler) *Loader {
	return &Loader{
		path:    path,
		sched:   sched,
		logger:  log.With().Str("component", "jobsfile").Logger(),
		applied: map[domain.JobKey]map[domain.TriggerKey]bool{},
	}
}

func (l *Loader) WithLogger(lg zerolog.Logger) *Loader {
	l.logger = lg.With().Str("component", "jobsfile").Logger()
	return l
}

// Reload reads the file and applies it.
func (l *Loader) Reload(ctx context.Context) error {
	defs, err := Load(l.path)
	if err != nil {
		return err
	}
	if err := l.Apply(ctx, defs); err != nil {
		return err
	}
	l.logger.Info().Str("path", l.path).Int("calendars", len(defs.Calendars)).Int("jobs", len(defs.Jobs)).
		Msg("jobs file applied")
	return nil
}

// Apply makes the scheduler match defs. It keeps going after a failing
// object and reports every failure.
func (l *Loader) Apply(ctx context.Context, defs *Definitions) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var errs []error

	for name, cal := range defs.Calendars {
		if err := l.sched.AddCalendar(ctx, name, cal, true, true); err != nil {
			errs = append(errs, fmt.Errorf("calendar %q: %w", name, err))
		}
	}

	current := make(map[domain.JobKey]map[domain.TriggerKey]bool, len(defs.Jobs))
	for _, jd := range defs.Jobs {
		if err := l.applyJob(ctx, jd); err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", jd.Detail.Key, err))
		}
		keys := make(map[domain.TriggerKey]bool, len(jd.Triggers))
		for _, t := range jd.Triggers {
			keys[t.Key] = true
		}
		current[jd.Detail.Key] = keys
	}

	for jobKey, triggers := range l.applied {
		next, kept := current[jobKey]
		if !kept {
			if _, err := l.sched.DeleteJob(ctx, jobKey); err != nil {
				errs = append(errs, fmt.Errorf("delete job %s: %w", jobKey, err))
			} else {
				l.logger.Info().Str("job", jobKey.String()).Msg("job removed from jobs file, deleted")
			}
			continue
		}
		for key := range triggers {
			if next[key] {
				continue
			}
			if _, err := l.sched.UnscheduleJob(ctx, key); err != nil {
				errs = append(errs, fmt.Errorf("unschedule %s: %w", key, err))
			}
		}
	}
	l.applied = current

	return errors.Join(errs...)
}

func (l *Loader) applyJob(ctx context.Context, jd JobDefinition) error {
	existing, err := l.sched.GetJob(ctx, jd.Detail.Key)
	if errors.Is(err, store.ErrJobNotFound) {
		if len(jd.Triggers) == 0 {
			return l.sched.AddJob(ctx, jd.Detail, false)
		}
		if _, err := l.sched.ScheduleJob(ctx, jd.Detail, jd.Triggers[0]); err != nil {
			return err
		}
		for _, t := range jd.Triggers[1:] {
			if err := l.applyTrigger(ctx, t); err != nil {
				return err
			}
		}
		return nil
	}
	if err != nil {
		return err
	}

	// Triggers first: a job turned non-durable needs one before it is replaced.
	for _, t := range jd.Triggers {
		if err := l.applyTrigger(ctx, t); err != nil {
			return err
		}
	}
	if sameJob(existing, jd.Detail) {
		return nil
	}
	return l.sched.AddJob(ctx, jd.Detail, true)
}

func (l *Loader) applyTrigger(ctx context.Context, t domain.Trigger) error {
	stored, err := l.sched.GetTrigger(ctx, t.Key)
	if errors.Is(err, store.ErrTriggerNotFound) {
		_, err = l.sched.ScheduleTrigger(ctx, t)
		return err
	}
	if err != nil {
		return err
	}
	if stored.JobKey != t.JobKey {
		if _, err := l.sched.UnscheduleJob(ctx, t.Key); err != nil {
			return err
		}
		_, err = l.sched.ScheduleTrigger(ctx, t)
		return err
	}
	if sameTrigger(stored, t) {
		return nil
	}
	_, err = l.sched.RescheduleJob(ctx, t.Key, t)
	return err
}

func sameJob(stored, def domain.JobDetail) bool {
	return stored.Description == def.Description &&
		stored.JobType == def.JobType &&
		stored.Durable == def.Durable &&
		stored.DisallowConcurrent == def.DisallowConcurrent &&
		stored.PersistDataAfterExecution == def.PersistDataAfterExecution &&
		stored.RequestsRecovery == def.RequestsRecovery &&
		sameData(stored.Data, def.Data)
}

// sameTrigger compares the parts of a trigger a file defines. A file
// trigger without a start time matches any stored start time.
func sameTrigger(stored, def domain.Trigger) bool {
	misfire := def.MisfireInstruction
	if misfire == "" {
		misfire = domain.MisfireSmart
	}
	if !def.StartTime.IsZero() && !def.StartTime.Equal(stored.StartTime) {
		return false
	}
	return stored.Description == def.Description &&
		stored.Priority == def.Priority &&
		stored.CalendarName == def.CalendarName &&
		stored.MisfireInstruction == misfire &&
		stored.EndTime.Equal(def.EndTime) &&
		reflect.DeepEqual(stored.Schedule, def.Schedule) &&
		sameData(stored.Data, def.Data)
}

// sameData compares data maps by their JSON form, so numbers decoded from
// different sources compare equal.
func sameData(a, b domain.JobDataMap) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ja) == string(jb)
}

// Watch re-applies the file whenever it changes until ctx is done. Failed
// reloads are logged and the previous state is kept.
func (l *Loader) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("jobsfile: watch: %w", err)
	}
	defer w.Close()

	dir, file := filepath.Dir(l.path), filepath.Base(l.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("jobsfile: watch %s: %w", dir, err)
	}
	l.logger.Info().Str("path", l.path).Msg("watching jobs file")

	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) == file && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				timer.Reset(debounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			l.logger.Warn().Err(err).Msg("jobs file watch error")
		case <-timer.C:
			if err := l.Reload(ctx); err != nil {
				l.logger.Error().Err(err).Str("path", l.path).Msg("jobs file reload failed, keeping previous state")
			}
		}
	}
}
