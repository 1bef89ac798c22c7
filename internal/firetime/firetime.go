// Package firetime computes trigger fire times. All results are in UTC and
// the zero time means "no further fire".
package firetime

import (
	"errors"
	"fmt"
	"time"

	"github.com/quartznet/quartznet-sub011/internal/cron"
	"github.com/quartznet/quartznet-sub011/internal/domain"
)

// ErrInvalidSchedule is wrapped by every Validate failure.
var ErrInvalidSchedule = errors.New("invalid schedule")

// maxCalendarSkips bounds how many calendar-excluded fire times After will
// step over before giving up.
const maxCalendarSkips = 1000

// First computes and stores the trigger's first fire time.
func First(t *domain.Trigger, cal domain.Calendar) time.Time {
	t.NextFireTime = After(t, t.StartTime.Add(-time.Nanosecond), cal)
	return t.NextFireTime
}

// After returns the first fire time strictly after after that cal
// includes, or the zero time.
func After(t *domain.Trigger, after time.Time, cal domain.Calendar) time.Time {
	next := fireTimeAfter(t, after)
	for i := 0; cal != nil && !next.IsZero() && !cal.IsTimeIncluded(next); i++ {
		if i >= maxCalendarSkips {
			return time.Time{}
		}
		included := cal.NextIncludedTime(next)
		if included.IsZero() {
			return time.Time{}
		}
		next = fireTimeAfter(t, included.Add(-time.Nanosecond))
	}
	return next
}

// Advance records a fire of t at its current NextFireTime and moves it to
// the following fire time.
func Advance(t *domain.Trigger, cal domain.Calendar) {
	t.TimesTriggered++
	t.PreviousFireTime = t.NextFireTime
	t.NextFireTime = After(t, t.NextFireTime, cal)
}

// MayFireAgain reports whether t has a future fire time.
func MayFireAgain(t *domain.Trigger) bool {
	return !t.NextFireTime.IsZero()
}

// Recompute refreshes NextFireTime after the trigger's calendar changed.
// A result that is already further than threshold in the past is skipped
// forward once.
func Recompute(t *domain.Trigger, cal domain.Calendar, now time.Time, threshold time.Duration) {
	from := t.PreviousFireTime
	if from.IsZero() {
		from = t.StartTime.Add(-time.Nanosecond)
	}
	t.NextFireTime = After(t, from, cal)
	if !t.NextFireTime.IsZero() && t.NextFireTime.Before(now) && now.Sub(t.NextFireTime) >= threshold {
		t.NextFireTime = After(t, t.NextFireTime, cal)
	}
}

// Final returns the last fire time of t, or the zero time when it is
// unbounded or cannot be computed for the schedule kind.
func Final(t *domain.Trigger) time.Time {
	s, ok := t.Schedule.(domain.SimpleSchedule)
	if !ok {
		return time.Time{}
	}
	if s.RepeatCount == 0 {
		return t.StartTime.UTC()
	}
	var last time.Time
	if s.RepeatCount != domain.RepeatIndefinitely {
		last = t.StartTime.Add(time.Duration(s.RepeatCount) * s.RepeatInterval)
	}
	if !t.EndTime.IsZero() && (last.IsZero() || !last.Before(t.EndTime)) {
		n := (t.EndTime.Sub(t.StartTime) - 1) / s.RepeatInterval
		last = t.StartTime.Add(n * s.RepeatInterval)
	}
	if last.IsZero() {
		return last
	}
	return last.UTC()
}

// FiresBetween counts the fires of a simple trigger in (from, to].
func FiresBetween(s domain.SimpleSchedule, from, to time.Time) int {
	if s.RepeatInterval <= 0 || !to.After(from) {
		return 0
	}
	return int(to.Sub(from) / s.RepeatInterval)
}

func fireTimeAfter(t *domain.Trigger, after time.Time) time.Time {
	if !t.EndTime.IsZero() && !after.Before(t.EndTime) {
		return time.Time{}
	}
	var next time.Time
	switch s := t.Schedule.(type) {
	case domain.SimpleSchedule:
		next = simpleAfter(t, s, after)
	case domain.CronSchedule:
		next = cronAfter(t, s, after)
	case domain.DailyTimeIntervalSchedule:
		next = dailyAfter(t, s, after)
	case domain.CalendarIntervalSchedule:
		next = calendarIntervalAfter(t, s, after)
	}
	if next.IsZero() || (!t.EndTime.IsZero() && next.After(t.EndTime)) {
		return time.Time{}
	}
	return next.UTC()
}

func simpleAfter(t *domain.Trigger, s domain.SimpleSchedule, after time.Time) time.Time {
	if s.RepeatCount != domain.RepeatIndefinitely && t.TimesTriggered > s.RepeatCount {
		return time.Time{}
	}
	if after.Before(t.StartTime) {
		return t.StartTime
	}
	if s.RepeatCount == 0 || s.RepeatInterval <= 0 {
		return time.Time{}
	}
	n := int64(after.Sub(t.StartTime)/s.RepeatInterval) + 1
	if s.RepeatCount != domain.RepeatIndefinitely && n > int64(s.RepeatCount) {
		return time.Time{}
	}
	next := t.StartTime.Add(time.Duration(n) * s.RepeatInterval)
	if !t.EndTime.IsZero() && !next.Before(t.EndTime) {
		return time.Time{}
	}
	return next
}

func cronAfter(t *domain.Trigger, s domain.CronSchedule, after time.Time) time.Time {
	sched, err := cron.Parse(s.Expression, s.TimeZone)
	if err != nil {
		return time.Time{}
	}
	if after.Before(t.StartTime) {
		after = t.StartTime.Add(-time.Nanosecond)
	}
	return sched.Next(after)
}

// Validate checks a trigger before it is stored.
func Validate(t *domain.Trigger) error {
	if t.Key.Name == "" {
		return fmt.Errorf("%w: trigger name is required", ErrInvalidSchedule)
	}
	if t.JobKey.Name == "" {
		return fmt.Errorf("%w: trigger %s has no job", ErrInvalidSchedule, t.Key)
	}
	if t.StartTime.IsZero() {
		return fmt.Errorf("%w: trigger %s has no start time", ErrInvalidSchedule, t.Key)
	}
	if !t.EndTime.IsZero() && t.EndTime.Before(t.StartTime) {
		return fmt.Errorf("%w: trigger %s ends before it starts", ErrInvalidSchedule, t.Key)
	}
	if !t.MisfireInstruction.Valid() {
		return fmt.Errorf("%w: unknown misfire instruction %q", ErrInvalidSchedule, t.MisfireInstruction)
	}

	switch s := t.Schedule.(type) {
	case nil:
		return fmt.Errorf("%w: trigger %s has no schedule", ErrInvalidSchedule, t.Key)
	case domain.SimpleSchedule:
		if s.RepeatCount < domain.RepeatIndefinitely {
			return fmt.Errorf("%w: repeat count must be >= -1", ErrInvalidSchedule)
		}
		if s.RepeatCount != 0 && s.RepeatInterval <= 0 {
			return fmt.Errorf("%w: repeat interval must be positive", ErrInvalidSchedule)
		}
	case domain.CronSchedule:
		if _, err := cron.Parse(s.Expression, s.TimeZone); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
		}
	case domain.DailyTimeIntervalSchedule:
		if s.Interval <= 0 {
			return fmt.Errorf("%w: interval must be positive", ErrInvalidSchedule)
		}
		if _, ok := s.Unit.Duration(); !ok {
			return fmt.Errorf("%w: daily interval unit must be second, minute or hour", ErrInvalidSchedule)
		}
		if s.EndTimeOfDay.Seconds() <= s.StartTimeOfDay.Seconds() {
			return fmt.Errorf("%w: end time of day must be after start time of day", ErrInvalidSchedule)
		}
		if s.RepeatCount < domain.RepeatIndefinitely {
			return fmt.Errorf("%w: repeat count must be >= -1", ErrInvalidSchedule)
		}
		if _, err := domain.LoadLocation(s.TimeZone); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
		}
	case domain.CalendarIntervalSchedule:
		if s.Interval <= 0 {
			return fmt.Errorf("%w: interval must be positive", ErrInvalidSchedule)
		}
		switch s.Unit {
		case domain.UnitSecond, domain.UnitMinute, domain.UnitHour, domain.UnitDay,
			domain.UnitWeek, domain.UnitMonth, domain.UnitYear:
		default:
			return fmt.Errorf("%w: unknown interval unit %q", ErrInvalidSchedule, s.Unit)
		}
		if _, err := domain.LoadLocation(s.TimeZone); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
		}
	default:
		return fmt.Errorf("%w: unsupported schedule %T", ErrInvalidSchedule, s)
	}

	switch t.MisfireInstruction {
	case domain.MisfireRescheduleNowExistingCount, domain.MisfireRescheduleNowRemainingCount,
		domain.MisfireRescheduleNextExistingCount, domain.MisfireRescheduleNextRemainingCount:
		if _, ok := t.Schedule.(domain.SimpleSchedule); !ok {
			return fmt.Errorf("%w: misfire instruction %q applies to simple schedules only", ErrInvalidSchedule, t.MisfireInstruction)
		}
	}
	return nil
}
