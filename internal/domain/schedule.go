package domain

import (
	"fmt"
	"time"
)

// ScheduleKind tags the Schedule variants.
type ScheduleKind string

const (
	KindSimple           ScheduleKind = "simple"
	KindCron             ScheduleKind = "cron"
	KindDailyTimeWindow  ScheduleKind = "daily"
	KindCalendarInterval ScheduleKind = "calendar"
)

// RepeatIndefinitely is the repeat count of a schedule that never runs out.
const RepeatIndefinitely = -1

// Schedule is the closed set of type-specific trigger parameters.
// Implementations: SimpleSchedule, CronSchedule, DailyTimeIntervalSchedule,
// CalendarIntervalSchedule.
type Schedule interface {
	Kind() ScheduleKind
	clone() Schedule
}

// SimpleSchedule fires at StartTime and then every RepeatInterval,
// RepeatCount more times.
type SimpleSchedule struct {
	RepeatInterval time.Duration
	RepeatCount    int
}

func (SimpleSchedule) Kind() ScheduleKind { return KindSimple }
func (s SimpleSchedule) clone() Schedule  { return s }

// CronSchedule fires at instants matching a cron expression.
type CronSchedule struct {
	Expression string
	TimeZone   string
}

func (CronSchedule) Kind() ScheduleKind { return KindCron }
func (s CronSchedule) clone() Schedule  { return s }

// IntervalUnit is the unit of interval-based schedules.
type IntervalUnit string

const (
	UnitSecond IntervalUnit = "second"
	UnitMinute IntervalUnit = "minute"
	UnitHour   IntervalUnit = "hour"
	UnitDay    IntervalUnit = "day"
	UnitWeek   IntervalUnit = "week"
	UnitMonth  IntervalUnit = "month"
	UnitYear   IntervalUnit = "year"
)

// Duration converts fixed-length units to a duration. Day, week, month and
// year return false since their length depends on the calendar.
func (u IntervalUnit) Duration() (time.Duration, bool) {
	switch u {
	case UnitSecond:
		return time.Second, true
	case UnitMinute:
		return time.Minute, true
	case UnitHour:
		return time.Hour, true
	}
	return 0, false
}

// TimeOfDay is a wall-clock time without a date.
type TimeOfDay struct {
	Hour   int
	Minute int
	Second int
}

// Seconds returns the offset from midnight.
func (t TimeOfDay) Seconds() int { return t.Hour*3600 + t.Minute*60 + t.Second }

// On returns the instant of t on the date of day, in day's location.
func (t TimeOfDay) On(day time.Time) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, t.Hour, t.Minute, t.Second, 0, day.Location())
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", t.Hour, t.Minute, t.Second)
}

// ParseTimeOfDay parses "HH:MM" or "HH:MM:SS".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	var t TimeOfDay
	n, err := fmt.Sscanf(s, "%d:%d:%d", &t.Hour, &t.Minute, &t.Second)
	if err != nil && n != 2 {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q", s)
	}
	if t.Hour < 0 || t.Hour > 23 || t.Minute < 0 || t.Minute > 59 || t.Second < 0 || t.Second > 59 {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q", s)
	}
	return t, nil
}

// DailyTimeIntervalSchedule fires every Interval Units between
// StartTimeOfDay and EndTimeOfDay on the selected days of the week.
type DailyTimeIntervalSchedule struct {
	StartTimeOfDay TimeOfDay
	EndTimeOfDay   TimeOfDay
	DaysOfWeek     []time.Weekday // empty means every day
	Interval       int
	Unit           IntervalUnit // second, minute or hour
	RepeatCount    int
	TimeZone       string
}

func (DailyTimeIntervalSchedule) Kind() ScheduleKind { return KindDailyTimeWindow }

func (s DailyTimeIntervalSchedule) clone() Schedule {
	s.DaysOfWeek = append([]time.Weekday(nil), s.DaysOfWeek...)
	return s
}

// IncludesDay reports whether the schedule runs on weekday d.
func (s DailyTimeIntervalSchedule) IncludesDay(d time.Weekday) bool {
	if len(s.DaysOfWeek) == 0 {
		return true
	}
	for _, w := range s.DaysOfWeek {
		if w == d {
			return true
		}
	}
	return false
}

// CalendarIntervalSchedule fires every Interval Units using calendar
// arithmetic in TimeZone, so "every 1 month" keeps the day of month.
type CalendarIntervalSchedule struct {
	Interval                   int
	Unit                       IntervalUnit
	TimeZone                   string
	PreserveHourOfDayAcrossDST bool
	SkipDayIfHourDoesNotExist  bool
}

func (CalendarIntervalSchedule) Kind() ScheduleKind { return KindCalendarInterval }
func (s CalendarIntervalSchedule) clone() Schedule  { return s }

// LoadLocation resolves an IANA zone name, defaulting to UTC.
func LoadLocation(name string) (*time.Location, error) {
	if name == "" || name == "UTC" {
		return time.UTC, nil
	}
	return time.LoadLocation(name)
}
