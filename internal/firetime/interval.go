package firetime

import (
	"time"

	"github.com/quartznet/quartznet-sub011/internal/domain"
)

// dailyAfter walks the daily windows forward from after. Fire times are
// aligned to StartTimeOfDay on each included day.
func dailyAfter(t *domain.Trigger, s domain.DailyTimeIntervalSchedule, after time.Time) time.Time {
	if s.RepeatCount != domain.RepeatIndefinitely && t.TimesTriggered > s.RepeatCount {
		return time.Time{}
	}
	unit, ok := s.Unit.Duration()
	if !ok || s.Interval <= 0 {
		return time.Time{}
	}
	step := time.Duration(s.Interval) * unit
	loc, err := domain.LoadLocation(s.TimeZone)
	if err != nil {
		return time.Time{}
	}

	cand := after.Truncate(time.Second).Add(time.Second)
	if cand.Before(t.StartTime) {
		cand = t.StartTime
	}

	// Eight days covers a full week of excluded weekdays plus the current one.
	for i := 0; i < 8; i++ {
		local := cand.In(loc)
		dayStart := s.StartTimeOfDay.On(local)
		dayEnd := s.EndTimeOfDay.On(local)
		nextDay := s.StartTimeOfDay.On(time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, loc))

		if !s.IncludesDay(local.Weekday()) {
			cand = nextDay
			continue
		}
		switch {
		case local.Before(dayStart):
			cand = dayStart
		default:
			n := (local.Sub(dayStart) + step - 1) / step
			cand = dayStart.Add(n * step)
		}
		if cand.After(dayEnd) {
			cand = nextDay
			continue
		}
		return cand
	}
	return time.Time{}
}

// calendarIntervalAfter returns StartTime + k*Interval Units for the
// smallest k whose instant is after after. Month and year steps clamp the
// day of month to the length of the target month.
func calendarIntervalAfter(t *domain.Trigger, s domain.CalendarIntervalSchedule, after time.Time) time.Time {
	if after.Before(t.StartTime) {
		return t.StartTime
	}
	if s.Interval <= 0 {
		return time.Time{}
	}
	if unit, ok := s.Unit.Duration(); ok {
		step := time.Duration(s.Interval) * unit
		n := after.Sub(t.StartTime)/step + 1
		return t.StartTime.Add(n * step)
	}

	loc, err := domain.LoadLocation(s.TimeZone)
	if err != nil {
		return time.Time{}
	}
	start := t.StartTime.In(loc)

	var k int
	switch s.Unit {
	case domain.UnitDay, domain.UnitWeek:
		days := s.Interval
		if s.Unit == domain.UnitWeek {
			days *= 7
		}
		k = int(after.Sub(start).Hours()/24)/days - 1
	case domain.UnitMonth, domain.UnitYear:
		a := after.In(loc)
		months := (a.Year()-start.Year())*12 + int(a.Month()-start.Month())
		per := s.Interval
		if s.Unit == domain.UnitYear {
			per *= 12
		}
		k = months/per - 1
	default:
		return time.Time{}
	}
	if k < 1 {
		k = 1
	}

	for i := 0; i < 1000; i++ {
		cand := calendarStep(start, s, k)
		if cand.After(after) && (!s.SkipDayIfHourDoesNotExist || cand.In(loc).Hour() == start.Hour()) {
			return cand
		}
		k++
	}
	return time.Time{}
}

func calendarStep(start time.Time, s domain.CalendarIntervalSchedule, k int) time.Time {
	loc := start.Location()
	y, m, d := start.Date()
	hh, mm, ss := start.Clock()
	ns := start.Nanosecond()

	switch s.Unit {
	case domain.UnitDay, domain.UnitWeek:
		days := k * s.Interval
		if s.Unit == domain.UnitWeek {
			days *= 7
		}
		if !s.PreserveHourOfDayAcrossDST {
			return start.Add(time.Duration(days) * 24 * time.Hour)
		}
		return time.Date(y, m, d+days, hh, mm, ss, ns, loc)
	case domain.UnitMonth, domain.UnitYear:
		months := k * s.Interval
		if s.Unit == domain.UnitYear {
			months *= 12
		}
		first := time.Date(y, m+time.Month(months), 1, hh, mm, ss, ns, loc)
		if last := daysIn(first); d > last {
			d = last
		}
		return time.Date(first.Year(), first.Month(), d, hh, mm, ss, ns, loc)
	}
	return time.Time{}
}

func daysIn(t time.Time) int {
	return time.Date(t.Year(), t.Month()+1, 0, 0, 0, 0, 0, t.Location()).Day()
}
