// Package calendar implements the exclusion calendars a trigger can
// reference by name. Every calendar may chain to a base calendar; an
// instant is included only when both the calendar and its base include it.
package calendar

import (
	"time"

	"github.com/quartznet/quartznet-sub011/internal/domain"
)

// maxSteps bounds the search in NextIncludedTime. A calendar that excludes
// everything returns the zero time instead of looping forever.
const maxSteps = 100_000

// Chain holds the fields shared by every calendar kind.
type Chain struct {
	Description string
	Base        domain.Calendar
	Location    *time.Location
}

func (c Chain) loc() *time.Location {
	if c.Location == nil {
		return time.UTC
	}
	return c.Location
}

func (c Chain) baseIncludes(t time.Time) bool {
	return c.Base == nil || c.Base.IsTimeIncluded(t)
}

// next combines a calendar's own rule with its base calendar. ownNext must
// return the earliest instant >= t that the calendar itself includes.
func (c Chain) next(t time.Time, ownNext func(time.Time) time.Time) time.Time {
	for i := 0; i < maxSteps; i++ {
		n := ownNext(t)
		if n.IsZero() || c.baseIncludes(n) {
			return n
		}
		t = c.Base.NextIncludedTime(n)
		if t.IsZero() {
			return t
		}
	}
	return time.Time{}
}

// startOfNextDay returns midnight following t in loc.
func startOfNextDay(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, loc)
}

// nextIncludedDay steps t forward day by day while excluded reports true.
func nextIncludedDay(t time.Time, loc *time.Location, excluded func(time.Time) bool) time.Time {
	for i := 0; i < 3*366; i++ {
		if !excluded(t.In(loc)) {
			return t
		}
		t = startOfNextDay(t, loc)
	}
	return time.Time{}
}

// Holiday excludes whole dates.
type Holiday struct {
	Chain
	dates map[civilDate]struct{}
}

type civilDate struct {
	year  int
	month time.Month
	day   int
}

func dateOf(t time.Time) civilDate {
	y, m, d := t.Date()
	return civilDate{y, m, d}
}

// NewHoliday returns a calendar excluding the given dates, interpreted in
// chain.Location.
func NewHoliday(chain Chain, dates ...time.Time) *Holiday {
	h := &Holiday{Chain: chain, dates: make(map[civilDate]struct{}, len(dates))}
	for _, d := range dates {
		h.AddExcludedDate(d)
	}
	return h
}

func (h *Holiday) AddExcludedDate(d time.Time) {
	y, m, day := d.Date()
	h.dates[civilDate{y, m, day}] = struct{}{}
}

// ExcludedDates returns the excluded dates at midnight in the calendar's
// location, in no particular order.
func (h *Holiday) ExcludedDates() []time.Time {
	out := make([]time.Time, 0, len(h.dates))
	for d := range h.dates {
		out = append(out, time.Date(d.year, d.month, d.day, 0, 0, 0, 0, h.loc()))
	}
	return out
}

func (h *Holiday) excluded(t time.Time) bool {
	_, ok := h.dates[dateOf(t)]
	return ok
}

func (h *Holiday) IsTimeIncluded(t time.Time) bool {
	return !h.excluded(t.In(h.loc())) && h.baseIncludes(t)
}

func (h *Holiday) NextIncludedTime(t time.Time) time.Time {
	return h.next(t, func(t time.Time) time.Time { return nextIncludedDay(t, h.loc(), h.excluded) })
}

// Weekly excludes days of the week.
type Weekly struct {
	Chain
	Excluded [7]bool
}

func NewWeekly(chain Chain, days ...time.Weekday) *Weekly {
	w := &Weekly{Chain: chain}
	for _, d := range days {
		w.Excluded[d] = true
	}
	return w
}

func (w *Weekly) allExcluded() bool {
	for _, e := range w.Excluded {
		if !e {
			return false
		}
	}
	return true
}

func (w *Weekly) excluded(t time.Time) bool { return w.Excluded[t.Weekday()] }

func (w *Weekly) IsTimeIncluded(t time.Time) bool {
	return !w.excluded(t.In(w.loc())) && w.baseIncludes(t)
}

func (w *Weekly) NextIncludedTime(t time.Time) time.Time {
	if w.allExcluded() {
		return time.Time{}
	}
	return w.next(t, func(t time.Time) time.Time { return nextIncludedDay(t, w.loc(), w.excluded) })
}

// MonthDay is a day of the year without a year.
type MonthDay struct {
	Month time.Month
	Day   int
}

// Annual excludes the same days every year.
type Annual struct {
	Chain
	Days []MonthDay
}

func NewAnnual(chain Chain, days ...MonthDay) *Annual {
	return &Annual{Chain: chain, Days: days}
}

func (a *Annual) excluded(t time.Time) bool {
	_, m, d := t.Date()
	for _, md := range a.Days {
		if md.Month == m && md.Day == d {
			return true
		}
	}
	return false
}

func (a *Annual) IsTimeIncluded(t time.Time) bool {
	return !a.excluded(t.In(a.loc())) && a.baseIncludes(t)
}

func (a *Annual) NextIncludedTime(t time.Time) time.Time {
	return a.next(t, func(t time.Time) time.Time { return nextIncludedDay(t, a.loc(), a.excluded) })
}

// Daily excludes a time-of-day range [RangeStart, RangeEnd) every day. With
// Invert set only that range is included.
type Daily struct {
	Chain
	RangeStart domain.TimeOfDay
	RangeEnd   domain.TimeOfDay
	Invert     bool
}

func NewDaily(chain Chain, start, end domain.TimeOfDay, invert bool) *Daily {
	return &Daily{Chain: chain, RangeStart: start, RangeEnd: end, Invert: invert}
}

func (d *Daily) inRange(t time.Time) bool {
	s := t.Hour()*3600 + t.Minute()*60 + t.Second()
	return s >= d.RangeStart.Seconds() && s < d.RangeEnd.Seconds()
}

func (d *Daily) excluded(t time.Time) bool {
	return d.inRange(t) != d.Invert
}

func (d *Daily) IsTimeIncluded(t time.Time) bool {
	return !d.excluded(t.In(d.loc())) && d.baseIncludes(t)
}

func (d *Daily) NextIncludedTime(t time.Time) time.Time {
	if d.RangeStart.Seconds() >= d.RangeEnd.Seconds() {
		if d.Invert {
			return time.Time{}
		}
		return d.next(t, func(t time.Time) time.Time { return t })
	}
	return d.next(t, d.ownNext)
}

func (d *Daily) ownNext(t time.Time) time.Time {
	local := t.In(d.loc())
	if !d.excluded(local) {
		return t
	}
	if !d.Invert {
		return d.RangeEnd.On(local)
	}
	start := d.RangeStart.On(local)
	if local.Before(start) {
		return start
	}
	return d.RangeStart.On(startOfNextDay(local, d.loc()))
}
