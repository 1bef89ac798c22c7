package calendar

import (
	"testing"
	"time"

	"github.com/quartznet/quartznet-sub011/internal/domain"
)

func day(y int, m time.Month, d, h, min int) time.Time {
	return time.Date(y, m, d, h, min, 0, 0, time.UTC)
}

func TestHoliday_ExcludesWholeDay(t *testing.T) {
	h := NewHoliday(Chain{}, day(2024, 12, 25, 0, 0))

	if h.IsTimeIncluded(day(2024, 12, 25, 15, 30)) {
		t.Error("Christmas afternoon should be excluded")
	}
	if !h.IsTimeIncluded(day(2024, 12, 24, 23, 59)) {
		t.Error("Christmas eve should be included")
	}

	next := h.NextIncludedTime(day(2024, 12, 25, 9, 0))
	if want := day(2024, 12, 26, 0, 0); !next.Equal(want) {
		t.Errorf("NextIncludedTime = %s, want %s", next, want)
	}
}

func TestWeekly_SkipsWeekend(t *testing.T) {
	w := NewWeekly(Chain{}, time.Saturday, time.Sunday)

	// 2024-01-13 is a Saturday.
	sat := day(2024, 1, 13, 10, 0)
	if w.IsTimeIncluded(sat) {
		t.Error("Saturday should be excluded")
	}
	next := w.NextIncludedTime(sat)
	if want := day(2024, 1, 15, 0, 0); !next.Equal(want) {
		t.Errorf("NextIncludedTime = %s, want %s", next, want)
	}
}

func TestWeekly_AllExcluded(t *testing.T) {
	w := NewWeekly(Chain{}, time.Sunday, time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday, time.Saturday)
	if got := w.NextIncludedTime(day(2024, 1, 1, 0, 0)); !got.IsZero() {
		t.Errorf("expected zero time, got %s", got)
	}
}

func TestDaily_ExcludedRange(t *testing.T) {
	d := NewDaily(Chain{}, domain.TimeOfDay{Hour: 9}, domain.TimeOfDay{Hour: 17}, false)

	if d.IsTimeIncluded(day(2024, 5, 1, 12, 0)) {
		t.Error("noon should be excluded")
	}
	if !d.IsTimeIncluded(day(2024, 5, 1, 17, 0)) {
		t.Error("range end should be included")
	}
	if got, want := d.NextIncludedTime(day(2024, 5, 1, 12, 0)), day(2024, 5, 1, 17, 0); !got.Equal(want) {
		t.Errorf("NextIncludedTime = %s, want %s", got, want)
	}
}

func TestDaily_Inverted(t *testing.T) {
	d := NewDaily(Chain{}, domain.TimeOfDay{Hour: 9}, domain.TimeOfDay{Hour: 17}, true)

	if !d.IsTimeIncluded(day(2024, 5, 1, 12, 0)) {
		t.Error("noon should be included when inverted")
	}
	if got, want := d.NextIncludedTime(day(2024, 5, 1, 18, 0)), day(2024, 5, 2, 9, 0); !got.Equal(want) {
		t.Errorf("NextIncludedTime = %s, want %s", got, want)
	}
	if got, want := d.NextIncludedTime(day(2024, 5, 1, 6, 0)), day(2024, 5, 1, 9, 0); !got.Equal(want) {
		t.Errorf("NextIncludedTime = %s, want %s", got, want)
	}
}

func TestAnnual(t *testing.T) {
	a := NewAnnual(Chain{}, MonthDay{Month: time.January, Day: 1})
	if a.IsTimeIncluded(day(2031, 1, 1, 8, 0)) {
		t.Error("new year should be excluded in any year")
	}
	if got, want := a.NextIncludedTime(day(2031, 1, 1, 8, 0)), day(2031, 1, 2, 0, 0); !got.Equal(want) {
		t.Errorf("NextIncludedTime = %s, want %s", got, want)
	}
}

func TestCron_ExcludesMatchingSeconds(t *testing.T) {
	c, err := NewCron(Chain{}, "* * 0-5 * * ?")
	if err != nil {
		t.Fatalf("NewCron: %v", err)
	}
	if c.IsTimeIncluded(day(2024, 1, 1, 3, 0)) {
		t.Error("03:00 should be excluded")
	}
	if got, want := c.NextIncludedTime(day(2024, 1, 1, 5, 59)), day(2024, 1, 1, 6, 0); !got.Equal(want) {
		t.Errorf("NextIncludedTime = %s, want %s", got, want)
	}
}

func TestChain_BaseCalendarApplies(t *testing.T) {
	weekend := NewWeekly(Chain{}, time.Saturday, time.Sunday)
	// 2024-01-12 is a Friday.
	h := NewHoliday(Chain{Base: weekend}, day(2024, 1, 12, 0, 0))

	if h.IsTimeIncluded(day(2024, 1, 13, 9, 0)) {
		t.Error("base calendar exclusion should apply")
	}
	if got, want := h.NextIncludedTime(day(2024, 1, 12, 9, 0)), day(2024, 1, 15, 0, 0); !got.Equal(want) {
		t.Errorf("NextIncludedTime = %s, want %s", got, want)
	}
}

func TestCodec_RoundTrip(t *testing.T) {
	weekend := NewWeekly(Chain{Description: "weekends"}, time.Saturday, time.Sunday)
	h := NewHoliday(Chain{Base: weekend, Description: "bank holidays"}, day(2024, 12, 25, 0, 0), day(2024, 12, 26, 0, 0))

	data, err := Marshal(h)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	probes := []time.Time{
		day(2024, 12, 24, 10, 0),
		day(2024, 12, 25, 10, 0),
		day(2024, 12, 26, 10, 0),
		day(2024, 12, 28, 10, 0),
		day(2024, 12, 30, 10, 0),
	}
	for _, p := range probes {
		if got.IsTimeIncluded(p) != h.IsTimeIncluded(p) {
			t.Errorf("decoded calendar disagrees at %s", p)
		}
	}

	spec, err := Describe(got)
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if spec.Base == nil || spec.Base.Type != TypeWeekly {
		t.Errorf("base calendar lost: %+v", spec.Base)
	}
	if spec.Description != "bank holidays" {
		t.Errorf("Description = %q", spec.Description)
	}
}

func TestSpec_Build_Errors(t *testing.T) {
	tests := []Spec{
		{Type: "lunar"},
		{Type: TypeHoliday, Dates: []string{"25/12/2024"}},
		{Type: TypeWeekly, Days: []string{"Funday"}},
		{Type: TypeDaily, RangeStart: "25:00", RangeEnd: "10:00"},
		{Type: TypeAnnual, MonthDays: []string{"13-01"}},
		{Type: TypeCron, Expression: "bogus"},
		{Type: TypeWeekly, TimeZone: "Nowhere/Land"},
	}
	for _, s := range tests {
		if _, err := s.Build(); err == nil {
			t.Errorf("Build(%+v) should fail", s)
		}
	}
}
