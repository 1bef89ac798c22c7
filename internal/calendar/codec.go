package calendar

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/quartznet/quartznet-sub011/internal/domain"
)

// Calendar kinds used in Spec.Type.
const (
	TypeHoliday = "holiday"
	TypeWeekly  = "weekly"
	TypeAnnual  = "annual"
	TypeDaily   = "daily"
	TypeCron    = "cron"
)

var ErrUnknownType = errors.New("calendar: unknown type")

// Spec is the serialised form of a calendar. It is stored as JSON by the
// SQL store and read from YAML by the jobs file loader.
type Spec struct {
	Type        string `json:"type" yaml:"type"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	TimeZone    string `json:"time_zone,omitempty" yaml:"time_zone,omitempty"`
	Base        *Spec  `json:"base,omitempty" yaml:"base,omitempty"`

	// holiday: YYYY-MM-DD
	Dates []string `json:"dates,omitempty" yaml:"dates,omitempty"`
	// weekly: weekday names, e.g. "Saturday"
	Days []string `json:"days,omitempty" yaml:"days,omitempty"`
	// annual: MM-DD
	MonthDays []string `json:"month_days,omitempty" yaml:"month_days,omitempty"`
	// daily: HH:MM[:SS]
	RangeStart string `json:"range_start,omitempty" yaml:"range_start,omitempty"`
	RangeEnd   string `json:"range_end,omitempty" yaml:"range_end,omitempty"`
	Invert     bool   `json:"invert,omitempty" yaml:"invert,omitempty"`
	// cron
	Expression string `json:"expression,omitempty" yaml:"expression,omitempty"`
}

// Build constructs the calendar described by s, including its base chain.
func (s Spec) Build() (domain.Calendar, error) {
	loc, err := domain.LoadLocation(s.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("calendar: %w", err)
	}
	chain := Chain{Description: s.Description, Location: loc}
	if s.Base != nil {
		base, err := s.Base.Build()
		if err != nil {
			return nil, err
		}
		chain.Base = base
	}

	switch s.Type {
	case TypeHoliday:
		h := NewHoliday(chain)
		for _, d := range s.Dates {
			t, err := time.ParseInLocation(time.DateOnly, d, loc)
			if err != nil {
				return nil, fmt.Errorf("calendar: holiday date %q: %w", d, err)
			}
			h.AddExcludedDate(t)
		}
		return h, nil
	case TypeWeekly:
		w := NewWeekly(chain)
		for _, d := range s.Days {
			wd, err := ParseWeekday(d)
			if err != nil {
				return nil, err
			}
			w.Excluded[wd] = true
		}
		return w, nil
	case TypeAnnual:
		a := NewAnnual(chain)
		for _, md := range s.MonthDays {
			var m, d int
			if _, err := fmt.Sscanf(md, "%d-%d", &m, &d); err != nil || m < 1 || m > 12 || d < 1 || d > 31 {
				return nil, fmt.Errorf("calendar: invalid month-day %q", md)
			}
			a.Days = append(a.Days, MonthDay{Month: time.Month(m), Day: d})
		}
		return a, nil
	case TypeDaily:
		start, err := domain.ParseTimeOfDay(s.RangeStart)
		if err != nil {
			return nil, fmt.Errorf("calendar: %w", err)
		}
		end, err := domain.ParseTimeOfDay(s.RangeEnd)
		if err != nil {
			return nil, fmt.Errorf("calendar: %w", err)
		}
		return NewDaily(chain, start, end, s.Invert), nil
	case TypeCron:
		return NewCron(chain, s.Expression)
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownType, s.Type)
}

// Describe converts a calendar built by this package back to a Spec.
func Describe(cal domain.Calendar) (Spec, error) {
	var (
		s     Spec
		chain Chain
	)
	switch c := cal.(type) {
	case *Holiday:
		chain = c.Chain
		s.Type = TypeHoliday
		for _, d := range c.ExcludedDates() {
			s.Dates = append(s.Dates, d.Format(time.DateOnly))
		}
		slices.Sort(s.Dates)
	case *Weekly:
		chain = c.Chain
		s.Type = TypeWeekly
		for d, excluded := range c.Excluded {
			if excluded {
				s.Days = append(s.Days, time.Weekday(d).String())
			}
		}
	case *Annual:
		chain = c.Chain
		s.Type = TypeAnnual
		for _, md := range c.Days {
			s.MonthDays = append(s.MonthDays, fmt.Sprintf("%02d-%02d", int(md.Month), md.Day))
		}
	case *Daily:
		chain = c.Chain
		s.Type = TypeDaily
		s.RangeStart = c.RangeStart.String()
		s.RangeEnd = c.RangeEnd.String()
		s.Invert = c.Invert
	case *Cron:
		chain = c.Chain
		s.Type = TypeCron
		s.Expression = c.Expression
	default:
		return Spec{}, fmt.Errorf("%w %T", ErrUnknownType, cal)
	}

	s.Description = chain.Description
	if chain.Location != nil && chain.Location != time.UTC {
		s.TimeZone = chain.Location.String()
	}
	if chain.Base != nil {
		base, err := Describe(chain.Base)
		if err != nil {
			return Spec{}, err
		}
		s.Base = &base
	}
	return s, nil
}

// Marshal encodes cal as JSON.
func Marshal(cal domain.Calendar) ([]byte, error) {
	s, err := Describe(cal)
	if err != nil {
		return nil, err
	}
	return json.Marshal(s)
}

// Unmarshal decodes a calendar previously encoded with Marshal.
func Unmarshal(data []byte) (domain.Calendar, error) {
	var s Spec
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("calendar: decode: %w", err)
	}
	return s.Build()
}

// ParseWeekday accepts full ("Monday") or short ("Mon") weekday names.
func ParseWeekday(s string) (time.Weekday, error) {
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := d.String()
		if s == name || s == name[:3] {
			return d, nil
		}
	}
	return 0, fmt.Errorf("calendar: invalid weekday %q", s)
}
