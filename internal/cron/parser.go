package cron

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Parser accepts five-field (minute precision) and six-field (second
// precision) expressions. A seventh year field is accepted only when it is
// "*" or "?". "?" is treated as "*" in day-of-month and day-of-week.
type Parser struct {
	parser cron.Parser
}

func NewParser() *Parser {
	return &Parser{
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

func (p *Parser) Parse(expression string, timezone string) (Schedule, error) {
	expr, err := normalize(expression)
	if err != nil {
		return nil, err
	}

	sched, err := p.parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse cron: %w", err)
	}

	if timezone == "" {
		timezone = "UTC"
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone: %w", err)
	}

	return &schedule{sched: sched, loc: loc}, nil
}

func normalize(expression string) (string, error) {
	fields := strings.Fields(expression)
	if len(fields) == 7 {
		if year := fields[6]; year != "*" && year != "?" {
			return "", fmt.Errorf("parse cron: year field %q not supported", year)
		}
		fields = fields[:6]
	}
	return strings.Join(fields, " "), nil
}

type Schedule interface {
	// Next returns the first matching instant strictly after after, or the
	// zero time if none exists within five years.
	Next(after time.Time) time.Time
}

type schedule struct {
	sched cron.Schedule
	loc   *time.Location
}

func (s *schedule) Next(after time.Time) time.Time {
	next := s.sched.Next(after.In(s.loc))
	if next.IsZero() {
		return next
	}
	return next.UTC()
}

// Matches reports whether t, truncated to the second, satisfies s.
func Matches(s Schedule, t time.Time) bool {
	t = t.Truncate(time.Second)
	return s.Next(t.Add(-time.Second)).Equal(t)
}

var (
	defaultParser = NewParser()
	cacheMu       sync.RWMutex
	cache         = map[string]Schedule{}
)

// Parse parses with the default parser and memoises the result. Fire time
// computations call it on every advance.
func Parse(expression, timezone string) (Schedule, error) {
	key := timezone + "|" + expression

	cacheMu.RLock()
	s, ok := cache[key]
	cacheMu.RUnlock()
	if ok {
		return s, nil
	}

	s, err := defaultParser.Parse(expression, timezone)
	if err != nil {
		return nil, err
	}

	cacheMu.Lock()
	if len(cache) > 4096 {
		cache = map[string]Schedule{}
	}
	cache[key] = s
	cacheMu.Unlock()
	return s, nil
}
