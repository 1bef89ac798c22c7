// Package misfire decides whether a trigger missed its fire time and moves
// it according to its misfire instruction. Every policy leaves at most one
// catch-up fire for the whole gap.
package misfire

import (
	"time"

	"github.com/quartznet/quartznet-sub011/internal/domain"
	"github.com/quartznet/quartznet-sub011/internal/firetime"
)

// DefaultThreshold is how late a trigger may be before it counts as
// misfired.
const DefaultThreshold = 60 * time.Second

type Evaluator struct {
	Threshold time.Duration
}

func New(threshold time.Duration) Evaluator {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return Evaluator{Threshold: threshold}
}

// IsMisfired reports whether t is later than the threshold and its
// instruction does not ignore misfires.
func (e Evaluator) IsMisfired(t *domain.Trigger, now time.Time) bool {
	if t.MisfireInstruction == domain.MisfireIgnore || t.NextFireTime.IsZero() {
		return false
	}
	return t.NextFireTime.Add(e.Threshold).Before(now)
}

// Effective resolves MisfireSmart (and the empty value) to the concrete
// instruction used for t's schedule kind.
func Effective(t *domain.Trigger) domain.MisfireInstruction {
	instr := t.MisfireInstruction
	s, simple := t.Schedule.(domain.SimpleSchedule)

	if instr == "" || instr == domain.MisfireSmart {
		if !simple {
			return domain.MisfireFireNow
		}
		switch s.RepeatCount {
		case 0:
			return domain.MisfireFireNow
		case domain.RepeatIndefinitely:
			return domain.MisfireRescheduleNextRemainingCount
		default:
			return domain.MisfireRescheduleNowExistingCount
		}
	}
	if !simple {
		switch instr {
		case domain.MisfireRescheduleNowExistingCount, domain.MisfireRescheduleNowRemainingCount:
			return domain.MisfireFireNow
		case domain.MisfireRescheduleNextExistingCount, domain.MisfireRescheduleNextRemainingCount:
			return domain.MisfireDoNothing
		}
		return instr
	}
	switch instr {
	case domain.MisfireFireNow:
		if s.RepeatCount != 0 {
			return domain.MisfireRescheduleNowRemainingCount
		}
	case domain.MisfireDoNothing:
		return domain.MisfireRescheduleNextRemainingCount
	}
	return instr
}

// Apply updates t after a misfire detected at now. It returns the
// instruction that was applied. A trigger left with a zero NextFireTime
// will not fire again.
func (e Evaluator) Apply(t *domain.Trigger, cal domain.Calendar, now time.Time) domain.MisfireInstruction {
	instr := Effective(t)

	switch instr {
	case domain.MisfireIgnore:
	case domain.MisfireFireNow:
		t.NextFireTime = now
	case domain.MisfireDoNothing, domain.MisfireRescheduleNextExistingCount:
		t.NextFireTime = firetime.After(t, now, cal)
	case domain.MisfireRescheduleNextRemainingCount:
		next := firetime.After(t, now, cal)
		if s, ok := t.Schedule.(domain.SimpleSchedule); ok && !next.IsZero() {
			t.TimesTriggered += firetime.FiresBetween(s, t.NextFireTime, next)
		}
		t.NextFireTime = next
	case domain.MisfireRescheduleNowExistingCount:
		s := t.Schedule.(domain.SimpleSchedule)
		if s.RepeatCount != 0 && s.RepeatCount != domain.RepeatIndefinitely {
			s.RepeatCount -= t.TimesTriggered
			t.TimesTriggered = 0
		}
		e.rescheduleNow(t, s, now)
	case domain.MisfireRescheduleNowRemainingCount:
		s := t.Schedule.(domain.SimpleSchedule)
		missed := firetime.FiresBetween(s, t.NextFireTime, now)
		if s.RepeatCount != 0 && s.RepeatCount != domain.RepeatIndefinitely {
			remaining := s.RepeatCount - (t.TimesTriggered + missed)
			if remaining < 0 {
				remaining = 0
			}
			s.RepeatCount = remaining
			t.TimesTriggered = 0
		}
		e.rescheduleNow(t, s, now)
	}
	return instr
}

func (e Evaluator) rescheduleNow(t *domain.Trigger, s domain.SimpleSchedule, now time.Time) {
	t.Schedule = s
	if !t.EndTime.IsZero() && t.EndTime.Before(now) {
		t.NextFireTime = time.Time{}
		return
	}
	t.StartTime = now
	t.NextFireTime = now
}
