package calendar

import (
	"time"

	"github.com/quartznet/quartznet-sub011/internal/cron"
)

// Cron excludes every second that matches an expression.
type Cron struct {
	Chain
	Expression string
	sched      cron.Schedule
}

// NewCron parses expression in chain.Location.
func NewCron(chain Chain, expression string) (*Cron, error) {
	sched, err := cron.Parse(expression, chain.loc().String())
	if err != nil {
		return nil, err
	}
	return &Cron{Chain: chain, Expression: expression, sched: sched}, nil
}

func (c *Cron) IsTimeIncluded(t time.Time) bool {
	return !cron.Matches(c.sched, t) && c.baseIncludes(t)
}

func (c *Cron) NextIncludedTime(t time.Time) time.Time {
	return c.next(t, func(t time.Time) time.Time {
		for i := 0; i < maxSteps; i++ {
			if !cron.Matches(c.sched, t) {
				return t
			}
			t = t.Truncate(time.Second).Add(time.Second)
		}
		return time.Time{}
	})
}
