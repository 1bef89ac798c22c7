// Package jobs provides the job types shipped with the scheduler daemon.
package jobs

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/quartznet/quartznet-sub011/internal/job"
)

// Built-in job types.
const (
	TypeWebhook = "webhook"
	TypeLog     = "log"
	TypeNoop    = "noop"
)

// Register adds the built-in job types to reg.
func Register(reg *job.Registry, webhook *Webhook, logger zerolog.Logger) {
	reg.RegisterJob(TypeWebhook, webhook)
	reg.RegisterJob(TypeLog, Log{logger: logger.With().Str("component", "job").Logger()})
	reg.RegisterJob(TypeNoop, Noop{})
}

// Noop does nothing.
type Noop struct{}

func (Noop) Execute(context.Context, *job.ExecutionContext) error { return nil }

// Log writes one line per fire. The optional "message" data key is
// included.
type Log struct {
	logger zerolog.Logger
}

func (l Log) Execute(_ context.Context, ec *job.ExecutionContext) error {
	l.logger.Info().
		Str("job", ec.JobDetail.Key.String()).
		Str("trigger", ec.Trigger.Key.String()).
		Time("scheduled_at", ec.ScheduledFireTime).
		Time("fired_at", ec.FireTime).
		Bool("recovering", ec.Recovering).
		Msg(ec.MergedData.String("message"))
	return nil
}

// dataDuration reads a duration stored as a Go duration string or as a
// number of seconds.
func dataDuration(v any, def time.Duration) time.Duration {
	switch x := v.(type) {
	case string:
		if d, err := time.ParseDuration(x); err == nil && d > 0 {
			return d
		}
	case float64:
		if x > 0 {
			return time.Duration(x * float64(time.Second))
		}
	case int:
		if x > 0 {
			return time.Duration(x) * time.Second
		}
	}
	return def
}

func dataInt(v any, def int) int {
	switch x := v.(type) {
	case float64:
		if x >= 1 {
			return int(x)
		}
	case int:
		if x >= 1 {
			return x
		}
	case string:
		if n, err := strconv.Atoi(x); err == nil && n >= 1 {
			return n
		}
	}
	return def
}
