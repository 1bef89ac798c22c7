package scheduler

import (
	"errors"
	"fmt"
)

var (
	ErrShutdown   = errors.New("scheduler is shut down")
	ErrNotStarted = errors.New("scheduler is not started")
)

// ConfigurationError rejects a management call whose input can never work:
// an unknown job type, an invalid schedule, a trigger that never fires, or
// a trigger pointing at a different job.
type ConfigurationError struct {
	Msg string
	Err error
}

func (e *ConfigurationError) Error() string {
	if e.Err == nil {
		return "scheduler configuration: " + e.Msg
	}
	return fmt.Sprintf("scheduler configuration: %s: %v", e.Msg, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

func configErr(err error, format string, args ...any) error {
	return &ConfigurationError{Msg: fmt.Sprintf(format, args...), Err: err}
}

// IsConfiguration reports whether err is a ConfigurationError.
func IsConfiguration(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
