package store

import (
	"errors"
	"fmt"

	"github.com/quartznet/quartznet-sub011/internal/firetime"
)

var (
	ErrObjectAlreadyExists = errors.New("object already exists")
	ErrJobNotFound         = errors.New("job not found")
	ErrTriggerNotFound     = errors.New("trigger not found")
	ErrCalendarNotFound    = errors.New("calendar not found")
	ErrCalendarInUse       = errors.New("calendar is referenced by a trigger")
	ErrJobMismatch         = errors.New("trigger belongs to a different job")
)

// PersistenceError reports a failed store operation. The operation's
// transaction has been rolled back.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsPersistence reports whether err is a PersistenceError.
func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

func isSemantic(err error) bool {
	for _, target := range []error{
		ErrObjectAlreadyExists, ErrJobNotFound, ErrTriggerNotFound,
		ErrCalendarNotFound, ErrCalendarInUse, ErrJobMismatch,
		firetime.ErrInvalidSchedule,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func wrap(op string, err error) error {
	if err == nil || isSemantic(err) || IsPersistence(err) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}
