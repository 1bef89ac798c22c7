package lock

import (
	"context"
	"database/sql"
)

// Local serialises lock holders inside one process. It is the semaphore
// of non-clustered SQL stores.
type Local struct {
	slots map[string]chan struct{}
}

func NewLocal() *Local {
	l := &Local{slots: make(map[string]chan struct{}, len(Names))}
	for _, n := range Names {
		l.slots[n] = make(chan struct{}, 1)
	}
	return l
}

func (l *Local) Obtain(ctx context.Context, _ *sql.Tx, name string) error {
	slot, ok := l.slots[name]
	if !ok {
		return checkName(name)
	}
	select {
	case slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Local) Release(_ context.Context, name string) error {
	slot, ok := l.slots[name]
	if !ok {
		return checkName(name)
	}
	select {
	case <-slot:
	default:
	}
	return nil
}
