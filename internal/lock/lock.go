// Package lock provides the named locks that serialise store operations
// across goroutines and, for shared stores, across scheduler instances.
//
// Two names exist. StateAccess guards scheduler instance rows; TriggerAccess
// guards triggers, jobs and fired records. Callers that need both obtain
// StateAccess first.
package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const (
	TriggerAccess = "TRIGGER_ACCESS"
	StateAccess   = "STATE_ACCESS"
)

// Names lists every lock in acquisition order.
var Names = []string{StateAccess, TriggerAccess}

var ErrUnknownLock = errors.New("lock: unknown lock name")

// Semaphore obtains and releases named locks. tx is the transaction the
// store operation runs in; database-backed semaphores scope the lock to it
// and ignore Release. Other semaphores ignore tx.
type Semaphore interface {
	Obtain(ctx context.Context, tx *sql.Tx, name string) error
	Release(ctx context.Context, name string) error
}

// Rebinder rewrites a query written with "?" placeholders for a driver.
type Rebinder func(query string) string

func checkName(name string) error {
	for _, n := range Names {
		if n == name {
			return nil
		}
	}
	return fmt.Errorf("%w %q", ErrUnknownLock, name)
}

// TxScoped reports whether s locks through the store transaction, in which
// case the transaction must be open before Obtain is called. Other
// semaphores are obtained before the transaction starts so a goroutine
// never holds a pooled connection while it waits for a lock.
func TxScoped(s Semaphore) bool {
	switch s.(type) {
	case *RowLock, *UpdateRowLock, *Advisory:
		return true
	}
	return false
}
