package lock

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
)

// Advisory uses transaction-scoped Postgres advisory locks. Postgres
// releases them at commit or rollback, so a dead connection never leaves a
// lock behind.
type Advisory struct {
	schedName string
}

func NewAdvisory(schedName string) *Advisory {
	return &Advisory{schedName: schedName}
}

// Key derives the advisory lock key for name.
func (a *Advisory) Key(name string) int64 {
	h := fnv.New64a()
	h.Write([]byte(a.schedName))
	h.Write([]byte{0})
	h.Write([]byte(name))
	return int64(h.Sum64())
}

func (a *Advisory) Obtain(ctx context.Context, tx *sql.Tx, name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	if tx == nil {
		return fmt.Errorf("lock: advisory lock %s needs a transaction", name)
	}
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", a.Key(name)); err != nil {
		return fmt.Errorf("lock: advisory %s: %w", name, err)
	}
	return nil
}

func (a *Advisory) Release(context.Context, string) error { return nil }
