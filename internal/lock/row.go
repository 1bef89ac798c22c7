package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const (
	selectLockForUpdate = `SELECT lock_name FROM sched_locks WHERE sched_name = ? AND lock_name = ? FOR UPDATE`
	insertLock          = `INSERT INTO sched_locks (sched_name, lock_name) VALUES (?, ?) ON CONFLICT DO NOTHING`
	touchLock           = `UPDATE sched_locks SET lock_name = lock_name WHERE sched_name = ? AND lock_name = ?`
)

// RowLock locks a row of sched_locks with SELECT ... FOR UPDATE. The lock
// lives until the transaction ends.
type RowLock struct {
	schedName string
	rebind    Rebinder
}

func NewRowLock(schedName string, rebind Rebinder) *RowLock {
	return &RowLock{schedName: schedName, rebind: rebind}
}

func (r *RowLock) Obtain(ctx context.Context, tx *sql.Tx, name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	if tx == nil {
		return fmt.Errorf("lock: row lock %s needs a transaction", name)
	}

	for attempt := 0; attempt < 2; attempt++ {
		var got string
		err := tx.QueryRowContext(ctx, r.rebind(selectLockForUpdate), r.schedName, name).Scan(&got)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("lock: select %s: %w", name, err)
		}
		// First use of this lock in this scheduler: create the row and lock it.
		if _, err := tx.ExecContext(ctx, r.rebind(insertLock), r.schedName, name); err != nil {
			return fmt.Errorf("lock: insert %s: %w", name, err)
		}
	}
	return fmt.Errorf("lock: row for %s missing after insert", name)
}

func (r *RowLock) Release(context.Context, string) error { return nil }

// UpdateRowLock locks a row of sched_locks by updating it. It works on
// databases without SELECT ... FOR UPDATE, such as SQLite, where the first
// write takes the database write lock.
type UpdateRowLock struct {
	schedName string
	rebind    Rebinder
}

func NewUpdateRowLock(schedName string, rebind Rebinder) *UpdateRowLock {
	return &UpdateRowLock{schedName: schedName, rebind: rebind}
}

func (u *UpdateRowLock) Obtain(ctx context.Context, tx *sql.Tx, name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	if tx == nil {
		return fmt.Errorf("lock: update row lock %s needs a transaction", name)
	}

	res, err := tx.ExecContext(ctx, u.rebind(touchLock), u.schedName, name)
	if err != nil {
		return fmt.Errorf("lock: update %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := tx.ExecContext(ctx, u.rebind(insertLock), u.schedName, name); err != nil {
		return fmt.Errorf("lock: insert %s: %w", name, err)
	}
	return nil
}

func (u *UpdateRowLock) Release(context.Context, string) error { return nil }
