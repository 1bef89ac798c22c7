package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quartznet/quartznet-sub011/internal/lock"
	"github.com/quartznet/quartznet-sub011/internal/store"
)

var errTxDone = errors.New("sqldb: transaction already finished")

// Backend implements store.Backend on a *sql.DB. Every row it touches is
// scoped to one scheduler name, so several schedulers can share a schema.
type Backend struct {
	db        *sql.DB
	dialect   Dialect
	schedName string
	sem       lock.Semaphore
	logger    zerolog.Logger
}

// New creates a backend. sem provides the TRIGGER_ACCESS and STATE_ACCESS
// locks; use NewSemaphore for the usual choice per dialect.
func New(db *sql.DB, d Dialect, schedName string, sem lock.Semaphore) *Backend {
	return &Backend{
		db:        db,
		dialect:   d,
		schedName: schedName,
		sem:       sem,
		logger:    log.With().Str("component", "sqldb").Logger(),
	}
}

// WithLogger sets the logger.
func (b *Backend) WithLogger(l zerolog.Logger) *Backend {
	b.logger = l.With().Str("component", "sqldb").Logger()
	return b
}

// NewSemaphore returns the lock implementation named by kind: "row"
// (sched_locks rows), "advisory" (Postgres only) or "local" (one process).
// An empty kind picks row locks.
func NewSemaphore(kind string, d Dialect, schedName string) (lock.Semaphore, error) {
	switch kind {
	case "row", "":
		if d.SingleWriter {
			return lock.NewUpdateRowLock(schedName, d.Rebind), nil
		}
		return lock.NewRowLock(schedName, d.Rebind), nil
	case "advisory":
		if !d.Numbered {
			return nil, fmt.Errorf("sqldb: advisory locks need postgres, not %s", d.Name)
		}
		return lock.NewAdvisory(schedName), nil
	case "local":
		return lock.NewLocal(), nil
	}
	return nil, fmt.Errorf("sqldb: unknown lock kind %q", kind)
}

func (b *Backend) DB() *sql.DB { return b.db }

func (b *Backend) Begin(ctx context.Context, locks ...string) (store.Tx, error) {
	scoped := lock.TxScoped(b.sem)
	t := &tx{b: b}

	if !scoped {
		for _, name := range locks {
			if err := b.sem.Obtain(ctx, nil, name); err != nil {
				t.release()
				return nil, err
			}
			t.held = append(t.held, name)
		}
	}

	sqlTx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		t.release()
		return nil, fmt.Errorf("sqldb: begin: %w", err)
	}
	t.tx = sqlTx

	if scoped {
		for _, name := range locks {
			if err := b.sem.Obtain(ctx, sqlTx, name); err != nil {
				_ = sqlTx.Rollback()
				return nil, err
			}
		}
	}
	return t, nil
}

func (b *Backend) Close() error { return b.db.Close() }
