// Package sqldb is the store backend for a database shared by every
// scheduler instance of a cluster. It runs on PostgreSQL (lib/pq or pgx)
// and SQLite.
package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pressly/goose/v3"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect describes how to talk to one database engine.
type Dialect struct {
	Name       string
	DriverName string
	Goose      goose.Dialect

	// Numbered selects $1, $2, ... placeholders instead of ?.
	Numbered bool
	// SingleWriter limits the pool to one connection.
	SingleWriter bool
}

var (
	Postgres = Dialect{Name: "postgres", DriverName: "postgres", Goose: goose.DialectPostgres, Numbered: true}
	PGX      = Dialect{Name: "pgx", DriverName: "pgx", Goose: goose.DialectPostgres, Numbered: true}
	SQLite   = Dialect{Name: "sqlite", DriverName: "sqlite", Goose: goose.DialectSQLite3, SingleWriter: true}
)

// DialectFor resolves a configured driver name.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case "postgres", "":
		return Postgres, nil
	case "pgx":
		return PGX, nil
	case "sqlite":
		return SQLite, nil
	}
	return Dialect{}, fmt.Errorf("sqldb: unsupported driver %q", driver)
}

// Rebind rewrites ? placeholders for the dialect. Queries must not contain
// literal question marks.
func (d Dialect) Rebind(query string) string {
	if !d.Numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// PoolOptions tune the connection pool.
type PoolOptions struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	BusyTimeout     time.Duration
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, d Dialect, dsn string, opts PoolOptions) (*sql.DB, error) {
	db, err := sql.Open(d.DriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqldb: open %s: %w", d.Name, err)
	}

	if d.SingleWriter {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		if opts.MaxOpenConns > 0 {
			db.SetMaxOpenConns(opts.MaxOpenConns)
		}
		if opts.MaxIdleConns > 0 {
			db.SetMaxIdleConns(opts.MaxIdleConns)
		}
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqldb: ping %s: %w", d.Name, err)
	}

	if d == SQLite {
		busy := opts.BusyTimeout
		if busy <= 0 {
			busy = 5 * time.Second
		}
		for _, p := range []string{
			fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
			"PRAGMA journal_mode = WAL",
			"PRAGMA synchronous = NORMAL",
			"PRAGMA foreign_keys = ON",
		} {
			if _, err := db.ExecContext(ctx, p); err != nil {
				db.Close()
				return nil, fmt.Errorf("sqldb: %s: %w", p, err)
			}
		}
	}
	return db, nil
}
