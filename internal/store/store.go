// Package store is the narrow database surface used by collectors, analyzers and job bodies.
//
// Two implementations are provided: Postgres (pgxpool guarded by a circuit breaker)
// and SQL (database/sql, used with the lib/pq driver). Both classify driver errors
// into the pgwarden error taxonomy so callers only ever see ConnectivityError or
// StatementError.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/koltyakov/pgwarden/internal/config"
	"github.com/koltyakov/pgwarden/internal/logger"
	"github.com/koltyakov/pgwarden/internal/metrics"
)

// Rows is a forward-only result cursor.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

// Store executes SQL against the managed database.
type Store interface {
	Query(ctx context.Context, sql string, args ...any) (Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (int64, error)
}

// DB is a Store that owns a connection pool.
type DB interface {
	Store
	Ping(ctx context.Context) error
	Close()
}

// Open connects using the driver named in cfg.
func Open(ctx context.Context, cfg config.DatabaseConfig, log logger.Logger, m *metrics.Metrics) (DB, error) {
	switch cfg.Driver {
	case "", config.DriverPgx:
		return NewPostgres(ctx, cfg, log, m)
	case config.DriverPostgres:
		return OpenSQL(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported driver %q", cfg.Driver)
	}
}

// QueryRow runs sql under timeout and scans the single resulting row into dst.
// It returns false when the query produced no rows.
func QueryRow(ctx context.Context, s Store, timeout time.Duration, sql string, args []any, dst ...any) (bool, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	rows, err := s.Query(ctx, sql, args...)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	if !rows.Next() {
		return false, rows.Err()
	}
	if err := rows.Scan(dst...); err != nil {
		return false, Classify("scan", sql, err)
	}
	return true, rows.Err()
}

// Collect runs sql and maps each row with scan.
func Collect[T any](ctx context.Context, s Store, sql string, args []any, scan func(Rows) (T, error)) ([]T, error) {
	rows, err := s.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, Classify("scan", sql, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
