package store

import (
	"context"
	"database/sql"
	"fmt"

	// registers the "postgres" database/sql driver
	_ "github.com/lib/pq"

	"github.com/koltyakov/pgwarden/internal/config"
)

// SQL adapts a *sql.DB to Store. Used with the lib/pq driver when
// database.driver is "postgres", or with any database/sql handle a host passes in.
type SQL struct {
	db *sql.DB
}

// NewSQL wraps an existing handle.
func NewSQL(db *sql.DB) *SQL {
	return &SQL{db: db}
}

// OpenSQL opens a lib/pq pool capped at cfg.PoolSize and pings it.
func OpenSQL(ctx context.Context, cfg config.DatabaseConfig) (*SQL, error) {
	db, err := sql.Open(config.DriverPostgres, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.PoolSize > 0 {
		db.SetMaxOpenConns(cfg.PoolSize)
		db.SetMaxIdleConns(cfg.PoolSize)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, Classify("ping", "", fmt.Errorf("database ping: %w", err))
	}
	return &SQL{db: db}, nil
}

// Query implements Store.
func (s *SQL) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, Classify("query", query, err)
	}
	return &sqlRows{rows: rows, sql: query}, nil
}

// Exec implements Store.
func (s *SQL) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, Classify("exec", query, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		// DDL and maintenance commands report no row count
		return 0, nil
	}
	return n, nil
}

// Ping verifies the server is reachable.
func (s *SQL) Ping(ctx context.Context) error {
	return Classify("ping", "", s.db.PingContext(ctx))
}

// Close closes the handle.
func (s *SQL) Close() {
	_ = s.db.Close()
}

type sqlRows struct {
	rows *sql.Rows
	sql  string
}

func (r *sqlRows) Next() bool             { return r.rows.Next() }
func (r *sqlRows) Scan(dest ...any) error { return r.rows.Scan(dest...) }
func (r *sqlRows) Err() error             { return Classify("query", r.sql, r.rows.Err()) }
func (r *sqlRows) Close()                 { _ = r.rows.Close() }
