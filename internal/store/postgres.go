package store

import (
	"context"
	"fmt"
	"math"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sony/gobreaker"

	"github.com/koltyakov/pgwarden/internal/config"
	"github.com/koltyakov/pgwarden/internal/logger"
	"github.com/koltyakov/pgwarden/internal/metrics"
)

// Postgres is a pgxpool-backed Store. Pool exhaustion queues acquires.
// Consecutive connectivity failures open a circuit breaker so a down server
// fails fast instead of stacking connection attempts.
type Postgres struct {
	pool    *pgxpool.Pool
	breaker *gobreaker.CircuitBreaker
	log     logger.Logger
	metrics *metrics.Metrics
}

// NewPostgres creates the pool and verifies the connection.
func NewPostgres(ctx context.Context, cfg config.DatabaseConfig, log logger.Logger, m *metrics.Metrics) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.PoolSize > 0 && cfg.PoolSize <= math.MaxInt32 {
		poolCfg.MaxConns = int32(cfg.PoolSize)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, Classify("ping", "", fmt.Errorf("postgres ping: %w", err))
	}

	return &Postgres{
		pool:    pool,
		breaker: newBreaker(cfg, log, m),
		log:     log,
		metrics: m,
	}, nil
}

func newBreaker(cfg config.DatabaseConfig, log logger.Logger, m *metrics.Metrics) *gobreaker.CircuitBreaker {
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 3
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "postgres",
		Timeout: cfg.BreakerCooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= failures
		},
		// statement errors are the database answering; only connectivity trips the breaker
		IsSuccessful: func(err error) bool {
			return !connectivityFailure(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed",
				logger.String("breaker", name),
				logger.String("from", from.String()),
				logger.String("to", to.String()),
			)
			m.SetBreakerState(breakerLevel(to))
		},
	})
}

func breakerLevel(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// Query implements Store.
func (p *Postgres) Query(ctx context.Context, sql string, args ...any) (Rows, error) {
	defer p.observePool()
	res, err := p.breaker.Execute(func() (interface{}, error) {
		return p.pool.Query(ctx, sql, args...)
	})
	if err != nil {
		return nil, Classify("query", sql, err)
	}
	return &pgRows{Rows: res.(pgx.Rows), sql: sql}, nil
}

// Exec implements Store.
func (p *Postgres) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	defer p.observePool()
	res, err := p.breaker.Execute(func() (interface{}, error) {
		return p.pool.Exec(ctx, sql, args...)
	})
	if err != nil {
		return 0, Classify("exec", sql, err)
	}
	return res.(pgconn.CommandTag).RowsAffected(), nil
}

// Ping verifies the server is reachable.
func (p *Postgres) Ping(ctx context.Context) error {
	_, err := p.breaker.Execute(func() (interface{}, error) {
		return nil, p.pool.Ping(ctx)
	})
	return Classify("ping", "", err)
}

// Close closes the pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) observePool() {
	st := p.pool.Stat()
	p.metrics.ObservePool(st.AcquiredConns(), st.IdleConns(), st.TotalConns(), st.MaxConns())
}

type pgRows struct {
	pgx.Rows
	sql string
}

func (r *pgRows) Err() error {
	return Classify("query", r.sql, r.Rows.Err())
}
