// Package collect takes point-in-time snapshots of database-wide statistics.
//
// It issues a small fixed set of read-only catalog queries:
//   - database size
//   - client connections split by state, against max_connections
//   - buffer cache hit ratio from pg_stat_database
//   - most recent vacuum and analyze across user tables
//   - long-running and lock-blocked queries from pg_stat_activity
package collect

import (
	"context"
	"fmt"
	"time"

	"github.com/koltyakov/pgwarden/internal/logger"
	"github.com/koltyakov/pgwarden/internal/store"
)

// DefaultQueryTimeout bounds each catalog query.
const DefaultQueryTimeout = 30 * time.Second

// DatabaseStats is a snapshot of store-wide metrics.
// CacheHitRatio is a percentage; it is 100 when no block activity has been recorded yet.
type DatabaseStats struct {
	CollectedAt   time.Time
	Database      string
	SizeBytes     int64
	Connections   Connections
	CacheHitRatio float64
	BlocksHit     int64
	BlocksRead    int64
	LastVacuum    *time.Time
	LastAnalyze   *time.Time
}

// Connections counts client backends.
type Connections struct {
	Total  int
	Active int
	Idle   int
	Max    int
}

// Usage returns Total as a percentage of Max.
func (c Connections) Usage() float64 {
	if c.Max <= 0 {
		return 0
	}
	return float64(c.Total) / float64(c.Max) * 100
}

// Collector reads DatabaseStats from a store.
type Collector struct {
	store   store.Store
	timeout time.Duration
	log     logger.Logger
	now     func() time.Time
}

// New creates a Collector. A non-positive timeout uses DefaultQueryTimeout.
func New(s store.Store, timeout time.Duration, log logger.Logger) *Collector {
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Collector{store: s, timeout: timeout, log: log, now: time.Now}
}

const (
	sqlDatabaseSize = `SELECT current_database(), pg_database_size(current_database())`

	sqlConnections = `SELECT count(*),
       count(*) FILTER (WHERE state = 'active'),
       count(*) FILTER (WHERE state = 'idle'),
       current_setting('max_connections')::int
FROM pg_stat_activity
WHERE backend_type = 'client backend'`

	sqlCache = `SELECT coalesce(sum(blks_hit), 0)::bigint, coalesce(sum(blks_read), 0)::bigint
FROM pg_stat_database
WHERE datname = current_database()`

	sqlMaintenance = `SELECT max(greatest(last_vacuum, last_autovacuum)),
       max(greatest(last_analyze, last_autoanalyze))
FROM pg_stat_user_tables`
)

// Collect returns a fresh snapshot. A connectivity failure is returned as-is
// (wrapped) so callers can detect it with errors.Is.
func (c *Collector) Collect(ctx context.Context) (DatabaseStats, error) {
	stats := DatabaseStats{CollectedAt: c.now()}

	if _, err := store.QueryRow(ctx, c.store, c.timeout, sqlDatabaseSize, nil,
		&stats.Database, &stats.SizeBytes); err != nil {
		return stats, fmt.Errorf("collect database size: %w", err)
	}

	conn := &stats.Connections
	if _, err := store.QueryRow(ctx, c.store, c.timeout, sqlConnections, nil,
		&conn.Total, &conn.Active, &conn.Idle, &conn.Max); err != nil {
		return stats, fmt.Errorf("collect connections: %w", err)
	}

	if _, err := store.QueryRow(ctx, c.store, c.timeout, sqlCache, nil,
		&stats.BlocksHit, &stats.BlocksRead); err != nil {
		return stats, fmt.Errorf("collect cache hit ratio: %w", err)
	}
	stats.CacheHitRatio = CacheHitRatio(stats.BlocksHit, stats.BlocksRead)

	if _, err := store.QueryRow(ctx, c.store, c.timeout, sqlMaintenance, nil,
		&stats.LastVacuum, &stats.LastAnalyze); err != nil {
		return stats, fmt.Errorf("collect maintenance timestamps: %w", err)
	}

	c.log.Debug("collected database stats",
		logger.String("database", stats.Database),
		logger.Int64("size_bytes", stats.SizeBytes),
		logger.Float64("cache_hit_ratio", stats.CacheHitRatio),
		logger.Int("connections", conn.Total),
	)
	return stats, nil
}

// CacheHitRatio returns hits/(hits+reads) as a percentage, or 100 when both are zero.
func CacheHitRatio(hits, reads int64) float64 {
	total := hits + reads
	if total <= 0 {
		return 100
	}
	return float64(hits) / float64(total) * 100
}
