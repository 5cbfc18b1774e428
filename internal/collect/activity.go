package collect

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/koltyakov/pgwarden/internal/store"
)

// Query is one backend from pg_stat_activity.
type Query struct {
	PID       int
	User      string
	Database  string
	State     string
	Duration  time.Duration
	Query     string
	BlockedBy []int
}

const sqlLongRunning = `SELECT pid, coalesce(usename, ''), coalesce(datname, ''), coalesce(state, ''),
       extract(epoch FROM now() - query_start)::float8, left(query, 200), ''
FROM pg_stat_activity
WHERE state <> 'idle'
  AND pid <> pg_backend_pid()
  AND query_start < now() - make_interval(secs => $1)
ORDER BY query_start`

const sqlBlocked = `SELECT pid, coalesce(usename, ''), coalesce(datname, ''), coalesce(state, ''),
       coalesce(extract(epoch FROM now() - query_start), 0)::float8, left(query, 200),
       pg_blocking_pids(pid)::text
FROM pg_stat_activity
WHERE cardinality(pg_blocking_pids(pid)) > 0
ORDER BY query_start`

// LongRunning lists non-idle queries running longer than threshold, oldest first.
func (c *Collector) LongRunning(ctx context.Context, threshold time.Duration) ([]Query, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	out, err := store.Collect(ctx, c.store, sqlLongRunning, []any{threshold.Seconds()}, scanQuery)
	if err != nil {
		return nil, fmt.Errorf("probe long-running queries: %w", err)
	}
	return out, nil
}

// Blocked lists queries waiting on locks held by other backends.
func (c *Collector) Blocked(ctx context.Context) ([]Query, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	out, err := store.Collect(ctx, c.store, sqlBlocked, nil, scanQuery)
	if err != nil {
		return nil, fmt.Errorf("probe blocked queries: %w", err)
	}
	return out, nil
}

func scanQuery(r store.Rows) (Query, error) {
	var (
		q        Query
		secs     float64
		blockers string
	)
	if err := r.Scan(&q.PID, &q.User, &q.Database, &q.State, &secs, &q.Query, &blockers); err != nil {
		return q, err
	}
	q.Duration = time.Duration(secs * float64(time.Second))
	q.BlockedBy = parseIntArray(blockers)
	return q, nil
}

// parseIntArray decodes a PostgreSQL integer array literal such as "{12,34}".
func parseIntArray(s string) []int {
	s = strings.Trim(strings.TrimSpace(s), "{}")
	if s == "" {
		return nil
	}
	var out []int
	for _, p := range strings.Split(s, ",") {
		if n, err := strconv.Atoi(strings.TrimSpace(p)); err == nil {
			out = append(out, n)
		}
	}
	return out
}
