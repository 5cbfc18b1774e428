// Package health classifies overall database health from stats, analyzers and activity probes.
package health

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/koltyakov/pgwarden/internal/analyze"
	"github.com/koltyakov/pgwarden/internal/collect"
	"github.com/koltyakov/pgwarden/internal/logger"
	"github.com/koltyakov/pgwarden/internal/metrics"
)

// Status is the overall health classification.
type Status string

const (
	StatusHealthy  Status = "HEALTHY"
	StatusWarning  Status = "WARNING"
	StatusCritical Status = "CRITICAL"
)

// Level returns 0 for healthy, 1 for warning and 2 for critical.
func (s Status) Level() float64 {
	switch s {
	case StatusWarning:
		return 1
	case StatusCritical:
		return 2
	default:
		return 0
	}
}

// Severity ranks a single issue. INFO issues never change Status.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// Issue is one finding of a health check. Code is stable and can be used to suppress it.
type Issue struct {
	Code        string
	Title       string
	Severity    Severity
	Description string
	Action      string
}

// Report is the result of one health check run.
type Report struct {
	Status      Status
	CheckedAt   time.Time
	Duration    time.Duration
	Issues      []Issue
	Stats       *collect.DatabaseStats
	Bloat       []analyze.TableBloatInfo
	Indexes     []analyze.IndexUsageInfo
	LongRunning []collect.Query
	Blocked     []collect.Query
}

// HasIssue reports whether the report contains an issue with code.
func (r Report) HasIssue(code string) bool {
	for _, i := range r.Issues {
		if i.Code == code {
			return true
		}
	}
	return false
}

// StatsSource produces database-wide stats.
type StatsSource interface {
	Collect(ctx context.Context) (collect.DatabaseStats, error)
}

// ActivityProbe inspects pg_stat_activity.
type ActivityProbe interface {
	LongRunning(ctx context.Context, threshold time.Duration) ([]collect.Query, error)
	Blocked(ctx context.Context) ([]collect.Query, error)
}

// BloatSource detects table bloat.
type BloatSource interface {
	Detect(ctx context.Context) ([]analyze.TableBloatInfo, error)
}

// IndexSource reports index usage.
type IndexSource interface {
	Monitor(ctx context.Context) ([]analyze.IndexUsageInfo, error)
}

// Thresholds configures classification. Cache and connection values are percentages.
type Thresholds struct {
	CacheWarning          float64
	CacheCritical         float64
	ConnectionWarning     float64
	ConnectionCritical    float64
	LongQuery             time.Duration
	CriticalQueryDuration time.Duration
}

// DefaultThresholds returns the built-in thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		CacheWarning:          85,
		CacheCritical:         70,
		ConnectionWarning:     80,
		ConnectionCritical:    90,
		LongQuery:             5 * time.Minute,
		CriticalQueryDuration: 30 * time.Minute,
	}
}

// Checker composes the collector, analyzers and probes.
type Checker struct {
	stats    StatsSource
	activity ActivityProbe
	bloat    BloatSource
	indexes  IndexSource
	limits   Thresholds
	log      logger.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// New creates a Checker. Any source may be nil, in which case that probe is skipped.
func New(stats StatsSource, activity ActivityProbe, bloat BloatSource, indexes IndexSource,
	limits Thresholds, log logger.Logger, m *metrics.Metrics) *Checker {
	if log == nil {
		log = logger.NewNop()
	}
	return &Checker{
		stats:    stats,
		activity: activity,
		bloat:    bloat,
		indexes:  indexes,
		limits:   limits,
		log:      log,
		metrics:  m,
		now:      time.Now,
	}
}

// SetClock replaces the time source used for CheckedAt and Duration.
func (c *Checker) SetClock(now func() time.Time) {
	if now != nil {
		c.now = now
	}
}

// Run executes every probe sequentially and classifies the result.
// It never fails: a probe error becomes a CRITICAL "health check failed" issue.
func (c *Checker) Run(ctx context.Context) Report {
	start := c.now()
	rep := Report{CheckedAt: start}
	var issues []Issue

	failed := func(probe string, err error) {
		issues = append(issues, Issue{
			Code:        "health-check-failed",
			Title:       "Health check failed",
			Severity:    SeverityCritical,
			Description: fmt.Sprintf("health check failed: %s: %v", probe, err),
			Action:      "Verify connectivity and that the monitoring role can read pg_stat_* views.",
		})
		c.log.Error("health probe failed", logger.String("probe", probe), logger.Error(err))
	}

	if c.stats != nil {
		if st, err := c.stats.Collect(ctx); err != nil {
			failed("stats", err)
		} else {
			rep.Stats = &st
			issues = append(issues, c.statsIssues(st)...)
		}
	}

	if c.activity != nil {
		if long, err := c.activity.LongRunning(ctx, c.limits.LongQuery); err != nil {
			failed("long-running queries", err)
		} else {
			rep.LongRunning = long
			issues = append(issues, c.queryIssues("long-running", "Long-running queries", long,
				"EXPLAIN ANALYZE top offenders; optimize plans, add indexes, break large batches.")...)
		}
		if blocked, err := c.activity.Blocked(ctx); err != nil {
			failed("blocked queries", err)
		} else {
			rep.Blocked = blocked
			issues = append(issues, c.queryIssues("blocked", "Blocked queries", blocked,
				"Inspect the lock tree, shorten transactions, consider lock_timeout.")...)
		}
	}

	if c.bloat != nil {
		if tables, err := c.bloat.Detect(ctx); err != nil {
			failed("bloat", err)
		} else {
			rep.Bloat = tables
			issues = append(issues, bloatIssues(tables)...)
		}
	}

	if c.indexes != nil {
		if idx, err := c.indexes.Monitor(ctx); err != nil {
			failed("index usage", err)
		} else {
			rep.Indexes = idx
			issues = append(issues, indexIssues(idx)...)
		}
	}

	sort.SliceStable(issues, func(i, j int) bool {
		return issues[i].Severity.rank() > issues[j].Severity.rank()
	})
	rep.Issues = issues
	rep.Status = statusOf(issues)
	rep.Duration = c.now().Sub(start)

	c.metrics.Health(rep.Status.Level(), len(issues))
	if rep.Status != StatusHealthy {
		c.log.Warn("database health degraded",
			logger.String("status", string(rep.Status)),
			logger.Int("issues", len(issues)),
		)
	}
	return rep
}

func statusOf(issues []Issue) Status {
	status := StatusHealthy
	for _, i := range issues {
		switch i.Severity {
		case SeverityCritical:
			return StatusCritical
		case SeverityWarning:
			status = StatusWarning
		}
	}
	return status
}

func (c *Checker) statsIssues(st collect.DatabaseStats) []Issue {
	var out []Issue
	l := c.limits

	switch {
	case st.CacheHitRatio < l.CacheCritical:
		out = append(out, Issue{
			Code:        "cache-hit-critical",
			Title:       "Cache hit ratio critically low",
			Severity:    SeverityCritical,
			Description: fmt.Sprintf("cache hit ratio %.1f%% is below %.0f%%", st.CacheHitRatio, l.CacheCritical),
			Action:      "Review working set size, shared_buffers, and query patterns; ensure sufficient memory and indexes.",
		})
	case st.CacheHitRatio < l.CacheWarning:
		out = append(out, Issue{
			Code:        "cache-hit-low",
			Title:       "Low cache hit ratio",
			Severity:    SeverityWarning,
			Description: fmt.Sprintf("cache hit ratio %.1f%% is below %.0f%%", st.CacheHitRatio, l.CacheWarning),
			Action:      "Review working set size, shared_buffers, and query patterns; ensure sufficient memory and indexes.",
		})
	}

	usage := st.Connections.Usage()
	desc := fmt.Sprintf("%d/%d (%.0f%%) connections in use", st.Connections.Total, st.Connections.Max, usage)
	switch {
	case usage > l.ConnectionCritical:
		out = append(out, Issue{
			Code:        "connections-critical",
			Title:       "Connection usage critical",
			Severity:    SeverityCritical,
			Description: desc,
			Action:      "Use a pooler (pgbouncer), limit app connection pools, and tune max_connections accordingly.",
		})
	case usage > l.ConnectionWarning:
		out = append(out, Issue{
			Code:        "connections-high",
			Title:       "High connection usage",
			Severity:    SeverityWarning,
			Description: desc,
			Action:      "Use a pooler (pgbouncer), limit app connection pools, and tune max_connections accordingly.",
		})
	}
	return out
}

func (c *Checker) queryIssues(code, title string, qs []collect.Query, action string) []Issue {
	if len(qs) == 0 {
		return nil
	}
	var critical []string
	for _, q := range qs {
		if q.Duration >= c.limits.CriticalQueryDuration {
			critical = append(critical, fmt.Sprintf("pid %d (%s)", q.PID, q.Duration.Truncate(time.Second)))
		}
	}
	if len(critical) > 0 {
		return []Issue{{
			Code:        code + "-critical",
			Title:       title + " exceed critical duration",
			Severity:    SeverityCritical,
			Description: fmt.Sprintf("%d of %d running longer than %s: %s", len(critical), len(qs), c.limits.CriticalQueryDuration, strings.Join(critical, ", ")),
			Action:      action,
		}}
	}
	return []Issue{{
		Code:        code,
		Title:       title,
		Severity:    SeverityWarning,
		Description: fmt.Sprintf("%d sessions", len(qs)),
		Action:      action,
	}}
}

func bloatIssues(tables []analyze.TableBloatInfo) []Issue {
	var names []string
	for _, t := range tables {
		if t.Priority == analyze.PriorityCritical {
			names = append(names, fmt.Sprintf("%s (%.0f%%)", t, t.BloatRatio*100))
		}
	}
	if len(names) == 0 {
		return nil
	}
	return []Issue{{
		Code:        "table-bloat-critical",
		Title:       "Critical table bloat",
		Severity:    SeverityWarning,
		Description: strings.Join(names, ", "),
		Action:      "Run vacuum_tables; schedule VACUUM FULL inside the maintenance window for the worst tables.",
	}}
}

func indexIssues(idx []analyze.IndexUsageInfo) []Issue {
	var out []Issue
	if drop := analyze.WithRecommendation(idx, analyze.RecommendConsiderDropping); len(drop) > 0 {
		out = append(out, Issue{
			Code:        "unused-indexes",
			Title:       "Unused indexes",
			Severity:    SeverityInfo,
			Description: fmt.Sprintf("%d indexes have never been scanned", len(drop)),
			Action:      "Confirm on replicas before dropping; unused indexes slow down writes.",
		})
	}
	if rebuild := analyze.WithRecommendation(idx, analyze.RecommendRebuild); len(rebuild) > 0 {
		out = append(out, Issue{
			Code:        "index-rebuild",
			Title:       "Inefficient indexes",
			Severity:    SeverityInfo,
			Description: fmt.Sprintf("%d indexes fetch less than half of the tuples they read", len(rebuild)),
			Action:      "index_maintenance rebuilds them concurrently.",
		})
	}
	return out
}
