package analyze

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/koltyakov/pgwarden/internal/store"
)

// Stale statistics defaults.
const (
	DefaultStaleAfter   = 24 * time.Hour
	DefaultModThreshold = 1000
)

// StaleTable is a table whose planner statistics should be refreshed.
type StaleTable struct {
	Relation
	LastAnalyze      *time.Time
	ModsSinceAnalyze int64
	Reason           string
}

// StatisticsOptions tunes stale detection.
type StatisticsOptions struct {
	StaleAfter   time.Duration
	ModThreshold int64
	QueryTimeout time.Duration
}

// Statistics finds tables with outdated planner statistics.
type Statistics struct {
	store store.Store
	opts  StatisticsOptions
	now   func() time.Time
}

// NewStatistics creates a Statistics analyzer. Zero options take defaults.
func NewStatistics(s store.Store, opts StatisticsOptions) *Statistics {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.ModThreshold <= 0 {
		opts.ModThreshold = DefaultModThreshold
	}
	opts.QueryTimeout = withTimeout(opts.QueryTimeout)
	return &Statistics{store: s, opts: opts, now: time.Now}
}

const sqlStaleStatistics = `SELECT schemaname, relname,
       greatest(last_analyze, last_autoanalyze), n_mod_since_analyze
FROM pg_stat_user_tables`

// Stale lists tables never analyzed, analyzed before StaleAfter, or with more
// modifications than ModThreshold since the last analyze. Most modified first.
func (s *Statistics) Stale(ctx context.Context) ([]StaleTable, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.QueryTimeout)
	defer cancel()

	all, err := store.Collect(ctx, s.store, sqlStaleStatistics, nil, func(r store.Rows) (StaleTable, error) {
		var t StaleTable
		err := r.Scan(&t.Schema, &t.Name, &t.LastAnalyze, &t.ModsSinceAnalyze)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("detect stale statistics: %w", err)
	}

	now := s.now()
	var out []StaleTable
	for _, t := range all {
		switch {
		case t.LastAnalyze == nil:
			t.Reason = "never analyzed"
		case now.Sub(*t.LastAnalyze) > s.opts.StaleAfter:
			t.Reason = fmt.Sprintf("last analyzed %s ago", now.Sub(*t.LastAnalyze).Truncate(time.Minute))
		case t.ModsSinceAnalyze > s.opts.ModThreshold:
			t.Reason = fmt.Sprintf("%d rows modified since last analyze", t.ModsSinceAnalyze)
		default:
			continue
		}
		out = append(out, t)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ModsSinceAnalyze != out[j].ModsSinceAnalyze {
			return out[i].ModsSinceAnalyze > out[j].ModsSinceAnalyze
		}
		return out[i].String() < out[j].String()
	})
	return out, nil
}
