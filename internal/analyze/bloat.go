package analyze

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/koltyakov/pgwarden/internal/store"
)

// Bloat priority thresholds; each lower bound is inclusive.
const (
	bloatMedium   = 0.15
	bloatHigh     = 0.3
	bloatCritical = 0.5
)

// Vacuum candidate defaults.
const (
	DefaultVacuumRatio        = 0.15
	DefaultDeadTupleThreshold = 10000
)

// TableBloatInfo is a point-in-time bloat estimate for one table.
type TableBloatInfo struct {
	Relation
	ActualSizeBytes   int64
	ExpectedSizeBytes int64
	BloatRatio        float64
	DeadTuples        int64
	LiveTuples        int64
	Inserted          int64
	Updated           int64
	Deleted           int64
	FillFactor        int
	LastVacuum        *time.Time
	LastAutovacuum    *time.Time
	NeedsVacuum       bool
	Priority          Priority
}

// BloatRatio returns deleted / (deleted + updated + inserted).
// It is 0 when nothing was deleted or nothing was inserted or updated.
func BloatRatio(inserted, updated, deleted int64) float64 {
	if deleted <= 0 || inserted+updated <= 0 {
		return 0
	}
	return float64(deleted) / float64(deleted+updated+inserted)
}

// ClassifyBloat maps a ratio to a priority.
func ClassifyBloat(ratio float64) Priority {
	switch {
	case ratio >= bloatCritical:
		return PriorityCritical
	case ratio >= bloatHigh:
		return PriorityHigh
	case ratio >= bloatMedium:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// BloatOptions tunes vacuum candidate selection.
type BloatOptions struct {
	VacuumRatio        float64
	DeadTupleThreshold int64
	QueryTimeout       time.Duration
}

// Bloat detects table bloat over pg_stat_user_tables.
type Bloat struct {
	store store.Store
	opts  BloatOptions
}

// NewBloat creates a Bloat analyzer. Zero options take defaults.
func NewBloat(s store.Store, opts BloatOptions) *Bloat {
	if opts.VacuumRatio <= 0 {
		opts.VacuumRatio = DefaultVacuumRatio
	}
	if opts.DeadTupleThreshold <= 0 {
		opts.DeadTupleThreshold = DefaultDeadTupleThreshold
	}
	opts.QueryTimeout = withTimeout(opts.QueryTimeout)
	return &Bloat{store: s, opts: opts}
}

const sqlTableBloat = `SELECT s.schemaname, s.relname, pg_table_size(s.relid),
       s.n_live_tup, s.n_dead_tup, s.n_tup_ins, s.n_tup_upd, s.n_tup_del,
       coalesce((SELECT option_value::int FROM pg_options_to_table(c.reloptions)
                 WHERE option_name = 'fillfactor'), 100),
       s.last_vacuum, s.last_autovacuum
FROM pg_stat_user_tables s
JOIN pg_class c ON c.oid = s.relid`

// Detect scans all user tables and returns them most-bloated first.
func (b *Bloat) Detect(ctx context.Context) ([]TableBloatInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, b.opts.QueryTimeout)
	defer cancel()

	tables, err := store.Collect(ctx, b.store, sqlTableBloat, nil, func(r store.Rows) (TableBloatInfo, error) {
		var t TableBloatInfo
		err := r.Scan(&t.Schema, &t.Name, &t.ActualSizeBytes,
			&t.LiveTuples, &t.DeadTuples, &t.Inserted, &t.Updated, &t.Deleted,
			&t.FillFactor, &t.LastVacuum, &t.LastAutovacuum)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("detect bloat: %w", err)
	}

	for i := range tables {
		b.derive(&tables[i])
	}
	SortBloat(tables)
	return tables, nil
}

func (b *Bloat) derive(t *TableBloatInfo) {
	t.BloatRatio = BloatRatio(t.Inserted, t.Updated, t.Deleted)
	t.ExpectedSizeBytes = int64(float64(t.ActualSizeBytes) * (1 - t.BloatRatio))
	t.Priority = ClassifyBloat(t.BloatRatio)
	t.NeedsVacuum = t.BloatRatio > b.opts.VacuumRatio || t.DeadTuples > b.opts.DeadTupleThreshold
}

// SortBloat orders by ratio desc, then dead tuples desc, then name.
func SortBloat(tables []TableBloatInfo) {
	sort.SliceStable(tables, func(i, j int) bool {
		a, b := tables[i], tables[j]
		if a.BloatRatio != b.BloatRatio {
			return a.BloatRatio > b.BloatRatio
		}
		if a.DeadTuples != b.DeadTuples {
			return a.DeadTuples > b.DeadTuples
		}
		return a.String() < b.String()
	})
}

// NeedingVacuum filters tables flagged NeedsVacuum, preserving order.
func NeedingVacuum(tables []TableBloatInfo) []TableBloatInfo {
	var out []TableBloatInfo
	for _, t := range tables {
		if t.NeedsVacuum {
			out = append(out, t)
		}
	}
	return out
}
