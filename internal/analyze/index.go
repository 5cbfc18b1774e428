package analyze

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/koltyakov/pgwarden/internal/store"
)

// Recommendation is the suggested action for an index.
type Recommendation string

const (
	RecommendKeep             Recommendation = "KEEP"
	RecommendAnalyze          Recommendation = "ANALYZE"
	RecommendRebuild          Recommendation = "REBUILD"
	RecommendConsiderDropping Recommendation = "CONSIDER_DROPPING"
)

// Index usage defaults.
const (
	DefaultMinDropSizeBytes = 8 << 20
	DefaultMinScans         = 10
	DefaultRebuildRatio     = 0.5
)

// IndexUsageInfo is a point-in-time usage summary for one index.
type IndexUsageInfo struct {
	Relation
	Table          string
	SizeBytes      int64
	Scans          int64
	TuplesRead     int64
	TuplesFetched  int64
	UsageRatio     float64
	Constraint     bool
	Recommendation Recommendation
}

// IndexOptions tunes recommendations.
type IndexOptions struct {
	MinDropSizeBytes int64
	MinScans         int64
	RebuildRatio     float64
	QueryTimeout     time.Duration
}

// IndexUsage monitors pg_stat_user_indexes.
type IndexUsage struct {
	store store.Store
	opts  IndexOptions
}

// NewIndexUsage creates an IndexUsage analyzer. Zero options take defaults.
func NewIndexUsage(s store.Store, opts IndexOptions) *IndexUsage {
	if opts.MinDropSizeBytes <= 0 {
		opts.MinDropSizeBytes = DefaultMinDropSizeBytes
	}
	if opts.MinScans <= 0 {
		opts.MinScans = DefaultMinScans
	}
	if opts.RebuildRatio <= 0 {
		opts.RebuildRatio = DefaultRebuildRatio
	}
	opts.QueryTimeout = withTimeout(opts.QueryTimeout)
	return &IndexUsage{store: s, opts: opts}
}

const sqlIndexUsage = `SELECT s.schemaname, s.indexrelname, s.relname, pg_relation_size(s.indexrelid),
       s.idx_scan, s.idx_tup_read, s.idx_tup_fetch, (i.indisprimary OR i.indisunique)
FROM pg_stat_user_indexes s
JOIN pg_index i ON i.indexrelid = s.indexrelid`

// UsageRatio returns fetched/read, or 1 when nothing was read.
func UsageRatio(read, fetched int64) float64 {
	if read <= 0 {
		return 1
	}
	return float64(fetched) / float64(read)
}

// Recommend applies the precedence: zero scans, too few scans, low usage ratio, keep.
// Indexes backing a primary key or unique constraint are never drop candidates.
func (u *IndexUsage) Recommend(info IndexUsageInfo) Recommendation {
	switch {
	case info.Scans == 0 && info.Constraint:
		return RecommendKeep
	case info.Scans == 0:
		return RecommendConsiderDropping
	case info.Scans < u.opts.MinScans:
		return RecommendAnalyze
	case info.UsageRatio < u.opts.RebuildRatio:
		return RecommendRebuild
	default:
		return RecommendKeep
	}
}

// Monitor returns indexes with usage first (size desc), followed by drop
// candidates at or above the minimum size (size desc). Smaller unused indexes
// and unused indexes backing a constraint are omitted.
func (u *IndexUsage) Monitor(ctx context.Context) ([]IndexUsageInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, u.opts.QueryTimeout)
	defer cancel()

	all, err := store.Collect(ctx, u.store, sqlIndexUsage, nil, func(r store.Rows) (IndexUsageInfo, error) {
		var i IndexUsageInfo
		err := r.Scan(&i.Schema, &i.Name, &i.Table, &i.SizeBytes,
			&i.Scans, &i.TuplesRead, &i.TuplesFetched, &i.Constraint)
		return i, err
	})
	if err != nil {
		return nil, fmt.Errorf("monitor index usage: %w", err)
	}

	var used, unused []IndexUsageInfo
	for _, i := range all {
		i.UsageRatio = UsageRatio(i.TuplesRead, i.TuplesFetched)
		i.Recommendation = u.Recommend(i)
		switch {
		case i.Scans > 0:
			used = append(used, i)
		case i.Constraint:
		case i.SizeBytes >= u.opts.MinDropSizeBytes:
			unused = append(unused, i)
		}
	}
	bySizeDesc(used)
	bySizeDesc(unused)
	return append(used, unused...), nil
}

func bySizeDesc(idx []IndexUsageInfo) {
	sort.SliceStable(idx, func(i, j int) bool {
		if idx[i].SizeBytes != idx[j].SizeBytes {
			return idx[i].SizeBytes > idx[j].SizeBytes
		}
		return idx[i].String() < idx[j].String()
	})
}

// WithRecommendation filters indexes by recommendation, preserving order.
func WithRecommendation(idx []IndexUsageInfo, rec Recommendation) []IndexUsageInfo {
	var out []IndexUsageInfo
	for _, i := range idx {
		if i.Recommendation == rec {
			out = append(out, i)
		}
	}
	return out
}
