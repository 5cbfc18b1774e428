package maintenance

import (
	"context"

	"github.com/koltyakov/pgwarden/internal/analyze"
	"github.com/koltyakov/pgwarden/internal/store"
)

// IndexSource reports index usage.
type IndexSource interface {
	Monitor(ctx context.Context) ([]analyze.IndexUsageInfo, error)
}

// IndexMaintainer rebuilds fragmented indexes. Drop candidates are only reported.
type IndexMaintainer struct {
	runner
	source IndexSource
}

// NewIndexMaintainer creates the index_maintenance body.
func NewIndexMaintainer(s store.Store, source IndexSource, opts Options) *IndexMaintainer {
	return &IndexMaintainer{runner: newRunner(JobIndexMaintenance, s, opts), source: source}
}

// Name returns the job name.
func (m *IndexMaintainer) Name() string { return m.job }

// Run reindexes req.Targets, or every index recommended for REBUILD.
// Outside FullMode indexes are rebuilt CONCURRENTLY.
func (m *IndexMaintainer) Run(ctx context.Context, req Request) JobRun {
	run := m.start()

	targets := req.Targets
	if len(targets) == 0 {
		usage, err := m.source.Monitor(ctx)
		if err != nil {
			return m.fail(run, "index usage analysis failed", err)
		}
		for _, idx := range analyze.WithRecommendation(usage, analyze.RecommendRebuild) {
			targets = append(targets, idx.String())
		}
		var drop []string
		for _, idx := range analyze.WithRecommendation(usage, analyze.RecommendConsiderDropping) {
			drop = append(drop, idx.String())
		}
		run.Details["drop_candidates"] = drop
	}

	verb := "REINDEX INDEX CONCURRENTLY "
	if req.FullMode {
		verb = "REINDEX INDEX "
	}
	tasks := make([]task, 0, len(targets))
	for _, target := range targets {
		sql := verb + quoteIdent(parseRelation(target))
		tasks = append(tasks, task{
			resource: target,
			run:      func(ctx context.Context) (int64, error) { return m.exec(ctx, sql) },
		})
	}
	return m.execute(ctx, run, tasks)
}
