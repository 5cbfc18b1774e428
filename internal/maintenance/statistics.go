package maintenance

import (
	"context"

	"github.com/koltyakov/pgwarden/internal/analyze"
	"github.com/koltyakov/pgwarden/internal/store"
)

// StaleSource lists tables with outdated planner statistics.
type StaleSource interface {
	Stale(ctx context.Context) ([]analyze.StaleTable, error)
}

// StatisticsRefresher runs ANALYZE on stale tables.
type StatisticsRefresher struct {
	runner
	source StaleSource
}

// NewStatisticsRefresher creates the update_statistics body.
func NewStatisticsRefresher(s store.Store, source StaleSource, opts Options) *StatisticsRefresher {
	return &StatisticsRefresher{runner: newRunner(JobUpdateStatistics, s, opts), source: source}
}

// Name returns the job name.
func (r *StatisticsRefresher) Name() string { return r.job }

// Run analyzes req.Targets, or every stale table.
func (r *StatisticsRefresher) Run(ctx context.Context, req Request) JobRun {
	run := r.start()

	targets := req.Targets
	if len(targets) == 0 {
		stale, err := r.source.Stale(ctx)
		if err != nil {
			return r.fail(run, "stale statistics detection failed", err)
		}
		reasons := make(map[string]string, len(stale))
		for _, t := range stale {
			targets = append(targets, t.String())
			reasons[t.String()] = t.Reason
		}
		run.Details["reasons"] = reasons
	}

	tasks := make([]task, 0, len(targets))
	for _, target := range targets {
		sql := "ANALYZE " + quoteIdent(parseRelation(target))
		tasks = append(tasks, task{
			resource: target,
			run:      func(ctx context.Context) (int64, error) { return r.exec(ctx, sql) },
		})
	}
	return r.execute(ctx, run, tasks)
}
