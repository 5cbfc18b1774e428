package maintenance

import (
	"context"

	"github.com/koltyakov/pgwarden/internal/analyze"
	"github.com/koltyakov/pgwarden/internal/store"
)

// BloatSource estimates table bloat.
type BloatSource interface {
	Detect(ctx context.Context) ([]analyze.TableBloatInfo, error)
}

// VacuumRunner vacuums bloated tables.
type VacuumRunner struct {
	runner
	source BloatSource
}

// NewVacuumRunner creates the vacuum_tables body.
func NewVacuumRunner(s store.Store, source BloatSource, opts Options) *VacuumRunner {
	return &VacuumRunner{runner: newRunner(JobVacuumTables, s, opts), source: source}
}

// Name returns the job name.
func (v *VacuumRunner) Name() string { return v.job }

// Run vacuums req.Targets, or every table that needs vacuum. In FullMode,
// CRITICAL tables get VACUUM FULL; explicit targets never do since their
// priority is unknown.
func (v *VacuumRunner) Run(ctx context.Context, req Request) JobRun {
	run := v.start()

	type target struct {
		name string
		full bool
	}
	var targets []target
	if len(req.Targets) > 0 {
		for _, name := range req.Targets {
			targets = append(targets, target{name: name})
		}
	} else {
		tables, err := v.source.Detect(ctx)
		if err != nil {
			return v.fail(run, "bloat detection failed", err)
		}
		for _, t := range analyze.NeedingVacuum(tables) {
			targets = append(targets, target{
				name: t.String(),
				full: req.FullMode && t.Priority == analyze.PriorityCritical,
			})
		}
	}

	var full []string
	tasks := make([]task, 0, len(targets))
	for _, t := range targets {
		sql := "VACUUM (ANALYZE) " + quoteIdent(parseRelation(t.name))
		if t.full {
			sql = "VACUUM (FULL, ANALYZE) " + quoteIdent(parseRelation(t.name))
			full = append(full, t.name)
		}
		tasks = append(tasks, task{
			resource: t.name,
			run:      func(ctx context.Context) (int64, error) { return v.exec(ctx, sql) },
		})
	}
	run.Details["full"] = full
	return v.execute(ctx, run, tasks)
}
