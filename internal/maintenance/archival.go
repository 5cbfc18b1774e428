package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/koltyakov/pgwarden/internal/config"
	"github.com/koltyakov/pgwarden/internal/store"
)

// ArchivalManager moves rows older than a retention cutoff into archive tables.
type ArchivalManager struct {
	runner
	configs []config.ArchiveConfig
}

// NewArchivalManager creates the archive_old_data body.
func NewArchivalManager(s store.Store, configs []config.ArchiveConfig, opts Options) *ArchivalManager {
	return &ArchivalManager{runner: newRunner(JobArchiveOldData, s, opts), configs: configs}
}

// Name returns the job name.
func (a *ArchivalManager) Name() string { return a.job }

// Run archives every configured table, or only those named in req.Targets.
// Details["archived"] maps each table to the rows moved or copied.
func (a *ArchivalManager) Run(ctx context.Context, req Request) JobRun {
	run := a.start()
	now := req.Now
	if now.IsZero() {
		now = a.now()
	}

	archived := map[string]int64{}
	run.Details["archived"] = archived

	var tasks []task
	for _, name := range a.selected(req.Targets) {
		cfg, ok := a.lookup(name)
		if !ok {
			tasks = append(tasks, task{resource: name, run: func(context.Context) (int64, error) {
				return 0, fmt.Errorf("no archive configuration for %s", name)
			}})
			continue
		}
		cutoff := now.AddDate(0, 0, -cfg.RetentionDays)
		tasks = append(tasks, task{resource: name, run: func(ctx context.Context) (int64, error) {
			n, err := a.archive(ctx, cfg, cutoff)
			archived[name] = n
			return n, err
		}})
	}
	return a.execute(ctx, run, tasks)
}

func (a *ArchivalManager) selected(targets []string) []string {
	if len(targets) > 0 {
		return targets
	}
	names := make([]string, 0, len(a.configs))
	for _, c := range a.configs {
		names = append(names, archiveSource(c))
	}
	return names
}

func (a *ArchivalManager) lookup(name string) (config.ArchiveConfig, bool) {
	schema, table := parseRelation(name)
	for _, c := range a.configs {
		if schemaOrPublic(c.Schema) == schema && c.Table == table {
			return c, true
		}
	}
	return config.ArchiveConfig{}, false
}

func (a *ArchivalManager) archive(ctx context.Context, cfg config.ArchiveConfig, cutoff time.Time) (int64, error) {
	schema := schemaOrPublic(cfg.Schema)
	src := quoteIdent(schema, cfg.Table)
	dst := quoteIdent(schema, archiveTarget(cfg))
	col := quoteIdent(cfg.Column)

	if cfg.DeleteAfterArchive {
		return a.move(ctx, src, dst, col, cutoff)
	}
	return a.copyNew(ctx, src, dst, col, cutoff)
}

// move deletes old rows and inserts them into the archive in one statement,
// so a row is never in both tables or in neither.
func (a *ArchivalManager) move(ctx context.Context, src, dst, col string, cutoff time.Time) (int64, error) {
	var count int64
	countSQL := fmt.Sprintf("SELECT count(*) FROM %s WHERE %s < $1", src, col)
	if err := a.queryRow(ctx, countSQL, []any{cutoff}, &count); err != nil {
		return 0, err
	}
	if count == 0 {
		return 0, errNoop
	}
	if err := a.ensureArchive(ctx, src, dst); err != nil {
		return 0, err
	}
	moveSQL := fmt.Sprintf(
		"WITH moved AS (DELETE FROM %s WHERE %s < $1 RETURNING *) INSERT INTO %s SELECT * FROM moved",
		src, col, dst,
	)
	return a.exec(ctx, moveSQL, cutoff)
}

// copyNew copies old rows above the archive's high-water mark, leaving the
// source untouched.
func (a *ArchivalManager) copyNew(ctx context.Context, src, dst, col string, cutoff time.Time) (int64, error) {
	if err := a.ensureArchive(ctx, src, dst); err != nil {
		return 0, err
	}
	var mark *time.Time
	if err := a.queryRow(ctx, fmt.Sprintf("SELECT max(%s) FROM %s", col, dst), nil, &mark); err != nil {
		return 0, err
	}

	where := fmt.Sprintf("%s < $1 AND ($2::timestamptz IS NULL OR %s > $2)", col, col)
	var count int64
	if err := a.queryRow(ctx, fmt.Sprintf("SELECT count(*) FROM %s WHERE %s", src, where), []any{cutoff, mark}, &count); err != nil {
		return 0, err
	}
	if count == 0 {
		return 0, errNoop
	}
	return a.exec(ctx, fmt.Sprintf("INSERT INTO %s SELECT * FROM %s WHERE %s", dst, src, where), cutoff, mark)
}

func (a *ArchivalManager) ensureArchive(ctx context.Context, src, dst string) error {
	_, err := a.exec(ctx, fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (LIKE %s INCLUDING DEFAULTS)", dst, src))
	return err
}

func archiveSource(c config.ArchiveConfig) string {
	return schemaOrPublic(c.Schema) + "." + c.Table
}

func archiveTarget(c config.ArchiveConfig) string {
	if c.ArchiveTable != "" {
		return c.ArchiveTable
	}
	return c.Table + "_archive"
}

func schemaOrPublic(s string) string {
	if s == "" {
		return "public"
	}
	return s
}
