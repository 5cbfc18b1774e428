package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/koltyakov/pgwarden/internal/config"
	"github.com/koltyakov/pgwarden/internal/logger"
	"github.com/koltyakov/pgwarden/internal/store"
)

// DefaultPremake is how many future partitions are kept ahead of the current one.
const DefaultPremake = 3

// MetadataTable records partition boundaries so they are never re-derived from names.
const MetadataTable = "pgwarden_partitions"

const sqlCreateMetadata = `CREATE TABLE IF NOT EXISTS ` + MetadataTable + ` (
    parent_schema  text        NOT NULL,
    parent_table   text        NOT NULL,
    partition_name text        NOT NULL,
    range_start    timestamptz NOT NULL,
    range_end      timestamptz NOT NULL,
    created_at     timestamptz NOT NULL DEFAULT now(),
    PRIMARY KEY (parent_schema, parent_table, partition_name)
)`

const sqlRecordPartition = `INSERT INTO ` + MetadataTable + `
    (parent_schema, parent_table, partition_name, range_start, range_end)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT DO NOTHING`

const sqlListPartitions = `SELECT partition_name, range_start, range_end
FROM ` + MetadataTable + `
WHERE parent_schema = $1 AND parent_table = $2
ORDER BY range_start`

const sqlForgetPartition = `DELETE FROM ` + MetadataTable + `
WHERE parent_schema = $1 AND parent_table = $2 AND partition_name = $3`

// Partition is one range partition of a parent table.
type Partition struct {
	Name  string
	Start time.Time
	End   time.Time
}

// PartitionManager keeps range partitions ahead of time and drops expired ones.
type PartitionManager struct {
	runner
	configs []config.PartitionConfig
}

// NewPartitionManager creates the partition_maintenance body.
func NewPartitionManager(s store.Store, configs []config.PartitionConfig, opts Options) *PartitionManager {
	return &PartitionManager{runner: newRunner(JobPartitionMaintenance, s, opts), configs: configs}
}

// Name returns the job name.
func (p *PartitionManager) Name() string { return p.job }

// Run maintains every configured parent, or only those named in req.Targets.
func (p *PartitionManager) Run(ctx context.Context, req Request) JobRun {
	run := p.start()
	now := req.Now
	if now.IsZero() {
		now = p.now()
	}

	if _, err := p.exec(ctx, sqlCreateMetadata); err != nil {
		return p.fail(run, "partition metadata table unavailable", err)
	}

	created := map[string][]string{}
	dropped := map[string][]string{}
	run.Details["created"] = created
	run.Details["dropped"] = dropped

	var tasks []task
	for _, cfg := range p.selected(req.Targets) {
		name := schemaOrPublic(cfg.Schema) + "." + cfg.Table
		tasks = append(tasks, task{resource: name, run: func(ctx context.Context) (int64, error) {
			c, d, err := p.maintain(ctx, cfg, now)
			created[name], dropped[name] = c, d
			if err == nil && len(c)+len(d) == 0 {
				return 0, errNoop
			}
			return int64(len(c) + len(d)), err
		}})
	}
	return p.execute(ctx, run, tasks)
}

func (p *PartitionManager) selected(targets []string) []config.PartitionConfig {
	if len(targets) == 0 {
		return p.configs
	}
	var out []config.PartitionConfig
	for _, t := range targets {
		schema, table := parseRelation(t)
		for _, c := range p.configs {
			if schemaOrPublic(c.Schema) == schema && c.Table == table {
				out = append(out, c)
			}
		}
	}
	return out
}

// maintain creates the current and premade partitions, then drops expired ones.
func (p *PartitionManager) maintain(ctx context.Context, cfg config.PartitionConfig, now time.Time) (created, dropped []string, err error) {
	schema := schemaOrPublic(cfg.Schema)
	parent := quoteIdent(schema, cfg.Table)

	premake := cfg.Premake
	if premake <= 0 {
		premake = DefaultPremake
	}
	for _, part := range upcomingPartitions(cfg.Table, cfg.Interval, now, premake) {
		ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s PARTITION OF %s FOR VALUES FROM ('%s') TO ('%s')",
			quoteIdent(schema, part.Name), parent,
			part.Start.Format(time.RFC3339), part.End.Format(time.RFC3339),
		)
		if _, err := p.exec(ctx, ddl); err != nil {
			return created, dropped, err
		}
		n, err := p.exec(ctx, sqlRecordPartition, schema, cfg.Table, part.Name, part.Start, part.End)
		if err != nil {
			return created, dropped, err
		}
		if n > 0 {
			created = append(created, part.Name)
		}
	}

	if cfg.RetentionDays <= 0 {
		return created, dropped, nil
	}
	existing, err := p.partitions(ctx, schema, cfg.Table)
	if err != nil {
		return created, dropped, err
	}
	cutoff := now.AddDate(0, 0, -cfg.RetentionDays)
	for _, part := range expiredPartitions(existing, cutoff) {
		if _, err := p.exec(ctx, "DROP TABLE IF EXISTS "+quoteIdent(schema, part.Name)); err != nil {
			return created, dropped, err
		}
		if _, err := p.exec(ctx, sqlForgetPartition, schema, cfg.Table, part.Name); err != nil {
			return created, dropped, err
		}
		dropped = append(dropped, part.Name)
		p.log.Info("partition dropped",
			logger.String("partition", part.Name),
			logger.Time("range_end", part.End),
			logger.Time("cutoff", cutoff),
		)
	}
	return created, dropped, nil
}

func (p *PartitionManager) partitions(ctx context.Context, schema, table string) ([]Partition, error) {
	sctx, cancel := p.statementContext(ctx)
	defer cancel()
	parts, err := store.Collect(sctx, p.store, sqlListPartitions, []any{schema, table}, func(r store.Rows) (Partition, error) {
		var part Partition
		err := r.Scan(&part.Name, &part.Start, &part.End)
		return part, err
	})
	if err != nil {
		return nil, store.Classify("query", sqlListPartitions, err)
	}
	return parts, nil
}

// expiredPartitions returns partitions whose whole range lies before cutoff.
// A partition ending after cutoff still holds retained rows and is kept.
func expiredPartitions(parts []Partition, cutoff time.Time) []Partition {
	var out []Partition
	for _, part := range parts {
		if !part.End.After(cutoff) {
			out = append(out, part)
		}
	}
	return out
}

// upcomingPartitions returns the partition containing now plus premake more.
func upcomingPartitions(table, interval string, now time.Time, premake int) []Partition {
	start := periodStart(interval, now.UTC())
	out := make([]Partition, 0, premake+1)
	for i := 0; i <= premake; i++ {
		s := advance(interval, start, i)
		out = append(out, Partition{
			Name:  table + "_p" + s.Format(nameLayout(interval)),
			Start: s,
			End:   advance(interval, start, i+1),
		})
	}
	return out
}

func periodStart(interval string, t time.Time) time.Time {
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	switch interval {
	case config.IntervalWeek:
		return day.AddDate(0, 0, -((int(day.Weekday()) + 6) % 7))
	case config.IntervalMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
	default:
		return day
	}
}

func advance(interval string, t time.Time, n int) time.Time {
	switch interval {
	case config.IntervalWeek:
		return t.AddDate(0, 0, 7*n)
	case config.IntervalMonth:
		return t.AddDate(0, n, 0)
	default:
		return t.AddDate(0, 0, n)
	}
}

func nameLayout(interval string) string {
	if interval == config.IntervalMonth {
		return "200601"
	}
	return "20060102"
}
