// Package maintenance implements the administrative job bodies: statistics
// refresh, vacuum, reindex, archival and partition upkeep.
//
// Every body issues one logical operation per target. A failed target is
// recorded in Details["failed"] and the job moves on; a connectivity failure
// stops the body because no later target can succeed either. Statements run on
// a context detached from shutdown so the current target always completes,
// but no new target starts once the caller's context is done.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	pgerr "github.com/koltyakov/pgwarden/internal/errors"
	"github.com/koltyakov/pgwarden/internal/logger"
	"github.com/koltyakov/pgwarden/internal/metrics"
	"github.com/koltyakov/pgwarden/internal/store"
)

// Built-in job names.
const (
	JobUpdateStatistics     = "update_statistics"
	JobVacuumTables         = "vacuum_tables"
	JobIndexMaintenance     = "index_maintenance"
	JobArchiveOldData       = "archive_old_data"
	JobPartitionMaintenance = "partition_maintenance"
)

// DefaultStatementTimeout bounds a single administrative statement.
const DefaultStatementTimeout = 5 * time.Minute

// Status is the outcome of a job run.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
	StatusPartial Status = "PARTIAL"
	StatusSkipped Status = "SKIPPED"
)

// JobRun is the immutable record of one job execution.
type JobRun struct {
	ID                string
	JobName           string
	Attempt           int
	Start             time.Time
	End               time.Time
	Duration          time.Duration
	Status            Status
	Message           string
	Details           map[string]any
	Error             string
	ResourcesAffected []string

	// Err is the job-level cause behind Error, kept for classification.
	Err error `json:"-"`
}

// Failed returns the per-target failures recorded in Details.
func (r JobRun) Failed() map[string]string {
	failed, _ := r.Details["failed"].(map[string]string)
	return failed
}

// Request parameterizes one run.
type Request struct {
	// Targets restricts the run to these resources; empty derives them.
	Targets []string

	// Now is the logical time of the run, used for retention cutoffs.
	Now time.Time

	// FullMode allows exclusive-lock variants (VACUUM FULL, plain REINDEX).
	FullMode bool
}

// Job is a runnable maintenance body.
type Job interface {
	Name() string
	Run(ctx context.Context, req Request) JobRun
}

// Options are shared by every body.
type Options struct {
	StatementTimeout time.Duration
	Logger           logger.Logger
	Metrics          *metrics.Metrics
}

// errNoop marks a target that needed no change. It counts as success but is
// not listed as affected.
var errNoop = errors.New("nothing to do")

// task is one target of a job.
type task struct {
	resource string
	run      func(ctx context.Context) (int64, error)
}

// runner executes tasks with the shared timeout and outcome rules.
type runner struct {
	job     string
	store   store.Store
	timeout time.Duration
	log     logger.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func newRunner(job string, s store.Store, opts Options) runner {
	if opts.StatementTimeout <= 0 {
		opts.StatementTimeout = DefaultStatementTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	return runner{
		job:     job,
		store:   s,
		timeout: opts.StatementTimeout,
		log:     opts.Logger.With(logger.String("job", job)),
		metrics: opts.Metrics,
		now:     time.Now,
	}
}

// statementContext detaches ctx from cancellation and applies the statement timeout.
func (r runner) statementContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
}

func (r runner) exec(ctx context.Context, sql string, args ...any) (int64, error) {
	sctx, cancel := r.statementContext(ctx)
	defer cancel()
	n, err := r.store.Exec(sctx, sql, args...)
	if err != nil {
		return 0, store.Classify("exec", sql, err)
	}
	return n, nil
}

func (r runner) queryRow(ctx context.Context, sql string, args []any, dst ...any) error {
	sctx, cancel := r.statementContext(ctx)
	defer cancel()
	if _, err := store.QueryRow(sctx, r.store, 0, sql, args, dst...); err != nil {
		return store.Classify("query", sql, err)
	}
	return nil
}

// start opens a JobRun for this job.
func (r runner) start() JobRun {
	return JobRun{JobName: r.job, Start: r.now(), Details: map[string]any{}}
}

// fail closes run as a job-level FAILURE.
func (r runner) fail(run JobRun, msg string, err error) JobRun {
	run.Status = StatusFailure
	run.Message = msg
	run.Err = err
	run.Error = err.Error()
	r.finish(&run)
	r.log.Error(msg, logger.Error(err))
	return run
}

func (r runner) finish(run *JobRun) {
	run.End = r.now()
	run.Duration = run.End.Sub(run.Start)
}

// execute runs tasks in order and derives the run outcome.
func (r runner) execute(ctx context.Context, run JobRun, tasks []task) JobRun {
	failed := map[string]string{}
	var (
		succeeded   int
		rows        int64
		interrupted bool
	)

	for _, t := range tasks {
		if ctx.Err() != nil {
			interrupted = true
			break
		}
		n, err := t.run(ctx)
		switch {
		case err == nil:
			succeeded++
			rows += n
			run.ResourcesAffected = append(run.ResourcesAffected, t.resource)
			r.log.Debug("target done", logger.String("target", t.resource), logger.Int64("rows", n))
		case errors.Is(err, errNoop):
			succeeded++
		default:
			failed[t.resource] = err.Error()
			r.recordFailure(t.resource, err)
			if pgerr.IsConnectivity(err) {
				run.Err = err
				run.Error = err.Error()
			}
		}
		if run.Err != nil {
			break
		}
	}

	run.Details["failed"] = failed
	run.Details["rows"] = rows
	run.Details["targets"] = len(tasks)
	run.Status = outcome(succeeded, len(failed), interrupted)
	if run.Err != nil {
		run.Status = StatusFailure
	}
	run.Message = fmt.Sprintf("%d of %d targets succeeded", succeeded, len(tasks))
	if interrupted {
		run.Message += "; interrupted by shutdown"
	}
	r.finish(&run)
	return run
}

func (r runner) recordFailure(target string, err error) {
	kind := "error"
	if pgerr.IsTimeout(err) {
		kind = "timeout"
	}
	r.metrics.StatementFailed(r.job, kind)
	r.log.Warn("target failed",
		logger.String("target", target),
		logger.String("kind", kind),
		logger.Error(err),
	)
}

// outcome applies the status rules: any success wins unless the run was
// interrupted, in which case it is PARTIAL (FAILURE when only failures).
// A run with nothing to do is SUCCESS.
func outcome(succeeded, failed int, interrupted bool) Status {
	switch {
	case interrupted && succeeded == 0 && failed > 0:
		return StatusFailure
	case interrupted:
		return StatusPartial
	case succeeded > 0:
		return StatusSuccess
	case failed > 0:
		return StatusFailure
	default:
		return StatusSuccess
	}
}

// parseRelation splits "schema.name"; a bare name is in public.
func parseRelation(s string) (schema, name string) {
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return s[:i], s[i+1:]
	}
	return "public", s
}

func quoteIdent(parts ...string) string {
	return pgx.Identifier(parts).Sanitize()
}
