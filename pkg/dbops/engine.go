// Package dbops is the public entry point of pgwarden: it wires the store,
// collectors, analyzers, health checker, alert manager, maintenance jobs and
// scheduler from one configuration and exposes the operations external callers
// (dashboards, CLIs, the host application) use.
package dbops

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/koltyakov/pgwarden/internal/alert"
	"github.com/koltyakov/pgwarden/internal/analytics"
	"github.com/koltyakov/pgwarden/internal/analyze"
	"github.com/koltyakov/pgwarden/internal/collect"
	"github.com/koltyakov/pgwarden/internal/config"
	pgerr "github.com/koltyakov/pgwarden/internal/errors"
	"github.com/koltyakov/pgwarden/internal/health"
	"github.com/koltyakov/pgwarden/internal/logger"
	"github.com/koltyakov/pgwarden/internal/maintenance"
	"github.com/koltyakov/pgwarden/internal/scheduler"
	"github.com/koltyakov/pgwarden/internal/store"
)

// Re-exported types so callers outside this module can name results.
type (
	DatabaseStats      = collect.DatabaseStats
	TableBloatInfo     = analyze.TableBloatInfo
	IndexUsageInfo     = analyze.IndexUsageInfo
	HealthReport       = health.Report
	JobRun             = maintenance.JobRun
	JobDefinition      = scheduler.JobDefinition
	JobPatch           = scheduler.Patch
	PerformanceAlert   = alert.PerformanceAlert
	CrisisReport       = analytics.CrisisReport
	CrisisRiskScore    = analytics.CrisisRiskScore
	Profile            = analytics.Profile
	Weights            = analytics.Weights
	CompatibilityScore = analytics.CompatibilityScore
	Post               = analytics.Post
	FeedPreferences    = analytics.FeedPreferences
	FeedRank           = analytics.FeedRank
)

// Engine is the database operations engine.
type Engine struct {
	db  store.DB // nil unless the engine opened the connection itself
	log logger.Logger
	now func() time.Time

	collector *collect.Collector
	bloat     *analyze.Bloat
	indexes   *analyze.IndexUsage
	alerts    *alert.Manager
	scheduler *scheduler.Scheduler
	analytics *analytics.Engine
}

// Open validates cfg, connects to the database named in it and builds an Engine
// that owns the connection. Close releases it.
func Open(ctx context.Context, cfg config.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := collectOptions(opts)
	db, err := store.Open(ctx, cfg.Database, o.log, o.metrics)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	e, err := New(db, cfg, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	e.db = db
	return e, nil
}

func collectOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt.apply(&o)
	}
	if o.log == nil {
		o.log = logger.NewNop()
	}
	return o
}

// New builds an Engine over an existing store. Built-in job definitions that
// fail validation are disabled and logged; invalid alert definitions or job
// overrides in cfg are returned as an error.
func New(s store.Store, cfg config.Config, opts ...Option) (*Engine, error) {
	o := collectOptions(opts)
	log := o.log

	collector := collect.New(s, cfg.Database.QueryTimeout, log.With(logger.String("component", "collector")))
	bloat := analyze.NewBloat(s, analyze.BloatOptions{
		VacuumRatio:        cfg.Bloat.VacuumRatio,
		DeadTupleThreshold: cfg.Bloat.DeadTupleThreshold,
		QueryTimeout:       cfg.Database.QueryTimeout,
	})
	indexes := analyze.NewIndexUsage(s, analyze.IndexOptions{
		MinDropSizeBytes: cfg.Index.MinDropSizeBytes,
		MinScans:         cfg.Index.MinScans,
		RebuildRatio:     cfg.Index.RebuildRatio,
		QueryTimeout:     cfg.Database.QueryTimeout,
	})
	stale := analyze.NewStatistics(s, analyze.StatisticsOptions{
		StaleAfter:   cfg.Statistics.StaleAfter,
		ModThreshold: cfg.Statistics.ModThreshold,
		QueryTimeout: cfg.Database.QueryTimeout,
	})

	checker := health.New(collector, collector, bloat, indexes, thresholds(cfg.Health),
		log.With(logger.String("component", "health")), o.metrics)
	checker.SetClock(o.now)

	defs, err := alert.FromConfig(cfg.Alerts)
	if err != nil {
		return nil, err
	}
	sinks := append([]alert.Sink{alert.NewLogSink(log.With(logger.String("component", "alert")))}, o.sinks...)
	alerts := alert.NewManager(defs, log, o.metrics, sinks...)

	jobOpts := maintenance.Options{
		StatementTimeout: cfg.Database.StatementTimeout,
		Logger:           log,
		Metrics:          o.metrics,
	}
	registry, err := scheduler.NewRegistry(scheduler.DefaultDefinitions(),
		maintenance.NewStatisticsRefresher(s, stale, jobOpts),
		maintenance.NewVacuumRunner(s, bloat, jobOpts),
		maintenance.NewIndexMaintainer(s, indexes, jobOpts),
		maintenance.NewArchivalManager(s, cfg.Archive, jobOpts),
		maintenance.NewPartitionManager(s, cfg.Partitions, jobOpts),
	)
	if err != nil {
		log.Warn("job definitions disabled", logger.Error(err))
	}
	if err := applyOverrides(registry, cfg.Jobs); err != nil {
		return nil, err
	}

	schedOpts := scheduler.OptionsFromConfig(cfg.Scheduler)
	schedOpts.Health = checker
	schedOpts.Alerts = alerts
	schedOpts.Logger = log.With(logger.String("component", "scheduler"))
	schedOpts.Metrics = o.metrics
	schedOpts.Now = o.now

	return &Engine{
		log:       log,
		now:       o.now,
		collector: collector,
		bloat:     bloat,
		indexes:   indexes,
		alerts:    alerts,
		scheduler: scheduler.New(registry, schedOpts),
		analytics: analytics.NewEngine(s, cfg.Analytics, log.With(logger.String("component", "analytics"))),
	}, nil
}

func thresholds(h config.HealthConfig) health.Thresholds {
	t := health.DefaultThresholds()
	if h.CacheWarningPercent > 0 {
		t.CacheWarning = h.CacheWarningPercent
	}
	if h.CacheCriticalPercent > 0 {
		t.CacheCritical = h.CacheCriticalPercent
	}
	if h.ConnectionWarningPercent > 0 {
		t.ConnectionWarning = h.ConnectionWarningPercent
	}
	if h.ConnectionCriticalPercent > 0 {
		t.ConnectionCritical = h.ConnectionCriticalPercent
	}
	if h.LongQueryThreshold > 0 {
		t.LongQuery = h.LongQueryThreshold
	}
	if h.CriticalQueryDuration > 0 {
		t.CriticalQueryDuration = h.CriticalQueryDuration
	}
	return t
}

func applyOverrides(r *scheduler.Registry, overrides map[string]config.JobOverride) error {
	names := make([]string, 0, len(overrides))
	for name := range overrides {
		names = append(names, name)
	}
	sort.Strings(names)

	var me pgerr.MultiError
	for _, name := range names {
		if _, err := r.Update(name, scheduler.PatchFromOverride(overrides[name])); err != nil {
			me.Add(fmt.Errorf("jobs.%s: %w", name, err))
		}
	}
	return me.ErrorOrNil()
}

// CollectStats returns a database-wide stats snapshot.
func (e *Engine) CollectStats(ctx context.Context) (DatabaseStats, error) {
	return e.collector.Collect(ctx)
}

// DetectBloat estimates bloat for every user table, worst first.
func (e *Engine) DetectBloat(ctx context.Context) ([]TableBloatInfo, error) {
	return e.bloat.Detect(ctx)
}

// MonitorIndexUsage reports usage and a recommendation for every user index.
func (e *Engine) MonitorIndexUsage(ctx context.Context) ([]IndexUsageInfo, error) {
	return e.indexes.Monitor(ctx)
}

// RunHealthCheck classifies database health now and evaluates alerts on the result.
// It never fails; probe errors show up as CRITICAL issues.
func (e *Engine) RunHealthCheck(ctx context.Context) HealthReport {
	rep, _ := e.scheduler.CheckHealth(ctx)
	return rep
}

// LastHealth returns the most recent health report, from either RunHealthCheck
// or the scheduler's health timer.
func (e *Engine) LastHealth() (HealthReport, bool) {
	return e.scheduler.LastHealth()
}

// RunJob runs a maintenance job immediately, with retries but without
// dependency checks. Every attempt is returned and recorded in history.
func (e *Engine) RunJob(ctx context.Context, name string) ([]JobRun, error) {
	return e.scheduler.RunJob(ctx, name)
}

// GetJobHistory returns recorded runs oldest first. With a job name only that
// job's runs are returned.
func (e *Engine) GetJobHistory(job ...string) []JobRun {
	if len(job) > 0 && job[0] != "" {
		return e.scheduler.History().ForJob(job[0])
	}
	return e.scheduler.History().All()
}

// GetJobDefinitions returns every job definition in registration order.
func (e *Engine) GetJobDefinitions() []JobDefinition {
	return e.scheduler.Registry().Definitions()
}

// UpdateJobDefinition patches a job definition. An invalid result is rejected
// and the previous definition kept.
func (e *Engine) UpdateJobDefinition(name string, patch JobPatch) (JobDefinition, error) {
	def, err := e.scheduler.Registry().Update(name, patch)
	if err != nil {
		return def, err
	}
	e.log.Info("job definition updated",
		logger.String("job", name),
		logger.Bool("enabled", def.Enabled),
		logger.String("trigger", def.Trigger.String()),
	)
	return def, nil
}

// Alerts returns the current alert definitions.
func (e *Engine) Alerts() []PerformanceAlert {
	return e.alerts.Alerts()
}

// SetAlert replaces one alert definition.
func (e *Engine) SetAlert(a PerformanceAlert) error {
	return e.alerts.SetAlert(a)
}

// ScoreCrisisRisk scores a single crisis report.
func (e *Engine) ScoreCrisisRisk(report CrisisReport) CrisisRiskScore {
	return analytics.ScoreCrisisRisk(report)
}

// ScoreCompatibility ranks candidates for user. A zero Weights uses the defaults.
func (e *Engine) ScoreCompatibility(user Profile, candidates []Profile, w Weights) []CompatibilityScore {
	return analytics.ScoreCompatibility(user, candidates, w, e.now())
}

// RankFeed orders posts for a viewer.
func (e *Engine) RankFeed(posts []Post, prefs FeedPreferences) []FeedRank {
	return analytics.RankFeed(posts, prefs, e.now())
}

// Analytics exposes the store-backed analytics loaders.
func (e *Engine) Analytics() *analytics.Engine {
	return e.analytics
}

// Start launches the scheduler's polling and health timers.
func (e *Engine) Start(ctx context.Context) error {
	return e.scheduler.Start(ctx)
}

// Stop halts the timers and waits for running jobs to finish their current target.
func (e *Engine) Stop() error {
	return e.scheduler.Stop()
}

// Close stops the engine and releases the connection pool it opened.
func (e *Engine) Close() error {
	err := e.Stop()
	if e.db != nil {
		e.db.Close()
		e.db = nil
	}
	return err
}
