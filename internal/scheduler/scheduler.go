// Package scheduler decides which maintenance jobs are due and runs them.
//
// A single poll timer matches job triggers at minute granularity and hands
// each due batch to a goroutine bounded by a weighted semaphore. A second,
// faster timer runs the health check independently so a long maintenance
// batch never delays health polling. Every run, including skipped ones, is
// appended to a bounded history.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/koltyakov/pgwarden/internal/alert"
	"github.com/koltyakov/pgwarden/internal/analyze"
	"github.com/koltyakov/pgwarden/internal/collect"
	"github.com/koltyakov/pgwarden/internal/config"
	pgerr "github.com/koltyakov/pgwarden/internal/errors"
	"github.com/koltyakov/pgwarden/internal/health"
	"github.com/koltyakov/pgwarden/internal/logger"
	"github.com/koltyakov/pgwarden/internal/maintenance"
	"github.com/koltyakov/pgwarden/internal/metrics"
)

// Default intervals.
const (
	DefaultPollInterval   = time.Minute
	DefaultHealthInterval = 30 * time.Second
)

// HealthChecker produces a health report. It must not fail.
type HealthChecker interface {
	Run(ctx context.Context) health.Report
}

// Alerter receives health results and job failures.
type Alerter interface {
	Evaluate(ctx context.Context, now time.Time, stats collect.DatabaseStats, bloat []analyze.TableBloatInfo) []alert.Event
	NotifyJobFailure(ctx context.Context, now time.Time, job, reason string) alert.Event
}

// Options configures a Scheduler.
type Options struct {
	PollInterval      time.Duration
	HealthInterval    time.Duration
	MaxConcurrentJobs int
	HistoryCapacity   int
	Window            config.MaintenanceWindowConfig
	Health            HealthChecker
	Alerts            Alerter
	Logger            logger.Logger
	Metrics           *metrics.Metrics

	// Now is the clock used for trigger matching, Request.Now and manual runs.
	// Default: time.Now.
	Now func() time.Time
}

// OptionsFromConfig maps the scheduler section of the configuration.
func OptionsFromConfig(cfg config.SchedulerConfig) Options {
	return Options{
		PollInterval:      cfg.PollInterval,
		HealthInterval:    cfg.HealthInterval,
		MaxConcurrentJobs: cfg.MaxConcurrentJobs,
		HistoryCapacity:   cfg.HistoryCapacity,
		Window:            cfg.MaintenanceWindow,
	}
}

// pendingRetry is a retry carried over from a tick aborted by a connectivity failure.
type pendingRetry struct {
	attempts  int
	scheduled time.Time
}

// Scheduler runs due jobs and records their results.
type Scheduler struct {
	registry *Registry
	history  *History
	opts     Options
	log      logger.Logger
	metrics  *metrics.Metrics
	sem      *semaphore.Weighted
	now      func() time.Time

	mu          sync.Mutex
	inFlight    map[string]bool
	dispatched  map[string]bool
	lastSuccess map[string]time.Time
	lastFired   map[string]time.Time
	pending     map[string]pendingRetry
	lastHealth  *health.Report
	cancel      context.CancelFunc
	group       *errgroup.Group
}

// New creates a Scheduler over registry.
func New(registry *Registry, opts Options) *Scheduler {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = DefaultHealthInterval
	}
	if opts.MaxConcurrentJobs <= 0 {
		opts.MaxConcurrentJobs = 1
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{
		registry:    registry,
		history:     NewHistory(opts.HistoryCapacity),
		opts:        opts,
		log:         opts.Logger,
		metrics:     opts.Metrics,
		sem:         semaphore.NewWeighted(int64(opts.MaxConcurrentJobs)),
		now:         opts.Now,
		inFlight:    map[string]bool{},
		dispatched:  map[string]bool{},
		lastSuccess: map[string]time.Time{},
		lastFired:   map[string]time.Time{},
		pending:     map[string]pendingRetry{},
	}
}

// Registry returns the job registry.
func (s *Scheduler) Registry() *Registry { return s.registry }

// History returns the run history.
func (s *Scheduler) History() *History { return s.history }

// dueJob is a definition selected for a tick with its scheduled minute.
type dueJob struct {
	def       JobDefinition
	scheduled time.Time
	attempts  int
}

// collectDue selects runnable definitions whose trigger matches now, plus
// carried-over retries. A trigger fires at most once per minute.
func (s *Scheduler) collectDue(now time.Time) []dueJob {
	minute := now.Truncate(time.Minute)
	s.mu.Lock()
	defer s.mu.Unlock()

	var defs []JobDefinition
	meta := map[string]dueJob{}
	for _, d := range s.registry.Definitions() {
		if !d.Runnable() {
			continue
		}
		if p, ok := s.pending[d.Name]; ok {
			delete(s.pending, d.Name)
			defs = append(defs, d)
			meta[d.Name] = dueJob{scheduled: p.scheduled, attempts: p.attempts}
			continue
		}
		if !d.Trigger.Matches(now) || s.lastFired[d.Name].Equal(minute) {
			continue
		}
		s.lastFired[d.Name] = minute
		defs = append(defs, d)
		meta[d.Name] = dueJob{scheduled: now}
	}

	due := make([]dueJob, 0, len(defs))
	for _, d := range order(defs) {
		j := meta[d.Name]
		j.def = d
		due = append(due, j)
	}
	return due
}

// Tick runs every job due at now, in dependency then priority order, and
// returns the runs it produced. A connectivity failure stops the tick; the
// failing job retries on the next tick.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) []maintenance.JobRun {
	return s.runBatch(ctx, s.collectDue(now), now)
}

func (s *Scheduler) runBatch(ctx context.Context, due []dueJob, now time.Time) []maintenance.JobRun {
	var runs []maintenance.JobRun
	for i, j := range due {
		if ctx.Err() != nil {
			s.log.Info("tick interrupted", logger.Int("remaining_jobs", len(due)-i))
			break
		}
		jobRuns, err := s.runJob(ctx, j, now, true)
		s.release(j.def.Name)
		runs = append(runs, jobRuns...)
		if pgerr.IsConnectivity(err) {
			s.log.Error("store unreachable, aborting tick",
				logger.String("job", j.def.Name),
				logger.Int("remaining_jobs", len(due)-i-1),
				logger.Error(err),
			)
			break
		}
	}
	return runs
}

// RunJob runs name immediately with the usual in-flight and retry rules.
// Dependencies are not enforced.
func (s *Scheduler) RunJob(ctx context.Context, name string) ([]maintenance.JobRun, error) {
	def, err := s.registry.Get(name)
	if err != nil {
		return nil, err
	}
	if def.Invalid != "" {
		return nil, pgerr.NewConfigurationError("jobs."+name, "", def.Invalid)
	}
	now := s.now()
	runs, err := s.runJob(ctx, dueJob{def: def, scheduled: now}, now, false)
	if err != nil && !pgerr.IsConnectivity(err) {
		return runs, err
	}
	return runs, nil
}

// runJob runs one definition with retries. It returns a connectivity error
// when the job was stopped by one.
func (s *Scheduler) runJob(ctx context.Context, j dueJob, now time.Time, enforceDeps bool) ([]maintenance.JobRun, error) {
	def := j.def

	s.mu.Lock()
	if s.inFlight[def.Name] {
		s.mu.Unlock()
		return []maintenance.JobRun{s.skip(def.Name, now, "in_flight", "already running")}, pgerr.ErrJobInFlight
	}
	if enforceDeps {
		since := def.Trigger.Previous(j.scheduled)
		for _, dep := range def.Dependencies {
			if !s.lastSuccess[dep].After(since) {
				s.mu.Unlock()
				return []maintenance.JobRun{s.skip(def.Name, now, "dependency", fmt.Sprintf("dependency %s not satisfied", dep))}, nil
			}
		}
	}
	s.inFlight[def.Name] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inFlight, def.Name)
		s.mu.Unlock()
	}()

	body, ok := s.registry.Body(def.Name)
	if !ok {
		return nil, pgerr.NewConfigurationError("jobs."+def.Name, "", "no job body registered")
	}

	var runs []maintenance.JobRun
	attempts := j.attempts
	for {
		attempts++
		run := s.execute(ctx, body, def, now, attempts)
		runs = append(runs, run)
		if run.Status != maintenance.StatusFailure {
			return runs, nil
		}

		spent := attempts > def.RetryCount
		if pgerr.IsConnectivity(run.Err) {
			if !spent {
				s.mu.Lock()
				s.pending[def.Name] = pendingRetry{attempts: attempts, scheduled: j.scheduled}
				s.mu.Unlock()
			} else {
				s.notifyFailure(ctx, def, run)
			}
			return runs, run.Err
		}
		if spent {
			s.notifyFailure(ctx, def, run)
			return runs, nil
		}
		if ctx.Err() != nil {
			return runs, nil
		}
		s.metrics.Retry(def.Name)
		s.log.Warn("job failed, retrying",
			logger.String("job", def.Name),
			logger.Int("attempt", attempts),
			logger.Int("retry_count", def.RetryCount),
		)
		if !sleep(ctx, def.RetryDelay) {
			return runs, nil
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, body maintenance.Job, def JobDefinition, now time.Time, attempt int) maintenance.JobRun {
	req := maintenance.Request{
		Now:      now,
		FullMode: def.RunsInMaintenanceWindow && InWindow(s.opts.Window, now),
	}
	done := s.metrics.RunStarted()
	run := body.Run(ctx, req)
	done()

	run.ID = uuid.NewString()
	run.JobName = def.Name
	run.Attempt = attempt
	if run.End.IsZero() {
		run.End = s.now()
	}
	s.record(run)
	return run
}

func (s *Scheduler) skip(job string, now time.Time, reason, msg string) maintenance.JobRun {
	run := maintenance.JobRun{
		ID:      uuid.NewString(),
		JobName: job,
		Start:   now,
		End:     now,
		Status:  maintenance.StatusSkipped,
		Message: msg,
	}
	s.metrics.Skipped(job, reason)
	s.record(run)
	return run
}

func (s *Scheduler) record(run maintenance.JobRun) {
	s.history.Append(run)
	s.metrics.ObserveRun(run.JobName, string(run.Status), run.Duration)
	if run.Status == maintenance.StatusSuccess {
		s.mu.Lock()
		if run.End.After(s.lastSuccess[run.JobName]) {
			s.lastSuccess[run.JobName] = run.End
		}
		s.mu.Unlock()
	}

	fields := []logger.Field{
		logger.String("job", run.JobName),
		logger.String("run_id", run.ID),
		logger.String("status", string(run.Status)),
		logger.Int("attempt", run.Attempt),
		logger.Duration("duration", run.Duration),
		logger.Int("resources", len(run.ResourcesAffected)),
	}
	switch run.Status {
	case maintenance.StatusFailure:
		s.log.Error(run.Message, append(fields, logger.String("error", run.Error))...)
	case maintenance.StatusSkipped, maintenance.StatusPartial:
		s.log.Warn(run.Message, fields...)
	default:
		s.log.Info(run.Message, fields...)
	}
}

func (s *Scheduler) notifyFailure(ctx context.Context, def JobDefinition, run maintenance.JobRun) {
	if !def.AlertOnFailure || s.opts.Alerts == nil {
		return
	}
	reason := run.Error
	if reason == "" {
		reason = run.Message
	}
	s.opts.Alerts.NotifyJobFailure(ctx, run.End, def.Name, reason)
}

// InWindow reports whether now falls in the maintenance window [StartHour, EndHour).
// A window with StartHour > EndHour wraps past midnight; equal hours mean no window.
func InWindow(w config.MaintenanceWindowConfig, now time.Time) bool {
	h := now.Hour()
	switch {
	case w.StartHour == w.EndHour:
		return false
	case w.StartHour < w.EndHour:
		return h >= w.StartHour && h < w.EndHour
	default:
		return h >= w.StartHour || h < w.EndHour
	}
}

// CheckHealth runs the health check once and evaluates alerts on its result.
func (s *Scheduler) CheckHealth(ctx context.Context) (health.Report, error) {
	if s.opts.Health == nil {
		return health.Report{}, errors.New("no health checker configured")
	}
	report := s.opts.Health.Run(ctx)

	s.mu.Lock()
	prev := s.lastHealth
	s.lastHealth = &report
	s.mu.Unlock()

	if prev == nil || prev.Status != report.Status {
		s.log.Info("health status changed",
			logger.String("status", string(report.Status)),
			logger.Int("issues", len(report.Issues)),
		)
	}
	if s.opts.Alerts != nil && report.Stats != nil {
		s.opts.Alerts.Evaluate(ctx, report.CheckedAt, *report.Stats, report.Bloat)
	}
	return report, nil
}

// LastHealth returns the most recent health report.
func (s *Scheduler) LastHealth() (health.Report, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastHealth == nil {
		return health.Report{}, false
	}
	return *s.lastHealth, true
}

// Start launches the poll and health timers. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.group != nil {
		return errors.New("scheduler already started")
	}
	ctx, s.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	s.group = g

	g.Go(func() error { return s.pollLoop(gctx, g) })
	if s.opts.Health != nil {
		g.Go(func() error { return s.healthLoop(gctx) })
	}
	s.log.Info("scheduler started",
		logger.Duration("poll_interval", s.opts.PollInterval),
		logger.Duration("health_interval", s.opts.HealthInterval),
		logger.Int("max_concurrent_jobs", s.opts.MaxConcurrentJobs),
	)
	return nil
}

// Stop cancels the timers, stops jobs from starting new targets and waits
// for running bodies to finish their current target.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	cancel, g := s.cancel, s.group
	s.cancel, s.group = nil, nil
	s.mu.Unlock()
	if g == nil {
		return nil
	}
	cancel()
	err := g.Wait()
	s.log.Info("scheduler stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Scheduler) pollLoop(ctx context.Context, g *errgroup.Group) error {
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.dispatch(ctx, g, s.now())
		}
	}
}

// dispatch hands the jobs due at now to a batch goroutine. Jobs still running
// or queued from an earlier batch are skipped. When every slot is busy the
// remaining jobs carry over to the next tick instead of waiting for a slot.
func (s *Scheduler) dispatch(ctx context.Context, g *errgroup.Group, now time.Time) {
	due := s.skipBusy(s.collectDue(now), now)
	if len(due) == 0 {
		return
	}
	if !s.sem.TryAcquire(1) {
		s.carryOver(due)
		return
	}
	s.mu.Lock()
	for _, j := range due {
		s.dispatched[j.def.Name] = true
	}
	s.mu.Unlock()

	g.Go(func() error {
		defer s.sem.Release(1)
		defer func() {
			for _, j := range due {
				s.release(j.def.Name)
			}
		}()
		s.runBatch(ctx, due, now)
		return nil
	})
}

func (s *Scheduler) skipBusy(due []dueJob, now time.Time) []dueJob {
	free := due[:0]
	for _, j := range due {
		s.mu.Lock()
		busy := s.inFlight[j.def.Name] || s.dispatched[j.def.Name]
		s.mu.Unlock()
		if busy {
			s.skip(j.def.Name, now, "in_flight", "already running")
			continue
		}
		free = append(free, j)
	}
	return free
}

func (s *Scheduler) carryOver(due []dueJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range due {
		if _, ok := s.pending[j.def.Name]; !ok {
			s.pending[j.def.Name] = pendingRetry{attempts: j.attempts, scheduled: j.scheduled}
		}
	}
	s.log.Debug("no free job slot, carrying jobs over", logger.Int("jobs", len(due)))
}

func (s *Scheduler) release(name string) {
	s.mu.Lock()
	delete(s.dispatched, name)
	s.mu.Unlock()
}

func (s *Scheduler) healthLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.HealthInterval)
	defer ticker.Stop()
	for {
		if _, err := s.CheckHealth(ctx); err != nil {
			s.log.Error("health check unavailable", logger.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
