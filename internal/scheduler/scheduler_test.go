package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/koltyakov/pgwarden/internal/alert"
	"github.com/koltyakov/pgwarden/internal/analyze"
	"github.com/koltyakov/pgwarden/internal/collect"
	"github.com/koltyakov/pgwarden/internal/config"
	pgerr "github.com/koltyakov/pgwarden/internal/errors"
	"github.com/koltyakov/pgwarden/internal/health"
	"github.com/koltyakov/pgwarden/internal/maintenance"
	"github.com/koltyakov/pgwarden/internal/store/storetest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// stubJob returns scripted statuses; the last status repeats.
type stubJob struct {
	name     string
	statuses []maintenance.Status
	err      error
	entered  chan struct{}
	release  chan struct{}

	mu       sync.Mutex
	requests []maintenance.Request
}

func newStub(name string, statuses ...maintenance.Status) *stubJob {
	if len(statuses) == 0 {
		statuses = []maintenance.Status{maintenance.StatusSuccess}
	}
	return &stubJob{name: name, statuses: statuses}
}

func (j *stubJob) Name() string { return j.name }

func (j *stubJob) Run(_ context.Context, req maintenance.Request) maintenance.JobRun {
	j.mu.Lock()
	n := len(j.requests)
	j.requests = append(j.requests, req)
	j.mu.Unlock()

	if j.entered != nil {
		j.entered <- struct{}{}
		<-j.release
	}
	status := j.statuses[min(n, len(j.statuses)-1)]
	run := maintenance.JobRun{
		JobName:  j.name,
		Start:    req.Now,
		End:      req.Now.Add(time.Minute),
		Duration: time.Minute,
		Status:   status,
		Message:  string(status),
	}
	if status == maintenance.StatusFailure && j.err != nil {
		run.Err = j.err
		run.Error = j.err.Error()
	}
	return run
}

func (j *stubJob) calls() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.requests)
}

type alertRecorder struct {
	mu        sync.Mutex
	failures  []string
	evaluated int
}

func (a *alertRecorder) Evaluate(context.Context, time.Time, collect.DatabaseStats, []analyze.TableBloatInfo) []alert.Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.evaluated++
	return nil
}

func (a *alertRecorder) NotifyJobFailure(_ context.Context, now time.Time, job, reason string) alert.Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures = append(a.failures, job)
	return alert.Event{Type: alert.TypeJobFailure, Message: reason, Timestamp: now}
}

type healthStub struct {
	runs atomic.Int32
}

func (h *healthStub) Run(context.Context) health.Report {
	h.runs.Add(1)
	return health.Report{Status: health.StatusHealthy, CheckedAt: time.Now(), Stats: &collect.DatabaseStats{CacheHitRatio: 99}}
}

func newScheduler(t *testing.T, defs []JobDefinition, opts Options, bodies ...maintenance.Job) *Scheduler {
	t.Helper()
	r, err := NewRegistry(defs, bodies...)
	require.NoError(t, err)
	return New(r, opts)
}

func statuses(runs []maintenance.JobRun) []maintenance.Status {
	var out []maintenance.Status
	for _, r := range runs {
		out = append(out, r.Status)
	}
	return out
}

func TestUnmetDependencySkipsWithoutSQL(t *testing.T) {
	f := storetest.New()
	bodies := []maintenance.Job{
		maintenance.NewStatisticsRefresher(f, analyze.NewStatistics(f, analyze.StatisticsOptions{}), maintenance.Options{}),
		maintenance.NewVacuumRunner(f, analyze.NewBloat(f, analyze.BloatOptions{}), maintenance.Options{}),
		maintenance.NewIndexMaintainer(f, analyze.NewIndexUsage(f, analyze.IndexOptions{}), maintenance.Options{}),
		maintenance.NewArchivalManager(f, nil, maintenance.Options{}),
		maintenance.NewPartitionManager(f, nil, maintenance.Options{}),
	}
	s := newScheduler(t, DefaultDefinitions(), Options{}, bodies...)

	// Tuesday 02:00: vacuum_tables is due, update_statistics never succeeded
	runs := s.Tick(context.Background(), at(2024, 6, 4, 2, 0))

	require.Len(t, runs, 1)
	assert.Equal(t, maintenance.JobVacuumTables, runs[0].JobName)
	assert.Equal(t, maintenance.StatusSkipped, runs[0].Status)
	assert.Equal(t, "dependency update_statistics not satisfied", runs[0].Message)
	assert.NotEmpty(t, runs[0].ID)
	assert.Empty(t, f.Calls(), "a skipped job issues no SQL")
	assert.Equal(t, 1, s.History().Len())
}

func TestDependencySatisfiedBySuccessSincePreviousOccurrence(t *testing.T) {
	stats := newStub(maintenance.JobUpdateStatistics)
	vacuum := newStub(maintenance.JobVacuumTables)
	bodies := []maintenance.Job{stats, vacuum, newStub(maintenance.JobIndexMaintenance),
		newStub(maintenance.JobArchiveOldData), newStub(maintenance.JobPartitionMaintenance)}
	s := newScheduler(t, DefaultDefinitions(), Options{}, bodies...)
	ctx := context.Background()

	s.Tick(ctx, at(2024, 6, 4, 1, 0))
	runs := s.Tick(ctx, at(2024, 6, 4, 2, 0))
	require.Len(t, runs, 1)
	assert.Equal(t, maintenance.StatusSuccess, runs[0].Status)
	assert.Equal(t, 1, vacuum.calls())

	// the next day the stats job fails, so yesterday's success is too old
	stats.statuses = []maintenance.Status{maintenance.StatusFailure}
	s.Tick(ctx, at(2024, 6, 5, 1, 0))
	runs = s.Tick(ctx, at(2024, 6, 5, 2, 0))
	require.Len(t, runs, 1)
	assert.Equal(t, maintenance.StatusSkipped, runs[0].Status)
	assert.Equal(t, 1, vacuum.calls())
}

func TestDependencyOrderWithinTick(t *testing.T) {
	defs := []JobDefinition{
		{Name: "child", Enabled: true, Trigger: Daily(1, 0), Priority: analyze.PriorityCritical, Dependencies: []string{"parent"}},
		{Name: "parent", Enabled: true, Trigger: Daily(1, 0), Priority: analyze.PriorityLow},
	}
	s := newScheduler(t, defs, Options{}, newStub("child"), newStub("parent"))

	runs := s.Tick(context.Background(), at(2024, 6, 4, 1, 0))

	require.Len(t, runs, 2)
	assert.Equal(t, "parent", runs[0].JobName)
	assert.Equal(t, "child", runs[1].JobName)
	assert.Equal(t, []maintenance.Status{maintenance.StatusSuccess, maintenance.StatusSuccess}, statuses(runs))
}

func TestRetryBound(t *testing.T) {
	job := newStub("flaky", maintenance.StatusFailure)
	alerts := &alertRecorder{}
	defs := []JobDefinition{{Name: "flaky", Enabled: true, Trigger: Daily(3, 0), RetryCount: 2, AlertOnFailure: true}}
	s := newScheduler(t, defs, Options{Alerts: alerts}, job)
	ctx := context.Background()

	runs := s.Tick(ctx, at(2024, 6, 4, 3, 0))
	require.Len(t, runs, 3, "initial run plus two retries")
	for i, r := range runs {
		assert.Equal(t, maintenance.StatusFailure, r.Status)
		assert.Equal(t, i+1, r.Attempt)
	}
	assert.Equal(t, []string{"flaky"}, alerts.failures)

	assert.Empty(t, s.Tick(ctx, at(2024, 6, 4, 3, 0)), "no fourth attempt in the same cycle")
	assert.Empty(t, s.Tick(ctx, at(2024, 6, 4, 3, 1)))
	assert.Equal(t, 3, job.calls())

	runs = s.Tick(ctx, at(2024, 6, 5, 3, 0))
	assert.Len(t, runs, 3, "next natural trigger starts a fresh cycle")
	assert.Equal(t, 6, s.History().Len())
}

func TestRetryStopsOnSuccess(t *testing.T) {
	job := newStub("flaky", maintenance.StatusFailure, maintenance.StatusSuccess)
	defs := []JobDefinition{{Name: "flaky", Enabled: true, Trigger: Daily(3, 0), RetryCount: 5}}
	s := newScheduler(t, defs, Options{}, job)

	runs := s.Tick(context.Background(), at(2024, 6, 4, 3, 0))

	assert.Equal(t, []maintenance.Status{maintenance.StatusFailure, maintenance.StatusSuccess}, statuses(runs))
}

func TestConnectivityFailureAbortsTick(t *testing.T) {
	down := newStub("first", maintenance.StatusFailure, maintenance.StatusSuccess)
	down.err = pgerr.NewConnectivityError("exec", errors.New("connection refused"))
	later := newStub("second")
	defs := []JobDefinition{
		{Name: "first", Enabled: true, Trigger: Daily(4, 0), Priority: analyze.PriorityHigh, RetryCount: 2},
		{Name: "second", Enabled: true, Trigger: Daily(4, 0), Priority: analyze.PriorityLow},
	}
	s := newScheduler(t, defs, Options{}, down, later)
	ctx := context.Background()

	runs := s.Tick(ctx, at(2024, 6, 4, 4, 0))
	require.Len(t, runs, 1)
	assert.Equal(t, maintenance.StatusFailure, runs[0].Status)
	assert.Zero(t, later.calls(), "remaining due jobs are not started")

	runs = s.Tick(ctx, at(2024, 6, 4, 4, 1))
	require.Len(t, runs, 1, "the failed job retries on the next tick")
	assert.Equal(t, "first", runs[0].JobName)
	assert.Equal(t, 2, runs[0].Attempt)
	assert.Equal(t, maintenance.StatusSuccess, runs[0].Status)

	assert.Empty(t, s.Tick(ctx, at(2024, 6, 4, 4, 2)))
}

func TestConnectivityRetryCountsAgainstBudget(t *testing.T) {
	down := newStub("job", maintenance.StatusFailure)
	down.err = pgerr.NewConnectivityError("exec", errors.New("connection refused"))
	defs := []JobDefinition{{Name: "job", Enabled: true, Trigger: Daily(4, 0), RetryCount: 1}}
	s := newScheduler(t, defs, Options{}, down)
	ctx := context.Background()

	assert.Len(t, s.Tick(ctx, at(2024, 6, 4, 4, 0)), 1)
	assert.Len(t, s.Tick(ctx, at(2024, 6, 4, 4, 1)), 1)
	assert.Empty(t, s.Tick(ctx, at(2024, 6, 4, 4, 2)), "budget spent")
	assert.Equal(t, 2, down.calls())
}

func TestTriggerFiresOncePerMinute(t *testing.T) {
	job := newStub("job")
	s := newScheduler(t, []JobDefinition{{Name: "job", Enabled: true, Trigger: Daily(1, 0)}}, Options{}, job)
	ctx := context.Background()

	assert.Len(t, s.Tick(ctx, at(2024, 6, 4, 1, 0)), 1)
	assert.Empty(t, s.Tick(ctx, at(2024, 6, 4, 1, 0).Add(30*time.Second)))
	assert.Equal(t, 1, job.calls())
}

func TestDisabledAndInvalidJobsNeverRun(t *testing.T) {
	off := newStub("off")
	broken := newStub("broken")
	defs := []JobDefinition{
		{Name: "off", Enabled: false, Trigger: Daily(1, 0)},
		{Name: "broken", Enabled: true, Trigger: Daily(1, 0), Dependencies: []string{"missing"}},
	}
	r, err := NewRegistry(defs, off, broken)
	require.Error(t, err)
	s := New(r, Options{})

	assert.Empty(t, s.Tick(context.Background(), at(2024, 6, 4, 1, 0)))
	assert.Zero(t, off.calls()+broken.calls())

	_, err = s.RunJob(context.Background(), "broken")
	assert.ErrorIs(t, err, pgerr.ErrInvalidConfig)
}

func TestInFlightJobIsSkipped(t *testing.T) {
	job := newStub("job")
	job.entered = make(chan struct{})
	job.release = make(chan struct{})
	s := newScheduler(t, []JobDefinition{{Name: "job", Enabled: true, Trigger: Daily(1, 0)}}, Options{}, job)

	done := make(chan []maintenance.JobRun)
	go func() {
		runs, _ := s.RunJob(context.Background(), "job")
		done <- runs
	}()
	<-job.entered

	runs := s.Tick(context.Background(), at(2024, 6, 4, 1, 0))
	require.Len(t, runs, 1)
	assert.Equal(t, maintenance.StatusSkipped, runs[0].Status)
	assert.Equal(t, "already running", runs[0].Message)

	_, err := s.RunJob(context.Background(), "job")
	assert.ErrorIs(t, err, pgerr.ErrJobInFlight)

	close(job.release)
	manual := <-done
	require.Len(t, manual, 1)
	assert.Equal(t, maintenance.StatusSuccess, manual[0].Status)
	assert.Equal(t, 1, job.calls())
}

func TestRunJobIgnoresDependencies(t *testing.T) {
	vacuum := newStub(maintenance.JobVacuumTables)
	bodies := []maintenance.Job{newStub(maintenance.JobUpdateStatistics), vacuum, newStub(maintenance.JobIndexMaintenance),
		newStub(maintenance.JobArchiveOldData), newStub(maintenance.JobPartitionMaintenance)}
	s := newScheduler(t, DefaultDefinitions(), Options{}, bodies...)

	runs, err := s.RunJob(context.Background(), maintenance.JobVacuumTables)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, maintenance.StatusSuccess, runs[0].Status)

	_, err = s.RunJob(context.Background(), "nope")
	assert.ErrorIs(t, err, pgerr.ErrJobNotFound)
}

func TestFullModeOnlyInMaintenanceWindow(t *testing.T) {
	job := newStub("job")
	defs := []JobDefinition{{Name: "job", Enabled: true, Trigger: Trigger{0, Any, Any, Any}, RunsInMaintenanceWindow: true}}
	s := newScheduler(t, defs, Options{Window: config.MaintenanceWindowConfig{StartHour: 1, EndHour: 5}}, job)
	ctx := context.Background()

	s.Tick(ctx, at(2024, 6, 4, 2, 0))
	s.Tick(ctx, at(2024, 6, 4, 12, 0))

	require.Len(t, job.requests, 2)
	assert.True(t, job.requests[0].FullMode)
	assert.False(t, job.requests[1].FullMode)
}

func TestInWindow(t *testing.T) {
	tests := []struct {
		start, end, hour int
		want             bool
	}{
		{1, 5, 0, false},
		{1, 5, 1, true},
		{1, 5, 4, true},
		{1, 5, 5, false},
		{22, 3, 23, true},
		{22, 3, 2, true},
		{22, 3, 3, false},
		{22, 3, 12, false},
		{4, 4, 4, false},
	}
	for _, tt := range tests {
		w := config.MaintenanceWindowConfig{StartHour: tt.start, EndHour: tt.end}
		assert.Equal(t, tt.want, InWindow(w, at(2024, 6, 4, tt.hour, 0)), "window %d-%d hour %d", tt.start, tt.end, tt.hour)
	}
}

func TestCheckHealthEvaluatesAlerts(t *testing.T) {
	alerts := &alertRecorder{}
	h := &healthStub{}
	s := newScheduler(t, nil, Options{Health: h, Alerts: alerts})

	_, ok := s.LastHealth()
	assert.False(t, ok)

	report, err := s.CheckHealth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, health.StatusHealthy, report.Status)
	assert.Equal(t, 1, alerts.evaluated)

	last, ok := s.LastHealth()
	assert.True(t, ok)
	assert.Equal(t, report.CheckedAt, last.CheckedAt)

	_, err = New(s.Registry(), Options{}).CheckHealth(context.Background())
	assert.Error(t, err)
}

func TestStartStop(t *testing.T) {
	h := &healthStub{}
	job := newStub("every_minute")
	defs := []JobDefinition{{Name: "every_minute", Enabled: true, Trigger: Trigger{Any, Any, Any, Any}}}
	s := newScheduler(t, defs, Options{PollInterval: 5 * time.Millisecond, HealthInterval: 5 * time.Millisecond, Health: h}, job)

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()), "double start")

	require.Eventually(t, func() bool { return h.runs.Load() >= 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return s.History().Len() >= 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop(), "stop is idempotent")
	assert.GreaterOrEqual(t, job.calls(), 1)
}

// gateJob blocks its first run until release is closed.
type gateJob struct {
	name    string
	entered chan struct{}
	release chan struct{}

	mu  sync.Mutex
	now []time.Time
}

func (j *gateJob) Name() string { return j.name }

func (j *gateJob) Run(_ context.Context, req maintenance.Request) maintenance.JobRun {
	j.mu.Lock()
	j.now = append(j.now, req.Now)
	first := len(j.now) == 1
	j.mu.Unlock()
	if first {
		close(j.entered)
		<-j.release
	}
	return maintenance.JobRun{JobName: j.name, Start: req.Now, End: req.Now, Status: maintenance.StatusSuccess}
}

func (j *gateJob) requests() []time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]time.Time(nil), j.now...)
}

func TestOverlappingFiringIsSkipped(t *testing.T) {
	job := &gateJob{name: "every_minute", entered: make(chan struct{}), release: make(chan struct{})}
	defs := []JobDefinition{{Name: "every_minute", Enabled: true, Trigger: Trigger{Any, Any, Any, Any}}}
	base := at(2024, 6, 4, 1, 0)
	var minutes atomic.Int64
	clock := func() time.Time { return base.Add(time.Duration(minutes.Add(1)) * time.Minute) }
	s := newScheduler(t, defs, Options{PollInterval: 5 * time.Millisecond, Now: clock}, job)

	require.NoError(t, s.Start(context.Background()))
	<-job.entered

	skipped := func() []maintenance.JobRun {
		var out []maintenance.JobRun
		for _, r := range s.History().All() {
			if r.Status == maintenance.StatusSkipped {
				out = append(out, r)
			}
		}
		return out
	}
	require.Eventually(t, func() bool { return len(skipped()) >= 3 }, time.Second, 5*time.Millisecond)
	assert.Len(t, job.requests(), 1, "firings during a run are not queued")

	skips := skipped()
	for _, r := range skips {
		assert.Equal(t, "already running", r.Message)
	}
	lastSkip := skips[len(skips)-1].Start

	close(job.release)
	require.NoError(t, s.Stop())

	for _, now := range job.requests()[1:] {
		assert.True(t, now.After(lastSkip), "later runs use the time they fired at")
	}
}

func TestRunJobUsesConfiguredClock(t *testing.T) {
	now := at(2024, 6, 4, 2, 30)
	job := newStub("job")
	s := newScheduler(t, []JobDefinition{{Name: "job", Enabled: true, Trigger: Daily(1, 0)}},
		Options{Now: func() time.Time { return now }}, job)

	_, err := s.RunJob(context.Background(), "job")
	require.NoError(t, err)
	require.Len(t, job.requests, 1)
	assert.Equal(t, now, job.requests[0].Now)
}
