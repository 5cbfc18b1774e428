package maintenance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koltyakov/pgwarden/internal/analyze"
	pgerr "github.com/koltyakov/pgwarden/internal/errors"
	"github.com/koltyakov/pgwarden/internal/store/storetest"
)

type staleStub struct {
	tables []analyze.StaleTable
	err    error
}

func (s staleStub) Stale(context.Context) ([]analyze.StaleTable, error) { return s.tables, s.err }

func TestOutcome(t *testing.T) {
	tests := []struct {
		name        string
		succeeded   int
		failed      int
		interrupted bool
		want        Status
	}{
		{"nothing to do", 0, 0, false, StatusSuccess},
		{"all succeeded", 3, 0, false, StatusSuccess},
		{"some failed", 2, 1, false, StatusSuccess},
		{"all failed", 0, 2, false, StatusFailure},
		{"interrupted after success", 1, 0, true, StatusPartial},
		{"interrupted after mixed", 1, 1, true, StatusPartial},
		{"interrupted after failures only", 0, 1, true, StatusFailure},
		{"interrupted before start", 0, 0, true, StatusPartial},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, outcome(tt.succeeded, tt.failed, tt.interrupted))
		})
	}
}

func TestParseRelation(t *testing.T) {
	schema, name := parseRelation("audit.events")
	assert.Equal(t, "audit", schema)
	assert.Equal(t, "events", name)

	schema, name = parseRelation("users")
	assert.Equal(t, "public", schema)
	assert.Equal(t, "users", name)

	assert.Equal(t, `"public"."Users"`, quoteIdent("public", "Users"))
}

func TestTargetFailureDoesNotAbortJob(t *testing.T) {
	f := storetest.New().OnExecError(`"b"`, pgerr.NewStatementError(`ANALYZE "public"."b"`, errors.New("relation does not exist")))
	r := NewStatisticsRefresher(f, staleStub{}, Options{})

	run := r.Run(context.Background(), Request{Targets: []string{"public.a", "public.b", "public.c"}})

	assert.Equal(t, StatusSuccess, run.Status)
	assert.Equal(t, []string{"public.a", "public.c"}, run.ResourcesAffected)
	require.Contains(t, run.Failed(), "public.b")
	assert.Contains(t, run.Failed()["public.b"], "relation does not exist")
	assert.Len(t, f.Execs(), 3)
	assert.Equal(t, "2 of 3 targets succeeded", run.Message)
	assert.Empty(t, run.Error)
}

func TestAllTargetsFailed(t *testing.T) {
	f := storetest.New().OnExecError("ANALYZE", errors.New("permission denied"))
	r := NewStatisticsRefresher(f, staleStub{}, Options{})

	run := r.Run(context.Background(), Request{Targets: []string{"a", "b"}})

	assert.Equal(t, StatusFailure, run.Status)
	assert.Len(t, run.Failed(), 2)
	assert.Empty(t, run.ResourcesAffected)
}

func TestConnectivityFailureStopsJob(t *testing.T) {
	f := storetest.New().OnExecError("ANALYZE", pgerr.NewConnectivityError("exec", errors.New("connection refused")))
	r := NewStatisticsRefresher(f, staleStub{}, Options{})

	run := r.Run(context.Background(), Request{Targets: []string{"a", "b", "c"}})

	assert.Equal(t, StatusFailure, run.Status)
	assert.True(t, pgerr.IsConnectivity(run.Err))
	assert.NotEmpty(t, run.Error)
	assert.Len(t, f.Execs(), 1, "no further targets after connectivity loss")
}

func TestCancelledBeforeStart(t *testing.T) {
	f := storetest.New()
	r := NewStatisticsRefresher(f, staleStub{}, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	run := r.Run(ctx, Request{Targets: []string{"a", "b"}})

	assert.Equal(t, StatusPartial, run.Status)
	assert.Empty(t, f.Execs())
	assert.Contains(t, run.Message, "interrupted")
}

func TestShutdownFinishesCurrentTarget(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var stmtErr error
	f := storetest.New().OnExec(`"a"`, func(stmtCtx context.Context, _ []any) (int64, error) {
		cancel()
		stmtErr = stmtCtx.Err()
		return 0, nil
	})
	r := NewStatisticsRefresher(f, staleStub{}, Options{})

	run := r.Run(ctx, Request{Targets: []string{"a", "b", "c"}})

	require.NoError(t, stmtErr, "the running statement is detached from shutdown")
	assert.Equal(t, StatusPartial, run.Status)
	assert.Equal(t, []string{"a"}, run.ResourcesAffected)
	assert.Len(t, f.Execs(), 1)
}

func TestStatementTimeout(t *testing.T) {
	f := storetest.New().OnExec(`"slow"`, func(ctx context.Context, _ []any) (int64, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	r := NewStatisticsRefresher(f, staleStub{}, Options{StatementTimeout: 10 * time.Millisecond})

	run := r.Run(context.Background(), Request{Targets: []string{"slow", "fast"}})

	assert.Equal(t, StatusSuccess, run.Status)
	require.Contains(t, run.Failed(), "slow")
	assert.Contains(t, run.Failed()["slow"], "timed out")
	assert.Equal(t, []string{"fast"}, run.ResourcesAffected)
}

func TestStatisticsRefresherDerivesTargets(t *testing.T) {
	f := storetest.New()
	src := staleStub{tables: []analyze.StaleTable{
		{Relation: analyze.Relation{Schema: "public", Name: "orders"}, Reason: "never analyzed"},
		{Relation: analyze.Relation{Schema: "sales", Name: "Leads"}, Reason: "1500 rows modified since last analyze"},
	}}
	r := NewStatisticsRefresher(f, src, Options{})

	run := r.Run(context.Background(), Request{})

	assert.Equal(t, StatusSuccess, run.Status)
	assert.Equal(t, []string{`ANALYZE "public"."orders"`, `ANALYZE "sales"."Leads"`}, f.Execs())
	assert.Equal(t, "never analyzed", run.Details["reasons"].(map[string]string)["public.orders"])
	assert.Equal(t, JobUpdateStatistics, run.JobName)
}

func TestTargetDerivationFailure(t *testing.T) {
	f := storetest.New()
	r := NewStatisticsRefresher(f, staleStub{err: errors.New("catalog unavailable")}, Options{})

	run := r.Run(context.Background(), Request{})

	assert.Equal(t, StatusFailure, run.Status)
	assert.Contains(t, run.Error, "catalog unavailable")
	assert.Empty(t, f.Execs())
}

func TestRunTiming(t *testing.T) {
	r := NewStatisticsRefresher(storetest.New(), staleStub{}, Options{})
	clock := time.Date(2024, 6, 1, 2, 0, 0, 0, time.UTC)
	r.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	run := r.Run(context.Background(), Request{Targets: []string{"a"}})

	assert.Equal(t, time.Second, run.Duration)
	assert.Equal(t, run.End.Sub(run.Start), run.Duration)
}
