package analytics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koltyakov/pgwarden/internal/config"
	"github.com/koltyakov/pgwarden/internal/store/storetest"
)

func TestScoreCrisisRisk(t *testing.T) {
	tests := []struct {
		name   string
		report CrisisReport
		score  int
		want   Priority
	}{
		{"clamped to 100", CrisisReport{SeverityLevel: 5, TriggerType: TriggerSuicidalIdeation, ResponseTime: 400 * time.Second}, 100, PriorityCritical},
		{"critical boundary", CrisisReport{SeverityLevel: 3, TriggerType: TriggerAbuse}, 80, PriorityCritical},
		{"high", CrisisReport{SeverityLevel: 2, TriggerType: TriggerSelfHarm, ResponseTime: 2 * time.Minute}, 70, PriorityHigh},
		{"high boundary", CrisisReport{SeverityLevel: 3}, 60, PriorityHigh},
		{"medium", CrisisReport{SeverityLevel: 2, ResponseTime: time.Minute}, 42, PriorityMedium},
		{"low", CrisisReport{SeverityLevel: 1, TriggerType: TriggerAnxiety}, 25, PriorityLow},
		{"unknown trigger weighs nothing", CrisisReport{SeverityLevel: 1, TriggerType: "OTHER"}, 20, PriorityLow},
		{"negative severity clamps at 0", CrisisReport{SeverityLevel: -3}, 0, PriorityLow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ScoreCrisisRisk(tt.report)
			assert.Equal(t, tt.score, got.Score)
			assert.Equal(t, tt.want, got.Priority)
		})
	}
}

func TestScoreCrisisRiskComponents(t *testing.T) {
	got := ScoreCrisisRisk(CrisisReport{ID: "r1", SeverityLevel: 5, TriggerType: TriggerSuicidalIdeation, ResponseTime: 400 * time.Second})
	assert.Equal(t, "r1", got.ReportID)
	assert.Equal(t, 100, got.SeverityPart)
	assert.Equal(t, 30, got.TriggerWeight)
	assert.Equal(t, 10, got.DelayBonus)
}

func TestScoreCompatibility(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	user := Profile{UserID: "me", Goals: []string{"sleep", "Exercise"}, Interests: []string{"music", "art"}}
	candidates := []Profile{
		{UserID: "twin", Goals: []string{"exercise", "sleep"}, Interests: []string{"art", "music"}, LastActive: now.Add(-time.Hour)},
		{UserID: "partial", Goals: []string{"sleep"}, Interests: []string{"chess"}, LastActive: now.Add(-3 * 24 * time.Hour)},
		{UserID: "stranger", Goals: []string{"travel"}, Interests: []string{"chess"}, LastActive: now.Add(-60 * 24 * time.Hour)},
		{UserID: "me", Goals: user.Goals, Interests: user.Interests, LastActive: now},
	}

	got := ScoreCompatibility(user, candidates, Weights{}, now)

	require.Len(t, got, 2, "stranger falls below the minimum and self is excluded")
	assert.Equal(t, "twin", got[0].UserID)
	assert.InDelta(t, 1.0, got[0].Score, 1e-9)
	assert.ElementsMatch(t, []string{"sleep", "exercise"}, got[0].SharedGoals)

	// goals 1/2, interests 0/3, recency 0.7
	assert.Equal(t, "partial", got[1].UserID)
	assert.InDelta(t, 0.4*0.5+0.3*0+0.3*0.7, got[1].Score, 1e-9)
}

func TestScoreCompatibilityCustomWeights(t *testing.T) {
	now := time.Now()
	user := Profile{UserID: "me", Interests: []string{"art"}}
	cand := []Profile{{UserID: "a", Interests: []string{"art"}}}

	assert.Empty(t, ScoreCompatibility(user, cand, Weights{Goals: 1}, now))
	got := ScoreCompatibility(user, cand, Weights{Interests: 1}, now)
	require.Len(t, got, 1)
	assert.InDelta(t, 1.0, got[0].Score, 1e-9)
	assert.Zero(t, got[0].RecencyScore, "never active")
}

func TestRecencyStep(t *testing.T) {
	day := 24 * time.Hour
	assert.InDelta(t, 1.0, recencyStep(day, false), 0)
	assert.InDelta(t, 0.7, recencyStep(7*day, false), 0)
	assert.InDelta(t, 0.4, recencyStep(30*day, false), 0)
	assert.InDelta(t, 0.1, recencyStep(31*day, false), 0)
	assert.Zero(t, recencyStep(0, true))
}

func TestRankFeed(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	posts := []Post{
		{ID: "old-popular", Likes: 100, CreatedAt: now.Add(-30 * 24 * time.Hour)},
		{ID: "fresh", Likes: 1, CreatedAt: now.Add(-10 * time.Minute)},
		{ID: "pinned", Pinned: true, CreatedAt: now.Add(-5 * 24 * time.Hour)},
		{ID: "tagged", Tags: []string{"Sleep"}, Views: 50, CreatedAt: now.Add(-2 * time.Hour)},
	}

	got := RankFeed(posts, FeedPreferences{Interests: []string{"sleep"}}, now)

	var ids []string
	for _, r := range got {
		ids = append(ids, r.PostID)
	}
	// old-popular 300, pinned 100+10, tagged 5+40+25, fresh 3+50
	assert.Equal(t, []string{"old-popular", "pinned", "tagged", "fresh"}, ids)
	assert.InDelta(t, 70.0, got[2].Score, 1e-9)
	assert.InDelta(t, PersonalizationBonus, got[2].Personalization, 0)
}

func TestRankFeedTies(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	posts := []Post{
		{ID: "older", Likes: 50, CreatedAt: now.Add(-10 * 24 * time.Hour)},
		{ID: "newer", Likes: 50, CreatedAt: now.Add(-9 * 24 * time.Hour)},
		{ID: "pinned", Likes: 0, Pinned: true, Views: 500, CreatedAt: now.Add(-20 * 24 * time.Hour)},
	}

	got := RankFeed(posts, FeedPreferences{}, now)

	// pinned: 100 + 50 = 150, same as the others
	require.Len(t, got, 3)
	assert.Equal(t, "pinned", got[0].PostID)
	assert.Equal(t, "newer", got[1].PostID)
	assert.Equal(t, "older", got[2].PostID)
}

func TestAgeBands(t *testing.T) {
	tests := []struct {
		age  time.Duration
		want float64
	}{
		{-time.Hour, 50},
		{59 * time.Minute, 50},
		{time.Hour, 40},
		{6 * time.Hour, 30},
		{24 * time.Hour, 20},
		{72 * time.Hour, 10},
		{7 * 24 * time.Hour, 0},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, ageScore(tt.age), 0, "age %s", tt.age)
	}
}

func TestEngineLoaders(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	active := now.Add(-time.Hour)
	f := storetest.New().
		OnQueryRows(`FROM "crisis_reports"`,
			[]any{"c1", int64(2), TriggerPanicAttack, int64(30)},
			[]any{"c2", int64(5), TriggerSuicidalIdeation, int64(400)},
		).
		OnQueryRows(`WHERE user_id::text = $1`, []any{"me", "sleep,exercise", "art", active}).
		OnQueryRows(`WHERE user_id::text <> $1`,
			[]any{"u1", "sleep,exercise", "art", active},
			[]any{"u2", "", "", nil},
		).
		OnQueryRows(`FROM "posts"`, []any{"p1", "u1", "sleep", int64(3), int64(10), int64(1), false, now.Add(-time.Hour)})
	e := NewEngine(f, config.AnalyticsConfig{}, nil)
	e.now = func() time.Time { return now }
	ctx := context.Background()

	queue, err := e.CrisisQueue(ctx)
	require.NoError(t, err)
	require.Len(t, queue, 2)
	assert.Equal(t, "c2", queue[0].ReportID)
	assert.Equal(t, PriorityCritical, queue[0].Priority)

	matches, err := e.Matches(ctx, "me", DefaultWeights())
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "u1", matches[0].UserID)

	feed, err := e.Feed(ctx, FeedPreferences{Interests: []string{"sleep"}})
	require.NoError(t, err)
	require.Len(t, feed, 1)
	assert.InDelta(t, 9+1+5+40+25, feed[0].Score, 1e-9)

	var since any
	for _, c := range f.Calls() {
		if len(c.Args) == 1 {
			if ts, ok := c.Args[0].(time.Time); ok {
				since = ts
			}
		}
	}
	assert.Equal(t, now.Add(-7*24*time.Hour), since)
}

func TestEngineLoaderErrors(t *testing.T) {
	f := storetest.New().OnQueryError("crisis", errors.New("relation does not exist"))
	e := NewEngine(f, config.AnalyticsConfig{CrisisTable: "care.crisis"}, nil)

	_, err := e.CrisisQueue(context.Background())
	assert.ErrorContains(t, err, "load crisis reports")
	assert.Contains(t, f.Calls()[0].SQL, `"care"."crisis"`)

	_, err = e.Matches(context.Background(), "ghost", Weights{})
	assert.Error(t, err)
}
