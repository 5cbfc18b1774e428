package analytics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/koltyakov/pgwarden/internal/config"
	"github.com/koltyakov/pgwarden/internal/logger"
	"github.com/koltyakov/pgwarden/internal/store"
)

// Engine loads scoring inputs from the host application's tables.
type Engine struct {
	store store.Store
	cfg   config.AnalyticsConfig
	log   logger.Logger
	now   func() time.Time
}

// NewEngine creates an Engine. Empty table names take the configuration defaults.
func NewEngine(s store.Store, cfg config.AnalyticsConfig, log logger.Logger) *Engine {
	def := config.Default().Analytics
	if cfg.CrisisTable == "" {
		cfg.CrisisTable = def.CrisisTable
	}
	if cfg.ProfilesTable == "" {
		cfg.ProfilesTable = def.ProfilesTable
	}
	if cfg.PostsTable == "" {
		cfg.PostsTable = def.PostsTable
	}
	if cfg.FeedWindow <= 0 {
		cfg.FeedWindow = def.FeedWindow
	}
	if cfg.CandidateLimit <= 0 {
		cfg.CandidateLimit = def.CandidateLimit
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Engine{store: s, cfg: cfg, log: log, now: time.Now}
}

func table(name string) string {
	return pgx.Identifier(strings.Split(name, ".")).Sanitize()
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// OpenCrisisReports loads unresolved crisis reports, oldest first.
// response_time is stored in seconds.
func (e *Engine) OpenCrisisReports(ctx context.Context) ([]CrisisReport, error) {
	q := fmt.Sprintf(`SELECT id::text, severity_level, trigger_type, coalesce(response_time, 0)
FROM %s
WHERE NOT resolved
ORDER BY created_at`, table(e.cfg.CrisisTable))

	reports, err := store.Collect(ctx, e.store, q, nil, func(r store.Rows) (CrisisReport, error) {
		var c CrisisReport
		var seconds int64
		err := r.Scan(&c.ID, &c.SeverityLevel, &c.TriggerType, &seconds)
		c.ResponseTime = time.Duration(seconds) * time.Second
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("load crisis reports: %w", err)
	}
	return reports, nil
}

const profileColumns = `user_id::text, array_to_string(goals, ','), array_to_string(interests, ','), last_active_at`

func scanProfile(r store.Rows) (Profile, error) {
	var p Profile
	var goals, interests string
	var lastActive *time.Time
	if err := r.Scan(&p.UserID, &goals, &interests, &lastActive); err != nil {
		return p, err
	}
	p.Goals, p.Interests = splitList(goals), splitList(interests)
	if lastActive != nil {
		p.LastActive = *lastActive
	}
	return p, nil
}

// Profile loads one user's profile.
func (e *Engine) Profile(ctx context.Context, userID string) (Profile, error) {
	q := fmt.Sprintf("SELECT %s FROM %s WHERE user_id::text = $1", profileColumns, table(e.cfg.ProfilesTable))
	profiles, err := store.Collect(ctx, e.store, q, []any{userID}, scanProfile)
	if err != nil {
		return Profile{}, fmt.Errorf("load profile %s: %w", userID, err)
	}
	if len(profiles) == 0 {
		return Profile{}, fmt.Errorf("profile %s not found", userID)
	}
	return profiles[0], nil
}

// Candidates loads the most recently active profiles other than userID.
func (e *Engine) Candidates(ctx context.Context, userID string) ([]Profile, error) {
	q := fmt.Sprintf(`SELECT %s FROM %s
WHERE user_id::text <> $1
ORDER BY last_active_at DESC NULLS LAST
LIMIT $2`, profileColumns, table(e.cfg.ProfilesTable))

	profiles, err := store.Collect(ctx, e.store, q, []any{userID, e.cfg.CandidateLimit}, scanProfile)
	if err != nil {
		return nil, fmt.Errorf("load candidates: %w", err)
	}
	return profiles, nil
}

// RecentPosts loads posts created within the feed window.
func (e *Engine) RecentPosts(ctx context.Context) ([]Post, error) {
	q := fmt.Sprintf(`SELECT id::text, author_id::text, array_to_string(tags, ','), likes, views, comments, pinned, created_at
FROM %s
WHERE created_at >= $1
ORDER BY created_at DESC`, table(e.cfg.PostsTable))

	since := e.now().Add(-e.cfg.FeedWindow)
	posts, err := store.Collect(ctx, e.store, q, []any{since}, func(r store.Rows) (Post, error) {
		var p Post
		var tags string
		err := r.Scan(&p.ID, &p.AuthorID, &tags, &p.Likes, &p.Views, &p.Comments, &p.Pinned, &p.CreatedAt)
		p.Tags = splitList(tags)
		return p, err
	})
	if err != nil {
		return nil, fmt.Errorf("load posts: %w", err)
	}
	return posts, nil
}

// CrisisQueue scores every open crisis report, highest risk first.
func (e *Engine) CrisisQueue(ctx context.Context) ([]CrisisRiskScore, error) {
	reports, err := e.OpenCrisisReports(ctx)
	if err != nil {
		return nil, err
	}
	scores := make([]CrisisRiskScore, 0, len(reports))
	for _, r := range reports {
		scores = append(scores, ScoreCrisisRisk(r))
	}
	sortByScore(scores)
	e.log.Debug("crisis queue scored", logger.Int("reports", len(scores)))
	return scores, nil
}

// Matches scores candidates for userID with the given weights.
func (e *Engine) Matches(ctx context.Context, userID string, w Weights) ([]CompatibilityScore, error) {
	user, err := e.Profile(ctx, userID)
	if err != nil {
		return nil, err
	}
	candidates, err := e.Candidates(ctx, userID)
	if err != nil {
		return nil, err
	}
	return ScoreCompatibility(user, candidates, w, e.now()), nil
}

// Feed ranks recent posts for a viewer.
func (e *Engine) Feed(ctx context.Context, prefs FeedPreferences) ([]FeedRank, error) {
	posts, err := e.RecentPosts(ctx)
	if err != nil {
		return nil, err
	}
	return RankFeed(posts, prefs, e.now()), nil
}
