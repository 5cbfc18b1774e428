package analytics

import (
	"sort"
	"time"
)

// Feed scoring constants.
const (
	LikeWeight           = 3.0
	ViewWeight           = 0.1
	CommentWeight        = 5.0
	PinnedOffset         = 100.0
	PersonalizationBonus = 25.0
)

// ageBands are the six recency bands, newest first.
var ageBands = []struct {
	within time.Duration
	score  float64
}{
	{time.Hour, 50},
	{6 * time.Hour, 40},
	{24 * time.Hour, 30},
	{72 * time.Hour, 20},
	{7 * 24 * time.Hour, 10},
}

// Post is a community feed post.
type Post struct {
	ID        string
	AuthorID  string
	Tags      []string
	Likes     int
	Views     int
	Comments  int
	Pinned    bool
	CreatedAt time.Time
}

// FeedPreferences describes the viewer.
type FeedPreferences struct {
	Interests []string
}

// FeedRank is one ranked post.
type FeedRank struct {
	PostID          string
	Score           float64
	Engagement      float64
	Recency         float64
	Personalization float64
	Pinned          bool
	CreatedAt       time.Time
}

// RankFeed scores posts for a viewer, best first. Ties go to pinned posts,
// then newer posts.
func RankFeed(posts []Post, prefs FeedPreferences, now time.Time) []FeedRank {
	interests := map[string]bool{}
	for _, i := range prefs.Interests {
		interests[normalize(i)] = true
	}

	out := make([]FeedRank, 0, len(posts))
	for _, p := range posts {
		r := FeedRank{
			PostID:     p.ID,
			Engagement: engagement(p),
			Recency:    ageScore(now.Sub(p.CreatedAt)),
			Pinned:     p.Pinned,
			CreatedAt:  p.CreatedAt,
		}
		for _, t := range p.Tags {
			if interests[normalize(t)] {
				r.Personalization = PersonalizationBonus
				break
			}
		}
		r.Score = r.Engagement + r.Recency + r.Personalization
		out = append(out, r)
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		switch {
		case a.Score != b.Score:
			return a.Score > b.Score
		case a.Pinned != b.Pinned:
			return a.Pinned
		case !a.CreatedAt.Equal(b.CreatedAt):
			return a.CreatedAt.After(b.CreatedAt)
		default:
			return a.PostID < b.PostID
		}
	})
	return out
}

func engagement(p Post) float64 {
	e := float64(p.Likes)*LikeWeight + float64(p.Views)*ViewWeight + float64(p.Comments)*CommentWeight
	if p.Pinned {
		e += PinnedOffset
	}
	return e
}

// ageScore returns the band score for a post of the given age. Future posts
// count as brand new; posts a week or older score 0.
func ageScore(age time.Duration) float64 {
	if age < 0 {
		age = 0
	}
	for _, b := range ageBands {
		if age < b.within {
			return b.score
		}
	}
	return 0
}
