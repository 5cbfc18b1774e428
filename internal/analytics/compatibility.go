package analytics

import (
	"sort"
	"strings"
	"time"
)

// MinCompatibility is the total below which candidates are excluded.
const MinCompatibility = 0.3

// Profile is a user's matching profile.
type Profile struct {
	UserID     string
	Goals      []string
	Interests  []string
	LastActive time.Time
}

// Weights balances the compatibility components.
type Weights struct {
	Goals     float64
	Interests float64
	Recency   float64
}

// DefaultWeights returns 0.4/0.3/0.3.
func DefaultWeights() Weights {
	return Weights{Goals: 0.4, Interests: 0.3, Recency: 0.3}
}

// CompatibilityScore is one scored candidate.
type CompatibilityScore struct {
	UserID          string
	Score           float64
	SharedGoals     []string
	SharedInterests []string
	GoalOverlap     float64
	InterestOverlap float64
	RecencyScore    float64
}

// ScoreCompatibility scores candidates against user and returns those at or
// above MinCompatibility, best first. A zero Weights uses DefaultWeights.
func ScoreCompatibility(user Profile, candidates []Profile, w Weights, now time.Time) []CompatibilityScore {
	if w == (Weights{}) {
		w = DefaultWeights()
	}
	var out []CompatibilityScore
	for _, c := range candidates {
		if c.UserID == user.UserID {
			continue
		}
		goals, goalFrac := overlap(user.Goals, c.Goals)
		interests, interestFrac := overlap(user.Interests, c.Interests)
		recency := recencyStep(now.Sub(c.LastActive), c.LastActive.IsZero())

		total := w.Goals*goalFrac + w.Interests*interestFrac + w.Recency*recency
		if total < MinCompatibility {
			continue
		}
		out = append(out, CompatibilityScore{
			UserID:          c.UserID,
			Score:           total,
			SharedGoals:     goals,
			SharedInterests: interests,
			GoalOverlap:     goalFrac,
			InterestOverlap: interestFrac,
			RecencyScore:    recency,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// overlap returns the shared items and their fraction of the union
// (Jaccard index). Comparison ignores case and surrounding space.
func overlap(a, b []string) ([]string, float64) {
	set := map[string]bool{}
	for _, v := range a {
		set[normalize(v)] = true
	}
	delete(set, "")
	union := len(set)
	seen := map[string]bool{}
	var shared []string
	for _, v := range b {
		k := normalize(v)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		if set[k] {
			shared = append(shared, k)
		} else {
			union++
		}
	}
	if union == 0 {
		return nil, 0
	}
	return shared, float64(len(shared)) / float64(union)
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// recencyStep maps time since last activity to 1, 0.7, 0.4 or 0.1.
func recencyStep(since time.Duration, never bool) float64 {
	switch {
	case never:
		return 0
	case since <= 24*time.Hour:
		return 1
	case since <= 7*24*time.Hour:
		return 0.7
	case since <= 30*24*time.Hour:
		return 0.4
	default:
		return 0.1
	}
}
