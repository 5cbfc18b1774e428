// Package analytics scores crisis reports, peer compatibility and feed posts.
//
// The scoring functions are pure and deterministic. Engine adds loaders that
// read the host application's tables through the store.
package analytics

import (
	"sort"
	"time"
)

// Priority buckets a crisis risk score.
type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityMedium   Priority = "MEDIUM"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

// Trigger types with a risk weight. Unknown types weigh 0.
const (
	TriggerSuicidalIdeation = "SUICIDAL_IDEATION"
	TriggerSelfHarm         = "SELF_HARM"
	TriggerAbuse            = "ABUSE"
	TriggerSubstanceUse     = "SUBSTANCE_USE"
	TriggerPanicAttack      = "PANIC_ATTACK"
	TriggerAnxiety          = "ANXIETY"
)

var triggerWeights = map[string]int{
	TriggerSuicidalIdeation: 30,
	TriggerSelfHarm:         25,
	TriggerAbuse:            20,
	TriggerSubstanceUse:     15,
	TriggerPanicAttack:      10,
	TriggerAnxiety:          5,
}

// CrisisReport is the scoring input for one report.
type CrisisReport struct {
	ID            string
	SeverityLevel int
	TriggerType   string

	// ResponseTime is how long the report has waited for a response.
	ResponseTime time.Duration
}

// CrisisRiskScore is the result of ScoreCrisisRisk.
type CrisisRiskScore struct {
	ReportID      string
	Score         int
	Priority      Priority
	SeverityPart  int
	TriggerWeight int
	DelayBonus    int
}

// ScoreCrisisRisk computes severity*20 + trigger weight + response delay bonus,
// clamped to [0, 100].
func ScoreCrisisRisk(r CrisisReport) CrisisRiskScore {
	s := CrisisRiskScore{
		ReportID:      r.ID,
		SeverityPart:  r.SeverityLevel * 20,
		TriggerWeight: triggerWeights[r.TriggerType],
		DelayBonus:    delayBonus(r.ResponseTime),
	}
	s.Score = clamp(s.SeverityPart+s.TriggerWeight+s.DelayBonus, 0, 100)
	s.Priority = crisisPriority(s.Score)
	return s
}

// delayBonus rewards reports left waiting: 10 after 5 minutes, 5 after 2, 2 after 1.
func delayBonus(d time.Duration) int {
	switch {
	case d >= 5*time.Minute:
		return 10
	case d >= 2*time.Minute:
		return 5
	case d >= time.Minute:
		return 2
	default:
		return 0
	}
}

func crisisPriority(score int) Priority {
	switch {
	case score >= 80:
		return PriorityCritical
	case score >= 60:
		return PriorityHigh
	case score >= 40:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}

// sortByScore orders scores highest first, keeping input order for ties.
func sortByScore(scores []CrisisRiskScore) {
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].Score > scores[j].Score })
}
