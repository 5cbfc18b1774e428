// Package analyze turns catalog statistics into maintenance decisions.
//
// Bloat uses a tuple-churn heuristic, n_tup_del / (n_tup_del + n_tup_upd + n_tup_ins),
// not a page-level free-space computation. Priority thresholds are tuned against
// that heuristic.
package analyze

import "time"

// Priority ranks how urgently a table needs attention.
type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityMedium   Priority = "MEDIUM"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

// Rank orders priorities from LOW (0) to CRITICAL (3).
func (p Priority) Rank() int {
	switch p {
	case PriorityMedium:
		return 1
	case PriorityHigh:
		return 2
	case PriorityCritical:
		return 3
	default:
		return 0
	}
}

// DefaultQueryTimeout bounds each catalog query.
const DefaultQueryTimeout = 30 * time.Second

// Relation identifies a table or index.
type Relation struct {
	Schema string
	Name   string
}

// String returns schema.name.
func (r Relation) String() string {
	return r.Schema + "." + r.Name
}

func withTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultQueryTimeout
	}
	return d
}

