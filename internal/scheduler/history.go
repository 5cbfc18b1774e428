package scheduler

import (
	"sync"

	"github.com/koltyakov/pgwarden/internal/maintenance"
)

// DefaultHistoryCapacity is the number of runs kept when no capacity is given.
const DefaultHistoryCapacity = 100

// History is a bounded FIFO of job runs, safe for concurrent readers.
type History struct {
	mu    sync.RWMutex
	runs  []maintenance.JobRun
	next  int
	count int
}

// NewHistory creates a History holding at most capacity runs.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &History{runs: make([]maintenance.JobRun, capacity)}
}

// Append adds run, evicting the oldest entry when full.
func (h *History) Append(run maintenance.JobRun) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.runs[h.next] = run
	h.next = (h.next + 1) % len(h.runs)
	if h.count < len(h.runs) {
		h.count++
	}
}

// All returns the retained runs, oldest first.
func (h *History) All() []maintenance.JobRun {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]maintenance.JobRun, 0, h.count)
	start := (h.next - h.count + len(h.runs)) % len(h.runs)
	for i := range h.count {
		out = append(out, h.runs[(start+i)%len(h.runs)])
	}
	return out
}

// ForJob returns the retained runs of one job, oldest first.
func (h *History) ForJob(name string) []maintenance.JobRun {
	var out []maintenance.JobRun
	for _, r := range h.All() {
		if r.JobName == name {
			out = append(out, r)
		}
	}
	return out
}

// Len returns the number of retained runs.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// Capacity returns the maximum number of retained runs.
func (h *History) Capacity() int {
	return len(h.runs)
}
