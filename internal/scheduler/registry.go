package scheduler

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/koltyakov/pgwarden/internal/analyze"
	"github.com/koltyakov/pgwarden/internal/config"
	pgerr "github.com/koltyakov/pgwarden/internal/errors"
	"github.com/koltyakov/pgwarden/internal/maintenance"
)

// JobDefinition describes when and how a job runs.
type JobDefinition struct {
	Name                    string
	Enabled                 bool
	Trigger                 Trigger
	Priority                analyze.Priority
	RunsInMaintenanceWindow bool
	EstimatedDuration       time.Duration
	Dependencies            []string
	RetryCount              int
	RetryDelay              time.Duration
	AlertOnFailure          bool

	// Invalid is set when validation disabled the definition.
	Invalid string
}

// Runnable reports whether the scheduler may dispatch the definition.
func (d JobDefinition) Runnable() bool {
	return d.Enabled && d.Invalid == ""
}

func (d JobDefinition) clone() JobDefinition {
	d.Dependencies = append([]string(nil), d.Dependencies...)
	return d
}

// Patch changes selected fields of a definition. Nil fields are kept.
type Patch struct {
	Enabled                 *bool
	Trigger                 *Trigger
	Priority                *analyze.Priority
	RunsInMaintenanceWindow *bool
	EstimatedDuration       *time.Duration
	Dependencies            *[]string
	RetryCount              *int
	RetryDelay              *time.Duration
	AlertOnFailure          *bool
}

func (p Patch) apply(d JobDefinition) JobDefinition {
	if p.Enabled != nil {
		d.Enabled = *p.Enabled
	}
	if p.Trigger != nil {
		d.Trigger = *p.Trigger
	}
	if p.Priority != nil {
		d.Priority = *p.Priority
	}
	if p.RunsInMaintenanceWindow != nil {
		d.RunsInMaintenanceWindow = *p.RunsInMaintenanceWindow
	}
	if p.EstimatedDuration != nil {
		d.EstimatedDuration = *p.EstimatedDuration
	}
	if p.Dependencies != nil {
		d.Dependencies = append([]string(nil), (*p.Dependencies)...)
	}
	if p.RetryCount != nil {
		d.RetryCount = *p.RetryCount
	}
	if p.RetryDelay != nil {
		d.RetryDelay = *p.RetryDelay
	}
	if p.AlertOnFailure != nil {
		d.AlertOnFailure = *p.AlertOnFailure
	}
	return d
}

// PatchFromOverride converts a configuration override into a Patch.
func PatchFromOverride(o config.JobOverride) Patch {
	return Patch{
		Enabled:        o.Enabled,
		RetryCount:     o.RetryCount,
		RetryDelay:     o.RetryDelay,
		AlertOnFailure: o.AlertOnFailure,
	}
}

// DefaultDefinitions returns the built-in job table.
func DefaultDefinitions() []JobDefinition {
	return []JobDefinition{
		{
			Name:              maintenance.JobUpdateStatistics,
			Enabled:           true,
			Trigger:           Daily(1, 0),
			Priority:          analyze.PriorityMedium,
			EstimatedDuration: 15 * time.Minute,
			RetryCount:        2,
		},
		{
			Name:                    maintenance.JobVacuumTables,
			Enabled:                 true,
			Trigger:                 Daily(2, 0),
			Priority:                analyze.PriorityHigh,
			RunsInMaintenanceWindow: true,
			EstimatedDuration:       time.Hour,
			Dependencies:            []string{maintenance.JobUpdateStatistics},
			RetryCount:              2,
			AlertOnFailure:          true,
		},
		{
			Name:                    maintenance.JobIndexMaintenance,
			Enabled:                 true,
			Trigger:                 Weekly(time.Sunday, 3, 0),
			Priority:                analyze.PriorityMedium,
			RunsInMaintenanceWindow: true,
			EstimatedDuration:       2 * time.Hour,
			Dependencies:            []string{maintenance.JobVacuumTables},
			RetryCount:              1,
		},
		{
			Name:              maintenance.JobArchiveOldData,
			Enabled:           true,
			Trigger:           Monthly(1, 4, 0),
			Priority:          analyze.PriorityLow,
			EstimatedDuration: time.Hour,
			RetryCount:        1,
			AlertOnFailure:    true,
		},
		{
			Name:              maintenance.JobPartitionMaintenance,
			Enabled:           true,
			Trigger:           Daily(0, 30),
			Priority:          analyze.PriorityHigh,
			EstimatedDuration: 5 * time.Minute,
			RetryCount:        3,
			AlertOnFailure:    true,
		},
	}
}

// Registry owns job definitions and their bodies.
type Registry struct {
	mu     sync.RWMutex
	order  []string
	defs   map[string]JobDefinition
	bodies map[string]maintenance.Job
}

// NewRegistry validates defs against bodies. Invalid definitions are kept but
// disabled; the returned error lists every ConfigurationError found.
func NewRegistry(defs []JobDefinition, bodies ...maintenance.Job) (*Registry, error) {
	r := &Registry{
		defs:   make(map[string]JobDefinition, len(defs)),
		bodies: make(map[string]maintenance.Job, len(bodies)),
	}
	for _, b := range bodies {
		r.bodies[b.Name()] = b
	}

	var me pgerr.MultiError
	for _, d := range defs {
		if d.Name == "" {
			me.Add(pgerr.NewConfigurationError("job.name", "", "must not be empty"))
			continue
		}
		if _, dup := r.defs[d.Name]; dup {
			me.Add(pgerr.NewConfigurationError("job.name", d.Name, "duplicate definition"))
			continue
		}
		r.order = append(r.order, d.Name)
		r.defs[d.Name] = d.clone()
	}
	for _, name := range r.order {
		if err := r.validate(r.defs[name], r.defs); err != nil {
			r.invalidate(name, err)
			me.Add(err)
		}
	}
	return r, me.ErrorOrNil()
}

func (r *Registry) invalidate(name string, err error) {
	d := r.defs[name]
	d.Enabled = false
	d.Invalid = err.Error()
	r.defs[name] = d
}

// validate checks d in the context of all definitions.
func (r *Registry) validate(d JobDefinition, all map[string]JobDefinition) error {
	field := "jobs." + d.Name
	if err := d.Trigger.Validate(); err != nil {
		return pgerr.NewConfigurationError(field+".trigger", d.Trigger.String(), err.Error())
	}
	if d.RetryCount < 0 {
		return pgerr.NewConfigurationError(field+".retry_count", fmt.Sprint(d.RetryCount), "must not be negative")
	}
	if d.RetryDelay < 0 {
		return pgerr.NewConfigurationError(field+".retry_delay", d.RetryDelay.String(), "must not be negative")
	}
	if _, ok := r.bodies[d.Name]; !ok {
		return pgerr.NewConfigurationError(field, "", "no job body registered")
	}
	for _, dep := range d.Dependencies {
		if _, ok := all[dep]; !ok {
			return pgerr.NewConfigurationError(field+".dependencies", dep, "unknown job")
		}
	}
	if cycle := findCycle(d.Name, all); cycle != nil {
		return pgerr.NewConfigurationError(field+".dependencies", strings.Join(cycle, " -> "), "dependency cycle")
	}
	return nil
}

// findCycle returns a dependency path from start back to itself, or nil.
func findCycle(start string, all map[string]JobDefinition) []string {
	visited := map[string]bool{}
	var walk func(name string, path []string) []string
	walk = func(name string, path []string) []string {
		for _, dep := range all[name].Dependencies {
			if dep == start {
				return append(path, dep)
			}
			if visited[dep] {
				continue
			}
			visited[dep] = true
			if c := walk(dep, append(path, dep)); c != nil {
				return c
			}
		}
		return nil
	}
	return walk(start, []string{start})
}

// Definitions returns copies of every definition in registration order.
func (r *Registry) Definitions() []JobDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]JobDefinition, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.defs[name].clone())
	}
	return out
}

// Get returns a copy of the named definition.
func (r *Registry) Get(name string) (JobDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[name]
	if !ok {
		return JobDefinition{}, fmt.Errorf("%w: %s", pgerr.ErrJobNotFound, name)
	}
	return d.clone(), nil
}

// Update applies patch to the named definition after validating the result.
// A rejected patch leaves the definition unchanged. A valid patch clears a
// previous Invalid mark.
func (r *Registry) Update(name string, patch Patch) (JobDefinition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.defs[name]
	if !ok {
		return JobDefinition{}, fmt.Errorf("%w: %s", pgerr.ErrJobNotFound, name)
	}

	next := patch.apply(cur.clone())
	next.Invalid = ""
	if cur.Invalid != "" && patch.Enabled == nil {
		next.Enabled = true
	}
	all := make(map[string]JobDefinition, len(r.defs))
	for k, v := range r.defs {
		all[k] = v
	}
	all[name] = next
	if err := r.validate(next, all); err != nil {
		return cur.clone(), err
	}
	r.defs[name] = next
	return next.clone(), nil
}

// Body returns the job body registered under name.
func (r *Registry) Body(name string) (maintenance.Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bodies[name]
	return b, ok
}

// order sorts defs so dependencies come first, then by priority (highest
// first) and name. Dependencies outside defs do not constrain the order.
func order(defs []JobDefinition) []JobDefinition {
	sorted := append([]JobDefinition(nil), defs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		pi, pj := sorted[i].Priority.Rank(), sorted[j].Priority.Rank()
		if pi != pj {
			return pi > pj
		}
		return sorted[i].Name < sorted[j].Name
	})

	pending := map[string]bool{}
	for _, d := range sorted {
		pending[d.Name] = true
	}
	out := make([]JobDefinition, 0, len(sorted))
	for len(out) < len(sorted) {
		progressed := false
		for _, d := range sorted {
			if !pending[d.Name] || blocked(d, pending) {
				continue
			}
			out = append(out, d)
			delete(pending, d.Name)
			progressed = true
			break
		}
		if !progressed {
			// cycles are rejected by validation; keep the remaining order
			for _, d := range sorted {
				if pending[d.Name] {
					out = append(out, d)
				}
			}
			break
		}
	}
	return out
}

func blocked(d JobDefinition, pending map[string]bool) bool {
	for _, dep := range d.Dependencies {
		if pending[dep] {
			return true
		}
	}
	return false
}
