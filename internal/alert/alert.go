// Package alert evaluates performance thresholds with per-type cooldowns and
// dispatches events to sinks. Alerts are never auto-resolved here.
package alert

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/koltyakov/pgwarden/internal/analyze"
	"github.com/koltyakov/pgwarden/internal/collect"
	"github.com/koltyakov/pgwarden/internal/config"
	pgerr "github.com/koltyakov/pgwarden/internal/errors"
	"github.com/koltyakov/pgwarden/internal/logger"
	"github.com/koltyakov/pgwarden/internal/metrics"
)

// Type identifies an alert.
type Type string

const (
	TypeCacheHitRatio   Type = "cache_hit_ratio"
	TypeConnectionUsage Type = "connection_usage"
	TypeTableBloat      Type = "table_bloat"
	TypeDatabaseSize    Type = "database_size"

	// TypeJobFailure is emitted for jobs with alertOnFailure; it has no threshold.
	TypeJobFailure Type = "job_failure"
)

// Severity of an alert event.
type Severity string

const (
	SeverityWarning  Severity = "WARNING"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

// PerformanceAlert is the mutable state of one alert type.
type PerformanceAlert struct {
	Type          Type
	Threshold     float64
	Severity      Severity
	Enabled       bool
	Cooldown      time.Duration
	LastTriggered time.Time
}

// Event is one fired alert.
type Event struct {
	Type      Type
	Severity  Severity
	Message   string
	Value     float64
	Threshold float64
	Resources []string
	Timestamp time.Time
}

// Sink is an alert destination.
type Sink interface {
	Send(ctx context.Context, e Event) error
	Name() string
}

// FromConfig converts configured alerts, rejecting unknown types.
func FromConfig(cfgs []config.AlertConfig) ([]PerformanceAlert, error) {
	var me pgerr.MultiError
	out := make([]PerformanceAlert, 0, len(cfgs))
	for _, c := range cfgs {
		a := PerformanceAlert{
			Type:      Type(c.Type),
			Threshold: c.Threshold,
			Severity:  Severity(c.Severity),
			Enabled:   c.Enabled,
			Cooldown:  c.Cooldown,
		}
		if err := validate(a); err != nil {
			me.Add(err)
			continue
		}
		out = append(out, a)
	}
	return out, me.ErrorOrNil()
}

func validate(a PerformanceAlert) error {
	switch a.Type {
	case TypeCacheHitRatio, TypeConnectionUsage, TypeTableBloat, TypeDatabaseSize:
	default:
		return pgerr.NewConfigurationError("alert.type", string(a.Type), "unknown alert type")
	}
	switch a.Severity {
	case SeverityWarning, SeverityError, SeverityCritical:
	default:
		return pgerr.NewConfigurationError("alert.severity", string(a.Severity), "must be WARNING, ERROR or CRITICAL")
	}
	if a.Cooldown < 0 {
		return pgerr.NewConfigurationError("alert.cooldown", a.Cooldown.String(), "must not be negative")
	}
	return nil
}

// Manager owns alert state and sinks.
type Manager struct {
	mu      sync.Mutex
	alerts  map[Type]*PerformanceAlert
	sinks   []Sink
	log     logger.Logger
	metrics *metrics.Metrics
}

// NewManager creates a Manager. Alerts with duplicate types keep the last definition.
func NewManager(alerts []PerformanceAlert, log logger.Logger, m *metrics.Metrics, sinks ...Sink) *Manager {
	if log == nil {
		log = logger.NewNop()
	}
	mgr := &Manager{
		alerts:  make(map[Type]*PerformanceAlert, len(alerts)),
		sinks:   sinks,
		log:     log,
		metrics: m,
	}
	for _, a := range alerts {
		mgr.alerts[a.Type] = &a
	}
	return mgr
}

// Evaluate checks every enabled alert against stats and bloat. An alert fires
// when its threshold is crossed and it never fired or its cooldown has elapsed.
// Fired events are dispatched to all sinks and returned.
func (m *Manager) Evaluate(ctx context.Context, now time.Time, stats collect.DatabaseStats, bloat []analyze.TableBloatInfo) []Event {
	m.mu.Lock()
	var events []Event
	for _, t := range m.sortedTypes() {
		a := m.alerts[t]
		if !a.Enabled {
			continue
		}
		e, crossed := check(a, stats, bloat)
		if !crossed {
			continue
		}
		if !a.LastTriggered.IsZero() && now.Sub(a.LastTriggered) < a.Cooldown {
			continue
		}
		a.LastTriggered = now
		e.Type, e.Severity, e.Threshold, e.Timestamp = a.Type, a.Severity, a.Threshold, now
		events = append(events, e)
	}
	sinks := append([]Sink(nil), m.sinks...)
	m.mu.Unlock()

	for _, e := range events {
		m.dispatch(ctx, sinks, e)
	}
	return events
}

func (m *Manager) sortedTypes() []Type {
	types := make([]Type, 0, len(m.alerts))
	for t := range m.alerts {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

func check(a *PerformanceAlert, stats collect.DatabaseStats, bloat []analyze.TableBloatInfo) (Event, bool) {
	switch a.Type {
	case TypeCacheHitRatio:
		v := stats.CacheHitRatio
		return Event{Value: v, Message: fmt.Sprintf("cache hit ratio %.1f%% below %.0f%%", v, a.Threshold)}, v < a.Threshold
	case TypeConnectionUsage:
		v := stats.Connections.Usage()
		return Event{Value: v, Message: fmt.Sprintf("connection usage %.0f%% above %.0f%%", v, a.Threshold)}, v > a.Threshold
	case TypeDatabaseSize:
		v := float64(stats.SizeBytes)
		return Event{Value: v, Message: fmt.Sprintf("database size %d bytes above %.0f", stats.SizeBytes, a.Threshold)}, v > a.Threshold
	case TypeTableBloat:
		var worst float64
		var names []string
		for _, t := range bloat {
			if t.BloatRatio >= a.Threshold {
				names = append(names, t.String())
				if t.BloatRatio > worst {
					worst = t.BloatRatio
				}
			}
		}
		if len(names) == 0 {
			return Event{}, false
		}
		return Event{
			Value:     worst,
			Resources: names,
			Message:   fmt.Sprintf("%d tables bloated at or above %.0f%%: %s", len(names), a.Threshold*100, strings.Join(names, ", ")),
		}, true
	}
	return Event{}, false
}

// NotifyJobFailure emits an ERROR event for a job whose retry budget is spent.
func (m *Manager) NotifyJobFailure(ctx context.Context, now time.Time, job, reason string) Event {
	e := Event{
		Type:      TypeJobFailure,
		Severity:  SeverityError,
		Message:   fmt.Sprintf("maintenance job %s failed: %s", job, reason),
		Resources: []string{job},
		Timestamp: now,
	}
	m.mu.Lock()
	sinks := append([]Sink(nil), m.sinks...)
	m.mu.Unlock()
	m.dispatch(ctx, sinks, e)
	return e
}

func (m *Manager) dispatch(ctx context.Context, sinks []Sink, e Event) {
	m.metrics.AlertFired(string(e.Type), string(e.Severity))
	for _, s := range sinks {
		if err := s.Send(ctx, e); err != nil {
			m.log.Error("alert sink failed",
				logger.String("sink", s.Name()),
				logger.String("type", string(e.Type)),
				logger.Error(err),
			)
		}
	}
}

// Alerts returns copies of all alert definitions ordered by type.
func (m *Manager) Alerts() []PerformanceAlert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PerformanceAlert, 0, len(m.alerts))
	for _, t := range m.sortedTypes() {
		out = append(out, *m.alerts[t])
	}
	return out
}

// SetAlert replaces the definition of a.Type, keeping its LastTriggered.
func (m *Manager) SetAlert(a PerformanceAlert) error {
	if err := validate(a); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.alerts[a.Type]; ok {
		a.LastTriggered = cur.LastTriggered
	}
	m.alerts[a.Type] = &a
	return nil
}
