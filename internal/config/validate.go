package config

import (
	"fmt"
	"strconv"
	"time"

	pgerr "github.com/koltyakov/pgwarden/internal/errors"
)

// Validate checks the whole document and returns a MultiError of ConfigurationErrors.
func (c Config) Validate() error {
	var me pgerr.MultiError

	if c.Database.URL == "" {
		me.Add(pgerr.NewConfigurationError("database.url", "", "is required: use -url or set PGURL/DATABASE_URL"))
	}
	switch c.Database.Driver {
	case DriverPgx, DriverPostgres:
	default:
		me.Add(pgerr.NewConfigurationError("database.driver", c.Database.Driver, "must be pgx or postgres"))
	}
	if c.Database.PoolSize < 2 {
		me.Add(pgerr.NewConfigurationError("database.pool_size", strconv.Itoa(c.Database.PoolSize), "must be at least 2"))
	}
	me.Add(positive("database.statement_timeout", c.Database.StatementTimeout))
	me.Add(positive("database.query_timeout", c.Database.QueryTimeout))

	s := c.Scheduler
	me.Add(positive("scheduler.poll_interval", s.PollInterval))
	me.Add(positive("scheduler.health_interval", s.HealthInterval))
	if s.MaxConcurrentJobs < 1 || s.MaxConcurrentJobs > c.Database.PoolSize-1 {
		me.Add(pgerr.NewConfigurationError("scheduler.max_concurrent_jobs", strconv.Itoa(s.MaxConcurrentJobs),
			fmt.Sprintf("must be between 1 and pool_size-1 (%d)", c.Database.PoolSize-1)))
	}
	if s.HistoryCapacity < 1 {
		me.Add(pgerr.NewConfigurationError("scheduler.history_capacity", strconv.Itoa(s.HistoryCapacity), "must be positive"))
	}
	w := s.MaintenanceWindow
	if w.StartHour < 0 || w.StartHour > 23 {
		me.Add(pgerr.NewConfigurationError("scheduler.maintenance_window.start_hour", strconv.Itoa(w.StartHour), "must be 0-23"))
	}
	if w.EndHour < 0 || w.EndHour > 24 {
		me.Add(pgerr.NewConfigurationError("scheduler.maintenance_window.end_hour", strconv.Itoa(w.EndHour), "must be 0-24"))
	}

	h := c.Health
	if h.CacheCriticalPercent > h.CacheWarningPercent {
		me.Add(pgerr.NewConfigurationError("health.cache_critical_percent", ftoa(h.CacheCriticalPercent), "must not exceed cache_warning_percent"))
	}
	if h.ConnectionWarningPercent > h.ConnectionCriticalPercent {
		me.Add(pgerr.NewConfigurationError("health.connection_warning_percent", ftoa(h.ConnectionWarningPercent), "must not exceed connection_critical_percent"))
	}
	me.Add(positive("health.long_query_threshold", h.LongQueryThreshold))
	me.Add(positive("health.critical_query_duration", h.CriticalQueryDuration))

	if c.Bloat.VacuumRatio <= 0 || c.Bloat.VacuumRatio >= 1 {
		me.Add(pgerr.NewConfigurationError("bloat.vacuum_ratio", ftoa(c.Bloat.VacuumRatio), "must be in (0,1)"))
	}

	for i, a := range c.Alerts {
		field := fmt.Sprintf("alerts[%d]", i)
		if a.Type == "" {
			me.Add(pgerr.NewConfigurationError(field+".type", "", "is required"))
		}
		switch a.Severity {
		case "WARNING", "ERROR", "CRITICAL":
		default:
			me.Add(pgerr.NewConfigurationError(field+".severity", a.Severity, "must be WARNING, ERROR or CRITICAL"))
		}
		if a.Cooldown < 0 {
			me.Add(pgerr.NewConfigurationError(field+".cooldown", a.Cooldown.String(), "must not be negative"))
		}
	}

	for name, o := range c.Jobs {
		if o.RetryCount != nil && *o.RetryCount < 0 {
			me.Add(pgerr.NewConfigurationError("jobs."+name+".retry_count", strconv.Itoa(*o.RetryCount), "must not be negative"))
		}
	}

	for i, a := range c.Archive {
		field := fmt.Sprintf("archive[%d]", i)
		if a.Table == "" {
			me.Add(pgerr.NewConfigurationError(field+".table", "", "is required"))
		}
		if a.Column == "" {
			me.Add(pgerr.NewConfigurationError(field+".column", "", "is required"))
		}
		if a.RetentionDays <= 0 {
			me.Add(pgerr.NewConfigurationError(field+".retention_days", strconv.Itoa(a.RetentionDays), "must be positive"))
		}
	}

	for i, p := range c.Partitions {
		field := fmt.Sprintf("partitions[%d]", i)
		if p.Table == "" {
			me.Add(pgerr.NewConfigurationError(field+".table", "", "is required"))
		}
		switch p.Interval {
		case IntervalDay, IntervalWeek, IntervalMonth:
		default:
			me.Add(pgerr.NewConfigurationError(field+".interval", p.Interval, "must be day, week or month"))
		}
		if p.Premake < 0 {
			me.Add(pgerr.NewConfigurationError(field+".premake", strconv.Itoa(p.Premake), "must not be negative"))
		}
		if p.RetentionDays < 0 {
			me.Add(pgerr.NewConfigurationError(field+".retention_days", strconv.Itoa(p.RetentionDays), "must not be negative"))
		}
	}

	return me.ErrorOrNil()
}

func positive(field string, d time.Duration) error {
	if d <= 0 {
		return pgerr.NewConfigurationError(field, d.String(), "must be positive")
	}
	return nil
}

func ftoa(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
