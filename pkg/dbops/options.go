package dbops

import (
	"time"

	"github.com/koltyakov/pgwarden/internal/alert"
	"github.com/koltyakov/pgwarden/internal/logger"
	"github.com/koltyakov/pgwarden/internal/metrics"
)

// Option configures an Engine.
type Option interface {
	apply(*options)
}

type optionFunc func(*options)

func (f optionFunc) apply(o *options) { f(o) }

type options struct {
	log     logger.Logger
	metrics *metrics.Metrics
	sinks   []alert.Sink
	now     func() time.Time
}

// WithLogger sets the logger shared by every component. Default: no-op.
func WithLogger(l logger.Logger) Option {
	return optionFunc(func(o *options) {
		o.log = l
	})
}

// WithMetrics enables Prometheus instruments.
func WithMetrics(m *metrics.Metrics) Option {
	return optionFunc(func(o *options) {
		o.metrics = m
	})
}

// WithAlertSinks adds alert destinations. A log sink is always registered.
func WithAlertSinks(sinks ...alert.Sink) Option {
	return optionFunc(func(o *options) {
		o.sinks = append(o.sinks, sinks...)
	})
}

// WithClock overrides the time source used for scoring, job triggers, health
// report timestamps and alert evaluation. Job bodies still time their
// statements with the wall clock.
func WithClock(now func() time.Time) Option {
	return optionFunc(func(o *options) {
		o.now = now
	})
}
