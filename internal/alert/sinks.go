package alert

import (
	"context"
	"fmt"
	"io"

	"github.com/fatih/color"

	"github.com/koltyakov/pgwarden/internal/logger"
)

// LogSink writes events to the structured logger.
type LogSink struct {
	log logger.Logger
}

// NewLogSink creates a log sink.
func NewLogSink(log logger.Logger) *LogSink {
	return &LogSink{log: log}
}

// Name returns the sink identifier.
func (s *LogSink) Name() string { return "log" }

// Send logs the event at a level matching its severity.
func (s *LogSink) Send(_ context.Context, e Event) error {
	fields := []logger.Field{
		logger.String("alert_type", string(e.Type)),
		logger.String("severity", string(e.Severity)),
		logger.Float64("value", e.Value),
		logger.Float64("threshold", e.Threshold),
		logger.Strings("resources", e.Resources),
	}
	switch e.Severity {
	case SeverityWarning:
		s.log.Warn(e.Message, fields...)
	default:
		s.log.Error(e.Message, fields...)
	}
	return nil
}

// ConsoleSink writes events to a terminal with color.
type ConsoleSink struct {
	out io.Writer
}

// NewConsoleSink creates a console sink writing to w, or to color.Output when w is nil.
func NewConsoleSink(w io.Writer) *ConsoleSink {
	if w == nil {
		w = color.Output
	}
	return &ConsoleSink{out: w}
}

// Name returns the sink identifier.
func (s *ConsoleSink) Name() string { return "console" }

// Send writes an event with a color-coded severity prefix.
func (s *ConsoleSink) Send(_ context.Context, e Event) error {
	var prefix string
	switch e.Severity {
	case SeverityCritical:
		prefix = color.New(color.FgRed, color.Bold).Sprint("[CRITICAL]")
	case SeverityError:
		prefix = color.RedString("[ERROR]")
	default:
		prefix = color.YellowString("[WARN]")
	}
	_, err := fmt.Fprintf(s.out, "%s %s [%s] %s\n", e.Timestamp.Format("15:04:05"), prefix, e.Type, e.Message)
	return err
}
