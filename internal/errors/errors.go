// Package errors provides typed errors for pgwarden operations.
//
// This package defines sentinel errors and error types that allow callers
// to handle specific error conditions programmatically using errors.Is()
// and errors.As().
//
// Sentinel Errors:
//   - ErrConnectivity: the store is unreachable
//   - ErrStatement: a single statement failed
//   - ErrTimeout: a statement exceeded its time budget
//   - ErrInvalidConfig: configuration or job definition validation failed
//   - ErrJobNotFound: no job definition with the requested name
//   - ErrJobInFlight: the job is already running
//
// Typed Errors:
//   - ConnectivityError: the store could not be reached; fatal to the current tick
//   - StatementError: one statement failed (or timed out); recorded per target
//   - ConfigurationError: malformed configuration or job definition
//   - MultiError: aggregates multiple errors
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common error conditions.
// Use errors.Is() to check for these conditions.
var (
	// ErrConnectivity indicates the store could not be reached.
	ErrConnectivity = errors.New("store unreachable")

	// ErrStatement indicates a statement was rejected or failed while executing.
	ErrStatement = errors.New("statement failed")

	// ErrTimeout indicates a statement exceeded its time limit.
	ErrTimeout = errors.New("statement timed out")

	// ErrInvalidConfig indicates configuration validation failed.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrJobNotFound indicates no job definition exists for a name.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobInFlight indicates a job is already running.
	ErrJobInFlight = errors.New("job already running")
)

// ConnectivityError represents a failure to reach the store.
type ConnectivityError struct {
	Op  string // Operation that failed (e.g., "query", "exec", "ping")
	Err error  // Underlying error
}

// NewConnectivityError creates a new ConnectivityError.
func NewConnectivityError(op string, err error) *ConnectivityError {
	return &ConnectivityError{Op: op, Err: err}
}

// Error implements the error interface.
func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("connectivity error in %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *ConnectivityError) Unwrap() error {
	return e.Err
}

// Is reports whether target matches this error type or ErrConnectivity.
func (e *ConnectivityError) Is(target error) bool {
	if target == ErrConnectivity {
		return true
	}
	_, ok := target.(*ConnectivityError)
	return ok
}

// StatementError represents a failed statement.
// A statement that ran out of time has Timeout set and also matches ErrTimeout.
type StatementError struct {
	Query   string // SQL statement (may be truncated for long statements)
	Err     error  // Underlying database error
	Timeout bool   // True when the statement exceeded its deadline
}

// queryMaxLen is the maximum length of a query string in error messages.
const queryMaxLen = 100

// NewStatementError creates a new StatementError.
// Long statements are automatically truncated.
func NewStatementError(query string, err error) *StatementError {
	return &StatementError{Query: truncate(query), Err: err}
}

// NewTimeoutError creates a StatementError flagged as a timeout.
func NewTimeoutError(query string, err error) *StatementError {
	return &StatementError{Query: truncate(query), Err: err, Timeout: true}
}

func truncate(query string) string {
	if len(query) > queryMaxLen {
		return query[:queryMaxLen] + "..."
	}
	return query
}

// Error implements the error interface.
func (e *StatementError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("statement timed out [%s]: %v", e.Query, e.Err)
	}
	return fmt.Sprintf("statement failed [%s]: %v", e.Query, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *StatementError) Unwrap() error {
	return e.Err
}

// Is reports whether target matches this error type, ErrStatement, or
// ErrTimeout for timed out statements.
func (e *StatementError) Is(target error) bool {
	switch target {
	case ErrStatement:
		return true
	case ErrTimeout:
		return e.Timeout
	}
	_, ok := target.(*StatementError)
	return ok
}

// ConfigurationError represents a configuration or job definition validation error.
type ConfigurationError struct {
	Field   string // Field or job that failed validation
	Value   string // Value that was invalid (may be redacted for sensitive fields)
	Message string // Human-readable validation message
}

// NewConfigurationError creates a new ConfigurationError.
func NewConfigurationError(field, value, message string) *ConfigurationError {
	return &ConfigurationError{Field: field, Value: value, Message: message}
}

// Error implements the error interface.
func (e *ConfigurationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Message)
}

// Unwrap returns ErrInvalidConfig for errors.Is support.
func (e *ConfigurationError) Unwrap() error {
	return ErrInvalidConfig
}

// Is reports whether target matches this error type.
func (e *ConfigurationError) Is(target error) bool {
	_, ok := target.(*ConfigurationError)
	return ok
}

// IsConnectivity reports whether err is (or wraps) a connectivity failure.
func IsConnectivity(err error) bool {
	return errors.Is(err, ErrConnectivity)
}

// IsTimeout reports whether err is (or wraps) a statement timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// MultiError aggregates multiple errors into a single error.
// This is useful when multiple operations can fail independently.
type MultiError struct {
	Errors []error
}

// Add appends an error to the collection. Nil errors are ignored.
func (me *MultiError) Add(err error) {
	if err != nil {
		me.Errors = append(me.Errors, err)
	}
}

// Error implements the error interface.
func (me *MultiError) Error() string {
	switch len(me.Errors) {
	case 0:
		return "no errors"
	case 1:
		return me.Errors[0].Error()
	default:
		return fmt.Sprintf("%d errors occurred; first: %v", len(me.Errors), me.Errors[0])
	}
}

// Unwrap returns the first error for errors.Is/As support.
func (me *MultiError) Unwrap() error {
	if len(me.Errors) == 0 {
		return nil
	}
	return me.Errors[0]
}

// ErrorOrNil returns nil if no errors were added, otherwise returns the MultiError.
func (me *MultiError) ErrorOrNil() error {
	if len(me.Errors) == 0 {
		return nil
	}
	return me
}
