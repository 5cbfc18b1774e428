package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestConnectivityError(t *testing.T) {
	underlying := errors.New("connection refused")
	err := NewConnectivityError("query", underlying)

	if err.Op != "query" {
		t.Errorf("expected Op 'query', got %q", err.Op)
	}

	if !errors.Is(err, underlying) {
		t.Error("expected errors.Is to match underlying error")
	}

	if !errors.Is(err, ErrConnectivity) {
		t.Error("expected errors.Is to match ErrConnectivity")
	}

	expected := "connectivity error in query: connection refused"
	if err.Error() != expected {
		t.Errorf("expected error %q, got %q", expected, err.Error())
	}
}

func TestIsConnectivityWrapped(t *testing.T) {
	err := fmt.Errorf("collect stats: %w", NewConnectivityError("ping", errors.New("eof")))
	if !IsConnectivity(err) {
		t.Error("expected wrapped ConnectivityError to be detected")
	}
	if IsConnectivity(errors.New("plain")) {
		t.Error("plain error must not be a connectivity error")
	}
}

func TestConfigurationError(t *testing.T) {
	err := NewConfigurationError("retry_count", "-1", "must not be negative")

	if !errors.Is(err, ErrInvalidConfig) {
		t.Error("ConfigurationError should match ErrInvalidConfig")
	}

	expected := `invalid retry_count "-1": must not be negative`
	if err.Error() != expected {
		t.Errorf("expected error %q, got %q", expected, err.Error())
	}
}

func TestConfigurationErrorNoValue(t *testing.T) {
	err := NewConfigurationError("url", "", "required")
	expected := "invalid url: required"
	if err.Error() != expected {
		t.Errorf("expected error %q, got %q", expected, err.Error())
	}
}

func TestStatementError(t *testing.T) {
	err := NewStatementError("VACUUM public.users", errors.New("relation does not exist"))

	expected := "statement failed [VACUUM public.users]: relation does not exist"
	if err.Error() != expected {
		t.Errorf("expected error %q, got %q", expected, err.Error())
	}
	if !errors.Is(err, ErrStatement) {
		t.Error("StatementError should match ErrStatement")
	}
	if errors.Is(err, ErrTimeout) {
		t.Error("non-timeout StatementError must not match ErrTimeout")
	}
}

func TestTimeoutError(t *testing.T) {
	err := NewTimeoutError("REINDEX INDEX CONCURRENTLY public.idx", context.DeadlineExceeded)

	if !IsTimeout(err) {
		t.Error("timeout StatementError should match ErrTimeout")
	}
	if !errors.Is(err, ErrStatement) {
		t.Error("timeouts are statement errors too")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("expected underlying deadline error to be reachable")
	}
}

func TestStatementErrorLongQuery(t *testing.T) {
	longQuery := "SELECT " + string(make([]byte, 200))
	err := NewStatementError(longQuery, errors.New("error"))

	// Query should be truncated with ...
	if len(err.Query) != 103 { // 100 + "..."
		t.Errorf("expected truncated query length 103, got %d", len(err.Query))
	}
	if err.Query[len(err.Query)-3:] != "..." {
		t.Error("expected truncated query to end with ...")
	}
}

func TestMultiError(t *testing.T) {
	me := &MultiError{}

	if me.ErrorOrNil() != nil {
		t.Error("empty MultiError should return nil")
	}

	me.Add(nil) // Should be ignored
	if me.ErrorOrNil() != nil {
		t.Error("MultiError with only nil should return nil")
	}

	err1 := errors.New("error 1")
	err2 := errors.New("error 2")

	me.Add(err1)
	me.Add(err2)

	if len(me.Errors) != 2 {
		t.Errorf("expected 2 errors, got %d", len(me.Errors))
	}

	if !errors.Is(me, err1) {
		t.Error("MultiError should match first error")
	}

	expected := "2 errors occurred; first: error 1"
	if me.Error() != expected {
		t.Errorf("expected error %q, got %q", expected, me.Error())
	}
}

func TestMultiErrorSingle(t *testing.T) {
	me := &MultiError{}
	err := errors.New("single error")
	me.Add(err)

	if me.Error() != "single error" {
		t.Errorf("single error should return just the error message")
	}
}

func TestSentinelErrors(t *testing.T) {
	// Verify sentinel errors are distinct
	sentinels := []error{
		ErrConnectivity,
		ErrStatement,
		ErrTimeout,
		ErrInvalidConfig,
		ErrJobNotFound,
		ErrJobInFlight,
	}

	for i, err1 := range sentinels {
		for j, err2 := range sentinels {
			if i != j && errors.Is(err1, err2) {
				t.Errorf("sentinel errors should be distinct: %v == %v", err1, err2)
			}
		}
	}
}

func TestMultiErrorEmpty(t *testing.T) {
	me := &MultiError{}
	if me.Error() != "no errors" {
		t.Errorf("empty MultiError.Error() should return 'no errors'")
	}
	if me.Unwrap() != nil {
		t.Error("empty MultiError.Unwrap() should return nil")
	}
}
