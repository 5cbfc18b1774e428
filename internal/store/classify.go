package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/sony/gobreaker"

	pgerr "github.com/koltyakov/pgwarden/internal/errors"
)

// SQLSTATE codes that mean the statement ran out of time.
const (
	codeQueryCanceled    = "57014"
	codeLockNotAvailable = "55P03"
)

// Classify converts a driver error into a ConnectivityError or StatementError.
// Errors that are already classified pass through unchanged.
func Classify(op, query string, err error) error {
	if err == nil {
		return nil
	}
	var ce *pgerr.ConnectivityError
	var se *pgerr.StatementError
	if errors.As(err, &ce) || errors.As(err, &se) {
		return err
	}

	switch {
	case isConnectivity(err):
		return pgerr.NewConnectivityError(op, err)
	case isTimeout(err):
		return pgerr.NewTimeoutError(query, err)
	default:
		return pgerr.NewStatementError(query, err)
	}
}

func isConnectivity(err error) bool {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return true
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	if code := sqlState(err); code != "" {
		// class 08 is connection exception, 57P0x is server shutdown
		return strings.HasPrefix(code, "08") || strings.HasPrefix(code, "57P0")
	}
	var netErr net.Error
	if errors.As(err, &netErr) && !netErr.Timeout() {
		return true
	}
	return false
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	switch sqlState(err) {
	case codeQueryCanceled, codeLockNotAvailable:
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// sqlState extracts the SQLSTATE from either driver's error type.
func sqlState(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}

// connectivityFailure reports whether err should count against the circuit breaker.
func connectivityFailure(err error) bool {
	return err != nil && isConnectivity(err)
}
