// Package storetest provides a scripted in-memory store.Store for tests.
package storetest

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/koltyakov/pgwarden/internal/store"
)

// QueryFunc returns the rows for a matched query.
type QueryFunc func(ctx context.Context, args []any) ([][]any, error)

// ExecFunc returns the affected row count for a matched statement.
type ExecFunc func(ctx context.Context, args []any) (int64, error)

// Call is one recorded Query or Exec.
type Call struct {
	SQL  string
	Args []any
	Exec bool
}

type queryHandler struct {
	match string
	fn    QueryFunc
}

type execHandler struct {
	match string
	fn    ExecFunc
}

// Fake matches statements by substring. The most recently registered handler wins.
// Unmatched queries fail; unmatched execs succeed with zero rows.
type Fake struct {
	mu      sync.Mutex
	queries []queryHandler
	execs   []execHandler
	calls   []Call
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{}
}

// OnQuery registers fn for queries containing match.
func (f *Fake) OnQuery(match string, fn QueryFunc) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, queryHandler{match: match, fn: fn})
	return f
}

// OnQueryRows registers fixed rows for queries containing match.
func (f *Fake) OnQueryRows(match string, rows ...[]any) *Fake {
	return f.OnQuery(match, func(context.Context, []any) ([][]any, error) { return rows, nil })
}

// OnQueryError makes queries containing match fail with err.
func (f *Fake) OnQueryError(match string, err error) *Fake {
	return f.OnQuery(match, func(context.Context, []any) ([][]any, error) { return nil, err })
}

// OnExec registers fn for statements containing match.
func (f *Fake) OnExec(match string, fn ExecFunc) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, execHandler{match: match, fn: fn})
	return f
}

// OnExecError makes statements containing match fail with err.
func (f *Fake) OnExecError(match string, err error) *Fake {
	return f.OnExec(match, func(context.Context, []any) (int64, error) { return 0, err })
}

// Query implements store.Store.
func (f *Fake) Query(ctx context.Context, sql string, args ...any) (store.Rows, error) {
	f.mu.Lock()
	f.calls = append(f.calls, Call{SQL: sql, Args: args})
	var fn QueryFunc
	for i := len(f.queries) - 1; i >= 0; i-- {
		if strings.Contains(sql, f.queries[i].match) {
			fn = f.queries[i].fn
			break
		}
	}
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, fmt.Errorf("storetest: unexpected query: %s", sql)
	}
	rows, err := fn(ctx, args)
	if err != nil {
		return nil, err
	}
	return &Rows{data: rows, pos: -1}, nil
}

// Exec implements store.Store.
func (f *Fake) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	f.mu.Lock()
	f.calls = append(f.calls, Call{SQL: sql, Args: args, Exec: true})
	var fn ExecFunc
	for i := len(f.execs) - 1; i >= 0; i-- {
		if strings.Contains(sql, f.execs[i].match) {
			fn = f.execs[i].fn
			break
		}
	}
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if fn == nil {
		return 0, nil
	}
	return fn(ctx, args)
}

// Calls returns every recorded call in order.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Execs returns the SQL of every recorded Exec in order.
func (f *Fake) Execs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if c.Exec {
			out = append(out, c.SQL)
		}
	}
	return out
}

// Reset forgets recorded calls but keeps handlers.
func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

// Rows is a cursor over scripted values.
type Rows struct {
	data [][]any
	pos  int
}

// NewRows returns a cursor over data.
func NewRows(data ...[]any) *Rows {
	return &Rows{data: data, pos: -1}
}

func (r *Rows) Next() bool {
	r.pos++
	return r.pos < len(r.data)
}

func (r *Rows) Err() error { return nil }
func (r *Rows) Close()     {}

// Scan assigns the current row into dest pointers. nil values zero the target;
// numeric values convert between numeric kinds; a value is boxed when the target is a pointer.
func (r *Rows) Scan(dest ...any) error {
	if r.pos < 0 || r.pos >= len(r.data) {
		return fmt.Errorf("storetest: scan outside of row")
	}
	row := r.data[r.pos]
	if len(row) != len(dest) {
		return fmt.Errorf("storetest: row has %d values, scan wants %d", len(row), len(dest))
	}
	for i, d := range dest {
		if err := assign(d, row[i]); err != nil {
			return fmt.Errorf("storetest: column %d: %w", i, err)
		}
	}
	return nil
}

func assign(dest, val any) error {
	dv := reflect.ValueOf(dest)
	if dv.Kind() != reflect.Ptr || dv.IsNil() {
		return fmt.Errorf("destination %T is not a non-nil pointer", dest)
	}
	target := dv.Elem()
	if val == nil {
		target.Set(reflect.Zero(target.Type()))
		return nil
	}

	v := reflect.ValueOf(val)
	switch {
	case v.Type().AssignableTo(target.Type()):
		target.Set(v)
	case target.Kind() == reflect.Ptr && v.Type().AssignableTo(target.Type().Elem()):
		p := reflect.New(target.Type().Elem())
		p.Elem().Set(v)
		target.Set(p)
	case isNumeric(v.Kind()) && isNumeric(target.Kind()):
		target.Set(v.Convert(target.Type()))
	default:
		return fmt.Errorf("cannot assign %T to %s", val, target.Type())
	}
	return nil
}

func isNumeric(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

var _ store.Store = (*Fake)(nil)
