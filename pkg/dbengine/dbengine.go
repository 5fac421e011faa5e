// Package dbengine executes logical forms against WikiSQL SQLite databases.
//
// Tables are stored as table_<id> with columns col0..colN. Condition values
// are bound as parameters; values compared against real columns are coerced
// to numbers first.
package dbengine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/haivivi/nl2sql/pkg/wikisql"
)

// ErrExecution is returned when a query cannot be built or run.
var ErrExecution = errors.New("dbengine: execution failed")

// Cond is a WHERE clause over column index Column.
type Cond struct {
	Column int
	Op     int
	Value  string
}

// Query is an executable logical form.
type Query struct {
	Sel   int
	Agg   int
	Conds []Cond
}

// FromAnnotation converts an annotation to a Query.
func FromAnnotation(a wikisql.Annotation) Query {
	q := Query{Sel: a.Sel, Agg: a.Agg}
	for _, c := range a.Conds {
		q.Conds = append(q.Conds, Cond{Column: c.Column, Op: c.Op, Value: c.Value})
	}
	return q
}

// Key returns a stable identity for caching results.
func (q Query) Key() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d/%d", q.Sel, q.Agg)
	for _, c := range q.Conds {
		fmt.Fprintf(&b, "/%d,%d,%s", c.Column, c.Op, strconv.Quote(c.Value))
	}
	return b.String()
}

// Executor runs a query against a table and returns the result column.
type Executor interface {
	Execute(ctx context.Context, tableID string, q Query) ([]any, error)
}

var (
	schemaRe = regexp.MustCompile(`\((.+)\)`)
	numRe    = regexp.MustCompile(`[-+]?\d*\.\d+|\d+`)
)

// Engine is an Executor over a database/sql handle.
type Engine struct {
	db    *sql.DB
	lower bool

	mu      sync.Mutex
	schemas map[string]map[string]string
}

// Options configures an Engine.
type Options struct {
	// KeepCase disables lowercasing of condition values.
	KeepCase bool
}

// Open opens the SQLite file at path read-only.
func Open(path string, opts *Options) (*Engine, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("dbengine: open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("dbengine: open %s: %w", path, err)
	}
	return New(db, opts), nil
}

// New wraps an existing handle.
func New(db *sql.DB, opts *Options) *Engine {
	lower := true
	if opts != nil && opts.KeepCase {
		lower = false
	}
	return &Engine{db: db, lower: lower, schemas: make(map[string]map[string]string)}
}

// Close closes the underlying handle.
func (e *Engine) Close() error {
	return e.db.Close()
}

// TableName maps a table id to its SQLite table name.
func TableName(id string) string {
	if strings.HasPrefix(id, "table") {
		return id
	}
	return "table_" + strings.ReplaceAll(id, "-", "_")
}

// Execute runs q and returns every value of the result column.
func (e *Engine) Execute(ctx context.Context, tableID string, q Query) ([]any, error) {
	table := TableName(tableID)
	schema, err := e.schema(ctx, table)
	if err != nil {
		return nil, err
	}
	stmt, args, err := e.build(table, schema, q)
	if err != nil {
		return nil, err
	}
	rows, err := e.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExecution, err)
	}
	defer rows.Close()
	var out []any
	for rows.Next() {
		var v any
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrExecution, err)
		}
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExecution, err)
	}
	return out, nil
}

func (e *Engine) build(table string, schema map[string]string, q Query) (string, []any, error) {
	col := fmt.Sprintf("col%d", q.Sel)
	if _, ok := schema[col]; !ok {
		return "", nil, fmt.Errorf("%w: %s has no %s", ErrExecution, table, col)
	}
	if q.Agg < 0 || q.Agg >= len(wikisql.AggOps) {
		return "", nil, fmt.Errorf("%w: aggregation %d", ErrExecution, q.Agg)
	}
	sel := col
	if agg := wikisql.AggOps[q.Agg]; agg != "" {
		sel = fmt.Sprintf("%s(%s)", agg, col)
	}

	var where []string
	var args []any
	for _, c := range q.Conds {
		name := fmt.Sprintf("col%d", c.Column)
		typ, ok := schema[name]
		if !ok {
			return "", nil, fmt.Errorf("%w: %s has no %s", ErrExecution, table, name)
		}
		if c.Op < 0 || c.Op >= len(wikisql.CondOps) {
			return "", nil, fmt.Errorf("%w: operator %d", ErrExecution, c.Op)
		}
		var val any = c.Value
		if e.lower {
			val = strings.ToLower(c.Value)
		}
		if typ == "real" {
			f, err := coerce(val.(string))
			if err != nil {
				return "", nil, err
			}
			val = f
		}
		where = append(where, fmt.Sprintf("%s %s ?", name, wikisql.CondOps[c.Op]))
		args = append(args, val)
	}
	stmt := fmt.Sprintf("SELECT %s AS result FROM %s", sel, table)
	if len(where) > 0 {
		stmt += " WHERE " + strings.Join(where, " AND ")
	}
	return stmt, args, nil
}

// coerce parses a numeric condition value, falling back to the first number
// embedded in it.
func coerce(s string) (float64, error) {
	d, err := decimal.NewFromString(strings.ReplaceAll(strings.TrimSpace(s), ",", ""))
	if err != nil {
		m := numRe.FindString(s)
		if m == "" {
			return 0, fmt.Errorf("%w: %q is not numeric", ErrExecution, s)
		}
		if d, err = decimal.NewFromString(m); err != nil {
			return 0, fmt.Errorf("%w: %q is not numeric", ErrExecution, s)
		}
	}
	f, _ := d.Float64()
	return f, nil
}

// schema returns column name to declared type, read from sqlite_master.
func (e *Engine) schema(ctx context.Context, table string) (map[string]string, error) {
	e.mu.Lock()
	s, ok := e.schemas[table]
	e.mu.Unlock()
	if ok {
		return s, nil
	}
	var ddl string
	err := e.db.QueryRowContext(ctx, `SELECT sql FROM sqlite_master WHERE tbl_name = ?`, table).Scan(&ddl)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no table %s", ErrExecution, table)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExecution, err)
	}
	m := schemaRe.FindStringSubmatch(ddl)
	if m == nil {
		return nil, fmt.Errorf("%w: cannot parse schema of %s", ErrExecution, table)
	}
	s = make(map[string]string)
	for _, tup := range strings.Split(m[1], ", ") {
		fields := strings.Fields(tup)
		if len(fields) < 2 {
			continue
		}
		s[fields[0]] = strings.ToLower(fields[1])
	}
	e.mu.Lock()
	e.schemas[table] = s
	e.mu.Unlock()
	return s, nil
}

var _ Executor = (*Engine)(nil)
