package wikisql

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/itchyny/gojq"
	"github.com/kaptinlin/jsonrepair"
	"github.com/tidwall/gjson"
)

// maxLine bounds a single JSONL record.
const maxLine = 16 << 20

// LoadOptions controls how examples are read.
type LoadOptions struct {
	// Limit truncates the example list (debug mode). Zero loads everything.
	Limit int

	// Filter is an optional jq expression evaluated against each raw record.
	// Records for which it yields false or null are dropped.
	Filter string

	// Logger receives warnings about dropped records. Nil uses slog.Default().
	Logger *slog.Logger
}

// LoadTables reads a JSONL tables file keyed by table id.
func LoadTables(path string) (map[string]*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("wikisql: open tables: %w", err)
	}
	defer f.Close()
	return ReadTables(f)
}

// ReadTables reads JSONL table records from r.
func ReadTables(r io.Reader) (map[string]*Table, error) {
	tables := make(map[string]*Table)
	err := eachLine(r, func(n int, line []byte) error {
		var t Table
		if err := unmarshalJSON(line, &t); err != nil {
			return fmt.Errorf("wikisql: tables line %d: %w", n, err)
		}
		if t.ID == "" {
			return fmt.Errorf("wikisql: tables line %d: missing id", n)
		}
		tables[t.ID] = &t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tables, nil
}

// LoadExamples reads a tokenized JSONL question file. Each record must name
// a table present in tables.
func LoadExamples(path string, tables map[string]*Table, opts LoadOptions) ([]*Example, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("wikisql: open examples: %w", err)
	}
	defer f.Close()
	return ReadExamples(f, tables, opts)
}

// ReadExamples reads tokenized JSONL question records from r.
//
// The "sql" field holds either one annotation object or a list of them.
// Value spans come from "wvi_corenlp", which correspondingly holds one list
// of [start, end] pairs or one list per annotation. Annotations that fail
// validation are dropped with a warning; the example itself is kept.
func ReadExamples(r io.Reader, tables map[string]*Table, opts LoadOptions) ([]*Example, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	var filter *gojq.Query
	if opts.Filter != "" {
		q, err := gojq.Parse(opts.Filter)
		if err != nil {
			return nil, fmt.Errorf("wikisql: parse filter: %w", err)
		}
		filter = q
	}

	var out []*Example
	errLimit := errors.New("limit reached")
	err := eachLine(r, func(n int, line []byte) error {
		if opts.Limit > 0 && len(out) >= opts.Limit {
			return errLimit
		}
		if !gjson.ValidBytes(line) {
			fixed, err := jsonrepair.JSONRepair(string(line))
			if err != nil {
				return fmt.Errorf("wikisql: examples line %d: %w", n, err)
			}
			line = []byte(fixed)
		}
		if filter != nil {
			keep, err := matchFilter(filter, line)
			if err != nil {
				return fmt.Errorf("wikisql: examples line %d: filter: %w", n, err)
			}
			if !keep {
				return nil
			}
		}
		rec := gjson.ParseBytes(line)
		tableID := rec.Get("table_id").String()
		table, ok := tables[tableID]
		if !ok {
			return fmt.Errorf("wikisql: examples line %d: unknown table %q", n, tableID)
		}
		anns := parseAnnotations(rec)
		usable := anns[:0]
		for i := range anns {
			if err := anns[i].Validate(len(table.Header)); err != nil {
				log.Warn("dropping annotation", "line", n, "table", tableID, "error", err)
				continue
			}
			usable = append(usable, anns[i])
		}
		ex, err := NewExample(len(out), rec.Get("question").String(), stringsOf(rec.Get("question_tok")), table, usable)
		if err != nil {
			log.Warn("dropping example", "line", n, "table", tableID, "error", err)
			return nil
		}
		out = append(out, ex)
		return nil
	})
	if err != nil && !errors.Is(err, errLimit) {
		return nil, err
	}
	return out, nil
}

func parseAnnotations(rec gjson.Result) []Annotation {
	sql := rec.Get("sql")
	if !sql.Exists() {
		return nil
	}
	wvi := rec.Get("wvi_corenlp")
	if !sql.IsArray() {
		return []Annotation{parseAnnotation(sql, wvi)}
	}
	sqls := sql.Array()
	spans := wvi.Array()
	anns := make([]Annotation, 0, len(sqls))
	for i, s := range sqls {
		var w gjson.Result
		if i < len(spans) {
			w = spans[i]
		}
		anns = append(anns, parseAnnotation(s, w))
	}
	return anns
}

func parseAnnotation(sql, wvi gjson.Result) Annotation {
	a := Annotation{
		Sel: int(sql.Get("sel").Int()),
		Agg: int(sql.Get("agg").Int()),
	}
	spans := wvi.Array()
	for i, c := range sql.Get("conds").Array() {
		parts := c.Array()
		if len(parts) < 3 {
			// Keep the count honest so validation rejects the annotation.
			a.NumConds++
			continue
		}
		cond := Cond{
			Column: int(parts[0].Int()),
			Op:     int(parts[1].Int()),
			Value:  parts[2].String(),
			Span:   Span{Start: -1, End: -1},
		}
		if i < len(spans) {
			if se := spans[i].Array(); len(se) == 2 {
				cond.Span = Span{Start: int(se[0].Int()), End: int(se[1].Int())}
			}
		}
		a.Conds = append(a.Conds, cond)
		a.NumConds++
	}
	return a
}

func stringsOf(r gjson.Result) []string {
	arr := r.Array()
	out := make([]string, len(arr))
	for i, v := range arr {
		out[i] = v.String()
	}
	return out
}

func matchFilter(q *gojq.Query, line []byte) (bool, error) {
	var v any
	if err := json.Unmarshal(line, &v); err != nil {
		return false, err
	}
	iter := q.Run(v)
	res, ok := iter.Next()
	if !ok {
		return false, nil
	}
	if err, isErr := res.(error); isErr {
		return false, err
	}
	switch r := res.(type) {
	case nil:
		return false, nil
	case bool:
		return r, nil
	default:
		return true, nil
	}
}

func eachLine(r io.Reader, fn func(n int, line []byte) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	n := 0
	for sc.Scan() {
		n++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		if err := fn(n, bytes.Clone(line)); err != nil {
			return err
		}
	}
	return sc.Err()
}

// unmarshalJSON unmarshals data into v, repairing malformed JSON once on a
// syntax error.
func unmarshalJSON(data []byte, v any) error {
	err := json.Unmarshal(data, v)
	if err == nil {
		return nil
	}
	var syn *json.SyntaxError
	if errors.As(err, &syn) {
		fixed, rerr := jsonrepair.JSONRepair(string(data))
		if rerr != nil {
			return err
		}
		return json.Unmarshal([]byte(fixed), v)
	}
	return err
}
