package results

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"

	"github.com/haivivi/nl2sql/pkg/wikisql"
)

// SkipError is the error text recorded for examples that could not be
// processed.
const SkipError = "Skip happened"

// Query is a logical form in the WikiSQL results format. Each condition is
// [column, operator, value].
type Query struct {
	Sel   int     `json:"sel"`
	Agg   int     `json:"agg"`
	Conds [][]any `json:"conds"`
}

// QueryOf converts an annotation to a Query.
func QueryOf(a wikisql.Annotation) *Query {
	q := &Query{Sel: a.Sel, Agg: a.Agg, Conds: [][]any{}}
	for _, c := range a.Conds {
		q.Conds = append(q.Conds, []any{c.Column, c.Op, c.Value})
	}
	return q
}

// Record is one line of a results file: either a predicted query or an
// error for a skipped example.
type Record struct {
	Index    int    `json:"index"`
	TableID  string `json:"table_id,omitempty"`
	Question string `json:"nlu,omitempty"`
	Query    *Query `json:"query,omitempty"`
	// SQL renders Query against the table's headers.
	SQL   string `json:"sql,omitempty"`
	Error string `json:"error,omitempty"`
}

// Sink accumulates records for one results file. Because object stores
// cannot append, Flush rewrites the whole file.
type Sink struct {
	store FileStore
	path  string
	log   *slog.Logger

	mu      sync.Mutex
	records []Record
}

// Open loads any records already stored at path. A truncated final line,
// left by an interrupted flush, is discarded.
func Open(ctx context.Context, store FileStore, path string, log *slog.Logger) (*Sink, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Sink{store: store, path: path, log: log}
	r, err := store.Read(ctx, path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("results: open %s: %w", path, err)
	}
	defer r.Close()

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
	var pending error
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		if pending != nil {
			return nil, pending
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			pending = fmt.Errorf("results: %s record %d: %w", path, len(s.records), err)
			continue
		}
		s.records = append(s.records, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("results: read %s: %w", path, err)
	}
	if pending != nil {
		log.Warn("dropping truncated results record", "path", path, "error", pending)
	}
	return s, nil
}

// Path returns the file path within the store.
func (s *Sink) Path() string { return s.path }

// Len returns how many records are held. Evaluation resumes at this index.
func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Append adds a record.
func (s *Sink) Append(r Record) {
	s.mu.Lock()
	s.records = append(s.records, r)
	s.mu.Unlock()
}

// Records returns a copy of the held records.
func (s *Sink) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.records...)
}

// Flush writes every record to the store.
func (s *Sink) Flush(ctx context.Context) error {
	s.mu.Lock()
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range s.records {
		if err := enc.Encode(r); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("results: encode record %d: %w", r.Index, err)
		}
	}
	n := len(s.records)
	s.mu.Unlock()

	w, err := s.store.Write(ctx, s.path)
	if err != nil {
		return fmt.Errorf("results: write %s: %w", s.path, err)
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		w.Close()
		return fmt.Errorf("results: write %s: %w", s.path, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("results: write %s: %w", s.path, err)
	}
	s.log.Debug("results flushed", "path", s.path, "records", n)
	return nil
}
