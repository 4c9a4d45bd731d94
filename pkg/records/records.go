// Package records defines the row and batch shapes shared by every stage of
// the ingestion pipeline.
//
// A Record is a loosely typed column → value map. Values are one of:
//   - nil (SQL NULL)
//   - string
//   - int64, float64, bool
//   - time.Time (dates carry a zero clock)
//   - []any / map[string]any while a row is still nested (before flattening)
//
// The storage layer only ever sees scalar values; nested values must be
// flattened first.
package records

import (
	"sort"
)

// Record is one row keyed by column name.
type Record map[string]any

// Clone returns a shallow copy of r.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Columns returns the record's column names in sorted order.
func (r Record) Columns() []string {
	out := make([]string, 0, len(r))
	for k := range r {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// String returns the value of col as a string when it is a non-empty string.
func (r Record) String(col string) (string, bool) {
	s, ok := r[col].(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

// ColumnType is the coarse type class of a column. It drives both value
// coercion in the normalizer and DDL type selection in the storage dialects.
type ColumnType int

const (
	String ColumnType = iota
	Date
	DateTime
	Float
	Integer
	Boolean
	JSON
)

func (t ColumnType) String() string {
	switch t {
	case Date:
		return "date"
	case DateTime:
		return "datetime"
	case Float:
		return "float"
	case Integer:
		return "integer"
	case Boolean:
		return "boolean"
	case JSON:
		return "json"
	default:
		return "string"
	}
}

// Column is a named, typed column.
type Column struct {
	Name string
	Type ColumnType
}

// Batch is a set of rows bound for one table together with the column → type
// map the rows were produced under. Columns lists every column that appears
// in at least one row, in first-seen order.
type Batch struct {
	Table   string
	Columns []string
	Types   map[string]ColumnType
	Rows    []Record

	index map[string]struct{}
}

// NewBatch creates an empty batch for table.
func NewBatch(table string) *Batch {
	return &Batch{Table: table, Types: map[string]ColumnType{}}
}

// Add appends r and records any column not seen before. Unknown columns are
// typed String unless the batch already carries a type for them.
func (b *Batch) Add(r Record) {
	if b.index == nil {
		b.index = make(map[string]struct{}, len(b.Columns))
		for _, c := range b.Columns {
			b.index[c] = struct{}{}
		}
	}
	for _, c := range r.Columns() {
		if _, ok := b.index[c]; ok {
			continue
		}
		b.index[c] = struct{}{}
		b.Columns = append(b.Columns, c)
		if _, ok := b.Types[c]; !ok {
			b.Types[c] = String
		}
	}
	b.Rows = append(b.Rows, r)
}

// Len returns the number of rows.
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Rows)
}

// Type returns the declared type of col, defaulting to String.
func (b *Batch) Type(col string) ColumnType {
	if t, ok := b.Types[col]; ok {
		return t
	}
	return String
}

// Rebuild recomputes Columns from the current rows, keeping the existing
// order for columns that survive and appending new ones in sorted order.
func (b *Batch) Rebuild() {
	present := map[string]struct{}{}
	for _, r := range b.Rows {
		for c := range r {
			present[c] = struct{}{}
		}
	}
	cols := make([]string, 0, len(present))
	for _, c := range b.Columns {
		if _, ok := present[c]; ok {
			cols = append(cols, c)
			delete(present, c)
		}
	}
	rest := make([]string, 0, len(present))
	for c := range present {
		rest = append(rest, c)
	}
	sort.Strings(rest)
	b.Columns = append(cols, rest...)
	b.index = nil
	for _, c := range b.Columns {
		if _, ok := b.Types[c]; !ok {
			b.Types[c] = String
		}
	}
}
