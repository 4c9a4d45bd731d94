package storage

import (
	"strings"

	"mastr/pkg/records"
)

// TableSpec is the backend-neutral description of a target table: its name,
// declared columns, and primary key.
//
// The engine carries TableSpec alongside every batch so backends can compare
// the batch's column → type map against what the database already holds.
type TableSpec struct {
	Name       string
	Columns    []records.Column
	PrimaryKey []string
}

// Column returns the declared column with the given name (case-insensitive).
func (t TableSpec) Column(name string) (records.Column, bool) {
	for _, c := range t.Columns {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return records.Column{}, false
}

// Types returns the declared column → type map.
func (t TableSpec) Types() map[string]records.ColumnType {
	out := make(map[string]records.ColumnType, len(t.Columns))
	for _, c := range t.Columns {
		out[c.Name] = c.Type
	}
	return out
}

// SingleKey returns the key column when the table has a single-column
// primary key.
func (t TableSpec) SingleKey() (string, bool) {
	if len(t.PrimaryKey) != 1 {
		return "", false
	}
	return t.PrimaryKey[0], true
}

// IsKey reports whether col is part of the primary key.
func (t TableSpec) IsKey(col string) bool {
	for _, k := range t.PrimaryKey {
		if strings.EqualFold(k, col) {
			return true
		}
	}
	return false
}

// WithColumns returns a copy of t whose column list is extended by any
// columns in extra that are not declared yet, typed String.
func (t TableSpec) WithColumns(extra ...string) TableSpec {
	out := t
	out.Columns = append([]records.Column(nil), t.Columns...)
	for _, c := range extra {
		if _, ok := out.Column(c); ok {
			continue
		}
		out.Columns = append(out.Columns, records.Column{Name: c, Type: records.String})
	}
	return out
}
