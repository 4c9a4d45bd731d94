package storage

import (
	"errors"
	"fmt"

	"mastr/pkg/records"
)

// ErrorClass is the writer-relevant classification of a backend error.
type ErrorClass int

const (
	// ErrOther is any error the writer cannot recover from locally.
	ErrOther ErrorClass = iota
	// ErrUnknownColumn means an insert named a column the table lacks.
	// The detail string carries the column name.
	ErrUnknownColumn
	// ErrBadValue means a typed column rejected a literal. The detail string
	// carries the offending literal when the backend reports it.
	ErrBadValue
)

func (c ErrorClass) String() string {
	switch c {
	case ErrUnknownColumn:
		return "unknown-column"
	case ErrBadValue:
		return "bad-value"
	default:
		return "other"
	}
}

// InsertMode selects the conflict behavior of a multi-row insert.
type InsertMode int

const (
	// InsertPlain fails on key conflicts.
	InsertPlain InsertMode = iota
	// InsertIgnore skips rows whose key already exists.
	InsertIgnore
	// InsertReplace updates every non-key column of an existing row.
	InsertReplace
	// InsertNewer updates an existing row only when the incoming guard
	// column is strictly greater than the stored one (or the stored one is NULL).
	InsertNewer
)

// InsertStmt is the shape of one generated multi-row insert.
type InsertStmt struct {
	Table   string
	Columns []string
	Rows    int
	Mode    InsertMode
	Key     []string
	Guard   string
}

// Dialect captures every SQL difference between backends. One DB and one
// Writer serve all backends by delegating here.
type Dialect interface {
	// Name is the registered backend kind ("sqlite", "postgres", ...).
	Name() string
	// DriverName is the database/sql driver name to open.
	DriverName() string

	Quote(ident string) string
	// Placeholder renders the n-th (1-based) bind parameter.
	Placeholder(n int) string
	// MaxParams bounds the number of bind parameters per statement.
	MaxParams() int

	// SQLType maps a column class to a DDL type. key is true for primary key
	// columns (some backends cannot index unbounded text).
	SQLType(t records.ColumnType, key bool) string
	CreateTableSQL(spec TableSpec) string
	DropTableSQL(table string) string
	AddColumnSQL(table string, col records.Column) string
	InsertSQL(stmt InsertStmt) string
	// LimitSQL wraps a "SELECT <cols> FROM ..." statement body so that at most
	// n rows are returned.
	LimitSQL(selectList, rest string, n int) string

	// Bind converts a normalized value into a driver argument for a column of
	// type t.
	Bind(t records.ColumnType, v any) any
	Classify(err error) (ErrorClass, string)
}

// ClassifiedError wraps a backend error with its writer classification.
type ClassifiedError struct {
	Class  ErrorClass
	Detail string
	Err    error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s (%s %q)", e.Err, e.Class, e.Detail)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// WriteError is returned for failures the writer could not recover from.
// cmd/mastr maps it to the fatal-write exit code.
type WriteError struct {
	Table string
	Op    string
	Err   error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("storage: %s %s: %v", e.Op, e.Table, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// IsWriteError reports whether err (or a wrapped error) is a WriteError.
func IsWriteError(err error) bool {
	var we *WriteError
	return errors.As(err, &we)
}
