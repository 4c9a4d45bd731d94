package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"mastr/pkg/records"
)

// Logger is the minimal logging seam used by the storage layer.
type Logger interface {
	Printf(format string, v ...any)
}

type discardLogger struct{}

func (discardLogger) Printf(string, ...any) {}

// Querier is the subset of *sql.DB / *sql.Tx used by callers that run their
// own statements (request book, export).
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB is a database handle paired with its dialect. It caches each table's
// column set so schema drift can be detected without a round-trip per batch.
//
// Concurrency:
//   - Safe for concurrent use. The column cache is mutex-guarded; statements
//     go through the *sql.DB connection pool.
type DB struct {
	raw *sql.DB
	d   Dialect
	log Logger

	mu   sync.Mutex
	cols map[string]map[string]string // table -> lower(col) -> col
}

// NewDB wraps an open *sql.DB.
func NewDB(raw *sql.DB, d Dialect) *DB {
	return &DB{raw: raw, d: d, log: discardLogger{}, cols: map[string]map[string]string{}}
}

// SetLogger replaces the discard logger.
func (db *DB) SetLogger(l Logger) {
	if l != nil {
		db.log = l
	}
}

// Dialect returns the backend dialect.
func (db *DB) Dialect() Dialect { return db.d }

// SQL exposes the underlying handle.
func (db *DB) SQL() *sql.DB { return db.raw }

// Close releases the connection pool.
func (db *DB) Close() error { return db.raw.Close() }

// Ping verifies connectivity.
func (db *DB) Ping(ctx context.Context) error { return db.raw.PingContext(ctx) }

// Quote quotes an identifier for this backend.
func (db *DB) Quote(ident string) string { return db.d.Quote(ident) }

// ExecContext runs a statement outside any transaction.
func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.raw.ExecContext(ctx, query, args...)
}

// QueryContext runs a query outside any transaction.
func (db *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.raw.QueryContext(ctx, query, args...)
}

// QueryRowContext runs a single-row query outside any transaction.
func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return db.raw.QueryRowContext(ctx, query, args...)
}

// InTx runs fn inside one transaction, committing when fn returns nil.
func (db *DB) InTx(ctx context.Context, fn func(q Querier) error) error {
	tx, err := db.raw.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// EnsureTable creates the table when missing and adds any declared column
// the existing table lacks.
//
// This keeps API-mode startup idempotent across registry upgrades.
func (db *DB) EnsureTable(ctx context.Context, spec TableSpec) error {
	if strings.TrimSpace(spec.Name) == "" {
		return fmt.Errorf("storage: table name is empty")
	}
	if _, err := db.raw.ExecContext(ctx, db.d.CreateTableSQL(spec)); err != nil {
		return &WriteError{Table: spec.Name, Op: "create", Err: err}
	}
	db.forget(spec.Name)

	existing, err := db.columnSet(ctx, spec.Name)
	if err != nil {
		return err
	}
	for _, c := range spec.Columns {
		if _, ok := existing[strings.ToLower(c.Name)]; ok {
			continue
		}
		if err := db.AddColumn(ctx, spec.Name, c); err != nil {
			return err
		}
	}
	return nil
}

// ReplaceTable drops and recreates the table with its declared columns.
func (db *DB) ReplaceTable(ctx context.Context, spec TableSpec) error {
	if _, err := db.raw.ExecContext(ctx, db.d.DropTableSQL(spec.Name)); err != nil {
		return &WriteError{Table: spec.Name, Op: "drop", Err: err}
	}
	db.forget(spec.Name)
	if _, err := db.raw.ExecContext(ctx, db.d.CreateTableSQL(spec)); err != nil {
		return &WriteError{Table: spec.Name, Op: "create", Err: err}
	}
	return nil
}

// AddColumn executes ALTER TABLE ... ADD for col. String columns become
// nullable VARCHAR (or the backend's equivalent).
func (db *DB) AddColumn(ctx context.Context, table string, col records.Column) error {
	if _, err := db.raw.ExecContext(ctx, db.d.AddColumnSQL(table, col)); err != nil {
		// A concurrent writer or a stale cache may already have added it.
		db.forget(table)
		if set, cerr := db.columnSet(ctx, table); cerr == nil {
			if _, ok := set[strings.ToLower(col.Name)]; ok {
				return nil
			}
		}
		return &WriteError{Table: table, Op: "add column " + col.Name, Err: err}
	}
	db.mu.Lock()
	if set, ok := db.cols[table]; ok {
		set[strings.ToLower(col.Name)] = col.Name
	}
	db.mu.Unlock()
	db.log.Printf("table=%s added column=%s type=%s", table, col.Name, col.Type)
	return nil
}

// TableColumns returns the table's current columns in database order.
func (db *DB) TableColumns(ctx context.Context, table string) ([]string, error) {
	q := fmt.Sprintf("SELECT * FROM %s WHERE 1=0", db.d.Quote(table))
	rows, err := db.raw.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("columns %s: %w", table, err)
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("columns %s: %w", table, err)
	}
	return cols, rows.Err()
}

// TableExists reports whether table can be selected from.
func (db *DB) TableExists(ctx context.Context, table string) bool {
	_, err := db.TableColumns(ctx, table)
	return err == nil
}

func (db *DB) columnSet(ctx context.Context, table string) (map[string]string, error) {
	db.mu.Lock()
	set, ok := db.cols[table]
	db.mu.Unlock()
	if ok {
		return set, nil
	}
	cols, err := db.TableColumns(ctx, table)
	if err != nil {
		return nil, err
	}
	set = make(map[string]string, len(cols))
	for _, c := range cols {
		set[strings.ToLower(c)] = c
	}
	db.mu.Lock()
	db.cols[table] = set
	db.mu.Unlock()
	return set, nil
}

func (db *DB) forget(table string) {
	db.mu.Lock()
	delete(db.cols, table)
	db.mu.Unlock()
}

// MaxTime returns max(col) over rows matching where (which may be empty).
// ok is false when the table holds no matching non-null value.
func (db *DB) MaxTime(ctx context.Context, table, col, where string, args ...any) (t time.Time, ok bool, err error) {
	q := fmt.Sprintf("SELECT MAX(%s) FROM %s", db.d.Quote(col), db.d.Quote(table))
	if where != "" {
		q += " WHERE " + where
	}
	var v any
	if err := db.raw.QueryRowContext(ctx, q, args...).Scan(&v); err != nil {
		return time.Time{}, false, fmt.Errorf("max %s.%s: %w", table, col, err)
	}
	t, ok = AsTime(v)
	return t, ok, nil
}

// Placeholders renders n placeholders starting at the given 1-based index,
// joined by ", ".
func (db *DB) Placeholders(start, n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(db.d.Placeholder(start + i))
	}
	return b.String()
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// AsTime converts a driver-returned value into a time.Time. SQLite hands
// back aggregates over timestamp columns as text, other drivers as time.Time.
func AsTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, !t.IsZero()
	case string:
		return parseTimeText(t)
	case []byte:
		return parseTimeText(string(t))
	default:
		return time.Time{}, false
	}
}

func parseTimeText(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, lay := range timeLayouts {
		if t, err := time.Parse(lay, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
