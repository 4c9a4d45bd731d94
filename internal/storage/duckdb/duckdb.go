// Package duckdb registers the embedded DuckDB backend under kind "duckdb".
// It suits analytical use of the mirror: the export joins run in-process
// over columnar storage.
package duckdb

import (
	"context"
	"database/sql"
	"regexp"
	"strconv"
	"strings"

	_ "github.com/duckdb/duckdb-go/v2"

	"mastr/internal/storage"
	"mastr/pkg/records"
)

func init() {
	storage.Register("duckdb", Open)
}

// Open opens a DuckDB database file ("" means in-memory).
func Open(ctx context.Context, dsn string) (*sql.DB, storage.Dialect, error) {
	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return db, Dialect{}, nil
}

// Dialect implements storage.Dialect for DuckDB.
type Dialect struct{}

var _ storage.Dialect = Dialect{}

func (Dialect) Name() string       { return "duckdb" }
func (Dialect) DriverName() string { return "duckdb" }

func (Dialect) Quote(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func (Dialect) Placeholder(int) string { return "?" }

func (Dialect) MaxParams() int { return 60000 }

func (Dialect) SQLType(t records.ColumnType, _ bool) string {
	switch t {
	case records.Date:
		return "DATE"
	case records.DateTime:
		return "TIMESTAMPTZ"
	case records.Float:
		return "DOUBLE"
	case records.Integer:
		return "BIGINT"
	case records.Boolean:
		return "BOOLEAN"
	default:
		return "VARCHAR"
	}
}

func (d Dialect) CreateTableSQL(spec storage.TableSpec) string {
	return "CREATE TABLE IF NOT EXISTS " + d.Quote(spec.Name) + " (" + storage.ColumnDefs(d, spec, false) + ")"
}

func (d Dialect) DropTableSQL(table string) string {
	return "DROP TABLE IF EXISTS " + d.Quote(table)
}

func (d Dialect) AddColumnSQL(table string, col records.Column) string {
	return "ALTER TABLE " + d.Quote(table) + " ADD COLUMN IF NOT EXISTS " + d.Quote(col.Name) + " " + d.SQLType(col.Type, false)
}

func (d Dialect) InsertSQL(stmt storage.InsertStmt) string {
	var b strings.Builder
	if stmt.Mode == storage.InsertIgnore {
		b.WriteString("INSERT OR IGNORE INTO ")
	} else {
		b.WriteString("INSERT INTO ")
	}
	b.WriteString(d.Quote(stmt.Table))
	b.WriteString(" (")
	b.WriteString(storage.ColumnList(d, stmt.Columns))
	b.WriteString(") VALUES ")
	b.WriteString(storage.ValuesList(d, stmt.Rows, len(stmt.Columns)))
	b.WriteString(storage.OnConflictSQL(d, stmt, "EXCLUDED"))
	return b.String()
}

func (Dialect) LimitSQL(selectList, rest string, n int) string {
	return "SELECT " + selectList + " " + rest + " LIMIT " + strconv.Itoa(n)
}

func (Dialect) Bind(_ records.ColumnType, v any) any { return v }

var (
	reMissingColumn = regexp.MustCompile(`does not have a column with name "([^"]+)"`)
	reConvertString = regexp.MustCompile(`Could not convert string '([^']*)'`)
	reQuotedValue   = regexp.MustCompile(`Conversion Error: .*"([^"]*)"`)
)

// Classify matches DuckDB's "<Type> Error: message" texts.
func (Dialect) Classify(err error) (storage.ErrorClass, string) {
	if err == nil {
		return storage.ErrOther, ""
	}
	msg := err.Error()
	if m := reMissingColumn.FindStringSubmatch(msg); m != nil {
		return storage.ErrUnknownColumn, m[1]
	}
	if strings.Contains(msg, "Conversion Error") {
		if m := reConvertString.FindStringSubmatch(msg); m != nil {
			return storage.ErrBadValue, m[1]
		}
		if m := reQuotedValue.FindStringSubmatch(msg); m != nil {
			return storage.ErrBadValue, m[1]
		}
		return storage.ErrBadValue, ""
	}
	return storage.ErrOther, ""
}
