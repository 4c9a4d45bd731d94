// Package postgres registers the Postgres backend (pgx v5 through its
// database/sql adapter) under kind "postgres".
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"

	"mastr/internal/storage"
	"mastr/pkg/records"
)

func init() {
	storage.Register("postgres", Open)
}

// Open parses the DSN with pgx and wraps the connector as a *sql.DB.
func Open(ctx context.Context, dsn string) (*sql.DB, storage.Dialect, error) {
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, nil, err
	}
	db := stdlib.OpenDB(*cfg)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return db, Dialect{}, nil
}

// Dialect implements storage.Dialect for Postgres.
type Dialect struct{}

var _ storage.Dialect = Dialect{}

func (Dialect) Name() string       { return "postgres" }
func (Dialect) DriverName() string { return "pgx" }

// Quote returns a double-quoted identifier. Quoting preserves the registry's
// mixed-case column names.
func (Dialect) Quote(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func (Dialect) Placeholder(n int) string { return "$" + strconv.Itoa(n) }

func (Dialect) MaxParams() int { return 65535 }

func (Dialect) SQLType(t records.ColumnType, _ bool) string {
	switch t {
	case records.Date:
		return "DATE"
	case records.DateTime:
		return "TIMESTAMPTZ"
	case records.Float:
		return "DOUBLE PRECISION"
	case records.Integer:
		return "BIGINT"
	case records.Boolean:
		return "BOOLEAN"
	case records.JSON:
		return "JSONB"
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
	return "ALTER TABLE " + d.Quote(table) + " ADD COLUMN IF NOT EXISTS " + d.Quote(col.Name) + " " + d.SQLType(col.Type, false) + " NULL"
}

func (d Dialect) InsertSQL(stmt storage.InsertStmt) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(d.Quote(stmt.Table))
	b.WriteString(" (")
	b.WriteString(storage.ColumnList(d, stmt.Columns))
	b.WriteString(") VALUES ")
	b.WriteString(storage.ValuesList(d, stmt.Rows, len(stmt.Columns)))
	if stmt.Mode == storage.InsertIgnore {
		b.WriteString(" ON CONFLICT DO NOTHING")
	} else {
		b.WriteString(storage.OnConflictSQL(d, stmt, "EXCLUDED"))
	}
	return b.String()
}

func (Dialect) LimitSQL(selectList, rest string, n int) string {
	return "SELECT " + selectList + " " + rest + " LIMIT " + strconv.Itoa(n)
}

func (Dialect) Bind(_ records.ColumnType, v any) any { return v }

// SQLSTATE codes the writer recovers from.
const (
	codeUndefinedColumn   = "42703"
	codeInvalidText       = "22P02"
	codeInvalidDatetime   = "22007"
	codeDatetimeOverflow  = "22008"
	codeNumericOutOfRange = "22003"
)

var (
	reQuotedColumn = regexp.MustCompile(`column "([^"]+)"`)
	reTrailingLit  = regexp.MustCompile(`: "([^"]*)"\s*$`)
)

func (Dialect) Classify(err error) (storage.ErrorClass, string) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return storage.ErrOther, ""
	}
	switch pgErr.Code {
	case codeUndefinedColumn:
		if m := reQuotedColumn.FindStringSubmatch(pgErr.Message); m != nil {
			return storage.ErrUnknownColumn, m[1]
		}
		return storage.ErrUnknownColumn, ""
	case codeInvalidText, codeInvalidDatetime, codeDatetimeOverflow, codeNumericOutOfRange:
		if m := reTrailingLit.FindStringSubmatch(pgErr.Message); m != nil {
			return storage.ErrBadValue, m[1]
		}
		return storage.ErrBadValue, ""
	}
	return storage.ErrOther, ""
}
