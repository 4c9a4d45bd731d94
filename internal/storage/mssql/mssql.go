// Package mssql registers the Microsoft SQL Server backend under kind "mssql".
//
// SQL Server has no ON CONFLICT clause. Ignore-conflict inserts use
// INSERT ... SELECT ... WHERE NOT EXISTS over a VALUES derived table, and
// upserts use MERGE. Primary key columns are NVARCHAR(450) so they stay
// within the index key size limit.
package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	mssql "github.com/microsoft/go-mssqldb"

	"mastr/internal/storage"
	"mastr/pkg/records"
)

func init() {
	storage.Register("mssql", Open)
}

// Open connects through the "sqlserver" driver registered by go-mssqldb.
func Open(ctx context.Context, dsn string) (*sql.DB, storage.Dialect, error) {
	raw, err := sql.Open("sqlserver", dsn)
	if err != nil {
		return nil, nil, err
	}

	// Conservative defaults for bursty loads.
	raw.SetMaxOpenConns(64)
	raw.SetMaxIdleConns(64)

	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, nil, err
	}
	return raw, Dialect{}, nil
}

// Dialect implements storage.Dialect for SQL Server.
type Dialect struct{}

var _ storage.Dialect = Dialect{}

func (Dialect) Name() string       { return "mssql" }
func (Dialect) DriverName() string { return "sqlserver" }

// Quote returns a bracket-quoted identifier, escaping ']' as ']]'.
func (Dialect) Quote(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

func (Dialect) Placeholder(n int) string { return "@p" + strconv.Itoa(n) }

// MaxParams stays below the 2100 parameter limit of a single RPC.
func (Dialect) MaxParams() int { return 2000 }

func (Dialect) SQLType(t records.ColumnType, key bool) string {
	switch t {
	case records.Date:
		return "DATE"
	case records.DateTime:
		return "DATETIME2"
	case records.Float:
		return "FLOAT"
	case records.Integer:
		return "BIGINT"
	case records.Boolean:
		return "BIT"
	}
	if key {
		return "NVARCHAR(450)"
	}
	return "NVARCHAR(MAX)"
}

// CreateTableSQL wraps CREATE TABLE in an OBJECT_ID guard.
func (d Dialect) CreateTableSQL(spec storage.TableSpec) string {
	return fmt.Sprintf(
		"IF OBJECT_ID(N'%s', N'U') IS NULL BEGIN CREATE TABLE %s (%s); END;",
		strings.ReplaceAll(spec.Name, "'", "''"),
		d.Quote(spec.Name),
		storage.ColumnDefs(d, spec, true),
	)
}

func (d Dialect) DropTableSQL(table string) string {
	return fmt.Sprintf("IF OBJECT_ID(N'%s', N'U') IS NOT NULL DROP TABLE %s;",
		strings.ReplaceAll(table, "'", "''"), d.Quote(table))
}

func (d Dialect) AddColumnSQL(table string, col records.Column) string {
	return "ALTER TABLE " + d.Quote(table) + " ADD " + d.Quote(col.Name) + " " + d.SQLType(col.Type, false) + " NULL"
}

func (d Dialect) InsertSQL(stmt storage.InsertStmt) string {
	switch stmt.Mode {
	case storage.InsertIgnore:
		return d.insertNotExistsSQL(stmt)
	case storage.InsertReplace, storage.InsertNewer:
		if len(stmt.Key) > 0 {
			return d.mergeSQL(stmt)
		}
	}
	return "INSERT INTO " + d.Quote(stmt.Table) + " (" + storage.ColumnList(d, stmt.Columns) + ") VALUES " +
		storage.ValuesList(d, stmt.Rows, len(stmt.Columns))
}

// insertNotExistsSQL materializes incoming rows as a derived table v and
// inserts only those rows whose key is not stored yet.
func (d Dialect) insertNotExistsSQL(stmt storage.InsertStmt) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(d.Quote(stmt.Table))
	b.WriteString(" (")
	b.WriteString(storage.ColumnList(d, stmt.Columns))
	b.WriteString(") SELECT ")
	b.WriteString(storage.PrefixedColumnList(d, "v", stmt.Columns))
	b.WriteString(" FROM (VALUES ")
	b.WriteString(storage.ValuesList(d, stmt.Rows, len(stmt.Columns)))
	b.WriteString(") AS v(")
	b.WriteString(storage.ColumnList(d, stmt.Columns))
	b.WriteString(")")
	if len(stmt.Key) > 0 {
		b.WriteString(" WHERE NOT EXISTS (SELECT 1 FROM ")
		b.WriteString(d.Quote(stmt.Table))
		b.WriteString(" t WHERE ")
		for i, k := range stmt.Key {
			if i > 0 {
				b.WriteString(" AND ")
			}
			b.WriteString("t." + d.Quote(k) + " = v." + d.Quote(k))
		}
		b.WriteString(")")
	}
	return b.String()
}

func (d Dialect) mergeSQL(stmt storage.InsertStmt) string {
	var b strings.Builder
	b.WriteString("MERGE INTO ")
	b.WriteString(d.Quote(stmt.Table))
	b.WriteString(" WITH (HOLDLOCK) AS tgt USING (VALUES ")
	b.WriteString(storage.ValuesList(d, stmt.Rows, len(stmt.Columns)))
	b.WriteString(") AS src (")
	b.WriteString(storage.ColumnList(d, stmt.Columns))
	b.WriteString(") ON ")
	for i, k := range stmt.Key {
		if i > 0 {
			b.WriteString(" AND ")
		}
		b.WriteString("tgt." + d.Quote(k) + " = src." + d.Quote(k))
	}
	if set := storage.NonKeyColumns(stmt.Columns, stmt.Key); len(set) > 0 {
		b.WriteString(" WHEN MATCHED")
		if stmt.Mode == storage.InsertNewer && stmt.Guard != "" {
			g := d.Quote(stmt.Guard)
			b.WriteString(" AND (tgt." + g + " IS NULL OR src." + g + " > tgt." + g + ")")
		}
		b.WriteString(" THEN UPDATE SET ")
		b.WriteString(storage.AssignList(d, "src", set))
	}
	b.WriteString(" WHEN NOT MATCHED THEN INSERT (")
	b.WriteString(storage.ColumnList(d, stmt.Columns))
	b.WriteString(") VALUES (")
	b.WriteString(storage.PrefixedColumnList(d, "src", stmt.Columns))
	b.WriteString(");")
	return b.String()
}

func (Dialect) LimitSQL(selectList, rest string, n int) string {
	return "SELECT TOP (" + strconv.Itoa(n) + ") " + selectList + " " + rest
}

func (Dialect) Bind(_ records.ColumnType, v any) any { return v }

// Server error numbers the writer recovers from.
const (
	errInvalidColumn      = 207
	errConvertChar        = 245
	errConvertDatetime    = 241
	errDatetimeRange      = 242
	errConvertType        = 8114
	errArithmeticOverflow = 8115
)

var (
	reQuoted   = regexp.MustCompile(`'([^']+)'`)
	reValueLit = regexp.MustCompile(`value '([^']*)'`)
)

func (Dialect) Classify(err error) (storage.ErrorClass, string) {
	var me mssql.Error
	if !errors.As(err, &me) {
		return storage.ErrOther, ""
	}
	switch me.Number {
	case errInvalidColumn:
		if m := reQuoted.FindStringSubmatch(me.Message); m != nil {
			return storage.ErrUnknownColumn, m[1]
		}
		return storage.ErrUnknownColumn, ""
	case errConvertChar, errConvertDatetime, errDatetimeRange, errConvertType, errArithmeticOverflow:
		if m := reValueLit.FindStringSubmatch(me.Message); m != nil {
			return storage.ErrBadValue, m[1]
		}
		return storage.ErrBadValue, ""
	}
	return storage.ErrOther, ""
}
