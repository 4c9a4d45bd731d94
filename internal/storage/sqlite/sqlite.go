// Package sqlite registers the embedded SQLite backend (modernc.org/sqlite,
// no cgo) under kind "sqlite".
//
// SQLite has no native timestamp type. Dates and timestamps are stored as
// fixed-width UTC text so that the guarded upsert can compare them
// lexically (RFC3339Nano trims trailing zeros and would not sort).
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"mastr/internal/storage"
	"mastr/pkg/records"
)

const (
	dateLayout     = "2006-01-02"
	datetimeLayout = "2006-01-02T15:04:05.000000000Z"
)

func init() {
	storage.Register("sqlite", Open)
}

// Open opens a SQLite database file. When the DSN carries no pragmas, WAL
// journaling and a busy timeout are added so readers do not block the writer.
func Open(ctx context.Context, dsn string) (*sql.DB, storage.Dialect, error) {
	db, err := sql.Open("sqlite", withPragmas(dsn))
	if err != nil {
		return nil, nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return db, Dialect{}, nil
}

func withPragmas(dsn string) string {
	if dsn == "" || strings.Contains(dsn, "_pragma=") || strings.Contains(dsn, ":memory:") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
}

// Dialect implements storage.Dialect for SQLite.
type Dialect struct{}

var _ storage.Dialect = Dialect{}

func (Dialect) Name() string       { return "sqlite" }
func (Dialect) DriverName() string { return "sqlite" }

// Quote uses SQLite "quoted identifiers".
func (Dialect) Quote(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func (Dialect) Placeholder(int) string { return "?" }

// MaxParams stays well below SQLITE_MAX_VARIABLE_NUMBER (32766).
func (Dialect) MaxParams() int { return 30000 }

func (Dialect) SQLType(t records.ColumnType, _ bool) string {
	switch t {
	case records.Date:
		return "DATE"
	case records.DateTime:
		return "TIMESTAMP"
	case records.Float:
		return "REAL"
	case records.Integer:
		return "INTEGER"
	case records.Boolean:
		return "BOOLEAN"
	case records.JSON:
		return "TEXT"
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
	return "ALTER TABLE " + d.Quote(table) + " ADD COLUMN " + d.Quote(col.Name) + " " + d.SQLType(col.Type, false) + " NULL"
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
	b.WriteString(storage.OnConflictSQL(d, stmt, "excluded"))
	return b.String()
}

func (Dialect) LimitSQL(selectList, rest string, n int) string {
	return "SELECT " + selectList + " " + rest + " LIMIT " + strconv.Itoa(n)
}

// Bind renders time values as fixed-width UTC text and booleans as 0/1.
func (Dialect) Bind(t records.ColumnType, v any) any {
	switch x := v.(type) {
	case time.Time:
		if t == records.Date {
			return x.Format(dateLayout)
		}
		return x.UTC().Format(datetimeLayout)
	case bool:
		if x {
			return int64(1)
		}
		return int64(0)
	}
	return v
}

var (
	reNoColumn   = regexp.MustCompile(`has no column named ([^\s(]+)`)
	reNoSuchCol  = regexp.MustCompile(`no such column: ([^\s(]+)`)
	reDatatype   = regexp.MustCompile(`datatype mismatch`)
	reConstraint = regexp.MustCompile(`CHECK constraint failed`)
)

// Classify relies on message text; modernc wraps SQLite result codes in
// messages like "SQL logic error: table t has no column named x (1)".
//
// SQLite columns accept any value, so a value-domain error only comes from a
// non-integer in an INTEGER key or from a CHECK constraint. Neither message
// names the literal and a key must not be nulled, so ErrBadValue carries no
// detail here and the writer goes straight to row-by-row skipping.
func (Dialect) Classify(err error) (storage.ErrorClass, string) {
	if err == nil {
		return storage.ErrOther, ""
	}
	var ce *storage.ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class, ce.Detail
	}
	msg := err.Error()
	if m := reNoColumn.FindStringSubmatch(msg); m != nil {
		return storage.ErrUnknownColumn, strings.Trim(m[1], `"`)
	}
	if m := reNoSuchCol.FindStringSubmatch(msg); m != nil {
		return storage.ErrUnknownColumn, strings.Trim(m[1], `"`)
	}
	if reDatatype.MatchString(msg) || reConstraint.MatchString(msg) {
		return storage.ErrBadValue, ""
	}
	return storage.ErrOther, ""
}
