// Package export writes mirrored tables to delimited text files.
//
// A unit kind is exported as basic_units restricted to that kind, left-joined
// against its detail tables. Rows are read in keyset chunks ordered by the
// unit key so memory stays bounded regardless of table size.
package export

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"mastr/internal/metrics"
	"mastr/internal/schema"
	"mastr/internal/storage"
)

// DefaultPrefix starts every export file name.
const DefaultPrefix = "bnetza_mastr"

// ErrNoData reports that none of a kind's tables exist.
var ErrNoData = errors.New("no stored data")

// Logger is the logging seam; *log.Logger satisfies it.
type Logger interface {
	Printf(format string, v ...any)
}

type discardLogger struct{}

func (discardLogger) Printf(string, ...any) {}

// Options control file placement and chunking.
type Options struct {
	Dir       string
	Prefix    string
	Ext       string
	ChunkSize int
	Log       Logger
}

func (o Options) withDefaults() Options {
	if o.Prefix == "" {
		o.Prefix = DefaultPrefix
	}
	if o.Ext == "" {
		o.Ext = "csv"
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = 10000
	}
	if o.Log == nil {
		o.Log = discardLogger{}
	}
	return o
}

// Result describes one written file.
type Result struct {
	Table string
	Path  string
	Rows  int
}

// Path returns the file name of table under opt.
func Path(opt Options, table string) string {
	opt = opt.withDefaults()
	return filepath.Join(opt.Dir, fmt.Sprintf("%s_%s_raw.%s", opt.Prefix, table, opt.Ext))
}

// source is one joined table.
type source struct {
	alias  string
	table  string
	suffix string
	on     string
	cols   []string
}

// column is one output column.
type column struct {
	expr string
	name string
}

// Kind exports the units of kind k joined with their detail tables. Detail
// tables that do not exist yet are left out of the join. Without basic_units,
// as after a bulk ingest, the extended table is the base and the other detail
// tables join on the keys it carries.
func Kind(ctx context.Context, db *storage.DB, k schema.UnitKind, opt Options) (res Result, err error) {
	opt = opt.withDefaults()
	start := time.Now()
	defer func() { metrics.RecordStage("export", err, time.Since(start)) }()

	d := db.Dialect()
	base := source{alias: "b", table: schema.TableBasicUnits}
	details := k.Details
	fromBasic := db.TableExists(ctx, base.table)
	if !fromBasic {
		base.table = k.ExtendedTable
		details = nil
		for _, dk := range k.Details {
			if dk != schema.Extended {
				details = append(details, dk)
			}
		}
		if !db.TableExists(ctx, base.table) {
			return Result{}, fmt.Errorf("export %s: %w", k.Name, ErrNoData)
		}
		opt.Log.Printf("export kind=%s basic_units missing, exporting from %s", k.Name, base.table)
	}
	if base.cols, err = db.TableColumns(ctx, base.table); err != nil {
		return Result{}, fmt.Errorf("export %s: %w", k.Name, err)
	}
	srcs := []source{base}
	for i, dk := range details {
		t := dk.Table(k)
		if !db.TableExists(ctx, t) || !hasColumn(base.cols, dk.Key()) {
			continue
		}
		s := source{alias: fmt.Sprintf("d%d", i), table: t, suffix: string(dk)}
		if s.cols, err = db.TableColumns(ctx, t); err != nil {
			return Result{}, fmt.Errorf("export %s: %w", k.Name, err)
		}
		key := d.Quote(dk.Key())
		s.on = s.alias + "." + key + " = b." + key
		srcs = append(srcs, s)
	}

	cols := joinColumns(d, srcs)
	var from strings.Builder
	from.WriteString("FROM " + d.Quote(base.table) + " b")
	for _, s := range srcs[1:] {
		from.WriteString(" LEFT JOIN " + d.Quote(s.table) + " " + s.alias + " ON " + s.on)
	}
	unitKey := "b." + d.Quote("EinheitMastrNummer")
	keyAt := -1
	for i, c := range cols {
		if c.expr == unitKey {
			keyAt = i
			break
		}
	}
	if keyAt < 0 {
		return Result{}, fmt.Errorf("export %s: %s has no EinheitMastrNummer", k.Name, base.table)
	}
	q := query{cols: cols, from: from.String(), key: unitKey, order: unitKey, keyAt: keyAt}
	if fromBasic {
		q.filter = "b." + d.Quote("Einheittyp") + " = ?"
		q.filterArgs = []any{k.Einheittyp}
	}
	return write(ctx, db, k.Name, q, opt)
}

// Table exports one registered table as is, in primary key order.
func Table(ctx context.Context, db *storage.DB, table string, opt Options) (Result, error) {
	opt = opt.withDefaults()
	t, ok := schema.LookupTable(table)
	if !ok {
		return Result{}, fmt.Errorf("export: table %s not registered", table)
	}
	names, err := db.TableColumns(ctx, table)
	if err != nil {
		return Result{}, fmt.Errorf("export %s: %w", table, err)
	}
	d := db.Dialect()
	key := t.PrimaryKey[0]
	keyAt := -1
	cols := make([]column, len(names))
	for i, c := range names {
		cols[i] = column{expr: d.Quote(c), name: c}
		if strings.EqualFold(c, key) {
			keyAt = i
		}
	}
	if keyAt < 0 {
		return Result{}, fmt.Errorf("export %s: key column %s not stored", table, key)
	}
	order := make([]string, len(t.PrimaryKey))
	for i, k := range t.PrimaryKey {
		order[i] = d.Quote(k)
	}
	q := query{cols: cols, from: "FROM " + d.Quote(table), order: strings.Join(order, ", "), keyAt: keyAt}
	// Composite keys have no single cursor column; they stream in one pass.
	if len(t.PrimaryKey) == 1 {
		q.key = order[0]
	}
	return write(ctx, db, table, q, opt)
}

func hasColumn(cols []string, name string) bool {
	for _, c := range cols {
		if strings.EqualFold(c, name) {
			return true
		}
	}
	return false
}

// joinColumns lists every source column. A name already taken by an earlier
// source gets the source suffix.
func joinColumns(d storage.Dialect, srcs []source) []column {
	taken := map[string]bool{}
	var out []column
	for _, s := range srcs {
		for _, c := range s.cols {
			name := c
			if taken[strings.ToLower(name)] {
				name = c + "_" + s.suffix
			}
			taken[strings.ToLower(name)] = true
			out = append(out, column{expr: s.alias + "." + d.Quote(c), name: name})
		}
	}
	return out
}

type query struct {
	cols []column
	from string
	// filter is a fixed condition; each ? takes the next filterArgs value.
	filter     string
	filterArgs []any
	// key is the keyset cursor expression. Empty reads every row in a single
	// statement.
	key   string
	order string
	keyAt int
}

func (q query) selectList(d storage.Dialect) string {
	parts := make([]string, len(q.cols))
	for i, c := range q.cols {
		parts[i] = c.expr + " AS " + d.Quote(c.name)
	}
	return strings.Join(parts, ", ")
}

// rest builds the statement tail after the select list. The first chunk has
// no cursor condition, so the cursor keeps whatever type the key column scans
// to.
func (q query) rest(d storage.Dialect, cursor any, first bool) (string, []any) {
	var conds []string
	args := append([]any(nil), q.filterArgs...)
	if q.filter != "" {
		f := q.filter
		for i := range q.filterArgs {
			f = strings.Replace(f, "?", d.Placeholder(i+1), 1)
		}
		conds = append(conds, f)
	}
	if q.key != "" && !first {
		args = append(args, cursor)
		conds = append(conds, q.key+" > "+d.Placeholder(len(args)))
	}
	s := q.from
	if len(conds) > 0 {
		s += " WHERE " + strings.Join(conds, " AND ")
	}
	return s + " ORDER BY " + q.order, args
}

func write(ctx context.Context, db *storage.DB, name string, q query, opt Options) (Result, error) {
	res := Result{Table: name, Path: Path(opt, name)}
	if err := os.MkdirAll(filepath.Dir(res.Path), 0o755); err != nil {
		return res, fmt.Errorf("export %s: %w", name, err)
	}
	tmp := res.Path + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return res, fmt.Errorf("export %s: %w", name, err)
	}
	defer os.Remove(tmp)

	w := csv.NewWriter(f)
	header := make([]string, len(q.cols))
	for i, c := range q.cols {
		header[i] = c.name
	}
	if err := w.Write(header); err != nil {
		f.Close()
		return res, fmt.Errorf("export %s: %w", name, err)
	}

	d := db.Dialect()
	sel := q.selectList(d)
	var cursor any
	for first := true; ; first = false {
		rest, args := q.rest(d, cursor, first)
		stmt := "SELECT " + sel + " " + rest
		if q.key != "" {
			stmt = d.LimitSQL(sel, rest, opt.ChunkSize)
		}
		n, last, err := copyRows(ctx, db, w, stmt, args, q.keyAt, len(q.cols))
		if err != nil {
			f.Close()
			return res, fmt.Errorf("export %s: %w", name, err)
		}
		res.Rows += n
		if q.key == "" || n < opt.ChunkSize {
			break
		}
		cursor = last
		opt.Log.Printf("export table=%s rows=%d", name, res.Rows)
	}

	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return res, fmt.Errorf("export %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return res, fmt.Errorf("export %s: %w", name, err)
	}
	if err := os.Rename(tmp, res.Path); err != nil {
		return res, fmt.Errorf("export %s: %w", name, err)
	}
	opt.Log.Printf("export table=%s file=%s rows=%d", name, res.Path, res.Rows)
	return res, nil
}

// copyRows writes the rows of stmt and returns the last key value as scanned.
func copyRows(ctx context.Context, db *storage.DB, w *csv.Writer, stmt string, args []any, keyAt, width int) (int, any, error) {
	rows, err := db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return 0, nil, err
	}
	defer rows.Close()

	vals := make([]any, width)
	ptrs := make([]any, width)
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	rec := make([]string, width)
	n := 0
	var last any
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return n, last, err
		}
		for i, v := range vals {
			rec[i] = Cell(v)
		}
		if err := w.Write(rec); err != nil {
			return n, last, err
		}
		last = vals[keyAt]
		if b, ok := last.([]byte); ok {
			last = string(b)
		}
		n++
	}
	return n, last, rows.Err()
}

// Cell renders one database value as text. NULL is the empty string.
func Cell(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case time.Time:
		if x.Hour() == 0 && x.Minute() == 0 && x.Second() == 0 && x.Nanosecond() == 0 {
			return x.Format("2006-01-02")
		}
		return x.UTC().Format("2006-01-02 15:04:05")
	case bool:
		return strconv.FormatBool(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}
