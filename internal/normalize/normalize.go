// Package normalize turns raw shard or API rows into rows ready for the
// writer: renamed, flattened, typed, padded, catalog-decoded, and stamped
// with provenance. Normalizing an already normalized row is a no-op.
package normalize

import (
	"strconv"
	"strings"
	"time"

	"mastr/internal/catalog"
	"mastr/internal/flatten"
	"mastr/internal/schema"
	"mastr/pkg/records"
)

// Options control one normalizer.
type Options struct {
	// Source is stamped into the source column.
	Source string
	// DownloadDate is stamped into download_date; its clock is dropped.
	DownloadDate time.Time
	// Catalog decodes catalog-coded columns. Nil leaves codes untouched.
	Catalog *catalog.Map
	// SkipTypes leaves date and number cells as strings.
	SkipTypes bool
}

// Normalizer applies the row rules of one table.
type Normalizer struct {
	table schema.Table
	opt   Options
	day   time.Time
}

// New returns a normalizer for t.
func New(t schema.Table, opt Options) *Normalizer {
	d := opt.DownloadDate
	if d.IsZero() {
		d = time.Now()
	}
	return &Normalizer{
		table: t,
		opt:   opt,
		day:   time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC),
	}
}

// Table returns the target table.
func (n *Normalizer) Table() schema.Table { return n.table }

// Row normalizes one row. The input is not modified.
func (n *Normalizer) Row(in map[string]any) records.Record {
	renamed := make(map[string]any, len(in))
	for k, v := range in {
		renamed[n.table.Rename(k)] = v
	}
	r := flatten.Record(renamed, n.table)

	for k, v := range r {
		r[k] = n.cell(k, v)
	}
	r[schema.ColSource] = n.opt.Source
	r[schema.ColDownloadDate] = n.day
	return r
}

// Batch normalizes every row of b into a new batch typed by the registry.
func (n *Normalizer) Batch(b *records.Batch) *records.Batch {
	out := records.NewBatch(n.table.Name)
	for c, t := range n.table.Types() {
		out.Types[c] = t
	}
	for _, r := range b.Rows {
		out.Add(n.Row(r))
	}
	return out
}

func (n *Normalizer) cell(col string, v any) any {
	if s, ok := v.(string); ok {
		s = strings.TrimSpace(s)
		if isPlaceholder(s) {
			return nil
		}
		v = s
	}
	if v == nil {
		return nil
	}

	if w, ok := schema.FixedWidth[col]; ok {
		return PadFixedWidth(v, w)
	}
	if n.opt.Catalog != nil {
		switch {
		case schema.IsCatalogColumn(col):
			v = n.opt.Catalog.Resolve(v)
		case schema.IsCatalogListColumn(col):
			v = n.opt.Catalog.ResolveList(v)
		}
	}
	if n.opt.SkipTypes {
		return v
	}
	switch n.table.Type(col) {
	case records.Date:
		return Date(v)
	case records.DateTime:
		return DateTime(v)
	case records.Float:
		return Float(v)
	case records.Integer:
		return Integer(v)
	case records.Boolean:
		return Bool(v)
	}
	return v
}

func isPlaceholder(s string) bool {
	switch strings.ToLower(s) {
	case "", "-", "nan", "none", "null", "nil":
		return true
	}
	return false
}

// PadFixedWidth left-pads a purely numeric value that is exactly one digit
// short of width. Any other value is returned unchanged.
func PadFixedWidth(v any, width int) any {
	var s string
	switch x := v.(type) {
	case string:
		s = x
	case int64:
		s = strconv.FormatInt(x, 10)
	default:
		return v
	}
	if len(s) == width-1 && isDigits(s) {
		return "0" + s
	}
	return s
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05Z07:00",
	"02.01.2006",
}

var dateTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.9999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.9999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Date parses a calendar date. Unparseable values become nil.
func Date(v any) any {
	switch x := v.(type) {
	case time.Time:
		return time.Date(x.Year(), x.Month(), x.Day(), 0, 0, 0, 0, time.UTC)
	case string:
		if t, ok := parseAny(x, dateLayouts); ok {
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		}
	}
	return nil
}

// DateTime parses a timestamp; values without a zone are UTC. Unparseable
// values become nil.
func DateTime(v any) any {
	switch x := v.(type) {
	case time.Time:
		return x.UTC()
	case string:
		if t, ok := parseAny(x, dateTimeLayouts); ok {
			return t.UTC()
		}
	}
	return nil
}

func parseAny(s string, layouts []string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, l := range layouts {
		if t, err := time.Parse(l, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Float parses a decimal; a comma decimal separator is accepted. Other
// values are left for the writer.
func Float(v any) any {
	switch x := v.(type) {
	case float64:
		return x
	case int64:
		return float64(x)
	case string:
		if f, err := strconv.ParseFloat(strings.Replace(x, ",", ".", 1), 64); err == nil {
			return f
		}
	}
	return v
}

// Integer parses a whole number.
func Integer(v any) any {
	switch x := v.(type) {
	case int64:
		return x
	case float64:
		if x == float64(int64(x)) {
			return int64(x)
		}
	case string:
		if i, err := strconv.ParseInt(x, 10, 64); err == nil {
			return i
		}
	}
	return v
}

// Bool parses the boolean spellings of the registry.
func Bool(v any) any {
	switch x := v.(type) {
	case bool:
		return x
	case int64:
		return x != 0
	case string:
		switch strings.ToLower(x) {
		case "1", "true", "ja", "yes":
			return true
		case "0", "false", "nein", "no":
			return false
		}
	}
	return v
}
