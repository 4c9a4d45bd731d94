// Package probe inspects a bulk export archive without loading it.
//
// For each shard family it samples rows from the first shard, infers a coarse
// type per column, counts distinct values, and compares the result against
// the schema registry. The report answers two questions before an ingest:
//
//   - which columns will arrive as schema drift (present in the archive but not
//     declared, so the writer adds them as VARCHAR), and
//   - which declared columns the archive no longer carries.
//
// The probe never writes to a database.
package probe

import (
	"fmt"
	"sort"
	"strings"

	"mastr/internal/schema"
	"mastr/internal/shard"
	"mastr/pkg/records"
)

// Logger is the logging seam; *log.Logger satisfies it.
type Logger interface {
	Printf(format string, v ...any)
}

type discardLogger struct{}

func (discardLogger) Printf(string, ...any) {}

// Options control sampling.
type Options struct {
	// SampleRows bounds the rows examined per family. <= 0 means 500.
	SampleRows int
	// Families restricts the probe to these family names (case-insensitive).
	// Empty probes every family in the archive.
	Families []string
	Log      Logger
}

func (o Options) withDefaults() Options {
	if o.SampleRows <= 0 {
		o.SampleRows = 500
	}
	if o.Log == nil {
		o.Log = discardLogger{}
	}
	return o
}

// distinctCap bounds the distinct-value set kept per column.
const distinctCap = 10000

// ColumnStat describes one sampled column.
type ColumnStat struct {
	Name string
	// Seen counts sampled rows with a non-empty value.
	Seen int
	// Distinct counts distinct values, capped at distinctCap.
	Distinct int
	Capped   bool
	Inferred records.ColumnType
	Declared records.ColumnType
	// IsDeclared is false for schema drift columns.
	IsDeclared bool
	// Catalog is set for catalog-coded columns.
	Catalog bool
}

// FamilyReport is the probe result of one shard family.
type FamilyReport struct {
	Family     string
	Table      string
	Registered bool
	Shards     int
	Sampled    int
	Columns    []ColumnStat
	// Undeclared lists sampled columns the registry does not declare.
	Undeclared []string
	// NeverSeen lists declared columns absent from the sample.
	NeverSeen []string
	// Mismatched lists declared typed columns whose sampled values do not
	// parse as the declared type.
	Mismatched []string
}

// Report is the probe result of one archive.
type Report struct {
	Path     string
	Families []FamilyReport
}

// Archive probes the archive at path.
func Archive(path string, opt Options) (Report, error) {
	opt = opt.withDefaults()
	a, err := shard.Open(path)
	if err != nil {
		return Report{}, err
	}
	defer a.Close()
	a.SetLogger(opt.Log)

	want := map[string]bool{}
	for _, f := range opt.Families {
		want[strings.ToLower(strings.TrimSpace(f))] = true
	}
	keep := func(family string) bool {
		return len(want) == 0 || want[strings.ToLower(family)]
	}

	rep := Report{Path: path}
	for _, family := range a.Families() {
		if !keep(family) || isFixedShard(family) {
			continue
		}
		entries := a.Entries(func(f string) bool { return strings.EqualFold(f, family) })
		s, err := a.Read(entries[0])
		if err != nil {
			return rep, fmt.Errorf("probe %s: %w", family, err)
		}
		rows := s.Batch.Rows
		if len(rows) > opt.SampleRows {
			rows = rows[:opt.SampleRows]
		}
		fr := Sample(family, rows)
		fr.Shards = len(entries)
		opt.Log.Printf("probe family=%s table=%s shards=%d sampled=%d undeclared=%d never_seen=%d",
			family, fr.Table, fr.Shards, fr.Sampled, len(fr.Undeclared), len(fr.NeverSeen))
		rep.Families = append(rep.Families, fr)
	}
	return rep, nil
}

func isFixedShard(family string) bool {
	for _, f := range []string{schema.ShardCatalogValues, schema.ShardCatalogCategories, schema.ShardUnitTypes} {
		if strings.EqualFold(f, family) {
			return true
		}
	}
	return false
}

// Sample builds the report of one family from sampled raw rows. Column names
// are mapped through the registry renames before they are compared.
func Sample(family string, rows []records.Record) FamilyReport {
	fr := FamilyReport{Family: family, Sampled: len(rows)}
	t, ok := schema.FamilyTable(family)
	fr.Registered = ok
	if ok {
		fr.Table = t.Name
	}

	values := map[string][]string{}
	var order []string
	for _, r := range rows {
		for _, c := range r.Columns() {
			s, ok := r.String(c)
			if !ok {
				continue
			}
			name := c
			if fr.Registered {
				name = t.Rename(c)
			}
			if _, seen := values[name]; !seen {
				order = append(order, name)
			}
			values[name] = append(values[name], strings.TrimSpace(s))
		}
	}
	sort.Strings(order)

	for _, name := range order {
		vs := values[name]
		st := ColumnStat{Name: name, Seen: len(vs), Inferred: InferType(vs)}
		st.Distinct, st.Capped = distinct(vs)
		st.Catalog = schema.IsCatalogColumn(name) || schema.IsCatalogListColumn(name)
		if fr.Registered {
			if c, ok := t.Spec().Column(name); ok {
				st.IsDeclared = true
				st.Declared = c.Type
				if mismatch(st) {
					fr.Mismatched = append(fr.Mismatched, name)
				}
			} else {
				fr.Undeclared = append(fr.Undeclared, name)
			}
		}
		fr.Columns = append(fr.Columns, st)
	}

	if fr.Registered {
		for _, c := range t.Columns {
			if _, ok := values[c.Name]; !ok {
				fr.NeverSeen = append(fr.NeverSeen, c.Name)
			}
		}
	}
	return fr
}

// mismatch reports a declared typed column whose samples did not parse.
// Catalog-coded columns carry integer codes in the archive and are exempt.
func mismatch(st ColumnStat) bool {
	if st.Catalog || st.Seen == 0 {
		return false
	}
	switch st.Declared {
	case records.String, records.JSON:
		return false
	case records.Float:
		return st.Inferred != records.Float && st.Inferred != records.Integer
	case records.DateTime:
		return st.Inferred != records.DateTime && st.Inferred != records.Date
	case records.Boolean:
		return st.Inferred != records.Boolean && st.Inferred != records.Integer
	default:
		return st.Inferred != st.Declared
	}
}

func distinct(vs []string) (int, bool) {
	set := make(map[string]struct{}, min(len(vs), distinctCap))
	for _, v := range vs {
		set[v] = struct{}{}
		if len(set) >= distinctCap {
			return distinctCap, true
		}
	}
	return len(set), false
}

// Text renders the report for terminals. Families are listed in archive
// order; drift columns are marked with "+", missing declared ones with "-".
func (r Report) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "archive: %s\tfamilies=%d\n", r.Path, len(r.Families))
	for _, f := range r.Families {
		table := f.Table
		if !f.Registered {
			table = "(unregistered)"
		}
		fmt.Fprintf(&b, "\n%s -> %s\tshards=%d\tsampled=%d\n", f.Family, table, f.Shards, f.Sampled)
		for _, c := range f.Undeclared {
			fmt.Fprintf(&b, "  + %s\n", c)
		}
		for _, c := range f.NeverSeen {
			fmt.Fprintf(&b, "  - %s\n", c)
		}
		for _, c := range f.Mismatched {
			fmt.Fprintf(&b, "  ! %s\n", c)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// ColumnsText renders the per-column statistics of one family.
func (f FamilyReport) ColumnsText() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-40s\t%-8s\t%-8s\t%-7s\t%s\n", "col", "inferred", "declared", "rows", "unique")
	for _, c := range f.Columns {
		declared := "-"
		if c.IsDeclared {
			declared = c.Declared.String()
		}
		uniq := fmt.Sprintf("%d", c.Distinct)
		if c.Capped {
			uniq += "+"
		}
		fmt.Fprintf(&b, "%-40s\t%-8s\t%-8s\t%-7d\t%s\n", c.Name, c.Inferred, declared, c.Seen, uniq)
	}
	return strings.TrimRight(b.String(), "\n")
}
