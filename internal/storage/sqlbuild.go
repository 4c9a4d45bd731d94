package storage

import (
	"strings"
)

// The helpers below assemble the statement fragments shared by several
// dialects. They only depend on Dialect.Quote and Dialect.Placeholder.

// ColumnList renders `"a", "b", "c"`.
func ColumnList(d Dialect, cols []string) string {
	var b strings.Builder
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(d.Quote(c))
	}
	return b.String()
}

// PrefixedColumnList renders `p."a", p."b"`.
func PrefixedColumnList(d Dialect, prefix string, cols []string) string {
	var b strings.Builder
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(prefix)
		b.WriteString(".")
		b.WriteString(d.Quote(c))
	}
	return b.String()
}

// ValuesList renders rows × cols placeholder tuples: `(?, ?), (?, ?)`.
func ValuesList(d Dialect, rows, cols int) string {
	var b strings.Builder
	p := 1
	for i := 0; i < rows; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := 0; j < cols; j++ {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteString(d.Placeholder(p))
			p++
		}
		b.WriteString(")")
	}
	return b.String()
}

// NonKeyColumns returns cols minus the key columns (case-insensitive).
func NonKeyColumns(cols, key []string) []string {
	out := make([]string, 0, len(cols))
	for _, c := range cols {
		isKey := false
		for _, k := range key {
			if strings.EqualFold(c, k) {
				isKey = true
				break
			}
		}
		if !isKey {
			out = append(out, c)
		}
	}
	return out
}

// AssignList renders `"a" = src."a", "b" = src."b"`.
func AssignList(d Dialect, src string, cols []string) string {
	var b strings.Builder
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(d.Quote(c))
		b.WriteString(" = ")
		b.WriteString(src)
		b.WriteString(".")
		b.WriteString(d.Quote(c))
	}
	return b.String()
}

// ColumnDefs renders the column definitions and PRIMARY KEY clause of a
// CREATE TABLE statement.
func ColumnDefs(d Dialect, spec TableSpec, notNullKeys bool) string {
	parts := make([]string, 0, len(spec.Columns)+1)
	for _, c := range spec.Columns {
		key := spec.IsKey(c.Name)
		def := d.Quote(c.Name) + " " + d.SQLType(c.Type, key)
		if key && notNullKeys {
			def += " NOT NULL"
		}
		parts = append(parts, def)
	}
	if len(spec.PrimaryKey) > 0 {
		parts = append(parts, "PRIMARY KEY ("+ColumnList(d, spec.PrimaryKey)+")")
	}
	return strings.Join(parts, ", ")
}

// OnConflictSQL renders the Postgres-style conflict clause shared by
// Postgres, SQLite, and DuckDB. excluded is the pseudo-table name
// ("excluded" or "EXCLUDED").
func OnConflictSQL(d Dialect, stmt InsertStmt, excluded string) string {
	switch stmt.Mode {
	case InsertReplace, InsertNewer:
		set := NonKeyColumns(stmt.Columns, stmt.Key)
		if len(set) == 0 || len(stmt.Key) == 0 {
			return " ON CONFLICT DO NOTHING"
		}
		var b strings.Builder
		b.WriteString(" ON CONFLICT (")
		b.WriteString(ColumnList(d, stmt.Key))
		b.WriteString(") DO UPDATE SET ")
		b.WriteString(AssignList(d, excluded, set))
		if stmt.Mode == InsertNewer && stmt.Guard != "" {
			t := d.Quote(stmt.Table) + "." + d.Quote(stmt.Guard)
			b.WriteString(" WHERE ")
			b.WriteString(t)
			b.WriteString(" IS NULL OR ")
			b.WriteString(excluded)
			b.WriteString(".")
			b.WriteString(d.Quote(stmt.Guard))
			b.WriteString(" > ")
			b.WriteString(t)
		}
		return b.String()
	}
	return ""
}
