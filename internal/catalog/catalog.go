// Package catalog resolves the integer codes of enum-like bulk columns to
// their labels.
package catalog

import (
	"fmt"
	"strconv"
	"strings"

	"mastr/pkg/records"
)

// Map is a frozen id → label lookup. The zero value resolves nothing.
type Map struct {
	m map[int64]string
}

// New builds a Map from explicit pairs. Later pairs win on duplicate ids.
func New(pairs map[int64]string) Map {
	m := make(map[int64]string, len(pairs))
	for k, v := range pairs {
		m[k] = v
	}
	return Map{m: m}
}

// FromRows builds a Map from Katalogwerte rows carrying Id and Wert.
// Rows without a numeric Id are rejected; duplicate ids keep the last label.
func FromRows(rows []records.Record) (Map, error) {
	m := make(map[int64]string, len(rows))
	for i, r := range rows {
		raw, ok := r.String("Id")
		if !ok {
			return Map{}, fmt.Errorf("catalog: row %d: missing Id", i+1)
		}
		id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Map{}, fmt.Errorf("catalog: row %d: Id %q: %w", i+1, raw, err)
		}
		label, _ := r.String("Wert")
		m[id] = label
	}
	return Map{m: m}, nil
}

// Len returns the number of ids.
func (c Map) Len() int { return len(c.m) }

// Lookup returns the label for id.
func (c Map) Lookup(id int64) (string, bool) {
	s, ok := c.m[id]
	return s, ok
}

// Resolve decodes a single-valued cell. Nil stays nil; values that are not
// integers or not in the catalog pass through unchanged.
func (c Map) Resolve(v any) any {
	id, ok := asID(v)
	if !ok {
		return v
	}
	if s, ok := c.m[id]; ok {
		return s
	}
	return v
}

// ResolveList decodes a comma-separated cell. Each part is stripped;
// integer parts unknown to the catalog are omitted, non-integer parts are
// kept as already decoded. Parts are rejoined with ",". An empty result is
// nil. A cell with no integer part is already decoded and is returned as is,
// since labels may contain commas themselves.
func (c Map) ResolveList(v any) any {
	if v == nil {
		return nil
	}
	s, ok := v.(string)
	if !ok {
		return c.Resolve(v)
	}
	parts := strings.Split(s, ",")
	if !anyID(parts) {
		if s = strings.TrimSpace(s); s == "" {
			return nil
		}
		return s
	}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			out = append(out, p)
			continue
		}
		if label, ok := c.m[id]; ok {
			out = append(out, label)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return strings.Join(out, ",")
}

func anyID(parts []string) bool {
	for _, p := range parts {
		if _, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64); err == nil {
			return true
		}
	}
	return false
}

func asID(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case string:
		id, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		return id, err == nil
	default:
		return 0, false
	}
}
