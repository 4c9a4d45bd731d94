// Package flatten collapses nested SOAP response maps into single-level rows.
package flatten

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"mastr/internal/schema"
	"mastr/pkg/records"
)

// Metadata keys every response carries; they never become columns.
var metadataKeys = map[string]struct{}{
	"Ergebniscode":         {},
	"AufrufVeraltet":       {},
	"AufrufLebenszeitEnde": {},
	"AufrufVersion":        {},
}

// linkField names the element field joined for each cross-reference list.
var linkField = map[string]string{
	"VerknuepfteEinheiten": "MastrNummer",
	"VerknuepfteEinheit":   "MastrNummer",
	"Netzanschlusspunkte":  "NetzanschlusspunktMastrNummer",
}

// LinkSeparator joins cross-reference ids.
const LinkSeparator = ", "

// Record flattens r for table t. The input is not modified.
//
// Cells are rewritten in this order: {Wert, NichtVorhanden} becomes Wert;
// cross-reference lists become joined ids; JSON-typed columns are encoded;
// {Id, Wert} splits into <name>Id and <name>; string lists are joined with
// ",". Empty lists become nil. Any other nested value is JSON-encoded.
func Record(r map[string]any, t schema.Table) records.Record {
	out := make(records.Record, len(r))
	for k, v := range r {
		if _, skip := metadataKeys[k]; skip {
			continue
		}
		flattenCell(out, k, v, t)
	}
	return out
}

func flattenCell(out records.Record, k string, v any, t schema.Table) {
	if m, ok := v.(map[string]any); ok {
		if _, hasID := m["Id"]; hasID {
			if w, hasWert := m["Wert"]; hasWert {
				out[k+"Id"] = scalar(m["Id"])
				out[k] = scalar(w)
				return
			}
		}
		if w, hasWert := m["Wert"]; hasWert {
			v = w
		}
	}

	if field, ok := linkField[k]; ok {
		out[k] = joinLinks(v, field)
		return
	}
	if t.Type(k) == records.JSON {
		out[k] = encodeJSON(v)
		return
	}

	switch x := v.(type) {
	case []any:
		if s, ok := joinStrings(x); ok {
			out[k] = s
			return
		}
		out[k] = encodeJSON(x)
	case []string:
		if len(x) == 0 {
			out[k] = nil
			return
		}
		out[k] = strings.Join(x, ",")
	case map[string]any:
		out[k] = encodeJSON(x)
	default:
		out[k] = v
	}
}

// joinLinks joins the field of every list element. A single map is a one
// element list; strings are already joined.
func joinLinks(v any, field string) any {
	var items []any
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		if strings.TrimSpace(x) == "" {
			return nil
		}
		return x
	case []any:
		items = x
	case map[string]any:
		items = []any{x}
	default:
		return fmt.Sprint(x)
	}
	ids := make([]string, 0, len(items))
	for _, it := range items {
		switch e := it.(type) {
		case map[string]any:
			if s, ok := scalar(e[field]).(string); ok && s != "" {
				ids = append(ids, s)
			}
		case string:
			if e != "" {
				ids = append(ids, e)
			}
		}
	}
	if len(ids) == 0 {
		return nil
	}
	return strings.Join(ids, LinkSeparator)
}

func joinStrings(xs []any) (any, bool) {
	if len(xs) == 0 {
		return nil, true
	}
	parts := make([]string, 0, len(xs))
	for _, x := range xs {
		s, ok := x.(string)
		if !ok {
			return nil, false
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, ","), true
}

func encodeJSON(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		return x
	case []any:
		if len(x) == 0 {
			return nil
		}
	case map[string]any:
		if len(x) == 0 {
			return nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

// scalar unwraps a nested {Wert} cell; other values pass through.
func scalar(v any) any {
	if m, ok := v.(map[string]any); ok {
		if w, ok := m["Wert"]; ok {
			return w
		}
	}
	return v
}

// Keys returns the sorted keys of a response map, metadata excluded.
func Keys(r map[string]any) []string {
	out := make([]string, 0, len(r))
	for k := range r {
		if _, skip := metadataKeys[k]; !skip {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
