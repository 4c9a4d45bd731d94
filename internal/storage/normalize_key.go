package storage

import (
	"fmt"
	"strings"
	"time"
)

// NormalizeKey converts a key value to a canonical string form, suitable for
// in-memory key sets (e.g. "SEE912345678901" or "8429529").
//
// Drivers return keys as string, []byte, or integers depending on backend;
// this helper keeps key comparisons consistent across backends.
func NormalizeKey(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case int64:
		return fmt.Sprintf("%d", t)
	case []byte:
		return strings.TrimSpace(string(t))
	case int:
		return fmt.Sprintf("%d", t)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

// compositeKey joins the normalized values of cols in r.
func compositeKey(r map[string]any, cols []string) string {
	if len(cols) == 1 {
		return NormalizeKey(r[cols[0]])
	}
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = NormalizeKey(r[c])
	}
	return strings.Join(parts, "\x00")
}
