package probe

import (
	"strings"

	"mastr/internal/normalize"
	"mastr/pkg/records"
)

// InferType picks the most specific type every non-empty value parses as,
// using the same parsers the normalizer applies at ingest. No values at all
// infer as String.
func InferType(values []string) records.ColumnType {
	var seen bool
	allInt, allBool, allDate, allTS, allFloat := true, true, true, true, true

	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		seen = true

		if allInt {
			if _, ok := normalize.Integer(v).(int64); !ok {
				allInt = false
			}
		}
		if allBool {
			if _, ok := normalize.Bool(v).(bool); !ok || isDigitString(v) {
				allBool = false
			}
		}
		if allDate {
			if len(v) != len("2006-01-02") || normalize.Date(v) == nil {
				allDate = false
			}
		}
		if allTS {
			if normalize.DateTime(v) == nil {
				allTS = false
			}
		}
		if allFloat {
			if _, ok := normalize.Float(v).(float64); !ok {
				allFloat = false
			}
		}
	}

	if !seen {
		return records.String
	}
	switch {
	case allInt:
		return records.Integer
	case allBool:
		return records.Boolean
	case allDate:
		return records.Date
	case allTS:
		return records.DateTime
	case allFloat:
		return records.Float
	default:
		return records.String
	}
}

func isDigitString(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return s != ""
}
