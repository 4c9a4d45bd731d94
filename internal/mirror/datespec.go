package mirror

import (
	"context"
	"fmt"
	"strings"
	"time"

	"mastr/internal/storage"
)

// DateMode tags a DateSpec.
type DateMode int

const (
	// DateNone fetches without a modification filter.
	DateNone DateMode = iota
	// DateToday filters from midnight of the current day.
	DateToday
	// DateLiteral filters from a fixed day.
	DateLiteral
	// DateLatest filters from the stored watermark of the unit kind.
	DateLatest
)

// DateSpec is the modification-since selector of the API mode.
type DateSpec struct {
	Mode DateMode
	Day  time.Time
}

// ParseDateSpec accepts "", "today", "latest" and yyyymmdd.
func ParseDateSpec(s string) (DateSpec, error) {
	switch v := strings.ToLower(strings.TrimSpace(s)); v {
	case "":
		return DateSpec{Mode: DateNone}, nil
	case "today":
		return DateSpec{Mode: DateToday}, nil
	case "latest":
		return DateSpec{Mode: DateLatest}, nil
	default:
		t, err := time.Parse("20060102", v)
		if err != nil || len(v) != 8 {
			return DateSpec{}, fmt.Errorf("invalid date %q: want today, latest or yyyymmdd", s)
		}
		return DateSpec{Mode: DateLiteral, Day: t}, nil
	}
}

func (d DateSpec) String() string {
	switch d.Mode {
	case DateToday:
		return "today"
	case DateLiteral:
		return d.Day.Format("20060102")
	case DateLatest:
		return "latest"
	default:
		return ""
	}
}

// since resolves the filter against watermark w. ok is false when no filter
// applies, including "latest" on an empty store and "latest" after a first run
// that stopped at the limit. Without any watermark row the store's newest
// stamp is used, which covers a store filled by a bulk ingest.
func (d DateSpec) since(ctx context.Context, db *storage.DB, w watermarkRef, now time.Time) (time.Time, bool, error) {
	switch d.Mode {
	case DateToday:
		return day(now), true, nil
	case DateLiteral:
		return d.Day, true, nil
	case DateLatest:
		t, ok, exists, err := lookupWatermark(ctx, db, w.key)
		if err != nil || exists {
			return t, ok, err
		}
		return w.storeMax(ctx, db)
	default:
		return time.Time{}, false, nil
	}
}
