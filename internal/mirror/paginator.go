package mirror

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"mastr/internal/ratelimit"
	"mastr/internal/schema"
	"mastr/internal/soap"
)

// MaxPageSize is the server-side cap on list page size.
const MaxPageSize = 2000

// resultMoreData is the result code of a page followed by more pages.
const resultMoreData = "OkWeitereDatenVorhanden"

// StopReason tells why a paginated run stopped.
type StopReason int

const (
	// EndOfData means the server reported no further page.
	EndOfData StopReason = iota
	// LimitReached means the run stopped at the requested limit.
	LimitReached
)

func (r StopReason) String() string {
	if r == LimitReached {
		return "limit"
	}
	return "end_of_data"
}

// ListQuery selects one paginated list.
type ListQuery struct {
	// Op is the list operation.
	Op string
	// Container is the list element of the response ("Einheiten").
	Container string
	// Filter are extra operation parameters.
	Filter soap.Params
	// Keep drops list entries the caller does not want; nil keeps all.
	Keep func(map[string]any) bool
	// Since filters by modification date when non-zero.
	Since time.Time
	// Limit caps the kept entries; <= 0 means no cap.
	Limit int
}

// UnitQuery returns the list query of unit kind k, or of every unit when
// k is nil. Kinds without an energy carrier filter are paged through the
// full unit list and filtered on Einheittyp.
func UnitQuery(k *schema.UnitKind) ListQuery {
	if k != nil && k.Carrier != "" {
		return ListQuery{
			Op: schema.OpFilteredPowerUnits, Container: "Einheiten",
			Filter: soap.Params{"energietraeger": k.Carrier},
		}
	}
	q := ListQuery{Op: schema.OpListUnits, Container: "Einheiten"}
	if k != nil {
		label := k.Einheittyp
		q.Keep = func(u map[string]any) bool { s, _ := u["Einheittyp"].(string); return s == label }
	}
	return q
}

// LocationQuery returns the list query of every location.
func LocationQuery() ListQuery {
	return ListQuery{Op: schema.OpListLocations, Container: "Lokationen"}
}

// Page is one fetched window.
type Page struct {
	Start int
	Items []map[string]any
}

// Paginator drives list operations window by window.
type Paginator struct {
	Caller   Caller
	PageSize int
	// Retries is the number of extra attempts per window on transport faults.
	Retries int
	Backoff ratelimit.Config
	Log     Logger
}

// Run fetches the pages of q and hands each to fn.
//
// A window failing with a transport fault or a generic server fault is
// retried up to Retries times with jittered backoff. Access denial and quota
// exhaustion are returned at once.
func (p *Paginator) Run(ctx context.Context, q ListQuery, fn func(Page) error) (StopReason, error) {
	log := p.Log
	if log == nil {
		log = discardLogger{}
	}
	size := p.PageSize
	if size <= 0 || size > MaxPageSize {
		size = MaxPageSize
	}

	kept := 0
	for start := 1; ; {
		n := size
		if q.Limit > 0 && q.Keep == nil {
			n = min(n, q.Limit-kept)
		}
		params := soap.Params{"startAb": start, "limit": n}
		for k, v := range q.Filter {
			params[k] = v
		}
		if !q.Since.IsZero() {
			params["datumAb"] = q.Since
		}

		m, err := p.window(ctx, q.Op, params, log)
		if err != nil {
			return EndOfData, err
		}

		raw, _ := m[q.Container].([]any)
		page := Page{Start: start}
		for _, it := range raw {
			u, ok := it.(map[string]any)
			if !ok || (q.Keep != nil && !q.Keep(u)) {
				continue
			}
			if q.Limit > 0 && kept >= q.Limit {
				break
			}
			page.Items = append(page.Items, u)
			kept++
		}
		if len(page.Items) > 0 {
			if err := fn(page); err != nil {
				return EndOfData, err
			}
		}
		log.Printf("page op=%s start=%d fetched=%d kept=%d total=%d", q.Op, start, len(raw), len(page.Items), kept)

		code, _ := m["Ergebniscode"].(string)
		more := strings.EqualFold(code, resultMoreData) && len(raw) > 0
		if !more {
			return EndOfData, nil
		}
		if q.Limit > 0 && kept >= q.Limit {
			return LimitReached, nil
		}
		start += len(raw)
	}
}

func (p *Paginator) window(ctx context.Context, op string, params soap.Params, log Logger) (map[string]any, error) {
	for attempt := 0; ; attempt++ {
		m, err := p.Caller.Call(ctx, op, params)
		if err == nil {
			return m, nil
		}
		if ctx.Err() != nil || attempt >= p.Retries ||
			errors.Is(err, soap.ErrAccessDenied) || errors.Is(err, soap.ErrQuotaExceeded) {
			return nil, fmt.Errorf("page %s start=%v: %w", op, params["startAb"], err)
		}
		d := ratelimit.Backoff(attempt+1, p.Backoff)
		log.Printf("page op=%s start=%v attempt=%d retrying in %s: %v", op, params["startAb"], attempt+1, d, err)
		if err := ratelimit.Sleep(ctx, d); err != nil {
			return nil, err
		}
	}
}
