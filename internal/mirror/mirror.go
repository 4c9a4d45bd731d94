// Package mirror keeps the local store in step with the registry web
// service: it pages the basic-unit index, enqueues per-unit detail lookups in
// a persistent request book, and drains the book with bounded parallelism.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mastr/internal/metrics"
	"mastr/internal/ratelimit"
	"mastr/internal/schema"
	"mastr/internal/soap"
	"mastr/internal/storage"
)

// Logger is the logging seam; *log.Logger satisfies it.
type Logger interface {
	Printf(format string, v ...any)
}

type discardLogger struct{}

func (discardLogger) Printf(string, ...any) {}

// ErrQuotaExhausted is returned by CheckQuota when no request is left today.
var ErrQuotaExhausted = errors.New("mirror: daily request quota exhausted")

// DefaultMaxAttempts bounds how often a missed lookup is requeued.
const DefaultMaxAttempts = 3

// QuotaSource reports the daily allowance; *soap.Client satisfies it.
type QuotaSource interface {
	Quota(ctx context.Context) (soap.Quota, error)
}

// CheckQuota fails with ErrQuotaExhausted when the allowance is used up.
func CheckQuota(ctx context.Context, q QuotaSource) (soap.Quota, error) {
	quota, err := q.Quota(ctx)
	if err != nil {
		return quota, err
	}
	if quota.Remaining() <= 0 {
		return quota, fmt.Errorf("%w (%d of %d used)", ErrQuotaExhausted, quota.Used, quota.Limit)
	}
	return quota, nil
}

// Options select what one run mirrors.
type Options struct {
	// Kinds are unit kind tags; empty pages every unit in one list.
	Kinds []string
	// Details restricts the detail kinds; empty means all offered.
	Details []schema.DetailKind
	// Locations mirrors the location list and location details.
	Locations bool
	// LocationsOnly skips the unit flow.
	LocationsOnly bool
	Date      DateSpec
	// Limit caps the basic units fetched per kind; <= 0 means no cap.
	Limit       int
	PageSize    int
	PageRetries int
	Backoff     ratelimit.Config
	Scheduler   RunOptions
	MaxAttempts int
}

// Report totals one run.
type Report struct {
	Basic     map[string]BasicStats
	Details   map[string]Stats
	Locations BasicStats
	// QuotaHit is set when the run stopped early on quota exhaustion.
	QuotaHit bool
}

// Mirror runs API backfills against one store.
type Mirror struct {
	db     *storage.DB
	caller Caller
	book   *Book
	sched  *Scheduler
	log    Logger
	now    func() time.Time
}

// New returns a mirror over db calling the registry through caller.
func New(db *storage.DB, caller Caller, log Logger) *Mirror {
	if log == nil {
		log = discardLogger{}
	}
	return &Mirror{
		db:     db,
		caller: caller,
		book:   NewBook(db),
		sched:  NewScheduler(db, caller, log),
		log:    log,
		now:    time.Now,
	}
}

// Book returns the request book.
func (m *Mirror) Book() *Book { return m.book }

// Prepare creates the tables a run over kinds writes to.
func (m *Mirror) Prepare(ctx context.Context, kinds []schema.UnitKind) error {
	names := []string{
		schema.TableBasicUnits, schema.TableLocationBasic, schema.TableLocationsExtended,
		schema.TableWatermark, schema.TableKwk, schema.TablePermit,
	}
	for _, k := range kinds {
		for _, d := range k.Details {
			names = append(names, d.Table(k))
		}
	}
	for _, n := range uniqStrings(names) {
		if err := m.db.EnsureTable(ctx, schema.MustTable(n).Spec()); err != nil {
			return err
		}
	}
	return m.book.Prepare(ctx)
}

func uniqStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func resolveKinds(tags []string) ([]schema.UnitKind, error) {
	if len(tags) == 0 {
		return schema.UnitKinds(), nil
	}
	out := make([]schema.UnitKind, 0, len(tags))
	for _, t := range tags {
		k, ok := schema.LookupUnitKind(t)
		if !ok {
			return nil, fmt.Errorf("unknown unit kind %q", t)
		}
		out = append(out, k)
	}
	return out, nil
}

// Run performs a full backfill: basic units, requeue of earlier misses,
// detail lookups per kind, then the location flow.
func (m *Mirror) Run(ctx context.Context, opt Options) (rep Report, err error) {
	start := time.Now()
	defer func() { metrics.RecordStage("api", err, time.Since(start)) }()

	rep = Report{Basic: map[string]BasicStats{}, Details: map[string]Stats{}}
	kinds, err := resolveKinds(opt.Kinds)
	if err != nil {
		return rep, err
	}
	if err := m.Prepare(ctx, kinds); err != nil {
		return rep, err
	}
	if opt.MaxAttempts <= 0 {
		opt.MaxAttempts = DefaultMaxAttempts
	}

	if !opt.LocationsOnly {
		if len(opt.Kinds) == 0 {
			st, err := m.Backfill(ctx, nil, opt)
			rep.Basic[WatermarkAll] = st
			if m.stopOnQuota(err, &rep) {
				return rep, nil
			}
			if err != nil {
				return rep, err
			}
		} else {
			for i := range kinds {
				st, err := m.Backfill(ctx, &kinds[i], opt)
				rep.Basic[kinds[i].Name] = st
				if m.stopOnQuota(err, &rep) {
					return rep, nil
				}
				if err != nil {
					return rep, err
				}
			}
		}

		for _, k := range kinds {
			for _, d := range k.Details {
				if !wantDetail(opt.Details, d) {
					continue
				}
				st, err := m.drain(ctx, m.book.Units(k, d), opt)
				rep.Details[k.Name+"/"+string(d)] = st
				if err != nil {
					return rep, err
				}
				if st.QuotaHit {
					rep.QuotaHit = true
					m.summary(rep)
					return rep, nil
				}
			}
		}
	}

	if opt.Locations {
		st, err := m.BackfillLocations(ctx, opt)
		rep.Locations = st
		if m.stopOnQuota(err, &rep) {
			return rep, nil
		}
		if err != nil {
			return rep, err
		}
		for _, lt := range schema.LocationTypes() {
			st, err := m.drain(ctx, m.book.Locations(lt), opt)
			rep.Details[lt.Label] = st
			if err != nil {
				return rep, err
			}
			if st.QuotaHit {
				rep.QuotaHit = true
				break
			}
		}
	}

	m.summary(rep)
	return rep, nil
}

func (m *Mirror) stopOnQuota(err error, rep *Report) bool {
	if !errors.Is(err, soap.ErrQuotaExceeded) {
		return false
	}
	m.log.Printf("api run stopped: %v", err)
	rep.QuotaHit = true
	m.summary(*rep)
	return true
}

func wantDetail(sel []schema.DetailKind, d schema.DetailKind) bool {
	if len(sel) == 0 {
		return true
	}
	for _, s := range sel {
		if s == d {
			return true
		}
	}
	return false
}

// drain requeues earlier misses of q and runs the scheduler on it.
func (m *Mirror) drain(ctx context.Context, q *Queue, opt Options) (Stats, error) {
	requeued, abandoned, err := q.Requeue(ctx, opt.MaxAttempts)
	if err != nil {
		return Stats{}, err
	}
	if abandoned > 0 {
		m.log.Printf("queue=%s gave up on %d lookups after %d attempts", q.Name(), abandoned, opt.MaxAttempts)
	}
	st, err := m.sched.Run(ctx, q, opt.Scheduler)
	st.Retried = requeued
	return st, err
}

// Backfill pages the basic units of k (every unit when k is nil) and
// enqueues detail lookups for rows that changed. The watermark advances only
// when the pages ran to the end of data.
func (m *Mirror) Backfill(ctx context.Context, k *schema.UnitKind, opt Options) (BasicStats, error) {
	ref := unitWatermark(m.db, k)
	now := m.now()
	since, filtered, err := opt.Date.since(ctx, m.db, ref, now)
	if err != nil {
		return BasicStats{}, err
	}
	var floor time.Time
	if filtered && opt.Date.Mode == DateLatest {
		floor = since
	}

	q := UnitQuery(k)
	q.Limit = opt.Limit
	if filtered {
		q.Since = since
	}
	details := opt.Details
	if len(details) == 0 {
		details = schema.DetailKinds()
	}
	w := newBasicWriter(m.db, m.book, floor, now, details, m.log)
	stop, err := m.paginator(opt).Run(ctx, q, func(p Page) error { return w.apply(ctx, p) })
	if err != nil {
		return w.stats, err
	}
	m.log.Printf("basic key=%s since=%s stop=%s fetched=%d applied=%d stale=%d enqueued=%d",
		ref.key, fmtSince(since, filtered), stop, w.stats.Fetched, w.stats.Applied, w.stats.Stale, w.stats.Enqueued)
	return w.stats, m.advance(ctx, ref, stop, now)
}

// BackfillLocations pages the location list and enqueues location lookups.
func (m *Mirror) BackfillLocations(ctx context.Context, opt Options) (BasicStats, error) {
	ref := locationWatermark()
	now := m.now()
	since, filtered, err := opt.Date.since(ctx, m.db, ref, now)
	if err != nil {
		return BasicStats{}, err
	}
	var floor time.Time
	if filtered && opt.Date.Mode == DateLatest {
		floor = since
	}
	q := LocationQuery()
	q.Limit = opt.Limit
	if filtered {
		q.Since = since
	}
	w := newLocationWriter(m.db, m.book, floor, now)
	stop, err := m.paginator(opt).Run(ctx, q, func(p Page) error { return w.apply(ctx, p) })
	if err != nil {
		return w.stats, err
	}
	m.log.Printf("locations since=%s stop=%s fetched=%d applied=%d enqueued=%d",
		fmtSince(since, filtered), stop, w.stats.Fetched, w.stats.Applied, w.stats.Enqueued)
	return w.stats, m.advance(ctx, ref, stop, now)
}

func (m *Mirror) advance(ctx context.Context, ref watermarkRef, stop StopReason, now time.Time) error {
	if stop != EndOfData {
		m.log.Printf("watermark key=%s kept: run stopped at the limit", ref.key)
		return markTruncated(ctx, m.db, ref.key, now)
	}
	t, ok, err := ref.storeMax(ctx, m.db)
	if err != nil || !ok {
		return err
	}
	return WriteWatermark(ctx, m.db, ref.key, t, now)
}

func (m *Mirror) paginator(opt Options) *Paginator {
	return &Paginator{Caller: m.caller, PageSize: opt.PageSize, Retries: opt.PageRetries, Backoff: opt.Backoff, Log: m.log}
}

func (m *Mirror) summary(rep Report) {
	for name, st := range rep.Details {
		m.log.Printf("summary category=%s requested=%d succeeded=%d missed=%d empty=%d retried=%d",
			name, st.Requested, st.Succeeded, st.Missed, st.Empty, st.Retried)
	}
}

func fmtSince(t time.Time, ok bool) string {
	if !ok {
		return "none"
	}
	return t.UTC().Format(time.RFC3339)
}
