package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"sort"
	"time"

	"mastr/internal/bulk"
	"mastr/internal/download"
	"mastr/internal/export"
	"mastr/internal/mirror"
	"mastr/internal/schema"
	"mastr/internal/soap"
	"mastr/internal/storage"
)

func (e *env) fetcher() *download.Fetcher {
	return &download.Fetcher{
		Loader:     download.NewLoader(nil, 30*time.Second),
		LandingURL: e.cfg.Bulk.LandingURL,
		Selector:   e.cfg.Bulk.Selector,
		Match:      e.cfg.Bulk.Match,
		Client:     &http.Client{},
		Log:        e.std,
	}
}

func bulkCommand(fs *flag.FlagSet) runner {
	archive := fs.String("archive", "", "local archive path; skips discovery and download")
	noCleanse := fs.Bool("no-cleanse", false, "store raw values without catalog decoding and typed parsing")

	return func(ctx context.Context, e *env) error {
		path := *archive
		if path == "" {
			path = e.cfg.Bulk.Archive
		}
		if path == "" {
			var err error
			if path, err = bulk.ResolveArchive(ctx, e.sel.Date, e.cfg.DataDir, e.fetcher(), time.Now()); err != nil {
				return err
			}
		}
		day, ok := download.ArchiveDay(path)
		if !ok {
			day = time.Now()
		}

		db, err := e.openStore(ctx)
		if err != nil {
			return err
		}
		start := time.Now()
		sum, err := bulk.Run(ctx, db, path, bulk.Options{
			Selection:    e.sel.Data,
			Cleanse:      e.cfg.CleanseEnabled() && !*noCleanse,
			DownloadDate: day,
			Log:          e.std,
		})
		if err != nil {
			return err
		}
		e.log.Infow("bulk ingest done",
			"archive", path,
			"families", sum.Families,
			"shards", sum.Shards,
			"repaired", sum.Repaired,
			"rows", sum.Rows,
			"inserted", sum.Inserted,
			"dropped", sum.Dropped,
			"nulled", sum.Nulled,
			"skipped", sum.Skipped,
			"new_fields", sum.NewFields,
			"duration", time.Since(start).Truncate(time.Millisecond),
		)
		return nil
	}
}

// apiSelection splits data categories into unit kinds and the location flow.
// Categories the web service mode does not serve are returned as skipped.
func apiSelection(data []string) (kinds []string, locations, locationsOnly bool, skipped []string) {
	if len(data) == 0 {
		return nil, true, false, nil
	}
	for _, c := range data {
		switch _, ok := schema.LookupUnitKind(c); {
		case ok:
			kinds = append(kinds, c)
		case c == "location":
			locations = true
		default:
			skipped = append(skipped, c)
		}
	}
	return kinds, locations, locations && len(kinds) == 0, skipped
}

func apiCommand(fs *flag.FlagSet) runner {
	limit := fs.Int("limit", -1, "cap on basic units per kind and detail requests per queue (overrides api.limit)")
	chunk := fs.Int("chunk-size", 0, "requests popped per round (overrides api.chunk_size)")
	timeout := fs.Duration("timeout", 0, "per-call timeout (overrides api.timeout)")
	workers := fs.Int("workers", 0, "concurrent detail calls (overrides api.workers)")
	details := fs.String("details", "", "comma-separated detail kinds: extended, eeg, kwk, permit")

	return func(ctx context.Context, e *env) error {
		api := e.cfg.API
		if *limit >= 0 {
			api.Limit = *limit
		}
		if *chunk > 0 {
			api.ChunkSize = *chunk
		}
		if *timeout > 0 {
			api.Timeout = *timeout
		}
		if *workers > 0 {
			api.Workers = *workers
		}
		var dks []schema.DetailKind
		for _, s := range splitList(*details) {
			d, err := schema.ParseDetailKind(s)
			if err != nil {
				return fmt.Errorf("%w: %v", errUsage, err)
			}
			dks = append(dks, d)
		}
		date, err := mirror.ParseDateSpec(e.sel.Date)
		if err != nil {
			return fmt.Errorf("%w: %v", errUsage, err)
		}
		kinds, locations, locationsOnly, skipped := apiSelection(e.sel.Data)
		for _, c := range skipped {
			e.log.Warnw("category not served by the api mode, skipped", "data", c)
		}
		if len(kinds) == 0 && !locations && len(e.sel.Data) > 0 {
			e.log.Infow("nothing to mirror")
			return nil
		}

		client, err := e.client(ctx)
		if err != nil {
			return err
		}
		if err := checkEndpoint(ctx, e, client); err != nil {
			return err
		}
		quota, err := startQuota(ctx, client)
		if err != nil {
			return err
		}
		e.log.Infow("daily quota", "used", quota.Used, "limit", quota.Limit, "remaining", quota.Remaining())

		db, err := e.openStore(ctx)
		if err != nil {
			return err
		}
		m := mirror.New(db, client, e.std)
		rep, err := m.Run(ctx, mirror.Options{
			Kinds:         kinds,
			Details:       dks,
			Locations:     locations,
			LocationsOnly: locationsOnly,
			Date:          date,
			Limit:         api.Limit,
			PageSize:      api.PageSize,
			PageRetries:   api.PageRetries,
			Backoff:       api.Rate,
			MaxAttempts:   api.MaxAttempts,
			Scheduler: mirror.RunOptions{
				ChunkSize: api.ChunkSize,
				Limit:     api.Limit,
				Timeout:   api.Timeout,
				Workers:   api.Workers,
			},
		})
		logReport(e, rep)
		return err
	}
}

// checkEndpoint uses the server clock call as the reachability probe.
func checkEndpoint(ctx context.Context, e *env, c *soap.Client) error {
	t, err := c.LocalTime(ctx)
	if err != nil {
		if errors.Is(err, soap.ErrAccessDenied) {
			return err
		}
		return fmt.Errorf("%w: %s: %v", errUnreachable, e.cfg.API.Endpoint, err)
	}
	e.log.Infow("endpoint reachable", "endpoint", e.cfg.API.Endpoint, "server_time", t, "skew", time.Since(t).Round(time.Second))
	return nil
}

// startQuota refuses to start when no request is left today.
func startQuota(ctx context.Context, c *soap.Client) (soap.Quota, error) {
	q, err := mirror.CheckQuota(ctx, c)
	if err != nil && errors.Is(err, soap.ErrTransport) {
		return q, fmt.Errorf("%w: %v", errUnreachable, err)
	}
	return q, err
}

func logReport(e *env, rep mirror.Report) {
	for _, k := range sortedKeys(rep.Basic) {
		st := rep.Basic[k]
		e.log.Infow("basic units",
			"kind", k, "fetched", st.Fetched, "applied", st.Applied, "stale", st.Stale,
			"enqueued", st.Enqueued, "newest", st.Newest)
	}
	if rep.Locations.Fetched > 0 {
		st := rep.Locations
		e.log.Infow("locations", "fetched", st.Fetched, "applied", st.Applied, "enqueued", st.Enqueued)
	}
	for _, k := range sortedKeys(rep.Details) {
		st := rep.Details[k]
		e.log.Infow("details",
			"queue", k, "requested", st.Requested, "succeeded", st.Succeeded,
			"missed", st.Missed, "empty", st.Empty, "retried", st.Retried,
			"inserted", st.Inserted, "break", st.Break)
	}
	if rep.QuotaHit {
		e.log.Warnw("run stopped early: daily quota exhausted; remaining requests stay queued")
	}
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func exportCommand(fs *flag.FlagSet) runner {
	dir := fs.String("dir", "", "output directory (overrides export.dir)")
	prefix := fs.String("prefix", "", "file name prefix (overrides export.prefix)")

	return func(ctx context.Context, e *env) error {
		opt := export.Options{
			Dir:       e.cfg.Export.Dir,
			Prefix:    e.cfg.Export.Prefix,
			Ext:       e.cfg.Export.Ext,
			ChunkSize: e.cfg.Export.ChunkSize,
			Log:       e.std,
		}
		if *dir != "" {
			opt.Dir = *dir
		}
		if *prefix != "" {
			opt.Prefix = *prefix
		}

		db, err := e.openStore(ctx)
		if err != nil {
			return err
		}
		results, err := exportSelection(ctx, db, e.sel.Data, opt)
		for _, r := range results {
			e.log.Infow("exported", "table", r.Table, "path", r.Path, "rows", r.Rows)
		}
		return err
	}
}

// exportSelection writes one joined file per unit kind and one file per
// other table of the selected categories. Tables not yet stored are skipped;
// a unit kind with nothing stored is logged.
func exportSelection(ctx context.Context, db *storage.DB, data []string, opt export.Options) ([]export.Result, error) {
	if len(data) == 0 {
		data = schema.Categories()
	}
	var out []export.Result
	seen := map[string]bool{}
	for _, c := range data {
		if k, ok := schema.LookupUnitKind(c); ok {
			r, err := export.Kind(ctx, db, k, opt)
			if errors.Is(err, export.ErrNoData) {
				if opt.Log != nil {
					opt.Log.Printf("export kind=%s skipped: nothing stored", k.Name)
				}
				continue
			}
			if err != nil {
				return out, err
			}
			out = append(out, r)
			continue
		}
		fams, err := schema.FamiliesFor([]string{c})
		if err != nil {
			return out, fmt.Errorf("%w: %v", errUsage, err)
		}
		var tables []string
		for _, f := range fams {
			tables = append(tables, f.Table)
		}
		sort.Strings(tables)
		for _, t := range tables {
			if seen[t] || !db.TableExists(ctx, t) {
				continue
			}
			seen[t] = true
			r, err := export.Table(ctx, db, t, opt)
			if err != nil {
				return out, err
			}
			out = append(out, r)
		}
	}
	return out, nil
}

func quotaCommand(*flag.FlagSet) runner {
	return func(ctx context.Context, e *env) error {
		client, err := e.client(ctx)
		if err != nil {
			return err
		}
		q, err := startQuota(ctx, client)
		if err != nil && !errors.Is(err, mirror.ErrQuotaExhausted) {
			return err
		}
		fmt.Fprintf(e.stdout, "used=%d limit=%d remaining=%d\n", q.Used, q.Limit, q.Remaining())
		return err
	}
}

func discoverCommand(fs *flag.FlagSet) runner {
	fetch := fs.Bool("fetch", false, "download today's archive unless present and print its path")

	return func(ctx context.Context, e *env) error {
		f := e.fetcher()
		if *fetch {
			p, err := f.Ensure(ctx, e.cfg.DataDir, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(e.stdout, p)
			return nil
		}
		page, err := f.Loader.Page(ctx, f.LandingURL)
		if err != nil {
			return fmt.Errorf("%w: %v", errUnreachable, err)
		}
		href, err := download.Discover(page, f.LandingURL, f.Selector, f.Match)
		if err != nil {
			return err
		}
		fmt.Fprintln(e.stdout, href)
		return nil
	}
}
