// Package bulk drives the full-export ingest: archive → shard reader →
// catalog → normalizer → relational writer.
package bulk

import (
	"context"
	"fmt"
	"strings"
	"time"

	"mastr/internal/catalog"
	"mastr/internal/metrics"
	"mastr/internal/normalize"
	"mastr/internal/schema"
	"mastr/internal/shard"
	"mastr/internal/storage"
	"mastr/pkg/records"
)

// Logger is the logging seam; *log.Logger satisfies it.
type Logger interface {
	Printf(format string, v ...any)
}

type discardLogger struct{}

func (discardLogger) Printf(string, ...any) {}

// Store is the subset of *storage.DB the ingest writes through.
type Store interface {
	ReplaceTable(ctx context.Context, spec storage.TableSpec) error
	Append(ctx context.Context, spec storage.TableSpec, b *records.Batch, opt storage.AppendOptions) (storage.WriteResult, error)
}

// Options tune one ingest.
type Options struct {
	// Selection is the list of data categories; empty selects every family.
	Selection []string
	// Cleanse enables catalog decoding and typed date/number parsing.
	Cleanse bool
	// DownloadDate is stamped on every row; zero means today.
	DownloadDate time.Time
	Log          Logger
}

// Summary totals one ingest.
type Summary struct {
	Families  int
	Shards    int
	Repaired  int
	Rows      int64
	Inserted  int64
	Dropped   int
	Nulled    int
	Skipped   int
	NewFields []string
}

// Run ingests the archive at path into store.
//
// The first shard of every family replaces its table; subsequent shards append
// and drop rows whose key an earlier shard already stored. A shard that stays
// unparseable after repair aborts the run.
func Run(ctx context.Context, store Store, path string, opt Options) (sum Summary, err error) {
	log := opt.Log
	if log == nil {
		log = discardLogger{}
	}
	start := time.Now()
	defer func() { metrics.RecordStage("bulk", err, time.Since(start)) }()

	selected, err := schema.FamiliesFor(opt.Selection)
	if err != nil {
		return sum, err
	}

	a, err := shard.Open(path)
	if err != nil {
		return sum, err
	}
	defer a.Close()
	a.SetLogger(log)

	norm := normalize.Options{
		Source:       schema.SourceBulk,
		DownloadDate: opt.DownloadDate,
		SkipTypes:    !opt.Cleanse,
	}
	if opt.Cleanse {
		cat, err := loadCatalog(a, log)
		if err != nil {
			return sum, err
		}
		norm.Catalog = cat
	}

	keep := func(family string) bool {
		_, ok := selected[strings.ToLower(family)]
		return ok
	}

	normalizers := map[string]*normalize.Normalizer{}
	for s, err := range a.Shards(keep) {
		if err != nil {
			return sum, fmt.Errorf("bulk: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return sum, err
		}

		key := strings.ToLower(s.Family)
		n, ok := normalizers[key]
		if !ok {
			t, found := schema.FamilyTable(s.Family)
			if !found {
				return sum, fmt.Errorf("bulk: family %s has no table", s.Family)
			}
			if err := store.ReplaceTable(ctx, t.Spec()); err != nil {
				return sum, fmt.Errorf("bulk: replace %s: %w", t.Name, err)
			}
			n = normalize.New(t, norm)
			normalizers[key] = n
			sum.Families++
		}

		if err := ingestShard(ctx, store, n, s, &sum, log); err != nil {
			return sum, err
		}
	}

	log.Printf("stage=bulk ok families=%d shards=%d rows=%d inserted=%d dropped=%d nulled=%d skipped=%d duration=%s",
		sum.Families, sum.Shards, sum.Rows, sum.Inserted, sum.Dropped, sum.Nulled, sum.Skipped,
		time.Since(start).Truncate(time.Millisecond))
	return sum, nil
}

func ingestShard(ctx context.Context, store Store, n *normalize.Normalizer, s shard.Shard, sum *Summary, log Logger) error {
	started := time.Now()
	t := n.Table()
	b := n.Batch(s.Batch)
	rows := b.Len()

	res, err := store.Append(ctx, t.Spec(), b, storage.AppendOptions{DropKeyConflicts: true})
	if err != nil {
		return fmt.Errorf("bulk: shard %s: %w", s.Name, err)
	}

	sum.Shards++
	sum.Rows += int64(rows)
	sum.Inserted += res.Inserted
	sum.Dropped += res.Duplicates + res.Conflicts
	sum.Nulled += res.Nulled
	sum.Skipped += res.Skipped
	sum.NewFields = append(sum.NewFields, res.AddedColumns...)
	if s.Repaired {
		sum.Repaired++
	}

	metrics.RecordShard(s.Family)
	metrics.RecordRows(t.Name, res.Inserted)
	log.Printf("shard=%s table=%s rows=%d inserted=%d dropped=%d duration=%s",
		s.Name, t.Name, rows, res.Inserted, res.Duplicates+res.Conflicts, time.Since(started).Truncate(time.Millisecond))
	return nil
}

// loadCatalog reads the catalog values shard. An archive without one keeps
// codes undecoded.
func loadCatalog(a *shard.Archive, log Logger) (*catalog.Map, error) {
	found := false
	for _, e := range a.Entries(nil) {
		if strings.EqualFold(e.Family, schema.ShardCatalogValues) {
			found = true
			break
		}
	}
	if !found {
		log.Printf("catalog shard %s absent, codes kept", schema.ShardCatalogValues)
		return nil, nil
	}
	b, err := a.ReadFamily(schema.ShardCatalogValues)
	if err != nil {
		return nil, fmt.Errorf("bulk: catalog: %w", err)
	}
	m, err := catalog.FromRows(b.Rows)
	if err != nil {
		return nil, fmt.Errorf("bulk: catalog: %w", err)
	}
	log.Printf("catalog values=%d", m.Len())
	return &m, nil
}
