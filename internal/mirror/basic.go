package mirror

import (
	"context"
	"fmt"
	"time"

	"mastr/internal/metrics"
	"mastr/internal/normalize"
	"mastr/internal/schema"
	"mastr/internal/storage"
	"mastr/pkg/records"
)

// guardColumn is the modification stamp every mirrored table carries.
const guardColumn = "DatumLetzteAktualisierung"

// BasicStats totals the basic-unit backfill of one kind.
type BasicStats struct {
	Fetched  int
	Applied  int
	Stale    int
	Enqueued int64
	// Newest is the greatest modification stamp applied.
	Newest time.Time
}

// basicWriter applies pages of basic units and enqueues the detail requests
// of every row that changed.
type basicWriter struct {
	db      *storage.DB
	book    *Book
	norm    *normalize.Normalizer
	floor   time.Time
	details map[schema.DetailKind]bool
	log     Logger
	stats   BasicStats
}

func newBasicWriter(db *storage.DB, book *Book, floor, now time.Time, details []schema.DetailKind, log Logger) *basicWriter {
	want := map[schema.DetailKind]bool{}
	for _, d := range details {
		want[d] = true
	}
	return &basicWriter{
		db:      db,
		book:    book,
		norm:    normalize.New(schema.MustTable(schema.TableBasicUnits), normalize.Options{Source: schema.SourceAPI, DownloadDate: now}),
		floor:   floor,
		details: want,
		log:     log,
	}
}

type queueKey struct {
	kind   string
	detail schema.DetailKind
}

type pendingItem struct {
	Item
	modified time.Time
}

// apply writes one page. A row replaces the stored one only when its
// modification stamp is strictly newer; rows at or before the floor are only
// admitted as updates of known units.
func (w *basicWriter) apply(ctx context.Context, page Page) error {
	t := w.norm.Table()
	b := records.NewBatch(t.Name)
	for c, typ := range t.Types() {
		b.Types[c] = typ
	}
	for _, u := range page.Items {
		b.Add(w.norm.Row(u))
	}
	w.stats.Fetched += b.Len()

	applied, res, err := w.db.UpsertNewer(ctx, t.Spec(), b, guardColumn, w.floor)
	if err != nil {
		return fmt.Errorf("basic units: %w", err)
	}
	w.stats.Applied += len(applied)
	w.stats.Stale += res.Stale
	metrics.RecordRows(t.Name, res.Inserted)

	groups := map[queueKey][]pendingItem{}
	var order []queueKey
	for _, r := range applied {
		mod, _ := storage.AsTime(r[guardColumn])
		if mod.After(w.stats.Newest) {
			w.stats.Newest = mod
		}
		label, _ := r.String("Einheittyp")
		k, ok := schema.KindForEinheittyp(label)
		if !ok {
			continue
		}
		unit, _ := r.String("EinheitMastrNummer")
		for _, d := range k.Details {
			if !w.details[d] {
				continue
			}
			id, ok := r.String(d.Key())
			if !ok {
				continue
			}
			qk := queueKey{kind: k.Name, detail: d}
			if _, seen := groups[qk]; !seen {
				order = append(order, qk)
			}
			groups[qk] = append(groups[qk], pendingItem{Item: Item{UnitID: unit, DataID: id}, modified: mod})
		}
	}

	for _, qk := range order {
		n, err := w.enqueue(ctx, qk, groups[qk])
		if err != nil {
			return err
		}
		w.stats.Enqueued += n
	}
	return nil
}

// enqueue adds the items whose detail row is missing or older than the
// basic row.
func (w *basicWriter) enqueue(ctx context.Context, qk queueKey, items []pendingItem) (int64, error) {
	k, _ := schema.LookupUnitKind(qk.kind)
	table := qk.detail.Table(k)
	if err := w.db.EnsureTable(ctx, schema.MustTable(table).Spec()); err != nil {
		return 0, err
	}

	keys := make([]string, len(items))
	for i, it := range items {
		keys[i] = it.DataID
	}
	stored, err := w.db.GuardValues(ctx, table, qk.detail.Key(), guardColumn, keys)
	if err != nil {
		return 0, err
	}

	var due []Item
	for _, it := range items {
		prev, ok := stored[storage.NormalizeKey(it.DataID)]
		if ok {
			if pt, has := storage.AsTime(prev); has && !it.modified.After(pt) {
				continue
			}
		}
		due = append(due, it.Item)
	}
	return w.book.Units(k, qk.detail).Enqueue(ctx, due)
}
