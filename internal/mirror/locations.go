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

// locationWriter mirrors the location list and enqueues location lookups.
type locationWriter struct {
	db    *storage.DB
	book  *Book
	norm  *normalize.Normalizer
	floor time.Time
	stats BasicStats
}

func newLocationWriter(db *storage.DB, book *Book, floor, now time.Time) *locationWriter {
	return &locationWriter{
		db:    db,
		book:  book,
		norm:  normalize.New(schema.MustTable(schema.TableLocationBasic), normalize.Options{Source: schema.SourceAPI, DownloadDate: now}),
		floor: floor,
	}
}

func (w *locationWriter) apply(ctx context.Context, page Page) error {
	t := w.norm.Table()
	b := records.NewBatch(t.Name)
	for c, typ := range t.Types() {
		b.Types[c] = typ
	}
	for _, it := range page.Items {
		b.Add(w.norm.Row(it))
	}
	w.stats.Fetched += b.Len()

	applied, res, err := w.db.UpsertNewer(ctx, t.Spec(), b, guardColumn, w.floor)
	if err != nil {
		return fmt.Errorf("locations: %w", err)
	}
	w.stats.Applied += len(applied)
	w.stats.Stale += res.Stale
	metrics.RecordRows(t.Name, res.Inserted)

	byType := map[string][]pendingItem{}
	var keys []string
	for _, r := range applied {
		id, ok := r.String("LokationMastrNummer")
		if !ok {
			continue
		}
		label, _ := r.String("Lokationtyp")
		if _, known := schema.LookupLocationType(label); !known {
			continue
		}
		mod, _ := storage.AsTime(r[guardColumn])
		if mod.After(w.stats.Newest) {
			w.stats.Newest = mod
		}
		byType[label] = append(byType[label], pendingItem{Item: Item{UnitID: id, DataID: id}, modified: mod})
		keys = append(keys, id)
	}
	if len(keys) == 0 {
		return nil
	}

	stored, err := w.db.GuardValues(ctx, schema.TableLocationsExtended, "MastrNummer", guardColumn, keys)
	if err != nil {
		return err
	}
	for _, lt := range schema.LocationTypes() {
		var due []Item
		for _, it := range byType[lt.Label] {
			if prev, ok := stored[storage.NormalizeKey(it.DataID)]; ok {
				if pt, has := storage.AsTime(prev); has && !it.modified.After(pt) {
					continue
				}
			}
			due = append(due, it.Item)
		}
		n, err := w.book.Locations(lt).Enqueue(ctx, due)
		if err != nil {
			return err
		}
		w.stats.Enqueued += n
	}
	return nil
}
