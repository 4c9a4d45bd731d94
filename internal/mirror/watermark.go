package mirror

import (
	"context"
	"fmt"
	"time"

	"mastr/internal/schema"
	"mastr/internal/storage"
	"mastr/pkg/records"
)

// Watermark keys besides unit kind names.
const (
	WatermarkAll       = "all"
	WatermarkLocations = "location"
)

// watermarkRef names a watermark and the stored rows it falls back to.
type watermarkRef struct {
	key   string
	table string
	where string
	args  []any
}

func unitWatermark(db *storage.DB, k *schema.UnitKind) watermarkRef {
	if k == nil {
		return watermarkRef{key: WatermarkAll, table: schema.TableBasicUnits}
	}
	return watermarkRef{
		key:   k.Name,
		table: schema.TableBasicUnits,
		where: db.Quote("Einheittyp") + " = " + db.Dialect().Placeholder(1),
		args:  []any{k.Einheittyp},
	}
}

func locationWatermark() watermarkRef {
	return watermarkRef{key: WatermarkLocations, table: schema.TableLocationBasic}
}

// storeMax is the newest modification stamp stored under w.
func (w watermarkRef) storeMax(ctx context.Context, db *storage.DB) (time.Time, bool, error) {
	return db.MaxTime(ctx, w.table, guardColumn, w.where, w.args...)
}

// ReadWatermark returns the stored last_modified for key k.
func ReadWatermark(ctx context.Context, db *storage.DB, k string) (time.Time, bool, error) {
	t, ok, _, err := lookupWatermark(ctx, db, k)
	return t, ok, err
}

// lookupWatermark also reports whether a row exists for k. A row without
// last_modified marks a first run that stopped at the limit.
func lookupWatermark(ctx context.Context, db *storage.DB, k string) (t time.Time, ok, exists bool, err error) {
	if !db.TableExists(ctx, schema.TableWatermark) {
		return time.Time{}, false, false, nil
	}
	q := "SELECT " + db.Quote("last_modified") + " FROM " + db.Quote(schema.TableWatermark) +
		" WHERE " + db.Quote("unit_kind") + " = " + db.Dialect().Placeholder(1)
	rows, err := db.QueryContext(ctx, q, k)
	if err != nil {
		return time.Time{}, false, false, fmt.Errorf("watermark %s: %w", k, err)
	}
	defer rows.Close()
	for rows.Next() {
		var v any
		if err := rows.Scan(&v); err != nil {
			return time.Time{}, false, false, fmt.Errorf("watermark %s: %w", k, err)
		}
		exists = true
		if wt, wok := storage.AsTime(v); wok && wt.After(t) {
			t, ok = wt, true
		}
	}
	return t, ok, exists, rows.Err()
}

// WriteWatermark stores t for key k. Callers write it only after a paginated
// run reached the end of data.
func WriteWatermark(ctx context.Context, db *storage.DB, k string, t, now time.Time) error {
	return writeWatermarkRow(ctx, db, records.Record{
		"unit_kind":     k,
		"last_modified": t.UTC(),
		"updated_at":    now.UTC(),
	}, now)
}

// markTruncated records that a run for k stopped at the limit before any
// watermark existed, so "latest" does not read the partial store as complete.
// An existing watermark is left alone.
func markTruncated(ctx context.Context, db *storage.DB, k string, now time.Time) error {
	if _, _, exists, err := lookupWatermark(ctx, db, k); err != nil || exists {
		return err
	}
	return writeWatermarkRow(ctx, db, records.Record{
		"unit_kind":  k,
		"updated_at": now.UTC(),
	}, now)
}

func writeWatermarkRow(ctx context.Context, db *storage.DB, r records.Record, now time.Time) error {
	tbl := schema.MustTable(schema.TableWatermark)
	b := records.NewBatch(tbl.Name)
	for c, typ := range tbl.Types() {
		b.Types[c] = typ
	}
	r[schema.ColSource] = schema.SourceAPI
	r[schema.ColDownloadDate] = day(now)
	b.Add(r)
	if err := db.EnsureTable(ctx, tbl.Spec()); err != nil {
		return err
	}
	_, err := db.Upsert(ctx, tbl.Spec(), b)
	return err
}
