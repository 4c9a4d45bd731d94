package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"mastr/pkg/records"
)

// WriteResult summarizes one writer call.
type WriteResult struct {
	// Inserted counts rows the backend reported as written (inserted or updated).
	Inserted int64
	// Duplicates counts rows dropped because the batch repeated a key.
	Duplicates int
	// Conflicts counts rows dropped because their key was already stored.
	Conflicts int
	// Stale counts rows an InsertNewer write skipped as not newer.
	Stale int
	// AddedColumns lists columns added by ALTER TABLE during the write.
	AddedColumns []string
	// Nulled counts cells replaced by NULL after a value-domain error.
	Nulled int
	// Skipped counts rows that still failed row-by-row and were dropped.
	Skipped int
	// SkippedKeys holds the normalized primary keys of the skipped rows.
	SkippedKeys []string
}

func (r *WriteResult) merge(o WriteResult) {
	r.Inserted += o.Inserted
	r.Duplicates += o.Duplicates
	r.Conflicts += o.Conflicts
	r.Stale += o.Stale
	r.AddedColumns = append(r.AddedColumns, o.AddedColumns...)
	r.Nulled += o.Nulled
	r.Skipped += o.Skipped
	r.SkippedKeys = append(r.SkippedKeys, o.SkippedKeys...)
}

// AppendOptions tunes Append.
type AppendOptions struct {
	// DropKeyConflicts reads the keys already stored for the batch and drops
	// matching rows before inserting. Only honored for single-column keys;
	// composite keys always insert with ignore-conflict semantics.
	DropKeyConflicts bool
}

// Append inserts the batch into spec's table.
//
// Behavior:
//   - Rows repeating a primary key within the batch keep the first occurrence.
//   - Single-column key + DropKeyConflicts: stored keys are dropped from the batch.
//   - Composite key: rows are inserted with ignore-conflict semantics.
//   - Columns absent from the table are added (schema drift).
//   - A value-domain error nulls the offending literal once and retries; rows
//     still failing are skipped one by one.
//
// Errors:
//   - Returns *WriteError for failures that recovery cannot handle.
func (db *DB) Append(ctx context.Context, spec TableSpec, b *records.Batch, opt AppendOptions) (WriteResult, error) {
	var res WriteResult
	if b.Len() == 0 {
		return res, nil
	}

	mode := InsertPlain
	if len(spec.PrimaryKey) > 1 {
		mode = InsertIgnore
	}

	if len(spec.PrimaryKey) > 0 {
		kept, dup := dedupeFirst(b.Rows, spec.PrimaryKey)
		b.Rows = kept
		res.Duplicates = dup
	}

	if key, ok := spec.SingleKey(); ok && opt.DropKeyConflicts {
		existing, err := db.ExistingKeys(ctx, spec.Name, key, keyStrings(b.Rows, key))
		if err != nil {
			return res, err
		}
		if len(existing) > 0 {
			kept := b.Rows[:0]
			for _, r := range b.Rows {
				if _, hit := existing[NormalizeKey(r[key])]; hit {
					res.Conflicts++
					continue
				}
				kept = append(kept, r)
			}
			b.Rows = kept
			db.log.Printf("table=%s dropped=%d reason=pk-conflict", spec.Name, res.Conflicts)
		}
	}

	w, err := db.write(ctx, spec, b, mode, "")
	res.merge(w)
	return res, err
}

// InsertIgnore inserts rows, silently skipping those whose key exists.
func (db *DB) InsertIgnore(ctx context.Context, spec TableSpec, b *records.Batch) (WriteResult, error) {
	var res WriteResult
	if b.Len() == 0 {
		return res, nil
	}
	if len(spec.PrimaryKey) > 0 {
		kept, dup := dedupeFirst(b.Rows, spec.PrimaryKey)
		b.Rows = kept
		res.Duplicates = dup
	}
	w, err := db.write(ctx, spec, b, InsertIgnore, "")
	res.merge(w)
	return res, err
}

// Upsert inserts rows or replaces every non-key column of an existing row
// with the same key. Within the batch the last row for a key wins.
func (db *DB) Upsert(ctx context.Context, spec TableSpec, b *records.Batch) (WriteResult, error) {
	var res WriteResult
	if b.Len() == 0 {
		return res, nil
	}
	if len(spec.PrimaryKey) == 0 {
		return res, &WriteError{Table: spec.Name, Op: "upsert", Err: fmt.Errorf("table has no primary key")}
	}
	kept, dup := dedupeLast(b.Rows, spec.PrimaryKey)
	b.Rows = kept
	res.Duplicates = dup

	w, err := db.write(ctx, spec, b, InsertReplace, "")
	res.merge(w)
	return res, err
}

// UpsertNewer writes rows keyed by spec's single-column key, updating a
// stored row only when the incoming guard value is strictly greater.
//
// Rows whose guard is at or before floor (when floor is non-zero) are
// admitted only as updates of keys that already exist.
//
// The returned rows are the ones that actually changed the table, in batch
// order. Within the batch the row with the greatest guard wins per key.
func (db *DB) UpsertNewer(ctx context.Context, spec TableSpec, b *records.Batch, guard string, floor time.Time) ([]records.Record, WriteResult, error) {
	var res WriteResult
	if b.Len() == 0 {
		return nil, res, nil
	}
	key, ok := spec.SingleKey()
	if !ok {
		return nil, res, &WriteError{Table: spec.Name, Op: "upsert", Err: fmt.Errorf("guarded upsert needs a single-column key")}
	}

	kept, dup := dedupeNewest(b.Rows, key, guard)
	res.Duplicates = dup

	stored, err := db.GuardValues(ctx, spec.Name, key, guard, keyStrings(kept, key))
	if err != nil {
		return nil, res, err
	}

	applied := make([]records.Record, 0, len(kept))
	for _, r := range kept {
		incoming, _ := AsTime(r[guard])
		prev, exists := stored[NormalizeKey(r[key])]
		if !floor.IsZero() && !incoming.After(floor) && !exists {
			res.Stale++
			continue
		}
		if exists {
			prevT, hasPrev := AsTime(prev)
			if hasPrev && !incoming.After(prevT) {
				res.Stale++
				continue
			}
		}
		applied = append(applied, r)
	}
	b.Rows = applied

	w, err := db.write(ctx, spec, b, InsertNewer, guard)
	res.merge(w)
	if err != nil {
		return nil, res, err
	}
	return applied, res, nil
}

// ExistingKeys returns the subset of keys already stored in table.keyCol.
func (db *DB) ExistingKeys(ctx context.Context, table, keyCol string, keys []string) (map[string]struct{}, error) {
	out := map[string]struct{}{}
	err := db.selectByKeys(ctx, table, keyCol, "", keys, func(k, _ any) {
		out[NormalizeKey(k)] = struct{}{}
	})
	return out, err
}

// GuardValues returns key → stored valueCol for the keys already stored.
func (db *DB) GuardValues(ctx context.Context, table, keyCol, valueCol string, keys []string) (map[string]any, error) {
	out := map[string]any{}
	err := db.selectByKeys(ctx, table, keyCol, valueCol, keys, func(k, v any) {
		out[NormalizeKey(k)] = v
	})
	return out, err
}

func (db *DB) selectByKeys(ctx context.Context, table, keyCol, valueCol string, keys []string, fn func(k, v any)) error {
	if len(keys) == 0 {
		return nil
	}
	per := db.d.MaxParams()
	if per > 1000 {
		per = 1000
	}
	sel := db.d.Quote(keyCol)
	if valueCol != "" {
		sel += ", " + db.d.Quote(valueCol)
	}
	for start := 0; start < len(keys); start += per {
		end := min(start+per, len(keys))
		chunk := keys[start:end]
		q := fmt.Sprintf("SELECT %s FROM %s WHERE %s IN (%s)",
			sel, db.d.Quote(table), db.d.Quote(keyCol), db.Placeholders(1, len(chunk)))
		args := make([]any, len(chunk))
		for i, k := range chunk {
			args[i] = k
		}
		rows, err := db.raw.QueryContext(ctx, q, args...)
		if err != nil {
			return fmt.Errorf("select keys %s: %w", table, err)
		}
		for rows.Next() {
			var k, v any
			var scanErr error
			if valueCol != "" {
				scanErr = rows.Scan(&k, &v)
			} else {
				scanErr = rows.Scan(&k)
			}
			if scanErr != nil {
				rows.Close()
				return fmt.Errorf("scan keys %s: %w", table, scanErr)
			}
			fn(k, v)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("select keys %s: %w", table, err)
		}
		rows.Close()
	}
	return nil
}

// write sends b.Rows in parameter-bounded chunks.
func (db *DB) write(ctx context.Context, spec TableSpec, b *records.Batch, mode InsertMode, guard string) (WriteResult, error) {
	var res WriteResult
	if b.Len() == 0 {
		return res, nil
	}
	b.Rebuild()

	added, err := db.ensureColumns(ctx, spec.Name, b)
	res.AddedColumns = append(res.AddedColumns, added...)
	if err != nil {
		return res, err
	}

	per := db.d.MaxParams() / max(len(b.Columns), 1)
	if per < 1 {
		per = 1
	}
	if per > 1000 {
		per = 1000
	}
	for start := 0; start < len(b.Rows); start += per {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		end := min(start+per, len(b.Rows))
		if err := db.writeChunk(ctx, spec, b, start, end, mode, guard, &res); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (db *DB) writeChunk(ctx context.Context, spec TableSpec, b *records.Batch, start, end int, mode InsertMode, guard string, res *WriteResult) error {
	nulledOnce := false
	for attempt := 0; attempt <= len(b.Columns)+1; attempt++ {
		n, err := db.execInsert(ctx, spec, b, b.Rows[start:end], mode, guard)
		if err == nil {
			res.Inserted += n
			return nil
		}
		class, detail := db.d.Classify(err)
		switch class {
		case ErrUnknownColumn:
			col := records.Column{Name: detail, Type: b.Type(detail)}
			if real, ok := matchColumn(b.Columns, detail); ok {
				col = records.Column{Name: real, Type: b.Type(real)}
			}
			if aerr := db.AddColumn(ctx, spec.Name, col); aerr != nil {
				return aerr
			}
			res.AddedColumns = append(res.AddedColumns, col.Name)
			continue
		case ErrBadValue:
			if detail != "" && !nulledOnce {
				nulledOnce = true
				if c := nullLiteral(b.Rows[start:], detail); c > 0 {
					res.Nulled += c
					db.log.Printf("table=%s bad value %q replaced by NULL cells=%d", spec.Name, detail, c)
					continue
				}
			}
			return db.writeRowByRow(ctx, spec, b, start, end, mode, guard, res)
		default:
			return &WriteError{Table: spec.Name, Op: "insert", Err: err}
		}
	}
	return &WriteError{Table: spec.Name, Op: "insert", Err: fmt.Errorf("schema drift did not converge")}
}

// writeRowByRow is the last resort after a value-domain error: each row is
// inserted alone and rows that still fail are skipped and counted.
func (db *DB) writeRowByRow(ctx context.Context, spec TableSpec, b *records.Batch, start, end int, mode InsertMode, guard string, res *WriteResult) error {
	skipped := 0
	for i := start; i < end; i++ {
		row := b.Rows[i : i+1]
		n, err := db.execInsert(ctx, spec, b, row, mode, guard)
		if err != nil {
			class, detail := db.d.Classify(err)
			if class == ErrUnknownColumn {
				col := records.Column{Name: detail, Type: b.Type(detail)}
				if aerr := db.AddColumn(ctx, spec.Name, col); aerr != nil {
					return aerr
				}
				res.AddedColumns = append(res.AddedColumns, detail)
				n, err = db.execInsert(ctx, spec, b, row, mode, guard)
			}
		}
		if err != nil {
			class, _ := db.d.Classify(err)
			if class != ErrBadValue {
				return &WriteError{Table: spec.Name, Op: "insert", Err: err}
			}
			skipped++
			res.SkippedKeys = append(res.SkippedKeys, compositeKey(row[0], spec.PrimaryKey))
			continue
		}
		res.Inserted += n
	}
	if skipped > 0 {
		res.Skipped += skipped
		db.log.Printf("table=%s skipped=%d reason=bad-value", spec.Name, skipped)
	}
	return nil
}

func (db *DB) execInsert(ctx context.Context, spec TableSpec, b *records.Batch, rows []records.Record, mode InsertMode, guard string) (int64, error) {
	stmt := InsertStmt{
		Table:   spec.Name,
		Columns: b.Columns,
		Rows:    len(rows),
		Mode:    mode,
		Key:     spec.PrimaryKey,
		Guard:   guard,
	}
	q := db.d.InsertSQL(stmt)

	args := make([]any, 0, len(rows)*len(b.Columns))
	for _, r := range rows {
		for _, c := range b.Columns {
			args = append(args, db.d.Bind(b.Type(c), r[c]))
		}
	}
	out, err := db.raw.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	n, err := out.RowsAffected()
	if err != nil || n < 0 {
		return int64(len(rows)), nil
	}
	return n, nil
}

// ensureColumns adds batch columns missing from the table before inserting.
func (db *DB) ensureColumns(ctx context.Context, table string, b *records.Batch) ([]string, error) {
	set, err := db.columnSet(ctx, table)
	if err != nil {
		return nil, err
	}
	var added []string
	for _, c := range b.Columns {
		if _, ok := set[strings.ToLower(c)]; ok {
			continue
		}
		if err := db.AddColumn(ctx, table, records.Column{Name: c, Type: b.Type(c)}); err != nil {
			return added, err
		}
		added = append(added, c)
	}
	return added, nil
}

// nullLiteral replaces every string cell equal to lit with nil and returns
// the number of cells changed.
func nullLiteral(rows []records.Record, lit string) int {
	n := 0
	for _, r := range rows {
		for c, v := range r {
			if s, ok := v.(string); ok && s == lit {
				r[c] = nil
				n++
			}
		}
	}
	return n
}

func matchColumn(cols []string, name string) (string, bool) {
	for _, c := range cols {
		if strings.EqualFold(c, name) {
			return c, true
		}
	}
	return "", false
}

func keyStrings(rows []records.Record, key string) []string {
	out := make([]string, 0, len(rows))
	seen := make(map[string]struct{}, len(rows))
	for _, r := range rows {
		k := NormalizeKey(r[key])
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

// dedupeFirst keeps the first occurrence of each key.
func dedupeFirst(rows []records.Record, key []string) ([]records.Record, int) {
	seen := make(map[string]struct{}, len(rows))
	out := rows[:0]
	dropped := 0
	for _, r := range rows {
		k := compositeKey(r, key)
		if _, ok := seen[k]; ok {
			dropped++
			continue
		}
		seen[k] = struct{}{}
		out = append(out, r)
	}
	return out, dropped
}

// dedupeLast keeps the last occurrence of each key, at the position of the
// first one.
func dedupeLast(rows []records.Record, key []string) ([]records.Record, int) {
	pos := make(map[string]int, len(rows))
	out := make([]records.Record, 0, len(rows))
	for _, r := range rows {
		k := compositeKey(r, key)
		if i, ok := pos[k]; ok {
			out[i] = r
			continue
		}
		pos[k] = len(out)
		out = append(out, r)
	}
	return out, len(rows) - len(out)
}

// dedupeNewest keeps, per key, the row with the greatest guard value.
func dedupeNewest(rows []records.Record, key, guard string) ([]records.Record, int) {
	pos := make(map[string]int, len(rows))
	out := make([]records.Record, 0, len(rows))
	for _, r := range rows {
		k := NormalizeKey(r[key])
		i, ok := pos[k]
		if !ok {
			pos[k] = len(out)
			out = append(out, r)
			continue
		}
		cur, _ := AsTime(out[i][guard])
		next, _ := AsTime(r[guard])
		if next.After(cur) {
			out[i] = r
		}
	}
	return out, len(rows) - len(out)
}
