package mirror

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"mastr/internal/schema"
	"mastr/internal/storage"
	"mastr/pkg/records"
)

// Request is one pending detail lookup popped from the book.
type Request struct {
	ID string
	// UnitID is the unit or location the lookup belongs to.
	UnitID string
	// DataID is the key sent to the detail operation.
	DataID string
}

// Item is a lookup to enqueue.
type Item struct {
	UnitID string
	DataID string
}

// Miss is a failed lookup and the reason it failed.
type Miss struct {
	Request
	Reason string
}

// Target is the operation serving a queue and the table it fills.
type Target struct {
	Op    string
	Param string
	Table string
	Key   string
}

// bookShape describes one pair of request and audit tables.
type bookShape struct {
	requested schema.Table
	missed    schema.Table
	unitCol   string
	dataCol   string
	groupCol  string
	typeCol   string
}

var (
	unitBook = bookShape{
		requested: schema.MustTable(schema.TableDataRequested),
		missed:    schema.MustTable(schema.TableDataMissed),
		unitCol:   "EinheitMastrNummer",
		dataCol:   "additional_data_id",
		groupCol:  "technology",
		typeCol:   "data_type",
	}
	locationBook = bookShape{
		requested: schema.MustTable(schema.TableLocationsRequested),
		missed:    schema.MustTable(schema.TableLocationsMissed),
		unitCol:   "LokationMastrNummer",
		dataCol:   "LokationMastrNummer",
		groupCol:  "location_type",
	}
)

// Book is the persistent request book. Rows outlive a run; a request leaves
// the book only after its detail row is committed.
type Book struct {
	db  *storage.DB
	now func() time.Time
}

// NewBook returns a book over db.
func NewBook(db *storage.DB) *Book {
	return &Book{db: db, now: time.Now}
}

// Prepare creates the book tables.
func (b *Book) Prepare(ctx context.Context) error {
	for _, s := range []bookShape{unitBook, locationBook} {
		for _, t := range []schema.Table{s.requested, s.missed} {
			if err := b.db.EnsureTable(ctx, t.Spec()); err != nil {
				return err
			}
		}
	}
	return nil
}

// Queue is the slice of the book for one (unit kind, detail kind) or one
// location type.
type Queue struct {
	book     *Book
	shape    *bookShape
	group    string
	dataType string
	target   Target
}

// Units returns the queue of detail d for kind k.
func (b *Book) Units(k schema.UnitKind, d schema.DetailKind) *Queue {
	return &Queue{
		book: b, shape: &unitBook, group: k.Name, dataType: string(d),
		target: Target{Op: d.Operation(k), Param: d.Param(), Table: d.Table(k), Key: d.Key()},
	}
}

// Locations returns the queue of location type lt.
func (b *Book) Locations(lt schema.LocationType) *Queue {
	return &Queue{
		book: b, shape: &locationBook, group: lt.Label,
		target: Target{Op: lt.Op, Param: schema.LocationParam, Table: schema.TableLocationsExtended, Key: "MastrNummer"},
	}
}

// Name identifies the queue in logs and metrics.
func (q *Queue) Name() string {
	if q.dataType == "" {
		return q.group
	}
	return q.group + "/" + q.dataType
}

// Target returns the operation and table of the queue.
func (q *Queue) Target() Target { return q.target }

func (q *Queue) where(start int) (string, []any) {
	d := q.book.db.Dialect()
	w := d.Quote(q.shape.groupCol) + " = " + d.Placeholder(start)
	args := []any{q.group}
	if q.shape.typeCol != "" {
		w += " AND " + d.Quote(q.shape.typeCol) + " = " + d.Placeholder(start+1)
		args = append(args, q.dataType)
	}
	return w, args
}

// Enqueue adds lookups; items already pending are ignored.
func (q *Queue) Enqueue(ctx context.Context, items []Item) (int64, error) {
	if len(items) == 0 {
		return 0, nil
	}
	t := q.shape.requested
	now := q.book.now().UTC()
	batch := records.NewBatch(t.Name)
	for c, typ := range t.Types() {
		batch.Types[c] = typ
	}
	for _, it := range items {
		r := records.Record{
			"id":                   newID(),
			q.shape.unitCol:        it.UnitID,
			q.shape.groupCol:       q.group,
			"request_date":         now,
			schema.ColSource:       schema.SourceAPI,
			schema.ColDownloadDate: day(now),
		}
		r[q.shape.dataCol] = it.DataID
		if q.shape.typeCol != "" {
			r[q.shape.typeCol] = q.dataType
		}
		batch.Add(r)
	}
	res, err := q.book.db.InsertIgnore(ctx, t.Spec(), batch)
	return res.Inserted, err
}

// Pop reads up to n requests with an id after the cursor, in insertion
// order. Nothing is deleted.
func (q *Queue) Pop(ctx context.Context, after string, n int) ([]Request, error) {
	db := q.book.db
	d := db.Dialect()
	w, args := q.where(1)
	w += " AND " + d.Quote("id") + " > " + d.Placeholder(len(args)+1)
	args = append(args, after)

	sel := storage.ColumnList(d, []string{"id", q.shape.unitCol, q.shape.dataCol})
	rest := "FROM " + d.Quote(q.shape.requested.Name) + " WHERE " + w + " ORDER BY " + d.Quote("id")
	rows, err := db.QueryContext(ctx, d.LimitSQL(sel, rest, n), args...)
	if err != nil {
		return nil, fmt.Errorf("pop %s: %w", q.Name(), err)
	}
	defer rows.Close()

	var out []Request
	for rows.Next() {
		var r Request
		if err := rows.Scan(&r.ID, &r.UnitID, &r.DataID); err != nil {
			return nil, fmt.Errorf("pop %s: %w", q.Name(), err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Pending counts the requests in the queue.
func (q *Queue) Pending(ctx context.Context) (int, error) {
	d := q.book.db.Dialect()
	w, args := q.where(1)
	var n int
	err := q.book.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+d.Quote(q.shape.requested.Name)+" WHERE "+w, args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("pending %s: %w", q.Name(), err)
	}
	return n, nil
}

// Settle records misses and deletes satisfied requests in one transaction.
// Callers settle only after the detail rows of done are committed.
func (q *Queue) Settle(ctx context.Context, done []Request, misses []Miss) error {
	if len(done) == 0 && len(misses) == 0 {
		return nil
	}
	db := q.book.db
	now := q.book.now().UTC()
	return db.InTx(ctx, func(tx storage.Querier) error {
		for _, m := range misses {
			if err := q.insertMiss(ctx, tx, m, now); err != nil {
				return err
			}
		}
		ids := make([]string, len(done))
		for i, r := range done {
			ids[i] = r.DataID
		}
		return q.deleteKeys(ctx, tx, ids)
	})
}

func (q *Queue) insertMiss(ctx context.Context, tx storage.Querier, m Miss, now time.Time) error {
	d := q.book.db.Dialect()
	cols := []string{"id", q.shape.unitCol}
	args := []any{newID(), m.UnitID}
	if q.shape.dataCol != q.shape.unitCol {
		cols = append(cols, q.shape.dataCol)
		args = append(args, m.DataID)
	}
	cols = append(cols, q.shape.groupCol)
	args = append(args, q.group)
	if q.shape.typeCol != "" {
		cols = append(cols, q.shape.typeCol)
		args = append(args, q.dataType)
	}
	cols = append(cols, "reason", schema.ColSource, schema.ColDownloadDate)
	args = append(args, normalizeReason(m.Reason), schema.SourceAPI, d.Bind(records.Date, day(now)))

	stmt := "INSERT INTO " + d.Quote(q.shape.missed.Name) + " (" + storage.ColumnList(d, cols) + ") VALUES (" + q.book.db.Placeholders(1, len(cols)) + ")"
	if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
		return &storage.WriteError{Table: q.shape.missed.Name, Op: "insert", Err: err}
	}
	return nil
}

func (q *Queue) deleteKeys(ctx context.Context, tx storage.Querier, keys []string) error {
	d := q.book.db.Dialect()
	const per = 500
	for start := 0; start < len(keys); start += per {
		chunk := keys[start:min(start+per, len(keys))]
		w, args := q.where(1)
		w += " AND " + d.Quote(q.shape.dataCol) + " IN (" + q.book.db.Placeholders(len(args)+1, len(chunk)) + ")"
		for _, k := range chunk {
			args = append(args, k)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+d.Quote(q.shape.requested.Name)+" WHERE "+w, args...); err != nil {
			return &storage.WriteError{Table: q.shape.requested.Name, Op: "delete", Err: err}
		}
	}
	return nil
}

// Requeue is the retry driver for earlier misses. A missed key that left the
// book and has no detail row is enqueued again while it has fewer than
// maxAttempts misses; at maxAttempts it is given up and removed from the book.
func (q *Queue) Requeue(ctx context.Context, maxAttempts int) (requeued, abandoned int, err error) {
	db := q.book.db
	d := db.Dialect()
	w, args := q.where(1)
	cols := storage.ColumnList(d, []string{q.shape.unitCol, q.shape.dataCol})
	rows, err := db.QueryContext(ctx,
		"SELECT "+cols+", COUNT(*) FROM "+d.Quote(q.shape.missed.Name)+" WHERE "+w+
			" GROUP BY "+storage.ColumnList(d, uniq(q.shape.unitCol, q.shape.dataCol)), args...)
	if err != nil {
		return 0, 0, fmt.Errorf("requeue %s: %w", q.Name(), err)
	}
	type missed struct {
		item  Item
		count int
	}
	var all []missed
	for rows.Next() {
		var m missed
		if err := rows.Scan(&m.item.UnitID, &m.item.DataID, &m.count); err != nil {
			rows.Close()
			return 0, 0, fmt.Errorf("requeue %s: %w", q.Name(), err)
		}
		all = append(all, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, 0, fmt.Errorf("requeue %s: %w", q.Name(), err)
	}
	if len(all) == 0 {
		return 0, 0, nil
	}

	keys := make([]string, len(all))
	for i, m := range all {
		keys[i] = m.item.DataID
	}
	pending, err := db.ExistingKeys(ctx, q.shape.requested.Name, q.shape.dataCol, keys)
	if err != nil {
		return 0, 0, err
	}
	stored, err := db.ExistingKeys(ctx, q.target.Table, q.target.Key, keys)
	if err != nil {
		return 0, 0, err
	}

	var again []Item
	var give []string
	for _, m := range all {
		k := storage.NormalizeKey(m.item.DataID)
		_, inBook := pending[k]
		_, done := stored[k]
		switch {
		case done:
		case m.count >= maxAttempts:
			if inBook {
				give = append(give, m.item.DataID)
			}
		case !inBook:
			again = append(again, m.item)
		}
	}
	if len(give) > 0 {
		if err := db.InTx(ctx, func(tx storage.Querier) error { return q.deleteKeys(ctx, tx, give) }); err != nil {
			return 0, 0, err
		}
	}
	n, err := q.Enqueue(ctx, again)
	return int(n), len(give), err
}

func uniq(a, b string) []string {
	if a == b {
		return []string{a}
	}
	return []string{a, b}
}

func newID() string { return uuid.Must(uuid.NewV7()).String() }

func day(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// normalizeReason keeps audit reasons short (for example "timeout").
func normalizeReason(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
