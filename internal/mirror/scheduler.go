package mirror

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"mastr/internal/metrics"
	"mastr/internal/normalize"
	"mastr/internal/schema"
	"mastr/internal/soap"
	"mastr/internal/storage"
	"mastr/pkg/records"
)

// Caller invokes one registry operation; *soap.Client satisfies it.
type Caller interface {
	Call(ctx context.Context, op string, p soap.Params) (map[string]any, error)
}

// Miss reasons besides soap.Outcome values.
const (
	ReasonTimeout  = "timeout"
	ReasonEmpty    = "empty"
	ReasonQuota    = "quota"
	// ReasonRejected marks an answer the store refused row by row.
	ReasonRejected = "rejected"
)

// RunOptions bound one scheduler run.
type RunOptions struct {
	// ChunkSize is the number of requests popped per round.
	ChunkSize int
	// Limit caps the requests processed in this run; <= 0 means no cap.
	Limit int
	// Timeout bounds each detail call; <= 0 means no per-call timeout.
	Timeout time.Duration
	// Workers is the number of concurrent calls.
	Workers int
}

func (o RunOptions) withDefaults() RunOptions {
	if o.ChunkSize <= 0 {
		o.ChunkSize = 1000
	}
	if o.Workers <= 0 {
		o.Workers = 1
	}
	return o
}

// Stats totals one scheduler run.
type Stats struct {
	Requested int
	Succeeded int
	Missed    int
	// Empty counts answers that carried no record for the key. They are also
	// counted in Missed.
	Empty    int
	Retried  int
	Inserted int64
	// QuotaHit is set when the run stopped on quota exhaustion.
	QuotaHit bool
	// Break is set when a chunk inserted nothing and the run stopped early.
	Break bool
}

func (s *Stats) add(o Stats) {
	s.Requested += o.Requested
	s.Succeeded += o.Succeeded
	s.Missed += o.Missed
	s.Empty += o.Empty
	s.Retried += o.Retried
	s.Inserted += o.Inserted
	s.QuotaHit = s.QuotaHit || o.QuotaHit
	s.Break = s.Break || o.Break
}

// Scheduler executes queued detail lookups.
type Scheduler struct {
	db     *storage.DB
	caller Caller
	log    Logger
	now    func() time.Time
}

// NewScheduler returns a scheduler writing detail rows into db.
func NewScheduler(db *storage.DB, caller Caller, log Logger) *Scheduler {
	if log == nil {
		log = discardLogger{}
	}
	return &Scheduler{db: db, caller: caller, log: log, now: time.Now}
}

type outcome struct {
	row    records.Record
	reason string
}

// Run drains q in chunks until the limit is reached, q has no request left
// past the cursor, the quota is exhausted, or a chunk inserts no row.
//
// Requests are read in insertion order and deleted only after their detail
// row is committed, so an interrupted run loses no work. A miss keeps its
// request in the book and adds an audit row. Access denial aborts the run.
func (s *Scheduler) Run(ctx context.Context, q *Queue, opt RunOptions) (Stats, error) {
	opt = opt.withDefaults()
	var total Stats

	t, ok := schema.LookupTable(q.Target().Table)
	if !ok {
		return total, fmt.Errorf("scheduler %s: table %s not registered", q.Name(), q.Target().Table)
	}
	if err := s.db.EnsureTable(ctx, t.Spec()); err != nil {
		return total, err
	}
	norm := normalize.New(t, normalize.Options{Source: schema.SourceAPI, DownloadDate: s.now()})

	cursor := ""
	for opt.Limit <= 0 || total.Requested < opt.Limit {
		n := opt.ChunkSize
		if opt.Limit > 0 {
			n = min(n, opt.Limit-total.Requested)
		}
		reqs, err := q.Pop(ctx, cursor, n)
		if err != nil {
			return total, err
		}
		if len(reqs) == 0 {
			break
		}
		cursor = reqs[len(reqs)-1].ID

		st, err := s.chunk(ctx, q, norm, reqs, opt)
		total.add(st)
		if err != nil {
			return total, err
		}
		s.log.Printf("scheduler queue=%s chunk=%d succeeded=%d missed=%d empty=%d inserted=%d",
			q.Name(), len(reqs), st.Succeeded, st.Missed, st.Empty, st.Inserted)
		if st.QuotaHit {
			s.log.Printf("scheduler queue=%s stopped: daily quota exhausted", q.Name())
			break
		}
		if st.Inserted == 0 {
			total.Break = true
			s.log.Printf("scheduler queue=%s emergency break: chunk inserted no rows (missed=%d empty=%d)",
				q.Name(), st.Missed, st.Empty)
			break
		}
	}
	return total, nil
}

func (s *Scheduler) chunk(ctx context.Context, q *Queue, norm *normalize.Normalizer, reqs []Request, opt RunOptions) (Stats, error) {
	st := Stats{Requested: len(reqs)}
	target := q.Target()
	results := make([]outcome, len(reqs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opt.Workers)
	for i, r := range reqs {
		g.Go(func() error {
			o, err := s.lookup(gctx, target, norm, r, opt.Timeout)
			if err != nil {
				return err
			}
			results[i] = o
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return st, err
	}

	batch := records.NewBatch(norm.Table().Name)
	for c, typ := range norm.Table().Types() {
		batch.Types[c] = typ
	}
	var done []Request
	var misses []Miss
	for i, o := range results {
		if o.reason != "" {
			misses = append(misses, Miss{Request: reqs[i], Reason: o.reason})
			metrics.RecordMiss(o.reason)
			switch o.reason {
			case ReasonEmpty:
				st.Empty++
			case ReasonQuota:
				st.QuotaHit = true
			}
			continue
		}
		batch.Add(o.row)
		done = append(done, reqs[i])
	}
	if batch.Len() > 0 {
		res, err := s.db.Upsert(ctx, norm.Table().Spec(), batch)
		if err != nil {
			return st, fmt.Errorf("scheduler %s: %w", q.Name(), err)
		}
		st.Inserted = res.Inserted
		metrics.RecordRows(norm.Table().Name, res.Inserted)
		if len(res.SkippedKeys) > 0 {
			done, misses = rejectSkipped(done, misses, res.SkippedKeys)
		}
	}
	st.Missed = len(misses)
	st.Succeeded = len(done)
	if err := q.Settle(ctx, done, misses); err != nil {
		return st, fmt.Errorf("scheduler %s: %w", q.Name(), err)
	}
	return st, nil
}

// rejectSkipped moves requests whose rows the store skipped from done to
// misses, so they stay audited instead of being settled as fetched.
func rejectSkipped(done []Request, misses []Miss, skipped []string) ([]Request, []Miss) {
	set := make(map[string]bool, len(skipped))
	for _, k := range skipped {
		set[k] = true
	}
	kept := done[:0]
	for _, r := range done {
		if set[storage.NormalizeKey(r.DataID)] {
			misses = append(misses, Miss{Request: r, Reason: ReasonRejected})
			metrics.RecordMiss(ReasonRejected)
			continue
		}
		kept = append(kept, r)
	}
	return kept, misses
}

// lookup performs one detail call. Recoverable failures become a miss
// reason; the returned error is reserved for access denial and cancellation
// of the run.
func (s *Scheduler) lookup(ctx context.Context, target Target, norm *normalize.Normalizer, r Request, timeout time.Duration) (outcome, error) {
	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	m, err := s.caller.Call(callCtx, target.Op, soap.Params{target.Param: r.DataID})
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return outcome{}, ctx.Err()
	case errors.Is(err, soap.ErrAccessDenied):
		return outcome{}, err
	case errors.Is(err, context.DeadlineExceeded):
		return outcome{reason: ReasonTimeout}, nil
	case errors.Is(err, soap.ErrQuotaExceeded):
		return outcome{reason: ReasonQuota}, nil
	default:
		s.log.Printf("scheduler op=%s key=%s miss: %v", target.Op, r.DataID, err)
		return outcome{reason: soap.Outcome(err)}, nil
	}

	row := norm.Row(m)
	if key, ok := row.String(target.Key); !ok || key == "" {
		return outcome{reason: ReasonEmpty}, nil
	}
	return outcome{row: row}, nil
}
