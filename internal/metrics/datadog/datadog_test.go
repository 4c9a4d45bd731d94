package datadog

import (
	"context"
	"errors"
	"net/http"
	"os"
	"reflect"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"mastr/internal/metrics"

	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"
)

// fakeSubmitter captures payloads submitted by Backend.Flush().
type fakeSubmitter struct {
	mu       sync.Mutex
	payloads []datadogV2.MetricPayload
	err      error
}

func (f *fakeSubmitter) SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, body)
	return datadogV2.IntakePayloadAccepted{}, nil, f.err
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

func (f *fakeSubmitter) last() (datadogV2.MetricPayload, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.payloads) == 0 {
		return datadogV2.MetricPayload{}, false
	}
	return f.payloads[len(f.payloads)-1], true
}

func quietOptions(fs *fakeSubmitter) Options {
	return Options{
		JobName:    "job1",
		FlushEvery: 24 * time.Hour,
		submitter:  fs,
		now:        func() time.Time { return time.Unix(1000, 0) },
		newTicker:  func(time.Duration) *time.Ticker { return time.NewTicker(24 * time.Hour) },
	}
}

// TestResolveEnvTag verifies environment-tag precedence and defaults.
func TestResolveEnvTag(t *testing.T) {
	oldENV := os.Getenv("ENV")
	oldDDENV := os.Getenv("DD_ENV")
	t.Cleanup(func() {
		_ = os.Setenv("ENV", oldENV)
		_ = os.Setenv("DD_ENV", oldDDENV)
	})

	tests := []struct {
		name string
		env  string
		dd   string
		want string
	}{
		{name: "ENV_wins", env: "prod", dd: "stage", want: "env:prod"},
		{name: "DD_ENV_used_when_ENV_empty", env: "", dd: "stage", want: "env:stage"},
		{name: "whitespace_ignored", env: "   ", dd: "\n\t", want: "env:unknown"},
		{name: "default_unknown", env: "", dd: "", want: "env:unknown"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_ = os.Setenv("ENV", tc.env)
			_ = os.Setenv("DD_ENV", tc.dd)
			if got := resolveEnvTag(); got != tc.want {
				t.Fatalf("resolveEnvTag()=%q, want %q", got, tc.want)
			}
		})
	}
}

func TestWrapInitErr(t *testing.T) {
	if got := wrapInitErr(nil); got != nil {
		t.Fatalf("wrapInitErr(nil)=%v, want nil", got)
	}
	in := errors.New("boom")
	got := wrapInitErr(in)
	if !errors.Is(got, in) || !strings.Contains(got.Error(), "datadog metrics init:") {
		t.Fatalf("wrapInitErr=%v", got)
	}
}

func TestSeriesKeyRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		labels metrics.Labels
		want   []string
	}{
		{name: "no_labels", labels: nil, want: []string{}},
		{name: "sorted", labels: metrics.Labels{"status": "ok", "stage": "bulk"}, want: []string{"stage:bulk", "status:ok"}},
		{name: "empty_value", labels: metrics.Labels{"reason": ""}, want: []string{"reason:unknown"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			metric, tags := splitSeriesKey(seriesKey("mastr.x", tc.labels))
			if metric != "mastr.x" {
				t.Fatalf("metric=%q", metric)
			}
			if !reflect.DeepEqual(tags, tc.want) {
				t.Fatalf("tags=%v, want %v", tags, tc.want)
			}
		})
	}
}

func TestPercentileNearestRank(t *testing.T) {
	s := []float64{1, 2, 3, 4, 5}
	tests := []struct {
		p    float64
		want float64
	}{
		{0, 1}, {0.5, 3}, {0.9, 5}, {1, 5},
	}
	for _, tc := range tests {
		if got := percentileNearestRank(s, tc.p); got != tc.want {
			t.Fatalf("p=%v got %v, want %v", tc.p, got, tc.want)
		}
	}
	if got := percentileNearestRank(nil, 0.5); got != 0 {
		t.Fatalf("empty=%v", got)
	}
}

func TestAddPercentiles(t *testing.T) {
	var series []datadogV2.MetricSeries
	samples := []float64{3, 1, 2}
	addPercentiles(&series, []string{"stage:bulk"}, "mastr.stage.duration_seconds", samples, 10)
	if len(series) != 6 {
		t.Fatalf("series=%d, want 6", len(series))
	}
	if samples[0] != 3 {
		t.Fatalf("input mutated: %v", samples)
	}
	if got := *series[4].Points[0].Value; series[4].Metric != "mastr.stage.duration_seconds.max" || got != 3 {
		t.Fatalf("max series=%s %v", series[4].Metric, got)
	}
	addPercentiles(&series, nil, "x", nil, 10)
	if len(series) != 6 {
		t.Fatalf("empty samples added series")
	}
}

func TestNewBackend_Defaults(t *testing.T) {
	fs := &fakeSubmitter{}
	opts := quietOptions(fs)
	opts.JobName = ""
	opts.FlushEvery = 0
	opts.Tags = []string{"service:mastr"}

	b, err := NewBackend(context.Background(), opts)
	if err != nil {
		t.Fatalf("NewBackend() err=%v, want nil", err)
	}
	defer func() { _ = b.Close() }()

	if !contains(b.baseTags, "job:mastr") || !contains(b.baseTags, "service:mastr") {
		t.Fatalf("baseTags=%v", b.baseTags)
	}
	if b.flushEvery != 60*time.Second {
		t.Fatalf("flushEvery=%s, want 60s", b.flushEvery)
	}
}

func TestFlush_SubmitsAndResets(t *testing.T) {
	fs := &fakeSubmitter{}
	b, err := NewBackend(context.Background(), quietOptions(fs))
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	defer func() { _ = b.Close() }()

	b.IncCounter(metrics.RecordsTotal, 3, metrics.Labels{"table": "wind_eeg"})
	b.IncCounter(metrics.RecordsTotal, 2, metrics.Labels{"table": "wind_eeg"})
	b.IncCounter(metrics.MissesTotal, 1, metrics.Labels{"reason": "timeout"})
	b.ObserveHistogram(metrics.SoapCallSeconds, 0.2, metrics.Labels{"operation": "GetEinheitWind"})

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v, want nil", err)
	}
	if fs.count() != 1 {
		t.Fatalf("submit calls=%d, want 1", fs.count())
	}
	if len(b.counters) != 0 || len(b.samples) != 0 {
		t.Fatalf("buffers not reset after Flush")
	}

	payload, _ := fs.last()
	byName := map[string]datadogV2.MetricSeries{}
	for _, s := range payload.Series {
		byName[s.Metric] = s
	}
	rec, ok := byName["mastr.records.total"]
	if !ok || *rec.Points[0].Value != 5 || !contains(rec.Tags, "table:wind_eeg") || !contains(rec.Tags, "job:job1") {
		t.Fatalf("records series=%+v", rec)
	}
	for _, w := range []string{"mastr.misses.total", "mastr.soap.call_seconds.p50", "mastr.soap.call_seconds.samples"} {
		if _, ok := byName[w]; !ok {
			t.Fatalf("payload missing %s", w)
		}
	}
}

func TestFlush_NoDataDoesNotSubmit(t *testing.T) {
	fs := &fakeSubmitter{}
	b, err := NewBackend(context.Background(), quietOptions(fs))
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	defer func() { _ = b.Close() }()

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v, want nil", err)
	}
	if fs.count() != 0 {
		t.Fatalf("unexpected submission count=%d, want 0", fs.count())
	}
}

func TestFlush_SubmitErrorStillResets(t *testing.T) {
	fs := &fakeSubmitter{err: errors.New("intake down")}
	b, err := NewBackend(context.Background(), quietOptions(fs))
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	b.IncCounter(metrics.ShardsTotal, 1, metrics.Labels{"family": "EinheitenWind"})
	if err := b.Flush(); err == nil {
		t.Fatalf("Flush() err=nil, want submit error")
	}
	if len(b.counters) != 0 {
		t.Fatalf("buffers kept after failed submit")
	}
	fs.err = nil
	if err := b.Close(); err != nil {
		t.Fatalf("Close() err=%v", err)
	}
}

func TestLoopAndClose(t *testing.T) {
	fs := &fakeSubmitter{}
	b, err := NewBackend(context.Background(), Options{
		JobName:    "job1",
		FlushEvery: 5 * time.Millisecond,
		submitter:  fs,
		now:        func() time.Time { return time.Unix(2000, 0) },
	})
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}

	b.IncCounter(metrics.ShardsTotal, 1, metrics.Labels{"family": "EinheitenSolar"})

	deadline := time.Now().Add(250 * time.Millisecond)
	for time.Now().Before(deadline) && fs.count() < 1 {
		time.Sleep(2 * time.Millisecond)
	}
	if fs.count() < 1 {
		_ = b.Close()
		t.Fatalf("expected at least one background Flush submission; got %d", fs.count())
	}

	b.IncCounter(metrics.ShardsTotal, 1, metrics.Labels{"family": "EinheitenSolar"})
	if err := b.Close(); err != nil {
		t.Fatalf("Close() err=%v, want nil", err)
	}
	if fs.count() < 2 {
		t.Fatalf("expected at least 2 submissions after Close; got %d", fs.count())
	}
}

func TestBackend_ConcurrentAccess(t *testing.T) {
	fs := &fakeSubmitter{}
	b, err := NewBackend(context.Background(), quietOptions(fs))
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	defer func() { _ = b.Close() }()

	workers := runtime.GOMAXPROCS(0) * 4
	iters := 2000

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < iters; j++ {
				b.IncCounter(metrics.SoapCallsTotal, 1, metrics.Labels{"operation": "GetEinheitSolar", "outcome": "ok"})
				b.ObserveHistogram(metrics.StageDurationSecond, 0.01, metrics.Labels{"stage": "api", "status": "ok"})
			}
		}()
	}
	wg.Wait()

	want := float64(workers * iters)
	if got := b.counters[seriesKey("mastr.soap.calls.total", metrics.Labels{"operation": "GetEinheitSolar", "outcome": "ok"})]; got != want {
		t.Fatalf("counter=%v, want %v", got, want)
	}
	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v, want nil", err)
	}
	if fs.count() != 1 {
		t.Fatalf("submit calls=%d, want 1", fs.count())
	}
}

func TestIncCounterAndObserveHistogram_Ignored(t *testing.T) {
	fs := &fakeSubmitter{}
	b, err := NewBackend(context.Background(), quietOptions(fs))
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	defer func() { _ = b.Close() }()

	b.IncCounter(metrics.RecordsTotal, 0, nil)
	b.IncCounter(metrics.RecordsTotal, -1, nil)
	b.IncCounter("etl_step_total", 1, nil)
	b.ObserveHistogram(metrics.SoapCallSeconds, -0.1, nil)
	b.ObserveHistogram("unknown_histogram", 1, nil)

	if len(b.counters) != 0 || len(b.samples) != 0 {
		t.Fatalf("ignored observations were buffered: %v %v", b.counters, b.samples)
	}
}

func contains[T comparable](xs []T, v T) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

func TestParseTagsCSV(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"env:prod", []string{"env:prod"}},
		{" env:prod , ,service:mastr ", []string{"env:prod", "service:mastr"}},
	}
	for _, tc := range tests {
		if got := ParseTagsCSV(tc.in); !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("ParseTagsCSV(%q)=%v, want %v", tc.in, got, tc.want)
		}
	}
}
