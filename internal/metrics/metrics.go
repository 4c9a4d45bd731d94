// Package metrics is the backend-neutral metrics facade. Pipeline code
// records through the package-level helpers; cmd wires a concrete backend.
package metrics

import (
	"sync"
	"time"
)

// Labels are metric dimensions.
type Labels map[string]string

// Backend receives metric observations.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
}

// Flusher is implemented by backends that buffer.
type Flusher interface {
	Flush() error
}

// Metric names.
const (
	RecordsTotal        = "mastr_records_total"
	ShardsTotal         = "mastr_shards_total"
	SoapCallsTotal      = "mastr_soap_calls_total"
	MissesTotal         = "mastr_misses_total"
	StageDurationSecond = "mastr_stage_duration_seconds"
	SoapCallSeconds     = "mastr_soap_call_seconds"
)

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs b; nil restores the no-op backend.
func SetBackend(b Backend) {
	if b == nil {
		b = nopBackend{}
	}
	mu.Lock()
	backend = b
	mu.Unlock()
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// IncCounter forwards to the installed backend.
func IncCounter(name string, delta float64, labels Labels) {
	current().IncCounter(name, delta, labels)
}

// ObserveHistogram forwards to the installed backend.
func ObserveHistogram(name string, value float64, labels Labels) {
	current().ObserveHistogram(name, value, labels)
}

// Flush flushes the installed backend when it buffers.
func Flush() error {
	if f, ok := current().(Flusher); ok {
		return f.Flush()
	}
	return nil
}

// RecordRows counts rows written to table.
func RecordRows(table string, n int64) {
	if n > 0 {
		IncCounter(RecordsTotal, float64(n), Labels{"table": table})
	}
}

// RecordShard counts one ingested shard of family.
func RecordShard(family string) {
	IncCounter(ShardsTotal, 1, Labels{"family": family})
}

// RecordSoapCall counts one SOAP call and its latency.
func RecordSoapCall(operation, outcome string, d time.Duration) {
	IncCounter(SoapCallsTotal, 1, Labels{"operation": operation, "outcome": outcome})
	ObserveHistogram(SoapCallSeconds, d.Seconds(), Labels{"operation": operation})
}

// RecordMiss counts one detail lookup miss.
func RecordMiss(reason string) {
	IncCounter(MissesTotal, 1, Labels{"reason": reason})
}

// RecordStage records the duration of a pipeline stage.
func RecordStage(stage string, err error, d time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	ObserveHistogram(StageDurationSecond, d.Seconds(), Labels{"stage": stage, "status": status})
}
