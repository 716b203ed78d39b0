package outputtree

import "fmt"

// PerfHeader is the fixed column order for perf.csv.
var PerfHeader = []string{"event", "counter", "counter_unit", "metric", "metric_unit", "runtime_pct"}

// PerfRow is one row of perf.csv.
type PerfRow struct {
	Event       string
	Counter     *int64
	CounterUnit string
	Metric      *float64
	MetricUnit  string
	RuntimePct  float64
}

// Strings renders a PerfRow as a []string in PerfHeader order. A nil
// Counter/Metric (not collected, e.g. a dropped probe) is written empty.
func (r PerfRow) Strings() []string {
	counter, metric := "", ""
	if r.Counter != nil {
		counter = fmt.Sprintf("%d", *r.Counter)
	}
	if r.Metric != nil {
		metric = fmt.Sprintf("%g", *r.Metric)
	}
	return []string{r.Event, counter, r.CounterUnit, metric, r.MetricUnit, fmt.Sprintf("%g", r.RuntimePct)}
}

// EnergyHeader is the fixed column order for package-*.csv.
var EnergyHeader = []string{"timestamp_ns", "energy_uj"}

// EnergyRow is one row of a per-subzone energy CSV.
type EnergyRow struct {
	TimestampNS uint64
	EnergyUJ    uint64
}

func (r EnergyRow) Strings() []string {
	return []string{fmt.Sprintf("%d", r.TimestampNS), fmt.Sprintf("%d", r.EnergyUJ)}
}

// IoHeader is the fixed column order for io.csv: a flat
// key/value table, so disk rows and the SGX counter merge share one shape.
var IoHeader = []string{"key", "value"}

// IoRow is one row of io.csv.
type IoRow struct {
	Key   string
	Value string
}

func (r IoRow) Strings() []string { return []string{r.Key, r.Value} }

// TraceHeader is the fixed column order for trace.csv.
var TraceHeader = []string{"timestamp_ns", "event"}

// DeepTraceEventKind enumerates the deep-trace event names.
type DeepTraceEventKind string

const (
	EventSysRead     DeepTraceEventKind = "sys-read"
	EventSysWrite    DeepTraceEventKind = "sys-write"
	EventMMPageAlloc DeepTraceEventKind = "mm-page-alloc"
	EventMMPageFree  DeepTraceEventKind = "mm-page-free"
	EventKmalloc     DeepTraceEventKind = "kmalloc"
	EventKfree       DeepTraceEventKind = "kfree"
	EventDiskRead    DeepTraceEventKind = "disk-read"
	EventDiskWrite   DeepTraceEventKind = "disk-write"
)

// TraceRow is one row of trace.csv.
type TraceRow struct {
	TimestampNS uint64
	Event       DeepTraceEventKind
}

func (r TraceRow) Strings() []string {
	return []string{fmt.Sprintf("%d", r.TimestampNS), string(r.Event)}
}
