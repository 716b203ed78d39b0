// Package tracer — tracer.go
//
// Wires the loader and consumer into the collector.Armer/Handle
// contract: Arm loads+attaches the BPF collection and, for deep-trace
// iterations, starts the ring buffer consumer; the returned Handle's
// Drain reads agg_map/disk_counters/sgx_counters and serializes
// io.csv/trace.csv.
package tracer

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/octoreflex/sgxbench/internal/collector"
	"github.com/octoreflex/sgxbench/internal/outputtree"
)

// Tracer is a collector.Armer backed by the eBPF loader.
type Tracer struct {
	log *zap.Logger
	sgx bool
}

// New returns a Tracer. sgx controls whether the SGX kprobe set is
// attempted (only meaningful for gramine_sgx experiments).
func New(log *zap.Logger, sgx bool) *Tracer {
	return &Tracer{log: log, sgx: sgx}
}

// Arm loads a fresh BPF collection (maps are not shared across
// iterations; sharing would mix one iteration's counters into the
// next), attaches the required and optional probes, and — when
// deepTrace is set — starts the ring buffer consumer.
func (t *Tracer) Arm(ctx context.Context, targetPID int, deepTrace bool) (collector.Handle, error) {
	coll, err := Load()
	if err != nil {
		return nil, fmt.Errorf("tracer: %w", err)
	}
	objs, err := Attach(coll, uint32(targetPID), t.sgx, deepTrace)
	if err != nil {
		coll.Close()
		return nil, fmt.Errorf("tracer: %w", err)
	}
	for _, d := range objs.Dropped {
		t.log.Warn("tracer probe dropped", zap.String("probe", string(d)))
	}

	h := &handle{objs: objs, log: t.log, sgx: t.sgx}
	if deepTrace && objs.Events != nil {
		rd, err := newRingbufReader(objs.Events)
		if err != nil {
			t.log.Warn("deep-trace ring buffer unavailable, proceeding without trace.csv", zap.Error(err))
		} else {
			h.consumer = newConsumerFromReader(rd, t.log)
			h.consumer.Run()
		}
	}
	return h, nil
}

type handle struct {
	objs     *Objects
	consumer *Consumer
	log      *zap.Logger
	sgx      bool
}

func (h *handle) Kind() collector.Kind { return collector.KindTracer }

func (h *handle) Drain(w *outputtree.Writer) (collector.DrainStatus, error) {
	defer h.objs.Close()

	var traceRows [][]string
	if h.consumer != nil {
		h.consumer.Stop()
		h.consumer.Wait()
		if dropped := h.consumer.Dropped(); dropped > 0 {
			h.log.Warn("deep-trace consumer dropped malformed records", zap.Uint64("count", dropped))
		}
		if kernelDrops, err := h.objs.ReadDropCount(); err != nil {
			h.log.Warn("failed to read ring buffer drop counter", zap.Error(err))
		} else if kernelDrops > 0 {
			h.log.Warn("ring buffer submit failures during deep trace", zap.Uint64("count", kernelDrops))
		}
		for _, e := range h.consumer.Events() {
			row := outputtree.TraceRow{
				TimestampNS: e.TimestampNS,
				Event:       outputtree.DeepTraceEventKind(e.Kind.String()),
			}
			traceRows = append(traceRows, row.Strings())
		}
		if err := w.WriteCSV("trace.csv", outputtree.TraceHeader, traceRows); err != nil {
			return collector.StatusFailed, err
		}
	}

	aggRows, err := readAgg(h.objs.Agg)
	if err != nil {
		return collector.StatusFailed, fmt.Errorf("tracer: read agg_map: %w", err)
	}
	devNames, err := readPartitions()
	if err != nil {
		h.log.Warn("failed to read /proc/partitions, devices will be unnamed", zap.Error(err))
		devNames = map[uint64]string{}
	}
	diskRows, err := readDiskCounters(h.objs.DiskCounters, devNames)
	if err != nil {
		return collector.StatusFailed, fmt.Errorf("tracer: read disk_counters: %w", err)
	}
	// The sgx_counters map always exists in the collection; only emit
	// its rows when the SGX kprobe set was actually requested, so a
	// native run's io.csv never carries sgx.* keys.
	var sgxBlock *SGXCounterBlock
	if h.sgx {
		var err error
		sgxBlock, err = readSGXCounters(h.objs.SGXCounters)
		if err != nil {
			h.log.Warn("failed to read sgx_counters", zap.Error(err))
		}
	}

	var ioRows [][]string
	for _, a := range aggRows {
		ioRows = append(ioRows,
			[]string{a.Kind + ".count", strconv.FormatUint(a.Count, 10)},
			[]string{a.Kind + ".total_duration_ns", strconv.FormatUint(a.TotalDurationNS, 10)},
		)
	}
	for _, d := range diskRows {
		ioRows = append(ioRows,
			[]string{"disk." + d.DeviceName + ".bytes", strconv.FormatUint(d.Bytes, 10)},
			[]string{"disk." + d.DeviceName + ".seq_pct", strconv.FormatUint(uint64(d.SeqPct), 10)},
			[]string{"disk." + d.DeviceName + ".rand_pct", strconv.FormatUint(uint64(d.RandPct), 10)},
		)
	}
	if sgxBlock != nil {
		ioRows = append(ioRows,
			[]string{"sgx.encl_load_page", strconv.FormatUint(sgxBlock.EnclLoadPage, 10)},
			[]string{"sgx.encl_wb", strconv.FormatUint(sgxBlock.EnclWB, 10)},
			[]string{"sgx.vma_access", strconv.FormatUint(sgxBlock.VMAAccess, 10)},
			[]string{"sgx.vma_fault", strconv.FormatUint(sgxBlock.VMAFault, 10)},
		)
	}
	if err := w.WriteCSV("io.csv", outputtree.IoHeader, ioRows); err != nil {
		return collector.StatusFailed, err
	}

	if len(h.objs.Dropped) > 0 {
		return collector.StatusDropped, nil
	}
	return collector.StatusDrained, nil
}

// readPartitions parses /proc/partitions into a major<<20|minor keyed
// device-name map.
func readPartitions() (map[uint64]string, error) {
	f, err := os.Open("/proc/partitions")
	if err != nil {
		return nil, err
	}
	defer f.Close()

	out := make(map[uint64]string)
	sc := bufio.NewScanner(f)
	lineNum := 0
	for sc.Scan() {
		lineNum++
		if lineNum <= 2 { // header + blank line
			continue
		}
		fields := strings.Fields(sc.Text())
		if len(fields) < 4 {
			continue
		}
		major, err1 := strconv.ParseUint(fields[0], 10, 64)
		minor, err2 := strconv.ParseUint(fields[1], 10, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		out[major<<20|minor] = fields[3]
	}
	return out, sc.Err()
}

func deviceName(devNames map[uint64]string, devID uint64) string {
	if name, ok := devNames[devID]; ok {
		return name
	}
	major := devID >> 20
	minor := devID & 0xfffff
	return fmt.Sprintf("unknown-%d:%d", major, minor)
}
