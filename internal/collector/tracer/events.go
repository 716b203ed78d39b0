// Package tracer — events.go
//
// DeepTraceEvent mirrors the ring buffer tuple emitted by the BPF side:
// (event_kind u8, timestamp_ns u64). The Go struct must have identical
// memory layout to the C struct so the consumer can cast raw bytes
// directly.
//
// C layout (16 bytes, 8-byte aligned):
//
//	[0]      event_kind   u8
//	[1..7]   _pad         u8[7]
//	[8..15]  timestamp_ns u64
package tracer

import (
	"encoding/binary"
	"fmt"
	"unsafe"
)

// EventKind mirrors the deep-trace event_kind enum emitted by the BPF
// program.
type EventKind uint8

const (
	EventSysRead EventKind = iota
	EventSysWrite
	EventMMPageAlloc
	EventMMPageFree
	EventKmalloc
	EventKfree
	EventDiskRead
	EventDiskWrite
)

// String returns the event name used in trace.csv.
func (k EventKind) String() string {
	switch k {
	case EventSysRead:
		return "sys-read"
	case EventSysWrite:
		return "sys-write"
	case EventMMPageAlloc:
		return "mm-page-alloc"
	case EventMMPageFree:
		return "mm-page-free"
	case EventKmalloc:
		return "kmalloc"
	case EventKfree:
		return "kfree"
	case EventDiskRead:
		return "disk-read"
	case EventDiskWrite:
		return "disk-write"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// DeepTraceEvent is the Go representation of the ring buffer tuple.
// Layout must match the C struct exactly (verified by init() below).
type DeepTraceEvent struct {
	Kind        EventKind // [0]
	_pad        [7]uint8  // [1..7]
	TimestampNS uint64    // [8..15]
}

const expectedEventSize = 16

func init() {
	if sz := unsafe.Sizeof(DeepTraceEvent{}); sz != expectedEventSize {
		panic(fmt.Sprintf(
			"DeepTraceEvent size mismatch: Go=%d bytes, expected=%d bytes", sz, expectedEventSize))
	}
}

// ParseEvent deserializes one ring buffer record. Returns an error if
// the record is malformed (too short).
func ParseEvent(raw []byte) (DeepTraceEvent, error) {
	if len(raw) < expectedEventSize {
		return DeepTraceEvent{}, fmt.Errorf(
			"tracer: event record too short: got %d bytes, expected %d", len(raw), expectedEventSize)
	}
	var e DeepTraceEvent
	e.Kind = EventKind(raw[0])
	e.TimestampNS = binary.LittleEndian.Uint64(raw[8:16])
	return e, nil
}

// AggRow is one row of the syscall-kind aggregation read from agg_map.
type AggRow struct {
	Kind            string
	Count           uint64
	TotalDurationNS uint64
}

// DiskRow is one row of the per-device classification read from
// disk_counters. Percentages are integer so seq_pct + rand_pct is
// exactly 100 (or 0 when no requests were observed).
type DiskRow struct {
	DeviceName string
	Bytes      uint64
	SeqPct     uint8
	RandPct    uint8
}

// SGXCounterBlock mirrors sgx_counters' single entry.
type SGXCounterBlock struct {
	EnclLoadPage uint64
	EnclWB       uint64
	VMAAccess    uint64
	VMAFault     uint64
}
