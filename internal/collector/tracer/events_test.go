package tracer

import (
	"encoding/binary"
	"testing"
	"unsafe"
)

func TestDeepTraceEventSizeMatchesWireFormat(t *testing.T) {
	if sz := unsafe.Sizeof(DeepTraceEvent{}); sz != expectedEventSize {
		t.Fatalf("DeepTraceEvent size = %d, want %d", sz, expectedEventSize)
	}
}

func TestParseEvent(t *testing.T) {
	raw := make([]byte, expectedEventSize)
	raw[0] = byte(EventDiskWrite)
	binary.LittleEndian.PutUint64(raw[8:16], 123456789)

	e, err := ParseEvent(raw)
	if err != nil {
		t.Fatalf("ParseEvent: %v", err)
	}
	if e.Kind != EventDiskWrite {
		t.Errorf("Kind = %v, want EventDiskWrite", e.Kind)
	}
	if e.TimestampNS != 123456789 {
		t.Errorf("TimestampNS = %d, want 123456789", e.TimestampNS)
	}
}

func TestParseEvent_TooShort(t *testing.T) {
	if _, err := ParseEvent(make([]byte, expectedEventSize-1)); err == nil {
		t.Error("expected an error for a truncated record")
	}
}

func TestEventKindStrings(t *testing.T) {
	want := map[EventKind]string{
		EventSysRead:     "sys-read",
		EventSysWrite:    "sys-write",
		EventMMPageAlloc: "mm-page-alloc",
		EventMMPageFree:  "mm-page-free",
		EventKmalloc:     "kmalloc",
		EventKfree:       "kfree",
		EventDiskRead:    "disk-read",
		EventDiskWrite:   "disk-write",
	}
	for k, s := range want {
		if k.String() != s {
			t.Errorf("EventKind(%d).String() = %q, want %q", k, k.String(), s)
		}
	}
	if EventKind(200).String() != "unknown(200)" {
		t.Errorf("unexpected rendering for an out-of-range kind: %q", EventKind(200).String())
	}
}
