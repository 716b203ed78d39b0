package tracer

import (
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/ringbuf"
)

// aggValue mirrors the agg_map value: (count, total_duration_ns).
type aggValue struct {
	Count           uint64
	TotalDurationNS uint64
}

// diskValue mirrors the disk_counters value:
// (last_sector, bytes, sequential, random).
type diskValue struct {
	LastSector uint64
	Bytes      uint64
	Sequential uint64
	Random     uint64
}

func readAgg(m *ebpf.Map) ([]AggRow, error) {
	if m == nil {
		return nil, nil
	}
	var rows []AggRow
	var kind uint32
	var val aggValue
	it := m.Iterate()
	for it.Next(&kind, &val) {
		rows = append(rows, AggRow{
			Kind:            syscallKindName(kind),
			Count:           val.Count,
			TotalDurationNS: val.TotalDurationNS,
		})
	}
	return rows, it.Err()
}

func syscallKindName(kind uint32) string {
	switch kind {
	case 0:
		return "read"
	case 1:
		return "write"
	default:
		return fmt.Sprintf("kind-%d", kind)
	}
}

func readDiskCounters(m *ebpf.Map, devNames map[uint64]string) ([]DiskRow, error) {
	if m == nil {
		return nil, nil
	}
	var rows []DiskRow
	var devID uint64
	var val diskValue
	it := m.Iterate()
	for it.Next(&devID, &val) {
		total := val.Sequential + val.Random
		var seqPct, randPct uint8
		if total > 0 {
			seqPct = uint8((200*val.Sequential + total) / (2 * total)) // round to nearest
			randPct = 100 - seqPct
		}
		rows = append(rows, DiskRow{
			DeviceName: deviceName(devNames, devID),
			Bytes:      val.Bytes,
			SeqPct:     seqPct,
			RandPct:    randPct,
		})
	}
	return rows, it.Err()
}

func readSGXCounters(m *ebpf.Map) (*SGXCounterBlock, error) {
	if m == nil {
		return nil, fmt.Errorf("tracer: sgx_counters map not present")
	}
	var key uint32 = 0
	var block SGXCounterBlock
	if err := m.Lookup(key, &block); err != nil {
		return nil, fmt.Errorf("tracer: lookup sgx_counters: %w", err)
	}
	return &block, nil
}

func newRingbufReader(m *ebpf.Map) (*ringbuf.Reader, error) {
	return ringbuf.NewReader(m)
}
