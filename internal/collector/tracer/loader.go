// Package tracer provides the CO-RE eBPF loader, ring buffer consumer,
// and map accessors for the benchmark's kernel-level instrumentation
// (read/write duration aggregation, disk access-pattern classification,
// SGX enclave transition counters, and an optional deep-trace event
// stream).
//
// Responsibilities:
//   - Verify kernel version (>= 5.8, the minimum for ring buffers).
//   - Load the embedded BPF ELF object via cilium/ebpf CO-RE.
//   - Attach the read/write syscall tracepoints (required) and the
//     block_rq_complete, SGX kprobe, and deep-trace kmem probes
//     (degradable: an individual attach failure drops that probe).
//   - Write the target PID into a single-entry array map before attach
//     so every probe can filter on it.
//
// Failure contract:
//   - Load() failing, or a required tracepoint failing to attach, is
//     CollectorInitFailed for the whole tracer.
//   - A degradable probe's attach failing after the collection loaded
//     is recorded in Dropped; the rest of the tracer proceeds.
package tracer

import (
	"bytes"
	"fmt"
	"unsafe"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"golang.org/x/sys/unix"
)

// MinKernelMajor and MinKernelMinor are the minimum kernel version this
// tracer supports (BPF ring buffers landed in 5.8).
const (
	MinKernelMajor = 5
	MinKernelMinor = 8
)

// Map and program names as declared in bpf/tracer.bpf.c.
const (
	MapTargetPID    = "target_pid_map"
	MapDeepTrace    = "deep_trace_map"
	MapStartTS      = "start_ts_map"
	MapAgg          = "agg_map"
	MapDiskCounters = "disk_counters"
	MapSGXCounters  = "sgx_counters"
	MapEvents       = "events"
	MapDropCounter  = "drop_counter"

	ProgSysEnterRead  = "trace_sys_enter_read"
	ProgSysExitRead   = "trace_sys_exit_read"
	ProgSysEnterWrite = "trace_sys_enter_write"
	ProgSysExitWrite  = "trace_sys_exit_write"
	ProgBlockRQ       = "trace_block_rq_complete"

	ProgSGXVMAAccess  = "trace_sgx_vma_access"
	ProgSGXVMAFault   = "trace_sgx_vma_fault"
	ProgSGXLoadPage   = "trace_sgx_encl_load_page"
	ProgSGXEWB        = "trace_sgx_encl_ewb"

	ProgKmallocDeep     = "trace_kmalloc"
	ProgKfreeDeep       = "trace_kfree"
	ProgMMPageAllocDeep = "trace_mm_page_alloc"
	ProgMMPageFreeDeep  = "trace_mm_page_free"
)

// ProbeName identifies one attachable probe for reporting which ones
// were dropped.
type ProbeName string

// Objects holds the loaded BPF collection and every successfully
// attached link. Close releases all kernel resources.
type Objects struct {
	coll *ebpf.Collection

	TargetPID    *ebpf.Map
	StartTS      *ebpf.Map
	Agg          *ebpf.Map
	DiskCounters *ebpf.Map
	SGXCounters  *ebpf.Map
	Events       *ebpf.Map // nil unless deep trace requested
	DropCounter  *ebpf.Map

	links   []link.Link
	Dropped []ProbeName
}

// Close releases every attached link and every loaded map/program.
func (o *Objects) Close() error {
	var err error
	for _, l := range o.links {
		if e := l.Close(); e != nil && err == nil {
			err = e
		}
	}
	if o.coll != nil {
		o.coll.Close()
	}
	return err
}

// Load loads the embedded BPF collection (without attaching anything)
// and validates the kernel version.
func Load() (*ebpf.Collection, error) {
	if err := checkKernelVersion(MinKernelMajor, MinKernelMinor); err != nil {
		return nil, fmt.Errorf("tracer: kernel version check: %w", err)
	}
	spec, err := ebpf.LoadCollectionSpecFromReader(bytes.NewReader(bpfObjectBytes))
	if err != nil {
		return nil, fmt.Errorf("tracer: load collection spec: %w", err)
	}
	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, fmt.Errorf("tracer: load collection: %w", err)
	}
	return coll, nil
}

// Attach builds Objects from a loaded collection, writes targetPID into
// MapTargetPID, and attaches the read/write syscall tracepoints plus,
// depending on sgx and deepTrace, the optional probe sets. A failure to
// attach a degradable probe (block_rq_complete, an SGX kprobe, a kmem
// tracepoint) is recorded in Dropped rather than returned as an error;
// a failure to attach one of the syscall tracepoints is fatal.
func Attach(coll *ebpf.Collection, targetPID uint32, sgx, deepTrace bool) (*Objects, error) {
	o := &Objects{
		coll:         coll,
		TargetPID:    coll.Maps[MapTargetPID],
		StartTS:      coll.Maps[MapStartTS],
		Agg:          coll.Maps[MapAgg],
		DiskCounters: coll.Maps[MapDiskCounters],
		SGXCounters:  coll.Maps[MapSGXCounters],
		DropCounter:  coll.Maps[MapDropCounter],
	}
	if deepTrace {
		o.Events = coll.Maps[MapEvents]
	}
	if o.TargetPID == nil {
		return nil, fmt.Errorf("tracer: missing map %s", MapTargetPID)
	}
	var zero uint32 = 0
	if err := o.TargetPID.Put(zero, targetPID); err != nil {
		return nil, fmt.Errorf("tracer: write target pid: %w", err)
	}
	if dt := coll.Maps[MapDeepTrace]; dt != nil {
		var on uint32
		if deepTrace {
			on = 1
		}
		if err := dt.Put(zero, on); err != nil {
			return nil, fmt.Errorf("tracer: write deep-trace gate: %w", err)
		}
	}

	required := []struct {
		prog string
		name string
	}{
		{ProgSysEnterRead, "syscalls/sys_enter_read"},
		{ProgSysExitRead, "syscalls/sys_exit_read"},
		{ProgSysEnterWrite, "syscalls/sys_enter_write"},
		{ProgSysExitWrite, "syscalls/sys_exit_write"},
	}
	for _, r := range required {
		l, err := attachTracepoint(coll, r.prog, r.name)
		if err != nil {
			_ = o.Close()
			return nil, fmt.Errorf("tracer: attach required probe %s: %w", r.prog, err)
		}
		o.links = append(o.links, l)
	}

	// block_rq_complete is load-bearing for disk classification but not
	// for the syscall aggregates; a kernel that hides it (lockdown,
	// missing tracefs entry) degrades the iteration instead of killing
	// it.
	if l, err := attachTracepoint(coll, ProgBlockRQ, "block/block_rq_complete"); err != nil {
		o.Dropped = append(o.Dropped, ProbeName(ProgBlockRQ))
	} else {
		o.links = append(o.links, l)
	}

	if sgx {
		for _, kp := range []struct{ prog, sym string }{
			{ProgSGXVMAAccess, "sgx_vma_access"},
			{ProgSGXVMAFault, "sgx_vma_fault"},
			{ProgSGXLoadPage, "sgx_encl_load_page"},
			{ProgSGXEWB, "__sgx_encl_ewb"},
		} {
			l, err := attachKprobe(coll, kp.prog, kp.sym)
			if err != nil {
				o.Dropped = append(o.Dropped, ProbeName(kp.prog))
				continue
			}
			o.links = append(o.links, l)
		}
	}

	if deepTrace {
		for _, tp := range []struct{ prog, name string }{
			{ProgKmallocDeep, "kmem/kmalloc"},
			{ProgKfreeDeep, "kmem/kfree"},
			{ProgMMPageAllocDeep, "kmem/mm_page_alloc"},
			{ProgMMPageFreeDeep, "kmem/mm_page_free"},
		} {
			l, err := attachTracepoint(coll, tp.prog, tp.name)
			if err != nil {
				o.Dropped = append(o.Dropped, ProbeName(tp.prog))
				continue
			}
			o.links = append(o.links, l)
		}
	}

	return o, nil
}

func attachTracepoint(coll *ebpf.Collection, progName, tpName string) (link.Link, error) {
	prog := coll.Programs[progName]
	if prog == nil {
		return nil, fmt.Errorf("missing program %s", progName)
	}
	group, name, ok := splitTracepoint(tpName)
	if !ok {
		return nil, fmt.Errorf("malformed tracepoint name %q", tpName)
	}
	return link.Tracepoint(group, name, prog, nil)
}

func attachKprobe(coll *ebpf.Collection, progName, symbol string) (link.Link, error) {
	prog := coll.Programs[progName]
	if prog == nil {
		return nil, fmt.Errorf("missing program %s", progName)
	}
	return link.Kprobe(symbol, prog, nil)
}

// ReadDropCount sums the per-CPU ring buffer submit-failure counters.
func (o *Objects) ReadDropCount() (uint64, error) {
	if o.DropCounter == nil {
		return 0, nil
	}
	var key uint32 = 0
	var perCPU []uint64
	if err := o.DropCounter.Lookup(key, &perCPU); err != nil {
		return 0, fmt.Errorf("tracer: read drop counter: %w", err)
	}
	var total uint64
	for _, v := range perCPU {
		total += v
	}
	return total, nil
}

func splitTracepoint(s string) (group, name string, ok bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}

func checkKernelVersion(major, minor int) error {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return fmt.Errorf("uname: %w", err)
	}
	release := unix.ByteSliceToString((*[65]byte)(unsafe.Pointer(&uts.Release[0]))[:])
	var kMajor, kMinor, kPatch int
	if _, err := fmt.Sscanf(release, "%d.%d.%d", &kMajor, &kMinor, &kPatch); err != nil {
		return fmt.Errorf("parse kernel version %q: %w", release, err)
	}
	if kMajor < major || (kMajor == major && kMinor < minor) {
		return fmt.Errorf("kernel %d.%d.%d < required %d.%d", kMajor, kMinor, kPatch, major, minor)
	}
	return nil
}
