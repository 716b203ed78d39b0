// Package clock provides the single monotonic-nanosecond time source
// shared by the Run Coordinator and the energy sampler, so
// start_instant_ns/end_instant_ns and RAPL sample timestamps sit on the
// same clock base as the kernel's bpf_ktime_get_ns() (CLOCK_MONOTONIC
// since boot) that the eBPF tracer stamps its ring-buffer events with
//. time.Now().UnixNano() is wall-clock-since-epoch and
// is not interchangeable with that base, so every timestamp that must
// correlate across collectors goes through NowNS.
package clock

import "golang.org/x/sys/unix"

// NowNS returns the current CLOCK_MONOTONIC time in nanoseconds.
func NowNS() int64 {
	var ts unix.Timespec
	// CLOCK_MONOTONIC cannot fail for a valid clock id and pointer; a
	// failure here would indicate a broken kernel, not a recoverable
	// runtime condition.
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	return ts.Nano()
}
