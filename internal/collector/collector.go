// Package collector defines the capability interface shared by the four
// run-time collectors (perf-stat, energy, eBPF tracer, SGX stats) so the
// Run Coordinator can arm/drain them uniformly without knowing which
// concrete collectors are configured for a given iteration.
package collector

import (
	"context"

	"github.com/octoreflex/sgxbench/internal/outputtree"
)

// Kind names one of the four collector roles. Used as a Prometheus label
// and as the key of IterationResult.CollectorStatuses.
type Kind string

const (
	KindPerf     Kind = "perf"
	KindEnergy   Kind = "energy"
	KindTracer   Kind = "tracer"
	KindSGXStats Kind = "sgxstats"
)

// DrainStatus records what happened to a collector by the end of an
// iteration.
type DrainStatus string

const (
	// StatusArmed means the collector attached successfully but hasn't
	// drained yet; a result left at this status past iteration end is a
	// coordinator bug.
	StatusArmed DrainStatus = "armed"
	// StatusDropped means a sub-probe failed to attach (e.g. a missing
	// SGX kprobe symbol) but the collector proceeds without it.
	StatusDropped DrainStatus = "dropped"
	// StatusDrained means the collector stopped cleanly and wrote its
	// output files.
	StatusDrained DrainStatus = "drained"
	// StatusFailed means the collector could not produce output at all.
	StatusFailed DrainStatus = "failed"
)

// Handle is a collector that has successfully armed against a running
// (stopped) target PID. Drain is called exactly once, in the reverse of
// arm order: after the target has exited, or, when a later collector
// fails to arm, while the target is still stopped and before it is
// killed.
type Handle interface {
	Kind() Kind
	// Drain stops the collector and writes its rows through w. The
	// returned DrainStatus is recorded in IterationResult regardless of
	// whether err is non-nil; a non-nil err additionally surfaces as
	// harnesserrors.CollectorDropped or a logged warning depending on
	// severity, at the coordinator's discretion.
	Drain(w *outputtree.Writer) (DrainStatus, error)
}

// Armer attaches one collector to a stopped target PID. targetPID is the
// PID observed in state "T" (stopped) by the coordinator; deepTrace
// indicates the tracer should enable its ring-buffer event path (the
// other three collectors ignore it).
type Armer interface {
	Arm(ctx context.Context, targetPID int, deepTrace bool) (Handle, error)
}
