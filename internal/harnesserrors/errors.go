// Package harnesserrors defines the closed error taxonomy used throughout
// sgxbench, as laid out in the orchestration design's error-handling
// section.
//
// Every fatal condition that reaches a human writes a single structured
// line to stderr of the form "<KIND>: <message>"; every iteration that is
// abandoned leaves a ".skipped" sentinel file recording the same line.
// Both surfaces are driven off Kind() so the two never drift apart.
package harnesserrors

import (
	"errors"
	"fmt"
)

// Kind identifies one of the taxonomy's error classes.
type Kind string

const (
	KindPlanInvalid         Kind = "PlanInvalid"
	KindEnclaveBuildFailed  Kind = "EnclaveBuildFailed"
	KindCollectorInitFailed Kind = "CollectorInitFailed"
	KindCollectorDropped    Kind = "CollectorDropped"
	KindTargetSpawnFailed   Kind = "TargetSpawnFailed"
	KindTargetNonZero       Kind = "TargetNonZero"
	KindIOError             Kind = "IOError"
	KindCancelled           Kind = "Cancelled"
)

// Error is the concrete error type for every taxonomy member.
// Wrap an underlying cause with Err; it is unwrapped by errors.Unwrap.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Line renders the structured single-line stderr / sentinel-file message.
func (e *Error) Line() string { return e.Error() }

func newf(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// PlanInvalid reports a plan-level validation failure. The whole plan is
// rejected; nothing is written to the output tree.
func PlanInvalid(err error, format string, args ...any) *Error {
	return newf(KindPlanInvalid, err, format, args...)
}

// EnclaveBuildFailed reports that the external enclave builder returned a
// non-zero exit or did not produce the expected artifacts. The experiment
// that requested the build is skipped; the plan continues.
func EnclaveBuildFailed(err error, format string, args ...any) *Error {
	return newf(KindEnclaveBuildFailed, err, format, args...)
}

// CollectorInitFailed reports that a collector could not be armed at all
// (perf failed to start, eBPF load rejected, RAPL unreadable). The
// iteration is aborted and its partial artifacts are removed.
func CollectorInitFailed(err error, format string, args ...any) *Error {
	return newf(KindCollectorInitFailed, err, format, args...)
}

// CollectorDropped reports that one probe or sub-collector failed to
// attach while its siblings succeeded. The iteration continues; the
// affected rows are written as zero.
func CollectorDropped(err error, format string, args ...any) *Error {
	return newf(KindCollectorDropped, err, format, args...)
}

// TargetSpawnFailed reports that exec of the benchmark binary itself
// failed. The experiment is skipped.
func TargetSpawnFailed(err error, format string, args ...any) *Error {
	return newf(KindTargetSpawnFailed, err, format, args...)
}

// TargetNonZero is informational: the target exited non-zero. It is
// recorded in iteration metadata, never propagated as a failure.
func TargetNonZero(code int) *Error {
	return newf(KindTargetNonZero, nil, "target exited with code %d", code)
}

// IOError reports an output filesystem write failure. The iteration is
// aborted; the orchestrator escalates three consecutive IOErrors to a
// plan-level fatal.
func IOError(err error, format string, args ...any) *Error {
	return newf(KindIOError, err, format, args...)
}

// Cancelled reports a user-initiated SIGINT. It propagates to the caller.
func Cancelled(format string, args ...any) *Error {
	return newf(KindCancelled, nil, format, args...)
}

// KindOf returns the Kind of err if it is (or wraps) a *Error, and
// ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Propagates reports whether this error kind escapes the iteration/
// experiment boundary to the caller of the orchestrator: only plan
// invalidity and cancellation do. KindIOError reports false; repeated
// I/O failure escapes through the orchestrator's own consecutive-failure
// count, not through this method.
func (k Kind) Propagates() bool {
	switch k {
	case KindPlanInvalid, KindCancelled:
		return true
	default:
		return false
	}
}
