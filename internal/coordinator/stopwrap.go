package coordinator

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// StopWrapArg is the argv[1] the coordinator looks for when re-invoking
// its own binary as the stop-wrapper.
const StopWrapArg = "stopwrap"

// RunStopWrap implements the "sgxbench stopwrap -- <real argv>" entry
// point. It resolves the real target's executable, raises SIGSTOP on
// itself, and then execs into the target in place — so the stop and the
// eventual target PID are the same PID the coordinator observed at
// spawn time, so no target instruction runs before the collectors arm.
//
// This function never returns on success: syscall.Exec replaces the
// process image. It only returns an error if something failed before
// the exec.
func RunStopWrap(argv []string) error {
	sep := -1
	for i, a := range argv {
		if a == "--" {
			sep = i
			break
		}
	}
	if sep < 0 || sep+1 >= len(argv) {
		return fmt.Errorf("coordinator: stopwrap requires '--' followed by the target argv")
	}
	targetArgv := argv[sep+1:]

	resolved, err := exec.LookPath(targetArgv[0])
	if err != nil {
		return fmt.Errorf("coordinator: resolve target executable %q: %w", targetArgv[0], err)
	}

	if err := unix.Kill(os.Getpid(), syscall.SIGSTOP); err != nil {
		return fmt.Errorf("coordinator: SIGSTOP self: %w", err)
	}

	// Execution resumes here only after the coordinator sends SIGCONT.
	env := os.Environ()
	if err := syscall.Exec(resolved, targetArgv, env); err != nil {
		return fmt.Errorf("coordinator: exec %q: %w", resolved, err)
	}
	return nil // unreachable
}
