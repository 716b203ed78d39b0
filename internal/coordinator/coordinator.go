// Package coordinator executes one iteration end-to-end: spawn the
// target stopped, arm every collector against its PID, release it,
// wait for exit, and drain collectors in reverse arm order.
package coordinator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/octoreflex/sgxbench/internal/clock"
	"github.com/octoreflex/sgxbench/internal/collector"
	"github.com/octoreflex/sgxbench/internal/harnesserrors"
	"github.com/octoreflex/sgxbench/internal/outputtree"
)

// stopPollInterval is how often the coordinator polls /proc/<pid>/stat
// while waiting for the stop-wrapper's SIGSTOP to land.
const stopPollInterval = 2 * time.Millisecond

// stopPollTimeout bounds the wait for the target to reach the stopped
// state before the coordinator gives up and aborts the iteration.
const stopPollTimeout = 5 * time.Second

// sigtermGrace is how long the coordinator waits after SIGTERM before
// escalating to SIGKILL during cancellation.
const sigtermGrace = 2 * time.Second

// IterationResult is what Execute returns: everything the orchestrator
// and output-tree writer need to know about one iteration.
type IterationResult struct {
	ExitCode          int
	StartInstantNS    int64
	EndInstantNS      int64
	CollectorStatuses map[collector.Kind]collector.DrainStatus
	Aborted           bool
}

// Coordinator runs a single iteration's lifecycle.
type Coordinator struct {
	log     *zap.Logger
	selfExe string
	state   *IterationState
}

// New returns a Coordinator that re-execs selfExe (normally
// os.Executable()'s result) as the stop-wrapper.
func New(log *zap.Logger, selfExe string) *Coordinator {
	return &Coordinator{log: log, selfExe: selfExe, state: NewIterationState()}
}

// State returns the coordinator's lifecycle state machine, whose
// TimeInState reports how long the current state has lasted.
func (c *Coordinator) State() *IterationState { return c.state }

// Execute runs one iteration: argv/env describe the target (already
// resolved to the regime's real invocation — e.g. "gramine-sgx <name>"
// for SGX, or the plan's Executable/Args for native); armers are
// invoked in order and drained in reverse order; w is the iteration's
// output writer.
func (c *Coordinator) Execute(ctx context.Context, w *outputtree.Writer, argv []string, env []string, armers []collector.Armer, deepTrace bool) (*IterationResult, error) {
	if err := c.state.Transition(StateTargetStopped); err != nil {
		return nil, err
	}

	stdoutPath := filepath.Join(w.Dir(), "stdout")
	stderrPath := filepath.Join(w.Dir(), "stderr")
	stdout, err := os.Create(stdoutPath)
	if err != nil {
		_ = c.state.Transition(StateAborted)
		return nil, harnesserrors.IOError(err, "create stdout capture file")
	}
	defer stdout.Close()
	stderr, err := os.Create(stderrPath)
	if err != nil {
		_ = c.state.Transition(StateAborted)
		return nil, harnesserrors.IOError(err, "create stderr capture file")
	}
	defer stderr.Close()

	wrapArgv := append([]string{"stopwrap", "--"}, argv...)
	cmd := exec.Command(c.selfExe, wrapArgv...)
	cmd.Env = env
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		_ = c.state.Transition(StateAborted)
		return nil, harnesserrors.TargetSpawnFailed(err, "start target via stop-wrapper")
	}
	pid := cmd.Process.Pid

	if err := waitForStop(ctx, pid, stopPollInterval, stopPollTimeout); err != nil {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
		_ = c.state.Transition(StateAborted)
		return nil, harnesserrors.TargetSpawnFailed(err, "wait for target to stop")
	}

	if err := c.state.Transition(StateCollectorsReady); err != nil {
		_ = cmd.Process.Kill()
		return nil, err
	}

	handles := make([]collector.Handle, 0, len(armers))
	for _, a := range armers {
		h, err := a.Arm(ctx, pid, deepTrace)
		if err != nil {
			c.log.Warn("collector failed to arm", zap.Error(err))
			for i := len(handles) - 1; i >= 0; i-- {
				_, _ = handles[i].Drain(w)
			}
			_ = cmd.Process.Kill()
			_, _ = cmd.Process.Wait()
			_ = c.state.Transition(StateAborted)
			return nil, harnesserrors.CollectorInitFailed(err, "arm collector")
		}
		handles = append(handles, h)
	}

	if err := c.state.Transition(StateRunning); err != nil {
		return nil, err
	}
	start := monotonicNS()
	if err := cmd.Process.Signal(syscall.SIGCONT); err != nil {
		_ = cmd.Process.Kill()
		_ = c.state.Transition(StateAborted)
		return nil, harnesserrors.TargetSpawnFailed(err, "SIGCONT target")
	}

	waitErrCh := make(chan error, 1)
	go func() { waitErrCh <- cmd.Wait() }()

	var waitErr error
	select {
	case waitErr = <-waitErrCh:
	case <-ctx.Done():
		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case waitErr = <-waitErrCh:
		case <-time.After(sigtermGrace):
			_ = cmd.Process.Kill()
			waitErr = <-waitErrCh
		}
		end := monotonicNS()
		_ = c.state.Transition(StateCollectorsStopping)
		statuses := drainAll(handles, w)
		_ = c.state.Transition(StateAborted)
		return &IterationResult{
			ExitCode:          exitCode(waitErr),
			StartInstantNS:    start,
			EndInstantNS:      end,
			CollectorStatuses: statuses,
			Aborted:           true,
		}, harnesserrors.Cancelled("iteration cancelled")
	}
	end := monotonicNS()

	if err := c.state.Transition(StateCollectorsStopping); err != nil {
		return nil, err
	}
	statuses := drainAll(handles, w)
	if err := c.state.Transition(StateDone); err != nil {
		return nil, err
	}

	return &IterationResult{
		ExitCode:          exitCode(waitErr),
		StartInstantNS:    start,
		EndInstantNS:      end,
		CollectorStatuses: statuses,
	}, nil
}

// drainAll stops every handle in reverse arm order and collects its
// status.
func drainAll(handles []collector.Handle, w *outputtree.Writer) map[collector.Kind]collector.DrainStatus {
	statuses := make(map[collector.Kind]collector.DrainStatus, len(handles))
	for i := len(handles) - 1; i >= 0; i-- {
		h := handles[i]
		status, _ := h.Drain(w)
		statuses[h.Kind()] = status
	}
	return statuses
}

// waitForStop polls /proc/<pid>/stat's state field until it reports "T"
// (stopped) or ctx/timeout expires.
func waitForStop(ctx context.Context, pid int, interval, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		state, err := procState(pid)
		if err == nil && state == "T" {
			return nil
		}
		// A zombie before the stop means the wrapper died first (bad
		// target path, exec refused); no amount of waiting helps.
		if err == nil && state == "Z" {
			return fmt.Errorf("coordinator: target pid %d exited before reaching the stopped state", pid)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("coordinator: target pid %d did not stop within %s", pid, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// procState reads the third field of /proc/<pid>/stat (the state
// letter), tolerating the parenthesized comm field containing spaces.
func procState(pid int) (string, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return "", err
	}
	defer f.Close()
	r := bufio.NewReader(f)
	line, err := r.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	close := strings.LastIndexByte(line, ')')
	if close < 0 || close+2 >= len(line) {
		return "", fmt.Errorf("coordinator: malformed /proc/%d/stat", pid)
	}
	rest := strings.Fields(line[close+2:])
	if len(rest) == 0 {
		return "", fmt.Errorf("coordinator: malformed /proc/%d/stat", pid)
	}
	return rest[0], nil
}

func exitCode(waitErr error) int {
	if waitErr == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func monotonicNS() int64 {
	return clock.NowNS()
}
