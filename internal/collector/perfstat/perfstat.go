// Package perfstat spawns the Linux `perf stat` utility attached to
// the target PID and parses its CSV output into perf.csv rows.
package perfstat

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/octoreflex/sgxbench/internal/collector"
	"github.com/octoreflex/sgxbench/internal/outputtree"
)

// DefaultEvents is the fixed default event list, unioned with a plan's
// extra_perf_events.
var DefaultEvents = []string{
	"cycles", "instructions", "cache-misses", "cache-references",
	"L1-dcache-loads", "L1-dcache-load-misses",
	"iTLB-load-misses", "dTLB-load-misses",
	"branch-instructions", "branch-misses",
	"page-faults", "task-clock",
}

// Adapter is a collector.Armer that runs `perf stat` as a child
// process against the target PID.
type Adapter struct {
	log    *zap.Logger
	binary string
	extra  []string
}

// New returns an Adapter. binary is usually "perf"
// (config.Collector.PerfBinary); extra is the plan's extra_perf_events.
func New(log *zap.Logger, binary string, extra []string) *Adapter {
	return &Adapter{log: log, binary: binary, extra: extra}
}

// Arm starts `perf stat --field-separator , --pid <PID> -e <events>`
// attached to targetPID. The target is still stopped at this point,
// so perf attaches before any target instruction runs.
func (a *Adapter) Arm(ctx context.Context, targetPID int, _ bool) (collector.Handle, error) {
	events := append(append([]string{}, DefaultEvents...), a.extra...)
	args := []string{
		"stat", "--field-separator", ",",
		"--pid", strconv.Itoa(targetPID),
		"-e", strings.Join(events, ","),
	}
	cmd := exec.CommandContext(ctx, a.binary, args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("perfstat: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("perfstat: start: %w", err)
	}
	return &handle{log: a.log, cmd: cmd, stderr: stderr}, nil
}

type handle struct {
	log    *zap.Logger
	cmd    *exec.Cmd
	stderr io.ReadCloser
}

func (h *handle) Kind() collector.Kind { return collector.KindPerf }

// Drain waits for the target-tracking perf process to exit (it exits
// on its own once the traced PID exits) and parses its CSV output,
// which `perf stat -x ,` writes to stderr.
func (h *handle) Drain(w *outputtree.Writer) (collector.DrainStatus, error) {
	rows, parseErr := parseCSV(h.stderr)
	waitErr := h.cmd.Wait()
	if waitErr != nil {
		h.log.Warn("perf stat exited non-zero", zap.Error(waitErr))
	}
	if parseErr != nil {
		return collector.StatusFailed, fmt.Errorf("perfstat: parse output: %w", parseErr)
	}
	if err := w.WriteCSV("perf.csv", outputtree.PerfHeader, rows); err != nil {
		return collector.StatusFailed, err
	}
	return collector.StatusDrained, nil
}

// parseCSV reads perf's `-x ,` CSV format:
// counter,unit,event,runtime,pct,metric,metric_unit[,...]
// Malformed lines are skipped, not fatal.
func parseCSV(r io.Reader) ([][]string, error) {
	sc := bufio.NewScanner(r)
	var rows [][]string
	for sc.Scan() {
		line := sc.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields, err := splitPerfLine(line)
		if err != nil || len(fields) < 3 {
			continue
		}
		row := outputtree.PerfRow{
			Event:       fields[2],
			CounterUnit: fields[1],
			RuntimePct:  0,
		}
		if counter, err := strconv.ParseInt(strings.TrimSpace(fields[0]), 10, 64); err == nil {
			row.Counter = &counter
		}
		if len(fields) >= 7 {
			if metric, err := strconv.ParseFloat(strings.TrimSpace(fields[5]), 64); err == nil {
				row.Metric = &metric
				row.MetricUnit = fields[6]
			}
		}
		if len(fields) >= 5 {
			if pct, err := strconv.ParseFloat(strings.TrimSpace(fields[4]), 64); err == nil {
				row.RuntimePct = pct
			}
		}
		rows = append(rows, row.Strings())
	}
	return rows, sc.Err()
}

func splitPerfLine(line string) ([]string, error) {
	r := csv.NewReader(strings.NewReader(line))
	r.FieldsPerRecord = -1
	return r.Read()
}
