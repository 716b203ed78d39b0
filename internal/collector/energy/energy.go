// Package energy polls the Linux RAPL powercap sysfs tree
// (/sys/devices/virtual/powercap/intel-rapl) on a dedicated goroutine
// and writes one CSV per enumerated subzone.
package energy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/octoreflex/sgxbench/internal/clock"
	"github.com/octoreflex/sgxbench/internal/collector"
	"github.com/octoreflex/sgxbench/internal/outputtree"
)

// RAPLRoot is the sysfs root the sampler enumerates. Var rather than
// const so tests can point it at a synthetic tree.
var RAPLRoot = "/sys/devices/virtual/powercap/intel-rapl"

var packageDirPattern = regexp.MustCompile(`^intel-rapl:(\d+)$`)
var subzoneDirPattern = regexp.MustCompile(`^intel-rapl:(\d+):(\d+)$`)

// subzone is one enumerated energy_uj file to poll.
type subzone struct {
	csvName    string // e.g. "package-0.csv", "package-0-core.csv"
	energyPath string
	maxRangeUJ uint64
	rows       [][]string
}

// Sampler is a collector.Armer that samples every enumerated RAPL
// subzone at a fixed interval on its own goroutine.
type Sampler struct {
	log      *zap.Logger
	interval time.Duration
}

// New returns a Sampler that wakes every interval to read all
// enumerated energy_uj files.
func New(log *zap.Logger, interval time.Duration) *Sampler {
	return &Sampler{log: log, interval: interval}
}

// Arm enumerates the RAPL tree and starts the sampling goroutine. The
// targetPID and deepTrace arguments are unused — RAPL counters are
// system-wide, not per-process — but are part of the shared Armer
// contract.
func (s *Sampler) Arm(_ context.Context, _ int, _ bool) (collector.Handle, error) {
	zones, err := enumerate()
	if err != nil {
		return nil, fmt.Errorf("energy: enumerate RAPL tree: %w", err)
	}
	if len(zones) == 0 {
		return nil, fmt.Errorf("energy: no RAPL subzones found under %s", RAPLRoot)
	}

	h := &handle{log: s.log, interval: s.interval, zones: zones, done: make(chan struct{})}
	h.wg.Add(1)
	go h.run()
	return h, nil
}

type handle struct {
	log      *zap.Logger
	interval time.Duration
	zones    []*subzone
	stop     atomic.Bool
	mu       sync.Mutex
	done     chan struct{}
	wg       sync.WaitGroup
}

func (h *handle) Kind() collector.Kind { return collector.KindEnergy }

// run samples every zone every interval, computing the sleep as
// next_deadline - now so the loop does not drift, rather than using a
// naive fixed-duration sleep.
func (h *handle) run() {
	defer h.wg.Done()
	next := time.Now()
	for !h.stop.Load() {
		h.sampleAll()
		next = next.Add(h.interval)
		sleep := time.Until(next)
		if sleep < 0 {
			next = time.Now()
			continue
		}
		time.Sleep(sleep)
	}
	h.sampleAll() // final sample before drain
}

func (h *handle) sampleAll() {
	ts := uint64(clock.NowNS())
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, z := range h.zones {
		raw, err := os.ReadFile(z.energyPath)
		if err != nil {
			continue
		}
		v, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64)
		if err != nil {
			continue
		}
		// Wrap-around: recorded as-is; the aggregator unwraps using
		// max_energy_range_uj.
		z.rows = append(z.rows, []string{strconv.FormatUint(ts, 10), strconv.FormatUint(v, 10)})
	}
}

// Drain stops the sampling goroutine and writes each subzone's
// accumulated rows to its own CSV file.
func (h *handle) Drain(w *outputtree.Writer) (collector.DrainStatus, error) {
	h.stop.Store(true)
	h.wg.Wait()

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, z := range h.zones {
		if err := w.WriteCSV(z.csvName, outputtree.EnergyHeader, z.rows); err != nil {
			return collector.StatusFailed, fmt.Errorf("energy: write %s: %w", z.csvName, err)
		}
	}
	return collector.StatusDrained, nil
}

// enumerate walks RAPLRoot and builds one subzone entry per
// package/core/uncore/dram energy_uj file, following the
// package-<i>[-component].csv convention.
func enumerate() ([]*subzone, error) {
	entries, err := os.ReadDir(RAPLRoot)
	if err != nil {
		return nil, err
	}

	var zones []*subzone
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m := packageDirPattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		pkgIdx := m[1]
		pkgDir := filepath.Join(RAPLRoot, e.Name())

		if z := newSubzone(pkgDir, fmt.Sprintf("package-%s.csv", pkgIdx)); z != nil {
			zones = append(zones, z)
		}

		subEntries, err := os.ReadDir(pkgDir)
		if err != nil {
			continue
		}
		for _, se := range subEntries {
			if !se.IsDir() {
				continue
			}
			sm := subzoneDirPattern.FindStringSubmatch(se.Name())
			if sm == nil {
				continue
			}
			subDir := filepath.Join(pkgDir, se.Name())
			component := componentName(subDir)
			if z := newSubzone(subDir, fmt.Sprintf("package-%s-%s.csv", pkgIdx, component)); z != nil {
				zones = append(zones, z)
			}
		}
	}
	return zones, nil
}

// componentName reads the subzone's "name" file, which the powercap
// driver populates with the exact component name (core, uncore, dram).
// Used verbatim: substring matching would misfile "uncore" as "core".
func componentName(dir string) string {
	raw, err := os.ReadFile(filepath.Join(dir, "name"))
	if err != nil {
		return "unknown"
	}
	return strings.ToLower(strings.TrimSpace(string(raw)))
}

func newSubzone(dir, csvName string) *subzone {
	energyPath := filepath.Join(dir, "energy_uj")
	if _, err := os.Stat(energyPath); err != nil {
		return nil
	}
	var maxRange uint64
	if raw, err := os.ReadFile(filepath.Join(dir, "max_energy_range_uj")); err == nil {
		maxRange, _ = strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64)
	}
	return &subzone{csvName: csvName, energyPath: energyPath, maxRangeUJ: maxRange}
}
