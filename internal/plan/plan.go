// Package plan holds the experiment data model the orchestrator consumes:
// an ExperimentPlan is an ordered, read-only sequence of Experiment
// entries. Workload-file parsing and "{{ ... }}" template expansion happen
// upstream of this package (an external collaborator's job); by the time a
// plan reaches Load, every placeholder has already been substituted.
//
// Schema on disk: TOML, decoded with pelletier/go-toml/v2. The in-memory
// shape mirrors the wire shape field-for-field so that
// Load(Save(x)) == x for any plan that passes Validate.
package plan

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Regime identifies which execution environment an experiment runs under.
type Regime string

const (
	RegimeNative     Regime = "native"
	RegimeGramineSGX Regime = "gramine_sgx"
)

// StorageKind identifies the SGX storage backend mounted for the enclave's
// view of the output directory. Meaningless (and ignored) for RegimeNative.
type StorageKind string

const (
	StorageEncrypted StorageKind = "encrypted"
	StorageTmpfs     StorageKind = "tmpfs"
	StorageUntrusted StorageKind = "untrusted"
)

// MinEnclaveSizeBytes is the minimum legal enclave_size_bytes (1 MiB).
const MinEnclaveSizeBytes = 1 << 20

// DefaultEnergySampleInterval is applied when a plan omits the field.
const DefaultEnergySampleInterval = 500 * time.Millisecond

// ProcessHook is an (executable, argv) tuple run fire-and-wait around an
// experiment's iterations.
type ProcessHook struct {
	Executable string   `toml:"executable"`
	Args       []string `toml:"args"`
}

// Experiment is one immutable unit of work in the plan.
type Experiment struct {
	TaskName             string            `toml:"task_name"`
	Regime               Regime            `toml:"regime"`
	Executable           string            `toml:"executable"`
	Args                 []string          `toml:"args,omitempty"`
	Env                  map[string]string `toml:"env,omitempty"`
	NumThreads           int               `toml:"num_threads"`
	EnclaveSizeBytes     int64             `toml:"enclave_size_bytes,omitempty"`
	StorageKinds         []StorageKind     `toml:"storage_kinds,omitempty"`
	SampleCount          int               `toml:"sample_count"`
	DeepTrace            bool              `toml:"deep_trace"`
	ExtraPerfEvents      []string          `toml:"extra_perf_events,omitempty"`
	EnergySampleInterval time.Duration     `toml:"energy_sample_interval,omitempty"`
	PreRun               *ProcessHook      `toml:"pre_run,omitempty"`
	PostRun              *ProcessHook      `toml:"post_run,omitempty"`
}

// fingerprint returns the stable identity of this experiment's parameters,
// used both for duplicate detection and as the bench-ledger key. It
// deliberately excludes anything that does not affect the output directory
// path (sample_count, deep_trace, hooks, extra perf events, env, argv).
func (e Experiment) fingerprint() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s|%s|%d", e.TaskName, e.Regime, e.NumThreads)
	if e.Regime == RegimeGramineSGX {
		fmt.Fprintf(&b, "|%d", e.EnclaveSizeBytes)
	}
	h := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(h[:])
}

// Validate checks a single experiment's invariants.
func (e Experiment) Validate() error {
	if e.TaskName == "" {
		return fmt.Errorf("task_name must not be empty")
	}
	if e.Regime != RegimeNative && e.Regime != RegimeGramineSGX {
		return fmt.Errorf("task %q: unknown regime %q", e.TaskName, e.Regime)
	}
	if e.Executable == "" {
		return fmt.Errorf("task %q: executable must not be empty", e.TaskName)
	}
	if e.NumThreads < 1 {
		return fmt.Errorf("task %q: num_threads must be >= 1, got %d", e.TaskName, e.NumThreads)
	}
	if e.SampleCount < 1 {
		return fmt.Errorf("task %q: sample_count must be >= 1, got %d", e.TaskName, e.SampleCount)
	}
	if e.Regime == RegimeGramineSGX {
		if e.EnclaveSizeBytes < MinEnclaveSizeBytes {
			return fmt.Errorf("task %q: enclave_size_bytes must be >= %d, got %d",
				e.TaskName, MinEnclaveSizeBytes, e.EnclaveSizeBytes)
		}
		if len(e.StorageKinds) == 0 {
			return fmt.Errorf("task %q: gramine_sgx experiments require at least one storage_kind", e.TaskName)
		}
		for _, sk := range e.StorageKinds {
			switch sk {
			case StorageEncrypted, StorageTmpfs, StorageUntrusted:
			default:
				return fmt.Errorf("task %q: unknown storage_kind %q", e.TaskName, sk)
			}
		}
	}
	return nil
}

// effectiveEnergyInterval returns EnergySampleInterval or the default.
func (e Experiment) effectiveEnergyInterval() time.Duration {
	if e.EnergySampleInterval <= 0 {
		return DefaultEnergySampleInterval
	}
	return e.EnergySampleInterval
}

// WithDefaults returns a copy of e with zero-valued optional fields
// defaulted.
func (e Experiment) WithDefaults() Experiment {
	e.EnergySampleInterval = e.effectiveEnergyInterval()
	if e.Regime == RegimeNative {
		e.StorageKinds = nil
		e.EnclaveSizeBytes = 0
	}
	return e
}

// ExperimentPlan is an ordered, read-only sequence of experiments.
type ExperimentPlan struct {
	Experiments []Experiment `toml:"experiments"`
}

// Load reads, decodes, defaults, and validates a plan file.
func Load(path string) (*ExperimentPlan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("plan.Load: read %q: %w", path, err)
	}
	if strings.Contains(string(data), "{{") {
		return nil, fmt.Errorf("plan.Load: %q still contains unexpanded template placeholders " +
			"(\"{{ ... }}\"); the workload parser must expand these before the plan reaches sgxbench", path)
	}

	var p ExperimentPlan
	if err := toml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("plan.Load: parse %q: %w", path, err)
	}

	for i, e := range p.Experiments {
		p.Experiments[i] = e.WithDefaults()
	}

	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("plan.Load: validation failed: %w", err)
	}
	return &p, nil
}

// Save serializes a plan back to TOML, for round-trip testing and for the
// sgxbench-plancheck tool's --normalize mode.
func Save(p *ExperimentPlan) ([]byte, error) {
	return toml.Marshal(p)
}

// Validate checks every experiment individually and then the plan-wide
// duplicate-fingerprint invariant.
func (p *ExperimentPlan) Validate() error {
	seen := make(map[string]string, len(p.Experiments)) // fingerprint -> task_name
	for _, e := range p.Experiments {
		if err := e.Validate(); err != nil {
			return err
		}
		fp := e.fingerprint()
		if other, dup := seen[fp]; dup {
			return fmt.Errorf("duplicate experiment fingerprint: task %q collides with task %q "+
				"(regime=%s threads=%d)", e.TaskName, other, e.Regime, e.NumThreads)
		}
		seen[fp] = e.TaskName
	}
	return nil
}

// HasDuplicates reports whether the plan contains two experiments with an
// identical output-directory fingerprint, independent of any other
// validation failure. Exposed for property-based plan tests.
func (p *ExperimentPlan) HasDuplicates() bool {
	seen := make(map[string]struct{}, len(p.Experiments))
	for _, e := range p.Experiments {
		fp := e.fingerprint()
		if _, dup := seen[fp]; dup {
			return true
		}
		seen[fp] = struct{}{}
	}
	return false
}

// Fingerprint exposes an experiment's stable identity for callers outside
// this package (the bench ledger, the orchestrator's output-path derivation).
func Fingerprint(e Experiment) string { return e.fingerprint() }
