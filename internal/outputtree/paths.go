// Package outputtree derives the deterministic output directory layout
// and provides an atomic-replace file writer so a crash or a
// killed iteration never leaves a downstream analysis script looking at a
// half-written CSV.
package outputtree

import (
	"fmt"
	"path/filepath"

	"github.com/octoreflex/sgxbench/internal/plan"
)

// DeepTraceName is the reserved iteration directory name for the extra
// deep-trace iteration appended when an experiment's deep_trace is true.
const DeepTraceName = "deep-trace"

// ExperimentDir returns the experiment-level directory
// (<root>/<task>/no-gramine-sgx/<task>-<threads>/ for native, or
// <root>/<task>/gramine-sgx/<task>-<threads>-<size>/ for SGX), matching
// the documented output-tree layout.
func ExperimentDir(root string, e plan.Experiment) string {
	switch e.Regime {
	case plan.RegimeGramineSGX:
		return filepath.Join(root, e.TaskName, "gramine-sgx",
			fmt.Sprintf("%s-%d-%s", e.TaskName, e.NumThreads, humanSize(e.EnclaveSizeBytes)))
	default:
		return filepath.Join(root, e.TaskName, "no-gramine-sgx",
			fmt.Sprintf("%s-%d", e.TaskName, e.NumThreads))
	}
}

// StorageDir returns the per-storage-kind run directory nested under an
// SGX experiment directory, e.g. "<experiment>/<task>-<threads>-<size>-<storage>".
// For native experiments, the equivalent is the fixed "-untrusted" suffix
// (native runs always use a single plain directory).
func StorageDir(root string, e plan.Experiment, storage plan.StorageKind) string {
	expDir := ExperimentDir(root, e)
	switch e.Regime {
	case plan.RegimeGramineSGX:
		base := filepath.Base(expDir)
		return filepath.Join(expDir, fmt.Sprintf("%s-%s", base, storage))
	default:
		base := filepath.Base(expDir)
		return filepath.Join(expDir, fmt.Sprintf("%s-untrusted", base))
	}
}

// IterationDir returns the directory for one repetition (iteration is a
// positive 1-based integer printed as decimal) or for the deep-trace
// iteration (iterationName == DeepTraceName).
func IterationDir(root string, e plan.Experiment, storage plan.StorageKind, iterationName string) string {
	return filepath.Join(StorageDir(root, e, storage), iterationName)
}

// ManifestPath and SigPath return the paths the enclave builder must
// produce for a gramine_sgx experiment: "<experiment>/<task>.manifest.sgx"
// and "<experiment>/<task>.sig".
func ManifestPath(root string, e plan.Experiment) string {
	return filepath.Join(ExperimentDir(root, e), e.TaskName+".manifest.sgx")
}

func SigPath(root string, e plan.Experiment) string {
	return filepath.Join(ExperimentDir(root, e), e.TaskName+".sig")
}

// MountDir returns the "encrypted" or "untrusted" mount-source directory
// materialized once per SGX experiment.
func MountDir(root string, e plan.Experiment, name string) string {
	return filepath.Join(ExperimentDir(root, e), name)
}

// PrivateKeyPath returns the location of the output tree's single RSA
// private key, generated once at plan start.
func PrivateKeyPath(root string) string {
	return filepath.Join(root, "private_key.pem")
}

// humanSize renders a byte count the way experiment directory names use it
// (e.g. 256*1024*1024 -> "256M", 1*1024*1024*1024 -> "1G"). Falls back to
// a raw byte count if the value isn't a whole multiple of a named unit.
func humanSize(bytes int64) string {
	const (
		gib = 1 << 30
		mib = 1 << 20
	)
	switch {
	case bytes > 0 && bytes%gib == 0:
		return fmt.Sprintf("%dG", bytes/gib)
	case bytes > 0 && bytes%mib == 0:
		return fmt.Sprintf("%dM", bytes/mib)
	default:
		return fmt.Sprintf("%dB", bytes)
	}
}
