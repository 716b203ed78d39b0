package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/octoreflex/sgxbench/internal/bench"
	"github.com/octoreflex/sgxbench/internal/collector"
	"github.com/octoreflex/sgxbench/internal/config"
	"github.com/octoreflex/sgxbench/internal/coordinator"
	"github.com/octoreflex/sgxbench/internal/harnesserrors"
	"github.com/octoreflex/sgxbench/internal/observability"
	"github.com/octoreflex/sgxbench/internal/outputtree"
	"github.com/octoreflex/sgxbench/internal/plan"
)

// TestMain lets this test binary double as the stop-wrapper re-exec
// target, mirroring cmd/sgxbench's main() dispatch — Coordinator.Execute
// always re-execs selfExe with "stopwrap -- <argv>".
func TestMain(m *testing.M) {
	if len(os.Args) > 1 && os.Args[1] == coordinator.StopWrapArg {
		if err := coordinator.RunStopWrap(os.Args[1:]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}
	os.Exit(m.Run())
}

// noopArmers stands in for the real perf/tracer/energy collectors,
// which need root, a real kernel eBPF surface, and RAPL sysfs that a
// test sandbox doesn't have. It returns no collectors at all, so only
// the spawn, wait, output-tree and history paths run.
func noopArmers(plan.Experiment) []collector.Armer { return nil }

func newTestOrchestrator(t *testing.T) (*Orchestrator, string) {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("requires /bin/sh")
	}
	selfExe, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable: %v", err)
	}
	outputRoot := t.TempDir()
	dbPath := filepath.Join(t.TempDir(), "history.db")
	history, err := bench.Open(dbPath)
	if err != nil {
		t.Fatalf("bench.Open: %v", err)
	}
	t.Cleanup(func() { _ = history.Close() })

	cfg := config.Defaults()
	metrics := observability.NewMetrics()
	o := New(zap.NewNop(), &cfg, metrics, history, selfExe, nil)
	o.armerFactory = noopArmers
	return o, outputRoot
}

func nativeExperiment(task string, sampleCount int) plan.Experiment {
	return plan.Experiment{
		TaskName:    task,
		Regime:      plan.RegimeNative,
		Executable:  "/bin/sh",
		Args:        []string{"-c", "exit 0"},
		NumThreads:  1,
		SampleCount: sampleCount,
	}.WithDefaults()
}

func TestRun_NativeExperiment_RunsAllIterationsAndRecordsHistory(t *testing.T) {
	o, outputRoot := newTestOrchestrator(t)
	exp := nativeExperiment("matmul", 2)
	p := &plan.ExperimentPlan{Experiments: []plan.Experiment{exp}}

	summary, err := o.Run(context.Background(), p, outputRoot)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.ExperimentsRun != 1 || summary.IterationsRun != 2 {
		t.Errorf("summary = %+v, want 1 experiment / 2 iterations run", summary)
	}
	if summary.IterationsSkipped != 0 {
		t.Errorf("expected no skipped iterations on a fresh run, got %d", summary.IterationsSkipped)
	}

	if _, err := os.Stat(outputtree.PrivateKeyPath(outputRoot)); err != nil {
		t.Errorf("expected private_key.pem to be provisioned: %v", err)
	}

	fp := plan.Fingerprint(exp)
	for _, name := range []string{"1", "2"} {
		rec, err := o.history.GetRun(fp, name)
		if err != nil {
			t.Fatalf("GetRun(%s): %v", name, err)
		}
		if rec == nil {
			t.Errorf("expected a history record for iteration %s", name)
		}
	}
}

func TestRun_SkipsExistingIterationWithoutForce(t *testing.T) {
	o, outputRoot := newTestOrchestrator(t)
	exp := nativeExperiment("matmul", 1)
	p := &plan.ExperimentPlan{Experiments: []plan.Experiment{exp}}

	if _, err := o.Run(context.Background(), p, outputRoot); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	summary, err := o.Run(context.Background(), p, outputRoot)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if summary.IterationsSkipped != 1 || summary.IterationsRun != 0 {
		t.Errorf("expected the second run to skip the already-recorded iteration, got %+v", summary)
	}
}

func TestRun_ForceReRunsExistingIteration(t *testing.T) {
	o, outputRoot := newTestOrchestrator(t)
	exp := nativeExperiment("matmul", 1)
	p := &plan.ExperimentPlan{Experiments: []plan.Experiment{exp}}

	if _, err := o.Run(context.Background(), p, outputRoot); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	o.cfg.Force = true
	summary, err := o.Run(context.Background(), p, outputRoot)
	if err != nil {
		t.Fatalf("forced Run: %v", err)
	}
	if summary.IterationsRun != 1 || summary.IterationsSkipped != 0 {
		t.Errorf("expected --force to re-run the iteration rather than skip it, got %+v", summary)
	}
}

func TestRun_CancellationWritesSentinelAndPropagates(t *testing.T) {
	o, outputRoot := newTestOrchestrator(t)
	exp := nativeExperiment("matmul", 3)
	p := &plan.ExperimentPlan{Experiments: []plan.Experiment{exp}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // already cancelled: the first per-iteration check inside runExperiment should fire

	_, err := o.Run(ctx, p, outputRoot)
	if err == nil {
		t.Fatal("expected a Cancelled error")
	}
	kind, ok := harnesserrors.KindOf(err)
	if !ok || kind != harnesserrors.KindCancelled {
		t.Errorf("error kind = %v (ok=%v), want Cancelled", kind, ok)
	}

	dir := outputtree.IterationDir(outputRoot, exp, plan.StorageUntrusted, "1")
	data, readErr := os.ReadFile(filepath.Join(dir, ".skipped"))
	if readErr != nil {
		t.Fatalf("expected a .skipped sentinel at %s: %v", dir, readErr)
	}
	if !strings.Contains(string(data), "Cancelled") {
		t.Errorf(".skipped content = %q, expected it to mention Cancelled", data)
	}
}

func TestRun_RepeatedIOFailureEscalatesPastExperimentBoundary(t *testing.T) {
	o, outputRoot := newTestOrchestrator(t)
	exp := nativeExperiment("matmul", 3)
	p := &plan.ExperimentPlan{Experiments: []plan.Experiment{exp}}

	storageDir := outputtree.StorageDir(outputRoot, exp, plan.StorageUntrusted)
	if err := os.MkdirAll(filepath.Dir(storageDir), 0o755); err != nil {
		t.Fatalf("mkdir experiment dir: %v", err)
	}
	// Pre-creating storageDir as a regular file (not a directory) makes
	// every iteration's os.MkdirAll(storageDir/<n>) fail with ENOTDIR
	// regardless of the test process's uid.
	if err := os.WriteFile(storageDir, []byte("blocker"), 0o644); err != nil {
		t.Fatalf("write blocker file: %v", err)
	}

	summary, err := o.Run(context.Background(), p, outputRoot)
	if err == nil {
		t.Fatal("expected the repeated I/O failure to escalate to a plan-level error")
	}
	if !strings.Contains(err.Error(), "repeated I/O failure") {
		t.Errorf("error = %v, expected it to mention repeated I/O failure", err)
	}
	if summary.ExperimentsRun != 0 {
		t.Errorf("expected the escalated experiment to not count as run, got %+v", summary)
	}
}

func TestClassifyExecError_WrapsUnknownErrors(t *testing.T) {
	err := classifyExecError(nil)
	if k, ok := harnesserrors.KindOf(err); !ok || k != harnesserrors.KindIOError {
		t.Errorf("classifyExecError(nil) kind = %v, want IOError", k)
	}

	plain := fmt.Errorf("boom")
	wrapped := classifyExecError(plain)
	if k, ok := harnesserrors.KindOf(wrapped); !ok || k != harnesserrors.KindTargetSpawnFailed {
		t.Errorf("classifyExecError(plain) kind = %v, want TargetSpawnFailed", k)
	}

	taxonomy := harnesserrors.CollectorInitFailed(nil, "already typed")
	if classifyExecError(taxonomy) != taxonomy {
		t.Error("classifyExecError should pass an already-typed taxonomy error through unchanged")
	}
}

func TestTargetArgv_NativeUsesExecutableAndArgs(t *testing.T) {
	exp := nativeExperiment("matmul", 1)
	argv := targetArgv(exp, "/out")
	want := []string{"/bin/sh", "-c", "exit 0"}
	if len(argv) != len(want) {
		t.Fatalf("argv = %v, want %v", argv, want)
	}
	for i := range want {
		if argv[i] != want[i] {
			t.Errorf("argv[%d] = %q, want %q", i, argv[i], want[i])
		}
	}
}

func TestTargetArgv_SGXGoesThroughGramineLoader(t *testing.T) {
	exp := plan.Experiment{
		TaskName: "matmul", Regime: plan.RegimeGramineSGX, Executable: "/usr/bin/matmul",
		Args: []string{"--size", "1024"}, NumThreads: 4,
		EnclaveSizeBytes: 256 << 20, StorageKinds: []plan.StorageKind{plan.StorageUntrusted},
		SampleCount: 1,
	}.WithDefaults()
	argv := targetArgv(exp, "/out")
	if argv[0] != "gramine-sgx" {
		t.Errorf("argv[0] = %q, want gramine-sgx", argv[0])
	}
	wantBase := filepath.Join(outputtree.ExperimentDir("/out", exp), "matmul")
	if argv[1] != wantBase {
		t.Errorf("argv[1] = %q, want the manifest base %q", argv[1], wantBase)
	}
	if argv[len(argv)-1] != "1024" {
		t.Errorf("expected the plan's args appended, got %v", argv)
	}
}

