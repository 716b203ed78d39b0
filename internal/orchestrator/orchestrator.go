// Package orchestrator walks an ExperimentPlan, applies regime-specific
// setup, sequences iterations through the Run Coordinator, and
// guarantees cleanup even on collector failure.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/octoreflex/sgxbench/internal/bench"
	"github.com/octoreflex/sgxbench/internal/collector"
	"github.com/octoreflex/sgxbench/internal/collector/energy"
	"github.com/octoreflex/sgxbench/internal/collector/perfstat"
	"github.com/octoreflex/sgxbench/internal/collector/sgxstats"
	"github.com/octoreflex/sgxbench/internal/collector/tracer"
	"github.com/octoreflex/sgxbench/internal/config"
	"github.com/octoreflex/sgxbench/internal/coordinator"
	"github.com/octoreflex/sgxbench/internal/enclave"
	"github.com/octoreflex/sgxbench/internal/harnesserrors"
	"github.com/octoreflex/sgxbench/internal/observability"
	"github.com/octoreflex/sgxbench/internal/outputtree"
	"github.com/octoreflex/sgxbench/internal/plan"
)

// maxConsecutiveIOErrors is how many consecutive IOError iterations
// escalate to a plan-level fatal error.
const maxConsecutiveIOErrors = 3

// sgxStatsDrainGrace is the wait before parsing the Gramine stderr
// counter block, so the print is not racing the tracer detach (Gramine
// emits the block on enclave teardown, which can land late).
const sgxStatsDrainGrace = 200 * time.Millisecond

// errRepeatedIO marks an IOError that has repeated maxConsecutiveIOErrors
// times in a row and must escalate past the experiment boundary.
var errRepeatedIO = errors.New("repeated I/O failure")

// Summary is returned by Run on success (including partial success —
// individual experiment/iteration failures are contained).
type Summary struct {
	ExperimentsRun     int
	ExperimentsSkipped int
	IterationsRun      int
	IterationsSkipped  int
}

// Orchestrator runs a full plan against an output root.
type Orchestrator struct {
	log     *zap.Logger
	cfg     *config.Config
	metrics *observability.Metrics
	history *bench.DB
	selfExe string
	builder enclave.Builder

	// armerFactory builds the collector set for an experiment. Defaults
	// to buildArmers; overridden in tests so iteration lifecycle tests
	// don't depend on a real kernel's eBPF/RAPL/perf surface.
	armerFactory func(plan.Experiment) []collector.Armer
}

// New constructs an Orchestrator. selfExe is the path used to re-exec
// the stop-wrapper); builder is the enclave
// collaborator (nil disables gramine_sgx experiments entirely, which
// the caller should do when EB_SKIP_SGX is set).
func New(log *zap.Logger, cfg *config.Config, metrics *observability.Metrics, history *bench.DB, selfExe string, builder enclave.Builder) *Orchestrator {
	o := &Orchestrator{log: log, cfg: cfg, metrics: metrics, history: history, selfExe: selfExe, builder: builder}
	o.armerFactory = o.buildArmers
	return o
}

// NewWithArmerFactory is New with the collector set overridden. It exists
// for integration tests that drive a full Run against scenarios from
// end to end without a real kernel's eBPF/RAPL/perf surface; production
// callers should use New.
func NewWithArmerFactory(log *zap.Logger, cfg *config.Config, metrics *observability.Metrics, history *bench.DB, selfExe string, builder enclave.Builder, armerFactory func(plan.Experiment) []collector.Armer) *Orchestrator {
	o := New(log, cfg, metrics, history, selfExe, builder)
	o.armerFactory = armerFactory
	return o
}

// Run walks p in order and executes every experiment/iteration. A
// PlanInvalid error is returned immediately without creating any
// output directory. Cancellation (ctx.Done) is surfaced as
// harnesserrors.Cancelled.
func (o *Orchestrator) Run(ctx context.Context, p *plan.ExperimentPlan, outputRoot string) (*Summary, error) {
	if err := p.Validate(); err != nil {
		return nil, harnesserrors.PlanInvalid(err, "plan validation failed")
	}

	if _, _, err := outputtree.ProvisionPrivateKey(outputRoot, o.cfg.RSAKeyBits); err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}

	summary := &Summary{}
	consecutiveIOErrors := 0

	for idx, exp := range p.Experiments {
		o.metrics.ActiveExperimentIndex.Set(float64(idx))
		o.metrics.ExperimentTotal.WithLabelValues(string(exp.Regime)).Inc()

		select {
		case <-ctx.Done():
			return summary, harnesserrors.Cancelled("cancelled before experiment %q", exp.TaskName)
		default:
		}

		if err := o.runExperiment(ctx, exp, outputRoot, summary, &consecutiveIOErrors); err != nil {
			k, _ := harnesserrors.KindOf(err)
			if k.Propagates() || errors.Is(err, errRepeatedIO) {
				return summary, err
			}
			summary.ExperimentsSkipped++
			o.log.Warn("experiment aborted", zap.String("task", exp.TaskName), zap.Error(err))
			continue
		}
		summary.ExperimentsRun++
	}

	return summary, nil
}

func (o *Orchestrator) runExperiment(ctx context.Context, exp plan.Experiment, outputRoot string, summary *Summary, consecutiveIOErrors *int) error {
	if exp.Regime == plan.RegimeGramineSGX {
		if o.builder == nil {
			return harnesserrors.EnclaveBuildFailed(nil, "SGX experiments disabled (EB_SKIP_SGX)")
		}
		_, _, err := o.builder.BuildEnclave(enclave.ManifestParams{
			TaskName:         exp.TaskName,
			Executable:       exp.Executable,
			Args:             exp.Args,
			EnclaveSizeBytes: exp.EnclaveSizeBytes,
			NumThreads:       int64(exp.NumThreads),
			StorageKinds:     exp.StorageKinds,
			EnableStats:      true,
		}, outputtree.ExperimentDir(outputRoot, exp))
		if err != nil {
			o.metrics.EnclaveBuildsTotal.WithLabelValues("failed").Inc()
			return harnesserrors.EnclaveBuildFailed(err, "build enclave for %q", exp.TaskName)
		}
		o.metrics.EnclaveBuildsTotal.WithLabelValues("ok").Inc()

		for _, name := range []string{"encrypted", "untrusted"} {
			if err := os.MkdirAll(outputtree.MountDir(outputRoot, exp, name), 0o755); err != nil {
				return harnesserrors.IOError(err, "materialize mount dir %q", name)
			}
		}
	}

	if exp.PreRun != nil {
		o.runHook(*exp.PreRun, "pre_run", exp.TaskName)
	}

	storageKinds := exp.StorageKinds
	if len(storageKinds) == 0 {
		storageKinds = []plan.StorageKind{plan.StorageUntrusted} // ignored by outputtree for native
	}

	for _, storage := range storageKinds {
		iterationNames := make([]string, 0, exp.SampleCount+1)
		for i := 1; i <= exp.SampleCount; i++ {
			iterationNames = append(iterationNames, fmt.Sprintf("%d", i))
		}
		if exp.DeepTrace {
			iterationNames = append(iterationNames, outputtree.DeepTraceName)
		}

		for _, name := range iterationNames {
			select {
			case <-ctx.Done():
				return harnesserrors.Cancelled("cancelled during experiment %q", exp.TaskName)
			default:
			}

			dir := outputtree.IterationDir(outputRoot, exp, storage, name)
			skipped, err := o.runIteration(ctx, exp, outputRoot, storage, name)
			if err != nil {
				if k, ok := harnesserrors.KindOf(err); ok {
					switch k {
					case harnesserrors.KindIOError:
						*consecutiveIOErrors++
						if *consecutiveIOErrors >= maxConsecutiveIOErrors {
							return fmt.Errorf("%w: %w", errRepeatedIO,
								harnesserrors.IOError(err, "repeated I/O failure (%d consecutive)", *consecutiveIOErrors))
						}
					case harnesserrors.KindCancelled:
						if sentinelErr := outputtree.WriteSentinel(dir, err.Error()); sentinelErr != nil {
							o.log.Warn("failed to write .skipped sentinel", zap.Error(sentinelErr))
						}
						return err
					default:
						*consecutiveIOErrors = 0
					}
				}
				if sentinelErr := outputtree.WriteSentinel(dir, err.Error()); sentinelErr != nil {
					o.log.Warn("failed to write .skipped sentinel", zap.Error(sentinelErr))
				}
				summary.IterationsSkipped++
				o.log.Warn("iteration aborted", zap.String("task", exp.TaskName), zap.String("iteration", name), zap.Error(err))
				continue
			}
			*consecutiveIOErrors = 0
			if skipped {
				summary.IterationsSkipped++
			} else {
				summary.IterationsRun++
			}
		}
	}

	if exp.PostRun != nil {
		o.runHook(*exp.PostRun, "post_run", exp.TaskName)
	}
	return nil
}

func (o *Orchestrator) runHook(hook plan.ProcessHook, kind, task string) {
	cmd := exec.Command(hook.Executable, hook.Args...)
	out, err := cmd.CombinedOutput()
	exitCode := 0
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		} else {
			exitCode = -1
		}
	}
	o.log.Info(kind+" hook finished",
		zap.String("task", task), zap.Int("exit_code", exitCode), zap.ByteString("output", out))
}

// runIteration executes one iteration, honoring --force/history
// idempotence, and returns (skipped, err).
func (o *Orchestrator) runIteration(ctx context.Context, exp plan.Experiment, outputRoot string, storage plan.StorageKind, name string) (bool, error) {
	fingerprint := plan.Fingerprint(exp)
	dir := outputtree.IterationDir(outputRoot, exp, storage, name)

	existing, histErr := o.history.GetRun(fingerprint, name)
	_, statErr := os.Stat(dir)
	dirExists := statErr == nil
	// An aborted record documents what happened but never blocks a
	// retry; only a completed record (or a directory on disk) does.
	completedBefore := histErr == nil && existing != nil && !existing.Aborted
	if completedBefore || dirExists {
		if !o.cfg.Force {
			o.log.Debug("skipping already-written iteration", zap.String("dir", dir))
			return true, nil
		}
		if err := outputtree.Discard(dir); err != nil {
			return false, harnesserrors.IOError(err, "remove existing iteration dir for --force")
		}
		if existing != nil {
			if err := o.history.DeleteRun(fingerprint, name); err != nil {
				return false, harnesserrors.IOError(err, "remove existing history record for --force")
			}
		}
	}

	w, err := outputtree.New(dir)
	if err != nil {
		return false, harnesserrors.IOError(err, "create iteration dir %q", dir)
	}

	deepTrace := name == outputtree.DeepTraceName
	armers := o.armerFactory(exp)

	argv := targetArgv(exp, outputRoot)
	env := os.Environ()
	for k, v := range exp.Env {
		env = append(env, k+"="+v)
	}

	selfExe := o.selfExe
	coord := coordinator.New(o.log, selfExe)
	start := time.Now()
	result, execErr := coord.Execute(ctx, w, argv, env, armers, deepTrace)
	o.metrics.IterationDurationSeconds.Observe(time.Since(start).Seconds())

	if result == nil {
		_ = outputtree.Discard(dir)
		o.metrics.IterationTotal.WithLabelValues(string(exp.Regime), "aborted").Inc()
		return false, classifyExecError(execErr)
	}

	if exp.Regime == plan.RegimeGramineSGX {
		o.mergeSGXStats(w, dir)
	}

	outcome := "ok"
	switch {
	case result.Aborted:
		outcome = "aborted"
	case result.ExitCode != 0:
		outcome = "target_nonzero"
	}
	o.metrics.IterationTotal.WithLabelValues(string(exp.Regime), outcome).Inc()

	for k, status := range result.CollectorStatuses {
		if status == collector.StatusFailed {
			o.metrics.CollectorAttachFailuresTotal.WithLabelValues(string(k)).Inc()
		} else if status == collector.StatusDropped {
			o.metrics.CollectorDroppedTotal.WithLabelValues(string(k)).Inc()
		}
	}

	if result.Aborted {
		if err := o.history.PutRun(bench.RunRecord{
			ExperimentFingerprint: fingerprint,
			IterationName:         name,
			StartInstantNS:        result.StartInstantNS,
			EndInstantNS:          result.EndInstantNS,
			ExitCode:              result.ExitCode,
			CollectorStatuses:     result.CollectorStatuses,
			OutputDir:             dir,
			Aborted:               true,
		}); err != nil {
			o.log.Warn("failed to record aborted iteration", zap.Error(err))
		}
		_ = outputtree.Discard(dir)
		return false, execErr
	}

	if err := o.history.PutRun(bench.RunRecord{
		ExperimentFingerprint: fingerprint,
		IterationName:         name,
		StartInstantNS:        result.StartInstantNS,
		EndInstantNS:          result.EndInstantNS,
		ExitCode:              result.ExitCode,
		CollectorStatuses:     result.CollectorStatuses,
		OutputDir:             dir,
	}); err != nil {
		return false, harnesserrors.IOError(err, "write history record")
	}
	return false, nil
}

func (o *Orchestrator) mergeSGXStats(w *outputtree.Writer, dir string) {
	time.Sleep(sgxStatsDrainGrace)
	stderr, err := os.ReadFile(filepath.Join(dir, "stderr"))
	if err != nil {
		return
	}
	counters, found := sgxstats.Parse(stderr)
	if !found {
		return
	}
	if err := w.AppendCSVRows("io.csv", counters.Rows()); err != nil {
		o.log.Warn("failed to merge SGX stats into io.csv", zap.Error(err))
	}
}

func (o *Orchestrator) buildArmers(exp plan.Experiment) []collector.Armer {
	sgx := exp.Regime == plan.RegimeGramineSGX
	return []collector.Armer{
		tracer.New(o.log, sgx),
		perfstat.New(o.log, o.cfg.Collector.PerfBinary, exp.ExtraPerfEvents),
		energy.New(o.log, exp.EnergySampleInterval),
	}
}

// targetArgv builds the argv the coordinator execs. SGX runs go through
// the gramine-sgx loader, pointed at the signed manifest in the
// experiment directory so the invocation does not depend on the
// harness's working directory.
func targetArgv(exp plan.Experiment, outputRoot string) []string {
	if exp.Regime == plan.RegimeGramineSGX {
		manifestBase := filepath.Join(outputtree.ExperimentDir(outputRoot, exp), exp.TaskName)
		return enclave.TargetArgv(manifestBase, exp.Args)
	}
	return append([]string{exp.Executable}, exp.Args...)
}

func classifyExecError(err error) error {
	if err == nil {
		return harnesserrors.IOError(nil, "coordinator returned no result")
	}
	if _, ok := harnesserrors.KindOf(err); ok {
		return err
	}
	return harnesserrors.TargetSpawnFailed(err, "execute iteration")
}
