// Package main — cmd/sgxbench/main.go
//
// sgxbench entrypoint: the experiment-orchestration and metric-collection
// engine described by this repository, wired to a CLI surface (flag
// parsing and logging configuration are themselves out of scope per the
// core design, but something has to call New/Run, so this is that thing).
//
// Startup sequence:
//  1. Re-exec dispatch: if argv[1] == "stopwrap", this process *is* the
//     stop-wrapper) — resolve and exec straight into
//     the benchmark target, never reaching the steps below.
//  2. Parse flags.
//  3. Load harness config (sgxbench.yaml) and initialise the zap logger.
//  4. Load and validate the experiment plan (TOML, already expanded).
//  5. Preflight: if EB_SKIP_SGX is set, refuse a plan containing any
//     gramine_sgx experiment rather than silently degrading it.
//  6. Open the BoltDB run-history ledger and start the Prometheus
//     metrics server.
//  7. Run the orchestrator to completion or cancellation (SIGINT/SIGTERM).
//  8. Print the run summary; map the taxonomy kind of any returned error
//     to the documented exit code.
//
// Exit codes: 0 success; 1 plan-level fatal or any other run error;
// 2 the output root or the history ledger cannot be opened; 130
// cancellation. Collector permission errors are contained per
// iteration by the orchestrator and have no exit code of their own.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/octoreflex/sgxbench/internal/bench"
	"github.com/octoreflex/sgxbench/internal/config"
	"github.com/octoreflex/sgxbench/internal/coordinator"
	"github.com/octoreflex/sgxbench/internal/enclave"
	"github.com/octoreflex/sgxbench/internal/harnesserrors"
	"github.com/octoreflex/sgxbench/internal/observability"
	"github.com/octoreflex/sgxbench/internal/orchestrator"
	"github.com/octoreflex/sgxbench/internal/plan"
)

// envSkipSGX is the preflight assertion environment variable.
const envSkipSGX = "EB_SKIP_SGX"

func main() {
	// ── Step 1: stop-wrapper re-exec dispatch ────────────────────────────────
	if len(os.Args) > 1 && os.Args[1] == coordinator.StopWrapArg {
		if err := coordinator.RunStopWrap(os.Args[1:]); err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: stopwrap: %v\n", err)
			os.Exit(1)
		}
		return // unreachable: RunStopWrap either execs or returns an error
	}

	// ── Step 2: flags ─────────────────────────────────────────────────────────
	configPath := flag.String("config", "sgxbench.yaml", "Path to harness config (sgxbench.yaml)")
	planPath := flag.String("plan", "", "Path to the experiment plan (TOML, already expanded)")
	outputRoot := flag.String("output", "", "Output tree root directory")
	force := flag.Bool("force", false, "Delete and re-run any iteration whose output already exists")
	manifestTemplate := flag.String("manifest-template", "", "Gramine manifest template, required for gramine_sgx experiments")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("sgxbench %s (commit=%s built=%s)\n", config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}
	if *planPath == "" || *outputRoot == "" {
		fmt.Fprintln(os.Stderr, "FATAL: -plan and -output are required")
		os.Exit(1)
	}

	// ── Step 3: config + logger ───────────────────────────────────────────────
	cfg, err := loadConfig(*configPath, *force)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("sgxbench starting",
		zap.String("version", config.Version),
		zap.String("plan", *planPath),
		zap.String("output", *outputRoot),
		zap.Bool("force", cfg.Force),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Step 4: load plan ─────────────────────────────────────────────────────
	p, err := plan.Load(*planPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, harnesserrors.PlanInvalid(err, "load plan %q", *planPath).Line())
		os.Exit(1)
	}

	// ── Step 5: EB_SKIP_SGX preflight assertion ─────────────────────
	var builder enclave.Builder
	if _, skip := os.LookupEnv(envSkipSGX); skip {
		for _, e := range p.Experiments {
			if e.Regime == plan.RegimeGramineSGX {
				fmt.Fprintln(os.Stderr, harnesserrors.PlanInvalid(nil,
					"%s is set but plan contains gramine_sgx experiment %q", envSkipSGX, e.TaskName).Line())
				os.Exit(1)
			}
		}
		log.Info(envSkipSGX + " set: no gramine_sgx experiments in plan, proceeding native-only")
	} else {
		if *manifestTemplate == "" {
			for _, e := range p.Experiments {
				if e.Regime == plan.RegimeGramineSGX {
					fmt.Fprintln(os.Stderr, harnesserrors.PlanInvalid(nil,
						"-manifest-template is required: plan contains gramine_sgx experiment %q", e.TaskName).Line())
					os.Exit(1)
				}
			}
		} else {
			builder = enclave.NewExecBuilder(log, *manifestTemplate)
		}
	}

	// ── Step 6: history ledger + metrics ──────────────────────────────────────
	dbPath := cfg.History.DBPath
	if dbPath == "" {
		dbPath = filepath.Join(*outputRoot, ".sgxbench-history.db")
	}
	if err := os.MkdirAll(*outputRoot, 0o755); err != nil {
		fmt.Fprintln(os.Stderr, harnesserrors.IOError(err, "create output root %q", *outputRoot).Line())
		os.Exit(2)
	}
	history, err := bench.Open(dbPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, harnesserrors.IOError(err, "open history ledger %q", dbPath).Line())
		os.Exit(2)
	}
	defer history.Close() //nolint:errcheck
	if pruned, err := history.Prune(); err != nil {
		log.Warn("history prune failed", zap.Error(err))
	} else if pruned > 0 {
		log.Info("pruned stale history records", zap.Int("count", pruned))
	}

	metrics := observability.NewMetrics()
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	selfExe, err := os.Executable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: resolve self executable: %v\n", err)
		os.Exit(1)
	}

	// ── Step 7: run ────────────────────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Warn("cancellation signal received", zap.String("signal", sig.String()))
		cancel()
	}()

	orch := orchestrator.New(log, cfg, metrics, history, selfExe, builder)
	summary, runErr := orch.Run(ctx, p, *outputRoot)
	if summary != nil {
		log.Info("run summary",
			zap.Int("experiments_run", summary.ExperimentsRun),
			zap.Int("experiments_skipped", summary.ExperimentsSkipped),
			zap.Int("iterations_run", summary.IterationsRun),
			zap.Int("iterations_skipped", summary.IterationsSkipped),
		)
	}

	// ── Step 8: exit code mapping ───────────────────────────────────
	if runErr != nil {
		fmt.Fprintln(os.Stderr, runErr.Error())
		kind, _ := harnesserrors.KindOf(runErr)
		switch kind {
		case harnesserrors.KindPlanInvalid:
			os.Exit(1)
		case harnesserrors.KindCancelled:
			os.Exit(130)
		default:
			os.Exit(1)
		}
	}
}

// loadConfig loads the harness config, applying the --force flag as an
// override that always wins over the file's own `force` value.
func loadConfig(path string, forceFlag bool) (*config.Config, error) {
	var cfg *config.Config
	if _, err := os.Stat(path); err == nil {
		cfg, err = config.Load(path)
		if err != nil {
			return nil, err
		}
	} else {
		defaults := config.Defaults()
		cfg = &defaults
	}
	if forceFlag {
		cfg.Force = true
	}
	return cfg, nil
}

func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var zcfg zap.Config
	if format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return zcfg.Build()
}
