// Package main — cmd/sgxbench-plancheck/main.go
//
// sgxbench-plancheck is a dry-run companion to sgxbench: it loads and
// validates an experiment plan and prints the output directory tree the
// orchestrator would produce, without spawning anything. Useful in CI to
// catch a PlanInvalid error (duplicate fingerprint, bad enclave size,
// negative sample count) before a real run burns machine time, and for
// eyeballing the exact on-disk layout a new plan would produce.
//
// Usage:
//
//	sgxbench-plancheck -plan plan.toml -output /bench/out [-normalize]
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/octoreflex/sgxbench/internal/harnesserrors"
	"github.com/octoreflex/sgxbench/internal/outputtree"
	"github.com/octoreflex/sgxbench/internal/plan"
)

func main() {
	planPath := flag.String("plan", "", "Path to the experiment plan (TOML)")
	outputRoot := flag.String("output", "", "Output tree root to print paths under")
	normalize := flag.Bool("normalize", false, "Print the defaulted/canonical plan back out as TOML instead of the tree")
	flag.Parse()

	if *planPath == "" {
		fmt.Fprintln(os.Stderr, "FATAL: -plan is required")
		os.Exit(1)
	}

	p, err := plan.Load(*planPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, harnesserrors.PlanInvalid(err, "load plan %q", *planPath).Line())
		os.Exit(1)
	}

	if *normalize {
		out, err := plan.Save(p)
		if err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: serialize plan: %v\n", err)
			os.Exit(1)
		}
		os.Stdout.Write(out)
		return
	}

	if *outputRoot == "" {
		fmt.Fprintln(os.Stderr, "FATAL: -output is required unless -normalize is set")
		os.Exit(1)
	}

	fmt.Println(outputtree.PrivateKeyPath(*outputRoot))
	for _, e := range p.Experiments {
		printExperimentTree(*outputRoot, e)
	}
}

func printExperimentTree(root string, e plan.Experiment) {
	expDir := outputtree.ExperimentDir(root, e)
	fmt.Println(expDir + "/")

	if e.Regime == plan.RegimeGramineSGX {
		fmt.Println("  " + e.TaskName + ".manifest.sgx")
		fmt.Println("  " + e.TaskName + ".sig")
		fmt.Println("  encrypted/")
		fmt.Println("  untrusted/")
	}

	storageKinds := e.StorageKinds
	if len(storageKinds) == 0 {
		storageKinds = []plan.StorageKind{plan.StorageUntrusted}
	}
	for _, storage := range storageKinds {
		storageDir := outputtree.StorageDir(root, e, storage)
		fmt.Println("  " + storageDir + "/")
		for i := 1; i <= e.SampleCount; i++ {
			printIterationFiles(storageDir, fmt.Sprint(i), false)
		}
		if e.DeepTrace {
			printIterationFiles(storageDir, outputtree.DeepTraceName, true)
		}
	}
}

func printIterationFiles(storageDir, name string, deepTrace bool) {
	fmt.Printf("    %s/\n", name)
	files := []string{"perf.csv", "io.csv", "package-0.csv", "package-0-core.csv", "package-0-uncore.csv", "package-0-dram.csv", "stdout", "stderr"}
	if deepTrace {
		files = append(files, "trace.csv")
	}
	for _, f := range files {
		fmt.Printf("      %s\n", f)
	}
}
