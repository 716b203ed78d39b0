package bench_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/octoreflex/sgxbench/internal/bench"
	"github.com/octoreflex/sgxbench/internal/collector"
)

func openTestDB(t *testing.T) *bench.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "history.db")
	db, err := bench.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpen_CreatesBucketsAndSchema(t *testing.T) {
	db := openTestDB(t)
	rec, err := db.GetRun("nonexistent", "1")
	if err != nil {
		t.Fatalf("GetRun on empty db: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected nil record, got %+v", rec)
	}
}

func TestPutGetDeleteRun(t *testing.T) {
	db := openTestDB(t)

	rec := bench.RunRecord{
		ExperimentFingerprint: "fp1",
		IterationName:         "1",
		StartInstantNS:        100,
		EndInstantNS:          200,
		ExitCode:              0,
		CollectorStatuses: map[collector.Kind]collector.DrainStatus{
			collector.KindPerf: collector.StatusDrained,
		},
		OutputDir: "/tmp/out/fp1/1",
	}
	if err := db.PutRun(rec); err != nil {
		t.Fatalf("PutRun: %v", err)
	}

	got, err := db.GetRun("fp1", "1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got == nil {
		t.Fatal("expected a record, got nil")
	}
	if got.OutputDir != rec.OutputDir || got.ExitCode != rec.ExitCode {
		t.Errorf("roundtrip mismatch: got %+v, want %+v", got, rec)
	}
	if got.RecordedAt.IsZero() {
		t.Error("expected RecordedAt to be stamped on write")
	}

	if err := db.DeleteRun("fp1", "1"); err != nil {
		t.Fatalf("DeleteRun: %v", err)
	}
	got, err = db.GetRun("fp1", "1")
	if err != nil {
		t.Fatalf("GetRun after delete: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil after delete, got %+v", got)
	}

	// Deleting an already-absent record must be a no-op, not an error.
	if err := db.DeleteRun("fp1", "1"); err != nil {
		t.Errorf("DeleteRun on absent record should be idempotent, got %v", err)
	}
}

func TestRunsForExperiment_PrefixScoped(t *testing.T) {
	db := openTestDB(t)

	for _, rec := range []bench.RunRecord{
		{ExperimentFingerprint: "fpA", IterationName: "1"},
		{ExperimentFingerprint: "fpA", IterationName: "2"},
		{ExperimentFingerprint: "fpB", IterationName: "1"},
	} {
		if err := db.PutRun(rec); err != nil {
			t.Fatalf("PutRun: %v", err)
		}
	}

	runs, err := db.RunsForExperiment("fpA")
	if err != nil {
		t.Fatalf("RunsForExperiment: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs for fpA, got %d", len(runs))
	}
	for _, r := range runs {
		if r.ExperimentFingerprint != "fpA" {
			t.Errorf("leaked record from another experiment: %+v", r)
		}
	}
}

func TestPrune_RemovesRecordsForMissingDirs(t *testing.T) {
	db := openTestDB(t)

	liveDir := t.TempDir()
	goneDir := filepath.Join(t.TempDir(), "deleted-by-hand")
	if err := db.PutRun(bench.RunRecord{ExperimentFingerprint: "fpA", IterationName: "1", OutputDir: liveDir}); err != nil {
		t.Fatalf("PutRun: %v", err)
	}
	if err := db.PutRun(bench.RunRecord{ExperimentFingerprint: "fpB", IterationName: "1", OutputDir: goneDir}); err != nil {
		t.Fatalf("PutRun: %v", err)
	}
	if _, err := os.Stat(goneDir); !os.IsNotExist(err) {
		t.Fatalf("test setup: %s should not exist", goneDir)
	}

	pruned, err := db.Prune()
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if pruned != 1 {
		t.Errorf("pruned = %d, want 1", pruned)
	}

	if rec, _ := db.GetRun("fpA", "1"); rec == nil {
		t.Error("record with a live output dir should survive Prune")
	}
	if rec, _ := db.GetRun("fpB", "1"); rec != nil {
		t.Error("record with a missing output dir should be pruned")
	}
}

func TestOpen_PreservesSchemaVersionAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	db, err := bench.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db.PutRun(bench.RunRecord{ExperimentFingerprint: "fp", IterationName: "1"}); err != nil {
		t.Fatalf("PutRun: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db2, err := bench.Open(path)
	if err != nil {
		t.Fatalf("reopen of a valid db should succeed: %v", err)
	}
	defer db2.Close()

	rec, err := db2.GetRun("fp", "1")
	if err != nil {
		t.Fatalf("GetRun after reopen: %v", err)
	}
	if rec == nil {
		t.Fatal("expected the record written before close to survive reopen")
	}
}
