package plan

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestValidate_RejectsZeroSampleCount(t *testing.T) {
	e := Experiment{
		TaskName: "true", Regime: RegimeNative, Executable: "/bin/true",
		NumThreads: 1, SampleCount: 0,
	}
	if err := e.Validate(); err == nil {
		t.Fatal("expected error for sample_count=0")
	}
}

func TestValidate_RejectsSmallEnclave(t *testing.T) {
	e := Experiment{
		TaskName: "dd", Regime: RegimeGramineSGX, Executable: "/bin/dd",
		NumThreads: 1, SampleCount: 1,
		EnclaveSizeBytes: MinEnclaveSizeBytes - 1,
		StorageKinds:     []StorageKind{StorageUntrusted},
	}
	if err := e.Validate(); err == nil {
		t.Fatal("expected error for enclave_size_bytes below minimum")
	}
}

func TestValidate_NativeIgnoresStorageKind(t *testing.T) {
	e := Experiment{
		TaskName: "true", Regime: RegimeNative, Executable: "/bin/true",
		NumThreads: 1, SampleCount: 1,
		StorageKinds: []StorageKind{StorageEncrypted},
	}.WithDefaults()
	if err := e.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.StorageKinds != nil {
		t.Fatalf("expected storage_kinds cleared for native, got %v", e.StorageKinds)
	}
}

func TestHasDuplicates(t *testing.T) {
	base := Experiment{
		TaskName: "true", Regime: RegimeNative, Executable: "/bin/true",
		NumThreads: 1, SampleCount: 1,
	}
	dup := base
	dup.SampleCount = 3 // differs, but fingerprint only covers path-relevant fields

	p := &ExperimentPlan{Experiments: []Experiment{base, dup}}
	if !p.HasDuplicates() {
		t.Fatal("expected duplicate fingerprint to be detected")
	}
}

func TestValidate_DuplicateFingerprintRejected(t *testing.T) {
	base := Experiment{
		TaskName: "true", Regime: RegimeNative, Executable: "/bin/true",
		NumThreads: 1, SampleCount: 1,
	}
	p := &ExperimentPlan{Experiments: []Experiment{base, base}}
	if err := p.Validate(); err == nil {
		t.Fatal("expected validation error for duplicate experiments")
	}
}

func TestWithDefaults_EnergyInterval(t *testing.T) {
	e := Experiment{
		TaskName: "true", Regime: RegimeNative, Executable: "/bin/true",
		NumThreads: 1, SampleCount: 1,
	}.WithDefaults()
	if e.EnergySampleInterval != DefaultEnergySampleInterval {
		t.Fatalf("expected default energy interval, got %v", e.EnergySampleInterval)
	}
}

func TestRoundTrip_SaveThenLoad(t *testing.T) {
	orig := &ExperimentPlan{Experiments: []Experiment{
		Experiment{
			TaskName: "true", Regime: RegimeNative, Executable: "/bin/true",
			NumThreads: 1, SampleCount: 2, DeepTrace: true,
			Env:             map[string]string{"OMP_NUM_THREADS": "1"},
			ExtraPerfEvents: []string{"LLC-loads"},
		}.WithDefaults(),
		Experiment{
			TaskName: "dd", Regime: RegimeGramineSGX, Executable: "/bin/dd",
			Args: []string{"if=/dev/zero", "of=/dev/null"}, NumThreads: 4,
			EnclaveSizeBytes: 256 << 20,
			StorageKinds:     []StorageKind{StorageEncrypted, StorageTmpfs},
			SampleCount:      1,
		}.WithDefaults(),
	}}

	data, err := Save(orig)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	path := filepath.Join(t.TempDir(), "plan.toml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reflect.DeepEqual(orig, loaded) {
		t.Errorf("round trip mismatch:\norig:   %+v\nloaded: %+v", orig, loaded)
	}
}

func TestLoad_RejectsUnexpandedTemplate(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/plan.toml"
	content := "[[experiments]]\ntask_name = \"{{ task }}\"\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unexpanded template placeholder")
	}
}
