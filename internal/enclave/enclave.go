// Package enclave wraps Gramine manifest rendering, trusted-file
// hashing, and enclave signing behind a single capability,
// BuildEnclave, so the orchestrator treats Gramine as an opaque
// external collaborator.
package enclave

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/octoreflex/sgxbench/internal/plan"
)

// ManifestParams carries everything the builder needs to render and
// sign one experiment's manifest. Rendered once per experiment, not
// per iteration.
type ManifestParams struct {
	TaskName         string
	Executable       string
	Args             []string
	EnclaveSizeBytes int64
	NumThreads       int64
	StorageKinds     []plan.StorageKind
	// EnableStats requests sgx.enable_stats + sgx.profile.mode =
	// "ocall_outer" in the rendered manifest, so the SGX counter block
	// block is printed to stderr on enclave teardown.
	EnableStats bool
}

// Builder produces a signed enclave from ManifestParams.
type Builder interface {
	BuildEnclave(params ManifestParams, outDir string) (manifestPath, sigPath string, err error)
}

// ExecBuilder shells out to the real gramine-manifest and
// gramine-sgx-sign binaries. This is the default, and only, production
// implementation; tests substitute a fake Builder instead of stubbing
// these binaries.
type ExecBuilder struct {
	log              *zap.Logger
	manifestTemplate string // path to a .manifest.template, one per target executable family
	manifestBinary   string // default "gramine-manifest"
	signBinary       string // default "gramine-sgx-sign"
}

// NewExecBuilder returns a Builder backed by the real Gramine toolchain.
func NewExecBuilder(log *zap.Logger, manifestTemplate string) *ExecBuilder {
	return &ExecBuilder{
		log:              log,
		manifestTemplate: manifestTemplate,
		manifestBinary:   "gramine-manifest",
		signBinary:       "gramine-sgx-sign",
	}
}

// BuildEnclave renders <outDir>/<task>.manifest from the template with
// substituted enclave size/thread count, then signs it into
// <outDir>/<task>.manifest.sgx and <outDir>/<task>.sig.
func (b *ExecBuilder) BuildEnclave(params ManifestParams, outDir string) (string, string, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", "", fmt.Errorf("enclave: mkdir %q: %w", outDir, err)
	}

	rawManifest := filepath.Join(outDir, params.TaskName+".manifest")
	manifestPath := filepath.Join(outDir, params.TaskName+".manifest.sgx")
	sigPath := filepath.Join(outDir, params.TaskName+".sig")

	renderArgs := []string{
		b.manifestTemplate, rawManifest,
		"-Dentrypoint=" + params.Executable,
		fmt.Sprintf("-Dsgx_enclave_size=%d", params.EnclaveSizeBytes),
		fmt.Sprintf("-Dsgx_thread_num=%d", params.NumThreads),
	}
	if params.EnableStats {
		renderArgs = append(renderArgs, "-Dsgx_enable_stats=true", "-Dsgx_profile_mode=ocall_outer")
	}
	if out, err := exec.Command(b.manifestBinary, renderArgs...).CombinedOutput(); err != nil {
		return "", "", fmt.Errorf("enclave: render manifest: %w: %s", err, out)
	}

	signArgs := []string{"sign", "-manifest", rawManifest, "-output", manifestPath}
	if out, err := exec.Command(b.signBinary, signArgs...).CombinedOutput(); err != nil {
		return "", "", fmt.Errorf("enclave: sign manifest: %w: %s", err, out)
	}
	if _, err := os.Stat(sigPath); err != nil {
		return "", "", fmt.Errorf("enclave: expected signature file %q after signing: %w", sigPath, err)
	}

	b.log.Info("built enclave", zap.String("task", params.TaskName), zap.String("manifest", manifestPath))
	return manifestPath, sigPath, nil
}

// TargetArgv returns the argv the Run Coordinator should exec for an
// SGX iteration: `gramine-sgx <manifest-base>`, where manifestBase is
// the path to the signed manifest minus its ".manifest.sgx" suffix, so
// Gramine resolves the manifest regardless of the harness's working
// directory.
func TargetArgv(manifestBase string, extraArgs []string) []string {
	return append([]string{"gramine-sgx", manifestBase}, extraArgs...)
}
