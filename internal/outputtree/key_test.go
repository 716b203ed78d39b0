package outputtree_test

import (
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/octoreflex/sgxbench/internal/outputtree"
)

func TestProvisionPrivateKey_GeneratesOnce(t *testing.T) {
	root := t.TempDir()

	path, created, err := outputtree.ProvisionPrivateKey(root, 2048)
	if err != nil {
		t.Fatalf("ProvisionPrivateKey: %v", err)
	}
	if !created {
		t.Fatal("expected created=true on first provision")
	}
	if path != filepath.Join(root, "private_key.pem") {
		t.Errorf("unexpected path: %q", path)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat key file: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("expected key file mode 0600, got %v", info.Mode().Perm())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read key: %v", err)
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "RSA PRIVATE KEY" {
		t.Fatalf("expected a PEM RSA PRIVATE KEY block, got %+v", block)
	}
	if _, err := x509.ParsePKCS1PrivateKey(block.Bytes); err != nil {
		t.Errorf("generated key does not parse as PKCS1: %v", err)
	}
}

func TestProvisionPrivateKey_RefusesToOverwrite(t *testing.T) {
	root := t.TempDir()

	_, created1, err := outputtree.ProvisionPrivateKey(root, 2048)
	if err != nil || !created1 {
		t.Fatalf("first provision: created=%v err=%v", created1, err)
	}
	before, err := os.ReadFile(filepath.Join(root, "private_key.pem"))
	if err != nil {
		t.Fatalf("read key: %v", err)
	}

	_, created2, err := outputtree.ProvisionPrivateKey(root, 2048)
	if err != nil {
		t.Fatalf("second provision: %v", err)
	}
	if created2 {
		t.Error("expected created=false when the key already exists")
	}
	after, err := os.ReadFile(filepath.Join(root, "private_key.pem"))
	if err != nil {
		t.Fatalf("read key: %v", err)
	}
	if string(before) != string(after) {
		t.Error("existing key material must not be regenerated")
	}
}
