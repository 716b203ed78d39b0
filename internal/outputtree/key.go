package outputtree

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
)

// ProvisionPrivateKey generates the output tree's single RSA private key
// at <root>/private_key.pem if it does not already exist; the tree
// carries exactly one key for its whole lifetime, and this refuses to
// overwrite an existing one.
func ProvisionPrivateKey(root string, bits int) (path string, created bool, err error) {
	path = PrivateKeyPath(root)
	if _, statErr := os.Stat(path); statErr == nil {
		return path, false, nil
	} else if !os.IsNotExist(statErr) {
		return "", false, fmt.Errorf("outputtree: stat %q: %w", path, statErr)
	}

	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", false, fmt.Errorf("outputtree: mkdir %q: %w", root, err)
	}

	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return "", false, fmt.Errorf("outputtree: generate RSA key: %w", err)
	}
	der := x509.MarshalPKCS1PrivateKey(key)
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: der}

	tmp, err := os.CreateTemp(root, ".private_key.pem.tmp-*")
	if err != nil {
		return "", false, fmt.Errorf("outputtree: create temp key file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if err := pem.Encode(tmp, block); err != nil {
		_ = tmp.Close()
		return "", false, fmt.Errorf("outputtree: encode PEM: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return "", false, fmt.Errorf("outputtree: chmod key file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", false, fmt.Errorf("outputtree: close temp key file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return "", false, fmt.Errorf("outputtree: rename key into place: %w", err)
	}
	return path, true, nil
}
