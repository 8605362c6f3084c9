package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// ChecksumFile is the sidecar written next to the config file.
const ChecksumFile = ".checksums"

// ErrNoChecksums is returned by VerifyChecksums when no sidecar exists.
var ErrNoChecksums = errors.New("checksums file not found")

// ChecksumManifest is the on-disk format of the .checksums sidecar.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// HashBytes returns the hex BLAKE3-256 digest of data.
func HashBytes(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ComputeBlake3Hash computes the BLAKE3 hash of a file.
func ComputeBlake3Hash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	return HashBytes(data), nil
}

// GenerateChecksums hashes configPath and writes the .checksums sidecar in
// its directory. The manifest is returned even when dryRun skips the write.
func GenerateChecksums(configPath string, dryRun bool) (*ChecksumManifest, error) {
	hash, err := ComputeBlake3Hash(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to hash %s: %w", filepath.Base(configPath), err)
	}

	manifest := &ChecksumManifest{
		Version:     1,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Hashes:      map[string]string{filepath.Base(configPath): hash},
	}
	if dryRun {
		return manifest, nil
	}

	data, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checksums: %w", err)
	}
	// Restrictive permissions: the file pins expected hashes.
	if err := os.WriteFile(checksumPath(configPath), data, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write checksums: %w", err)
	}
	return manifest, nil
}

// LoadChecksums reads the .checksums sidecar for configPath.
func LoadChecksums(configPath string) (*ChecksumManifest, error) {
	data, err := os.ReadFile(checksumPath(configPath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoChecksums
		}
		return nil, fmt.Errorf("failed to read checksums: %w", err)
	}

	var manifest ChecksumManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse checksums: %w", err)
	}
	if manifest.Version != 1 {
		return nil, fmt.Errorf("unsupported checksums version: %d", manifest.Version)
	}
	return &manifest, nil
}

// VerifyChecksums checks configPath against its sidecar. It returns
// ErrNoChecksums when there is nothing to verify against.
func VerifyChecksums(configPath string) error {
	manifest, err := LoadChecksums(configPath)
	if err != nil {
		return err
	}

	name := filepath.Base(configPath)
	expected, ok := manifest.Hashes[name]
	if !ok {
		return fmt.Errorf("%s has no hash in checksums (run 'dumpsys config hash-update')", name)
	}

	actual, err := ComputeBlake3Hash(configPath)
	if err != nil {
		return fmt.Errorf("failed to compute hash: %w", err)
	}
	if actual != expected {
		return fmt.Errorf("hash mismatch for %s: expected %s, got %s\n"+
			"If you edited this file intentionally, run: dumpsys config hash-update",
			name, expected, actual)
	}
	return nil
}

func checksumPath(configPath string) string {
	return filepath.Join(filepath.Dir(configPath), ChecksumFile)
}
