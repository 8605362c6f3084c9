package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashBytes(t *testing.T) {
	h := HashBytes([]byte("hello"))
	assert.Len(t, h, 64)
	assert.Equal(t, h, HashBytes([]byte("hello")))
	assert.NotEqual(t, h, HashBytes([]byte("hello!")))
}

func TestGenerateAndVerifyChecksums(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "service:\n  name: pinned\n")

	assert.ErrorIs(t, VerifyChecksums(path), ErrNoChecksums)

	manifest, err := GenerateChecksums(path, true)
	require.NoError(t, err)
	assert.Contains(t, manifest.Hashes, "config.yaml")
	_, err = os.Stat(filepath.Join(dir, ChecksumFile))
	assert.True(t, os.IsNotExist(err), "dry run must not write the sidecar")

	_, err = GenerateChecksums(path, false)
	require.NoError(t, err)
	require.NoError(t, VerifyChecksums(path))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "pinned", cfg.Service.Name)

	require.NoError(t, os.WriteFile(path, []byte("service:\n  name: tampered\n"), 0o644))
	err = VerifyChecksums(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hash mismatch")

	_, err = Load(path)
	assert.Error(t, err)
}
