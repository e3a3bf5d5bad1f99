package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockAndCheckRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalConfig), 0o644))

	checksumPath, err := Lock(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, ".checksums"), checksumPath)

	require.NoError(t, Check(path))
}

func TestCheckDetectsTampering(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalConfig), 0o644))

	_, err := Lock(path)
	require.NoError(t, err)

	// Simulate an edit after locking.
	require.NoError(t, os.WriteFile(path, []byte(minimalConfig+"\n# edited\n"), 0o644))

	err = Check(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hash mismatch")
}

func TestCheckWithoutManifest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalConfig), 0o644))

	err := Check(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksums file not found")
}

func TestLoadRejectsEditedLockedConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalConfig), 0o644))

	_, err := Lock(path)
	require.NoError(t, err)

	// Loading the locked, unmodified config succeeds.
	_, err = Load(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(minimalConfig+"\n# drift\n"), 0o644))
	_, err = Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config verification failed")
}

func TestComputeBlake3HashStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0o644))

	h1, err := ComputeBlake3Hash(path)
	require.NoError(t, err)
	h2, err := ComputeBlake3Hash(path)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}
