package pgserver

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyDir(t *testing.T) {
	src := filepath.Join(t.TempDir(), "src")
	require.NoError(t, os.MkdirAll(filepath.Join(src, "base", "1"), 0700))
	require.NoError(t, os.WriteFile(filepath.Join(src, "PG_VERSION"), []byte("16\n"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(src, "base", "1", "112"), []byte("relation"), 0640))
	require.NoError(t, os.Chmod(filepath.Join(src, "base", "1", "112"), 0640))
	require.NoError(t, os.WriteFile(filepath.Join(src, "postmaster.pid"), []byte("4242"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(src, "postmaster.opts"), []byte("postgres"), 0600))

	dst := filepath.Join(t.TempDir(), "dst")
	require.NoError(t, copyDir(src, dst))

	data, err := os.ReadFile(filepath.Join(dst, "base", "1", "112"))
	require.NoError(t, err)
	assert.Equal(t, "relation", string(data))

	_, err = os.Stat(filepath.Join(dst, "postmaster.pid"))
	assert.True(t, os.IsNotExist(err), "postmaster.pid should not be copied")
	_, err = os.Stat(filepath.Join(dst, "postmaster.opts"))
	assert.True(t, os.IsNotExist(err), "postmaster.opts should not be copied")

	if runtime.GOOS != "windows" {
		info, err := os.Stat(filepath.Join(dst, "base", "1", "112"))
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0640), info.Mode().Perm())
		info, err = os.Stat(filepath.Join(dst, "base"))
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0700), info.Mode().Perm())
	}
}

func TestCopyDirSymlink(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need elevated privileges on Windows")
	}
	src := filepath.Join(t.TempDir(), "src")
	require.NoError(t, os.MkdirAll(src, 0700))
	require.NoError(t, os.Symlink("/somewhere/pg_wal", filepath.Join(src, "pg_wal")))

	dst := filepath.Join(t.TempDir(), "dst")
	require.NoError(t, copyDir(src, dst))

	link, err := os.Readlink(filepath.Join(dst, "pg_wal"))
	require.NoError(t, err)
	assert.Equal(t, "/somewhere/pg_wal", link)
}

func TestCopyDirExistingDestination(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	assert.Error(t, copyDir(src, dst))
}
