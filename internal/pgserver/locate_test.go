package pgserver

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeExecutable(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0755)) //nolint:gosec // test executable
}

// isolatedLocator searches only the given PATH.
func isolatedLocator(path string) *Locator {
	return &Locator{Path: path, Roots: []string{}, ExtraDirs: []string{}, NoLocate: true}
}

func TestLocatorFindOnPath(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses shell-script executables")
	}
	first, second := t.TempDir(), t.TempDir()
	writeExecutable(t, filepath.Join(second, "pg_ctl"))

	loc := isolatedLocator(first + string(os.PathListSeparator) + second)
	got, err := loc.Find("pg_ctl")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(second, "pg_ctl"), got)

	// Earlier PATH entries win.
	writeExecutable(t, filepath.Join(first, "pg_ctl"))
	loc = isolatedLocator(first + string(os.PathListSeparator) + second)
	got, err = loc.Find("pg_ctl")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(first, "pg_ctl"), got)
}

func TestLocatorSkipsNonExecutable(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("executable bit is not used on Windows")
	}
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pg_ctl"), []byte("data"), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "pg_controldata"), 0755))

	loc := isolatedLocator(dir)
	_, err := loc.Find("pg_ctl")
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)
	_, err = loc.Find("pg_controldata")
	assert.True(t, errors.Is(err, ErrNotFound), "directories are not executables: %v", err)
}

func TestLocatorExplicitPath(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses shell-script executables")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "bin", "pg_ctl")
	writeExecutable(t, path)

	loc := isolatedLocator("")
	got, err := loc.Find(filepath.Join(dir, "bin", "..", "bin", "pg_ctl"))
	require.NoError(t, err)
	assert.Equal(t, path, got, "path should be cleaned")

	_, err = loc.Find(filepath.Join(dir, "missing", "pg_ctl"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocatorExeSuffix(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses shell-script executables")
	}
	dir := t.TempDir()
	writeExecutable(t, filepath.Join(dir, "pg_ctl.exe"))

	got, err := isolatedLocator(dir).Find("pg_ctl")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "pg_ctl.exe"), got)
}

func TestLocatorVersionedRoots(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("versioned install directories are not searched on Windows")
	}
	root := t.TempDir()
	for _, v := range []string{"9.6", "10", "16", "9.4"} {
		writeExecutable(t, filepath.Join(root, "postgresql", v, "bin", "pg_ctl"))
	}
	// Newest version without the executable is ignored.
	require.NoError(t, os.MkdirAll(filepath.Join(root, "postgresql", "17", "bin"), 0755))

	loc := &Locator{Path: t.TempDir(), Roots: []string{filepath.Join(root, "postgresql")}, ExtraDirs: []string{}, NoLocate: true}
	got, err := loc.Find("pg_ctl")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "postgresql", "16", "bin", "pg_ctl"), got)
}

func TestLocatorExtraDirs(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("extra directories are not searched on Windows")
	}
	extra := t.TempDir()
	writeExecutable(t, filepath.Join(extra, "pg_ctl"))

	loc := &Locator{Path: t.TempDir(), Roots: []string{}, ExtraDirs: []string{extra}, NoLocate: true}
	got, err := loc.Find("pg_ctl")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(extra, "pg_ctl"), got)
}

func TestLocatorNotFound(t *testing.T) {
	loc := isolatedLocator(t.TempDir())
	_, err := loc.Find("pgtest-no-such-program")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = loc.Find("")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocatorCachesResult(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses shell-script executables")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "pg_ctl")
	writeExecutable(t, path)

	loc := isolatedLocator(dir)
	got, err := loc.Find("pg_ctl")
	require.NoError(t, err)
	require.NoError(t, os.Remove(path))

	cached, err := loc.Find("pg_ctl")
	require.NoError(t, err)
	assert.Equal(t, got, cached)
}

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"9.6", "10", -1},
		{"16", "9.4", 1},
		{"9.4", "9.4", 0},
		{"9.4", "9.4.0", 0},
		{"9.10", "9.9", 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, compareVersions(parseVersion(tt.a), parseVersion(tt.b)), "compareVersions(%s, %s)", tt.a, tt.b)
	}
}
