package appliance

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, nil, 0o644))
}

func TestLocateFixedAppliance(t *testing.T) {
	dir := t.TempDir()
	for _, f := range []string{"README.fixed", "kernel", "initrd", "root"} {
		touch(t, filepath.Join(dir, f))
	}

	files, err := Locate(Options{Path: dir})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "kernel"), files.Kernel)
	assert.Equal(t, filepath.Join(dir, "initrd"), files.Initrd)
	assert.Equal(t, filepath.Join(dir, "root"), files.Image)
}

func TestLocateOldStyleAppliance(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, oldStyleKernelName()))
	touch(t, filepath.Join(dir, oldStyleInitrdName()))

	files, err := Locate(Options{Path: dir})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, oldStyleKernelName()), files.Kernel)
	assert.Equal(t, filepath.Join(dir, oldStyleInitrdName()), files.Initrd)
	assert.Empty(t, files.Image)
}

func TestLocateSearchesPathElements(t *testing.T) {
	empty := t.TempDir()
	fixed := t.TempDir()
	for _, f := range []string{"README.fixed", "kernel", "initrd", "root"} {
		touch(t, filepath.Join(fixed, f))
	}

	// The first element has nothing; the second matches.
	files, err := Locate(Options{Path: empty + ":" + fixed})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(fixed, "kernel"), files.Kernel)
}

func TestLocateNotFound(t *testing.T) {
	dir := t.TempDir()

	_, err := Locate(Options{Path: dir})
	require.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), dir)
}

func TestLocateIncompleteFixedAppliance(t *testing.T) {
	dir := t.TempDir()
	// Without README.fixed the directory is not a fixed appliance,
	// even with all three artifacts present.
	for _, f := range []string{"kernel", "initrd", "root"} {
		touch(t, filepath.Join(dir, f))
	}

	_, err := Locate(Options{Path: dir})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMakeCacheDir(t *testing.T) {
	base := t.TempDir()

	dir, err := makeCacheDir(base)
	require.NoError(t, err)

	st, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, st.IsDir())
	assert.Equal(t, os.FileMode(0o755), st.Mode().Perm())

	// A second call reuses the directory.
	again, err := makeCacheDir(base)
	require.NoError(t, err)
	assert.Equal(t, dir, again)
}

func TestMakeCacheDirRejectsNonDirectory(t *testing.T) {
	base := t.TempDir()
	// Pre-create the cache path as a plain file, as an attacker
	// squatting on the name would.
	touch(t, filepath.Join(base, cacheDirName(t)))

	_, err := makeCacheDir(base)
	assert.ErrorIs(t, err, ErrCacheInsecure)
}

func TestMakeCacheDirRejectsSymlink(t *testing.T) {
	base := t.TempDir()
	target := t.TempDir()
	require.NoError(t, os.Symlink(target, filepath.Join(base, cacheDirName(t))))

	_, err := makeCacheDir(base)
	assert.ErrorIs(t, err, ErrCacheInsecure)
}

func cacheDirName(t *testing.T) string {
	t.Helper()
	dir, err := makeCacheDir(t.TempDir())
	require.NoError(t, err)
	return filepath.Base(dir)
}

func TestHostCPU(t *testing.T) {
	cpu := HostCPU()
	assert.NotEmpty(t, cpu)
	assert.NotEqual(t, "amd64", cpu)
	assert.NotEqual(t, "arm64", cpu)
}
