package fs_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/exos-project/exos/internal/fs"
)

func TestCleanMountPath(t *testing.T) {
	mount, subpath, err := fs.CleanMountPath("/C/foo/bar")
	require.NoError(t, err)
	require.Equal(t, "C", mount)
	require.Equal(t, "/foo/bar", subpath)
}

func TestCleanMountPathTrailingSlash(t *testing.T) {
	mount, subpath, err := fs.CleanMountPath("/C/foo/")
	require.NoError(t, err)
	require.Equal(t, "C", mount)
	require.Equal(t, "/foo", subpath)
}

func TestCleanMountPathRootOnly(t *testing.T) {
	mount, subpath, err := fs.CleanMountPath("/C")
	require.NoError(t, err)
	require.Equal(t, "C", mount)
	require.Equal(t, "/", subpath)
}

func TestCleanMountPathRejectsEmptyComponent(t *testing.T) {
	_, _, err := fs.CleanMountPath("/C//foo")
	require.Error(t, err)
}

func TestCleanMountPathRejectsEmpty(t *testing.T) {
	_, _, err := fs.CleanMountPath("/")
	require.Error(t, err)
}

type stubDriver struct {
	opened bool
}

func (d *stubDriver) OpenFile(subpath string, flags fs.OpenFlags) (fs.File, error) {
	d.opened = true
	return nil, nil
}
func (d *stubDriver) CreateFolder(subpath string) error { return nil }
func (d *stubDriver) PathExists(subpath string) bool     { return subpath == "/" }
func (d *stubDriver) FileExists(subpath string) bool     { return false }

func TestRegistryDelegatesToMount(t *testing.T) {
	reg := fs.NewRegistry()
	driver := &stubDriver{}
	require.NoError(t, reg.Mount("C", driver))

	require.True(t, reg.PathExists("/C"))
	require.False(t, reg.FileExists("/C/missing.txt"))

	_, err := reg.OpenFile("/C/file.txt", fs.FlagRead)
	require.NoError(t, err)
	require.True(t, driver.opened)
}

func TestRegistryUnknownMount(t *testing.T) {
	reg := fs.NewRegistry()
	require.False(t, reg.PathExists("/Z"))
	_, err := reg.OpenFile("/Z/file.txt", fs.FlagRead)
	require.Error(t, err)
}

func TestMemoryStorageUnitRoundTrip(t *testing.T) {
	unit := fs.NewMemoryStorageUnit(512, 4)
	out := make([]byte, 512)
	for i := range out {
		out[i] = byte(i)
	}
	require.NoError(t, unit.WriteSectors(1, 1, out))

	in := make([]byte, 512)
	require.NoError(t, unit.ReadSectors(1, 1, in))
	require.Equal(t, out, in)
}
