package vfs_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/moduos/moduos/internal/vfs"
)

func TestVFS_MountAndWriteReadFile(t *testing.T) {
	v := vfs.New()
	fs := newFakeFS()
	slot, err := v.Mounts.Mount(vfs.MountFAT32, fs, 0, 2048, 1)
	require.NoError(t, err)
	require.Equal(t, vfs.BootSlot, slot)

	require.NoError(t, v.WriteFile(slot, "/hello world with spaces.txt", []byte("hi\n")))
	require.True(t, v.FileExists(slot, "/hello world with spaces.txt"))

	data, err := v.ReadFile(slot, "/hello world with spaces.txt")
	require.NoError(t, err)
	require.Equal(t, "hi\n", string(data))
}

func TestVFS_MountRefusesDuplicate(t *testing.T) {
	v := vfs.New()
	_, err := v.Mounts.Mount(vfs.MountFAT32, newFakeFS(), 0, 2048, 1)
	require.NoError(t, err)
	_, err = v.Mounts.Mount(vfs.MountFAT32, newFakeFS(), 0, 2048, 1)
	require.Error(t, err)
}

func TestVFS_BootSlotUnmountRefused(t *testing.T) {
	v := vfs.New()
	_, err := v.Mounts.Mount(vfs.MountFAT32, newFakeFS(), 0, 0, 0)
	require.NoError(t, err)
	require.Error(t, v.Mounts.Unmount(vfs.BootSlot))
}

func TestVFS_DevMntListing(t *testing.T) {
	v := vfs.New()
	_, err := v.Mounts.Mount(vfs.MountFAT32, newFakeFS(), 0, 0, 0)
	require.NoError(t, err)
	_, err = v.Mounts.Mount(vfs.MountFAT32, newFakeFS(), 1, 0, 1)
	require.NoError(t, err)

	fd, err := v.Open(0, 1, "$/mnt", vfs.OReadOnly)
	require.NoError(t, err)
	var names []string
	for {
		e, err := v.FDs.ReadDir(fd)
		if err != nil {
			break
		}
		names = append(names, e.Name)
	}
	require.Contains(t, names, "vDrive0")
	require.Contains(t, names, "vDrive1-P1")
}

func TestVFS_OpenDirectoryViaOpenReturnsIterator(t *testing.T) {
	v := vfs.New()
	fs := newFakeFS()
	fs.dirs["/docs"] = true
	slot, err := v.Mounts.Mount(vfs.MountFAT32, fs, 0, 0, 0)
	require.NoError(t, err)
	fd, err := v.Open(slot, 1, "/docs", vfs.OReadOnly)
	require.NoError(t, err)
	st, err := v.FDs.Stat(fd)
	require.NoError(t, err)
	require.True(t, st.IsDirectory)
}
