package vfs_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/moduos/moduos/internal/kerrors"
	"github.com/moduos/moduos/internal/vfs"
)

// fakeFS is an in-memory FS used to exercise the FD table / HVFS cache in
// isolation from any real filesystem driver.
type fakeFS struct {
	files map[string][]byte
	dirs  map[string]bool
}

func newFakeFS() *fakeFS {
	return &fakeFS{files: map[string][]byte{}, dirs: map[string]bool{"/": true}}
}

func (f *fakeFS) ReadFile(path string) ([]byte, error) {
	data, ok := f.files[path]
	if !ok {
		return nil, kerrors.ErrNotFound
	}
	return data, nil
}

func (f *fakeFS) WriteFile(path string, data []byte, flags vfs.OpenFlag) error {
	f.files[path] = append([]byte(nil), data...)
	return nil
}

func (f *fakeFS) Stat(path string) (vfs.DirEntry, error) {
	if f.dirs[path] {
		return vfs.DirEntry{Name: vfs.Basename(path), IsDir: true}, nil
	}
	if data, ok := f.files[path]; ok {
		return vfs.DirEntry{Name: vfs.Basename(path), Size: uint64(len(data))}, nil
	}
	return vfs.DirEntry{}, kerrors.ErrNotFound
}

func (f *fakeFS) ReadDir(path string) ([]vfs.DirEntry, error) {
	var out []vfs.DirEntry
	for name := range f.files {
		out = append(out, vfs.DirEntry{Name: name})
	}
	return out, nil
}

func (f *fakeFS) Mkdir(path string) error {
	if f.dirs[path] {
		return kerrors.ErrExists
	}
	f.dirs[path] = true
	return nil
}

func (f *fakeFS) Rmdir(path string) error {
	delete(f.dirs, path)
	return nil
}

func (f *fakeFS) Unlink(path string) error {
	if _, ok := f.files[path]; !ok {
		return kerrors.ErrNotFound
	}
	delete(f.files, path)
	return nil
}

func TestFDTable_OpenReadWriteRoundTrip(t *testing.T) {
	fs := newFakeFS()
	fds := vfs.NewFDTable()

	id, err := fds.OpenFile(fs, 0, "/hi.txt", vfs.OWrite|vfs.OCreate, 1)
	require.NoError(t, err)
	n, err := fds.Write(id, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.NoError(t, fds.FlushAndWriteBack(fs, id))

	data, err := fs.ReadFile("/hi.txt")
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))
}

func TestFDTable_LseekClamps(t *testing.T) {
	fs := newFakeFS()
	fs.files["/a.txt"] = []byte("0123456789")
	fds := vfs.NewFDTable()
	id, err := fds.OpenFile(fs, 0, "/a.txt", vfs.OReadOnly, 1)
	require.NoError(t, err)

	pos, err := fds.Lseek(id, 100, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(10), pos)

	pos, err = fds.Lseek(id, -100, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(0), pos)
}

func TestFDTable_DupIsIndependent(t *testing.T) {
	fs := newFakeFS()
	fs.files["/a.txt"] = []byte("0123456789")
	fds := vfs.NewFDTable()
	id, err := fds.OpenFile(fs, 0, "/a.txt", vfs.OReadOnly, 1)
	require.NoError(t, err)

	buf := make([]byte, 3)
	_, err = fds.Read(id, buf)
	require.NoError(t, err)

	dup, err := fds.Dup(id)
	require.NoError(t, err)

	_, err = fds.Lseek(dup, 0, 0)
	require.NoError(t, err)

	st1, _ := fds.Stat(id)
	st2, _ := fds.Stat(dup)
	require.NotEqual(t, st1.Position, st2.Position)
}

func TestFDTable_CloseAllReclaimsOwnerFDs(t *testing.T) {
	fs := newFakeFS()
	fs.files["/a.txt"] = []byte("x")
	fds := vfs.NewFDTable()
	id, err := fds.OpenFile(fs, 0, "/a.txt", vfs.OReadOnly, 42)
	require.NoError(t, err)

	fds.CloseAll(42)
	_, err = fds.Stat(id)
	require.ErrorIs(t, err, kerrors.ErrBadFd)
}

func TestFDTable_BadFd(t *testing.T) {
	fds := vfs.NewFDTable()
	_, err := fds.Read(99, make([]byte, 1))
	require.ErrorIs(t, err, kerrors.ErrBadFd)
}
