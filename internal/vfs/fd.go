// FD table + HVFS read caching: open() loads a regular
// file's entire contents into a freshly allocated cache, read() copies out
// of that cache, lseek() clamps to [0, size], and dup() physically copies
// the cache so two FDs over the same file never share a read cursor.
//
// The discipline here is borrow-then-own: ReadFile/ReadDir return data the driver no longer
// owns a reference to, so the cache below never aliases a filesystem
// driver's internal block buffer past the call that filled it.
package vfs

import (
	"github.com/moduos/moduos/internal/kerrors"
)

// OpenFlag bits.
type OpenFlag uint32

const (
	OReadOnly  OpenFlag = 0
	OWrite     OpenFlag = 1 << 0
	OAppend    OpenFlag = 1 << 1
	OCreate    OpenFlag = 1 << 2
	ONonBlock  OpenFlag = 1 << 3
)

func (f OpenFlag) has(bit OpenFlag) bool { return f&bit != 0 }

// MaxFDs bounds the global FD table.
const MaxFDs = 256

// StdinFD/StdoutFD/StderrFD are reserved markers with no backing file.
const (
	StdinFD  = 0
	StdoutFD = 1
	StderrFD = 2
)

// FD is one open file descriptor.
type FD struct {
	MountSlot   int
	Path        string
	Position    uint64
	FileSize    uint64
	Flags       OpenFlag
	InUse       bool
	OwnerPID    uint32
	CachedData  []byte
	IsDirectory bool
	DirEntries  []DirEntry
	dirPos      int

	IsDevVFS bool // backed by a $/mnt listing
	IsDevFS  bool // backed by a $/dev device
	dev      DevDevice
}

// FDTable is the system-wide table every process's small per-process
// fd_table[] indexes into (process.Process.FDTable stores the ids this
// table hands back).
type FDTable struct {
	fds [MaxFDs]FD
}

// NewFDTable creates an FD table with 0/1/2 reserved.
func NewFDTable() *FDTable {
	t := &FDTable{}
	for _, r := range []int{StdinFD, StdoutFD, StderrFD} {
		t.fds[r] = FD{InUse: true}
	}
	return t
}

func (t *FDTable) alloc() (int, error) {
	for i := 3; i < MaxFDs; i++ {
		if !t.fds[i].InUse {
			return i, nil
		}
	}
	return 0, kerrors.ErrAgain
}

// OpenFile performs the HVFS read-cache open for a regular file already
// resolved to mountSlot/path on fs.
func (t *FDTable) OpenFile(fs FS, mountSlot int, path string, flags OpenFlag, ownerPID uint32) (int, error) {
	info, err := fs.Stat(path)
	exists := err == nil
	if err != nil && !kerrors.Is(err, kerrors.ErrNotFound) {
		return 0, err
	}
	if exists && info.IsDir {
		return 0, kerrors.ErrIsADirectory
	}
	if !exists {
		if !flags.has(OCreate) {
			return 0, kerrors.ErrNotFound
		}
		if err := fs.WriteFile(path, nil, flags); err != nil {
			return 0, err
		}
		info = DirEntry{Name: Basename(path), Size: 0}
	}

	data, err := fs.ReadFile(path)
	if err != nil {
		return 0, err
	}
	cache := make([]byte, len(data))
	copy(cache, data)

	id, err := t.alloc()
	if err != nil {
		return 0, err
	}
	pos := uint64(0)
	if flags.has(OAppend) {
		pos = info.Size
	}
	t.fds[id] = FD{
		MountSlot: mountSlot, Path: path, Position: pos, FileSize: info.Size,
		Flags: flags, InUse: true, OwnerPID: ownerPID, CachedData: cache,
	}
	return id, nil
}

// OpenDir opens a directory iterator FD.
func (t *FDTable) OpenDir(fs FS, mountSlot int, path string, ownerPID uint32) (int, error) {
	entries, err := fs.ReadDir(path)
	if err != nil {
		return 0, err
	}
	id, err := t.alloc()
	if err != nil {
		return 0, err
	}
	t.fds[id] = FD{
		MountSlot: mountSlot, Path: path, InUse: true, OwnerPID: ownerPID,
		IsDirectory: true, DirEntries: entries,
	}
	return id, nil
}

// OpenDev attaches a DEVFS device handle to a new FD.
func (t *FDTable) OpenDev(dev DevDevice, path string, flags OpenFlag, ownerPID uint32) (int, error) {
	id, err := t.alloc()
	if err != nil {
		return 0, err
	}
	t.fds[id] = FD{Path: path, Flags: flags, InUse: true, OwnerPID: ownerPID, IsDevFS: true, dev: dev}
	return id, nil
}

// OpenMountListing attaches a $/mnt directory listing to a new FD.
func (t *FDTable) OpenMountListing(entries []DirEntry, path string, ownerPID uint32) (int, error) {
	id, err := t.alloc()
	if err != nil {
		return 0, err
	}
	t.fds[id] = FD{Path: path, InUse: true, OwnerPID: ownerPID, IsDirectory: true, IsDevVFS: true, DirEntries: entries}
	return id, nil
}

func (t *FDTable) get(fd int) (*FD, error) {
	if fd < 0 || fd >= MaxFDs || !t.fds[fd].InUse {
		return nil, kerrors.ErrBadFd
	}
	return &t.fds[fd], nil
}

// Read copies up to len(buf) bytes from fd's cache/device into buf,
// starting at the FD's current position, advancing it.
func (t *FDTable) Read(fd int, buf []byte) (int, error) {
	f, err := t.get(fd)
	if err != nil {
		return 0, err
	}
	if f.IsDirectory {
		return 0, kerrors.ErrIsADirectory
	}
	if f.IsDevFS {
		n, err := f.dev.Read(buf, f.Flags.has(ONonBlock))
		if err != nil {
			return 0, err
		}
		return n, nil
	}
	if f.Position >= uint64(len(f.CachedData)) {
		return 0, nil
	}
	n := copy(buf, f.CachedData[f.Position:])
	f.Position += uint64(n)
	return n, nil
}

// Write appends/overwrites buf at the FD's current position in its cache
// and marks the change; the filesystem write-back happens when the caller
// (syscalls.Write / WRITEFILE) flushes via FlushAndWriteBack.
func (t *FDTable) Write(fd int, buf []byte) (int, error) {
	f, err := t.get(fd)
	if err != nil {
		return 0, err
	}
	if f.IsDirectory {
		return 0, kerrors.ErrIsADirectory
	}
	if f.IsDevFS {
		return f.dev.Write(buf)
	}
	if !f.Flags.has(OWrite) && !f.Flags.has(OCreate) {
		return 0, kerrors.ErrPerm
	}
	end := f.Position + uint64(len(buf))
	if end > uint64(len(f.CachedData)) {
		grown := make([]byte, end)
		copy(grown, f.CachedData)
		f.CachedData = grown
	}
	copy(f.CachedData[f.Position:end], buf)
	f.Position = end
	if end > f.FileSize {
		f.FileSize = end
	}
	return len(buf), nil
}

// FlushAndWriteBack writes fd's cache back to its filesystem (WRITEFILE
// syscall's underlying action).
func (t *FDTable) FlushAndWriteBack(fs FS, fd int) error {
	f, err := t.get(fd)
	if err != nil {
		return err
	}
	if f.IsDevFS || f.IsDirectory {
		return kerrors.ErrInvalidArg
	}
	return fs.WriteFile(f.Path, f.CachedData, f.Flags)
}

// Lseek repositions fd, clamping to [0, size].
func (t *FDTable) Lseek(fd int, offset int64, whence int) (uint64, error) {
	f, err := t.get(fd)
	if err != nil {
		return 0, err
	}
	var base int64
	switch whence {
	case 0: // SEEK_SET
		base = 0
	case 1: // SEEK_CUR
		base = int64(f.Position)
	case 2: // SEEK_END
		base = int64(f.FileSize)
	default:
		return 0, kerrors.ErrInvalidArg
	}
	pos := base + offset
	if pos < 0 {
		pos = 0
	}
	if pos > int64(f.FileSize) {
		pos = int64(f.FileSize)
	}
	f.Position = uint64(pos)
	return f.Position, nil
}

// ReadDir yields the next directory entry from fd's iterator, or
// kerrors.ErrNotFound when exhausted.
func (t *FDTable) ReadDir(fd int) (DirEntry, error) {
	f, err := t.get(fd)
	if err != nil {
		return DirEntry{}, err
	}
	if !f.IsDirectory {
		return DirEntry{}, kerrors.ErrNotADirectory
	}
	if f.dirPos >= len(f.DirEntries) {
		return DirEntry{}, kerrors.ErrNotFound
	}
	e := f.DirEntries[f.dirPos]
	f.dirPos++
	return e, nil
}

// Dup physically copies fd's cache into a new FD so the two positions are
// independent.
func (t *FDTable) Dup(fd int) (int, error) {
	f, err := t.get(fd)
	if err != nil {
		return 0, err
	}
	id, err := t.alloc()
	if err != nil {
		return 0, err
	}
	dup := *f
	if f.CachedData != nil {
		dup.CachedData = make([]byte, len(f.CachedData))
		copy(dup.CachedData, f.CachedData)
	}
	if f.DirEntries != nil {
		dup.DirEntries = append([]DirEntry(nil), f.DirEntries...)
	}
	t.fds[id] = dup
	return id, nil
}

// Close releases fd's cache or iterator.
func (t *FDTable) Close(fd int) error {
	if fd == StdinFD || fd == StdoutFD || fd == StderrFD {
		return nil
	}
	f, err := t.get(fd)
	if err != nil {
		return err
	}
	*f = FD{}
	return nil
}

// CloseAll reclaims every FD owned by pid.
func (t *FDTable) CloseAll(pid uint32) {
	for i := 3; i < MaxFDs; i++ {
		if t.fds[i].InUse && t.fds[i].OwnerPID == pid {
			t.fds[i] = FD{}
		}
	}
}

// Stat returns a read-only snapshot of fd's metadata (for the STAT syscall
// on an already-open fd, and internal bookkeeping).
func (t *FDTable) Stat(fd int) (FD, error) {
	f, err := t.get(fd)
	if err != nil {
		return FD{}, err
	}
	return *f, nil
}
