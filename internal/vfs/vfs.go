// VFS top-level: ties path resolution, the mount table, the FD table, and
// DEVFS together into the operations the syscall layer calls.
package vfs

import (
	"strings"

	"github.com/moduos/moduos/internal/kerrors"
)

// DevDevice is a $/dev character device's read/write surface, implemented
// by internal/devfs's kbd0/event0/video0 nodes. Injected rather than
// imported directly, the same explicit-dependency shape
// internal/interrupts.ProcessFaultKiller uses, so internal/vfs and
// internal/devfs don't form an import cycle (devfs needs the mount table
// for its $/mnt listing).
type DevDevice interface {
	Read(buf []byte, nonblock bool) (n int, err error)
	Write(buf []byte) (n int, err error)
}

// DevResolver opens nodes under $/dev.
type DevResolver interface {
	Open(path string, write bool) (DevDevice, error)
	ReadDir(path string) ([]DirEntry, error)
}

// VFS is the process-independent kernel-wide filesystem state: the mount
// table, the global FD table, and the injected DEVFS resolver.
type VFS struct {
	Mounts *MountTable
	FDs    *FDTable
	Dev    DevResolver

	probers []Prober
	drives  DriveSource
}

// New creates a VFS with an empty mount table and FD table. SetDevResolver
// must be called before any $/dev path is used; boot order is mount,
// DEVFS init, SQRM load, rescan.
func New() *VFS {
	return &VFS{Mounts: NewMountTable(), FDs: NewFDTable()}
}

// SetDevResolver installs the DEVFS implementation.
func (v *VFS) SetDevResolver(d DevResolver) { v.Dev = d }

// MountFS returns the filesystem driver mounted at slot (for WRITEFILE's
// write-back, which needs the FS a given open fd's MountSlot belongs to).
func (v *VFS) MountFS(slot int) (FS, error) { return v.mountFS(slot) }

func (v *VFS) mountFS(slot int) (FS, error) {
	m, ok := v.Mounts.Get(slot)
	if !ok {
		return nil, kerrors.ErrInvalidHandle
	}
	return m.FS, nil
}

// mountListingEntries renders $/mnt's directory listing: one entry per
// occupied slot, named "vDriveN" or "vDriveN-P{1..4}".
func (v *VFS) mountListingEntries() []DirEntry {
	var out []DirEntry
	for _, slot := range v.Mounts.Slots() {
		m, _ := v.Mounts.Get(slot)
		name := mountSlotName(m)
		out = append(out, DirEntry{Name: name, IsDir: true})
	}
	return out
}

func mountSlotName(m Mount) string {
	if m.PartitionIdx == 0 {
		return sprintfVDrive(m.VDriveID)
	}
	return sprintfVDrive(m.VDriveID) + "-P" + itoa(m.PartitionIdx)
}

func sprintfVDrive(id int) string { return "vDrive" + itoa(id) }

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Open implements the OPEN syscall's full routing: resolves
// the path's namespace, then opens a regular-file FD (HVFS cache), a
// directory iterator, a $/mnt listing, or a $/dev device as appropriate.
func (v *VFS) Open(currentMount int, pid uint32, rawPath string, flags OpenFlag) (int, error) {
	r := Resolve(rawPath)
	switch r.NS {
	case NSDevMnt:
		return v.openDevMnt(r, pid)
	case NSDevDev:
		if v.Dev == nil {
			return 0, kerrors.ErrNotFound
		}
		dev, err := v.Dev.Open(r.Path, flags.has(OWrite))
		if err != nil {
			return 0, err
		}
		return v.FDs.OpenDev(dev, r.Path, flags, pid)
	default:
		fs, err := v.mountFS(currentMount)
		if err != nil {
			return 0, err
		}
		info, statErr := fs.Stat(r.Path)
		if statErr == nil && info.IsDir {
			return v.FDs.OpenDir(fs, currentMount, r.Path, pid)
		}
		return v.FDs.OpenFile(fs, currentMount, r.Path, flags, pid)
	}
}

func (v *VFS) openDevMnt(r Resolved, pid uint32) (int, error) {
	if r.Drive == "" {
		return v.FDs.OpenMountListing(v.mountListingEntries(), "$/mnt", pid)
	}
	slot := v.findMountByName(r.Drive)
	if slot < 0 {
		return 0, kerrors.ErrNotFound
	}
	fs, err := v.mountFS(slot)
	if err != nil {
		return 0, err
	}
	if r.Path == "/" {
		return v.FDs.OpenDir(fs, slot, "/", pid)
	}
	info, err := fs.Stat(r.Path)
	if err != nil {
		return 0, err
	}
	if info.IsDir {
		return v.FDs.OpenDir(fs, slot, r.Path, pid)
	}
	return v.FDs.OpenFile(fs, slot, r.Path, OReadOnly, pid)
}

// FindMountSlot resolves a $/mnt drive name ("vDrive0", "vDrive0-P1") to
// its mount slot, for CHDIR's namespace-switching case.
func (v *VFS) FindMountSlot(name string) (int, bool) {
	slot := v.findMountByName(name)
	if slot < 0 {
		return 0, false
	}
	return slot, true
}

func (v *VFS) findMountByName(name string) int {
	for _, slot := range v.Mounts.Slots() {
		m, _ := v.Mounts.Get(slot)
		if strings.EqualFold(mountSlotName(m), name) {
			return slot
		}
	}
	return -1
}

// OpenDir implements the OPENDIR syscall.
func (v *VFS) OpenDir(currentMount int, pid uint32, rawPath string) (int, error) {
	r := Resolve(rawPath)
	switch r.NS {
	case NSDevMnt:
		return v.openDevMnt(r, pid)
	case NSDevDev:
		if v.Dev == nil {
			return 0, kerrors.ErrNotFound
		}
		entries, err := v.Dev.ReadDir(r.Path)
		if err != nil {
			return 0, err
		}
		return v.FDs.OpenMountListing(entries, r.Path, pid)
	default:
		fs, err := v.mountFS(currentMount)
		if err != nil {
			return 0, err
		}
		return v.FDs.OpenDir(fs, currentMount, r.Path, pid)
	}
}

// Stat resolves and stats a path without opening an FD (for the STAT
// syscall).
func (v *VFS) Stat(currentMount int, rawPath string) (DirEntry, error) {
	r := Resolve(rawPath)
	switch r.NS {
	case NSMount:
		fs, err := v.mountFS(currentMount)
		if err != nil {
			return DirEntry{}, err
		}
		return fs.Stat(r.Path)
	case NSDevMnt:
		if r.Drive == "" {
			return DirEntry{Name: "mnt", IsDir: true}, nil
		}
		slot := v.findMountByName(r.Drive)
		if slot < 0 {
			return DirEntry{}, kerrors.ErrNotFound
		}
		fs, err := v.mountFS(slot)
		if err != nil {
			return DirEntry{}, err
		}
		return fs.Stat(r.Path)
	default:
		return DirEntry{Name: Basename(r.Path)}, nil
	}
}

// Mkdir/Rmdir/Unlink operate only on the current mount (DEVFS is
// synthesized and read-only from the process's point of view).
func (v *VFS) Mkdir(currentMount int, rawPath string) error {
	fs, err := v.mountFS(currentMount)
	if err != nil {
		return err
	}
	return fs.Mkdir(Resolve(rawPath).Path)
}

func (v *VFS) Rmdir(currentMount int, rawPath string) error {
	fs, err := v.mountFS(currentMount)
	if err != nil {
		return err
	}
	return fs.Rmdir(Resolve(rawPath).Path)
}

func (v *VFS) Unlink(currentMount int, rawPath string) error {
	fs, err := v.mountFS(currentMount)
	if err != nil {
		return err
	}
	return fs.Unlink(Resolve(rawPath).Path)
}

// WriteFile is the non-fd WRITEFILE-style convenience used by mkfs/boot
// code and by tests.
func (v *VFS) WriteFile(currentMount int, rawPath string, data []byte) error {
	fs, err := v.mountFS(currentMount)
	if err != nil {
		return err
	}
	return fs.WriteFile(Resolve(rawPath).Path, data, OWrite|OCreate)
}

func (v *VFS) ReadFile(currentMount int, rawPath string) ([]byte, error) {
	fs, err := v.mountFS(currentMount)
	if err != nil {
		return nil, err
	}
	return fs.ReadFile(Resolve(rawPath).Path)
}

// ReadDir lists a directory on the current mount without opening an FD,
// for boot-time scans (the SQRM module directory) and other internal
// callers that don't need an iterator.
func (v *VFS) ReadDir(currentMount int, rawPath string) ([]DirEntry, error) {
	fs, err := v.mountFS(currentMount)
	if err != nil {
		return nil, err
	}
	return fs.ReadDir(Resolve(rawPath).Path)
}

// FileExists reports whether path names a regular file or directory on
// the current mount.
func (v *VFS) FileExists(currentMount int, rawPath string) bool {
	_, err := v.Stat(currentMount, rawPath)
	return err == nil
}
