package syscalls

import (
	"encoding/binary"

	"github.com/moduos/moduos/internal/kerrors"
	"github.com/moduos/moduos/internal/process"
	"github.com/moduos/moduos/internal/vfs"
)

// maxPathLen bounds path strings read out of user memory for OPEN/STAT/
// CHDIR/MKDIR/RMDIR/UNLINK.
const maxPathLen = 256

// allocFDSlot finds an empty per-process fd_table slot; -1 marks empty, mirroring
// process.CreateWithArgs' initialization.
func allocFDSlot(p *process.Process) (int, error) {
	for i, v := range p.FDTable {
		if v == -1 {
			return i, nil
		}
	}
	return 0, kerrors.ErrAgain
}

// resolveFD translates a process-local fd (the small int the user program
// holds) to the global FD table id internal/vfs.FDTable actually indexes.
func resolveFD(p *process.Process, slot int64) (int, error) {
	if slot < 0 || slot >= int64(process.MaxOpenFiles) {
		return 0, kerrors.ErrBadFd
	}
	g := p.FDTable[slot]
	if g < 0 {
		return 0, kerrors.ErrBadFd
	}
	return int(g), nil
}

func (d *Dispatcher) readPath(virt uintptr) (string, error) {
	return ReadCString(d.Mem, virt, maxPathLen)
}

// sysOpen implements OPEN: resolves the path against the
// caller's current mount/DEVFS namespace, installs the resulting global
// fd into the first free per-process slot, and hands back that slot.
func (d *Dispatcher) sysOpen(p *process.Process, pathPtr uintptr, flags vfs.OpenFlag) (uint64, error) {
	path, err := d.readPath(pathPtr)
	if err != nil {
		return 0, err
	}
	global, err := d.VFS.Open(p.CurrentMountSlot, p.PID, path, flags)
	if err != nil {
		return 0, err
	}
	slot, err := allocFDSlot(p)
	if err != nil {
		d.VFS.FDs.Close(global)
		return 0, err
	}
	p.FDTable[slot] = int32(global)
	return uint64(slot), nil
}

func (d *Dispatcher) sysClose(p *process.Process, slot int64) error {
	g, err := resolveFD(p, slot)
	if err != nil {
		return err
	}
	if err := d.VFS.FDs.Close(g); err != nil {
		return err
	}
	p.FDTable[slot] = -1
	return nil
}

// sysRead implements READ: the buffer returned by CopyIn aliases the
// caller's own memory, so internal/vfs.FDTable
// can fill it in place with no extra copy.
func (d *Dispatcher) sysRead(p *process.Process, slot int64, bufPtr uintptr, count uint64) (uint64, error) {
	g, err := resolveFD(p, slot)
	if err != nil {
		return 0, err
	}
	buf, err := CopyIn(d.Mem, bufPtr, count)
	if err != nil {
		return 0, err
	}
	n, err := d.VFS.FDs.Read(g, buf)
	return uint64(n), err
}

func (d *Dispatcher) sysWrite(p *process.Process, slot int64, bufPtr uintptr, count uint64) (uint64, error) {
	g, err := resolveFD(p, slot)
	if err != nil {
		return 0, err
	}
	buf, err := CopyIn(d.Mem, bufPtr, count)
	if err != nil {
		return 0, err
	}
	n, err := d.VFS.FDs.Write(g, buf)
	return uint64(n), err
}

// sysWriteFile implements WRITEFILE: flushes an fd's HVFS cache back to
// its owning filesystem driver.
func (d *Dispatcher) sysWriteFile(p *process.Process, slot int64) (uint64, error) {
	g, err := resolveFD(p, slot)
	if err != nil {
		return 0, err
	}
	fd, err := d.VFS.FDs.Stat(g)
	if err != nil {
		return 0, err
	}
	fs, err := d.VFS.MountFS(fd.MountSlot)
	if err != nil {
		return 0, err
	}
	return 0, d.VFS.FDs.FlushAndWriteBack(fs, g)
}

func (d *Dispatcher) sysLseek(p *process.Process, slot int64, offset int64, whence int) (uint64, error) {
	g, err := resolveFD(p, slot)
	if err != nil {
		return 0, err
	}
	return d.VFS.FDs.Lseek(g, offset, whence)
}

func (d *Dispatcher) sysOpendir(p *process.Process, pathPtr uintptr) (uint64, error) {
	path, err := d.readPath(pathPtr)
	if err != nil {
		return 0, err
	}
	global, err := d.VFS.OpenDir(p.CurrentMountSlot, p.PID, path)
	if err != nil {
		return 0, err
	}
	slot, err := allocFDSlot(p)
	if err != nil {
		d.VFS.FDs.Close(global)
		return 0, err
	}
	p.FDTable[slot] = int32(global)
	return uint64(slot), nil
}

// direntSize is READDIR's fixed packed record: a 200-byte NUL-padded
// name, an 8-byte size, and a 1-byte is-dir flag, padded to an 8-byte
// multiple.
const (
	direntNameLen = 200
	direntSize    = direntNameLen + 8 + 8
)

func marshalDirent(e vfs.DirEntry) []byte {
	buf := make([]byte, direntSize)
	copy(buf[:direntNameLen], e.Name)
	binary.LittleEndian.PutUint64(buf[direntNameLen:], e.Size)
	if e.IsDir {
		buf[direntNameLen+8] = 1
	}
	return buf
}

func (d *Dispatcher) sysReaddir(p *process.Process, slot int64, outPtr uintptr) error {
	g, err := resolveFD(p, slot)
	if err != nil {
		return err
	}
	e, err := d.VFS.FDs.ReadDir(g)
	if err != nil {
		return err
	}
	return CopyOut(d.Mem, outPtr, marshalDirent(e))
}

func (d *Dispatcher) sysStat(p *process.Process, pathPtr, outPtr uintptr) error {
	path, err := d.readPath(pathPtr)
	if err != nil {
		return err
	}
	e, err := d.VFS.Stat(p.CurrentMountSlot, path)
	if err != nil {
		return err
	}
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:], e.Size)
	if e.IsDir {
		buf[8] = 1
	}
	return CopyOut(d.Mem, outPtr, buf)
}

// sysPathOp backs MKDIR/RMDIR/UNLINK, all of which are "read a path,
// call one VFS method" (DEVFS paths are read-only and rejected
// by the underlying FS call, not specially here).
func (d *Dispatcher) sysPathOp(p *process.Process, pathPtr uintptr, op func(currentMount int, rawPath string) error) error {
	path, err := d.readPath(pathPtr)
	if err != nil {
		return err
	}
	return op(p.CurrentMountSlot, path)
}

// sysChdir implements CHDIR: a "$/mnt/<drive>/..." path
// switches the process's current mount slot as well as its cwd string; a
// plain path only changes cwd within the current mount.
func (d *Dispatcher) sysChdir(p *process.Process, pathPtr uintptr) error {
	path, err := d.readPath(pathPtr)
	if err != nil {
		return err
	}
	r := vfs.Resolve(path)
	targetMount := p.CurrentMountSlot
	if r.NS == vfs.NSDevMnt && r.Drive != "" {
		slot, ok := d.VFS.FindMountSlot(r.Drive)
		if !ok {
			return kerrors.ErrNotFound
		}
		targetMount = slot
	}
	entry, err := d.VFS.Stat(targetMount, path)
	if err != nil {
		return err
	}
	if !entry.IsDir {
		return kerrors.ErrNotADirectory
	}
	p.CurrentMountSlot = targetMount
	p.Cwd = displayCwd(r)
	return nil
}

func displayCwd(r vfs.Resolved) string {
	switch r.NS {
	case vfs.NSDevMnt:
		if r.Drive == "" {
			return "$/mnt"
		}
		if r.Path == "/" {
			return "$/mnt/" + r.Drive
		}
		return "$/mnt/" + r.Drive + r.Path
	case vfs.NSDevDev:
		return "$/dev" + r.Path
	default:
		return r.Path
	}
}

// sysGetcwd implements GETCWD: copies the process's cwd string (NUL
// terminated, if room) into the caller's buffer, returning kerrors.ErrAgain
// if it doesn't fit, matching POSIX getcwd's ERANGE rather than silently
// truncating a path the caller would then mis-navigate with.
func (d *Dispatcher) sysGetcwd(p *process.Process, bufPtr uintptr, size uint64) (uint64, error) {
	cwd := p.Cwd
	if cwd == "" {
		cwd = "/"
	}
	need := uint64(len(cwd)) + 1
	if need > size {
		return 0, kerrors.ErrAgain
	}
	out := make([]byte, need)
	copy(out, cwd)
	if err := CopyOut(d.Mem, bufPtr, out); err != nil {
		return 0, err
	}
	return uint64(len(cwd)), nil
}
