package syscalls

import (
	"encoding/binary"

	"github.com/moduos/moduos/internal/kerrors"
	"github.com/moduos/moduos/internal/process"
)

// sysExec implements EXEC (no user-mode
// ELF loader is part of this package's scope; wiring one in is the
// caller's job, via Dispatcher.Exec). Without one installed, EXEC reports
// ErrNoSyscall rather than silently succeeding, so a test harness that
// forgets to wire a loader fails loudly instead of pretending to exec.
func (d *Dispatcher) sysExec(p *process.Process, pathPtr, argvPtr uintptr) (uint64, error) {
	if d.Exec == nil {
		return 0, kerrors.ErrNoSyscall
	}
	path, err := d.readPath(pathPtr)
	if err != nil {
		return 0, err
	}
	return 0, d.Exec(p, path, nil)
}

// sysInput implements INPUT: a convenience read of the
// console keyboard stream that doesn't require the caller to have OPENed
// $/dev/input/kbd0 first. kbd0's ring buffer is a kernel-wide singleton
// (internal/devfs.DevFS), so opening it fresh on every call costs nothing
// and loses no state between calls.
func (d *Dispatcher) sysInput(bufPtr uintptr, count uint64) (uint64, error) {
	if d.VFS.Dev == nil {
		return 0, kerrors.ErrNotFound
	}
	dev, err := d.VFS.Dev.Open("/input/kbd0", false)
	if err != nil {
		return 0, err
	}
	buf, err := CopyIn(d.Mem, bufPtr, count)
	if err != nil {
		return 0, err
	}
	n, err := dev.Read(buf, true)
	return uint64(n), err
}

// sstatsSize is SSTATS's packed payload: three uint64 counters:
// reads/writes/errors for one vDrive.
const sstatsSize = 24

// sysSstats implements SSTATS: per-vDrive read/write/error counters (spec
// §4 supplement 2), distinct from SYSINFO2's kernel-wide snapshot.
func (d *Dispatcher) sysSstats(outPtr uintptr, vdriveID int) error {
	if d.VDrives == nil {
		return kerrors.ErrNotFound
	}
	drive := d.VDrives.Lookup(vdriveID)
	if drive == nil {
		return kerrors.ErrNotFound
	}
	st := drive.StatsSnapshot()
	buf := make([]byte, sstatsSize)
	binary.LittleEndian.PutUint64(buf[0:], st.Reads)
	binary.LittleEndian.PutUint64(buf[8:], st.Writes)
	binary.LittleEndian.PutUint64(buf[16:], st.Errors)
	return CopyOut(d.Mem, outPtr, buf)
}

// sysinfo2Size is SYSINFO2's packed payload:
// uptime_ticks, free_frames, total_frames, heap_free, heap_total,
// process_count, mounted_count, seven uint64 fields in all.
const sysinfo2Size = 7 * 8

// sysSysinfo2 implements SYSINFO2.
func (d *Dispatcher) sysSysinfo2(outPtr uintptr) error {
	var free, total uint64
	if d.PMM != nil {
		free, total = d.PMM.FreeFrames(), d.PMM.TotalFrames()
	}
	var heapFree, heapTotal uint64
	if d.Heap != nil {
		st := d.Heap.StatsSnapshot()
		heapFree, heapTotal = st.FreeBytes, st.TotalBytes
	}
	var mounted uint64
	if d.VFS != nil && d.VFS.Mounts != nil {
		mounted = uint64(len(d.VFS.Mounts.Slots()))
	}

	buf := make([]byte, sysinfo2Size)
	binary.LittleEndian.PutUint64(buf[0:], d.Ticks())
	binary.LittleEndian.PutUint64(buf[8:], free)
	binary.LittleEndian.PutUint64(buf[16:], total)
	binary.LittleEndian.PutUint64(buf[24:], heapFree)
	binary.LittleEndian.PutUint64(buf[32:], heapTotal)
	binary.LittleEndian.PutUint64(buf[40:], uint64(d.Sched.ProcessCount()))
	binary.LittleEndian.PutUint64(buf[48:], mounted)
	return CopyOut(d.Mem, outPtr, buf)
}
