// Package syscalls implements the INT 0x80 dispatch table: a single software-interrupt gate (DPL=3) dispatching on a
// syscall number placed in a fixed GPR, with up to 5 argument registers
// forwarded, over the closed set { EXIT, FORK, READ, WRITE, WRITEFILE,
// OPEN, CLOSE, WAIT, GETPID, GETPPID, SLEEP, YIELD, MALLOC, FREE, KILL,
// TIME, EXEC, INPUT, SSTATS, CHDIR, GETCWD, STAT, LSEEK, MKDIR, RMDIR,
// UNLINK, OPENDIR, READDIR, CLOSEDIR, MMAP, MUNMAP, SBRK, SYSINFO2 }.
//
// The real vector handler (internal/interrupts' IDT gate 0x80, not part of
// this package) clears IF, builds a trap frame, and calls Dispatch with
// the syscall number and argument words it read out of that frame. This
// package owns only the "what each number means" side: argument
// validation, routing to internal/process/internal/vfs/internal/pmm/
// internal/kheap, and turning kerrors sentinels into the fixed negative
// error codes a user-mode ABI expects.
package syscalls

import (
	"sync"

	"github.com/moduos/moduos/internal/kerrors"
	"github.com/moduos/moduos/internal/kheap"
	"github.com/moduos/moduos/internal/pmm"
	"github.com/moduos/moduos/internal/process"
	"github.com/moduos/moduos/internal/vdrive"
	"github.com/moduos/moduos/internal/vfs"
)

// Number is one member of the closed syscall enum.
type Number uint32

const (
	Exit Number = iota + 1
	Fork
	Read
	Write
	WriteFile
	Open
	Close
	Wait
	Getpid
	Getppid
	Sleep
	Yield
	Malloc
	Free
	Kill
	Time
	Exec
	Input
	Sstats
	Chdir
	Getcwd
	Stat
	Lseek
	Mkdir
	Rmdir
	Unlink
	Opendir
	Readdir
	Closedir
	Mmap
	Munmap
	Sbrk
	Sysinfo2
)

func (n Number) String() string {
	if s, ok := numberNames[n]; ok {
		return s
	}
	return "unknown"
}

var numberNames = map[Number]string{
	Exit: "EXIT", Fork: "FORK", Read: "READ", Write: "WRITE",
	WriteFile: "WRITEFILE", Open: "OPEN", Close: "CLOSE", Wait: "WAIT",
	Getpid: "GETPID", Getppid: "GETPPID", Sleep: "SLEEP", Yield: "YIELD",
	Malloc: "MALLOC", Free: "FREE", Kill: "KILL", Time: "TIME", Exec: "EXEC",
	Input: "INPUT", Sstats: "SSTATS", Chdir: "CHDIR", Getcwd: "GETCWD",
	Stat: "STAT", Lseek: "LSEEK", Mkdir: "MKDIR", Rmdir: "RMDIR",
	Unlink: "UNLINK", Opendir: "OPENDIR", Readdir: "READDIR",
	Closedir: "CLOSEDIR", Mmap: "MMAP", Munmap: "MUNMAP", Sbrk: "SBRK",
	Sysinfo2: "SYSINFO2",
}

// Args is the fixed 5-register argument bundle the trap frame hands
// Dispatch.
type Args [5]uint64

// TicksFunc reads the PIT tick counter; production wires
// internal/interrupts.Ticks, tests supply a fixed or incrementing stub,
// the same mockable-primitive seam every privileged subsystem in this
// kernel uses.
type TicksFunc func() uint64

// Dispatcher holds every subsystem a syscall handler can reach. Nothing
// here is itself privileged; all privileged operations already sit
// behind the mockable seams their own packages define (process's
// switchContextFn, pmm's saveFlagsCliFn, and so on), so Dispatcher itself
// needs no test double beyond plain struct fields.
type Dispatcher struct {
	Sched   *process.Scheduler
	VFS     *vfs.VFS
	Heap    *kheap.Heap
	PMM     *pmm.Allocator
	VDrives *vdrive.Manager
	Mem     UserSpace
	Ticks   TicksFunc
	// Exec loads and starts a new program image for EXEC, replacing the
	// calling process's entry point. Left nil in configurations with no
	// user-mode program loader wired up (the loader itself is out of this package's scope).
	Exec func(p *process.Process, path string, argv []string) error

	mu    sync.Mutex
	mmaps map[uintptr]uint64 // address -> length, for MMAP/MUNMAP bookkeeping
}

// NewDispatcher wires a Dispatcher over the already-constructed kernel
// subsystems (the boot sequence constructs each of these before syscalls
// can run at all).
func NewDispatcher(sched *process.Scheduler, vf *vfs.VFS, heap *kheap.Heap, frames *pmm.Allocator, drives *vdrive.Manager, mem UserSpace, ticks TicksFunc) *Dispatcher {
	return &Dispatcher{
		Sched: sched, VFS: vf, Heap: heap, PMM: frames, VDrives: drives,
		Mem: mem, Ticks: ticks, mmaps: make(map[uintptr]uint64),
	}
}

// Dispatch routes one syscall to its handler. A returned error is always
// one of kerrors' sentinels; Errno converts it to the fixed negative
// return-value convention a user-mode caller expects.
func (d *Dispatcher) Dispatch(pid uint32, num Number, a Args) (uint64, error) {
	p := d.Sched.Lookup(pid)
	if p == nil {
		return 0, kerrors.ErrNoProcess
	}

	switch num {
	case Exit:
		d.Sched.Exit(int(int32(a[0])))
		return 0, nil
	case Fork:
		return d.sysFork(p)
	case Read:
		return d.sysRead(p, int64(a[0]), uintptr(a[1]), a[2])
	case Write:
		return d.sysWrite(p, int64(a[0]), uintptr(a[1]), a[2])
	case WriteFile:
		return d.sysWriteFile(p, int64(a[0]))
	case Open:
		return d.sysOpen(p, uintptr(a[0]), vfs.OpenFlag(a[1]))
	case Close:
		return 0, d.sysClose(p, int64(a[0]))
	case Wait:
		return d.sysWait(p, int32(a[0]))
	case Getpid:
		return uint64(p.PID), nil
	case Getppid:
		return uint64(p.ParentPID), nil
	case Sleep:
		d.Sched.Sleep(a[0], d.Ticks())
		return 0, nil
	case Yield:
		d.Sched.Yield()
		return 0, nil
	case Malloc:
		return d.sysMalloc(uint32(a[0]))
	case Free:
		d.Heap.Free(toPointer(uintptr(a[0])))
		return 0, nil
	case Kill:
		return 0, d.Sched.Kill(uint32(a[0]), int(int32(a[1])))
	case Time:
		return d.Ticks() * 10, nil // 10ms/tick
	case Exec:
		return d.sysExec(p, uintptr(a[0]), uintptr(a[1]))
	case Input:
		return d.sysInput(uintptr(a[0]), a[1])
	case Sstats:
		return 0, d.sysSstats(uintptr(a[0]), int(a[1]))
	case Chdir:
		return 0, d.sysChdir(p, uintptr(a[0]))
	case Getcwd:
		return d.sysGetcwd(p, uintptr(a[0]), a[1])
	case Stat:
		return 0, d.sysStat(p, uintptr(a[0]), uintptr(a[1]))
	case Lseek:
		return d.sysLseek(p, int64(a[0]), int64(int32(a[1])), int(a[2]))
	case Mkdir:
		return 0, d.sysPathOp(p, uintptr(a[0]), d.VFS.Mkdir)
	case Rmdir:
		return 0, d.sysPathOp(p, uintptr(a[0]), d.VFS.Rmdir)
	case Unlink:
		return 0, d.sysPathOp(p, uintptr(a[0]), d.VFS.Unlink)
	case Opendir:
		return d.sysOpendir(p, uintptr(a[0]))
	case Readdir:
		return 0, d.sysReaddir(p, int64(a[0]), uintptr(a[1]))
	case Closedir:
		return 0, d.sysClose(p, int64(a[0]))
	case Mmap:
		return d.sysMmap(p, a[0])
	case Munmap:
		return 0, d.sysMunmap(p, a[0], a[1])
	case Sbrk:
		return d.sysSbrk(p, int64(a[0]))
	case Sysinfo2:
		return 0, d.sysSysinfo2(uintptr(a[0]))
	default:
		return 0, kerrors.ErrNoSyscall
	}
}

// Errno maps a handler's error to the fixed negative return-value
// convention: 0 or a positive value is success, a
// negative value is -errno. Unrecognized errors fall back to -1 rather
// than panicking; untrusted input never panics the kernel.
func Errno(err error) int64 {
	switch {
	case err == nil:
		return 0
	case kerrors.Is(err, kerrors.ErrFault):
		return -14
	case kerrors.Is(err, kerrors.ErrBadFd):
		return -9
	case kerrors.Is(err, kerrors.ErrAgain), kerrors.Is(err, kerrors.ErrWouldBlock):
		return -11
	case kerrors.Is(err, kerrors.ErrPerm), kerrors.Is(err, kerrors.ErrReadOnly):
		return -1
	case kerrors.Is(err, kerrors.ErrInvalidArg):
		return -22
	case kerrors.Is(err, kerrors.ErrNotFound):
		return -2
	case kerrors.Is(err, kerrors.ErrExists):
		return -17
	case kerrors.Is(err, kerrors.ErrIsADirectory):
		return -21
	case kerrors.Is(err, kerrors.ErrNotADirectory):
		return -20
	case kerrors.Is(err, kerrors.ErrNotEmpty):
		return -39
	case kerrors.Is(err, kerrors.ErrNoProcess):
		return -3
	case kerrors.Is(err, kerrors.ErrOutOfHeap), kerrors.Is(err, kerrors.ErrOutOfFrames):
		return -12
	case kerrors.Is(err, kerrors.ErrNoSyscall):
		return -38
	default:
		return -1
	}
}
