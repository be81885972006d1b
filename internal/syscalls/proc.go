package syscalls

import (
	"github.com/moduos/moduos/internal/process"
)

// sysFork implements FORK: the child is an independent
// process positioned to resume at the parent's current RIP. The return
// value convention mirrors real fork(): the parent sees the child's PID,
// the child sees 0; since SavedContext carries no general-purpose return
// register, the caller's trap-return path must special-case a freshly
// forked child the same way it would for any first dispatch into a new
// process (this package only creates the child and hands back its PID).
func (d *Dispatcher) sysFork(parent *process.Process) (uint64, error) {
	child, err := d.Sched.Fork(parent.PID)
	if err != nil {
		return 0, err
	}
	return uint64(child.PID), nil
}

// sysWait implements WAIT: pid > 0 waits for a specific child, pid == -1
// waits for any child. The scheduler's Wait blocks the caller (Blocked
// state, parked on the wait condition) until a matching child reaches
// Zombie, so by the time this returns the child has been reaped.
func (d *Dispatcher) sysWait(caller *process.Process, pid int32) (uint64, error) {
	reapedPID, exitCode, err := d.Sched.Wait(caller.PID, pid)
	if err != nil {
		return 0, err
	}
	d.VFS.FDs.CloseAll(reapedPID)
	// pack (pid, exit code) into one 64-bit return word: high 32 bits pid,
	// low 32 bits the exit code as seen by the caller.
	return uint64(reapedPID)<<32 | uint64(uint32(exitCode)), nil
}
