// Package process implements the process table and round-robin scheduler:
// process lifecycle (Ready/Running/Blocked/Sleeping/Zombie/Terminated),
// context switch via the six SysV callee-saved GPRs + RIP + RSP + RFLAGS,
// cooperative yield, timed sleep, and wait(pid) reaping.
//
// User-mode processes carry their own saved GPR/RIP/RSP/RFLAGS context,
// page table root, and kernel/user stacks, so this package keeps an
// explicit process table and round-robin ready queue rather than riding
// the Go runtime's own scheduler. The context-switch assembly routine
// itself is internal/archx86.SwitchContext; this package only owns the policy
// (who runs next, state transitions) and the per-process saved-context
// struct laid out to match SwitchContext's documented field order.
package process

import (
	"sync"
	"unsafe"

	"github.com/moduos/moduos/internal/archx86"
	"github.com/moduos/moduos/internal/interrupts"
	"github.com/moduos/moduos/internal/kerrors"
	"github.com/moduos/moduos/internal/paging"
)

// MaxOpenFiles bounds fd_table; DefaultTimeSlice is
// the number of PIT ticks a process runs before
// the scheduler preempts it for fairness: with N ready processes of
// equal priority, each runs at least once in any window of N slices.
const (
	MaxOpenFiles     = 32
	DefaultTimeSlice = 5

	KernelStackSize = 16 * 1024
	UserStackSize   = 64 * 1024

	// UserHeapSize bounds the per-process brk arena internal/syscalls grows
	// on SBRK. The arena is allocated at this full size on the process's
	// first SBRK call, so the break pointer's address never moves under
	// growth the way a reslice would.
	UserHeapSize = 1 << 20
)

// State is a process's lifecycle stage.
type State int

const (
	Ready State = iota
	Running
	Blocked
	Sleeping
	Zombie
	Terminated
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case Sleeping:
		return "sleeping"
	case Zombie:
		return "zombie"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// SavedContext mirrors internal/archx86.SwitchContext's documented frame
// layout exactly: rbx, rbp, r12-r15, rsp, rip, rflags, in that field order,
// so a *SavedContext can be passed straight through as the unsafe.Pointer
// SwitchContext expects.
type SavedContext struct {
	RBX    uint64
	RBP    uint64
	R12    uint64
	R13    uint64
	R14    uint64
	R15    uint64
	RSP    uint64
	RIP    uint64
	RFLAGS uint64
}

// switchContextFn indirects the real assembly context switch through a
// package-level variable, the mockable-primitive idiom used throughout
// this module (internal/paging, internal/pmm, internal/interrupts), since
// a unit test has no business actually reloading RSP/RIP on the host
// running it.
var switchContextFn = archx86.SwitchContext

// Process is one schedulable unit.
type Process struct {
	PID       uint32
	ParentPID uint32
	Name      string
	UID, GID  uint32
	State     State
	ExitCode  int

	Context SavedContext
	fpuArea [512 + 16]byte // 512-byte FXSAVE area, 16-byte aligned within

	PageTableRoot paging.PageTableRoot
	KernelStack   []byte
	UserStack     []byte
	UserMmapBase  uintptr

	FDTable [MaxOpenFiles]int32 // vfs-assigned handle ids; -1 = empty slot

	UserHeap []byte // SBRK arena, allocated lazily on first growth
	HeapBrk  int    // current break offset into UserHeap

	Cwd             string
	CurrentMountSlot int

	TimeSlice int
	Priority  int

	Argv []string

	sleepUntil uint64
	isKernel   bool

	next *Process // intrusive ready-list link
}

// FPUArea returns the 16-byte-aligned 512-byte FXSAVE area within the
// process, satisfying internal/interrupts.FPUOwner.
func (p *Process) FPUArea() unsafe.Pointer {
	addr := uintptr(unsafe.Pointer(&p.fpuArea[0]))
	aligned := (addr + 15) &^ 15
	return unsafe.Pointer(aligned)
}

// IsKernelThread satisfies internal/interrupts.FPUOwner: kernel threads
// never become the lazy-FPU owner.
func (p *Process) IsKernelThread() bool { return p.isKernel }

// Scheduler owns the process table and the round-robin ready queue.
type Scheduler struct {
	processes map[uint32]*Process
	nextPID   uint32

	readyHead, readyTail *Process
	running              *Process

	// waitMu/waitCond park a Wait caller until a child reaches Zombie;
	// Exit and Kill broadcast after every zombie transition. This is the
	// same hosted blocking idiom internal/devfs's input ring uses for its
	// blocking reader.
	waitMu   sync.Mutex
	waitCond *sync.Cond
}

// NewScheduler creates an empty process table with no running process.
func NewScheduler() *Scheduler {
	s := &Scheduler{
		processes: make(map[uint32]*Process),
		nextPID:   1,
	}
	s.waitCond = sync.NewCond(&s.waitMu)
	return s
}

// Create allocates a process with a fresh kernel stack and user stack, and
// appends it to the ready list. RFLAGS is seeded
// with IF=1 (bit 9) so the process runs with interrupts enabled.
func (s *Scheduler) Create(name string, entry uintptr, priority int) (*Process, error) {
	return s.CreateWithArgs(name, entry, priority, nil)
}

// CreateWithArgs is process_create_with_args: same as Create but seeds argv
// for the new process.
func (s *Scheduler) CreateWithArgs(name string, entry uintptr, priority int, argv []string) (*Process, error) {
	p := &Process{
		PID:       s.nextPID,
		Name:      name,
		State:     Ready,
		TimeSlice: DefaultTimeSlice,
		Priority:  priority,
		Argv:      argv,
		Cwd:       "/",
	}
	for i := range p.FDTable {
		p.FDTable[i] = -1
	}
	s.nextPID++

	p.KernelStack = make([]byte, KernelStackSize)
	p.UserStack = make([]byte, UserStackSize)
	p.Context = SavedContext{
		RIP:    uint64(entry),
		RSP:    uint64(uintptr(unsafe.Pointer(&p.UserStack[len(p.UserStack)-1]))),
		RFLAGS: 1 << 9, // IF
	}

	if pp := s.running; pp != nil {
		p.ParentPID = pp.PID
	}

	s.processes[p.PID] = p
	s.enqueueReady(p)
	return p, nil
}

func (s *Scheduler) enqueueReady(p *Process) {
	p.State = Ready
	p.next = nil
	if s.readyTail == nil {
		s.readyHead, s.readyTail = p, p
		return
	}
	s.readyTail.next = p
	s.readyTail = p
}

// pickNext dequeues the head of the ready list, or nil if none is runnable.
func (s *Scheduler) pickNext() *Process {
	if s.readyHead == nil {
		return nil
	}
	p := s.readyHead
	s.readyHead = p.next
	if s.readyHead == nil {
		s.readyTail = nil
	}
	p.next = nil
	return p
}

// Running returns the currently running process, or nil.
func (s *Scheduler) Running() *Process { return s.running }

// Lookup returns the process with the given PID, or nil.
func (s *Scheduler) Lookup(pid uint32) *Process { return s.processes[pid] }

// ProcessCount reports the number of live (non-reaped) processes, for
// SYSINFO2's process_count field.
func (s *Scheduler) ProcessCount() int { return len(s.processes) }

// schedule switches from the current process (if any) to the next Ready
// one. Interrupts must already be disabled by the caller across this
// critical window.
func (s *Scheduler) schedule() {
	prev := s.running
	next := s.pickNext()
	if next == nil {
		s.running = nil // nothing runnable; idle until the next wakeup/create
		return
	}
	next.State = Running
	s.running = next
	if prev == nil {
		switchContextFn(nil, unsafe.Pointer(&next.Context))
		return
	}
	switchContextFn(unsafe.Pointer(&prev.Context), unsafe.Pointer(&next.Context))
}

// Yield is the cooperative syscall path: clear the time slice and invoke
// the scheduler.
func (s *Scheduler) Yield() {
	guard := interrupts.AcquireIRQGuard()
	defer guard.Release()

	if p := s.running; p != nil {
		p.TimeSlice = 0
		s.enqueueReady(p)
	}
	s.schedule()
}

// Sleep blocks the running process for at least ms milliseconds (spec
// §4.D sleep(ms): sleep_until = ticks + ceil(ms/10)).
func (s *Scheduler) Sleep(ms uint64, now uint64) {
	guard := interrupts.AcquireIRQGuard()
	defer guard.Release()

	p := s.running
	if p == nil {
		return
	}
	ticksNeeded := (ms + 9) / 10
	p.sleepUntil = now + ticksNeeded
	p.State = Sleeping
	s.schedule()
}

// Exit transitions the running process to Zombie, recording its exit code,
// and reaps it into its parent's wait list for wait(pid) to collect.
func (s *Scheduler) Exit(code int) {
	guard := interrupts.AcquireIRQGuard()
	defer guard.Release()

	p := s.running
	if p == nil {
		return
	}
	s.waitMu.Lock()
	p.State = Zombie
	p.ExitCode = code
	s.waitMu.Unlock()
	s.waitCond.Broadcast()
	interrupts.ClearFPUOwnerIfCurrent(p)
	s.schedule()
}

// Wait implements wait(pid): pid > 0 waits for a specific child; pid == -1
// waits for any child. If no matching child has reached Zombie yet, the
// caller transitions to Blocked and parks on the wait condition until
// Exit or Kill produces one; the reaped child transitions to Terminated
// and its PID and exit code are returned. kerrors.ErrNoProcess is
// returned when the caller has no matching live child at all, so a
// childless wait can never hang forever.
//
// State transitions here are serialized by waitMu alone: the syscall gate
// already runs its handlers with IF cleared, so there is no IRQ-side
// mutation to guard against while the caller is on this path.
func (s *Scheduler) Wait(callerPID uint32, pid int32) (reapedPID uint32, exitCode int, err error) {
	s.waitMu.Lock()
	defer s.waitMu.Unlock()

	caller, ok := s.processes[callerPID]
	if !ok {
		return 0, 0, kerrors.ErrNoProcess
	}

	for {
		matched := false
		for _, child := range s.processes {
			if child.ParentPID != callerPID {
				continue
			}
			if pid > 0 && child.PID != uint32(pid) {
				continue
			}
			matched = true
			if child.State == Zombie {
				child.State = Terminated
				delete(s.processes, child.PID)
				s.unblock(caller)
				return child.PID, child.ExitCode, nil
			}
		}
		if !matched {
			s.unblock(caller)
			return 0, 0, kerrors.ErrNoProcess
		}
		caller.State = Blocked
		s.waitCond.Wait()
	}
}

// unblock restores a Wait caller that parked in Blocked: back to Running
// when it is still the current process (its syscall is about to return),
// otherwise onto the ready list for the scheduler to pick up.
func (s *Scheduler) unblock(p *Process) {
	if p.State != Blocked {
		return
	}
	if s.running == p {
		p.State = Running
		return
	}
	s.enqueueReady(p)
}

// WakeDue implements internal/interrupts.Sleeper: moves every Sleeping
// process whose sleep_until <= now back to Ready.
func (s *Scheduler) WakeDue(now uint64) {
	for _, p := range s.processes {
		if p.State == Sleeping && p.sleepUntil <= now {
			s.enqueueReady(p)
		}
	}
}

// TickCurrent implements internal/interrupts.Sleeper: decrements the
// running process's time slice and reports expiry.
func (s *Scheduler) TickCurrent() bool {
	p := s.running
	if p == nil {
		return false
	}
	p.TimeSlice--
	return p.TimeSlice <= 0
}

// Fork duplicates an existing process into a new, independently
// schedulable one: the child gets a fresh PID, copies of
// the parent's stacks/fd table/cwd/mount slot/saved context, and is
// enqueued Ready. Like a real fork the child resumes at the same RIP as
// the parent; the caller (internal/syscalls) is responsible for patching
// the child's return-value register to 0 before it first runs, since that
// register is GPR state this package's SavedContext doesn't track (spec
// §4.D's switch frame is only the six callee-saved regs + RIP/RSP/RFLAGS).
func (s *Scheduler) Fork(parentPID uint32) (*Process, error) {
	guard := interrupts.AcquireIRQGuard()
	defer guard.Release()

	parent, ok := s.processes[parentPID]
	if !ok {
		return nil, kerrors.ErrNoProcess
	}

	child := &Process{
		PID:              s.nextPID,
		ParentPID:        parent.PID,
		Name:             parent.Name,
		UID:              parent.UID,
		GID:              parent.GID,
		State:            Ready,
		Context:          parent.Context,
		TimeSlice:        DefaultTimeSlice,
		Priority:         parent.Priority,
		Argv:             append([]string(nil), parent.Argv...),
		Cwd:              parent.Cwd,
		CurrentMountSlot: parent.CurrentMountSlot,
		FDTable:          parent.FDTable,
	}
	s.nextPID++

	child.KernelStack = make([]byte, KernelStackSize)
	child.UserStack = make([]byte, len(parent.UserStack))
	copy(child.UserStack, parent.UserStack)
	if len(parent.UserHeap) > 0 {
		child.UserHeap = make([]byte, len(parent.UserHeap))
		copy(child.UserHeap, parent.UserHeap)
		child.HeapBrk = parent.HeapBrk
	}

	s.processes[child.PID] = child
	s.enqueueReady(child)
	return child, nil
}

// Kill forces pid straight to Zombie regardless of its current state,
// recording exitCode, so a subsequent wait(pid) reaps it
// the same way a natural exit would. Killing the currently running
// process is rejected; use Exit for that path, since only the running
// process can invoke the scheduler on its own behalf.
func (s *Scheduler) Kill(pid uint32, exitCode int) error {
	guard := interrupts.AcquireIRQGuard()
	defer guard.Release()

	p, ok := s.processes[pid]
	if !ok {
		return kerrors.ErrNoProcess
	}
	if p == s.running {
		return kerrors.ErrInvalidArg
	}
	if p.State == Zombie || p.State == Terminated {
		return nil
	}
	s.waitMu.Lock()
	p.State = Zombie
	p.ExitCode = exitCode
	s.waitMu.Unlock()
	s.waitCond.Broadcast()
	interrupts.ClearFPUOwnerIfCurrent(p)
	return nil
}

// Preempt is called from the syscall/IRQ return path when
// interrupts.RescheduleNeeded() reports true: it requeues the running
// process at its default time slice and runs the scheduler, consuming
// the reschedule flag on IRQ return.
func (s *Scheduler) Preempt() {
	guard := interrupts.AcquireIRQGuard()
	defer guard.Release()

	if p := s.running; p != nil {
		p.TimeSlice = DefaultTimeSlice
		s.enqueueReady(p)
	}
	s.schedule()
}
