// Package archx86 isolates every privileged AMD64 operation ModuOS needs
// behind Go-declared, assembly-implemented primitives: Go owns policy,
// assembly owns the one unsafe instruction. Nothing in this package allocates, blocks, or can be preempted mid-call;
// every function here is a handful of instructions.
package archx86

import "unsafe"

// Outb/Inb/Outw/Inw/Outl/Inl are the port I/O primitives the PIC, PIT, and
// legacy ATA/SATAPI register interfaces are built from (§4.C, §4.F).

//go:noescape
func Outb(port uint16, val uint8)

//go:noescape
func Inb(port uint16) uint8

//go:noescape
func Outw(port uint16, val uint16)

//go:noescape
func Inw(port uint16) uint16

//go:noescape
func Outl(port uint16, val uint32)

//go:noescape
func Inl(port uint16) uint32

// IODelay burns a handful of cycles after a port write, the conventional
// "write to port 0x80" trick for devices that need settling time between
// back-to-back port I/O.
//
//go:noescape
func IODelay()

// Cli/Sti/SaveFlagsCli/RestoreFlags implement the IRQ-save critical
// section primitive used to guard every shared kernel structure (§5).

//go:noescape
func Cli()

//go:noescape
func Sti()

// SaveFlagsCli disables interrupts and returns the prior RFLAGS value so
// the matching RestoreFlags can restore IF to what it was before, even
// across nested critical sections.
//
//go:noescape
func SaveFlagsCli() uint64

//go:noescape
func RestoreFlags(flags uint64)

// Hlt parks the CPU until the next interrupt (the idle-process body).
//
//go:noescape
func Hlt()

// Lgdt/Lidt load the GDT/IDT pointer registers (§4.C install).

//go:noescape
func Lgdt(ptr unsafe.Pointer)

//go:noescape
func Lidt(ptr unsafe.Pointer)

// Ltr loads the task register with a GDT selector (used for the TSS that
// holds the ring-0 stack pointer on privilege-level change).
//
//go:noescape
func Ltr(selector uint16)

// ReadCR2 returns the faulting address recorded by the last page fault.
//
//go:noescape
func ReadCR2() uint64

// ReadCR3/WriteCR3 get/set the active page-table root (§4.B).

//go:noescape
func ReadCR3() uint64

//go:noescape
func WriteCR3(root uint64)

// Invlpg flushes a single TLB entry after a page table edit.
//
//go:noescape
func Invlpg(virt uint64)

// ReadCR0/WriteCR0 expose the TS bit toggled by the lazy-FPU (#NM) policy.

//go:noescape
func ReadCR0() uint64

//go:noescape
func WriteCR0(val uint64)

// Fxsave/Fxrstor save/restore the 512-byte, 16-byte-aligned FPU/SSE state
// area (§4.C lazy FPU).

//go:noescape
func Fxsave(area unsafe.Pointer)

//go:noescape
func Fxrstor(area unsafe.Pointer)

// ClearTS clears CR0.TS (the #NM handler's first step before FXRSTOR).
//
//go:noescape
func ClearTS()

// Rdtsc reads the cycle counter; used to seed coarse timing before the PIT
// is calibrated.
//
//go:noescape
func Rdtsc() uint64

// SwitchContext is the process context-switch primitive (§4.D): it saves
// the six SysV callee-saved GPRs, RSP, RFLAGS, and the return RIP into
// *from, then loads the same fields from *to and resumes there. Interrupts
// are disabled across the whole routine by the caller (the scheduler's
// Yield/Sleep/Exit/Preempt hold interrupts.AcquireIRQGuard, which brackets
// the switch in archx86.SaveFlagsCli/RestoreFlags) and IF is
// restored from the incoming context's saved RFLAGS, never from the
// outgoing one.
//
//go:noescape
func SwitchContext(from, to unsafe.Pointer)

// EnterUserMode performs the one-way ring0->ring3 transition for a freshly
// created process: it loads the user data/code selectors, sets up an IRETQ
// frame from regs, and never returns to the caller.
//
//go:noescape
func EnterUserMode(regs unsafe.Pointer) // *process.SavedContext, see internal/process

// Bzero and Memmove are nosplit-safe bulk memory primitives used by the
// heap and paging code before the normal runtime memclr/memmove are known
// to be safe to call (early boot, inside an IRQ handler).

//go:noescape
func Bzero(ptr unsafe.Pointer, n uintptr)

//go:noescape
func Memmove(dst, src unsafe.Pointer, n uintptr)

// SyscallTrampoline is the INT 0x80 gate target installed into the IDT by
// internal/interrupts; it lives in assembly because it must save the full
// register file before any Go code runs and must not be on the Go
// scheduler's stack-growth path.
//
//go:noescape
func SyscallTrampoline()

// syscallFramePtr is written by SyscallTrampoline with the live stack
// pointer -- at that point addressing [AX,BX,CX,DX,SI,DI,BP,R8,R9,R10,R11,
// RIP,CS,RFLAGS,RSP,SS] in push order -- right before it calls
// syscallDispatchTrampoline, the same zero-argument asm-to-Go call seam
// vectors_amd64.s's trapCommon uses for TrapHandler.
var syscallFramePtr unsafe.Pointer

// SyscallHandler is installed once by internal/syscalls at boot. The
// assembly trampoline calls the unexported Go shim below rather than
// jumping into another package directly, so archx86 stays dependency-free
// of internal/syscalls. It receives the raw pointer to the pushed register
// frame so the handler can read the syscall number/arguments out of AX/BX/
// CX/DX/SI/DI and write the return value back into the saved AX slot
// before SyscallTrampoline pops and IRETQs.
var SyscallHandler func(frame unsafe.Pointer)

//go:nosplit
func syscallDispatchTrampoline() {
	if SyscallHandler != nil {
		SyscallHandler(syscallFramePtr)
	}
}
