// Package interrupts installs the IDT, remaps the 8259 PIC pair, programs
// the PIT, and dispatches CPU exceptions and hardware IRQs per spec
// §3/§4.C: 32 exception vectors, 16 remapped IRQs at 0x20..0x2F, a 100 Hz
// timer tick, and the lazy-FPU (#NM) handoff.
//
// Trap dispatch is a small, allocation-free Go function reached from an
// assembly stub, switching on a numeric vector, callable concurrently
// with the code it interrupts: classify by vector number, never allocate,
// never block. ModuOS has no SMP, so there is no per-CPU state here.
package interrupts

import (
	"unsafe"

	"github.com/moduos/moduos/internal/archx86"
	"github.com/moduos/moduos/internal/klog"
)

// PIC ports and remap constants (legacy PC/AT 8259 pair).
const (
	pic1Command = 0x20
	pic1Data    = 0x21
	pic2Command = 0xA0
	pic2Data    = 0xA1

	picEOI    = 0x20
	icw1Init  = 0x10
	icw1ICW4  = 0x01
	icw4_8086 = 0x01
)

// PIT ports and programming constants.
const (
	pitChannel0    = 0x40
	pitCommand     = 0x43
	pitFrequency   = 1193182 // Hz, the PIT's fixed input clock
	pitCommandByte = 0x36    // channel 0, lobyte/hibyte access, mode 3 (square wave)
)

// TickHz is the PIT timer rate: 100 Hz, one tick = 10 ms.
const TickHz = 100

// IRQBase/IRQCount/ExceptionCount describe the vector layout after PIC
// remap.
const (
	IRQBase        = 0x20
	IRQCount       = 16
	ExceptionCount = 32
)

// vectorNM is the #NM "device not available" exception the lazy-FPU
// policy answers.
const vectorNM = 7

// saveFlagsCliFn/restoreFlagsFn/outbFn/... indirect every privileged
// primitive this package calls through package-level variables, the same
// mockable idiom used in internal/pmm and internal/paging.
var (
	outbFn         = archx86.Outb
	inbFn          = archx86.Inb
	iodelayFn      = archx86.IODelay
	fxsaveFn       = archx86.Fxsave
	fxrstorFn      = archx86.Fxrstor
	clearTSFn      = archx86.ClearTS
	lidtFn         = archx86.Lidt
	saveFlagsCliFn = archx86.SaveFlagsCli
	restoreFlagsFn = archx86.RestoreFlags
)

// RemapPIC reprograms the 8259 PIC pair so hardware IRQs 0-15 are
// delivered on vectors offset1..offset1+7 and offset2..offset2+7 instead
// of the BIOS-default 0x08..0x0F/0x70..0x77, which collide with CPU
// exception vectors. This is the standard PC/AT remap sequence (ICW1-4)
// every real-hardware x86 kernel performs near boot.
func RemapPIC(offset1, offset2 byte) {
	mask1 := inbFn(pic1Data)
	mask2 := inbFn(pic2Data)

	outbFn(pic1Command, icw1Init|icw1ICW4)
	iodelayFn()
	outbFn(pic2Command, icw1Init|icw1ICW4)
	iodelayFn()
	outbFn(pic1Data, offset1)
	iodelayFn()
	outbFn(pic2Data, offset2)
	iodelayFn()
	outbFn(pic1Data, 4) // tell the master PIC a slave sits on IRQ2
	iodelayFn()
	outbFn(pic2Data, 2) // tell the slave PIC its cascade identity
	iodelayFn()
	outbFn(pic1Data, icw4_8086)
	iodelayFn()
	outbFn(pic2Data, icw4_8086)
	iodelayFn()

	outbFn(pic1Data, mask1)
	outbFn(pic2Data, mask2)
}

// SendEOI acknowledges a hardware IRQ so the PIC delivers subsequent ones.
func SendEOI(irq uint8) {
	if irq >= 8 {
		outbFn(pic2Command, picEOI)
	}
	outbFn(pic1Command, picEOI)
}

// ProgramPIT configures PIT channel 0 for a periodic square wave at hz and
// returns the divisor it programmed (for diagnostics/tests).
func ProgramPIT(hz uint32) uint16 {
	divisor := uint16(pitFrequency / hz)
	outbFn(pitCommand, pitCommandByte)
	outbFn(pitChannel0, byte(divisor&0xFF))
	outbFn(pitChannel0, byte(divisor>>8))
	return divisor
}

// IRQGuard is the IRQ-lock primitive wrapped around shared kernel data
// structures: Acquire saves and clears IF, Release restores it.
type IRQGuard struct{ flags uint64 }

// AcquireIRQGuard disables interrupts and returns a guard whose Release
// restores the prior IF state exactly (nested guards compose correctly
// because RFLAGS, not a boolean, is what gets restored).
func AcquireIRQGuard() IRQGuard {
	return IRQGuard{flags: saveFlagsCliFn()}
}

// Release restores interrupts to the state Acquire observed.
func (g IRQGuard) Release() { restoreFlagsFn(g.flags) }

// Frame is the interrupt context the diagnostic dump needs: the
// CPU-pushed frame (RIP, CS, RFLAGS, RSP, SS), the error code (zero for
// vectors that don't push one), and the vector number the assembly stub
// recorded before calling into Go.
type Frame struct {
	Vector    uint64
	ErrorCode uint64
	RIP       uint64
	CS        uint64
	RFLAGS    uint64
	RSP       uint64
	SS        uint64
}

// FromUserMode reports whether the interrupted context was ring 3: CPL
// lives in the low two bits of the saved code-segment selector.
func (f *Frame) FromUserMode() bool { return f.CS&3 == 3 }

var exceptionNames = [ExceptionCount]string{
	0: "divide-by-zero", 1: "debug", 2: "nmi", 3: "breakpoint",
	4: "overflow", 5: "bound-range-exceeded", 6: "invalid-opcode",
	7: "device-not-available", 8: "double-fault", 9: "coprocessor-segment-overrun",
	10: "invalid-tss", 11: "segment-not-present", 12: "stack-segment-fault",
	13: "general-protection-fault", 14: "page-fault", 16: "x87-fp-exception",
	17: "alignment-check", 18: "machine-check", 19: "simd-fp-exception",
	20: "virtualization-exception", 30: "security-exception",
}

// Name returns the diagnostic name the exception log line prints, or a
// generic placeholder for reserved/unassigned vectors.
func Name(vector uint64) string {
	if vector < ExceptionCount {
		if n := exceptionNames[vector]; n != "" {
			return n
		}
	}
	return "reserved-exception"
}

// ProcessFaultKiller is invoked for a user-mode exception. Installed by
// cmd/moduos at boot so this package never imports internal/process directly
// (dependencies passed in explicitly, same shape as
// internal/paging.FrameAllocator).
var ProcessFaultKiller func(frame *Frame, name string)

// HandleException is the single entry point every exception stub calls
// into after building a Frame. It is the kernel-vs-user fork: a
// kernel-mode fault is a programming error and panics with a
// structured message; a user-mode fault kills the offending process and
// the kernel keeps running.
func HandleException(f *Frame) {
	name := Name(f.Vector)
	if f.FromUserMode() {
		klog.Warnf("user-mode exception: %s (vector %d) at rip=%#x err=%#x", name, f.Vector, f.RIP, f.ErrorCode)
		if ProcessFaultKiller != nil {
			ProcessFaultKiller(f, name)
		}
		return
	}
	klog.Panicf("kernel-mode exception: %s (vector %d) at rip=%#x err=%#x", name, f.Vector, f.RIP, f.ErrorCode)
}

// FPUOwner is the minimal view of a process the lazy-FPU handoff needs: a
// 16-byte-aligned 512-byte FXSAVE area, and whether this context is a
// kernel thread. Kernel threads must never become the tracked FPU owner.
type FPUOwner interface {
	FPUArea() unsafe.Pointer
	IsKernelThread() bool
}

var currentFPUOwner FPUOwner

// HandleDeviceNotAvailable answers a #NM trap (vector 7): clears CR0.TS,
// saves the previous owner's FPU state if one exists and differs from
// next, restores next's state, and records the new owner.
func HandleDeviceNotAvailable(next FPUOwner) {
	if next.IsKernelThread() {
		klog.Panicf("lazy-FPU fault from kernel-mode context: kernel threads must not use FPU/SSE state")
	}
	clearTSFn()
	if currentFPUOwner != nil && currentFPUOwner != next {
		fxsaveFn(currentFPUOwner.FPUArea())
	}
	fxrstorFn(next.FPUArea())
	currentFPUOwner = next
}

// ClearFPUOwnerIfCurrent drops the tracked FPU owner when a process exits,
// so a later #NM never dereferences a save area that has been freed.
func ClearFPUOwnerIfCurrent(owner FPUOwner) {
	if currentFPUOwner == owner {
		currentFPUOwner = nil
	}
}

// Sleeper is what the scheduler exposes so the timer ISR can wake timed
// waiters and trigger preemption without this package importing
// internal/process (same explicit-dependency shape as ProcessFaultKiller).
type Sleeper interface {
	// WakeDue moves every process whose sleep_until <= now from Sleeping
	// to Ready.
	WakeDue(now uint64)
	// TickCurrent decrements the running process's time slice and
	// reports whether it just expired.
	TickCurrent() (expired bool)
}

var (
	ticks          uint64
	sleeper        Sleeper
	rescheduleFlag bool
)

// SetSleeper installs the scheduler's timer hook. Called once at boot.
func SetSleeper(s Sleeper) { sleeper = s }

// Ticks returns the monotonic PIT tick counter; sleep() computes
// sleep_until from this.
func Ticks() uint64 { return ticks }

// TimerISR runs on every PIT interrupt (IRQ0): advances the tick counter,
// wakes due sleepers, decrements the running process's time slice, and
// sets the reschedule flag on expiry.
func TimerISR() {
	ticks++
	if sleeper != nil {
		sleeper.WakeDue(ticks)
		if sleeper.TickCurrent() {
			rescheduleFlag = true
		}
	}
	SendEOI(0)
}

// RescheduleNeeded reports and clears the reschedule flag; the syscall/IRQ
// return path consumes it to decide whether to invoke the scheduler (spec
// §4.C/§4.D: "reschedule flag consumed by the scheduler on IRQ return").
func RescheduleNeeded() bool {
	v := rescheduleFlag
	rescheduleFlag = false
	return v
}

// gate is one 16-byte AMD64 interrupt/trap gate descriptor (Intel SDM vol
// 3A §6.14.1).
type gate struct {
	offsetLow  uint16
	selector   uint16
	ist        uint8
	typeAttr   uint8
	offsetMid  uint16
	offsetHigh uint32
	reserved   uint32
}

// Gate type/attribute bytes: present, 64-bit interrupt gate, DPL0 for CPU
// vectors and hardware IRQs; DPL3 for the single syscall gate at 0x80.
const (
	GateKernel  = 0x8E
	GateSyscall = 0xEE
)

// IDT is the 256-entry interrupt descriptor table (32 exceptions + 16
// remapped IRQs + the syscall gate + reserved vectors).
type IDT struct {
	gates [256]gate
}

// SetGate installs handler at vector, using selector as the code segment
// and typeAttr as the gate type/DPL byte.
func (t *IDT) SetGate(vector uint8, handler uintptr, selector uint16, typeAttr uint8) {
	h := uint64(handler)
	t.gates[vector] = gate{
		offsetLow:  uint16(h),
		selector:   selector,
		ist:        0,
		typeAttr:   typeAttr,
		offsetMid:  uint16(h >> 16),
		offsetHigh: uint32(h >> 32),
	}
}

type idtDescriptor struct {
	limit uint16
	base  uint64
}

// Load installs this table as the active IDT via LIDT.
func (t *IDT) Load() {
	desc := idtDescriptor{
		limit: uint16(unsafe.Sizeof(t.gates)) - 1,
		base:  uint64(uintptr(unsafe.Pointer(&t.gates[0]))),
	}
	lidtFn(unsafe.Pointer(&desc))
}
