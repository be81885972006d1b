package interrupts

import (
	"unsafe"

	"github.com/moduos/moduos/internal/archx86"
)

// KernelSelector is the GDT code-segment selector the IDT gates point
// into. ModuOS's GDT (built by cmd/moduos at boot, before
// Setup runs) lays out the flat kernel code segment at selector 0x08, the
// conventional slot for a flat-memory-model x86 kernel.
const KernelSelector = 0x08

// irqHandlers holds the SQRM IRQInstall/IRQUninstall capability's
// registered callbacks, indexed by IRQ
// number. A module's handler runs with IF already cleared by the CPU
// entering the gate; it must not block.
var irqHandlers [IRQCount]func()

// InstallIRQHandler registers fn for irq, replacing any previous handler.
// This is the function bound to a SQRM module's IRQInstall capability.
func InstallIRQHandler(irq int, fn func()) {
	if irq < 0 || irq >= IRQCount {
		return
	}
	irqHandlers[irq] = fn
}

// UninstallIRQHandler clears irq's handler. Bound to IRQUninstall.
func UninstallIRQHandler(irq int) {
	if irq < 0 || irq >= IRQCount {
		return
	}
	irqHandlers[irq] = nil
}

// NMOwnerProvider answers "which process's FPU state should #NM restore,"
// installed by cmd/moduos at boot (same explicit-dependency shape
// as ProcessFaultKiller/Sleeper) so this package never imports
// internal/process.
var NMOwnerProvider func() FPUOwner

// DispatchVector is the single entry point every exception and IRQ
// vector reaches after archx86's trapCommon stub builds a Frame on the
// stack: it classifies the vector (lazy-FPU fault, CPU exception, timer
// tick, or a registered hardware IRQ) and routes to the matching handler,
// sending the PIC EOI for any hardware IRQ before returning.
func DispatchVector(f *Frame) {
	switch {
	case f.Vector == vectorNM:
		if NMOwnerProvider != nil {
			if owner := NMOwnerProvider(); owner != nil {
				HandleDeviceNotAvailable(owner)
			}
		}
	case f.Vector < ExceptionCount:
		HandleException(f)
	case f.Vector == IRQBase:
		TimerISR()
		SendEOI(0)
	case f.Vector < IRQBase+IRQCount:
		irq := uint8(f.Vector - IRQBase)
		if h := irqHandlers[irq]; h != nil {
			h()
		}
		SendEOI(irq)
	}
}

// dispatchFromArch adapts archx86.TrapHandler's untyped unsafe.Pointer
// into DispatchVector's *Frame, the only place this package reaches
// into the raw pointer archx86 handed it, since archx86.vectors_amd64.s
// builds exactly the [vector, errcode, rip, cs, rflags, rsp, ss] layout
// Frame declares.
func dispatchFromArch(p unsafe.Pointer) {
	DispatchVector((*Frame)(p))
}

// BuildIDT constructs the 256-gate table: the 32 exception stubs and 16
// IRQ stubs generated into archx86 (this function can't run before
// archx86's stub table exists, enforced here simply by taking it as an
// argument rather than reaching for a global), plus the single DPL=3
// syscall gate at vector 0x80.
func BuildIDT(isrAddrs [ExceptionCount]uintptr, irqAddrs [IRQCount]uintptr, syscallAddr uintptr) *IDT {
	idt := &IDT{}
	for v := 0; v < ExceptionCount; v++ {
		idt.SetGate(uint8(v), isrAddrs[v], KernelSelector, GateKernel)
	}
	for i := 0; i < IRQCount; i++ {
		idt.SetGate(uint8(IRQBase+i), irqAddrs[i], KernelSelector, GateKernel)
	}
	idt.SetGate(0x80, syscallAddr, KernelSelector, GateSyscall)
	return idt
}

// Setup wires archx86's trap-handler seam to this package's dispatcher and
// builds+loads the IDT from archx86's generated vector stubs and the
// syscall trampoline. Called once at boot, after RemapPIC and before
// interrupts are enabled.
func Setup(syscallTrampoline func()) *IDT {
	archx86.TrapHandler = dispatchFromArch

	var isrAddrs [ExceptionCount]uintptr
	for v := 0; v < ExceptionCount; v++ {
		isrAddrs[v] = archx86.FuncAddr(archx86.ISRStubs[v])
	}
	var irqAddrs [IRQCount]uintptr
	for i := 0; i < IRQCount; i++ {
		irqAddrs[i] = archx86.FuncAddr(archx86.IRQStubs[i])
	}

	idt := BuildIDT(isrAddrs, irqAddrs, archx86.FuncAddr(syscallTrampoline))
	idt.Load()
	return idt
}
