// Generated declarations for vectors_amd64.s's 48 interrupt-vector stubs
// (see tools/genvectors/main.go). Each is a plain, argument-free
// assembly function; the IDT never calls them through Go; it calls the
// raw code address FuncAddr resolves, exactly like SyscallTrampoline.
package archx86

import "unsafe"

//go:noescape
func trapCommon()

//go:noescape
func isr0()

//go:noescape
func isr1()

//go:noescape
func isr2()

//go:noescape
func isr3()

//go:noescape
func isr4()

//go:noescape
func isr5()

//go:noescape
func isr6()

//go:noescape
func isr7()

//go:noescape
func isr8()

//go:noescape
func isr9()

//go:noescape
func isr10()

//go:noescape
func isr11()

//go:noescape
func isr12()

//go:noescape
func isr13()

//go:noescape
func isr14()

//go:noescape
func isr15()

//go:noescape
func isr16()

//go:noescape
func isr17()

//go:noescape
func isr18()

//go:noescape
func isr19()

//go:noescape
func isr20()

//go:noescape
func isr21()

//go:noescape
func isr22()

//go:noescape
func isr23()

//go:noescape
func isr24()

//go:noescape
func isr25()

//go:noescape
func isr26()

//go:noescape
func isr27()

//go:noescape
func isr28()

//go:noescape
func isr29()

//go:noescape
func isr30()

//go:noescape
func isr31()

//go:noescape
func irq0()

//go:noescape
func irq1()

//go:noescape
func irq2()

//go:noescape
func irq3()

//go:noescape
func irq4()

//go:noescape
func irq5()

//go:noescape
func irq6()

//go:noescape
func irq7()

//go:noescape
func irq8()

//go:noescape
func irq9()

//go:noescape
func irq10()

//go:noescape
func irq11()

//go:noescape
func irq12()

//go:noescape
func irq13()

//go:noescape
func irq14()

//go:noescape
func irq15()

// trapFramePtr is written by trapCommon with the live stack pointer
// before it calls trapDispatchTrampoline, the zero-argument asm-to-Go
// call seam this package already uses for SyscallHandler, applied here
// to the exception/IRQ path.
var trapFramePtr unsafe.Pointer

// TrapHandler is installed once by internal/interrupts at boot (same
// explicit-dependency shape as SyscallHandler): it receives the raw
// pointer to the [vector, errcode, rip, cs, rflags, rsp, ss] frame
// trapCommon built on the stack and reinterprets it as
// *interrupts.Frame, which archx86 never imports directly.
var TrapHandler func(frame unsafe.Pointer)

//go:nosplit
func trapDispatchTrampoline() {
	if TrapHandler != nil {
		TrapHandler(trapFramePtr)
	}
}

// ISRStubs/IRQStubs are the 32 exception-vector and 16 IRQ-vector entry
// points, in vector order, for internal/interrupts to install into the
// IDT via FuncAddr.
var ISRStubs = [32]func(){
	isr0,
	isr1,
	isr2,
	isr3,
	isr4,
	isr5,
	isr6,
	isr7,
	isr8,
	isr9,
	isr10,
	isr11,
	isr12,
	isr13,
	isr14,
	isr15,
	isr16,
	isr17,
	isr18,
	isr19,
	isr20,
	isr21,
	isr22,
	isr23,
	isr24,
	isr25,
	isr26,
	isr27,
	isr28,
	isr29,
	isr30,
	isr31,
}

var IRQStubs = [16]func(){
	irq0,
	irq1,
	irq2,
	irq3,
	irq4,
	irq5,
	irq6,
	irq7,
	irq8,
	irq9,
	irq10,
	irq11,
	irq12,
	irq13,
	irq14,
	irq15,
}

// FuncAddr returns the raw code address of an assembly-only function
// (no Go body), needed to pass a handler into a hardware-owned table
// (here, the IDT): for a non-closure function value the first word of the
// funcval *is* the entry address.
func FuncAddr(f func()) uintptr {
	return **(**uintptr)(unsafe.Pointer(&f))
}

