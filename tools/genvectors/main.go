//go:build ignore
// +build ignore

// Code generator for internal/archx86's interrupt-vector trampolines.
//
// ModuOS needs one IDT-installable entry point per CPU exception (0..31)
// and per remapped hardware IRQ (0x20..0x2F), and x86 gives no
// way to pass the vector number through a shared entry point; the stub
// itself must push it. Rather than hand-maintain 48 near-identical Plan9
// assembly blocks (and the matching Go //go:noescape declarations), this
// generator emits both files from one table.
//
// Usage: go run tools/genvectors/main.go
// Writes internal/archx86/vectors_amd64.s and vectors_amd64.go.
package main

import (
	"fmt"
	"os"
	"strings"
)

// errcodeVectors are the CPU exceptions that push a hardware error code
// before transferring control (Intel SDM vol 3A table 6-1); every other
// vector needs a dummy push so trapCommon sees the same frame shape.
var errcodeVectors = map[int]bool{
	8: true, 10: true, 11: true, 12: true, 13: true, 14: true, 17: true,
	21: true, 29: true, 30: true,
}

func main() {
	writeFile("internal/archx86/vectors_amd64.s", genAsm())
	writeFile("internal/archx86/vectors_amd64.go", genGo())
}

func writeFile(path, content string) {
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func genAsm() string {
	var b strings.Builder
	b.WriteString(`// Code generated by tools/genvectors; DO NOT hand-edit. See
// tools/genvectors/main.go for the template this file instantiates.
//
// Thirty-two CPU exception stubs (isr0..isr31) and sixteen remapped
// hardware-IRQ stubs (irq0..irq15, vectors 0x20..0x2F).
// Each stub's only job is to make every vector look identical to Go: push
// a dummy error code for vectors the CPU doesn't supply one for, push the
// vector number, and jump into the shared trapCommon dispatcher: one
// push-and-jump stub per vector.

#include "textflag.h"

// trapCommon stashes the live stack pointer (which addresses the
// [vector, errcode, rip, cs, rflags, rsp, ss] frame every stub just built)
// into trapFramePtr, calls the zero-argument Go trampoline -- the same
// "assembly writes a global, Go call stays zero-arg" seam
// syscallDispatchTrampoline already uses, so this stub never has to
// marshal arguments across the asm/Go ABI boundary -- then unwinds the two
// pushed words and resumes the interrupted context via IRETQ. Only
// user-mode-sourced interrupts are expected to resume
// this way; a kernel-mode fault's Go handler calls klog.Panicf, which
// never returns, so the kernel-raised 5-word-frame case never reaches
// this IRETQ.
TEXT ·trapCommon(SB), NOSPLIT, $0-0
	MOVQ SP, ·trapFramePtr(SB)
	CALL ·trapDispatchTrampoline(SB)
	ADDQ $16, SP
	BYTE $0x48; BYTE $0xCF // REX.W IRETQ

`)
	for v := 0; v < 32; v++ {
		fmt.Fprintf(&b, "// func isr%d()\nTEXT ·isr%d(SB), NOSPLIT, $0-0\n", v, v)
		if errcodeVectors[v] {
			fmt.Fprintf(&b, "\tPUSHQ $%d // vector (CPU already pushed the error code)\n", v)
		} else {
			b.WriteString("\tPUSHQ $0 // dummy error code\n")
			fmt.Fprintf(&b, "\tPUSHQ $%d // vector\n", v)
		}
		b.WriteString("\tJMP ·trapCommon(SB)\n\n")
	}
	for i := 0; i < 16; i++ {
		vec := 0x20 + i
		fmt.Fprintf(&b, "// func irq%d()\nTEXT ·irq%d(SB), NOSPLIT, $0-0\n", i, i)
		b.WriteString("\tPUSHQ $0 // dummy error code, hardware IRQs never push one\n")
		fmt.Fprintf(&b, "\tPUSHQ $%d // vector\n", vec)
		b.WriteString("\tJMP ·trapCommon(SB)\n\n")
	}
	return b.String()
}

func genGo() string {
	var b strings.Builder
	b.WriteString(`// Generated declarations for vectors_amd64.s's 48 interrupt-vector stubs
// (see tools/genvectors/main.go). Each is a plain, argument-free
// assembly function; the IDT never calls them through Go -- it calls the
// raw code address FuncAddr resolves, exactly like SyscallTrampoline.
package archx86

import "unsafe"

//go:noescape
func trapCommon()

`)
	for v := 0; v < 32; v++ {
		fmt.Fprintf(&b, "//go:noescape\nfunc isr%d()\n\n", v)
	}
	for i := 0; i < 16; i++ {
		fmt.Fprintf(&b, "//go:noescape\nfunc irq%d()\n\n", i)
	}
	b.WriteString(`// trapFramePtr is written by trapCommon with the live stack pointer
// before it calls trapDispatchTrampoline -- the zero-argument asm-to-Go
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
`)
	for v := 0; v < 32; v++ {
		fmt.Fprintf(&b, "\tisr%d,\n", v)
	}
	b.WriteString("}\n\nvar IRQStubs = [16]func(){\n")
	for i := 0; i < 16; i++ {
		fmt.Fprintf(&b, "\tirq%d,\n", i)
	}
	b.WriteString(`}

// FuncAddr returns the raw code address of an assembly-only function
// (no Go body), needed to pass a handler into a hardware-owned table
// (here, the IDT): for a non-closure function value the first word of the
// funcval *is* the entry address.
func FuncAddr(f func()) uintptr {
	return **(**uintptr)(unsafe.Pointer(&f))
}
`)
	return b.String()
}
