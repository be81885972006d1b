package syscalls

import (
	"unsafe"

	"github.com/moduos/moduos/internal/archx86"
)

// rawFrame mirrors the register layout archx86.SyscallTrampoline leaves on
// the kernel stack at the moment it takes syscallFramePtr: the eleven
// PUSHQ'd GPRs in push order (last pushed is lowest address), followed by
// the five words the CPU itself pushed for the ring3->ring0 transfer.
// Field order here must track the PUSHQ sequence in archx86_amd64.s
// exactly; nothing else enforces it.
type rawFrame struct {
	R11, R10, R9, R8, BP, DI, SI, DX, CX, BX, AX uint64
	RIP, CS, RFLAGS, RSP, SS                     uint64
}

// Install wires this Dispatcher into the INT 0x80 gate: the convention is
// the Linux-like one the rest of this package's ABI already assumes (AX is
// the syscall number, BX/CX/DX/SI/DI are args 0..4, the return value goes
// back into AX's saved slot for the trampoline to pop). currentPID must
// return the PID of whichever process was interrupted; cmd/moduos supplies
// it from the scheduler's Running() process, since archx86 cannot import
// internal/process without an import cycle.
func (d *Dispatcher) Install(currentPID func() uint32) {
	archx86.SyscallHandler = func(p unsafe.Pointer) {
		f := (*rawFrame)(p)
		num := Number(f.AX)
		args := Args{f.BX, f.CX, f.DX, f.SI, f.DI}
		ret, err := d.Dispatch(currentPID(), num, args)
		if err != nil {
			f.AX = uint64(Errno(err))
			return
		}
		f.AX = ret
	}
}
