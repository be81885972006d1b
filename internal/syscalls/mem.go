package syscalls

import (
	"unsafe"

	"github.com/moduos/moduos/internal/kerrors"
	"github.com/moduos/moduos/internal/process"
)

// sysMalloc implements MALLOC: the kernel heap is shared kernel-wide;
// there is no separate per-process malloc arena, only the brk-style one
// SBRK grows.
func (d *Dispatcher) sysMalloc(size uint32) (uint64, error) {
	ptr, err := d.Heap.Alloc(size)
	if err != nil {
		return 0, err
	}
	return uint64(uintptr(ptr)), nil
}

// sysMmap implements MMAP as an anonymous, heap-backed mapping (spec
// §4.E names MMAP/MUNMAP in the enum; this kernel carries no VMA list or
// demand-paging fault handler, so rather than fabricate one, an mmap
// request is satisfied the same way a malloc is, with the allocation's
// size remembered so munmap can find it again). This is recorded as an
// accepted simplification, not a full virtual-memory-area subsystem.
func (d *Dispatcher) sysMmap(p *process.Process, length uint64) (uint64, error) {
	if length == 0 {
		return 0, kerrors.ErrInvalidArg
	}
	ptr, err := d.Heap.AllocAligned(uint32(length), uint32(pageSize))
	if err != nil {
		return 0, err
	}
	addr := uintptr(ptr)
	d.mu.Lock()
	d.mmaps[addr] = length
	d.mu.Unlock()
	return uint64(addr), nil
}

// sysMunmap implements MUNMAP, rejecting an address this dispatcher never
// handed out via sysMmap rather than acting on an unrecognized pointer.
func (d *Dispatcher) sysMunmap(p *process.Process, addr, length uint64) error {
	d.mu.Lock()
	recorded, ok := d.mmaps[uintptr(addr)]
	if ok {
		delete(d.mmaps, uintptr(addr))
	}
	d.mu.Unlock()
	if !ok {
		return kerrors.ErrInvalidArg
	}
	if length != 0 && length != recorded {
		return kerrors.ErrInvalidArg
	}
	d.Heap.Free(unsafe.Pointer(uintptr(addr)))
	return nil
}

// sysSbrk implements SBRK: increment == 0 queries the current break;
// increment > 0 grows it within the process's fixed UserHeap arena (spec
// §4.E; allocated lazily on first use, same as kheap's single-arena
// shape, scaled down to one process instead of the whole kernel). The
// previous break is returned on success, matching brk(2)'s convention.
func (d *Dispatcher) sysSbrk(p *process.Process, increment int64) (uint64, error) {
	if p.UserHeap == nil {
		p.UserHeap = make([]byte, process.UserHeapSize)
	}
	prev := p.HeapBrk
	next := prev + int(increment)
	if next < 0 || next > len(p.UserHeap) {
		return 0, kerrors.ErrOutOfHeap
	}
	p.HeapBrk = next
	base := uintptr(unsafe.Pointer(&p.UserHeap[0]))
	return uint64(base) + uint64(prev), nil
}
