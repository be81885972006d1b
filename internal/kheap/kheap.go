// Package kheap implements the kernel heap: a first-fit, coalescing
// allocator over a doubly-linked list of segments, with 16-byte-aligned
// data pointers and a kmalloc_aligned entry point for callers (DMA
// buffers, SSE save areas) that need a stronger alignment.
//
// The layout is segment-header-in-front, first-fit-with-split,
// coalesce-on-free. There is no linker script to carve a fixed physical
// range from, so New takes an already-mapped virtual window (the
// paging.HeapWindowBase region, or a plain byte slice in tests) instead of
// a raw heapStart uintptr, and the allocator operates on it exactly the
// same way once that window exists.
package kheap

import (
	"unsafe"

	"github.com/moduos/moduos/internal/kerrors"
)

// Alignment is the default data-pointer alignment every Alloc honors.
const Alignment = 16

// minSplit is the smallest remainder worth carving into its own free
// segment; smaller remainders are left attached to the allocation instead
// of producing unusably tiny free segments (mirrors heap.go's
// minSplitSize).
const minSplit = 2 * segmentHeaderSize

const segmentHeaderSize = unsafe.Sizeof(segment{})

// segment is placed at the start of every block in the arena, allocated or
// free.
type segment struct {
	next        *segment
	prev        *segment
	isAllocated bool
	size        uint32 // total size of this block, header included
}

// Heap is a first-fit allocator over a single contiguous arena.
type Heap struct {
	arena []byte
	head  *segment
	used  uint64
}

// New creates a Heap over arena, treating the whole slice as one free
// segment. arena must already be backed by real (mapped) memory: for the
// kernel this is the mapped HeapWindowBase region; for tests it is an
// ordinary make([]byte, n).
func New(arena []byte) (*Heap, error) {
	if len(arena) < int(segmentHeaderSize)*2 {
		return nil, kerrors.ErrInvalidArg
	}
	h := &Heap{arena: arena}
	h.head = h.segmentAt(0)
	*h.head = segment{size: uint32(len(arena))}
	return h, nil
}

func (h *Heap) segmentAt(offset uintptr) *segment {
	return (*segment)(unsafe.Pointer(&h.arena[offset]))
}

func (h *Heap) offsetOf(s *segment) uintptr {
	return uintptr(unsafe.Pointer(s)) - uintptr(unsafe.Pointer(&h.arena[0]))
}

// Alloc returns a pointer to size bytes aligned to Alignment, or
// kerrors.ErrOutOfHeap.
func (h *Heap) Alloc(size uint32) (unsafe.Pointer, error) {
	return h.AllocAligned(size, Alignment)
}

// AllocAligned returns a pointer to size bytes aligned to align, which must
// be a power of two and at least Alignment; this is the entry point DMA
// buffers and FXSAVE areas use for stronger-than-default alignment. The
// scan is first-fit: the first free segment in address order that can
// hold the allocation is taken, splitting off the remainder when it is
// large enough to stand on its own.
func (h *Heap) AllocAligned(size uint32, align uint32) (unsafe.Pointer, error) {
	if align < Alignment {
		align = Alignment
	}
	if size == 0 {
		return nil, kerrors.ErrInvalidArg
	}

	for cur := h.head; cur != nil; cur = cur.next {
		if cur.isAllocated {
			continue
		}
		need, ok := h.fitWithin(cur, size, align)
		if !ok {
			continue
		}
		if cur.size-need >= uint32(minSplit) {
			h.split(cur, need)
		}
		cur.isAllocated = true
		h.used += uint64(cur.size)
		return unsafe.Pointer(h.alignedDataAddr(cur, align)), nil
	}
	return nil, kerrors.ErrOutOfHeap
}

// fitWithin reports the total segment size (header + alignment padding +
// size) needed to satisfy an allocation out of seg, and whether seg is
// large enough.
func (h *Heap) fitWithin(seg *segment, size uint32, align uint32) (uint32, bool) {
	base := uintptr(unsafe.Pointer(seg)) + segmentHeaderSize
	padded := alignUp(base, uintptr(align))
	need := uint32(padded-uintptr(unsafe.Pointer(seg))) + size
	return need, seg.size >= need
}

func (h *Heap) alignedDataAddr(seg *segment, align uint32) uintptr {
	base := uintptr(unsafe.Pointer(seg)) + segmentHeaderSize
	return alignUp(base, uintptr(align))
}

func alignUp(addr uintptr, align uintptr) uintptr {
	if r := addr % align; r != 0 {
		return addr + (align - r)
	}
	return addr
}

// split shaves a new free segment off the tail of seg once seg has been
// sized down to need bytes.
func (h *Heap) split(seg *segment, need uint32) {
	newOffset := h.offsetOf(seg) + uintptr(need)
	newSeg := h.segmentAt(newOffset)
	*newSeg = segment{
		next: seg.next,
		prev: seg,
		size: seg.size - need,
	}
	if newSeg.next != nil {
		newSeg.next.prev = newSeg
	}
	seg.next = newSeg
	seg.size = need
}

// Free releases memory previously returned by Alloc/AllocAligned, coalescing
// with free neighbors. ptr must be a pointer this Heap produced; any other
// value is a caller bug, mirrored as a no-op rather than a crash so a
// double-free in kernel code degrades rather than panics.
func (h *Heap) Free(ptr unsafe.Pointer) {
	seg := h.segmentForData(ptr)
	if seg == nil || !seg.isAllocated {
		return
	}
	h.used -= uint64(seg.size)
	seg.isAllocated = false

	for seg.prev != nil && !seg.prev.isAllocated {
		prev := seg.prev
		prev.next = seg.next
		prev.size += seg.size
		if seg.next != nil {
			seg.next.prev = prev
		}
		seg = prev
	}
	for seg.next != nil && !seg.next.isAllocated {
		next := seg.next
		seg.size += next.size
		seg.next = next.next
		if next.next != nil {
			next.next.prev = seg
		}
	}
}

// segmentForData walks the list to find the allocated segment whose data
// region contains ptr. Storing the header address just before the data
// pointer would make Free O(1); this walk is O(segments), acceptable
// since the kernel heap is not
// on any interrupt-latency-critical path (only kmalloc/kfree call sites in
// process/vfs/sqrm setup code do), and it avoids reserving extra bytes in
// every allocation purely for pointer bookkeeping.
func (h *Heap) segmentForData(ptr unsafe.Pointer) *segment {
	addr := uintptr(ptr)
	for cur := h.head; cur != nil; cur = cur.next {
		start := uintptr(unsafe.Pointer(cur))
		end := start + uintptr(cur.size)
		if addr >= start && addr < end {
			return cur
		}
	}
	return nil
}

// Stats is a point-in-time snapshot for SSTATS/sysinfo2.
type Stats struct {
	TotalBytes uint64
	UsedBytes  uint64
	FreeBytes  uint64
}

// StatsSnapshot reports current heap usage.
func (h *Heap) StatsSnapshot() Stats {
	return Stats{
		TotalBytes: uint64(len(h.arena)),
		UsedBytes:  h.used,
		FreeBytes:  uint64(len(h.arena)) - h.used,
	}
}
