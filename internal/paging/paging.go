// Package paging implements the 4-level (PML4 -> PDPT -> PD -> PT) AMD64
// page tables, ioremap, and identity mapping.
//
// The heap-window exclusion discipline (never
// let an MMIO or framebuffer mapping land in the kmalloc heap's virtual
// range) is a ModuOS-specific invariant layered on top.
package paging

import (
	"unsafe"

	"github.com/moduos/moduos/internal/archx86"
	"github.com/moduos/moduos/internal/kerrors"
	"github.com/moduos/moduos/internal/pmm"
)

// PTE flag bits (AMD64 4-level paging, Intel SDM vol 3A table 4-19/4-20).
const (
	FlagPresent      = 1 << 0
	FlagWritable     = 1 << 1
	FlagUser         = 1 << 2
	FlagWriteThrough = 1 << 3
	FlagCacheDisable = 1 << 4
	FlagAccessed     = 1 << 5
	FlagDirty        = 1 << 6
	FlagHuge         = 1 << 7
	FlagGlobal       = 1 << 8
	FlagNoExecute    = 1 << 63
)

const (
	entriesPerTable = 512
	pageShift       = 12
	tableShift      = 9
	addrMask        = 0x000F_FFFF_FFFF_F000 // bits 12..51, frame address

	// High-half layout. The kernel heap sits at a fixed window; ioremap
	// allocates outside it so MMIO mappings can never alias a kmalloc
	// allocation.
	HeapWindowBase = 0xFFFF_8800_0000_0000
	HeapWindowSize = 256 * 1024 * 1024 * 1024 // 256 GiB virtual window
	HeapWindowEnd  = HeapWindowBase + HeapWindowSize

	IoremapBase = 0xFFFF_8900_0000_0000
	IoremapEnd  = 0xFFFF_89FF_FFFF_FFFF

	// Identity map covers RAM up to this bound or the free-frame reserve
	// limit, whichever is smaller.
	IdentityMapMax = 512 * 1024 * 1024
)

// bzeroFn/invlpgFn indirect the two privileged/bulk primitives this
// package calls through package-level variables, mocked by tests, so unit
// tests never execute a real INVLPG on a host CPU that has no business
// running ring-0 instructions.
var (
	bzeroFn  = archx86.Bzero
	invlpgFn = archx86.Invlpg
)

type entry uint64

func (e entry) present() bool  { return e&FlagPresent != 0 }
func (e entry) frameAddr() uint64 { return uint64(e) & addrMask }

func makeEntry(frameAddr uint64, flags uint64) entry {
	return entry(frameAddr&addrMask | flags | FlagPresent)
}

// table is one level of the page hierarchy: 512 eight-byte entries, i.e.
// exactly one physical frame.
type table [entriesPerTable]entry

// FrameAllocator is the dependency this package needs from internal/pmm,
// injected explicitly rather than reached for through a global;
// dependencies are passed into init explicitly.
type FrameAllocator interface {
	AllocFrame() (pmm.Frame, error)
	FreeFrame(pmm.Frame)
}

// PageTableRoot wraps the physical address of a PML4 table; every process
// and the kernel itself own one.
type PageTableRoot uint64

// Mapper owns one page-table tree (the kernel's, or a process's) and the
// frame allocator it draws intermediate tables from.
type Mapper struct {
	root            PageTableRoot
	frames          FrameAllocator
	toVirt          func(phys uint64) uintptr // physical->virtual translator for walking tables
	nextIoremapSlot uint64
}

// NewMapper creates a Mapper over a freshly allocated, zeroed PML4. toVirt
// translates a physical table address to a virtual address the Go code can
// dereference: for the kernel's own tree this is the identity map; for a
// process's tree it is the same, since all page tables themselves live in
// identity-mapped kernel memory regardless of whose address space they
// describe.
func NewMapper(frames FrameAllocator, toVirt func(uint64) uintptr) (*Mapper, error) {
	f, err := frames.AllocFrame()
	if err != nil {
		return nil, kerrors.Wrap(err, "paging: allocate PML4")
	}
	zeroTable(toVirt(f.Addr()))
	return &Mapper{
		root:            PageTableRoot(f.Addr()),
		frames:          frames,
		toVirt:          toVirt,
		nextIoremapSlot: IoremapBase,
	}, nil
}

func zeroTable(virt uintptr) {
	bzeroFn(unsafe.Pointer(virt), entriesPerTable*8)
}

func (m *Mapper) tableAt(phys uint64) *table {
	return (*table)(unsafe.Pointer(m.toVirt(phys)))
}

func indices(virt uint64) (pml4, pdpt, pd, pt uint) {
	pml4 = uint((virt >> 39) & 0x1FF)
	pdpt = uint((virt >> 30) & 0x1FF)
	pd = uint((virt >> 21) & 0x1FF)
	pt = uint((virt >> 12) & 0x1FF)
	return
}

// walk descends PML4->PDPT->PD->PT for virt, allocating any missing
// intermediate table when alloc is true. It returns the PT entry slot so
// the caller can read or write it directly.
func (m *Mapper) walk(virt uint64, alloc bool) (*entry, error) {
	i4, i3, i2, i1 := indices(virt)

	cur := m.tableAt(uint64(m.root))
	for _, idx := range []uint{i4, i3, i2} {
		e := &cur[idx]
		if !e.present() {
			if !alloc {
				return nil, kerrors.ErrUnmapped
			}
			f, err := m.frames.AllocFrame()
			if err != nil {
				return nil, kerrors.Wrap(err, "paging: allocate intermediate table")
			}
			zeroTable(m.toVirt(f.Addr()))
			*e = makeEntry(f.Addr(), FlagWritable|FlagUser)
		}
		cur = m.tableAt(e.frameAddr())
	}
	return &cur[i1], nil
}

// MapPage maps a single 4 KiB page. If any intermediate table allocation
// fails, it returns the error without leaving a half-built chain pointing
// at nothing; empty intermediate tables it just allocated are harmless
// (present but all-zero leaves), only the final PTE is left unset.
func (m *Mapper) MapPage(virt uintptr, phys pmm.Frame, flags uint64) error {
	if err := m.refuseHeapWindowConflict(uint64(virt)); err != nil {
		return err
	}
	pte, err := m.walk(uint64(virt), true)
	if err != nil {
		return err
	}
	if pte.present() {
		return kerrors.ErrMapConflict
	}
	*pte = makeEntry(phys.Addr(), flags)
	invlpgFn(uint64(virt))
	return nil
}

// UnmapPage clears a mapping, returning kerrors.ErrUnmapped if none exists.
func (m *Mapper) UnmapPage(virt uintptr) error {
	pte, err := m.walk(uint64(virt), false)
	if err != nil {
		return err
	}
	if !pte.present() {
		return kerrors.ErrUnmapped
	}
	*pte = 0
	invlpgFn(uint64(virt))
	return nil
}

// VirtToPhys walks the active tree and returns the physical address
// mapped to virt, or kerrors.ErrUnmapped.
func (m *Mapper) VirtToPhys(virt uintptr) (uint64, error) {
	pte, err := m.walk(uint64(virt), false)
	if err != nil {
		return 0, err
	}
	if !pte.present() {
		return 0, kerrors.ErrUnmapped
	}
	offset := uint64(virt) & 0xFFF
	return pte.frameAddr() + offset, nil
}

// refuseHeapWindowConflict refuses mappings that fall into the heap
// virtual window (outside of the heap
// subsystem's own setup, which talks to the allocator directly rather
// than through MapPage).
func (m *Mapper) refuseHeapWindowConflict(virt uint64) error {
	if virt >= HeapWindowBase && virt < HeapWindowEnd {
		return kerrors.ErrMapConflict
	}
	return nil
}

// IdentityMap maps [0, limit) 1:1, used at boot to satisfy DMA
// assumptions in legacy paths. limit is clamped to
// IdentityMapMax.
func (m *Mapper) IdentityMap(limit uint64, flags uint64) error {
	if limit > IdentityMapMax {
		limit = IdentityMapMax
	}
	for addr := uint64(0); addr < limit; addr += pmm.PageSize {
		if err := m.MapPage(uintptr(addr), pmm.FromAddr(addr), flags); err != nil {
			if kerrors.Is(err, kerrors.ErrMapConflict) {
				continue // already mapped (e.g. re-entrant boot call)
			}
			return err
		}
	}
	return nil
}

// Ioremap allocates size bytes of kernel-virtual space outside the heap
// window and maps it to the given physical range with cache-disable +
// write-through, for MMIO. It returns the virtual base.
func (m *Mapper) Ioremap(phys uint64, size uint64) (uintptr, error) {
	pages := (size + pmm.PageSize - 1) / pmm.PageSize
	virt := m.nextIoremapSlot
	if virt+pages*pmm.PageSize > IoremapEnd {
		return 0, kerrors.ErrOutOfHeap
	}
	for i := uint64(0); i < pages; i++ {
		v := uintptr(virt + i*pmm.PageSize)
		p := pmm.FromAddr(phys + i*pmm.PageSize)
		if err := m.MapPage(v, p, FlagWritable|FlagCacheDisable|FlagWriteThrough|FlagNoExecute); err != nil {
			return 0, err
		}
	}
	base := virt
	m.nextIoremapSlot += pages * pmm.PageSize
	return uintptr(base), nil
}
