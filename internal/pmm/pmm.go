// Package pmm implements the physical frame allocator: a bitmap-backed
// pool of 4 KiB frames built from the Multiboot2 memory map, with one bit
// per frame (0=free, 1=used). There is one framePool per usable
// memory-map region; pool bitmaps are ordinary `make([]uint64, …)`
// slices, so there is no bootstrap allocator to decommission afterward.
package pmm

import (
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/moduos/moduos/internal/archx86"
	"github.com/moduos/moduos/internal/kerrors"
	"github.com/moduos/moduos/internal/klog"
	"github.com/moduos/moduos/internal/multiboot"
)

// saveFlagsCliFn/restoreFlagsFn indirect the IRQ-save critical-section
// primitive through package-level variables, the same "mocked by tests"
// idiom used in internal/paging (bzeroFn/invlpgFn), so unit tests never execute a real CLI/STI pair on a host CPU with no
// business running ring-0 instructions.
var (
	saveFlagsCliFn = archx86.SaveFlagsCli
	restoreFlagsFn = archx86.RestoreFlags
)

// PageSize is the frame size the whole memory subsystem is built around.
const PageSize = 4096

// Frame is a physical frame number (physical address / PageSize).
type Frame uint64

// Addr returns the physical address of the frame.
func (f Frame) Addr() uint64 { return uint64(f) * PageSize }

// FromAddr returns the frame containing a physical address.
func FromAddr(addr uint64) Frame { return Frame(addr / PageSize) }

// Region is a caller-supplied reservation: frames in [StartAddr, EndAddr)
// are pre-marked used before the pool is handed out, satisfying the
// invariant that kernel image, Multiboot2 info, early page tables, and
// MMIO holes are never allocatable.
type Region struct {
	StartAddr uint64
	EndAddr   uint64
}

type pool struct {
	startFrame Frame
	endFrame   Frame // inclusive
	freeCount  uint32
	bitmap     []uint64
}

// Allocator is the physical frame allocator: New builds one from the
// memory map and callers use its methods through the returned pointer;
// AllocFrame and FreeFrame bracket themselves in an IRQ-save critical
// section.
type Allocator struct {
	pools         []pool
	totalFrames   uint64
	reservedCount uint64
}

const lowMemoryGuard = 64 * 1024 // usable RAM starts above 64 KiB

// New builds an Allocator from a parsed Multiboot2 memory map, excluding
// anything below the low-memory guard and anything overlapping the
// reserved regions (kernel image, Multiboot2 info, early page tables,
// MMIO holes) the caller has already identified.
func New(info *multiboot.Info, reserved []Region) *Allocator {
	a := &Allocator{}

	info.VisitMemRegions(func(e *multiboot.MemoryMapEntry) bool {
		start := e.BaseAddr
		end := e.BaseAddr + e.Length
		if start < lowMemoryGuard {
			start = lowMemoryGuard
		}
		if end <= start {
			return true
		}
		startFrame := Frame((start + PageSize - 1) / PageSize)
		endFrame := Frame(end/PageSize) - 1
		if endFrame < startFrame {
			return true
		}
		count := uint64(endFrame-startFrame) + 1
		words := (count + 63) / 64
		p := pool{
			startFrame: startFrame,
			endFrame:   endFrame,
			freeCount:  uint32(count),
			bitmap:     make([]uint64, words),
		}
		a.pools = append(a.pools, p)
		a.totalFrames += count
		return true
	})

	for _, r := range reserved {
		a.reserveRange(r.StartAddr, r.EndAddr)
	}

	klog.Infof("pmm: %s usable across %d pool(s), %s reserved",
		humanize.Bytes(a.totalFrames*PageSize), len(a.pools),
		humanize.Bytes(a.reservedCount*PageSize))

	return a
}

func (a *Allocator) poolIndexForFrame(f Frame) int {
	for i := range a.pools {
		if f >= a.pools[i].startFrame && f <= a.pools[i].endFrame {
			return i
		}
	}
	return -1
}

func (a *Allocator) setBit(poolIdx int, f Frame, used bool) {
	p := &a.pools[poolIdx]
	rel := uint64(f - p.startFrame)
	word := rel / 64
	mask := uint64(1) << (rel % 64)
	wasUsed := p.bitmap[word]&mask != 0
	if used == wasUsed {
		return
	}
	if used {
		p.bitmap[word] |= mask
		p.freeCount--
		a.reservedCount++
	} else {
		p.bitmap[word] &^= mask
		p.freeCount++
		a.reservedCount--
	}
}

func (a *Allocator) reserveRange(startAddr, endAddr uint64) {
	start := FromAddr(startAddr)
	end := FromAddr(endAddr + PageSize - 1)
	for f := start; f < end; f++ {
		if idx := a.poolIndexForFrame(f); idx >= 0 {
			a.setBit(idx, f, true)
		}
	}
}

// AllocFrame performs a first-fit scan of the bitmap and returns a frame
// marked used, or kerrors.ErrOutOfFrames. It never returns a frame that
// was already in use; a failed allocation leaves the bitmap untouched.
func (a *Allocator) AllocFrame() (Frame, error) {
	flags := saveFlagsCliFn()
	defer restoreFlagsFn(flags)

	for i := range a.pools {
		p := &a.pools[i]
		if p.freeCount == 0 {
			continue
		}
		for word := range p.bitmap {
			if p.bitmap[word] == ^uint64(0) {
				continue
			}
			for bit := 0; bit < 64; bit++ {
				if p.bitmap[word]&(1<<uint(bit)) == 0 {
					frame := p.startFrame + Frame(word*64+bit)
					if frame > p.endFrame {
						break
					}
					a.setBit(i, frame, true)
					return frame, nil
				}
			}
		}
	}
	return 0, kerrors.ErrOutOfFrames
}

// FreeFrame releases a frame back to its pool. Freeing a frame outside any
// pool, or a frame that is already free, is a no-op; it is not an error
// a caller can usefully act on, but it must never corrupt bitmap state.
func (a *Allocator) FreeFrame(f Frame) {
	flags := saveFlagsCliFn()
	defer restoreFlagsFn(flags)

	idx := a.poolIndexForFrame(f)
	if idx < 0 {
		return
	}
	a.setBit(idx, f, false)
}

// TotalFrames returns the total number of frames across all pools.
func (a *Allocator) TotalFrames() uint64 { return a.totalFrames }

// FreeFrames returns the number of currently unallocated frames.
func (a *Allocator) FreeFrames() uint64 { return a.totalFrames - a.reservedCount }

// Stats is a point-in-time snapshot for SSTATS/sysinfo2.
type Stats struct {
	TotalFrames uint64
	FreeFrames  uint64
	Pools       int
}

// StatsSnapshot returns a snapshot of the allocator's current state.
func (a *Allocator) StatsSnapshot() Stats {
	return Stats{TotalFrames: a.totalFrames, FreeFrames: a.FreeFrames(), Pools: len(a.pools)}
}

// String renders a human-readable summary for the boot log banner.
func (s Stats) String() string {
	return fmt.Sprintf("%s free / %s total across %d pool(s)",
		humanize.Bytes(s.FreeFrames*PageSize), humanize.Bytes(s.TotalFrames*PageSize), s.Pools)
}
