package main

import (
	"unsafe"

	"github.com/moduos/moduos/internal/archx86"
	"github.com/moduos/moduos/internal/kerrors"
	"github.com/moduos/moduos/internal/kheap"
	"github.com/moduos/moduos/internal/klog"
	"github.com/moduos/moduos/internal/interrupts"
	"github.com/moduos/moduos/internal/pmm"
	"github.com/moduos/moduos/internal/sqrm"
	"github.com/moduos/moduos/internal/vdrive"
	"github.com/moduos/moduos/internal/vfs"
)

// registryDeps carries the kernel-wide primitives buildBaseCapabilities
// closes over.
type registryDeps struct {
	heap   *kheap.Heap
	frames *pmm.Allocator
}

// buildBaseCapabilities wires a module's base API table to the real
// kernel primitives: archx86's port-I/O instructions, internal/kheap for
// general allocation, internal/pmm frames for DMA (page-granular only;
// this allocator never promises physically contiguous multi-frame
// ranges), and internal/interrupts' IRQ registry. DMA buffers are handed
// out as single physical frames translated through the boot-time identity
// map (page-aligned, never straddling a 4 KiB boundary), so virt and
// phys are numerically identical here.
func buildBaseCapabilities(deps registryDeps) sqrm.BaseCapabilities {
	dmaOwner := map[uintptr]pmm.Frame{}
	return sqrm.BaseCapabilities{
		Log: func(format string, args ...interface{}) { klog.Infof("sqrm: "+format, args...) },
		Kmalloc: func(size uintptr) uintptr {
			ptr, err := deps.heap.Alloc(uint32(size))
			if err != nil {
				return 0
			}
			return uintptr(ptr)
		},
		Kfree: func(addr uintptr) { deps.heap.Free(unsafe.Pointer(addr)) },
		DMAAlloc: func(size uintptr) (virt, phys uintptr, err error) {
			if size > pmm.PageSize {
				return 0, 0, kerrors.ErrInvalidArg
			}
			f, ferr := deps.frames.AllocFrame()
			if ferr != nil {
				return 0, 0, ferr
			}
			addr := uintptr(f.Addr())
			dmaOwner[addr] = f
			return addr, addr, nil
		},
		DMAFree: func(virt uintptr) {
			if f, ok := dmaOwner[virt]; ok {
				deps.frames.FreeFrame(f)
				delete(dmaOwner, virt)
			}
		},
		PortIn:       portIn,
		PortOut:      portOut,
		IRQInstall:   func(irq int, handler func()) { interrupts.InstallIRQHandler(irq, handler) },
		IRQUninstall: func(irq int) { interrupts.UninstallIRQHandler(irq) },
		PICEOI:       func(irq int) { interrupts.SendEOI(uint8(irq)) },
	}
}

func portIn(port uint16, width int) uint32 {
	switch width {
	case 1:
		return uint32(archx86.Inb(port))
	case 2:
		return uint32(archx86.Inw(port))
	default:
		return archx86.Inl(port)
	}
}

func portOut(port uint16, width int, value uint32) {
	switch width {
	case 1:
		archx86.Outb(port, byte(value))
	case 2:
		archx86.Outw(port, uint16(value))
	default:
		archx86.Outl(port, value)
	}
}

// heapImageAllocator backs an SQRM module's image with kernel heap memory.
type heapImageAllocator struct{ heap *kheap.Heap }

func (a heapImageAllocator) Alloc(size int) (base uint64, mem []byte, err error) {
	ptr, err := a.heap.AllocAligned(uint32(size), 4096)
	if err != nil {
		return 0, nil, err
	}
	mem = unsafe.Slice((*byte)(ptr), size)
	for i := range mem {
		mem[i] = 0
	}
	return uint64(uintptr(ptr)), mem, nil
}

// loadSQRMImage builds the LoadOptions for one module image and commits it
// to the registry, wiring the FS-type VFS/block-device capability if the
// module declares itself an FS driver once loaded.
func loadSQRMImage(reg *sqrm.Registry, vf *vfs.VFS, drives *vdrive.Manager, heap *kheap.Heap, img SQRMImage) error {
	_, err := reg.LoadModule(img.Name, sqrmLoadOptions(vf, drives, heap, img))
	return err
}

// sqrmLoadOptions is the shared options builder for both module sources:
// Multiboot2 module tags and the boot-filesystem directory scan.
func sqrmLoadOptions(vf *vfs.VFS, drives *vdrive.Manager, heap *kheap.Heap, img SQRMImage) sqrm.LoadOptions {
	return sqrm.LoadOptions{
		File:     img.File,
		Alloc:    heapImageAllocator{heap: heap},
		VDriveID: img.VDriveID,
		// Driver registration appends to the probe chain behind the native
		// FAT32/MDFS probers; boot's rescan stage then offers the module
		// every unmounted drive and partition. The module's driver only
		// ever claims the vdrive it was loaded against.
		VFS: func(mountPoint string, fs interface{}) error {
			asFS, ok := fs.(vfs.FS)
			if !ok {
				return kerrors.ErrInvalidArg
			}
			vf.RegisterProber(vfs.Prober{Type: vfs.MountExternal, Probe: func(vdriveID int, partitionLBA uint64) (vfs.FS, error) {
				if uint32(vdriveID) != img.VDriveID {
					return nil, kerrors.ErrBadSignature
				}
				return asFS, nil
			}})
			return nil
		},
		BlockDev: &sqrm.BlockDevFuncs{
			Read: func(handle uint32, lba, count uint64, buf []byte) error {
				return drives.Read(int(handle), lba, uint32(count), buf)
			},
			Write: func(handle uint32, lba, count uint64, buf []byte) error {
				return drives.Write(int(handle), lba, uint32(count), buf)
			},
			Info: func(handle uint32) (sectorSize uint32, sectorCount uint64, readOnly bool, err error) {
				d := drives.Lookup(int(handle))
				if d == nil {
					return 0, 0, false, kerrors.ErrNotFound
				}
				return d.SectorSize, d.TotalSectors, d.Features&vdrive.FeatureReadOnly != 0, nil
			},
			Resolve: func(vdriveID uint32) (handle uint32, ok bool) {
				d := drives.Lookup(int(vdriveID))
				if d == nil {
					return 0, false
				}
				return uint32(d.ID), true
			},
		},
	}
}
