// Package moduos wires every internal/ subsystem into the staged boot
// sequence: pmm, paging, and the heap first; interrupts and
// the scheduler next; then block devices, the filesystem mount, DEVFS,
// SQRM, and a final rescan, in that order. Boot is deliberately a plain
// function over injected dependencies (block backends, reserved memory
// regions) rather than something that reaches for real hardware itself,
// the same "assert ordering, inject the untestable parts" shape
// internal/process and internal/paging already use, so the whole
// sequence runs under `go test` without a bootloader. main.go is the thin
// layer that supplies the real Multiboot2 info and hardware backends.
package main

import (
	"github.com/moduos/moduos/internal/archx86"
	"github.com/moduos/moduos/internal/blockdev"
	"github.com/moduos/moduos/internal/devfs"
	"github.com/moduos/moduos/internal/fat32"
	"github.com/moduos/moduos/internal/interrupts"
	"github.com/moduos/moduos/internal/kerrors"
	"github.com/moduos/moduos/internal/kheap"
	"github.com/moduos/moduos/internal/klog"
	"github.com/moduos/moduos/internal/mdfs"
	"github.com/moduos/moduos/internal/multiboot"
	"github.com/moduos/moduos/internal/paging"
	"github.com/moduos/moduos/internal/pmm"
	"github.com/moduos/moduos/internal/process"
	"github.com/moduos/moduos/internal/sqrm"
	"github.com/moduos/moduos/internal/syscalls"
	"github.com/moduos/moduos/internal/vdrive"
	"github.com/moduos/moduos/internal/vfs"
)

// defaultHeapBytes backs the kernel heap when BootConfig.HeapBytes is
// unset; generous enough for a handful of SQRM module images and process
// metadata without demanding a real-hardware memory map in tests.
const defaultHeapBytes = 16 * 1024 * 1024

// BlockBackend names one already-discovered raw block device and the
// vdrive classification to enumerate it under. main.go
// builds these from real ATA/AHCI probing; tests build them from
// in-memory fakes.
type BlockBackend struct {
	Device blockdev.Device
	Type   vdrive.Type
	Serial string
}

// SQRMImage is one module's raw ELF bytes plus the vdrive it should be
// recorded as depending on. main.go extracts
// these from the Multiboot2 module list; tests pass them directly.
type SQRMImage struct {
	Name     string
	File     []byte
	VDriveID uint32
}

// BootConfig is everything Boot needs that Boot itself cannot discover:
// the parsed Multiboot2 memory map, already-opened block backends, and any
// SQRM module images to load once the boot filesystem is mounted.
type BootConfig struct {
	MemInfo        *multiboot.Info
	ReservedFrames []pmm.Region
	HeapBytes      uint32
	Backends       []BlockBackend
	// RootHint is bootcmdline.Options.Root ("vdrive-id:partition-lba"); empty
	// means probe every enumerated drive's first partition in order (spec
	// §9's default policy).
	RootHint string
	Modules  []SQRMImage
}

// Kernel is every subsystem handle Boot assembles, held here so main.go's
// idle loop (and tests) can reach back into any of them after boot.
type Kernel struct {
	PMM      *pmm.Allocator
	Paging   *paging.Mapper
	Heap     *kheap.Heap
	IDT      *interrupts.IDT
	Sched    *process.Scheduler
	Syscalls *syscalls.Dispatcher
	Blocks   *blockdev.Table
	VDrives  *vdrive.Manager
	VFS      *vfs.VFS
	DevFS    *devfs.DevFS
	SQRM     *sqrm.Registry

	BootMount int
}

// identityToVirt is the physical->virtual translator Boot hands every
// paging.Mapper: ModuOS identity-maps the first IdentityMapMax bytes of
// physical memory, so any table address Boot itself allocates
// translates to the same numeric virtual address.
func identityToVirt(phys uint64) uintptr { return uintptr(phys) }

// Boot runs the full staged sequence and returns an assembled Kernel, or
// the first error any stage reports. Stage ordering here is load-bearing:
// mount, then DEVFS init, then SQRM load, then rescan.
func Boot(cfg BootConfig) (*Kernel, error) {
	k := &Kernel{}

	klog.Infof("boot: stage 1 - physical memory")
	frames := pmm.New(cfg.MemInfo, cfg.ReservedFrames)
	k.PMM = frames

	klog.Infof("boot: stage 2 - paging")
	mapper, err := paging.NewMapper(frames, identityToVirt)
	if err != nil {
		return nil, kerrors.Wrap(err, "boot: paging init")
	}
	if err := mapper.IdentityMap(paging.IdentityMapMax, paging.FlagWritable|paging.FlagNoExecute); err != nil {
		return nil, kerrors.Wrap(err, "boot: identity map")
	}
	k.Paging = mapper

	klog.Infof("boot: stage 3 - kernel heap")
	heapSize := cfg.HeapBytes
	if heapSize == 0 {
		heapSize = defaultHeapBytes
	}
	heap, err := kheap.New(make([]byte, heapSize))
	if err != nil {
		return nil, kerrors.Wrap(err, "boot: heap init")
	}
	k.Heap = heap

	klog.Infof("boot: stage 4 - interrupts")
	interrupts.RemapPIC(0x20, 0x28)
	interrupts.ProgramPIT(interrupts.TickHz)
	k.IDT = interrupts.Setup(archx86.SyscallTrampoline)

	klog.Infof("boot: stage 5 - scheduler")
	sched := process.NewScheduler()
	k.Sched = sched
	interrupts.SetSleeper(sched)
	interrupts.ProcessFaultKiller = func(f *interrupts.Frame, name string) {
		if p := sched.Running(); p != nil {
			klog.Warnf("boot: pid %d faulted (%s) at rip=%#x, killing", p.PID, name, f.RIP)
			_ = sched.Kill(p.PID, -1)
		}
	}
	interrupts.NMOwnerProvider = func() interrupts.FPUOwner {
		if p := sched.Running(); p != nil {
			return p
		}
		return nil
	}

	klog.Infof("boot: stage 6 - syscall dispatch")
	disp := syscalls.NewDispatcher(sched, nil, heap, frames, nil, syscalls.AlwaysMapped{}, interrupts.Ticks)
	disp.Install(func() uint32 {
		if p := sched.Running(); p != nil {
			return p.PID
		}
		return 0
	})
	k.Syscalls = disp

	klog.Infof("boot: stage 7 - block devices")
	blocks := blockdev.NewTable()
	k.Blocks = blocks
	drives := vdrive.NewManager(blocks)
	k.VDrives = drives
	disp.VDrives = drives
	for _, b := range cfg.Backends {
		if _, err := drives.Enumerate(b.Device, b.Type, b.Serial); err != nil {
			klog.Warnf("boot: enumerate backend %q failed: %v", b.Serial, err)
		}
	}

	klog.Infof("boot: stage 8 - mount boot filesystem")
	vf := vfs.New()
	k.VFS = vf
	disp.VFS = vf
	registerNativeProbers(vf, drives)
	slot, err := mountBootFS(vf, drives, cfg.RootHint)
	if err != nil {
		return nil, kerrors.Wrap(err, "boot: mount boot filesystem")
	}
	k.BootMount = slot

	klog.Infof("boot: stage 9 - devfs")
	dfs := devfs.New(devfs.VideoInfo{})
	dfs.SetBlockNodes(blockNodesFor(drives))
	vf.SetDevResolver(dfs)
	k.DevFS = dfs

	klog.Infof("boot: stage 10 - sqrm modules")
	registry := sqrm.NewRegistry(buildBaseCapabilities(registryDeps{heap: heap, frames: frames}))
	k.SQRM = registry
	for _, m := range cfg.Modules {
		if err := loadSQRMImage(registry, vf, drives, heap, m); err != nil {
			klog.Warnf("boot: sqrm module %q failed to load: %v", m.Name, err)
		}
	}
	bootVDrive := uint32(0)
	if m, ok := vf.Mounts.Get(slot); ok {
		bootVDrive = uint32(m.VDriveID)
	}
	n := registry.LoadAll(bootFSModuleSource{vf: vf, mount: slot}, sqrm.ModuleDirPath,
		func(name string, file []byte) sqrm.LoadOptions {
			return sqrmLoadOptions(vf, drives, heap, SQRMImage{Name: name, File: file, VDriveID: bootVDrive})
		})
	if n > 0 {
		klog.Infof("boot: loaded %d module(s) from %s", n, sqrm.ModuleDirPath)
	}

	klog.Infof("boot: stage 11 - rescan")
	rescanMounts(vf, drives)

	return k, nil
}

// registerNativeProbers installs the built-in drivers into vf's probe
// chain: FAT32 first, then MDFS. ISO9660 and any
// other external driver arrives later through a SQRM module's VFS
// capability, appending behind the native two.
func registerNativeProbers(vf *vfs.VFS, drives *vdrive.Manager) {
	vf.SetDriveSource(driveSource{drives})
	vf.RegisterProber(vfs.Prober{Type: vfs.MountFAT32, Probe: func(vdriveID int, partitionLBA uint64) (vfs.FS, error) {
		d := drives.Lookup(vdriveID)
		if d == nil {
			return nil, kerrors.ErrNotFound
		}
		return fat32.Mount(&fat32.PartitionIO{Drive: drives, VDriveID: d.ID, PartitionLBA: partitionLBA, SecSize: d.SectorSize})
	}})
	vf.RegisterProber(vfs.Prober{Type: vfs.MountMDFS, Probe: func(vdriveID int, partitionLBA uint64) (vfs.FS, error) {
		d := drives.Lookup(vdriveID)
		if d == nil {
			return nil, kerrors.ErrNotFound
		}
		return mdfs.Mount(&mdfs.PartitionBlockIO{Drive: drives, VDriveID: d.ID, PartitionLBA: partitionLBA, SectorSize: d.SectorSize})
	}})
}

// driveSource adapts vdrive.Manager's partition tables to the shape
// vfs.MountDrive consults for partitionLBA == 0 calls.
type driveSource struct{ drives *vdrive.Manager }

func (s driveSource) Partitions(vdriveID int) ([]vfs.PartitionRef, bool) {
	d := s.drives.Lookup(vdriveID)
	if d == nil {
		return nil, false
	}
	var out []vfs.PartitionRef
	for _, p := range d.Partitions {
		out = append(out, vfs.PartitionRef{Index: p.Index, FirstLBA: p.FirstLBA})
	}
	return out, true
}

// mountBootFS implements the default boot-mount policy: honor
// an explicit "vdrive:partition-lba" root hint if given, otherwise run
// fs_mount_drive over every enumerated drive in order until one mounts.
func mountBootFS(vf *vfs.VFS, drives *vdrive.Manager, rootHint string) (int, error) {
	driveID, partitionLBA, explicit := parseRootHint(rootHint)
	if explicit {
		return vf.MountDrive(driveID, uint64(partitionLBA), vfs.MountUnknown)
	}

	for _, d := range drives.Drives() {
		if slot, err := vf.MountDrive(d.ID, 0, vfs.MountUnknown); err == nil {
			return slot, nil
		}
	}
	return 0, kerrors.ErrNotFound
}

func parseRootHint(hint string) (driveID, partitionLBA int, explicit bool) {
	if hint == "" {
		return 0, 0, false
	}
	colonAt := -1
	for i := 0; i < len(hint); i++ {
		if hint[i] == ':' {
			colonAt = i
			break
		}
	}
	if colonAt < 0 {
		return 0, 0, false
	}
	return atoiSafe(hint[:colonAt]), atoiSafe(hint[colonAt+1:]), true
}

func atoiSafe(s string) int {
	n := 0
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0
		}
		n = n*10 + int(s[i]-'0')
	}
	return n
}

// rescanMounts re-probes every enumerated drive for a partition not yet
// occupying a mount slot, the final boot stage: an SQRM DRIVE or USB
// module loaded in stage 10 may have just registered new vdrives, and an
// SQRM FS module may have appended a prober that now recognizes a
// partition the native drivers passed over.
func rescanMounts(vf *vfs.VFS, drives *vdrive.Manager) {
	for _, d := range drives.Drives() {
		if len(d.Partitions) == 0 {
			if !alreadyMounted(vf, d.ID, 0) {
				_, _ = vf.MountDrive(d.ID, 0, vfs.MountUnknown)
			}
			continue
		}
		for _, p := range d.Partitions {
			if alreadyMounted(vf, d.ID, p.FirstLBA) {
				continue
			}
			if _, err := vf.MountDrive(d.ID, p.FirstLBA, vfs.MountUnknown); err != nil {
				klog.Warnf("boot: rescan vdrive%d-P%d: no filesystem recognized", d.ID, p.Index)
			}
		}
	}
}

func alreadyMounted(vf *vfs.VFS, vdriveID int, partitionLBA uint64) bool {
	for _, slot := range vf.Mounts.Slots() {
		m, _ := vf.Mounts.Get(slot)
		if m.VDriveID == vdriveID && m.PartitionLBA == partitionLBA {
			return true
		}
	}
	return false
}

// bootFSModuleSource adapts the mounted boot filesystem to the shape
// sqrm.LoadAll scans for *.sqrm files.
type bootFSModuleSource struct {
	vf    *vfs.VFS
	mount int
}

func (s bootFSModuleSource) List(dir string) ([]string, error) {
	entries, err := s.vf.ReadDir(s.mount, dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir {
			names = append(names, e.Name)
		}
	}
	return names, nil
}

func (s bootFSModuleSource) Read(path string) ([]byte, error) {
	return s.vf.ReadFile(s.mount, path)
}

// blockNodesFor exposes every enumerated drive under $/dev as a
// BlockNode so a process can open raw block access
// without going through a mounted filesystem.
func blockNodesFor(drives *vdrive.Manager) []devfs.BlockNode {
	var nodes []devfs.BlockNode
	for _, d := range drives.Drives() {
		name := vdriveNodeName(d.ID)
		if slug := vdrive.ModelSlug(d.Model); slug != "" {
			name += "-" + slug
		}
		nodes = append(nodes, devfs.BlockNode{
			Name: name,
			Info: vfs.DirEntry{Name: name, Size: d.Capacity()},
		})
	}
	return nodes
}

func vdriveNodeName(id int) string { return "vdrive" + itoaLocal(id) }

func itoaLocal(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
