package main

import (
	"encoding/binary"
	"testing"

	"github.com/moduos/moduos/internal/blockdev"
	"github.com/moduos/moduos/internal/fat32"
	"github.com/moduos/moduos/internal/mdfs"
	"github.com/moduos/moduos/internal/multiboot"
	"github.com/moduos/moduos/internal/vdrive"
	"github.com/moduos/moduos/internal/vfs"
)

// fakeBlockDevice is the same in-memory Device shape internal/blockdev's
// own tests use (memDevice in blockdev_test.go): a flat byte slice backing
// fixed-size sectors, no MBR, so vdrive.Manager treats it as a single
// unpartitioned drive and the mount probe chain tries the whole device.
type fakeBlockDevice struct {
	sectorSize uint32
	bytes      []byte
}

func newFakeBlockDevice(sectors int, sectorSize uint32) *fakeBlockDevice {
	return &fakeBlockDevice{sectorSize: sectorSize, bytes: make([]byte, sectors*int(sectorSize))}
}

func (f *fakeBlockDevice) GetInfo() (blockdev.Info, error) {
	return blockdev.Info{
		SectorSize:  f.sectorSize,
		SectorCount: uint64(len(f.bytes)) / uint64(f.sectorSize),
	}, nil
}

func (f *fakeBlockDevice) Read(lba uint64, count uint32, buf []byte) error {
	off := lba * uint64(f.sectorSize)
	n := uint64(count) * uint64(f.sectorSize)
	copy(buf, f.bytes[off:off+n])
	return nil
}

func (f *fakeBlockDevice) Write(lba uint64, count uint32, buf []byte) error {
	off := lba * uint64(f.sectorSize)
	n := uint64(count) * uint64(f.sectorSize)
	copy(f.bytes[off:off+n], buf)
	return nil
}

// fakeManagerIO adapts a single fakeBlockDevice directly, bypassing
// blockdev.Table/vdrive.Manager's handle indirection, purely so mdfs.Format
// can lay down a filesystem on it before Boot ever enumerates it for real.
type fakeManagerIO struct{ dev *fakeBlockDevice }

func (f fakeManagerIO) ReadBlock(n uint64, buf []byte) error {
	return f.dev.Read(n*uint64(mdfs.BlockSize/f.dev.sectorSize), mdfs.BlockSize/f.dev.sectorSize, buf)
}

func (f fakeManagerIO) WriteBlock(n uint64, buf []byte) error {
	return f.dev.Write(n*uint64(mdfs.BlockSize/f.dev.sectorSize), mdfs.BlockSize/f.dev.sectorSize, buf)
}

// minimalMemInfo builds a multiboot.Info with a single large usable region,
// enough for pmm.New to hand kheap.New and the SQRM image allocator real
// frames without any actual bootloader involved.
func minimalMemInfo() *multiboot.Info {
	return &multiboot.Info{
		MemoryMap: []multiboot.MemoryMapEntry{
			{BaseAddr: 0x100000, Length: 64 * 1024 * 1024, Type: uint32(multiboot.MemAvailable)},
		},
	}
}

func TestBoot_MountsMDFSRootAndAssemblesKernel(t *testing.T) {
	const sectorSize = 512
	dev := newFakeBlockDevice(4096, sectorSize) // 2MiB, plenty of MDFS blocks

	// Format MDFS directly onto the raw device bytes before Boot ever sees
	// it: with no MBR partitions the probe chain tries the whole drive,
	// so the filesystem must already be on sector 0.
	totalBlocks := uint32(len(dev.bytes)) / mdfs.BlockSize
	if _, err := mdfs.Format(fakeManagerIO{dev: dev}, totalBlocks); err != nil {
		t.Fatalf("format mdfs: %v", err)
	}

	cfg := BootConfig{
		MemInfo: minimalMemInfo(),
		Backends: []BlockBackend{
			{Device: dev, Type: vdrive.TypeATA, Serial: "fake0"},
		},
	}

	k, err := Boot(cfg)
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}

	if k.PMM == nil || k.Paging == nil || k.Heap == nil || k.IDT == nil || k.Sched == nil {
		t.Fatal("Boot: early-stage subsystem handles missing")
	}
	if k.Syscalls == nil || k.Blocks == nil || k.VDrives == nil || k.VFS == nil || k.DevFS == nil || k.SQRM == nil {
		t.Fatal("Boot: late-stage subsystem handles missing")
	}

	mount, ok := k.VFS.Mounts.Get(k.BootMount)
	if !ok {
		t.Fatal("Boot: boot mount slot not populated")
	}
	if mount.VDriveID != 0 {
		t.Fatalf("mount.VDriveID = %d, want 0 (single enumerated drive)", mount.VDriveID)
	}

	nodes := blockNodesFor(k.VDrives)
	if len(nodes) != 1 || nodes[0].Name != "vdrive0" {
		t.Fatalf("blockNodesFor = %+v, want one vdrive0 entry", nodes)
	}
}

func TestBoot_NoUsableDriveFailsMount(t *testing.T) {
	cfg := BootConfig{MemInfo: minimalMemInfo()}

	if _, err := Boot(cfg); err == nil {
		t.Fatal("Boot: expected mount failure with no backends, got nil error")
	}
}

// offsetSectorIO shifts a fat32 sector window to a partition's first LBA,
// so a FAT32 volume can be laid down inside an MBR partition before Boot
// ever enumerates the disk.
type offsetSectorIO struct {
	dev  *fakeBlockDevice
	base uint64
}

func (o offsetSectorIO) ReadSectors(lba uint64, count uint32, buf []byte) error {
	return o.dev.Read(o.base+lba, count, buf)
}

func (o offsetSectorIO) WriteSectors(lba uint64, count uint32, buf []byte) error {
	return o.dev.Write(o.base+lba, count, buf)
}

func (o offsetSectorIO) SectorSize() uint32 { return o.dev.sectorSize }

func TestBoot_MountsFAT32PartitionAndFindsMarkerFile(t *testing.T) {
	const sectorSize = 512
	const partStart = 2048
	const partSectors = 8192

	dev := newFakeBlockDevice(partStart+partSectors, sectorSize)

	// MBR slot 1: type 0x0C, first LBA 2048.
	mbr := dev.bytes[:sectorSize]
	mbr[446+4] = 0x0C
	binary.LittleEndian.PutUint32(mbr[446+8:], partStart)
	binary.LittleEndian.PutUint32(mbr[446+12:], partSectors)
	mbr[510] = 0x55
	mbr[511] = 0xAA

	fsys, err := fat32.Format(offsetSectorIO{dev: dev, base: partStart}, partSectors, sectorSize, nil, 0)
	if err != nil {
		t.Fatalf("format fat32: %v", err)
	}
	if err := fsys.Mkdir("/ModuOS"); err != nil {
		t.Fatalf("mkdir /ModuOS: %v", err)
	}
	if err := fsys.Mkdir("/ModuOS/System64"); err != nil {
		t.Fatalf("mkdir /ModuOS/System64: %v", err)
	}
	if err := fsys.WriteFile("/ModuOS/System64/mdsys.sqr", []byte("mdsys"), vfs.OWrite|vfs.OCreate); err != nil {
		t.Fatalf("write marker: %v", err)
	}

	k, err := Boot(BootConfig{
		MemInfo: minimalMemInfo(),
		Backends: []BlockBackend{
			{Device: dev, Type: vdrive.TypeATA, Serial: "fake0"},
		},
	})
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}

	mount, ok := k.VFS.Mounts.Get(k.BootMount)
	if !ok {
		t.Fatal("Boot: boot mount slot not populated")
	}
	if mount.Type != vfs.MountFAT32 {
		t.Fatalf("mount.Type = %v, want fat32", mount.Type)
	}
	if mount.PartitionLBA != partStart || mount.PartitionIdx != 1 {
		t.Fatalf("mount at lba=%d idx=%d, want lba=%d idx=1", mount.PartitionLBA, mount.PartitionIdx, partStart)
	}
	if !k.VFS.FileExists(k.BootMount, "/ModuOS/System64/mdsys.sqr") {
		t.Fatal("marker file not visible through the boot mount")
	}
}
