// Package fat32 implements a full read/write FAT32 driver with LFN
// support: BPB parse, cluster chain traversal, long-filename directory
// entries, create/write/unlink/mkdir/rmdir.
//
// Cluster/sector bookkeeping works through a single-sector scratch
// buffer behind explicit method calls on a PartitionIO. The BPB struct itself uses go-restruct since it is
// parsed once per mount, not in a hot loop; directory entries and FAT
// table entries, the hot scan paths, are read with encoding/binary
// directly.
package fat32

import (
	"encoding/binary"

	"github.com/go-restruct/restruct"

	"github.com/moduos/moduos/internal/kerrors"
)

var le = binary.LittleEndian

// Attribute bits.
const (
	AttrReadOnly  = 1 << 0
	AttrHidden    = 1 << 1
	AttrSystem    = 1 << 2
	AttrVolumeID  = 1 << 3
	AttrDirectory = 1 << 4
	AttrArchive   = 1 << 5
	AttrLFN       = AttrReadOnly | AttrHidden | AttrSystem | AttrVolumeID // 0x0F
)

// EOC / cluster sentinels").
const (
	ClusterFirst  = 2
	ClusterEOCMin = 0x0FFFFFF8
	clusterMask   = 0x0FFFFFFF
)

// BPB is the BIOS Parameter Block fields this driver needs, parsed once at
// mount.
type BPB struct {
	JumpBoot        [3]byte
	OEMName         [8]byte
	BytesPerSector  uint16
	SectorsPerClust uint8
	ReservedSectors uint16
	NumFATs         uint8
	RootEntryCount  uint16 // 0 for FAT32
	TotalSectors16  uint16
	MediaType       uint8
	FATSize16       uint16 // 0 for FAT32
	SectorsPerTrack uint16
	NumHeads        uint16
	HiddenSectors   uint32
	TotalSectors32  uint32
	FATSize32       uint32
	ExtFlags        uint16
	FSVersion       uint16
	RootCluster     uint32
	FSInfoSector    uint16
	BackupBootSect  uint16
	Reserved        [12]byte
	DriveNumber     uint8
	Reserved1       uint8
	BootSignature   uint8
	VolumeID        uint32
	VolumeLabel     [11]byte
	FSType          [8]byte
}

const bpbSize = 90

// parseBPB unpacks the first bpbSize bytes of a boot sector.
func parseBPB(sector []byte) (BPB, error) {
	var b BPB
	if len(sector) < bpbSize {
		return b, kerrors.ErrIO
	}
	if err := restruct.Unpack(sector[:bpbSize], le, &b); err != nil {
		return b, kerrors.Wrap(err, "fat32: unpack bpb")
	}
	return b, nil
}

// validate applies the BPB sanity checks: nonzero BPS/SPC/FATs, SPC <=
// 128, root_cluster >= 2, cluster_size <= 64 KiB.
func (b BPB) validate() error {
	if b.BytesPerSector == 0 || b.SectorsPerClust == 0 || b.NumFATs == 0 {
		return kerrors.ErrBadBPB
	}
	if b.SectorsPerClust > 128 {
		return kerrors.ErrBadBPB
	}
	if b.RootCluster < 2 {
		return kerrors.ErrBadBPB
	}
	clusterSize := uint32(b.BytesPerSector) * uint32(b.SectorsPerClust)
	if clusterSize > 64*1024 {
		return kerrors.ErrBadBPB
	}
	switch b.BytesPerSector {
	case 512, 1024, 2048, 4096:
	default:
		return kerrors.ErrBadBPB
	}
	return nil
}

// fatSize returns the sectors-per-FAT value, preferring the FAT32 field.
func (b BPB) fatSize() uint32 {
	if b.FATSize32 != 0 {
		return b.FATSize32
	}
	return uint32(b.FATSize16)
}

// totalSectors returns the volume's total sector count, preferring the
// 32-bit field.
func (b BPB) totalSectors() uint32 {
	if b.TotalSectors32 != 0 {
		return b.TotalSectors32
	}
	return uint32(b.TotalSectors16)
}

// firstDataSector is where cluster 2 begins, relative to the partition.
func (b BPB) firstDataSector() uint32 {
	return uint32(b.ReservedSectors) + uint32(b.NumFATs)*b.fatSize()
}

// fsInfo mirrors spec supplement 3's FSInfo sector: the free-cluster hint
// consulted but not trusted blindly by cluster allocation.
type fsInfo struct {
	LeadSignature   uint32
	Reserved1       [480]byte
	StructSignature uint32
	FreeCount       uint32
	NextFree        uint32
	Reserved2       [12]byte
	TrailSignature  uint32
}

const (
	fsInfoLeadSig  = 0x41615252
	fsInfoStructSig = 0x61417272
	fsInfoSize     = 512
)

// packBPB serializes a BPB into the leading bytes of sector (used by
// Format to write a fresh boot sector).
func packBPB(sector []byte, b BPB) {
	raw, err := restruct.Pack(le, &b)
	if err != nil {
		// BPB is a fixed-layout struct of plain integers/arrays; Pack
		// cannot fail on it except from a programming error.
		panic(err)
	}
	copy(sector, raw)
}

// packFSInfo serializes an initialized FSInfo sector (used by Format).
func packFSInfo(freeCount, nextFree uint32) []byte {
	fi := fsInfo{
		LeadSignature: fsInfoLeadSig, StructSignature: fsInfoStructSig,
		FreeCount: freeCount, NextFree: nextFree, TrailSignature: 0xAA550000,
	}
	raw, err := restruct.Pack(le, &fi)
	if err != nil {
		panic(err)
	}
	return raw
}

func parseFSInfo(sector []byte) (fsInfo, bool) {
	var fi fsInfo
	if len(sector) < fsInfoSize {
		return fi, false
	}
	if err := restruct.Unpack(sector[:fsInfoSize], le, &fi); err != nil {
		return fi, false
	}
	if fi.LeadSignature != fsInfoLeadSig || fi.StructSignature != fsInfoStructSig {
		return fi, false
	}
	return fi, true
}
