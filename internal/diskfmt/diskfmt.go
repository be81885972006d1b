// Package diskfmt holds the on-disk primitives shared by more than one
// filesystem driver: the MBR partition table and
// sector-size/count math every block-addressed layer above
// internal/blockdev needs.
//
// The MBR struct is parsed with go-restruct: one struct, one Unpack
// call, byte-exact field order matching the on-disk layout.
package diskfmt

import (
	"encoding/binary"

	"github.com/go-restruct/restruct"

	"github.com/moduos/moduos/internal/kerrors"
)

// littleEndian is the byte order every on-disk structure in this repo
// uses.
var littleEndian = binary.LittleEndian

// SectorSize is the legacy 512-byte sector size MBR partitioning assumes.
const SectorSize = 512

// mbrSignature is the required 0x55AA trailer.
const mbrSignature = 0xAA55

// PartitionEntry is one of the four 16-byte MBR partition records at
// bytes 446..509 of LBA 0.
type PartitionEntry struct {
	Status     uint8
	CHSFirst   [3]uint8
	Type       uint8
	CHSLast    [3]uint8
	FirstLBA   uint32 `struct:"uint32,little"`
	SectorCount uint32 `struct:"uint32,little"`
}

// Valid reports whether this entry names a real partition; entries with
// type==0 or first_lba==0 are skipped.
func (p PartitionEntry) Valid() bool { return p.Type != 0 && p.FirstLBA != 0 }

// mbr is the raw 512-byte sector layout: 446 bytes of boot code (ignored),
// four partition entries, then the 0x55AA signature.
type mbr struct {
	BootCode   [446]byte
	Partitions [4]PartitionEntry
	Signature  uint16 `struct:"uint16,little"`
}

// ParseMBR parses a 512-byte LBA0 sector into up to four partition entries.
// It returns kerrors.ErrBadSignature if the trailing 0x55AA is missing.
func ParseMBR(sector []byte) ([4]PartitionEntry, error) {
	var m mbr
	if len(sector) < SectorSize {
		return m.Partitions, kerrors.ErrIO
	}
	if err := restruct.Unpack(sector[:SectorSize], littleEndian, &m); err != nil {
		return m.Partitions, kerrors.Wrap(err, "diskfmt: unpack mbr")
	}
	if m.Signature != mbrSignature {
		return m.Partitions, kerrors.ErrBadSignature
	}
	return m.Partitions, nil
}

// WritePartitionType overwrites the Type byte of partition index (1..4,
// in a raw LBA0 sector buffer and
// refreshes the signature, used by fat32.Format's auto-retype of freshly
// formatted volumes.
func WritePartitionType(sector []byte, index int, partType uint8) error {
	if index < 1 || index > 4 || len(sector) < SectorSize {
		return kerrors.ErrInvalidArg
	}
	off := 446 + (index-1)*16 + 4
	sector[off] = partType
	sector[510] = 0x55
	sector[511] = 0xAA
	return nil
}

// SectorsFor rounds byteCount up to a whole number of sectorSize sectors.
func SectorsFor(byteCount, sectorSize uint64) uint64 {
	if sectorSize == 0 {
		return 0
	}
	return (byteCount + sectorSize - 1) / sectorSize
}
