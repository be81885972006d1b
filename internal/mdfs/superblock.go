package mdfs

import (
	"hash/crc32"

	"github.com/go-restruct/restruct"

	"github.com/moduos/moduos/internal/kerrors"
)

const mdfsMagic = 0x4D444653 // "MDFS"
const mdfsVersion = 2

// Superblock occupies block 1 (and its identical copy, block 2) in full;
// Checksum is a CRC32 over the whole struct computed with this field
// zeroed. Parsed/written once per mount/mkfs, so it goes
// through restruct rather than encoding/binary, per the ambient-stack
// table's restruct-for-one-shot-records rule.
type Superblock struct {
	Magic       uint32
	Version     uint32
	BlockSize   uint32
	TotalBlocks uint32
	InodeCount  uint32
	FreeBlocks  uint32
	FreeInodes  uint32
	RootInode   uint32
	Checksum    uint32
	Reserved    [4060]byte
}

func packSuperblock(sb Superblock) []byte {
	raw, err := restruct.Pack(le, &sb)
	if err != nil {
		panic(err)
	}
	return raw
}

func parseSuperblock(block []byte) (Superblock, error) {
	var sb Superblock
	if err := restruct.Unpack(block, le, &sb); err != nil {
		return sb, kerrors.Wrap(err, "mdfs: unpack superblock")
	}
	return sb, nil
}

// computeChecksum is the CRC32 over the struct with Checksum zeroed.
func (sb Superblock) computeChecksum() uint32 {
	cp := sb
	cp.Checksum = 0
	raw, err := restruct.Pack(le, &cp)
	if err != nil {
		panic(err)
	}
	return crc32.ChecksumIEEE(raw)
}

// validate rejects a wrong magic/version/block size, and, when a
// checksum was actually saved, a corrupted superblock. "MDFS tolerates
// saved==0 (unchecksummed) for forward compatibility".
func (sb Superblock) validate() error {
	if sb.Magic != mdfsMagic {
		return kerrors.ErrBadSignature
	}
	if sb.Version != mdfsVersion {
		return kerrors.ErrCorrupt
	}
	if sb.BlockSize != BlockSize {
		return kerrors.ErrCorrupt
	}
	if sb.Checksum != 0 && sb.computeChecksum() != sb.Checksum {
		return kerrors.ErrCorrupt
	}
	return nil
}
