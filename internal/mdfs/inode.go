package mdfs

import (
	"github.com/go-restruct/restruct"

	"github.com/moduos/moduos/internal/kerrors"
)

// Mode bits: file=0x8000, dir=0x4000.
const (
	ModeFile = 0x8000
	ModeDir  = 0x4000
)

const directBlocks = 12

// Inode is the fixed 256-byte on-disk inode record.
// Indirect1 is reserved for a future v3; files are limited to directBlocks *
// BlockSize bytes.
type Inode struct {
	Mode      uint32
	UID       uint32
	GID       uint32
	SizeBytes uint64
	LinkCount uint32
	Flags     uint32
	Direct    [directBlocks]uint32
	Indirect1 uint32
	Reserved  [176]byte
}

const inodeSize = 256
const inodesPerBlock = BlockSize / inodeSize
const maxInodes = inodesPerBlock * inodeTableBlocks // 128

// rootInode is the well-known inode number for "/".
const rootInode = 1

func packInode(i Inode) []byte {
	raw, err := restruct.Pack(le, &i)
	if err != nil {
		panic(err)
	}
	return raw
}

func parseInode(raw []byte) (Inode, error) {
	var i Inode
	if err := restruct.Unpack(raw, le, &i); err != nil {
		return i, kerrors.Wrap(err, "mdfs: unpack inode")
	}
	return i, nil
}

func (i Inode) IsDir() bool { return i.Mode&ModeDir != 0 }
