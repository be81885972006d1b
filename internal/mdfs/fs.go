// Mount, mkfs, and the inode/block/inode-bitmap bookkeeping beneath the
// directory operations in ops.go.
package mdfs

import "github.com/moduos/moduos/internal/kerrors"

// FS is one mounted MDFS v2 volume, implementing internal/vfs.FS.
type FS struct {
	io BlockIO
	sb Superblock
}

// Mount reads the superblock at block 1, falling back to the backup at
// block 2 if the primary fails validation.
func Mount(io BlockIO) (*FS, error) {
	primary := make([]byte, BlockSize)
	if err := io.ReadBlock(blockSuperblock, primary); err != nil {
		return nil, kerrors.Wrap(err, "mdfs: read superblock")
	}
	sb, err := parseSuperblock(primary)
	if err == nil && sb.validate() == nil {
		return &FS{io: io, sb: sb}, nil
	}

	backup := make([]byte, BlockSize)
	if berr := io.ReadBlock(blockBackupSuperblock, backup); berr != nil {
		return nil, kerrors.Wrap(berr, "mdfs: read backup superblock")
	}
	bsb, berr := parseSuperblock(backup)
	if berr != nil || bsb.validate() != nil {
		return nil, kerrors.ErrCorrupt
	}
	return &FS{io: io, sb: bsb}, nil
}

// Format lays down a fresh MDFS v2 volume spanning totalBlocks: superblock + backup, zeroed bitmaps with the metadata and
// root-directory blocks marked reserved, an empty root directory, and a
// root inode (1, mode 0x4000).
func Format(io BlockIO, totalBlocks uint32) (*FS, error) {
	sb := Superblock{
		Magic: mdfsMagic, Version: mdfsVersion, BlockSize: BlockSize,
		TotalBlocks: totalBlocks, InodeCount: maxInodes,
		FreeBlocks: totalBlocks - blockDataStart - 1,
		FreeInodes: maxInodes - 1,
		RootInode:  rootInode,
	}
	fsys := &FS{io: io, sb: sb}

	blockBitmap := make([]byte, BlockSize)
	for b := uint32(0); b <= blockDataStart; b++ {
		bitmapSet(blockBitmap, b)
	}
	if err := io.WriteBlock(blockBlockBitmap, blockBitmap); err != nil {
		return nil, err
	}

	inodeBitmap := make([]byte, BlockSize)
	bitmapSet(inodeBitmap, rootInode-1)
	if err := io.WriteBlock(blockInodeBitmap, inodeBitmap); err != nil {
		return nil, err
	}

	for b := uint32(0); b < inodeTableBlocks; b++ {
		if err := io.WriteBlock(uint64(blockInodeTableStart+b), make([]byte, BlockSize)); err != nil {
			return nil, err
		}
	}
	root := Inode{Mode: ModeDir, LinkCount: 2, SizeBytes: BlockSize}
	root.Direct[0] = blockDataStart
	if err := fsys.writeInode(rootInode, root); err != nil {
		return nil, err
	}

	if err := io.WriteBlock(blockDataStart, make([]byte, BlockSize)); err != nil {
		return nil, err
	}

	if err := fsys.flushSuperblock(); err != nil {
		return nil, err
	}
	return fsys, nil
}

func (fsys *FS) flushSuperblock() error {
	fsys.sb.Checksum = 0
	fsys.sb.Checksum = fsys.sb.computeChecksum()
	raw := packSuperblock(fsys.sb)
	if err := fsys.io.WriteBlock(blockSuperblock, raw); err != nil {
		return err
	}
	return fsys.io.WriteBlock(blockBackupSuperblock, raw)
}

func (fsys *FS) inodeLocation(num uint32) (block uint64, offset int) {
	idx := num - 1
	block = uint64(blockInodeTableStart) + uint64(idx/inodesPerBlock)
	offset = int(idx%inodesPerBlock) * inodeSize
	return
}

func (fsys *FS) readInode(num uint32) (Inode, error) {
	if num < 1 || num > maxInodes {
		return Inode{}, kerrors.ErrInvalidArg
	}
	block, off := fsys.inodeLocation(num)
	buf := make([]byte, BlockSize)
	if err := fsys.io.ReadBlock(block, buf); err != nil {
		return Inode{}, err
	}
	return parseInode(buf[off : off+inodeSize])
}

func (fsys *FS) writeInode(num uint32, inode Inode) error {
	block, off := fsys.inodeLocation(num)
	buf := make([]byte, BlockSize)
	if err := fsys.io.ReadBlock(block, buf); err != nil {
		return err
	}
	copy(buf[off:off+inodeSize], packInode(inode))
	return fsys.io.WriteBlock(block, buf)
}

func (fsys *FS) allocInode() (uint32, error) {
	bitmap := make([]byte, BlockSize)
	if err := fsys.io.ReadBlock(blockInodeBitmap, bitmap); err != nil {
		return 0, err
	}
	idx, ok := bitmapAlloc(bitmap, 0)
	if !ok || idx >= maxInodes {
		return 0, kerrors.ErrOutOfHeap
	}
	if err := fsys.io.WriteBlock(blockInodeBitmap, bitmap); err != nil {
		return 0, err
	}
	fsys.sb.FreeInodes--
	return idx + 1, fsys.flushSuperblock()
}

func (fsys *FS) freeInode(num uint32) error {
	bitmap := make([]byte, BlockSize)
	if err := fsys.io.ReadBlock(blockInodeBitmap, bitmap); err != nil {
		return err
	}
	bitmapClear(bitmap, num-1)
	if err := fsys.io.WriteBlock(blockInodeBitmap, bitmap); err != nil {
		return err
	}
	fsys.sb.FreeInodes++
	return fsys.flushSuperblock()
}

func (fsys *FS) allocBlock() (uint32, error) {
	bitmap := make([]byte, BlockSize)
	if err := fsys.io.ReadBlock(blockBlockBitmap, bitmap); err != nil {
		return 0, err
	}
	idx, ok := bitmapAlloc(bitmap, blockDataStart)
	if !ok || idx >= fsys.sb.TotalBlocks {
		return 0, kerrors.ErrOutOfHeap
	}
	if err := fsys.io.WriteBlock(blockBlockBitmap, bitmap); err != nil {
		return 0, err
	}
	fsys.sb.FreeBlocks--
	if err := fsys.flushSuperblock(); err != nil {
		return 0, err
	}
	if err := fsys.io.WriteBlock(uint64(idx), make([]byte, BlockSize)); err != nil {
		return 0, err
	}
	return idx, nil
}

func (fsys *FS) freeBlock(n uint32) error {
	bitmap := make([]byte, BlockSize)
	if err := fsys.io.ReadBlock(blockBlockBitmap, bitmap); err != nil {
		return err
	}
	bitmapClear(bitmap, n)
	if err := fsys.io.WriteBlock(blockBlockBitmap, bitmap); err != nil {
		return err
	}
	fsys.sb.FreeBlocks++
	return fsys.flushSuperblock()
}
