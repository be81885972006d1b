// Directory operations (dir_add/dir_lookup/dir_remove), path walking, and
// the internal/vfs.FS methods built on top of them.
package mdfs

import (
	"strings"

	"github.com/moduos/moduos/internal/kerrors"
	"github.com/moduos/moduos/internal/vfs"
)

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// usedDirectBlocks counts the inode's allocated direct pointers.
func usedDirectBlocks(inode Inode) int {
	n := 0
	for _, b := range inode.Direct {
		if b == 0 {
			break
		}
		n++
	}
	return n
}

// dirList returns every live entry across a directory inode's data blocks.
func (fsys *FS) dirList(inode Inode) ([]dirEntry, error) {
	var out []dirEntry
	for _, blk := range inode.Direct {
		if blk == 0 {
			break
		}
		buf := make([]byte, BlockSize)
		if err := fsys.io.ReadBlock(uint64(blk), buf); err != nil {
			return nil, err
		}
		out = append(out, walkDirBlock(buf).entries...)
	}
	return out, nil
}

// dirLookup finds name among a directory inode's entries.
func (fsys *FS) dirLookup(inode Inode, name string) (dirEntry, bool, error) {
	entries, err := fsys.dirList(inode)
	if err != nil {
		return dirEntry{}, false, err
	}
	for _, e := range entries {
		if e.Name == name {
			return e, true, nil
		}
	}
	return dirEntry{}, false, nil
}

// dirAdd publishes a new entry set for name in parentNum's directory
//: reuses free space in an existing direct block when
// a run fits, otherwise allocates a new direct block (up to directBlocks).
func (fsys *FS) dirAdd(parentNum uint32, name string, childInode uint32, entryType byte) error {
	parent, err := fsys.readInode(parentNum)
	if err != nil {
		return err
	}
	needed := neededRecords(name)

	for _, blk := range parent.Direct {
		if blk == 0 {
			break
		}
		buf := make([]byte, BlockSize)
		if err := fsys.io.ReadBlock(uint64(blk), buf); err != nil {
			return err
		}
		w := walkDirBlock(buf)
		if w.freeSlot+needed <= slotsPerBlock {
			set := encodeEntrySet(name, childInode, entryType)
			copy(buf[w.freeSlot*recordBytes:], set)
			return fsys.io.WriteBlock(uint64(blk), buf)
		}
	}

	used := usedDirectBlocks(parent)
	if used >= directBlocks {
		return kerrors.ErrOutOfHeap
	}
	newBlock, err := fsys.allocBlock()
	if err != nil {
		return err
	}
	buf := make([]byte, BlockSize)
	set := encodeEntrySet(name, childInode, entryType)
	copy(buf, set)
	if err := fsys.io.WriteBlock(uint64(newBlock), buf); err != nil {
		fsys.freeBlock(newBlock)
		return err
	}
	parent.Direct[used] = newBlock
	parent.SizeBytes += BlockSize
	return fsys.writeInode(parentNum, parent)
}

// dirRemove marks name's entry set DELETED in parentNum's directory (spec
// §4.J dir_remove).
func (fsys *FS) dirRemove(parentNum uint32, name string) error {
	parent, err := fsys.readInode(parentNum)
	if err != nil {
		return err
	}
	for _, blk := range parent.Direct {
		if blk == 0 {
			break
		}
		buf := make([]byte, BlockSize)
		if err := fsys.io.ReadBlock(uint64(blk), buf); err != nil {
			return err
		}
		w := walkDirBlock(buf)
		for _, e := range w.entries {
			if e.Name == name {
				markDeleted(buf, e.slot, e.recordCount)
				return fsys.io.WriteBlock(uint64(blk), buf)
			}
		}
	}
	return kerrors.ErrNotFound
}

// freeInodeBlocks releases every direct block an inode owns (used by
// Unlink/Rmdir).
func (fsys *FS) freeInodeBlocks(inode Inode) error {
	for _, blk := range inode.Direct {
		if blk == 0 {
			break
		}
		if err := fsys.freeBlock(blk); err != nil {
			return err
		}
	}
	return nil
}

// writeInodeContent replaces inode's entire data content, allocating or
// freeing direct blocks as needed. Files are limited to directBlocks *
// BlockSize bytes; indirect blocks are reserved for a future version.
func (fsys *FS) writeInodeContent(inode *Inode, data []byte) error {
	needed := 0
	if len(data) > 0 {
		needed = (len(data) + BlockSize - 1) / BlockSize
	}
	if needed > directBlocks {
		return kerrors.ErrInvalidArg
	}
	for i := needed; i < directBlocks; i++ {
		if inode.Direct[i] != 0 {
			if err := fsys.freeBlock(inode.Direct[i]); err != nil {
				return err
			}
			inode.Direct[i] = 0
		}
	}
	for i := 0; i < needed; i++ {
		if inode.Direct[i] == 0 {
			b, err := fsys.allocBlock()
			if err != nil {
				return err
			}
			inode.Direct[i] = b
		}
		lo, hi := i*BlockSize, (i+1)*BlockSize
		if hi > len(data) {
			hi = len(data)
		}
		chunk := make([]byte, BlockSize)
		copy(chunk, data[lo:hi])
		if err := fsys.io.WriteBlock(uint64(inode.Direct[i]), chunk); err != nil {
			return err
		}
	}
	inode.SizeBytes = uint64(len(data))
	return nil
}

func (fsys *FS) readInodeContent(inode Inode) ([]byte, error) {
	if inode.SizeBytes == 0 {
		return nil, nil
	}
	buf := make([]byte, 0, inode.SizeBytes)
	for _, blk := range inode.Direct {
		if blk == 0 {
			break
		}
		chunk := make([]byte, BlockSize)
		if err := fsys.io.ReadBlock(uint64(blk), chunk); err != nil {
			return nil, err
		}
		buf = append(buf, chunk...)
	}
	if uint64(len(buf)) > inode.SizeBytes {
		buf = buf[:inode.SizeBytes]
	}
	return buf, nil
}

// --- path walking -----------------------------------------------------

func (fsys *FS) resolveDirInode(path string) (uint32, error) {
	num := uint32(rootInode)
	for _, comp := range splitPath(path) {
		inode, err := fsys.readInode(num)
		if err != nil {
			return 0, err
		}
		e, ok, err := fsys.dirLookup(inode, comp)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, kerrors.ErrNotFound
		}
		if e.EntryType != EntryTypeDir {
			return 0, kerrors.ErrNotADirectory
		}
		num = e.Inode
	}
	return num, nil
}

func (fsys *FS) resolveEntry(path string) (dirEntry, uint32, string, error) {
	comps := splitPath(path)
	if len(comps) == 0 {
		return dirEntry{}, 0, "", kerrors.ErrInvalidArg
	}
	parentNum, err := fsys.resolveDirInode(strings.Join(comps[:len(comps)-1], "/"))
	if err != nil {
		return dirEntry{}, 0, "", err
	}
	parent, err := fsys.readInode(parentNum)
	if err != nil {
		return dirEntry{}, 0, "", err
	}
	last := comps[len(comps)-1]
	e, ok, err := fsys.dirLookup(parent, last)
	if err != nil {
		return dirEntry{}, parentNum, last, err
	}
	if !ok {
		return dirEntry{}, parentNum, last, kerrors.ErrNotFound
	}
	return e, parentNum, last, nil
}

func toDirEntry(e dirEntry, size uint64) vfs.DirEntry {
	return vfs.DirEntry{Name: e.Name, IsDir: e.EntryType == EntryTypeDir, Size: size}
}

// --- internal/vfs.FS ----------------------------------------------------

func (fsys *FS) Stat(path string) (vfs.DirEntry, error) {
	if path == "/" || path == "" {
		return vfs.DirEntry{Name: "/", IsDir: true}, nil
	}
	e, _, _, err := fsys.resolveEntry(path)
	if err != nil {
		return vfs.DirEntry{}, err
	}
	inode, err := fsys.readInode(e.Inode)
	if err != nil {
		return vfs.DirEntry{}, err
	}
	return toDirEntry(e, inode.SizeBytes), nil
}

func (fsys *FS) ReadDir(path string) ([]vfs.DirEntry, error) {
	num, err := fsys.resolveDirInode(path)
	if err != nil {
		return nil, err
	}
	inode, err := fsys.readInode(num)
	if err != nil {
		return nil, err
	}
	entries, err := fsys.dirList(inode)
	if err != nil {
		return nil, err
	}
	out := make([]vfs.DirEntry, len(entries))
	for i, e := range entries {
		childInode, err := fsys.readInode(e.Inode)
		if err != nil {
			return nil, err
		}
		out[i] = toDirEntry(e, childInode.SizeBytes)
	}
	return out, nil
}

func (fsys *FS) ReadFile(path string) ([]byte, error) {
	e, _, _, err := fsys.resolveEntry(path)
	if err != nil {
		return nil, err
	}
	if e.EntryType == EntryTypeDir {
		return nil, kerrors.ErrIsADirectory
	}
	inode, err := fsys.readInode(e.Inode)
	if err != nil {
		return nil, err
	}
	return fsys.readInodeContent(inode)
}

// WriteFile implements internal/vfs.FS: creates the inode+entry if absent,
// otherwise replaces the existing inode's content.
func (fsys *FS) WriteFile(path string, data []byte, flags vfs.OpenFlag) error {
	_ = flags
	existing, parentNum, name, err := fsys.resolveEntry(path)
	if err == nil {
		if existing.EntryType == EntryTypeDir {
			return kerrors.ErrIsADirectory
		}
		inode, rerr := fsys.readInode(existing.Inode)
		if rerr != nil {
			return rerr
		}
		if werr := fsys.writeInodeContent(&inode, data); werr != nil {
			return werr
		}
		return fsys.writeInode(existing.Inode, inode)
	}
	if err != kerrors.ErrNotFound {
		return err
	}

	newNum, err := fsys.allocInode()
	if err != nil {
		return err
	}
	inode := Inode{Mode: ModeFile, LinkCount: 1}
	if err := fsys.writeInodeContent(&inode, data); err != nil {
		fsys.freeInode(newNum)
		return err
	}
	if err := fsys.writeInode(newNum, inode); err != nil {
		fsys.freeInode(newNum)
		return err
	}
	if err := fsys.dirAdd(parentNum, name, newNum, EntryTypeFile); err != nil {
		fsys.freeInodeBlocks(inode)
		fsys.freeInode(newNum)
		return err
	}
	return nil
}

// Mkdir implements internal/vfs.FS: allocates an inode
// and a zeroed directory block, then dir_add's it into the parent.
// Idempotent on an existing directory.
func (fsys *FS) Mkdir(path string) error {
	if existing, _, _, err := fsys.resolveEntry(path); err == nil {
		if existing.EntryType == EntryTypeDir {
			return nil
		}
		return kerrors.ErrNotADirectory
	}

	comps := splitPath(path)
	if len(comps) == 0 {
		return kerrors.ErrInvalidArg
	}
	parentNum, err := fsys.resolveDirInode(strings.Join(comps[:len(comps)-1], "/"))
	if err != nil {
		return err
	}
	name := comps[len(comps)-1]

	newNum, err := fsys.allocInode()
	if err != nil {
		return err
	}
	block, err := fsys.allocBlock()
	if err != nil {
		fsys.freeInode(newNum)
		return err
	}
	inode := Inode{Mode: ModeDir, LinkCount: 2, SizeBytes: BlockSize}
	inode.Direct[0] = block
	if err := fsys.writeInode(newNum, inode); err != nil {
		fsys.freeBlock(block)
		fsys.freeInode(newNum)
		return err
	}
	if err := fsys.dirAdd(parentNum, name, newNum, EntryTypeDir); err != nil {
		fsys.freeBlock(block)
		fsys.freeInode(newNum)
		return err
	}
	return nil
}

// Rmdir implements internal/vfs.FS: refuses a directory with any live
// entry.
func (fsys *FS) Rmdir(path string) error {
	e, parentNum, name, err := fsys.resolveEntry(path)
	if err != nil {
		return err
	}
	if e.EntryType != EntryTypeDir {
		return kerrors.ErrNotADirectory
	}
	childInode, err := fsys.readInode(e.Inode)
	if err != nil {
		return err
	}
	entries, err := fsys.dirList(childInode)
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		return kerrors.ErrNotEmpty
	}
	if err := fsys.dirRemove(parentNum, name); err != nil {
		return err
	}
	if err := fsys.freeInodeBlocks(childInode); err != nil {
		return err
	}
	return fsys.freeInode(e.Inode)
}

// Unlink implements internal/vfs.FS.
func (fsys *FS) Unlink(path string) error {
	e, parentNum, name, err := fsys.resolveEntry(path)
	if err != nil {
		return err
	}
	if e.EntryType == EntryTypeDir {
		return kerrors.ErrIsADirectory
	}
	inode, err := fsys.readInode(e.Inode)
	if err != nil {
		return err
	}
	if err := fsys.dirRemove(parentNum, name); err != nil {
		return err
	}
	if err := fsys.freeInodeBlocks(inode); err != nil {
		return err
	}
	return fsys.freeInode(e.Inode)
}
