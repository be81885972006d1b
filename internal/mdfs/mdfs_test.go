package mdfs

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moduos/moduos/internal/kerrors"
)

const testTotalBlocks = 256 // 1 MiB volume

// memBlockDisk is an in-memory BlockIO backend for tests.
type memBlockDisk struct {
	data []byte
}

func newMemBlockDisk(blocks uint32) *memBlockDisk {
	return &memBlockDisk{data: make([]byte, uint64(blocks)*BlockSize)}
}

func (m *memBlockDisk) ReadBlock(n uint64, buf []byte) error {
	off := n * BlockSize
	copy(buf, m.data[off:off+BlockSize])
	return nil
}

func (m *memBlockDisk) WriteBlock(n uint64, buf []byte) error {
	off := n * BlockSize
	copy(m.data[off:off+BlockSize], buf[:BlockSize])
	return nil
}

func formatAndMount(t *testing.T) (*FS, *memBlockDisk) {
	t.Helper()
	disk := newMemBlockDisk(testTotalBlocks)
	_, err := Format(disk, testTotalBlocks)
	require.NoError(t, err)
	fsys, err := Mount(disk)
	require.NoError(t, err)
	return fsys, disk
}

func TestFormatAndMount_RootIsEmpty(t *testing.T) {
	fsys, _ := formatAndMount(t)
	entries, err := fsys.ReadDir("/")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMkdirUnlinkCycle(t *testing.T) {
	fsys, _ := formatAndMount(t)

	require.NoError(t, fsys.Mkdir("/a"))
	require.NoError(t, fsys.WriteFile("/a/x.txt", []byte("ok\n"), 0))

	entries, err := fsys.ReadDir("/a")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "x.txt", entries[0].Name)

	require.NoError(t, fsys.Unlink("/a/x.txt"))
	require.NoError(t, fsys.Rmdir("/a"))

	err = fsys.Rmdir("/a")
	assert.ErrorIs(t, err, kerrors.ErrNotFound)
}

func TestRmdir_RefusesNonEmpty(t *testing.T) {
	fsys, _ := formatAndMount(t)
	require.NoError(t, fsys.Mkdir("/a"))
	require.NoError(t, fsys.WriteFile("/a/f", []byte("x"), 0))
	require.Error(t, fsys.Rmdir("/a"))
}

func TestWriteReadRoundTrip(t *testing.T) {
	fsys, _ := formatAndMount(t)
	content := bytes.Repeat([]byte("q"), BlockSize*3+17) // spans multiple direct blocks
	require.NoError(t, fsys.WriteFile("/big.bin", content, 0))

	got, err := fsys.ReadFile("/big.bin")
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestOverwriteShrinksAndFreesBlocks(t *testing.T) {
	fsys, _ := formatAndMount(t)
	require.NoError(t, fsys.WriteFile("/f", bytes.Repeat([]byte("a"), BlockSize*2), 0))
	require.NoError(t, fsys.WriteFile("/f", []byte("short"), 0))

	got, err := fsys.ReadFile("/f")
	require.NoError(t, err)
	assert.Equal(t, []byte("short"), got)
}

func TestEntrySet_ChecksumMatchesAfterEncode(t *testing.T) {
	set := encodeEntrySet("hello.txt", 7, EntryTypeFile)
	w := walkDirBlock(append(set, make([]byte, BlockSize-len(set))...))
	require.Len(t, w.entries, 1)
	assert.Equal(t, "hello.txt", w.entries[0].Name)
	assert.Equal(t, uint32(7), w.entries[0].Inode)
}

func TestCorruption_FlippedNameByteRejectsChecksum(t *testing.T) {
	fsys, disk := formatAndMount(t)
	require.NoError(t, fsys.WriteFile("/victim.txt", []byte("data"), 0))

	root, err := fsys.readInode(rootInode)
	require.NoError(t, err)
	block := root.Direct[0]

	buf := make([]byte, BlockSize)
	require.NoError(t, disk.ReadBlock(uint64(block), buf))

	// Flip one bit in the name payload (first name record's rec_type byte
	// is at offset 32; its 31-byte UTF-8 payload starts at offset 33).
	buf[33] ^= 0x01
	require.NoError(t, disk.WriteBlock(uint64(block), buf))

	entries, err := fsys.ReadDir("/")
	require.NoError(t, err)
	assert.Empty(t, entries) // checksum rejected, entry no longer listed

	_, _, _, lookupErr := fsys.resolveEntry("/victim.txt")
	assert.Error(t, lookupErr)
}

func TestDirAddLookupRemove_Cycle(t *testing.T) {
	fsys, _ := formatAndMount(t)
	require.NoError(t, fsys.dirAdd(rootInode, "n", 42, EntryTypeFile))

	root, err := fsys.readInode(rootInode)
	require.NoError(t, err)
	e, ok, err := fsys.dirLookup(root, "n")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(42), e.Inode)

	require.NoError(t, fsys.dirRemove(rootInode, "n"))
	root, err = fsys.readInode(rootInode)
	require.NoError(t, err)
	_, ok, err = fsys.dirLookup(root, "n")
	require.NoError(t, err)
	assert.False(t, ok)
}
