package vdrive_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/moduos/moduos/internal/blockdev"
	"github.com/moduos/moduos/internal/diskfmt"
	"github.com/moduos/moduos/internal/vdrive"
)

type memDevice struct {
	info  blockdev.Info
	bytes []byte
}

func (m *memDevice) GetInfo() (blockdev.Info, error) { return m.info, nil }
func (m *memDevice) Read(lba uint64, count uint32, buf []byte) error {
	off := lba * uint64(m.info.SectorSize)
	copy(buf, m.bytes[off:off+uint64(count)*uint64(m.info.SectorSize)])
	return nil
}
func (m *memDevice) Write(lba uint64, count uint32, buf []byte) error {
	off := lba * uint64(m.info.SectorSize)
	copy(m.bytes[off:off+uint64(count)*uint64(m.info.SectorSize)], buf)
	return nil
}

func diskWithPartition() *memDevice {
	bytes := make([]byte, 4096*512)
	entry := diskfmt.PartitionEntry{Type: 0x0C, FirstLBA: 2048, SectorCount: 2048}
	off := 446
	bytes[off+4] = entry.Type
	bytes[off+8] = byte(entry.FirstLBA)
	bytes[off+9] = byte(entry.FirstLBA >> 8)
	bytes[off+10] = byte(entry.FirstLBA >> 16)
	bytes[off+11] = byte(entry.FirstLBA >> 24)
	bytes[off+12] = byte(entry.SectorCount)
	bytes[510] = 0x55
	bytes[511] = 0xAA
	return &memDevice{info: blockdev.Info{SectorSize: 512, SectorCount: 4096, Model: "test-disk"}, bytes: bytes}
}

func TestEnumerateParsesPartitions(t *testing.T) {
	m := vdrive.NewManager(blockdev.NewTable())
	d, err := m.Enumerate(diskWithPartition(), vdrive.TypeATA, "serial-1")
	require.NoError(t, err)
	require.Equal(t, 0, d.ID)
	require.Len(t, d.Partitions, 1)
	require.Equal(t, uint8(0x0C), d.Partitions[0].Type)
	require.Equal(t, uint64(2048), d.Partitions[0].FirstLBA)
}

func TestEnumerateAssignsContiguousIDs(t *testing.T) {
	m := vdrive.NewManager(blockdev.NewTable())
	d1, err := m.Enumerate(diskWithPartition(), vdrive.TypeATA, "a")
	require.NoError(t, err)
	d2, err := m.Enumerate(diskWithPartition(), vdrive.TypeSATA, "b")
	require.NoError(t, err)
	require.Equal(t, 0, d1.ID)
	require.Equal(t, 1, d2.ID)
}

func TestATAPIMarkedReadOnlyOptical(t *testing.T) {
	m := vdrive.NewManager(blockdev.NewTable())
	dev := &memDevice{info: blockdev.Info{SectorSize: 2048, SectorCount: 100, Model: "optical"}}
	d, err := m.Enumerate(dev, vdrive.TypeATAPI, "cd1")
	require.NoError(t, err)
	require.True(t, d.Features&vdrive.FeatureReadOnly != 0)
	require.True(t, d.Features&vdrive.FeatureOptical != 0)
	require.Empty(t, d.Partitions) // no partitioning attempted on non-512B devices
}

func TestReadWriteRoutesByID(t *testing.T) {
	m := vdrive.NewManager(blockdev.NewTable())
	_, err := m.Enumerate(diskWithPartition(), vdrive.TypeATA, "a")
	require.NoError(t, err)

	data := make([]byte, 512)
	data[0] = 0x42
	require.NoError(t, m.Write(0, 100, 1, data))

	out := make([]byte, 512)
	require.NoError(t, m.Read(0, 100, 1, out))
	require.Equal(t, data, out)

	stats := m.Lookup(0).StatsSnapshot()
	require.Equal(t, uint64(1), stats.Writes)
	require.True(t, stats.Reads >= uint64(1))
}

func TestModelSlug(t *testing.T) {
	require.Equal(t, "QEMU-HARDDISK", vdrive.ModelSlug("QEMU HARDDISK"))
	require.Equal(t, "WDC-WD10EZEX", vdrive.ModelSlug("WDC WD10EZEX!"))
	require.Equal(t, "", vdrive.ModelSlug("***"))
}
