package diskfmt_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/moduos/moduos/internal/diskfmt"
	"github.com/moduos/moduos/internal/kerrors"
)

func buildSector(entries [4]diskfmt.PartitionEntry, signed bool) []byte {
	sector := make([]byte, diskfmt.SectorSize)
	for i, e := range entries {
		off := 446 + i*16
		sector[off+4] = e.Type
		sector[off+8] = byte(e.FirstLBA)
		sector[off+9] = byte(e.FirstLBA >> 8)
		sector[off+10] = byte(e.FirstLBA >> 16)
		sector[off+11] = byte(e.FirstLBA >> 24)
	}
	if signed {
		sector[510] = 0x55
		sector[511] = 0xAA
	}
	return sector
}

func TestParseMBR_RejectsBadSignature(t *testing.T) {
	sector := buildSector([4]diskfmt.PartitionEntry{}, false)
	_, err := diskfmt.ParseMBR(sector)
	require.ErrorIs(t, err, kerrors.ErrBadSignature)
}

func TestParseMBR_SkipsEmptyEntries(t *testing.T) {
	entries := [4]diskfmt.PartitionEntry{
		{Type: 0x0C, FirstLBA: 2048},
	}
	sector := buildSector(entries, true)
	parsed, err := diskfmt.ParseMBR(sector)
	require.NoError(t, err)
	require.True(t, parsed[0].Valid())
	require.Equal(t, uint32(2048), parsed[0].FirstLBA)
	require.False(t, parsed[1].Valid())
}

func TestWritePartitionType(t *testing.T) {
	entries := [4]diskfmt.PartitionEntry{{Type: 0x83, FirstLBA: 2048}}
	sector := buildSector(entries, true)
	require.NoError(t, diskfmt.WritePartitionType(sector, 1, 0x0C))
	parsed, err := diskfmt.ParseMBR(sector)
	require.NoError(t, err)
	require.Equal(t, uint8(0x0C), parsed[0].Type)
}

func TestSectorsFor(t *testing.T) {
	require.Equal(t, uint64(1), diskfmt.SectorsFor(1, 512))
	require.Equal(t, uint64(1), diskfmt.SectorsFor(512, 512))
	require.Equal(t, uint64(2), diskfmt.SectorsFor(513, 512))
}
