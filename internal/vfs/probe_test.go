package vfs_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/moduos/moduos/internal/kerrors"
	"github.com/moduos/moduos/internal/vfs"
)

// fakeDriveSource hands MountDrive a canned partition table per vdrive.
type fakeDriveSource map[int][]vfs.PartitionRef

func (s fakeDriveSource) Partitions(vdriveID int) ([]vfs.PartitionRef, bool) {
	parts, ok := s[vdriveID]
	return parts, ok
}

func refusingProber(typ vfs.MountType, hits *[]vfs.MountType) vfs.Prober {
	return vfs.Prober{Type: typ, Probe: func(int, uint64) (vfs.FS, error) {
		*hits = append(*hits, typ)
		return nil, kerrors.ErrBadSignature
	}}
}

func acceptingProber(typ vfs.MountType, hits *[]vfs.MountType) vfs.Prober {
	return vfs.Prober{Type: typ, Probe: func(int, uint64) (vfs.FS, error) {
		*hits = append(*hits, typ)
		return newFakeFS(), nil
	}}
}

func TestMountDrive_ProbesInRegistrationOrder(t *testing.T) {
	v := vfs.New()
	v.SetDriveSource(fakeDriveSource{0: nil})
	var hits []vfs.MountType
	v.RegisterProber(refusingProber(vfs.MountFAT32, &hits))
	v.RegisterProber(acceptingProber(vfs.MountMDFS, &hits))
	v.RegisterProber(acceptingProber(vfs.MountExternal, &hits))

	slot, err := v.MountDrive(0, 0, vfs.MountUnknown)
	require.NoError(t, err)
	require.GreaterOrEqual(t, slot, 0)
	// FAT32 refused, MDFS claimed it, the external prober was never asked.
	require.Equal(t, []vfs.MountType{vfs.MountFAT32, vfs.MountMDFS}, hits)

	m, ok := v.Mounts.Get(slot)
	require.True(t, ok)
	require.Equal(t, vfs.MountMDFS, m.Type)
}

func TestMountDrive_WantTypeSkipsOtherProbers(t *testing.T) {
	v := vfs.New()
	v.SetDriveSource(fakeDriveSource{0: nil})
	var hits []vfs.MountType
	v.RegisterProber(acceptingProber(vfs.MountFAT32, &hits))
	v.RegisterProber(acceptingProber(vfs.MountMDFS, &hits))

	_, err := v.MountDrive(0, 0, vfs.MountMDFS)
	require.NoError(t, err)
	require.Equal(t, []vfs.MountType{vfs.MountMDFS}, hits)
}

func TestMountDrive_ZeroLBAWalksPartitionTable(t *testing.T) {
	v := vfs.New()
	v.SetDriveSource(fakeDriveSource{
		0: {{Index: 1, FirstLBA: 2048}, {Index: 2, FirstLBA: 40960}},
	})
	// Only the second partition carries a recognizable filesystem.
	v.RegisterProber(vfs.Prober{Type: vfs.MountFAT32, Probe: func(_ int, lba uint64) (vfs.FS, error) {
		if lba != 40960 {
			return nil, kerrors.ErrBadSignature
		}
		return newFakeFS(), nil
	}})

	slot, err := v.MountDrive(0, 0, vfs.MountUnknown)
	require.NoError(t, err)
	m, ok := v.Mounts.Get(slot)
	require.True(t, ok)
	require.Equal(t, uint64(40960), m.PartitionLBA)
	require.Equal(t, 2, m.PartitionIdx)
}

func TestMountDrive_ExplicitLBARecoversPartitionIndex(t *testing.T) {
	v := vfs.New()
	v.SetDriveSource(fakeDriveSource{
		0: {{Index: 1, FirstLBA: 2048}},
	})
	var hits []vfs.MountType
	v.RegisterProber(acceptingProber(vfs.MountFAT32, &hits))

	slot, err := v.MountDrive(0, 2048, vfs.MountUnknown)
	require.NoError(t, err)
	m, ok := v.Mounts.Get(slot)
	require.True(t, ok)
	require.Equal(t, 1, m.PartitionIdx)
}

func TestMountDrive_UnknownDriveIsNotFound(t *testing.T) {
	v := vfs.New()
	v.SetDriveSource(fakeDriveSource{})
	var hits []vfs.MountType
	v.RegisterProber(acceptingProber(vfs.MountFAT32, &hits))

	_, err := v.MountDrive(7, 0, vfs.MountUnknown)
	require.ErrorIs(t, err, kerrors.ErrNotFound)
	require.Empty(t, hits)
}

func TestMountDrive_NoProberMatchesIsBadSignature(t *testing.T) {
	v := vfs.New()
	v.SetDriveSource(fakeDriveSource{0: nil})
	var hits []vfs.MountType
	v.RegisterProber(refusingProber(vfs.MountFAT32, &hits))

	_, err := v.MountDrive(0, 0, vfs.MountUnknown)
	require.ErrorIs(t, err, kerrors.ErrBadSignature)
}
