// Filesystem probing for the mount policy: fs_mount_drive
// tries FAT32 first, then MDFS, then each registered external FS probe;
// no ISO9660 prober exists. The native drivers are registered at boot in
// that order; SQRM FS modules
// append their probes afterward, so the chain's registration order IS the
// probe order.
package vfs

import "github.com/moduos/moduos/internal/kerrors"

// MountUnknown asks MountDrive to try every registered prober in order.
const MountUnknown MountType = -1

// Prober recognizes one filesystem type on a (vdrive, partition) pair.
// Probe returns a mounted driver handle or an error; a probe error is not
// fatal; MountDrive just moves on to the next prober in the chain.
type Prober struct {
	Type  MountType
	Probe func(vdriveID int, partitionLBA uint64) (FS, error)
}

// PartitionRef names one parsed MBR partition of an enumerated vdrive.
// Index is the MBR slot (1..4); 0 means the raw unpartitioned device.
type PartitionRef struct {
	Index    int
	FirstLBA uint64
}

// DriveSource is internal/vdrive's partition-table surface, injected like
// DevResolver so this package never imports internal/vdrive.
type DriveSource interface {
	Partitions(vdriveID int) ([]PartitionRef, bool)
}

// RegisterProber appends p to the probe chain.
func (v *VFS) RegisterProber(p Prober) { v.probers = append(v.probers, p) }

// SetDriveSource installs the partition-table lookup MountDrive consults
// when called with partitionLBA == 0.
func (v *VFS) SetDriveSource(ds DriveSource) { v.drives = ds }

// MountDrive implements fs_mount_drive: probe the named
// vdrive/partition with each registered prober, installing the first
// filesystem that mounts into the mount table and returning its slot.
// partitionLBA == 0 defers to the drive's partition table: every parsed
// partition is probed in order, or the raw device when the drive carries
// none. want restricts the chain to one driver; MountUnknown tries all.
func (v *VFS) MountDrive(vdriveID int, partitionLBA uint64, want MountType) (int, error) {
	candidates := []PartitionRef{{Index: 0, FirstLBA: partitionLBA}}
	if v.drives != nil {
		parts, ok := v.drives.Partitions(vdriveID)
		if !ok {
			return 0, kerrors.ErrNotFound
		}
		if partitionLBA == 0 {
			if len(parts) > 0 {
				candidates = parts
			}
		} else {
			for _, p := range parts {
				if p.FirstLBA == partitionLBA {
					candidates[0].Index = p.Index
					break
				}
			}
		}
	}
	for _, c := range candidates {
		for _, p := range v.probers {
			if want != MountUnknown && p.Type != want {
				continue
			}
			fs, err := p.Probe(vdriveID, c.FirstLBA)
			if err != nil {
				continue
			}
			return v.Mounts.Mount(p.Type, fs, vdriveID, c.FirstLBA, c.Index)
		}
	}
	return 0, kerrors.ErrBadSignature
}
