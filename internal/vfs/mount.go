// Mount table: up to 26 slots naming active filesystem mounts (spec
// §3/§4.H). Slot 0 is the boot slot and is never unmounted implicitly.
package vfs

import (
	"github.com/moduos/moduos/internal/kerrors"
)

// MaxMounts is the mount-slot namespace size.
const MaxMounts = 26

// BootSlot is the always-mounted boot filesystem slot.
const BootSlot = 0

// MountType names which driver backs a slot.
type MountType int

const (
	MountFAT32 MountType = iota
	MountMDFS
	MountISO9660
	MountExternal
)

func (t MountType) String() string {
	switch t {
	case MountFAT32:
		return "fat32"
	case MountMDFS:
		return "mdfs"
	case MountISO9660:
		return "iso9660"
	case MountExternal:
		return "external"
	default:
		return "unknown"
	}
}

// DirEntry is one filesystem-neutral directory listing row.
type DirEntry struct {
	Name  string
	IsDir bool
	Size  uint64
}

// FS is the operation set any mountable filesystem driver implements
// (FAT32, MDFS, or a SQRM-registered external driver). HVFS's whole-file
// read caching is built on top of ReadFile/WriteFile rather
// than a streaming read, keeping a "borrow, don't leak" discipline: a
// driver's directory scanners never hand back a
// pointer into their own block buffers past this call.
type FS interface {
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte, flags OpenFlag) error
	Stat(path string) (DirEntry, error)
	ReadDir(path string) ([]DirEntry, error)
	Mkdir(path string) error
	Rmdir(path string) error
	Unlink(path string) error
}

// Mount is one occupied slot in the mount table.
type Mount struct {
	Type          MountType
	FS            FS
	VDriveID      int
	PartitionLBA  uint64
	PartitionIdx  int
	InUse         bool
}

// MountTable is the 26-slot mount namespace.
type MountTable struct {
	slots [MaxMounts]Mount
}

// NewMountTable creates an empty mount table.
func NewMountTable() *MountTable { return &MountTable{} }

// Mount installs fs into the first free slot, refusing a duplicate
// (vdrive_id, partition_lba) pair: at most one active mount exists for a
// given pair.
func (mt *MountTable) Mount(typ MountType, fs FS, vdriveID int, partitionLBA uint64, partitionIdx int) (int, error) {
	for i := range mt.slots {
		s := &mt.slots[i]
		if s.InUse && s.VDriveID == vdriveID && s.PartitionLBA == partitionLBA {
			return 0, kerrors.ErrExists
		}
	}
	for i := range mt.slots {
		if !mt.slots[i].InUse {
			mt.slots[i] = Mount{
				Type: typ, FS: fs, VDriveID: vdriveID,
				PartitionLBA: partitionLBA, PartitionIdx: partitionIdx, InUse: true,
			}
			return i, nil
		}
	}
	return 0, kerrors.ErrInvalidArg
}

// Unmount frees slot, refusing the boot slot; even an explicit call is
// refused here, since nothing in this repo's scope ever wants to tear down the boot
// filesystem out from under running processes).
func (mt *MountTable) Unmount(slot int) error {
	if slot == BootSlot {
		return kerrors.ErrPerm
	}
	if slot < 0 || slot >= MaxMounts || !mt.slots[slot].InUse {
		return kerrors.ErrInvalidHandle
	}
	mt.slots[slot] = Mount{}
	return nil
}

// Get returns the mount at slot, or false if unoccupied.
func (mt *MountTable) Get(slot int) (Mount, bool) {
	if slot < 0 || slot >= MaxMounts || !mt.slots[slot].InUse {
		return Mount{}, false
	}
	return mt.slots[slot], true
}

// Slots returns every occupied slot's index, for $/mnt enumeration.
func (mt *MountTable) Slots() []int {
	var out []int
	for i := range mt.slots {
		if mt.slots[i].InUse {
			out = append(out, i)
		}
	}
	return out
}
