// Package blockdev implements the typed block-device handle table sitting
// between vDrive and its backends: stateless get_info/read/write
// operations over a sector-addressable device, with handle 0 reserved as
// an invalid sentinel. Dynamic dispatch is a narrow Go interface rather
// than a C-style nullable function-pointer struct.
package blockdev

import (
	"github.com/moduos/moduos/internal/kerrors"
)

// Flag bits on Info.
const (
	FlagReadOnly  = 1 << 0
	FlagRemovable = 1 << 1
)

// Info describes a block device's geometry and capabilities.
type Info struct {
	SectorSize  uint32
	SectorCount uint64
	Flags       uint32
	Model       string
}

func (i Info) ReadOnly() bool { return i.Flags&FlagReadOnly != 0 }

// Device is the operation set a backend (ATA, SATA, ATAPI, or a SQRM
// DRIVE-type module) implements. It is intentionally stateless at this
// layer: every call carries the full request.
type Device interface {
	GetInfo() (Info, error)
	Read(lba uint64, count uint32, buf []byte) error
	Write(lba uint64, count uint32, buf []byte) error
}

// Handle identifies a registered device. Handle 0 is the invalid sentinel.
type Handle uint32

const InvalidHandle Handle = 0

type entry struct {
	dev  Device
	info Info
}

// Table is the kernel-wide block device handle table.
type Table struct {
	entries map[Handle]*entry
	next    Handle
}

// NewTable creates an empty handle table; handle allocation starts at 1 so
// 0 stays reserved.
func NewTable() *Table {
	return &Table{entries: make(map[Handle]*entry), next: 1}
}

// Register wraps dev in a new handle, caching its Info (re-fetched lazily
// is unnecessary: §4.F operations are stateless per call, but geometry is
// fixed for a device's lifetime).
func (t *Table) Register(dev Device) (Handle, error) {
	info, err := dev.GetInfo()
	if err != nil {
		return InvalidHandle, kerrors.Wrap(err, "blockdev: get_info on register")
	}
	if info.SectorSize == 0 {
		return InvalidHandle, kerrors.ErrInvalidArg
	}
	h := t.next
	t.next++
	t.entries[h] = &entry{dev: dev, info: info}
	return h, nil
}

// Unregister removes a handle. Safe to call on an already-removed or
// invalid handle (no-op).
func (t *Table) Unregister(h Handle) {
	delete(t.entries, h)
}

func (t *Table) lookup(h Handle) (*entry, error) {
	if h == InvalidHandle {
		return nil, kerrors.ErrInvalidHandle
	}
	e, ok := t.entries[h]
	if !ok {
		return nil, kerrors.ErrInvalidHandle
	}
	return e, nil
}

// GetInfo returns the cached geometry/capability info for h.
func (t *Table) GetInfo(h Handle) (Info, error) {
	e, err := t.lookup(h)
	if err != nil {
		return Info{}, err
	}
	return e.info, nil
}

// Read enforces the bounds contract and forwards to the backend:
// sector_size>0 (checked at register time), buf_sz >= count*sector_size,
// lba+count <= sector_count.
func (t *Table) Read(h Handle, lba uint64, count uint32, buf []byte) error {
	e, err := t.lookup(h)
	if err != nil {
		return err
	}
	if err := checkBounds(e.info, lba, count, buf); err != nil {
		return err
	}
	return e.dev.Read(lba, count, buf)
}

// Write enforces the same bounds contract plus the READONLY flag, which
// yields a dedicated EROFS-class error (kerrors.ErrReadOnly) rather than a
// generic I/O failure.
func (t *Table) Write(h Handle, lba uint64, count uint32, buf []byte) error {
	e, err := t.lookup(h)
	if err != nil {
		return err
	}
	if e.info.ReadOnly() {
		return kerrors.ErrReadOnly
	}
	if err := checkBounds(e.info, lba, count, buf); err != nil {
		return err
	}
	return e.dev.Write(lba, count, buf)
}

func checkBounds(info Info, lba uint64, count uint32, buf []byte) error {
	if info.SectorSize == 0 {
		return kerrors.ErrInvalidArg
	}
	need := uint64(count) * uint64(info.SectorSize)
	if uint64(len(buf)) < need {
		return kerrors.ErrInvalidArg
	}
	if lba+uint64(count) > info.SectorCount {
		return kerrors.ErrInvalidArg
	}
	return nil
}
