// Package vdrive implements the unified storage layer: it
// enumerates ATA/SATA/ATAPI backends exposed through internal/blockdev,
// assigns contiguous vdrive_ids, parses the MBR partition table on
// 512-byte devices, and routes sector reads/writes to the matching
// backend, retrying a SATAPI spin-up a bounded number of times.
//
// Per-drive accounting state lives here, in the typed Drive struct that
// wraps a blockdev.Handle, rather than in blockdev itself, which stays
// stateless.
package vdrive

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/moduos/moduos/internal/blockdev"
	"github.com/moduos/moduos/internal/diskfmt"
	"github.com/moduos/moduos/internal/kerrors"
	"github.com/moduos/moduos/internal/klog"
)

// Type names the physical transport a vDrive is layered over.
type Type int

const (
	TypeUnknown Type = iota
	TypeATA
	TypeSATA
	TypeATAPI
)

func (t Type) String() string {
	switch t {
	case TypeATA:
		return "ata"
	case TypeSATA:
		return "sata"
	case TypeATAPI:
		return "atapi"
	default:
		return "unknown"
	}
}

// Feature flags.
const (
	FeatureReadOnly = 1 << 0
	FeatureOptical  = 1 << 1
)

// Stats is the per-vDrive counter set exposed through the SSTATS syscall;
// $/mnt listing entries do not carry it.
type Stats struct {
	Reads, Writes, Errors uint64
}

// satapiSpinUpRetries/satapiSpinUpDelay: a fixed 3-attempt retry with a
// constant backoff on ErrDeviceNotReady, kept separate from the PIO
// read-timeout path which surfaces as ErrIO without retry.
const (
	satapiSpinUpRetries = 3
	satapiSpinUpDelay   = 20 * time.Millisecond
)

// sleepFn indirects the retry backoff so tests never actually sleep,
// the same mockable-primitive idiom used throughout this module.
var sleepFn = time.Sleep

// Partition describes one parsed MBR entry attached to a vDrive.
type Partition struct {
	Index    int // 1..4
	Type     uint8
	FirstLBA uint64
	Sectors  uint64
}

// Drive is one enumerated logical storage device.
type Drive struct {
	Present      bool
	ID           int
	Type         Type
	Handle       blockdev.Handle
	Model        string
	Serial       string
	TotalSectors uint64
	SectorSize   uint32
	Features     uint32
	Partitions   []Partition

	stats Stats
}

// Capacity is total_sectors*sector_size in bytes.
func (d *Drive) Capacity() uint64 { return d.TotalSectors * uint64(d.SectorSize) }

// String renders a boot-log banner line, matching the humanize-driven
// formatting internal/pmm.Stats uses.
func (d *Drive) String() string {
	return fmt.Sprintf("vDrive%d: %s %s %s (%d sectors x %d bytes)",
		d.ID, d.Type, d.Model, humanize.Bytes(d.Capacity()), d.TotalSectors, d.SectorSize)
}

// StatsSnapshot returns a copy of this drive's read/write/error counters.
func (d *Drive) StatsSnapshot() Stats { return d.stats }

// ModelSlug renders a drive model string as a stable device-node name
// component: spaces become '-', every other non-alphanumeric byte is
// dropped.
func ModelSlug(model string) string {
	out := make([]byte, 0, len(model))
	for i := 0; i < len(model); i++ {
		c := model[i]
		switch {
		case c == ' ':
			out = append(out, '-')
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			out = append(out, c)
		}
	}
	return string(out)
}

// Manager enumerates and routes to every known vDrive.
type Manager struct {
	blocks *blockdev.Table
	drives []*Drive
}

// NewManager creates an empty vDrive manager bound to the kernel's block
// device handle table.
func NewManager(blocks *blockdev.Table) *Manager {
	return &Manager{blocks: blocks}
}

// Enumerate wraps backend as a block device, assigns it the next
// contiguous vdrive_id, marks ATAPI (optical) media FeatureReadOnly|FeatureOptical,
// and parses its MBR if it is a 512-byte device.
func (m *Manager) Enumerate(backend blockdev.Device, typ Type, serial string) (*Drive, error) {
	h, err := m.blocks.Register(backend)
	if err != nil {
		return nil, kerrors.Wrap(err, "vdrive: register backend")
	}
	info, err := m.blocks.GetInfo(h)
	if err != nil {
		return nil, kerrors.Wrap(err, "vdrive: get_info")
	}

	d := &Drive{
		Present:      true,
		ID:           len(m.drives),
		Type:         typ,
		Handle:       h,
		Model:        info.Model,
		Serial:       serial,
		TotalSectors: info.SectorCount,
		SectorSize:   info.SectorSize,
	}
	if typ == TypeATAPI {
		d.Features |= FeatureReadOnly | FeatureOptical
	}

	if info.SectorSize == diskfmt.SectorSize {
		if err := m.parsePartitions(d); err != nil {
			klog.Warnf("vdrive%d: mbr parse failed: %v", d.ID, err)
		}
	}

	m.drives = append(m.drives, d)
	klog.Infof("%s", d.String())
	return d, nil
}

func (m *Manager) parsePartitions(d *Drive) error {
	sector := make([]byte, diskfmt.SectorSize)
	if err := m.readWithRetry(d, 0, 1, sector); err != nil {
		return err
	}
	entries, err := diskfmt.ParseMBR(sector)
	if err != nil {
		return err
	}
	for i, e := range entries {
		if !e.Valid() {
			continue
		}
		d.Partitions = append(d.Partitions, Partition{
			Index:    i + 1,
			Type:     e.Type,
			FirstLBA: uint64(e.FirstLBA),
			Sectors:  uint64(e.SectorCount),
		})
	}
	return nil
}

// Drives returns every enumerated vDrive, in assigned-id order.
func (m *Manager) Drives() []*Drive { return m.drives }

// Lookup returns the drive with the given vdrive_id, or nil.
func (m *Manager) Lookup(id int) *Drive {
	if id < 0 || id >= len(m.drives) {
		return nil
	}
	return m.drives[id]
}

// readWithRetry applies the SATAPI spin-up retry policy on
// top of a plain blockdev.Read: optical backends get bounded retries on
// ErrDeviceNotReady, everything else is a single attempt.
func (m *Manager) readWithRetry(d *Drive, lba uint64, count uint32, buf []byte) error {
	attempts := 1
	if d.Type == TypeATAPI {
		attempts = satapiSpinUpRetries
	}
	var err error
	for i := 0; i < attempts; i++ {
		err = m.blocks.Read(d.Handle, lba, count, buf)
		if err == nil {
			d.stats.Reads++
			return nil
		}
		if !kerrors.Is(err, kerrors.ErrDeviceNotReady) {
			break
		}
		klog.Warnf("vdrive%d: spin-up retry %d/%d", d.ID, i+1, attempts)
		sleepFn(satapiSpinUpDelay)
	}
	d.stats.Errors++
	return err
}

// Read reads count sectors starting at lba from vdrive id.
func (m *Manager) Read(id int, lba uint64, count uint32, buf []byte) error {
	d := m.Lookup(id)
	if d == nil {
		return kerrors.ErrInvalidHandle
	}
	return m.readWithRetry(d, lba, count, buf)
}

// Write writes count sectors starting at lba to vdrive id.
func (m *Manager) Write(id int, lba uint64, count uint32, buf []byte) error {
	d := m.Lookup(id)
	if d == nil {
		return kerrors.ErrInvalidHandle
	}
	if err := m.blocks.Write(d.Handle, lba, count, buf); err != nil {
		d.stats.Errors++
		return err
	}
	d.stats.Writes++
	return nil
}
