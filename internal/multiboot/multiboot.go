// Package multiboot parses the Multiboot2 information structure the
// bootloader hands the kernel in RBX at entry. The tag-walk idiom (a
// little-endian, fixed-header, size-prefixed record stream) follows the
// decoding style of u-root's pkg/multiboot, adapted from a v1,
// host-side-builds-the-header client to a v2, kernel-side-consumes-it
// reader: here we walk tags out of a live physical memory region instead
// of constructing one to hand to a loader.
package multiboot

import (
	"encoding/binary"
	"unsafe"
)

// Tag types (Multiboot2 spec section 3.4).
const (
	TagEnd             uint32 = 0
	TagCmdline         uint32 = 1
	TagBootLoaderName  uint32 = 2
	TagModule          uint32 = 3
	TagBasicMemInfo    uint32 = 4
	TagBootDev         uint32 = 5
	TagMemoryMap       uint32 = 6
	TagFramebuffer     uint32 = 8
	TagELFSections     uint32 = 9
	TagAPM             uint32 = 10
	TagEFI32           uint32 = 11
	TagEFI64           uint32 = 12
	TagSMBIOS          uint32 = 13
	TagACPIOld         uint32 = 14
	TagACPINew         uint32 = 15
	TagNetwork         uint32 = 16
	TagEFIMMap         uint32 = 17
	TagEFIBootNoExit   uint32 = 18
)

// MemoryMapEntry mirrors the Multiboot2 memory-map tag's per-entry record:
// the same { BaseAddr, Length, Type } triple u-root's MemoryMap struct
// decodes, minus the legacy v1 "Size" field (v2 carries entry_size in the
// tag header instead, once for the whole map).
type MemoryMapEntry struct {
	BaseAddr uint64
	Length   uint64
	Type     uint32
	Reserved uint32
}

// MemoryRegionType values (tag 6).
const (
	MemAvailable MemoryRegionType = 1
	MemReserved  MemoryRegionType = 2
	MemACPI      MemoryRegionType = 3
	MemNVS       MemoryRegionType = 4
	MemBadRAM    MemoryRegionType = 5
)

type MemoryRegionType uint32

// Module describes a Multiboot2 module tag (tag 3): a boot-time blob (e.g.
// an initial SQRM payload or the boot filesystem image) with a [start,end)
// physical range and a command-line string.
type Module struct {
	Start uint64
	End   uint64
	Cmd   string
}

// Framebuffer describes the Multiboot2 framebuffer tag (tag 8). ModuOS
// never draws into it (VGA/framebuffer console is an explicit Non-goal);
// it is recorded only so $/dev/graphics/video0 (§6) can report a mode
// descriptor without ModuOS owning a console renderer.
type Framebuffer struct {
	Addr   uint64
	Pitch  uint32
	Width  uint32
	Height uint32
	BPP    uint8
	Type   uint8
}

// Info is the parsed result of walking the whole Multiboot2 info buffer.
type Info struct {
	TotalSize   uint32
	CmdLine     string
	BootLoader  string
	MemoryMap   []MemoryMapEntry
	Modules     []Module
	Framebuffer *Framebuffer
	HasEFI32    bool
	HasEFI64    bool
	HasSMBIOS   bool
	SMBIOSMajor uint8
	SMBIOSMinor uint8
}

// header is the 8-byte Multiboot2 info-structure preamble: total_size
// followed by a reserved word.
type header struct {
	TotalSize uint32
	Reserved  uint32
}

// tagHeader is the 8-byte prefix shared by every tag: { Type, Size }. Size
// includes this header and is NOT rounded to the 8-byte tag alignment;
// callers must round up when advancing to the next tag, per spec.
type tagHeader struct {
	Type uint32
	Size uint32
}

const align = 8

func alignUp(n uint32) uint32 {
	return (n + align - 1) &^ (align - 1)
}

// Parse walks the Multiboot2 info structure at base, which the caller has
// already identity-mapped (boot performs the identity map of low RAM
// before Parse runs; see cmd/moduos's boot sequencing). It hands the
// 8-byte fixed header to ParseBytes, which reads total_size from it; tests
// skip the pointer path and call ParseBuffer on a byte slice.
func Parse(base unsafe.Pointer) (*Info, error) {
	buf := unsafe.Slice((*byte)(base), 8)
	return ParseBytes(buf, base)
}

// ParseBytes reads total_size from headerBytes (the 8-byte fixed header),
// re-slices base to that length and parses the result with ParseBuffer;
// Parse is a thin wrapper over it for the live info structure.
func ParseBytes(headerBytes []byte, base unsafe.Pointer) (*Info, error) {
	if len(headerBytes) < 8 {
		return nil, errShortBuffer
	}
	total := binary.LittleEndian.Uint32(headerBytes[0:4])
	full := unsafe.Slice((*byte)(base), total)
	return ParseBuffer(full)
}

var errShortBuffer = &parseError{"multiboot2 buffer shorter than header"}

type parseError struct{ msg string }

func (e *parseError) Error() string { return e.msg }

// ParseBuffer parses an already-sliced Multiboot2 info buffer. It is the
// core of Parse/ParseBytes and the entry point used directly by tests,
// which can build a buffer without touching unsafe.Pointer.
func ParseBuffer(buf []byte) (*Info, error) {
	if len(buf) < 8 {
		return nil, errShortBuffer
	}
	info := &Info{TotalSize: binary.LittleEndian.Uint32(buf[0:4])}

	off := uint32(8) // skip the 8-byte info-structure header
	total := uint32(len(buf))

	for off+8 <= total {
		typ := binary.LittleEndian.Uint32(buf[off : off+4])
		size := binary.LittleEndian.Uint32(buf[off+4 : off+8])
		if typ == TagEnd {
			break
		}
		if size < 8 || off+size > total {
			return nil, &parseError{"multiboot2 tag size out of range"}
		}
		body := buf[off+8 : off+size]
		switch typ {
		case TagCmdline:
			info.CmdLine = cString(body)
		case TagBootLoaderName:
			info.BootLoader = cString(body)
		case TagModule:
			if len(body) >= 8 {
				m := Module{
					Start: uint64(binary.LittleEndian.Uint32(body[0:4])),
					End:   uint64(binary.LittleEndian.Uint32(body[4:8])),
				}
				if len(body) > 8 {
					m.Cmd = cString(body[8:])
				}
				info.Modules = append(info.Modules, m)
			}
		case TagMemoryMap:
			if len(body) >= 8 {
				entrySize := binary.LittleEndian.Uint32(body[0:4])
				if entrySize >= 20 {
					for p := uint32(8); p+entrySize <= uint32(len(body)); p += entrySize {
						e := MemoryMapEntry{
							BaseAddr: binary.LittleEndian.Uint64(body[p : p+8]),
							Length:   binary.LittleEndian.Uint64(body[p+8 : p+16]),
							Type:     binary.LittleEndian.Uint32(body[p+16 : p+20]),
						}
						info.MemoryMap = append(info.MemoryMap, e)
					}
				}
			}
		case TagFramebuffer:
			if len(body) >= 15 {
				info.Framebuffer = &Framebuffer{
					Addr:   binary.LittleEndian.Uint64(body[0:8]),
					Pitch:  binary.LittleEndian.Uint32(body[8:12]),
					Width:  binary.LittleEndian.Uint32(body[12:16]),
					Height: binary.LittleEndian.Uint32(body[16:20]),
					BPP:    body[20],
					Type:   body[21],
				}
			}
		case TagEFI32:
			info.HasEFI32 = true
		case TagEFI64:
			info.HasEFI64 = true
		case TagSMBIOS:
			info.HasSMBIOS = true
			if len(body) >= 2 {
				info.SMBIOSMajor = body[0]
				info.SMBIOSMinor = body[1]
			}
		}
		off += alignUp(size)
	}
	return info, nil
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// VisitMemRegions calls fn for every usable (MemAvailable) region in the
// memory map, the enumeration entry point internal/pmm builds its frame
// pools from. fn returning false stops iteration early.
func (info *Info) VisitMemRegions(fn func(e *MemoryMapEntry) bool) {
	for i := range info.MemoryMap {
		if info.MemoryMap[i].Type != uint32(MemAvailable) {
			continue
		}
		if !fn(&info.MemoryMap[i]) {
			return
		}
	}
}
