// Package devfs synthesizes the $/dev pseudo-namespace:
// input character streams (kbd0, event0), the read-only video0 mode
// descriptor, and generic block-device nodes, all implementing
// internal/vfs.DevDevice so the FD table can route ordinary read()/write()
// syscalls to them without special-casing DEVFS above the FD layer.
package devfs

import (
	"encoding/binary"
	"strings"

	"github.com/moduos/moduos/internal/kerrors"
	"github.com/moduos/moduos/internal/vfs"
)

// EventType names an input event kind.
type EventType uint32

const (
	EventKeyPressed EventType = iota
	EventKeyReleased
)

// Event is one 16-byte event0 record: type, key code, value, reserved.
type Event struct {
	Type     EventType
	Code     uint32
	Value    uint32
	Reserved uint32
}

const eventSize = 16

func (e Event) marshal() []byte {
	buf := make([]byte, eventSize)
	binary.LittleEndian.PutUint32(buf[0:], uint32(e.Type))
	binary.LittleEndian.PutUint32(buf[4:], e.Code)
	binary.LittleEndian.PutUint32(buf[8:], e.Value)
	binary.LittleEndian.PutUint32(buf[12:], e.Reserved)
	return buf
}

// VideoInfo is video0's packed payload: "u64 fb_addr; u32 width;
// u32 height; u32 pitch; u8 bpp; u8 mode; u8 fmt; u8 reserved;".
type VideoInfo struct {
	FBAddr uint64
	Width  uint32
	Height uint32
	Pitch  uint32
	BPP    uint8
	Mode   uint8
	Format uint8
}

const videoInfoSize = 24

func (v VideoInfo) marshal() []byte {
	buf := make([]byte, videoInfoSize)
	binary.LittleEndian.PutUint64(buf[0:], v.FBAddr)
	binary.LittleEndian.PutUint32(buf[8:], v.Width)
	binary.LittleEndian.PutUint32(buf[12:], v.Height)
	binary.LittleEndian.PutUint32(buf[16:], v.Pitch)
	buf[20] = v.BPP
	buf[21] = v.Mode
	buf[22] = v.Format
	buf[23] = 0
	return buf
}

// charDevice adapts a ring to internal/vfs.DevDevice, reading one byte at
// a time (kbd0's ASCII stream).
type charDevice struct{ r *ring }

func (d *charDevice) Read(buf []byte, nonblock bool) (int, error) {
	n := 0
	for n < len(buf) {
		b, ok := d.r.pop(nonblock || n > 0)
		if !ok {
			break
		}
		buf[n] = b
		n++
	}
	return n, nil
}

func (d *charDevice) Write(buf []byte) (int, error) { return 0, kerrors.ErrPerm }

// eventDevice adapts a ring to internal/vfs.DevDevice at Event-record
// granularity (event0).
type eventDevice struct{ r *ring }

func (d *eventDevice) Read(buf []byte, nonblock bool) (int, error) {
	if len(buf) < eventSize {
		return 0, kerrors.ErrInvalidArg
	}
	n := 0
	for n+eventSize <= len(buf) {
		raw, ok := popN(d.r, eventSize, nonblock || n > 0)
		if !ok {
			break
		}
		copy(buf[n:], raw)
		n += eventSize
	}
	return n, nil
}

func (d *eventDevice) Write(buf []byte) (int, error) { return 0, kerrors.ErrPerm }

func popN(r *ring, n int, nonblock bool) ([]byte, bool) {
	out := make([]byte, 0, n)
	for i := 0; i < n; i++ {
		b, ok := r.pop(nonblock && i == 0)
		if !ok {
			return nil, false
		}
		out = append(out, b)
	}
	return out, true
}

// videoDevice is a stateless read-only mode descriptor.
type videoDevice struct{ info VideoInfo }

func (d *videoDevice) Read(buf []byte, nonblock bool) (int, error) {
	payload := d.info.marshal()
	return copy(buf, payload), nil
}

func (d *videoDevice) Write(buf []byte) (int, error) { return 0, kerrors.ErrReadOnly }

// staticDevice serves a fixed payload on every read, for descriptor-only
// nodes with no streaming side.
type staticDevice struct{ payload []byte }

func (d *staticDevice) Read(buf []byte, nonblock bool) (int, error) {
	return copy(buf, d.payload), nil
}

func (d *staticDevice) Write(buf []byte) (int, error) { return 0, kerrors.ErrReadOnly }

// BlockNode exposes one vDrive/partition under $/dev as a named, read-only
// descriptor. Name matching is
// case-insensitive, same as the vDrive components under $/mnt.
type BlockNode struct {
	Name string
	Info vfs.DirEntry
}

// DevFS is the kernel-wide $/dev namespace singleton.
type DevFS struct {
	kbd0   *ring
	event0 *ring
	video  VideoInfo
	blocks []BlockNode
}

// New creates an empty DEVFS with the kbd0/event0 input rings allocated.
func New(video VideoInfo) *DevFS {
	return &DevFS{
		kbd0:   newRing(ringSize),
		event0: newRing(ringSize * eventSize),
		video:  video,
	}
}

// InjectKey is the IRQ-handler producer side: pushes one ASCII byte onto
// kbd0 and the matching Event onto event0.
func (d *DevFS) InjectKey(ascii byte, typ EventType) {
	d.kbd0.push(ascii)
	ev := Event{Type: typ, Code: uint32(ascii)}.marshal()
	for _, b := range ev {
		d.event0.push(b)
	}
}

// SetBlockNodes publishes the vDrive/partition set visible under
// $/dev/block (called after vdrive enumeration).
func (d *DevFS) SetBlockNodes(nodes []BlockNode) { d.blocks = nodes }

// Open implements internal/vfs.DevResolver.
func (d *DevFS) Open(path string, write bool) (vfs.DevDevice, error) {
	switch path {
	case "/input/kbd0":
		return &charDevice{r: d.kbd0}, nil
	case "/input/event0":
		return &eventDevice{r: d.event0}, nil
	case "/graphics/video0":
		if write {
			return nil, kerrors.ErrReadOnly
		}
		return &videoDevice{info: d.video}, nil
	}
	for _, n := range d.blocks {
		if strings.EqualFold(path, "/block/"+n.Name) {
			if write {
				return nil, kerrors.ErrReadOnly
			}
			payload := make([]byte, 8)
			binary.LittleEndian.PutUint64(payload, n.Info.Size)
			return &staticDevice{payload: payload}, nil
		}
	}
	return nil, kerrors.ErrNotFound
}

// ReadDir implements internal/vfs.DevResolver for $/dev's directory
// listings (top-level, "input", "graphics", "block").
func (d *DevFS) ReadDir(path string) ([]vfs.DirEntry, error) {
	switch path {
	case "/":
		return []vfs.DirEntry{
			{Name: "input", IsDir: true},
			{Name: "graphics", IsDir: true},
			{Name: "block", IsDir: true},
		}, nil
	case "/input":
		return []vfs.DirEntry{{Name: "kbd0"}, {Name: "event0"}}, nil
	case "/graphics":
		return []vfs.DirEntry{{Name: "video0"}}, nil
	case "/block":
		out := make([]vfs.DirEntry, 0, len(d.blocks))
		for _, n := range d.blocks {
			out = append(out, vfs.DirEntry{Name: n.Name})
		}
		return out, nil
	}
	return nil, kerrors.ErrNotFound
}
