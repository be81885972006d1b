package paging

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/moduos/moduos/internal/pmm"
)

// Tests never run the real privileged primitives: bzero is a plain Go loop
// and INVLPG is a no-op.
func init() {
	bzeroFn = func(p unsafe.Pointer, n uintptr) {
		b := unsafe.Slice((*byte)(p), n)
		for i := range b {
			b[i] = 0
		}
	}
	invlpgFn = func(uint64) {}
}

// fakePhysMem backs a FrameAllocator with a real Go byte slice standing in
// for physical RAM, so table walks can dereference "physical" addresses
// during tests without a real MMU.
type fakePhysMem struct {
	mem  []byte
	next uint64
}

func newFakePhysMem(frames int) *fakePhysMem {
	return &fakePhysMem{mem: make([]byte, frames*pmm.PageSize)}
}

func (f *fakePhysMem) AllocFrame() (pmm.Frame, error) {
	addr := f.next
	f.next += pmm.PageSize
	if int(f.next) > len(f.mem) {
		return 0, errOOM
	}
	return pmm.FromAddr(addr), nil
}

func (f *fakePhysMem) FreeFrame(pmm.Frame) {}

func (f *fakePhysMem) toVirt(phys uint64) uintptr {
	return uintptr(unsafe.Pointer(&f.mem[phys]))
}

type fakeErr struct{ s string }

func (e *fakeErr) Error() string { return e.s }

var errOOM = &fakeErr{"fake out of memory"}

func TestMapPageRoundTripsVirtToPhys(t *testing.T) {
	fp := newFakePhysMem(64)
	m, err := NewMapper(fp, fp.toVirt)
	require.NoError(t, err)

	backing, err := fp.AllocFrame()
	require.NoError(t, err)

	const virt = uintptr(0x400000)
	require.NoError(t, m.MapPage(virt, backing, FlagWritable))

	phys, err := m.VirtToPhys(virt)
	require.NoError(t, err)
	require.Equal(t, backing.Addr(), phys)
}

func TestMapPageRefusesHeapWindow(t *testing.T) {
	fp := newFakePhysMem(16)
	m, err := NewMapper(fp, fp.toVirt)
	require.NoError(t, err)

	backing, err := fp.AllocFrame()
	require.NoError(t, err)

	err = m.MapPage(uintptr(HeapWindowBase+0x1000), backing, FlagWritable)
	require.Error(t, err)
}

func TestMapPageConflictRejected(t *testing.T) {
	fp := newFakePhysMem(16)
	m, err := NewMapper(fp, fp.toVirt)
	require.NoError(t, err)

	f1, _ := fp.AllocFrame()
	f2, _ := fp.AllocFrame()

	const virt = uintptr(0x800000)
	require.NoError(t, m.MapPage(virt, f1, FlagWritable))
	require.Error(t, m.MapPage(virt, f2, FlagWritable))
}

func TestUnmapPageThenVirtToPhysFails(t *testing.T) {
	fp := newFakePhysMem(16)
	m, err := NewMapper(fp, fp.toVirt)
	require.NoError(t, err)

	f1, _ := fp.AllocFrame()
	const virt = uintptr(0xC00000)
	require.NoError(t, m.MapPage(virt, f1, FlagWritable))
	require.NoError(t, m.UnmapPage(virt))

	_, err = m.VirtToPhys(virt)
	require.Error(t, err)
}
