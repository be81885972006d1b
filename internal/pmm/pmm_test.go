package pmm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/moduos/moduos/internal/multiboot"
)

// Tests never execute a real CLI/STI pair.
func init() {
	saveFlagsCliFn = func() uint64 { return 0 }
	restoreFlagsFn = func(uint64) {}
}

func newTestInfo() *multiboot.Info {
	return &multiboot.Info{
		MemoryMap: []multiboot.MemoryMapEntry{
			{BaseAddr: 0, Length: 16 * 1024 * 1024, Type: uint32(multiboot.MemAvailable)},
			{BaseAddr: 32 * 1024 * 1024, Length: 16 * 1024 * 1024, Type: uint32(multiboot.MemAvailable)},
			{BaseAddr: 48 * 1024 * 1024, Length: 1024 * 1024, Type: uint32(multiboot.MemReserved)},
		},
	}
}

func TestAllocFrameNeverReturnsUsedFrame(t *testing.T) {
	a := New(newTestInfo(), nil)

	seen := make(map[Frame]bool)
	for i := 0; i < 100; i++ {
		f, err := a.AllocFrame()
		require.NoError(t, err)
		require.False(t, seen[f], "frame %d allocated twice", f)
		seen[f] = true
	}
}

func TestFreeFrameMakesItAllocatableAgain(t *testing.T) {
	a := New(newTestInfo(), nil)
	f, err := a.AllocFrame()
	require.NoError(t, err)

	before := a.FreeFrames()
	a.FreeFrame(f)
	require.Equal(t, before+1, a.FreeFrames())

	f2, err := a.AllocFrame()
	require.NoError(t, err)
	require.Equal(t, f, f2, "first-fit should return the just-freed lowest frame")
}

func TestReservedRegionsAreNeverAllocated(t *testing.T) {
	reserved := []Region{{StartAddr: 0, EndAddr: 8 * 1024 * 1024}}
	a := New(newTestInfo(), reserved)

	for i := 0; i < int(a.TotalFrames()); i++ {
		f, err := a.AllocFrame()
		if err != nil {
			break
		}
		require.False(t, f.Addr() < 8*1024*1024, "allocated reserved frame %#x", f.Addr())
	}
}

func TestOutOfFramesFailsClosed(t *testing.T) {
	info := &multiboot.Info{MemoryMap: []multiboot.MemoryMapEntry{
		{BaseAddr: lowMemoryGuard, Length: PageSize, Type: uint32(multiboot.MemAvailable)},
	}}
	a := New(info, nil)

	_, err := a.AllocFrame()
	require.NoError(t, err)
	_, err = a.AllocFrame()
	require.Error(t, err)
}

func TestLowMemoryGuardExcluded(t *testing.T) {
	info := &multiboot.Info{MemoryMap: []multiboot.MemoryMapEntry{
		{BaseAddr: 0, Length: lowMemoryGuard, Type: uint32(multiboot.MemAvailable)},
	}}
	a := New(info, nil)
	require.Equal(t, uint64(0), a.TotalFrames())
}
