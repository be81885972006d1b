package kheap

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func newTestHeap(t *testing.T, size int) *Heap {
	t.Helper()
	h, err := New(make([]byte, size))
	require.NoError(t, err)
	return h
}

func TestAllocReturnsAlignedDistinctRegions(t *testing.T) {
	h := newTestHeap(t, 4096)

	a, err := h.Alloc(64)
	require.NoError(t, err)
	b, err := h.Alloc(64)
	require.NoError(t, err)

	require.NotEqual(t, a, b)
	require.Zero(t, uintptr(a)%Alignment)
	require.Zero(t, uintptr(b)%Alignment)
}

func TestAllocWritableRegionDoesNotOverlap(t *testing.T) {
	h := newTestHeap(t, 4096)

	a, err := h.Alloc(32)
	require.NoError(t, err)
	b, err := h.Alloc(32)
	require.NoError(t, err)

	abuf := unsafe.Slice((*byte)(a), 32)
	bbuf := unsafe.Slice((*byte)(b), 32)
	for i := range abuf {
		abuf[i] = 0xAA
	}
	for i := range bbuf {
		bbuf[i] = 0xBB
	}
	for i := range abuf {
		require.Equal(t, byte(0xAA), abuf[i])
	}
}

func TestFreeThenAllocReusesSpace(t *testing.T) {
	h := newTestHeap(t, 4096)

	a, err := h.Alloc(128)
	require.NoError(t, err)
	before := h.StatsSnapshot()
	require.Positive(t, before.UsedBytes)

	h.Free(a)
	afterFree := h.StatsSnapshot()
	require.Zero(t, afterFree.UsedBytes)

	_, err = h.Alloc(128)
	require.NoError(t, err)
}

func TestFreeCoalescesAdjacentSegments(t *testing.T) {
	h := newTestHeap(t, 4096)

	a, err := h.Alloc(64)
	require.NoError(t, err)
	b, err := h.Alloc(64)
	require.NoError(t, err)
	c, err := h.Alloc(64)
	require.NoError(t, err)

	h.Free(a)
	h.Free(c)
	h.Free(b)

	// With everything freed and coalesced back into one segment, a large
	// allocation that would never fit in any single original slice
	// should now succeed.
	_, err = h.Alloc(4000)
	require.NoError(t, err)
}

func TestAllocFailsClosedWhenExhausted(t *testing.T) {
	h := newTestHeap(t, 256)

	_, err := h.Alloc(4096)
	require.Error(t, err)
}

func TestAllocAlignedHonorsStrongerAlignment(t *testing.T) {
	h := newTestHeap(t, 4096)

	p, err := h.AllocAligned(64, 256)
	require.NoError(t, err)
	require.Zero(t, uintptr(p)%256)
}

func TestDoubleFreeIsNotCorrupting(t *testing.T) {
	h := newTestHeap(t, 4096)

	a, err := h.Alloc(64)
	require.NoError(t, err)
	h.Free(a)
	h.Free(a) // no-op, must not panic or double-subtract used bytes

	stats := h.StatsSnapshot()
	require.Zero(t, stats.UsedBytes)
}
