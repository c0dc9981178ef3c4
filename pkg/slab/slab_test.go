package slab

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/veloxdb/veloxdb/pkg/handle"
)

func TestAllocateReturnsZeroedBuffer(t *testing.T) {
	a := NewAllocator(64, 0)
	defer a.Close()

	h := a.Allocate()
	buf := a.Buffer(h)
	require.Len(t, buf, 64)
	for _, b := range buf {
		require.Equal(t, byte(0), b)
	}
}

func TestAllocateReturnsDistinctHandles(t *testing.T) {
	a := NewAllocator(32, 0)
	defer a.Close()

	seen := map[handle.Handle]bool{}
	for i := 0; i < 1000; i++ {
		h := a.Allocate()
		require.False(t, seen[h], "handle %v allocated twice", h)
		seen[h] = true
	}
}

func TestFreeReusesSlotOnceQuiescent(t *testing.T) {
	a := NewAllocator(16, 0)

	h1 := a.Allocate()
	a.Free(h1)
	a.Close() // runs the deferred reclaim unconditionally, as if quiescent

	h2 := a.Allocate()
	require.Equal(t, h1, h2, "a freed handle should be handed back out before growing")
}

func TestAllocateZeroesReusedBuffer(t *testing.T) {
	a := NewAllocator(8, 0)

	h1 := a.Allocate()
	copy(a.Buffer(h1), []byte{1, 2, 3, 4, 5, 6, 7, 8})
	a.Free(h1)
	a.Close()

	h2 := a.Allocate()
	require.Equal(t, h1, h2)
	require.Equal(t, make([]byte, 8), a.Buffer(h2))
}

func TestBumpAllocateGrowsNewArenaWhenCursorExhausted(t *testing.T) {
	itemSize := 64
	arenaSize := itemSize * 4
	a := NewAllocator(itemSize, arenaSize)
	defer a.Close()

	handles := map[handle.Handle]bool{}
	for i := 0; i < 10; i++ {
		h := a.Allocate()
		require.False(t, handles[h])
		handles[h] = true
	}
	require.Len(t, a.arenas, 3) // 10 items over 4-item arenas: 3 arenas
}

func TestItemSizeReturnsConfiguredSize(t *testing.T) {
	a := NewAllocator(128, 0)
	defer a.Close()
	require.Equal(t, 128, a.ItemSize())
}

func TestEnterExitPinsAndUnpinsGuard(t *testing.T) {
	a := NewAllocator(16, 0)
	defer a.Close()

	token, _ := a.Enter()
	require.GreaterOrEqual(t, token, 0)
	a.Exit(token)
}
