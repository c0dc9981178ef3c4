package objstore

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/veloxdb/veloxdb/pkg/handle"
)

func TestAllocateReturnsDistinctHandles(t *testing.T) {
	s := NewStore(8)
	defer s.Close()

	seen := map[handle.Handle]bool{}
	for i := 0; i < 1000; i++ {
		h := s.Allocate()
		require.False(t, seen[h], "handle %v allocated twice", h)
		seen[h] = true
	}
}

func TestBufferRoundTripsPayload(t *testing.T) {
	s := NewStore(8)
	defer s.Close()

	h := s.Allocate()
	buf := s.Buffer(h)
	copy(buf[recordHeaderSize:], []byte{1, 2, 3, 4, 5, 6, 7, 8})
	s.Header(h).MarkUsed(1)

	used, version := s.Header(h).IsUsed()
	require.True(t, used)
	require.Equal(t, uint64(1), version&^1)
	require.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, s.Buffer(h)[recordHeaderSize:])
}

func TestFreeMarksHeaderImmediatelyUnused(t *testing.T) {
	s := NewStore(4)
	defer s.Close()

	h := s.Allocate()
	s.Header(h).MarkUsed(1)
	s.Free(h)

	used, _ := s.Header(h).IsUsed()
	require.False(t, used)
}

func TestAllocateReusesFreedSlotFromPerCPUFreeList(t *testing.T) {
	s := NewStore(4)

	h1 := s.Allocate()
	s.Header(h1).MarkUsed(1)
	s.Free(h1)
	s.Close() // runs the deferred reclaim unconditionally, as if quiescent

	h2 := s.Allocate()
	require.Equal(t, h1, h2, "a freed slot should be handed back out before growing")
}

func TestCountReflectsOnlyInUseRecords(t *testing.T) {
	s := NewStore(4)
	defer s.Close()

	var handles []handle.Handle
	for i := 0; i < 5; i++ {
		h := s.Allocate()
		s.Header(h).MarkUsed(uint64(i + 1))
		handles = append(handles, h)
	}
	require.Equal(t, 5, s.Count())

	s.Free(handles[0])
	require.Equal(t, 4, s.Count())
}

func TestSplitScanRangeCoversEveryAllocatedSlot(t *testing.T) {
	s := NewStore(4)
	defer s.Close()

	itemsPerRange := BlockSize / s.ItemSize()
	total := itemsPerRange*2 + 17
	var handles []handle.Handle
	for i := 0; i < total; i++ {
		h := s.Allocate()
		s.Header(h).MarkUsed(uint64(i+1)<<1 | 1)
		handles = append(handles, h)
	}

	ranges := s.SplitScanRange(0, 4)
	visited := map[handle.Handle]bool{}
	for _, r := range ranges {
		r.ForEach(func(h handle.Handle, version uint64, buf []byte) {
			visited[h] = true
		})
	}

	require.Len(t, visited, total)
	for _, h := range handles {
		require.True(t, visited[h])
	}
}

func TestSplitScanRangeOrdersPartialBlocksLast(t *testing.T) {
	s := NewStore(4)
	defer s.Close()

	itemsPerRange := BlockSize / s.ItemSize()
	for i := 0; i < itemsPerRange+3; i++ {
		h := s.Allocate()
		s.Header(h).MarkUsed(uint64(i+1)<<1 | 1)
	}

	ranges := s.SplitScanRange(itemsPerRange, 0)
	require.True(t, len(ranges) >= 2)

	sealedIdx := -1
	for i, r := range ranges {
		blk := s.blockAt(r.blockIdx)
		if !blk.sealed.Load() {
			sealedIdx = i
			break
		}
	}
	require.NotEqual(t, -1, sealedIdx)
	require.Equal(t, len(ranges)-1, sealedIdx, "the in-progress block's range must come last")
}

func TestSplitDisposableScanRangeFreesBlockAfterDispose(t *testing.T) {
	s := NewStore(4)
	defer s.Close()

	h := s.Allocate()
	s.Header(h).MarkUsed(1)

	ranges := s.SplitDisposableScanRange(0, 1)
	require.Len(t, ranges, 1)

	blockIdx := ranges[0].blockIdx
	ranges[0].DisposeRange()

	s.mu.RLock()
	disposed := s.blocks[blockIdx]
	s.mu.RUnlock()
	require.Nil(t, disposed)
}

func TestForEachSkipsFreedSlots(t *testing.T) {
	s := NewStore(4)
	defer s.Close()

	var handles []handle.Handle
	for i := 0; i < 10; i++ {
		h := s.Allocate()
		s.Header(h).MarkUsed(uint64(i+1)<<1 | 1)
		handles = append(handles, h)
	}
	s.Free(handles[3])

	var ids []int
	for _, r := range s.SplitScanRange(0, 1) {
		r.ForEach(func(h handle.Handle, version uint64, buf []byte) {
			_, slot := decodeHandle(h)
			ids = append(ids, slot)
		})
	}
	sort.Ints(ids)
	require.Len(t, ids, 9)
}
