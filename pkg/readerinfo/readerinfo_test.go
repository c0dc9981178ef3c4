package readerinfo

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTakeLockInlineThenOverflow(t *testing.T) {
	c := &Cell{}

	for i := Slot(1); i <= maxInlineSlots; i++ {
		alreadyHeld, usedInline := c.TakeLock(i)
		require.False(t, alreadyHeld)
		require.True(t, usedInline, "slot %d should fit inline", i)
	}
	require.Equal(t, maxInlineSlots, c.SlotCount())
	require.Equal(t, maxInlineSlots, c.LockCount())

	alreadyHeld, usedInline := c.TakeLock(Slot(99))
	require.False(t, alreadyHeld)
	require.False(t, usedInline, "4th reader must overflow")
	require.Equal(t, maxInlineSlots, c.SlotCount())
	require.Equal(t, maxInlineSlots+1, c.LockCount())
}

func TestTakeLockIdempotentForSameSlot(t *testing.T) {
	c := &Cell{}
	_, _ = c.TakeLock(Slot(5))
	alreadyHeld, usedInline := c.TakeLock(Slot(5))
	require.True(t, alreadyHeld)
	require.True(t, usedInline)
	require.Equal(t, 1, c.LockCount())
}

func TestIsConflictCommittedWatermark(t *testing.T) {
	c := &Cell{}
	c.raiseCommittedReadLockVersion(10)
	require.True(t, c.IsConflict(Slot(1), 9, false))
	require.False(t, c.IsConflict(Slot(1), 10, false))
	require.False(t, c.IsConflict(Slot(1), 11, false))
}

func TestIsConflictOtherInlineSlot(t *testing.T) {
	c := &Cell{}
	c.TakeLock(Slot(1))
	require.True(t, c.IsConflict(Slot(2), 0, false))
	require.False(t, c.IsConflict(Slot(1), 0, false))
}

func TestIsConflictOverflowOwnership(t *testing.T) {
	c := &Cell{}
	for i := Slot(1); i <= maxInlineSlots; i++ {
		c.TakeLock(i)
	}
	_, usedInline := c.TakeLock(Slot(50))
	require.False(t, usedInline)

	// slot 50 is an overflow owner: no conflict against itself.
	require.False(t, c.IsConflict(Slot(50), 0, true))
	// a brand-new non-owning reader sees the overflow as contention.
	require.True(t, c.IsConflict(Slot(51), 0, false))
}

func TestFinalizeRemovesInlineSlotAndDecrements(t *testing.T) {
	c := &Cell{}
	c.TakeLock(Slot(1))
	c.TakeLock(Slot(2))
	require.Equal(t, 2, c.LockCount())

	c.Finalize(Slot(1), 5, true)
	require.Equal(t, 1, c.LockCount())
	require.Equal(t, 1, c.SlotCount())
	require.False(t, c.HasInlineSlot(Slot(1)))
	require.True(t, c.HasInlineSlot(Slot(2)))
	require.Equal(t, uint64(5), c.CommittedReadLockVersion())
}

func TestFinalizeNeverLowersWatermark(t *testing.T) {
	c := &Cell{}
	c.raiseCommittedReadLockVersion(20)
	c.TakeLock(Slot(1))
	c.Finalize(Slot(1), 5, true)
	require.Equal(t, uint64(20), c.CommittedReadLockVersion())
}

func TestRemapSlot(t *testing.T) {
	c := &Cell{}
	c.TakeLock(Slot(1))
	require.True(t, c.RemapSlot(Slot(1), Slot(2)))
	require.False(t, c.HasInlineSlot(Slot(1)))
	require.True(t, c.HasInlineSlot(Slot(2)))
	require.False(t, c.RemapSlot(Slot(99), Slot(3)))
}

func TestTryTakeKeyLockRejectsFourthReader(t *testing.T) {
	c := &Cell{}
	for i := Slot(1); i <= maxInlineSlots; i++ {
		_, ok := c.TryTakeKeyLock(i)
		require.True(t, ok)
	}
	_, ok := c.TryTakeKeyLock(Slot(4))
	require.False(t, ok, "key locks have no overflow set")

	alreadyHeld, ok := c.TryTakeKeyLock(Slot(1))
	require.True(t, alreadyHeld)
	require.True(t, ok)
}
