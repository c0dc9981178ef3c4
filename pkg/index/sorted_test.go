package index

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/veloxdb/veloxdb/pkg/txn"
	"github.com/veloxdb/veloxdb/pkg/veloxerr"
)

func TestSortedLookupSeesCommittedInsert(t *testing.T) {
	idx := NewSortedIndex(1, false)
	m := newTestManager(t)

	tx := m.Begin(txn.ReadWrite, "test", false)
	require.NoError(t, idx.Insert(tx, []byte("b"), 1))
	require.NoError(t, m.Commit(tx))

	rtx := m.Begin(txn.Read, "test", false)
	require.Equal(t, []int64{1}, idx.Lookup(rtx, []byte("b")))
}

func TestSortedRangeScanReturnsKeysInOrder(t *testing.T) {
	idx := NewSortedIndex(1, false)
	m := newTestManager(t)

	tx := m.Begin(txn.ReadWrite, "test", false)
	for i, k := range []string{"c", "a", "b"} {
		require.NoError(t, idx.Insert(tx, []byte(k), int64(i)))
	}
	require.NoError(t, m.Commit(tx))

	rtx := m.Begin(txn.Read, "test", false)
	items := idx.RangeScan(rtx, []byte("a"), []byte("c"))
	require.Len(t, items, 3)
	require.Equal(t, []byte("a"), items[0].Key)
	require.Equal(t, []byte("b"), items[1].Key)
	require.Equal(t, []byte("c"), items[2].Key)
}

func TestSortedRangeScanExcludesKeysOutsideBounds(t *testing.T) {
	idx := NewSortedIndex(1, false)
	m := newTestManager(t)

	tx := m.Begin(txn.ReadWrite, "test", false)
	require.NoError(t, idx.Insert(tx, []byte("a"), 1))
	require.NoError(t, idx.Insert(tx, []byte("z"), 2))
	require.NoError(t, m.Commit(tx))

	rtx := m.Begin(txn.Read, "test", false)
	items := idx.RangeScan(rtx, []byte("b"), []byte("y"))
	require.Empty(t, items)
}

func TestSortedUniqueIndexRejectsSecondID(t *testing.T) {
	idx := NewSortedIndex(1, true)
	m := newTestManager(t)

	tx := m.Begin(txn.ReadWrite, "test", false)
	require.NoError(t, idx.Insert(tx, []byte("k"), 1))
	require.NoError(t, m.Commit(tx))

	tx2 := m.Begin(txn.ReadWrite, "test", false)
	err := idx.Insert(tx2, []byte("k"), 2)
	require.ErrorIs(t, err, veloxerr.UniqueViolation)
}

func TestSortedDeleteRemovesKey(t *testing.T) {
	idx := NewSortedIndex(1, false)
	m := newTestManager(t)

	tx := m.Begin(txn.ReadWrite, "test", false)
	require.NoError(t, idx.Insert(tx, []byte("k"), 1))
	require.NoError(t, m.Commit(tx))

	dtx := m.Begin(txn.ReadWrite, "test", false)
	require.NoError(t, idx.Delete(dtx, []byte("k"), 1))
	require.NoError(t, m.Commit(dtx))

	rtx := m.Begin(txn.Read, "test", false)
	require.Empty(t, idx.Lookup(rtx, []byte("k")))
}

func TestSortedRangeScanPreventsPhantomInsert(t *testing.T) {
	idx := NewSortedIndex(1, false)
	m := newTestManager(t)

	seed := m.Begin(txn.ReadWrite, "test", false)
	require.NoError(t, idx.Insert(seed, []byte("a"), 1))
	require.NoError(t, idx.Insert(seed, []byte("z"), 2))
	require.NoError(t, m.Commit(seed))

	scanner := m.Begin(txn.ReadWrite, "scanner", false)
	_ = idx.RangeScan(scanner, []byte("a"), []byte("z"))

	writer := m.Begin(txn.ReadWrite, "writer", false)
	require.NoError(t, idx.Insert(writer, []byte("m"), 3))
	require.NoError(t, m.Commit(writer))

	err := m.Commit(scanner)
	require.Error(t, err)
}
