package index

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/veloxdb/veloxdb/pkg/txn"
	"github.com/veloxdb/veloxdb/pkg/veloxerr"
)

type noopPersister struct{}

func (noopPersister) BeginCommitTransaction(tx *txn.Transaction, changeset []byte, onDurable func(error)) {
	onDurable(nil)
}

func newTestManager(t *testing.T) *txn.Manager {
	t.Helper()
	cfg := txn.DefaultManagerConfig()
	cfg.Workers = 2
	m := txn.NewManager(cfg, nil, noopPersister{})
	t.Cleanup(m.Close)
	return m
}

func TestHashLookupSeesCommittedInsert(t *testing.T) {
	idx := NewHashIndex(1, false)
	m := newTestManager(t)

	tx := m.Begin(txn.ReadWrite, "test", false)
	require.NoError(t, idx.Insert(tx, []byte("alice"), 1))
	require.NoError(t, m.Commit(tx))

	rtx := m.Begin(txn.Read, "test", false)
	require.Equal(t, []int64{1}, idx.Lookup(rtx, []byte("alice")))
}

func TestHashUniqueIndexRejectsSecondID(t *testing.T) {
	idx := NewHashIndex(1, true)
	m := newTestManager(t)

	tx := m.Begin(txn.ReadWrite, "test", false)
	require.NoError(t, idx.Insert(tx, []byte("key"), 1))
	require.NoError(t, m.Commit(tx))

	tx2 := m.Begin(txn.ReadWrite, "test", false)
	err := idx.Insert(tx2, []byte("key"), 2)
	require.ErrorIs(t, err, veloxerr.UniqueViolation)
}

func TestHashUniqueIndexAllowsReinsertOfSameID(t *testing.T) {
	idx := NewHashIndex(1, true)
	m := newTestManager(t)

	tx := m.Begin(txn.ReadWrite, "test", false)
	require.NoError(t, idx.Insert(tx, []byte("key"), 1))
	require.NoError(t, m.Commit(tx))

	tx2 := m.Begin(txn.ReadWrite, "test", false)
	require.NoError(t, idx.Insert(tx2, []byte("key"), 1))
}

func TestHashDeleteRemovesMembership(t *testing.T) {
	idx := NewHashIndex(1, false)
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

func TestHashRollbackDiscardsInsert(t *testing.T) {
	idx := NewHashIndex(1, false)
	m := newTestManager(t)

	tx := m.Begin(txn.ReadWrite, "test", false)
	require.NoError(t, idx.Insert(tx, []byte("k"), 1))
	m.Rollback(tx)

	rtx := m.Begin(txn.Read, "test", false)
	require.Empty(t, idx.Lookup(rtx, []byte("k")))
}

func TestHashGarbageCollectPeriodicFoldsDeltas(t *testing.T) {
	idx := NewHashIndex(1, false)
	m := newTestManager(t)

	tx := m.Begin(txn.ReadWrite, "test", false)
	require.NoError(t, idx.Insert(tx, []byte("k"), 1))
	require.NoError(t, m.Commit(tx))

	idx.GarbageCollectPeriodic(tx.CommitVersion)

	rtx := m.Begin(txn.Read, "test", false)
	require.Equal(t, []int64{1}, idx.Lookup(rtx, []byte("k")))
}
