package engine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/veloxdb/veloxdb/pkg/changeset"
	"github.com/veloxdb/veloxdb/pkg/integrity"
	"github.com/veloxdb/veloxdb/pkg/txn"
)

type noopPersister struct{}

func (noopPersister) BeginCommitTransaction(tx *txn.Transaction, changeset []byte, onDurable func(error)) {
	onDurable(nil)
}

func newTestDatabase(t *testing.T) *Database {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Manager.Workers = 2
	cfg.Audit.Enabled = false
	db, err := NewDatabase(cfg, noopPersister{})
	require.NoError(t, err)
	t.Cleanup(db.Close)
	return db
}

const (
	classPerson int32 = 1
	classOrder  int32 = 2
)

// person: [0]name string
func personDef() *ClassDef {
	return NewClassDef(classPerson, "Person").AddProperty("name", String)
}

// order: [0]amount int, [1]owner RefOne -> Person, tracked
func orderDef(action integrity.DeleteTargetAction, tracked bool) *ClassDef {
	return NewClassDef(classOrder, "Order").
		AddProperty("amount", Int).
		AddReference("owner", []int32{classPerson}, action, tracked)
}

func TestConcurrentUpdatesToSameObjectConflict(t *testing.T) {
	db := newTestDatabase(t)
	require.NoError(t, db.RegisterClass(personDef()))

	seed := db.Begin(txn.ReadWrite, "seed", false)
	_, err := db.Insert(seed, classPerson, 1, Values{1: changeset.StringValue("alice")}, nil)
	require.NoError(t, err)
	require.NoError(t, db.Commit(seed))

	tx1 := db.Begin(txn.ReadWrite, "a", false)
	tx2 := db.Begin(txn.ReadWrite, "b", false)

	_, err = db.Update(tx1, classPerson, 1, Values{1: changeset.StringValue("alice-1")}, nil)
	require.NoError(t, err)
	require.NoError(t, db.Commit(tx1))

	_, err = db.Update(tx2, classPerson, 1, Values{1: changeset.StringValue("alice-2")}, nil)
	require.Error(t, err)
}

func TestCascadeDeletePropagatesToReferencingObjects(t *testing.T) {
	db := newTestDatabase(t)
	require.NoError(t, db.RegisterClass(personDef()))
	require.NoError(t, db.RegisterClass(orderDef(integrity.CascadeDelete, true)))

	tx := db.Begin(txn.ReadWrite, "setup", false)
	_, err := db.Insert(tx, classPerson, 1, Values{1: changeset.StringValue("bob")}, nil)
	require.NoError(t, err)
	_, err = db.Insert(tx, classOrder, 100, Values{1: changeset.IntValue(5), 2: changeset.LongValue(1)}, nil)
	require.NoError(t, err)
	require.NoError(t, db.Commit(tx))

	dtx := db.Begin(txn.ReadWrite, "delete", false)
	_, err = db.Delete(dtx, classPerson, 1)
	require.NoError(t, err)
	require.NoError(t, db.Commit(dtx))

	rtx := db.Begin(txn.Read, "check", false)
	_, _, err = db.GetObject(rtx, classOrder, 100)
	require.Error(t, err)
}

func TestSetToNullClearsReferenceOnTargetDelete(t *testing.T) {
	db := newTestDatabase(t)
	require.NoError(t, db.RegisterClass(personDef()))
	require.NoError(t, db.RegisterClass(orderDef(integrity.SetToNull, true)))

	tx := db.Begin(txn.ReadWrite, "setup", false)
	_, err := db.Insert(tx, classPerson, 1, Values{1: changeset.StringValue("carol")}, nil)
	require.NoError(t, err)
	_, err = db.Insert(tx, classOrder, 100, Values{1: changeset.IntValue(5), 2: changeset.LongValue(1)}, nil)
	require.NoError(t, err)
	require.NoError(t, db.Commit(tx))

	dtx := db.Begin(txn.ReadWrite, "delete", false)
	_, err = db.Delete(dtx, classPerson, 1)
	require.NoError(t, err)
	require.NoError(t, db.Commit(dtx))

	rtx := db.Begin(txn.Read, "check", false)
	values, _, err := db.GetObject(rtx, classOrder, 100)
	require.NoError(t, err)
	require.Equal(t, int64(0), values[2].Long())
}

func TestPreventDeleteRejectsDeleteOfReferencedObject(t *testing.T) {
	db := newTestDatabase(t)
	require.NoError(t, db.RegisterClass(personDef()))
	require.NoError(t, db.RegisterClass(orderDef(integrity.PreventDelete, true)))

	tx := db.Begin(txn.ReadWrite, "setup", false)
	_, err := db.Insert(tx, classPerson, 1, Values{1: changeset.StringValue("dave")}, nil)
	require.NoError(t, err)
	_, err = db.Insert(tx, classOrder, 100, Values{1: changeset.IntValue(5), 2: changeset.LongValue(1)}, nil)
	require.NoError(t, err)
	require.NoError(t, db.Commit(tx))

	dtx := db.Begin(txn.ReadWrite, "delete", false)
	_, err = db.Delete(dtx, classPerson, 1)
	require.NoError(t, err)
	require.Error(t, db.Commit(dtx))
}

func TestRangeScanPreventsPhantomInsertIntoScannedRange(t *testing.T) {
	db := newTestDatabase(t)
	require.NoError(t, db.RegisterClass(personDef()))
	require.NoError(t, db.RegisterSortedIndex(1, classPerson, 1, false))

	seed := db.Begin(txn.ReadWrite, "seed", false)
	_, err := db.Insert(seed, classPerson, 1, Values{1: changeset.StringValue("a")}, nil)
	require.NoError(t, err)
	_, err = db.Insert(seed, classPerson, 2, Values{1: changeset.StringValue("z")}, nil)
	require.NoError(t, err)
	require.NoError(t, db.Commit(seed))

	scanner := db.Begin(txn.ReadWrite, "scanner", false)
	_, err = db.RangeScan(scanner, 1, []byte("a"), []byte("z"))
	require.NoError(t, err)

	writer := db.Begin(txn.ReadWrite, "writer", false)
	_, err = db.Insert(writer, classPerson, 3, Values{1: changeset.StringValue("m")}, nil)
	require.NoError(t, err)
	require.NoError(t, db.Commit(writer))

	require.Error(t, db.Commit(scanner))
}

func TestRewindDiscardsCommitsPastTarget(t *testing.T) {
	db := newTestDatabase(t)
	require.NoError(t, db.RegisterClass(personDef()))

	tx1 := db.Begin(txn.ReadWrite, "one", false)
	_, err := db.Insert(tx1, classPerson, 1, Values{1: changeset.StringValue("pre")}, nil)
	require.NoError(t, err)
	require.NoError(t, db.Commit(tx1))
	target := tx1.CommitVersion

	tx2 := db.Begin(txn.ReadWrite, "two", false)
	_, err = db.Insert(tx2, classPerson, 2, Values{1: changeset.StringValue("post")}, nil)
	require.NoError(t, err)
	require.NoError(t, db.Commit(tx2))

	require.NoError(t, db.Rewind(target))

	rtx := db.Begin(txn.Read, "check", false)
	_, _, err = db.GetObject(rtx, classPerson, 1)
	require.NoError(t, err)
	_, _, err = db.GetObject(rtx, classPerson, 2)
	require.Error(t, err)
}

func TestManyConcurrentInsertsAllCommitUnderGroupCommit(t *testing.T) {
	db := newTestDatabase(t)
	require.NoError(t, db.RegisterClass(personDef()))

	const n = 50
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(id int64) {
			tx := db.Begin(txn.ReadWrite, "fanout", false)
			_, err := db.Insert(tx, classPerson, id, Values{1: changeset.StringValue("p")}, nil)
			if err != nil {
				errs <- err
				return
			}
			errs <- db.Commit(tx)
		}(int64(i + 1))
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
	}

	rtx := db.Begin(txn.Read, "check", false)
	count := 0
	require.NoError(t, db.Scan(rtx, classPerson, func(id int64, values Values, many ManyRefs) {
		count++
	}))
	require.Equal(t, n, count)
}

func TestApplyChangesetReplaysLoggedOperations(t *testing.T) {
	src := newTestDatabase(t)
	require.NoError(t, src.RegisterClass(personDef()))

	tx := src.Begin(txn.ReadWrite, "write", false)
	_, err := src.Insert(tx, classPerson, 1, Values{1: changeset.StringValue("replay-me")}, nil)
	require.NoError(t, err)

	// Captured before Commit: the transaction's Context is returned to
	// the manager's pool once commit finalizes, so LogWriters is only
	// safe to read while tx is still active.
	logBuf := tx.Context().LogWriters[defaultLogIndex]
	require.NotEmpty(t, logBuf)
	encoded := changeset.EncodeLog(defaultLogIndex, [][]byte{logBuf})

	require.NoError(t, src.Commit(tx))

	dst := newTestDatabase(t)
	require.NoError(t, dst.RegisterClass(personDef()))

	atx := dst.Begin(txn.ReadWrite, "apply", false)
	require.NoError(t, dst.ApplyChangeset(atx, encoded))
	require.NoError(t, dst.Commit(atx))

	rtx := dst.Begin(txn.Read, "check", false)
	values, _, err := dst.GetObject(rtx, classPerson, 1)
	require.NoError(t, err)
	require.Equal(t, "replay-me", values[1].Str)
}

func TestRegisterClassTwiceFails(t *testing.T) {
	db := newTestDatabase(t)
	require.NoError(t, db.RegisterClass(personDef()))
	require.Error(t, db.RegisterClass(personDef()))
}

func TestHashIndexLookupAfterInsert(t *testing.T) {
	db := newTestDatabase(t)
	require.NoError(t, db.RegisterClass(personDef()))
	require.NoError(t, db.RegisterHashIndex(1, classPerson, 1, true))

	tx := db.Begin(txn.ReadWrite, "write", false)
	_, err := db.Insert(tx, classPerson, 1, Values{1: changeset.StringValue("unique-name")}, nil)
	require.NoError(t, err)
	require.NoError(t, db.Commit(tx))

	rtx := db.Begin(txn.Read, "read", false)
	ids, err := db.HashLookup(rtx, 1, []byte("unique-name"))
	require.NoError(t, err)
	require.Equal(t, []int64{1}, ids)
}
